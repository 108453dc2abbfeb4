package task

import "errors"

// Failure is an error carrying its pipeline classification. Components
// that know why they failed wrap the cause in a Failure so the retry
// supervisor does not have to guess.
type Failure struct {
	Kind      ErrorKind
	Transient bool
	Err       error
}

// NewFailure wraps err with a classification.
func NewFailure(kind ErrorKind, transient bool, err error) *Failure {
	return &Failure{Kind: kind, Transient: transient, Err: err}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// AsFailure extracts a Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
