// Package retry supervises attempt execution: it classifies failures
// into a closed error-kind set, persists each error before deciding,
// and re-runs recoverable attempts with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/mgiraud/papermill/internal/notify"
	"github.com/mgiraud/papermill/internal/store"
	"github.com/mgiraud/papermill/internal/task"
)

// Policy controls retry behavior for one supervisor.
type Policy struct {
	// MaxRetries is the number of re-runs after the first attempt.
	MaxRetries int

	// BackoffCap bounds the exponential delay between retries.
	BackoffCap time.Duration

	// SoftDeadline bounds one attempt via its context. Expiry surfaces
	// as a retryable Timeout.
	SoftDeadline time.Duration

	// HardDeadline releases the supervisor even if the attempt ignores
	// its context. The in-flight attempt's result is discarded.
	HardDeadline time.Duration

	// PassThrough marks errors that are neither recorded nor retried,
	// such as pause or cancellation sentinels observed mid-attempt.
	PassThrough func(error) bool
}

// DefaultPolicy returns the standard retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		BackoffCap:   30 * time.Second,
		SoftDeadline: 600 * time.Second,
		HardDeadline: 900 * time.Second,
	}
}

// AttemptFn runs one attempt. attempt is 1-based.
type AttemptFn func(ctx context.Context, attempt int) error

// Supervisor wraps attempt execution with classification and backoff.
type Supervisor struct {
	store  *store.Store
	hub    *notify.Hub
	policy Policy
	logger *slog.Logger
}

// New creates a supervisor. Zero policy fields take defaults.
func New(st *store.Store, hub *notify.Hub, policy Policy, logger *slog.Logger) *Supervisor {
	def := DefaultPolicy()
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = def.MaxRetries
	}
	if policy.BackoffCap <= 0 {
		policy.BackoffCap = def.BackoffCap
	}
	if policy.SoftDeadline <= 0 {
		policy.SoftDeadline = def.SoftDeadline
	}
	if policy.HardDeadline <= 0 {
		policy.HardDeadline = def.HardDeadline
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:  st,
		hub:    hub,
		policy: policy,
		logger: logger.With("component", "retry"),
	}
}

// Classify maps an error to its kind and transience. Errors that carry
// their own classification win; context deadline expiry is a transient
// timeout; network errors are transient; everything else is Unknown
// and assumed transient.
func Classify(err error) (task.ErrorKind, bool) {
	if f, ok := task.AsFailure(err); ok {
		return f.Kind, f.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return task.ErrKindTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return task.ErrKindNetwork, true
	}
	return task.ErrKindUnknown, true
}

// Recoverable reports whether a classified error is worth retrying.
// Validation errors never are; System errors only when transient.
func Recoverable(kind task.ErrorKind, transient bool) bool {
	switch kind {
	case task.ErrKindValidation:
		return false
	case task.ErrKindSystem:
		return transient
	}
	return true
}

// Run executes fn up to MaxRetries+1 times. Each failure is classified,
// appended to the task's error list, and persisted before the retry
// decision. Run returns nil on success, the pass-through error
// unchanged, or the last classified failure once retries are exhausted
// or the failure is non-recoverable.
func (s *Supervisor) Run(ctx context.Context, t *task.Task, fn AttemptFn) error {
	attempt := 0
	return retry.Do(
		func() error {
			attempt++
			return s.runAttempt(ctx, t, attempt, fn)
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.policy.MaxRetries)+1),
		retry.DelayType(s.backoff),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if s.passThrough(err) {
				return false
			}
			kind, transient := Classify(err)
			return Recoverable(kind, transient)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("retrying task",
				"task_id", t.ID,
				"failed_attempt", n+1,
				"error", err,
			)
		}),
	)
}

// backoff is min(cap, 2^n) seconds for retry n (0-based).
func (s *Supervisor) backoff(n uint, _ error, _ *retry.Config) time.Duration {
	d := time.Duration(1<<n) * time.Second
	if d > s.policy.BackoffCap {
		return s.policy.BackoffCap
	}
	return d
}

func (s *Supervisor) passThrough(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return s.policy.PassThrough != nil && s.policy.PassThrough(err)
}

// runAttempt runs fn under the soft deadline, abandons it at the hard
// deadline, and records any failure on the task before returning.
func (s *Supervisor) runAttempt(ctx context.Context, t *task.Task, attempt int, fn AttemptFn) error {
	actx, cancel := context.WithTimeout(ctx, s.policy.SoftDeadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(actx, attempt) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(s.policy.HardDeadline):
		cancel()
		err = task.NewFailure(task.ErrKindTimeout, true,
			fmt.Errorf("attempt %d exceeded hard deadline %s", attempt, s.policy.HardDeadline))
	}
	if err == nil {
		return nil
	}
	if s.passThrough(err) {
		return err
	}

	kind, transient := Classify(err)
	t.RecordError(task.TaskError{
		Kind:      kind,
		Message:   err.Error(),
		Transient: transient,
		Attempt:   attempt,
	})
	if s.store != nil {
		if perr := s.store.PutTask(ctx, t); perr != nil {
			s.logger.Error("failed to persist error record", "task_id", t.ID, "error", perr)
		}
	}
	if s.hub != nil {
		s.hub.Publish(notify.Event{TaskID: t.ID, Kind: notify.KindErrorRegistered, Payload: notify.ErrorInfo{
			Kind: string(kind), Message: err.Error(),
		}})
	}
	return err
}
