package embed

import (
	"context"
	"crypto/sha256"
	"math"
	"sync/atomic"
)

// MockProvider is a deterministic in-process provider for tests.
// Unless overridden via Vectors, each text maps to a stable unit vector
// derived from its content hash, so identical texts are always similar
// and distinct texts rarely are.
type MockProvider struct {
	// Vectors overrides the derived vector for exact text matches.
	Vectors map[string][]float64

	// Err, when set, is returned by every Embed call.
	Err error

	calls atomic.Int64
}

// Name returns "mock".
func (m *MockProvider) Name() string {
	return "mock"
}

// Calls returns how many Embed calls reached the provider.
func (m *MockProvider) Calls() int64 {
	return m.calls.Load()
}

func (m *MockProvider) Embed(_ context.Context, texts []string) ([][]float64, error) {
	m.calls.Add(1)
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if v, ok := m.Vectors[text]; ok {
			out[i] = v
			continue
		}
		out[i] = deriveVector(text)
	}
	return out, nil
}

// deriveVector maps a text to a stable 8-dimensional unit vector.
func deriveVector(text string) []float64 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float64, 8)
	var norm float64
	for i := range v {
		v[i] = float64(sum[i]) - 127.5
		norm += v[i] * v[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}

var _ Provider = (*MockProvider)(nil)
