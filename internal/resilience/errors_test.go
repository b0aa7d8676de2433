package resilience

import (
	"context"
	"net"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", eris.New("boom"), false},
		{"transient wrapper", NewTransient(eris.New("503"), 503), true},
		{"wrapped transient", eris.Wrap(NewTransient(eris.New("429"), 429), "dispatch"), true},
		{"permanent wrapper", NewPermanent(eris.New("422"), 422), false},
		{"net timeout", timeoutErr{}, true},
		{"connection reset string", eris.New("read: connection reset by peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(NewPermanent(eris.New("bad record"), 400)))
	assert.True(t, IsPermanent(eris.Wrap(NewPermanent(eris.New("bad"), 400), "dispatch")))
	assert.False(t, IsPermanent(NewTransient(eris.New("503"), 503)))
	assert.False(t, IsPermanent(eris.New("boom")))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "transient", Classify(NewTransient(eris.New("x"), 500)))
	assert.Equal(t, "permanent", Classify(NewPermanent(eris.New("x"), 400)))
	assert.Equal(t, "permanent", Classify(eris.New("unknown")))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "code %d", code)
	}
	for _, code := range []int{200, 201, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "code %d", code)
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 2})

	fail := func(ctx context.Context) error { return NewTransient(eris.New("down"), 503) }

	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitClosed, cb.State())
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitOpen, cb.State())

	// Open circuit rejects with a transient error.
	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	assert.True(t, IsTransient(err))
	assert.True(t, eris.Is(err, ErrCircuitOpen))
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 2})

	rejected := func(ctx context.Context) error { return NewPermanent(eris.New("bad lead"), 422) }
	for range 5 {
		_ = cb.Execute(context.Background(), rejected)
	}
	assert.Equal(t, CircuitClosed, cb.State())
}
