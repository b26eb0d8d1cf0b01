package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var errUpstream = errors.New("connection refused")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
	cb := NewWithWindow("lending", maxFailures, 30*time.Second, time.Minute, zap.NewNop())
	cb.now = clock.now
	return cb, clock
}

func fail() error    { return errUpstream }
func succeed() error { return nil }

func TestOpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(fail, nil), errUpstream)
		assert.Equal(t, StateClosed, cb.State())
	}
	assert.ErrorIs(t, cb.Execute(fail, nil), errUpstream)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil }, nil)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestHalfOpenTrial(t *testing.T) {
	cb, clock := newTestBreaker(1)

	cb.Execute(fail, nil)
	assert.Equal(t, StateOpen, cb.State())

	clock.t = clock.t.Add(31 * time.Second)
	assert.ErrorIs(t, cb.Execute(fail, nil), errUpstream)
	assert.Equal(t, StateOpen, cb.State(), "failed trial reopens")

	clock.t = clock.t.Add(31 * time.Second)
	assert.NoError(t, cb.Execute(succeed, nil))
	assert.Equal(t, StateClosed, cb.State())
}

func TestFailuresOutsideWindowExpire(t *testing.T) {
	cb, clock := newTestBreaker(2)

	cb.Execute(fail, nil)
	clock.t = clock.t.Add(2 * time.Minute)
	cb.Execute(fail, nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBusinessErrorsDoNotCount(t *testing.T) {
	cb, _ := newTestBreaker(1)
	conflict := errors.New("409 already returned")
	onlyUpstream := func(err error) bool { return errors.Is(err, errUpstream) }

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return conflict }, onlyUpstream), conflict)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
