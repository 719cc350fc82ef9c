package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("smtp: connection refused")

func newTestBreaker(t *testing.T, cfg Config) *CircuitBreaker {
	t.Helper()
	cb, err := New(cfg, nil)
	require.NoError(t, err)
	return cb
}

func TestNew_RequiresName(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestDo_OpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("email")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cb := newTestBreaker(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Do(ctx, func(context.Context) error { return errRemote })
		assert.ErrorIs(t, err, errRemote)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrOpen)
	assert.True(t, IsOpenError(err))
	assert.False(t, IsOpenError(errRemote))
}

func TestDo_IgnoredErrorsDoNotTrip(t *testing.T) {
	errGone := errors.New("subscription gone")
	cfg := DefaultConfig("push")
	cfg.FailureThreshold = 2
	cfg.Ignore = func(err error) bool { return errors.Is(err, errGone) }
	cb := newTestBreaker(t, cfg)

	for i := 0; i < 5; i++ {
		err := cb.Do(context.Background(), func(context.Context) error { return errGone })
		assert.ErrorIs(t, err, errGone, "ignored errors still reach the caller")
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestOnStateChange(t *testing.T) {
	var (
		mu     sync.Mutex
		states []State
	)
	cfg := DefaultConfig("email")
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(name string, to State) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "email", name)
		states = append(states, to)
	}
	cb := newTestBreaker(t, cfg)

	_ = cb.Do(context.Background(), func(context.Context) error { return errRemote })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateClosed, StateOpen}, states)
	assert.Equal(t, 1.0, StateOpen.Gauge())
}

func TestManager(t *testing.T) {
	m := NewManager(nil, nil)

	a, err := m.GetOrCreate("push", DefaultConfig(""))
	require.NoError(t, err)
	b, err := m.GetOrCreate("push", DefaultConfig(""))
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = m.GetOrCreate("email", DefaultConfig(""))
	require.NoError(t, err)

	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, "email", statuses[0].Name)
	assert.True(t, statuses[1].Healthy)
}
