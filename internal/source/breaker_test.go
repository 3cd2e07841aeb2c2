package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/pkg/schema"
)

// --- Breaker Tests ---

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("n8n", BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute, HalfOpenMax: 1})

	require.NoError(t, b.Allow())
	assert.Equal(t, CircuitClosed, b.RecordFailure())
	assert.Equal(t, CircuitClosed, b.RecordFailure())
	assert.Equal(t, CircuitOpen, b.RecordFailure())

	err := b.Allow()
	require.Error(t, err)
	cerr, ok := err.(*schema.ControlError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeSourceUnavailable, cerr.Code)
	assert.Equal(t, 3, cerr.Details["consecutive_failures"])
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := NewBreaker("n8n", BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1})

	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, CircuitClosed, b.RecordFailure())
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := NewBreaker("n8n", BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, HalfOpenMax: 1})

	assert.Equal(t, CircuitOpen, b.RecordFailure())
	require.Error(t, b.Allow())

	time.Sleep(20 * time.Millisecond)

	// First probe allowed, second refused.
	require.NoError(t, b.Allow())
	require.Error(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, CircuitClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("n8n", BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, HalfOpenMax: 1})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())

	assert.Equal(t, CircuitOpen, b.RecordFailure())
	require.Error(t, b.Allow())
}

// --- Guarded Source Tests ---

type flakySource struct {
	stubSource
	err error
}

func (f *flakySource) Snapshot(context.Context, string) (*schema.ExecutionSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &schema.ExecutionSnapshot{ExecutionID: "1", Status: schema.StateRunning}, nil
}

func TestGuarded_TripsOnTransportFailures(t *testing.T) {
	src := &flakySource{stubSource: stubSource{name: "n8n"}, err: errors.New("connection refused")}
	g := NewGuarded(src, BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1})

	_, err := g.Snapshot(context.Background(), "1")
	require.Error(t, err)
	_, err = g.Snapshot(context.Background(), "1")
	require.Error(t, err)

	// Circuit is now open; the inner source is no longer called.
	_, err = g.Snapshot(context.Background(), "1")
	cerr, ok := err.(*schema.ControlError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeSourceUnavailable, cerr.Code)
	assert.Equal(t, CircuitOpen, g.Breaker().State())
}

func TestGuarded_EngineAnswersDoNotTrip(t *testing.T) {
	src := &flakySource{
		stubSource: stubSource{name: "n8n"},
		err:        schema.NewError(schema.ErrCodeNotFound, "execution not found"),
	}
	g := NewGuarded(src, BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1})

	for i := 0; i < 5; i++ {
		_, err := g.Snapshot(context.Background(), "1")
		require.Error(t, err)
	}
	assert.Equal(t, CircuitClosed, g.Breaker().State())
}

func TestGuarded_RecoversAfterSuccess(t *testing.T) {
	src := &flakySource{stubSource: stubSource{name: "n8n"}, err: errors.New("connection refused")}
	g := NewGuarded(src, BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, HalfOpenMax: 1})

	_, err := g.Snapshot(context.Background(), "1")
	require.Error(t, err)

	src.err = nil
	time.Sleep(20 * time.Millisecond)

	snap, err := g.Snapshot(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "1", snap.ExecutionID)
	assert.Equal(t, CircuitClosed, g.Breaker().State())
}
