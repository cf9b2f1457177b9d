package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("test", testConfig(), nil)
	fail := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), func() error { return fail })
		require.ErrorIs(t, err, fail)
	}
	require.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), func() error { return nil })
	require.ErrorIs(t, err, ErrOpen)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New("test", testConfig(), nil)
	fail := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func() error { return fail })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
	require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
	require.Equal(t, StateClosed, b.State())
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b := New("test", testConfig(), nil)
	fail := errors.New("boom")

	_ = b.Execute(context.Background(), func() error { return fail })
	_ = b.Execute(context.Background(), func() error { return fail })
	require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
	_ = b.Execute(context.Background(), func() error { return fail })
	_ = b.Execute(context.Background(), func() error { return fail })

	require.Equal(t, StateClosed, b.State())
}
