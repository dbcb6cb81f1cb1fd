package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd_RejectsBadSpec(t *testing.T) {
	s := New(nil, nil)
	err := s.Add("sweep", "not a schedule", func(context.Context, time.Time) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a schedule")
}

func TestAdd_RejectsDuplicateName(t *testing.T) {
	s := New(nil, nil)
	noop := func(context.Context, time.Time) error { return nil }
	require.NoError(t, s.Add("sweep", "* * * * *", noop))
	assert.Error(t, s.Add("sweep", "@every 1m", noop))
}

func TestRunNow_PassesClockTime(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	s := New(nil, func() time.Time { return at })

	var got time.Time
	require.NoError(t, s.Add("schedules", "*/15 * * * *", func(_ context.Context, now time.Time) error {
		got = now
		return nil
	}))

	require.NoError(t, s.RunNow("schedules"))
	assert.Equal(t, at, got)

	assert.Error(t, s.RunNow("unknown"))
}

func TestStart_RunsOnSchedule(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := New(logger, nil)

	var runs int64
	require.NoError(t, s.Add("timeouts", "@every 1s", func(ctx context.Context, _ time.Time) error {
		atomic.AddInt64(&runs, 1)
		return errors.New("store down")
	}))
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return atomic.LoadInt64(&runs) > 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
	s.Stop()

	assert.Contains(t, buf.String(), "sweep failed")
	assert.Contains(t, buf.String(), "store down")
}
