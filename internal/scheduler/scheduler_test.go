package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/harvest"
)

// start runs s in the background and waits until it accepts triggers.
func start(t *testing.T, s *Scheduler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		_, err := s.Trigger("missing")
		return errors.Is(err, harvest.ErrNotFound)
	}, time.Second, time.Millisecond)
	t.Cleanup(cancel)
	return cancel, done
}

func statsFor(s *Scheduler, name string) JobStats {
	for _, st := range s.Stats() {
		if st.Name == name {
			return st
		}
	}
	return JobStats{}
}

func TestTrigger_SkipsWhileRunning(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s, err := New([]Job{{
		Name: "accounts",
		Run: func(context.Context) (harvest.RunReport, error) {
			started <- struct{}{}
			<-release
			return harvest.RunReport{Strategy: "accounts", Inserted: 2}, nil
		},
	}}, zap.NewNop())
	require.NoError(t, err)
	start(t, s)

	fired, err := s.Trigger("accounts")
	require.NoError(t, err)
	require.True(t, fired)
	<-started

	fired, err = s.Trigger("accounts")
	require.NoError(t, err)
	require.False(t, fired)

	st := statsFor(s, "accounts")
	require.True(t, st.Running)
	require.Equal(t, 1, st.Skips)

	close(release)
	require.Eventually(t, func() bool {
		st := statsFor(s, "accounts")
		return !st.Running && st.Runs == 1
	}, time.Second, time.Millisecond)

	st = statsFor(s, "accounts")
	require.Equal(t, "ok", st.LastStatus)
	require.NotNil(t, st.LastReport)
	require.Equal(t, 2, st.LastReport.Inserted)
}

func TestRun_FiresOnCadence(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s, err := New([]Job{{
		Name:    "hashtags",
		Cadence: 5 * time.Millisecond,
		Run: func(context.Context) (harvest.RunReport, error) {
			runs.Add(1)
			return harvest.RunReport{}, nil
		},
	}}, nil)
	require.NoError(t, err)
	cancel, done := start(t, s)

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRun_HonoursOffset(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s, err := New([]Job{{
		Name:    "trends",
		Cadence: time.Hour,
		Offset:  time.Hour,
		Run: func(context.Context) (harvest.RunReport, error) {
			runs.Add(1)
			return harvest.RunReport{}, nil
		},
	}}, zap.NewNop())
	require.NoError(t, err)
	start(t, s)

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(0), runs.Load())

	fired, err := s.Trigger("trends")
	require.NoError(t, err)
	require.True(t, fired)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
}

func TestPanicIsRecoveredAndSlotReleased(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s, err := New([]Job{{
		Name: "search",
		Run: func(context.Context) (harvest.RunReport, error) {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			return harvest.RunReport{}, errors.New("remote down")
		},
	}}, zap.NewNop())
	require.NoError(t, err)
	start(t, s)

	_, err = s.Trigger("search")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := statsFor(s, "search")
		return !st.Running && st.Runs == 1
	}, time.Second, time.Millisecond)
	st := statsFor(s, "search")
	require.Equal(t, "panic", st.LastStatus)
	require.Contains(t, st.LastError, "boom")

	fired, err := s.Trigger("search")
	require.NoError(t, err)
	require.True(t, fired)
	require.Eventually(t, func() bool {
		st := statsFor(s, "search")
		return !st.Running && st.Runs == 2
	}, time.Second, time.Millisecond)
	st = statsFor(s, "search")
	require.Equal(t, "error", st.LastStatus)
	require.Equal(t, "remote down", st.LastError)
}

func TestRun_WaitsForInFlightRuns(t *testing.T) {
	t.Parallel()

	var finished atomic.Bool
	started := make(chan struct{})
	s, err := New([]Job{{
		Name: "accounts",
		Run: func(ctx context.Context) (harvest.RunReport, error) {
			close(started)
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			return harvest.RunReport{}, ctx.Err()
		},
	}}, zap.NewNop())
	require.NoError(t, err)
	cancel, done := start(t, s)

	_, err = s.Trigger("accounts")
	require.NoError(t, err)
	<-started
	cancel()
	require.NoError(t, <-done)
	require.True(t, finished.Load())

	_, err = s.Trigger("accounts")
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestRunOnce(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	s, err := New([]Job{
		{Name: "accounts", Run: func(context.Context) (harvest.RunReport, error) {
			return harvest.RunReport{Strategy: "accounts", TargetsAttempted: 3}, nil
		}},
		{Name: "slow", Run: func(context.Context) (harvest.RunReport, error) {
			<-release
			return harvest.RunReport{}, nil
		}},
	}, zap.NewNop())
	require.NoError(t, err)

	report, err := s.RunOnce(context.Background(), "accounts")
	require.NoError(t, err)
	require.Equal(t, 3, report.TargetsAttempted)

	_, err = s.RunOnce(context.Background(), "nope")
	require.ErrorIs(t, err, harvest.ErrNotFound)

	go func() { _, _ = s.RunOnce(context.Background(), "slow") }()
	require.Eventually(t, func() bool { return statsFor(s, "slow").Running }, time.Second, time.Millisecond)
	_, err = s.RunOnce(context.Background(), "slow")
	require.ErrorIs(t, err, ErrBusy)
	close(release)

	_, err = s.Trigger("accounts")
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	run := func(context.Context) (harvest.RunReport, error) { return harvest.RunReport{}, nil }
	tests := []struct {
		name string
		jobs []Job
	}{
		{name: "missing name", jobs: []Job{{Run: run}}},
		{name: "missing run", jobs: []Job{{Name: "a"}}},
		{name: "negative cadence", jobs: []Job{{Name: "a", Run: run, Cadence: -time.Second}}},
		{name: "duplicate", jobs: []Job{{Name: "a", Run: run}, {Name: "a", Run: run}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.jobs, zap.NewNop())
			require.ErrorIs(t, err, harvest.ErrInvalidInput)
		})
	}
}

func TestRun_RejectsSecondStart(t *testing.T) {
	t.Parallel()

	s, err := New(nil, zap.NewNop())
	require.NoError(t, err)
	start(t, s)
	require.Error(t, s.Run(context.Background()))
}
