package invoker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/credential"
	"github.com/JakeFAU/postharvest/internal/harvest"
	"github.com/JakeFAU/postharvest/internal/quota"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSleeper advances the fake clock instead of blocking.
type recordingSleeper struct {
	mu     sync.Mutex
	clock  *fakeClock
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	s.clock.advance(d)
	return ctx.Err()
}

func (s *recordingSleeper) Durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

type fixture struct {
	clock   *fakeClock
	sleeper *recordingSleeper
	ledger  *quota.Ledger
	pool    *credential.Pool
	inv     *Invoker
}

func newFixture(t *testing.T, credCount int, cfg Config, windows map[string]quota.Window) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	ledger, err := quota.New(quota.Config{Categories: windows}, clock)
	require.NoError(t, err)
	creds := make([]harvest.Credential, credCount)
	for i := range creds {
		creds[i] = harvest.Credential{BearerToken: "token"}
	}
	pool, err := credential.NewPool(creds, zap.NewNop())
	require.NoError(t, err)
	sleeper := &recordingSleeper{clock: clock}
	inv, err := New(ledger, pool, cfg, zap.NewNop(),
		WithSleep(sleeper.Sleep),
		WithJitterSource(func() float64 { return 0.5 }),
	)
	require.NoError(t, err)
	return &fixture{clock: clock, sleeper: sleeper, ledger: ledger, pool: pool, inv: inv}
}

func testConfig() Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      time.Minute,
		Jitter:        0.2,
		RotateOnError: true,
	}
}

func TestInvoke_SucceedsAndAppliesQuota(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, testConfig(), map[string]quota.Window{"search": {Capacity: 60, Duration: 15 * time.Minute}})
	reset := f.clock.Now().Add(10 * time.Minute)

	page, err := Fetch(context.Background(), f.inv, "search", func(_ context.Context, cred harvest.Credential) (string, *harvest.QuotaMeta, error) {
		require.Equal(t, "token", cred.BearerToken)
		return "page-1", &harvest.QuotaMeta{Limit: 450, Remaining: 449, ResetAt: reset}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "page-1", page)
	require.Empty(t, f.sleeper.Durations())

	snap := f.ledger.Status()
	require.Equal(t, int64(1), snap.RequestCount)
	for _, st := range snap.Categories {
		if st.Key == "search" {
			require.Equal(t, 450, st.Capacity)
			require.Equal(t, 1, st.Used)
		}
	}
}

func TestInvoke_QuotaExceededSingleCredentialWaitsForReset(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRetries = 1
	f := newFixture(t, 1, cfg, map[string]quota.Window{"timeline": {Capacity: 75, Duration: 15 * time.Minute}})

	calls := 0
	err := f.inv.Invoke(context.Background(), "timeline", func(_ context.Context, _ harvest.Credential) (*harvest.QuotaMeta, error) {
		calls++
		reset := f.clock.Now().Add(2 * time.Second)
		return nil, harvest.NewQuotaExceeded(429, "Too Many Requests", &harvest.QuotaMeta{Remaining: 0, ResetAt: reset})
	})

	var exhausted *harvest.QuotaExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, "timeline", exhausted.Category)
	require.Equal(t, 1, exhausted.Retries)
	require.Equal(t, 2, calls)

	sleeps := f.sleeper.Durations()
	require.Len(t, sleeps, 1)
	require.InDelta(t, (2 * time.Second).Seconds(), sleeps[0].Seconds(), 0.4)
}

func TestInvoke_QuotaExceededNeverBusyLoops(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRetries = 5
	f := newFixture(t, 1, cfg, map[string]quota.Window{"timeline": {Capacity: 75, Duration: 15 * time.Minute}})

	calls := 0
	err := f.inv.Invoke(context.Background(), "timeline", func(_ context.Context, _ harvest.Credential) (*harvest.QuotaMeta, error) {
		calls++
		return nil, harvest.NewQuotaExceeded(429, "", &harvest.QuotaMeta{Remaining: 0, ResetAt: f.clock.Now().Add(2 * time.Second)})
	})
	require.True(t, harvest.IsQuotaExhausted(err))
	require.Equal(t, cfg.MaxRetries+1, calls)
	for _, d := range f.sleeper.Durations() {
		require.GreaterOrEqual(t, d, 1600*time.Millisecond)
	}
}

func TestInvoke_TransientTwiceThenSucceeds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, testConfig(), map[string]quota.Window{"search": {Capacity: 60, Duration: 15 * time.Minute}})

	calls := 0
	err := f.inv.Invoke(context.Background(), "search", func(_ context.Context, _ harvest.Credential) (*harvest.QuotaMeta, error) {
		calls++
		if calls <= 2 {
			return nil, harvest.NewTransient(503, errors.New("service unavailable"))
		}
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	sleeps := f.sleeper.Durations()
	require.Len(t, sleeps, 2)
	require.Equal(t, time.Second, sleeps[0])
	require.Equal(t, 2*time.Second, sleeps[1])
	require.Greater(t, sleeps[1], sleeps[0])
}

func TestInvoke_TransientExhaustsRetries(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRetries = 2
	f := newFixture(t, 1, cfg, map[string]quota.Window{"search": {Capacity: 60, Duration: 15 * time.Minute}})

	cause := harvest.NewTransient(502, errors.New("bad gateway"))
	err := f.inv.Invoke(context.Background(), "search", func(_ context.Context, _ harvest.Credential) (*harvest.QuotaMeta, error) {
		return nil, cause
	})
	require.ErrorIs(t, err, cause)
	require.False(t, harvest.IsQuotaExhausted(err))
	require.Len(t, f.sleeper.Durations(), 2)
}

func TestInvoke_PermanentRotatesOnceThenFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, testConfig(), map[string]quota.Window{"timeline": {Capacity: 75, Duration: 15 * time.Minute}})

	var used []int
	cause := harvest.NewPermanent(404, "user not found")
	err := f.inv.Invoke(context.Background(), "timeline", func(_ context.Context, cred harvest.Credential) (*harvest.QuotaMeta, error) {
		used = append(used, cred.Index)
		return nil, cause
	})
	require.ErrorIs(t, err, cause)
	require.Equal(t, []int{0, 1}, used)
	require.Empty(t, f.sleeper.Durations())
}

func TestInvoke_PermanentWithoutRotateOnError(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RotateOnError = false
	f := newFixture(t, 2, cfg, map[string]quota.Window{"timeline": {Capacity: 75, Duration: 15 * time.Minute}})

	calls := 0
	err := f.inv.Invoke(context.Background(), "timeline", func(_ context.Context, _ harvest.Credential) (*harvest.QuotaMeta, error) {
		calls++
		return nil, harvest.NewPermanent(401, "unauthorized")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 0, f.pool.ActiveIndex())
}

func TestInvoke_QuotaExceededRotatesToHealthyCredential(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	f := newFixture(t, 2, cfg, map[string]quota.Window{"search": {Capacity: 60, Duration: 15 * time.Minute}})
	var used []int
	err := f.inv.Invoke(context.Background(), "search", func(_ context.Context, cred harvest.Credential) (*harvest.QuotaMeta, error) {
		used = append(used, cred.Index)
		if cred.Index == 0 {
			return nil, harvest.NewQuotaExceeded(429, "", nil)
		}
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, used)
	require.Equal(t, 1, f.pool.ActiveIndex())
	require.Empty(t, f.sleeper.Durations())
}

func TestInvoke_FullWindowWaitsThenProceeds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, testConfig(), map[string]quota.Window{"trends": {Capacity: 1, Duration: 30 * time.Second}})
	ok := func(_ context.Context, _ harvest.Credential) (*harvest.QuotaMeta, error) { return nil, nil }

	require.NoError(t, f.inv.Invoke(context.Background(), "trends", ok))
	require.NoError(t, f.inv.Invoke(context.Background(), "trends", ok))

	sleeps := f.sleeper.Durations()
	require.Len(t, sleeps, 1)
	require.Equal(t, 30*time.Second, sleeps[0])
	require.Empty(t, f.inv.Penalties())
}

func TestInvoke_FullWindowExhaustsBudget(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRetries = 2
	f := newFixture(t, 1, cfg, map[string]quota.Window{"trends": {Capacity: 1, Duration: time.Hour}})
	f.ledger.RecordCall("trends")

	called := false
	err := f.inv.Invoke(context.Background(), "trends", func(_ context.Context, _ harvest.Credential) (*harvest.QuotaMeta, error) {
		called = true
		return nil, nil
	})
	require.True(t, harvest.IsQuotaExhausted(err))
	require.False(t, called)
	require.Len(t, f.sleeper.Durations(), 2)
	require.Equal(t, 2, f.inv.Penalties()["trends"])
}

func TestInvoke_HonoursCancellation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.inv.Invoke(ctx, "search", func(_ context.Context, _ harvest.Credential) (*harvest.QuotaMeta, error) {
		t.Fatal("call must not run after cancellation")
		return nil, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestInvoke_PacerIsConsulted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, testConfig(), nil)
	pacer := &countingPacer{}
	WithPacer(pacer)(f.inv)

	require.NoError(t, f.inv.Invoke(context.Background(), "search", func(_ context.Context, _ harvest.Credential) (*harvest.QuotaMeta, error) {
		return nil, nil
	}))
	require.Equal(t, []string{"search"}, pacer.categories)
}

type countingPacer struct {
	categories []string
}

func (p *countingPacer) Wait(_ context.Context, category string) error {
	p.categories = append(p.categories, category)
	return nil
}

// barrierPacer holds the first n callers until all of them are waiting.
type barrierPacer struct {
	mu      sync.Mutex
	n       int
	arrived int
	release chan struct{}
}

func newBarrierPacer(n int) *barrierPacer {
	return &barrierPacer{n: n, release: make(chan struct{})}
}

func (p *barrierPacer) Wait(ctx context.Context, _ string) error {
	p.mu.Lock()
	p.arrived++
	if p.arrived == p.n {
		close(p.release)
	}
	p.mu.Unlock()
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestInvoke_ConcurrentCallersShareLastSlot(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRetries = 0
	f := newFixture(t, 1, cfg, map[string]quota.Window{"search": {Capacity: 1, Duration: time.Hour}})
	WithPacer(newBarrierPacer(2))(f.inv)

	var executed atomic.Int32
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.inv.Invoke(context.Background(), "search", func(_ context.Context, _ harvest.Credential) (*harvest.QuotaMeta, error) {
				executed.Add(1)
				return nil, nil
			})
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), executed.Load())
	failed := 0
	for _, err := range errs {
		if err != nil {
			require.True(t, harvest.IsQuotaExhausted(err), "unexpected error: %v", err)
			failed++
		}
	}
	require.Equal(t, 1, failed)
	for _, st := range f.ledger.Status().Categories {
		require.LessOrEqual(t, st.Used, st.Capacity, st.Key)
	}
}

func TestInvoke_ConcurrentCallersNeverExceedCapacity(t *testing.T) {
	t.Parallel()

	const (
		callers  = 16
		capacity = 5
	)
	cfg := testConfig()
	cfg.MaxRetries = 0
	f := newFixture(t, 2, cfg, map[string]quota.Window{"search": {Capacity: capacity, Duration: time.Hour}})
	WithPacer(newBarrierPacer(callers))(f.inv)

	var executed atomic.Int32
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.inv.Invoke(context.Background(), "search", func(_ context.Context, _ harvest.Credential) (*harvest.QuotaMeta, error) {
				executed.Add(1)
				return nil, nil
			})
			if err != nil {
				assert.True(t, harvest.IsQuotaExhausted(err), "unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(capacity), executed.Load())
	snap := f.ledger.Status()
	require.Equal(t, int64(capacity), snap.RequestCount)
	for _, st := range snap.Categories {
		require.LessOrEqual(t, st.Used, st.Capacity, st.Key)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	b := NewBackoff(15*time.Second, 10*time.Minute, 0.2)
	require.Equal(t, 15*time.Second, b.Delay(0, 0))
	require.Equal(t, 60*time.Second, b.Delay(2, 0))
	require.Equal(t, 10*time.Minute, b.Delay(10, 0))
	require.Equal(t, 45*time.Second, b.Delay(1, 15*time.Second))

	for i := 0; i < 50; i++ {
		d := b.Jitter(10 * time.Second)
		require.GreaterOrEqual(t, d, 8*time.Second)
		require.LessOrEqual(t, d, 12*time.Second)
	}
	require.Equal(t, time.Duration(0), b.Jitter(0))
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	ledger, err := quota.New(quota.Config{}, clock)
	require.NoError(t, err)
	pool, err := credential.NewPool([]harvest.Credential{{}}, nil)
	require.NoError(t, err)

	_, err = New(nil, pool, testConfig(), nil)
	require.Error(t, err)
	_, err = New(ledger, nil, testConfig(), nil)
	require.Error(t, err)
	cfg := testConfig()
	cfg.MaxRetries = -1
	_, err = New(ledger, pool, cfg, nil)
	require.Error(t, err)
}
