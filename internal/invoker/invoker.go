// Package invoker executes remote calls under the quota ledger, retrying with
// backoff and rotating credentials within bounded budgets.
package invoker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/clock/system"
	"github.com/JakeFAU/postharvest/internal/harvest"
	"github.com/JakeFAU/postharvest/internal/metrics"
)

// Ledger is the subset of the quota ledger used by the invoker.
type Ledger interface {
	Key(category string, cred harvest.Credential) string
	CanProceed(key string) bool
	TryAcquire(key string) bool
	ApplyAuthoritativeState(key string, meta harvest.QuotaMeta)
	WaitDuration(key string) time.Duration
}

// Credentials is the credential pool.
type Credentials interface {
	Current() harvest.Credential
	Rotate() harvest.Credential
	Size() int
}

// Pacer spaces calls within a category.
type Pacer interface {
	Wait(ctx context.Context, category string) error
}

// Config bounds one invocation.
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Jitter        float64
	RotateOnError bool
}

// DefaultConfig returns the production retry budget.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    7,
		InitialDelay:  15 * time.Second,
		MaxDelay:      10 * time.Minute,
		Jitter:        0.2,
		RotateOnError: true,
	}
}

// Call performs one remote request with cred and returns the quota state
// reported by the response, if any.
type Call func(ctx context.Context, cred harvest.Credential) (*harvest.QuotaMeta, error)

// Option customizes an Invoker.
type Option func(*Invoker)

// WithPacer installs a per-category pacer consulted before every call.
func WithPacer(p Pacer) Option {
	return func(i *Invoker) { i.pacer = p }
}

// WithSleep replaces the context-aware sleep used for backoff.
func WithSleep(fn harvest.SleepFunc) Option {
	return func(i *Invoker) { i.sleep = fn }
}

// WithJitterSource replaces the random source in [0,1) used for jitter.
func WithJitterSource(fn func() float64) Option {
	return func(i *Invoker) { i.backoff.fraction = fn }
}

// Invoker wraps remote calls with quota checks, retries, and rotation.
type Invoker struct {
	ledger  Ledger
	creds   Credentials
	pacer   Pacer
	backoff *Backoff
	cfg     Config
	sleep   harvest.SleepFunc
	logger  *zap.Logger

	mu        sync.Mutex
	penalties map[string]int
}

// New constructs an Invoker.
func New(ledger Ledger, creds Credentials, cfg Config, logger *zap.Logger, opts ...Option) (*Invoker, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if creds == nil || creds.Size() == 0 {
		return nil, fmt.Errorf("credential pool is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0")
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig().InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Invoker{
		ledger:    ledger,
		creds:     creds,
		backoff:   NewBackoff(cfg.InitialDelay, cfg.MaxDelay, cfg.Jitter),
		cfg:       cfg,
		sleep:     system.Sleep,
		logger:    logger,
		penalties: make(map[string]int),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Invoke runs call for category until it succeeds, fails permanently, or
// the retry and rotation budgets are spent. Quota-driven exhaustion returns
// a *harvest.QuotaExhaustedError.
func (i *Invoker) Invoke(ctx context.Context, category string, call Call) error {
	if call == nil {
		return fmt.Errorf("invoke %s: nil call: %w", category, harvest.ErrInvalidInput)
	}
	logger := i.logger.With(zap.String("category", category))
	size := i.creds.Size()
	var (
		retries        int
		rotations      int
		rotatedOnError bool
		lastErr        error
	)
	exhausted := func(cause error) error {
		return &harvest.QuotaExhaustedError{Category: category, Retries: retries, Rotations: rotations, Err: cause}
	}

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("invoke %s: %w", category, err)
		}
		cred := i.creds.Current()
		key := i.ledger.Key(category, cred)

		if !i.ledger.CanProceed(key) {
			if rotations < size {
				i.rotate(logger, "window_full")
				rotations++
				continue
			}
			if retries >= i.cfg.MaxRetries {
				return exhausted(lastErr)
			}
			wait := i.backoff.Delay(retries, i.penalty(category))
			if lw := min(i.ledger.WaitDuration(key), i.backoff.Max()); lw > wait {
				wait = lw
			}
			i.addPenalty(category)
			if err := i.pause(ctx, logger, category, "window_full", i.backoff.Jitter(wait), retries); err != nil {
				return err
			}
			retries++
			continue
		}

		if i.pacer != nil {
			if err := i.pacer.Wait(ctx, category); err != nil {
				return fmt.Errorf("pace %s: %w", category, err)
			}
		}
		// Another caller may have taken the last slot while this one was pacing.
		if !i.ledger.TryAcquire(key) {
			logger.Debug("window filled while pacing", zap.String("credential", cred.Label()))
			continue
		}
		meta, err := call(ctx, cred)
		if meta == nil {
			meta = harvest.QuotaOf(err)
		}
		if meta != nil {
			i.ledger.ApplyAuthoritativeState(key, *meta)
		}
		if err == nil {
			metrics.ObserveRemoteCall(category, "ok")
			i.clearPenalty(category)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("invoke %s: %w", category, err)
		}
		lastErr = err
		kind := harvest.KindOf(err)
		metrics.ObserveRemoteCall(category, kind.String())

		switch kind {
		case harvest.KindQuotaExceeded:
			logger.Warn("remote quota exceeded",
				zap.String("credential", cred.Label()),
				zap.Int("retries", retries),
				zap.Int("rotations", rotations),
				zap.Error(err),
			)
			if rotations < size {
				i.rotate(logger, "quota_exceeded")
				rotations++
			}
			if rotations < size {
				continue
			}
			if retries >= i.cfg.MaxRetries {
				return exhausted(err)
			}
			wait := i.backoff.Delay(retries, 0)
			if meta != nil && !meta.ResetAt.IsZero() {
				wait = i.ledger.WaitDuration(key)
			}
			if err := i.pause(ctx, logger, category, "quota_exceeded", i.backoff.Jitter(wait), retries); err != nil {
				return err
			}
			retries++

		case harvest.KindTransient:
			if retries >= i.cfg.MaxRetries {
				return fmt.Errorf("invoke %s after %d retries: %w", category, retries, err)
			}
			if i.canRotateOnError(rotatedOnError, rotations, size) {
				i.rotate(logger, "transient_error")
				rotations++
				rotatedOnError = true
			}
			logger.Warn("transient remote error", zap.Int("retries", retries), zap.Error(err))
			wait := i.backoff.Jitter(i.backoff.Delay(retries, 0))
			if err := i.pause(ctx, logger, category, "transient", wait, retries); err != nil {
				return err
			}
			retries++

		default:
			if i.canRotateOnError(rotatedOnError, rotations, size) {
				logger.Warn("remote call failed, retrying with next credential", zap.Error(err))
				i.rotate(logger, "permanent_error")
				rotations++
				rotatedOnError = true
				continue
			}
			return fmt.Errorf("invoke %s: %w", category, err)
		}
	}
}

// Doer runs a Call under the invocation policy. *Invoker implements it.
type Doer interface {
	Invoke(ctx context.Context, category string, call Call) error
}

// Fetch runs fn through inv and returns its value.
func Fetch[T any](ctx context.Context, inv Doer, category string, fn func(context.Context, harvest.Credential) (T, *harvest.QuotaMeta, error)) (T, error) {
	var out T
	err := inv.Invoke(ctx, category, func(ctx context.Context, cred harvest.Credential) (*harvest.QuotaMeta, error) {
		v, meta, err := fn(ctx, cred)
		if err != nil {
			return meta, err
		}
		out = v
		return meta, nil
	})
	return out, err
}

// PacingDelay is the ledger's advisory wait for the active credential,
// capped at the maximum backoff delay.
func (i *Invoker) PacingDelay(category string) time.Duration {
	key := i.ledger.Key(category, i.creds.Current())
	return min(i.ledger.WaitDuration(key), i.backoff.Max())
}

// Penalties returns a copy of the per-category backoff counters.
func (i *Invoker) Penalties() map[string]int {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]int, len(i.penalties))
	for k, v := range i.penalties {
		out[k] = v
	}
	return out
}

func (i *Invoker) canRotateOnError(already bool, rotations, size int) bool {
	return i.cfg.RotateOnError && !already && size > 1 && rotations < size
}

func (i *Invoker) rotate(logger *zap.Logger, reason string) {
	next := i.creds.Rotate()
	logger.Debug("credential rotated", zap.String("reason", reason), zap.String("credential", next.Label()))
}

func (i *Invoker) pause(ctx context.Context, logger *zap.Logger, category, reason string, d time.Duration, retry int) error {
	metrics.ObserveRetry(category, reason)
	metrics.ObserveBackoff(category, d)
	logger.Info("backing off",
		zap.String("reason", reason),
		zap.Duration("delay", d),
		zap.Int("retry", retry+1),
		zap.Int("max_retries", i.cfg.MaxRetries),
	)
	if err := i.sleep(ctx, d); err != nil {
		return fmt.Errorf("backoff %s: %w", category, err)
	}
	return nil
}

// penalty is the extra delay accumulated by repeated window_full waits.
func (i *Invoker) penalty(category string) time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return time.Duration(i.penalties[category]) * i.cfg.InitialDelay
}

func (i *Invoker) addPenalty(category string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.penalties[category]++
}

func (i *Invoker) clearPenalty(category string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.penalties, category)
}
