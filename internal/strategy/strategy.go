// Package strategy implements the acquisition strategies: account, hashtag
// and query sweeps plus trend discovery. Each run walks a shuffled, capped
// slice of its targets sequentially, isolating per-target failures.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/clock/system"
	"github.com/JakeFAU/postharvest/internal/harvest"
	"github.com/JakeFAU/postharvest/internal/ingest"
	"github.com/JakeFAU/postharvest/internal/invoker"
	"github.com/JakeFAU/postharvest/internal/metrics"
)

// Strategy names, also used as scheduler job names and config keys.
const (
	NameAccounts = "accounts"
	NameHashtags = "hashtags"
	NameTrends   = "trends"
	NameSearch   = "search"
)

// maxDelayJitter is the upper bound of the random extension added to the
// inter-target delay.
const maxDelayJitter = 0.3

// Strategy is one acquisition mode.
type Strategy interface {
	Name() string
	Run(ctx context.Context) (harvest.RunReport, error)
}

// Invoker runs remote calls under the quota policy.
type Invoker interface {
	invoker.Doer
	PacingDelay(category string) time.Duration
}

// Ingester persists a page of posts.
type Ingester interface {
	Ingest(ctx context.Context, runID string, target harvest.Target, page harvest.Page) ingest.Counts
}

// Random is the randomness used for shuffling and delay jitter.
// *rand.Rand from math/rand/v2 satisfies it.
type Random interface {
	Shuffle(n int, swap func(i, j int))
	Float64() float64
}

type globalRand struct{}

func (globalRand) Shuffle(n int, swap func(i, j int)) { rand.Shuffle(n, swap) }
func (globalRand) Float64() float64                   { return rand.Float64() }

// Config bounds one strategy run.
type Config struct {
	MaxTargetsPerRun    int
	MaxResultsPerTarget int
	MaxPagesPerTarget   int
	InterTargetDelay    time.Duration
}

// Deps are the collaborators shared by all strategies.
type Deps struct {
	Invoker  Invoker
	Client   harvest.RemoteClient
	Ingester Ingester
	IDs      harvest.IDGenerator
	Clock    harvest.Clock
	Sleep    harvest.SleepFunc
	Rand     Random
	Logger   *zap.Logger
}

func (d Deps) withDefaults() (Deps, error) {
	if d.Invoker == nil {
		return d, fmt.Errorf("invoker is required")
	}
	if d.Client == nil {
		return d, fmt.Errorf("remote client is required")
	}
	if d.Ingester == nil {
		return d, fmt.Errorf("ingester is required")
	}
	if d.IDs == nil {
		return d, fmt.Errorf("id generator is required")
	}
	if d.Clock == nil {
		d.Clock = system.New()
	}
	if d.Sleep == nil {
		d.Sleep = system.Sleep
	}
	if d.Rand == nil {
		d.Rand = globalRand{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d, nil
}

// base carries what every strategy needs to execute a run.
type base struct {
	name string
	cfg  Config
	deps Deps
}

func newBase(name string, cfg Config, deps Deps) (base, error) {
	deps, err := deps.withDefaults()
	if err != nil {
		return base{}, fmt.Errorf("%s strategy: %w", name, err)
	}
	if cfg.MaxTargetsPerRun < 0 || cfg.MaxResultsPerTarget < 0 || cfg.MaxPagesPerTarget < 0 {
		return base{}, fmt.Errorf("%s strategy: limits must be >= 0", name)
	}
	deps.Logger = deps.Logger.Named("strategy").With(zap.String("strategy", name))
	return base{name: name, cfg: cfg, deps: deps}, nil
}

// Name implements Strategy.
func (b base) Name() string { return b.name }

// run is the mutable state of one strategy run.
type run struct {
	base
	id     string
	report harvest.RunReport
	logger *zap.Logger
	paced  bool
}

func (b base) begin() (*run, error) {
	id, err := b.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	r := &run{
		base:   b,
		id:     id,
		logger: b.deps.Logger.With(zap.String("run_id", id)),
		report: harvest.RunReport{Strategy: b.name, RunID: id, StartedAt: b.deps.Clock.Now()},
	}
	r.logger.Info("strategy run started")
	return r, nil
}

// selectTargets returns a shuffled copy of targets capped at MaxTargetsPerRun.
func selectTargets[T any](rnd Random, targets []T, limit int) []T {
	out := make([]T, len(targets))
	copy(out, targets)
	rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// pace sleeps between targets: the configured delay extended by up to 30%,
// or the ledger's pacing delay for category when that is longer. The first
// call of a run does not sleep.
func (r *run) pace(ctx context.Context, category string) error {
	if !r.paced {
		r.paced = true
		return nil
	}
	delay := r.cfg.InterTargetDelay
	if delay > 0 {
		delay += time.Duration(float64(delay) * maxDelayJitter * r.deps.Rand.Float64())
	}
	delay = max(delay, r.deps.Invoker.PacingDelay(category))
	if delay <= 0 {
		return nil
	}
	if err := r.deps.Sleep(ctx, delay); err != nil {
		return fmt.Errorf("inter-target delay: %w", err)
	}
	return nil
}

// collect consumes the page sequence for target and ingests every page.
func (r *run) collect(ctx context.Context, target harvest.Target, category string, fetch PageFunc) error {
	limit := r.cfg.MaxResultsPerTarget
	if target.MaxResults > 0 {
		limit = target.MaxResults
	}
	for page, err := range Pages(ctx, r.deps.Invoker, category, limit, r.cfg.MaxPagesPerTarget, fetch) {
		if err != nil {
			return err
		}
		counts := r.deps.Ingester.Ingest(ctx, r.id, target, page)
		r.report.Inserted += counts.Inserted
		r.report.Updated += counts.Updated
		r.report.Skipped += counts.Skipped
		r.report.Dropped += counts.Dropped
	}
	return nil
}

// outcome records the result of one target. It reports whether the run
// must stop, which only happens when the quota budget is spent.
func (r *run) outcome(label string, err error) bool {
	r.report.TargetsAttempted++
	if err == nil {
		r.report.TargetsSucceeded++
		return false
	}
	r.report.TargetsFailed++
	if harvest.IsQuotaExhausted(err) {
		r.logger.Warn("quota exhausted, ending run early", zap.String("target", label), zap.Error(err))
		return true
	}
	r.logger.Error("target failed", zap.String("target", label), zap.Error(err))
	return false
}

// finish stamps the duration, logs the summary and returns the report
// along with the error that ended the run, if any.
func (r *run) finish(ctx context.Context, stopErr error) (harvest.RunReport, error) {
	r.report.Duration = r.deps.Clock.Now().Sub(r.report.StartedAt)
	err := stopErr
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("%s run interrupted: %w", r.name, ctx.Err())
	}
	status := runStatus(r.report, err)
	metrics.ObserveStrategyRun(r.name, status)
	r.logger.Info("strategy run finished",
		zap.String("status", status),
		zap.Duration("duration", r.report.Duration),
		zap.Int("targets_attempted", r.report.TargetsAttempted),
		zap.Int("targets_succeeded", r.report.TargetsSucceeded),
		zap.Int("targets_failed", r.report.TargetsFailed),
		zap.Int("inserted", r.report.Inserted),
		zap.Int("updated", r.report.Updated),
		zap.Int("skipped", r.report.Skipped),
		zap.Int("dropped", r.report.Dropped),
	)
	return r.report, err
}

func runStatus(report harvest.RunReport, err error) string {
	switch {
	case harvest.IsQuotaExhausted(err):
		return "quota_exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case err != nil:
		return "error"
	case report.TargetsFailed > 0:
		return "partial"
	default:
		return "ok"
	}
}
