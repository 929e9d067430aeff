package strategy

import (
	"context"
	"strings"

	"github.com/JakeFAU/postharvest/internal/harvest"
)

// Sweep walks a fixed list of targets of one kind: accounts via the
// timeline endpoint, hashtags and free-text queries via search.
type Sweep struct {
	base
	kind     harvest.SourceKind
	category string
	targets  []harvest.Target
}

// NewAccountSweep harvests the timelines of tracked accounts.
func NewAccountSweep(handles []string, cfg Config, deps Deps) (*Sweep, error) {
	return newSweep(NameAccounts, harvest.SourceAccount, harvest.CategoryTimeline, handles, cfg, deps)
}

// NewHashtagSweep searches for tracked hashtags. Values may carry a leading '#'.
func NewHashtagSweep(tags []string, cfg Config, deps Deps) (*Sweep, error) {
	return newSweep(NameHashtags, harvest.SourceHashtag, harvest.CategorySearch, tags, cfg, deps)
}

// NewQuerySweep runs free-text searches.
func NewQuerySweep(queries []string, cfg Config, deps Deps) (*Sweep, error) {
	return newSweep(NameSearch, harvest.SourceSearch, harvest.CategorySearch, queries, cfg, deps)
}

func newSweep(name string, kind harvest.SourceKind, category string, values []string, cfg Config, deps Deps) (*Sweep, error) {
	b, err := newBase(name, cfg, deps)
	if err != nil {
		return nil, err
	}
	targets := make([]harvest.Target, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		switch kind {
		case harvest.SourceAccount:
			v = strings.TrimPrefix(v, "@")
		case harvest.SourceHashtag:
			v = strings.TrimPrefix(v, "#")
		}
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		targets = append(targets, harvest.Target{Value: v, Kind: kind})
	}
	return &Sweep{base: b, kind: kind, category: category, targets: targets}, nil
}

// Targets returns a copy of the configured targets.
func (s *Sweep) Targets() []harvest.Target {
	out := make([]harvest.Target, len(s.targets))
	copy(out, s.targets)
	return out
}

// Run executes one sweep. Per-target failures are logged and counted; only
// an exhausted quota budget or ctx cancellation ends the run early.
func (s *Sweep) Run(ctx context.Context) (harvest.RunReport, error) {
	r, err := s.begin()
	if err != nil {
		return harvest.RunReport{Strategy: s.name}, err
	}
	var stopErr error
	for _, target := range selectTargets(s.deps.Rand, s.targets, s.cfg.MaxTargetsPerRun) {
		if ctx.Err() != nil {
			break
		}
		if err := r.pace(ctx, s.category); err != nil {
			break
		}
		err := r.collect(ctx, target, s.category, s.fetcher(target))
		if r.outcome(target.Value, err) {
			stopErr = err
			break
		}
	}
	return r.finish(ctx, stopErr)
}

func (s *Sweep) fetcher(target harvest.Target) PageFunc {
	client := s.deps.Client
	switch s.kind {
	case harvest.SourceAccount:
		return func(ctx context.Context, cred harvest.Credential, req harvest.PageRequest) (harvest.Page, error) {
			return client.FetchUserPosts(ctx, cred, target.Value, req)
		}
	default:
		query := target.Query()
		return func(ctx context.Context, cred harvest.Credential, req harvest.PageRequest) (harvest.Page, error) {
			return client.Search(ctx, cred, query, req)
		}
	}
}
