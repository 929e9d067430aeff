package strategy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/harvest"
	"github.com/JakeFAU/postharvest/internal/invoker"
)

// TrendConfig selects which regions and topics trend discovery follows.
type TrendConfig struct {
	Regions            []int64
	Keywords           []string
	MaxRegionsPerRun   int
	MaxTopicsPerRegion int
}

// TrendDiscovery samples regions, keeps trending topics that match the
// keyword list and searches each one. A failed region or topic counts as one
// failed target.
type TrendDiscovery struct {
	base
	trends   TrendConfig
	keywords []string
}

// NewTrendDiscovery builds the trend discovery strategy.
func NewTrendDiscovery(trends TrendConfig, cfg Config, deps Deps) (*TrendDiscovery, error) {
	b, err := newBase(NameTrends, cfg, deps)
	if err != nil {
		return nil, err
	}
	if trends.MaxRegionsPerRun < 0 || trends.MaxTopicsPerRegion < 0 {
		return nil, fmt.Errorf("trends strategy: limits must be >= 0")
	}
	keywords := make([]string, 0, len(trends.Keywords))
	for _, k := range trends.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &TrendDiscovery{base: b, trends: trends, keywords: keywords}, nil
}

// Run executes one discovery pass.
func (s *TrendDiscovery) Run(ctx context.Context) (harvest.RunReport, error) {
	r, err := s.begin()
	if err != nil {
		return harvest.RunReport{Strategy: s.name}, err
	}
	stopErr := s.run(ctx, r)
	return r.finish(ctx, stopErr)
}

func (s *TrendDiscovery) run(ctx context.Context, r *run) error {
	searched := 0
	for _, region := range selectTargets(s.deps.Rand, s.trends.Regions, s.trends.MaxRegionsPerRun) {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.pace(ctx, harvest.CategoryTrends); err != nil {
			return nil
		}
		label := "region:" + strconv.FormatInt(region, 10)
		list, err := invoker.Fetch(ctx, s.deps.Invoker, harvest.CategoryTrends,
			func(ctx context.Context, cred harvest.Credential) (harvest.TrendList, *harvest.QuotaMeta, error) {
				l, err := s.deps.Client.FetchTrends(ctx, cred, region)
				if err != nil {
					return harvest.TrendList{}, nil, err
				}
				return l, l.Quota, nil
			})
		if err != nil {
			if r.outcome(label, err) {
				return err
			}
			continue
		}

		topics := selectTargets(s.deps.Rand, s.matching(list.Topics), s.trends.MaxTopicsPerRegion)
		r.logger.Info("trending topics selected",
			zap.Int64("region", region),
			zap.Int("available", len(list.Topics)),
			zap.Int("selected", len(topics)),
		)
		for _, topic := range topics {
			if s.cfg.MaxTargetsPerRun > 0 && searched >= s.cfg.MaxTargetsPerRun {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			if err := r.pace(ctx, harvest.CategorySearch); err != nil {
				return nil
			}
			searched++
			target := harvest.Target{Value: topic.Name, Kind: harvest.SourceTrend}
			query := target.Query()
			err := r.collect(ctx, target, harvest.CategorySearch,
				func(ctx context.Context, cred harvest.Credential, req harvest.PageRequest) (harvest.Page, error) {
					return s.deps.Client.Search(ctx, cred, query, req)
				})
			if r.outcome(topic.Name, err) {
				return err
			}
		}
	}
	return nil
}

// matching keeps topics whose name contains any keyword, case-insensitively.
// An empty keyword list keeps every topic.
func (s *TrendDiscovery) matching(topics []harvest.Topic) []harvest.Topic {
	if len(s.keywords) == 0 {
		return topics
	}
	out := make([]harvest.Topic, 0, len(topics))
	for _, t := range topics {
		name := strings.ToLower(t.Name)
		for _, k := range s.keywords {
			if strings.Contains(name, k) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}
