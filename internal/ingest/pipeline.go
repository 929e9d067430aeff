// Package ingest persists pages of remote posts: archive the raw page,
// normalize each post, upsert it and announce newly inserted records.
package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/harvest"
	"github.com/JakeFAU/postharvest/internal/metrics"
)

// EventRecordInserted is the publish event name for new records.
const EventRecordInserted = "record.inserted"

// Normalizer maps raw posts to records.
type Normalizer interface {
	Normalize(post harvest.RawPost, target harvest.Target, authors []harvest.Author) harvest.Record
}

// Archiver keeps raw page bodies.
type Archiver interface {
	Store(ctx context.Context, kind harvest.SourceKind, body []byte) (string, error)
}

// Config tunes pipeline behaviour.
type Config struct {
	// RefreshDuplicates upserts posts that already exist so their engagement
	// counters are refreshed. When false, known IDs are skipped.
	RefreshDuplicates bool
}

// Counts tallies the outcome of one ingested page.
type Counts struct {
	Inserted int
	Updated  int
	Skipped  int
	Dropped  int
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Skipped += other.Skipped
	c.Dropped += other.Dropped
}

// RecordEvent is the payload published for inserted records.
type RecordEvent struct {
	RunID      string         `json:"run_id"`
	ArchiveURI string         `json:"archive_uri,omitempty"`
	Record     harvest.Record `json:"record"`
}

// Pipeline is safe for concurrent use when its collaborators are.
type Pipeline struct {
	normalizer Normalizer
	store      harvest.Store
	archiver   Archiver
	publisher  harvest.Publisher
	cfg        Config
	logger     *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithArchiver enables raw page archiving.
func WithArchiver(a Archiver) Option {
	return func(p *Pipeline) { p.archiver = a }
}

// WithPublisher enables record notifications.
func WithPublisher(pub harvest.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// New constructs a Pipeline.
func New(normalizer Normalizer, store harvest.Store, cfg Config, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if normalizer == nil {
		return nil, fmt.Errorf("normalizer is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{normalizer: normalizer, store: store, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Ingest processes every post on page. Individual failures are logged and
// counted as dropped; they never abort the page.
func (p *Pipeline) Ingest(ctx context.Context, runID string, target harvest.Target, page harvest.Page) Counts {
	var counts Counts
	source := string(target.Kind)
	uri := p.archive(ctx, target, page)

	for _, post := range page.Posts {
		if ctx.Err() != nil {
			counts.Dropped++
			continue
		}
		rec := p.normalizer.Normalize(post, target, page.Authors)
		if !p.cfg.RefreshDuplicates {
			exists, err := p.store.RecordExists(ctx, rec.ID)
			if err != nil {
				p.drop(&counts, source, rec.ID, "check record exists", err)
				continue
			}
			if exists {
				counts.Skipped++
				metrics.ObserveRecord(source, "skipped")
				continue
			}
		}

		res, err := p.store.UpsertRecord(ctx, rec)
		if err != nil {
			p.drop(&counts, source, rec.ID, "upsert record", err)
			continue
		}
		metrics.ObserveRecord(source, string(res))
		if res == harvest.UpsertUpdated {
			counts.Updated++
			continue
		}
		counts.Inserted++
		p.publish(ctx, RecordEvent{RunID: runID, ArchiveURI: uri, Record: rec})
	}
	return counts
}

func (p *Pipeline) archive(ctx context.Context, target harvest.Target, page harvest.Page) string {
	if p.archiver == nil || len(page.Body) == 0 {
		return ""
	}
	uri, err := p.archiver.Store(ctx, target.Kind, page.Body)
	if err != nil {
		p.logger.Warn("archive page failed", zap.String("target", target.Value), zap.Error(err))
		return ""
	}
	return uri
}

func (p *Pipeline) publish(ctx context.Context, event RecordEvent) {
	if p.publisher == nil {
		return
	}
	if _, err := p.publisher.Publish(ctx, EventRecordInserted, event); err != nil {
		p.logger.Warn("publish record failed", zap.String("record_id", event.Record.ID), zap.Error(err))
	}
}

func (p *Pipeline) drop(counts *Counts, source, id, op string, err error) {
	counts.Dropped++
	metrics.ObserveRecord(source, "dropped")
	p.logger.Error("persist record failed",
		zap.String("record_id", id),
		zap.String("op", op),
		zap.Error(err),
	)
}
