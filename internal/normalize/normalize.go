// Package normalize turns raw remote posts into persisted records.
package normalize

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/classify"
	"github.com/JakeFAU/postharvest/internal/harvest"
)

// Normalizer maps RawPost to Record. Classification failures never escape.
type Normalizer struct {
	classifier harvest.Classifier
	clock      harvest.Clock
	logger     *zap.Logger
}

// New constructs a Normalizer.
func New(classifier harvest.Classifier, clock harvest.Clock, logger *zap.Logger) (*Normalizer, error) {
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{classifier: classifier, clock: clock, logger: logger}, nil
}

// Normalize builds the record for post produced by target. authors is the
// user expansion of the page the post came from.
func (n *Normalizer) Normalize(post harvest.RawPost, target harvest.Target, authors []harvest.Author) harvest.Record {
	handle, name := resolveAuthor(post, target, authors)
	hashtags := post.Entities.Hashtags
	if len(hashtags) == 0 {
		hashtags = classify.ExtractHashtags(post.Text)
	}
	analysis := n.analyze(post.ID, post.Text)
	return harvest.Record{
		ID:            post.ID,
		Text:          post.Text,
		AuthorID:      post.AuthorID,
		AuthorHandle:  handle,
		AuthorName:    name,
		CreatedAt:     post.CreatedAt,
		Metrics:       post.Metrics,
		Hashtags:      nonNil(hashtags),
		Mentions:      post.Entities.Mentions,
		URLs:          post.Entities.URLs,
		ReferencedIDs: post.ReferencedIDs,
		Tags:          nonNil(analysis.Tags),
		Sentiment:     analysis.Sentiment,
		SourceKind:    target.Kind,
		SearchContext: target.SearchContext(),
		ProcessedAt:   n.clock.Now(),
	}
}

func (n *Normalizer) analyze(id, text string) (out harvest.Analysis) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("classifier panicked, using neutral analysis",
				zap.String("post_id", id),
				zap.Any("panic", r),
			)
			out = harvest.Analysis{Tags: []string{}, Sentiment: harvest.SentimentNeutral}
		}
	}()
	out = n.classifier.Analyze(text)
	if out.Sentiment == "" {
		out.Sentiment = harvest.SentimentNeutral
	}
	return out
}

// resolveAuthor prefers the page's user expansion, then the post itself,
// then the handle of the swept account.
func resolveAuthor(post harvest.RawPost, target harvest.Target, authors []harvest.Author) (string, string) {
	for _, a := range authors {
		if a.ID != "" && a.ID == post.AuthorID {
			return a.Handle, a.Name
		}
	}
	if post.AuthorHandle != "" {
		return post.AuthorHandle, post.AuthorName
	}
	if target.Kind == harvest.SourceAccount {
		return strings.TrimPrefix(target.Value, "@"), post.AuthorName
	}
	return "", post.AuthorName
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
