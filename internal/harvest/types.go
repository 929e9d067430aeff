// Package harvest defines core types shared across subsystems.
package harvest

import (
	"strconv"
	"strings"
	"time"
)

// Endpoint categories tracked by the quota ledger.
const (
	CategoryDefault  = "default"
	CategoryTimeline = "timeline"
	CategorySearch   = "search"
	CategoryTrends   = "trends"
)

// SourceKind identifies which acquisition mode produced a record.
type SourceKind string

// Source kinds attached to targets and normalized records.
const (
	SourceAccount SourceKind = "account"
	SourceHashtag SourceKind = "hashtag"
	SourceTrend   SourceKind = "trend"
	SourceSearch  SourceKind = "search"
)

// Sentiment is the coarse polarity assigned by the classifier.
type Sentiment string

// Sentiment values.
const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Credential is one set of API credentials. Immutable after load.
type Credential struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	BearerToken  string `json:"-"`
	APIKey       string `json:"-"`
	APISecret    string `json:"-"`
	AccessToken  string `json:"-"`
	AccessSecret string `json:"-"`
}

// Label returns a log-safe identifier for the credential.
func (c Credential) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return "credential-" + strconv.Itoa(c.Index)
}

// Target is one unit of work within a strategy run.
type Target struct {
	Value      string     `json:"value"`
	Kind       SourceKind `json:"kind"`
	MaxResults int        `json:"max_results"`
}

// Query returns the remote search expression for the target.
func (t Target) Query() string {
	if t.Kind == SourceHashtag {
		return "#" + strings.TrimPrefix(t.Value, "#")
	}
	return t.Value
}

// SearchContext returns the label stored on records produced by the target.
// Account sweeps carry no search context.
func (t Target) SearchContext() string {
	if t.Kind == SourceAccount {
		return ""
	}
	return t.Query()
}

// QuotaMeta is the authoritative quota state reported by the remote service.
type QuotaMeta struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// PostMetrics carries engagement counters reported for a post.
type PostMetrics struct {
	Likes       int `json:"likes"`
	Reposts     int `json:"reposts"`
	Replies     int `json:"replies"`
	Quotes      int `json:"quotes"`
	Impressions int `json:"impressions"`
}

// Entities are the structured annotations extracted by the remote service.
type Entities struct {
	Hashtags []string `json:"hashtags,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
	URLs     []string `json:"urls,omitempty"`
	Cashtags []string `json:"cashtags,omitempty"`
}

// RawPost is a post as returned by the remote service.
type RawPost struct {
	ID            string      `json:"id"`
	AuthorID      string      `json:"author_id"`
	AuthorHandle  string      `json:"author_handle,omitempty"`
	AuthorName    string      `json:"author_name,omitempty"`
	Text          string      `json:"text"`
	CreatedAt     time.Time   `json:"created_at"`
	Metrics       PostMetrics `json:"metrics"`
	Entities      Entities    `json:"entities"`
	ReferencedIDs []string    `json:"referenced_ids,omitempty"`
}

// Author is a user expansion returned alongside a page of posts.
type Author struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
	Name   string `json:"name"`
}

// PageRequest asks the remote service for one page of posts.
type PageRequest struct {
	MaxResults int
	NextToken  string
}

// Page is one page of a paginated post listing.
type Page struct {
	Posts     []RawPost
	Authors   []Author
	NextToken string
	Quota     *QuotaMeta
	Body      []byte
}

// Topic is a trending topic for a region.
type Topic struct {
	Name   string `json:"name"`
	Query  string `json:"query"`
	Volume int    `json:"volume"`
}

// TrendList is the set of trending topics for a region.
type TrendList struct {
	RegionID int64
	Topics   []Topic
	Quota    *QuotaMeta
}

// Analysis is the classifier output for a post body.
type Analysis struct {
	Tags      []string  `json:"tags"`
	Sentiment Sentiment `json:"sentiment"`
}

// Record is the normalized, persisted form of a post. ID is the dedup key.
type Record struct {
	ID            string      `json:"id"`
	Text          string      `json:"text"`
	AuthorID      string      `json:"author_id"`
	AuthorHandle  string      `json:"author_handle"`
	AuthorName    string      `json:"author_name,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	Metrics       PostMetrics `json:"metrics"`
	Hashtags      []string    `json:"hashtags"`
	Mentions      []string    `json:"mentions,omitempty"`
	URLs          []string    `json:"urls,omitempty"`
	ReferencedIDs []string    `json:"referenced_ids,omitempty"`
	Tags          []string    `json:"tags"`
	Sentiment     Sentiment   `json:"sentiment"`
	SourceKind    SourceKind  `json:"source_kind"`
	SearchContext string      `json:"search_context,omitempty"`
	ProcessedAt   time.Time   `json:"processed_at"`
}

// UpsertResult reports whether a record was newly stored or refreshed.
type UpsertResult string

// Upsert outcomes.
const (
	UpsertInserted UpsertResult = "inserted"
	UpsertUpdated  UpsertResult = "updated"
)

// RunReport summarizes one strategy run.
type RunReport struct {
	Strategy         string        `json:"strategy"`
	RunID            string        `json:"run_id"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	TargetsAttempted int           `json:"targets_attempted"`
	TargetsSucceeded int           `json:"targets_succeeded"`
	TargetsFailed    int           `json:"targets_failed"`
	Inserted         int           `json:"inserted"`
	Updated          int           `json:"updated"`
	Skipped          int           `json:"skipped"`
	Dropped          int           `json:"dropped"`
}
