package harvest

import (
	"context"
	"io"
	"time"
)

// RemoteClient talks to the social-media API on behalf of one credential.
type RemoteClient interface {
	FetchUserPosts(ctx context.Context, cred Credential, handle string, req PageRequest) (Page, error)
	Search(ctx context.Context, cred Credential, query string, req PageRequest) (Page, error)
	FetchTrends(ctx context.Context, cred Credential, regionID int64) (TrendList, error)
}

// Store persists normalized records keyed by post ID.
type Store interface {
	UpsertRecord(ctx context.Context, rec Record) (UpsertResult, error)
	RecordExists(ctx context.Context, id string) (bool, error)
}

// Classifier tags and scores post text. Implementations must be pure.
type Classifier interface {
	Analyze(text string) Analysis
}

// Publisher pushes record notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests for archive object names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error
