// Package archive writes raw remote pages to a blob store before they are
// normalized, so any record can be traced back to the payload it came from.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/postharvest/internal/harvest"
)

const contentType = "application/json"

// Archiver stores raw page bodies under content-addressed paths.
type Archiver struct {
	blobs  harvest.BlobStore
	hasher harvest.Hasher
	clock  harvest.Clock
	prefix string
}

// New constructs an Archiver. prefix may be empty.
func New(blobs harvest.BlobStore, hasher harvest.Hasher, clock harvest.Clock, prefix string) (*Archiver, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Archiver{blobs: blobs, hasher: hasher, clock: clock, prefix: strings.Trim(prefix, "/")}, nil
}

// Store writes body and returns its URI. Empty bodies are skipped and yield "".
func (a *Archiver) Store(ctx context.Context, kind harvest.SourceKind, body []byte) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	hash, err := a.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	path := a.buildPath(kind, hash)
	uri, err := a.blobs.PutObject(ctx, path, contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func (a *Archiver) buildPath(kind harvest.SourceKind, hash string) string {
	day := a.clock.Now().UTC().Format("2006/01/02")
	path := fmt.Sprintf("%s/%s/%s.json", kind, day, hash)
	if a.prefix == "" {
		return path
	}
	return a.prefix + "/" + path
}
