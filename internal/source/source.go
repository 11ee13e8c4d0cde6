// Package source fetches import payloads from configured locations. A
// fetcher lists candidates matching the profile's file pattern, applies the
// selection rule, and returns payload bytes; archive moves a consumed item
// out of the pickup location.
package source

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
)

// Selection rules for multiple matches.
const (
	SelectOldest = "oldest"
	SelectNewest = "newest"
	SelectAll    = "all"
)

// Item is one fetched payload. Identifier is fetcher-specific (path, object
// key, URL) and is what Archive expects back.
type Item struct {
	Identifier string
	Content    []byte
	ModTime    time.Time
}

// Fetcher lists, fetches, and archives payloads from one source kind.
type Fetcher interface {
	// Fetch returns matching payloads per the selection rule, ordered by
	// modification time ascending.
	Fetch(ctx context.Context, pattern, rule string) ([]Item, error)

	// Archive moves a consumed item to the archive location.
	Archive(ctx context.Context, identifier, archivePath string) error
}

// New builds a fetcher for the given source kind from plaintext config JSON.
// Source configs share the destination config shapes.
func New(kind db.DestinationKind, configJSON string, logger *zap.Logger) (Fetcher, error) {
	switch kind {
	case db.DestLocal, db.DestNetworkShare:
		return newFileFetcher(kind, configJSON)
	case db.DestFTP:
		return newFTPFetcher(configJSON)
	case db.DestSFTP:
		return newSFTPFetcher(configJSON)
	case db.DestS3:
		return newS3Fetcher(configJSON)
	case db.DestAzureBlob:
		return newAzureBlobFetcher(configJSON)
	case db.DestHTTP:
		return newHTTPFetcher(configJSON)
	default:
		return nil, fmt.Errorf("source: unsupported source kind %q", kind)
	}
}

// FetchWithRetry wraps Fetch in the import pipeline's retry policy: up to
// retryCount additional attempts with exponential backoff, then the
// on-source-failure policy decides between error and empty result.
func FetchWithRetry(ctx context.Context, f Fetcher, pattern, rule string, retryCount int, onFailureSkip bool, logger *zap.Logger) ([]Item, error) {
	var lastErr error
	for attempt := 0; attempt <= retryCount; attempt++ {
		items, err := f.Fetch(ctx, pattern, rule)
		if err == nil {
			return items, nil
		}
		lastErr = err
		if attempt == retryCount {
			break
		}

		backoff := time.Duration(1<<(attempt+1)) * time.Second
		logger.Warn("source fetch failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if onFailureSkip {
		logger.Warn("source fetch exhausted retries, skipping per policy", zap.Error(lastErr))
		return nil, nil
	}
	return nil, fmt.Errorf("source: fetch: %w", lastErr)
}

// applySelection orders matches by modification time and applies the rule.
func applySelection(items []Item, rule string) []Item {
	sort.Slice(items, func(i, j int) bool { return items[i].ModTime.Before(items[j].ModTime) })
	switch strings.ToLower(rule) {
	case SelectOldest:
		if len(items) > 1 {
			return items[:1]
		}
	case SelectNewest:
		if len(items) > 1 {
			return items[len(items)-1:]
		}
	}
	return items
}

// matchPattern is a shell-style match on the base name; an empty pattern
// matches everything.
func matchPattern(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, path.Base(strings.ReplaceAll(name, "\\", "/")))
	return err == nil && ok
}
