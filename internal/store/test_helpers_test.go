package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/recast/internal/model"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new on-disk store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// insertContent upserts a minimal content item.
func insertContent(t *testing.T, s *Store, sourceID string) {
	t.Helper()
	err := s.UpsertContentItem(context.Background(), model.ContentItem{
		SourceID:       sourceID,
		SourcePlatform: model.PlatformInstagram,
		Caption:        "caption " + sourceID,
		MediaLocator:   "s3://media/" + sourceID + ".mp4",
		PublishedAt:    t0.Add(-48 * time.Hour),
		UpdatedAt:      t0,
	})
	if err != nil {
		t.Fatalf("UpsertContentItem(%s) failed: %v", sourceID, err)
	}
}

// createTestEntry creates a queued entry due at t0.
func createTestEntry(id, sourceID string, platform model.Platform, priority int) model.QueueEntry {
	return model.QueueEntry{
		ID:              id,
		SourceContentID: sourceID,
		TargetPlatform:  platform,
		Status:          model.StatusQueued,
		Priority:        priority,
		ScheduledFor:    t0,
		QueuedAt:        t0,
	}
}

// enqueueClaimed enqueues an entry and claims it.
func enqueueClaimed(t *testing.T, s *Store, id, sourceID string, platform model.Platform) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Enqueue(ctx, createTestEntry(id, sourceID, platform, 1)); err != nil {
		t.Fatalf("Enqueue(%s) failed: %v", id, err)
	}
	ok, err := s.ClaimEntry(ctx, id, fmt.Sprintf("run-%s", id), t0)
	if err != nil || !ok {
		t.Fatalf("ClaimEntry(%s) = %v, %v", id, ok, err)
	}
}
