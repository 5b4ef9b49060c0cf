package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recast/internal/model"
)

func TestEnqueue_IdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")

	inserted, err := s.Enqueue(ctx, createTestEntry("e1", "c1", model.PlatformInstagram, 3))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Enqueue(ctx, createTestEntry("e2", "c1", model.PlatformInstagram, 1))
	require.NoError(t, err)
	assert.False(t, inserted, "second enqueue for the same pair is a no-op")

	inserted, err = s.Enqueue(ctx, createTestEntry("e3", "c1", model.PlatformYouTube, 1))
	require.NoError(t, err)
	assert.True(t, inserted, "other platform is a different key")

	entries, err := s.ListEntries(ctx, EntryFilter{SourceID: "c1"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	e1, err := s.ReadEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 3, e1.Priority, "first entry unchanged")
	assert.Equal(t, model.StatusQueued, e1.Status)
	assert.Equal(t, 0, e1.RetryCount)
}

func TestEnqueue_CompletedBlocksKey(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")
	enqueueClaimed(t, s, "e1", "c1", model.PlatformInstagram)

	_, err := s.CompleteEntry(ctx, "e1", "ig_1", nil, t0)
	require.NoError(t, err)

	inserted, err := s.Enqueue(ctx, createTestEntry("e2", "c1", model.PlatformInstagram, 1))
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestEnqueue_FailedAndCancelledFreeKey(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")
	enqueueClaimed(t, s, "e1", "c1", model.PlatformInstagram)

	ok, err := s.FailEntry(ctx, "e1", "boom", model.ErrorTransient, t0)
	require.NoError(t, err)
	require.True(t, ok)

	inserted, err := s.Enqueue(ctx, createTestEntry("e2", "c1", model.PlatformInstagram, 1))
	require.NoError(t, err)
	assert.True(t, inserted)

	_, err = s.CancelEntry(ctx, "e2", t0)
	require.NoError(t, err)

	inserted, err = s.Enqueue(ctx, createTestEntry("e3", "c1", model.PlatformInstagram, 1))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestEnqueue_Validation(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")

	tests := []struct {
		name  string
		entry model.QueueEntry
	}{
		{"missing id", createTestEntry("", "c1", model.PlatformInstagram, 1)},
		{"unknown platform", createTestEntry("e1", "c1", "tiktok", 1)},
		{"priority zero", createTestEntry("e1", "c1", model.PlatformInstagram, 0)},
		{"priority too large", createTestEntry("e1", "c1", model.PlatformInstagram, 51)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Enqueue(ctx, tt.entry)
			assert.Error(t, err)
		})
	}
}

func TestClaimEntry(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")

	future := createTestEntry("e1", "c1", model.PlatformInstagram, 1)
	future.ScheduledFor = t0.Add(time.Hour)
	_, err := s.Enqueue(ctx, future)
	require.NoError(t, err)

	ok, err := s.ClaimEntry(ctx, "e1", "run-a", t0)
	require.NoError(t, err)
	assert.False(t, ok, "not yet due")

	ok, err = s.ClaimEntry(ctx, "e1", "run-a", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimEntry(ctx, "e1", "run-b", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "already processing")

	e, err := s.ReadEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, e.Status)
	assert.Equal(t, "run-a", e.ClaimToken)
	require.NotNil(t, e.ClaimedAt)
	assert.True(t, e.ClaimedAt.Equal(t0.Add(time.Hour)))
}

func TestClaimEntry_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")
	_, err := s.Enqueue(ctx, createTestEntry("e1", "c1", model.PlatformInstagram, 1))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ClaimEntry(ctx, "e1", fmt.Sprintf("run-%d", i), t0)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestClaimEntry_LosesAfterCancel(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")
	_, err := s.Enqueue(ctx, createTestEntry("e1", "c1", model.PlatformInstagram, 1))
	require.NoError(t, err)

	prior, err := s.CancelEntry(ctx, "e1", t0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, prior)

	ok, err := s.ClaimEntry(ctx, "e1", "run-a", t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteEntry_WritesHistory(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")
	enqueueClaimed(t, s, "e1", "c1", model.PlatformYouTube)

	dur := 31.5
	fp := &model.Fingerprint{Hash: "abc", Size: 1000, Duration: &dur}
	final, err := s.CompleteEntry(ctx, "e1", "yt_99", fp, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, final)

	e, err := s.ReadEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, e.Status)
	assert.Equal(t, "yt_99", e.ResultReference)
	assert.Equal(t, fp, e.ResultFingerprint)
	require.NotNil(t, e.ProcessedAt)

	posts, err := s.FindPostsByHash(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "c1", posts[0].SourceContentID)
	assert.Equal(t, model.PlatformYouTube, posts[0].Platform)
	assert.Equal(t, "e1", posts[0].EntryID)
	assert.Equal(t, "yt_99", posts[0].PublishedID)

	_, err = s.CompleteEntry(ctx, "e1", "yt_100", fp, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed entries are immutable")
}

func TestCompleteEntry_FallsBackToContentFingerprint(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.UpsertContentItem(ctx, model.ContentItem{
		SourceID:    "c1",
		Fingerprint: &model.Fingerprint{Hash: "content-hash", Size: 500},
		UpdatedAt:   t0,
	}))
	enqueueClaimed(t, s, "e1", "c1", model.PlatformInstagram)

	_, err := s.CompleteEntry(ctx, "e1", "ig_1", nil, t0)
	require.NoError(t, err)

	posts, err := s.FindPostsByHash(ctx, "content-hash")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, int64(500), posts[0].Fingerprint.Size)
}

func TestCompleteEntry_AfterCancelKeepsResult(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")
	enqueueClaimed(t, s, "e1", "c1", model.PlatformInstagram)

	prior, err := s.CancelEntry(ctx, "e1", t0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, prior)

	final, err := s.CompleteEntry(ctx, "e1", "ig_late", nil, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, final)

	e, err := s.ReadEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, e.Status)
	assert.Equal(t, "ig_late", e.ResultReference)

	last, err := s.LastPostedAt(ctx, "c1", model.PlatformInstagram)
	require.NoError(t, err)
	require.NotNil(t, last, "the post exists, so it is in history")
}

func TestCompleteEntry_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.CompleteEntry(context.Background(), "missing", "x", nil, t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailEntry(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")
	enqueueClaimed(t, s, "e1", "c1", model.PlatformInstagram)

	ok, err := s.FailEntry(ctx, "e1", "rate limited", model.ErrorTransient, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	e, err := s.ReadEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, e.Status)
	assert.Equal(t, "rate limited", e.ErrorMessage)
	assert.Equal(t, model.ErrorTransient, e.ErrorCategory)
	assert.Equal(t, 1, e.RetryCount)

	ok, err = s.FailEntry(ctx, "e1", "again", model.ErrorTransient, t0)
	require.NoError(t, err)
	assert.False(t, ok, "failed is terminal")

	e, err = s.ReadEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, e.RetryCount)
}

func TestCancelEntry_TerminalRejected(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")
	enqueueClaimed(t, s, "e1", "c1", model.PlatformInstagram)
	_, err := s.CompleteEntry(ctx, "e1", "ig_1", nil, t0)
	require.NoError(t, err)

	prior, err := s.CancelEntry(ctx, "e1", t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, model.StatusCompleted, prior)

	_, err = s.CancelEntry(ctx, "missing", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryEntry(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")
	enqueueClaimed(t, s, "e1", "c1", model.PlatformInstagram)
	_, err := s.FailEntry(ctx, "e1", "timeout", model.ErrorTransient, t0)
	require.NoError(t, err)

	candidates, err := s.ListRetryCandidates(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	next := createTestEntry("e2", "c1", model.PlatformInstagram, 1)
	next.RetryCount = 1
	inserted, err := s.RetryEntry(ctx, "e1", next)
	require.NoError(t, err)
	assert.True(t, inserted)

	failed, err := s.ReadEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "e2", failed.SupersededBy)

	retry, err := s.ReadEntry(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, "e1", retry.RetryOf)
	assert.Equal(t, 1, retry.RetryCount)

	candidates, err = s.ListRetryCandidates(ctx, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, candidates, "superseded failures are not candidates")

	_, err = s.RetryEntry(ctx, "e1", createTestEntry("e3", "c1", model.PlatformYouTube, 1))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRetryEntry_LiveEntryHoldsKey(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")
	enqueueClaimed(t, s, "e1", "c1", model.PlatformInstagram)
	_, err := s.FailEntry(ctx, "e1", "timeout", model.ErrorTransient, t0)
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, createTestEntry("ranked", "c1", model.PlatformInstagram, 2))
	require.NoError(t, err)

	inserted, err := s.RetryEntry(ctx, "e1", createTestEntry("e2", "c1", model.PlatformInstagram, 1))
	require.NoError(t, err)
	assert.False(t, inserted)

	failed, err := s.ReadEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "ranked", failed.SupersededBy)
}

func TestListRetryCandidates_Filters(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")
	insertContent(t, s, "c2")
	insertContent(t, s, "c3")

	enqueueClaimed(t, s, "transient", "c1", model.PlatformInstagram)
	_, err := s.FailEntry(ctx, "transient", "503", model.ErrorTransient, t0)
	require.NoError(t, err)

	enqueueClaimed(t, s, "config", "c2", model.PlatformInstagram)
	_, err = s.FailEntry(ctx, "config", "no publisher", model.ErrorConfig, t0)
	require.NoError(t, err)

	exhausted := createTestEntry("exhausted", "c3", model.PlatformInstagram, 1)
	exhausted.RetryCount = 2
	_, err = s.Enqueue(ctx, exhausted)
	require.NoError(t, err)
	_, err = s.ClaimEntry(ctx, "exhausted", "run", t0)
	require.NoError(t, err)
	_, err = s.FailEntry(ctx, "exhausted", "503", model.ErrorTransient, t0)
	require.NoError(t, err)

	got, err := s.ListRetryCandidates(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "transient", got[0].ID)
}

func TestListDueEntries_Ordering(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	for i := 1; i <= 6; i++ {
		insertContent(t, s, fmt.Sprintf("c%d", i))
	}

	mk := func(id, src string, prio int, at time.Time) {
		e := createTestEntry(id, src, model.PlatformInstagram, prio)
		e.ScheduledFor = at
		_, err := s.Enqueue(ctx, e)
		require.NoError(t, err)
	}
	mk("late-p1", "c1", 1, t0.Add(-time.Minute))
	mk("early-p1", "c2", 1, t0.Add(-time.Hour))
	mk("p2", "c3", 2, t0.Add(-2*time.Hour))
	mk("future", "c4", 1, t0.Add(time.Hour))
	// Full ties fall back to the id, compared bytewise.
	mk("tie-b", "c5", 3, t0)
	mk("Tie-z", "c6", 3, t0)

	due, err := s.ListDueEntries(ctx, t0, 10)
	require.NoError(t, err)

	var ids []string
	for _, e := range due {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"early-p1", "late-p1", "p2", "Tie-z", "tie-b"}, ids)

	due, err = s.ListDueEntries(ctx, t0, 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestListEntries_Filter(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")
	insertContent(t, s, "c2")

	_, err := s.Enqueue(ctx, createTestEntry("e1", "c1", model.PlatformInstagram, 1))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, createTestEntry("e2", "c1", model.PlatformYouTube, 1))
	require.NoError(t, err)
	enqueueClaimed(t, s, "e3", "c2", model.PlatformYouTube)

	got, err := s.ListEntries(ctx, EntryFilter{Status: model.StatusQueued})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListEntries(ctx, EntryFilter{Platform: model.PlatformYouTube})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListEntries(ctx, EntryFilter{Platform: model.PlatformYouTube, Status: model.StatusProcessing})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e3", got[0].ID)

	got, err = s.ListEntries(ctx, EntryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCountCompleted_Window(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	for i := 1; i <= 3; i++ {
		insertContent(t, s, fmt.Sprintf("c%d", i))
	}

	complete := func(id, src string, p model.Platform, at time.Time) {
		enqueueClaimed(t, s, id, src, p)
		_, err := s.CompleteEntry(ctx, id, "pub-"+id, nil, at)
		require.NoError(t, err)
	}
	complete("e1", "c1", model.PlatformInstagram, t0)
	complete("e2", "c2", model.PlatformInstagram, t0.Add(time.Hour))
	complete("e3", "c3", model.PlatformYouTube, t0.Add(-13*time.Hour))

	dayStart := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	count, err := s.CountCompleted(ctx, dayStart, dayStart.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count.Total)
	assert.Equal(t, 2, count.ByPlatform[model.PlatformInstagram])
	assert.Equal(t, 0, count.ByPlatform[model.PlatformYouTube])
}

func TestReapStaleClaims(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")
	insertContent(t, s, "c2")
	insertContent(t, s, "c3")

	claim := func(id, src string, at time.Time) {
		_, err := s.Enqueue(ctx, createTestEntry(id, src, model.PlatformInstagram, 1))
		require.NoError(t, err)
		ok, err := s.ClaimEntry(ctx, id, "run-"+id, at)
		require.NoError(t, err)
		require.True(t, ok)
	}
	claim("old", "c1", t0)
	claim("fresh", "c2", t0.Add(50*time.Minute))
	_, err := s.Enqueue(ctx, createTestEntry("waiting", "c3", model.PlatformInstagram, 1))
	require.NoError(t, err)

	now := t0.Add(time.Hour)
	reaped, err := s.ReapStaleClaims(ctx, now.Add(-30*time.Minute), "claim expired", now)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, "old", reaped[0].ID)
	assert.Equal(t, model.StatusProcessing, reaped[0].Status)

	old, err := s.ReadEntry(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, old.Status)
	assert.Equal(t, model.ErrorTransient, old.ErrorCategory)
	assert.Equal(t, "claim expired", old.ErrorMessage)
	assert.Equal(t, 1, old.RetryCount)

	fresh, err := s.ReadEntry(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, fresh.Status)

	// The key is free again and the failure is a retry candidate.
	inserted, err := s.Enqueue(ctx, createTestEntry("again", "c1", model.PlatformInstagram, 1))
	require.NoError(t, err)
	assert.True(t, inserted)

	again, err := s.ReapStaleClaims(ctx, now.Add(-30*time.Minute), "claim expired", now)
	require.NoError(t, err)
	assert.Empty(t, again)
}
