package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recast/internal/model"
)

func TestLease_ExcludesOtherHolderUntilExpiry(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	ttl := 10 * time.Minute

	ok, err := s.AcquireLease(ctx, "pipeline", "run-a", t0, ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "pipeline", "run-b", t0.Add(time.Minute), ttl)
	require.NoError(t, err)
	assert.False(t, ok, "held by run-a")

	ok, err = s.AcquireLease(ctx, "pipeline", "run-a", t0.Add(2*time.Minute), ttl)
	require.NoError(t, err)
	assert.True(t, ok, "holder may extend")

	l, err := s.ReadLease(ctx, "pipeline")
	require.NoError(t, err)
	assert.Equal(t, "run-a", l.Holder)
	assert.True(t, l.ExpiresAt.Equal(t0.Add(12*time.Minute)))

	ok, err = s.AcquireLease(ctx, "pipeline", "run-b", t0.Add(12*time.Minute), ttl)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken")
}

func TestLease_Release(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	ok, err := s.AcquireLease(ctx, "pipeline", "run-a", t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "pipeline", "run-b"))
	_, err = s.ReadLease(ctx, "pipeline")
	require.NoError(t, err, "release by a non-holder is ignored")

	require.NoError(t, s.ReleaseLease(ctx, "pipeline", "run-a"))
	_, err = s.ReadLease(ctx, "pipeline")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = s.AcquireLease(ctx, "pipeline", "run-b", t0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHistory_Lookups(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	insertContent(t, s, "c1")
	insertContent(t, s, "c2")

	enqueueClaimed(t, s, "e1", "c1", model.PlatformInstagram)
	_, err := s.CompleteEntry(ctx, "e1", "ig_1", &model.Fingerprint{Hash: "h1", Size: 1000}, t0)
	require.NoError(t, err)

	enqueueClaimed(t, s, "e2", "c1", model.PlatformYouTube)
	_, err = s.CompleteEntry(ctx, "e2", "yt_1", &model.Fingerprint{Hash: "h1", Size: 1000}, t0.Add(time.Hour))
	require.NoError(t, err)

	enqueueClaimed(t, s, "e3", "c2", model.PlatformInstagram)
	_, err = s.CompleteEntry(ctx, "e3", "ig_2", &model.Fingerprint{Hash: "h2", Size: 1015}, t0)
	require.NoError(t, err)

	byHash, err := s.FindPostsByHash(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, byHash, 2)
	assert.Equal(t, "e2", byHash[0].EntryID, "newest first")

	bySize, err := s.FindPostsBySize(ctx, 1010, 1020)
	require.NoError(t, err)
	require.Len(t, bySize, 1)
	assert.Equal(t, "h2", bySize[0].Fingerprint.Hash)

	last, err := s.LastPostedAt(ctx, "c1", model.PlatformInstagram)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(t0))

	last, err = s.LastPostedAt(ctx, "c1", "")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(t0.Add(time.Hour)))

	last, err = s.LastPostedAt(ctx, "c2", model.PlatformYouTube)
	require.NoError(t, err)
	assert.Nil(t, last)

	posts, err := s.ListPosts(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, posts, 3)
}
