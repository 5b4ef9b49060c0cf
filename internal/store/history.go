package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/recast/internal/model"
)

const postColumns = `id, source_content_id, platform, entry_id, published_id,
	fp_hash, fp_size, fp_duration, posted_at`

// FindPostsByHash returns every post whose fingerprint hash equals hash,
// newest first.
func (s *Store) FindPostsByHash(ctx context.Context, hash string) ([]model.PostRecord, error) {
	return s.queryPosts(ctx, `
		SELECT `+postColumns+` FROM post_history
		WHERE fp_hash = ?
		ORDER BY posted_at DESC, id DESC
	`, hash)
}

// FindPostsBySize returns every fingerprinted post with size in [lo, hi],
// newest first.
func (s *Store) FindPostsBySize(ctx context.Context, lo, hi int64) ([]model.PostRecord, error) {
	return s.queryPosts(ctx, `
		SELECT `+postColumns+` FROM post_history
		WHERE fp_size BETWEEN ? AND ? AND fp_hash IS NOT NULL
		ORDER BY posted_at DESC, id DESC
	`, lo, hi)
}

// LastPostedAt returns when sourceID was last posted to platform, or to any
// platform when platform is empty. Returns nil if it was never posted.
func (s *Store) LastPostedAt(ctx context.Context, sourceID string, platform model.Platform) (*time.Time, error) {
	query := `SELECT MAX(posted_at) FROM post_history WHERE source_content_id = ?`
	args := []any{sourceID}
	if platform != "" {
		query += ` AND platform = ?`
		args = append(args, string(platform))
	}

	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&last); err != nil {
		return nil, fmt.Errorf("last posted %s: %w", sourceID, err)
	}
	return fromNullMillis(last), nil
}

// ListPosts returns the most recent posts, newest first.
func (s *Store) ListPosts(ctx context.Context, limit int) ([]model.PostRecord, error) {
	return s.queryPosts(ctx, `
		SELECT `+postColumns+` FROM post_history
		ORDER BY posted_at DESC, id DESC
		LIMIT ?
	`, limit)
}

func (s *Store) queryPosts(ctx context.Context, query string, args ...any) ([]model.PostRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query post history: %w", err)
	}
	defer rows.Close()

	posts := []model.PostRecord{}
	for rows.Next() {
		var (
			p        model.PostRecord
			platform string
			fp       fpColumns
			postedAt int64
		)
		if err := rows.Scan(&p.ID, &p.SourceContentID, &platform, &p.EntryID, &p.PublishedID,
			&fp.Hash, &fp.Size, &fp.Duration, &postedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.Platform = model.Platform(platform)
		p.Fingerprint = fp.fingerprint()
		p.PostedAt = fromMillis(postedAt)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate post history: %w", err)
	}
	return posts, nil
}
