package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/recast/internal/model"
)

// RankUpdate carries the ranking fields recomputed for one content item.
type RankUpdate struct {
	SourceID string
	Score    float64
	Eligible bool
	Priority int
}

// UpsertContentItem inserts a content item or refreshes an existing one.
//
// Re-ingest updates caption, hashtags, media locator, publish time and
// counters. Ranking fields are owned by the ranker and left untouched. A
// fingerprint already on record is kept when the new item carries none.
func (s *Store) UpsertContentItem(ctx context.Context, item model.ContentItem) error {
	if item.SourceID == "" {
		return fmt.Errorf("upsert content item: source id is required")
	}

	tags, err := marshalHashtags(item.Hashtags)
	if err != nil {
		return fmt.Errorf("upsert content item %s: %w", item.SourceID, err)
	}

	updatedAt := item.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	fp := toFPColumns(item.Fingerprint)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content_items
		(source_id, source_platform, caption, hashtags, media_locator, published_at,
		 views, likes, comments, fp_hash, fp_size, fp_duration, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			source_platform = excluded.source_platform,
			caption = excluded.caption,
			hashtags = excluded.hashtags,
			media_locator = excluded.media_locator,
			published_at = excluded.published_at,
			views = excluded.views,
			likes = excluded.likes,
			comments = excluded.comments,
			fp_hash = COALESCE(excluded.fp_hash, content_items.fp_hash),
			fp_size = COALESCE(excluded.fp_size, content_items.fp_size),
			fp_duration = COALESCE(excluded.fp_duration, content_items.fp_duration),
			updated_at = excluded.updated_at
	`,
		item.SourceID,
		string(item.SourcePlatform),
		item.Caption,
		tags,
		item.MediaLocator,
		toMillis(item.PublishedAt),
		item.Metrics.Views,
		item.Metrics.Likes,
		item.Metrics.Comments,
		fp.Hash,
		fp.Size,
		fp.Duration,
		toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert content item %s: %w", item.SourceID, err)
	}
	return nil
}

const contentColumns = `source_id, source_platform, caption, hashtags, media_locator, published_at,
	views, likes, comments, fp_hash, fp_size, fp_duration,
	performance_score, eligible, repost_priority, updated_at`

// ReadContentItem returns the content item with the given source id.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadContentItem(ctx context.Context, sourceID string) (model.ContentItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM content_items WHERE source_id = ?`, sourceID)

	item, err := scanContentItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ContentItem{}, fmt.Errorf("content item %s: %w", sourceID, ErrNotFound)
	}
	if err != nil {
		return model.ContentItem{}, fmt.Errorf("read content item %s: %w", sourceID, err)
	}
	return item, nil
}

// ListContentItems returns every content item ordered by source id.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ListContentItems(ctx context.Context) ([]model.ContentItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contentColumns+` FROM content_items ORDER BY source_id COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("query content items: %w", err)
	}
	defer rows.Close()

	items := []model.ContentItem{}
	for rows.Next() {
		item, err := scanContentItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content items: %w", err)
	}
	return items, nil
}

// UpdateRankings writes recomputed ranking fields in a single transaction.
// Unknown source ids are ignored.
func (s *Store) UpdateRankings(ctx context.Context, updates []RankUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update rankings: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE content_items
		SET performance_score = ?, eligible = ?, repost_priority = ?
		WHERE source_id = ?
	`)
	if err != nil {
		return fmt.Errorf("update rankings: prepare: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.Score, u.Eligible, u.Priority, u.SourceID); err != nil {
			return fmt.Errorf("update rankings %s: %w", u.SourceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update rankings: commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContentItem(r rowScanner) (model.ContentItem, error) {
	var (
		item        model.ContentItem
		platform    string
		tags        string
		publishedAt int64
		updatedAt   int64
		fp          fpColumns
	)
	err := r.Scan(
		&item.SourceID,
		&platform,
		&item.Caption,
		&tags,
		&item.MediaLocator,
		&publishedAt,
		&item.Metrics.Views,
		&item.Metrics.Likes,
		&item.Metrics.Comments,
		&fp.Hash,
		&fp.Size,
		&fp.Duration,
		&item.PerformanceScore,
		&item.EligibleForRepost,
		&item.RepostPriority,
		&updatedAt,
	)
	if err != nil {
		return model.ContentItem{}, err
	}

	item.SourcePlatform = model.Platform(platform)
	item.PublishedAt = fromMillis(publishedAt)
	item.UpdatedAt = fromMillis(updatedAt)
	item.Fingerprint = fp.fingerprint()
	item.Hashtags, err = unmarshalHashtags(tags)
	if err != nil {
		return model.ContentItem{}, err
	}
	return item, nil
}
