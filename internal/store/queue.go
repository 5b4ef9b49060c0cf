package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/recast/internal/model"
)

// EntryFilter narrows ListEntries. Zero fields match everything.
type EntryFilter struct {
	Status   model.Status
	Platform model.Platform
	SourceID string
	Limit    int
}

// DailyCount is the number of completed entries in a time window.
type DailyCount struct {
	Total      int
	ByPlatform map[model.Platform]int
}

// Enqueue inserts a queued entry.
// Returns inserted=false when a queued, processing or completed entry already
// holds the same (content, platform) pair. That is not an error.
func (s *Store) Enqueue(ctx context.Context, e model.QueueEntry) (inserted bool, err error) {
	return enqueue(ctx, s.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func enqueue(ctx context.Context, db execer, e model.QueueEntry) (bool, error) {
	if e.ID == "" {
		return false, fmt.Errorf("enqueue: entry id is required")
	}
	if !e.TargetPlatform.Valid() {
		return false, fmt.Errorf("enqueue %s: unknown platform %q", e.ID, e.TargetPlatform)
	}
	if e.Priority < 1 || e.Priority > model.MaxQueuePriority {
		return false, fmt.Errorf("enqueue %s: priority %d out of range 1-%d", e.ID, e.Priority, model.MaxQueuePriority)
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO queue_entries
		(id, source_content_id, target_platform, status, priority, scheduled_for, queued_at,
		 retry_count, retry_of)
		VALUES (?, ?, ?, 'queued', ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		e.ID,
		e.SourceContentID,
		string(e.TargetPlatform),
		e.Priority,
		toMillis(e.ScheduledFor),
		toMillis(e.QueuedAt),
		e.RetryCount,
		nullString(e.RetryOf),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: rows affected: %w", e.ID, err)
	}
	return n == 1, nil
}

// ClaimEntry moves a due queued entry to processing under the given run token.
// Returns false when another claimant won, the entry was cancelled, or it is
// not yet due.
func (s *Store) ClaimEntry(ctx context.Context, id, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'processing', claimed_at = ?, claim_token = ?
		WHERE id = ? AND status = 'queued' AND scheduled_for <= ?
	`, toMillis(now), token, id, toMillis(now))
	if err != nil {
		return false, fmt.Errorf("claim entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim entry %s: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// CompleteEntry records a successful publish and appends it to post history
// in one transaction. When fp is nil the content item's fingerprint is used.
//
// Returns the status the row ends in. A processing entry becomes completed.
// An entry cancelled while its publish was in flight stays cancelled but
// still gets the result reference and a history row, since the post exists.
// Any other state returns ErrInvalidTransition.
func (s *Store) CompleteEntry(ctx context.Context, id, publishedID string, fp *model.Fingerprint, at time.Time) (model.Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("complete entry %s: begin tx: %w", id, err)
	}
	defer tx.Rollback()

	var (
		sourceID string
		platform string
		status   string
		cfp      fpColumns
	)
	err = tx.QueryRowContext(ctx, `
		SELECT q.source_content_id, q.target_platform, q.status, c.fp_hash, c.fp_size, c.fp_duration
		FROM queue_entries q
		JOIN content_items c ON c.source_id = q.source_content_id
		WHERE q.id = ?
	`, id).Scan(&sourceID, &platform, &status, &cfp.Hash, &cfp.Size, &cfp.Duration)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("complete entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("complete entry %s: %w", id, err)
	}

	if fp == nil || fp.IsZero() {
		fp = cfp.fingerprint()
	}
	rfp := toFPColumns(fp)

	var final model.Status
	switch model.Status(status) {
	case model.StatusProcessing:
		final = model.StatusCompleted
	case model.StatusCancelled:
		final = model.StatusCancelled
	default:
		return model.Status(status), fmt.Errorf("complete entry %s: %s -> %s: %w",
			id, status, model.StatusCompleted, ErrInvalidTransition)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = ?, processed_at = COALESCE(processed_at, ?), result_reference = ?,
			result_fp_hash = ?, result_fp_size = ?, result_fp_duration = ?
		WHERE id = ? AND status = ? AND result_reference IS NULL
	`, string(final), toMillis(at), publishedID, rfp.Hash, rfp.Size, rfp.Duration, id, status)
	if err != nil {
		return "", fmt.Errorf("complete entry %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("complete entry %s: rows affected: %w", id, err)
	} else if n != 1 {
		return model.Status(status), fmt.Errorf("complete entry %s: result already recorded: %w", id, ErrInvalidTransition)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO post_history
		(source_content_id, platform, entry_id, published_id, fp_hash, fp_size, fp_duration, posted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO NOTHING
	`, sourceID, platform, id, publishedID, rfp.Hash, rfp.Size, rfp.Duration, toMillis(at))
	if err != nil {
		return "", fmt.Errorf("complete entry %s: record post: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("complete entry %s: commit: %w", id, err)
	}
	return final, nil
}

// FailEntry moves a processing entry to failed and increments its retry count.
// Returns false when the entry was no longer processing (e.g. cancelled).
func (s *Store) FailEntry(ctx context.Context, id, message string, category model.ErrorCategory, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'failed', error_message = ?, error_category = ?, processed_at = ?,
			retry_count = retry_count + 1
		WHERE id = ? AND status = 'processing'
	`, message, string(category), toMillis(at), id)
	if err != nil {
		return false, fmt.Errorf("fail entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail entry %s: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// ReapStaleClaims fails every processing entry claimed before cutoff with a
// transient error, so the retry sweep can pick it up, and returns the entries
// as they were before the update. Such a claim belongs to a tick that can no
// longer record its outcome.
func (s *Store) ReapStaleClaims(ctx context.Context, cutoff time.Time, message string, at time.Time) ([]model.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reap stale claims: begin tx: %w", err)
	}
	defer tx.Rollback()

	stale, err := queryEntries(ctx, tx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE status = 'processing' AND claimed_at < ?
		ORDER BY claimed_at ASC, id COLLATE BINARY ASC
	`, toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("reap stale claims: %w", err)
	}
	if len(stale) == 0 {
		return stale, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'failed', error_message = ?, error_category = ?, processed_at = ?,
			retry_count = retry_count + 1
		WHERE status = 'processing' AND claimed_at < ?
	`, message, string(model.ErrorTransient), toMillis(at), toMillis(cutoff)); err != nil {
		return nil, fmt.Errorf("reap stale claims: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("reap stale claims: commit: %w", err)
	}
	return stale, nil
}

// CancelEntry cancels a queued or processing entry and returns the status it
// had before. Cancelling a terminal entry returns ErrInvalidTransition.
func (s *Store) CancelEntry(ctx context.Context, id string, at time.Time) (model.Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("cancel entry %s: begin tx: %w", id, err)
	}
	defer tx.Rollback()

	var prior string
	err = tx.QueryRowContext(ctx, `SELECT status FROM queue_entries WHERE id = ?`, id).Scan(&prior)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("cancel entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("cancel entry %s: %w", id, err)
	}

	from := model.Status(prior)
	if !model.CanTransition(from, model.StatusCancelled) {
		return from, fmt.Errorf("cancel entry %s: %s -> %s: %w", id, from, model.StatusCancelled, ErrInvalidTransition)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'cancelled', processed_at = ?
		WHERE id = ? AND status = ?
	`, toMillis(at), id, prior); err != nil {
		return "", fmt.Errorf("cancel entry %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("cancel entry %s: commit: %w", id, err)
	}
	return from, nil
}

// RetryEntry enqueues next as the retry of the failed entry failedID and marks
// the failed entry superseded, atomically.
//
// If a live entry already holds the key, nothing is inserted and the failed
// entry is marked superseded by that entry. Returns whether next was inserted.
func (s *Store) RetryEntry(ctx context.Context, failedID string, next model.QueueEntry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("retry entry %s: begin tx: %w", failedID, err)
	}
	defer tx.Rollback()

	next.RetryOf = failedID
	inserted, err := enqueue(ctx, tx, next)
	if err != nil {
		return false, fmt.Errorf("retry entry %s: %w", failedID, err)
	}

	successor := next.ID
	if !inserted {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM queue_entries
			WHERE source_content_id = ? AND target_platform = ?
			  AND status IN ('queued', 'processing', 'completed')
		`, next.SourceContentID, string(next.TargetPlatform)).Scan(&successor)
		if err != nil {
			return false, fmt.Errorf("retry entry %s: find live entry: %w", failedID, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE queue_entries SET superseded_by = ?
		WHERE id = ? AND status = 'failed' AND superseded_by IS NULL
	`, successor, failedID)
	if err != nil {
		return false, fmt.Errorf("retry entry %s: %w", failedID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("retry entry %s: rows affected: %w", failedID, err)
	}
	if n != 1 {
		return false, fmt.Errorf("retry entry %s: not a pending failure: %w", failedID, ErrInvalidTransition)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("retry entry %s: commit: %w", failedID, err)
	}
	return inserted, nil
}

const entryColumns = `id, source_content_id, target_platform, status, priority, scheduled_for, queued_at,
	claimed_at, claim_token, processed_at, retry_count, error_message, error_category,
	result_reference, result_fp_hash, result_fp_size, result_fp_duration, retry_of, superseded_by`

// ReadEntry returns the queue entry with the given id.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadEntry(ctx context.Context, id string) (model.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QueueEntry{}, fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.QueueEntry{}, fmt.Errorf("read queue entry %s: %w", id, err)
	}
	return e, nil
}

// ListDueEntries returns up to limit queued entries scheduled at or before
// now, most urgent first.
func (s *Store) ListDueEntries(ctx context.Context, now time.Time, limit int) ([]model.QueueEntry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE status = 'queued' AND scheduled_for <= ?
		ORDER BY priority ASC, scheduled_for ASC, queued_at ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, toMillis(now), limit)
}

// ListEntries returns entries matching f, newest first.
func (s *Store) ListEntries(ctx context.Context, f EntryFilter) ([]model.QueueEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Platform != "" {
		where = append(where, "target_platform = ?")
		args = append(args, string(f.Platform))
	}
	if f.SourceID != "" {
		where = append(where, "source_content_id = ?")
		args = append(args, f.SourceID)
	}

	query := `SELECT ` + entryColumns + ` FROM queue_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY queued_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryEntries(ctx, query, args...)
}

// ListRetryCandidates returns transient failures that have not been retried
// yet and have fewer than maxAttempts attempts, oldest failure first.
func (s *Store) ListRetryCandidates(ctx context.Context, maxAttempts, limit int) ([]model.QueueEntry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE status = 'failed' AND error_category = 'transient'
		  AND superseded_by IS NULL AND retry_count < ?
		ORDER BY processed_at ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, maxAttempts, limit)
}

// CountCompleted counts entries that completed in [from, to).
func (s *Store) CountCompleted(ctx context.Context, from, to time.Time) (DailyCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_platform, COUNT(*) FROM queue_entries
		WHERE status = 'completed' AND processed_at >= ? AND processed_at < ?
		GROUP BY target_platform
	`, toMillis(from), toMillis(to))
	if err != nil {
		return DailyCount{}, fmt.Errorf("count completed: %w", err)
	}
	defer rows.Close()

	count := DailyCount{ByPlatform: map[model.Platform]int{}}
	for rows.Next() {
		var (
			platform string
			n        int
		)
		if err := rows.Scan(&platform, &n); err != nil {
			return DailyCount{}, fmt.Errorf("count completed: scan: %w", err)
		}
		count.ByPlatform[model.Platform(platform)] = n
		count.Total += n
	}
	if err := rows.Err(); err != nil {
		return DailyCount{}, fmt.Errorf("count completed: %w", err)
	}
	return count, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]model.QueueEntry, error) {
	return queryEntries(ctx, s.db, query, args...)
}

func queryEntries(ctx context.Context, db querier, query string, args ...any) ([]model.QueueEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue entries: %w", err)
	}
	defer rows.Close()

	entries := []model.QueueEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

func scanEntry(r rowScanner) (model.QueueEntry, error) {
	var (
		e            model.QueueEntry
		platform     string
		status       string
		scheduledFor int64
		queuedAt     int64
		claimedAt    sql.NullInt64
		claimToken   sql.NullString
		processedAt  sql.NullInt64
		errMessage   sql.NullString
		errCategory  sql.NullString
		resultRef    sql.NullString
		rfp          fpColumns
		retryOf      sql.NullString
		supersededBy sql.NullString
	)
	err := r.Scan(
		&e.ID,
		&e.SourceContentID,
		&platform,
		&status,
		&e.Priority,
		&scheduledFor,
		&queuedAt,
		&claimedAt,
		&claimToken,
		&processedAt,
		&e.RetryCount,
		&errMessage,
		&errCategory,
		&resultRef,
		&rfp.Hash,
		&rfp.Size,
		&rfp.Duration,
		&retryOf,
		&supersededBy,
	)
	if err != nil {
		return model.QueueEntry{}, err
	}

	e.TargetPlatform = model.Platform(platform)
	e.Status = model.Status(status)
	e.ScheduledFor = fromMillis(scheduledFor)
	e.QueuedAt = fromMillis(queuedAt)
	e.ClaimedAt = fromNullMillis(claimedAt)
	e.ClaimToken = claimToken.String
	e.ProcessedAt = fromNullMillis(processedAt)
	e.ErrorMessage = errMessage.String
	e.ErrorCategory = model.ErrorCategory(errCategory.String)
	e.ResultReference = resultRef.String
	e.ResultFingerprint = rfp.fingerprint()
	e.RetryOf = retryOf.String
	e.SupersededBy = supersededBy.String
	return e, nil
}
