package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/recast/internal/events"
	"github.com/roach88/recast/internal/ident"
	"github.com/roach88/recast/internal/logging"
	"github.com/roach88/recast/internal/model"
	"github.com/roach88/recast/internal/publish"
	"github.com/roach88/recast/internal/store"
)

// Executor defaults.
const (
	DefaultBatchSize      = 5
	DefaultMaxPostsPerDay = 10
	DefaultPublishTimeout = 5 * time.Minute
	MaxConcurrency        = 5
	// OutcomeTimeout bounds the store write that records a publish result.
	OutcomeTimeout = 30 * time.Second
)

const staleClaimMessage = "claim expired before a publish outcome was recorded"

// Skip reasons reported to the TickObserver.
const (
	SkipPlatformCap = "platform_cap"
	SkipDailyCap    = "daily_cap"
	SkipLostClaim   = "lost_claim"
)

// Store is the queue persistence the executor needs.
type Store interface {
	CountCompleted(ctx context.Context, from, to time.Time) (store.DailyCount, error)
	ListDueEntries(ctx context.Context, now time.Time, limit int) ([]model.QueueEntry, error)
	ClaimEntry(ctx context.Context, id, token string, now time.Time) (bool, error)
	CompleteEntry(ctx context.Context, id, publishedID string, fp *model.Fingerprint, at time.Time) (model.Status, error)
	FailEntry(ctx context.Context, id, message string, category model.ErrorCategory, at time.Time) (bool, error)
	CancelEntry(ctx context.Context, id string, at time.Time) (model.Status, error)
	ReapStaleClaims(ctx context.Context, cutoff time.Time, message string, at time.Time) ([]model.QueueEntry, error)
	ReadEntry(ctx context.Context, id string) (model.QueueEntry, error)
	ReadContentItem(ctx context.Context, sourceID string) (model.ContentItem, error)
}

// Publishers resolves the publisher for a platform.
// A missing or disabled platform must yield a config-category error.
type Publishers interface {
	Lookup(platform model.Platform) (publish.Publisher, error)
}

// TickObserver receives per-tick measurements.
type TickObserver interface {
	ObserveTick(d time.Duration, err error)
	AddSkipped(reason string, n int)
}

// Config holds executor settings. Zero limits mean unlimited.
type Config struct {
	BatchSize           int
	Concurrency         int
	MaxPostsPerDay      int
	MaxPostsPerPlatform int
	// Location defines the calendar day the caps apply to.
	Location       *time.Location
	PublishTimeout time.Duration
	// StaleAfter is how long an entry may stay processing before a tick
	// fails it as transient. Zero disables the check.
	StaleAfter time.Duration
}

// DefaultConfig returns the stock executor settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:      DefaultBatchSize,
		Concurrency:    1,
		MaxPostsPerDay: DefaultMaxPostsPerDay,
		Location:       time.UTC,
		PublishTimeout: DefaultPublishTimeout,
	}
}

// TickReport summarizes one executor tick.
type TickReport struct {
	RunToken           string   `json:"run_token"`
	Due                int      `json:"due"`
	Claimed            int      `json:"claimed"`
	Completed          int      `json:"completed"`
	Failed             int      `json:"failed"`
	Reaped             int      `json:"reaped"`
	LostClaims         int      `json:"lost_claims"`
	SkippedPlatformCap int      `json:"skipped_platform_cap"`
	SkippedDailyCap    int      `json:"skipped_daily_cap"`
	DailyCapReached    bool     `json:"daily_cap_reached"`
	Errors             []string `json:"errors,omitempty"`
}

// tally guards a TickReport shared by concurrent publishes.
type tally struct {
	mu     sync.Mutex
	report *TickReport
}

func (t *tally) update(fn func(r *TickReport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.report)
}

// Executor claims due queue entries and publishes them.
//
// Thread-safety: Tick may be called concurrently; the conditional claim in
// the store guarantees each entry is processed by at most one tick. The
// Runner prevents overlapping ticks in normal operation.
type Executor struct {
	store      Store
	publishers Publishers
	cfg        Config
	clock      Clock
	ids        ident.Generator
	sink       events.Sink
	observer   TickObserver
	logger     logging.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithClock sets the time source.
func WithClock(c Clock) ExecutorOption {
	return func(e *Executor) {
		e.clock = c
	}
}

// WithRunTokens sets the generator for tick run tokens.
func WithRunTokens(g ident.Generator) ExecutorOption {
	return func(e *Executor) {
		e.ids = g
	}
}

// WithSink sets where transitions are emitted.
func WithSink(s events.Sink) ExecutorOption {
	return func(e *Executor) {
		e.sink = s
	}
}

// WithObserver sets the tick observer.
func WithObserver(o TickObserver) ExecutorOption {
	return func(e *Executor) {
		e.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// NewExecutor creates an Executor. Out-of-range settings fall back to their
// defaults; concurrency is clamped to 1..MaxConcurrency.
func NewExecutor(s Store, p Publishers, cfg Config, opts ...ExecutorOption) *Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Concurrency > MaxConcurrency {
		cfg.Concurrency = MaxConcurrency
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	e := &Executor{
		store:      s,
		publishers: p,
		cfg:        cfg,
		clock:      SystemClock{},
		ids:        ident.UUIDv7Generator{},
		sink:       events.Discard,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the normalized settings.
func (e *Executor) Config() Config {
	return e.cfg
}

// Tick runs one executor pass under a fresh run token.
func (e *Executor) Tick(ctx context.Context) (TickReport, error) {
	return e.TickAs(ctx, e.ids.Generate())
}

// TickAs runs one executor pass, recording token as the claim token of every
// entry it claims.
//
// Only store failures before the first claim abort the tick. Failures while
// processing an entry are recorded on that entry or in the report's Errors,
// and the batch continues.
func (e *Executor) TickAs(ctx context.Context, token string) (report TickReport, err error) {
	started := e.clock.Now()
	report.RunToken = token
	log := e.logger.WithField("run_token", token)

	defer func() {
		if e.observer == nil {
			return
		}
		e.observer.ObserveTick(e.clock.Now().Sub(started), err)
		e.observer.AddSkipped(SkipPlatformCap, report.SkippedPlatformCap)
		e.observer.AddSkipped(SkipDailyCap, report.SkippedDailyCap)
		e.observer.AddSkipped(SkipLostClaim, report.LostClaims)
	}()

	if e.cfg.StaleAfter > 0 {
		stale, err := e.store.ReapStaleClaims(ctx, started.Add(-e.cfg.StaleAfter), staleClaimMessage, started)
		if err != nil {
			return report, newStoreError("reap stale claims", token, err)
		}
		for _, entry := range stale {
			e.emit(ctx, entry, model.StatusProcessing, model.StatusFailed, staleClaimMessage)
			log.WithFields(logging.Fields{
				"entry_id":   entry.ID,
				"claimed_by": entry.ClaimToken,
			}).Warn("Failed stale processing claim")
		}
		report.Reaped = len(stale)
	}

	from, to := DayWindow(started, e.cfg.Location)
	done, err := e.store.CountCompleted(ctx, from, to)
	if err != nil {
		return report, newStoreError("count completed", token, err)
	}

	quota := NewDailyQuota(e.cfg.MaxPostsPerDay, e.cfg.MaxPostsPerPlatform, done)
	if quota.DayReached() {
		report.DailyCapReached = true
		log.WithField("posted_today", done.Total).Info("Daily post cap reached, nothing claimed")
		return report, nil
	}

	due, err := e.store.ListDueEntries(ctx, started, e.cfg.BatchSize)
	if err != nil {
		return report, newStoreError("list due entries", token, err)
	}
	report.Due = len(due)

	t := &tally{report: &report}
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)

	for i, entry := range due {
		if ctx.Err() != nil {
			break
		}
		if quota.DayReached() {
			t.update(func(r *TickReport) {
				r.DailyCapReached = true
				r.SkippedDailyCap += len(due) - i
			})
			break
		}
		if quota.PlatformReached(entry.TargetPlatform) {
			t.update(func(r *TickReport) { r.SkippedPlatformCap++ })
			continue
		}

		claimed, err := e.store.ClaimEntry(ctx, entry.ID, token, e.clock.Now())
		if err != nil {
			e.recordError(t, log, entry, fmt.Errorf("claim: %w", err))
			continue
		}
		if !claimed {
			t.update(func(r *TickReport) { r.LostClaims++ })
			continue
		}
		quota.Record(entry.TargetPlatform)
		t.update(func(r *TickReport) { r.Claimed++ })
		e.emit(ctx, entry, model.StatusQueued, model.StatusProcessing, "")

		if e.cfg.Concurrency == 1 {
			e.process(ctx, t, log, entry)
			continue
		}
		g.Go(func() error {
			e.process(ctx, t, log, entry)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return report, &TickError{Code: ErrCodeCancelled, Op: "tick", RunToken: token, Err: ctx.Err()}
	}

	log.WithFields(logging.Fields{
		"due":       report.Due,
		"claimed":   report.Claimed,
		"completed": report.Completed,
		"failed":    report.Failed,
	}).Debug("Tick finished")
	return report, nil
}

// process publishes one claimed entry and records the outcome.
func (e *Executor) process(ctx context.Context, t *tally, log logging.Logger, entry model.QueueEntry) {
	log = log.WithFields(logging.Fields{
		"entry_id":  entry.ID,
		"source_id": entry.SourceContentID,
		"platform":  entry.TargetPlatform,
	})

	item, err := e.store.ReadContentItem(ctx, entry.SourceContentID)
	if err != nil {
		category := model.ErrorTransient
		if errors.Is(err, store.ErrNotFound) {
			category = model.ErrorConfig
		}
		e.fail(ctx, t, log, entry, fmt.Errorf("read content: %w", err), category)
		return
	}

	pub, err := e.publishers.Lookup(entry.TargetPlatform)
	if err != nil {
		e.fail(ctx, t, log, entry, err, publish.CategoryOf(err))
		return
	}

	res, err := e.publish(ctx, pub, publish.Request{
		EntryID:        entry.ID,
		SourceID:       item.SourceID,
		Platform:       entry.TargetPlatform,
		MediaLocator:   item.MediaLocator,
		Caption:        item.Caption,
		Hashtags:       item.Hashtags,
		IdempotencyKey: entry.ID,
	})
	if err != nil {
		e.fail(ctx, t, log, entry, err, publish.CategoryOf(err))
		return
	}

	wctx, cancel := outcomeContext(ctx)
	defer cancel()
	final, err := e.store.CompleteEntry(wctx, entry.ID, res.PublishedID, res.Fingerprint, e.clock.Now())
	if err != nil {
		e.recordError(t, log, entry, fmt.Errorf("complete: %w", err))
		return
	}
	if final != model.StatusCompleted {
		log.WithField("published_id", res.PublishedID).Warn("Entry was cancelled while publishing; result recorded")
		return
	}
	t.update(func(r *TickReport) { r.Completed++ })
	e.emit(wctx, entry, model.StatusProcessing, model.StatusCompleted, "")
	log.WithField("published_id", res.PublishedID).Info("Published repost")
}

func (e *Executor) publish(ctx context.Context, pub publish.Publisher, req publish.Request) (publish.Result, error) {
	if e.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.PublishTimeout)
		defer cancel()
	}
	return pub.Publish(ctx, req)
}

func (e *Executor) fail(ctx context.Context, t *tally, log logging.Logger, entry model.QueueEntry, cause error, category model.ErrorCategory) {
	msg := cause.Error()
	ctx, cancel := outcomeContext(ctx)
	defer cancel()
	ok, err := e.store.FailEntry(ctx, entry.ID, msg, category, e.clock.Now())
	if err != nil {
		e.recordError(t, log, entry, fmt.Errorf("fail: %w", err))
		return
	}
	if !ok {
		log.WithField("error", msg).Warn("Entry left processing before failure was recorded")
		return
	}
	t.update(func(r *TickReport) { r.Failed++ })
	e.emit(ctx, entry, model.StatusProcessing, model.StatusFailed, msg)
	log.WithFields(logging.Fields{
		"error":    msg,
		"category": category,
	}).Warn("Publish failed")
}

// outcomeContext detaches an outcome write from the tick's cancellation: once
// an entry is claimed, it ends completed or failed even if the tick is
// cancelled mid-publish.
func outcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), OutcomeTimeout)
}

func (e *Executor) recordError(t *tally, log logging.Logger, entry model.QueueEntry, err error) {
	log.WithError(err).Error("Queue store error")
	t.update(func(r *TickReport) {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", entry.ID, err))
	})
}

func (e *Executor) emit(ctx context.Context, entry model.QueueEntry, from, to model.Status, msg string) {
	e.sink.Emit(ctx, model.Transition{
		EntryID:      entry.ID,
		From:         from,
		To:           to,
		Platform:     entry.TargetPlatform,
		Timestamp:    e.clock.Now(),
		ErrorMessage: msg,
	})
}

// Cancel cancels a queued or processing entry and returns its prior status.
//
// A processing entry's publish call keeps running; its result is still
// recorded if it succeeds.
func (e *Executor) Cancel(ctx context.Context, id string) (model.Status, error) {
	prior, err := e.store.CancelEntry(ctx, id, e.clock.Now())
	if err != nil {
		return prior, err
	}
	entry, err := e.store.ReadEntry(ctx, id)
	if err != nil {
		return prior, fmt.Errorf("cancel entry %s: %w", id, err)
	}
	e.emit(ctx, entry, prior, model.StatusCancelled, "")
	e.logger.WithFields(logging.Fields{
		"entry_id": id,
		"from":     prior,
	}).Info("Entry cancelled")
	return prior, nil
}
