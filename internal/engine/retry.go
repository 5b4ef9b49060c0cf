package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/recast/internal/ident"
	"github.com/roach88/recast/internal/logging"
	"github.com/roach88/recast/internal/model"
	"github.com/roach88/recast/internal/store"
)

// Retry defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultRetryBaseDelay = 5 * time.Minute
	DefaultRetryMaxDelay  = 2 * time.Hour
	defaultSweepLimit     = 100
)

// RetryStore is the queue persistence the retry sweep needs.
type RetryStore interface {
	ListRetryCandidates(ctx context.Context, maxAttempts, limit int) ([]model.QueueEntry, error)
	RetryEntry(ctx context.Context, failedID string, next model.QueueEntry) (bool, error)
}

// RetryConfig holds retry settings.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// SweepLimit bounds the failures handled per sweep.
	SweepLimit int
}

// DefaultRetryConfig returns the stock retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultRetryBaseDelay,
		MaxDelay:    DefaultRetryMaxDelay,
		SweepLimit:  defaultSweepLimit,
	}
}

// RetryReport summarizes one sweep.
type RetryReport struct {
	Candidates int `json:"candidates"`
	Requeued   int `json:"requeued"`
	// Superseded counts failures whose key already had a live entry.
	Superseded int `json:"superseded"`
	Raced      int `json:"raced"`
}

// RetryPolicy re-enqueues transient failures with exponential backoff.
//
// Config failures are never retried. An entry is retried at most once; the
// new entry carries the retry count forward so MaxAttempts bounds the whole
// chain.
type RetryPolicy struct {
	store  RetryStore
	cfg    RetryConfig
	clock  Clock
	ids    ident.Generator
	logger logging.Logger
}

// RetryOption configures a RetryPolicy.
type RetryOption func(*RetryPolicy)

// WithRetryClock sets the time source.
func WithRetryClock(c Clock) RetryOption {
	return func(p *RetryPolicy) {
		p.clock = c
	}
}

// WithRetryIDs sets the generator for new entry ids.
func WithRetryIDs(g ident.Generator) RetryOption {
	return func(p *RetryPolicy) {
		p.ids = g
	}
}

// WithRetryLogger sets the logger.
func WithRetryLogger(l logging.Logger) RetryOption {
	return func(p *RetryPolicy) {
		p.logger = l
	}
}

// NewRetryPolicy creates a RetryPolicy.
func NewRetryPolicy(s RetryStore, cfg RetryConfig, opts ...RetryOption) *RetryPolicy {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}
	p := &RetryPolicy{
		store:  s,
		cfg:    cfg,
		clock:  SystemClock{},
		ids:    ident.UUIDv7Generator{},
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Backoff returns the delay before attempt retryCount+1:
// min(base * 2^(retryCount-1), max). Counts below 1 are treated as 1.
func (p *RetryPolicy) Backoff(retryCount int) time.Duration {
	d := p.cfg.BaseDelay
	for i := 1; i < retryCount && d < p.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	return d
}

// Sweep re-enqueues every eligible failure found, up to SweepLimit.
func (p *RetryPolicy) Sweep(ctx context.Context) (RetryReport, error) {
	var report RetryReport

	failed, err := p.store.ListRetryCandidates(ctx, p.cfg.MaxAttempts, p.cfg.SweepLimit)
	if err != nil {
		return report, fmt.Errorf("retry sweep: %w", err)
	}
	report.Candidates = len(failed)

	now := p.clock.Now()
	for _, f := range failed {
		next := model.QueueEntry{
			ID:              p.ids.Generate(),
			SourceContentID: f.SourceContentID,
			TargetPlatform:  f.TargetPlatform,
			Status:          model.StatusQueued,
			Priority:        f.Priority,
			ScheduledFor:    now.Add(p.Backoff(f.RetryCount)),
			QueuedAt:        now,
			RetryCount:      f.RetryCount,
		}

		log := p.logger.WithFields(logging.Fields{
			"failed_id": f.ID,
			"source_id": f.SourceContentID,
			"platform":  f.TargetPlatform,
			"attempt":   f.RetryCount + 1,
		})

		inserted, err := p.store.RetryEntry(ctx, f.ID, next)
		if errors.Is(err, store.ErrInvalidTransition) {
			report.Raced++
			continue
		}
		if err != nil {
			return report, fmt.Errorf("retry sweep: %w", err)
		}
		if !inserted {
			report.Superseded++
			log.Debug("Key already has a live entry")
			continue
		}
		report.Requeued++
		log.WithFields(logging.Fields{
			"entry_id":      next.ID,
			"scheduled_for": next.ScheduledFor,
		}).Info("Requeued failed entry")
	}
	return report, nil
}
