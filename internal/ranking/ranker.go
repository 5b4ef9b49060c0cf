package ranking

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/recast/internal/dedup"
	"github.com/roach88/recast/internal/ident"
	"github.com/roach88/recast/internal/logging"
	"github.com/roach88/recast/internal/model"
	"github.com/roach88/recast/internal/store"
)

// Store is the persistence the ranker needs.
type Store interface {
	ListContentItems(ctx context.Context) ([]model.ContentItem, error)
	UpdateRankings(ctx context.Context, updates []store.RankUpdate) error
	Enqueue(ctx context.Context, e model.QueueEntry) (bool, error)
}

// DuplicateChecker is the dedup view the ranker consults before enqueueing.
type DuplicateChecker interface {
	IsDuplicate(ctx context.Context, fp model.Fingerprint, cooldownDays int) (dedup.Result, error)
	InCooldown(ctx context.Context, sourceID string, platform model.Platform, cooldownDays int) (bool, *time.Time, error)
}

// Config holds the ranker's settings.
type Config struct {
	TopK         int
	CooldownDays int
	// Spacing staggers scheduledFor by priority: now + (priority-1)*Spacing.
	Spacing   time.Duration
	Platforms []model.Platform
}

// Report summarizes one ranking pass.
type Report struct {
	Ranked     int `json:"ranked"`
	Eligible   int `json:"eligible"`
	Enqueued   int `json:"enqueued"`
	Existing   int `json:"existing"`
	Cooldown   int `json:"cooldown"`
	Duplicates int `json:"duplicates"`
}

// Ranker recomputes rankings and enqueues eligible candidates.
type Ranker struct {
	store  Store
	dedup  DuplicateChecker
	ids    ident.Generator
	cfg    Config
	now    func() time.Time
	logger logging.Logger
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithNow sets the time source. Defaults to time.Now.
func WithNow(now func() time.Time) Option {
	return func(r *Ranker) {
		r.now = now
	}
}

// WithIDGenerator sets the entry id generator. Defaults to UUIDv7.
func WithIDGenerator(g ident.Generator) Option {
	return func(r *Ranker) {
		r.ids = g
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Ranker) {
		r.logger = l
	}
}

// NewRanker creates a Ranker.
func NewRanker(s Store, d DuplicateChecker, cfg Config, opts ...Option) *Ranker {
	r := &Ranker{
		store:  s,
		dedup:  d,
		ids:    ident.UUIDv7Generator{},
		cfg:    cfg,
		now:    time.Now,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ranks every content item, persists the ranking fields and enqueues
// one entry per enabled platform for each eligible candidate that clears
// cooldown and duplicate checks.
func (r *Ranker) Run(ctx context.Context) (Report, error) {
	items, err := r.store.ListContentItems(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("rank: %w", err)
	}

	ranked := Rank(items, r.cfg.TopK)
	updates := make([]store.RankUpdate, len(ranked))
	for i, rk := range ranked {
		updates[i] = store.RankUpdate{
			SourceID: rk.Item.SourceID,
			Score:    rk.Score,
			Eligible: rk.Eligible,
			Priority: rk.Priority,
		}
	}
	if err := r.store.UpdateRankings(ctx, updates); err != nil {
		return Report{}, fmt.Errorf("rank: %w", err)
	}

	report := Report{Ranked: len(ranked)}
	now := r.now()
	for _, rk := range ranked {
		if !rk.Eligible {
			continue
		}
		report.Eligible++

		if rk.Item.Fingerprint != nil {
			res, err := r.dedup.IsDuplicate(ctx, *rk.Item.Fingerprint, r.cfg.CooldownDays)
			if err != nil {
				return report, fmt.Errorf("rank %s: %w", rk.Item.SourceID, err)
			}
			if res.IsDuplicate {
				report.Duplicates++
				r.logger.WithFields(logging.Fields{
					"source_id":  rk.Item.SourceID,
					"confidence": res.Confidence,
				}).Debug("Skipping duplicate candidate")
				continue
			}
		}

		for _, platform := range r.cfg.Platforms {
			in, _, err := r.dedup.InCooldown(ctx, rk.Item.SourceID, platform, r.cfg.CooldownDays)
			if err != nil {
				return report, fmt.Errorf("rank %s: %w", rk.Item.SourceID, err)
			}
			if in {
				report.Cooldown++
				continue
			}

			priority := QueuePriority(rk.Priority)
			entry := model.QueueEntry{
				ID:              r.ids.Generate(),
				SourceContentID: rk.Item.SourceID,
				TargetPlatform:  platform,
				Status:          model.StatusQueued,
				Priority:        priority,
				ScheduledFor:    now.Add(time.Duration(priority-1) * r.cfg.Spacing),
				QueuedAt:        now,
			}
			inserted, err := r.store.Enqueue(ctx, entry)
			if err != nil {
				return report, fmt.Errorf("rank %s: %w", rk.Item.SourceID, err)
			}
			if !inserted {
				report.Existing++
				continue
			}
			report.Enqueued++
			r.logger.WithFields(logging.Fields{
				"entry_id":  entry.ID,
				"source_id": entry.SourceContentID,
				"platform":  entry.TargetPlatform,
				"priority":  entry.Priority,
			}).Info("Enqueued repost candidate")
		}
	}
	return report, nil
}
