// Package dedup decides whether content may be posted again.
//
// A candidate is checked against post history twice over: first by exact
// fingerprint hash, then, when no exact match exists, by a bounded size and
// duration window that catches transcoded copies of the same source.
package dedup

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/roach88/recast/internal/model"
)

// Defaults for Options.
const (
	DefaultSizeTolerance       = 0.02
	DefaultDurationTolerance   = 0.20
	DefaultConfidenceThreshold = 70.0
)

// exactConfidence is reported for identical hashes.
const exactConfidence = 100.0

// History is the post-history view the checker reads.
type History interface {
	FindPostsByHash(ctx context.Context, hash string) ([]model.PostRecord, error)
	FindPostsBySize(ctx context.Context, lo, hi int64) ([]model.PostRecord, error)
	LastPostedAt(ctx context.Context, sourceID string, platform model.Platform) (*time.Time, error)
}

// Options tunes near-duplicate matching.
type Options struct {
	// SizeTolerance is the fractional size window, e.g. 0.02 for ±2%.
	SizeTolerance float64
	// DurationTolerance is the fractional duration window applied when both
	// durations are known.
	DurationTolerance float64
	// ConfidenceThreshold is the score a near match must exceed.
	ConfidenceThreshold float64
}

// DefaultOptions returns the stock tolerances.
func DefaultOptions() Options {
	return Options{
		SizeTolerance:       DefaultSizeTolerance,
		DurationTolerance:   DefaultDurationTolerance,
		ConfidenceThreshold: DefaultConfidenceThreshold,
	}
}

// Result is the outcome of a duplicate check.
type Result struct {
	IsDuplicate bool       `json:"is_duplicate"`
	LastPosted  *time.Time `json:"last_posted,omitempty"`
	DaysSince   *int       `json:"days_since,omitempty"`
	Confidence  float64    `json:"confidence"`
	MatchedHash string     `json:"matched_hash,omitempty"`
}

// Checker answers duplicate and cooldown questions against post history.
type Checker struct {
	history History
	opts    Options
	now     func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithOptions replaces the matching tolerances.
func WithOptions(o Options) Option {
	return func(c *Checker) {
		c.opts = o
	}
}

// WithNow sets the time source. Defaults to time.Now.
func WithNow(now func() time.Time) Option {
	return func(c *Checker) {
		c.now = now
	}
}

// New creates a Checker over history.
func New(history History, opts ...Option) *Checker {
	c := &Checker{
		history: history,
		opts:    DefaultOptions(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Options returns the tolerances in effect.
func (c *Checker) Options() Options {
	return c.opts
}

type match struct {
	post       model.PostRecord
	confidence float64
}

// IsDuplicate reports whether fp was posted within the last cooldownDays.
//
// When any post shares fp's hash, those posts alone decide and the near
// search is skipped. Otherwise near matches above the confidence threshold
// are considered. In both cases the most recent post is the one compared
// against the cooldown, not the most confident one.
func (c *Checker) IsDuplicate(ctx context.Context, fp model.Fingerprint, cooldownDays int) (Result, error) {
	if fp.IsZero() {
		return Result{}, nil
	}

	exact, err := c.history.FindPostsByHash(ctx, fp.Hash)
	if err != nil {
		return Result{}, fmt.Errorf("dedup: exact lookup: %w", err)
	}

	var matches []match
	if len(exact) > 0 {
		for _, p := range exact {
			matches = append(matches, match{post: p, confidence: exactConfidence})
		}
	} else {
		matches, err = c.nearMatches(ctx, fp)
		if err != nil {
			return Result{}, err
		}
	}
	if len(matches) == 0 {
		return Result{}, nil
	}

	best := matches[0]
	for _, m := range matches[1:] {
		if m.post.PostedAt.After(best.post.PostedAt) {
			best = m
		}
	}

	lastPosted := best.post.PostedAt
	days := daysBetween(lastPosted, c.now())
	return Result{
		IsDuplicate: days < cooldownDays,
		LastPosted:  &lastPosted,
		DaysSince:   &days,
		Confidence:  best.confidence,
		MatchedHash: best.post.Fingerprint.Hash,
	}, nil
}

func (c *Checker) nearMatches(ctx context.Context, fp model.Fingerprint) ([]match, error) {
	size := float64(fp.Size)
	lo := int64(math.Floor(size * (1 - c.opts.SizeTolerance)))
	hi := int64(math.Ceil(size * (1 + c.opts.SizeTolerance)))

	candidates, err := c.history.FindPostsBySize(ctx, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("dedup: near lookup: %w", err)
	}

	var matches []match
	for _, p := range candidates {
		if p.Fingerprint == nil {
			continue
		}
		if !c.durationWithin(fp, *p.Fingerprint) {
			continue
		}
		conf := Confidence(fp, *p.Fingerprint)
		if conf > c.opts.ConfidenceThreshold {
			matches = append(matches, match{post: p, confidence: conf})
		}
	}
	return matches, nil
}

func (c *Checker) durationWithin(a, b model.Fingerprint) bool {
	if a.Duration == nil || b.Duration == nil {
		return true
	}
	d := *a.Duration
	return math.Abs(*b.Duration-d) <= d*c.opts.DurationTolerance
}

// Confidence scores how likely candidate is a re-encode of fp: 100 for equal
// hashes, otherwise 90 minus the size difference fraction times 1000, floored
// at zero.
func Confidence(fp, candidate model.Fingerprint) float64 {
	if fp.Hash != "" && fp.Hash == candidate.Hash {
		return exactConfidence
	}
	var frac float64
	if fp.Size > 0 {
		frac = math.Abs(float64(candidate.Size-fp.Size)) / float64(fp.Size)
	} else if candidate.Size != 0 {
		return 0
	}
	return math.Max(0, 90-frac*1000)
}

// InCooldown reports whether sourceID was posted to platform (any platform
// when empty) within the last cooldownDays.
func (c *Checker) InCooldown(ctx context.Context, sourceID string, platform model.Platform, cooldownDays int) (bool, *time.Time, error) {
	last, err := c.history.LastPostedAt(ctx, sourceID, platform)
	if err != nil {
		return false, nil, fmt.Errorf("dedup: cooldown lookup: %w", err)
	}
	if last == nil {
		return false, nil, nil
	}
	return daysBetween(*last, c.now()) < cooldownDays, last, nil
}

// daysBetween returns the whole days elapsed from then to now.
// A post in the future counts as zero days ago.
func daysBetween(then, now time.Time) int {
	d := now.Sub(then)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}
