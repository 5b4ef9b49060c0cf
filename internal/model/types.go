package model

import "time"

// Platform identifies a publishing destination.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformYouTube   Platform = "youtube"
)

// KnownPlatforms lists the platforms the engine can enqueue for, in the
// order entries are created for a candidate.
var KnownPlatforms = []Platform{PlatformInstagram, PlatformYouTube}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	for _, k := range KnownPlatforms {
		if p == k {
			return true
		}
	}
	return false
}

// MaxQueuePriority is the least urgent priority a queue entry may carry.
const MaxQueuePriority = 50

// Metrics holds the engagement counters of a piece of source content.
type Metrics struct {
	Views    int64 `json:"views" yaml:"views"`
	Likes    int64 `json:"likes" yaml:"likes"`
	Comments int64 `json:"comments" yaml:"comments"`
}

// Fingerprint is a content-identity signature of a media file.
type Fingerprint struct {
	Hash     string   `json:"hash" yaml:"hash"`
	Size     int64    `json:"size" yaml:"size"`
	Duration *float64 `json:"duration,omitempty" yaml:"duration,omitempty"` // seconds
}

// IsZero reports whether the fingerprint carries no hash.
func (f Fingerprint) IsZero() bool {
	return f.Hash == ""
}

// ContentItem is a previously-published piece of source media.
type ContentItem struct {
	SourceID       string       `json:"source_id" yaml:"source_id"`
	SourcePlatform Platform     `json:"source_platform,omitempty" yaml:"source_platform,omitempty"`
	Caption        string       `json:"caption" yaml:"caption"`
	Hashtags       []string     `json:"hashtags" yaml:"hashtags"`
	MediaLocator   string       `json:"media_locator" yaml:"media_locator"`
	PublishedAt    time.Time    `json:"published_at" yaml:"published_at"`
	Metrics        Metrics      `json:"metrics" yaml:"metrics"`
	Fingerprint    *Fingerprint `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`

	// Ranking fields, written only by the ranker.
	PerformanceScore  float64 `json:"performance_score" yaml:"-"`
	EligibleForRepost bool    `json:"eligible_for_repost" yaml:"-"`
	RepostPriority    int     `json:"repost_priority" yaml:"-"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// QueueEntry is one unit of repost work for a (content, platform) pair.
type QueueEntry struct {
	ID                string        `json:"id"`
	SourceContentID   string        `json:"source_content_id"`
	TargetPlatform    Platform      `json:"target_platform"`
	Status            Status        `json:"status"`
	Priority          int           `json:"priority"`
	ScheduledFor      time.Time     `json:"scheduled_for"`
	QueuedAt          time.Time     `json:"queued_at"`
	ClaimedAt         *time.Time    `json:"claimed_at,omitempty"`
	ClaimToken        string        `json:"claim_token,omitempty"`
	ProcessedAt       *time.Time    `json:"processed_at,omitempty"`
	RetryCount        int           `json:"retry_count"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	ErrorCategory     ErrorCategory `json:"error_category,omitempty"`
	ResultReference   string        `json:"result_reference,omitempty"`
	ResultFingerprint *Fingerprint  `json:"result_fingerprint,omitempty"`
	RetryOf           string        `json:"retry_of,omitempty"`
	SupersededBy      string        `json:"superseded_by,omitempty"`
}

// PostRecord is one successful publish, the row the cooldown view and the
// duplicate checker read from.
type PostRecord struct {
	ID              int64        `json:"id"`
	SourceContentID string       `json:"source_content_id"`
	Platform        Platform     `json:"platform"`
	EntryID         string       `json:"entry_id"`
	PublishedID     string       `json:"published_id"`
	Fingerprint     *Fingerprint `json:"fingerprint,omitempty"`
	PostedAt        time.Time    `json:"posted_at"`
}

// ErrorCategory separates failures an operator should treat differently.
type ErrorCategory string

const (
	// ErrorTransient marks network, rate-limit and temporary platform errors.
	ErrorTransient ErrorCategory = "transient"
	// ErrorConfig marks missing credentials, disabled or unconfigured platforms.
	ErrorConfig ErrorCategory = "config"
)

// Transition is the observability record emitted for every state change.
type Transition struct {
	EntryID      string    `json:"entry_id"`
	From         Status    `json:"from_state"`
	To           Status    `json:"to_state"`
	Platform     Platform  `json:"platform"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorMessage string    `json:"error_message,omitempty"`
}
