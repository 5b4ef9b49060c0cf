// Package publish defines the boundary between the queue executor and the
// services that actually upload media to a platform.
package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/recast/internal/model"
)

// Request is one repost job handed to a publisher.
type Request struct {
	EntryID      string         `json:"entry_id"`
	SourceID     string         `json:"source_id"`
	Platform     model.Platform `json:"platform"`
	MediaLocator string         `json:"media_locator"`
	Caption      string         `json:"caption"`
	Hashtags     []string       `json:"hashtags"`
	// IdempotencyKey lets a relay recognise a resubmitted job. It is the
	// queue entry id.
	IdempotencyKey string `json:"idempotency_key"`
}

// Result is what a successful publish returns.
type Result struct {
	PublishedID string             `json:"published_id"`
	Fingerprint *model.Fingerprint `json:"fingerprint,omitempty"`
}

// Publisher uploads a repost to one platform.
type Publisher interface {
	Publish(ctx context.Context, req Request) (Result, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, req Request) (Result, error)

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Error is a categorized publish failure.
type Error struct {
	Platform   model.Platform
	Category   model.ErrorCategory
	StatusCode int // relay HTTP status, 0 when no response was received
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("publish %s (%s, status %d): %s", e.Platform, e.Category, e.StatusCode, msg)
	}
	return fmt.Sprintf("publish %s (%s): %s", e.Platform, e.Category, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient failure.
func Transient(platform model.Platform, err error) *Error {
	return &Error{Platform: platform, Category: model.ErrorTransient, Err: err}
}

// Config wraps err as a configuration failure.
func Config(platform model.Platform, err error) *Error {
	return &Error{Platform: platform, Category: model.ErrorConfig, Err: err}
}

// CategoryOf returns the failure category of err. Errors that are not an
// *Error count as transient.
func CategoryOf(err error) model.ErrorCategory {
	var pe *Error
	if errors.As(err, &pe) && pe.Category != "" {
		return pe.Category
	}
	return model.ErrorTransient
}

// IsConfigError reports whether err is a configuration failure.
func IsConfigError(err error) bool {
	return CategoryOf(err) == model.ErrorConfig
}
