package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/roach88/recast/internal/model"
)

// HTTPConfig configures an HTTPPublisher.
type HTTPConfig struct {
	Endpoint string
	Token    string

	// MaxRetries bounds resubmission after 429 or 503, the two answers that
	// mean the relay did not accept the job.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPPublisher posts repost jobs to a platform relay service as JSON.
type HTTPPublisher struct {
	platform model.Platform
	cfg      HTTPConfig
	client   *http.Client
	executor failsafe.Executor[Result]
}

// HTTPOption configures an HTTPPublisher.
type HTTPOption func(*HTTPPublisher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPPublisher) {
		if c != nil {
			p.client = c
		}
	}
}

type relayResponse struct {
	PublishedID string             `json:"published_id"`
	Fingerprint *model.Fingerprint `json:"fingerprint,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// NewHTTPPublisher creates a publisher for platform backed by the relay at
// cfg.Endpoint.
func NewHTTPPublisher(platform model.Platform, cfg HTTPConfig, opts ...HTTPOption) *HTTPPublisher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}

	retry := retrypolicy.NewBuilder[Result]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ Result, err error) bool {
			var pe *Error
			if !errors.As(err, &pe) {
				return false
			}
			return pe.StatusCode == http.StatusTooManyRequests || pe.StatusCode == http.StatusServiceUnavailable
		}).
		Build()

	p := &HTTPPublisher{
		platform: platform,
		cfg:      cfg,
		client:   &http.Client{Timeout: 2 * time.Minute},
		executor: failsafe.With[Result](retry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish submits req to the relay.
func (p *HTTPPublisher) Publish(ctx context.Context, req Request) (Result, error) {
	if p.cfg.Endpoint == "" {
		return Result{}, Config(p.platform, errors.New("relay endpoint not configured"))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, Config(p.platform, fmt.Errorf("encode request: %w", err))
	}

	res, err := p.executor.WithContext(ctx).Get(func() (Result, error) {
		return p.post(ctx, body)
	})
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return Result{}, pe
		}
		return Result{}, Transient(p.platform, err)
	}
	return res, nil
}

func (p *HTTPPublisher) post(ctx context.Context, body []byte) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, Config(p.platform, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Result{}, Transient(p.platform, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, Transient(p.platform, fmt.Errorf("read response: %w", err))
	}

	var rr relayResponse
	_ = json.Unmarshal(data, &rr)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := rr.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Result{}, &Error{
			Platform:   p.platform,
			Category:   categoryForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}

	if rr.PublishedID == "" {
		return Result{}, &Error{
			Platform:   p.platform,
			Category:   model.ErrorTransient,
			StatusCode: resp.StatusCode,
			Message:    "relay response has no published_id",
		}
	}
	return Result{PublishedID: rr.PublishedID, Fingerprint: rr.Fingerprint}, nil
}

// categoryForStatus maps a relay status code to a failure category.
// Rate limits and server errors are transient; the remaining 4xx answers
// mean credentials, routing or the job itself need an operator.
func categoryForStatus(code int) model.ErrorCategory {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return model.ErrorTransient
	default:
		return model.ErrorConfig
	}
}
