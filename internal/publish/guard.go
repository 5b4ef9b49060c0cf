package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/roach88/recast/internal/logging"
	"github.com/roach88/recast/internal/model"
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Timeout bounds a single Publish call. Zero disables it.
	Timeout time.Duration

	// FailureThreshold failures out of FailureWindow calls open the circuit.
	FailureThreshold uint
	FailureWindow    uint

	// Delay is how long the circuit stays open before a trial call.
	Delay time.Duration

	Logger logging.Logger
}

// DefaultGuardConfig returns the stock guard settings.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:          5 * time.Minute,
		FailureThreshold: 5,
		FailureWindow:    10,
		Delay:            time.Minute,
	}
}

// Guard wraps a Publisher with a per-call timeout and a circuit breaker.
//
// Only transient failures count against the breaker. While the circuit is
// open, calls fail fast as transient errors without reaching the platform.
type Guard struct {
	platform model.Platform
	next     Publisher
	timeout  time.Duration
	cb       circuitbreaker.CircuitBreaker[Result]
}

// NewGuard wraps next for platform.
func NewGuard(platform model.Platform, next Publisher, cfg GuardConfig) *Guard {
	def := DefaultGuardConfig()
	if cfg.FailureWindow == 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureThreshold > cfg.FailureWindow {
		cfg.FailureThreshold = cfg.FailureWindow
	}
	if cfg.Delay <= 0 {
		cfg.Delay = def.Delay
	}

	builder := circuitbreaker.NewBuilder[Result]().
		WithFailureThresholdRatio(cfg.FailureThreshold, cfg.FailureWindow).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(1).
		HandleIf(func(_ Result, err error) bool {
			return err != nil && CategoryOf(err) == model.ErrorTransient
		})

	if cfg.Logger != nil {
		logger := cfg.Logger
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.WithFields(logging.Fields{
				"platform":   platform,
				"from_state": stateName(event.OldState),
				"to_state":   stateName(event.NewState),
			}).Warn("publisher circuit breaker state change")
		})
	}

	return &Guard{
		platform: platform,
		next:     next,
		timeout:  cfg.Timeout,
		cb:       builder.Build(),
	}
}

// Publish calls the wrapped publisher through the breaker.
func (g *Guard) Publish(ctx context.Context, req Request) (Result, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	res, err := failsafe.With[Result](g.cb).WithContext(ctx).Get(func() (Result, error) {
		res, err := g.next.Publish(ctx, req)
		if err != nil && ctx.Err() != nil && !errors.As(err, new(*Error)) {
			err = Transient(g.platform, fmt.Errorf("publish timed out: %w", err))
		}
		return res, err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return Result{}, Transient(g.platform, err)
	}
	return res, err
}

// Open reports whether the circuit is currently open.
func (g *Guard) Open() bool {
	return g.cb.IsOpen()
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}
