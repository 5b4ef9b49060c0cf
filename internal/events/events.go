// Package events delivers queue state transitions to observability sinks.
//
// Sinks are fire-and-forget: a sink that cannot deliver logs the problem and
// returns, so observability never blocks or fails queue execution.
package events

import (
	"context"

	"github.com/roach88/recast/internal/model"
)

// Sink receives every queue state transition.
type Sink interface {
	Emit(ctx context.Context, t model.Transition)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, t model.Transition)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, t model.Transition) {
	f(ctx, t)
}

// Fanout emits to each sink in order.
type Fanout []Sink

// Emit implements Sink.
func (f Fanout) Emit(ctx context.Context, t model.Transition) {
	for _, s := range f {
		if s != nil {
			s.Emit(ctx, t)
		}
	}
}

// Discard drops every transition.
var Discard Sink = SinkFunc(func(context.Context, model.Transition) {})
