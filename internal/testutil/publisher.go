package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/recast/internal/model"
	"github.com/roach88/recast/internal/publish"
)

// Outcome is one scripted publish result.
type Outcome struct {
	Result publish.Result
	Err    error
}

// ScriptedPublisher returns scripted outcomes per source id and records
// every request it receives.
//
// A source without a script succeeds with published id "pub-<entry id>".
//
// Thread-safety: safe for concurrent use.
type ScriptedPublisher struct {
	Platform model.Platform

	mu       sync.Mutex
	script   map[string][]Outcome
	requests []publish.Request
	// Hook runs before each publish, inside the call. Tests use it to block
	// or to mutate state mid-flight.
	Hook func(ctx context.Context, req publish.Request)
}

// NewScriptedPublisher creates a publisher for platform.
func NewScriptedPublisher(platform model.Platform) *ScriptedPublisher {
	return &ScriptedPublisher{Platform: platform, script: make(map[string][]Outcome)}
}

// On queues outcomes for sourceID, consumed one per publish.
func (p *ScriptedPublisher) On(sourceID string, outcomes ...Outcome) *ScriptedPublisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script[sourceID] = append(p.script[sourceID], outcomes...)
	return p
}

// FailTransient scripts one transient failure for sourceID.
func (p *ScriptedPublisher) FailTransient(sourceID, msg string) *ScriptedPublisher {
	return p.On(sourceID, Outcome{Err: publish.Transient(p.Platform, fmt.Errorf("%s", msg))})
}

// FailConfig scripts one config failure for sourceID.
func (p *ScriptedPublisher) FailConfig(sourceID, msg string) *ScriptedPublisher {
	return p.On(sourceID, Outcome{Err: publish.Config(p.Platform, fmt.Errorf("%s", msg))})
}

// Publish implements publish.Publisher.
func (p *ScriptedPublisher) Publish(ctx context.Context, req publish.Request) (publish.Result, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	hook := p.Hook
	var out *Outcome
	if q := p.script[req.SourceID]; len(q) > 0 {
		out = &q[0]
		p.script[req.SourceID] = q[1:]
	}
	p.mu.Unlock()

	if hook != nil {
		hook(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return publish.Result{}, err
	}
	if out != nil {
		return out.Result, out.Err
	}
	return publish.Result{PublishedID: "pub-" + req.EntryID}, nil
}

// Requests returns a copy of the requests received so far.
func (p *ScriptedPublisher) Requests() []publish.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publish.Request, len(p.requests))
	copy(out, p.requests)
	return out
}
