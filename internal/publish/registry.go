package publish

import (
	"errors"
	"sort"
	"sync"

	"github.com/roach88/recast/internal/model"
)

// ErrNoPublisher is returned for a platform with no enabled publisher.
var ErrNoPublisher = errors.New("no publisher configured")

// Registry maps platforms to their publishers.
//
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	publishers map[model.Platform]Publisher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{publishers: make(map[model.Platform]Publisher)}
}

// Register sets the publisher for platform, replacing any previous one.
func (r *Registry) Register(platform model.Platform, p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishers[platform] = p
}

// Unregister disables platform.
func (r *Registry) Unregister(platform model.Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.publishers, platform)
}

// Lookup returns the publisher for platform. A missing publisher is a
// configuration error.
func (r *Registry) Lookup(platform model.Platform) (Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.publishers[platform]
	if !ok {
		return nil, Config(platform, ErrNoPublisher)
	}
	return p, nil
}

// Platforms returns the registered platforms in sorted order.
func (r *Registry) Platforms() []model.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Platform, 0, len(r.publishers))
	for p := range r.publishers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
