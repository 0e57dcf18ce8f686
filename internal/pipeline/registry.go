package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry runs one Pipeline per configured chain (SPEC_FULL.md §5.2),
// supervising them together: a fatal error on one chain does not stop
// the others, but Run only returns once every chain's pipeline has
// stopped.
type Registry struct {
	mu        sync.Mutex
	pipelines map[string]*Pipeline
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]*Pipeline)}
}

// Add registers a Pipeline under name (typically the network name).
func (r *Registry) Add(name string, p *Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[name] = p
}

// Get returns the named Pipeline, or nil if not registered.
func (r *Registry) Get(name string) *Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipelines[name]
}

// Run starts every registered Pipeline's consumer loop concurrently and
// blocks until all of them return.
func (r *Registry) Run(ctx context.Context) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.pipelines))
	pipelines := make([]*Pipeline, 0, len(r.pipelines))
	for name, p := range r.pipelines {
		names = append(names, name)
		pipelines = append(pipelines, p)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for i := range pipelines {
		name := names[i]
		p := pipelines[i]
		g.Go(func() error {
			if err := p.Run(ctx); err != nil {
				return fmt.Errorf("pipeline %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// KillAll propagates cancellation to every registered Pipeline (§5).
func (r *Registry) KillAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pipelines {
		p.Kill()
	}
}
