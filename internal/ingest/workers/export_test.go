package workers

import (
	"maps"
	"slices"
	"time"
)

// WithBackoff sets the first and the largest wait after a failed run.
func WithBackoff(base, maxBackoff time.Duration) Options {
	return func(o *options) {
		o.baseBackoff = base
		o.maxBackoff = maxBackoff
	}
}

// WithDebounce sets how long configuration changes are batched before workers are resynced.
func WithDebounce(d time.Duration) Options {
	return func(o *options) {
		o.debounce = d
	}
}

// WorkerNames returns the sorted channels of active workers.
func (p *Pool) WorkerNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Sorted(maps.Keys(p.workers))
}

// BundleWorkers returns the sorted channels of active workers using the bundle path.
func (p *Pool) BundleWorkers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var names []string
	for name, w := range p.workers {
		if w.bundle {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
