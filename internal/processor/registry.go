package processor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

// Registry maps tool slugs to processors. It is filled at startup and checked
// against the tool catalog before the service accepts traffic.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry creates a registry holding the given processors
func NewRegistry(processors ...Processor) (*Registry, error) {
	r := &Registry{processors: make(map[string]Processor)}
	for _, p := range processors {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a processor; slugs must be unique
func (r *Registry) Register(p Processor) error {
	if p == nil || p.Slug() == "" {
		return errors.New("processor must have a slug")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.processors[p.Slug()]; exists {
		return fmt.Errorf("processor %q registered twice", p.Slug())
	}
	r.processors[p.Slug()] = p
	return nil
}

// Lookup returns the processor for a slug or a *domain.ProcessorNotFoundError
func (r *Registry) Lookup(slug string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processors[slug]
	if !ok {
		return nil, &domain.ProcessorNotFoundError{ToolSlug: slug}
	}
	return p, nil
}

// MustCover fails when any slug has no processor; call it at startup
func (r *Registry) MustCover(slugs []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, slug := range slugs {
		if _, ok := r.processors[slug]; !ok {
			errs = append(errs, &domain.ProcessorNotFoundError{ToolSlug: slug})
		}
	}
	return errors.Join(errs...)
}

// Slugs lists the registered slugs in order
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slugs := make([]string, 0, len(r.processors))
	for slug := range r.processors {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}
