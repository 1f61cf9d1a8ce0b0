package evidence

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
)

// Extractor produces evidence for the artifacts it accepts.
type Extractor interface {
	Accepts(path string) bool
	Extract(ctx context.Context, a *Artifact) error
}

type Registry struct {
	mu         sync.RWMutex
	extractors []Extractor
}

func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors}
}

func (r *Registry) Register(e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors = append(r.extractors, e)
}

// Extract runs every accepting extractor against the artifact once.
func (r *Registry) Extract(ctx context.Context, a *Artifact) error {
	r.mu.RLock()
	extractors := r.extractors
	r.mu.RUnlock()

	for _, e := range extractors {
		if !e.Accepts(a.Path) {
			continue
		}
		if err := e.Extract(ctx, a); err != nil {
			return xerrors.Errorf("unable to extract evidence from %s: %w", a.Path, err)
		}
	}
	return nil
}
