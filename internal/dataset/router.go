package dataset

import (
	"context"
	"fmt"
	"sort"

	"github.com/lamim/evalforge/internal/pipeline"
	"github.com/lamim/evalforge/pkg/models"
)

// Router dispatches each dataset to the provider registered for its name
type Router struct {
	providers map[string]pipeline.DatasetProvider
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{providers: make(map[string]pipeline.DatasetProvider)}
}

// Register binds a dataset name to a provider
func (r *Router) Register(name string, p pipeline.DatasetProvider) {
	r.providers[name] = p
}

// Names lists the registered datasets
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load implements pipeline.DatasetProvider
func (r *Router) Load(ctx context.Context, name, version string, splits []string) (map[string][]models.Row, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for dataset %s", models.ErrConfiguration, name)
	}
	return p.Load(ctx, name, version, splits)
}
