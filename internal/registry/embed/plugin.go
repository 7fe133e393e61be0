// Package embed keeps the registry of embedding providers. Provider packages
// register themselves from init(); the serve command picks one by the
// EMBEDDING_KIND name.
package embed

import (
	"context"
	"fmt"
	"sort"

	"github.com/thinkdrop/user-memory-service/internal/config"
)

// Embedder produces fixed-width vector embeddings from text.
type Embedder interface {
	// EmbedTexts returns one vector per input text, in input order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	// ModelName identifies the underlying model.
	ModelName() string
	// Dimension is the width of every vector this embedder produces.
	Dimension() int
}

// Loader constructs an Embedder from the service configuration.
type Loader func(ctx context.Context, cfg *config.Config) (Embedder, error)

// Plugin is one registered embedding provider.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a provider. Called from init() in provider packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns the registered provider names, sorted.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	sort.Strings(names)
	return names
}

// Select returns the loader registered under name.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown embedder %q; valid: %v", name, Names())
}
