package claimer

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
	"go.uber.org/zap"
)

// Factory builds a fresh Claimer for a single claim invocation.
type Factory func(options Options) Claimer

// Registry maps providers to claimer factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[provider.Provider]Factory
	clock     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{factories: make(map[provider.Provider]Factory), clock: clock}
}

// DefaultRegistryConfig wires the browser engine into the default registry.
type DefaultRegistryConfig struct {
	Launcher Launcher
	TOTP     TOTPGenerator
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NewDefaultRegistry registers Epic automation and NotImplemented stubs for GOG and Steam.
func NewDefaultRegistry(cfg DefaultRegistryConfig) *Registry {
	registry := NewRegistry(cfg.Clock)
	registry.Register(provider.Epic, func(options Options) Claimer {
		return NewEpicClaimer(EpicConfig{
			Launcher: cfg.Launcher,
			TOTP:     cfg.TOTP,
			Options:  options,
			Clock:    cfg.Clock,
			Logger:   cfg.Logger,
		})
	})
	for _, p := range []provider.Provider{provider.GOG, provider.Steam} {
		stubProvider := p
		registry.Register(stubProvider, func(Options) Claimer {
			return NewStubClaimer(stubProvider, cfg.Clock)
		})
	}
	return registry
}

// Register installs or replaces the factory for a provider.
func (r *Registry) Register(p provider.Provider, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[p] = factory
}

// Providers lists registered providers in provider.All order.
func (r *Registry) Providers() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	registered := make([]provider.Provider, 0, len(r.factories))
	for _, p := range provider.All() {
		if _, ok := r.factories[p]; ok {
			registered = append(registered, p)
		}
	}
	return registered
}

// New builds a claimer. Providers without a factory get a stub.
func (r *Registry) New(p provider.Provider, options Options) Claimer {
	r.mu.RLock()
	factory, ok := r.factories[p]
	r.mu.RUnlock()
	if !ok {
		return NewStubClaimer(p, r.clock)
	}
	return factory(options)
}

// Claim builds a fresh claimer and runs one claim with it.
func (r *Registry) Claim(ctx context.Context, p provider.Provider, userID string, credentials provider.Credentials, options Options) Result {
	return r.New(p, options).Claim(ctx, userID, credentials)
}
