package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNoProvider is returned when no provider can serve an agent.
	ErrNoProvider = errors.New("no provider available")
	// ErrNoGeneration is returned when a model answers with neither text nor an error.
	ErrNoGeneration = errors.New("model returned no generation")
)

// Router manages multiple LLM providers and routes requests per agent.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // agentID -> providerID
	fallbacks map[string][]string // agentID -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider. The first registered provider becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Bind associates an agent with a specific provider.
func (r *Router) Bind(agentID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agentID] = providerID
}

// SetFallbacks configures fallback providers for an agent.
func (r *Router) SetFallbacks(agentID string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[agentID] = append([]string(nil), providerIDs...)
}

// Route sends a chat request to the agent's provider, walking the fallback
// chain when the primary fails.
func (r *Router) Route(ctx context.Context, agentID string, req *ChatRequest) (*ChatResponse, error) {
	chain := r.candidates(agentID)
	if len(chain) == 0 {
		return nil, fmt.Errorf("route agent %s: %w", agentID, ErrNoProvider)
	}

	var lastErr error
	for i, p := range chain {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if i == 0 {
			r.logger.Warn("primary provider failed, trying fallbacks",
				zap.String("agent", agentID), zap.String("provider", p.ID()), zap.Error(err))
		} else {
			r.logger.Warn("fallback provider failed",
				zap.String("agent", agentID), zap.String("provider", p.ID()), zap.Error(err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("all providers failed for agent %s: %w", agentID, lastErr)
}

// candidates returns the primary provider followed by configured fallbacks.
func (r *Router) candidates(agentID string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chain []Provider
	if pid, ok := r.bindings[agentID]; ok {
		if p, ok := r.providers[pid]; ok {
			chain = append(chain, p)
		}
	}
	if len(chain) == 0 {
		if p, ok := r.providers[r.defaults]; ok {
			chain = append(chain, p)
		}
	}
	for _, fbID := range r.fallbacks[agentID] {
		if p, ok := r.providers[fbID]; ok {
			chain = append(chain, p)
		}
	}
	return chain
}

// ListProviders returns all registered providers ordered by ID.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}
