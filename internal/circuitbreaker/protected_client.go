package circuitbreaker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/cadence/internal/channel"
)

// ProviderFailure reports whether err says the provider itself is unhealthy.
// Missing profiles and other per-recipient 4xx answers do not.
func ProviderFailure(err error) bool {
	if errors.Is(err, channel.ErrProfileNotFound) {
		return false
	}
	var apiErr *channel.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// ProtectedClient wraps a channel.Client with a breaker. When the provider
// starts failing, calls fail fast with ErrCircuitOpen instead of piling up.
type ProtectedClient struct {
	client  channel.Client
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedClient(client channel.Client, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedClient {
	return &ProtectedClient{
		client:  client,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedClient) Lookup(ctx context.Context, accountID, providerID string) (*channel.Profile, error) {
	var out *channel.Profile
	err := p.run(ctx, "lookup", func(ctx context.Context) (err error) {
		out, err = p.client.Lookup(ctx, accountID, providerID)
		return err
	})
	return out, err
}

func (p *ProtectedClient) LookupSlug(ctx context.Context, accountID, slug string) (*channel.Profile, error) {
	var out *channel.Profile
	err := p.run(ctx, "lookup_slug", func(ctx context.Context) (err error) {
		out, err = p.client.LookupSlug(ctx, accountID, slug)
		return err
	})
	return out, err
}

func (p *ProtectedClient) Send(ctx context.Context, accountID, providerID, text string) (*channel.SendResult, error) {
	var out *channel.SendResult
	err := p.run(ctx, "send", func(ctx context.Context) (err error) {
		out, err = p.client.Send(ctx, accountID, providerID, text)
		return err
	})
	return out, err
}

func (p *ProtectedClient) Invite(ctx context.Context, accountID, providerID, note string) (*channel.SendResult, error) {
	var out *channel.SendResult
	err := p.run(ctx, "invite", func(ctx context.Context) (err error) {
		out, err = p.client.Invite(ctx, accountID, providerID, note)
		return err
	})
	return out, err
}

func (p *ProtectedClient) run(ctx context.Context, op string, fn func(context.Context) error) error {
	err := p.breaker.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) {
		p.logger.Warn("circuit breaker rejected provider call",
			zap.String("breaker", p.breaker.Name()),
			zap.String("op", op),
			zap.String("state", p.breaker.GetState().String()),
		)
	}
	return err
}

func (p *ProtectedClient) Breaker() *CircuitBreaker {
	return p.breaker
}

// Registry collects breakers for the admin endpoint.
type Registry struct {
	mu       sync.RWMutex
	breakers []*CircuitBreaker
}

func NewRegistry(breakers ...*CircuitBreaker) *Registry {
	return &Registry{breakers: breakers}
}

func (r *Registry) Add(cb *CircuitBreaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = append(r.breakers, cb)
}

func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Stats())
	}
	return out
}

// Reset closes the named breaker. It reports false if none matches.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		if cb.Name() == name {
			cb.Reset()
			return true
		}
	}
	return false
}
