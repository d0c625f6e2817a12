package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"
)

type (
	// Strength selects a class of oracle: fast general-purpose, deep reasoning
	// or vision-capable.
	Strength string

	// Factory builds the client for a strength.
	Factory func(ctx context.Context) (Client, error)

	// Registry hands out one client per strength. Clients are built lazily on
	// first use, concurrent first uses share a single construction, and built
	// clients are kept for the lifetime of the process. There is no teardown:
	// clients are stateless request senders shared read-only by every run.
	Registry struct {
		factories map[Strength]Factory
		group     singleflight.Group

		mu      sync.RWMutex
		clients map[Strength]Client
	}

	// lazyClient resolves its strength through the registry on each call.
	lazyClient struct {
		reg      *Registry
		strength Strength
	}
)

const (
	// StrengthBasic is the default general-purpose oracle.
	StrengthBasic Strength = "basic"
	// StrengthReasoning is the deep-thinking oracle.
	StrengthReasoning Strength = "reasoning"
	// StrengthVision is the vision-capable oracle.
	StrengthVision Strength = "vision"
)

// ErrUnknownStrength is returned when no factory is registered for a strength.
var ErrUnknownStrength = errors.New("model: unknown strength")

// NewRegistry returns a registry backed by factories.
func NewRegistry(factories map[Strength]Factory) *Registry {
	fs := make(map[Strength]Factory, len(factories))
	for s, f := range factories {
		if f != nil {
			fs[s] = f
		}
	}
	return &Registry{factories: fs, clients: make(map[Strength]Client)}
}

// Client returns the client for s, building it on first use.
func (r *Registry) Client(ctx context.Context, s Strength) (Client, error) {
	r.mu.RLock()
	c, ok := r.clients[s]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}
	f, ok := r.factories[s]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrength, s)
	}
	v, err, _ := r.group.Do(string(s), func() (any, error) {
		r.mu.RLock()
		c, ok := r.clients[s]
		r.mu.RUnlock()
		if ok {
			return c, nil
		}
		c, err := f(ctx)
		if err != nil {
			return nil, fmt.Errorf("build %s client: %w", s, err)
		}
		r.mu.Lock()
		r.clients[s] = c
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

// Has reports whether a factory is registered for s.
func (r *Registry) Has(s Strength) bool {
	_, ok := r.factories[s]
	return ok
}

// Strengths returns the registered strengths in sorted order.
func (r *Registry) Strengths() []Strength {
	out := make([]Strength, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Lazy returns a Client that resolves s on every call. It lets executors be
// wired before any provider client exists.
func (r *Registry) Lazy(s Strength) Client {
	return &lazyClient{reg: r, strength: s}
}

func (c *lazyClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	cl, err := c.reg.Client(ctx, c.strength)
	if err != nil {
		return nil, err
	}
	return cl.Complete(ctx, req)
}

func (c *lazyClient) Stream(ctx context.Context, req *Request) (Streamer, error) {
	cl, err := c.reg.Client(ctx, c.strength)
	if err != nil {
		return nil, err
	}
	return cl.Stream(ctx, req)
}
