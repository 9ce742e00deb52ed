package agentmem

import (
	"context"
	"errors"

	"github.com/eldtechnologies/agentrelay/internal/breaker"
)

// FamilyMemories is the breaker name for agent memory storage.
const FamilyMemories = "memories"

// Guarded routes every Store call through one circuit breaker. Duplicate
// and missing memories are answers, not failures.
type Guarded struct {
	inner Store
	b     *breaker.Breaker
}

var _ Store = (*Guarded)(nil)

// NewGuarded wraps inner with its own breaker, named "memories:<agentID>"
// so several agents in one process report separately. opts.IsFailure is
// replaced.
func NewGuarded(inner Store, agentID string, opts breaker.Options) *Guarded {
	opts.IsFailure = func(err error) bool {
		return !errors.Is(err, ErrMemoryExists) && !errors.Is(err, ErrMemoryNotFound)
	}
	name := FamilyMemories
	if agentID != "" {
		name += ":" + agentID
	}
	return &Guarded{inner: inner, b: breaker.New(name, opts)}
}

// Breaker exposes the breaker for health reporting.
func (g *Guarded) Breaker() *breaker.Breaker { return g.b }

func (g *Guarded) EnsureWorld(ctx context.Context, w World) error {
	return g.b.Execute(ctx, "ensureWorld", func(ctx context.Context) error {
		return g.inner.EnsureWorld(ctx, w)
	})
}

func (g *Guarded) EnsureRoom(ctx context.Context, r Room) error {
	return g.b.Execute(ctx, "ensureRoom", func(ctx context.Context) error {
		return g.inner.EnsureRoom(ctx, r)
	})
}

func (g *Guarded) CreateMemory(ctx context.Context, m *Memory) (string, error) {
	return breaker.Do(ctx, g.b, "createMemory", func(ctx context.Context) (string, error) {
		return g.inner.CreateMemory(ctx, m)
	})
}

func (g *Guarded) GetMemoryByID(ctx context.Context, id string) (*Memory, error) {
	return breaker.Do(ctx, g.b, "getMemoryById", func(ctx context.Context) (*Memory, error) {
		return g.inner.GetMemoryByID(ctx, id)
	})
}

func (g *Guarded) GetMemoriesByRoomIDs(ctx context.Context, roomIDs []string) ([]Memory, error) {
	return breaker.Do(ctx, g.b, "getMemoriesByRoomIds", func(ctx context.Context) ([]Memory, error) {
		return g.inner.GetMemoriesByRoomIDs(ctx, roomIDs)
	})
}

func (g *Guarded) DeleteMemory(ctx context.Context, id string) error {
	return g.b.Execute(ctx, "deleteMemory", func(ctx context.Context) error {
		return g.inner.DeleteMemory(ctx, id)
	})
}

// Close closes the underlying store.
func (g *Guarded) Close() error { return g.inner.Close() }
