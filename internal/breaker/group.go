package breaker

import (
	"sort"
	"sync"
)

// Group owns one breaker per operation family, created on first use with the
// group's options.
type Group struct {
	opts Options

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty group.
func NewGroup(opts Options) *Group {
	return &Group{
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it if needed.
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[name]
	if !ok {
		b = New(name, g.opts)
		g.breakers[name] = b
	}
	return b
}

// Snapshots returns every breaker's snapshot ordered by name.
func (g *Group) Snapshots() []Snapshot {
	g.mu.Lock()
	list := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		list = append(list, b)
	}
	g.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
