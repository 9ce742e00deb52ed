package subscriber

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry owns the running subscribers of one process, keyed by agent id.
type Registry struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscriber)}
}

// Add starts s and registers it. An agent can be registered only once.
func (r *Registry) Add(ctx context.Context, s *Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[s.AgentID()]; ok {
		return fmt.Errorf("agent %s already has a subscriber", s.AgentID())
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	r.subs[s.AgentID()] = s
	return nil
}

// Remove stops and forgets the subscriber of agentID.
func (r *Registry) Remove(agentID string) bool {
	r.mu.Lock()
	s, ok := r.subs[agentID]
	delete(r.subs, agentID)
	r.mu.Unlock()
	if ok {
		s.Stop()
	}
	return ok
}

// Get returns the subscriber of agentID.
func (r *Registry) Get(agentID string) (*Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[agentID]
	return s, ok
}

// List returns the registered agent ids, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for id := range r.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StopAll stops every subscriber and empties the registry.
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := r.subs
	r.subs = make(map[string]*Subscriber)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}
