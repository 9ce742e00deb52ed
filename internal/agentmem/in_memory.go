package agentmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// InMemoryStore is a process-local Store protected by an RWMutex. Memories
// are lost on restart.
type InMemoryStore struct {
	mu       sync.RWMutex
	worlds   map[string]World
	rooms    map[string]Room
	memories map[string]Memory
	byRoom   map[string][]string // roomID -> memory ids in insertion order
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		worlds:   make(map[string]World),
		rooms:    make(map[string]Room),
		memories: make(map[string]Memory),
		byRoom:   make(map[string][]string),
	}
}

// EnsureWorld records w if its id is new.
func (s *InMemoryStore) EnsureWorld(_ context.Context, w World) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worlds[w.ID]; !ok {
		s.worlds[w.ID] = w
	}
	return nil
}

// EnsureRoom records r if its id is new.
func (s *InMemoryStore) EnsureRoom(_ context.Context, r Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[r.ID]; !ok {
		s.rooms[r.ID] = r
	}
	return nil
}

// World returns a recorded world.
func (s *InMemoryStore) World(id string) (World, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.worlds[id]
	return w, ok
}

// Room returns a recorded room.
func (s *InMemoryStore) Room(id string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	return r, ok
}

// CreateMemory stores a copy of m.
func (s *InMemoryStore) CreateMemory(_ context.Context, m *Memory) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[m.ID]; ok {
		return "", fmt.Errorf("memory %s: %w", m.ID, ErrMemoryExists)
	}
	stored := *m
	stored.Metadata = m.Metadata.Clone()
	s.memories[m.ID] = stored
	s.byRoom[m.RoomID] = append(s.byRoom[m.RoomID], m.ID)
	return m.ID, nil
}

// GetMemoryByID returns a copy of the stored memory.
func (s *InMemoryStore) GetMemoryByID(_ context.Context, id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, ErrMemoryNotFound)
	}
	m.Metadata = m.Metadata.Clone()
	return &m, nil
}

// GetMemoriesByRoomIDs returns copies of the memories in the given rooms.
func (s *InMemoryStore) GetMemoriesByRoomIDs(_ context.Context, roomIDs []string) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Memory{}
	for _, roomID := range roomIDs {
		for _, id := range s.byRoom[roomID] {
			m := s.memories[id]
			m.Metadata = m.Metadata.Clone()
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// DeleteMemory removes a memory; unknown ids are ignored.
func (s *InMemoryStore) DeleteMemory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return nil
	}
	delete(s.memories, id)
	ids := s.byRoom[m.RoomID]
	for i, cur := range ids {
		if cur == id {
			s.byRoom[m.RoomID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }
