package device

import "sync"

// StateSink is the state-tree collaborator the manager publishes into and
// reads back from. Paths are dot-separated below the device identifier.
type StateSink interface {
	SetState(path string, value any, ack bool)
	GetState(path string) (any, bool)
}

// MemorySink is an in-process StateSink used by the daemon and by tests.
type MemorySink struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewMemorySink() *MemorySink {
	return &MemorySink{values: map[string]any{}}
}

func (s *MemorySink) SetState(path string, value any, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[path] = value
}

func (s *MemorySink) GetState(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[path]
	return v, ok
}

// Snapshot returns a copy of all published state.
func (s *MemorySink) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
