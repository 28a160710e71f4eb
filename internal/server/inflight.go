package server

import "sync"

// inflightSet tracks the targets currently being captured.
type inflightSet struct {
	mu      sync.Mutex
	targets map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{targets: make(map[string]struct{})}
}

// acquire reserves target. It reports false when a capture of target is
// already running.
func (s *inflightSet) acquire(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.targets[target]; busy {
		return false
	}
	s.targets[target] = struct{}{}
	return true
}

func (s *inflightSet) release(target string) {
	s.mu.Lock()
	delete(s.targets, target)
	s.mu.Unlock()
}
