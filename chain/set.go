package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Set holds one Backend per CAIP-2 network. It is populated at startup and
// read-only afterwards.
type Set struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{backends: make(map[string]Backend)}
}

// Add registers backend for network, replacing any previous one.
func (s *Set) Add(network string, backend Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[network] = backend
}

// Get returns the backend for network.
func (s *Set) Get(network string) (Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backends[network]
	if !ok {
		return nil, fmt.Errorf("no rpc configured for network %s", network)
	}
	return b, nil
}

// Networks returns the registered networks in sorted order.
func (s *Set) Networks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.backends))
	for n := range s.backends {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// DialAll connects to every endpoint in rpcs (network -> url).
func DialAll(ctx context.Context, rpcs map[string]string) (*Set, error) {
	set := NewSet()
	for network, url := range rpcs {
		b, err := Dial(ctx, url)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("%s: %w", network, err)
		}
		set.Add(network, b)
	}
	return set, nil
}

// Close closes every backend.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.backends {
		b.Close()
	}
}
