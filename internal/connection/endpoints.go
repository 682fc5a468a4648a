package connection

import (
	"math/rand"
	"sync"
)

// EndpointSelector hands out candidate endpoints in a random order and
// drops the ones that failed until the next Reset.
type EndpointSelector struct {
	mu         sync.Mutex
	candidates []string
	last       string
	hasLast    bool
	shuffle    func(n int, swap func(i, j int))
}

// NewEndpointSelector creates a selector over endpoints.
func NewEndpointSelector(endpoints []string) *EndpointSelector {
	s := &EndpointSelector{shuffle: rand.Shuffle}
	s.Reset(endpoints)
	return s
}

// Reset stores a uniformly shuffled copy of endpoints as the candidate list.
func (s *EndpointSelector) Reset(endpoints []string) {
	candidates := make([]string, 0, len(endpoints))
	seen := make(map[string]struct{}, len(endpoints))
	for _, ep := range endpoints {
		if ep == "" {
			continue
		}
		if _, dup := seen[ep]; dup {
			continue
		}
		seen[ep] = struct{}{}
		candidates = append(candidates, ep)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	s.candidates = candidates
	s.last = ""
	s.hasLast = false
}

// Next returns the current front candidate, or ErrAllEndpointsDown.
func (s *EndpointSelector) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.candidates) == 0 {
		s.hasLast = false
		return "", ErrAllEndpointsDown
	}
	s.last = s.candidates[0]
	s.hasLast = true
	return s.last, nil
}

// ReportFailure removes the endpoint most recently returned by Next.
func (s *EndpointSelector) ReportFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasLast {
		return
	}
	for i, ep := range s.candidates {
		if ep == s.last {
			s.candidates = append(s.candidates[:i], s.candidates[i+1:]...)
			break
		}
	}
	s.hasLast = false
}

// Remaining returns the number of candidates not yet reported as failed.
func (s *EndpointSelector) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates)
}

// Candidates returns a copy of the current candidate order.
func (s *EndpointSelector) Candidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.candidates...)
}
