// Package registry maps agent ids to the isolation descriptor used to reach
// them. The heartbeat engine and dispatcher only read from it; sources such as
// a YAML file or a compose project fill it.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ofkm/agenthost/pkg/types"
)

// Registry is the read-only view the dispatcher depends on.
type Registry interface {
	Lookup(agentID string) (types.AgentDescriptor, bool)
}

var ErrAgentNotFound = errors.New("agent not found")

// Resolve is Lookup with an error for callers that prefer one.
func Resolve(reg Registry, agentID string) (types.AgentDescriptor, error) {
	desc, ok := reg.Lookup(agentID)
	if !ok {
		return types.AgentDescriptor{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return desc, nil
}

// Store merges descriptors from several named sources. Sources are consulted
// in the order they were first registered, so the first source wins on
// duplicate ids.
type Store struct {
	mu      sync.RWMutex
	order   []string
	sources map[string]map[string]types.AgentDescriptor
}

func NewStore() *Store {
	return &Store{sources: make(map[string]map[string]types.AgentDescriptor)}
}

// Replace swaps the full set of descriptors for one source.
func (s *Store) Replace(source string, agents []types.AgentDescriptor) {
	entries := make(map[string]types.AgentDescriptor, len(agents))
	for _, a := range agents {
		if _, dup := entries[a.ID]; dup {
			continue
		}
		entries[a.ID] = a
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, known := s.sources[source]; !known {
		s.order = append(s.order, source)
	}
	s.sources[source] = entries
}

func (s *Store) Lookup(agentID string) (types.AgentDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, source := range s.order {
		if desc, ok := s.sources[source][agentID]; ok {
			return desc, true
		}
	}
	return types.AgentDescriptor{}, false
}

// List returns every visible descriptor sorted by id.
func (s *Store) List() []types.AgentDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []types.AgentDescriptor
	for _, source := range s.order {
		for id, desc := range s.sources[source] {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, desc)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Len() int {
	return len(s.List())
}
