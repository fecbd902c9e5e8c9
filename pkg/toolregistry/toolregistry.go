// Package toolregistry is the in-memory capability -> tool and id -> tool
// index every component consults before invoking a tool (§4.5).
package toolregistry

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/orchestrator-core/orchestrator/internal/logging"
	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// ErrAlreadyRegistered is returned by Register when the id is taken.
var ErrAlreadyRegistered = errors.New("toolregistry: tool already registered")

// Stats summarizes the registry's contents.
type Stats struct {
	TotalTools      int
	ByCapability    map[domain.CapabilityClass]int
}

// Registry is the read-mostly tool index: register/unregister exclude
// concurrent readers for the duration of the mutation (§5); lookups take
// the read lock.
type Registry struct {
	mu           sync.RWMutex
	byID         map[string]domain.Tool
	byCapability map[domain.CapabilityClass][]string // ordered tool ids
	log          *zap.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byID:         map[string]domain.Tool{},
		byCapability: map[domain.CapabilityClass][]string{},
		log:          logging.Component("toolregistry"),
	}
}

// Register adds a tool. Idempotent per id: registering the same id twice
// with an identical tool is a no-op; registering a different tool under an
// existing id is an error (§4.5).
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[t.ID]; ok {
		if existing.Version == t.Version && existing.Capability == t.Capability {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, t.ID)
	}

	r.byID[t.ID] = t
	r.byCapability[t.Capability] = append(r.byCapability[t.Capability], t.ID)
	r.log.Debug("registered tool", zap.String("id", t.ID), zap.String("capability", string(t.Capability)))
	return nil
}

// RegisterMany registers a batch, stopping at the first error.
func (r *Registry) RegisterMany(tools []domain.Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// GetByCapability returns every tool registered for a capability, in
// registration order.
func (r *Registry) GetByCapability(cap domain.CapabilityClass) []domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byCapability[cap]
	out := make([]domain.Tool, 0, len(ids))
	for _, id := range ids {
		if t, ok := r.byID[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// GetByID returns a tool by id.
func (r *Registry) GetByID(id string) (domain.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// Unregister removes a tool from both indexes.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)

	ids := r.byCapability[t.Capability]
	for i, existing := range ids {
		if existing == id {
			r.byCapability[t.Capability] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Clear empties the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = map[string]domain.Tool{}
	r.byCapability = map[domain.CapabilityClass][]string{}
}

// GetStats summarizes registry contents.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{TotalTools: len(r.byID), ByCapability: map[domain.CapabilityClass]int{}}
	for cap, ids := range r.byCapability {
		s.ByCapability[cap] = len(ids)
	}
	return s
}
