// Package waiver implements the waiver lifecycle and its background
// sweeper: a time-bounded, accountable override of a specific gate failure
// (§4.8). Manager is the exclusive owner of Waiver state (§3).
package waiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchestrator-core/orchestrator/internal/logging"
	"github.com/orchestrator-core/orchestrator/pkg/domain"
	"github.com/orchestrator-core/orchestrator/pkg/eventbus"
)

// Backend is the persistence surface the manager needs.
type Backend interface {
	InsertWaiver(domain.Waiver) error
	UpdateWaiverStatus(domain.Waiver) error
	GetWaiver(id string) (domain.Waiver, error)
	FindActiveWaiver(runID string, phase domain.Phase, violationType string) (domain.Waiver, bool, error)
	ListWaivers() ([]domain.Waiver, error)
}

// ErrAlreadyTransitioned guards the "status must transition exactly once"
// optimistic-concurrency requirement for waiver approval (§5).
var ErrAlreadyTransitioned = errors.New("waiver: status already transitioned")

// Request is the input to RequestWaiver.
type Request struct {
	RunID               string
	Phase               domain.Phase
	ViolationType       string
	ViolationDetails    string
	Owner               string
	Justification       string
	CompensatingControl string
	RequiresApproval    bool
	Expiry              time.Duration
	Metadata            map[string]any
}

// Manager owns waiver lifecycle transitions. Transitions for the same
// waiver id are serialized through the per-id mutex from lockFor (§5).
type Manager struct {
	backend       Backend
	bus           *eventbus.Bus
	defaultExpiry time.Duration
	log           *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Manager.
func New(backend Backend, bus *eventbus.Bus, defaultExpiry time.Duration) *Manager {
	if defaultExpiry <= 0 {
		defaultExpiry = domain.DefaultWaiverDuration
	}
	return &Manager{backend: backend, bus: bus, defaultExpiry: defaultExpiry, log: logging.Component("waiver"), locks: map[string]*sync.Mutex{}}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// RequestWaiver creates a waiver record. Without approval it starts active
// immediately; otherwise it starts pending (§4.8).
func (m *Manager) RequestWaiver(req Request) (domain.Waiver, error) {
	now := time.Now()
	expiry := req.Expiry
	if expiry <= 0 {
		expiry = m.defaultExpiry
	}
	status := domain.WaiverActive
	if req.RequiresApproval {
		status = domain.WaiverPending
	}

	w := domain.Waiver{
		ID:                  uuid.NewString(),
		RunID:               req.RunID,
		Phase:               req.Phase,
		ViolationType:       req.ViolationType,
		ViolationDetails:    req.ViolationDetails,
		Owner:               req.Owner,
		Justification:       req.Justification,
		CompensatingControl: req.CompensatingControl,
		RequiresApproval:    req.RequiresApproval,
		CreatedAt:           now,
		ExpiresAt:           now.Add(expiry),
		Status:              status,
		Metadata:            req.Metadata,
	}
	if err := m.backend.InsertWaiver(w); err != nil {
		return domain.Waiver{}, fmt.Errorf("request waiver: %w", err)
	}
	m.publish(eventbus.TopicWaiverRequested, w)
	return w, nil
}

// ApproveWaiver transitions pending -> active exactly once.
func (m *Manager) ApproveWaiver(id, approver string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	w, err := m.backend.GetWaiver(id)
	if err != nil {
		return fmt.Errorf("approve waiver %s: %w", id, err)
	}
	if w.Status != domain.WaiverPending {
		return fmt.Errorf("approve waiver %s: %w", id, ErrAlreadyTransitioned)
	}
	now := time.Now()
	w.Status = domain.WaiverActive
	w.ApprovedBy = approver
	w.ApprovedAt = &now
	if err := m.backend.UpdateWaiverStatus(w); err != nil {
		return fmt.Errorf("approve waiver %s: %w", id, err)
	}
	m.publish(eventbus.TopicWaiverApproved, w)
	return nil
}

// RevokeWaiver transitions active -> revoked exactly once.
func (m *Manager) RevokeWaiver(id, reason string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	w, err := m.backend.GetWaiver(id)
	if err != nil {
		return fmt.Errorf("revoke waiver %s: %w", id, err)
	}
	if w.Status != domain.WaiverActive {
		return fmt.Errorf("revoke waiver %s: %w", id, ErrAlreadyTransitioned)
	}
	now := time.Now()
	w.Status = domain.WaiverRevoked
	w.RevokedAt = &now
	if w.Metadata == nil {
		w.Metadata = map[string]any{}
	}
	if reason != "" {
		w.Metadata["revoke_reason"] = reason
	}
	if err := m.backend.UpdateWaiverStatus(w); err != nil {
		return fmt.Errorf("revoke waiver %s: %w", id, err)
	}
	m.publish(eventbus.TopicWaiverRevoked, w)
	return nil
}

// CheckWaiver returns any active, non-expired match for (run, phase,
// violationType). A waiver whose ExpiresAt has passed is never returned,
// even if the sweeper has not yet flipped its status (§8 invariant).
func (m *Manager) CheckWaiver(runID string, phase domain.Phase, violationType string) (domain.Waiver, bool, error) {
	w, ok, err := m.backend.FindActiveWaiver(runID, phase, violationType)
	if err != nil || !ok {
		return domain.Waiver{}, false, err
	}
	if !w.IsActiveAt(time.Now()) {
		return domain.Waiver{}, false, nil
	}
	return w, true, nil
}

// Stats summarizes waivers by status plus the active waivers expiring within
// 7 days.
type Stats struct {
	ByStatus          map[domain.WaiverStatus]int
	ExpiringWithin7Days int
}

// Sweep transitions stale active waivers to expired and emits an event per
// transition. Intended to run on an hourly-or-shorter cancellable ticker
// (§4.8, §5, §9).
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	all, err := m.backend.ListWaivers()
	if err != nil {
		return 0, fmt.Errorf("sweep: list waivers: %w", err)
	}
	now := time.Now()
	swept := 0
	for _, w := range all {
		if w.Status != domain.WaiverActive || !now.After(w.ExpiresAt) {
			continue
		}
		lock := m.lockFor(w.ID)
		lock.Lock()
		w.Status = domain.WaiverExpired
		err := m.backend.UpdateWaiverStatus(w)
		lock.Unlock()
		if err != nil {
			m.log.Warn("sweep: failed to expire waiver", zap.String("waiver_id", w.ID), zap.Error(err))
			continue
		}
		m.publish(eventbus.TopicWaiverExpired, w)
		swept++
	}
	return swept, nil
}

// RunSweeper runs Sweep on the given cadence until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, cadence time.Duration) {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.Sweep(ctx); err != nil {
				m.log.Warn("waiver sweep failed", zap.Error(err))
			} else if n > 0 {
				m.log.Info("waiver sweep expired waivers", zap.Int("count", n))
			}
		}
	}
}

// GetStats computes waiver counts by status and near-expiry.
func (m *Manager) GetStats() (Stats, error) {
	all, err := m.backend.ListWaivers()
	if err != nil {
		return Stats{}, fmt.Errorf("get stats: %w", err)
	}
	stats := Stats{ByStatus: map[domain.WaiverStatus]int{}}
	cutoff := time.Now().Add(7 * 24 * time.Hour)
	for _, w := range all {
		stats.ByStatus[w.Status]++
		if w.Status == domain.WaiverActive && w.ExpiresAt.Before(cutoff) {
			stats.ExpiringWithin7Days++
		}
	}
	return stats, nil
}

func (m *Manager) publish(topic eventbus.Topic, w domain.Waiver) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, w)
}
