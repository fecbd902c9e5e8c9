// Package supervisor wraps arbitrary calls with circuit breaking, classified
// retry, heartbeat-based stall detection, and quarantine — the single choke
// point every tool/agent invocation in a phase passes through (§4.3).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchestrator-core/orchestrator/internal/logging"
	"github.com/orchestrator-core/orchestrator/pkg/domain"
	"github.com/orchestrator-core/orchestrator/pkg/recorder"
	"github.com/orchestrator-core/orchestrator/pkg/retrypolicy"
)

// Config is the supervisor's tunables, mirrored from internal/config.SupervisorConfig.
type Config struct {
	FailureThreshold        int
	SuccessThreshold        int
	OpenTimeout             time.Duration
	QuarantineAfterFailures int
	EscalateAfterRetries    int
	HeartbeatTimeout        time.Duration
	HeartbeatMaxMissed      int
}

// ErrCircuitOpen is returned when a call is short-circuited.
type ErrCircuitOpen struct{ ActorID string }

func (e ErrCircuitOpen) Error() string { return fmt.Sprintf("circuit open for actor %s", e.ActorID) }

// ErrQuarantined is returned when a call targets a quarantined actor.
type ErrQuarantined struct{ ActorID string }

func (e ErrQuarantined) Error() string { return fmt.Sprintf("actor %s is quarantined", e.ActorID) }

// ErrEscalated wraps a final failure that exhausted retries and crossed the
// escalation threshold.
type ErrEscalated struct {
	ActorID  string
	Attempts int
	Cause    error
}

func (e ErrEscalated) Error() string {
	return fmt.Sprintf("actor %s escalated after %d attempts: %v", e.ActorID, e.Attempts, e.Cause)
}
func (e ErrEscalated) Unwrap() error { return e.Cause }

// IsEscalated reports whether err is (or wraps) an ErrEscalated — the
// Phase Coordinator uses this to decide escalate-vs-retry (§7).
func IsEscalated(err error) bool {
	var target ErrEscalated
	return errors.As(err, &target)
}

// actorState bundles the circuit + quarantine bookkeeping the supervisor
// keeps per actor id. The Supervisor is the exclusive owner of CircuitState
// (§3); nothing outside this package mutates it.
type actorState struct {
	mu                   sync.Mutex
	circuit              domain.CircuitState
	consecutiveFailures  int // lifetime, used for quarantine (independent of circuit resets)
	quarantined          bool
}

// Supervisor is the circuit-breaker/retry/heartbeat/quarantine wrapper.
type Supervisor struct {
	cfg   Config
	table retrypolicy.Table
	rec   *recorder.Recorder
	log   *zap.Logger

	mu     sync.Mutex
	actors map[string]*actorState

	hbMu       sync.Mutex
	heartbeats map[string]*domain.HeartbeatState
}

// New builds a Supervisor.
func New(cfg Config, table retrypolicy.Table, rec *recorder.Recorder) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		table:      table,
		rec:        rec,
		log:        logging.Component("supervisor"),
		actors:     map[string]*actorState{},
		heartbeats: map[string]*domain.HeartbeatState{},
	}
}

func (s *Supervisor) actor(id string) *actorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	if !ok {
		a = &actorState{circuit: domain.CircuitState{ActorID: id, State: domain.CircuitClosed}}
		s.actors[id] = a
	}
	return a
}

// Call is the work the supervisor wraps.
type Call func(ctx context.Context) (any, error)

// Execute runs f under circuit breaking, classified retry, and quarantine,
// recording every attempt via the Recorder.
func (s *Supervisor) Execute(ctx context.Context, run domain.Run, phase domain.Phase, step, actorID string, f Call) (any, error) {
	a := s.actor(actorID)

	a.mu.Lock()
	if a.quarantined {
		a.mu.Unlock()
		return nil, ErrQuarantined{ActorID: actorID}
	}
	if a.circuit.State == domain.CircuitOpen {
		if time.Since(a.circuit.LastStateChange) < s.cfg.OpenTimeout {
			a.mu.Unlock()
			return nil, ErrCircuitOpen{ActorID: actorID}
		}
		a.circuit.State = domain.CircuitHalfOpen
		a.circuit.LastStateChange = time.Now()
	}
	a.mu.Unlock()

	var lastErr error
	var class retrypolicy.ErrorClass
	attempts := 0

	maxAttempts := 1
	var policy retrypolicy.Policy

	for {
		attempts++
		start := time.Now()
		out, err := f(ctx)
		latency := time.Since(start)

		if err == nil {
			s.onSuccess(a)
			if s.rec != nil {
				s.rec.RecordStep(ctx, run, phase, step, actorID, nil, nil, nil, 0, latency.Milliseconds(), domain.StepSucceeded, "", "", nil)
			}
			return out, nil
		}

		lastErr = err
		class = retrypolicy.Classify(err)
		policy = s.table.PolicyFor(class)
		maxAttempts = policy.MaxRetries + 1

		s.onFailure(a)
		if s.rec != nil {
			s.rec.RecordStep(ctx, run, phase, step, actorID, nil, nil, nil, 0, latency.Milliseconds(), domain.StepFailed, "", "", map[string]any{"error_class": string(class), "attempt": attempts})
		}

		a.mu.Lock()
		failures := a.consecutiveFailures
		a.mu.Unlock()
		if s.cfg.QuarantineAfterFailures > 0 && failures >= s.cfg.QuarantineAfterFailures {
			a.mu.Lock()
			a.quarantined = true
			a.mu.Unlock()
			s.log.Warn("actor quarantined", zap.String("actor", actorID), zap.Int("failures", failures))
			return nil, ErrQuarantined{ActorID: actorID}
		}

		if attempts >= maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.Delay(attempts-1, nil)):
		}
	}

	if s.cfg.EscalateAfterRetries > 0 && attempts >= s.cfg.EscalateAfterRetries {
		return nil, ErrEscalated{ActorID: actorID, Attempts: attempts, Cause: lastErr}
	}
	return nil, fmt.Errorf("actor %s exhausted %d attempts (class=%s): %w", actorID, attempts, class, lastErr)
}

func (s *Supervisor) onSuccess(a *actorState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consecutiveFailures = 0
	a.circuit.ConsecutiveFailures = 0
	switch a.circuit.State {
	case domain.CircuitHalfOpen:
		a.circuit.ConsecutiveSuccesses++
		if a.circuit.ConsecutiveSuccesses >= s.cfg.SuccessThreshold {
			a.circuit.State = domain.CircuitClosed
			a.circuit.LastStateChange = time.Now()
			a.circuit.ConsecutiveSuccesses = 0
		}
	case domain.CircuitClosed:
		// no-op: already closed
	}
}

func (s *Supervisor) onFailure(a *actorState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consecutiveFailures++
	a.circuit.LastFailureTime = time.Now()
	a.circuit.ConsecutiveSuccesses = 0

	switch a.circuit.State {
	case domain.CircuitHalfOpen:
		a.circuit.State = domain.CircuitOpen
		a.circuit.LastStateChange = time.Now()
		a.circuit.ConsecutiveFailures = 0
	case domain.CircuitClosed:
		a.circuit.ConsecutiveFailures++
		if a.circuit.ConsecutiveFailures >= s.cfg.FailureThreshold {
			a.circuit.State = domain.CircuitOpen
			a.circuit.LastStateChange = time.Now()
			a.circuit.ConsecutiveFailures = 0
		}
	}
}

// CircuitStateOf returns a snapshot of an actor's circuit state.
func (s *Supervisor) CircuitStateOf(actorID string) domain.CircuitState {
	a := s.actor(actorID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.circuit
}

// Unquarantine manually clears a quarantine (operator action, not in spec's
// automatic lifecycle but necessary for the CLI's operational surface).
func (s *Supervisor) Unquarantine(actorID string) {
	a := s.actor(actorID)
	a.mu.Lock()
	a.quarantined = false
	a.consecutiveFailures = 0
	a.mu.Unlock()
}

// StartHeartbeat records t0 for an execution id.
func (s *Supervisor) StartHeartbeat(executionID string) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	s.heartbeats[executionID] = &domain.HeartbeatState{ExecutionID: executionID, LastBeat: time.Now()}
}

// RecordHeartbeat resets the missed counter for an execution id.
func (s *Supervisor) RecordHeartbeat(executionID string) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	hb, ok := s.heartbeats[executionID]
	if !ok {
		hb = &domain.HeartbeatState{ExecutionID: executionID}
		s.heartbeats[executionID] = hb
	}
	hb.LastBeat = time.Now()
	hb.Missed = 0
	hb.Stuck = false
}

// CheckHeartbeats marks executions stuck when now-last > timeout for
// maxMissed consecutive observations; call this from a periodic ticker.
func (s *Supervisor) CheckHeartbeats(now time.Time) []domain.HeartbeatState {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()

	var stuck []domain.HeartbeatState
	for _, hb := range s.heartbeats {
		if now.Sub(hb.LastBeat) > s.cfg.HeartbeatTimeout {
			hb.Missed++
			if hb.Missed >= s.cfg.HeartbeatMaxMissed {
				hb.Stuck = true
			}
		}
		if hb.Stuck {
			stuck = append(stuck, *hb)
		}
	}
	return stuck
}

// StopHeartbeat removes tracking for a finished execution.
func (s *Supervisor) StopHeartbeat(executionID string) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	delete(s.heartbeats, executionID)
}
