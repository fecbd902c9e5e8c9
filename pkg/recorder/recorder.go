// Package recorder implements the orchestrator's append-only audit trail:
// every step, artifact, decision, score, and cost a run produces flows
// through here on its way to storage, and the run summary is always
// rederived from those records rather than kept separately.
package recorder

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchestrator-core/orchestrator/internal/logging"
	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// Backend is the persistence surface the Recorder needs. sqlitestore.Store
// satisfies it; tests substitute an in-memory fake.
type Backend interface {
	InsertLogEntry(domain.LogEntry) (int64, error)
	InsertArtifact(domain.ArtifactRecord) error
	InsertDecision(domain.DecisionRecord) error
	InsertScore(domain.ScoreRecord) error
	InsertCost(domain.CostRecord) error
	QueryLogs(domain.LogFilter) ([]domain.LogEntry, error)
	RunSummary(runID string) (domain.RunSummary, error)
}

// pendingWrite is a failed write kept for the retry flush.
type pendingWrite struct {
	kind string // "log" | "artifact" | "decision" | "score" | "cost"
	v    any
}

// Recorder is the orchestrator's single audit-trail writer. A failed write
// is never fatal to the caller (§4.1): it is logged at WARN and queued for
// a later flush, giving at-least-once delivery to the backing store.
type Recorder struct {
	backend Backend
	log     *zap.Logger

	mu      sync.Mutex
	pending []pendingWrite
}

// New wraps a Backend.
func New(backend Backend) *Recorder {
	return &Recorder{backend: backend, log: logging.Component("recorder")}
}

// RecordStep appends one executed step. Inputs/outputs/metadata are taken
// as opaque value envelopes (§9) — the recorder never inspects their content.
func (r *Recorder) RecordStep(ctx context.Context, run domain.Run, phase domain.Phase, step, actor string,
	inputs, outputs map[string]any, score *float64, costUSD float64, latencyMS int64,
	status domain.StepStatus, decision, gate string, metadata map[string]any) {

	e := domain.LogEntry{
		RunID: run.ID, Phase: phase, Step: step, Actor: actor,
		Inputs: inputs, Outputs: outputs, Score: score,
		CostUSD: costUSD, LatencyMS: latencyMS, Status: status,
		Decision: decision, Gate: gate, Metadata: metadata,
		Timestamp: time.Now(),
	}
	if _, err := r.backend.InsertLogEntry(e); err != nil {
		r.log.Warn("record step failed, queued for retry",
			zap.String("run_id", run.ID), zap.String("step", step), zap.Error(err))
		r.queue("log", e)
	}
}

// RecordArtifact appends an artifact record.
func (r *Recorder) RecordArtifact(run domain.Run, phase domain.Phase, artifactID, artifactType, location string) {
	a := domain.ArtifactRecord{RunID: run.ID, Phase: phase, ArtifactID: artifactID, Type: artifactType, Location: location, Timestamp: time.Now()}
	if err := r.backend.InsertArtifact(a); err != nil {
		r.log.Warn("record artifact failed, queued for retry", zap.String("run_id", run.ID), zap.Error(err))
		r.queue("artifact", a)
	}
}

// RecordDecision appends a decision record.
func (r *Recorder) RecordDecision(run domain.Run, phase domain.Phase, kind, outcome string, reasons []string, metadata map[string]any) {
	d := domain.DecisionRecord{RunID: run.ID, Phase: phase, Kind: kind, Outcome: outcome, Reasons: reasons, Metadata: metadata, Timestamp: time.Now()}
	if err := r.backend.InsertDecision(d); err != nil {
		r.log.Warn("record decision failed, queued for retry", zap.String("run_id", run.ID), zap.Error(err))
		r.queue("decision", d)
	}
}

// RecordScore appends a score record.
func (r *Recorder) RecordScore(run domain.Run, phase domain.Phase, kind string, value float64) {
	sc := domain.ScoreRecord{RunID: run.ID, Phase: phase, Kind: kind, Value: value, Timestamp: time.Now()}
	if err := r.backend.InsertScore(sc); err != nil {
		r.log.Warn("record score failed, queued for retry", zap.String("run_id", run.ID), zap.Error(err))
		r.queue("score", sc)
	}
}

// RecordCost appends a cost record.
func (r *Recorder) RecordCost(run domain.Run, phase domain.Phase, usd float64, tokens int64) {
	c := domain.CostRecord{RunID: run.ID, Phase: phase, USD: usd, Tokens: tokens, Timestamp: time.Now()}
	if err := r.backend.InsertCost(c); err != nil {
		r.log.Warn("record cost failed, queued for retry", zap.String("run_id", run.ID), zap.Error(err))
		r.queue("cost", c)
	}
}

// QueryLogs filters the append-only log.
func (r *Recorder) QueryLogs(filter domain.LogFilter) ([]domain.LogEntry, error) {
	return r.backend.QueryLogs(filter)
}

// GetRunSummary derives aggregate metrics purely from the log.
func (r *Recorder) GetRunSummary(runID string) (domain.RunSummary, error) {
	return r.backend.RunSummary(runID)
}

func (r *Recorder) queue(kind string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, pendingWrite{kind: kind, v: v})
}

// Flush retries every queued write once, dropping ones that still fail back
// into the queue for the next flush. Callers invoke this on a ticker; it is
// the "later flush point" the at-least-once guarantee refers to.
func (r *Recorder) Flush() int {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	var failed []pendingWrite
	flushed := 0
	for _, w := range batch {
		var err error
		switch w.kind {
		case "log":
			_, err = r.backend.InsertLogEntry(w.v.(domain.LogEntry))
		case "artifact":
			err = r.backend.InsertArtifact(w.v.(domain.ArtifactRecord))
		case "decision":
			err = r.backend.InsertDecision(w.v.(domain.DecisionRecord))
		case "score":
			err = r.backend.InsertScore(w.v.(domain.ScoreRecord))
		case "cost":
			err = r.backend.InsertCost(w.v.(domain.CostRecord))
		}
		if err != nil {
			failed = append(failed, w)
			continue
		}
		flushed++
	}

	if len(failed) > 0 {
		r.mu.Lock()
		r.pending = append(failed, r.pending...)
		r.mu.Unlock()
	}
	return flushed
}

// PendingCount reports how many writes are queued for retry.
func (r *Recorder) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
