// Package slope detects stalled progress by watching the slope of a task's
// reported completion percentage over time, per the plateau-detection
// behavior of §4.4.
package slope

import (
	"sync"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// AdjustmentFunc is invoked when a plateau is detected for a task.
type AdjustmentFunc func(taskID string, samples []domain.ProgressSample)

// Monitor buffers (timestamp, percent) samples per task id and calls an
// adjustment callback when the trailing windows show no material movement.
type Monitor struct {
	mu         sync.Mutex
	window     int
	epsilon    float64
	onPlateau  AdjustmentFunc
	samples    map[string][]domain.ProgressSample
}

// New builds a Monitor. window is the number of samples compared between
// the two trailing windows; epsilon is the minimum delta considered progress.
func New(window int, epsilon float64, onPlateau AdjustmentFunc) *Monitor {
	if window < 1 {
		window = 1
	}
	return &Monitor{window: window, epsilon: epsilon, onPlateau: onPlateau, samples: map[string][]domain.ProgressSample{}}
}

// Record appends a new sample and checks for a plateau.
func (m *Monitor) Record(taskID string, s domain.ProgressSample) {
	m.mu.Lock()
	m.samples[taskID] = append(m.samples[taskID], s)
	buf := m.samples[taskID]
	plateaued, snapshot := m.checkPlateau(buf)
	m.mu.Unlock()

	if plateaued && m.onPlateau != nil {
		m.onPlateau(taskID, snapshot)
	}
}

// checkPlateau compares the average of the last window to the average of
// the window immediately before it; a delta below epsilon is a plateau.
// Must be called with m.mu held.
func (m *Monitor) checkPlateau(buf []domain.ProgressSample) (bool, []domain.ProgressSample) {
	need := 2 * m.window
	if len(buf) < need {
		return false, nil
	}
	recent := buf[len(buf)-m.window:]
	prior := buf[len(buf)-need : len(buf)-m.window]

	recentAvg := avg(recent)
	priorAvg := avg(prior)
	delta := recentAvg - priorAvg
	if delta < 0 {
		delta = -delta
	}

	snapshot := make([]domain.ProgressSample, len(buf))
	copy(snapshot, buf)
	return delta < m.epsilon, snapshot
}

func avg(s []domain.ProgressSample) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, p := range s {
		sum += p.Percent
	}
	return sum / float64(len(s))
}

// Samples returns a copy of the buffered samples for a task, for tests and diagnostics.
func (m *Monitor) Samples(taskID string) []domain.ProgressSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ProgressSample, len(m.samples[taskID]))
	copy(out, m.samples[taskID])
	return out
}

// Reset clears the buffer for a task, e.g. once it completes.
func (m *Monitor) Reset(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.samples, taskID)
}
