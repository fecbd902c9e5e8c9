package slope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

func TestPlateauTriggersCallback(t *testing.T) {
	var triggered bool
	m := New(2, 0.5, func(taskID string, samples []domain.ProgressSample) {
		triggered = true
	})

	base := time.Now()
	percents := []float64{10, 20, 30, 30, 30, 30}
	for i, p := range percents {
		m.Record("task-1", domain.ProgressSample{Timestamp: base.Add(time.Duration(i) * time.Second), Percent: p})
	}
	assert.True(t, triggered)
}

func TestRisingProgressNeverPlateaus(t *testing.T) {
	var triggered bool
	m := New(2, 0.5, func(taskID string, samples []domain.ProgressSample) {
		triggered = true
	})
	base := time.Now()
	for i := 0; i < 6; i++ {
		m.Record("task-2", domain.ProgressSample{Timestamp: base.Add(time.Duration(i) * time.Second), Percent: float64(i * 10)})
	}
	assert.False(t, triggered)
}
