package security

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/hydra/pkg/orchestrator"
)

func TestObserveAveragesWithinWindow(t *testing.T) {
	m := New(Deps{})

	avgCPU, avgMem := m.observe("student-alice", orchestrator.WorkloadStats{CPUPercent: 10, MemoryPercent: 20})
	assert.Equal(t, 10.0, avgCPU)
	assert.Equal(t, 20.0, avgMem)

	avgCPU, avgMem = m.observe("student-alice", orchestrator.WorkloadStats{CPUPercent: 30, MemoryPercent: 40})
	assert.Equal(t, 20.0, avgCPU)
	assert.Equal(t, 30.0, avgMem)
}

func TestObserveDropsOldestBeyondWindowSize(t *testing.T) {
	m := New(Deps{})

	for i := 0; i < rollingWindowSize; i++ {
		m.observe("student-bob", orchestrator.WorkloadStats{CPUPercent: 0, MemoryPercent: 0})
	}
	avgCPU, _ := m.observe("student-bob", orchestrator.WorkloadStats{CPUPercent: 100, MemoryPercent: 100})

	// window holds exactly rollingWindowSize samples; the single 100 among
	// (rollingWindowSize-1) zeros averages to 100/rollingWindowSize.
	assert.InDelta(t, 100.0/float64(rollingWindowSize), avgCPU, 0.001)
}

func TestResetWindowClearsHistory(t *testing.T) {
	m := New(Deps{})
	m.observe("student-carol", orchestrator.WorkloadStats{CPUPercent: 90, MemoryPercent: 90})
	m.resetWindow("student-carol")

	avgCPU, avgMem := m.observe("student-carol", orchestrator.WorkloadStats{CPUPercent: 5, MemoryPercent: 5})
	assert.Equal(t, 5.0, avgCPU)
	assert.Equal(t, 5.0, avgMem)
}
