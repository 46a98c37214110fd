package autofuse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWallClockMeasurerSpilledKernel(t *testing.T) {
	kernel := &fakeKernel{name: "spiller", stats: KernelStats{RegistersUsed: 40, Spilled: true}}
	m := &WallClockMeasurer{}

	result, err := m.Measure(context.Background(), kernel, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.Equal(t, kernel.Path(), result.Path)
	assert.Zero(t, kernel.numRuns, "spilled kernels must not be executed")
}

func TestWallClockMeasurerMedian(t *testing.T) {
	kernel := &fakeKernel{name: "steady", sleep: time.Millisecond}
	m := &WallClockMeasurer{WarmUps: 1, Runs: 3}

	result, err := m.Measure(context.Background(), kernel, nil, nil)
	require.NoError(t, err)
	require.False(t, result.Failed())
	assert.GreaterOrEqual(t, result.LatencyMS, 1.0)
	assert.Equal(t, 4, kernel.numRuns) // 1 warmup + 3 timed
}

func TestWallClockMeasurerDeadline(t *testing.T) {
	kernel := &fakeKernel{name: "slow", sleep: 10 * time.Millisecond}
	m := &WallClockMeasurer{WarmUps: 1, Runs: 5}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	result, err := m.Measure(ctx, kernel, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Failed(), "deadline exhaustion scores as a failure, not an error")
}
