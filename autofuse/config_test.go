package autofuse

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())

	cfg = Config{Mode: Mode(42)}
	require.Error(t, cfg.Validate())

	cfg = Config{FusionSpeedupRatio: -1}
	require.Error(t, cfg.Validate())

	cfg = Config{FusionSpeedupRatio: math.NaN()}
	require.Error(t, cfg.Validate())

	cfg = Config{FusionSpeedupRatio: math.Inf(1)}
	require.Error(t, cfg.Validate())

	cfg = Config{MeasureTimeout: -time.Second}
	require.Error(t, cfg.Validate())

	cfg = Config{MaxParallelGroups: -1}
	require.Error(t, cfg.Validate())
}

func TestConfigSpeedupRatio(t *testing.T) {
	cfg := Config{}
	assert.Equal(t, 1.0, cfg.speedupRatio())

	cfg = Config{Mode: ModeAggressive}
	assert.Equal(t, aggressiveSpeedupRatio, cfg.speedupRatio())

	cfg = Config{Mode: ModeAggressive, FusionSpeedupRatio: 0.9}
	assert.Equal(t, 0.9, cfg.speedupRatio())
}

func TestConfigErrorsAreFatalAtEntry(t *testing.T) {
	_, err := NewScheduler(nil, Config{})
	require.Error(t, err)

	_, err = NewScheduler(&fakeBackend{}, Config{FusionSpeedupRatio: -2})
	require.Error(t, err)
}
