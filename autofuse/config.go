package autofuse

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Mode selects the autotuning posture: how reluctant the scheduler is to fuse
// when the measured fused latency is close to the unfused baseline.
type Mode int

const (
	// ModeConservative only fuses when the fused kernel is strictly faster
	// than the unfused baseline.
	ModeConservative Mode = iota

	// ModeAggressive fuses whenever the fused kernel is within a small slack
	// of the baseline, trading occasional small regressions for fewer kernel
	// launches.
	ModeAggressive
)

const (
	defaultMeasureTimeout  = 5 * time.Second
	aggressiveSpeedupRatio = 1.1
)

// Config holds the benchmarking configuration for one compilation. It is
// passed explicitly to NewScheduler; there is no process-global state, so
// concurrent compilations cannot observe each other's settings.
type Config struct {
	// BenchmarkKernel enables measuring individual (unfused) kernels. When
	// disabled, the unfused baseline comes from a bytes-moved cost model.
	BenchmarkKernel bool

	// BenchmarkFusion enables benchmark-driven fusion decisions. When
	// disabled every group is decided unfused.
	BenchmarkFusion bool

	// BenchmarkMultiTemplates enables benchmarking between multiple template
	// candidates for the same group. When disabled, template candidates are
	// ranked by their static cost estimate and only the best one is measured.
	BenchmarkMultiTemplates bool

	// FilterChoice restricts the candidate search space. A nil filter admits
	// every candidate. A candidate rejected by the filter is silently
	// excluded; it is not an error.
	FilterChoice func(Candidate) bool

	// Mode presets the fused-vs-unfused acceptance slack.
	Mode Mode

	// FusionSpeedupRatio overrides the Mode preset when non-zero: fusion is
	// accepted iff fusedMS < unfusedMS * ratio. 1.0 demands a strict win,
	// values above 1.0 tolerate slack, values below 1.0 demand a margin.
	FusionSpeedupRatio float64

	// MeasureTimeout bounds each candidate's measurement. Zero means the
	// default of 5s. A candidate that exceeds it scores infinite latency.
	MeasureTimeout time.Duration

	// MaxParallelGroups bounds how many independent groups DecideAll measures
	// concurrently. Zero or one means sequential. Candidates within a group
	// are always measured back-to-back.
	MaxParallelGroups int
}

// Validate checks the configuration. Configuration errors are fatal and are
// surfaced at compilation entry, never deferred to benchmarking time.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeConservative, ModeAggressive:
	default:
		return errors.Errorf("invalid autotuning mode %d", c.Mode)
	}
	if c.FusionSpeedupRatio < 0 || math.IsNaN(c.FusionSpeedupRatio) || math.IsInf(c.FusionSpeedupRatio, 0) {
		return errors.Errorf("invalid FusionSpeedupRatio %v: must be a finite value >= 0", c.FusionSpeedupRatio)
	}
	if c.MeasureTimeout < 0 {
		return errors.Errorf("invalid MeasureTimeout %v: must not be negative", c.MeasureTimeout)
	}
	if c.MaxParallelGroups < 0 {
		return errors.Errorf("invalid MaxParallelGroups %d: must not be negative", c.MaxParallelGroups)
	}
	return nil
}

// speedupRatio resolves the effective fused-vs-unfused acceptance ratio.
func (c *Config) speedupRatio() float64 {
	if c.FusionSpeedupRatio > 0 {
		return c.FusionSpeedupRatio
	}
	if c.Mode == ModeAggressive {
		return aggressiveSpeedupRatio
	}
	return 1.0
}

// measureTimeout resolves the effective per-candidate measurement bound.
func (c *Config) measureTimeout() time.Duration {
	if c.MeasureTimeout > 0 {
		return c.MeasureTimeout
	}
	return defaultMeasureTimeout
}

func (c *Config) admits(candidate Candidate) bool {
	return c.FilterChoice == nil || c.FilterChoice(candidate)
}
