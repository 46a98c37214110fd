package autofuse

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Result is one immutable benchmark measurement for a candidate.
type Result struct {
	// LatencyMS is the measured wall-clock latency in milliseconds. It is
	// +Inf when the candidate failed, spilled registers, or timed out.
	LatencyMS float64

	// Path is the filesystem path of the measured kernel artifact, kept for
	// diagnostics.
	Path string
}

// Failed reports whether the measurement represents a failure.
func (r Result) Failed() bool {
	return math.IsInf(r.LatencyMS, 1)
}

// failedResult scores a candidate as unmeasurable while keeping whatever
// diagnostic path is available.
func failedResult(path string) Result {
	return Result{LatencyMS: math.Inf(1), Path: path}
}

// Measurer measures the latency of one compiled kernel. It is injected into
// the Scheduler at construction so tests can substitute a deterministic fake.
//
// Implementations must honor the context deadline and must return comparable
// latencies for kernels measured back-to-back; absolute noise is tolerated.
type Measurer interface {
	Measure(ctx context.Context, kernel CompiledKernel, inputs, outputs []*Buffer) (Result, error)
}

// CostModelMeasurer scores kernels by the cost estimate they expose instead
// of executing them. It makes decisions fully deterministic and is useful for
// dry-run autotuning and for tests; real compilations use WallClockMeasurer.
type CostModelMeasurer struct{}

// Measure implements Measurer. Kernels report their estimate through an
// optional `EstimatedMS() float64` method; kernels without one are scored as
// unmeasurable.
func (CostModelMeasurer) Measure(ctx context.Context, kernel CompiledKernel, inputs, outputs []*Buffer) (Result, error) {
	path := kernel.Path()
	if kernel.Stats().Spilled {
		return failedResult(path), nil
	}
	if estimator, ok := kernel.(interface{ EstimatedMS() float64 }); ok {
		return Result{LatencyMS: estimator.EstimatedMS(), Path: path}, nil
	}
	return failedResult(path), errors.New("kernel exposes no cost estimate")
}

// WallClockMeasurer times kernel runs with the monotonic clock and reports
// the median of its timed runs. Kernels whose compile-time stats report
// register spilling are scored as unmeasurable without running: a spilled
// kernel is pathologically slow and must never win over a fitting one.
type WallClockMeasurer struct {
	// WarmUps is the number of untimed runs before measuring. Zero means 2.
	WarmUps int

	// Runs is the number of timed runs the median is taken over. Zero means 5.
	Runs int
}

func (m *WallClockMeasurer) warmUps() int {
	if m.WarmUps > 0 {
		return m.WarmUps
	}
	return 2
}

func (m *WallClockMeasurer) runs() int {
	if m.Runs > 0 {
		return m.Runs
	}
	return 5
}

// Measure implements Measurer.
func (m *WallClockMeasurer) Measure(ctx context.Context, kernel CompiledKernel, inputs, outputs []*Buffer) (Result, error) {
	path := kernel.Path()
	if kernel.Stats().Spilled {
		return failedResult(path), nil
	}

	for i := 0; i < m.warmUps(); i++ {
		if ctx.Err() != nil {
			return failedResult(path), nil
		}
		if err := kernel.Run(inputs, outputs); err != nil {
			return failedResult(path), errors.WithMessage(err, "while warming up kernel")
		}
	}

	samples := make([]float64, 0, m.runs())
	for i := 0; i < m.runs(); i++ {
		if ctx.Err() != nil {
			// Ran out of time before collecting enough samples: scored as a
			// failure so the scheduler can still compare the rest.
			return failedResult(path), nil
		}
		start := time.Now()
		if err := kernel.Run(inputs, outputs); err != nil {
			return failedResult(path), errors.WithMessage(err, "while benchmarking kernel")
		}
		samples = append(samples, float64(time.Since(start))/float64(time.Millisecond))
	}
	sort.Float64s(samples)
	return Result{LatencyMS: samples[len(samples)/2], Path: path}, nil
}
