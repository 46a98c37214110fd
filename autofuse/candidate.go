package autofuse

import (
	"context"
	"fmt"
)

// CandidateKind tags the implementation strategy of a Candidate. Selection and
// emission switch exhaustively on the kind.
type CandidateKind int

const (
	// KindExternKernel calls a precompiled library routine. Preferred on
	// latency ties: no compilation, lowest launch overhead.
	KindExternKernel CandidateKind = iota

	// KindTemplate is a generated kernel specialized for the group.
	KindTemplate
)

func (k CandidateKind) String() string {
	switch k {
	case KindExternKernel:
		return "extern"
	case KindTemplate:
		return "template"
	default:
		return fmt.Sprintf("kind#%d", int(k))
	}
}

// CompileFunc lowers a candidate into an executable kernel for the group's
// concrete shapes and strides.
type CompileFunc func(ctx context.Context, group *FusionGroup) (CompiledKernel, error)

// Candidate is one concrete way to execute a fusion group. Candidates are
// created by the Backend, owned by the generation step until benchmarked, and
// the selected one is handed to the Emitter.
type Candidate interface {
	// Name identifies the candidate, e.g. "kernel_fused_mul_add_sum_0" or
	// "extern_kernels.addmm".
	Name() string

	// Kind returns the implementation strategy tag.
	Kind() CandidateKind

	// OutputLayouts returns the layout this candidate produces for each group
	// output, in group-output order.
	OutputLayouts() []Layout

	// Compile lowers the candidate for the group. Called at most once per
	// decision; the compiled kernel is reused for benchmarking and emission.
	Compile(ctx context.Context, group *FusionGroup) (CompiledKernel, error)

	// CostEstimateMS is the backend's static cost-model estimate, used to
	// rank template choices when multi-template benchmarking is disabled.
	CostEstimateMS() float64
}

// TemplateCaller is a Candidate backed by a generated, group-specialized
// kernel.
type TemplateCaller struct {
	KernelName string
	Layouts    []Layout
	EstimateMS float64
	CompileFn  CompileFunc
}

func (c *TemplateCaller) Name() string            { return c.KernelName }
func (c *TemplateCaller) Kind() CandidateKind     { return KindTemplate }
func (c *TemplateCaller) OutputLayouts() []Layout { return c.Layouts }
func (c *TemplateCaller) CostEstimateMS() float64 { return c.EstimateMS }

func (c *TemplateCaller) Compile(ctx context.Context, group *FusionGroup) (CompiledKernel, error) {
	return c.CompileFn(ctx, group)
}

// ExternKernelCaller is a Candidate backed by a precompiled library routine.
type ExternKernelCaller struct {
	// Routine is the library entry point, e.g. "extern_kernels.addmm".
	Routine    string
	Layouts    []Layout
	EstimateMS float64
	CompileFn  CompileFunc
}

func (c *ExternKernelCaller) Name() string            { return c.Routine }
func (c *ExternKernelCaller) Kind() CandidateKind     { return KindExternKernel }
func (c *ExternKernelCaller) OutputLayouts() []Layout { return c.Layouts }
func (c *ExternKernelCaller) CostEstimateMS() float64 { return c.EstimateMS }

func (c *ExternKernelCaller) Compile(ctx context.Context, group *FusionGroup) (CompiledKernel, error) {
	return c.CompileFn(ctx, group)
}

// kindPriority orders candidate kinds for deterministic tie-breaking: the
// simpler, lower-overhead kind wins.
func kindPriority(kind CandidateKind) int {
	switch kind {
	case KindExternKernel:
		return 0
	case KindTemplate:
		return 1
	default:
		return 2
	}
}
