// Package autofuse implements benchmark-driven selection among candidate
// fused-kernel implementations for a compiler middle-end.
//
//   - Scheduler: per fusion group, generates candidate implementations,
//     benchmarks them on representative inputs, and records a Selection
//     Decision — the fastest viable candidate, or "unfused" when fusion would
//     regress performance.
//   - Candidate: one concrete way to execute a fusion group, either a
//     generated specialized kernel (TemplateCaller) or a call into a
//     precompiled library routine (ExternKernelCaller).
//   - Emitter: turns a schedule of decisions into wrapper code that allocates,
//     invokes, reuses and frees buffers, and into a runnable Program.
//
// The code-generation backend is pluggable: autofuse only requires something
// that can enumerate candidates for a group and compile them for concrete
// shapes and strides (see Backend). A reference in-process backend lives in
// internal/simplebackend and is used by the tests and benchmarks.
package autofuse

import "context"

// Backend is the code-generation backend consumed by the Scheduler and the
// Emitter. It enumerates candidate implementations for a fusion group and
// compiles kernels for concrete shapes, strides and dtypes.
type Backend interface {
	// Choices returns every candidate implementation structurally valid for
	// the group's node shapes and dtypes. An empty result means the group
	// cannot be fused and must execute node by node.
	Choices(group *FusionGroup) []Candidate

	// CompileUnfused compiles a standalone kernel for a single node, used for
	// the unfused baseline and for groups where fusion was rejected.
	CompileUnfused(ctx context.Context, node *Node) (CompiledKernel, error)
}

// CompiledKernel is an executable kernel produced by a Backend. Run computes
// the kernel's outputs from the given input buffers; the outputs slice is
// pre-allocated by the caller following the kernel's declared layout.
type CompiledKernel interface {
	Run(inputs, outputs []*Buffer) error

	// Stats reports compile-time resource usage, notably register spilling.
	Stats() KernelStats

	// Path returns the filesystem path of the generated kernel artifact, used
	// for diagnostics only.
	Path() string
}

// KernelStats describes resource usage of a compiled kernel.
type KernelStats struct {
	// RegistersUsed is the backend's estimate of registers live per lane.
	RegistersUsed int

	// Spilled indicates the kernel exceeded the register budget and spills to
	// memory. Spilled kernels are scored as unmeasurable by the benchmark
	// loop so they are never selected over a fitting candidate.
	Spilled bool
}
