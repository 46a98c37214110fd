// Package simplebackend is an in-process reference code-generation backend
// for autofuse: it enumerates candidate implementations for fusion groups and
// compiles them into interpreted float32 kernels.
//
// It models the resource behavior the scheduler must cope with: generated
// kernels carry a register-pressure estimate, and a kernel whose pressure
// exceeds the budget either gets shrunk (when ShrinkWideKernels is on) or
// reports register spilling, which the benchmark loop scores as unmeasurable.
package simplebackend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/autofuse/autofuse"
	"github.com/pkg/errors"
)

const (
	defaultRegisterBudget = 16

	// shrinkCostFactor penalizes shrunk kernels in the static cost model:
	// smaller blocks mean more passes over memory.
	shrinkCostFactor = 1.5

	// splitReductionCostFactor penalizes split reductions: the partial
	// accumulators make an extra round trip through memory.
	splitReductionCostFactor = 1.25

	// launchOverheadMS is the fixed per-kernel-launch cost in the static model.
	launchOverheadMS = 0.002
)

// Backend implements autofuse.Backend.
type Backend struct {
	// RegisterBudget is the number of registers a generated kernel may keep
	// live per lane before spilling.
	RegisterBudget int

	// ShrinkWideKernels lets the backend shrink a kernel's block size when
	// the register estimate exceeds the budget, avoiding the spill at some
	// throughput cost. Disabling it makes wide persistent kernels spill.
	ShrinkWideKernels bool

	// ArtifactDir is where generated kernel sources are written. Created
	// lazily under the system temp dir when empty.
	ArtifactDir string

	dirOnce sync.Once
	dirErr  error
	serial  atomic.Int64
}

// New returns a Backend with the default register budget and kernel
// shrinking enabled.
func New() *Backend {
	return &Backend{RegisterBudget: defaultRegisterBudget, ShrinkWideKernels: true}
}

var _ autofuse.Backend = (*Backend)(nil)

// Choices implements autofuse.Backend. The structurally valid candidates are:
//
//   - matmul-only group: the extern library routine plus a generated gemm
//     template (which produces a column-major output);
//   - matmul followed by an elementwise epilogue: a generated template fusing
//     the epilogue into the gemm;
//   - elementwise/reduction group: a persistent template, plus a split
//     reduction template when the group reduces;
//   - anything else (concatenations, unsupported ranks): no candidates, the
//     group stays unfused.
func (b *Backend) Choices(group *autofuse.FusionGroup) []autofuse.Candidate {
	if !supportedShapes(group) {
		return nil
	}
	switch classifyGroup(group) {
	case groupMatMulOnly:
		node := group.Nodes[0]
		return []autofuse.Candidate{
			b.externCandidate(node),
			b.gemmTemplateCandidate(group, node),
		}
	case groupMatMulEpilogue:
		return []autofuse.Candidate{b.epilogueTemplateCandidate(group)}
	case groupPointwise:
		return []autofuse.Candidate{b.persistentTemplateCandidate(group)}
	case groupReduction:
		return []autofuse.Candidate{
			b.persistentTemplateCandidate(group),
			b.splitReductionTemplateCandidate(group),
		}
	default:
		return nil
	}
}

// CompileUnfused implements autofuse.Backend. Matrix products lower to the
// extern library routine, everything else to a single-node generated kernel.
func (b *Backend) CompileUnfused(ctx context.Context, node *autofuse.Node) (autofuse.CompiledKernel, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "compilation aborted")
	}
	if node.Shape.Rank() > 2 {
		return nil, errors.Errorf("simplebackend supports ranks up to 2, node %s has shape %s", node, node.Shape)
	}
	if node.Op.IsMatMul() {
		return newExternKernel(node), nil
	}
	group, err := autofuse.NewFusionGroup(node)
	if err != nil {
		return nil, err
	}
	return b.newFusedKernel(group, fmt.Sprintf("kernel_%s_%d", node.Op, b.serial.Add(1)),
		autofuse.KernelStats{RegistersUsed: 4}, launchOverheadMS+trafficMS(group))
}

type groupClass int

const (
	groupUnsupported groupClass = iota
	groupMatMulOnly
	groupMatMulEpilogue
	groupPointwise
	groupReduction
)

func classifyGroup(group *autofuse.FusionGroup) groupClass {
	numMatMul, numReduce, numOther := 0, 0, 0
	for _, node := range group.Nodes {
		switch {
		case node.Op.IsMatMul():
			numMatMul++
		case node.Op.IsReduction():
			numReduce++
		case isElementwise(node.Op):
			numOther++
		default:
			return groupUnsupported
		}
	}
	switch {
	case numMatMul == 1 && len(group.Nodes) == 1:
		return groupMatMulOnly
	case numMatMul == 1 && group.Nodes[0].Op.IsMatMul() && numReduce == 0:
		return groupMatMulEpilogue
	case numMatMul > 0:
		return groupUnsupported
	case numReduce > 0:
		return groupReduction
	default:
		return groupPointwise
	}
}

func isElementwise(op autofuse.OpKind) bool {
	switch op {
	case autofuse.OpAdd, autofuse.OpSub, autofuse.OpMul, autofuse.OpDiv,
		autofuse.OpExp, autofuse.OpRelu, autofuse.OpGelu, autofuse.OpTanh,
		autofuse.OpAddScalar, autofuse.OpMulScalar:
		return true
	}
	return false
}

func supportedShapes(group *autofuse.FusionGroup) bool {
	for _, node := range group.Nodes {
		if node.Shape.Rank() > 2 {
			return false
		}
	}
	return true
}

func (b *Backend) externCandidate(node *autofuse.Node) autofuse.Candidate {
	return &autofuse.ExternKernelCaller{
		Routine:    "extern_kernels." + node.Op.String(),
		Layouts:    []autofuse.Layout{autofuse.ContiguousLayout(node.Shape)},
		EstimateMS: matmulFlopsMS(node) * 0.8, // vendor routine, assumed near peak
		CompileFn: func(ctx context.Context, group *autofuse.FusionGroup) (autofuse.CompiledKernel, error) {
			return newExternKernel(node), nil
		},
	}
}

func (b *Backend) gemmTemplateCandidate(group *autofuse.FusionGroup, node *autofuse.Node) autofuse.Candidate {
	name := fmt.Sprintf("kernel_tem_fused_%s_%d", opsTag(group), b.serial.Add(1))
	return &autofuse.TemplateCaller{
		KernelName: name,
		// The generated gemm tile writes its output transposed.
		Layouts:    []autofuse.Layout{autofuse.ColumnMajorLayout(node.Shape)},
		EstimateMS: matmulFlopsMS(node),
		CompileFn:  b.templateCompileFn(name, 8, matmulFlopsMS(node)),
	}
}

func (b *Backend) epilogueTemplateCandidate(group *autofuse.FusionGroup) autofuse.Candidate {
	name := fmt.Sprintf("kernel_tem_fused_%s_%d", opsTag(group), b.serial.Add(1))
	return &autofuse.TemplateCaller{
		KernelName: name,
		Layouts:    contiguousOutputLayouts(group),
		EstimateMS: matmulFlopsMS(group.Nodes[0]) + trafficMS(group),
		CompileFn:  b.templateCompileFn(name, 10, matmulFlopsMS(group.Nodes[0])+trafficMS(group)),
	}
}

func (b *Backend) persistentTemplateCandidate(group *autofuse.FusionGroup) autofuse.Candidate {
	name := fmt.Sprintf("kernel_per_fused_%s_%d", opsTag(group), b.serial.Add(1))
	registers := registerPressure(group)
	estimate := trafficMS(group)
	stats := autofuse.KernelStats{RegistersUsed: registers}
	switch {
	case registers > b.registerBudget() && b.ShrinkWideKernels:
		stats.RegistersUsed = b.registerBudget()
		estimate *= shrinkCostFactor
	case registers > b.registerBudget():
		stats.Spilled = true
	}
	return &autofuse.TemplateCaller{
		KernelName: name,
		Layouts:    contiguousOutputLayouts(group),
		EstimateMS: estimate,
		CompileFn: func(ctx context.Context, group *autofuse.FusionGroup) (autofuse.CompiledKernel, error) {
			return b.newFusedKernel(group, name, stats, estimate)
		},
	}
}

func (b *Backend) splitReductionTemplateCandidate(group *autofuse.FusionGroup) autofuse.Candidate {
	name := fmt.Sprintf("kernel_red_fused_%s_%d", opsTag(group), b.serial.Add(1))
	// Partial accumulators live in memory, so pressure stays low regardless
	// of how wide the group is.
	stats := autofuse.KernelStats{RegistersUsed: 6}
	estimate := trafficMS(group) * splitReductionCostFactor
	return &autofuse.TemplateCaller{
		KernelName: name,
		Layouts:    contiguousOutputLayouts(group),
		EstimateMS: estimate,
		CompileFn: func(ctx context.Context, group *autofuse.FusionGroup) (autofuse.CompiledKernel, error) {
			return b.newFusedKernel(group, name, stats, estimate)
		},
	}
}

func (b *Backend) templateCompileFn(name string, registers int, estimate float64) autofuse.CompileFunc {
	return func(ctx context.Context, group *autofuse.FusionGroup) (autofuse.CompiledKernel, error) {
		return b.newFusedKernel(group, name, autofuse.KernelStats{RegistersUsed: registers}, estimate)
	}
}

func (b *Backend) registerBudget() int {
	if b.RegisterBudget > 0 {
		return b.RegisterBudget
	}
	return defaultRegisterBudget
}

// registerPressure estimates registers live per lane for a persistent kernel:
// liveness over the group's node outputs (group outputs stay live to the
// end, they are the accumulators) plus bookkeeping registers.
func registerPressure(group *autofuse.FusionGroup) int {
	lastUse := make(map[*autofuse.Node]int, len(group.Nodes))
	index := make(map[*autofuse.Node]int, len(group.Nodes))
	for idx, node := range group.Nodes {
		index[node] = idx
		for _, in := range node.Inputs {
			if _, inGroup := index[in]; inGroup {
				lastUse[in] = idx
			}
		}
	}
	for _, out := range group.Outputs() {
		lastUse[out] = len(group.Nodes)
	}

	live, maxLive := 0, 0
	released := make(map[*autofuse.Node]bool, len(group.Nodes))
	for idx, node := range group.Nodes {
		live++
		if live > maxLive {
			maxLive = live
		}
		for _, in := range node.Inputs {
			if end, inGroup := lastUse[in]; inGroup && end == idx && !released[in] {
				released[in] = true
				live--
			}
		}
		if lastUse[node] <= idx {
			// Dead on arrival: produced but never consumed nor escaping.
			released[node] = true
			live--
		}
	}
	return maxLive + 2
}

// opsTag joins the distinct op names of the group in first-appearance order,
// used in generated kernel names.
func opsTag(group *autofuse.FusionGroup) string {
	var tags []string
	seen := make(map[string]bool)
	for _, node := range group.Nodes {
		tag := node.Op.String()
		if seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return strings.Join(tags, "_")
}

func contiguousOutputLayouts(group *autofuse.FusionGroup) []autofuse.Layout {
	outs := group.Outputs()
	layouts := make([]autofuse.Layout, len(outs))
	for idx, out := range outs {
		layouts[idx] = autofuse.ContiguousLayout(out.Shape)
	}
	return layouts
}

// trafficMS estimates elementwise/reduction kernel time from memory traffic.
func trafficMS(group *autofuse.FusionGroup) float64 {
	bytes := 0
	for _, in := range group.ExternalInputs() {
		bytes += in.OutputBytes()
	}
	for _, out := range group.Outputs() {
		bytes += out.OutputBytes()
	}
	return float64(bytes) / 5e7 // 50 GB/s in ms
}

func matmulFlopsMS(node *autofuse.Node) float64 {
	a := node.Inputs[len(node.Inputs)-2]
	flops := 2.0 * float64(node.Shape.Dim(0)) * float64(node.Shape.Dim(1)) * float64(a.Shape.Dim(1))
	return flops / 1e8 // 100 GFLOP/s in ms
}

// artifactDir resolves (and lazily creates) the directory generated kernel
// sources are written to.
func (b *Backend) artifactDir() (string, error) {
	b.dirOnce.Do(func() {
		if b.ArtifactDir != "" {
			b.dirErr = os.MkdirAll(b.ArtifactDir, 0o755)
			return
		}
		dir, err := os.MkdirTemp("", "autofuse-kernels-*")
		if err != nil {
			b.dirErr = err
			return
		}
		b.ArtifactDir = dir
	})
	if b.dirErr != nil {
		return "", errors.Wrap(b.dirErr, "creating kernel artifact directory")
	}
	return b.ArtifactDir, nil
}

func (b *Backend) writeArtifact(name, source string) (string, error) {
	dir, err := b.artifactDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+".src")
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return "", errors.Wrapf(err, "writing kernel artifact %s", path)
	}
	return path, nil
}
