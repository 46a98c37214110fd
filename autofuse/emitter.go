package autofuse

import (
	"context"
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Emitter turns a schedule of selection decisions into wrapper code and a
// runnable Program. The wrapper allocates intermediate buffers, invokes the
// selected kernels, frees every intermediate exactly once after its last use,
// and recycles freed allocations of matching size.
//
// The numeric output of the emitted program is independent of which candidate
// won each decision: selection affects performance, never correctness.
type Emitter struct {
	backend Backend
}

// NewEmitter creates an Emitter on top of the given backend. The backend is
// used to compile standalone kernels for unfused decisions.
func NewEmitter(backend Backend) *Emitter {
	return &Emitter{backend: backend}
}

// progStep is one kernel invocation in the emitted program.
type progStep struct {
	kernel  CompiledKernel
	inputs  []*Node
	outputs []*Node
	layouts []Layout
}

// Program is the executable artifact of code emission.
type Program struct {
	code    string
	steps   []progStep
	inputs  []*Node
	outputs []*Node
	layouts map[*Node]Layout
}

// Code returns the emitted wrapper code, for inspection and diagnostics.
func (p *Program) Code() string {
	return p.code
}

// LayoutOf returns the buffer layout planned for a produced value.
func (p *Program) LayoutOf(node *Node) (Layout, bool) {
	layout, ok := p.layouts[node]
	return layout, ok
}

// Emit lowers the schedule into a Program. Every decision must have been made
// by a Scheduler; emission never re-benchmarks. inputs and outputs declare
// the program boundary in call order.
func (e *Emitter) Emit(ctx context.Context, schedule []*Decision, inputs, outputs []*Node) (*Program, error) {
	program := &Program{
		inputs:  inputs,
		outputs: outputs,
		layouts: make(map[*Node]Layout),
	}
	for _, decision := range schedule {
		if decision == nil {
			return nil, errors.New("autofuse.Emit: nil decision in schedule")
		}
		switch decision.Kind {
		case DecisionFused:
			if decision.Choice == nil || decision.Kernel == nil {
				exceptions.Panicf("autofuse.Emit: fused decision for group %s carries no selected kernel", decision.Group)
			}
			step := progStep{
				kernel:  decision.Kernel,
				inputs:  decision.Group.ExternalInputs(),
				outputs: decision.Group.Outputs(),
				layouts: decision.Choice.OutputLayouts(),
			}
			for idx, out := range step.outputs {
				program.layouts[out] = step.layouts[idx]
			}
			program.steps = append(program.steps, step)
		case DecisionUnfused:
			for _, node := range decision.Group.Nodes {
				kernel, err := e.backend.CompileUnfused(ctx, node)
				if err != nil {
					return nil, errors.WithMessagef(err, "compiling unfused kernel for %s", node)
				}
				layout := ContiguousLayout(node.Shape)
				program.layouts[node] = layout
				program.steps = append(program.steps, progStep{
					kernel:  kernel,
					inputs:  distinctInputs(node),
					outputs: []*Node{node},
					layouts: []Layout{layout},
				})
			}
		default:
			exceptions.Panicf("autofuse.Emit: unknown decision kind %d", decision.Kind)
		}
	}
	if err := program.plan(); err != nil {
		return nil, err
	}
	return program, nil
}

// plan validates producer/consumer ordering, assigns buffer names, computes
// last uses, and renders the wrapper code.
func (p *Program) plan() error {
	produced := make(map[*Node]bool, len(p.inputs))
	names := make(map[*Node]string)
	for _, in := range p.inputs {
		produced[in] = true
		names[in] = in.Name
	}

	// remaining counts the uses of each produced value still ahead; a value
	// is freed when it hits zero, unless it is a program input or output.
	remaining := make(map[*Node]int)
	for _, step := range p.steps {
		for _, in := range step.inputs {
			remaining[in]++
		}
	}
	for _, out := range p.outputs {
		remaining[out]++
	}

	var (
		code      strings.Builder
		freed     = make(map[*Node]bool)
		freePool  = make(map[int][]string)
		bufSerial int
	)
	isProgramOutput := make(map[*Node]bool, len(p.outputs))
	for _, out := range p.outputs {
		isProgramOutput[out] = true
	}
	isProgramInput := make(map[*Node]bool, len(p.inputs))
	for _, in := range p.inputs {
		isProgramInput[in] = true
	}

	fmt.Fprintf(&code, "def call(%s):\n", strings.Join(nodeNames(p.inputs), ", "))
	for _, step := range p.steps {
		for _, in := range step.inputs {
			if !produced[in] {
				return errors.Errorf("value %s is consumed before it is produced", in)
			}
		}

		// An input that dies at this step and matches an output's storage
		// size is reused in place instead of allocating fresh storage.
		inplace := make(map[int]*Node)
		claimed := make(map[*Node]bool)
		for idx := range step.outputs {
			size := step.layouts[idx].storageSize()
			for _, in := range step.inputs {
				if claimed[in] || freed[in] || isProgramInput[in] || isProgramOutput[in] {
					continue
				}
				if remaining[in] == 1 && p.layouts[in].storageSize() == size {
					inplace[idx] = in
					claimed[in] = true
					break
				}
			}
		}

		for idx, out := range step.outputs {
			layout := step.layouts[idx]
			name := fmt.Sprintf("buf%d", bufSerial)
			bufSerial++
			names[out] = name
			produced[out] = true
			switch {
			case inplace[idx] != nil:
				donor := inplace[idx]
				freed[donor] = true
				fmt.Fprintf(&code, "    %s = reuse(%s)  # %s\n", name, names[donor], formatLayout(layout))
			default:
				if recycled := popFree(freePool, layout.storageSize()); recycled != "" {
					fmt.Fprintf(&code, "    %s = reuse(%s)  # %s\n", name, recycled, formatLayout(layout))
				} else {
					fmt.Fprintf(&code, "    %s = empty_strided(%s)\n", name, formatLayout(layout))
				}
			}
		}
		fmt.Fprintf(&code, "    %s\n", step.callLine(names))

		for _, in := range step.inputs {
			remaining[in]--
			if remaining[in] > 0 || freed[in] || isProgramOutput[in] {
				continue
			}
			freed[in] = true
			fmt.Fprintf(&code, "    del %s\n", names[in])
			if isProgramInput[in] {
				// Caller-owned storage: dropped, never recycled.
				continue
			}
			layout := p.layouts[in]
			freePool[layout.storageSize()] = append(freePool[layout.storageSize()], names[in])
		}
	}
	for _, out := range p.outputs {
		if !produced[out] {
			return errors.Errorf("program output %s is never produced", out)
		}
	}
	outNames := make([]string, len(p.outputs))
	for idx, out := range p.outputs {
		outNames[idx] = names[out]
	}
	fmt.Fprintf(&code, "    return (%s,)\n", strings.Join(outNames, ", "))
	p.code = code.String()
	return nil
}

// callLine renders the kernel invocation in wrapper syntax: generated kernels
// use `<name>.run(inputs..., outputs...)`, extern routines use
// `<routine>(inputs..., out=...)`.
func (step *progStep) callLine(names map[*Node]string) string {
	inNames := make([]string, len(step.inputs))
	for idx, in := range step.inputs {
		inNames[idx] = names[in]
	}
	outNames := make([]string, len(step.outputs))
	for idx, out := range step.outputs {
		outNames[idx] = names[out]
	}
	if extern, ok := step.kernel.(interface{ Routine() string }); ok {
		return fmt.Sprintf("%s(%s, out=%s)", extern.Routine(), strings.Join(inNames, ", "), strings.Join(outNames, ", "))
	}
	return fmt.Sprintf("%s.run(%s)", step.kernelName(), strings.Join(append(inNames, outNames...), ", "))
}

func (step *progStep) kernelName() string {
	if named, ok := step.kernel.(interface{ KernelName() string }); ok {
		return named.KernelName()
	}
	return "kernel"
}

// Run executes the program. inputs are bound positionally to the declared
// program inputs; the returned buffers correspond to the declared outputs.
func (p *Program) Run(inputs []*Buffer) ([]*Buffer, error) {
	if len(inputs) != len(p.inputs) {
		return nil, errors.Errorf("program expects %d inputs, got %d", len(p.inputs), len(inputs))
	}
	bound := make(map[*Node]*Buffer, len(p.inputs))
	for idx, node := range p.inputs {
		if !inputs[idx].Layout.Shape.Equal(node.Shape) {
			return nil, errors.Errorf("input #%d has shape %s, program expects %s",
				idx, inputs[idx].Layout.Shape, node.Shape)
		}
		bound[node] = inputs[idx]
	}

	for _, step := range p.steps {
		stepInputs := make([]*Buffer, len(step.inputs))
		for idx, in := range step.inputs {
			buf, ok := bound[in]
			if !ok {
				return nil, errors.Errorf("no buffer bound for %s", in)
			}
			stepInputs[idx] = buf
		}
		stepOutputs := make([]*Buffer, len(step.outputs))
		for idx, layout := range step.layouts {
			buf, err := NewBuffer(layout)
			if err != nil {
				return nil, err
			}
			stepOutputs[idx] = buf
		}
		if err := step.kernel.Run(stepInputs, stepOutputs); err != nil {
			return nil, errors.WithMessagef(err, "running kernel for outputs %v", nodeNames(step.outputs))
		}
		for idx, out := range step.outputs {
			bound[out] = stepOutputs[idx]
		}
	}

	results := make([]*Buffer, len(p.outputs))
	for idx, out := range p.outputs {
		buf, ok := bound[out]
		if !ok {
			return nil, errors.Errorf("program output %s was never produced", out)
		}
		results[idx] = buf
	}
	return results, nil
}

func nodeNames(nodes []*Node) []string {
	names := make([]string, len(nodes))
	for idx, node := range nodes {
		names[idx] = node.Name
	}
	return names
}

func popFree(pool map[int][]string, size int) string {
	list := pool[size]
	if len(list) == 0 {
		return ""
	}
	name := list[len(list)-1]
	pool[size] = list[:len(list)-1]
	return name
}

func formatLayout(layout Layout) string {
	dims := make([]string, layout.Shape.Rank())
	strides := make([]string, layout.Shape.Rank())
	for axis := 0; axis < layout.Shape.Rank(); axis++ {
		dims[axis] = fmt.Sprintf("%d", layout.Shape.Dim(axis))
		strides[axis] = fmt.Sprintf("%d", layout.Strides[axis])
	}
	return fmt.Sprintf("(%s), (%s)", strings.Join(dims, ", "), strings.Join(strides, ", "))
}
