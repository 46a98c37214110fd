package autofuse

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Cost-model constants for the unfused baseline when per-kernel benchmarking
// is disabled. Only relative ordering matters.
const (
	launchOverheadMS = 0.002
	modelGBPerSec    = 50.0
	modelGFlops      = 100.0
)

// DecisionKind tags the outcome of a fusion decision.
type DecisionKind int

const (
	// DecisionUnfused executes the group's nodes as separate kernels.
	DecisionUnfused DecisionKind = iota

	// DecisionFused executes the group with the selected candidate kernel.
	DecisionFused
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionUnfused:
		return "unfused"
	case DecisionFused:
		return "fused"
	default:
		return fmt.Sprintf("decision#%d", int(k))
	}
}

// CandidateOutcome pairs a candidate with its benchmark result, kept on the
// decision for diagnostics.
type CandidateOutcome struct {
	Candidate Candidate
	Result    Result

	// Spilled records whether the compiled kernel reported register
	// spilling; spilled candidates always carry an infinite latency.
	Spilled bool

	// kernel is the compiled kernel measured for this outcome, reused for
	// emission when the candidate wins so nothing is compiled twice.
	kernel CompiledKernel
}

// Decision is the selection outcome for one fusion group. At most one
// decision exists per group and it is stable once made: code emission never
// triggers re-benchmarking.
type Decision struct {
	Kind  DecisionKind
	Group *FusionGroup

	// Choice and Kernel are set iff Kind is DecisionFused. Ownership of the
	// compiled winner transfers to the Emitter.
	Choice Candidate
	Kernel CompiledKernel

	// LatencyMS is the winner's measured latency for fused decisions, or the
	// unfused baseline for unfused decisions.
	LatencyMS float64

	// BaselineMS is the unfused baseline the winner was compared against.
	BaselineMS float64

	// Path is the winner's diagnostic artifact path, empty when unfused.
	Path string

	outcomes []CandidateOutcome
}

// Outcomes returns the per-candidate benchmark outcomes behind the decision.
func (d *Decision) Outcomes() []CandidateOutcome {
	return d.outcomes
}

// SawSpill reports whether any candidate of this decision spilled registers.
func (d *Decision) SawSpill() bool {
	for _, outcome := range d.outcomes {
		if outcome.Spilled {
			return true
		}
	}
	return false
}

// Scheduler makes benchmark-driven fusion decisions for one compilation. All
// state is per-instance: concurrent compilations use separate Schedulers and
// cannot observe each other's configuration or measurements.
type Scheduler struct {
	backend   Backend
	cfg       Config
	measurer  Measurer
	compileID string

	mu        sync.Mutex
	decisions map[string]*Decision
}

// NewScheduler creates a Scheduler for one compilation. Configuration errors
// are fatal and reported here, never deferred to benchmarking time.
func NewScheduler(backend Backend, cfg Config) (*Scheduler, error) {
	if backend == nil {
		return nil, errors.New("autofuse.NewScheduler: backend must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "autofuse.NewScheduler")
	}
	return &Scheduler{
		backend:   backend,
		cfg:       cfg,
		measurer:  &WallClockMeasurer{},
		compileID: uuid.NewString(),
		decisions: make(map[string]*Decision),
	}, nil
}

// WithMeasurer replaces the latency measurement strategy. Call before the
// first decision; tests use it to install deterministic fakes.
func (s *Scheduler) WithMeasurer(m Measurer) *Scheduler {
	s.measurer = m
	return s
}

// CompileID returns the unique id of this compilation context, used to tag
// reports and log lines.
func (s *Scheduler) CompileID() string {
	return s.compileID
}

// Backend returns the backend decisions are made against. Code emission must
// use the same backend, so unfused kernels match the benchmarked ones.
func (s *Scheduler) Backend() Backend {
	return s.backend
}

// BenchmarkFusedNodes is the primary probing entry point: it builds a fusion
// group from nodes, benchmarks the candidate implementations, and returns the
// best fused latency in milliseconds with the winner's diagnostic path.
//
// It records no decision. If no candidate exists or every candidate fails,
// the latency is +Inf and the path is empty.
func BenchmarkFusedNodes(ctx context.Context, s *Scheduler, nodes []*Node) (latencyMS float64, path string, err error) {
	group, err := NewFusionGroup(nodes...)
	if err != nil {
		return math.Inf(1), "", err
	}
	return s.benchmarkGroup(ctx, group)
}

// BenchmarkFusedNodes benchmarks the fused implementations of nodes. See the
// package-level function of the same name.
func (s *Scheduler) BenchmarkFusedNodes(ctx context.Context, nodes []*Node) (latencyMS float64, path string, err error) {
	return BenchmarkFusedNodes(ctx, s, nodes)
}

func (s *Scheduler) benchmarkGroup(ctx context.Context, group *FusionGroup) (float64, string, error) {
	choices := s.generateChoices(group)
	if len(choices) == 0 {
		return math.Inf(1), "", nil
	}
	inputs, err := s.representativeInputs(group)
	if err != nil {
		return math.Inf(1), "", err
	}
	best := failedResult("")
	for _, candidate := range choices {
		outcome := s.benchmarkCandidate(ctx, candidate, group, inputs)
		if outcome.Result.LatencyMS < best.LatencyMS {
			best = outcome.Result
		}
	}
	if best.Failed() {
		return math.Inf(1), "", nil
	}
	return best.LatencyMS, best.Path, nil
}

// Decide runs the fusion benchmarking algorithm for group and records the
// selection. Calling Decide again for the same group returns the recorded
// decision without re-benchmarking.
//
// Per-candidate failures (compile errors, crashes, spills, timeouts) are
// contained: they score the candidate as unmeasurable and never abort the
// decision, let alone the compilation.
func (s *Scheduler) Decide(ctx context.Context, group *FusionGroup) (*Decision, error) {
	if group == nil {
		return nil, errors.New("autofuse: Decide called with nil group")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "autofuse: compilation aborted")
	}

	key := group.signature()
	s.mu.Lock()
	if decision, done := s.decisions[key]; done {
		s.mu.Unlock()
		return decision, nil
	}
	s.mu.Unlock()

	decision, err := s.decide(ctx, group)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if earlier, done := s.decisions[key]; done {
		// Another goroutine decided the same group first; its decision wins
		// to keep the one-decision-per-group invariant.
		return earlier, nil
	}
	s.decisions[key] = decision
	return decision, nil
}

// DecideAll decides every group. Independent groups may be benchmarked
// concurrently (bounded by Config.MaxParallelGroups); candidates within one
// group are always measured back-to-back on the same goroutine.
func (s *Scheduler) DecideAll(ctx context.Context, groups []*FusionGroup) ([]*Decision, error) {
	decisions := make([]*Decision, len(groups))
	parallelism := s.cfg.MaxParallelGroups
	if parallelism <= 1 {
		for idx, group := range groups {
			decision, err := s.Decide(ctx, group)
			if err != nil {
				return nil, err
			}
			decisions[idx] = decision
		}
		return decisions, nil
	}

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, parallelism)
		errOnce  sync.Once
		firstErr error
	)
	for idx, group := range groups {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, group *FusionGroup) {
			defer wg.Done()
			defer func() { <-sem }()
			decision, err := s.Decide(ctx, group)
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}
			decisions[idx] = decision
		}(idx, group)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return decisions, nil
}

// Decisions returns all recorded decisions, keyed by group identity.
func (s *Scheduler) Decisions() map[string]*Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Decision, len(s.decisions))
	for key, decision := range s.decisions {
		out[key] = decision
	}
	return out
}

func (s *Scheduler) decide(ctx context.Context, group *FusionGroup) (*Decision, error) {
	if !s.cfg.BenchmarkFusion {
		baseline := s.estimateUnfusedMS(group)
		klog.V(1).Infof("autofuse[%s]: fusion benchmarking disabled, group %s stays unfused", s.compileID, group)
		return &Decision{Kind: DecisionUnfused, Group: group, LatencyMS: baseline, BaselineMS: baseline}, nil
	}

	choices := s.generateChoices(group)
	if len(choices) == 0 {
		baseline := s.estimateUnfusedMS(group)
		klog.V(1).Infof("autofuse[%s]: no viable candidate for group %s, staying unfused", s.compileID, group)
		return &Decision{Kind: DecisionUnfused, Group: group, LatencyMS: baseline, BaselineMS: baseline}, nil
	}

	// Benchmarking trouble never aborts the compilation: if representative
	// inputs cannot even be allocated, the group stays unfused on the cost
	// model, like any other contained failure.
	inputs, err := s.representativeInputs(group)
	if err != nil {
		baseline := s.estimateUnfusedMS(group)
		klog.Warningf("autofuse[%s]: preparing representative inputs for group %s failed (%v), staying unfused",
			s.compileID, group, err)
		return &Decision{Kind: DecisionUnfused, Group: group, LatencyMS: baseline, BaselineMS: baseline}, nil
	}

	// Candidates and baseline are measured in one pass so the compared
	// latencies come from the same hardware state.
	outcomes := make([]CandidateOutcome, 0, len(choices))
	for _, candidate := range choices {
		outcomes = append(outcomes, s.benchmarkCandidate(ctx, candidate, group, inputs))
	}
	baseline := s.unfusedBaselineMS(ctx, group, inputs)

	decision := &Decision{
		Kind:       DecisionUnfused,
		Group:      group,
		LatencyMS:  baseline,
		BaselineMS: baseline,
		outcomes:   outcomes,
	}

	// Minimum finite latency; outcomes are in deterministic candidate order,
	// so keeping the first strict minimum breaks ties by kind priority and
	// then by name.
	bestIdx := -1
	for idx, outcome := range outcomes {
		if outcome.Result.Failed() {
			continue
		}
		if bestIdx < 0 || outcome.Result.LatencyMS < outcomes[bestIdx].Result.LatencyMS {
			bestIdx = idx
		}
	}
	if bestIdx < 0 {
		klog.V(1).Infof("autofuse[%s]: all %d candidates failed for group %s, staying unfused",
			s.compileID, len(choices), group)
		return decision, nil
	}

	best := outcomes[bestIdx]
	if best.Result.LatencyMS >= baseline*s.cfg.speedupRatio() {
		klog.V(1).Infof("autofuse[%s]: group %s stays unfused: best fused %.4fms vs baseline %.4fms (ratio %.2f)",
			s.compileID, group, best.Result.LatencyMS, baseline, s.cfg.speedupRatio())
		return decision, nil
	}

	decision.Kind = DecisionFused
	decision.Choice = best.Candidate
	decision.Kernel = best.kernel
	decision.LatencyMS = best.Result.LatencyMS
	decision.Path = best.Result.Path
	klog.V(1).Infof("autofuse[%s]: group %s fused with %s (%s): %.4fms vs baseline %.4fms",
		s.compileID, group, best.Candidate.Name(), best.Candidate.Kind(), best.Result.LatencyMS, baseline)
	return decision, nil
}

// benchmarkCandidate compiles and measures one candidate. All failures are
// contained and reported as an infinite latency for this candidate only.
func (s *Scheduler) benchmarkCandidate(ctx context.Context, candidate Candidate, group *FusionGroup, inputs []*Buffer) (outcome CandidateOutcome) {
	outcome = CandidateOutcome{Candidate: candidate, Result: failedResult("")}
	defer func() {
		if recovered := recover(); recovered != nil {
			klog.Warningf("autofuse[%s]: candidate %s panicked during benchmarking: %v",
				s.compileID, candidate.Name(), recovered)
			outcome.Result = failedResult(outcome.Result.Path)
		}
	}()

	kernel, err := candidate.Compile(ctx, group)
	if err != nil {
		klog.Warningf("autofuse[%s]: candidate %s failed to compile: %v", s.compileID, candidate.Name(), err)
		return outcome
	}
	outcome.kernel = kernel
	outcome.Spilled = kernel.Stats().Spilled
	outcome.Result.Path = kernel.Path()

	outputs, err := outputBuffers(candidate, group)
	if err != nil {
		klog.Warningf("autofuse[%s]: candidate %s output allocation failed: %v", s.compileID, candidate.Name(), err)
		return outcome
	}

	measureCtx, cancel := context.WithTimeout(ctx, s.cfg.measureTimeout())
	defer cancel()
	result, err := s.measurer.Measure(measureCtx, kernel, inputs, outputs)
	if err != nil {
		klog.Warningf("autofuse[%s]: measuring candidate %s failed: %v", s.compileID, candidate.Name(), err)
		return outcome
	}
	result.Path = kernel.Path()
	outcome.Result = result
	klog.V(2).Infof("autofuse[%s]: candidate %s (%s) measured %.4fms",
		s.compileID, candidate.Name(), candidate.Kind(), result.LatencyMS)
	return outcome
}

// unfusedBaselineMS returns the cost of executing the group node by node:
// measured per-node kernels when per-kernel benchmarking is enabled, a cost
// model estimate otherwise. Baseline failures never abort the decision; the
// estimate covers for them.
func (s *Scheduler) unfusedBaselineMS(ctx context.Context, group *FusionGroup, inputs []*Buffer) float64 {
	if !s.cfg.BenchmarkKernel {
		return s.estimateUnfusedMS(group)
	}
	total, err := s.measureUnfusedMS(ctx, group, inputs)
	if err != nil {
		klog.Warningf("autofuse[%s]: measuring unfused baseline for group %s failed (%v), using cost model",
			s.compileID, group, err)
		return s.estimateUnfusedMS(group)
	}
	return total
}

func (s *Scheduler) measureUnfusedMS(ctx context.Context, group *FusionGroup, inputs []*Buffer) (float64, error) {
	bound := bindBuffers(group.ExternalInputs(), inputs)
	total := 0.0
	for _, node := range group.Nodes {
		kernel, err := s.backend.CompileUnfused(ctx, node)
		if err != nil {
			return 0, errors.WithMessagef(err, "compiling unfused kernel for %s", node)
		}
		distinct := distinctInputs(node)
		nodeInputs := make([]*Buffer, len(distinct))
		for idx, in := range distinct {
			buf, ok := bound[in]
			if !ok {
				return 0, errors.Errorf("no buffer bound for input %s of node %s", in, node)
			}
			nodeInputs[idx] = buf
		}
		output := NewContiguousBuffer(node.Shape)
		measureCtx, cancel := context.WithTimeout(ctx, s.cfg.measureTimeout())
		result, err := s.measurer.Measure(measureCtx, kernel, nodeInputs, []*Buffer{output})
		cancel()
		if err != nil {
			return 0, errors.WithMessagef(err, "measuring unfused kernel for %s", node)
		}
		if result.Failed() {
			return 0, errors.Errorf("unfused kernel for %s was unmeasurable", node)
		}
		total += result.LatencyMS
		bound[node] = output
	}
	return total, nil
}

// estimateUnfusedMS is a bytes-and-flops cost model: per node, a fixed kernel
// launch overhead plus memory traffic and (for matmuls) arithmetic time.
func (s *Scheduler) estimateUnfusedMS(group *FusionGroup) float64 {
	total := 0.0
	for _, node := range group.Nodes {
		total += launchOverheadMS
		bytes := float64(node.InputBytes() + node.OutputBytes())
		total += bytes / (modelGBPerSec * 1e6)
		if node.Op.IsMatMul() {
			a := node.Inputs[len(node.Inputs)-2]
			flops := 2.0 * float64(node.Shape.Dim(0)) * float64(node.Shape.Dim(1)) * float64(a.Shape.Dim(1))
			total += flops / (modelGFlops * 1e6)
		}
	}
	return total
}

// representativeInputs allocates input buffers matching the group's external
// input shapes and fills them with deterministic pseudo-random data, so that
// measurements reflect actual runtime shapes and repeated runs see the same
// values. Inputs produced by an already-decided fused group use the layout
// that group's winning candidate declared, so downstream measurements see the
// strides they will run with.
func (s *Scheduler) representativeInputs(group *FusionGroup) ([]*Buffer, error) {
	external := group.ExternalInputs()
	buffers := make([]*Buffer, len(external))
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(group.signature()))
	rng := rand.New(rand.NewSource(int64(hasher.Sum64())))
	for idx, in := range external {
		layout, known := s.plannedLayout(in)
		if !known {
			layout = ContiguousLayout(in.Shape)
		}
		buf, err := NewBuffer(layout)
		if err != nil {
			return nil, errors.WithMessagef(err, "allocating representative input for %s", in)
		}
		for i := range buf.Data {
			buf.Data[i] = rng.Float32()*2 - 1
		}
		buffers[idx] = buf
	}
	return buffers, nil
}

// plannedLayout reports the layout node will be materialized with, if node is
// an output of a group already decided in favor of a fused candidate.
func (s *Scheduler) plannedLayout(node *Node) (Layout, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, decision := range s.decisions {
		if decision.Kind != DecisionFused || decision.Choice == nil {
			continue
		}
		for idx, out := range decision.Group.Outputs() {
			if out == node {
				return decision.Choice.OutputLayouts()[idx], true
			}
		}
	}
	return Layout{}, false
}

// outputBuffers allocates output buffers following the candidate's declared
// layouts, one per group output.
func outputBuffers(candidate Candidate, group *FusionGroup) ([]*Buffer, error) {
	layouts := candidate.OutputLayouts()
	outs := group.Outputs()
	if len(layouts) != len(outs) {
		return nil, errors.Errorf("candidate %s declares %d output layouts for %d group outputs",
			candidate.Name(), len(layouts), len(outs))
	}
	buffers := make([]*Buffer, len(layouts))
	for idx, layout := range layouts {
		if !layout.Shape.Equal(outs[idx].Shape) {
			return nil, errors.Errorf("candidate %s output #%d layout %s does not match node shape %s",
				candidate.Name(), idx, layout, outs[idx].Shape)
		}
		buf, err := NewBuffer(layout)
		if err != nil {
			return nil, err
		}
		buffers[idx] = buf
	}
	return buffers, nil
}

// bindBuffers zips nodes with their buffers into a lookup map.
func bindBuffers(nodes []*Node, buffers []*Buffer) map[*Node]*Buffer {
	bound := make(map[*Node]*Buffer, len(nodes))
	for idx, node := range nodes {
		if idx < len(buffers) {
			bound[node] = buffers[idx]
		}
	}
	return bound
}
