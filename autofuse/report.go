package autofuse

import (
	"io"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// CandidateReport is the serializable record of one candidate measurement.
type CandidateReport struct {
	Name      string  `json:"name"`
	Kind      string  `json:"kind"`
	LatencyMS float64 `json:"latency_ms"`
	Failed    bool    `json:"failed"`
	Spilled   bool    `json:"spilled"`
	Path      string  `json:"path,omitempty"`
}

// GroupReport is the serializable record of one fusion decision.
type GroupReport struct {
	Group      string            `json:"group"`
	Decision   string            `json:"decision"`
	Choice     string            `json:"choice,omitempty"`
	LatencyMS  float64           `json:"latency_ms"`
	BaselineMS float64           `json:"baseline_ms"`
	Path       string            `json:"path,omitempty"`
	Candidates []CandidateReport `json:"candidates,omitempty"`
}

// Report is the diagnostics surface of a compilation: every decision with the
// latencies behind it. It is informational only; compilation correctness
// never depends on it.
type Report struct {
	CompileID string        `json:"compile_id"`
	CreatedAt time.Time     `json:"created_at"`
	Groups    []GroupReport `json:"groups"`
}

// Report snapshots the decisions made so far, sorted by group identity for
// reproducible output.
func (s *Scheduler) Report() *Report {
	decisions := s.Decisions()
	keys := make([]string, 0, len(decisions))
	for key := range decisions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	report := &Report{CompileID: s.compileID, CreatedAt: time.Now()}
	for _, key := range keys {
		decision := decisions[key]
		group := GroupReport{
			Group:      decision.Group.Key(),
			Decision:   decision.Kind.String(),
			LatencyMS:  decision.LatencyMS,
			BaselineMS: decision.BaselineMS,
			Path:       decision.Path,
		}
		if decision.Choice != nil {
			group.Choice = decision.Choice.Name()
		}
		for _, outcome := range decision.Outcomes() {
			// Infinite latencies are not representable in JSON; failed
			// candidates report -1 with the Failed flag set.
			latency := outcome.Result.LatencyMS
			if outcome.Result.Failed() {
				latency = -1
			}
			group.Candidates = append(group.Candidates, CandidateReport{
				Name:      outcome.Candidate.Name(),
				Kind:      outcome.Candidate.Kind().String(),
				LatencyMS: latency,
				Failed:    outcome.Result.Failed(),
				Spilled:   outcome.Spilled,
				Path:      outcome.Result.Path,
			})
		}
		report.Groups = append(report.Groups, group)
	}
	return report
}

// SawSpill reports whether any candidate in the report spilled registers.
func (r *Report) SawSpill() bool {
	for _, group := range r.Groups {
		for _, candidate := range group.Candidates {
			if candidate.Spilled {
				return true
			}
		}
	}
	return false
}

// WriteJSON serializes the report.
func (r *Report) WriteJSON(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r); err != nil {
		return errors.Wrap(err, "failed to serialize autotuning report")
	}
	return nil
}
