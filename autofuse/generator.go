package autofuse

import (
	"sort"

	"k8s.io/klog/v2"
)

// generateChoices enumerates the candidate implementations for group, applies
// the configured filter, and returns them in deterministic order (kind
// priority, then name). An empty result signals the caller to fall back to
// unfused execution.
//
// When multi-template benchmarking is disabled, only the template with the
// best static cost estimate is kept; measuring several near-identical
// templates is the expensive part of autotuning and the flag exists to skip
// it. Extern candidates are always kept: they are cheap to measure.
func (s *Scheduler) generateChoices(group *FusionGroup) []Candidate {
	all := s.backend.Choices(group)
	choices := make([]Candidate, 0, len(all))
	for _, candidate := range all {
		if !s.cfg.admits(candidate) {
			// Filtered out: not an error, silently excluded.
			klog.V(2).Infof("autofuse[%s]: candidate %s excluded by filter for group %s",
				s.compileID, candidate.Name(), group)
			continue
		}
		choices = append(choices, candidate)
	}

	if !s.cfg.BenchmarkMultiTemplates {
		choices = pruneTemplates(choices)
	}

	sort.SliceStable(choices, func(i, j int) bool {
		if pi, pj := kindPriority(choices[i].Kind()), kindPriority(choices[j].Kind()); pi != pj {
			return pi < pj
		}
		return choices[i].Name() < choices[j].Name()
	})
	return choices
}

// pruneTemplates keeps only the template candidate with the lowest static
// cost estimate (ties by name, for reproducibility), plus all non-template
// candidates.
func pruneTemplates(choices []Candidate) []Candidate {
	var best Candidate
	kept := make([]Candidate, 0, len(choices))
	for _, candidate := range choices {
		if candidate.Kind() != KindTemplate {
			kept = append(kept, candidate)
			continue
		}
		if best == nil || candidate.CostEstimateMS() < best.CostEstimateMS() ||
			(candidate.CostEstimateMS() == best.CostEstimateMS() && candidate.Name() < best.Name()) {
			best = candidate
		}
	}
	if best != nil {
		kept = append(kept, best)
	}
	return kept
}
