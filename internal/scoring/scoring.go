// Package scoring reduces tag output to a single ranking score with a
// breakdown payload. Both formulas are pure functions of their inputs.
package scoring

import (
	"sort"

	"github.com/shadowscope/shadowscope/internal/tagger"
)

// Details is the score breakdown persisted alongside each lead.
type Details map[string]any

const entityBonus = 10

// V2Options carries the v2-specific knobs.
type V2Options struct {
	HasEntity bool
	// PairBonus is pre-computed by the caller (already capped) and
	// added verbatim.
	PairBonus int
	TopN      int
	RestScale float64
}

// DefaultV2Options returns the v2 defaults.
func DefaultV2Options() V2Options {
	return V2Options{TopN: 6, RestScale: 0.5}
}

// V1 sums clause weights, falls back to 3 points per keyword when no
// clause detail exists (rows tagged before clause-level detail), and
// adds a flat entity bonus.
func V1(keywords []string, clauses []tagger.Clause, hasEntity bool) (int, Details) {
	clauseScore := 0
	packHits := map[string]bool{}
	ruleHits := map[[2]string]bool{}

	for _, c := range clauses {
		clauseScore += c.Weight
		if c.Pack != "" {
			packHits[c.Pack] = true
		}
		if c.Pack != "" && c.Rule != "" {
			ruleHits[[2]string{c.Pack, c.Rule}] = true
		}
	}

	keywordScore := 0
	if clauseScore == 0 && len(keywords) > 0 {
		keywordScore = 3 * len(keywords)
	}

	bonus := 0
	if hasEntity {
		bonus = entityBonus
	}

	score := clauseScore + keywordScore + bonus
	details := Details{
		"scoring_version": "v1",
		"clause_score":    clauseScore,
		"keyword_score":   keywordScore,
		"entity_bonus":    bonus,
		"keyword_hits":    len(keywords),
		"pack_hits":       len(packHits),
		"rule_hits":       len(ruleHits),
		"top_clauses":     topClauses(clauses, 5),
	}
	return score, details
}

// V2 applies diminishing returns to clause weights: the top TopN
// weights count in full, the rest are scaled by RestScale, and the sum
// is truncated to an integer. The keyword fallback and entity bonus
// match v1; the caller-supplied pair bonus is added on top.
func V2(keywords []string, clauses []tagger.Clause, opts V2Options) (int, Details) {
	packHits := map[string]bool{}
	ruleHits := map[[2]string]bool{}
	weights := make([]int, 0, len(clauses))

	for _, c := range clauses {
		weights = append(weights, c.Weight)
		if c.Pack != "" {
			packHits[c.Pack] = true
		}
		if c.Pack != "" && c.Rule != "" {
			ruleHits[[2]string{c.Pack, c.Rule}] = true
		}
	}

	sort.Sort(sort.Reverse(sort.IntSlice(weights)))

	topN := opts.TopN
	if topN < 0 {
		topN = 0
	}
	if topN > len(weights) {
		topN = len(weights)
	}

	clauseScoreRaw := 0
	for _, w := range weights {
		clauseScoreRaw += w
	}

	topSum := 0
	for _, w := range weights[:topN] {
		topSum += w
	}
	restSum := 0
	for _, w := range weights[topN:] {
		restSum += w
	}
	clauseScore := int(float64(topSum) + opts.RestScale*float64(restSum))

	keywordScore := 0
	if clauseScore == 0 && len(keywords) > 0 {
		keywordScore = 3 * len(keywords)
	}

	bonus := 0
	if opts.HasEntity {
		bonus = entityBonus
	}

	score := clauseScore + keywordScore + bonus + opts.PairBonus
	details := Details{
		"scoring_version":  "v2",
		"clause_score_raw": clauseScoreRaw,
		"clause_score":     clauseScore,
		"keyword_score":    keywordScore,
		"entity_bonus":     bonus,
		"pair_bonus":       opts.PairBonus,
		"keyword_hits":     len(keywords),
		"pack_hits":        len(packHits),
		"rule_hits":        len(ruleHits),
		"top_n":            opts.TopN,
		"rest_scale":       opts.RestScale,
		"top_clauses":      topClauses(clauses, 5),
	}
	return score, details
}

// topClauses returns the n highest-weight clauses; ties keep original
// order (stable sort).
func topClauses(clauses []tagger.Clause, n int) []tagger.Clause {
	sorted := make([]tagger.Clause, len(clauses))
	copy(sorted, clauses)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Weight > sorted[j].Weight
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
