// Package metrics derives quantitative quality metrics from recorded
// episodes. Compute is pure, deterministic, and total: an episode that lacks
// the inputs for an optional score yields a nil field, never an error.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/flywheelhq/flywheel/pkg/models"
)

// SchemaVersions maps an interface name to the schema version the engine
// currently expects from it. Interfaces without a registered expectation are
// skipped when counting mismatches.
type SchemaVersions map[string]string

// Compute derives the full metric set for one episode. Calling it twice with
// the same inputs (up to the ComputedAt timestamp) returns identical values.
func Compute(ep *models.EpisodeEvent, expected SchemaVersions) models.DerivedMetrics {
	m := models.DerivedMetrics{
		EpisodeKey: ep.Key(),
		ComputedAt: time.Now().UTC(),
	}

	rc := ep.RetrievedContext
	m.RetrievalHitRate = float64(rc.Retrieved) / math.Max(1, float64(rc.TotalQueries))
	m.ConflictDensity = float64(rc.Conflicts) / math.Max(1, float64(rc.TotalItems))

	if len(ep.InterfacesUsed) > 0 {
		m.InterfaceErrorRates = make(map[string]float64, len(ep.InterfacesUsed))
		for iface, usage := range ep.InterfacesUsed {
			m.InterfaceErrorRates[iface] = float64(usage.ErrorCount) / math.Max(1, float64(usage.TotalCalls))
		}
	}

	m.F1Score = f1Score(ep.ActualResults)
	m.RMSE = rmse(ep)
	m.BrierScore = brierScore(ep.ActualResults)
	m.PromptSensitivityIndex = promptSensitivity(ep)
	m.SchemaMismatchCount = schemaMismatches(ep.SchemaVersions, expected)

	return m
}

// ── Classification ───────────────────────────────────────────

// f1Score computes positional macro-F1 over aligned category pairs. Present
// only when the episode carries predicted_categories and actual_categories
// of equal non-zero length.
func f1Score(results map[string]any) *float64 {
	predicted := stringSlice(results["predicted_categories"])
	actual := stringSlice(results["actual_categories"])
	if len(predicted) == 0 || len(predicted) != len(actual) {
		return nil
	}

	classes := make(map[string]bool, len(predicted))
	for _, c := range predicted {
		classes[c] = true
	}
	for _, c := range actual {
		classes[c] = true
	}

	var sum float64
	for class := range classes {
		var tp, fp, fn float64
		for i := range predicted {
			switch {
			case predicted[i] == class && actual[i] == class:
				tp++
			case predicted[i] == class:
				fp++
			case actual[i] == class:
				fn++
			}
		}
		precision := safeDiv(tp, tp+fp)
		recall := safeDiv(tp, tp+fn)
		if precision+recall > 0 {
			sum += 2 * precision * recall / (precision + recall)
		}
	}
	f1 := sum / float64(len(classes))
	return &f1
}

// ── Regression ───────────────────────────────────────────────

// rmse computes the root-mean-square error between predicted_values and the
// episode's ground truth. Ground truth is actual_values when supplied,
// otherwise the KPI values in sorted-key order when the lengths match.
func rmse(ep *models.EpisodeEvent) *float64 {
	predicted := floatSlice(ep.ActualResults["predicted_values"])
	if len(predicted) == 0 {
		return nil
	}

	truth := floatSlice(ep.ActualResults["actual_values"])
	if len(truth) == 0 && len(ep.KPIs) == len(predicted) {
		keys := make([]string, 0, len(ep.KPIs))
		for k := range ep.KPIs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			truth = append(truth, ep.KPIs[k])
		}
	}
	if len(truth) != len(predicted) {
		return nil
	}

	var sum float64
	for i := range predicted {
		d := predicted[i] - truth[i]
		sum += d * d
	}
	r := math.Sqrt(sum / float64(len(predicted)))
	return &r
}

// brierScore computes the mean squared error of predicted probabilities
// against binary outcomes. Accepts either parallel arrays
// (predicted_probabilities + outcomes) or a scalar pair
// (predicted_probability + outcome).
func brierScore(results map[string]any) *float64 {
	probs := floatSlice(results["predicted_probabilities"])
	outcomes := floatSlice(results["outcomes"])
	if len(probs) == 0 {
		if p, ok := floatValue(results["predicted_probability"]); ok {
			if o, ok := floatValue(results["outcome"]); ok {
				probs = []float64{p}
				outcomes = []float64{o}
			}
		}
	}
	if len(probs) == 0 || len(probs) != len(outcomes) {
		return nil
	}

	var sum float64
	for i := range probs {
		o := 0.0
		if outcomes[i] > 0 {
			o = 1.0
		}
		d := probs[i] - o
		sum += d * d
	}
	b := sum / float64(len(probs))
	return &b
}

// ── Prompt sensitivity ───────────────────────────────────────

// nearDuplicateThreshold is the minimum normalized-token Jaccard similarity
// for two prompts to count as rephrasings of each other.
const nearDuplicateThreshold = 0.8

// promptSensitivity is the population variance of the episode's confidence
// scores, present only when the episode carries at least two prompts with at
// least one near-duplicate pair and at least two confidence values. A high
// value means near-identical prompts produced very different confidence.
func promptSensitivity(ep *models.EpisodeEvent) *float64 {
	if len(ep.Prompts) < 2 || len(ep.ConfidenceScores) < 2 {
		return nil
	}
	if !hasNearDuplicatePair(ep.Prompts) {
		return nil
	}

	values := make([]float64, 0, len(ep.ConfidenceScores))
	for _, v := range ep.ConfidenceScores {
		values = append(values, v)
	}

	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return &variance
}

func hasNearDuplicatePair(prompts []string) bool {
	tokens := make([]map[string]bool, len(prompts))
	for i, p := range prompts {
		tokens[i] = Tokenize(p)
	}
	for i := 0; i < len(tokens); i++ {
		for j := i + 1; j < len(tokens); j++ {
			if Jaccard(tokens[i], tokens[j]) >= nearDuplicateThreshold {
				return true
			}
		}
	}
	return false
}

// Tokenize lowercases the text and splits it into a set of alphanumeric
// tokens. Shared with the context manager's near-duplicate checks.
func Tokenize(text string) map[string]bool {
	set := make(map[string]bool)
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			set[string(cur)] = true
			cur = cur[:0]
		}
	}
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			cur = append(cur, r)
		case r >= 'A' && r <= 'Z':
			cur = append(cur, r+('a'-'A'))
		default:
			flush()
		}
	}
	flush()
	return set
}

// Jaccard returns |a ∩ b| / |a ∪ b| for two token sets, 0 when both are empty.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// ── Schema versions ──────────────────────────────────────────

func schemaMismatches(declared map[string]string, expected SchemaVersions) int {
	count := 0
	for iface, version := range declared {
		want, ok := expected[iface]
		if ok && version != want {
			count++
		}
	}
	return count
}

// ── Value extraction ─────────────────────────────────────────
// actual_results arrives either as typed Go slices (in-process callers) or
// as []any (JSON decoding); both shapes are accepted.

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			s, ok := item.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}

func floatSlice(v any) []float64 {
	switch vals := v.(type) {
	case []float64:
		return vals
	case []int:
		out := make([]float64, len(vals))
		for i, n := range vals {
			out[i] = float64(n)
		}
		return out
	case []any:
		out := make([]float64, 0, len(vals))
		for _, item := range vals {
			f, ok := floatValue(item)
			if !ok {
				return nil
			}
			out = append(out, f)
		}
		return out
	default:
		return nil
	}
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
