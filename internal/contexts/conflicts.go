package contexts

import (
	"fmt"
	"strings"

	"github.com/flywheelhq/flywheel/internal/metrics"
	"github.com/flywheelhq/flywheel/pkg/models"
)

// Conflict describes two commitments that appear to pull in opposite
// directions on the same subject.
type Conflict struct {
	First   string
	Second  string
	Subject string
	Reason  string
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s: %q vs %q", c.Reason, c.First, c.Second)
}

// opposingPairs are directive verbs that contradict each other when applied
// to the same subject.
var opposingPairs = [][2]string{
	{"increase", "decrease"},
	{"increase", "reduce"},
	{"raise", "lower"},
	{"enable", "disable"},
	{"always", "never"},
	{"prefer", "avoid"},
	{"allow", "block"},
	{"allow", "forbid"},
	{"maximize", "minimize"},
	{"add", "remove"},
	{"start", "stop"},
}

// subjectOverlapThreshold is the minimum Jaccard similarity of the two
// commitments' non-directive tokens to treat them as the same subject.
const subjectOverlapThreshold = 0.5

// DetectConflicts pairwise-scans the context's commitments for opposing
// directives on a shared subject. This is a keyword heuristic, not language
// entailment: it can both miss real contradictions and flag benign pairs.
// Results are a best-effort signal surfaced in cycle output and audit, never
// a correctness gate.
func DetectConflicts(c *models.AbstractContext) []Conflict {
	if c == nil || len(c.Commitments) < 2 {
		return nil
	}

	var conflicts []Conflict
	for i := 0; i < len(c.Commitments); i++ {
		for j := i + 1; j < len(c.Commitments); j++ {
			if conflict, ok := checkPair(c.Commitments[i], c.Commitments[j]); ok {
				conflicts = append(conflicts, conflict)
			}
		}
	}
	return conflicts
}

func checkPair(a, b string) (Conflict, bool) {
	tokensA := metrics.Tokenize(a)
	tokensB := metrics.Tokenize(b)

	for _, pair := range opposingPairs {
		var verbA, verbB string
		switch {
		case tokensA[pair[0]] && tokensB[pair[1]]:
			verbA, verbB = pair[0], pair[1]
		case tokensA[pair[1]] && tokensB[pair[0]]:
			verbA, verbB = pair[1], pair[0]
		default:
			continue
		}

		// Strip the directive verbs; what remains is the subject. Require
		// substantial overlap so "increase retries" vs "decrease logging"
		// does not flag.
		subjectA := without(tokensA, verbA, verbB)
		subjectB := without(tokensB, verbA, verbB)
		if metrics.Jaccard(subjectA, subjectB) >= subjectOverlapThreshold {
			return Conflict{
				First:   a,
				Second:  b,
				Subject: joinTokens(intersect(subjectA, subjectB)),
				Reason:  fmt.Sprintf("opposing directives %s/%s", verbA, verbB),
			}, true
		}
	}
	return Conflict{}, false
}

func without(set map[string]bool, drop ...string) map[string]bool {
	out := make(map[string]bool, len(set))
	for t := range set {
		out[t] = true
	}
	for _, d := range drop {
		delete(out, d)
	}
	return out
}

func intersect(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for t := range a {
		if b[t] {
			out[t] = true
		}
	}
	return out
}

func joinTokens(set map[string]bool) string {
	tokens := make([]string, 0, len(set))
	for t := range set {
		tokens = append(tokens, t)
	}
	// Sorted for stable output.
	for i := 0; i < len(tokens); i++ {
		for j := i + 1; j < len(tokens); j++ {
			if tokens[j] < tokens[i] {
				tokens[i], tokens[j] = tokens[j], tokens[i]
			}
		}
	}
	return strings.Join(tokens, " ")
}

// ConflictStrings renders conflicts for result and audit payloads.
func ConflictStrings(conflicts []Conflict) []string {
	if len(conflicts) == 0 {
		return nil
	}
	out := make([]string, len(conflicts))
	for i, c := range conflicts {
		out[i] = c.String()
	}
	return out
}
