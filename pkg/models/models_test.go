package models

import (
	"testing"
	"time"
)

func TestEpisodeKey(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	ep := &EpisodeEvent{AgentID: "agent-1", ScenarioID: "order-lookup", Timestamp: ts}

	k1 := ep.Key()
	k2 := ep.Key()
	if k1 != k2 {
		t.Errorf("Key not stable: %q vs %q", k1, k2)
	}

	// Same instant in another zone must produce the same key.
	loc := time.FixedZone("UTC+2", 2*3600)
	shifted := &EpisodeEvent{AgentID: "agent-1", ScenarioID: "order-lookup", Timestamp: ts.In(loc)}
	if shifted.Key() != k1 {
		t.Errorf("Key not timezone-normalized: %q vs %q", shifted.Key(), k1)
	}

	other := &EpisodeEvent{AgentID: "agent-1", ScenarioID: "order-lookup", Timestamp: ts.Add(time.Nanosecond)}
	if other.Key() == k1 {
		t.Error("distinct timestamps produced identical keys")
	}
}

func TestEpisodeValidate(t *testing.T) {
	ts := time.Now()
	tests := []struct {
		name      string
		ep        EpisodeEvent
		wantField string
	}{
		{"valid", EpisodeEvent{AgentID: "a", ScenarioID: "s", Timestamp: ts}, ""},
		{"missing agent_id", EpisodeEvent{ScenarioID: "s", Timestamp: ts}, "agent_id"},
		{"missing scenario_id", EpisodeEvent{AgentID: "a", Timestamp: ts}, "scenario_id"},
		{"zero timestamp", EpisodeEvent{AgentID: "a", ScenarioID: "s"}, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ep.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			verr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("Validate() = %T, want *ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestVerdictScore(t *testing.T) {
	ep := &EpisodeEvent{UserVerdict: VerdictSuccess, MentorVerdict: VerdictFailure}
	got, ok := ep.VerdictScore()
	if !ok {
		t.Fatal("VerdictScore() reported no verdicts")
	}
	if got != 0.5 {
		t.Errorf("VerdictScore() = %v, want 0.5", got)
	}

	none := &EpisodeEvent{}
	if _, ok := none.VerdictScore(); ok {
		t.Error("VerdictScore() on verdict-free episode reported ok")
	}

	if _, ok := Verdict("garbage").Score(); ok {
		t.Error("unknown verdict scored")
	}
}

func TestAbstractContextClone(t *testing.T) {
	c := &AbstractContext{
		AgentID:           "a",
		Commitments:       []string{"always confirm totals"},
		EpisodeSummaries:  []string{"s1"},
		ReliabilityScores: map[string]float64{"user": 0.8},
		Version:           3,
	}

	got := c.Clone()
	got.Commitments[0] = "changed"
	got.EpisodeSummaries = append(got.EpisodeSummaries, "s2")
	got.ReliabilityScores["user"] = 0.1

	if c.Commitments[0] != "always confirm totals" {
		t.Error("Clone shares commitments slice")
	}
	if len(c.EpisodeSummaries) != 1 {
		t.Error("Clone shares summaries slice")
	}
	if c.ReliabilityScores["user"] != 0.8 {
		t.Error("Clone shares reliability map")
	}
}

func TestEvaluationPositive(t *testing.T) {
	tests := []struct {
		name string
		r    *EvaluationResult
		want bool
	}{
		{"nil", nil, false},
		{"interval above zero", &EvaluationResult{Improvement: 0.1, ConfidenceInterval: ConfidenceInterval{Low: 0.02, High: 0.18}}, true},
		{"interval touching zero", &EvaluationResult{Improvement: 0.05, ConfidenceInterval: ConfidenceInterval{Low: 0, High: 0.1}}, false},
		{"interval spanning zero", &EvaluationResult{Improvement: -0.05, ConfidenceInterval: ConfidenceInterval{Low: -0.1, High: 0.0}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Positive(); got != tt.want {
				t.Errorf("Positive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFocusAreaActionable(t *testing.T) {
	for _, f := range []FocusArea{FocusModel, FocusInterface, FocusContext, FocusPrompt} {
		if !f.Actionable() {
			t.Errorf("%s.Actionable() = false", f)
		}
	}
	if FocusNone.Actionable() {
		t.Error("NONE is actionable")
	}
	if FocusArea("").Actionable() {
		t.Error("empty focus is actionable")
	}
}

func TestCycleStateTerminal(t *testing.T) {
	if !StateDone.Terminal() || !StateFailed.Terminal() {
		t.Error("DONE/FAILED must be terminal")
	}
	if StateCommitted.Terminal() || StateReceived.Terminal() {
		t.Error("intermediate states reported terminal")
	}
}
