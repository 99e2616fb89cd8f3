package contexts

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flywheelhq/flywheel/internal/store"
	"github.com/flywheelhq/flywheel/pkg/models"
)

func testEpisode(agentID, intent string) *models.EpisodeEvent {
	return &models.EpisodeEvent{
		AgentID:     agentID,
		ScenarioID:  "s1",
		Timestamp:   time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		UserIntent:  intent,
		UserVerdict: models.VerdictSuccess,
	}
}

func TestCurrentCreatesOnFirstUse(t *testing.T) {
	m := NewManager(store.NewMemoryStore(""), 10)
	c, err := m.Current(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if c.AgentID != "a1" || c.Version != 0 {
		t.Errorf("expected fresh version-0 context, got %+v", c)
	}
}

func TestComprehensiveUpdate(t *testing.T) {
	m := NewManager(store.NewMemoryStore(""), 10)
	ctx := context.Background()

	c, err := m.UpdateFromEpisode(ctx, testEpisode("a1", "increase order throughput"), models.FocusContext)
	if err != nil {
		t.Fatalf("UpdateFromEpisode: %v", err)
	}
	if c.Version != 1 {
		t.Errorf("expected version 1, got %d", c.Version)
	}
	if c.UpdateSource != models.UpdateComprehensive {
		t.Errorf("expected comprehensive update, got %s", c.UpdateSource)
	}
	if len(c.Commitments) != 1 || c.Commitments[0] != "increase order throughput" {
		t.Errorf("commitment not recorded: %v", c.Commitments)
	}
	if len(c.EpisodeSummaries) != 1 {
		t.Errorf("summary not recorded: %v", c.EpisodeSummaries)
	}
	if c.ReliabilityScores["user"] != 1.0 {
		t.Errorf("expected user reliability 1.0, got %v", c.ReliabilityScores)
	}
}

func TestIncrementalUpdateSkipsCommitments(t *testing.T) {
	m := NewManager(store.NewMemoryStore(""), 10)
	c, err := m.UpdateFromEpisode(context.Background(), testEpisode("a1", "some intent"), models.FocusModel)
	if err != nil {
		t.Fatalf("UpdateFromEpisode: %v", err)
	}
	if c.UpdateSource != models.UpdateIncremental {
		t.Errorf("expected incremental update, got %s", c.UpdateSource)
	}
	if len(c.Commitments) != 0 {
		t.Errorf("incremental update must not touch commitments: %v", c.Commitments)
	}
	if len(c.EpisodeSummaries) != 1 {
		t.Errorf("summary missing: %v", c.EpisodeSummaries)
	}
}

func TestNearDuplicateCommitmentSuppressed(t *testing.T) {
	m := NewManager(store.NewMemoryStore(""), 10)
	ctx := context.Background()

	if _, err := m.UpdateFromEpisode(ctx, testEpisode("a1", "increase order throughput"), models.FocusContext); err != nil {
		t.Fatal(err)
	}
	c, err := m.UpdateFromEpisode(ctx, testEpisode("a1", "Increase order throughput!"), models.FocusContext)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Commitments) != 1 {
		t.Errorf("near-duplicate commitment must be suppressed, got %v", c.Commitments)
	}

	c, err = m.UpdateFromEpisode(ctx, testEpisode("a1", "escalate refunds to a human"), models.FocusContext)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Commitments) != 2 {
		t.Errorf("distinct commitment must be appended, got %v", c.Commitments)
	}
}

func TestSummaryBound(t *testing.T) {
	m := NewManager(store.NewMemoryStore(""), 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ep := testEpisode("a1", "intent")
		ep.Timestamp = ep.Timestamp.Add(time.Duration(i) * time.Minute)
		ep.ScenarioID = string(rune('a' + i))
		if _, err := m.UpdateFromEpisode(ctx, ep, models.FocusModel); err != nil {
			t.Fatal(err)
		}
	}

	c, err := m.Current(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.EpisodeSummaries) != 3 {
		t.Fatalf("expected bounded summaries of 3, got %d", len(c.EpisodeSummaries))
	}
	// Most-recent-last: the survivors are the last three scenarios.
	last := c.EpisodeSummaries[len(c.EpisodeSummaries)-1]
	if want := "scenario e"; !strings.Contains(last, want) {
		t.Errorf("expected newest summary to mention %q, got %q", want, last)
	}
}

// failingContextStore fails PutContext after recording the attempt.
type failingContextStore struct {
	store.ContextStore
	failPut bool
}

func (f *failingContextStore) PutContext(ctx context.Context, c *models.AbstractContext) (int, error) {
	if f.failPut {
		return 0, errors.New("store unavailable")
	}
	return f.ContextStore.PutContext(ctx, c)
}

func TestPersistFailureLeavesPointerUntouched(t *testing.T) {
	backing := store.NewMemoryStore("")
	fs := &failingContextStore{ContextStore: backing}
	m := NewManager(fs, 10)
	ctx := context.Background()

	if _, err := m.UpdateFromEpisode(ctx, testEpisode("a1", "first"), models.FocusContext); err != nil {
		t.Fatal(err)
	}

	fs.failPut = true
	_, err := m.UpdateFromEpisode(ctx, testEpisode("a1", "second"), models.FocusContext)
	if err == nil {
		t.Fatal("expected persistence error")
	}
	var pe *store.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *store.PersistenceError, got %T: %v", err, err)
	}

	c, err := m.Current(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Version != 1 {
		t.Errorf("pointer must stay at version 1 after failed persist, got %d", c.Version)
	}
}

func TestRollbackRestoresPriorVersion(t *testing.T) {
	m := NewManager(store.NewMemoryStore(""), 10)
	ctx := context.Background()

	v1, err := m.UpdateFromEpisode(ctx, testEpisode("a1", "increase order throughput"), models.FocusContext)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpdateFromEpisode(ctx, testEpisode("a1", "another commitment entirely"), models.FocusContext); err != nil {
		t.Fatal(err)
	}

	if err := m.Rollback(ctx, "a1", v1.Version); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	c, err := m.Current(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Version != 1 {
		t.Errorf("expected restored version 1, got %d", c.Version)
	}
	if len(c.Commitments) != 1 {
		t.Errorf("restored state must match version 1 exactly: %v", c.Commitments)
	}
}

func TestRollbackToVersionZero(t *testing.T) {
	m := NewManager(store.NewMemoryStore(""), 10)
	ctx := context.Background()

	if _, err := m.UpdateFromEpisode(ctx, testEpisode("a1", "x"), models.FocusContext); err != nil {
		t.Fatal(err)
	}
	if err := m.Rollback(ctx, "a1", 0); err != nil {
		t.Fatalf("Rollback to 0: %v", err)
	}
	c, err := m.Current(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Version != 0 || len(c.Commitments) != 0 {
		t.Errorf("expected empty version-0 context, got %+v", c)
	}
}

func TestDetectConflicts(t *testing.T) {
	tests := []struct {
		name        string
		commitments []string
		want        int
	}{
		{
			name:        "opposing directives on shared subject",
			commitments: []string{"increase retry budget for ERP calls", "decrease retry budget for ERP calls"},
			want:        1,
		},
		{
			name:        "opposing verbs on different subjects",
			commitments: []string{"increase retry budget", "decrease log verbosity"},
			want:        0,
		},
		{
			name:        "always never pair",
			commitments: []string{"always confirm refunds with the customer", "never confirm refunds with the customer"},
			want:        1,
		},
		{
			name:        "no commitments",
			commitments: nil,
			want:        0,
		},
		{
			name:        "agreeing commitments",
			commitments: []string{"prefer cached lookups", "prefer cached lookups for speed"},
			want:        0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &models.AbstractContext{AgentID: "a1", Commitments: tt.commitments}
			got := DetectConflicts(c)
			if len(got) != tt.want {
				t.Errorf("DetectConflicts() = %v, want %d conflicts", got, tt.want)
			}
		})
	}
}
