package retention

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flywheelhq/flywheel/internal/config"
	"github.com/flywheelhq/flywheel/internal/store"
	"github.com/flywheelhq/flywheel/pkg/models"
)

// failingArchiver always fails, to prove the fail-safe purge skip.
type failingArchiver struct{}

func (failingArchiver) Kind() string { return "failing" }
func (failingArchiver) ArchiveEpisodes(context.Context, []models.EpisodeEvent) (string, error) {
	return "", errors.New("disk full")
}
func (failingArchiver) ArchiveAudit(context.Context, []models.AuditRecord) (string, error) {
	return "", errors.New("disk full")
}
func (failingArchiver) HealthCheck(context.Context) error { return errors.New("disk full") }

func episodeAt(ts time.Time) *models.EpisodeEvent {
	return &models.EpisodeEvent{
		AgentID:    "a1",
		ScenarioID: "s1",
		Timestamp:  ts,
		UserIntent: "old interaction",
	}
}

func seedStore(t *testing.T) (*store.MemoryStore, *models.EpisodeEvent, *models.EpisodeEvent) {
	t.Helper()
	s := store.NewMemoryStore("")
	ctx := context.Background()

	old := episodeAt(time.Now().AddDate(0, 0, -200))
	fresh := episodeAt(time.Now().Add(-time.Hour))
	for _, ep := range []*models.EpisodeEvent{old, fresh} {
		if _, err := s.AppendEpisode(ctx, ep); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.AppendAudit(ctx, &models.AuditRecord{
		ID:        "old-audit",
		AgentID:   "a1",
		CreatedAt: time.Now().AddDate(0, 0, -200),
	}); err != nil {
		t.Fatal(err)
	}
	return s, old, fresh
}

func TestSweepArchivesAndPurgesExpired(t *testing.T) {
	s, old, fresh := seedStore(t)
	dir := t.TempDir()
	archiver := NewLocalFileArchiver(dir, false)
	j := NewJanitor(s, archiver, config.RetentionConfig{MaxAgeDays: 90, Interval: time.Hour})

	stats := j.RunCycle(context.Background())
	if stats.EpisodesArchived != 1 || stats.EpisodesPurged != 1 {
		t.Errorf("unexpected episode stats: %+v", stats)
	}
	if stats.AuditArchived != 1 || stats.AuditPurged != 1 {
		t.Errorf("unexpected audit stats: %+v", stats)
	}

	ctx := context.Background()
	if _, err := s.GetEpisode(ctx, old.Key()); !store.IsNotFound(err) {
		t.Errorf("expired episode should be purged, got %v", err)
	}
	if _, err := s.GetEpisode(ctx, fresh.Key()); err != nil {
		t.Errorf("fresh episode must survive the sweep: %v", err)
	}

	// The archive file holds the purged episode.
	matches, err := filepath.Glob(filepath.Join(dir, "episodes", "*.jsonl"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected 1 episode archive file, got %v (%v)", matches, err)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("archive file is empty")
	}
	var archived models.EpisodeEvent
	if err := json.Unmarshal(scanner.Bytes(), &archived); err != nil {
		t.Fatal(err)
	}
	if archived.Key() != old.Key() {
		t.Errorf("archived key = %s, want %s", archived.Key(), old.Key())
	}
}

func TestArchiveFailureSkipsPurge(t *testing.T) {
	s, old, _ := seedStore(t)
	j := NewJanitor(s, failingArchiver{}, config.RetentionConfig{MaxAgeDays: 90, Interval: time.Hour})

	stats := j.RunCycle(context.Background())
	if stats.EpisodesPurged != 0 || stats.AuditPurged != 0 {
		t.Errorf("purge must be skipped when archiving fails: %+v", stats)
	}
	if len(stats.Errors) == 0 {
		t.Error("expected archive errors to be reported")
	}

	if _, err := s.GetEpisode(context.Background(), old.Key()); err != nil {
		t.Errorf("expired episode must stay hot after an archive failure: %v", err)
	}
}

func TestNilArchiverPurgesDirectly(t *testing.T) {
	s, old, _ := seedStore(t)
	j := NewJanitor(s, nil, config.RetentionConfig{MaxAgeDays: 90, Interval: time.Hour})

	stats := j.RunCycle(context.Background())
	if stats.EpisodesArchived != 0 {
		t.Errorf("nil archiver cannot archive: %+v", stats)
	}
	if stats.EpisodesPurged != 1 {
		t.Errorf("expected direct purge, got %+v", stats)
	}
	if _, err := s.GetEpisode(context.Background(), old.Key()); !store.IsNotFound(err) {
		t.Errorf("expired episode should be purged, got %v", err)
	}
}

func TestCompressedArchiveGetsGzSuffix(t *testing.T) {
	s, _, _ := seedStore(t)
	dir := t.TempDir()
	j := NewJanitor(s, NewLocalFileArchiver(dir, true), config.RetentionConfig{MaxAgeDays: 90, Interval: time.Hour})

	j.RunCycle(context.Background())

	matches, err := filepath.Glob(filepath.Join(dir, "episodes", "*.jsonl.gz"))
	if err != nil || len(matches) != 1 {
		t.Errorf("expected 1 gzip archive, got %v (%v)", matches, err)
	}
}
