package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/flywheelhq/flywheel/pkg/models"
	"github.com/rs/zerolog/log"
)

// LocalFileArchiver writes expired data as JSONL files to a local directory.
// This is the default archive backend.
//
// Directory structure:
//
//	{basePath}/episodes/2026-08-20T15-04-05Z.jsonl[.gz]
//	{basePath}/audit/2026-08-20T15-04-05Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.flywheel/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/flywheel/archive"
		} else {
			basePath = filepath.Join(home, ".flywheel", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) ArchiveEpisodes(_ context.Context, episodes []models.EpisodeEvent) (string, error) {
	path, err := a.writeJSONL("episodes", len(episodes), func(enc *json.Encoder) error {
		for i := range episodes {
			if err := enc.Encode(&episodes[i]); err != nil {
				return fmt.Errorf("encode episode %s: %w", episodes[i].Key(), err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	log.Debug().Str("path", path).Int("count", len(episodes)).Msg("archived episodes to local file")
	return path, nil
}

func (a *LocalFileArchiver) ArchiveAudit(_ context.Context, records []models.AuditRecord) (string, error) {
	path, err := a.writeJSONL("audit", len(records), func(enc *json.Encoder) error {
		for i := range records {
			if err := enc.Encode(&records[i]); err != nil {
				return fmt.Errorf("encode audit record %s: %w", records[i].ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	log.Debug().Str("path", path).Int("count", len(records)).Msg("archived audit records to local file")
	return path, nil
}

func (a *LocalFileArchiver) writeJSONL(kind string, count int, write func(*json.Encoder) error) (string, error) {
	dir := filepath.Join(a.basePath, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gw *gzip.Writer
	if a.compress {
		gw = gzip.NewWriter(f)
		w = gw
	}

	if err := write(json.NewEncoder(w)); err != nil {
		return "", err
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			return "", fmt.Errorf("flush archive file: %w", err)
		}
	}
	return fpath, nil
}

func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	// Verify we can write to the base path
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
