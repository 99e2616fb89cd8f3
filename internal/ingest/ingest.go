// Package ingest loads recorded episodes from files for replay through the
// learning cycle. JSON arrays, JSONL streams, and YAML lists are accepted.
package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flywheelhq/flywheel/pkg/models"
)

// LoadEpisodes reads episodes from path, dispatching on the file extension:
// .json (single object or array), .jsonl / .ndjson (one object per line),
// .yaml / .yml (single document or list). Every loaded episode is validated;
// the first invalid one aborts the load with its position in the error.
func LoadEpisodes(path string) ([]models.EpisodeEvent, error) {
	var (
		episodes []models.EpisodeEvent
		err      error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		episodes, err = loadJSON(path)
	case ".jsonl", ".ndjson":
		episodes, err = loadJSONL(path)
	case ".yaml", ".yml":
		episodes, err = loadYAML(path)
	default:
		return nil, fmt.Errorf("unsupported episode file format: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	for i := range episodes {
		if verr := episodes[i].Validate(); verr != nil {
			return nil, fmt.Errorf("%s: episode %d: %w", path, i+1, verr)
		}
	}
	return episodes, nil
}

func loadJSON(path string) ([]models.EpisodeEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var episodes []models.EpisodeEvent
	if err := json.Unmarshal(data, &episodes); err == nil {
		return episodes, nil
	}

	// A single episode object is also accepted.
	var one models.EpisodeEvent
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return []models.EpisodeEvent{one}, nil
}

func loadJSONL(path string) ([]models.EpisodeEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var episodes []models.EpisodeEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var ep models.EpisodeEvent
		if err := json.Unmarshal([]byte(text), &ep); err != nil {
			return nil, fmt.Errorf("parse %s line %d: %w", path, line, err)
		}
		episodes = append(episodes, ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return episodes, nil
}

func loadYAML(path string) ([]models.EpisodeEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// YAML field names follow the JSON wire tags, so decode through an
	// intermediate generic value and re-marshal as JSON.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", path, err)
	}

	if _, isList := raw.([]any); isList {
		var episodes []models.EpisodeEvent
		if err := json.Unmarshal(jsonBytes, &episodes); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return episodes, nil
	}
	var one models.EpisodeEvent
	if err := json.Unmarshal(jsonBytes, &one); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return []models.EpisodeEvent{one}, nil
}

// normalizeYAML rewrites map[any]any keys (yaml.v3 emits them for non-string
// keys) into map[string]any so the value survives json.Marshal.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return val
	}
}
