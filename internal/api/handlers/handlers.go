// Package handlers contains the HTTP handlers for the engine API. Handlers
// stay thin: decode, delegate to the orchestrator or a store, encode.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/flywheelhq/flywheel/internal/orchestrator"
	"github.com/flywheelhq/flywheel/internal/store"
	"github.com/flywheelhq/flywheel/pkg/models"
)

// Handlers bundles the dependencies the HTTP surface needs.
type Handlers struct {
	Orchestrator *orchestrator.Orchestrator
	Store        store.Store
	Contexts     store.ContextStore
}

// New creates the handler set.
func New(o *orchestrator.Orchestrator, s store.Store, cs store.ContextStore) *Handlers {
	return &Handlers{Orchestrator: o, Store: s, Contexts: cs}
}

// ── Episodes ─────────────────────────────────────────────────

// IngestEpisode runs one full learning cycle for the posted episode.
func (h *Handlers) IngestEpisode(w http.ResponseWriter, r *http.Request) {
	var ep models.EpisodeEvent
	if err := json.NewDecoder(r.Body).Decode(&ep); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	result, err := h.Orchestrator.ProcessEpisode(r.Context(), &ep)
	if err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			respondError(w, http.StatusBadRequest, ve.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// IngestBatch processes a list of episodes, returning a result or error per
// episode. One bad episode never blocks the rest of the batch.
func (h *Handlers) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var episodes []models.EpisodeEvent
	if err := json.NewDecoder(r.Body).Decode(&episodes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	type batchItem struct {
		Result *models.CycleResult `json:"result,omitempty"`
		Error  string              `json:"error,omitempty"`
	}
	items := make([]batchItem, 0, len(episodes))
	for i := range episodes {
		result, err := h.Orchestrator.ProcessEpisode(r.Context(), &episodes[i])
		if err != nil {
			items = append(items, batchItem{Result: result, Error: err.Error()})
			continue
		}
		items = append(items, batchItem{Result: result})
	}
	respondJSON(w, http.StatusOK, items)
}

// ListEpisodes returns an agent's stored episodes, most-recent-first.
func (h *Handlers) ListEpisodes(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	limit := queryInt(r, "limit", 50)

	episodes, err := h.Store.ListEpisodes(r.Context(), agentID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if episodes == nil {
		episodes = []models.EpisodeEvent{}
	}
	respondJSON(w, http.StatusOK, episodes)
}

// ── Cycles ───────────────────────────────────────────────────

// RunCycles drains one agent's backlog now.
func (h *Handlers) RunCycles(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	batch, err := h.Orchestrator.ProcessBacklog(r.Context(), agentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

// ── Progress ─────────────────────────────────────────────────

// GetProgress returns one agent's learning counters.
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	p, err := h.Orchestrator.Progress(r.Context(), agentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// ListProgress returns counters for every agent the engine has seen.
func (h *Handlers) ListProgress(w http.ResponseWriter, r *http.Request) {
	all, err := h.Orchestrator.AllProgress(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if all == nil {
		all = []models.LearningProgress{}
	}
	respondJSON(w, http.StatusOK, all)
}

// ── Contexts ─────────────────────────────────────────────────

// GetContext returns an agent's abstract context: the current version by
// default, or ?version=N for a specific one.
func (h *Handlers) GetContext(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	version := queryInt(r, "version", store.CurrentVersion)

	c, err := h.Contexts.GetContext(r.Context(), agentID, version)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// ListContextVersions returns the agent's retained context version chain.
func (h *Handlers) ListContextVersions(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	versions, err := h.Contexts.ListContextVersions(r.Context(), agentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if versions == nil {
		versions = []int{}
	}
	respondJSON(w, http.StatusOK, versions)
}

// ── Audit ────────────────────────────────────────────────────

// ListAudit returns an agent's audit trail, optionally filtered by focus area.
func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	filter := store.AuditFilter{
		AgentID: chi.URLParam(r, "agentID"),
		Limit:   queryInt(r, "limit", 100),
	}
	if q := r.URL.Query().Get("focus"); q != "" {
		filter.Focus = models.FocusArea(q)
	}

	records, err := h.Store.ListAudit(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []models.AuditRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// ── Datasets ─────────────────────────────────────────────────

// GetDataset returns one of the agent's training collections. The blended
// collection is assembled on read from original and self_learning.
func (h *Handlers) GetDataset(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	col := models.DatasetCollection(chi.URLParam(r, "collection"))

	switch col {
	case models.DatasetOriginal, models.DatasetSelfLearning, models.DatasetBlended:
	default:
		respondError(w, http.StatusBadRequest, "unknown collection: "+string(col))
		return
	}

	ds, err := h.Store.GetDataset(r.Context(), agentID, col)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ds)
}

// SeedDataset seeds the agent's frozen original collection. Re-seeding is
// rejected.
func (h *Handlers) SeedDataset(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var examples []models.TrainingExample
	if err := json.NewDecoder(r.Body).Decode(&examples); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := h.Store.SeedOriginal(r.Context(), agentID, examples); err != nil {
		if errors.Is(err, store.ErrDatasetFrozen) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]int{"seeded": len(examples)})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, name string, fallback int) int {
	q := r.URL.Query().Get(name)
	if q == "" {
		return fallback
	}
	n, err := strconv.Atoi(q)
	if err != nil {
		return fallback
	}
	return n
}
