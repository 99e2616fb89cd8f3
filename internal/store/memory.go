// Package store — in-memory Store implementation.
// Backs tests and single-node development. Supports file-based snapshot
// persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/flywheelhq/flywheel/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Episodes     map[string]*models.EpisodeEvent      `json:"episodes"`
	Processed    map[string]bool                      `json:"processed"`
	Metrics      map[string]*models.DerivedMetrics    `json:"metrics"`
	Original     map[string][]*models.TrainingExample `json:"original"`      // key: agent_id
	Seeded       map[string]bool                      `json:"seeded"`        // key: agent_id
	SelfLearning map[string][]*models.TrainingExample `json:"self_learning"` // key: agent_id
	Templates    map[string][]*models.PromptTemplate  `json:"templates"`     // key: agent_id → version chain
	TemplateCur  map[string]int                       `json:"template_cur"`
	IfaceConfigs map[string][]*models.InterfaceConfig `json:"iface_configs"` // key: agent:iface → version chain
	IfaceCur     map[string]int                       `json:"iface_cur"`
	Contexts     map[string][]*models.AbstractContext `json:"contexts"` // key: agent_id → version chain
	ContextCur   map[string]int                       `json:"context_cur"`
	Rollbacks    map[string]*models.RollbackPoint     `json:"rollbacks"`
	Audits       []*models.AuditRecord                `json:"audits"`
	Progress     map[string]*models.LearningProgress  `json:"progress"`
}

// MemoryStore implements Store and ContextStore with in-memory maps.
type MemoryStore struct {
	mu           sync.RWMutex
	episodes     map[string]*models.EpisodeEvent
	processed    map[string]bool
	metrics      map[string]*models.DerivedMetrics
	original     map[string][]*models.TrainingExample
	seeded       map[string]bool
	selfLearning map[string][]*models.TrainingExample
	templates    map[string][]*models.PromptTemplate // newest last
	templateCur  map[string]int
	ifaceConfigs map[string][]*models.InterfaceConfig
	ifaceCur     map[string]int
	contexts     map[string][]*models.AbstractContext // version chain, newest last
	contextCur   map[string]int
	rollbacks    map[string]*models.RollbackPoint
	audits       []*models.AuditRecord // append-only log
	progress     map[string]*models.LearningProgress

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates an in-memory store. If snapshotPath is non-empty,
// data is persisted to that JSON file and reloaded on startup.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	m := &MemoryStore{
		episodes:     make(map[string]*models.EpisodeEvent),
		processed:    make(map[string]bool),
		metrics:      make(map[string]*models.DerivedMetrics),
		original:     make(map[string][]*models.TrainingExample),
		seeded:       make(map[string]bool),
		selfLearning: make(map[string][]*models.TrainingExample),
		templates:    make(map[string][]*models.PromptTemplate),
		templateCur:  make(map[string]int),
		ifaceConfigs: make(map[string][]*models.InterfaceConfig),
		ifaceCur:     make(map[string]int),
		contexts:     make(map[string][]*models.AbstractContext),
		contextCur:   make(map[string]int),
		rollbacks:    make(map[string]*models.RollbackPoint),
		audits:       make([]*models.AuditRecord, 0),
		progress:     make(map[string]*models.LearningProgress),
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
	}

	if snapshotPath != "" {
		if err := os.MkdirAll(filepath.Dir(snapshotPath), 0755); err != nil {
			log.Warn().Err(err).Str("path", snapshotPath).Msg("Cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = snapshotPath
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Episodes:     m.episodes,
		Processed:    m.processed,
		Metrics:      m.metrics,
		Original:     m.original,
		Seeded:       m.seeded,
		SelfLearning: m.selfLearning,
		Templates:    m.templates,
		TemplateCur:  m.templateCur,
		IfaceConfigs: m.ifaceConfigs,
		IfaceCur:     m.ifaceCur,
		Contexts:     m.contexts,
		ContextCur:   m.contextCur,
		Rollbacks:    m.rollbacks,
		Audits:       m.audits,
		Progress:     m.progress,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Episodes != nil {
		m.episodes = snap.Episodes
	}
	if snap.Processed != nil {
		m.processed = snap.Processed
	}
	if snap.Metrics != nil {
		m.metrics = snap.Metrics
	}
	if snap.Original != nil {
		m.original = snap.Original
	}
	if snap.Seeded != nil {
		m.seeded = snap.Seeded
	}
	if snap.SelfLearning != nil {
		m.selfLearning = snap.SelfLearning
	}
	if snap.Templates != nil {
		m.templates = snap.Templates
	}
	if snap.TemplateCur != nil {
		m.templateCur = snap.TemplateCur
	}
	if snap.IfaceConfigs != nil {
		m.ifaceConfigs = snap.IfaceConfigs
	}
	if snap.IfaceCur != nil {
		m.ifaceCur = snap.IfaceCur
	}
	if snap.Contexts != nil {
		m.contexts = snap.Contexts
	}
	if snap.ContextCur != nil {
		m.contextCur = snap.ContextCur
	}
	if snap.Rollbacks != nil {
		m.rollbacks = snap.Rollbacks
	}
	if snap.Audits != nil {
		m.audits = snap.Audits
	}
	if snap.Progress != nil {
		m.progress = snap.Progress
	}

	log.Info().
		Int("episodes", len(m.episodes)).
		Int("contexts", len(m.contexts)).
		Int("audits", len(m.audits)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// ── Episode Store ───────────────────────────────────────────

func (m *MemoryStore) AppendEpisode(_ context.Context, ep *models.EpisodeEvent) (bool, error) {
	m.mu.Lock()
	k := ep.Key()
	if _, ok := m.episodes[k]; ok {
		// Write-once: the stored record wins.
		m.mu.Unlock()
		return true, nil
	}
	copy := *ep
	m.episodes[k] = &copy
	m.mu.Unlock()
	m.requestSave()
	return false, nil
}

func (m *MemoryStore) GetEpisode(_ context.Context, key string) (*models.EpisodeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.episodes[key]
	if !ok {
		return nil, &ErrNotFound{Entity: "episode", Key: key}
	}
	copy := *ep
	return &copy, nil
}

func (m *MemoryStore) ListEpisodes(_ context.Context, agentID string, limit int) ([]models.EpisodeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.EpisodeEvent
	for _, ep := range m.episodes {
		if agentID == "" || ep.AgentID == agentID {
			result = append(result, *ep)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListUnprocessed(_ context.Context, agentID string) ([]models.EpisodeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.EpisodeEvent
	for k, ep := range m.episodes {
		if ep.AgentID == agentID && !m.processed[k] {
			result = append(result, *ep)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, key string) error {
	m.mu.Lock()
	if _, ok := m.episodes[key]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "episode", Key: key}
	}
	m.processed[key] = true
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) IsProcessed(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.processed[key], nil
}

func (m *MemoryStore) ListAgentsWithBacklog(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for k, ep := range m.episodes {
		if !m.processed[k] {
			seen[ep.AgentID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) ListEpisodesBefore(_ context.Context, cutoff time.Time) ([]models.EpisodeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.EpisodeEvent
	for _, ep := range m.episodes {
		if ep.Timestamp.Before(cutoff) {
			result = append(result, *ep)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

func (m *MemoryStore) DeleteEpisodes(_ context.Context, keys []string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.episodes, k)
		delete(m.processed, k)
		delete(m.metrics, k)
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Metrics Store ───────────────────────────────────────────

func (m *MemoryStore) SaveMetrics(_ context.Context, dm *models.DerivedMetrics) error {
	m.mu.Lock()
	if _, ok := m.metrics[dm.EpisodeKey]; ok {
		// Metrics are computed once; keep the first row.
		m.mu.Unlock()
		return nil
	}
	copy := *dm
	m.metrics[dm.EpisodeKey] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetMetrics(_ context.Context, episodeKey string) (*models.DerivedMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dm, ok := m.metrics[episodeKey]
	if !ok {
		return nil, &ErrNotFound{Entity: "metrics", Key: episodeKey}
	}
	copy := *dm
	return &copy, nil
}

// ── Dataset Store ───────────────────────────────────────────

func (m *MemoryStore) SeedOriginal(_ context.Context, agentID string, examples []models.TrainingExample) error {
	m.mu.Lock()
	if m.seeded[agentID] {
		m.mu.Unlock()
		return ErrDatasetFrozen
	}
	rows := make([]*models.TrainingExample, len(examples))
	for i := range examples {
		copy := examples[i]
		rows[i] = &copy
	}
	m.original[agentID] = rows
	m.seeded[agentID] = true
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) AppendExample(_ context.Context, ex *models.TrainingExample) (int, error) {
	m.mu.Lock()
	rows := m.selfLearning[ex.AgentID]
	for i, row := range rows {
		if row.ID == ex.ID {
			// Idempotent re-write of the same example: no version bump.
			copy := *ex
			rows[i] = &copy
			m.mu.Unlock()
			m.requestSave()
			return len(rows), nil
		}
	}
	copy := *ex
	m.selfLearning[ex.AgentID] = append(rows, &copy)
	version := len(m.selfLearning[ex.AgentID])
	m.mu.Unlock()
	m.requestSave()
	return version, nil
}

func (m *MemoryStore) GetDataset(_ context.Context, agentID string, col models.DatasetCollection) (*models.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch col {
	case models.DatasetOriginal:
		return &models.Dataset{
			Collection: col,
			Version:    m.originalVersionLocked(agentID),
			Examples:   copyExamples(m.original[agentID]),
		}, nil
	case models.DatasetSelfLearning:
		return &models.Dataset{
			Collection: col,
			Version:    len(m.selfLearning[agentID]),
			Examples:   copyExamples(m.selfLearning[agentID]),
		}, nil
	case models.DatasetBlended:
		// Derived on demand, never persisted.
		blended := copyExamples(m.original[agentID])
		blended = append(blended, copyExamples(m.selfLearning[agentID])...)
		return &models.Dataset{
			Collection: col,
			Version:    m.originalVersionLocked(agentID) + len(m.selfLearning[agentID]),
			Examples:   blended,
		}, nil
	default:
		return nil, &ErrNotFound{Entity: "dataset", Key: string(col)}
	}
}

func (m *MemoryStore) DatasetVersion(_ context.Context, agentID string, col models.DatasetCollection) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch col {
	case models.DatasetOriginal:
		return m.originalVersionLocked(agentID), nil
	case models.DatasetSelfLearning:
		return len(m.selfLearning[agentID]), nil
	case models.DatasetBlended:
		return m.originalVersionLocked(agentID) + len(m.selfLearning[agentID]), nil
	default:
		return 0, &ErrNotFound{Entity: "dataset", Key: string(col)}
	}
}

func (m *MemoryStore) TruncateSelfLearning(_ context.Context, agentID string, version int) error {
	m.mu.Lock()
	rows := m.selfLearning[agentID]
	if version < 0 {
		version = 0
	}
	if version < len(rows) {
		m.selfLearning[agentID] = rows[:version]
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) originalVersionLocked(agentID string) int {
	if m.seeded[agentID] {
		return 1
	}
	return 0
}

func copyExamples(rows []*models.TrainingExample) []models.TrainingExample {
	out := make([]models.TrainingExample, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out
}

// ── Prompt Template Store ───────────────────────────────────

func (m *MemoryStore) GetTemplate(_ context.Context, agentID string) (*models.PromptTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain, ok := m.templates[agentID]
	if !ok || len(chain) == 0 {
		return nil, &ErrNotFound{Entity: "template", Key: agentID}
	}
	cur := m.templateCur[agentID]
	if cur == 0 {
		return nil, &ErrNotFound{Entity: "template", Key: agentID}
	}
	for _, t := range chain {
		if t.Version == cur {
			copy := *t
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "template version", Key: agentID}
}

func (m *MemoryStore) PutTemplate(_ context.Context, t *models.PromptTemplate) error {
	m.mu.Lock()
	chain := m.templates[t.AgentID]
	exists := false
	for _, v := range chain {
		if v.Version == t.Version {
			exists = true
			break
		}
	}
	if !exists {
		copy := *t
		m.templates[t.AgentID] = append(chain, &copy)
	}
	m.templateCur[t.AgentID] = t.Version
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) SetCurrentTemplate(_ context.Context, agentID string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version == 0 {
		delete(m.templateCur, agentID)
		m.requestSave()
		return nil
	}
	for _, t := range m.templates[agentID] {
		if t.Version == version {
			m.templateCur[agentID] = version
			m.requestSave()
			return nil
		}
	}
	return &ErrNotFound{Entity: "template version", Key: agentID}
}

// ── Interface Config Store ──────────────────────────────────

func (m *MemoryStore) GetInterfaceConfig(_ context.Context, agentID, iface string) (*models.InterfaceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k := key(agentID, iface)
	chain, ok := m.ifaceConfigs[k]
	if !ok || len(chain) == 0 {
		return nil, &ErrNotFound{Entity: "interface_config", Key: k}
	}
	cur := m.ifaceCur[k]
	if cur == 0 {
		return nil, &ErrNotFound{Entity: "interface_config", Key: k}
	}
	for _, c := range chain {
		if c.Version == cur {
			copy := *c
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "interface_config version", Key: k}
}

func (m *MemoryStore) PutInterfaceConfig(_ context.Context, c *models.InterfaceConfig) error {
	m.mu.Lock()
	k := key(c.AgentID, c.Interface)
	chain := m.ifaceConfigs[k]
	exists := false
	for _, v := range chain {
		if v.Version == c.Version {
			exists = true
			break
		}
	}
	if !exists {
		copy := *c
		m.ifaceConfigs[k] = append(chain, &copy)
	}
	m.ifaceCur[k] = c.Version
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) SetCurrentInterfaceConfig(_ context.Context, agentID, iface string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(agentID, iface)
	if version == 0 {
		delete(m.ifaceCur, k)
		m.requestSave()
		return nil
	}
	for _, c := range m.ifaceConfigs[k] {
		if c.Version == version {
			m.ifaceCur[k] = version
			m.requestSave()
			return nil
		}
	}
	return &ErrNotFound{Entity: "interface_config version", Key: k}
}

// ── Context Store ───────────────────────────────────────────

func (m *MemoryStore) GetContext(_ context.Context, agentID string, version int) (*models.AbstractContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain, ok := m.contexts[agentID]
	if !ok || len(chain) == 0 {
		return nil, &ErrNotFound{Entity: "context", Key: agentID}
	}
	if version == CurrentVersion {
		version = m.contextCur[agentID]
	}
	for _, c := range chain {
		if c.Version == version {
			return c.Clone(), nil
		}
	}
	return nil, &ErrNotFound{Entity: "context version", Key: agentID}
}

func (m *MemoryStore) PutContext(_ context.Context, c *models.AbstractContext) (int, error) {
	m.mu.Lock()
	chain := m.contexts[c.AgentID]
	for _, v := range chain {
		if v.Version == c.Version {
			// Idempotent re-put of an existing version: the chain is
			// append-only, the stored version wins.
			m.mu.Unlock()
			return c.Version, nil
		}
	}
	m.contexts[c.AgentID] = append(chain, c.Clone())
	m.mu.Unlock()
	m.requestSave()
	return c.Version, nil
}

func (m *MemoryStore) SetCurrentContext(_ context.Context, agentID string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contexts[agentID] {
		if c.Version == version {
			m.contextCur[agentID] = version
			m.requestSave()
			return nil
		}
	}
	return &ErrNotFound{Entity: "context version", Key: agentID}
}

func (m *MemoryStore) ListContextVersions(_ context.Context, agentID string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.contexts[agentID]
	out := make([]int, 0, len(chain))
	for _, c := range chain {
		out = append(out, c.Version)
	}
	sort.Ints(out)
	return out, nil
}

// ── Rollback Store ──────────────────────────────────────────

func (m *MemoryStore) SaveRollbackPoint(_ context.Context, rp *models.RollbackPoint) error {
	m.mu.Lock()
	copy := *rp
	m.rollbacks[rp.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteRollbackPoint(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.rollbacks, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListRollbackPoints(_ context.Context, agentID string) ([]models.RollbackPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.RollbackPoint
	for _, rp := range m.rollbacks {
		if agentID == "" || rp.AgentID == agentID {
			result = append(result, *rp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TakenAt.Before(result[j].TakenAt) })
	return result, nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) AppendAudit(_ context.Context, rec *models.AuditRecord) error {
	m.mu.Lock()
	copy := *rec
	m.audits = append(m.audits, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, filter AuditFilter) ([]models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var result []models.AuditRecord
	for i := len(m.audits) - 1; i >= 0; i-- { // newest first
		rec := m.audits[i]
		if filter.AgentID != "" && rec.AgentID != filter.AgentID {
			continue
		}
		if filter.Focus != "" && rec.FocusArea != filter.Focus {
			continue
		}
		result = append(result, *rec)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAuditBefore(_ context.Context, cutoff time.Time) ([]models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.AuditRecord
	for _, rec := range m.audits {
		if rec.CreatedAt.Before(cutoff) {
			result = append(result, *rec)
		}
	}
	return result, nil
}

func (m *MemoryStore) DeleteAudit(_ context.Context, ids []string) error {
	m.mu.Lock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.audits[:0]
	for _, rec := range m.audits {
		if !drop[rec.ID] {
			kept = append(kept, rec)
		}
	}
	m.audits = kept
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Progress Store ──────────────────────────────────────────

func (m *MemoryStore) GetProgress(_ context.Context, agentID string) (*models.LearningProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.progress[agentID]
	if !ok {
		return nil, &ErrNotFound{Entity: "progress", Key: agentID}
	}
	copy := *p
	return &copy, nil
}

func (m *MemoryStore) PutProgress(_ context.Context, p *models.LearningProgress) error {
	m.mu.Lock()
	copy := *p
	m.progress[p.AgentID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListProgress(_ context.Context) ([]models.LearningProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.LearningProgress, 0, len(m.progress))
	for _, p := range m.progress {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result, nil
}

// Compile-time checks that MemoryStore implements both interfaces.
var (
	_ Store        = (*MemoryStore)(nil)
	_ ContextStore = (*MemoryStore)(nil)
)
