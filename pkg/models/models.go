package models

import (
	"fmt"
	"time"
)

// ── Verdicts ─────────────────────────────────────────────────

// Verdict is an outcome judgment attached to an episode by a human user
// or a mentor agent.
type Verdict string

const (
	VerdictSuccess          Verdict = "success"
	VerdictMixed            Verdict = "mixed"
	VerdictNeedsImprovement Verdict = "needs_improvement"
	VerdictFailure          Verdict = "failure"
)

// Score maps a verdict onto [0,1]. The second return is false for the
// empty or unknown verdict.
func (v Verdict) Score() (float64, bool) {
	switch v {
	case VerdictSuccess:
		return 1.0, true
	case VerdictMixed:
		return 0.6, true
	case VerdictNeedsImprovement:
		return 0.3, true
	case VerdictFailure:
		return 0.0, true
	default:
		return 0, false
	}
}

// ── Episodes ─────────────────────────────────────────────────

// ToolCall is one tool invocation recorded during an episode.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

// RetrievedContext carries the retrieval counters for an episode.
type RetrievedContext struct {
	Retrieved    int `json:"retrieved"`
	TotalQueries int `json:"total_queries"`
	Conflicts    int `json:"conflicts"`
	TotalItems   int `json:"total_items"`
}

// InterfaceUsage records call/error counters for one external interface
// (ERP, CRM, ticketing, ...) touched during an episode.
type InterfaceUsage struct {
	ErrorCount int `json:"error_count"`
	TotalCalls int `json:"total_calls"`
	RetryCount int `json:"retry_count,omitempty"`
}

// EpisodeEvent is one recorded agent interaction. Episodes are write-once:
// identified by (agent_id, scenario_id, timestamp) and never mutated after
// ingestion.
type EpisodeEvent struct {
	AgentID            string                    `json:"agent_id"`
	ScenarioID         string                    `json:"scenario_id"`
	Timestamp          time.Time                 `json:"timestamp"`
	Source             string                    `json:"source,omitempty"`
	CorrelationIDs     []string                  `json:"correlation_ids,omitempty"`
	UserIntent         string                    `json:"user_intent,omitempty"`
	Prompts            []string                  `json:"prompts,omitempty"`
	ToolCalls          []ToolCall                `json:"tool_calls,omitempty"`
	RetrievedContext   RetrievedContext          `json:"retrieved_context"`
	ThirdPartyPayloads map[string]any            `json:"third_party_payloads,omitempty"`
	ModelOutput        string                    `json:"model_output,omitempty"`
	ActionPlan         map[string]any            `json:"action_plan,omitempty"`
	SelectedTools      []string                  `json:"selected_tools,omitempty"`
	ConfidenceScores   map[string]float64        `json:"confidence_scores,omitempty"`
	ActualResults      map[string]any            `json:"actual_results,omitempty"`
	UserVerdict        Verdict                   `json:"user_verdict,omitempty"`
	MentorVerdict      Verdict                   `json:"mentor_verdict,omitempty"`
	KPIs               map[string]float64        `json:"kpis,omitempty"`
	StakeholderRatings map[string]float64        `json:"stakeholder_ratings,omitempty"`
	InterfacesUsed     map[string]InterfaceUsage `json:"interfaces_used,omitempty"`
	SchemaVersions     map[string]string         `json:"schema_versions,omitempty"`
}

// Key returns the unique identity of an episode. Timestamps are normalized
// to UTC nanoseconds so the same episode always yields the same key.
func (e *EpisodeEvent) Key() string {
	return fmt.Sprintf("%s/%s/%d", e.AgentID, e.ScenarioID, e.Timestamp.UTC().UnixNano())
}

// Validate rejects malformed episodes before any side effect occurs.
func (e *EpisodeEvent) Validate() error {
	if e.AgentID == "" {
		return &ValidationError{Field: "agent_id", Reason: "required"}
	}
	if e.ScenarioID == "" {
		return &ValidationError{Field: "scenario_id", Reason: "required"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	return nil
}

// VerdictScore averages the episode's present verdicts onto [0,1].
// The second return is false when the episode carries no verdict at all.
func (e *EpisodeEvent) VerdictScore() (float64, bool) {
	var sum float64
	var n int
	if s, ok := e.UserVerdict.Score(); ok {
		sum += s
		n++
	}
	if s, ok := e.MentorVerdict.Score(); ok {
		sum += s
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// ── Validation Errors ────────────────────────────────────────

// ValidationError reports a malformed episode field. Episodes failing
// validation are rejected with no side effects.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid episode: %s %s", e.Field, e.Reason)
}

// ── Derived Metrics ──────────────────────────────────────────

// DerivedMetrics is computed exactly once per episode and never recomputed.
// Optional scores are nil when the episode lacks the inputs to derive them.
type DerivedMetrics struct {
	EpisodeKey             string             `json:"episode_key"`
	RetrievalHitRate       float64            `json:"retrieval_hit_rate"`
	ConflictDensity        float64            `json:"conflict_density"`
	InterfaceErrorRates    map[string]float64 `json:"interface_error_rates,omitempty"`
	F1Score                *float64           `json:"f1_score,omitempty"`
	RMSE                   *float64           `json:"rmse,omitempty"`
	BrierScore             *float64           `json:"brier_score,omitempty"`
	PromptSensitivityIndex *float64           `json:"prompt_sensitivity_index,omitempty"`
	SchemaMismatchCount    int                `json:"schema_mismatch_count"`
	ComputedAt             time.Time          `json:"computed_at"`
}

// ── Focus Areas ──────────────────────────────────────────────

// FocusArea is the dimension of agent behavior selected for correction.
type FocusArea string

const (
	FocusModel     FocusArea = "MODEL"
	FocusInterface FocusArea = "INTERFACE"
	FocusContext   FocusArea = "CONTEXT"
	FocusPrompt    FocusArea = "PROMPT"
	// FocusNone is the neutral verdict: no threshold fired and no
	// adaptation is attempted.
	FocusNone FocusArea = "NONE"
)

// Actionable reports whether the focus area triggers an adaptation.
func (f FocusArea) Actionable() bool {
	switch f {
	case FocusModel, FocusInterface, FocusContext, FocusPrompt:
		return true
	}
	return false
}

// ── Abstract Context ─────────────────────────────────────────

// UpdateSource records which update mode produced a context version.
type UpdateSource string

const (
	UpdateComprehensive UpdateSource = "comprehensive_update"
	UpdateIncremental   UpdateSource = "incremental_update"
)

// AbstractContext is the per-agent durable memory: commitments the agent
// has made, bounded episode summaries, and per-source reliability scores.
// Every mutation creates a new version; prior versions are retained for
// rollback and never changed in place.
type AbstractContext struct {
	AgentID           string             `json:"agent_id"`
	Commitments       []string           `json:"commitments,omitempty"`
	EpisodeSummaries  []string           `json:"episode_summaries,omitempty"` // most-recent-last, bounded
	ReliabilityScores map[string]float64 `json:"reliability_scores,omitempty"`
	Version           int                `json:"version"`
	LastUpdated       time.Time          `json:"last_updated"`
	UpdateSource      UpdateSource       `json:"update_source,omitempty"`
}

// Clone returns a deep copy so stores and callers never share slices.
func (c *AbstractContext) Clone() *AbstractContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Commitments = append([]string(nil), c.Commitments...)
	out.EpisodeSummaries = append([]string(nil), c.EpisodeSummaries...)
	if c.ReliabilityScores != nil {
		out.ReliabilityScores = make(map[string]float64, len(c.ReliabilityScores))
		for k, v := range c.ReliabilityScores {
			out.ReliabilityScores[k] = v
		}
	}
	return &out
}

// ── Datasets ─────────────────────────────────────────────────

// DatasetCollection names the three training-data collections.
type DatasetCollection string

const (
	// DatasetOriginal is frozen after seeding.
	DatasetOriginal DatasetCollection = "original"
	// DatasetSelfLearning grows one example per committed MODEL adaptation.
	DatasetSelfLearning DatasetCollection = "self_learning"
	// DatasetBlended is derived on demand and never persisted.
	DatasetBlended DatasetCollection = "blended"
)

// TrainingExample is one (prompt, target) tuple with its quality score.
type TrainingExample struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	Prompt         string    `json:"prompt"`
	TargetResponse string    `json:"target_response"`
	ModelOutput    string    `json:"model_output,omitempty"`
	QualityScore   float64   `json:"quality_score"`
	Role           string    `json:"role,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Dataset is a versioned view over one collection.
type Dataset struct {
	Collection DatasetCollection `json:"collection"`
	Version    int               `json:"version"`
	Examples   []TrainingExample `json:"examples"`
}

// ── Prompt Templates & Interface Configs ─────────────────────

// PromptTemplate is a versioned system-prompt body per agent.
type PromptTemplate struct {
	AgentID   string    `json:"agent_id"`
	Version   int       `json:"version"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// InterfaceConfig is the versioned reliability tuning for one external
// interface: retry budget, backoff window, and circuit-breaker trip point.
type InterfaceConfig struct {
	AgentID          string        `json:"agent_id"`
	Interface        string        `json:"interface"`
	Version          int           `json:"version"`
	MaxRetries       int           `json:"max_retries"`
	InitialBackoff   time.Duration `json:"initial_backoff"`
	MaxBackoff       time.Duration `json:"max_backoff"`
	BreakerThreshold int           `json:"breaker_threshold"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown"`
}

// DefaultInterfaceConfig is the starting point before any INTERFACE
// adaptation has been committed for the pair.
func DefaultInterfaceConfig(agentID, iface string) *InterfaceConfig {
	return &InterfaceConfig{
		AgentID:          agentID,
		Interface:        iface,
		MaxRetries:       1,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	}
}

// ── Rollback Points ──────────────────────────────────────────

// RollbackPoint snapshots the version pointers relevant to a focus area
// immediately before a change is staged. It is deleted once a commit is
// confirmed, or consumed by the rollback that restores it.
type RollbackPoint struct {
	ID                     string    `json:"id"`
	AgentID                string    `json:"agent_id"`
	EpisodeKey             string    `json:"episode_key"`
	FocusArea              FocusArea `json:"focus_area"`
	ContextVersion         int       `json:"context_version"`
	DatasetVersion         int       `json:"dataset_version"`
	TemplateVersion        int       `json:"template_version"`
	Interface              string    `json:"interface,omitempty"`
	InterfaceConfigVersion int       `json:"interface_config_version"`
	TakenAt                time.Time `json:"taken_at"`
}

// ── Staged Changes & Evaluation ──────────────────────────────

// StagedChange is the candidate produced by the Adaptation Executor. It is
// held in memory (and handed to the shadow evaluator) until the commit gate
// decides; nothing is written before a positive evaluation.
type StagedChange struct {
	FocusArea       FocusArea        `json:"focus_area"`
	TrainingExample *TrainingExample `json:"training_example,omitempty"`
	ContextPatch    *AbstractContext `json:"context_patch,omitempty"`
	Template        *PromptTemplate  `json:"template,omitempty"`
	InterfaceConfig *InterfaceConfig `json:"interface_config,omitempty"`
	Summary         string           `json:"summary,omitempty"`
}

// ConfidenceInterval bounds an improvement estimate. Evaluators must always
// return an interval, never a point estimate alone.
type ConfidenceInterval struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// EvaluationResult is the shadow evaluator's judgment of a staged change.
type EvaluationResult struct {
	Improvement         float64            `json:"improvement"`
	ConfidenceInterval  ConfidenceInterval `json:"confidence_interval"`
	BaselinePerformance float64            `json:"baseline_performance"`
	NewPerformance      float64            `json:"new_performance"`
	SampleSize          int                `json:"sample_size,omitempty"`
	Elapsed             time.Duration      `json:"elapsed,omitempty"`
}

// Positive reports whether the evaluation clears the commit gate: the
// interval must sit strictly above zero.
func (r *EvaluationResult) Positive() bool {
	return r != nil && r.ConfidenceInterval.Low > 0
}

// ChangesApplied describes what a finished adaptation did (or undid).
type ChangesApplied struct {
	RolledBack             bool   `json:"rolled_back"`
	ContextVersion         int    `json:"context_version,omitempty"`
	DatasetVersion         int    `json:"dataset_version,omitempty"`
	TemplateVersion        int    `json:"template_version,omitempty"`
	Interface              string `json:"interface,omitempty"`
	InterfaceConfigVersion int    `json:"interface_config_version,omitempty"`
	Detail                 string `json:"detail,omitempty"`
}

// AdaptationResult is returned by the Adaptation Executor for one episode.
type AdaptationResult struct {
	FocusArea        FocusArea         `json:"focus_area"`
	ChangesApplied   ChangesApplied    `json:"changes_applied"`
	EvaluationResult *EvaluationResult `json:"evaluation_result,omitempty"`
}

// ── Learning Cycles ──────────────────────────────────────────

// CycleState tracks one episode through the learning cycle.
type CycleState string

const (
	StateReceived         CycleState = "RECEIVED"
	StateMetricsComputed  CycleState = "METRICS_COMPUTED"
	StateFocusDecided     CycleState = "FOCUS_DECIDED"
	StateAdaptationStaged CycleState = "ADAPTATION_STAGED"
	StateCommitted        CycleState = "COMMITTED"
	StateRolledBack       CycleState = "ROLLED_BACK"
	StateDone             CycleState = "DONE"
	StateFailed           CycleState = "FAILED"
)

// Terminal reports whether the state ends a cycle.
func (s CycleState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// CycleResult is the outward-facing outcome of ProcessEpisode.
type CycleResult struct {
	EpisodeKey       string            `json:"episode_key"`
	AgentID          string            `json:"agent_id"`
	State            CycleState        `json:"state"`
	Duplicate        bool              `json:"duplicate,omitempty"`
	Metrics          *DerivedMetrics   `json:"metrics,omitempty"`
	FocusArea        FocusArea         `json:"focus_area,omitempty"`
	ChangesApplied   *ChangesApplied   `json:"changes_applied,omitempty"`
	EvaluationResult *EvaluationResult `json:"evaluation_result,omitempty"`
	Conflicts        []string          `json:"conflicts,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// BatchResult summarizes one backlog drain for an agent.
type BatchResult struct {
	AgentID    string        `json:"agent_id"`
	Processed  int           `json:"processed"`
	Committed  int           `json:"committed"`
	RolledBack int           `json:"rolled_back"`
	NoOp       int           `json:"no_op"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
	Results    []CycleResult `json:"results,omitempty"`
}

// ── Audit ────────────────────────────────────────────────────

// AuditRecord is the structured trace of one learning decision, emitted to
// the audit sink for every processed episode.
type AuditRecord struct {
	ID               string            `json:"id"`
	AgentID          string            `json:"agent_id"`
	EpisodeKey       string            `json:"episode_key"`
	FocusArea        FocusArea         `json:"focus_area"`
	State            CycleState        `json:"state"`
	ChangesApplied   *ChangesApplied   `json:"changes_applied,omitempty"`
	EvaluationResult *EvaluationResult `json:"evaluation_result,omitempty"`
	Conflicts        []string          `json:"conflicts,omitempty"`
	Actor            string            `json:"actor,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// ── Learning Progress ────────────────────────────────────────

// LearningProgress is the per-agent counter block behind GetLearningProgress.
type LearningProgress struct {
	AgentID          string    `json:"agent_id"`
	CyclesCompleted  int       `json:"cycles_completed"`
	Committed        int       `json:"committed"`
	RolledBack       int       `json:"rolled_back"`
	Failed           int       `json:"failed"`
	NoOp             int       `json:"no_op"`
	Duplicates       int       `json:"duplicates"`
	LastFocusArea    FocusArea `json:"last_focus_area,omitempty"`
	LastCycleAt      time.Time `json:"last_cycle_at,omitempty"`
	ContextVersion   int       `json:"context_version"`
	SelfLearningSize int       `json:"self_learning_size"`
}
