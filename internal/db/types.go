package db

import "time"

// Observation is one recorded note against a project, used by the generic
// signal/lock bookkeeping carried over from the teacher store.
type Observation struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskRecord is the persisted view of a taskqueue.Task, written on every
// status transition so a crash-restart can repopulate the queue instead of
// starting from empty.
type TaskRecord struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Description string    `json:"description"`
	Scope       []string  `json:"scope"`
	Acceptance  string    `json:"acceptance"`
	Branch      string    `json:"branch"`
	Status      string    `json:"status"`
	Priority    int       `json:"priority"`
	ParentID    string    `json:"parent_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HandoffRecord is the persisted view of a workerpool.Handoff.
type HandoffRecord struct {
	TaskID       string   `json:"task_id"`
	ProjectID    string   `json:"project_id"`
	Status       string   `json:"status"`
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"files_changed"`
	Concerns     []string `json:"concerns"`
	Suggestions  []string `json:"suggestions"`
	MetricsJSON  string   `json:"metrics_json"`
	CreatedAt    time.Time `json:"created_at"`
}

// MergeOutcomeRecord is the persisted outcome of one merge queue attempt.
type MergeOutcomeRecord struct {
	Branch    string    `json:"branch"`
	ProjectID string    `json:"project_id"`
	Result    string    `json:"result"` // "merged", "conflict", "error"; "metrics" for monitor snapshot rows
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the full persistence surface the orchestrator shell depends on:
// the teacher's generic observation/signal/feature/lock bookkeeping, plus
// the task/handoff/merge-outcome tables that back crash-restart recovery.
type Store interface {
	Close() error

	SaveObservation(projectID, agentID, content string) error
	QueryHistory(projectID string, limit int) ([]Observation, error)

	SetSignal(projectID, key, value string) error
	GetSignal(projectID, key string) (string, error)
	DeleteSignal(projectID, key string) error

	SaveFeatures(projectID string, features string) error
	GetFeatures(projectID string) (string, error)
	UpdateFeatureStatus(projectID string, id string, status string, passes bool) error

	SaveSpec(projectID string, spec string) error
	GetSpec(projectID string) (string, error)

	AcquireLock(projectID, path, agentID string, timeout time.Duration) (bool, error)
	ReleaseLock(projectID, path, agentID string) error
	ReleaseAllLocks(projectID, agentID string) error
	GetActiveLocks(projectID string) ([]Lock, error)

	Cleanup() error

	SaveTask(projectID string, t TaskRecord) error
	ListPendingTasks(projectID string) ([]TaskRecord, error)
	SaveHandoff(projectID string, h HandoffRecord) error
	SaveMergeOutcome(projectID string, m MergeOutcomeRecord) error
}

type FeatureDependencies struct {
	DependsOnIDs        []string `json:"depends_on_ids"`
	ExclusiveWritePaths []string `json:"exclusive_write_paths"`
	ReadOnlyPaths       []string `json:"read_only_paths"`
}

type Feature struct {
	ID           string              `json:"id"`
	Category     string              `json:"category"`
	Priority     string              `json:"priority"` // "POC", "MVP", "Production"
	Description  string              `json:"description"`
	Status       string              `json:"status"`
	Passes       bool                `json:"passes"`
	Steps        []string            `json:"steps"`
	Dependencies FeatureDependencies `json:"dependencies"`
}

type Lock struct {
	Path      string    `json:"path"`
	AgentID   string    `json:"agent_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type FeatureList struct {
	ProjectName string    `json:"project_name"`
	Features    []Feature `json:"features"`
}
