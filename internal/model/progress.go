package model

import "time"

// Well-known sync_state keys. The exact names are preserved for operator
// UI compatibility.
const (
	KeyBackfillProgress    = "backfill_progress"
	KeySyncStatus          = "sync_status"
	KeyImportCursor        = "mailerlite:import:cursor"
	KeyRateLimitStatus     = "mailerlite_rate_limit_status"
	KeyIncompleteBreakdown = "backfill_incomplete_breakdown"
)

// Backfill phases.
const (
	PhaseCrosswalkFromA = 1 // build crosswalk rows from the client table
	PhaseCrosswalkFromB = 2 // augment crosswalk from the MailerLite listing
	PhaseShadows        = 3 // create shadows for all complete pairs
)

// Run statuses shared by orchestrator progress documents.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// BackfillProgress is the checkpoint document for the backfill orchestrator,
// persisted under KeyBackfillProgress after every chunk.
type BackfillProgress struct {
	Phase             int       `json:"phase"`
	ClientOffset      int       `json:"clientOffset"`
	SubscriberCursor  string    `json:"subscriberCursor"`
	ShadowOffset      int       `json:"shadowOffset"`
	CrosswalkCreated  int       `json:"crosswalkCreated"`
	ShadowsCreated    int       `json:"shadowsCreated"`
	Errors            int       `json:"errors"`
	StartedAt         time.Time `json:"startedAt"`
	LastUpdatedAt     time.Time `json:"lastUpdatedAt"`
	Status            string    `json:"status"`
	ContinuationCount int       `json:"continuationCount"`
}

// ComponentStatus is the per-orchestrator section of the consolidated
// sync_status document.
type ComponentStatus struct {
	Status           string     `json:"status,omitempty"`
	Paused           bool       `json:"paused,omitempty"`
	Stalled          bool       `json:"stalled,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	LastUpdatedAt    *time.Time `json:"lastUpdatedAt,omitempty"`
	RecordsProcessed int        `json:"recordsProcessed,omitempty"`
	Errors           int        `json:"errors,omitempty"`
}

// LastSyncInfo summarizes the most recent completed run of any orchestrator.
type LastSyncInfo struct {
	Kind        string    `json:"kind"`
	Direction   Direction `json:"direction,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
	Records     int       `json:"records"`
	Errors      int       `json:"errors"`
}

// SyncStatistics is the cumulative counters section of sync_status.
type SyncStatistics struct {
	RecordsProcessed  int `json:"recordsProcessed"`
	UpdatesApplied    int `json:"updatesApplied"`
	ConflictsDetected int `json:"conflictsDetected"`
	Errors            int `json:"errors"`
}

// SyncStatus is the consolidated operator view persisted under KeySyncStatus.
type SyncStatus struct {
	Backfill        ComponentStatus `json:"backfill"`
	FullSync        ComponentStatus `json:"fullSync"`
	IncrementalSync ComponentStatus `json:"incrementalSync"`
	LastSync        *LastSyncInfo   `json:"lastSync,omitempty"`
	Statistics      SyncStatistics  `json:"statistics"`
}

// ImportCursor is the resume point for the B→A loop of the bidirectional
// orchestrator, persisted under KeyImportCursor after every page.
type ImportCursor struct {
	Cursor           string    `json:"cursor"`
	RecordsProcessed int       `json:"recordsProcessed"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// RateLimitStatus is the periodic snapshot of the MailerLite token bucket,
// persisted under KeyRateLimitStatus.
type RateLimitStatus struct {
	TokensAvailable      float64   `json:"tokensAvailable"`
	RequestsInLastMinute int       `json:"requestsInLastMinute"`
	UtilizationPercent   float64   `json:"utilizationPercent"`
	Timestamp            time.Time `json:"timestamp"`
}

// DiagnosticBreakdown is the classification of shadow-less crosswalk rows,
// persisted under KeyIncompleteBreakdown for the operator UI.
type DiagnosticBreakdown struct {
	Batch           int                 `json:"batch"`
	Total           int                 `json:"total"`
	Counts          map[string]int      `json:"counts"`
	Samples         map[string][]string `json:"samples"`
	Recommendations string              `json:"recommendations"`
	GeneratedAt     time.Time           `json:"generatedAt"`
}
