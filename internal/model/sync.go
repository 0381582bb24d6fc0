package model

import (
	"time"

	"github.com/google/uuid"
)

// CrosswalkRow is the identity map entry bridging the two stores.
// Either id may be null until the record has been observed on that side.
// At most one row exists per canonical email.
type CrosswalkRow struct {
	Email     string    `json:"email"`
	AID       *int64    `json:"a_id,omitempty"`
	BID       *string   `json:"b_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Complete reports whether both ids are populated.
func (r CrosswalkRow) Complete() bool { return r.AID != nil && r.BID != nil }

// SnapshotMeta records provenance for a joint snapshot.
type SnapshotMeta struct {
	HasA       bool      `json:"hasA"`
	HasB       bool      `json:"hasB"`
	IsComplete bool      `json:"isComplete"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Snapshot is the last-synced joint view of a record's managed fields on
// both sides. B may be nil for placeholder shadows inserted by gap-fill.
type Snapshot struct {
	A    Fields       `json:"A"`
	B    Fields       `json:"B"`
	Meta SnapshotMeta `json:"metadata"`
}

// Shadow validation statuses.
const (
	ValidationComplete   = "complete"
	ValidationIncomplete = "incomplete"
)

// ShadowRow is the persisted shadow for one email: the reference point for
// three-way diffing.
type ShadowRow struct {
	Email            string    `json:"email"`
	Snapshot         Snapshot  `json:"snapshot"`
	ValidationStatus string    `json:"validation_status"`
	DataQuality      *string   `json:"data_quality,omitempty"`
	LastValidatedAt  time.Time `json:"last_validated_at"`
}

// Conflict statuses.
const (
	ConflictPending  = "pending"
	ConflictResolved = "resolved"
)

// ConflictRow is one unresolved (or resolved) field-level conflict.
// At most one pending row exists per (email, field).
type ConflictRow struct {
	ID            uuid.UUID   `json:"id"`
	Email         string      `json:"email"`
	Field         ManagedField `json:"field"`
	AValue        FieldValue  `json:"a_value"`
	BValue        FieldValue  `json:"b_value"`
	DetectedAt    time.Time   `json:"detected_at"`
	Status        string      `json:"status"`
	ResolvedValue *FieldValue `json:"resolved_value,omitempty"`
	ResolvedAt    *time.Time  `json:"resolved_at,omitempty"`
}

// SyncAction classifies what a sync-log entry records.
type SyncAction string

const (
	ActionCreate    SyncAction = "create"
	ActionUpdate    SyncAction = "update"
	ActionSkip      SyncAction = "skip"
	ActionFillEmpty SyncAction = "fill_empty"
	ActionConflict  SyncAction = "conflict"
)

// Direction of data movement for a sync-log entry or orchestrator run.
type Direction string

const (
	DirectionAToB Direction = "a_to_b"
	DirectionBToA Direction = "b_to_a"
	DirectionBoth Direction = "both"
	DirectionNone Direction = "none"
)

// SyncResult is the outcome recorded on a sync-log entry.
type SyncResult string

const (
	ResultApplied SyncResult = "applied"
	ResultSkipped SyncResult = "skipped"
	ResultConflict SyncResult = "conflict"
	ResultError   SyncResult = "error"
)

// SyncLogEntry is one append-only per-field event. The dedupe key
// ("{source}-{email}-{monotonic_nanos}") makes retried inserts idempotent
// at the log layer.
type SyncLogEntry struct {
	ID         int64         `json:"id"`
	CreatedAt  time.Time     `json:"created_at"`
	Email      string        `json:"email"`
	Field      *ManagedField `json:"field,omitempty"`
	Action     SyncAction    `json:"action"`
	Direction  Direction     `json:"direction"`
	Result     SyncResult    `json:"result"`
	OldValue   *FieldValue   `json:"old_value,omitempty"`
	NewValue   *FieldValue   `json:"new_value,omitempty"`
	DedupeKey  string        `json:"dedupe_key"`
	ErrorType  *string       `json:"error_type,omitempty"`
	StatusCode *int          `json:"status_code,omitempty"`
}
