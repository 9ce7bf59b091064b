package models

import (
	"encoding/json"
	"time"
)

// SyncAction is the verb carried by one sync log entry.
type SyncAction string

const (
	SyncActionSet    SyncAction = "set"
	SyncActionDelete SyncAction = "delete"
)

// SyncEntry is one element of a sync frame: an upsert or deletion of a
// single entity at a given log version.
type SyncEntry struct {
	Action  SyncAction     `json:"action"`
	Kind    SyncEntityKind `json:"type"`
	Version int64          `json:"version"`

	// Object is the full entity payload for a set action. It stays raw
	// until the store dispatches it to the concrete model for the kind.
	Object json.RawMessage `json:"object,omitempty"`

	// Identifier names the entity being removed for a delete action.
	Identifier RecordID `json:"identifier,omitempty"`
}

// RelationshipKind discriminates the payload of a "relationships" sync
// entry, since label membership, assignees and requested reviewers share
// one sync kind on the wire.
type RelationshipKind string

const (
	RelationshipLabel    RelationshipKind = "label"
	RelationshipAssignee RelationshipKind = "assignee"
	RelationshipReviewer RelationshipKind = "reviewer"
)

// RelationshipObject is the wire payload for a relationships entry.
type RelationshipObject struct {
	Relationship RelationshipKind `json:"relationship"`
	Issue        RecordID         `json:"issue"`
	Label        RecordID         `json:"label,omitempty"`
	Account      RecordID         `json:"user,omitempty"`
	Position     int              `json:"position,omitempty"`
}

// SyncVersion records the highest log version durably applied for one
// entity kind. These rows are the resume cursor sent in the hello frame.
type SyncVersion struct {
	Kind    SyncEntityKind `gorm:"primaryKey"`
	Version int64
}

// PurgeState is a singleton row holding the server's purge token. When the
// server announces a different token the local dataset is stale beyond
// incremental repair and must be rebuilt from scratch.
type PurgeState struct {
	ID    int64 `gorm:"primaryKey;autoIncrement:false"`
	Token string
}

const PurgeStateRowID = 1

// OutboxKind names the mutation a pending outbox entry performs.
type OutboxKind string

const (
	OutboxCreateIssue    OutboxKind = "createIssue"
	OutboxPatchIssue     OutboxKind = "patchIssue"
	OutboxCreateComment  OutboxKind = "createComment"
	OutboxPatchComment   OutboxKind = "patchComment"
	OutboxDeleteComment  OutboxKind = "deleteComment"
	OutboxAddReaction    OutboxKind = "addReaction"
	OutboxDeleteReaction OutboxKind = "deleteReaction"
	OutboxMarkRead       OutboxKind = "markRead"
	OutboxMarkAllRead    OutboxKind = "markAllRead"
)

// OutboxEntry is a durable record of a local mutation awaiting replay
// against the server. PlaceholderID is the negative transient identifier
// under which the speculative entity (if any) was written.
type OutboxEntry struct {
	PlaceholderID RecordID       `gorm:"primaryKey;autoIncrement:false"`
	Kind          OutboxKind     `gorm:"index"`
	EntityKind    SyncEntityKind `gorm:"index"`

	// Payload holds the request body for the replay. For patches it is
	// the full set of requested field values.
	Payload json.RawMessage

	// SetFields lists which fields the user actually touched, so a remap
	// can merge against fresher server state field by field.
	SetFields []string `gorm:"serializer:json"`

	// TargetID is the entity being mutated for patch and delete kinds.
	// It may itself be a placeholder when mutations chain.
	TargetID RecordID `gorm:"index"`

	CreatedAt   time.Time
	Attempts    int
	NextAttempt time.Time `gorm:"index"`
	LastError   string
	Failed      bool `gorm:"index"`
}
