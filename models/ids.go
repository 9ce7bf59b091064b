package models

import (
	"fmt"
	"strconv"
)

// RecordID identifies an entity. Server-assigned identifiers are positive;
// negative values are transient placeholders allocated by the outbox for
// speculative local writes, and must never appear on the wire toward the
// sync server. Zero means "unset".
type RecordID int64

func (id RecordID) IsPlaceholder() bool {
	return id < 0
}

func (id RecordID) Valid() bool {
	return id != 0
}

func (id RecordID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// SyncEntityKind is the closed set of entity types carried by the sync
// stream. The string values match the wire protocol's "type" field.
type SyncEntityKind string

const (
	KindAccounts       SyncEntityKind = "accounts"
	KindRepos          SyncEntityKind = "repos"
	KindMilestones     SyncEntityKind = "milestones"
	KindLabels         SyncEntityKind = "labels"
	KindIssues         SyncEntityKind = "issues"
	KindEvents         SyncEntityKind = "events"
	KindComments       SyncEntityKind = "comments"
	KindRelationships  SyncEntityKind = "relationships"
	KindReactions      SyncEntityKind = "reactions"
	KindReviews        SyncEntityKind = "reviews"
	KindPRComments     SyncEntityKind = "prcomments"
	KindCommitStatuses SyncEntityKind = "commitstatuses"
	KindProjects       SyncEntityKind = "projects"
	KindNotifications  SyncEntityKind = "notifications"
)

// AllEntityKinds lists every kind in a stable order. Version cursors and
// purge handling iterate this; additions here must be mirrored in the
// store's apply dispatch.
// KindUpNext is local-only: up-next ordering never rides the sync stream,
// but change observers still need a kind to report it under.
const KindUpNext SyncEntityKind = "upnext"

var AllEntityKinds = []SyncEntityKind{
	KindAccounts,
	KindRepos,
	KindMilestones,
	KindLabels,
	KindIssues,
	KindEvents,
	KindComments,
	KindRelationships,
	KindReactions,
	KindReviews,
	KindPRComments,
	KindCommitStatuses,
	KindProjects,
	KindNotifications,
}

func ParseEntityKind(s string) (SyncEntityKind, error) {
	k := SyncEntityKind(s)
	for _, known := range AllEntityKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown sync entity kind %q", s)
}
