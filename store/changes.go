package store

import (
	"github.com/realartists/shipsync/models"
)

// ChangeSet accumulates which records a write transaction touched, keyed
// by sync entity kind. It is delivered to observers only after commit.
type ChangeSet struct {
	Updated map[models.SyncEntityKind][]models.RecordID
	Deleted map[models.SyncEntityKind][]models.RecordID

	// Purged marks a full wipe; the id maps are empty in that case.
	Purged bool
}

func newChangeSet() *ChangeSet {
	return &ChangeSet{
		Updated: make(map[models.SyncEntityKind][]models.RecordID),
		Deleted: make(map[models.SyncEntityKind][]models.RecordID),
	}
}

func (cs *ChangeSet) touch(kind models.SyncEntityKind, ids ...models.RecordID) {
	cs.Updated[kind] = append(cs.Updated[kind], ids...)
}

func (cs *ChangeSet) remove(kind models.SyncEntityKind, ids ...models.RecordID) {
	cs.Deleted[kind] = append(cs.Deleted[kind], ids...)
}

func (cs *ChangeSet) Empty() bool {
	return !cs.Purged && len(cs.Updated) == 0 && len(cs.Deleted) == 0
}

// UpdatedIDs returns the touched ids for one kind, deduplicated.
func (cs *ChangeSet) UpdatedIDs(kind models.SyncEntityKind) []models.RecordID {
	return dedupe(cs.Updated[kind])
}

func (cs *ChangeSet) DeletedIDs(kind models.SyncEntityKind) []models.RecordID {
	return dedupe(cs.Deleted[kind])
}

func dedupe(ids []models.RecordID) []models.RecordID {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[models.RecordID]struct{}, len(ids))
	out := make([]models.RecordID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
