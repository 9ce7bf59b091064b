package store

import (
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/realartists/shipsync/models"
)

// Tx is the handle passed to Write and Read callbacks. It wraps the gorm
// transaction and records which records the callback touched.
type Tx struct {
	db      *gorm.DB
	changes *ChangeSet
}

// DB exposes the underlying gorm handle for queries the helpers below do
// not cover. Callers inside a Write callback must record changes via Touch
// and Remove themselves when they use it for writes.
func (tx *Tx) DB() *gorm.DB {
	return tx.db
}

func (tx *Tx) Touch(kind models.SyncEntityKind, ids ...models.RecordID) {
	tx.changes.touch(kind, ids...)
}

func (tx *Tx) Remove(kind models.SyncEntityKind, ids ...models.RecordID) {
	tx.changes.remove(kind, ids...)
}

// upsert writes model with all columns replaced on primary-key conflict,
// which makes re-applying the same sync entry a no-op.
func (tx *Tx) upsert(model any) error {
	return tx.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(model).Error
}

// ApplyEntry applies one sync log entry. Set actions upsert the full
// object; delete actions remove by identifier. Both are idempotent, so a
// crash between a batch commit and its acknowledgement only costs
// re-application, never corruption.
func (tx *Tx) ApplyEntry(entry *models.SyncEntry) error {
	var err error
	switch entry.Action {
	case models.SyncActionSet:
		err = tx.applySet(entry)
	case models.SyncActionDelete:
		err = tx.applyDelete(entry)
	default:
		return fmt.Errorf("unknown sync action %q", entry.Action)
	}
	if err == nil {
		entriesApplied.WithLabelValues(string(entry.Kind), string(entry.Action)).Inc()
	}
	return err
}

func (tx *Tx) applySet(entry *models.SyncEntry) error {
	switch entry.Kind {
	case models.KindAccounts:
		var m models.Account
		if err := json.Unmarshal(entry.Object, &m); err != nil {
			return fmt.Errorf("decoding account object: %w", err)
		}
		if err := tx.upsert(&m); err != nil {
			return err
		}
		tx.changes.touch(entry.Kind, m.ID)
		return nil
	case models.KindRepos:
		var m models.Repo
		if err := json.Unmarshal(entry.Object, &m); err != nil {
			return err
		}
		if err := tx.upsert(&m); err != nil {
			return err
		}
		tx.changes.touch(entry.Kind, m.ID)
		return nil
	case models.KindMilestones:
		var m models.Milestone
		if err := json.Unmarshal(entry.Object, &m); err != nil {
			return err
		}
		if err := tx.upsert(&m); err != nil {
			return err
		}
		tx.changes.touch(entry.Kind, m.ID)
		return nil
	case models.KindLabels:
		var m models.Label
		if err := json.Unmarshal(entry.Object, &m); err != nil {
			return err
		}
		if err := tx.upsert(&m); err != nil {
			return err
		}
		tx.changes.touch(entry.Kind, m.ID)
		return nil
	case models.KindIssues:
		var m models.Issue
		if err := json.Unmarshal(entry.Object, &m); err != nil {
			return err
		}
		if err := tx.upsert(&m); err != nil {
			return err
		}
		tx.changes.touch(entry.Kind, m.ID)
		return nil
	case models.KindEvents:
		var m models.IssueEvent
		if err := json.Unmarshal(entry.Object, &m); err != nil {
			return err
		}
		if err := tx.upsert(&m); err != nil {
			return err
		}
		tx.changes.touch(entry.Kind, m.ID)
		return nil
	case models.KindComments, models.KindPRComments:
		var m models.Comment
		if err := json.Unmarshal(entry.Object, &m); err != nil {
			return err
		}
		if m.Kind == "" {
			if entry.Kind == models.KindPRComments {
				m.Kind = models.CommentKindReview
			} else {
				m.Kind = models.CommentKindIssue
			}
		}
		if err := tx.upsert(&m); err != nil {
			return err
		}
		tx.changes.touch(entry.Kind, m.ID)
		return nil
	case models.KindReviews:
		var m models.PRReview
		if err := json.Unmarshal(entry.Object, &m); err != nil {
			return err
		}
		if err := tx.upsert(&m); err != nil {
			return err
		}
		tx.changes.touch(entry.Kind, m.ID)
		return nil
	case models.KindReactions:
		var m models.Reaction
		if err := json.Unmarshal(entry.Object, &m); err != nil {
			return err
		}
		if err := tx.upsert(&m); err != nil {
			return err
		}
		tx.changes.touch(entry.Kind, m.ID)
		return nil
	case models.KindCommitStatuses:
		var m models.CommitStatus
		if err := json.Unmarshal(entry.Object, &m); err != nil {
			return err
		}
		if err := tx.upsert(&m); err != nil {
			return err
		}
		tx.changes.touch(entry.Kind, m.ID)
		return nil
	case models.KindProjects:
		var m models.Project
		if err := json.Unmarshal(entry.Object, &m); err != nil {
			return err
		}
		if err := tx.upsert(&m); err != nil {
			return err
		}
		tx.changes.touch(entry.Kind, m.ID)
		return nil
	case models.KindNotifications:
		var m models.Notification
		if err := json.Unmarshal(entry.Object, &m); err != nil {
			return err
		}
		if err := tx.upsert(&m); err != nil {
			return err
		}
		tx.changes.touch(entry.Kind, m.ID)
		return nil
	case models.KindRelationships:
		return tx.applyRelationship(entry, true)
	}
	return fmt.Errorf("unknown sync entity kind %q", entry.Kind)
}

func (tx *Tx) applyDelete(entry *models.SyncEntry) error {
	if entry.Kind == models.KindRelationships {
		return tx.applyRelationship(entry, false)
	}

	var model any
	switch entry.Kind {
	case models.KindAccounts:
		model = &models.Account{}
	case models.KindRepos:
		model = &models.Repo{}
	case models.KindMilestones:
		model = &models.Milestone{}
	case models.KindLabels:
		model = &models.Label{}
	case models.KindIssues:
		model = &models.Issue{}
	case models.KindEvents:
		model = &models.IssueEvent{}
	case models.KindComments, models.KindPRComments:
		model = &models.Comment{}
	case models.KindReviews:
		model = &models.PRReview{}
	case models.KindReactions:
		model = &models.Reaction{}
	case models.KindCommitStatuses:
		model = &models.CommitStatus{}
	case models.KindProjects:
		model = &models.Project{}
	case models.KindNotifications:
		model = &models.Notification{}
	default:
		return fmt.Errorf("unknown sync entity kind %q", entry.Kind)
	}

	if err := tx.db.Delete(model, "id = ?", entry.Identifier).Error; err != nil {
		return err
	}
	tx.changes.remove(entry.Kind, entry.Identifier)
	return nil
}

// applyRelationship handles the relationships kind, whose payload is a
// discriminated union over the three join tables. Composite primary keys
// plus OnConflict DoNothing keep set idempotent; deletes are naturally so.
func (tx *Tx) applyRelationship(entry *models.SyncEntry, isSet bool) error {
	var rel models.RelationshipObject
	if err := json.Unmarshal(entry.Object, &rel); err != nil {
		return fmt.Errorf("decoding relationship object: %w", err)
	}

	switch rel.Relationship {
	case models.RelationshipLabel:
		row := models.IssueLabel{IssueID: rel.Issue, LabelID: rel.Label}
		if isSet {
			if err := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
		} else {
			if err := tx.db.Delete(&models.IssueLabel{}, "issue_id = ? AND label_id = ?", rel.Issue, rel.Label).Error; err != nil {
				return err
			}
		}
	case models.RelationshipAssignee:
		row := models.IssueAssignee{IssueID: rel.Issue, AccountID: rel.Account, Position: rel.Position}
		if isSet {
			if err := tx.db.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "issue_id"}, {Name: "account_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"position"}),
			}).Create(&row).Error; err != nil {
				return err
			}
		} else {
			if err := tx.db.Delete(&models.IssueAssignee{}, "issue_id = ? AND account_id = ?", rel.Issue, rel.Account).Error; err != nil {
				return err
			}
		}
	case models.RelationshipReviewer:
		row := models.RequestedReviewer{IssueID: rel.Issue, AccountID: rel.Account}
		if isSet {
			if err := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
		} else {
			if err := tx.db.Delete(&models.RequestedReviewer{}, "issue_id = ? AND account_id = ?", rel.Issue, rel.Account).Error; err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown relationship kind %q", rel.Relationship)
	}

	// relationship changes surface as updates to the owning issue
	tx.changes.touch(models.KindRelationships, rel.Issue)
	return nil
}

// Versions returns the committed resume cursor, one version per kind.
// Kinds never synced are absent.
func (tx *Tx) Versions() (map[models.SyncEntityKind]int64, error) {
	var rows []models.SyncVersion
	if err := tx.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[models.SyncEntityKind]int64, len(rows))
	for _, r := range rows {
		out[r.Kind] = r.Version
	}
	return out, nil
}

// SetVersion raises the cursor for kind to v. It never lowers an existing
// cursor; only a purge resets versions.
func (tx *Tx) SetVersion(kind models.SyncEntityKind, v int64) error {
	res := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}},
		DoNothing: true,
	}).Create(&models.SyncVersion{Kind: kind, Version: v})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		lastVersion.WithLabelValues(string(kind)).Set(float64(v))
		return nil
	}
	upd := tx.db.Model(&models.SyncVersion{}).
		Where("kind = ? AND version < ?", kind, v).
		Update("version", v)
	if upd.Error != nil {
		return upd.Error
	}
	if upd.RowsAffected > 0 {
		lastVersion.WithLabelValues(string(kind)).Set(float64(v))
	}
	return nil
}

// PurgeToken returns the stored purge token, or "" when none has been
// recorded yet.
func (tx *Tx) PurgeToken() (string, error) {
	var row models.PurgeState
	err := tx.db.First(&row, "id = ?", models.PurgeStateRowID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", err
	}
	return row.Token, nil
}

func (tx *Tx) SetPurgeToken(token string) error {
	return tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"token"}),
	}).Create(&models.PurgeState{ID: models.PurgeStateRowID, Token: token}).Error
}

// RewriteID replaces old with new everywhere old can appear for the given
// kind: the entity's own primary key plus every referencing column,
// including pending outbox targets. It is the second half of a placeholder
// remap and must run in the same transaction as the authoritative upsert.
func (tx *Tx) RewriteID(kind models.SyncEntityKind, oldID, newID models.RecordID) error {
	rewrite := func(model any, column string, extra ...any) error {
		q := tx.db.Model(model).Where(column+" = ?", oldID)
		if len(extra) > 0 {
			q = q.Where(extra[0], extra[1:]...)
		}
		return q.Update(column, newID).Error
	}

	switch kind {
	case models.KindIssues:
		for _, ref := range []struct {
			model  any
			column string
		}{
			{&models.Issue{}, "id"},
			{&models.Comment{}, "issue_id"},
			{&models.PRReview{}, "issue_id"},
			{&models.PullRequest{}, "issue_id"},
			{&models.IssueEvent{}, "issue_id"},
			{&models.Notification{}, "issue_id"},
			{&models.UpNext{}, "issue_id"},
			{&models.IssueLabel{}, "issue_id"},
			{&models.IssueAssignee{}, "issue_id"},
			{&models.RequestedReviewer{}, "issue_id"},
		} {
			if err := rewrite(ref.model, ref.column); err != nil {
				return err
			}
		}
		if err := rewrite(&models.Reaction{}, "target_id", "target_kind = ?", models.ReactionTargetIssue); err != nil {
			return err
		}
	case models.KindComments, models.KindPRComments:
		if err := rewrite(&models.Comment{}, "id"); err != nil {
			return err
		}
		if err := rewrite(&models.Comment{}, "reply_to_id"); err != nil {
			return err
		}
		if err := rewrite(&models.Reaction{}, "target_id", "target_kind = ?", models.ReactionTargetComment); err != nil {
			return err
		}
	case models.KindReactions:
		if err := rewrite(&models.Reaction{}, "id"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cannot rewrite ids for kind %q", kind)
	}

	// chained mutations may target the placeholder
	if err := rewrite(&models.OutboxEntry{}, "target_id"); err != nil {
		return err
	}

	tx.changes.touch(kind, newID)
	return nil
}
