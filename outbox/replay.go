package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/realartists/shipsync/api"
	"github.com/realartists/shipsync/models"
	"github.com/realartists/shipsync/store"
)

// issueContext resolves the repository name and issue number an entry's
// target lives under.
type issueContext struct {
	repoName string
	issue    models.Issue
}

func (o *Outbox) issueContextFor(ctx context.Context, issueID models.RecordID) (*issueContext, error) {
	ic := &issueContext{}
	err := o.store.Read(ctx, func(tx *store.Tx) error {
		if err := tx.DB().First(&ic.issue, "id = ?", issueID).Error; err != nil {
			return err
		}
		var repo models.Repo
		if err := tx.DB().First(&repo, "id = ?", ic.issue.RepoID).Error; err != nil {
			return err
		}
		ic.repoName = repo.FullName
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ic, nil
}

func (o *Outbox) replay(ctx context.Context, entry *models.OutboxEntry) {
	var payload entryPayload
	if len(entry.Payload) > 0 {
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			o.log.Error("corrupt outbox payload", "placeholder", entry.PlaceholderID, "error", err)
			o.fail(ctx, entry, fmt.Errorf("corrupt payload: %w", err))
			return
		}
	}

	replaysTotal.WithLabelValues(string(entry.Kind)).Inc()

	var err error
	switch entry.Kind {
	case models.OutboxCreateIssue:
		err = o.replayCreateIssue(ctx, entry, &payload)
	case models.OutboxPatchIssue:
		err = o.replayPatchIssue(ctx, entry, &payload)
	case models.OutboxCreateComment:
		err = o.replayCreateComment(ctx, entry, &payload)
	case models.OutboxPatchComment:
		err = o.replayPatchComment(ctx, entry, &payload)
	case models.OutboxDeleteComment:
		err = o.replayDeleteComment(ctx, entry, &payload)
	case models.OutboxAddReaction:
		err = o.replayAddReaction(ctx, entry, &payload)
	case models.OutboxDeleteReaction:
		err = o.replayDeleteReaction(ctx, entry)
	case models.OutboxMarkRead:
		err = o.replayMarkRead(ctx, entry)
	case models.OutboxMarkAllRead:
		err = o.replayMarkAllRead(ctx, entry)
	default:
		err = fmt.Errorf("unknown outbox kind %q", entry.Kind)
	}

	if err != nil {
		o.handleReplayError(ctx, entry, err)
	}
}

func (o *Outbox) replayCreateIssue(ctx context.Context, entry *models.OutboxEntry, payload *entryPayload) error {
	issue, err := o.client.CreateIssue(ctx, payload.Repo, payload.Issue)
	if err != nil {
		return err
	}
	return o.resolveCreate(ctx, entry, issue, issue.ID)
}

func (o *Outbox) replayPatchIssue(ctx context.Context, entry *models.OutboxEntry, payload *entryPayload) error {
	ic, err := o.issueContextFor(ctx, entry.TargetID)
	if err != nil {
		return err
	}
	issue, err := o.client.PatchIssue(ctx, ic.repoName, ic.issue.Number, payload.Issue, payload.ETag)
	if err != nil {
		return err
	}

	// Merge field by field: only the fields this edit explicitly set take
	// the server's acknowledgement; everything else keeps the stored row,
	// so sync deltas that raced the replay are not clobbered.
	err = o.store.Write(ctx, func(tx *store.Tx) error {
		updates := map[string]any{"updated_at": issue.UpdatedAt, "etag": issue.ETag}
		for _, f := range entry.SetFields {
			switch f {
			case "title":
				updates["title"] = issue.Title
			case "body":
				updates["body"] = issue.Body
			case "state":
				updates["state"] = issue.State
			case "milestone":
				updates["milestone_id"] = issue.MilestoneID
			}
			// labels and assignees are relationship rows; the sync stream
			// reconciles those
		}
		if err := tx.DB().Model(&models.Issue{}).Where("id = ?", entry.TargetID).Updates(updates).Error; err != nil {
			return err
		}
		tx.Touch(models.KindIssues, entry.TargetID)
		return tx.DB().Delete(&models.OutboxEntry{}, "placeholder_id = ?", entry.PlaceholderID).Error
	})
	if err != nil {
		return err
	}
	o.resolved(models.KindIssues, entry.PlaceholderID, entry.TargetID)
	return nil
}

func (o *Outbox) replayCreateComment(ctx context.Context, entry *models.OutboxEntry, payload *entryPayload) error {
	ic, err := o.issueContextFor(ctx, entry.TargetID)
	if err != nil {
		return err
	}
	comment, err := o.client.CreateComment(ctx, ic.repoName, ic.issue.Number, payload.Body)
	if err != nil {
		return err
	}
	if comment.IssueID == 0 {
		comment.IssueID = entry.TargetID
	}
	return o.resolveCreate(ctx, entry, comment, comment.ID)
}

func (o *Outbox) replayPatchComment(ctx context.Context, entry *models.OutboxEntry, payload *entryPayload) error {
	var issueID models.RecordID
	err := o.store.Read(ctx, func(tx *store.Tx) error {
		var comment models.Comment
		if err := tx.DB().First(&comment, "id = ?", entry.TargetID).Error; err != nil {
			return err
		}
		issueID = comment.IssueID
		return nil
	})
	if err != nil {
		return err
	}
	ic, err := o.issueContextFor(ctx, issueID)
	if err != nil {
		return err
	}

	comment, err := o.client.PatchComment(ctx, ic.repoName, entry.TargetID, payload.Body)
	if err != nil {
		return err
	}

	err = o.store.Write(ctx, func(tx *store.Tx) error {
		updates := map[string]any{"body": comment.Body, "updated_at": comment.UpdatedAt}
		if err := tx.DB().Model(&models.Comment{}).Where("id = ?", entry.TargetID).Updates(updates).Error; err != nil {
			return err
		}
		tx.Touch(models.KindComments, entry.TargetID)
		return tx.DB().Delete(&models.OutboxEntry{}, "placeholder_id = ?", entry.PlaceholderID).Error
	})
	if err != nil {
		return err
	}
	o.resolved(models.KindComments, entry.PlaceholderID, entry.TargetID)
	return nil
}

func (o *Outbox) replayDeleteComment(ctx context.Context, entry *models.OutboxEntry, payload *entryPayload) error {
	if err := o.client.DeleteComment(ctx, payload.Repo, entry.TargetID); err != nil {
		// the server not knowing the comment is success for a delete
		var reqErr *api.RequestError
		if !errors.As(err, &reqErr) || reqErr.Status != 404 {
			return err
		}
	}
	err := o.store.Write(ctx, func(tx *store.Tx) error {
		return tx.DB().Delete(&models.OutboxEntry{}, "placeholder_id = ?", entry.PlaceholderID).Error
	})
	if err != nil {
		return err
	}
	o.resolved(models.KindComments, entry.PlaceholderID, entry.TargetID)
	return nil
}

func (o *Outbox) replayAddReaction(ctx context.Context, entry *models.OutboxEntry, payload *entryPayload) error {
	var reaction *models.Reaction
	var err error
	switch payload.TargetKind {
	case models.ReactionTargetIssue:
		ic, cerr := o.issueContextFor(ctx, entry.TargetID)
		if cerr != nil {
			return cerr
		}
		reaction, err = o.client.AddIssueReaction(ctx, ic.repoName, ic.issue.Number, payload.Content)
	case models.ReactionTargetComment:
		var issueID models.RecordID
		rerr := o.store.Read(ctx, func(tx *store.Tx) error {
			var comment models.Comment
			if err := tx.DB().First(&comment, "id = ?", entry.TargetID).Error; err != nil {
				return err
			}
			issueID = comment.IssueID
			return nil
		})
		if rerr != nil {
			return rerr
		}
		ic, cerr := o.issueContextFor(ctx, issueID)
		if cerr != nil {
			return cerr
		}
		reaction, err = o.client.AddCommentReaction(ctx, ic.repoName, entry.TargetID, payload.Content)
	default:
		return fmt.Errorf("unknown reaction target kind %q", payload.TargetKind)
	}
	if err != nil {
		return err
	}
	if reaction.TargetID == 0 {
		reaction.TargetKind = payload.TargetKind
		reaction.TargetID = entry.TargetID
	}
	return o.resolveCreate(ctx, entry, reaction, reaction.ID)
}

func (o *Outbox) replayDeleteReaction(ctx context.Context, entry *models.OutboxEntry) error {
	if err := o.client.DeleteReaction(ctx, entry.TargetID); err != nil {
		var reqErr *api.RequestError
		if !errors.As(err, &reqErr) || reqErr.Status != 404 {
			return err
		}
	}
	err := o.store.Write(ctx, func(tx *store.Tx) error {
		return tx.DB().Delete(&models.OutboxEntry{}, "placeholder_id = ?", entry.PlaceholderID).Error
	})
	if err != nil {
		return err
	}
	o.resolved(models.KindReactions, entry.PlaceholderID, entry.TargetID)
	return nil
}

func (o *Outbox) replayMarkRead(ctx context.Context, entry *models.OutboxEntry) error {
	if err := o.client.MarkNotificationRead(ctx, entry.TargetID); err != nil {
		var reqErr *api.RequestError
		if !errors.As(err, &reqErr) || reqErr.Status != 404 {
			return err
		}
	}
	err := o.store.Write(ctx, func(tx *store.Tx) error {
		return tx.DB().Delete(&models.OutboxEntry{}, "placeholder_id = ?", entry.PlaceholderID).Error
	})
	if err != nil {
		return err
	}
	o.resolved(models.KindNotifications, entry.PlaceholderID, entry.TargetID)
	return nil
}

func (o *Outbox) replayMarkAllRead(ctx context.Context, entry *models.OutboxEntry) error {
	if err := o.client.MarkAllNotificationsRead(ctx); err != nil {
		return err
	}
	err := o.store.Write(ctx, func(tx *store.Tx) error {
		return tx.DB().Delete(&models.OutboxEntry{}, "placeholder_id = ?", entry.PlaceholderID).Error
	})
	if err != nil {
		return err
	}
	o.resolved(models.KindNotifications, entry.PlaceholderID, 0)
	return nil
}

// resolveCreate commits the id remap for a successful create: the
// placeholder row goes away, the authoritative object comes in under the
// real id, every reference (chained outbox targets included) is
// rewritten, and the entry is deleted. One transaction, so no observer
// ever sees a half-remapped state.
func (o *Outbox) resolveCreate(ctx context.Context, entry *models.OutboxEntry, serverObject any, assigned models.RecordID) error {
	raw, err := json.Marshal(serverObject)
	if err != nil {
		return err
	}

	err = o.store.Write(ctx, func(tx *store.Tx) error {
		if err := o.deleteSpeculativeRow(tx, entry); err != nil {
			return err
		}
		existing, err := entityExists(tx, entry.EntityKind, assigned)
		if err != nil {
			return err
		}
		if existing {
			// a sync delta already delivered this id, and it is newer
			// than the snapshot the create returned; keep its values
			// and take only the fields this entry set from the ack
			if err := o.mergeAck(tx, entry, raw, assigned); err != nil {
				return err
			}
		} else if err := tx.ApplyEntry(&models.SyncEntry{
			Action: models.SyncActionSet,
			Kind:   entry.EntityKind,
			Object: raw,
		}); err != nil {
			return err
		}
		if err := tx.RewriteID(entry.EntityKind, entry.PlaceholderID, assigned); err != nil {
			return err
		}
		return tx.DB().Delete(&models.OutboxEntry{}, "placeholder_id = ?", entry.PlaceholderID).Error
	})
	if err != nil {
		return err
	}
	o.resolved(entry.EntityKind, entry.PlaceholderID, assigned)
	o.kick() // chained entries may be runnable now
	return nil
}

func entityExists(tx *store.Tx, kind models.SyncEntityKind, id models.RecordID) (bool, error) {
	var model any
	switch kind {
	case models.KindIssues:
		model = &models.Issue{}
	case models.KindComments, models.KindPRComments:
		model = &models.Comment{}
	case models.KindReactions:
		model = &models.Reaction{}
	default:
		return false, nil
	}
	var n int64
	if err := tx.DB().Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// mergeAck folds a create acknowledgement into a row that already exists
// under the assigned id. Same rule as the patch path: fields the entry
// explicitly set take the server's ack, everything else keeps the row.
func (o *Outbox) mergeAck(tx *store.Tx, entry *models.OutboxEntry, raw json.RawMessage, assigned models.RecordID) error {
	updates := map[string]any{}
	var model any

	switch entry.EntityKind {
	case models.KindIssues:
		var issue models.Issue
		if err := json.Unmarshal(raw, &issue); err != nil {
			return err
		}
		model = &models.Issue{}
		for _, f := range entry.SetFields {
			switch f {
			case "title":
				updates["title"] = issue.Title
			case "body":
				updates["body"] = issue.Body
			case "state":
				updates["state"] = issue.State
			case "milestone":
				updates["milestone_id"] = issue.MilestoneID
			}
		}
	case models.KindComments, models.KindPRComments:
		var comment models.Comment
		if err := json.Unmarshal(raw, &comment); err != nil {
			return err
		}
		model = &models.Comment{}
		for _, f := range entry.SetFields {
			if f == "body" {
				updates["body"] = comment.Body
			}
		}
	default:
		// reactions carry no mutable fields; the delta row stands
		return nil
	}

	if len(updates) > 0 {
		if err := tx.DB().Model(model).Where("id = ?", assigned).Updates(updates).Error; err != nil {
			return err
		}
	}
	tx.Touch(entry.EntityKind, assigned)
	return nil
}

func (o *Outbox) resolved(kind models.SyncEntityKind, placeholder, assigned models.RecordID) {
	replaysResolved.WithLabelValues(string(kind)).Inc()
	o.log.Info("outbox entry resolved", "kind", kind, "placeholder", placeholder, "assigned", assigned)
	if o.hooks.Resolved != nil {
		o.hooks.Resolved(kind, placeholder, assigned)
	}
}

// deleteSpeculativeRow removes just the primary speculative row an entry
// wrote, ahead of the authoritative upsert.
func (o *Outbox) deleteSpeculativeRow(tx *store.Tx, entry *models.OutboxEntry) error {
	switch entry.Kind {
	case models.OutboxCreateIssue:
		return tx.DB().Delete(&models.Issue{}, "id = ?", entry.PlaceholderID).Error
	case models.OutboxCreateComment:
		return tx.DB().Delete(&models.Comment{}, "id = ?", entry.PlaceholderID).Error
	case models.OutboxAddReaction:
		return tx.DB().Delete(&models.Reaction{}, "id = ?", entry.PlaceholderID).Error
	}
	return nil
}

// deleteSpeculative removes everything an entry wrote locally: the
// primary row plus any rows referencing its placeholder.
func (o *Outbox) deleteSpeculative(tx *store.Tx, entry *models.OutboxEntry) error {
	if err := o.deleteSpeculativeRow(tx, entry); err != nil {
		return err
	}

	switch entry.Kind {
	case models.OutboxCreateIssue:
		id := entry.PlaceholderID
		for _, del := range []struct {
			model any
			where string
		}{
			{&models.Comment{}, "issue_id = ?"},
			{&models.IssueLabel{}, "issue_id = ?"},
			{&models.IssueAssignee{}, "issue_id = ?"},
			{&models.UpNext{}, "issue_id = ?"},
		} {
			if err := tx.DB().Delete(del.model, del.where, id).Error; err != nil {
				return err
			}
		}
		if err := tx.DB().Delete(&models.Reaction{}, "target_kind = ? AND target_id = ?", models.ReactionTargetIssue, id).Error; err != nil {
			return err
		}
		tx.Remove(models.KindIssues, id)
	case models.OutboxCreateComment:
		if err := tx.DB().Delete(&models.Reaction{}, "target_kind = ? AND target_id = ?", models.ReactionTargetComment, entry.PlaceholderID).Error; err != nil {
			return err
		}
		tx.Remove(models.KindComments, entry.PlaceholderID)
	case models.OutboxAddReaction:
		tx.Remove(models.KindReactions, entry.PlaceholderID)
	}
	return nil
}

func (o *Outbox) handleReplayError(ctx context.Context, entry *models.OutboxEntry, err error) {
	var authErr *api.AuthError
	var rateErr *api.RateLimitError
	var conflictErr *api.ConflictError
	var reqErr *api.RequestError

	switch {
	case errors.As(err, &authErr):
		// leave the entry pending; a fresh credential resumes replay
		o.log.Warn("replay paused, credential invalid", "placeholder", entry.PlaceholderID)
	case errors.As(err, &rateErr):
		o.log.Warn("replay rate limited", "placeholder", entry.PlaceholderID, "until", rateErr.Until)
		o.deferUntil(ctx, entry, rateErr.Until, err)
	case errors.As(err, &conflictErr):
		o.rollback(ctx, entry, conflictErr.ServerObject)
		o.fail(ctx, entry, &ConflictError{
			Placeholder:  entry.PlaceholderID,
			Local:        entry.Payload,
			ServerObject: conflictErr.ServerObject,
		})
	case errors.As(err, &reqErr):
		o.rollback(ctx, entry, nil)
		o.fail(ctx, entry, err)
	default:
		o.retryLater(ctx, entry, err)
	}
}

// rollback undoes an entry's speculative effect after a semantic
// rejection. When the server handed us its current copy (conflict), that
// copy restores the row; otherwise the next sync delta straightens things
// out.
func (o *Outbox) rollback(ctx context.Context, entry *models.OutboxEntry, serverObject json.RawMessage) {
	err := o.store.Write(ctx, func(tx *store.Tx) error {
		if err := o.deleteSpeculative(tx, entry); err != nil {
			return err
		}
		if len(serverObject) > 0 {
			if err := tx.ApplyEntry(&models.SyncEntry{
				Action: models.SyncActionSet,
				Kind:   entry.EntityKind,
				Object: serverObject,
			}); err != nil {
				return err
			}
		}
		return tx.DB().Delete(&models.OutboxEntry{}, "placeholder_id = ?", entry.PlaceholderID).Error
	})
	if err != nil {
		o.log.Error("failed to roll back entry", "placeholder", entry.PlaceholderID, "error", err)
	}
}

// fail reports a permanently rejected entry upward.
func (o *Outbox) fail(ctx context.Context, entry *models.OutboxEntry, cause error) {
	replaysFailed.WithLabelValues(string(entry.Kind)).Inc()
	o.log.Warn("outbox entry rejected", "placeholder", entry.PlaceholderID, "kind", entry.Kind, "error", cause)
	if o.hooks.SaveFailed != nil {
		o.hooks.SaveFailed(entry.PlaceholderID, cause)
	}
}

// deferUntil reschedules an entry without counting an attempt (rate
// limits are the server's problem, not this entry's).
func (o *Outbox) deferUntil(ctx context.Context, entry *models.OutboxEntry, until time.Time, cause error) {
	err := o.store.Write(ctx, func(tx *store.Tx) error {
		return tx.DB().Model(&models.OutboxEntry{}).
			Where("placeholder_id = ?", entry.PlaceholderID).
			Updates(map[string]any{"next_attempt": until, "last_error": cause.Error()}).Error
	})
	if err != nil {
		o.log.Error("failed to defer entry", "placeholder", entry.PlaceholderID, "error", err)
	}
}

// retryLater counts a transient failure. The entry backs off
// exponentially; after MaxAttempts it is marked failed but kept, so the
// user can see it, retry it, or discard it.
func (o *Outbox) retryLater(ctx context.Context, entry *models.OutboxEntry, cause error) {
	attempts := entry.Attempts + 1
	exhausted := attempts >= o.cfg.MaxAttempts

	secs := 1 << attempts
	if secs > 300 {
		secs = 300
	}

	err := o.store.Write(ctx, func(tx *store.Tx) error {
		updates := map[string]any{
			"attempts":     attempts,
			"last_error":   cause.Error(),
			"next_attempt": time.Now().Add(time.Duration(secs) * time.Second),
		}
		if exhausted {
			updates["failed"] = true
		}
		return tx.DB().Model(&models.OutboxEntry{}).
			Where("placeholder_id = ?", entry.PlaceholderID).
			Updates(updates).Error
	})
	if err != nil {
		o.log.Error("failed to record retry", "placeholder", entry.PlaceholderID, "error", err)
		return
	}

	if exhausted {
		o.fail(ctx, entry, fmt.Errorf("gave up after %d attempts: %w", attempts, cause))
	} else {
		o.log.Warn("replay failed, will retry", "placeholder", entry.PlaceholderID, "attempts", attempts, "error", cause)
	}
}
