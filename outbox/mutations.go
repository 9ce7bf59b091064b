package outbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/realartists/shipsync/api"
	"github.com/realartists/shipsync/models"
	"github.com/realartists/shipsync/store"
)

// entryPayload is the durable request body of one outbox entry. Targets
// are resolved from the replica at replay time, so only mutation content
// lives here.
type entryPayload struct {
	Repo       string                 `json:"repo,omitempty"`
	Issue      *api.IssueRequest      `json:"issue,omitempty"`
	Body       string                 `json:"body,omitempty"`
	Content    string                 `json:"content,omitempty"`
	TargetKind models.ReactionTarget  `json:"targetKind,omitempty"`
	ETag       string                 `json:"etag,omitempty"`
}

// setFieldsOf lists which issue fields a request actually touches.
func setFieldsOf(req *api.IssueRequest) []string {
	var fields []string
	if req.Title != nil {
		fields = append(fields, "title")
	}
	if req.Body != nil {
		fields = append(fields, "body")
	}
	if req.State != nil {
		fields = append(fields, "state")
	}
	if req.Milestone != nil {
		fields = append(fields, "milestone")
	}
	if req.Labels != nil {
		fields = append(fields, "labels")
	}
	if req.Assignees != nil {
		fields = append(fields, "assignees")
	}
	return fields
}

// CreateIssue queues a new issue. The returned id is a placeholder; once
// the server accepts the issue a Resolved hook reports the real one.
func (o *Outbox) CreateIssue(ctx context.Context, repoID models.RecordID, req *api.IssueRequest) (models.RecordID, error) {
	if req.Title == nil || strings.TrimSpace(*req.Title) == "" {
		return 0, invalidf("an issue needs a title")
	}

	var repo models.Repo
	err := o.store.Read(ctx, func(tx *store.Tx) error {
		return tx.DB().First(&repo, "id = ?", repoID).Error
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, invalidf("unknown repository %s", repoID)
		}
		return 0, err
	}
	if !repo.HasIssues {
		return 0, invalidf("repository %s has issues disabled", repo.FullName)
	}

	placeholder := o.allocPlaceholder()
	now := time.Now().UTC()
	issue := models.Issue{
		ID:        placeholder,
		RepoID:    repo.ID,
		Title:     *req.Title,
		State:     models.IssueStateOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Body != nil {
		issue.Body = *req.Body
	}

	entry := &models.OutboxEntry{
		PlaceholderID: placeholder,
		Kind:          models.OutboxCreateIssue,
		EntityKind:    models.KindIssues,
		Payload:       marshalPayload(&entryPayload{Repo: repo.FullName, Issue: req}),
		SetFields:     setFieldsOf(req),
	}
	err = o.queue(ctx, entry, func(tx *store.Tx) error {
		if err := tx.DB().Create(&issue).Error; err != nil {
			return err
		}
		tx.Touch(models.KindIssues, placeholder)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return placeholder, nil
}

// PatchIssue queues an edit to an existing issue (or to a still-pending
// placeholder, in which case the patch waits for the create to resolve).
// The speculative field values are written to the issue row immediately.
func (o *Outbox) PatchIssue(ctx context.Context, issueID models.RecordID, req *api.IssueRequest) (models.RecordID, error) {
	fields := setFieldsOf(req)
	if len(fields) == 0 {
		return 0, invalidf("patch sets no fields")
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return 0, invalidf("an issue needs a title")
	}

	placeholder := o.allocPlaceholder()
	entry := &models.OutboxEntry{
		PlaceholderID: placeholder,
		Kind:          models.OutboxPatchIssue,
		EntityKind:    models.KindIssues,
		TargetID:      issueID,
		Payload:       marshalPayload(&entryPayload{Issue: req}),
		SetFields:     fields,
	}
	err := o.queue(ctx, entry, func(tx *store.Tx) error {
		var issue models.Issue
		if err := tx.DB().First(&issue, "id = ?", issueID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return invalidf("unknown issue %s", issueID)
			}
			return err
		}
		if issue.ETag != "" {
			// the replay sends If-Match so a mid-air edit 412s instead
			// of silently overwriting
			entry.Payload = marshalPayload(&entryPayload{Issue: req, ETag: issue.ETag})
		}
		updates := map[string]any{"updated_at": time.Now().UTC()}
		if req.Title != nil {
			updates["title"] = *req.Title
		}
		if req.Body != nil {
			updates["body"] = *req.Body
		}
		if req.State != nil {
			updates["state"] = *req.State
		}
		if req.Milestone != nil {
			updates["milestone_id"] = *req.Milestone
		}
		if err := tx.DB().Model(&models.Issue{}).Where("id = ?", issueID).Updates(updates).Error; err != nil {
			return err
		}
		tx.Touch(models.KindIssues, issueID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return placeholder, nil
}

// PostComment queues a new comment under a placeholder id.
func (o *Outbox) PostComment(ctx context.Context, issueID models.RecordID, body string) (models.RecordID, error) {
	if strings.TrimSpace(body) == "" {
		return 0, invalidf("a comment needs a body")
	}

	placeholder := o.allocPlaceholder()
	now := time.Now().UTC()
	entry := &models.OutboxEntry{
		PlaceholderID: placeholder,
		Kind:          models.OutboxCreateComment,
		EntityKind:    models.KindComments,
		TargetID:      issueID,
		Payload:       marshalPayload(&entryPayload{Body: body}),
		SetFields:     []string{"body"},
	}
	err := o.queue(ctx, entry, func(tx *store.Tx) error {
		var issue models.Issue
		if err := tx.DB().First(&issue, "id = ?", issueID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return invalidf("unknown issue %s", issueID)
			}
			return err
		}
		comment := models.Comment{
			ID:        placeholder,
			IssueID:   issueID,
			Kind:      models.CommentKindIssue,
			Body:      body,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.DB().Create(&comment).Error; err != nil {
			return err
		}
		tx.Touch(models.KindComments, placeholder)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return placeholder, nil
}

// EditComment queues a body change for an existing comment.
func (o *Outbox) EditComment(ctx context.Context, commentID models.RecordID, body string) (models.RecordID, error) {
	if strings.TrimSpace(body) == "" {
		return 0, invalidf("a comment needs a body")
	}

	placeholder := o.allocPlaceholder()
	entry := &models.OutboxEntry{
		PlaceholderID: placeholder,
		Kind:          models.OutboxPatchComment,
		EntityKind:    models.KindComments,
		TargetID:      commentID,
		Payload:       marshalPayload(&entryPayload{Body: body}),
		SetFields:     []string{"body"},
	}
	err := o.queue(ctx, entry, func(tx *store.Tx) error {
		res := tx.DB().Model(&models.Comment{}).Where("id = ?", commentID).
			Updates(map[string]any{"body": body, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return invalidf("unknown comment %s", commentID)
		}
		tx.Touch(models.KindComments, commentID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return placeholder, nil
}

// DeleteComment removes the comment locally at once and queues the server
// delete. The repository name is captured into the payload now, since the
// row it would be resolved from is about to be gone.
func (o *Outbox) DeleteComment(ctx context.Context, commentID models.RecordID) (models.RecordID, error) {
	if commentID.IsPlaceholder() {
		return 0, o.Discard(ctx, commentID)
	}

	var repoName string
	err := o.store.Read(ctx, func(tx *store.Tx) error {
		var comment models.Comment
		if err := tx.DB().First(&comment, "id = ?", commentID).Error; err != nil {
			return err
		}
		var issue models.Issue
		if err := tx.DB().First(&issue, "id = ?", comment.IssueID).Error; err != nil {
			return err
		}
		var repo models.Repo
		if err := tx.DB().First(&repo, "id = ?", issue.RepoID).Error; err != nil {
			return err
		}
		repoName = repo.FullName
		return nil
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, invalidf("unknown comment %s", commentID)
		}
		return 0, err
	}

	placeholder := o.allocPlaceholder()
	entry := &models.OutboxEntry{
		PlaceholderID: placeholder,
		Kind:          models.OutboxDeleteComment,
		EntityKind:    models.KindComments,
		TargetID:      commentID,
		Payload:       marshalPayload(&entryPayload{Repo: repoName}),
	}
	err = o.queue(ctx, entry, func(tx *store.Tx) error {
		res := tx.DB().Delete(&models.Comment{}, "id = ?", commentID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return invalidf("unknown comment %s", commentID)
		}
		tx.Remove(models.KindComments, commentID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return placeholder, nil
}

// AddReaction queues a reaction to an issue or a comment. Duplicate
// reactions by the same account are rejected before any write.
func (o *Outbox) AddReaction(ctx context.Context, target models.ReactionTarget, targetID models.RecordID, account models.RecordID, content string) (models.RecordID, error) {
	if !models.ValidReactionContent(content) {
		return 0, invalidf("unknown reaction %q", content)
	}

	placeholder := o.allocPlaceholder()
	entry := &models.OutboxEntry{
		PlaceholderID: placeholder,
		Kind:          models.OutboxAddReaction,
		EntityKind:    models.KindReactions,
		TargetID:      targetID,
		Payload:       marshalPayload(&entryPayload{Content: content, TargetKind: target}),
	}
	err := o.queue(ctx, entry, func(tx *store.Tx) error {
		var dup int64
		err := tx.DB().Model(&models.Reaction{}).
			Where("target_kind = ? AND target_id = ? AND author_id = ? AND content = ?",
				target, targetID, account, content).
			Count(&dup).Error
		if err != nil {
			return err
		}
		if dup > 0 {
			return invalidf("already reacted with %q", content)
		}

		reaction := models.Reaction{
			ID:         placeholder,
			Content:    content,
			AuthorID:   account,
			CreatedAt:  time.Now().UTC(),
			TargetKind: target,
			TargetID:   targetID,
		}
		if err := tx.DB().Create(&reaction).Error; err != nil {
			return err
		}
		tx.Touch(models.KindReactions, placeholder)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return placeholder, nil
}

// DeleteReaction removes the reaction locally and queues the server
// delete. Deleting a reaction that is itself still a pending placeholder
// just cancels the pending create instead of queueing anything.
func (o *Outbox) DeleteReaction(ctx context.Context, reactionID models.RecordID) (models.RecordID, error) {
	if reactionID.IsPlaceholder() {
		return 0, o.Discard(ctx, reactionID)
	}

	placeholder := o.allocPlaceholder()
	entry := &models.OutboxEntry{
		PlaceholderID: placeholder,
		Kind:          models.OutboxDeleteReaction,
		EntityKind:    models.KindReactions,
		TargetID:      reactionID,
	}
	err := o.queue(ctx, entry, func(tx *store.Tx) error {
		res := tx.DB().Delete(&models.Reaction{}, "id = ?", reactionID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return invalidf("unknown reaction %s", reactionID)
		}
		tx.Remove(models.KindReactions, reactionID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return placeholder, nil
}

// MarkIssueRead clears the unread flag on the issue's notification and
// queues the read receipt. Issues without a notification are a no-op.
func (o *Outbox) MarkIssueRead(ctx context.Context, issueID models.RecordID) (models.RecordID, error) {
	var notification models.Notification
	err := o.store.Read(ctx, func(tx *store.Tx) error {
		return tx.DB().First(&notification, "issue_id = ?", issueID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !notification.Unread {
		return 0, nil
	}

	placeholder := o.allocPlaceholder()
	entry := &models.OutboxEntry{
		PlaceholderID: placeholder,
		Kind:          models.OutboxMarkRead,
		EntityKind:    models.KindNotifications,
		TargetID:      notification.ID,
	}
	err = o.queue(ctx, entry, func(tx *store.Tx) error {
		now := time.Now().UTC()
		err := tx.DB().Model(&models.Notification{}).
			Where("id = ?", notification.ID).
			Updates(map[string]any{"unread": false, "last_read_at": now}).Error
		if err != nil {
			return err
		}
		tx.Touch(models.KindNotifications, notification.ID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return placeholder, nil
}

// MarkAllRead clears every unread notification and queues one receipt
// covering them all.
func (o *Outbox) MarkAllRead(ctx context.Context) (models.RecordID, error) {
	placeholder := o.allocPlaceholder()
	entry := &models.OutboxEntry{
		PlaceholderID: placeholder,
		Kind:          models.OutboxMarkAllRead,
		EntityKind:    models.KindNotifications,
	}
	err := o.queue(ctx, entry, func(tx *store.Tx) error {
		var unread []models.Notification
		if err := tx.DB().Where("unread = ?", true).Find(&unread).Error; err != nil {
			return err
		}
		if len(unread) == 0 {
			return nil
		}
		now := time.Now().UTC()
		err := tx.DB().Model(&models.Notification{}).
			Where("unread = ?", true).
			Updates(map[string]any{"unread": false, "last_read_at": now}).Error
		if err != nil {
			return err
		}
		for _, n := range unread {
			tx.Touch(models.KindNotifications, n.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return placeholder, nil
}
