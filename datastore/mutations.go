package datastore

import (
	"context"
	"fmt"

	"github.com/realartists/shipsync/api"
	"github.com/realartists/shipsync/models"
	"github.com/realartists/shipsync/outbox"
	"github.com/realartists/shipsync/store"
)

// Mutations write the replica immediately and queue the server call on
// the outbox, so they work offline. Creates return a placeholder id; an
// outboxResolved event later carries the server-assigned one.

func (d *DataStore) outboxHandle() (*outbox.Outbox, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ob == nil {
		return nil, fmt.Errorf("data store is not active")
	}
	return d.ob, nil
}

func (d *DataStore) saved(issueIDs ...models.RecordID) {
	d.events.publish(&Event{Kind: EvtIssuesUpdated, IssueIDs: issueIDs, Source: SourceSave})
}

func (d *DataStore) CreateIssue(ctx context.Context, repo models.RecordID, req *api.IssueRequest) (models.RecordID, error) {
	ob, err := d.outboxHandle()
	if err != nil {
		return 0, err
	}
	id, err := ob.CreateIssue(ctx, repo, req)
	if err != nil {
		return 0, err
	}
	d.saved(id)
	return id, nil
}

func (d *DataStore) PatchIssue(ctx context.Context, issue models.RecordID, req *api.IssueRequest) error {
	ob, err := d.outboxHandle()
	if err != nil {
		return err
	}
	if _, err := ob.PatchIssue(ctx, issue, req); err != nil {
		return err
	}
	d.saved(issue)
	return nil
}

func (d *DataStore) CloseIssue(ctx context.Context, issue models.RecordID) error {
	state := models.IssueStateClosed
	return d.PatchIssue(ctx, issue, &api.IssueRequest{State: &state})
}

func (d *DataStore) ReopenIssue(ctx context.Context, issue models.RecordID) error {
	state := models.IssueStateOpen
	return d.PatchIssue(ctx, issue, &api.IssueRequest{State: &state})
}

func (d *DataStore) PostComment(ctx context.Context, issue models.RecordID, body string) (models.RecordID, error) {
	ob, err := d.outboxHandle()
	if err != nil {
		return 0, err
	}
	id, err := ob.PostComment(ctx, issue, body)
	if err != nil {
		return 0, err
	}
	d.saved(issue)
	return id, nil
}

func (d *DataStore) EditComment(ctx context.Context, comment models.RecordID, body string) error {
	ob, err := d.outboxHandle()
	if err != nil {
		return err
	}
	if _, err := ob.EditComment(ctx, comment, body); err != nil {
		return err
	}
	d.saved()
	return nil
}

func (d *DataStore) DeleteComment(ctx context.Context, comment models.RecordID) error {
	ob, err := d.outboxHandle()
	if err != nil {
		return err
	}
	if _, err := ob.DeleteComment(ctx, comment); err != nil {
		return err
	}
	d.saved()
	return nil
}

func (d *DataStore) AddReaction(ctx context.Context, target models.ReactionTarget, targetID models.RecordID, content string) (models.RecordID, error) {
	ob, err := d.outboxHandle()
	if err != nil {
		return 0, err
	}
	id, err := ob.AddReaction(ctx, target, targetID, d.cfg.AccountID, content)
	if err != nil {
		return 0, err
	}
	d.saved()
	return id, nil
}

func (d *DataStore) DeleteReaction(ctx context.Context, reaction models.RecordID) error {
	ob, err := d.outboxHandle()
	if err != nil {
		return err
	}
	if _, err := ob.DeleteReaction(ctx, reaction); err != nil {
		return err
	}
	d.saved()
	return nil
}

// PendingMutations lists queued outbox entries, failed ones included.
func (d *DataStore) PendingMutations(ctx context.Context) ([]models.OutboxEntry, error) {
	ob, err := d.outboxHandle()
	if err != nil {
		return nil, err
	}
	return ob.Pending(ctx)
}

// RetryMutation retries a failed outbox entry.
func (d *DataStore) RetryMutation(ctx context.Context, placeholder models.RecordID) error {
	ob, err := d.outboxHandle()
	if err != nil {
		return err
	}
	return ob.Retry(ctx, placeholder)
}

// DiscardMutation drops a queued entry and its speculative rows.
func (d *DataStore) DiscardMutation(ctx context.Context, placeholder models.RecordID) error {
	ob, err := d.outboxHandle()
	if err != nil {
		return err
	}
	return ob.Discard(ctx, placeholder)
}

func (d *DataStore) AddUpNext(ctx context.Context, issues []models.RecordID) error {
	ob, err := d.outboxHandle()
	if err != nil {
		return err
	}
	return ob.AddUpNext(ctx, d.cfg.AccountID, issues)
}

func (d *DataStore) InsertUpNext(ctx context.Context, issues []models.RecordID, before models.RecordID) error {
	ob, err := d.outboxHandle()
	if err != nil {
		return err
	}
	return ob.InsertUpNext(ctx, d.cfg.AccountID, issues, before)
}

func (d *DataStore) RemoveUpNext(ctx context.Context, issues []models.RecordID) error {
	ob, err := d.outboxHandle()
	if err != nil {
		return err
	}
	return ob.RemoveUpNext(ctx, d.cfg.AccountID, issues)
}

// MarkIssueRead clears the issue's unread badge locally and queues the
// read receipt.
func (d *DataStore) MarkIssueRead(ctx context.Context, issue models.RecordID) error {
	ob, err := d.outboxHandle()
	if err != nil {
		return err
	}
	if _, err := ob.MarkIssueRead(ctx, issue); err != nil {
		return err
	}
	return nil
}

func (d *DataStore) MarkAllRead(ctx context.Context) error {
	ob, err := d.outboxHandle()
	if err != nil {
		return err
	}
	_, err = ob.MarkAllRead(ctx)
	return err
}

// SetRepoHidden toggles a repo out of metadata and default queries. Local
// preference only; nothing is queued.
func (d *DataStore) SetRepoHidden(ctx context.Context, repo models.RecordID, hidden bool) error {
	st, err := d.storeHandle()
	if err != nil {
		return err
	}
	return st.Write(ctx, func(tx *store.Tx) error {
		res := tx.DB().Model(&models.Repo{}).Where("id = ?", repo).Update("hidden", hidden)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("unknown repo %s", repo)
		}
		tx.Touch(models.KindRepos, repo)
		return nil
	})
}

// SetMilestoneHidden toggles a milestone out of metadata. Local
// preference only.
func (d *DataStore) SetMilestoneHidden(ctx context.Context, milestone models.RecordID, hidden bool) error {
	st, err := d.storeHandle()
	if err != nil {
		return err
	}
	return st.Write(ctx, func(tx *store.Tx) error {
		res := tx.DB().Model(&models.Milestone{}).Where("id = ?", milestone).Update("hidden", hidden)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("unknown milestone %s", milestone)
		}
		tx.Touch(models.KindMilestones, milestone)
		return nil
	})
}
