package datastore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/realartists/shipsync/models"
	"github.com/realartists/shipsync/store"
)

type IssueSort string

const (
	SortUpdated IssueSort = "updated"
	SortCreated IssueSort = "created"
	SortNumber  IssueSort = "number"
)

// IssueQuery filters the local replica. Zero fields mean "any".
type IssueQuery struct {
	Repo      models.RecordID
	State     models.IssueState
	Assignee  models.RecordID
	Author    models.RecordID
	Milestone models.RecordID
	Label     string

	// TitleContains is a case-insensitive substring match.
	TitleContains string

	// PullRequests narrows to PRs (true) or plain issues (false).
	PullRequests *bool

	Sort       IssueSort
	Descending bool
	Limit      int
	Offset     int
}

func (q *IssueQuery) apply(db *gorm.DB) *gorm.DB {
	out := db.Model(&models.Issue{})
	if q.Repo != 0 {
		out = out.Where("issues.repo_id = ?", q.Repo)
	}
	if q.State != "" {
		out = out.Where("issues.state = ?", q.State)
	}
	if q.Author != 0 {
		out = out.Where("issues.originator_id = ?", q.Author)
	}
	if q.Milestone != 0 {
		out = out.Where("issues.milestone_id = ?", q.Milestone)
	}
	if q.Assignee != 0 {
		out = out.Joins("JOIN issue_assignees ON issue_assignees.issue_id = issues.id").
			Where("issue_assignees.account_id = ?", q.Assignee)
	}
	if q.Label != "" {
		out = out.Joins("JOIN issue_labels ON issue_labels.issue_id = issues.id").
			Joins("JOIN labels ON labels.id = issue_labels.label_id").
			Where("labels.name = ?", q.Label)
	}
	if q.TitleContains != "" {
		out = out.Where("issues.title LIKE ?", "%"+q.TitleContains+"%")
	}
	if q.PullRequests != nil {
		out = out.Where("issues.pull_request = ?", *q.PullRequests)
	}
	return out
}

func (q *IssueQuery) order() string {
	col := "updated_at"
	switch q.Sort {
	case SortCreated:
		col = "created_at"
	case SortNumber:
		col = "number"
	}
	if q.Descending {
		return "issues." + col + " DESC"
	}
	return "issues." + col
}

// Issues runs a filtered query against the local replica. Works offline.
func (d *DataStore) Issues(ctx context.Context, q IssueQuery) ([]models.Issue, error) {
	st, err := d.storeHandle()
	if err != nil {
		return nil, err
	}
	var out []models.Issue
	err = st.Read(ctx, func(tx *store.Tx) error {
		db := q.apply(tx.DB()).Order(q.order())
		if q.Limit > 0 {
			db = db.Limit(q.Limit)
		}
		if q.Offset > 0 {
			db = db.Offset(q.Offset)
		}
		return db.Find(&out).Error
	})
	if err != nil {
		return nil, fmt.Errorf("querying issues: %w", err)
	}
	return out, nil
}

func (d *DataStore) CountIssues(ctx context.Context, q IssueQuery) (int64, error) {
	st, err := d.storeHandle()
	if err != nil {
		return 0, err
	}
	var count int64
	err = st.Read(ctx, func(tx *store.Tx) error {
		return q.apply(tx.DB()).Count(&count).Error
	})
	return count, err
}

// IssueProgress returns the closed fraction of the issues matching the
// query, or -1 when nothing matches.
func (d *DataStore) IssueProgress(ctx context.Context, q IssueQuery) (float64, error) {
	st, err := d.storeHandle()
	if err != nil {
		return -1, err
	}

	var total, closed int64
	err = st.Read(ctx, func(tx *store.Tx) error {
		if err := q.apply(tx.DB()).Count(&total).Error; err != nil {
			return err
		}
		cq := q
		cq.State = models.IssueStateClosed
		return cq.apply(tx.DB()).Count(&closed).Error
	})
	if err != nil {
		return -1, err
	}
	if total == 0 {
		return -1, nil
	}
	return float64(closed) / float64(total), nil
}

// IssueDetail is a fully hydrated issue for a detail view.
type IssueDetail struct {
	models.Issue

	Repo        models.Repo
	Milestone   *models.Milestone
	Labels      []models.Label
	Assignees   []models.Account
	Comments    []models.Comment
	Events      []models.IssueEvent
	Reviews     []models.PRReview
	Reactions   []models.Reaction
	UpNext      bool
	Unread      bool
	PullRequest *models.PullRequest
}

// LoadIssue hydrates one issue with all of its collections.
func (d *DataStore) LoadIssue(ctx context.Context, id models.RecordID) (*IssueDetail, error) {
	st, err := d.storeHandle()
	if err != nil {
		return nil, err
	}

	var detail IssueDetail
	err = st.Read(ctx, func(tx *store.Tx) error {
		db := tx.DB()
		if err := db.First(&detail.Issue, "id = ?", id).Error; err != nil {
			return err
		}
		if err := db.First(&detail.Repo, "id = ?", detail.Issue.RepoID).Error; err != nil {
			return err
		}
		if detail.Issue.MilestoneID != 0 {
			var ms models.Milestone
			if err := db.First(&ms, "id = ?", detail.Issue.MilestoneID).Error; err == nil {
				detail.Milestone = &ms
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		err := db.Joins("JOIN issue_labels ON issue_labels.label_id = labels.id").
			Where("issue_labels.issue_id = ?", id).
			Find(&detail.Labels).Error
		if err != nil {
			return err
		}
		err = db.Joins("JOIN issue_assignees ON issue_assignees.account_id = accounts.id").
			Where("issue_assignees.issue_id = ?", id).
			Order("issue_assignees.position").
			Find(&detail.Assignees).Error
		if err != nil {
			return err
		}

		if err := db.Where("issue_id = ?", id).Order("created_at").Find(&detail.Comments).Error; err != nil {
			return err
		}
		if err := db.Where("issue_id = ?", id).Order("created_at").Find(&detail.Events).Error; err != nil {
			return err
		}
		if err := db.Where("issue_id = ?", id).Order("submitted_at").Find(&detail.Reviews).Error; err != nil {
			return err
		}
		err = db.Where("target_kind = ? AND target_id = ?", models.ReactionTargetIssue, id).
			Find(&detail.Reactions).Error
		if err != nil {
			return err
		}

		if detail.Issue.PullRequest {
			var pr models.PullRequest
			if err := db.First(&pr, "issue_id = ?", id).Error; err == nil {
				detail.PullRequest = &pr
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		var upnextCount int64
		if err := db.Model(&models.UpNext{}).Where("issue_id = ?", id).Count(&upnextCount).Error; err != nil {
			return err
		}
		detail.UpNext = upnextCount > 0

		var n models.Notification
		if err := db.First(&n, "issue_id = ?", id).Error; err == nil {
			detail.Unread = n.Unread
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading issue %s: %w", id, err)
	}
	return &detail, nil
}

// Metadata returns the cross-issue reference data: accounts, repos,
// labels, milestones. Hidden repos and milestones are filtered out.
func (d *DataStore) Metadata(ctx context.Context) (*store.Metadata, error) {
	st, err := d.storeHandle()
	if err != nil {
		return nil, err
	}
	md, err := st.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	repos := md.Repos[:0]
	for _, r := range md.Repos {
		if !r.Hidden {
			repos = append(repos, r)
		}
	}
	md.Repos = repos

	milestones := md.Milestones[:0]
	for _, m := range md.Milestones {
		if !m.Hidden {
			milestones = append(milestones, m)
		}
	}
	md.Milestones = milestones
	return md, nil
}

// UpNext returns the account's up-next issues in priority order.
func (d *DataStore) UpNext(ctx context.Context, account models.RecordID) ([]models.Issue, error) {
	st, err := d.storeHandle()
	if err != nil {
		return nil, err
	}
	var out []models.Issue
	err = st.Read(ctx, func(tx *store.Tx) error {
		return tx.DB().
			Joins("JOIN up_nexts ON up_nexts.issue_id = issues.id").
			Where("up_nexts.account_id = ?", account).
			Order("up_nexts.priority").
			Find(&out).Error
	})
	if err != nil {
		return nil, fmt.Errorf("querying up next: %w", err)
	}
	return out, nil
}

// UnreadCount returns how many notifications are unread.
func (d *DataStore) UnreadCount(ctx context.Context) (int64, error) {
	st, err := d.storeHandle()
	if err != nil {
		return 0, err
	}
	var count int64
	err = st.Read(ctx, func(tx *store.Tx) error {
		return tx.DB().Model(&models.Notification{}).Where("unread = ?", true).Count(&count).Error
	})
	return count, err
}

func (d *DataStore) storeHandle() (*store.Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st == nil {
		return nil, fmt.Errorf("data store is not active")
	}
	return d.st, nil
}
