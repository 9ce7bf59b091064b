package models

import (
	"time"
)

type AccountType string

const (
	AccountTypeUser AccountType = "User"
	AccountTypeOrg  AccountType = "Organization"
)

type Account struct {
	ID        RecordID    `gorm:"primaryKey" json:"identifier"`
	Login     string      `gorm:"index" json:"login"`
	Name      string      `json:"name,omitempty"`
	AvatarURL string      `json:"avatarURL,omitempty"`
	Type      AccountType `json:"type"`
}

type Repo struct {
	ID            RecordID `gorm:"primaryKey" json:"identifier"`
	FullName      string   `gorm:"uniqueIndex" json:"fullName"`
	OwnerID       RecordID `gorm:"index" json:"owner"`
	Private       bool     `json:"private"`
	HasIssues     bool     `json:"hasIssues"`
	Hidden        bool     `json:"hidden"`
	AllowMerge    bool     `json:"allowMergeCommit"`
	AllowSquash   bool     `json:"allowSquashMerge"`
	AllowRebase   bool     `json:"allowRebaseMerge"`
	IssuesEnabled bool     `json:"issuesEnabled"`
}

type IssueState string

const (
	IssueStateOpen   IssueState = "open"
	IssueStateClosed IssueState = "closed"
)

type Issue struct {
	ID           RecordID   `gorm:"primaryKey" json:"identifier"`
	RepoID       RecordID   `gorm:"index:idx_issue_repo_number,unique" json:"repository"`
	Number       int64      `gorm:"index:idx_issue_repo_number,unique" json:"number"`
	Title        string     `json:"title"`
	Body         string     `json:"body"`
	State        IssueState `gorm:"index" json:"state"`
	Locked       bool       `json:"locked"`
	PullRequest  bool       `json:"pullRequest"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
	OriginatorID RecordID   `gorm:"index" json:"originator"`
	ClosedByID   RecordID   `json:"closedBy,omitempty"`
	MilestoneID  RecordID   `gorm:"index" json:"milestone,omitempty"`

	// ReactionSummary is the authoritative aggregate; the reaction rows
	// themselves may be only partially populated.
	ReactionSummary map[string]int64 `gorm:"serializer:json" json:"reactionSummary,omitempty"`

	// ETag is the entity tag from the last REST fetch of this issue, sent
	// as If-Match when replaying an edit. Sync frames never carry one, so
	// a delta clears it; a stale tag must not outlive the row it vouched
	// for.
	ETag string `gorm:"column:etag" json:"etag,omitempty"`
}

// ReactionsCount derives the total from the summary. Never count the
// reaction rows directly.
func (i *Issue) ReactionsCount() int64 {
	var n int64
	for _, c := range i.ReactionSummary {
		n += c
	}
	return n
}

// Clone returns a copy suitable for building an optimistic local edit.
func (i *Issue) Clone() *Issue {
	dup := *i
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		dup.ClosedAt = &t
	}
	if i.ReactionSummary != nil {
		dup.ReactionSummary = make(map[string]int64, len(i.ReactionSummary))
		for k, v := range i.ReactionSummary {
			dup.ReactionSummary[k] = v
		}
	}
	return &dup
}

// FullIdentifier is the "owner/repo#number" form used by consumers to name
// an issue independent of its record id.
func (i *Issue) FullIdentifier(repoFullName string) string {
	return repoFullName + "#" + RecordID(i.Number).String()
}

// CommentKind distinguishes the flattened comment variants. The original
// modeled these as a class hierarchy; here a single table carries the shared
// payload plus nullable review-position columns.
type CommentKind string

const (
	CommentKindIssue  CommentKind = "issue"
	CommentKindCommit CommentKind = "commit"
	CommentKindReview CommentKind = "review"
)

type Comment struct {
	ID        RecordID    `gorm:"primaryKey" json:"identifier"`
	IssueID   RecordID    `gorm:"index" json:"issue"`
	Kind      CommentKind `gorm:"index" json:"kind"`
	Body      string      `json:"body"`
	AuthorID  RecordID    `json:"user"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`

	ReactionSummary map[string]int64 `gorm:"serializer:json" json:"reactionSummary,omitempty"`

	// Review-position extension, populated only for CommentKindReview and
	// CommentKindCommit.
	Path      string   `json:"path,omitempty"`
	Line      int64    `json:"line,omitempty"`
	Position  int64    `json:"position,omitempty"`
	CommitSHA string   `json:"commitId,omitempty"`
	ReplyToID RecordID `json:"inReplyTo,omitempty"`
	ReviewID  RecordID `gorm:"index" json:"review,omitempty"`
}

type ReviewState string

const (
	ReviewStatePending          ReviewState = "PENDING"
	ReviewStateApproved         ReviewState = "APPROVED"
	ReviewStateChangesRequested ReviewState = "CHANGES_REQUESTED"
	ReviewStateCommented        ReviewState = "COMMENTED"
	ReviewStateDismissed        ReviewState = "DISMISSED"
)

type PRReview struct {
	ID          RecordID    `gorm:"primaryKey" json:"identifier"`
	IssueID     RecordID    `gorm:"index" json:"issue"`
	AuthorID    RecordID    `json:"user"`
	State       ReviewState `json:"state"`
	Body        string      `json:"body,omitempty"`
	CommitSHA   string      `json:"commitId,omitempty"`
	SubmittedAt *time.Time  `json:"submittedAt,omitempty"`
}

type PullRequest struct {
	ID             RecordID   `gorm:"primaryKey" json:"identifier"`
	IssueID        RecordID   `gorm:"uniqueIndex" json:"issue"`
	Merged         bool       `json:"merged"`
	Mergeable      *bool      `json:"mergeable,omitempty"`
	MergeableState string     `json:"mergeableState,omitempty"`
	MergedAt       *time.Time `json:"mergedAt,omitempty"`
	MergeCommitSHA string     `json:"mergeCommitSha,omitempty"`
	BaseRef        string     `json:"baseRef"`
	BaseSHA        string     `json:"baseSha,omitempty"`
	HeadRef        string     `json:"headRef"`
	HeadSHA        string     `json:"headSha,omitempty"`
	Additions      int64      `json:"additions"`
	Deletions      int64      `json:"deletions"`
	ChangedFiles   int64      `json:"changedFiles"`
}

// ReactionTarget names what a reaction is attached to.
type ReactionTarget string

const (
	ReactionTargetIssue   ReactionTarget = "issue"
	ReactionTargetComment ReactionTarget = "comment"
)

type Reaction struct {
	ID         RecordID       `gorm:"primaryKey" json:"identifier"`
	Content    string         `json:"content"`
	AuthorID   RecordID       `json:"user"`
	CreatedAt  time.Time      `json:"createdAt"`
	TargetKind ReactionTarget `gorm:"index:idx_reaction_target" json:"targetKind"`
	TargetID   RecordID       `gorm:"index:idx_reaction_target" json:"target"`
}

// ValidReactionContent reports whether content is one of the emoji names the
// server accepts.
func ValidReactionContent(content string) bool {
	switch content {
	case "+1", "-1", "laugh", "confused", "heart", "hooray", "rocket", "eyes":
		return true
	}
	return false
}

type Label struct {
	ID     RecordID `gorm:"primaryKey" json:"identifier"`
	RepoID RecordID `gorm:"index:idx_label_repo_name,unique" json:"repository"`
	Name   string   `gorm:"index:idx_label_repo_name,unique" json:"name"`
	Color  string   `json:"color"`
}

type Milestone struct {
	ID        RecordID   `gorm:"primaryKey" json:"identifier"`
	RepoID    RecordID   `gorm:"index" json:"repository"`
	Title     string     `json:"title"`
	State     IssueState `json:"state"`
	DueOn     *time.Time `json:"dueOn,omitempty"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
	Hidden    bool       `json:"hidden"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type Project struct {
	ID        RecordID  `gorm:"primaryKey" json:"identifier"`
	Name      string    `json:"name"`
	Number    int64     `json:"number"`
	Body      string    `json:"body,omitempty"`
	RepoID    RecordID  `gorm:"index" json:"repository,omitempty"`
	OrgID     RecordID  `gorm:"index" json:"organization,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type CommitStatus struct {
	ID          RecordID  `gorm:"primaryKey" json:"identifier"`
	RepoID      RecordID  `gorm:"index" json:"repository"`
	SHA         string    `gorm:"index" json:"reference"`
	State       string    `json:"state"`
	Context     string    `json:"context"`
	TargetURL   string    `json:"targetUrl,omitempty"`
	Description string    `json:"statusDescription,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type IssueEvent struct {
	ID        RecordID  `gorm:"primaryKey" json:"identifier"`
	IssueID   RecordID  `gorm:"index" json:"issue"`
	Event     string    `json:"event"`
	ActorID   RecordID  `json:"actor,omitempty"`
	CommitSHA string    `json:"commitId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	// Extra carries event-specific detail (renames, label names, etc.)
	// without a column per event flavor.
	Extra map[string]any `gorm:"serializer:json" json:"extra,omitempty"`
}

type Notification struct {
	ID         RecordID   `gorm:"primaryKey" json:"identifier"`
	IssueID    RecordID   `gorm:"uniqueIndex" json:"issue"`
	Unread     bool       `gorm:"index" json:"unread"`
	Reason     string     `json:"reason,omitempty"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	CommentID  RecordID   `json:"comment,omitempty"`
}

// UpNext orders a per-account worklist of issues. Priority values define a
// strict total order; inserts pick fractional midpoints so that a reorder
// touches one row, with periodic compaction when gaps run out.
type UpNext struct {
	AccountID RecordID `gorm:"primaryKey;autoIncrement:false" json:"user"`
	IssueID   RecordID `gorm:"primaryKey;autoIncrement:false" json:"issue"`
	Priority  float64  `gorm:"index" json:"priority"`
}

// IssueLabel, IssueAssignee and RequestedReviewer are the relationship rows
// carried by the "relationships" sync kind. Composite primary keys make
// re-application of the same delta a no-op.
type IssueLabel struct {
	IssueID RecordID `gorm:"primaryKey;autoIncrement:false" json:"issue"`
	LabelID RecordID `gorm:"primaryKey;autoIncrement:false" json:"label"`
}

type IssueAssignee struct {
	IssueID   RecordID `gorm:"primaryKey;autoIncrement:false" json:"issue"`
	AccountID RecordID `gorm:"primaryKey;autoIncrement:false" json:"user"`
	Position  int      `json:"position"`
}

type RequestedReviewer struct {
	IssueID   RecordID `gorm:"primaryKey;autoIncrement:false" json:"issue"`
	AccountID RecordID `gorm:"primaryKey;autoIncrement:false" json:"user"`
}
