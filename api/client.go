package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/realartists/shipsync/models"
)

type leveledSlog struct {
	inner *slog.Logger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l leveledSlog) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

func (l leveledSlog) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Debug(msg, keysAndValues...)
}

// RobustHTTPClient returns an http.Client that retries connection errors,
// 5xx (except 501), and 429 with Retry-After, logging intermediate
// failures at WARN.
func RobustHTTPClient(logger *slog.Logger) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(leveledSlog{logger})
	client := retryClient.StandardClient()
	client.Timeout = 20 * time.Second
	return client
}

// Client talks to the issue service's REST surface. The sync stream keeps
// the replica current; the Client exists for mutation replay and one-off
// fetches.
type Client struct {
	baseURL string
	auth    *Auth
	http    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL string, auth *Auth) *Client {
	logger := slog.Default().With("component", "api")
	return &Client{
		baseURL: baseURL,
		auth:    auth,
		http:    RobustHTTPClient(logger),
		log:     logger,
	}
}

// NewClientWithHTTP is for tests that need to control retry behavior.
func NewClientWithHTTP(baseURL string, auth *Auth, hc *http.Client) *Client {
	return &Client{
		baseURL: baseURL,
		auth:    auth,
		http:    hc,
		log:     slog.Default().With("component", "api"),
	}
}

func (c *Client) userAgent() string {
	return "shipsync/" + versioninfo.Short()
}

func (c *Client) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.auth.Token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do issues one request and decodes a 2xx response into out (when non-nil).
// Non-2xx statuses map onto the error taxonomy; a 401 invalidates the Auth
// before returning.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if !c.auth.Valid() {
		return &AuthError{Status: 0}
	}

	req, err := c.newRequest(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return err
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.auth.Invalidate()
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		var until time.Time
		if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
			if secs, err := strconv.ParseInt(reset, 10, 64); err == nil {
				until = time.Unix(secs, 0)
			}
		}
		if until.IsZero() {
			until = time.Now().Add(time.Minute)
		}
		return &RateLimitError{Until: until}
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return &ConflictError{Status: resp.StatusCode, ServerObject: respBody}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &RequestError{Status: resp.StatusCode, Body: respBody}
	default:
		return fmt.Errorf("server error: %s", resp.Status)
	}
}

var nextLinkRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// nextPageURL extracts the rel="next" target from a Link header, "" when
// there is no next page.
func nextPageURL(linkHeader string) string {
	matches := nextLinkRe.FindStringSubmatch(linkHeader)
	if len(matches) >= 2 {
		return matches[1]
	}
	return ""
}

// getPaged GETs path and every rel="next" page after it, decoding each
// page into a fresh T slice and concatenating.
func getPaged[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	if !c.auth.Valid() {
		return nil, &AuthError{Status: 0}
	}

	var all []T
	url := c.baseURL + path
	for url != "" {
		req, err := c.newRequest(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if err := c.checkResponse(resp); err != nil {
			resp.Body.Close()
			return nil, err
		}

		var page []T
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("decoding page: %w", err)
		}
		url = nextPageURL(resp.Header.Get("Link"))
		resp.Body.Close()

		all = append(all, page...)
	}
	return all, nil
}

// IssueRequest is the mutation payload for creating or patching an issue.
// Pointers distinguish "leave alone" from "set to zero value".
type IssueRequest struct {
	Title     *string            `json:"title,omitempty"`
	Body      *string            `json:"body,omitempty"`
	State     *models.IssueState `json:"state,omitempty"`
	Milestone *models.RecordID   `json:"milestone,omitempty"`
	Labels    *[]string          `json:"labels,omitempty"`
	Assignees *[]string          `json:"assignees,omitempty"`
}

func (c *Client) CreateIssue(ctx context.Context, repo string, req *IssueRequest) (*models.Issue, error) {
	var issue models.Issue
	if err := c.do(ctx, http.MethodPost, "/repos/"+repo+"/issues", req, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// PatchIssue applies req conditionally: when etag is non-empty the request
// carries If-Match so a mid-air edit surfaces as a ConflictError instead
// of a silent overwrite.
func (c *Client) PatchIssue(ctx context.Context, repo string, number int64, req *IssueRequest, etag string) (*models.Issue, error) {
	if !c.auth.Valid() {
		return nil, &AuthError{Status: 0}
	}
	httpReq, err := c.newRequest(ctx, http.MethodPatch, fmt.Sprintf("%s/repos/%s/issues/%d", c.baseURL, repo, number), req)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		httpReq.Header.Set("If-Match", etag)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := c.checkResponse(resp); err != nil {
		return nil, err
	}
	var issue models.Issue
	if err := json.NewDecoder(resp.Body).Decode(&issue); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	issue.ETag = resp.Header.Get("ETag")
	return &issue, nil
}

func (c *Client) CreateComment(ctx context.Context, repo string, number int64, body string) (*models.Comment, error) {
	var comment models.Comment
	payload := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number), payload, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

func (c *Client) PatchComment(ctx context.Context, repo string, commentID models.RecordID, body string) (*models.Comment, error) {
	var comment models.Comment
	payload := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/issues/comments/%s", repo, commentID), payload, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

func (c *Client) DeleteComment(ctx context.Context, repo string, commentID models.RecordID) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/issues/comments/%s", repo, commentID), nil, nil)
}

func (c *Client) AddIssueReaction(ctx context.Context, repo string, number int64, content string) (*models.Reaction, error) {
	var reaction models.Reaction
	payload := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/reactions", repo, number), payload, &reaction); err != nil {
		return nil, err
	}
	return &reaction, nil
}

func (c *Client) AddCommentReaction(ctx context.Context, repo string, commentID models.RecordID, content string) (*models.Reaction, error) {
	var reaction models.Reaction
	payload := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/comments/%s/reactions", repo, commentID), payload, &reaction); err != nil {
		return nil, err
	}
	return &reaction, nil
}

func (c *Client) DeleteReaction(ctx context.Context, reactionID models.RecordID) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/reactions/%s", reactionID), nil, nil)
}

// IssueDetail is the out-of-band refresh payload for one issue: the issue
// row plus its dependent collections, suitable for feeding back through
// the normal entry-application path.
type IssueDetail struct {
	Issue    models.Issue       `json:"issue"`
	Comments []models.Comment   `json:"comments"`
	Events   []models.IssueEvent `json:"events"`
	Reviews  []models.PRReview  `json:"reviews"`
}

func (c *Client) Issue(ctx context.Context, repo string, number int64) (*IssueDetail, error) {
	if !c.auth.Valid() {
		return nil, &AuthError{Status: 0}
	}
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("%s/repos/%s/issues/%d", c.baseURL, repo, number), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := c.checkResponse(resp); err != nil {
		return nil, err
	}

	var detail IssueDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail.Issue); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	detail.Issue.ETag = resp.Header.Get("ETag")

	comments, err := getPaged[models.Comment](ctx, c, fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=100", repo, number))
	if err != nil {
		return nil, err
	}
	detail.Comments = comments

	events, err := getPaged[models.IssueEvent](ctx, c, fmt.Sprintf("/repos/%s/issues/%d/events?per_page=100", repo, number))
	if err != nil {
		return nil, err
	}
	detail.Events = events

	if detail.Issue.PullRequest {
		reviews, err := getPaged[models.PRReview](ctx, c, fmt.Sprintf("/repos/%s/pulls/%d/reviews?per_page=100", repo, number))
		if err != nil {
			return nil, err
		}
		detail.Reviews = reviews
	}

	return &detail, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id models.RecordID) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/notifications/threads/%s", id), nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	payload := map[string]string{"last_read_at": time.Now().UTC().Format(time.RFC3339)}
	return c.do(ctx, http.MethodPut, "/notifications", payload, nil)
}
