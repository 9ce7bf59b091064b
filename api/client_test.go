package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realartists/shipsync/models"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *Auth) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	auth := NewAuth("test-token", 1)
	return NewClientWithHTTP(srv.URL, auth, srv.Client()), auth
}

func TestPagination(t *testing.T) {
	var mux http.ServeMux
	page := func(w http.ResponseWriter, comments []models.Comment, next string) {
		if next != "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next", <%s>; rel="last"`, next, next))
		}
		json.NewEncoder(w).Encode(comments)
	}

	var base string
	mux.HandleFunc("/repos/octo/hello/issues/1/comments", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "", "1":
			page(w, []models.Comment{{ID: 1, Body: "first"}}, base+"/repos/octo/hello/issues/1/comments?page=2")
		case "2":
			page(w, []models.Comment{{ID: 2, Body: "second"}}, "")
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(&mux)
	defer srv.Close()
	base = srv.URL

	auth := NewAuth("tok", 1)
	c := NewClientWithHTTP(srv.URL, auth, srv.Client())

	comments, err := getPaged[models.Comment](context.Background(), c, "/repos/octo/hello/issues/1/comments")
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, models.RecordID(1), comments[0].ID)
	assert.Equal(t, models.RecordID(2), comments[1].ID)
}

func TestUnauthorizedInvalidatesAuth(t *testing.T) {
	c, auth := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	invalidated := false
	auth.OnInvalidate(func() { invalidated = true })

	_, err := c.CreateComment(context.Background(), "octo/hello", 1, "hi")
	require.Error(t, err)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, invalidated)
	assert.False(t, auth.Valid())

	// once invalid, no further requests are attempted
	_, err = c.CreateComment(context.Background(), "octo/hello", 1, "again")
	require.ErrorAs(t, err, &authErr)
}

func TestRateLimitError(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.CreateComment(context.Background(), "octo/hello", 1, "hi")
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.True(t, rle.Until.Equal(reset))
}

func TestConflictCarriesServerObject(t *testing.T) {
	serverIssue := models.Issue{ID: 100, Title: "their title"}
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"v2"`, r.Header.Get("If-Match"))
		w.WriteHeader(http.StatusPreconditionFailed)
		json.NewEncoder(w).Encode(serverIssue)
	}))

	title := "my title"
	_, err := c.PatchIssue(context.Background(), "octo/hello", 1, &IssueRequest{Title: &title}, `"v2"`)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	var got models.Issue
	require.NoError(t, json.Unmarshal(conflict.ServerObject, &got))
	assert.Equal(t, "their title", got.Title)
}

func TestIssueDetailFetchesReviews(t *testing.T) {
	var mux http.ServeMux
	mux.HandleFunc("/repos/octo/hello/issues/7", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `W/"abc"`)
		json.NewEncoder(w).Encode(models.Issue{
			ID: 700, RepoID: 10, Number: 7, Title: "a pr", PullRequest: true, State: models.IssueStateOpen,
		})
	})
	mux.HandleFunc("/repos/octo/hello/issues/7/comments", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.Comment{{ID: 1, IssueID: 700, Body: "nit"}})
	})
	mux.HandleFunc("/repos/octo/hello/issues/7/events", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.IssueEvent{})
	})
	mux.HandleFunc("/repos/octo/hello/pulls/7/reviews", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.PRReview{{ID: 2, IssueID: 700, State: models.ReviewStateApproved}})
	})
	c, _ := testClient(t, &mux)

	detail, err := c.Issue(context.Background(), "octo/hello", 7)
	require.NoError(t, err)
	assert.Equal(t, `W/"abc"`, detail.Issue.ETag)
	require.Len(t, detail.Comments, 1)
	require.Len(t, detail.Reviews, 1)
	assert.Equal(t, models.ReviewStateApproved, detail.Reviews[0].State)
}

func TestIssueDetailSkipsReviewsForPlainIssues(t *testing.T) {
	var mux http.ServeMux
	mux.HandleFunc("/repos/octo/hello/issues/8", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.Issue{ID: 800, RepoID: 10, Number: 8, Title: "not a pr", State: models.IssueStateOpen})
	})
	mux.HandleFunc("/repos/octo/hello/issues/8/comments", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.Comment{})
	})
	mux.HandleFunc("/repos/octo/hello/issues/8/events", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.IssueEvent{})
	})
	mux.HandleFunc("/repos/octo/hello/pulls/8/reviews", func(w http.ResponseWriter, r *http.Request) {
		t.Error("reviews fetched for a plain issue")
	})
	c, _ := testClient(t, &mux)

	detail, err := c.Issue(context.Background(), "octo/hello", 8)
	require.NoError(t, err)
	assert.Empty(t, detail.Reviews)
}

func TestRequestError(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"Validation Failed"}`))
	}))

	_, err := c.CreateIssue(context.Background(), "octo/hello", &IssueRequest{})
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusUnprocessableEntity, reqErr.Status)
	assert.Contains(t, string(reqErr.Body), "Validation Failed")
}

func TestAuthInvalidateIdempotent(t *testing.T) {
	auth := NewAuth("tok", 1)
	fired := 0
	auth.OnInvalidate(func() { fired++ })

	auth.Invalidate()
	auth.Invalidate()
	assert.Equal(t, 1, fired)

	// registering after invalidation fires immediately
	late := false
	auth.OnInvalidate(func() { late = true })
	assert.True(t, late)
}
