package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordIDPlaceholders(t *testing.T) {
	assert.True(t, RecordID(-1).IsPlaceholder())
	assert.False(t, RecordID(1).IsPlaceholder())
	assert.False(t, RecordID(0).IsPlaceholder())

	assert.True(t, RecordID(5).Valid())
	assert.True(t, RecordID(-5).Valid())
	assert.False(t, RecordID(0).Valid())
}

func TestParseEntityKind(t *testing.T) {
	kind, err := ParseEntityKind("issues")
	require.NoError(t, err)
	assert.Equal(t, KindIssues, kind)

	_, err = ParseEntityKind("frogs")
	require.Error(t, err)

	// the local-only up-next kind never rides the wire
	_, err = ParseEntityKind("upnext")
	require.Error(t, err)
	for _, k := range AllEntityKinds {
		assert.NotEqual(t, KindUpNext, k)
	}
}

func TestReactionsCountFromSummary(t *testing.T) {
	issue := Issue{ReactionSummary: map[string]int64{"+1": 3, "heart": 2}}
	assert.Equal(t, int64(5), issue.ReactionsCount())

	var empty Issue
	assert.Zero(t, empty.ReactionsCount())
}

func TestIssueCloneIsIndependent(t *testing.T) {
	closed := time.Date(2016, 5, 1, 0, 0, 0, 0, time.UTC)
	orig := Issue{
		ID:              100,
		Title:           "original",
		ClosedAt:        &closed,
		ReactionSummary: map[string]int64{"+1": 1},
	}

	dup := orig.Clone()
	dup.Title = "edited"
	dup.ReactionSummary["+1"] = 9
	*dup.ClosedAt = closed.Add(time.Hour)

	assert.Equal(t, "original", orig.Title)
	assert.Equal(t, int64(1), orig.ReactionSummary["+1"])
	assert.Equal(t, closed, *orig.ClosedAt)
}

func TestValidReactionContent(t *testing.T) {
	assert.True(t, ValidReactionContent("+1"))
	assert.True(t, ValidReactionContent("eyes"))
	assert.False(t, ValidReactionContent("sparkles"))
	assert.False(t, ValidReactionContent(""))
}

func TestFullIdentifier(t *testing.T) {
	issue := Issue{Number: 42}
	assert.Equal(t, "octo/hello#42", issue.FullIdentifier("octo/hello"))
}
