package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realartists/shipsync/models"
)

func receive(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case evt := <-sub.Events():
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestEventFanout(t *testing.T) {
	em := newEventManager()
	defer em.shutdown()

	all, err := em.Subscribe(nil)
	require.NoError(t, err)
	issuesOnly, err := em.Subscribe(func(evt *Event) bool {
		return evt.Kind == EvtIssuesUpdated
	})
	require.NoError(t, err)

	require.NoError(t, em.publish(&Event{Kind: EvtMetadataUpdated}))
	require.NoError(t, em.publish(&Event{
		Kind:     EvtIssuesUpdated,
		IssueIDs: []models.RecordID{100},
		Source:   SourceSave,
	}))

	assert.Equal(t, EvtMetadataUpdated, receive(t, all).Kind)
	assert.Equal(t, EvtIssuesUpdated, receive(t, all).Kind)

	evt := receive(t, issuesOnly)
	assert.Equal(t, EvtIssuesUpdated, evt.Kind)
	assert.Equal(t, SourceSave, evt.Source)
	assert.Equal(t, []models.RecordID{100}, evt.IssueIDs)

	select {
	case extra := <-issuesOnly.Events():
		t.Fatalf("filtered subscriber got %v", extra.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	em := newEventManager()
	defer em.shutdown()

	sub, err := em.Subscribe(nil)
	require.NoError(t, err)
	em.Unsubscribe(sub)

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel never closed")
		}
	}
}

func TestPublishAfterShutdown(t *testing.T) {
	em := newEventManager()
	em.shutdown()
	require.Error(t, em.publish(&Event{Kind: EvtMetadataUpdated}))
	_, err := em.Subscribe(nil)
	require.Error(t, err)
}
