package datastore

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/realartists/shipsync/models"
)

type EventKind string

const (
	// EvtActiveChanged fires when a different store becomes active, or the
	// active store is deactivated.
	EvtActiveChanged EventKind = "activeChanged"

	EvtMigrationBegan EventKind = "migrationBegan"
	EvtMigrationEnded EventKind = "migrationEnded"

	// EvtIssuesUpdated carries the ids of issues whose rows (or dependent
	// rows) changed, and whether the change came from the sync stream or a
	// local save.
	EvtIssuesUpdated EventKind = "issuesUpdated"

	// EvtOutboxResolved reports a placeholder id being replaced by the
	// server-assigned one. Anything holding the old id must swap it.
	EvtOutboxResolved EventKind = "outboxResolved"

	// EvtOutboxSaveError reports a mutation the server rejected for good.
	EvtOutboxSaveError EventKind = "outboxSaveError"

	EvtMetadataUpdated      EventKind = "metadataUpdated"
	EvtUpNextUpdated        EventKind = "upNextUpdated"
	EvtNotificationsUpdated EventKind = "notificationsUpdated"
	EvtRateLimitChanged     EventKind = "rateLimitChanged"
	EvtNeedsSoftwareUpdate  EventKind = "needsSoftwareUpdate"
	EvtCannotOpenDatabase   EventKind = "cannotOpenDatabase"
	EvtWillPurge            EventKind = "willPurge"
	EvtDidPurge             EventKind = "didPurge"
)

// UpdateSource says where a change came from.
type UpdateSource string

const (
	SourceSync UpdateSource = "sync"
	SourceSave UpdateSource = "save"
)

// Event is the one message type on the bus. Kind decides which of the
// payload fields mean anything.
type Event struct {
	Kind EventKind

	// issuesUpdated, notificationsUpdated, upNextUpdated
	IssueIDs []models.RecordID
	Source   UpdateSource

	// outboxResolved
	EntityKind  models.SyncEntityKind
	Placeholder models.RecordID
	Assigned    models.RecordID

	// outboxSaveError, cannotOpenDatabase
	Err error

	// rateLimitChanged
	Previous time.Time
	Until    time.Time
}

const (
	opSubscribe = iota
	opUnsubscribe
	opSend
)

type eventOp struct {
	op  int
	sub *Subscriber
	evt *Event
}

// EventManager fans events out to subscribers. All bookkeeping happens on
// the run goroutine, so subscribe, unsubscribe, and publish never race.
// Sends never block: a subscriber that stops draining loses events rather
// than wedging the store.
type EventManager struct {
	log *slog.Logger

	subs []*Subscriber

	ops        chan *eventOp
	closed     chan struct{}
	closeOnce  sync.Once
	bufferSize int
}

func newEventManager() *EventManager {
	em := &EventManager{
		log:        slog.Default().With("component", "events"),
		ops:        make(chan *eventOp),
		closed:     make(chan struct{}),
		bufferSize: 256,
	}
	go em.run()
	return em
}

func (em *EventManager) run() {
	for {
		var op *eventOp
		select {
		case op = <-em.ops:
		case <-em.closed:
			for _, s := range em.subs {
				close(s.outgoing)
			}
			return
		}
		switch op.op {
		case opSubscribe:
			em.subs = append(em.subs, op.sub)
		case opUnsubscribe:
			for i, s := range em.subs {
				if s == op.sub {
					em.subs[i] = em.subs[len(em.subs)-1]
					em.subs = em.subs[:len(em.subs)-1]
					close(s.outgoing)
					break
				}
			}
		case opSend:
			eventsPublished.WithLabelValues(string(op.evt.Kind)).Inc()
			for _, s := range em.subs {
				if !s.filter(op.evt) {
					continue
				}
				select {
				case s.outgoing <- op.evt:
				default:
					em.log.Warn("event overflow, dropping", "kind", op.evt.Kind)
					eventsDropped.WithLabelValues(string(op.evt.Kind)).Inc()
				}
			}
		default:
			em.log.Error("unrecognized event op", "op", op.op)
		}
	}
}

func (em *EventManager) shutdown() {
	em.closeOnce.Do(func() { close(em.closed) })
}

func (em *EventManager) publish(evt *Event) error {
	select {
	case <-em.closed:
		return fmt.Errorf("event manager shut down")
	default:
	}
	select {
	case em.ops <- &eventOp{op: opSend, evt: evt}:
		return nil
	case <-em.closed:
		return fmt.Errorf("event manager shut down")
	}
}

// Subscriber is one listener's view of the bus. Read from Events until it
// closes; call Unsubscribe when done.
type Subscriber struct {
	outgoing chan *Event
	filter   func(*Event) bool
}

func (s *Subscriber) Events() <-chan *Event {
	return s.outgoing
}

// Subscribe registers a listener. A nil filter receives everything; a
// non-nil filter receives only events it returns true for.
func (em *EventManager) Subscribe(filter func(*Event) bool) (*Subscriber, error) {
	if filter == nil {
		filter = func(*Event) bool { return true }
	}
	sub := &Subscriber{
		outgoing: make(chan *Event, em.bufferSize),
		filter:   filter,
	}
	select {
	case <-em.closed:
		return nil, fmt.Errorf("event manager shut down")
	default:
	}
	select {
	case em.ops <- &eventOp{op: opSubscribe, sub: sub}:
		return sub, nil
	case <-em.closed:
		return nil, fmt.Errorf("event manager shut down")
	}
}

func (em *EventManager) Unsubscribe(sub *Subscriber) {
	select {
	case em.ops <- &eventOp{op: opUnsubscribe, sub: sub}:
	case <-em.closed:
	}
}
