package syncer

import (
	"encoding/json"
	"time"

	"github.com/realartists/shipsync/models"
)

// Frame msg discriminators. The connection speaks JSON text frames; every
// frame carries a "msg" field naming its type.
const (
	msgHello       = "hello"
	msgRoot        = "root"
	msgSync        = "sync"
	msgPurge       = "purge"
	msgNeedsUpdate = "needsUpdate"
	msgRateLimit   = "rateLimit"
	msgViewing     = "viewing"
)

// helloFrame is the first client frame on every connection: the client
// version plus the durable resume cursor, one version per entity kind.
// Kinds never synced are omitted and the server starts them from zero.
type helloFrame struct {
	Msg      string                          `json:"msg"`
	Client   string                          `json:"client"`
	Versions map[models.SyncEntityKind]int64 `json:"versions"`
}

// serverFrame is the union of every frame the server sends. Msg picks the
// variant; unrelated fields stay at their zero values.
type serverFrame struct {
	Msg string `json:"msg"`

	// root
	Identifiers json.RawMessage `json:"identifiers,omitempty"`
	Version     int64           `json:"version,omitempty"`

	// sync
	Entries   []*models.SyncEntry             `json:"entries,omitempty"`
	Remaining int64                           `json:"remaining"`
	Versions  map[models.SyncEntityKind]int64 `json:"versions,omitempty"`

	// purge
	Purge string `json:"purge,omitempty"`

	// rateLimit
	Until *time.Time `json:"until,omitempty"`
}

// viewingFrame tells the server which issue the user is looking at so the
// server can prioritize pushing its fresh data.
type viewingFrame struct {
	Msg   string          `json:"msg"`
	Issue models.RecordID `json:"issue"`
}

func marshalRaw(obj any) (json.RawMessage, error) {
	buf, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(buf), nil
}
