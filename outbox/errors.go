package outbox

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/realartists/shipsync/models"
)

// ErrInvalid wraps every validation rejection. Validation runs before any
// write, so a mutation failing it leaves no trace.
var ErrInvalid = errors.New("outbox: invalid mutation")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// ConflictError reports a mid-air collision during replay: the entity
// changed on the server after the local edit was made. Local is the
// payload we tried to apply; Server is the server's current copy.
type ConflictError struct {
	Placeholder  models.RecordID
	Local        json.RawMessage
	ServerObject json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("outbox: mid-air conflict replaying entry %s", e.Placeholder)
}
