package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// AuthError reports a rejected credential. The client invalidates its Auth
// before returning one, so callers never need to retry.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("api: authentication rejected (status %d)", e.Status)
}

// RequestError is a semantic 4xx rejection: the server understood the
// request and refused it. Retrying the same request will fail the same way.
type RequestError struct {
	Status int
	Body   []byte
}

func (e *RequestError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("api: request rejected (status %d): %s", e.Status, e.Body)
	}
	return fmt.Sprintf("api: request rejected (status %d)", e.Status)
}

// ConflictError reports a mid-air collision on a conditional PATCH: the
// entity changed on the server since the local copy was read. ServerObject
// is the server's current copy when the response carried one.
type ConflictError struct {
	Status       int
	ServerObject json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("api: mid-air conflict (status %d)", e.Status)
}

// RateLimitError reports an exhausted quota. Until is when the server says
// the quota resets.
type RateLimitError struct {
	Until time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("api: rate limited until %s", e.Until.Format(time.RFC3339))
}
