// Package api is the HTTP floor shared by the DMS and ledger clients: a
// typed remote error carrying status and per-field validation details, a
// connection error for transport faults, a not-found sentinel, a bounded
// retry policy, and a JSON request helper built on top of it.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by single-item endpoints when the remote side
// answers 404. Callers translate it into a (nil, nil) lookup result.
var ErrNotFound = errors.New("api: not found")

// Error is a remote API failure: any 4xx/5xx response that survived the
// retry policy. Fields holds per-field validation messages when the remote
// side provided them.
type Error struct {
	StatusCode int
	Message    string
	Fields     map[string][]string
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api: status %d: %s (%d field errors)", e.StatusCode, e.Message, len(e.Fields))
}

// Mentions reports whether the message or any field error contains the
// given substring, case-insensitively. Used to recognise remote duplicate
// reports without depending on exact wording.
func (e *Error) Mentions(substr string) bool {
	needle := strings.ToLower(substr)
	if strings.Contains(strings.ToLower(e.Message), needle) {
		return true
	}
	for _, msgs := range e.Fields {
		for _, m := range msgs {
			if strings.Contains(strings.ToLower(m), needle) {
				return true
			}
		}
	}
	return false
}

// ConnectionError is a transport-level failure: the request never produced
// an HTTP response, even after retries.
type ConnectionError struct {
	URL   string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("api: connection to %s failed: %v", e.URL, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// IsConnectionError reports whether err is (or wraps) a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// parseRemoteError builds an Error from a non-2xx response body. Both
// remote systems speak JSON: the ledger answers {"message", "errors"} and
// the DMS answers {"detail"}; anything else degrades to the raw body.
func parseRemoteError(status int, body []byte) *Error {
	e := &Error{StatusCode: status}

	var payload struct {
		Message string              `json:"message"`
		Detail  string              `json:"detail"`
		Errors  map[string][]string `json:"errors"`
	}
	if json.Unmarshal(body, &payload) == nil {
		e.Message = payload.Message
		if e.Message == "" {
			e.Message = payload.Detail
		}
		e.Fields = payload.Errors
	}
	if e.Message == "" {
		e.Message = truncate(strings.TrimSpace(string(body)), 200)
	}
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
