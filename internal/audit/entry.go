// Package audit maintains the tamper-evident compliance ledger: an
// append-only sequence of entries where each entry's SHA-256 hash covers its
// own fields and the hash of its predecessor. Retroactively editing any
// stored entry breaks recomputation from that point forward, so tampering is
// detectable by anyone holding the exported chain — no signing keys
// involved.
//
// Entry details are passed through the PHI filter before the hash is
// computed. The order matters: masking after hashing would make the stored
// hash cover text that no longer exists, so the chain commits only to the
// sanitized form.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/compliance-core/compliance-core/pkg/digest"
)

// Status is the recorded result of an audited action.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// ValidStatus reports whether s is one of the recognized status values.
func ValidStatus(s Status) bool {
	return s == StatusSuccess || s == StatusFailure
}

// Entry is one compliance record. Entries are immutable once appended; both
// hashes are fixed at creation and never recomputed in place.
//
// The JSON field names below are the export wire format and feed the hash
// preimage. Renaming any of them invalidates every previously exported
// chain, so they are frozen.
type Entry struct {
	EntryID      string         `json:"entryId"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	// UserID is nil for actions taken by the system itself.
	UserID       *string        `json:"userId"`
	Status       Status         `json:"status"`
	Details      map[string]any `json:"details"`
	PreviousHash string         `json:"previousHash"`
	EntryHash    string         `json:"entryHash"`
}

// ComputeHash returns the SHA-256 digest of the entry's canonical
// serialization: a JSON object containing every field except entryHash
// (previousHash included), with keys sorted and the timestamp rendered as
// RFC 3339 with nanoseconds in UTC. encoding/json sorts map keys at every
// nesting level, so two independent implementations fed the same fields and
// previousHash produce byte-identical preimages and therefore identical
// hashes — this is what makes exported chains verifiable off-process.
func ComputeHash(e *Entry) (string, error) {
	preimage, err := json.Marshal(map[string]any{
		"entryId":      e.EntryID,
		"timestamp":    e.Timestamp.UTC().Format(time.RFC3339Nano),
		"action":       e.Action,
		"resourceType": e.ResourceType,
		"resourceId":   e.ResourceID,
		"userId":       e.UserID,
		"status":       e.Status,
		"details":      e.Details,
		"previousHash": e.PreviousHash,
	})
	if err != nil {
		return "", fmt.Errorf("canonical serialization failed: %w", err)
	}
	return digest.Bytes(preimage), nil
}

// clone returns a deep copy of the entry so callers of read queries cannot
// reach into stored chain state through shared detail maps.
func (e *Entry) clone() *Entry {
	cp := *e
	if e.UserID != nil {
		uid := *e.UserID
		cp.UserID = &uid
	}
	cp.Details = cloneDetails(e.Details)
	return &cp
}

func cloneDetails(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneDetails(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ValidationError is a caller-input fault from LogAction: a missing required
// field or an unrecognized status. It is raised synchronously so the caller
// can decide how to react; it is never swallowed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid audit action: %s %s", e.Field, e.Reason)
}
