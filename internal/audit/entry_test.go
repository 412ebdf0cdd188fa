package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compliance-core/compliance-core/pkg/digest"
)

func TestValidStatus(t *testing.T) {
	assert.True(t, ValidStatus(StatusSuccess))
	assert.True(t, ValidStatus(StatusFailure))
	assert.False(t, ValidStatus(""))
	assert.False(t, ValidStatus("success"))
	assert.False(t, ValidStatus("PENDING"))
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Field: "action", Reason: "is required"}
	assert.Equal(t, "invalid audit action: action is required", err.Error())
}

func TestClone_IsIndependentOfOriginal(t *testing.T) {
	uid := "user-42"
	orig := &Entry{
		EntryID:      "e-1",
		Timestamp:    time.Now().UTC(),
		Action:       "READ",
		ResourceType: "patient",
		ResourceID:   "p-1",
		UserID:       &uid,
		Status:       StatusSuccess,
		Details: map[string]any{
			"depth":  1,
			"nested": map[string]any{"key": "value"},
			"list":   []any{"a", "b"},
		},
		PreviousHash: digest.Genesis,
		EntryHash:    "deadbeef",
	}

	cp := orig.clone()
	require.Equal(t, orig, cp)

	*cp.UserID = "someone-else"
	cp.Details["depth"] = 99
	cp.Details["nested"].(map[string]any)["key"] = "mutated"
	cp.Details["list"].([]any)[0] = "mutated"

	assert.Equal(t, "user-42", *orig.UserID)
	assert.Equal(t, 1, orig.Details["depth"])
	assert.Equal(t, "value", orig.Details["nested"].(map[string]any)["key"])
	assert.Equal(t, "a", orig.Details["list"].([]any)[0])
}

func TestClone_NilFields(t *testing.T) {
	orig := &Entry{EntryID: "e-2", Action: "LOGIN"}
	cp := orig.clone()
	require.Equal(t, orig, cp)
	assert.Nil(t, cp.UserID)
	assert.Nil(t, cp.Details)
}

func TestComputeHash_IsDeterministic(t *testing.T) {
	uid := "user-7"
	e := &Entry{
		EntryID:      "e-3",
		Timestamp:    time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC),
		Action:       "UPDATE",
		ResourceType: "record",
		ResourceID:   "r-3",
		UserID:       &uid,
		Status:       StatusFailure,
		Details:      map[string]any{"reason": "conflict", "rev": 2},
		PreviousHash: digest.Genesis,
	}

	first, err := ComputeHash(e)
	require.NoError(t, err)
	require.True(t, digest.Valid(first))

	second, err := ComputeHash(e)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// The hash covers the timestamp in UTC, so an equal instant expressed
	// in another zone must not change it.
	east := e.clone()
	east.Timestamp = e.Timestamp.In(time.FixedZone("EST", -5*3600))
	shifted, err := ComputeHash(east)
	require.NoError(t, err)
	assert.Equal(t, first, shifted)
}

func TestEntry_JSONFieldNames(t *testing.T) {
	uid := "user-9"
	e := &Entry{
		EntryID:      "e-4",
		Timestamp:    time.Now().UTC(),
		Action:       "DELETE",
		ResourceType: "document",
		ResourceID:   "d-4",
		UserID:       &uid,
		Status:       StatusSuccess,
		Details:      map[string]any{},
		PreviousHash: digest.Genesis,
		EntryHash:    "cafe",
	}

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{
		"entryId", "timestamp", "action", "resourceType", "resourceId",
		"userId", "status", "details", "previousHash", "entryHash",
	} {
		assert.Contains(t, m, key)
	}
	assert.Len(t, m, 10)
}
