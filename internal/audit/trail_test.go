package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/compliance-core/compliance-core/internal/phi"
	"github.com/compliance-core/compliance-core/pkg/digest"
)

func newTestTrail(t *testing.T) *Trail {
	t.Helper()
	return NewTrail(NewMemoryStore(), phi.Default())
}

func mustLog(t *testing.T, trail *Trail, in ActionInput) *Entry {
	t.Helper()
	entry, err := trail.LogAction(context.Background(), in)
	if err != nil {
		t.Fatalf("LogAction(%q): %v", in.Action, err)
	}
	return entry
}

func TestLogAction_ChainsEntries(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	first := mustLog(t, trail, ActionInput{Action: "LOGIN", ResourceType: "session", ResourceID: "s-1"})
	if first.PreviousHash != digest.Genesis {
		t.Errorf("first entry previousHash = %q, want genesis", first.PreviousHash)
	}
	if !digest.Valid(first.EntryHash) {
		t.Errorf("first entry hash %q is not a valid digest", first.EntryHash)
	}

	second := mustLog(t, trail, ActionInput{Action: "READ", ResourceType: "record", ResourceID: "r-9"})
	if second.PreviousHash != first.EntryHash {
		t.Errorf("second entry previousHash = %q, want %q", second.PreviousHash, first.EntryHash)
	}

	ok, err := trail.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !ok {
		t.Error("VerifyIntegrity = false for an untampered chain")
	}
}

func TestLogAction_Validation(t *testing.T) {
	trail := newTestTrail(t)

	tests := []struct {
		name      string
		input     ActionInput
		wantField string
	}{
		{
			name:      "missing action",
			input:     ActionInput{ResourceType: "record", ResourceID: "r-1"},
			wantField: "action",
		},
		{
			name:      "missing resource type",
			input:     ActionInput{Action: "READ", ResourceID: "r-1"},
			wantField: "resourceType",
		},
		{
			name:      "missing resource id",
			input:     ActionInput{Action: "READ", ResourceType: "record"},
			wantField: "resourceId",
		},
		{
			name:      "unknown status",
			input:     ActionInput{Action: "READ", ResourceType: "record", ResourceID: "r-1", Status: "MAYBE"},
			wantField: "status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := trail.LogAction(context.Background(), tt.input)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("LogAction error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("ValidationError.Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}

	if n, _ := trail.Len(context.Background()); n != 0 {
		t.Errorf("rejected inputs must not append entries, got Len = %d", n)
	}
}

func TestLogAction_DefaultsStatusToSuccess(t *testing.T) {
	trail := newTestTrail(t)
	entry := mustLog(t, trail, ActionInput{Action: "READ", ResourceType: "record", ResourceID: "r-1"})
	if entry.Status != StatusSuccess {
		t.Errorf("empty status defaulted to %q, want %q", entry.Status, StatusSuccess)
	}
}

func TestLogAction_MasksDetailsBeforeHashing(t *testing.T) {
	trail := newTestTrail(t)
	userID := "admin"
	entry := mustLog(t, trail, ActionInput{
		Action:       "LOGIN",
		ResourceType: "session",
		ResourceID:   "sess-1",
		UserID:       &userID,
		Details: map[string]any{
			"email": "contact alice@example.com for access",
			"note":  "routine login",
		},
	})

	got, ok := entry.Details["email"].(string)
	if !ok || strings.Contains(got, "alice@example.com") {
		t.Fatalf("details.email = %v, want address redacted", entry.Details["email"])
	}
	if !strings.Contains(got, "[REDACTED_EMAIL]") {
		t.Errorf("details.email = %q, want redaction token", got)
	}

	// The hash must be over the sanitized details, so re-verification
	// against the stored chain cannot surface the raw value.
	recomputed, err := ComputeHash(entry)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if entry.EntryHash != recomputed {
		t.Error("entry hash does not match recomputation over sanitized entry")
	}
}

func TestLogAction_DoesNotMutateCallerDetails(t *testing.T) {
	trail := newTestTrail(t)
	details := map[string]any{"email": "alice@example.com"}
	mustLog(t, trail, ActionInput{Action: "READ", ResourceType: "record", ResourceID: "r-1", Details: details})
	if details["email"] != "alice@example.com" {
		t.Errorf("caller details mutated to %v", details["email"])
	}
}

func TestVerifyIntegrity_DetectsTampering(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func([]*Entry)
		tampers int
	}{
		{
			name:    "modified field",
			mutate:  func(entries []*Entry) { entries[1].Action = "DELETE" },
			tampers: 1,
		},
		{
			name:    "modified details",
			mutate:  func(entries []*Entry) { entries[2].Details["amount"] = 99999 },
			tampers: 2,
		},
		{
			name: "relinked hash",
			mutate: func(entries []*Entry) {
				entries[1].PreviousHash = digest.Genesis
			},
			tampers: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			trail := NewTrail(store, phi.Default())
			ctx := context.Background()
			for i := 0; i < 4; i++ {
				mustLog(t, trail, ActionInput{
					Action:       "UPDATE",
					ResourceType: "record",
					ResourceID:   fmt.Sprintf("r-%d", i),
					Details:      map[string]any{"amount": i},
				})
			}

			// Reach into the backing store to simulate post-hoc edits.
			tt.mutate(store.entries)

			report, err := trail.VerifyIntegrityReport(ctx)
			if err != nil {
				t.Fatalf("VerifyIntegrityReport: %v", err)
			}
			if report.Intact {
				t.Fatal("report.Intact = true after tampering")
			}
			if report.FirstBrokenIndex != tt.tampers {
				t.Errorf("FirstBrokenIndex = %d, want %d", report.FirstBrokenIndex, tt.tampers)
			}
			if report.Reason == "" {
				t.Error("broken report carries no reason")
			}
		})
	}
}

func TestVerifyIntegrity_EmptyChainIsIntact(t *testing.T) {
	trail := newTestTrail(t)
	report, err := trail.VerifyIntegrityReport(context.Background())
	if err != nil {
		t.Fatalf("VerifyIntegrityReport: %v", err)
	}
	if !report.Intact || report.FirstBrokenIndex != -1 {
		t.Errorf("empty chain report = %+v, want intact", report)
	}
}

func TestLogAction_ConcurrentAppendsDoNotForkChain(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	const goroutines = 8
	const perGoroutine = 25

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_, err := trail.LogAction(ctx, ActionInput{
					Action:       "WRITE",
					ResourceType: "record",
					ResourceID:   fmt.Sprintf("r-%d-%d", g, i),
				})
				if err != nil {
					t.Errorf("concurrent LogAction: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	n, err := trail.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != goroutines*perGoroutine {
		t.Fatalf("Len = %d, want %d", n, goroutines*perGoroutine)
	}

	ok, err := trail.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !ok {
		t.Error("chain broken after concurrent appends")
	}
}

func TestTrail_Queries(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()
	admin, nurse := "admin", "nurse"

	mustLog(t, trail, ActionInput{Action: "LOGIN", ResourceType: "session", ResourceID: "s-1", UserID: &admin})
	mustLog(t, trail, ActionInput{Action: "READ", ResourceType: "record", ResourceID: "r-1", UserID: &nurse})
	mustLog(t, trail, ActionInput{Action: "READ", ResourceType: "record", ResourceID: "r-1", UserID: &admin})
	mustLog(t, trail, ActionInput{Action: "LOGOUT", ResourceType: "session", ResourceID: "s-1", UserID: &admin})

	byUser, err := trail.EntriesByUser(ctx, "admin")
	if err != nil {
		t.Fatalf("EntriesByUser: %v", err)
	}
	if len(byUser) != 3 {
		t.Fatalf("EntriesByUser(admin) returned %d entries, want 3", len(byUser))
	}
	if byUser[0].Action != "LOGIN" || byUser[2].Action != "LOGOUT" {
		t.Errorf("EntriesByUser not in append order: %q, %q", byUser[0].Action, byUser[2].Action)
	}

	forResource, err := trail.EntriesForResource(ctx, "record", "r-1")
	if err != nil {
		t.Fatalf("EntriesForResource: %v", err)
	}
	if len(forResource) != 2 {
		t.Errorf("EntriesForResource(record, r-1) returned %d entries, want 2", len(forResource))
	}

	byAction, err := trail.EntriesByAction(ctx, "READ")
	if err != nil {
		t.Fatalf("EntriesByAction: %v", err)
	}
	if len(byAction) != 2 {
		t.Errorf("EntriesByAction(READ) returned %d entries, want 2", len(byAction))
	}

	latest, err := trail.LatestEntries(ctx, 1)
	if err != nil {
		t.Fatalf("LatestEntries: %v", err)
	}
	if len(latest) != 1 || latest[0].Action != "LOGOUT" {
		t.Errorf("LatestEntries(1) = %v, want the most recent entry", latest)
	}
}

func TestTrail_QueryResultsAreCopies(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()
	admin := "admin"
	mustLog(t, trail, ActionInput{
		Action: "READ", ResourceType: "record", ResourceID: "r-1",
		UserID: &admin, Details: map[string]any{"k": "v"},
	})

	got, err := trail.EntriesByUser(ctx, "admin")
	if err != nil {
		t.Fatalf("EntriesByUser: %v", err)
	}
	got[0].Action = "FORGED"
	got[0].Details["k"] = "forged"

	ok, err := trail.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !ok {
		t.Error("mutating a query result corrupted the stored chain")
	}
}

func TestExportJSON_RoundTripsThroughVerifyExported(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()
	admin := "admin"
	for i := 0; i < 5; i++ {
		mustLog(t, trail, ActionInput{
			Action:       "UPDATE",
			ResourceType: "record",
			ResourceID:   fmt.Sprintf("r-%d", i),
			UserID:       &admin,
			Details:      map[string]any{"rev": i, "note": "routine"},
		})
	}

	data, err := trail.ExportJSON(ctx)
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}

	report, err := VerifyExported(data)
	if err != nil {
		t.Fatalf("VerifyExported: %v", err)
	}
	if !report.Intact {
		t.Fatalf("exported chain failed verification: %+v", report)
	}

	// A single flipped byte in the payload must break the chain.
	tampered := make([]byte, len(data))
	copy(tampered, data)
	idx := strings.Index(string(tampered), `"rev":2`)
	if idx < 0 {
		t.Fatal("export payload missing expected field")
	}
	tampered[idx+len(`"rev":`)] = '7'

	report, err = VerifyExported(tampered)
	if err != nil {
		t.Fatalf("VerifyExported(tampered): %v", err)
	}
	if report.Intact {
		t.Error("tampered export verified as intact")
	}
}

func TestExportJSON_WireFormat(t *testing.T) {
	trail := newTestTrail(t)
	admin := "admin"
	mustLog(t, trail, ActionInput{Action: "LOGIN", ResourceType: "session", ResourceID: "s-1", UserID: &admin})

	data, err := trail.ExportJSON(context.Background())
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}

	var decoded []map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("export is not a JSON array: %v", err)
	}
	for _, key := range []string{"entryId", "timestamp", "action", "resourceType", "resourceId", "userId", "status", "details", "previousHash", "entryHash"} {
		if _, ok := decoded[0][key]; !ok {
			t.Errorf("export entry missing key %q", key)
		}
	}
}

func TestComputeHash_ExcludesEntryHash(t *testing.T) {
	trail := newTestTrail(t)
	entry := mustLog(t, trail, ActionInput{Action: "READ", ResourceType: "record", ResourceID: "r-1"})

	want := entry.EntryHash
	entry.EntryHash = "0000"
	got, err := ComputeHash(entry)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if got != want {
		t.Errorf("ComputeHash changed when only entryHash changed: got %q, want %q", got, want)
	}
}

func TestComputeHash_DistinctEntriesDiffer(t *testing.T) {
	trail := newTestTrail(t)
	a := mustLog(t, trail, ActionInput{Action: "READ", ResourceType: "record", ResourceID: "r-1"})
	b := mustLog(t, trail, ActionInput{Action: "READ", ResourceType: "record", ResourceID: "r-1"})
	if a.EntryHash == b.EntryHash {
		t.Error("entries with distinct ids and timestamps hashed identically")
	}
}
