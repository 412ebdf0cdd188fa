package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/compliance-core/compliance-core/internal/logging"
	"github.com/compliance-core/compliance-core/internal/phi"
	"github.com/compliance-core/compliance-core/internal/safego"
	"github.com/compliance-core/compliance-core/internal/telemetry"
	"github.com/compliance-core/compliance-core/pkg/digest"
)

// Trail is the append-only hash-chained ledger. All appends go through
// LogAction, which serializes the read-lastHash / compute-hash / append
// sequence under one mutex so two concurrent callers can never chain
// distinct entries to the same predecessor and fork the chain. Read queries
// run concurrently with each other and with appends.
type Trail struct {
	// mu serializes the append sequence only. Reads go straight to the
	// store, which guarantees atomic visibility of appended entries.
	mu       sync.Mutex
	store    Store
	filter   *phi.Filter
	log      *logging.Logger
	shippers Shipper
}

// Option configures a Trail.
type Option func(*Trail)

// WithLogger attaches a structured logger for the trail's own operational
// diagnostics. Optional; a nil-logger trail is silent.
func WithLogger(l *logging.Logger) Option {
	return func(t *Trail) { t.log = l }
}

// WithShipper attaches a destination to which every committed entry is
// forwarded fire-and-forget. Shipper failures never reach LogAction callers.
func WithShipper(s Shipper) Option {
	return func(t *Trail) { t.shippers = s }
}

// NewTrail creates a trail over the given store. filter may be nil, in which
// case the default PHI filter is used — there is deliberately no way to
// build a trail that skips sanitization.
func NewTrail(store Store, filter *phi.Filter, opts ...Option) *Trail {
	if filter == nil {
		filter = phi.Default()
	}
	t := &Trail{store: store, filter: filter}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ActionInput carries the caller-supplied fields of one audited action.
type ActionInput struct {
	Action       string
	ResourceType string
	ResourceID   string
	// UserID is nil for system actions.
	UserID  *string
	Status  Status
	Details map[string]any
}

// LogAction validates the input, sanitizes details through the PHI filter,
// computes the chained hash, and appends the entry. It returns the stored
// entry including both hashes. An empty Status defaults to SUCCESS; any
// other unrecognized value is a *ValidationError. The returned entry is a
// copy — mutating it cannot affect chain state.
func (t *Trail) LogAction(ctx context.Context, in ActionInput) (*Entry, error) {
	if in.Action == "" {
		return nil, &ValidationError{Field: "action", Reason: "is required"}
	}
	if in.ResourceType == "" {
		return nil, &ValidationError{Field: "resourceType", Reason: "is required"}
	}
	if in.ResourceID == "" {
		return nil, &ValidationError{Field: "resourceId", Reason: "is required"}
	}
	status := in.Status
	if status == "" {
		status = StatusSuccess
	}
	if !ValidStatus(status) {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not one of SUCCESS, FAILURE", in.Status)}
	}

	// Sanitize before hashing: the chain must commit to the masked form.
	details := in.Details
	if details == nil {
		details = map[string]any{}
	}
	sanitized, phiFound := t.filter.FilterStructured(details)
	detailsMap, ok := sanitized.(map[string]any)
	if !ok {
		detailsMap = map[string]any{}
	}

	var userID *string
	if in.UserID != nil {
		uid := *in.UserID
		userID = &uid
	}

	entry := &Entry{
		EntryID: uuid.New().String(),
		// Truncated to microseconds: timestamptz in the Postgres store
		// carries microsecond precision, and a round-tripped entry must
		// rehash to the same digest.
		Timestamp:    time.Now().UTC().Truncate(time.Microsecond),
		Action:       in.Action,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		UserID:       userID,
		Status:       status,
		Details:      detailsMap,
	}

	t.mu.Lock()
	lastHash, err := t.store.LastHash(ctx)
	if err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("reading chain head: %w", err)
	}
	entry.PreviousHash = lastHash

	hash, err := ComputeHash(entry)
	if err != nil {
		t.mu.Unlock()
		return nil, &ValidationError{Field: "details", Reason: "contains values that cannot be canonically serialized"}
	}
	entry.EntryHash = hash

	if err := t.store.Append(ctx, entry); err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("appending audit entry: %w", err)
	}
	t.mu.Unlock()

	telemetry.AuditEntriesTotal.WithLabelValues(entry.Action, string(entry.Status)).Inc()

	if t.log != nil {
		t.log.Info(ctx, "audit entry logged",
			logging.F("entry_id", entry.EntryID),
			logging.F("action", entry.Action),
			logging.F("resource_type", entry.ResourceType),
			logging.F("resource_id", entry.ResourceID),
			logging.F("phi_redacted", phiFound),
		)
	}

	if t.shippers != nil {
		shipped := entry.clone()
		safego.Go(func() {
			// Detached from the request context: the caller's request
			// finishing must not cancel delivery of a committed entry.
			if err := t.shippers.Ship(context.Background(), shipped); err != nil && t.log != nil {
				t.log.Exception(context.Background(), "audit entry shipping failed", err,
					logging.F("entry_id", shipped.EntryID))
			}
		})
	}

	return entry.clone(), nil
}

// Report is the outcome of an integrity verification pass.
type Report struct {
	Intact bool `json:"intact"`
	// Entries is the number of entries examined.
	Entries int `json:"entries"`
	// FirstBrokenIndex is the zero-based index of the first entry at which
	// the chain no longer verifies, or -1 when the chain is intact.
	FirstBrokenIndex int `json:"firstBrokenIndex"`
	// Reason describes the first detected break, empty when intact.
	Reason string `json:"reason,omitempty"`
}

// VerifyIntegrity recomputes the whole chain from the genesis constant and
// reports whether it is intact. An empty trail is intact.
func (t *Trail) VerifyIntegrity(ctx context.Context) (bool, error) {
	report, err := t.VerifyIntegrityReport(ctx)
	if err != nil {
		return false, err
	}
	return report.Intact, nil
}

// VerifyIntegrityReport is the diagnostic variant of VerifyIntegrity: it
// additionally reports the first index at which the chain breaks. The trail
// never attempts repair — rewriting hashes on a tamper-evidence mechanism
// would itself be a forgeable act.
func (t *Trail) VerifyIntegrityReport(ctx context.Context) (Report, error) {
	entries, err := t.store.All(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("loading audit entries: %w", err)
	}
	report := verifyChain(entries)

	result := "intact"
	if !report.Intact {
		result = "broken"
		if t.log != nil {
			t.log.Critical(ctx, "audit chain integrity violation",
				logging.F("first_broken_index", report.FirstBrokenIndex),
				logging.F("reason", report.Reason))
		}
	}
	telemetry.AuditChainVerificationsTotal.WithLabelValues(result).Inc()
	return report, nil
}

// verifyChain recomputes a chain in append order. It is shared by the live
// verification path and VerifyExported.
func verifyChain(entries []*Entry) Report {
	report := Report{Intact: true, Entries: len(entries), FirstBrokenIndex: -1}

	expectedPrev := digest.Genesis
	for i, e := range entries {
		if e.PreviousHash != expectedPrev {
			report.Intact = false
			report.FirstBrokenIndex = i
			report.Reason = fmt.Sprintf("entry %d previousHash does not match predecessor entryHash", i)
			return report
		}
		recomputed, err := ComputeHash(e)
		if err != nil {
			report.Intact = false
			report.FirstBrokenIndex = i
			report.Reason = fmt.Sprintf("entry %d could not be canonically serialized: %v", i, err)
			return report
		}
		if recomputed != e.EntryHash {
			report.Intact = false
			report.FirstBrokenIndex = i
			report.Reason = fmt.Sprintf("entry %d entryHash does not match recomputed digest", i)
			return report
		}
		expectedPrev = e.EntryHash
	}
	return report
}

// Entries returns every entry in append order.
func (t *Trail) Entries(ctx context.Context) ([]*Entry, error) {
	return t.filterEntries(ctx, func(*Entry) bool { return true })
}

// EntriesByUser returns entries recorded for userID, in append order.
func (t *Trail) EntriesByUser(ctx context.Context, userID string) ([]*Entry, error) {
	return t.filterEntries(ctx, func(e *Entry) bool {
		return e.UserID != nil && *e.UserID == userID
	})
}

// EntriesForResource returns entries for one resource, in append order.
func (t *Trail) EntriesForResource(ctx context.Context, resourceType, resourceID string) ([]*Entry, error) {
	return t.filterEntries(ctx, func(e *Entry) bool {
		return e.ResourceType == resourceType && e.ResourceID == resourceID
	})
}

// EntriesByAction returns entries for one action type, in append order.
func (t *Trail) EntriesByAction(ctx context.Context, action string) ([]*Entry, error) {
	return t.filterEntries(ctx, func(e *Entry) bool {
		return e.Action == action
	})
}

// LatestEntries returns up to count entries, most recent first.
func (t *Trail) LatestEntries(ctx context.Context, count int) ([]*Entry, error) {
	entries, err := t.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading audit entries: %w", err)
	}
	if count < 0 {
		count = 0
	}
	if count > len(entries) {
		count = len(entries)
	}
	out := make([]*Entry, 0, count)
	for i := len(entries) - 1; i >= len(entries)-count; i-- {
		out = append(out, entries[i].clone())
	}
	return out, nil
}

// Len returns the number of entries in the trail.
func (t *Trail) Len(ctx context.Context) (int, error) {
	return t.store.Len(ctx)
}

func (t *Trail) filterEntries(ctx context.Context, keep func(*Entry) bool) ([]*Entry, error) {
	entries, err := t.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading audit entries: %w", err)
	}
	out := make([]*Entry, 0)
	for _, e := range entries {
		if keep(e) {
			out = append(out, e.clone())
		}
	}
	return out, nil
}

// ExportJSON serializes the whole trail as a JSON array in append order,
// every entry with all fields and both hashes. The output is sufficient for
// an independent verifier to reconstruct and re-verify the chain from the
// genesis constant — see VerifyExported.
func (t *Trail) ExportJSON(ctx context.Context) ([]byte, error) {
	entries, err := t.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading audit entries: %w", err)
	}
	return json.Marshal(entries)
}

// VerifyExported re-verifies a chain previously produced by ExportJSON
// without any live trail state. Exported and live verification agree: the
// export carries everything the recomputation needs.
func VerifyExported(data []byte) (Report, error) {
	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return Report{}, fmt.Errorf("parsing exported audit trail: %w", err)
	}
	return verifyChain(entries), nil
}
