package store

import (
	"context"

	"github.com/sells-group/outreach-cli/internal/model"
)

// ClientFilter specifies criteria for listing client records.
type ClientFilter struct {
	Source      model.Source `json:"source,omitempty"`
	PendingOnly bool         `json:"pending_only,omitempty"`
	Limit       int          `json:"limit,omitempty"`
	Offset      int          `json:"offset,omitempty"`
}

// Store defines the persistence interface for client records and their call
// lifecycle state.
//
// AppendAttempt and SetOutcomeIfAbsent are the only mutation paths the
// engine uses, and both are conditional single-statement updates so repeated
// or concurrent invocations cannot produce duplicate history entries or
// overwrite a recorded outcome.
type Store interface {
	// ListBySource returns a snapshot of all client records for a source.
	// No ordering is guaranteed.
	ListBySource(ctx context.Context, source model.Source) ([]model.ClientRecord, error)

	// GetClient fetches a single record by id.
	GetClient(ctx context.Context, id string) (*model.ClientRecord, error)

	// ListClients returns records matching the filter (operator tooling).
	ListClients(ctx context.Context, filter ClientFilter) ([]model.ClientRecord, error)

	// InsertClient stores a new record with zero call history, assigning an
	// id when the record has none. Records already present (same external
	// id) are left untouched; inserted reports whether a row was written.
	InsertClient(ctx context.Context, rec model.ClientRecord) (inserted bool, err error)

	// AppendAttempt appends a call attempt to the record's history and
	// increments its call count, atomically. A call id already present in
	// the history makes the append fail without writing.
	AppendAttempt(ctx context.Context, id string, attempt model.CallAttempt) error

	// SetOutcomeIfAbsent records the outcome on the single history entry
	// with the given call id, only if that entry has no outcome yet.
	// Already-finalized entries make this a silent no-op.
	SetOutcomeIfAbsent(ctx context.Context, id, callID string, outcome model.CallOutcome) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
