package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()

	s, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "outreach.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestSQLiteInsertAndGet(t *testing.T) {
	t.Parallel()

	s := newTestSQLite(t)
	ctx := context.Background()

	inserted, err := s.InsertClient(ctx, model.ClientRecord{
		ID:          "client-1",
		ExternalID:  "ext-1",
		Source:      "leadgen",
		FullName:    "Ana Pop",
		PhoneNumber: "+40711111111",
		Language:    "ro",
		CreatedAt:   "2024-01-01T10:00:00",
		Extra:       map[string]any{"campaign": "q1"},
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	rec, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "ext-1", rec.ExternalID)
	assert.Equal(t, "Ana Pop", rec.FullName)
	assert.Equal(t, 0, rec.CallCount)
	assert.Empty(t, rec.CallHistory)
	assert.Equal(t, "q1", rec.Extra["campaign"])
}

func TestSQLiteInsert_DedupOnExternalID(t *testing.T) {
	t.Parallel()

	s := newTestSQLite(t)
	ctx := context.Background()

	rec := model.ClientRecord{
		ExternalID:  "ext-1",
		Source:      "leadgen",
		FullName:    "Ana Pop",
		PhoneNumber: "+40711111111",
		Language:    "ro",
	}

	inserted, err := s.InsertClient(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertClient(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)

	recs, err := s.ListBySource(ctx, "leadgen")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSQLiteAppendAttempt(t *testing.T) {
	t.Parallel()

	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.InsertClient(ctx, model.ClientRecord{ID: "client-1", Source: "leadgen"})
	require.NoError(t, err)

	attempt := model.CallAttempt{
		CallID:   "call-1",
		Stage:    model.StageInitial,
		PlacedAt: time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.AppendAttempt(ctx, "client-1", attempt))

	rec, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CallCount)
	require.Len(t, rec.CallHistory, 1)
	assert.Equal(t, "call-1", rec.CallHistory[0].CallID)
	assert.True(t, rec.CallHistory[0].Pending())

	// Same call id again must fail without writing.
	err = s.AppendAttempt(ctx, "client-1", attempt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate call id")

	rec, err = s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CallCount)
	assert.Len(t, rec.CallHistory, 1)
}

func TestSQLiteAppendAttempt_UnknownClient(t *testing.T) {
	t.Parallel()

	s := newTestSQLite(t)

	err := s.AppendAttempt(context.Background(), "nope", model.CallAttempt{CallID: "call-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown client")
}

func TestSQLiteSetOutcomeIfAbsent(t *testing.T) {
	t.Parallel()

	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.InsertClient(ctx, model.ClientRecord{ID: "client-1", Source: "leadgen"})
	require.NoError(t, err)
	require.NoError(t, s.AppendAttempt(ctx, "client-1", model.CallAttempt{CallID: "call-1", Stage: model.StageInitial}))

	first := model.CallOutcome{Status: "ended", EndedReason: "customer-ended-call", Summary: "went well"}
	require.NoError(t, s.SetOutcomeIfAbsent(ctx, "client-1", "call-1", first))

	// A second write with a different outcome must not replace the first.
	second := model.CallOutcome{Status: "ended", EndedReason: "assistant-ended-call", Summary: "other"}
	require.NoError(t, s.SetOutcomeIfAbsent(ctx, "client-1", "call-1", second))

	rec, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, rec.CallHistory, 1)
	require.NotNil(t, rec.CallHistory[0].Outcome)
	assert.Equal(t, "customer-ended-call", rec.CallHistory[0].Outcome.EndedReason)
	assert.Equal(t, "went well", rec.CallHistory[0].Outcome.Summary)
	assert.Empty(t, rec.PendingAttempts())
}

func TestSQLiteListClients_Filter(t *testing.T) {
	t.Parallel()

	s := newTestSQLite(t)
	ctx := context.Background()

	for _, rec := range []model.ClientRecord{
		{ID: "a", Source: "leadgen", ExternalID: "e1"},
		{ID: "b", Source: "leadgen", ExternalID: "e2"},
		{ID: "c", Source: "webinar", ExternalID: "e3"},
	} {
		_, err := s.InsertClient(ctx, rec)
		require.NoError(t, err)
	}
	require.NoError(t, s.AppendAttempt(ctx, "b", model.CallAttempt{CallID: "call-b", Stage: model.StageInitial}))

	recs, err := s.ListClients(ctx, ClientFilter{Source: "leadgen"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = s.ListClients(ctx, ClientFilter{Source: "leadgen", PendingOnly: true})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].ID)

	recs, err = s.ListClients(ctx, ClientFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
