package campaign

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/pkg/vapi"
)

// fakeStore is an in-memory Store with the same conditional-update semantics
// as the real drivers.
type fakeStore struct {
	mu   sync.Mutex
	recs map[string]*model.ClientRecord
}

func newFakeStore(recs ...model.ClientRecord) *fakeStore {
	s := &fakeStore{recs: map[string]*model.ClientRecord{}}
	for i := range recs {
		rec := recs[i]
		s.recs[rec.ID] = &rec
	}
	return s
}

func (s *fakeStore) ListBySource(_ context.Context, source model.Source) ([]model.ClientRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ClientRecord
	for _, rec := range s.recs {
		if rec.Source == source {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) GetClient(_ context.Context, id string) (*model.ClientRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, eris.Errorf("unknown client %s", id)
	}
	copied := *rec
	return &copied, nil
}

func (s *fakeStore) ListClients(ctx context.Context, filter store.ClientFilter) ([]model.ClientRecord, error) {
	return s.ListBySource(ctx, filter.Source)
}

func (s *fakeStore) InsertClient(_ context.Context, rec model.ClientRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return false, nil
	}
	s.recs[rec.ID] = &rec
	return true, nil
}

func (s *fakeStore) AppendAttempt(_ context.Context, id string, attempt model.CallAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return eris.Errorf("unknown client %s", id)
	}
	for _, a := range rec.CallHistory {
		if a.CallID == attempt.CallID {
			return eris.Errorf("duplicate call id %s", attempt.CallID)
		}
	}
	rec.CallHistory = append(rec.CallHistory, attempt)
	rec.CallCount++
	return nil
}

func (s *fakeStore) SetOutcomeIfAbsent(_ context.Context, id, callID string, outcome model.CallOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return eris.Errorf("unknown client %s", id)
	}
	for i := range rec.CallHistory {
		if rec.CallHistory[i].CallID == callID && rec.CallHistory[i].Outcome == nil {
			rec.CallHistory[i].Outcome = &outcome
			return nil
		}
	}
	return nil
}

func (s *fakeStore) Migrate(context.Context) error { return nil }
func (s *fakeStore) Close() error                  { return nil }

func (s *fakeStore) get(t *testing.T, id string) model.ClientRecord {
	t.Helper()
	rec, err := s.GetClient(context.Background(), id)
	require.NoError(t, err)
	return *rec
}

// fakeGateway scripts gateway behavior and records every interaction.
type fakeGateway struct {
	mu       sync.Mutex
	placed   []vapi.CallRequest
	placeErr error
	nextID   int
	statuses map[string]vapi.Call
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: map[string]vapi.Call{}}
}

func (g *fakeGateway) PlaceCall(_ context.Context, req vapi.CallRequest) (*vapi.Call, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		return nil, g.placeErr
	}
	g.placed = append(g.placed, req)
	g.nextID++
	id := fmt.Sprintf("call-%d", g.nextID)
	g.statuses[id] = vapi.Call{ID: id, Status: vapi.StatusQueued}
	return &vapi.Call{ID: id, Status: vapi.StatusQueued}, nil
}

func (g *fakeGateway) GetStatus(_ context.Context, callID string) (*vapi.Call, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	call, ok := g.statuses[callID]
	if !ok {
		return nil, eris.Errorf("unknown call %s", callID)
	}
	return &call, nil
}

func (g *fakeGateway) setStatus(call vapi.Call) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[call.ID] = call
}

func (g *fakeGateway) placements(t *testing.T) []vapi.CallRequest {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]vapi.CallRequest(nil), g.placed...)
}

// fakeClock returns a fixed now and counts cooldowns instead of sleeping.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	cooldowns int
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Cooldown(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldowns++
	return nil
}

func newOrchestrator(t *testing.T, st store.Store, gw vapi.Client, opts Options) (*Orchestrator, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: testNow()}
	o, err := New(st, gw, Catalog{"leadgen": testCampaign}, clock, opts)
	require.NoError(t, err)
	return o, clock
}

func TestRunOnce_BelowThresholdNoAction(t *testing.T) {
	t.Parallel()

	st := newFakeStore(eligibleRecord(3))
	gw := newFakeGateway()
	o, clock := newOrchestrator(t, st, gw, Options{})

	report, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Placed)
	assert.Empty(t, gw.placements(t))
	assert.Zero(t, st.get(t, "client-1").CallCount)
	assert.Zero(t, clock.cooldowns)
}

func TestRunOnce_PlacesInitialCall(t *testing.T) {
	t.Parallel()

	st := newFakeStore(eligibleRecord(10))
	gw := newFakeGateway()
	o, clock := newOrchestrator(t, st, gw, Options{})

	report, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Placed)

	placed := gw.placements(t)
	require.Len(t, placed, 1)
	assert.Equal(t, "+40711111111", placed[0].PhoneNumber)
	assert.Equal(t, "Ana Pop", placed[0].Variables["name"])
	assert.Equal(t, "ro", placed[0].Variables["language"])
	assert.Equal(t, "intro offer", placed[0].Variables["offer"])

	rec := st.get(t, "client-1")
	assert.Equal(t, 1, rec.CallCount)
	require.Len(t, rec.CallHistory, 1)
	assert.Equal(t, model.StageInitial, rec.CallHistory[0].Stage)
	assert.Nil(t, rec.CallHistory[0].Outcome)

	// Cooldown follows every successful placement.
	assert.Equal(t, 1, clock.cooldowns)
}

func TestRunOnce_RerunDoesNotPlaceAgain(t *testing.T) {
	t.Parallel()

	st := newFakeStore(eligibleRecord(10))
	gw := newFakeGateway()
	o, _ := newOrchestrator(t, st, gw, Options{})
	ctx := context.Background()

	_, err := o.RunOnce(ctx)
	require.NoError(t, err)

	// Second run with the call still queued polls instead of placing.
	report, err := o.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Placed)
	assert.Equal(t, 1, report.Polled)
	assert.Len(t, gw.placements(t), 1)
	assert.Equal(t, 1, st.get(t, "client-1").CallCount)
}

func TestRunOnce_PendingThenEnded(t *testing.T) {
	t.Parallel()

	st := newFakeStore(eligibleRecord(10))
	gw := newFakeGateway()
	o, _ := newOrchestrator(t, st, gw, Options{})
	ctx := context.Background()

	_, err := o.RunOnce(ctx)
	require.NoError(t, err)

	gw.setStatus(vapi.Call{ID: "call-1", Status: vapi.StatusRinging})
	report, err := o.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Finalized)
	assert.Nil(t, st.get(t, "client-1").CallHistory[0].Outcome)

	gw.setStatus(vapi.Call{
		ID:          "call-1",
		Status:      vapi.StatusEnded,
		EndedReason: "customer-ended-call",
		Transcript:  "AI: Hello",
		Summary:     "short call",
	})
	report, err = o.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Finalized)

	rec := st.get(t, "client-1")
	require.NotNil(t, rec.CallHistory[0].Outcome)
	assert.Equal(t, "ended", rec.CallHistory[0].Outcome.Status)
	assert.Equal(t, "customer-ended-call", rec.CallHistory[0].Outcome.EndedReason)
	assert.Equal(t, "short call", rec.CallHistory[0].Outcome.Summary)
}

func TestRunOnce_OutcomeMonotonic(t *testing.T) {
	t.Parallel()

	st := newFakeStore(eligibleRecord(10))
	gw := newFakeGateway()
	o, _ := newOrchestrator(t, st, gw, Options{})
	ctx := context.Background()

	_, err := o.RunOnce(ctx)
	require.NoError(t, err)

	gw.setStatus(vapi.Call{ID: "call-1", Status: vapi.StatusEnded, EndedReason: "first"})
	_, err = o.RunOnce(ctx)
	require.NoError(t, err)

	// A changed gateway report must never alter the recorded outcome.
	gw.setStatus(vapi.Call{ID: "call-1", Status: vapi.StatusEnded, EndedReason: "second"})
	_, err = o.RunOnce(ctx)
	require.NoError(t, err)

	rec := st.get(t, "client-1")
	require.NotNil(t, rec.CallHistory[0].Outcome)
	assert.Equal(t, "first", rec.CallHistory[0].Outcome.EndedReason)
}

func TestRunOnce_ThankYouSequence(t *testing.T) {
	t.Parallel()

	rec := eligibleRecord(15)
	rec.CallCount = 1
	rec.CallHistory = []model.CallAttempt{{
		CallID:  "call-old",
		Stage:   model.StageInitial,
		Outcome: &model.CallOutcome{Status: "ended"},
	}}
	st := newFakeStore(rec)
	gw := newFakeGateway()
	o, _ := newOrchestrator(t, st, gw, Options{})
	ctx := context.Background()

	report, err := o.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Placed)

	placed := gw.placements(t)
	require.Len(t, placed, 1)
	assert.Equal(t, "thank you", placed[0].Variables["offer"])

	got := st.get(t, "client-1")
	assert.Equal(t, 2, got.CallCount)
	assert.Equal(t, model.StageThankYou, got.CallHistory[1].Stage)

	// Never a second thank-you, regardless of further runs.
	gw.setStatus(vapi.Call{ID: "call-1", Status: vapi.StatusEnded})
	_, err = o.RunOnce(ctx)
	require.NoError(t, err)
	_, err = o.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, gw.placements(t), 1)
	assert.Equal(t, 2, st.get(t, "client-1").CallCount)
}

func TestRunOnce_MissingPhoneNeverCallsGateway(t *testing.T) {
	t.Parallel()

	rec := eligibleRecord(100)
	rec.PhoneNumber = ""
	st := newFakeStore(rec)
	gw := newFakeGateway()
	o, _ := newOrchestrator(t, st, gw, Options{})

	report, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, gw.placements(t))
}

func TestRunOnce_DebugRedirectsAtPlacementBoundary(t *testing.T) {
	t.Parallel()

	st := newFakeStore(eligibleRecord(10))
	gw := newFakeGateway()
	o, _ := newOrchestrator(t, st, gw, Options{
		Debug:           true,
		TestPhoneNumber: "+40785487261",
	})

	_, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	placed := gw.placements(t)
	require.Len(t, placed, 1)
	assert.Equal(t, "+40785487261", placed[0].PhoneNumber)

	// The stored record keeps the real number.
	assert.Equal(t, "+40711111111", st.get(t, "client-1").PhoneNumber)
}

func TestRunOnce_GatewayFailureLeavesRecordUntouched(t *testing.T) {
	t.Parallel()

	st := newFakeStore(eligibleRecord(10))
	gw := newFakeGateway()
	gw.placeErr = eris.New("gateway timeout")
	o, clock := newOrchestrator(t, st, gw, Options{})

	report, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Placed)
	assert.Zero(t, st.get(t, "client-1").CallCount)
	assert.Zero(t, clock.cooldowns)
}

func TestRunOnce_RecordFailureDoesNotAbortRun(t *testing.T) {
	t.Parallel()

	bad := eligibleRecord(10)
	bad.ID = "client-0"
	bad.CreatedAt = "garbage"
	st := newFakeStore(bad, eligibleRecord(10))
	gw := newFakeGateway()
	o, _ := newOrchestrator(t, st, gw, Options{})

	report, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Placed)
	assert.Equal(t, 1, st.get(t, "client-1").CallCount)
}

func TestRunOnce_TerminalStatusPolicy(t *testing.T) {
	t.Parallel()

	t.Run("default leaves failed calls pending", func(t *testing.T) {
		t.Parallel()
		st := newFakeStore(eligibleRecord(10))
		gw := newFakeGateway()
		o, _ := newOrchestrator(t, st, gw, Options{})
		ctx := context.Background()

		_, err := o.RunOnce(ctx)
		require.NoError(t, err)
		gw.setStatus(vapi.Call{ID: "call-1", Status: vapi.StatusFailed})

		report, err := o.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Finalized)
		assert.Nil(t, st.get(t, "client-1").CallHistory[0].Outcome)
	})

	t.Run("finalize_terminal records failed calls", func(t *testing.T) {
		t.Parallel()
		st := newFakeStore(eligibleRecord(10))
		gw := newFakeGateway()
		o, _ := newOrchestrator(t, st, gw, Options{FinalizeTerminal: true})
		ctx := context.Background()

		_, err := o.RunOnce(ctx)
		require.NoError(t, err)
		gw.setStatus(vapi.Call{ID: "call-1", Status: vapi.StatusFailed})

		report, err := o.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Finalized)

		rec := st.get(t, "client-1")
		require.NotNil(t, rec.CallHistory[0].Outcome)
		assert.Equal(t, "failed", rec.CallHistory[0].Outcome.Status)
	})
}

type stubAnalyzer struct {
	analysis *model.Analysis
	err      error
	calls    int
}

func (s *stubAnalyzer) Analyze(context.Context, string) (*model.Analysis, error) {
	s.calls++
	return s.analysis, s.err
}

func TestRunOnce_AttachesTranscriptAnalysis(t *testing.T) {
	t.Parallel()

	st := newFakeStore(eligibleRecord(10))
	gw := newFakeGateway()
	analyzer := &stubAnalyzer{analysis: &model.Analysis{Qualification: "Y", NPS: 9}}
	o, _ := newOrchestrator(t, st, gw, Options{Analyzer: analyzer})
	ctx := context.Background()

	_, err := o.RunOnce(ctx)
	require.NoError(t, err)
	gw.setStatus(vapi.Call{ID: "call-1", Status: vapi.StatusEnded, Transcript: "AI: Hello"})

	_, err = o.RunOnce(ctx)
	require.NoError(t, err)

	rec := st.get(t, "client-1")
	require.NotNil(t, rec.CallHistory[0].Outcome)
	require.NotNil(t, rec.CallHistory[0].Outcome.Analysis)
	assert.Equal(t, "Y", rec.CallHistory[0].Outcome.Analysis.Qualification)
	assert.Equal(t, 9, rec.CallHistory[0].Outcome.Analysis.NPS)
	assert.Equal(t, 1, analyzer.calls)
}

func TestRunOnce_AnalyzerFailureStillRecordsOutcome(t *testing.T) {
	t.Parallel()

	st := newFakeStore(eligibleRecord(10))
	gw := newFakeGateway()
	analyzer := &stubAnalyzer{err: eris.New("api down")}
	o, _ := newOrchestrator(t, st, gw, Options{Analyzer: analyzer})
	ctx := context.Background()

	_, err := o.RunOnce(ctx)
	require.NoError(t, err)
	gw.setStatus(vapi.Call{ID: "call-1", Status: vapi.StatusEnded, Transcript: "AI: Hello"})

	_, err = o.RunOnce(ctx)
	require.NoError(t, err)

	rec := st.get(t, "client-1")
	require.NotNil(t, rec.CallHistory[0].Outcome)
	assert.Nil(t, rec.CallHistory[0].Outcome.Analysis)
}

func TestRunOnce_CanceledContext(t *testing.T) {
	t.Parallel()

	st := newFakeStore(eligibleRecord(10))
	gw := newFakeGateway()
	o, _ := newOrchestrator(t, st, gw, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.RunOnce(ctx)
	require.Error(t, err)
	assert.Empty(t, gw.placements(t))
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(newFakeStore(), newFakeGateway(), Catalog{}, &fakeClock{}, Options{})
	require.Error(t, err)

	_, err = New(newFakeStore(), newFakeGateway(), Catalog{"leadgen": testCampaign}, &fakeClock{}, Options{Debug: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test phone number")
}
