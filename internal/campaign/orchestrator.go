package campaign

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/internal/transcript"
	"github.com/sells-group/outreach-cli/pkg/vapi"
)

// Options carries the engine settings that are not collaborator handles.
type Options struct {
	// Debug redirects every placed call to TestPhoneNumber. The redirect
	// happens at the placement boundary only; stored records keep the real
	// number.
	Debug           bool
	TestPhoneNumber string

	// Fallback interprets timezone-naive created-at values.
	Fallback *time.Location

	// FinalizeTerminal also persists failed/canceled/error gateway statuses
	// as outcomes. Off by default: those calls stay pending and are polled
	// again next run.
	FinalizeTerminal bool

	// Analyzer, when non-nil, attaches a transcript analysis to ended-call
	// outcomes before they are persisted.
	Analyzer transcript.Analyzer
}

// RunReport summarizes one engine run for logs and the daemon status page.
type RunReport struct {
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Placed    int       `json:"placed"`
	Polled    int       `json:"polled"`
	Finalized int       `json:"finalized"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
}

// Orchestrator walks every configured source's records and applies at most
// one state transition per record per run. Records are processed strictly
// sequentially; the clock enforces the cooldown between call placements.
type Orchestrator struct {
	store   store.Store
	gateway vapi.Client
	catalog Catalog
	clock   Clock
	opts    Options
	log     *zap.Logger
}

// New builds an Orchestrator. The catalog must already be validated; an
// unknown source is a construction-time error, not a run-time condition.
func New(st store.Store, gateway vapi.Client, catalog Catalog, clock Clock, opts Options) (*Orchestrator, error) {
	if len(catalog) == 0 {
		return nil, eris.New("campaign: empty catalog")
	}
	if opts.Debug && opts.TestPhoneNumber == "" {
		return nil, eris.New("campaign: debug mode requires a test phone number")
	}
	if opts.Fallback == nil {
		opts.Fallback = time.UTC
	}
	return &Orchestrator{
		store:   st,
		gateway: gateway,
		catalog: catalog,
		clock:   clock,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "campaign")),
	}, nil
}

// RunOnce processes every record of every configured source exactly once.
// Per-record collaborator failures are logged and counted, never escalated;
// the next scheduled run retries naturally. The context is checked between
// records so shutdown lets the in-flight record finish cleanly.
func (o *Orchestrator) RunOnce(ctx context.Context) (RunReport, error) {
	report := RunReport{Started: o.clock.Now()}

	sources := make([]model.Source, 0, len(o.catalog))
	for source := range o.catalog {
		sources = append(sources, source)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			report.Finished = o.clock.Now()
			return report, eris.Wrap(err, "campaign: run interrupted")
		}
		if err := o.runSource(ctx, source, &report); err != nil {
			report.Finished = o.clock.Now()
			return report, err
		}
	}

	report.Finished = o.clock.Now()
	o.log.Info("run complete",
		zap.Int("placed", report.Placed),
		zap.Int("polled", report.Polled),
		zap.Int("finalized", report.Finalized),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (o *Orchestrator) runSource(ctx context.Context, source model.Source, report *RunReport) error {
	camp := o.catalog[source]
	log := o.log.With(zap.String("source", string(source)))

	recs, err := o.store.ListBySource(ctx, source)
	if err != nil {
		// The whole source is skipped this run; the trigger retries.
		log.Error("list records failed", zap.Error(err))
		report.Failed++
		return nil
	}
	log.Debug("evaluating records", zap.Int("count", len(recs)))

	for i := range recs {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "campaign: run interrupted")
		}
		o.processRecord(ctx, recs[i], camp, report)
	}
	return nil
}

func (o *Orchestrator) processRecord(ctx context.Context, rec model.ClientRecord, camp SourceCampaign, report *RunReport) {
	log := o.log.With(zap.String("client_id", rec.ID), zap.String("source", string(rec.Source)))

	decision := Decide(rec, camp, o.opts.Fallback, o.clock.Now())
	switch decision.Action {
	case ActionSkip:
		log.Info("record skipped", zap.String("reason", decision.Reason))
		report.Skipped++

	case ActionPlaceInitial, ActionPlaceThankYou:
		offer := camp.OfferText
		if decision.Stage == model.StageThankYou {
			offer = camp.ThankYouText
		}
		o.placeCall(ctx, rec, decision.Stage, offer, report, log)

	case ActionPoll:
		for _, callID := range decision.PollCallIDs {
			o.pollAttempt(ctx, rec.ID, callID, report, log)
		}

	case ActionNone:
		// Below threshold or fully processed; nothing to do.
	}
}

func (o *Orchestrator) placeCall(ctx context.Context, rec model.ClientRecord, stage model.Stage, offer string, report *RunReport, log *zap.Logger) {
	phone := rec.PhoneNumber
	if o.opts.Debug {
		phone = o.opts.TestPhoneNumber
	}

	call, err := o.gateway.PlaceCall(ctx, vapi.CallRequest{
		PhoneNumber: phone,
		Variables: map[string]string{
			"name":     rec.FullName,
			"language": rec.Language,
			"offer":    offer,
		},
	})
	if err != nil {
		// No mutation on gateway failure; the record is retried next run.
		log.Error("place call failed", zap.String("stage", string(stage)), zap.Error(err))
		report.Failed++
		return
	}

	attempt := model.CallAttempt{
		CallID:   call.ID,
		Stage:    stage,
		PlacedAt: o.clock.Now(),
	}
	if err := o.store.AppendAttempt(ctx, rec.ID, attempt); err != nil {
		log.Error("record attempt failed", zap.String("call_id", call.ID), zap.Error(err))
		report.Failed++
		return
	}

	log.Info("call placed",
		zap.String("call_id", call.ID),
		zap.String("stage", string(stage)),
		zap.Bool("debug_redirect", o.opts.Debug))
	report.Placed++

	if err := o.clock.Cooldown(ctx); err != nil {
		log.Warn("cooldown interrupted", zap.Error(err))
	}
}

func (o *Orchestrator) pollAttempt(ctx context.Context, clientID, callID string, report *RunReport, log *zap.Logger) {
	call, err := o.gateway.GetStatus(ctx, callID)
	if err != nil {
		log.Error("poll status failed", zap.String("call_id", callID), zap.Error(err))
		report.Failed++
		return
	}
	report.Polled++

	finalize := call.Status.Ended() || (o.opts.FinalizeTerminal && call.Status.Terminal())
	if !finalize {
		log.Debug("call still pending", zap.String("call_id", callID), zap.String("status", string(call.Status)))
		return
	}

	outcome := model.CallOutcome{
		Status:      string(call.Status),
		EndedReason: call.EndedReason,
		Transcript:  call.Transcript,
		Summary:     call.Summary,
		RecordedAt:  o.clock.Now(),
	}

	if o.opts.Analyzer != nil && call.Status.Ended() && call.Transcript != "" {
		analysis, err := o.opts.Analyzer.Analyze(ctx, call.Transcript)
		if err != nil {
			// The outcome is still recorded; analysis is best effort.
			log.Warn("transcript analysis failed", zap.String("call_id", callID), zap.Error(err))
		} else {
			outcome.Analysis = analysis
		}
	}

	if err := o.store.SetOutcomeIfAbsent(ctx, clientID, callID, outcome); err != nil {
		log.Error("record outcome failed", zap.String("call_id", callID), zap.Error(err))
		report.Failed++
		return
	}

	log.Info("outcome recorded",
		zap.String("call_id", callID),
		zap.String("status", string(call.Status)),
		zap.String("ended_reason", call.EndedReason))
	report.Finalized++
}
