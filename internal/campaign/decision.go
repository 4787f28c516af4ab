package campaign

import (
	"time"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/timeutil"
)

// ActionKind enumerates what the engine does with a record this run.
type ActionKind int

const (
	// ActionNone means no rule matched; the record waits for time to pass.
	ActionNone ActionKind = iota
	// ActionSkip means the record cannot be acted on (missing contact
	// fields, malformed created-at) until its data is corrected upstream.
	ActionSkip
	// ActionPlaceInitial places the first offer call.
	ActionPlaceInitial
	// ActionPlaceThankYou places the follow-up thank-you call.
	ActionPlaceThankYou
	// ActionPoll checks the gateway status of pending attempts.
	ActionPoll
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionSkip:
		return "skip"
	case ActionPlaceInitial:
		return "place_initial"
	case ActionPlaceThankYou:
		return "place_thank_you"
	case ActionPoll:
		return "poll"
	}
	return "unknown"
}

// Decision is the single action selected for a record.
type Decision struct {
	Action ActionKind
	// Reason explains a skip.
	Reason string
	// Stage is set for placement actions.
	Stage model.Stage
	// PollCallIDs lists the pending call ids to check for ActionPoll.
	PollCallIDs []string
}

// Decide evaluates the priority rules for one record against a fixed now and
// returns the first matching action. It performs no I/O, so the full rule
// matrix is testable with constructed records.
//
// The rule order guarantees at most one state transition per record per run:
// a pending earlier-stage attempt blocks placement because call_count already
// reflects it, and polling only runs when no placement is due.
func Decide(rec model.ClientRecord, camp SourceCampaign, fallback *time.Location, now time.Time) Decision {
	if err := rec.Eligible(); err != nil {
		return Decision{Action: ActionSkip, Reason: err.Error()}
	}

	createdAt, err := timeutil.Normalize(rec.CreatedAt, fallback)
	if err != nil {
		return Decision{Action: ActionSkip, Reason: err.Error()}
	}
	age := now.Sub(createdAt)

	if rec.CallCount == 0 && age >= camp.InitialAfter {
		return Decision{Action: ActionPlaceInitial, Stage: model.StageInitial}
	}

	if rec.CallCount == 1 && age >= camp.ThankYouAfter && !rec.HasStage(model.StageThankYou) {
		return Decision{Action: ActionPlaceThankYou, Stage: model.StageThankYou}
	}

	if pending := rec.PendingAttempts(); len(pending) > 0 {
		ids := make([]string, len(pending))
		for i, a := range pending {
			ids[i] = a.CallID
		}
		return Decision{Action: ActionPoll, PollCallIDs: ids}
	}

	return Decision{Action: ActionNone}
}
