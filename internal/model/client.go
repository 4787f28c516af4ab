package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Source identifies the lead list a client record came from. Sources are
// data-driven: the set of valid sources is whatever the campaign catalog
// configures, not a closed enum.
type Source string

// Stage identifies which step of the call campaign an attempt belongs to.
type Stage string

const (
	StageInitial  Stage = "initial"
	StageThankYou Stage = "thank_you"
)

// CallOutcome is the terminal status payload reported by the call gateway
// for a finished call. Once recorded on an attempt it is never overwritten.
type CallOutcome struct {
	Status      string    `json:"status"`
	EndedReason string    `json:"ended_reason,omitempty"`
	Transcript  string    `json:"transcript,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Analysis    *Analysis `json:"analysis,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Analysis holds the structured classification of a call transcript.
// Y/N/? fields follow the scoring sheet used by the sales team.
type Analysis struct {
	Qualification       string  `json:"qualification"`
	Upsell              string  `json:"upsell"`
	UpsellValue         float64 `json:"upsell_value,omitempty"`
	InterestedInPodcast string  `json:"interested_in_podcast"`
	Linkedin            string  `json:"linkedin"`
	NPS                 int     `json:"nps"`
	Why                 string  `json:"why,omitempty"`
}

// CallAttempt is one entry in a client's append-only call history.
// Outcome is nil while the call has not reached a recorded terminal state.
type CallAttempt struct {
	CallID   string       `json:"call_id"`
	Stage    Stage        `json:"stage"`
	PlacedAt time.Time    `json:"placed_at"`
	Outcome  *CallOutcome `json:"outcome,omitempty"`
}

// Pending reports whether the attempt still awaits a recorded outcome.
func (a CallAttempt) Pending() bool {
	return a.Outcome == nil
}

// ClientRecord is a lead fetched from an upstream feed, plus the call
// lifecycle state the engine maintains for it.
//
// CreatedAt is kept as the raw upstream string because feeds deliver both
// zoned and timezone-naive values; normalization to UTC happens at decision
// time (see internal/timeutil) so a malformed value skips the record instead
// of poisoning ingest.
type ClientRecord struct {
	ID          string         `json:"id"`
	ExternalID  string         `json:"external_id,omitempty"`
	Source      Source         `json:"source"`
	FullName    string         `json:"full_name"`
	PhoneNumber string         `json:"phone_number"`
	Language    string         `json:"language"`
	CreatedAt   string         `json:"created_at"`
	CallCount   int            `json:"call_count"`
	CallHistory []CallAttempt  `json:"call_history"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ErrIneligible marks records that can never be called until the underlying
// data is corrected upstream.
var ErrIneligible = eris.New("model: record ineligible for calling")

// Eligible verifies the contact fields required for call placement. The
// returned error wraps ErrIneligible and names the first missing field.
func (c ClientRecord) Eligible() error {
	switch {
	case c.PhoneNumber == "":
		return eris.Wrap(ErrIneligible, "missing phone_number")
	case c.FullName == "":
		return eris.Wrap(ErrIneligible, "missing full_name")
	case c.Language == "":
		return eris.Wrap(ErrIneligible, "missing language")
	}
	return nil
}

// HasStage reports whether any attempt at the given stage exists in history.
func (c ClientRecord) HasStage(stage Stage) bool {
	for _, a := range c.CallHistory {
		if a.Stage == stage {
			return true
		}
	}
	return false
}

// PendingAttempts returns the history entries that still lack an outcome.
func (c ClientRecord) PendingAttempts() []CallAttempt {
	var pending []CallAttempt
	for _, a := range c.CallHistory {
		if a.Pending() {
			pending = append(pending, a)
		}
	}
	return pending
}
