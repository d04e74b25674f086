package schedule

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"calsched/internal/model"
	"calsched/internal/version"
)

// ErrMalformedMessage reports a message that cannot be classified. It is
// carried on Result.ErrorCode, never returned from Resolve.
var ErrMalformedMessage = errors.New("malformed scheduling message")

// ErrorCode identifies why a message could not be classified.
type ErrorCode string

const ErrorMalformedMessage ErrorCode = "malformed-message"

// Outcome is the classification of a message.
type Outcome string

const (
	OutcomeIgnored     Outcome = "ignored"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeUpdated     Outcome = "updated"
	OutcomeErrored     Outcome = "errored"
)

// Status is the per-recipient scheduling status.
type Status string

const (
	// StatusDelivered: the message changed the entity and was delivered.
	StatusDelivered Status = "delivered"
	// StatusNoChange: replay of the accepted version; nothing new to deliver.
	StatusNoChange Status = "no-change"
	// StatusSuperseded: a newer version was already accepted; discarded.
	StatusSuperseded Status = "superseded"
)

// RequestStatus maps the status to an iTIP REQUEST-STATUS value.
func (s Status) RequestStatus() string {
	switch s {
	case StatusDelivered:
		return "2.0;Success"
	case StatusNoChange:
		return "2.0;Success, no change"
	case StatusSuperseded:
		return "2.8;Success, message superseded and ignored"
	default:
		return "5.1;Service unavailable"
	}
}

// RecipientResult is the outcome for one internal recipient.
type RecipientResult struct {
	Recipient string          `json:"recipient"`
	Status    Status          `json:"status"`
	FreeBusy  *model.FreeBusy `json:"free_busy,omitempty"`
}

// Result is the aggregated outcome of one message.
type Result struct {
	ErrorCode ErrorCode `json:"error_code,omitempty"`
	ExtraInfo string    `json:"extra_info,omitempty"`

	Ignored    bool `json:"ignored"`
	Reschedule bool `json:"reschedule"`
	Update     bool `json:"update"`

	// RecipientResults is keyed by the recipient address as given in the
	// message.
	RecipientResults   map[string]RecipientResult `json:"recipient_results"`
	ExternalRecipients []string                   `json:"external_recipients"`

	// Collection is the collection version stamped by a Rescheduled outcome.
	Collection *version.Collection `json:"collection,omitempty"`
}

func newResult() *Result {
	return &Result{RecipientResults: make(map[string]RecipientResult)}
}

func malformed(err error) *Result {
	r := newResult()
	r.ErrorCode = ErrorMalformedMessage
	r.ExtraInfo = strings.TrimPrefix(err.Error(), ErrMalformedMessage.Error()+": ")
	return r
}

// Outcome reports which flag is set.
func (r *Result) Outcome() Outcome {
	switch {
	case r.ErrorCode != "":
		return OutcomeErrored
	case r.Ignored:
		return OutcomeIgnored
	case r.Reschedule:
		return OutcomeRescheduled
	case r.Update:
		return OutcomeUpdated
	default:
		return OutcomeErrored
	}
}

// Err returns a non-nil error matching ErrMalformedMessage when the message
// was rejected.
func (r *Result) Err() error {
	if r.ErrorCode == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMalformedMessage, r.ExtraInfo)
}

// Recipients returns the internal recipient results ordered by address.
func (r *Result) Recipients() []RecipientResult {
	out := make([]RecipientResult, 0, len(r.RecipientResults))
	for _, rr := range r.RecipientResults {
		out = append(out, rr)
	}
	slices.SortFunc(out, func(a, b RecipientResult) int {
		return strings.Compare(a.Recipient, b.Recipient)
	})
	return out
}

func (r *Result) setOutcome(o Outcome) {
	r.Ignored = o == OutcomeIgnored
	r.Reschedule = o == OutcomeRescheduled
	r.Update = o == OutcomeUpdated
}

func statusFor(o Outcome) Status {
	switch o {
	case OutcomeIgnored:
		return StatusSuperseded
	case OutcomeUpdated:
		return StatusNoChange
	default:
		return StatusDelivered
	}
}
