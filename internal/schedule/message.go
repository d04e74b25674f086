package schedule

import (
	"fmt"
	"strings"
	"time"

	"calsched/internal/model"
)

// Message is an inbound iTIP scheduling message as handed over by the
// transport.
type Message struct {
	UID      string
	Sequence int64
	DTStamp  time.Time
	Method   model.Method

	Organizer *model.Organizer
	// Originator is the sender address. It stands in for a missing
	// organizer when building free/busy queries.
	Originator string
	Attendees  []model.Attendee
	// Recipients are the addresses the message is delivered to. When empty,
	// the attendee addresses are used.
	Recipients []string

	EntityType model.EntityType
	// CollectionPath is the collection stamped on acceptance. Empty means
	// the resolver's default collection.
	CollectionPath string

	Start     time.Time
	End       time.Time
	Recurring bool
}

// validate returns a copy of m with defaults applied, or an error
// describing why the message cannot be classified.
func (m Message) validate() (Message, error) {
	m.UID = strings.TrimSpace(m.UID)
	if m.UID == "" {
		return m, fmt.Errorf("%w: missing UID", ErrMalformedMessage)
	}
	if m.EntityType == "" {
		m.EntityType = model.EntityEvent
	}
	switch m.EntityType {
	case model.EntityEvent, model.EntityFreeBusy:
	default:
		return m, fmt.Errorf("%w: unknown entity type %q", ErrMalformedMessage, m.EntityType)
	}

	hasOrganizer := m.Organizer != nil && model.NormalizeAddress(m.Organizer.Address) != ""
	if !hasOrganizer && model.NormalizeAddress(m.Originator) == "" {
		return m, fmt.Errorf("%w: missing organizer and originator", ErrMalformedMessage)
	}

	if len(m.Recipients) == 0 {
		for _, a := range m.Attendees {
			m.Recipients = append(m.Recipients, a.Address)
		}
	}
	if len(m.Recipients) == 0 {
		return m, fmt.Errorf("%w: no recipients", ErrMalformedMessage)
	}
	for _, r := range m.Recipients {
		if model.NormalizeAddress(r) == "" {
			return m, fmt.Errorf("%w: empty recipient address", ErrMalformedMessage)
		}
	}

	if m.EntityType == model.EntityFreeBusy {
		return m, nil
	}
	if m.Sequence < 0 {
		return m, fmt.Errorf("%w: negative SEQUENCE %d", ErrMalformedMessage, m.Sequence)
	}
	if m.DTStamp.IsZero() {
		return m, fmt.Errorf("%w: missing DTSTAMP", ErrMalformedMessage)
	}
	return m, nil
}
