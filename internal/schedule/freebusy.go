package schedule

import (
	"time"

	"github.com/google/uuid"

	"calsched/internal/model"
)

// FreeBusyParams describes a free/busy query to synthesize. Organizer wins
// over Originator and Attendees win over Recipients when both are set.
type FreeBusyParams struct {
	UID     string
	DTStamp time.Time

	Start time.Time
	End   time.Time

	Organizer  *model.Organizer
	Originator string

	Attendees  []model.Attendee
	Recipients []string
}

// SynthesizeFreeBusyRequest builds a REQUEST free/busy query. It returns
// false when no organizer can be resolved, when no attendee can be
// resolved, or when the time range is missing or inverted.
func SynthesizeFreeBusyRequest(p FreeBusyParams) (*model.FreeBusy, bool) {
	if p.Start.IsZero() || p.End.IsZero() || p.End.Before(p.Start) {
		return nil, false
	}

	var organizer *model.Organizer
	switch {
	case p.Organizer != nil && model.NormalizeAddress(p.Organizer.Address) != "":
		org := *p.Organizer
		organizer = &org
	case model.NormalizeAddress(p.Originator) != "":
		organizer = &model.Organizer{Address: model.MailtoURI(p.Originator)}
	default:
		return nil, false
	}

	var attendees []model.Attendee
	for _, a := range p.Attendees {
		if model.NormalizeAddress(a.Address) != "" {
			attendees = append(attendees, a)
		}
	}
	if len(attendees) == 0 {
		seen := make(map[string]struct{}, len(p.Recipients))
		for _, r := range p.Recipients {
			addr := model.NormalizeAddress(r)
			if addr == "" {
				continue
			}
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			attendees = append(attendees, model.Attendee{Address: model.MailtoURI(addr)})
		}
	}
	if len(attendees) == 0 {
		return nil, false
	}

	uid := p.UID
	if uid == "" {
		uid = uuid.NewString()
	}
	stamp := p.DTStamp
	if stamp.IsZero() {
		stamp = time.Now()
	}

	return &model.FreeBusy{
		UID:       uid,
		DTStamp:   stamp.UTC(),
		Method:    model.MethodRequest,
		Organizer: organizer,
		Attendees: attendees,
		Start:     p.Start.UTC(),
		End:       p.End.UTC(),
		Duration:  p.End.Sub(p.Start),
		Recurring: false,
		NoStart:   false,
	}, true
}
