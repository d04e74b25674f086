package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// EntityType is the kind of calendar component a scheduling message targets.
type EntityType string

const (
	EntityEvent    EntityType = "EVENT"
	EntityFreeBusy EntityType = "FREE_BUSY"
)

// Method is the iTIP method of a scheduling message.
type Method string

const (
	MethodPublish        Method = "PUBLISH"
	MethodRequest        Method = "REQUEST"
	MethodReply          Method = "REPLY"
	MethodAdd            Method = "ADD"
	MethodCancel         Method = "CANCEL"
	MethodRefresh        Method = "REFRESH"
	MethodCounter        Method = "COUNTER"
	MethodDeclineCounter Method = "DECLINECOUNTER"
)

// ParseMethod maps an iTIP METHOD value to a Method. Unknown values return false.
func ParseMethod(s string) (Method, bool) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case MethodPublish, MethodRequest, MethodReply, MethodAdd,
		MethodCancel, MethodRefresh, MethodCounter, MethodDeclineCounter:
		return m, true
	}
	return "", false
}

// Organizer is the calendar user that owns a scheduled entity.
type Organizer struct {
	Address    string // calendar user address, usually mailto:
	CommonName string
}

// Attendee is a participant of a scheduled entity.
type Attendee struct {
	Address             string
	CommonName          string
	ParticipationStatus string // PARTSTAT, empty when unknown
	RSVP                bool
}

// Event is a scheduled calendar entity as seen by the scheduling core.
type Event struct {
	UID      string
	Sequence int64
	DTStamp  time.Time

	Summary  string
	Location string

	Organizer *Organizer
	Attendees []Attendee

	Start     time.Time
	End       time.Time
	Recurring bool
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	if e.Organizer != nil {
		org := *e.Organizer
		out.Organizer = &org
	}
	out.Attendees = slices.Clone(e.Attendees)
	return &out
}

// FreeBusy is a synthesized VFREEBUSY query.
type FreeBusy struct {
	UID     string
	DTStamp time.Time

	Method    Method
	Organizer *Organizer
	Attendees []Attendee

	Start    time.Time
	End      time.Time
	Duration time.Duration

	Recurring bool
	// NoStart is true when the component has no DTSTART. Synthesized
	// queries always carry one.
	NoStart bool
}

// Type reports the entity type of a free/busy component.
func (f *FreeBusy) Type() EntityType {
	return EntityFreeBusy
}

// ISODuration returns Duration in RFC 5545 form, e.g. PT1H.
func (f *FreeBusy) ISODuration() string {
	return FormatDuration(f.Duration)
}

// Clone returns a deep copy of the free/busy query.
func (f *FreeBusy) Clone() *FreeBusy {
	if f == nil {
		return nil
	}
	out := *f
	if f.Organizer != nil {
		org := *f.Organizer
		out.Organizer = &org
	}
	out.Attendees = slices.Clone(f.Attendees)
	return &out
}

// NormalizeAddress lowercases a calendar user address and strips a leading
// mailto: scheme so that addresses from different sources compare equal.
func NormalizeAddress(addr string) string {
	a := strings.TrimSpace(addr)
	if len(a) >= len("mailto:") && strings.EqualFold(a[:len("mailto:")], "mailto:") {
		a = a[len("mailto:"):]
	}
	return strings.ToLower(a)
}

// MailtoURI returns addr as a mailto: URI.
func MailtoURI(addr string) string {
	return "mailto:" + NormalizeAddress(addr)
}

// AddressDomain returns the part of an address after the last '@', or "".
func AddressDomain(addr string) string {
	a := NormalizeAddress(addr)
	i := strings.LastIndexByte(a, '@')
	if i < 0 || i == len(a)-1 {
		return ""
	}
	return a[i+1:]
}

// FormatDuration renders d as an RFC 5545 DURATION value with whole-second
// precision.
func FormatDuration(d time.Duration) string {
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	b.WriteByte('P')

	secs := int64(d / time.Second)
	days := secs / 86400
	secs %= 86400
	h, m, s := secs/3600, secs%3600/60, secs%60

	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	if h == 0 && m == 0 && s == 0 {
		if days == 0 {
			b.WriteString("T0S")
		}
		return b.String()
	}
	b.WriteByte('T')
	if h > 0 {
		fmt.Fprintf(&b, "%dH", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	if s > 0 {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}
