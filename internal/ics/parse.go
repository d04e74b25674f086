package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "calsched/internal/log"
	"calsched/internal/model"
	"calsched/internal/schedule"
)

var (
	// ErrNoComponent is returned when the calendar holds no VEVENT or
	// VFREEBUSY.
	ErrNoComponent = errors.New("no VEVENT or VFREEBUSY component")
	// ErrInvalidProperty reports a property value that cannot be parsed.
	ErrInvalidProperty = errors.New("invalid iCalendar property")
)

// ParseMessage parses an iTIP body into a scheduling message. Only the
// first VEVENT or VFREEBUSY is read. Recurrence rules are validated but not
// expanded.
func ParseMessage(body []byte) (schedule.Message, error) {
	var msg schedule.Message
	if len(body) == 0 {
		return msg, errors.New("empty iCalendar body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err)
		return msg, err
	}

	for _, p := range cal.CalendarProperties {
		if strings.EqualFold(p.IANAToken, "METHOD") {
			m, ok := model.ParseMethod(p.Value)
			if !ok {
				return msg, fmt.Errorf("%w: METHOD %q", ErrInvalidProperty, p.Value)
			}
			msg.Method = m
		}
	}

	var cb *ical.ComponentBase
	for _, comp := range cal.Components {
		switch c := comp.(type) {
		case *ical.VEvent:
			cb, msg.EntityType = &c.ComponentBase, model.EntityEvent
		case *ical.VBusy:
			cb, msg.EntityType = &c.ComponentBase, model.EntityFreeBusy
		}
		if cb != nil {
			break
		}
	}
	if cb == nil {
		return msg, ErrNoComponent
	}

	if err := readComponent(cb, &msg); err != nil {
		appLog.Error("ics component parse failed", err, "uid", msg.UID)
		return msg, err
	}

	msg.Originator = originator(msg)
	msg.Recipients = recipients(msg)

	appLog.Debug("ics message parsed",
		"uid", msg.UID,
		"method", string(msg.Method),
		"entity", string(msg.EntityType),
		"recipients", len(msg.Recipients),
	)
	return msg, nil
}

func readComponent(cb *ical.ComponentBase, msg *schedule.Message) error {
	var (
		duration time.Duration
		rawRule  string
	)
	for _, p := range cb.Properties {
		var err error
		switch strings.ToUpper(p.IANAToken) {
		case "UID":
			msg.UID = strings.TrimSpace(p.Value)
		case "SEQUENCE":
			msg.Sequence, err = strconv.ParseInt(strings.TrimSpace(p.Value), 10, 64)
		case "DTSTAMP":
			msg.DTStamp, err = parseTime(p.Value, param(p.ICalParameters, "TZID"))
		case "DTSTART":
			msg.Start, err = parseTime(p.Value, param(p.ICalParameters, "TZID"))
		case "DTEND":
			msg.End, err = parseTime(p.Value, param(p.ICalParameters, "TZID"))
		case "DURATION":
			duration, err = ParseDuration(p.Value)
		case "RRULE":
			rawRule = p.Value
		case "ORGANIZER":
			msg.Organizer = &model.Organizer{
				Address:    strings.TrimSpace(p.Value),
				CommonName: param(p.ICalParameters, "CN"),
			}
		case "ATTENDEE":
			msg.Attendees = append(msg.Attendees, model.Attendee{
				Address:             strings.TrimSpace(p.Value),
				CommonName:          param(p.ICalParameters, "CN"),
				ParticipationStatus: strings.ToUpper(param(p.ICalParameters, "PARTSTAT")),
				RSVP:                strings.EqualFold(param(p.ICalParameters, "RSVP"), "TRUE"),
			})
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidProperty, p.IANAToken, err)
		}
	}

	if msg.End.IsZero() && duration > 0 && !msg.Start.IsZero() {
		msg.End = msg.Start.Add(duration)
	}

	if rawRule != "" {
		r, err := rrule.StrToRRule(rawRule)
		if err != nil {
			return fmt.Errorf("%w: RRULE: %v", ErrInvalidProperty, err)
		}
		if !msg.Start.IsZero() {
			r.DTStart(msg.Start)
			if r.After(msg.Start, true).IsZero() {
				return fmt.Errorf("%w: RRULE %q has no occurrence from DTSTART", ErrInvalidProperty, rawRule)
			}
		}
		msg.Recurring = true
	}
	return nil
}

// originator is the sender: the organizer for requests, the replying
// attendee for replies.
func originator(msg schedule.Message) string {
	switch msg.Method {
	case model.MethodReply, model.MethodRefresh, model.MethodCounter:
		if len(msg.Attendees) > 0 {
			return msg.Attendees[0].Address
		}
	default:
		if msg.Organizer != nil {
			return msg.Organizer.Address
		}
	}
	return ""
}

// recipients are the organizer for attendee-originated methods, and the
// attendees other than the organizer otherwise.
func recipients(msg schedule.Message) []string {
	switch msg.Method {
	case model.MethodReply, model.MethodRefresh, model.MethodCounter:
		if msg.Organizer != nil && msg.Organizer.Address != "" {
			return []string{msg.Organizer.Address}
		}
		return nil
	}

	var organizer string
	if msg.Organizer != nil {
		organizer = model.NormalizeAddress(msg.Organizer.Address)
	}
	var out []string
	for _, a := range msg.Attendees {
		if model.NormalizeAddress(a.Address) == organizer {
			continue
		}
		out = append(out, a.Address)
	}
	return out
}

func param(params map[string][]string, key string) string {
	for k, v := range params {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return strings.Trim(v[0], `"`)
		}
	}
	return ""
}

// parseTime parses DATE and DATE-TIME values. Floating times and unknown
// TZIDs are read as UTC.
func parseTime(v, tzid string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	loc := time.UTC
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		} else {
			appLog.Warn("unknown TZID, using UTC", "tzid", tzid)
		}
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}
