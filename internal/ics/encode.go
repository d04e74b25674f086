package ics

import (
	"errors"

	ical "github.com/arran4/golang-ical"

	"calsched/internal/model"
)

const (
	productID      = "-//calsched//scheduling core//EN"
	dateTimeLayout = "20060102T150405Z"
)

// EncodeFreeBusy renders fb as a METHOD:REQUEST calendar holding one
// VFREEBUSY.
func EncodeFreeBusy(fb *model.FreeBusy) (string, error) {
	if fb == nil {
		return "", errors.New("nil free/busy query")
	}
	if fb.Organizer == nil {
		return "", errors.New("free/busy query without organizer")
	}

	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodRequest)

	v := cal.AddBusy(fb.UID)
	v.SetProperty(ical.ComponentProperty("DTSTAMP"), fb.DTStamp.UTC().Format(dateTimeLayout))
	if !fb.NoStart {
		v.SetProperty(ical.ComponentPropertyDtStart, fb.Start.UTC().Format(dateTimeLayout))
	}
	v.SetProperty(ical.ComponentPropertyDtEnd, fb.End.UTC().Format(dateTimeLayout))
	v.SetProperty(ical.ComponentProperty("ORGANIZER"), model.MailtoURI(fb.Organizer.Address), cnParams(fb.Organizer.CommonName)...)
	for _, a := range fb.Attendees {
		v.AddProperty(ical.ComponentProperty("ATTENDEE"), model.MailtoURI(a.Address), cnParams(a.CommonName)...)
	}
	return cal.Serialize(), nil
}

func cnParams(cn string) []ical.PropertyParameter {
	if cn == "" {
		return nil
	}
	return []ical.PropertyParameter{ical.WithCN(cn)}
}
