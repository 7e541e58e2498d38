// Package codec converts between iCalendar objects and store.Event.
//
// Decoding keeps the original bytes in Event.Raw. Encoding starts from Raw
// when it parses, so properties the event model does not carry (alarms,
// exceptions, X- properties) survive a round trip through the sync engine.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/cyp0633/calmirror/store"
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed calendar object")

// ProductID is written into every encoded calendar.
const ProductID = "-//calmirror//calmirror//EN"

// Decode parses a calendar object holding one event, including its
// recurrence overrides. The returned event has UID, Sequence, payload fields
// and Raw set; CalendarID, Href, RevisionTag and SyncStatus are left to the
// caller.
func Decode(raw []byte) (store.Event, error) {
	cal, err := parse(raw)
	if err != nil {
		return store.Event{}, err
	}

	master, err := masterEvent(cal)
	if err != nil {
		return store.Event{}, err
	}

	uid, err := master.Props.Text(ical.PropUID)
	if err != nil || strings.TrimSpace(uid) == "" {
		return store.Event{}, fmt.Errorf("%w: missing UID", ErrMalformed)
	}

	seq, err := componentSequence(master.Component)
	if err != nil {
		return store.Event{}, err
	}

	ev := store.Event{
		UID:      uid,
		Sequence: seq,
		Raw:      append([]byte(nil), raw...),
	}
	ev.Summary = textProp(master.Component, ical.PropSummary)
	ev.Description = textProp(master.Component, ical.PropDescription)
	ev.Location = textProp(master.Component, ical.PropLocation)

	if prop := master.Props.Get(ical.PropDateTimeStart); prop != nil {
		start, err := prop.DateTime(time.UTC)
		if err != nil {
			return store.Event{}, fmt.Errorf("%w: invalid DTSTART: %v", ErrMalformed, err)
		}
		ev.Start = start.UTC()
		ev.AllDay = prop.ValueType() == ical.ValueDate
		ev.End, err = endTime(master.Component, ev.Start, ev.AllDay)
		if err != nil {
			return store.Event{}, err
		}
	}

	if prop := master.Props.Get(ical.PropRecurrenceRule); prop != nil && prop.Value != "" {
		if _, err := rrule.StrToRRule(prop.Value); err != nil {
			return store.Event{}, fmt.Errorf("%w: invalid RRULE %q: %v", ErrMalformed, prop.Value, err)
		}
		ev.RRule = prop.Value
	}

	if prop := master.Props.Get(ical.PropOrganizer); prop != nil {
		ev.Organizer = prop.Value
	}
	for _, prop := range master.Props.Values(ical.PropAttendee) {
		ev.Attendees = append(ev.Attendees, prop.Value)
	}
	for _, prop := range master.Props.Values(ical.PropResources) {
		ev.Resources = append(ev.Resources, splitText(prop.Value)...)
	}

	return ev, nil
}

// Encode renders ev as a calendar object. UID and SEQUENCE always reflect
// ev; DTSTAMP is set to now.
func Encode(ev *store.Event) ([]byte, error) {
	if ev == nil || ev.UID == "" {
		return nil, fmt.Errorf("%w: event without UID", store.ErrInvalidInput)
	}
	if ev.Start.IsZero() {
		return nil, fmt.Errorf("%w: event %s has no start time", store.ErrInvalidInput, ev.UID)
	}
	if ev.RRule != "" {
		if _, err := rrule.StrToRRule(ev.RRule); err != nil {
			return nil, fmt.Errorf("%w: invalid RRULE %q: %v", store.ErrInvalidInput, ev.RRule, err)
		}
	}

	cal, master := baseCalendar(ev)

	props := master.Props
	props.SetText(ical.PropUID, ev.UID)
	setRaw(props, ical.PropSequence, strconv.Itoa(ev.Sequence))
	props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	setOptionalText(props, ical.PropSummary, ev.Summary)
	setOptionalText(props, ical.PropDescription, ev.Description)
	setOptionalText(props, ical.PropLocation, ev.Location)

	props.Del(ical.PropDuration)
	if ev.AllDay {
		props.SetDate(ical.PropDateTimeStart, ev.Start)
		if !ev.End.IsZero() {
			props.SetDate(ical.PropDateTimeEnd, ev.End)
		} else {
			props.Del(ical.PropDateTimeEnd)
		}
	} else {
		props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
		if !ev.End.IsZero() {
			props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
		} else {
			props.Del(ical.PropDateTimeEnd)
		}
	}

	if ev.RRule != "" {
		setRaw(props, ical.PropRecurrenceRule, ev.RRule)
	} else {
		props.Del(ical.PropRecurrenceRule)
	}
	if ev.Organizer != "" {
		setRaw(props, ical.PropOrganizer, ev.Organizer)
	} else {
		props.Del(ical.PropOrganizer)
	}

	props.Del(ical.PropAttendee)
	for _, a := range ev.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = a
		props.Add(p)
	}
	props.Del(ical.PropResources)
	if len(ev.Resources) > 0 {
		p := ical.NewProp(ical.PropResources)
		p.Value = joinText(ev.Resources)
		props.Add(p)
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", ev.UID, err)
	}
	return buf.Bytes(), nil
}

// ExtractUID returns the UID of the event in raw.
func ExtractUID(raw []byte) (string, error) {
	cal, err := parse(raw)
	if err != nil {
		return "", err
	}
	master, err := masterEvent(cal)
	if err != nil {
		return "", err
	}
	uid, err := master.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return "", fmt.Errorf("%w: missing UID", ErrMalformed)
	}
	return uid, nil
}

// ExtractSequence returns the highest SEQUENCE among the events in raw.
// ok is false when raw does not parse or carries no SEQUENCE at all.
func ExtractSequence(raw []byte) (seq int, ok bool) {
	if len(raw) == 0 {
		return 0, false
	}
	cal, err := parse(raw)
	if err != nil {
		return 0, false
	}
	for _, ev := range cal.Events() {
		prop := ev.Props.Get(ical.PropSequence)
		if prop == nil {
			continue
		}
		n, err := prop.Int()
		if err != nil || n < 0 {
			continue
		}
		if !ok || n > seq {
			seq = n
		}
		ok = true
	}
	return seq, ok
}

// Participant is one ATTENDEE of an event with its reply.
type Participant struct {
	Address string
	// Status is the PARTSTAT, upper case. NEEDS-ACTION when absent.
	Status string
	// Resource is set for CUTYPE=RESOURCE or ROOM attendees.
	Resource bool
}

// Participants returns the attendees of the master event in raw.
func Participants(raw []byte) ([]Participant, error) {
	cal, err := parse(raw)
	if err != nil {
		return nil, err
	}
	master, err := masterEvent(cal)
	if err != nil {
		return nil, err
	}

	var out []Participant
	for _, prop := range master.Props.Values(ical.PropAttendee) {
		status := strings.ToUpper(prop.Params.Get("PARTSTAT"))
		if status == "" {
			status = "NEEDS-ACTION"
		}
		cutype := strings.ToUpper(prop.Params.Get("CUTYPE"))
		out = append(out, Participant{
			Address:  prop.Value,
			Status:   status,
			Resource: cutype == "RESOURCE" || cutype == "ROOM",
		})
	}
	return out, nil
}

// SameAddress compares two calendar user addresses, ignoring case and the
// mailto: scheme.
func SameAddress(a, b string) bool {
	norm := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		return strings.TrimPrefix(s, "mailto:")
	}
	return a != "" && b != "" && norm(a) == norm(b)
}

// Exdates returns the EXDATE instants of the master event. Date-only values
// are returned as midnight UTC.
func Exdates(raw []byte) ([]time.Time, error) {
	cal, err := parse(raw)
	if err != nil {
		return nil, err
	}
	master, err := masterEvent(cal)
	if err != nil {
		return nil, err
	}

	var out []time.Time
	for _, prop := range master.Props.Values(ical.PropExceptionDates) {
		loc := time.UTC
		if tzid := prop.Params.Get("TZID"); tzid != "" {
			if l, err := time.LoadLocation(tzid); err == nil {
				loc = l
			}
		}
		for _, v := range strings.Split(prop.Value, ",") {
			t, err := parseDateValue(strings.TrimSpace(v), loc)
			if err != nil {
				return nil, fmt.Errorf("%w: EXDATE %q", ErrMalformed, v)
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func parseDateValue(v string, loc *time.Location) (time.Time, error) {
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.Parse("20060102", v)
	}
}

func parse(raw []byte) (*ical.Calendar, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	cal, err := ical.NewDecoder(bytes.NewReader(raw)).Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: no calendar", ErrMalformed)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return cal, nil
}

// masterEvent picks the VEVENT without RECURRENCE-ID, or the first one.
func masterEvent(cal *ical.Calendar) (*ical.Event, error) {
	events := cal.Events()
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no VEVENT", ErrMalformed)
	}
	for i := range events {
		if events[i].Props.Get(ical.PropRecurrenceID) == nil {
			return &events[i], nil
		}
	}
	return &events[0], nil
}

func componentSequence(comp *ical.Component) (int, error) {
	prop := comp.Props.Get(ical.PropSequence)
	if prop == nil {
		return 0, nil
	}
	n, err := prop.Int()
	if err != nil {
		return 0, fmt.Errorf("%w: invalid SEQUENCE %q", ErrMalformed, prop.Value)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative SEQUENCE %d", ErrMalformed, n)
	}
	return n, nil
}

func endTime(comp *ical.Component, start time.Time, allDay bool) (time.Time, error) {
	if prop := comp.Props.Get(ical.PropDateTimeEnd); prop != nil {
		end, err := prop.DateTime(time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid DTEND: %v", ErrMalformed, err)
		}
		return end.UTC(), nil
	}
	if prop := comp.Props.Get(ical.PropDuration); prop != nil {
		d, err := prop.Duration()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid DURATION: %v", ErrMalformed, err)
		}
		return start.Add(d), nil
	}
	if allDay {
		return start.AddDate(0, 0, 1), nil
	}
	return start, nil
}

// baseCalendar reuses the stored payload when it parses and still describes
// the same event, otherwise it starts a fresh calendar.
func baseCalendar(ev *store.Event) (*ical.Calendar, *ical.Event) {
	if len(ev.Raw) > 0 {
		if cal, err := parse(ev.Raw); err == nil {
			if master, err := masterEvent(cal); err == nil {
				if uid, _ := master.Props.Text(ical.PropUID); uid == ev.UID {
					cal.Props.SetText(ical.PropProductID, ProductID)
					setRaw(cal.Props, ical.PropVersion, "2.0")
					return cal, master
				}
			}
		}
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, ProductID)
	setRaw(cal.Props, ical.PropVersion, "2.0")

	event := ical.NewEvent()
	cal.Children = append(cal.Children, event.Component)
	return cal, event
}

func textProp(comp *ical.Component, name string) string {
	v, err := comp.Props.Text(name)
	if err != nil {
		return ""
	}
	return v
}

func setOptionalText(props ical.Props, name, value string) {
	if value == "" {
		props.Del(name)
		return
	}
	props.SetText(name, value)
}

// setRaw stores value verbatim without a VALUE parameter.
func setRaw(props ical.Props, name, value string) {
	p := ical.NewProp(name)
	p.Value = value
	props.Set(p)
}

// splitText splits a comma separated TEXT list, honoring escapes.
func splitText(v string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c == '\\' && i+1 < len(v):
			i++
			switch v[i] {
			case 'n', 'N':
				cur.WriteByte('\n')
			default:
				cur.WriteByte(v[i])
			}
		case c == ',':
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func joinText(values []string) string {
	r := strings.NewReplacer(`\`, `\\`, `,`, `\,`, `;`, `\;`, "\n", `\n`)
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = r.Replace(v)
	}
	return strings.Join(escaped, ",")
}
