package reminder

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/cyp0633/calmirror/codec"
	"github.com/cyp0633/calmirror/store"
)

// maxOccurrences bounds the expansion of one event in one window.
const maxOccurrences = 100

// Occurrences returns the start times of ev in [from, to), oldest first.
// EXDATE values found in the event's raw payload are honored.
func Occurrences(ev *store.Event, from, to time.Time) ([]time.Time, error) {
	if ev.Start.IsZero() || !from.Before(to) {
		return nil, nil
	}

	var starts []time.Time
	if ev.RRule == "" {
		if !ev.Start.Before(from) && ev.Start.Before(to) {
			starts = append(starts, ev.Start)
		}
	} else {
		set, err := rrule.StrToRRuleSet(fmt.Sprintf("DTSTART:%s\nRRULE:%s",
			ev.Start.UTC().Format("20060102T150405Z"), ev.RRule))
		if err != nil {
			return nil, fmt.Errorf("failed to parse RRULE %q: %w", ev.RRule, err)
		}
		for _, t := range set.Between(from, to, true) {
			if !t.Before(to) {
				continue
			}
			starts = append(starts, t)
			if len(starts) == maxOccurrences {
				break
			}
		}
	}
	if len(starts) == 0 || len(ev.Raw) == 0 {
		return starts, nil
	}

	exdates, err := codec.Exdates(ev.Raw)
	if err != nil {
		return starts, nil
	}
	kept := starts[:0]
	for _, t := range starts {
		if !excluded(t, exdates) {
			kept = append(kept, t)
		}
	}
	return kept, nil
}

// excluded reports whether t matches an EXDATE. Date-only exceptions,
// stored as midnight UTC, match every occurrence on that day.
func excluded(t time.Time, exdates []time.Time) bool {
	for _, ex := range exdates {
		if t.Equal(ex) {
			return true
		}
		if ex.Location() == time.UTC && ex.Hour() == 0 && ex.Minute() == 0 && ex.Second() == 0 {
			y, m, d := t.UTC().Date()
			if time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Equal(ex) {
				return true
			}
		}
	}
	return false
}
