package storage

import (
	"sort"
	"time"
)

// insertEvent adds ev keeping the slice ordered by At. Events almost always
// arrive in order, so the common case is a plain append.
func insertEvent(events []Event, ev Event) []Event {
	n := len(events)
	if n == 0 || !ev.At.Before(events[n-1].At) {
		return append(events, ev)
	}
	i := sort.Search(n, func(i int) bool { return events[i].At.After(ev.At) })
	events = append(events, Event{})
	copy(events[i+1:], events[i:])
	events[i] = ev
	return events
}

// pruneEvents drops events strictly older than cutoff. The input must be
// ordered by At. Returns the kept slice and the number removed.
func pruneEvents(events []Event, cutoff time.Time) ([]Event, int) {
	i := sort.Search(len(events), func(i int) bool { return !events[i].At.Before(cutoff) })
	if i == 0 {
		return events, 0
	}
	kept := make([]Event, len(events)-i)
	copy(kept, events[i:])
	return kept, i
}
