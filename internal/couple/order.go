package couple

import (
	"sort"
	"time"
)

const dayKeyLayout = "2006-01-02"

// LessNotes orders the notes feed newest first.
func LessNotes(a, b Note) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// LessBucketItems orders open items before completed ones. Open items follow their explicit
// position and then creation time; completed items follow creation time only.
func LessBucketItems(a, b BucketItem) bool {
	if a.IsDone != b.IsDone {
		return !a.IsDone
	}
	if !a.IsDone && a.Position != b.Position {
		return a.Position < b.Position
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// LessEvents orders calendar events by start time.
func LessEvents(a, b Event) bool {
	if !a.StartsAt.Equal(b.StartsAt) {
		return a.StartsAt.Before(b.StartsAt)
	}
	return a.ID < b.ID
}

// ActiveEventCutoff returns the earliest start time shown in the calendar, 24 hours before now.
func ActiveEventCutoff(now time.Time) time.Time {
	return now.Add(-24 * time.Hour)
}

// IsActiveEvent reports whether event belongs to the active calendar view at now.
func IsActiveEvent(event Event, now time.Time) bool {
	return !event.StartsAt.Before(ActiveEventCutoff(now))
}

// DayGroup collects the events starting on one calendar day.
type DayGroup struct {
	Day    string
	Events []Event
}

// GroupEventsByDay buckets events by their UTC start date. Groups and the events inside them are
// ordered by start time.
func GroupEventsByDay(events []Event) []DayGroup {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return LessEvents(sorted[i], sorted[j])
	})

	groups := make([]DayGroup, 0)
	for _, event := range sorted {
		key := event.StartsAt.UTC().Format(dayKeyLayout)
		if len(groups) == 0 || groups[len(groups)-1].Day != key {
			groups = append(groups, DayGroup{Day: key})
		}
		last := &groups[len(groups)-1]
		last.Events = append(last.Events, event)
	}
	return groups
}
