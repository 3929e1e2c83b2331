package model

import (
	"strconv"
	"time"
)

// Origin records whether a local event was created by the household app or
// pulled in from an external calendar.
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginImported Origin = "imported"
)

// LocalEvent is a row of the application's own event store. Rows with
// OriginLocal are the source entities exported to remote calendars.
type LocalEvent struct {
	ID          int64
	UserID      string
	Origin      Origin
	ExternalID  string // set for imported rows
	RemoteID    string // last remote id this row was exported to
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Category    Category
	Source      SourceRef
}

// SourceRef returns the entity reference used for the dedup marker. Rows
// without an explicit reference fall back to their own id.
func (l LocalEvent) SourceRef() SourceRef {
	if !l.Source.IsZero() {
		return l.Source
	}
	return SourceRef{Type: "event", ID: strconv.FormatInt(l.ID, 10)}
}

// ToExternal builds the transfer representation of the row.
func (l LocalEvent) ToExternal() ExternalEvent {
	ev := ExternalEvent{
		ExternalID:  l.ExternalID,
		Title:       l.Title,
		Description: l.Description,
		Start:       l.Start,
		End:         l.End,
		AllDay:      l.AllDay,
		Location:    l.Location,
		Category:    l.Category,
		Source:      l.SourceRef(),
	}
	ev.Normalize()
	return ev
}

// LocalFromExternal builds a new imported row for userID.
func LocalFromExternal(userID string, ev ExternalEvent) LocalEvent {
	return LocalEvent{
		UserID:      userID,
		Origin:      OriginImported,
		ExternalID:  ev.ExternalID,
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       ev.Start,
		End:         ev.End,
		AllDay:      ev.AllDay,
		Category:    ev.Category,
		Source:      ev.Source,
	}
}
