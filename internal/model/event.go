package model

import (
	"fmt"
	"strings"
	"time"
)

// Category tags where an event came from in the household app.
type Category string

const (
	CategoryMeal     Category = "meal"
	CategoryActivity Category = "activity"
	CategoryGeneric  Category = "generic"
)

// ParseCategory maps free text to a category, defaulting to generic.
func ParseCategory(s string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryMeal:
		return CategoryMeal
	case CategoryActivity:
		return CategoryActivity
	default:
		return CategoryGeneric
	}
}

// SourceRef points at the local entity an event was derived from.
type SourceRef struct {
	Type string `json:"type" yaml:"type"`
	ID   string `json:"id" yaml:"id"`
}

// IsZero reports whether the reference is unset.
func (r SourceRef) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

// Marker is the dedup marker stored in the remote event's private metadata.
func (r SourceRef) Marker() string {
	if r.IsZero() {
		return ""
	}
	return r.Type + ":" + r.ID
}

// ParseMarker is the inverse of SourceRef.Marker.
func ParseMarker(marker string) (SourceRef, bool) {
	typ, id, ok := strings.Cut(marker, ":")
	if !ok || typ == "" || id == "" {
		return SourceRef{}, false
	}
	return SourceRef{Type: typ, ID: id}, true
}

// ExternalEvent is the provider-agnostic form of one calendar entry. It is
// rebuilt on every import parse or export read and never stored itself.
type ExternalEvent struct {
	ExternalID  string    `json:"external_id,omitempty" yaml:"external_id,omitempty"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Start       time.Time `json:"start" yaml:"start"`
	End         time.Time `json:"end" yaml:"end"`
	AllDay      bool      `json:"all_day" yaml:"all_day"`
	Location    string    `json:"location,omitempty" yaml:"location,omitempty"`
	Category    Category  `json:"category,omitempty" yaml:"category,omitempty"`
	Source      SourceRef `json:"source,omitempty" yaml:"source,omitempty"`
}

// Normalize truncates all-day timestamps to the day.
func (e *ExternalEvent) Normalize() {
	if e.AllDay {
		e.Start = TruncateDay(e.Start)
		e.End = TruncateDay(e.End)
	}
	if e.Category == "" {
		e.Category = CategoryGeneric
	}
}

// Validate enforces start <= end.
func (e ExternalEvent) Validate() error {
	if e.End.Before(e.Start) {
		return NewError(ErrFormat, "validate event", fmt.Errorf("event %q ends (%s) before it starts (%s)",
			e.Title, e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339)))
	}
	return nil
}

// TruncateDay returns midnight UTC of t's calendar date, read in t's own
// location.
func TruncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
