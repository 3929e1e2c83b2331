// Package ics reads and writes household events in the iCalendar
// interchange format and fetches published feeds.
package ics

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/beekhof/household-calendar-sync/internal/model"
)

const (
	// ProductID identifies this engine as the producer of a document.
	ProductID = "-//Household Calendar Sync//Calendar Export//EN"
	// UIDDomain is appended to external ids that carry no domain of their own.
	UIDDomain = "household-calendar-sync"
	// PropSource carries the dedup marker of locally originated events.
	PropSource = "X-HEARTH-SOURCE"

	dateLayout     = "20060102"
	dateTimeLayout = "20060102T150405"
	stampLayout    = "20060102T150405Z"

	crlf         = "\r\n"
	maxLineOctet = 75
)

var categoryLabels = map[model.Category]string{
	model.CategoryMeal:     "Meal",
	model.CategoryActivity: "Activity",
}

// Generate serializes events into a published calendar named calendarName.
// Every record gets a UID; events without an external id get a fresh one.
func Generate(events []model.ExternalEvent, calendarName string) string {
	return generateAt(events, calendarName, time.Now())
}

func generateAt(events []model.ExternalEvent, calendarName string, now time.Time) string {
	w := &lineWriter{}

	w.prop("BEGIN", "VCALENDAR")
	w.prop("VERSION", "2.0")
	w.prop("PRODID", ProductID)
	w.prop("X-WR-CALNAME", escapeText(calendarName))
	w.prop("CALSCALE", "GREGORIAN")
	w.prop("METHOD", "PUBLISH")

	stamp := now.UTC().Format(stampLayout)
	for _, ev := range events {
		ev.Normalize()

		w.prop("BEGIN", "VEVENT")
		w.prop("UID", uidFor(ev.ExternalID))
		w.prop("DTSTAMP", stamp)
		if ev.AllDay {
			w.prop("DTSTART;VALUE=DATE", ev.Start.Format(dateLayout))
			w.prop("DTEND;VALUE=DATE", ev.End.Format(dateLayout))
		} else {
			w.prop("DTSTART", ev.Start.UTC().Format(dateTimeLayout))
			w.prop("DTEND", ev.End.UTC().Format(dateTimeLayout))
		}
		w.prop("SUMMARY", escapeText(ev.Title))
		if ev.Description != "" {
			w.prop("DESCRIPTION", escapeText(ev.Description))
		}
		if ev.Location != "" {
			w.prop("LOCATION", escapeText(ev.Location))
		}
		if label, ok := categoryLabels[ev.Category]; ok {
			w.prop("CATEGORIES", label)
		}
		if marker := ev.Source.Marker(); marker != "" {
			w.prop(PropSource, escapeText(marker))
		}
		w.prop("END", "VEVENT")
	}

	w.prop("END", "VCALENDAR")
	return w.String()
}

// uidFor reuses an existing id, adding the domain when it has none.
func uidFor(externalID string) string {
	if externalID == "" {
		return uuid.NewString() + "@" + UIDDomain
	}
	if strings.Contains(externalID, "@") {
		return externalID
	}
	return externalID + "@" + UIDDomain
}

// escapeText applies TEXT value escaping (RFC 5545 section 3.3.11).
func escapeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case ';':
			b.WriteString(`\;`)
		case ',':
			b.WriteString(`\,`)
		case '\r':
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			b.WriteString(`\n`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

type lineWriter struct {
	b strings.Builder
}

func (w *lineWriter) prop(name, value string) {
	w.fold(name + ":" + value)
}

// fold splits content lines longer than 75 octets without breaking a
// UTF-8 sequence; continuation lines start with a single space.
func (w *lineWriter) fold(line string) {
	limit := maxLineOctet
	for len(line) > limit {
		cut := limit
		for cut > 0 && !isRuneStart(line[cut]) {
			cut--
		}
		w.b.WriteString(line[:cut])
		w.b.WriteString(crlf)
		w.b.WriteByte(' ')
		line = line[cut:]
		limit = maxLineOctet - 1
	}
	w.b.WriteString(line)
	w.b.WriteString(crlf)
}

func (w *lineWriter) String() string {
	return w.b.String()
}

func isRuneStart(c byte) bool {
	return c&0xC0 != 0x80
}
