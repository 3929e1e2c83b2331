package ics

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/beekhof/household-calendar-sync/internal/model"
)

// PlaceholderTitle is used for records that carry no SUMMARY.
const PlaceholderTitle = "Untitled event"

var labelCategories = map[string]model.Category{
	"meal":     model.CategoryMeal,
	"activity": model.CategoryActivity,
}

// Parse reads every VEVENT of an interchange document. A record that cannot
// be decoded or converted (bad content line, missing or unparsable DTSTART,
// end before start) is logged and skipped, as is a trailing record with no
// END:VEVENT; the rest of the document is still returned. Only input that is
// not a calendar at all yields an error.
func Parse(text string) ([]model.ExternalEvent, error) {
	return parseAt(text, time.Now())
}

func parseAt(text string, now time.Time) ([]model.ExternalEvent, error) {
	events := []model.ExternalEvent{}

	blocks, err := splitRecords(text)
	if err != nil {
		return events, model.NewError(model.ErrFormat, "parse calendar", err)
	}

	for i, block := range blocks {
		comp, err := decodeRecord(block)
		if err != nil {
			log.Printf("Warning: skipping calendar record %d: %v", i+1, err)
			continue
		}
		ev, err := toExternalEvent(comp, now)
		if err != nil {
			log.Printf("Warning: skipping calendar record %q: %v", rawValue(comp, ical.PropUID), err)
			continue
		}
		events = append(events, ev)
	}

	return events, nil
}

// splitRecords cuts the document into its BEGIN:VEVENT..END:VEVENT blocks,
// markers included. Anything outside a block is ignored.
func splitRecords(text string) ([]string, error) {
	text = strings.TrimPrefix(text, "\ufeff")
	lines := strings.Split(normalizeLineEndings(text), crlf)

	var (
		blocks  []string
		current []string
		started bool
	)
	for _, line := range lines {
		marker := strings.TrimSpace(line)
		if !started {
			if marker == "" {
				continue
			}
			if !strings.EqualFold(marker, "BEGIN:VCALENDAR") {
				return nil, errors.New("document does not start with BEGIN:VCALENDAR")
			}
			started = true
			continue
		}

		switch {
		case strings.EqualFold(marker, "BEGIN:VEVENT"):
			if current != nil {
				log.Printf("Warning: discarding calendar record without END:VEVENT")
			}
			current = []string{line}
		case current == nil:
			// between records
		case strings.EqualFold(marker, "END:VEVENT"):
			current = append(current, line)
			blocks = append(blocks, strings.Join(current, crlf)+crlf)
			current = nil
		default:
			current = append(current, line)
		}
	}
	if current != nil {
		log.Printf("Warning: discarding truncated calendar record at end of document")
	}
	return blocks, nil
}

// decodeRecord decodes one VEVENT block on its own.
func decodeRecord(block string) (*ical.Component, error) {
	doc := "BEGIN:VCALENDAR" + crlf +
		"VERSION:2.0" + crlf +
		"PRODID:" + ProductID + crlf +
		block +
		"END:VCALENDAR" + crlf
	cal, err := ical.NewDecoder(strings.NewReader(doc)).Decode()
	if err != nil {
		return nil, err
	}
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent {
			return comp, nil
		}
	}
	return nil, errors.New("no VEVENT in record")
}

// toExternalEvent converts one VEVENT.
func toExternalEvent(comp *ical.Component, now time.Time) (model.ExternalEvent, error) {
	var ev model.ExternalEvent

	ev.ExternalID = strings.TrimSuffix(rawValue(comp, ical.PropUID), "@"+UIDDomain)

	ev.Title = textValue(comp, ical.PropSummary)
	if ev.Title == "" {
		ev.Title = PlaceholderTitle
	}
	ev.Description = textValue(comp, ical.PropDescription)
	ev.Location = textValue(comp, ical.PropLocation)

	dtstart := comp.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return ev, model.NewError(model.ErrFormat, "parse event", errors.New("missing DTSTART"))
	}
	start, err := parseDate(dtstart, now)
	if err != nil {
		return ev, model.NewError(model.ErrFormat, "parse event", fmt.Errorf("DTSTART: %w", err))
	}
	ev.Start = start
	ev.AllDay = strings.EqualFold(dtstart.Params.Get("VALUE"), "DATE")

	if dtend := comp.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		end, err := parseDate(dtend, now)
		if err != nil {
			return ev, model.NewError(model.ErrFormat, "parse event", fmt.Errorf("DTEND: %w", err))
		}
		ev.End = end
	} else {
		// No DTEND: fall back to now, never earlier than the start.
		ev.End = now
		if ev.End.Before(ev.Start) {
			ev.End = ev.Start
		}
	}

	ev.Category = model.CategoryGeneric
	for _, label := range strings.Split(rawValue(comp, "CATEGORIES"), ",") {
		if cat, ok := labelCategories[strings.ToLower(strings.TrimSpace(label))]; ok {
			ev.Category = cat
			break
		}
	}

	if ref, ok := model.ParseMarker(textValue(comp, PropSource)); ok {
		ev.Source = ref
	}

	ev.Normalize()
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}

// parseDate applies the interchange date rule: eight characters without a
// time separator are a date, a value containing 'T' is a timestamp (a
// trailing 'Z' is dropped), and any other shape means now.
func parseDate(prop *ical.Prop, now time.Time) (time.Time, error) {
	value := strings.TrimSpace(prop.Value)

	switch {
	case len(value) == 8 && !strings.Contains(value, "T"):
		return time.Parse(dateLayout, value)
	case strings.Contains(value, "T"):
		value = strings.TrimSuffix(value, "Z")
		loc := time.UTC
		if tzid := prop.Params.Get("TZID"); tzid != "" && !strings.HasSuffix(prop.Value, "Z") {
			if l, err := time.LoadLocation(tzid); err == nil {
				loc = l
			}
		}
		t, err := time.ParseInLocation(dateTimeLayout, value, loc)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	default:
		return now, nil
	}
}

func rawValue(comp *ical.Component, name string) string {
	if prop := comp.Props.Get(name); prop != nil {
		return prop.Value
	}
	return ""
}

func textValue(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}

// normalizeLineEndings turns bare LF documents into CRLF ones.
func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\n", "\r\n")
}
