// Package calendar talks to the Google Calendar API on behalf of one
// household connection.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/beekhof/household-calendar-sync/internal/model"
)

const (
	// MarkerProperty is the private extended property holding the dedup marker.
	MarkerProperty = "hearthSource"
	// CategoryProperty keeps the category tag of exported events.
	CategoryProperty = "hearthCategory"

	dateLayout = "2006-01-02"
)

// Client is a wrapper around the Google Calendar API service, bound to one
// calendar and time zone.
type Client struct {
	service    *calendar.Service
	calendarID string
	timezone   *time.Location
	tzName     string
}

// NewClient creates a Google Calendar client using the provided HTTP client,
// which is expected to carry the connection's credentials.
func NewClient(ctx context.Context, httpClient *http.Client, calendarID, timezone string, opts ...option.ClientOption) (*Client, error) {
	if calendarID == "" {
		calendarID = model.DefaultCalendarID
	}
	if timezone == "" {
		timezone = model.DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, model.NewError(model.ErrConfiguration, "create calendar client", fmt.Errorf("invalid timezone %q: %w", timezone, err))
	}

	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, model.NewError(model.ErrConfiguration, "create calendar client", fmt.Errorf("failed to create calendar service: %w", err))
	}

	return &Client{service: service, calendarID: calendarID, timezone: loc, tzName: timezone}, nil
}

// ListEvents returns the events starting in [timeMin, timeMax), ordered by
// start time. Recurring events are expanded into single occurrences.
func (c *Client) ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]model.ExternalEvent, error) {
	var events []model.ExternalEvent

	call := c.service.Events.List(c.calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true). // Expand recurring events
		OrderBy("startTime")

	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			ev, err := toExternalEvent(item)
			if err != nil {
				log.Printf("Warning: skipping remote event %s: %v", item.Id, err)
				continue
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, classify("list events", err)
	}

	return events, nil
}

// FindByMarker returns the ids of the remote events carrying marker.
func (c *Client) FindByMarker(ctx context.Context, marker string) ([]string, error) {
	query := fmt.Sprintf("%s=%s", MarkerProperty, marker)

	var ids []string
	err := c.service.Events.List(c.calendarID).
		PrivateExtendedProperty(query).
		SingleEvents(true).
		Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				ids = append(ids, item.Id)
			}
			return nil
		})
	if err != nil {
		return nil, classify("find events by marker", err)
	}

	return ids, nil
}

// CreateOrUpdate writes ev to the calendar. With a remoteID the existing
// event is replaced, otherwise a new one is inserted. Attendees are never
// notified. It returns the remote event id.
func (c *Client) CreateOrUpdate(ctx context.Context, ev model.ExternalEvent, remoteID string) (string, error) {
	body := c.prepareEvent(ev)

	var (
		saved *calendar.Event
		err   error
	)
	if remoteID != "" {
		saved, err = c.service.Events.Update(c.calendarID, remoteID, body).
			SendUpdates("none"). // Disable notifications
			Context(ctx).
			Do()
		if err != nil {
			return "", classify("update event", err)
		}
	} else {
		saved, err = c.service.Events.Insert(c.calendarID, body).
			SendUpdates("none"). // Disable notifications
			Context(ctx).
			Do()
		if err != nil {
			return "", classify("insert event", err)
		}
	}

	return saved.Id, nil
}

// prepareEvent builds the provider body for ev.
func (c *Client) prepareEvent(ev model.ExternalEvent) *calendar.Event {
	ev.Normalize()

	body := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Reminders: &calendar.EventReminders{
			UseDefault: true,
		},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				CategoryProperty: string(ev.Category),
			},
		},
	}
	if marker := ev.Source.Marker(); marker != "" {
		body.ExtendedProperties.Private[MarkerProperty] = marker
	}

	if ev.AllDay {
		end := ev.End
		// All-day end dates are exclusive.
		if !end.After(ev.Start) {
			end = ev.Start.AddDate(0, 0, 1)
		}
		body.Start = &calendar.EventDateTime{Date: ev.Start.Format(dateLayout)}
		body.End = &calendar.EventDateTime{Date: end.Format(dateLayout)}
	} else {
		body.Start = &calendar.EventDateTime{DateTime: ev.Start.In(c.timezone).Format(time.RFC3339), TimeZone: c.tzName}
		body.End = &calendar.EventDateTime{DateTime: ev.End.In(c.timezone).Format(time.RFC3339), TimeZone: c.tzName}
	}

	return body
}

// toExternalEvent maps a provider event. A date-only start marks an
// all-day event.
func toExternalEvent(item *calendar.Event) (model.ExternalEvent, error) {
	ev := model.ExternalEvent{
		ExternalID:  item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Category:    model.CategoryGeneric,
	}
	if item.Start == nil {
		return ev, model.NewError(model.ErrFormat, "map event", errors.New("event has no start"))
	}

	var err error
	if item.Start.Date != "" {
		ev.AllDay = true
		if ev.Start, err = time.Parse(dateLayout, item.Start.Date); err != nil {
			return ev, model.NewError(model.ErrFormat, "map event", err)
		}
	} else if ev.Start, err = time.Parse(time.RFC3339, item.Start.DateTime); err != nil {
		return ev, model.NewError(model.ErrFormat, "map event", err)
	}

	ev.End = ev.Start
	if item.End != nil {
		switch {
		case item.End.Date != "":
			if ev.End, err = time.Parse(dateLayout, item.End.Date); err != nil {
				return ev, model.NewError(model.ErrFormat, "map event", err)
			}
		case item.End.DateTime != "":
			if ev.End, err = time.Parse(time.RFC3339, item.End.DateTime); err != nil {
				return ev, model.NewError(model.ErrFormat, "map event", err)
			}
		}
	}
	ev.Start = ev.Start.UTC()
	ev.End = ev.End.UTC()

	if item.ExtendedProperties != nil && item.ExtendedProperties.Private != nil {
		ev.Category = model.ParseCategory(item.ExtendedProperties.Private[CategoryProperty])
		if ref, ok := model.ParseMarker(item.ExtendedProperties.Private[MarkerProperty]); ok {
			ev.Source = ref
		}
	}

	ev.Normalize()
	return ev, nil
}

// classify tags an API failure with its kind. Rejected credentials are auth
// errors, everything else is a network error.
func classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden) {
		return model.NewError(model.ErrAuth, op, err)
	}
	return model.NewError(model.ErrNetwork, op, err)
}
