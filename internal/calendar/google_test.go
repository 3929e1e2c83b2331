package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/beekhof/household-calendar-sync/internal/model"
)

// fakeAPI is a minimal stand-in for the events endpoints of one calendar.
type fakeAPI struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []*calendar.Event
	pages    map[string]string // pageToken -> JSON body
	status   int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)

	if f.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		io.WriteString(w, `{"error":{"message":"request failed"}}`)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodGet:
		body, ok := f.pages[r.URL.Query().Get("pageToken")]
		if !ok {
			body = `{"items":[]}`
		}
		io.WriteString(w, body)
	case http.MethodPost, http.MethodPut:
		var ev calendar.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.bodies = append(f.bodies, &ev)
		id := "created-1"
		if r.Method == http.MethodPut {
			id = r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		}
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeAPI) request(i int) *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func (f *fakeAPI) body(i int) *calendar.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[i]
}

func newTestClient(t *testing.T, api *fakeAPI, timezone string) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), srv.Client(), "family@example.com", timezone, option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("NewClient() returned an error: %v", err)
	}
	return c
}

func TestNewClient_InvalidTimezone(t *testing.T) {
	_, err := NewClient(context.Background(), http.DefaultClient, "", "Mars/Olympus")
	if !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("Expected a configuration error, got %v", err)
	}
}

func TestListEvents(t *testing.T) {
	api := &fakeAPI{pages: map[string]string{
		"": `{"items":[
			{"id":"a1","summary":"School trip","start":{"date":"2026-05-04"},"end":{"date":"2026-05-05"}},
			{"id":"t1","summary":"Dentist","location":"Main St","start":{"dateTime":"2026-05-04T10:00:00+02:00"},"end":{"dateTime":"2026-05-04T11:00:00+02:00"}}
		],"nextPageToken":"p2"}`,
		"p2": `{"items":[
			{"id":"m1","summary":"Pasta night","start":{"dateTime":"2026-05-05T18:00:00Z"},"end":{"dateTime":"2026-05-05T19:00:00Z"},
			 "extendedProperties":{"private":{"hearthSource":"meal:42","hearthCategory":"meal"}}},
			{"id":"broken","summary":"No start"}
		]}`,
	}}
	c := newTestClient(t, api, "UTC")

	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	events, err := c.ListEvents(context.Background(), from, from.AddDate(0, 0, 30))
	if err != nil {
		t.Fatalf("ListEvents() returned an error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events across both pages, got %d", len(events))
	}

	if !events[0].AllDay {
		t.Error("Expected a date-only start to be all-day")
	}
	if !events[0].Start.Equal(time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected all-day start 2026-05-04, got %v", events[0].Start)
	}
	if events[1].AllDay {
		t.Error("Expected a timed event not to be all-day")
	}
	if !events[1].Start.Equal(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected start 08:00 UTC, got %v", events[1].Start)
	}
	if events[2].Source.Marker() != "meal:42" || events[2].Category != model.CategoryMeal {
		t.Errorf("Expected marker and category from private properties, got %+v", events[2])
	}

	q := api.request(0).URL.Query()
	if q.Get("singleEvents") != "true" {
		t.Errorf("Expected singleEvents=true, got %q", q.Get("singleEvents"))
	}
	if q.Get("orderBy") != "startTime" {
		t.Errorf("Expected orderBy=startTime, got %q", q.Get("orderBy"))
	}
	if q.Get("timeMin") != "2026-05-01T00:00:00Z" {
		t.Errorf("Expected timeMin to be RFC3339, got %q", q.Get("timeMin"))
	}
}

func TestFindByMarker(t *testing.T) {
	api := &fakeAPI{pages: map[string]string{
		"": `{"items":[{"id":"r1"},{"id":"r2"}]}`,
	}}
	c := newTestClient(t, api, "UTC")

	ids, err := c.FindByMarker(context.Background(), "activity:7")
	if err != nil {
		t.Fatalf("FindByMarker() returned an error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "r1" || ids[1] != "r2" {
		t.Errorf("Expected [r1 r2], got %v", ids)
	}

	got := api.request(0).URL.Query().Get("privateExtendedProperty")
	if got != "hearthSource=activity:7" {
		t.Errorf("Expected privateExtendedProperty 'hearthSource=activity:7', got %q", got)
	}
}

func TestCreateOrUpdate_Insert(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api, "Europe/Berlin")

	ev := model.ExternalEvent{
		Title:    "Swimming",
		Start:    time.Date(2026, 7, 1, 15, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 7, 1, 16, 0, 0, 0, time.UTC),
		Category: model.CategoryActivity,
		Source:   model.SourceRef{Type: "activity", ID: "7"},
	}
	id, err := c.CreateOrUpdate(context.Background(), ev, "")
	if err != nil {
		t.Fatalf("CreateOrUpdate() returned an error: %v", err)
	}
	if id != "created-1" {
		t.Errorf("Expected id 'created-1', got %q", id)
	}

	req := api.request(0)
	if req.Method != http.MethodPost {
		t.Errorf("Expected POST for a new event, got %s", req.Method)
	}
	if req.URL.Query().Get("sendUpdates") != "none" {
		t.Errorf("Expected sendUpdates=none, got %q", req.URL.Query().Get("sendUpdates"))
	}

	body := api.body(0)
	if body.Start.TimeZone != "Europe/Berlin" {
		t.Errorf("Expected connection time zone, got %q", body.Start.TimeZone)
	}
	if body.Start.DateTime != "2026-07-01T17:00:00+02:00" {
		t.Errorf("Expected start in local time, got %q", body.Start.DateTime)
	}
	if body.ExtendedProperties.Private[MarkerProperty] != "activity:7" {
		t.Errorf("Expected marker in private properties, got %v", body.ExtendedProperties.Private)
	}
}

func TestCreateOrUpdate_UpdateAllDay(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api, "UTC")

	day := time.Date(2026, 7, 4, 0, 0, 0, 0, time.UTC)
	ev := model.ExternalEvent{Title: "Holiday", Start: day, End: day, AllDay: true}
	id, err := c.CreateOrUpdate(context.Background(), ev, "remote-9")
	if err != nil {
		t.Fatalf("CreateOrUpdate() returned an error: %v", err)
	}
	if id != "remote-9" {
		t.Errorf("Expected id 'remote-9', got %q", id)
	}
	if api.request(0).Method != http.MethodPut {
		t.Errorf("Expected PUT for an existing event, got %s", api.request(0).Method)
	}

	body := api.body(0)
	if body.Start.Date != "2026-07-04" || body.End.Date != "2026-07-05" {
		t.Errorf("Expected exclusive all-day range 2026-07-04..2026-07-05, got %s..%s", body.Start.Date, body.End.Date)
	}
	if _, ok := body.ExtendedProperties.Private[MarkerProperty]; ok {
		t.Error("Expected no marker for an event without a source")
	}
}

func TestCreateOrUpdate_Errors(t *testing.T) {
	api := &fakeAPI{status: http.StatusInternalServerError}
	c := newTestClient(t, api, "UTC")

	ev := model.ExternalEvent{Title: "x", Start: time.Now(), End: time.Now()}
	if _, err := c.CreateOrUpdate(context.Background(), ev, ""); !errors.Is(err, model.ErrNetwork) {
		t.Errorf("Expected a network error, got %v", err)
	}

	api.mu.Lock()
	api.status = http.StatusUnauthorized
	api.mu.Unlock()
	if _, err := c.CreateOrUpdate(context.Background(), ev, ""); !errors.Is(err, model.ErrAuth) {
		t.Errorf("Expected an auth error, got %v", err)
	}
}

// TestGoogleCalendar_Live lists the primary calendar with a real access token.
func TestGoogleCalendar_Live(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	token := os.Getenv("CALSYNC_TEST_ACCESS_TOKEN")
	if token == "" {
		t.Skip("CALSYNC_TEST_ACCESS_TOKEN not set")
	}

	ctx := context.Background()
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	c, err := NewClient(ctx, httpClient, "primary", "UTC")
	if err != nil {
		t.Fatalf("NewClient() returned an error: %v", err)
	}
	now := time.Now()
	if _, err := c.ListEvents(ctx, now, now.AddDate(0, 0, 7)); err != nil {
		t.Errorf("ListEvents() returned an error: %v", err)
	}
}
