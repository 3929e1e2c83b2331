package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/beekhof/household-calendar-sync/internal/config"
	"github.com/beekhof/household-calendar-sync/internal/model"
	"github.com/beekhof/household-calendar-sync/internal/sync"
)

var _ sync.Store = eventStore{}

const schoolFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//School//Term dates//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:inset-1@school.example\r\n" +
	"DTSTAMP:20261018T090000Z\r\n" +
	"DTSTART;VALUE=DATE:20261102\r\n" +
	"DTEND;VALUE=DATE:20261103\r\n" +
	"SUMMARY:Inset day\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

// runCLI executes one calsync invocation against a database in dir.
func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--database=" + filepath.Join(dir, "calsync.db")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestCLI_SubscribeSyncList(t *testing.T) {
	dir := isolate(t)
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		io.WriteString(w, schoolFeed)
	}))
	defer feed.Close()

	if _, err := runCLI(t, dir, "subscribe", "--user", "u1", "--name", "School", "--url", feed.URL); err != nil {
		t.Fatalf("subscribe returned an error: %v", err)
	}

	out, err := runCLI(t, dir, "sync", "--all")
	if err != nil {
		t.Fatalf("sync returned an error: %v\n%s", err, out)
	}
	var results []connectionResult
	if err := yaml.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("Failed to decode sync output: %v\n%s", err, out)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	if !results[0].Result.Success || results[0].Result.Imported != 1 {
		t.Errorf("Expected a successful sync importing 1 event, got %+v", results[0].Result)
	}

	// A second run updates the same record instead of duplicating it.
	if _, err := runCLI(t, dir, "sync", "--all"); err != nil {
		t.Fatalf("second sync returned an error: %v", err)
	}

	out, err = runCLI(t, dir, "list", "--user", "u1")
	if err != nil {
		t.Fatalf("list returned an error: %v", err)
	}
	var summary struct {
		Events      int              `yaml:"events"`
		Connections []map[string]any `yaml:"connections"`
	}
	if err := yaml.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("Failed to decode list output: %v\n%s", err, out)
	}
	if summary.Events != 1 {
		t.Errorf("Expected 1 stored event, got %d", summary.Events)
	}
	if len(summary.Connections) != 1 {
		t.Fatalf("Expected 1 connection, got %d", len(summary.Connections))
	}
	if summary.Connections[0]["provider"] != "ics" {
		t.Errorf("Expected an ics connection, got %v", summary.Connections[0]["provider"])
	}
	if _, ok := summary.Connections[0]["last_sync"]; !ok {
		t.Error("Expected last_sync to be set after a sync")
	}
}

func TestCLI_AddExport(t *testing.T) {
	dir := isolate(t)

	_, err := runCLI(t, dir, "add", "--user", "u1", "--title", "Pasta night", "--start", "tomorrow",
		"--category", "meal", "--source-type", "meal", "--source-id", "42")
	if err != nil {
		t.Fatalf("add returned an error: %v", err)
	}

	out, err := runCLI(t, dir, "export", "--user", "u1")
	if err != nil {
		t.Fatalf("export returned an error: %v", err)
	}
	for _, want := range []string{"BEGIN:VCALENDAR", "SUMMARY:Pasta night", "CATEGORIES:Meal", "X-WR-CALNAME:Household"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected export to contain %q, got:\n%s", want, out)
		}
	}
}

func TestCLI_AddAllDayEastOfUTC(t *testing.T) {
	dir := isolate(t)
	local := time.Local
	time.Local = time.FixedZone("CET", 3600)
	t.Cleanup(func() { time.Local = local })

	_, err := runCLI(t, dir, "add", "--user", "u1", "--title", "Sports day", "--start", "2026-11-05", "--all-day")
	if err != nil {
		t.Fatalf("add returned an error: %v", err)
	}

	out, err := runCLI(t, dir, "export", "--user", "u1", "--from", "2026-11-01", "--to", "2026-11-30")
	if err != nil {
		t.Fatalf("export returned an error: %v", err)
	}
	for _, want := range []string{"DTSTART;VALUE=DATE:20261105\r\n", "DTEND;VALUE=DATE:20261106\r\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected export to contain %q, got:\n%s", want, out)
		}
	}
}

func TestCLI_ExportEmpty(t *testing.T) {
	dir := isolate(t)
	if _, err := runCLI(t, dir, "export", "--user", "nobody"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected a not found error for an empty window, got %v", err)
	}
}

func TestCLI_ImportFailure(t *testing.T) {
	dir := isolate(t)
	feed := httptest.NewServer(http.NotFoundHandler())
	defer feed.Close()

	out, err := runCLI(t, dir, "import", "--user", "u1", feed.URL)
	if err == nil {
		t.Fatal("Expected an error for a failed import")
	}
	if !strings.Contains(out, "success: false") {
		t.Errorf("Expected the failed result to be printed, got:\n%s", out)
	}
}

func TestCLI_SyncArgs(t *testing.T) {
	dir := isolate(t)
	if _, err := runCLI(t, dir, "sync"); err == nil {
		t.Error("Expected an error without connection ids or --all")
	}
	if _, err := runCLI(t, dir, "sync", "missing-id"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected a not found error for an unknown connection, got %v", err)
	}
}

func TestApp_RemoteCalendarWithoutCredentials(t *testing.T) {
	home := isolate(t)
	cfg, err := config.LoadConfig("", nil)
	if err != nil {
		t.Fatalf("LoadConfig() returned an error: %v", err)
	}
	cfg.DatabasePath = filepath.Join(home, "calsync.db")

	a, err := newApp(cfg)
	if err != nil {
		t.Fatalf("newApp() returned an error: %v", err)
	}
	defer a.Close()

	if a.auth != nil {
		t.Fatal("Expected no authenticator without a credentials file")
	}
	conn := &model.ConnectionConfig{UserID: "u1", Provider: model.ProviderGoogle, AccessToken: "token"}
	if _, err := a.remoteCalendar(context.Background(), conn); !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("Expected a configuration error, got %v", err)
	}
}

func TestParseDate(t *testing.T) {
	now := time.Date(2026, 10, 18, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"today", time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)},
		{"Tomorrow", time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)},
		{"2026-11-02", time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC)},
		{"2026-11-02T18:45", time.Date(2026, 11, 2, 18, 45, 0, 0, time.UTC)},
		{"2026-11-02T18:45:00+01:00", time.Date(2026, 11, 2, 17, 45, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		got, err := parseDate(tt.in, now)
		if err != nil {
			t.Errorf("parseDate(%q) returned an error: %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseDate(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}

	if _, err := parseDate("next week", now); err == nil {
		t.Error("Expected an error for an unsupported date")
	}
}

func TestDirectionValue(t *testing.T) {
	var dir model.Direction
	v := newDirectionValue(&dir, model.DirectionBidirectional)
	if dir != model.DirectionBidirectional {
		t.Errorf("Expected default 'bidirectional', got %q", dir)
	}
	if err := v.Set("IMPORT"); err != nil {
		t.Fatalf("Set() returned an error: %v", err)
	}
	if dir != model.DirectionImport {
		t.Errorf("Expected 'import', got %q", dir)
	}
	if err := v.Set("sideways"); err == nil {
		t.Error("Expected an error for an unknown direction")
	}
}
