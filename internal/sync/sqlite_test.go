package sync

import (
	"context"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/beekhof/household-calendar-sync/internal/model"
	"github.com/beekhof/household-calendar-sync/internal/store"
)

// sqliteStore adapts store.Store to Store.
type sqliteStore struct {
	*store.Store
}

func (s sqliteStore) Begin(ctx context.Context) (StoreTx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// signalRegistry closes saved[id] when connection id is saved.
type signalRegistry struct {
	mu    gosync.Mutex
	saved map[string]chan struct{}
}

func (r *signalRegistry) Save(ctx context.Context, cfg *model.ConnectionConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.saved[cfg.ID]; ok {
		close(ch)
		delete(r.saved, cfg.ID)
	}
	return nil
}

// gatedRemote lets a test pause one connection in the middle of its sync.
type gatedRemote struct {
	*mockRemote
	beforeFind  func(n int)
	beforeWrite func(n int)
	beforeList  func()
	finds       int
	writes      int
}

func (g *gatedRemote) ListEvents(ctx context.Context, from, to time.Time) ([]model.ExternalEvent, error) {
	if g.beforeList != nil {
		g.beforeList()
	}
	return g.mockRemote.ListEvents(ctx, from, to)
}

func (g *gatedRemote) FindByMarker(ctx context.Context, marker string) ([]string, error) {
	g.finds++
	if g.beforeFind != nil {
		g.beforeFind(g.finds)
	}
	return g.mockRemote.FindByMarker(ctx, marker)
}

func (g *gatedRemote) CreateOrUpdate(ctx context.Context, ev model.ExternalEvent, remoteID string) (string, error) {
	g.writes++
	if g.beforeWrite != nil {
		g.beforeWrite(g.writes)
	}
	return g.mockRemote.CreateOrUpdate(ctx, ev, remoteID)
}

func TestSyncAll_ExportDoesNotBlockParallelImport(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "calsync.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	defer db.Close()
	events := store.NewStore(db)

	for _, title := range []string{"swim", "piano", "chess"} {
		ev := &model.LocalEvent{
			UserID: "u1",
			Title:  title,
			Start:  testNow.Add(24 * time.Hour),
			End:    testNow.Add(25 * time.Hour),
			Source: model.SourceRef{Type: "activity", ID: title},
		}
		if err := events.CreateLocalEvent(ctx, ev); err != nil {
			t.Fatalf("CreateLocalEvent() returned an error: %v", err)
		}
	}

	exportPaused := make(chan struct{})
	importDone := make(chan struct{})
	registry := &signalRegistry{saved: map[string]chan struct{}{"b": importDone}}

	log := &callLog{}
	exporter := &gatedRemote{mockRemote: newMockRemote(log)}
	// The second lookup comes after the first remote id is known.
	exporter.beforeFind = func(n int) {
		if n == 2 {
			close(exportPaused)
		}
	}
	exporter.beforeWrite = func(n int) {
		if n != 2 {
			return
		}
		select {
		case <-importDone:
		case <-time.After(10 * time.Second):
			t.Error("Expected the import to finish while the export was paused")
		}
	}

	importer := &gatedRemote{mockRemote: newMockRemote(log)}
	importer.events = []model.ExternalEvent{
		{ExternalID: "x1", Title: "Dentist", Start: testNow.Add(time.Hour), End: testNow.Add(2 * time.Hour)},
	}
	importer.beforeList = func() {
		select {
		case <-exportPaused:
		case <-time.After(10 * time.Second):
			t.Error("Expected the export to reach its second event")
		}
	}

	factory := func(ctx context.Context, cfg *model.ConnectionConfig) (RemoteCalendar, error) {
		if cfg.ID == "a" {
			return exporter, nil
		}
		return importer, nil
	}

	syncer := NewSyncer(sqliteStore{events}, registry, nil, factory, nil, Options{})
	syncer.now = func() time.Time { return testNow }

	a := *googleConnection(model.DirectionExport)
	a.ID = "a"
	b := *googleConnection(model.DirectionImport)
	b.ID, b.UserID = "b", "u2"

	results := syncer.SyncAll(ctx, []model.ConnectionConfig{a, b}, 2)

	if !results[0].Success || results[0].Exported != 3 {
		t.Errorf("Expected the export to succeed with 3 events, got %+v", results[0])
	}
	if !results[1].Success || results[1].Imported != 1 {
		t.Errorf("Expected the parallel import to succeed, got %+v", results[1])
	}

	pending, err := events.ReadPending(ctx, "u1", testNow, testNow.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("ReadPending() returned an error: %v", err)
	}
	for _, ev := range pending {
		if ev.RemoteID == "" {
			t.Errorf("Expected remote id to be recorded for %s", ev.Title)
		}
	}
}
