package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/beekhof/household-calendar-sync/internal/auth"
	"github.com/beekhof/household-calendar-sync/internal/ics"
	"github.com/beekhof/household-calendar-sync/internal/model"
)

// DefaultWindow is how far ahead of now a sync looks.
const DefaultWindow = 30 * 24 * time.Hour

// DefaultCalendarName names exported interchange files.
const DefaultCalendarName = "Household"

// Store is the local event store as seen by the syncer.
type Store interface {
	ReadPending(ctx context.Context, userID string, from, to time.Time) ([]model.LocalEvent, error)
	Begin(ctx context.Context) (StoreTx, error)
}

// StoreTx is the write scope of one sync phase.
type StoreTx interface {
	FindByExternalID(ctx context.Context, userID, externalID string) (*model.LocalEvent, error)
	Insert(ctx context.Context, ev *model.LocalEvent) error
	UpdateFields(ctx context.Context, id int64, fields map[string]string) error
	Commit() error
	Rollback() error
}

// Registry persists connection state after a sync.
type Registry interface {
	Save(ctx context.Context, cfg *model.ConnectionConfig) error
}

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// RemoteCalendar is the remote calendar of one connection.
type RemoteCalendar interface {
	ListEvents(ctx context.Context, from, to time.Time) ([]model.ExternalEvent, error)
	FindByMarker(ctx context.Context, marker string) ([]string, error)
	CreateOrUpdate(ctx context.Context, ev model.ExternalEvent, remoteID string) (string, error)
}

// RemoteFactory builds the remote calendar for a connection, using its
// current tokens.
type RemoteFactory func(ctx context.Context, cfg *model.ConnectionConfig) (RemoteCalendar, error)

// Fetcher downloads an interchange feed.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Options tune a Syncer.
type Options struct {
	// Window is the forward sync window, DefaultWindow when zero.
	Window time.Duration
	// CalendarName names exported interchange files.
	CalendarName string
	// Verbose enables DEBUG logging.
	Verbose bool
}

// Syncer reconciles the local store with one connection at a time. It keeps
// no state between calls.
type Syncer struct {
	store     Store
	registry  Registry
	refresher TokenRefresher
	remote    RemoteFactory
	fetcher   Fetcher
	opts      Options
	now       func() time.Time
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(store Store, registry Registry, refresher TokenRefresher, remote RemoteFactory, fetcher Fetcher, opts Options) *Syncer {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.CalendarName == "" {
		opts.CalendarName = DefaultCalendarName
	}
	return &Syncer{
		store:     store,
		registry:  registry,
		refresher: refresher,
		remote:    remote,
		fetcher:   fetcher,
		opts:      opts,
		now:       time.Now,
	}
}

// Sync runs the phases cfg's direction allows and saves the connection's
// tokens and last sync time. It always returns a result; failures are
// reported in it, never returned or panicked.
func (s *Syncer) Sync(ctx context.Context, cfg *model.ConnectionConfig) (res model.SyncResult) {
	started := s.now()
	defer s.recoverInto(&res, started)

	if cfg == nil {
		return model.FailedResult("Sync failed: no connection", model.NewError(model.ErrConfiguration, "sync", errors.New("no connection given")), started, s.now())
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return model.FailedResult("Sync failed: invalid connection", err, started, s.now())
	}
	if !cfg.Active {
		return model.FailedResult("Sync failed: connection is inactive", model.NewError(model.ErrConfiguration, "sync", fmt.Errorf("connection %s is inactive", cfg.ID)), started, s.now())
	}

	log.Printf("Starting sync of connection %s (%s, %s)...", cfg.ID, cfg.Provider, cfg.Direction)
	report := model.NewSyncReport(started)

	switch cfg.Provider {
	case model.ProviderICS:
		if err := s.importFeed(ctx, cfg.UserID, cfg.FeedURL, report); err != nil {
			return model.FailedResult(feedFailure(err), err, started, s.now())
		}
	case model.ProviderGoogle:
		if cfg.TokenExpired(started) {
			s.refreshToken(ctx, cfg, report)
		}
		if err := s.syncRemote(ctx, cfg, report); err != nil {
			log.Printf("Warning: sync of connection %s failed: %v", cfg.ID, err)
			report.Errorf("%v", err)
			s.save(ctx, cfg, report)
			return report.Result("Sync failed: "+err.Error(), s.now())
		}
	}

	cfg.LastSync = s.now()
	s.save(ctx, cfg, report)

	res = report.Result(summary(report), s.now())
	log.Printf("Sync of connection %s complete: %s", cfg.ID, res.Message)
	return res
}

// refreshToken makes the single refresh attempt of a sync. On failure the
// stale token is kept and the error is reported.
func (s *Syncer) refreshToken(ctx context.Context, cfg *model.ConnectionConfig, report *model.SyncReport) {
	if s.refresher == nil {
		report.Errorf("token refresh: %v", model.NewError(model.ErrConfiguration, "refresh token", errors.New("no token refresher configured")))
		return
	}

	s.debugf("access token of connection %s expired at %s, refreshing", cfg.ID, cfg.TokenExpiry.Format(time.RFC3339))
	token, err := s.refresher.Refresh(ctx, cfg.RefreshToken)
	if err == nil {
		err = auth.NewConnectionTokens(cfg).SaveToken(token)
	}
	if err != nil {
		log.Printf("Warning: failed to refresh token for connection %s, continuing with the stale token: %v", cfg.ID, err)
		report.Errorf("token refresh: %v", err)
		return
	}
	log.Printf("Refreshed access token for connection %s", cfg.ID)
}

// syncRemote runs the import and export phases against the remote calendar.
// The returned error means no phase could run at all.
func (s *Syncer) syncRemote(ctx context.Context, cfg *model.ConnectionConfig, report *model.SyncReport) error {
	if s.remote == nil {
		return model.NewError(model.ErrConfiguration, "sync", errors.New("no remote calendar configured"))
	}
	remote, err := s.remote(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to calendar: %w", err)
	}

	from := s.now()
	to := from.Add(s.opts.Window)

	if cfg.Direction.Imports() {
		s.importRemote(ctx, cfg, remote, from, to, report)
	}
	if cfg.Direction.Exports() {
		s.exportRemote(ctx, cfg, remote, from, to, report)
	}
	return nil
}

// importRemote pulls remote events into the local store. Events carrying a
// marker were exported from here and are left alone.
func (s *Syncer) importRemote(ctx context.Context, cfg *model.ConnectionConfig, remote RemoteCalendar, from, to time.Time, report *model.SyncReport) {
	events, err := remote.ListEvents(ctx, from, to)
	if err != nil {
		log.Printf("Warning: failed to list events of connection %s: %v", cfg.ID, err)
		report.Errorf("import: %v", err)
		return
	}
	s.debugf("retrieved %d remote events (%s to %s)", len(events), from.Format("2006-01-02"), to.Format("2006-01-02"))

	foreign := events[:0:0]
	for _, ev := range events {
		if !ev.Source.IsZero() {
			s.debugf("skipping remote event %s, exported from %s", ev.ExternalID, ev.Source.Marker())
			continue
		}
		foreign = append(foreign, ev)
	}
	s.upsertEvents(ctx, cfg.UserID, foreign, report)
}

// exportRemote pushes the user's pending events to the remote calendar,
// updating the event that carries the same marker instead of creating a
// second one. No store transaction is open during the remote calls; the
// remote ids learned are written afterwards in one short transaction.
func (s *Syncer) exportRemote(ctx context.Context, cfg *model.ConnectionConfig, remote RemoteCalendar, from, to time.Time, report *model.SyncReport) {
	pending, err := s.store.ReadPending(ctx, cfg.UserID, from, to)
	if err != nil {
		log.Printf("Warning: failed to read pending events for user %s: %v", cfg.UserID, err)
		report.Errorf("export: failed to read pending events: %v", err)
		return
	}

	var learned []remoteIDUpdate
	for _, local := range pending {
		ev := local.ToExternal()
		marker := ev.Source.Marker()

		if err := ev.Validate(); err != nil {
			log.Printf("Warning: skipping event %s: %v", marker, err)
			report.Conflict(marker, model.ConflictInvalidRange)
			continue
		}

		ids, err := remote.FindByMarker(ctx, marker)
		if err != nil {
			log.Printf("Warning: failed to look up remote event for %s: %v", marker, err)
			report.Errorf("export %s: %v", marker, err)
			continue
		}
		remoteID := ""
		if len(ids) > 0 {
			remoteID = ids[0]
		}
		if len(ids) > 1 {
			log.Printf("Warning: found %d remote events for %s, updating %s", len(ids), marker, remoteID)
			report.Conflict(marker, model.ConflictDuplicateRemote)
		}

		savedID, err := remote.CreateOrUpdate(ctx, ev, remoteID)
		if err != nil {
			log.Printf("Warning: failed to export event %s (summary: %v): %v", marker, ev.Title, err)
			report.Errorf("export %s: %v", marker, err)
			continue
		}
		report.Exported(remoteID != "")
		if remoteID != "" {
			s.debugf("updated remote event %s (marker: %s, summary: %v)", savedID, marker, ev.Title)
		} else {
			s.debugf("inserted remote event %s (marker: %s, summary: %v)", savedID, marker, ev.Title)
		}

		if savedID != "" && savedID != local.RemoteID {
			learned = append(learned, remoteIDUpdate{localID: local.ID, marker: marker, remoteID: savedID})
		}
	}

	s.recordRemoteIDs(ctx, learned, report)
}

// remoteIDUpdate is a remote id learned during export.
type remoteIDUpdate struct {
	localID  int64
	marker   string
	remoteID string
}

// recordRemoteIDs stores the remote ids learned by an export phase. The
// remote writes already happened, so failures are reported without
// touching the export counts.
func (s *Syncer) recordRemoteIDs(ctx context.Context, updates []remoteIDUpdate, report *model.SyncReport) {
	if len(updates) == 0 {
		return
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		report.Errorf("export: failed to record remote ids: %v", err)
		return
	}
	defer tx.Rollback()

	for _, u := range updates {
		if err := tx.UpdateFields(ctx, u.localID, map[string]string{"remote_id": u.remoteID}); err != nil {
			log.Printf("Warning: failed to record remote id of %s: %v", u.marker, err)
			report.Errorf("export %s: failed to record remote id: %v", u.marker, err)
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("Warning: failed to commit remote ids: %v", err)
		report.Errorf("export: failed to record remote ids: %v", err)
	}
}

// upsertEvents writes events into the local store in one transaction, keyed
// by external id. An existing record has its text fields updated in place.
func (s *Syncer) upsertEvents(ctx context.Context, userID string, events []model.ExternalEvent, report *model.SyncReport) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		report.Errorf("import: %v", err)
		return
	}
	defer tx.Rollback()
	imported, exported, updated := report.Counts()

	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			log.Printf("Warning: skipping event %s: %v", ev.ExternalID, err)
			report.Conflict(ev.ExternalID, model.ConflictInvalidRange)
			continue
		}

		existed, err := upsertEvent(ctx, tx, userID, ev)
		if err != nil {
			log.Printf("Warning: failed to import event %s (summary: %v): %v", ev.ExternalID, ev.Title, err)
			report.Errorf("import %s: %v", ev.ExternalID, err)
			continue
		}
		report.Imported(existed)
	}

	if err := tx.Commit(); err != nil {
		report.Rewind(imported, exported, updated)
		report.Errorf("import: failed to commit: %v", err)
	}
}

func upsertEvent(ctx context.Context, tx StoreTx, userID string, ev model.ExternalEvent) (bool, error) {
	if ev.ExternalID == "" {
		ev.ExternalID = uuid.NewString()
	}

	existing, err := tx.FindByExternalID(ctx, userID, ev.ExternalID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		local := model.LocalFromExternal(userID, ev)
		return false, tx.Insert(ctx, &local)
	}

	fields := map[string]string{}
	if existing.Title != ev.Title {
		fields["title"] = ev.Title
	}
	if existing.Description != ev.Description {
		fields["description"] = ev.Description
	}
	if existing.Location != ev.Location {
		fields["location"] = ev.Location
	}
	return true, tx.UpdateFields(ctx, existing.ID, fields)
}

// ExportToInterchangeFile renders the user's events in [from, to) as an
// interchange document. It makes no network call.
func (s *Syncer) ExportToInterchangeFile(ctx context.Context, userID string, from, to time.Time) (text string, err error) {
	const op = "export to file"
	defer func() {
		if p := recover(); p != nil {
			log.Printf("Warning: recovered from panic during export: %v", p)
			text, err = "", fmt.Errorf("%s: panic: %v", op, p)
		}
	}()

	if userID == "" {
		return "", model.NewError(model.ErrConfiguration, op, errors.New("user_id must be provided"))
	}
	if !to.After(from) {
		return "", model.NewError(model.ErrConfiguration, op, fmt.Errorf("empty window %s to %s", from.Format(time.RFC3339), to.Format(time.RFC3339)))
	}

	pending, err := s.store.ReadPending(ctx, userID, from, to)
	if err != nil {
		return "", fmt.Errorf("failed to read events: %w", err)
	}

	events := make([]model.ExternalEvent, 0, len(pending))
	for _, local := range pending {
		ev := local.ToExternal()
		if err := ev.Validate(); err != nil {
			log.Printf("Warning: skipping event %s: %v", ev.Source.Marker(), err)
			continue
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return "", model.NewError(model.ErrNotFound, op, fmt.Errorf("no events between %s and %s",
			from.Format("2006-01-02"), to.Format("2006-01-02")))
	}

	return ics.Generate(events, s.opts.CalendarName), nil
}

// ImportFromInterchangeURL fetches and parses a feed and upserts its events
// for userID. A feed without events is reported as a failure.
func (s *Syncer) ImportFromInterchangeURL(ctx context.Context, userID, url string) (res model.SyncResult) {
	started := s.now()
	defer s.recoverInto(&res, started)

	if userID == "" {
		return model.FailedResult("Import failed: no user", model.NewError(model.ErrConfiguration, "import calendar", errors.New("user_id must be provided")), started, s.now())
	}

	report := model.NewSyncReport(started)
	if err := s.importFeed(ctx, userID, url, report); err != nil {
		return model.FailedResult(feedFailure(err), err, started, s.now())
	}

	res = report.Result(summary(report), s.now())
	log.Printf("Import of calendar feed complete: %s", res.Message)
	return res
}

// importFeed fetches, parses and upserts one feed. The returned error means
// nothing was imported.
func (s *Syncer) importFeed(ctx context.Context, userID, url string, report *model.SyncReport) error {
	if s.fetcher == nil {
		return model.NewError(model.ErrConfiguration, "import calendar", errors.New("no feed fetcher configured"))
	}
	body, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}
	events, err := ics.Parse(string(body))
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return model.NewError(model.ErrNotFound, "import calendar", errors.New("no events found"))
	}
	s.debugf("parsed %d events from feed", len(events))

	s.upsertEvents(ctx, userID, events, report)
	return nil
}

// save persists the connection. A failure is reported, not fatal.
func (s *Syncer) save(ctx context.Context, cfg *model.ConnectionConfig, report *model.SyncReport) {
	if s.registry == nil {
		return
	}
	if err := s.registry.Save(ctx, cfg); err != nil {
		log.Printf("Warning: failed to save connection %s: %v", cfg.ID, err)
		report.Errorf("failed to save connection: %v", err)
	}
}

func (s *Syncer) recoverInto(res *model.SyncResult, started time.Time) {
	if p := recover(); p != nil {
		log.Printf("Warning: recovered from panic during sync: %v", p)
		*res = model.FailedResult("Sync failed: internal error", fmt.Errorf("panic: %v", p), started, s.now())
	}
}

func (s *Syncer) debugf(format string, args ...any) {
	if s.opts.Verbose {
		log.Printf("DEBUG: "+format, args...)
	}
}

func summary(report *model.SyncReport) string {
	imported, exported, updated := report.Counts()
	counts := fmt.Sprintf("%d imported, %d exported, %d updated", imported, exported, updated)
	if report.HasErrors() {
		return "Sync completed with errors: " + counts
	}
	return "Sync completed: " + counts
}

func feedFailure(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return "No events found"
	case errors.Is(err, model.ErrFormat):
		return "Import failed: calendar could not be parsed"
	case errors.Is(err, model.ErrNetwork):
		return "Import failed: calendar could not be fetched"
	default:
		return "Import failed: " + err.Error()
	}
}
