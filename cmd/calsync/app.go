package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/beekhof/household-calendar-sync/internal/auth"
	"github.com/beekhof/household-calendar-sync/internal/calendar"
	"github.com/beekhof/household-calendar-sync/internal/config"
	"github.com/beekhof/household-calendar-sync/internal/ics"
	"github.com/beekhof/household-calendar-sync/internal/model"
	"github.com/beekhof/household-calendar-sync/internal/store"
	"github.com/beekhof/household-calendar-sync/internal/sync"
)

// app holds the wired engine for one command invocation.
type app struct {
	cfg      *config.Config
	db       *store.DB
	store    *store.Store
	registry *store.Registry
	auth     *auth.Authenticator // nil without Google credentials
	syncer   *sync.Syncer
}

func newApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	a := &app{
		cfg:      cfg,
		db:       db,
		store:    store.NewStore(db),
		registry: store.NewRegistry(db),
	}

	// Feed subscriptions work without an OAuth client, so missing
	// credentials only disable google connections.
	creds, err := config.LoadGoogleCredentials(cfg.GoogleCredentialsPath)
	if err != nil {
		if cfg.Verbose {
			log.Printf("DEBUG: google connections disabled: %v", err)
		}
	} else {
		a.auth, err = auth.NewAuthenticator(auth.Credentials{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  "http://" + cfg.CallbackAddr,
		}, httpClient)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	var refresher sync.TokenRefresher
	if a.auth != nil {
		refresher = a.auth
	}
	a.syncer = sync.NewSyncer(eventStore{a.store}, a.registry, refresher, a.remoteCalendar, ics.NewFetcher(httpClient), sync.Options{
		Window:       cfg.SyncWindow(),
		CalendarName: cfg.CalendarName,
		Verbose:      cfg.Verbose,
	})

	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// remoteCalendar builds the Google Calendar client of a connection from its
// stored tokens.
func (a *app) remoteCalendar(ctx context.Context, cfg *model.ConnectionConfig) (sync.RemoteCalendar, error) {
	if a.auth == nil {
		return nil, model.NewError(model.ErrConfiguration, "connect calendar", errors.New("google credentials are not configured"))
	}
	httpClient, err := a.auth.HTTPClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, err := calendar.NewClient(ctx, httpClient, cfg.CalendarID, cfg.Timezone)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// eventStore adapts store.Store to the syncer's Store interface.
type eventStore struct {
	*store.Store
}

func (s eventStore) Begin(ctx context.Context) (sync.StoreTx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
