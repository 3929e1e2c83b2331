package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/beekhof/household-calendar-sync/internal/auth"
	"github.com/beekhof/household-calendar-sync/internal/config"
	"github.com/beekhof/household-calendar-sync/internal/model"
)

// cli carries the state shared by all commands of one invocation.
type cli struct {
	configFile string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "calsync",
		Short: "Sync household events with external calendars",
		Long: `calsync keeps the household event store in step with linked calendars.

Google calendars are linked with OAuth and synced in both directions by
default. Published iCalendar feeds can be subscribed to and are imported.
Household events can also be exported as an iCalendar file.

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables (CALSYNC_DATABASE_PATH, CALSYNC_SYNC_WINDOW_DAYS, ...)
    3. Config file (--config, default $HOME/.config/calsync/config.yaml)
    4. Defaults`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c.configFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			c.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.configFile, "config", "", "config file (default is $HOME/.config/calsync/config.yaml)")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		c.linkCmd(),
		c.subscribeCmd(),
		c.unlinkCmd(),
		c.listCmd(),
		c.addCmd(),
		c.syncCmd(),
		c.exportCmd(),
		c.importCmd(),
		c.watchCmd(),
	)
	return root
}

// withApp opens the engine for the duration of fn.
func (c *cli) withApp(fn func(a *app) error) error {
	a, err := newApp(c.cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func (c *cli) linkCmd() *cobra.Command {
	var (
		pending model.ConnectionConfig
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link a Google calendar through the OAuth consent screen",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				if a.auth == nil {
					return fmt.Errorf("google credentials not found at %s", c.cfg.GoogleCredentialsPath)
				}
				pending.Provider = model.ProviderGoogle

				srv, err := auth.ListenCallback(c.cfg.CallbackAddr)
				if err != nil {
					return err
				}
				a.auth.SetRedirectURL(srv.RedirectURL())

				authURL, state := a.auth.AuthorizationURL(pending.UserID)
				fmt.Fprintf(cmd.ErrOrStderr(), "Open the following URL in your browser to grant calendar access:\n\n%s\n\n", authURL)

				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()

				code, err := srv.Wait(ctx, state)
				if err != nil {
					return err
				}
				linked, err := a.auth.Link(ctx, pending, code)
				if err != nil {
					return err
				}
				if _, err := a.registry.Add(ctx, linked); err != nil {
					return fmt.Errorf("failed to save connection: %w", err)
				}
				log.Printf("Linked calendar %s for user %s", linked.CalendarID, linked.UserID)
				return printYAML(cmd.OutOrStdout(), linked)
			})
		},
	}

	cmd.Flags().StringVar(&pending.UserID, "user", "", "household user the calendar belongs to")
	cmd.Flags().StringVar(&pending.Name, "name", "", "display name of the connection")
	cmd.Flags().StringVar(&pending.CalendarID, "calendar", model.DefaultCalendarID, "Google calendar id")
	cmd.Flags().StringVar(&pending.Timezone, "timezone", model.DefaultTimezone, "IANA time zone of exported events")
	cmd.Flags().Var(newDirectionValue(&pending.Direction, model.DirectionBidirectional), "direction", "import, export or bidirectional")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the browser redirect")
	cmd.MarkFlagRequired("user")
	return cmd
}

func (c *cli) subscribeCmd() *cobra.Command {
	sub := model.ConnectionConfig{Provider: model.ProviderICS, Direction: model.DirectionImport, Active: true}

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe to a published iCalendar feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				if _, err := a.registry.Add(cmd.Context(), &sub); err != nil {
					return err
				}
				log.Printf("Subscribed user %s to feed %q", sub.UserID, sub.Name)
				return printYAML(cmd.OutOrStdout(), sub)
			})
		},
	}

	cmd.Flags().StringVar(&sub.UserID, "user", "", "household user the feed belongs to")
	cmd.Flags().StringVar(&sub.Name, "name", "", "display name of the connection")
	cmd.Flags().StringVar(&sub.FeedURL, "url", "", "feed URL (http, https or webcal)")
	cmd.Flags().StringVar(&sub.Timezone, "timezone", model.DefaultTimezone, "IANA time zone of the feed")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("url")
	return cmd
}

func (c *cli) unlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink CONNECTION_ID",
		Short: "Remove a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				if err := a.registry.Remove(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("failed to remove connection %s: %w", args[0], err)
				}
				log.Printf("Removed connection %s", args[0])
				return nil
			})
		},
	}
}

// connectionSummary is what `calsync list` prints per user.
type connectionSummary struct {
	UserID      string                   `yaml:"user_id"`
	Events      int                      `yaml:"events"`
	Connections []model.ConnectionConfig `yaml:"connections"`
}

func (c *cli) listCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connections, of one user or all active ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				ctx := cmd.Context()
				if userID == "" {
					conns, err := a.registry.ListActive(ctx)
					if err != nil {
						return err
					}
					return printYAML(cmd.OutOrStdout(), conns)
				}

				conns, err := a.registry.ListForUser(ctx, userID)
				if err != nil {
					return err
				}
				count, err := a.store.CountEvents(ctx, userID)
				if err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), connectionSummary{UserID: userID, Events: count, Connections: conns})
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "only list this user's connections")
	return cmd
}

func (c *cli) addCmd() *cobra.Command {
	var (
		ev                    model.LocalEvent
		startStr, endStr, cat string
		sourceType, sourceID  string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a household event for export",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			start, err := parseDate(startStr, now)
			if err != nil {
				return err
			}
			end := start
			if endStr != "" {
				if end, err = parseDate(endStr, now); err != nil {
					return err
				}
			}
			ev.Start, ev.End = start, end
			ev.Category = model.ParseCategory(cat)
			ev.Source = model.SourceRef{Type: sourceType, ID: sourceID}

			return c.withApp(func(a *app) error {
				if err := a.store.CreateLocalEvent(cmd.Context(), &ev); err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), ev.ToExternal())
			})
		},
	}

	cmd.Flags().StringVar(&ev.UserID, "user", "", "household user the event belongs to")
	cmd.Flags().StringVar(&ev.Title, "title", "", "event title")
	cmd.Flags().StringVar(&ev.Description, "description", "", "event description")
	cmd.Flags().StringVar(&ev.Location, "location", "", "event location")
	cmd.Flags().StringVar(&startStr, "start", "", "start (YYYY-MM-DD, YYYY-MM-DDTHH:MM, RFC3339, 'today' or 'tomorrow')")
	cmd.Flags().StringVar(&endStr, "end", "", "end, defaults to the start")
	cmd.Flags().BoolVar(&ev.AllDay, "all-day", false, "all-day event")
	cmd.Flags().StringVar(&cat, "category", "", "meal, activity or generic")
	cmd.Flags().StringVar(&sourceType, "source-type", "", "type of the household entity, e.g. meal")
	cmd.Flags().StringVar(&sourceID, "source-id", "", "id of the household entity")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("title")
	cmd.MarkFlagRequired("start")
	return cmd
}

func (c *cli) syncCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "sync [CONNECTION_ID...]",
		Short: "Sync the given connections, or every active one with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("give connection ids or --all, not both")
			}
			return c.withApp(func(a *app) error {
				ctx := cmd.Context()

				var conns []model.ConnectionConfig
				if all {
					var err error
					if conns, err = a.registry.ListActive(ctx); err != nil {
						return err
					}
				} else {
					for _, id := range args {
						conn, err := a.registry.Get(ctx, id)
						if err != nil {
							return fmt.Errorf("failed to load connection %s: %w", id, err)
						}
						conns = append(conns, *conn)
					}
				}

				results := a.syncer.SyncAll(ctx, conns, c.cfg.Parallel)
				if err := printResults(cmd.OutOrStdout(), conns, results); err != nil {
					return err
				}
				return failedCount(results)
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "sync every active connection")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var userID, fromStr, toStr, output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a user's household events as an iCalendar file",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			from, to := now, now.Add(c.cfg.SyncWindow())
			var err error
			if fromStr != "" {
				if from, err = parseDate(fromStr, now); err != nil {
					return err
				}
			}
			if toStr != "" {
				if to, err = parseDate(toStr, now); err != nil {
					return err
				}
			}

			return c.withApp(func(a *app) error {
				text, err := a.syncer.ExportToInterchangeFile(cmd.Context(), userID, from, to)
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = io.WriteString(cmd.OutOrStdout(), text)
					return err
				}
				if err := os.WriteFile(output, []byte(text), 0644); err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}
				log.Printf("Wrote %s", output)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "household user to export")
	cmd.Flags().StringVar(&fromStr, "from", "", "window start (default now)")
	cmd.Flags().StringVar(&toStr, "to", "", "window end (default now plus the sync window)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "import URL",
		Short: "Import the events of an iCalendar feed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				res := a.syncer.ImportFromInterchangeURL(cmd.Context(), userID, args[0])
				if err := printYAML(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				return failedCount([]model.SyncResult{res})
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "household user to import for")
	cmd.MarkFlagRequired("user")
	return cmd
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync every active connection on the configured schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return c.withApp(func(a *app) error {
				scheduler := cron.New()
				if _, err := scheduler.AddFunc(c.cfg.Schedule, func() { a.syncActive(ctx) }); err != nil {
					return fmt.Errorf("invalid schedule %q: %w", c.cfg.Schedule, err)
				}

				log.Printf("Watching connections on schedule %q", c.cfg.Schedule)
				scheduler.Start()
				<-ctx.Done()

				log.Println("Shutting down, waiting for running syncs...")
				<-scheduler.Stop().Done()
				return nil
			})
		},
	}
}

// syncActive runs one scheduled pass over all active connections.
func (a *app) syncActive(ctx context.Context) {
	conns, err := a.registry.ListActive(ctx)
	if err != nil {
		log.Printf("Warning: failed to list connections: %v", err)
		return
	}
	results := a.syncer.SyncAll(ctx, conns, a.cfg.Parallel)
	if err := failedCount(results); err != nil {
		log.Printf("Warning: %v", err)
		return
	}
	log.Printf("All syncs completed successfully (%d connection(s))", len(conns))
}

// connectionResult pairs a result with its connection for printing.
type connectionResult struct {
	ConnectionID string           `yaml:"connection_id"`
	Name         string           `yaml:"name,omitempty"`
	Result       model.SyncResult `yaml:"result"`
}

func printResults(w io.Writer, conns []model.ConnectionConfig, results []model.SyncResult) error {
	out := make([]connectionResult, len(results))
	for i := range results {
		out[i] = connectionResult{ConnectionID: conns[i].ID, Name: conns[i].Name, Result: results[i]}
	}
	return printYAML(w, out)
}

func failedCount(results []model.SyncResult) error {
	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sync(s) failed", failed, len(results))
	}
	return nil
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

// parseDate parses a date string in various formats
// Supports: YYYY-MM-DD, YYYY-MM-DDTHH:MM, RFC3339, "today", "tomorrow"
func parseDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch strings.ToLower(s) {
	case "today":
		return today, nil
	case "tomorrow":
		return today.AddDate(0, 0, 1), nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04", s, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s (use YYYY-MM-DD, YYYY-MM-DDTHH:MM, RFC3339, 'today' or 'tomorrow')", s)
}

// directionValue is a pflag.Value restricted to the known directions.
type directionValue struct {
	target *model.Direction
}

func newDirectionValue(target *model.Direction, def model.Direction) *directionValue {
	*target = def
	return &directionValue{target: target}
}

func (d *directionValue) String() string {
	if d.target == nil {
		return ""
	}
	return string(*d.target)
}

func (d *directionValue) Set(s string) error {
	dir := model.Direction(strings.ToLower(s))
	if !dir.IsValid() {
		return fmt.Errorf("must be 'import', 'export' or 'bidirectional'")
	}
	*d.target = dir
	return nil
}

func (d *directionValue) Type() string {
	return "direction"
}
