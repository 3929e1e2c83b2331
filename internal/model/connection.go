package model

import (
	"fmt"
	"time"
)

// ProviderKind identifies what a connection talks to.
type ProviderKind string

const (
	ProviderGoogle ProviderKind = "google" // remote calendar API
	ProviderICS    ProviderKind = "ics"    // interchange file fetched over HTTP
)

// IsValid returns true if the provider kind is a known value.
func (p ProviderKind) IsValid() bool {
	return p == ProviderGoogle || p == ProviderICS
}

// Direction controls which phases of a sync run.
type Direction string

const (
	DirectionImport        Direction = "import"
	DirectionExport        Direction = "export"
	DirectionBidirectional Direction = "bidirectional"
)

// IsValid returns true if the direction is a known value.
func (d Direction) IsValid() bool {
	return d == DirectionImport || d == DirectionExport || d == DirectionBidirectional
}

// Imports reports whether remote events are pulled into the local store.
func (d Direction) Imports() bool {
	return d == DirectionImport || d == DirectionBidirectional
}

// Exports reports whether local events are pushed to the remote calendar.
func (d Direction) Exports() bool {
	return d == DirectionExport || d == DirectionBidirectional
}

const (
	// DefaultCalendarID is used when a google connection names no calendar.
	DefaultCalendarID = "primary"
	// DefaultTimezone is attached to exported timed events.
	DefaultTimezone = "UTC"
)

// ConnectionConfig is one linked external calendar belonging to one user.
// It is owned by the connection registry; a sync only borrows it and
// mutates the token fields and LastSync.
type ConnectionConfig struct {
	ID        string       `json:"id" yaml:"id"`
	UserID    string       `json:"user_id" yaml:"user_id"`
	Provider  ProviderKind `json:"provider" yaml:"provider"`
	Name      string       `json:"name" yaml:"name"`
	Direction Direction    `json:"direction" yaml:"direction"`

	// Locators. Only the one matching Provider is meaningful.
	CalendarID string `json:"calendar_id,omitempty" yaml:"calendar_id,omitempty"` // google, default "primary"
	FeedURL    string `json:"feed_url,omitempty" yaml:"feed_url,omitempty"`       // ics

	// Timezone is the IANA zone sent with exported timed events (default "UTC").
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`

	AccessToken  string    `json:"-" yaml:"-"`
	RefreshToken string    `json:"-" yaml:"-"`
	TokenExpiry  time.Time `json:"token_expiry,omitempty" yaml:"token_expiry,omitempty"`

	// LastSync is the zero time until the first completed sync.
	LastSync time.Time `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
	Active   bool      `json:"active" yaml:"active"`
}

// ApplyDefaults fills the optional fields with their documented defaults.
func (c *ConnectionConfig) ApplyDefaults() {
	if c.Provider == ProviderGoogle && c.CalendarID == "" {
		c.CalendarID = DefaultCalendarID
	}
	if c.Provider == ProviderGoogle && c.Direction == "" {
		c.Direction = DirectionBidirectional
	}
	if c.Provider == ProviderICS && c.Direction == "" {
		c.Direction = DirectionImport
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
}

// Locator returns the provider-specific address of the calendar.
func (c *ConnectionConfig) Locator() string {
	if c.Provider == ProviderICS {
		return c.FeedURL
	}
	return c.CalendarID
}

// Validate checks the invariants of a connection before it is stored or synced.
func (c *ConnectionConfig) Validate() error {
	const op = "validate connection"
	if c.UserID == "" {
		return NewError(ErrConfiguration, op, fmt.Errorf("user_id must be provided"))
	}
	if !c.Provider.IsValid() {
		return NewError(ErrConfiguration, op, fmt.Errorf("provider must be 'google' or 'ics', got '%s'", c.Provider))
	}
	if !c.Direction.IsValid() {
		return NewError(ErrConfiguration, op, fmt.Errorf("direction must be 'import', 'export' or 'bidirectional', got '%s'", c.Direction))
	}

	switch c.Provider {
	case ProviderGoogle:
		if c.CalendarID == "" {
			return NewError(ErrConfiguration, op, fmt.Errorf("calendar_id must be provided for a google connection"))
		}
		if c.FeedURL != "" {
			return NewError(ErrConfiguration, op, fmt.Errorf("feed_url is not used by a google connection"))
		}
	case ProviderICS:
		if c.FeedURL == "" {
			return NewError(ErrConfiguration, op, fmt.Errorf("feed_url must be provided for an ics connection"))
		}
		if c.CalendarID != "" {
			return NewError(ErrConfiguration, op, fmt.Errorf("calendar_id is not used by an ics connection"))
		}
		if c.Direction.Exports() {
			return NewError(ErrConfiguration, op, fmt.Errorf("an ics connection can only import"))
		}
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return NewError(ErrConfiguration, op, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
		}
	}
	return nil
}

// TokenExpired reports whether the access token expired before now.
// A zero expiry means the provider gave no lifetime and is treated as valid.
func (c *ConnectionConfig) TokenExpired(now time.Time) bool {
	return !c.TokenExpiry.IsZero() && c.TokenExpiry.Before(now)
}
