package model

import (
	"fmt"
	"time"
)

// ConflictKind classifies a record that could not be reconciled cleanly.
type ConflictKind string

const (
	// ConflictDuplicateRemote: more than one remote event carries the same marker.
	ConflictDuplicateRemote ConflictKind = "duplicate_remote"
	// ConflictInvalidRange: the event ends before it starts and was skipped.
	ConflictInvalidRange ConflictKind = "invalid_range"
)

// Conflict names one item and what was wrong with it.
type Conflict struct {
	ItemID string       `json:"item_id" yaml:"item_id"`
	Kind   ConflictKind `json:"kind" yaml:"kind"`
}

// SyncResult is the outcome of one sync call. Build it with a SyncReport.
type SyncResult struct {
	Success   bool          `json:"success" yaml:"success"`
	Message   string        `json:"message" yaml:"message"`
	Imported  int           `json:"imported" yaml:"imported"`
	Exported  int           `json:"exported" yaml:"exported"`
	Updated   int           `json:"updated" yaml:"updated"`
	Errors    []string      `json:"errors,omitempty" yaml:"errors,omitempty"`
	Conflicts []Conflict    `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// SyncReport accumulates the outcome of a sync while it runs.
type SyncReport struct {
	started   time.Time
	imported  int
	exported  int
	updated   int
	errors    []string
	conflicts []Conflict
}

// NewSyncReport starts a report at the given time.
func NewSyncReport(started time.Time) *SyncReport {
	return &SyncReport{started: started}
}

// Imported counts one successfully imported item; updated marks that an
// existing local record was changed in place.
func (r *SyncReport) Imported(updated bool) {
	r.imported++
	if updated {
		r.updated++
	}
}

// Exported counts one successfully exported item; updated marks that an
// existing remote event was changed in place.
func (r *SyncReport) Exported(updated bool) {
	r.exported++
	if updated {
		r.updated++
	}
}

// Counts returns the running totals.
func (r *SyncReport) Counts() (imported, exported, updated int) {
	return r.imported, r.exported, r.updated
}

// Rewind resets the totals to an earlier snapshot, used when a phase's
// writes were not committed.
func (r *SyncReport) Rewind(imported, exported, updated int) {
	r.imported, r.exported, r.updated = imported, exported, updated
}

// Errorf records a per-item or per-phase error.
func (r *SyncReport) Errorf(format string, args ...any) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

// Conflict records a conflict for an item.
func (r *SyncReport) Conflict(itemID string, kind ConflictKind) {
	r.conflicts = append(r.conflicts, Conflict{ItemID: itemID, Kind: kind})
}

// HasErrors reports whether any error was recorded.
func (r *SyncReport) HasErrors() bool {
	return len(r.errors) > 0
}

// Result freezes the report. Success is derived from the error list.
func (r *SyncReport) Result(message string, finished time.Time) SyncResult {
	res := SyncResult{
		Success:  len(r.errors) == 0,
		Message:  message,
		Imported: r.imported,
		Exported: r.exported,
		Updated:  r.updated,
		Duration: finished.Sub(r.started),
	}
	if len(r.errors) > 0 {
		res.Errors = append([]string(nil), r.errors...)
	}
	if len(r.conflicts) > 0 {
		res.Conflicts = append([]Conflict(nil), r.conflicts...)
	}
	if res.Duration < 0 {
		res.Duration = 0
	}
	return res
}

// FailedResult is the result of a call that could not run at all.
func FailedResult(message string, err error, started, finished time.Time) SyncResult {
	r := NewSyncReport(started)
	r.Errorf("%v", err)
	return r.Result(message, finished)
}
