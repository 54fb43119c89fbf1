package db

import (
	"time"
)

// Provider identifies a remote calendar provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderCalDAV Provider = "caldav"
	ProviderNotion Provider = "notion"
)

// ValidProviders contains all valid provider values.
var ValidProviders = map[Provider]bool{
	ProviderGoogle: true,
	ProviderCalDAV: true,
	ProviderNotion: true,
}

// IsValid returns true if the provider is a known valid value.
func (p Provider) IsValid() bool {
	return ValidProviders[p]
}

// EventSource identifies where a canonical event originated.
type EventSource string

const (
	SourceLocal  EventSource = "local"
	SourceGoogle EventSource = "google"
	SourceCalDAV EventSource = "caldav"
	SourceNotion EventSource = "notion"
)

// SourceForProvider maps a provider to the event source tag used for
// events pulled from it.
func SourceForProvider(p Provider) EventSource {
	switch p {
	case ProviderGoogle:
		return SourceGoogle
	case ProviderCalDAV:
		return SourceCalDAV
	case ProviderNotion:
		return SourceNotion
	}
	return SourceLocal
}

// SyncStatus tracks an event's position in the sync lifecycle.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// SyncDirection controls which way a connection synchronizes.
type SyncDirection string

const (
	SyncDirectionNone          SyncDirection = "none"
	SyncDirectionPull          SyncDirection = "pull"
	SyncDirectionPush          SyncDirection = "push"
	SyncDirectionBidirectional SyncDirection = "bidirectional"
)

// ValidSyncDirections contains all valid sync direction values.
var ValidSyncDirections = map[SyncDirection]bool{
	SyncDirectionNone:          true,
	SyncDirectionPull:          true,
	SyncDirectionPush:          true,
	SyncDirectionBidirectional: true,
}

// IsValid returns true if the sync direction is a known valid value.
func (sd SyncDirection) IsValid() bool {
	return ValidSyncDirections[sd]
}

// Pulls returns true if the direction includes remote-to-local sync.
func (sd SyncDirection) Pulls() bool {
	return sd == SyncDirectionPull || sd == SyncDirectionBidirectional
}

// Pushes returns true if the direction includes local-to-remote sync.
func (sd SyncDirection) Pushes() bool {
	return sd == SyncDirectionPush || sd == SyncDirectionBidirectional
}

// LogStatus is the final status of a sync run.
type LogStatus string

const (
	LogStatusRunning LogStatus = "running" // Open entry, completion pending
	LogStatusSuccess LogStatus = "success"
	LogStatusPartial LogStatus = "partial" // Run completed but some events errored
	LogStatusFailed  LogStatus = "failed"  // Structural failure prevented processing
)

// CanonicalEvent is the unified internal representation of a calendar
// event, independent of its originating provider. At most one external
// id field is populated, and it always matches Source for non-local
// events.
type CanonicalEvent struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	ConnectionID   string      `json:"connection_id,omitempty"`
	GoogleEventID  string      `json:"google_event_id,omitempty"`
	CalDAVUID      string      `json:"caldav_uid,omitempty"`
	NotionPageID   string      `json:"notion_page_id,omitempty"`
	Title          string      `json:"title"`
	Description    string      `json:"description,omitempty"`
	Location       string      `json:"location,omitempty"`
	StartMs        int64       `json:"start_ms"` // epoch millis
	EndMs          int64       `json:"end_ms"`
	AllDay         bool        `json:"all_day"`
	RecurrenceRule string      `json:"recurrence_rule,omitempty"`
	Source         EventSource `json:"source"`
	SyncStatus     SyncStatus  `json:"sync_status"`
	LastSyncError  string      `json:"last_sync_error,omitempty"`
	Color          string      `json:"color,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// ExternalID returns the event's external id for the given provider.
func (e *CanonicalEvent) ExternalID(p Provider) string {
	switch p {
	case ProviderGoogle:
		return e.GoogleEventID
	case ProviderCalDAV:
		return e.CalDAVUID
	case ProviderNotion:
		return e.NotionPageID
	}
	return ""
}

// SetExternalID stores an external id under the given provider's field.
func (e *CanonicalEvent) SetExternalID(p Provider, id string) {
	switch p {
	case ProviderGoogle:
		e.GoogleEventID = id
	case ProviderCalDAV:
		e.CalDAVUID = id
	case ProviderNotion:
		e.NotionPageID = id
	}
}

// Start returns the event start as a time.Time in UTC.
func (e *CanonicalEvent) Start() time.Time {
	return time.UnixMilli(e.StartMs).UTC()
}

// End returns the event end as a time.Time in UTC.
func (e *CanonicalEvent) End() time.Time {
	return time.UnixMilli(e.EndMs).UTC()
}

// CalendarConnection is a user's configured link to one remote
// provider. Credential fields are encrypted at rest and opaque to the
// sync engine; the matching adapter receives them decrypted.
type CalendarConnection struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Name          string        `json:"name"`
	Provider      Provider      `json:"provider"`
	SyncDirection SyncDirection `json:"sync_direction"`
	Connected     bool          `json:"connected"`
	BaseURL       string        `json:"base_url,omitempty"`
	AccessToken   string        `json:"-"`
	RefreshToken  string        `json:"-"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"-"`
	APIToken      string        `json:"-"`
	CalendarID    string        `json:"calendar_id,omitempty"` // target calendar / CalDAV path / database id
	Color         string        `json:"color,omitempty"`
	SyncInterval  int           `json:"sync_interval"` // seconds between scheduled runs
	LastSyncAt    *time.Time    `json:"last_sync_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// SyncLogEntry records one sync run for a connection. Created when the
// run starts and completed exactly once; never mutated afterwards.
type SyncLogEntry struct {
	ID              string     `json:"id"`
	ConnectionID    string     `json:"connection_id"`
	Action          string     `json:"action"`
	Status          LogStatus  `json:"status"`
	EventsProcessed int        `json:"events_processed"`
	EventsCreated   int        `json:"events_created"`
	EventsUpdated   int        `json:"events_updated"`
	EventsDeleted   int        `json:"events_deleted"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}
