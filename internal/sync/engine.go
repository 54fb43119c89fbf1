// Package sync reconciles the canonical event store with the remote
// providers configured on each connection.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dashwall/calhub/internal/config"
	"github.com/dashwall/calhub/internal/crypto"
	"github.com/dashwall/calhub/internal/db"
	"github.com/dashwall/calhub/internal/provider"
)

var (
	ErrSyncInProgress = errors.New("sync already in progress for connection")
	ErrNotConnected   = errors.New("connection is not enabled for sync")
)

// AdapterFactory builds the provider adapter for a connection. Tests
// substitute a fake; production uses provider.New.
type AdapterFactory func(conn *db.CalendarConnection, creds provider.Credentials) (provider.Adapter, error)

// Result summarizes one sync run.
type Result struct {
	ConnectionID string        `json:"connection_id"`
	Status       db.LogStatus  `json:"status"`
	Processed    int           `json:"events_processed"`
	Created      int           `json:"events_created"`
	Updated      int           `json:"events_updated"`
	Deleted      int           `json:"events_deleted"`
	Errors       []string      `json:"errors,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Engine coordinates pull and push reconciliation for calendar
// connections. At most one run per connection executes at a time.
type Engine struct {
	store      *db.DB
	cryptor    *crypto.Encryptor
	syncCfg    config.SyncConfig
	newAdapter AdapterFactory

	mu        sync.Mutex
	connLocks map[string]*sync.Mutex
}

// New creates a sync engine backed by the given store.
func New(store *db.DB, cryptor *crypto.Encryptor, syncCfg config.SyncConfig) *Engine {
	return &Engine{
		store:      store,
		cryptor:    cryptor,
		syncCfg:    syncCfg,
		newAdapter: provider.New,
		connLocks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex guarding a connection's sync runs.
func (e *Engine) lockFor(connectionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.connLocks[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		e.connLocks[connectionID] = lock
	}
	return lock
}

// window computes the reconciliation window around now.
func (e *Engine) window(now time.Time) provider.Window {
	return provider.Window{
		Start: now.AddDate(0, 0, -e.syncCfg.WindowPastDays),
		End:   now.AddDate(0, 0, e.syncCfg.WindowFutureDays),
	}
}

// adapterFor decrypts the connection credentials and builds its
// adapter.
func (e *Engine) adapterFor(conn *db.CalendarConnection) (provider.Adapter, error) {
	creds := provider.Credentials{Username: conn.Username}

	var err error
	if creds.AccessToken, err = e.cryptor.Decrypt(conn.AccessToken); err != nil {
		return nil, fmt.Errorf("%w: access token: %w", provider.ErrCredentials, err)
	}
	if creds.RefreshToken, err = e.cryptor.Decrypt(conn.RefreshToken); err != nil {
		return nil, fmt.Errorf("%w: refresh token: %w", provider.ErrCredentials, err)
	}
	if creds.Password, err = e.cryptor.Decrypt(conn.Password); err != nil {
		return nil, fmt.Errorf("%w: password: %w", provider.ErrCredentials, err)
	}
	if creds.APIToken, err = e.cryptor.Decrypt(conn.APIToken); err != nil {
		return nil, fmt.Errorf("%w: api token: %w", provider.ErrCredentials, err)
	}

	return e.newAdapter(conn, creds)
}

// SyncAll runs every enabled connection for a user in sequence and
// returns the per-connection results.
func (e *Engine) SyncAll(ctx context.Context, userID string) ([]*Result, error) {
	conns, err := e.store.GetConnectionsByUserID(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	results := make([]*Result, 0, len(conns))
	for _, conn := range conns {
		if !conn.Connected || conn.SyncDirection == db.SyncDirectionNone {
			continue
		}
		result, err := e.SyncConnection(ctx, conn.ID)
		if err != nil {
			if errors.Is(err, ErrSyncInProgress) {
				continue
			}
			// One failing connection never blocks the others.
			log.Printf("sync: connection %s failed: %v", conn.ID, err)
			if result == nil {
				result = &Result{ConnectionID: conn.ID, Status: db.LogStatusFailed}
			}
			result.Errors = append(result.Errors, err.Error())
			results = append(results, result)
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// SyncConnection runs one pull/push cycle for a connection. It refuses
// to overlap a run already in flight for the same connection.
func (e *Engine) SyncConnection(ctx context.Context, connectionID string) (*Result, error) {
	lock := e.lockFor(connectionID)
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrSyncInProgress, connectionID)
	}
	defer lock.Unlock()

	conn, err := e.store.GetConnectionByID(connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	if !conn.Connected || conn.SyncDirection == db.SyncDirectionNone {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, connectionID)
	}

	started := time.Now()
	entry := &db.SyncLogEntry{
		ConnectionID: conn.ID,
		Action:       "sync",
		Status:       db.LogStatusRunning,
		StartedAt:    started,
	}
	if err := e.store.CreateSyncLog(entry); err != nil {
		return nil, fmt.Errorf("failed to open sync log: %w", err)
	}

	result := &Result{ConnectionID: conn.ID}
	runErr := e.run(ctx, conn, result)

	// Determine the outcome: failed when nothing useful happened,
	// partial when some events errored but others went through.
	switch {
	case runErr != nil:
		entry.Status = db.LogStatusFailed
		entry.Error = runErr.Error()
	case len(result.Errors) > 0:
		entry.Status = db.LogStatusPartial
		entry.Error = strings.Join(result.Errors, "; ")
	default:
		entry.Status = db.LogStatusSuccess
	}
	result.Status = entry.Status
	result.Duration = time.Since(started)

	entry.EventsProcessed = result.Processed
	entry.EventsCreated = result.Created
	entry.EventsUpdated = result.Updated
	entry.EventsDeleted = result.Deleted
	finished := time.Now()
	entry.FinishedAt = &finished
	if err := e.store.CompleteSyncLog(entry); err != nil {
		log.Printf("sync: failed to complete log for connection %s: %v", conn.ID, err)
	}

	if runErr != nil {
		return result, runErr
	}

	if err := e.store.UpdateConnectionLastSync(conn.ID, finished); err != nil {
		log.Printf("sync: failed to record last sync for connection %s: %v", conn.ID, err)
	}

	log.Printf("sync: connection %s finished with status %s (processed=%d created=%d updated=%d deleted=%d)",
		conn.ID, entry.Status, result.Processed, result.Created, result.Updated, result.Deleted)
	return result, nil
}

// run performs the actual pull and push phases. A returned error means
// the run failed wholesale; per-event problems land in result.Errors.
func (e *Engine) run(ctx context.Context, conn *db.CalendarConnection, result *Result) error {
	adapter, err := e.adapterFor(conn)
	if err != nil {
		return err
	}

	window := e.window(time.Now())

	if conn.SyncDirection.Pulls() {
		if err := e.pull(ctx, conn, adapter, window, result); err != nil {
			return err
		}
	}
	if conn.SyncDirection.Pushes() {
		if err := e.push(ctx, conn, adapter, window, result); err != nil {
			return err
		}
	}
	return nil
}

// pull fetches remote events in the window and upserts them into the
// canonical store, keyed by their provider-specific external id.
func (e *Engine) pull(ctx context.Context, conn *db.CalendarConnection, adapter provider.Adapter, window provider.Window, result *Result) error {
	remote, err := adapter.FetchEvents(ctx, window)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	for i := range remote {
		event := &remote[i]
		result.Processed++

		externalID := event.ExternalID(conn.Provider)
		if externalID == "" {
			result.Errors = append(result.Errors, "pulled event has no external id")
			continue
		}

		existing, err := e.store.GetEventByExternalID(conn.UserID, conn.Provider, externalID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			result.Errors = append(result.Errors, fmt.Sprintf("lookup %s: %v", externalID, err))
			continue
		}

		if existing == nil {
			event.UserID = conn.UserID
			event.ConnectionID = conn.ID
			event.SyncStatus = db.SyncStatusSynced
			if event.Color == "" {
				event.Color = conn.Color
			}
			if err := e.store.CreateEvent(event); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("create %s: %v", externalID, err))
				continue
			}
			result.Created++
			continue
		}

		// Remote wins for remote-sourced rows; copy over the mutable
		// fields and mark the row clean.
		existing.Title = event.Title
		existing.Description = event.Description
		existing.Location = event.Location
		existing.StartMs = event.StartMs
		existing.EndMs = event.EndMs
		existing.AllDay = event.AllDay
		existing.RecurrenceRule = event.RecurrenceRule
		existing.SyncStatus = db.SyncStatusSynced
		existing.LastSyncError = ""
		if err := e.store.UpdateEvent(existing); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("update %s: %v", externalID, err))
			continue
		}
		result.Updated++
	}

	return nil
}

// push sends locally created or edited events to the provider. Events
// whose last attempt errored stay parked until the user edits them
// again.
func (e *Engine) push(ctx context.Context, conn *db.CalendarConnection, adapter provider.Adapter, window provider.Window, result *Result) error {
	pending, err := e.store.ListPendingPushEvents(conn.UserID, window.Start.UnixMilli(), window.End.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to list pending events: %w", err)
	}

	for _, event := range pending {
		// Events already claimed by another connection belong to that
		// connection's push cycle.
		if event.ConnectionID != "" && event.ConnectionID != conn.ID {
			continue
		}
		result.Processed++

		externalID := event.ExternalID(conn.Provider)
		if externalID == "" {
			id, err := adapter.CreateEvent(ctx, event)
			if err != nil {
				e.markEventError(event.ID, err, result)
				continue
			}
			event.SetExternalID(conn.Provider, id)
			event.ConnectionID = conn.ID
			event.SyncStatus = db.SyncStatusSynced
			event.LastSyncError = ""
			if err := e.store.UpdateEvent(event); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record push %s: %v", event.ID, err))
				continue
			}
			result.Created++
			continue
		}

		if err := adapter.UpdateEvent(ctx, externalID, event); err != nil {
			e.markEventError(event.ID, err, result)
			continue
		}
		if err := e.store.UpdateEventSyncStatus(event.ID, db.SyncStatusSynced, ""); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record push %s: %v", event.ID, err))
			continue
		}
		result.Updated++
	}

	return nil
}

func (e *Engine) markEventError(eventID string, pushErr error, result *Result) {
	result.Errors = append(result.Errors, fmt.Sprintf("push %s: %v", eventID, pushErr))
	if err := e.store.UpdateEventSyncStatus(eventID, db.SyncStatusError, pushErr.Error()); err != nil {
		log.Printf("sync: failed to mark event %s errored: %v", eventID, err)
	}
}

// SyncEvent pushes one event to its connection's provider immediately,
// outside the scheduled cycle.
func (e *Engine) SyncEvent(ctx context.Context, eventID string) error {
	event, err := e.store.GetEventByID(eventID)
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}
	if event.ConnectionID == "" {
		return fmt.Errorf("event %s has no connection", eventID)
	}

	conn, err := e.store.GetConnectionByID(event.ConnectionID)
	if err != nil {
		return fmt.Errorf("failed to load connection: %w", err)
	}

	adapter, err := e.adapterFor(conn)
	if err != nil {
		return err
	}

	externalID := event.ExternalID(conn.Provider)
	if externalID == "" {
		id, err := adapter.CreateEvent(ctx, event)
		if err != nil {
			e.recordEventError(event.ID, err)
			return err
		}
		event.SetExternalID(conn.Provider, id)
		event.SyncStatus = db.SyncStatusSynced
		event.LastSyncError = ""
		return e.store.UpdateEvent(event)
	}

	if err := adapter.UpdateEvent(ctx, externalID, event); err != nil {
		e.recordEventError(event.ID, err)
		return err
	}
	return e.store.UpdateEventSyncStatus(event.ID, db.SyncStatusSynced, "")
}

func (e *Engine) recordEventError(eventID string, pushErr error) {
	if err := e.store.UpdateEventSyncStatus(eventID, db.SyncStatusError, pushErr.Error()); err != nil {
		log.Printf("sync: failed to mark event %s errored: %v", eventID, err)
	}
}

// DeleteEvent removes an event locally and from every connected
// push-enabled provider it carries an external id for. Remote deletion
// tolerates resources that are already gone; a failing provider is
// logged and does not block the local delete or sibling connections.
func (e *Engine) DeleteEvent(ctx context.Context, eventID string) error {
	event, err := e.store.GetEventByID(eventID)
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}

	conns, err := e.store.GetConnectionsByUserID(event.UserID)
	if err != nil {
		return fmt.Errorf("failed to list connections: %w", err)
	}

	for _, conn := range conns {
		if !conn.Connected || !conn.SyncDirection.Pushes() {
			continue
		}
		externalID := event.ExternalID(conn.Provider)
		if externalID == "" {
			continue
		}
		adapter, err := e.adapterFor(conn)
		if err != nil {
			log.Printf("sync: skipping remote delete on connection %s: %v", conn.ID, err)
			continue
		}
		if err := adapter.DeleteEvent(ctx, externalID); err != nil {
			log.Printf("sync: remote delete of %s on connection %s failed: %v", event.ID, conn.ID, err)
		}
	}

	return e.store.DeleteEvent(eventID)
}
