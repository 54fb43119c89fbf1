package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dashwall/calhub/internal/config"
	"github.com/dashwall/calhub/internal/crypto"
	"github.com/dashwall/calhub/internal/db"
	"github.com/dashwall/calhub/internal/provider"
)

// fakeAdapter is an in-memory provider used in place of a real remote.
type fakeAdapter struct {
	provider db.Provider

	remote     []db.CanonicalEvent
	fetchErr   error
	createErr  error
	updateErr  error
	deleteErr  error
	created    []*db.CanonicalEvent
	updated    map[string]*db.CanonicalEvent
	deleted    []string
	nextID     int
	lastWindow provider.Window
}

func newFakeAdapter(p db.Provider) *fakeAdapter {
	return &fakeAdapter{provider: p, updated: make(map[string]*db.CanonicalEvent)}
}

func (f *fakeAdapter) Provider() db.Provider { return f.provider }

func (f *fakeAdapter) FetchEvents(ctx context.Context, window provider.Window) ([]db.CanonicalEvent, error) {
	f.lastWindow = window
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.remote, nil
}

func (f *fakeAdapter) CreateEvent(ctx context.Context, event *db.CanonicalEvent) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	f.created = append(f.created, event)
	return fmt.Sprintf("remote-%d", f.nextID), nil
}

func (f *fakeAdapter) UpdateEvent(ctx context.Context, externalID string, event *db.CanonicalEvent) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated[externalID] = event
	return nil
}

func (f *fakeAdapter) DeleteEvent(ctx context.Context, externalID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, externalID)
	return nil
}

func setupEngine(t *testing.T) (*Engine, *db.DB, *fakeAdapter) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calhub-sync-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	store, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cryptor, err := crypto.NewEncryptor(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}

	fake := newFakeAdapter(db.ProviderGoogle)
	engine := New(store, cryptor, config.SyncConfig{
		WindowPastDays:   30,
		WindowFutureDays: 365,
	})
	engine.newAdapter = func(conn *db.CalendarConnection, creds provider.Credentials) (provider.Adapter, error) {
		return fake, nil
	}

	return engine, store, fake
}

func createTestConnection(t *testing.T, engine *Engine, store *db.DB, direction db.SyncDirection) *db.CalendarConnection {
	t.Helper()

	token, err := engine.cryptor.Encrypt("test-token")
	if err != nil {
		t.Fatalf("Failed to encrypt token: %v", err)
	}

	conn := &db.CalendarConnection{
		UserID:        "user-1",
		Name:          "Work Calendar",
		Provider:      db.ProviderGoogle,
		SyncDirection: direction,
		Connected:     true,
		AccessToken:   token,
		Color:         "#4285f4",
	}
	if err := store.CreateConnection(conn); err != nil {
		t.Fatalf("Failed to create connection: %v", err)
	}
	return conn
}

func TestSyncConnectionPullCreatesAndUpdates(t *testing.T) {
	engine, store, fake := setupEngine(t)
	conn := createTestConnection(t, engine, store, db.SyncDirectionPull)

	start := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	fake.remote = []db.CanonicalEvent{
		{
			GoogleEventID: "g-1",
			Title:         "Planning",
			StartMs:       start.UnixMilli(),
			EndMs:         start.Add(time.Hour).UnixMilli(),
			Source:        db.SourceGoogle,
		},
	}

	result, err := engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("SyncConnection failed: %v", err)
	}
	if result.Status != db.LogStatusSuccess {
		t.Errorf("Expected success status, got %s", result.Status)
	}
	if result.Created != 1 {
		t.Errorf("Expected 1 created, got %d", result.Created)
	}

	stored, err := store.GetEventByExternalID("user-1", db.ProviderGoogle, "g-1")
	if err != nil {
		t.Fatalf("Failed to look up pulled event: %v", err)
	}
	if stored.Title != "Planning" {
		t.Errorf("Expected title Planning, got %s", stored.Title)
	}
	if stored.SyncStatus != db.SyncStatusSynced {
		t.Errorf("Expected synced status, got %s", stored.SyncStatus)
	}
	if stored.Color != conn.Color {
		t.Errorf("Expected connection color %s, got %s", conn.Color, stored.Color)
	}

	// A second pull with a changed title updates the same row.
	fake.remote[0].Title = "Planning (moved)"
	result, err = engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("Second SyncConnection failed: %v", err)
	}
	if result.Updated != 1 {
		t.Errorf("Expected 1 updated, got %d", result.Updated)
	}

	stored, err = store.GetEventByExternalID("user-1", db.ProviderGoogle, "g-1")
	if err != nil {
		t.Fatalf("Failed to re-look up event: %v", err)
	}
	if stored.Title != "Planning (moved)" {
		t.Errorf("Expected updated title, got %s", stored.Title)
	}

	updated, err := store.GetConnectionByID(conn.ID)
	if err != nil {
		t.Fatalf("Failed to reload connection: %v", err)
	}
	if updated.LastSyncAt == nil {
		t.Error("Expected LastSyncAt to be recorded")
	}
}

func TestSyncConnectionPushesPendingAndSkipsErrored(t *testing.T) {
	engine, store, fake := setupEngine(t)
	conn := createTestConnection(t, engine, store, db.SyncDirectionPush)

	start := time.Now().Add(24 * time.Hour)
	pending := &db.CanonicalEvent{
		UserID:  "user-1",
		Title:   "Dentist",
		StartMs: start.UnixMilli(),
		EndMs:   start.Add(time.Hour).UnixMilli(),
	}
	if err := store.CreateEvent(pending); err != nil {
		t.Fatalf("Failed to create pending event: %v", err)
	}

	errored := &db.CanonicalEvent{
		UserID:     "user-1",
		Title:      "Broken",
		StartMs:    start.UnixMilli(),
		EndMs:      start.Add(time.Hour).UnixMilli(),
		SyncStatus: db.SyncStatusError,
	}
	if err := store.CreateEvent(errored); err != nil {
		t.Fatalf("Failed to create errored event: %v", err)
	}

	result, err := engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("SyncConnection failed: %v", err)
	}
	if result.Status != db.LogStatusSuccess {
		t.Errorf("Expected success, got %s", result.Status)
	}
	if len(fake.created) != 1 {
		t.Fatalf("Expected 1 remote create, got %d", len(fake.created))
	}
	if fake.created[0].Title != "Dentist" {
		t.Errorf("Expected Dentist pushed, got %s", fake.created[0].Title)
	}

	stored, err := store.GetEventByID(pending.ID)
	if err != nil {
		t.Fatalf("Failed to reload pushed event: %v", err)
	}
	if stored.SyncStatus != db.SyncStatusSynced {
		t.Errorf("Expected synced, got %s", stored.SyncStatus)
	}
	if stored.GoogleEventID == "" {
		t.Error("Expected external id recorded after push")
	}
	if stored.ConnectionID != conn.ID {
		t.Errorf("Expected event claimed by connection %s, got %s", conn.ID, stored.ConnectionID)
	}

	// The errored event must stay untouched until the user edits it.
	untouched, err := store.GetEventByID(errored.ID)
	if err != nil {
		t.Fatalf("Failed to reload errored event: %v", err)
	}
	if untouched.SyncStatus != db.SyncStatusError {
		t.Errorf("Expected errored event to keep error status, got %s", untouched.SyncStatus)
	}
}

func TestSyncConnectionBidirectional(t *testing.T) {
	engine, store, fake := setupEngine(t)
	conn := createTestConnection(t, engine, store, db.SyncDirectionBidirectional)

	start := time.Now().Add(24 * time.Hour)
	for i := 0; i < 3; i++ {
		fake.remote = append(fake.remote, db.CanonicalEvent{
			GoogleEventID: fmt.Sprintf("g-%d", i),
			Title:         fmt.Sprintf("Remote %d", i),
			StartMs:       start.Add(time.Duration(i) * time.Hour).UnixMilli(),
			EndMs:         start.Add(time.Duration(i+1) * time.Hour).UnixMilli(),
			Source:        db.SourceGoogle,
		})
	}
	for i := 0; i < 5; i++ {
		event := &db.CanonicalEvent{
			UserID:  "user-1",
			Title:   fmt.Sprintf("Local %d", i),
			StartMs: start.Add(time.Duration(i) * time.Hour).UnixMilli(),
			EndMs:   start.Add(time.Duration(i+1) * time.Hour).UnixMilli(),
		}
		if err := store.CreateEvent(event); err != nil {
			t.Fatalf("Failed to create local event: %v", err)
		}
	}

	result, err := engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("SyncConnection failed: %v", err)
	}
	if result.Status != db.LogStatusSuccess {
		t.Errorf("Expected success, got %s (errors: %v)", result.Status, result.Errors)
	}
	if result.Processed != 8 {
		t.Errorf("Expected 8 processed, got %d", result.Processed)
	}
	if result.Created != 8 {
		t.Errorf("Expected 3 pulled + 5 pushed creates, got %d", result.Created)
	}
	if len(fake.created) != 5 {
		t.Errorf("Expected 5 remote creates, got %d", len(fake.created))
	}

	pending, err := store.ListPendingPushEvents("user-1", 0, start.Add(240*time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("Failed to list pending events: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending events after bidirectional sync, got %d", len(pending))
	}
}

func TestSyncConnectionPartialOnPushError(t *testing.T) {
	engine, store, fake := setupEngine(t)
	conn := createTestConnection(t, engine, store, db.SyncDirectionPush)
	fake.createErr = errors.New("quota exceeded")

	start := time.Now().Add(24 * time.Hour)
	event := &db.CanonicalEvent{
		UserID:  "user-1",
		Title:   "Doomed",
		StartMs: start.UnixMilli(),
		EndMs:   start.Add(time.Hour).UnixMilli(),
	}
	if err := store.CreateEvent(event); err != nil {
		t.Fatalf("Failed to create event: %v", err)
	}

	result, err := engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("SyncConnection failed: %v", err)
	}
	if result.Status != db.LogStatusPartial {
		t.Errorf("Expected partial status, got %s", result.Status)
	}

	stored, err := store.GetEventByID(event.ID)
	if err != nil {
		t.Fatalf("Failed to reload event: %v", err)
	}
	if stored.SyncStatus != db.SyncStatusError {
		t.Errorf("Expected error status, got %s", stored.SyncStatus)
	}
	if stored.LastSyncError == "" {
		t.Error("Expected last sync error to be recorded")
	}

	logs, err := store.GetSyncLogs(conn.ID, 10)
	if err != nil {
		t.Fatalf("Failed to load sync logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("Expected 1 sync log, got %d", len(logs))
	}
	if logs[0].Status != db.LogStatusPartial {
		t.Errorf("Expected partial log, got %s", logs[0].Status)
	}
	if logs[0].FinishedAt == nil {
		t.Error("Expected log to be completed")
	}
}

func TestSyncConnectionFailedOnFetchError(t *testing.T) {
	engine, store, fake := setupEngine(t)
	conn := createTestConnection(t, engine, store, db.SyncDirectionPull)
	fake.fetchErr = errors.New("remote unavailable")

	_, err := engine.SyncConnection(context.Background(), conn.ID)
	if err == nil {
		t.Fatal("Expected SyncConnection to fail")
	}

	logs, err := store.GetSyncLogs(conn.ID, 10)
	if err != nil {
		t.Fatalf("Failed to load sync logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != db.LogStatusFailed {
		t.Fatalf("Expected a single failed log, got %+v", logs)
	}
}

func TestSyncConnectionRefusesOverlap(t *testing.T) {
	engine, store, _ := setupEngine(t)
	conn := createTestConnection(t, engine, store, db.SyncDirectionPull)

	lock := engine.lockFor(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	_, err := engine.SyncConnection(context.Background(), conn.ID)
	if !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("Expected ErrSyncInProgress, got %v", err)
	}
}

func TestSyncConnectionRequiresConnected(t *testing.T) {
	engine, store, _ := setupEngine(t)
	conn := createTestConnection(t, engine, store, db.SyncDirectionPull)
	conn.Connected = false
	if err := store.UpdateConnection(conn); err != nil {
		t.Fatalf("Failed to disable connection: %v", err)
	}

	_, err := engine.SyncConnection(context.Background(), conn.ID)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestDeleteEventRemovesRemoteCopy(t *testing.T) {
	engine, store, fake := setupEngine(t)
	conn := createTestConnection(t, engine, store, db.SyncDirectionBidirectional)

	event := &db.CanonicalEvent{
		UserID:        "user-1",
		ConnectionID:  conn.ID,
		GoogleEventID: "g-9",
		Title:         "Cancelled meeting",
		StartMs:       time.Now().UnixMilli(),
		EndMs:         time.Now().Add(time.Hour).UnixMilli(),
		Source:        db.SourceGoogle,
		SyncStatus:    db.SyncStatusSynced,
	}
	if err := store.CreateEvent(event); err != nil {
		t.Fatalf("Failed to create event: %v", err)
	}

	if err := engine.DeleteEvent(context.Background(), event.ID); err != nil {
		t.Fatalf("DeleteEvent failed: %v", err)
	}

	if len(fake.deleted) != 1 || fake.deleted[0] != "g-9" {
		t.Errorf("Expected remote delete of g-9, got %v", fake.deleted)
	}
	if _, err := store.GetEventByID(event.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected event gone locally, got %v", err)
	}
}

func TestDeleteEventSurvivesRemoteFailure(t *testing.T) {
	engine, store, fake := setupEngine(t)
	conn := createTestConnection(t, engine, store, db.SyncDirectionBidirectional)
	fake.deleteErr = errors.New("remote unavailable")

	event := &db.CanonicalEvent{
		UserID:        "user-1",
		ConnectionID:  conn.ID,
		GoogleEventID: "g-12",
		Title:         "Ghost meeting",
		StartMs:       time.Now().UnixMilli(),
		EndMs:         time.Now().Add(time.Hour).UnixMilli(),
		Source:        db.SourceGoogle,
		SyncStatus:    db.SyncStatusSynced,
	}
	if err := store.CreateEvent(event); err != nil {
		t.Fatalf("Failed to create event: %v", err)
	}

	if err := engine.DeleteEvent(context.Background(), event.ID); err != nil {
		t.Fatalf("DeleteEvent failed: %v", err)
	}
	if _, err := store.GetEventByID(event.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected event gone locally despite remote failure, got %v", err)
	}
}

func TestSyncAllIsolatesFailingConnection(t *testing.T) {
	engine, store, _ := setupEngine(t)
	broken := createTestConnection(t, engine, store, db.SyncDirectionPull)
	healthy := createTestConnection(t, engine, store, db.SyncDirectionPull)

	start := time.Now().Add(24 * time.Hour)
	brokenFake := newFakeAdapter(db.ProviderGoogle)
	brokenFake.fetchErr = errors.New("remote unavailable")
	healthyFake := newFakeAdapter(db.ProviderGoogle)
	healthyFake.remote = []db.CanonicalEvent{
		{
			GoogleEventID: "g-ok",
			Title:         "Survivor",
			StartMs:       start.UnixMilli(),
			EndMs:         start.Add(time.Hour).UnixMilli(),
			Source:        db.SourceGoogle,
		},
	}
	engine.newAdapter = func(conn *db.CalendarConnection, creds provider.Credentials) (provider.Adapter, error) {
		if conn.ID == broken.ID {
			return brokenFake, nil
		}
		return healthyFake, nil
	}

	results, err := engine.SyncAll(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}

	byConn := make(map[string]*Result, len(results))
	for _, r := range results {
		byConn[r.ConnectionID] = r
	}
	if byConn[broken.ID] == nil || byConn[broken.ID].Status != db.LogStatusFailed {
		t.Errorf("Expected failed result for broken connection, got %+v", byConn[broken.ID])
	}
	if byConn[broken.ID] != nil && len(byConn[broken.ID].Errors) == 0 {
		t.Error("Expected failed result to carry an error message")
	}
	if byConn[healthy.ID] == nil || byConn[healthy.ID].Status != db.LogStatusSuccess {
		t.Errorf("Expected success result for healthy connection, got %+v", byConn[healthy.ID])
	}

	// The healthy connection's pull still happened.
	if _, err := store.GetEventByExternalID("user-1", db.ProviderGoogle, "g-ok"); err != nil {
		t.Errorf("Expected event pulled through healthy connection: %v", err)
	}
}

func TestSyncSkipsDirectionNone(t *testing.T) {
	engine, store, _ := setupEngine(t)
	conn := createTestConnection(t, engine, store, db.SyncDirectionNone)

	_, err := engine.SyncConnection(context.Background(), conn.ID)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected for direction none, got %v", err)
	}

	results, err := engine.SyncAll(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected direction-none connection skipped, got %d results", len(results))
	}

	logs, err := store.GetSyncLogs(conn.ID, 10)
	if err != nil {
		t.Fatalf("Failed to load sync logs: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("Expected no sync logs opened, got %d", len(logs))
	}
}

func TestSyncAllSkipsDisabledConnections(t *testing.T) {
	engine, store, _ := setupEngine(t)
	enabled := createTestConnection(t, engine, store, db.SyncDirectionPull)

	disabled := createTestConnection(t, engine, store, db.SyncDirectionPull)
	disabled.Connected = false
	if err := store.UpdateConnection(disabled); err != nil {
		t.Fatalf("Failed to disable connection: %v", err)
	}

	results, err := engine.SyncAll(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	if results[0].ConnectionID != enabled.ID {
		t.Errorf("Expected result for %s, got %s", enabled.ID, results[0].ConnectionID)
	}
}
