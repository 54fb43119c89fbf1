package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dashwall/calhub/internal/config"
	"github.com/dashwall/calhub/internal/crypto"
	"github.com/dashwall/calhub/internal/db"
	"github.com/dashwall/calhub/internal/sync"
	"github.com/dashwall/calhub/internal/validator"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testServer holds test dependencies.
type testServer struct {
	db     *db.DB
	router *gin.Engine
}

// setupTestServer creates a router with handlers over a test database.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calhub-api-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	encryptor, err := crypto.NewEncryptor(bytes.Repeat([]byte{0x24}, 32))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	cfg := &config.Config{
		Sync: config.SyncConfig{
			WindowPastDays:   30,
			WindowFutureDays: 365,
			MinInterval:      60,
			MaxInterval:      3600,
			DefaultInterval:  300,
		},
		RateLimiting: config.RateLimitConfig{RPS: 100, Burst: 200},
	}

	engine := sync.New(database, encryptor, cfg.Sync)
	handlers := NewHandlers(cfg, database, encryptor, engine, nil,
		validator.New(validator.WithAllowPrivateIPs(), validator.WithIntervalBounds(60, 3600)))

	router := gin.New()
	SetupRoutes(router, handlers)

	return &testServer{db: database, router: router}
}

// doJSON performs a request with the test user identity header.
func (ts *testServer) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-User-ID", "user-1")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	ts := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("expected healthy body, got %s", w.Body.String())
	}
}

func TestAPIRequiresUserIdentity(t *testing.T) {
	ts := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without X-User-ID, got %d", w.Code)
	}
}

func TestCreateConnectionEncryptsCredentials(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.doJSON(t, http.MethodPost, "/api/connections", map[string]any{
		"name":           "Team CalDAV",
		"provider":       "caldav",
		"sync_direction": "bidirectional",
		"base_url":       "https://dav.example.com/",
		"credentials": map[string]any{
			"username": "alice",
			"password": "hunter2",
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// The response must not leak credential material.
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Error("response leaked plaintext password")
	}

	var created db.CalendarConnection
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	stored, err := ts.db.GetConnectionByID(created.ID)
	if err != nil {
		t.Fatalf("failed to load stored connection: %v", err)
	}
	if stored.Password == "" || stored.Password == "hunter2" {
		t.Error("expected password stored encrypted")
	}
	if stored.SyncInterval != 300 {
		t.Errorf("expected default sync interval, got %d", stored.SyncInterval)
	}
}

func TestCreateConnectionRejectsUnknownProvider(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.doJSON(t, http.MethodPost, "/api/connections", map[string]any{
		"name":     "Bad",
		"provider": "outlook",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestConnectionOwnershipHidesForeignRows(t *testing.T) {
	ts := setupTestServer(t)

	conn := &db.CalendarConnection{
		UserID:   "someone-else",
		Name:     "Foreign",
		Provider: db.ProviderGoogle,
	}
	if err := ts.db.CreateConnection(conn); err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}

	w := ts.doJSON(t, http.MethodGet, "/api/connections/"+conn.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for foreign connection, got %d", w.Code)
	}
}

func TestCreateEventValidation(t *testing.T) {
	ts := setupTestServer(t)
	start := time.Now().Add(time.Hour)

	t.Run("rejects missing title", func(t *testing.T) {
		w := ts.doJSON(t, http.MethodPost, "/api/events", map[string]any{
			"start_ms": start.UnixMilli(),
			"end_ms":   start.Add(time.Hour).UnixMilli(),
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("rejects inverted interval", func(t *testing.T) {
		w := ts.doJSON(t, http.MethodPost, "/api/events", map[string]any{
			"title":    "Backwards",
			"start_ms": start.UnixMilli(),
			"end_ms":   start.Add(-time.Hour).UnixMilli(),
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("rejects malformed recurrence rule", func(t *testing.T) {
		w := ts.doJSON(t, http.MethodPost, "/api/events", map[string]any{
			"title":           "Broken rule",
			"start_ms":        start.UnixMilli(),
			"end_ms":          start.Add(time.Hour).UnixMilli(),
			"recurrence_rule": "FREQ=DAILY",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("creates pending local event", func(t *testing.T) {
		w := ts.doJSON(t, http.MethodPost, "/api/events", map[string]any{
			"title":           "Standup",
			"start_ms":        start.UnixMilli(),
			"end_ms":          start.Add(30 * time.Minute).UnixMilli(),
			"recurrence_rule": "RRULE:FREQ=DAILY;COUNT=10",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
		}

		var created db.CanonicalEvent
		if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if created.SyncStatus != db.SyncStatusPending {
			t.Errorf("expected pending status, got %s", created.SyncStatus)
		}
		if created.Source != db.SourceLocal {
			t.Errorf("expected local source, got %s", created.Source)
		}
		if created.RecurrenceRule != "RRULE:FREQ=DAILY;COUNT=10" {
			t.Errorf("unexpected stored rule %q", created.RecurrenceRule)
		}
	})
}

func TestUpdateEventResetsSyncStatus(t *testing.T) {
	ts := setupTestServer(t)

	start := time.Now().Add(time.Hour)
	event := &db.CanonicalEvent{
		UserID:        "user-1",
		Title:         "Synced meeting",
		StartMs:       start.UnixMilli(),
		EndMs:         start.Add(time.Hour).UnixMilli(),
		Source:        db.SourceLocal,
		SyncStatus:    db.SyncStatusError,
		LastSyncError: "provider rejected request",
	}
	if err := ts.db.CreateEvent(event); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}

	w := ts.doJSON(t, http.MethodPut, "/api/events/"+event.ID, map[string]any{
		"title":    "Synced meeting (moved)",
		"start_ms": start.Add(time.Hour).UnixMilli(),
		"end_ms":   start.Add(2 * time.Hour).UnixMilli(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	stored, err := ts.db.GetEventByID(event.ID)
	if err != nil {
		t.Fatalf("failed to reload event: %v", err)
	}
	if stored.SyncStatus != db.SyncStatusPending {
		t.Errorf("expected edit to reset status to pending, got %s", stored.SyncStatus)
	}
	if stored.LastSyncError != "" {
		t.Errorf("expected sync error cleared, got %q", stored.LastSyncError)
	}
}

func TestListEventsExpandsRecurrence(t *testing.T) {
	ts := setupTestServer(t)

	anchor := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	recurring := &db.CanonicalEvent{
		UserID:         "user-1",
		Title:          "Daily standup",
		StartMs:        anchor.UnixMilli(),
		EndMs:          anchor.Add(30 * time.Minute).UnixMilli(),
		RecurrenceRule: "RRULE:FREQ=DAILY;COUNT=5",
		Source:         db.SourceLocal,
	}
	if err := ts.db.CreateEvent(recurring); err != nil {
		t.Fatalf("failed to create recurring event: %v", err)
	}

	single := &db.CanonicalEvent{
		UserID:  "user-1",
		Title:   "One-off",
		StartMs: anchor.Add(2 * time.Hour).UnixMilli(),
		EndMs:   anchor.Add(3 * time.Hour).UnixMilli(),
		Source:  db.SourceLocal,
	}
	if err := ts.db.CreateEvent(single); err != nil {
		t.Fatalf("failed to create single event: %v", err)
	}

	windowStart := anchor.AddDate(0, 0, -1).UnixMilli()
	windowEnd := anchor.AddDate(0, 0, 30).UnixMilli()
	w := ts.doJSON(t, http.MethodGet,
		"/api/events?start_ms="+strconvI64(windowStart)+"&end_ms="+strconvI64(windowEnd), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var response struct {
		Occurrences []apiOccurrence `json:"occurrences"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// 5 daily occurrences plus the one-off.
	if len(response.Occurrences) != 6 {
		t.Fatalf("expected 6 occurrences, got %d", len(response.Occurrences))
	}

	recurringCount := 0
	for i, occ := range response.Occurrences {
		if occ.Recurring {
			recurringCount++
		}
		if i > 0 && occ.StartMs < response.Occurrences[i-1].StartMs {
			t.Error("occurrences not sorted by start")
		}
	}
	if recurringCount != 5 {
		t.Errorf("expected 5 recurring occurrences, got %d", recurringCount)
	}
}

func TestListEventsWithoutExpansion(t *testing.T) {
	ts := setupTestServer(t)

	anchor := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	event := &db.CanonicalEvent{
		UserID:  "user-1",
		Title:   "Plain",
		StartMs: anchor.UnixMilli(),
		EndMs:   anchor.Add(time.Hour).UnixMilli(),
	}
	if err := ts.db.CreateEvent(event); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}

	w := ts.doJSON(t, http.MethodGet,
		"/api/events?expand=false&start_ms="+strconvI64(anchor.AddDate(0, 0, -1).UnixMilli())+
			"&end_ms="+strconvI64(anchor.AddDate(0, 0, 1).UnixMilli()), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"events"`) {
		t.Errorf("expected raw events payload, got %s", w.Body.String())
	}
}

func TestGetEventIncludesRecurrenceDescription(t *testing.T) {
	ts := setupTestServer(t)

	anchor := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	event := &db.CanonicalEvent{
		UserID:         "user-1",
		Title:          "Retro",
		StartMs:        anchor.UnixMilli(),
		EndMs:          anchor.Add(time.Hour).UnixMilli(),
		RecurrenceRule: "RRULE:FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE,FR",
	}
	if err := ts.db.CreateEvent(event); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}

	w := ts.doJSON(t, http.MethodGet, "/api/events/"+event.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Every 2 weeks on MO, WE, FR") {
		t.Errorf("expected recurrence description in %s", w.Body.String())
	}
}

func strconvI64(n int64) string {
	return strconv.FormatInt(n, 10)
}
