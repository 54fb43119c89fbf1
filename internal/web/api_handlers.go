package web

import (
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dashwall/calhub/internal/db"
	"github.com/dashwall/calhub/internal/recurrence"
	"github.com/dashwall/calhub/internal/sync"
)

// maxExpansion caps how many occurrences a single listing may expand
// to, so an unbounded rule cannot blow up a response.
const maxExpansion = 500

// sanitizeError returns a user-safe error message without exposing
// internal details. The full error is logged server-side.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// categorizeSyncError returns a user-friendly message based on common
// error patterns.
func categorizeSyncError(err error) string {
	if err == nil {
		return "Sync failed"
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "no such host") || strings.Contains(errStr, "lookup"):
		return "Server not found. Please check the URL."
	case strings.Contains(errStr, "connection refused"):
		return "Connection refused. Please verify the server is running."
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "Connection timed out. Please try again."
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "credentials"):
		return "Authentication failed. Please check your credentials."
	case strings.Contains(errStr, "403") || strings.Contains(errStr, "forbidden"):
		return "Access denied. Please check your permissions."
	case strings.Contains(errStr, "404") || strings.Contains(errStr, "not found"):
		return "Calendar not found. Please check the settings."
	case strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls"):
		return "SSL/TLS error. Please verify the server certificate."
	default:
		return "Sync failed. Please check your settings."
	}
}

// connectionCredentials carries plaintext credentials on connection
// create/update requests. They are encrypted before storage and never
// echoed back.
type connectionCredentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	APIToken     string `json:"api_token"`
}

type createConnectionRequest struct {
	Name          string                 `json:"name"`
	Provider      string                 `json:"provider"`
	SyncDirection string                 `json:"sync_direction"`
	BaseURL       string                 `json:"base_url"`
	CalendarID    string                 `json:"calendar_id"`
	Color         string                 `json:"color"`
	SyncInterval  int                    `json:"sync_interval"`
	Connected     *bool                  `json:"connected"`
	Credentials   *connectionCredentials `json:"credentials"`
}

type updateConnectionRequest struct {
	Name          *string                `json:"name"`
	SyncDirection *string                `json:"sync_direction"`
	BaseURL       *string                `json:"base_url"`
	CalendarID    *string                `json:"calendar_id"`
	Color         *string                `json:"color"`
	SyncInterval  *int                   `json:"sync_interval"`
	Connected     *bool                  `json:"connected"`
	Credentials   *connectionCredentials `json:"credentials"`
}

type eventRequest struct {
	ConnectionID   string `json:"connection_id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Location       string `json:"location"`
	StartMs        int64  `json:"start_ms"`
	EndMs          int64  `json:"end_ms"`
	AllDay         bool   `json:"all_day"`
	RecurrenceRule string `json:"recurrence_rule"`
	Color          string `json:"color"`
}

// apiOccurrence is one concrete calendar entry in a listing: either a
// plain event or one expansion of a recurring event.
type apiOccurrence struct {
	EventID    string        `json:"event_id"`
	Title      string        `json:"title"`
	Location   string        `json:"location,omitempty"`
	StartMs    int64         `json:"start_ms"`
	EndMs      int64         `json:"end_ms"`
	AllDay     bool          `json:"all_day"`
	Color      string        `json:"color,omitempty"`
	Recurring  bool          `json:"recurring"`
	Source     db.EventSource `json:"source"`
	SyncStatus db.SyncStatus  `json:"sync_status"`
}

// applyCredentials encrypts the supplied plaintext credentials onto a
// connection.
func (h *Handlers) applyCredentials(conn *db.CalendarConnection, creds *connectionCredentials) error {
	if creds == nil {
		return nil
	}

	encrypt := func(plain string, target *string) error {
		if plain == "" {
			return nil
		}
		encrypted, err := h.encryptor.Encrypt(plain)
		if err != nil {
			return err
		}
		*target = encrypted
		return nil
	}

	if err := encrypt(creds.AccessToken, &conn.AccessToken); err != nil {
		return err
	}
	if err := encrypt(creds.RefreshToken, &conn.RefreshToken); err != nil {
		return err
	}
	if err := encrypt(creds.Password, &conn.Password); err != nil {
		return err
	}
	if err := encrypt(creds.APIToken, &conn.APIToken); err != nil {
		return err
	}
	if creds.Username != "" {
		conn.Username = creds.Username
	}
	return nil
}

// APIListConnections returns all connections for the calling user.
func (h *Handlers) APIListConnections(c *gin.Context) {
	conns, err := h.db.GetConnectionsByUserID(currentUser(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to list connections"),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

// APIGetConnection returns one connection.
func (h *Handlers) APIGetConnection(c *gin.Context) {
	conn, ok := h.ownedConnection(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, conn)
}

// APICreateConnection creates a connection and starts its sync job.
func (h *Handlers) APICreateConnection(c *gin.Context) {
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	conn := &db.CalendarConnection{
		UserID:        currentUser(c),
		Name:          req.Name,
		Provider:      db.Provider(req.Provider),
		SyncDirection: db.SyncDirection(req.SyncDirection),
		BaseURL:       req.BaseURL,
		CalendarID:    req.CalendarID,
		Color:         req.Color,
		SyncInterval:  req.SyncInterval,
		Connected:     true,
	}
	if req.Connected != nil {
		conn.Connected = *req.Connected
	}
	if conn.SyncDirection == "" {
		conn.SyncDirection = db.SyncDirectionPull
	}
	if conn.SyncInterval == 0 {
		conn.SyncInterval = h.cfg.Sync.DefaultInterval
	}

	if err := h.validator.ValidateConnection(conn); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.applyCredentials(conn, req.Credentials); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to store credentials"),
		})
		return
	}

	if err := h.db.CreateConnection(conn); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to create connection"),
		})
		return
	}

	if conn.Connected && h.scheduler != nil {
		h.scheduler.AddJob(conn.ID, time.Duration(conn.SyncInterval)*time.Second)
	}

	c.JSON(http.StatusCreated, conn)
}

// APIUpdateConnection updates connection settings and reschedules its
// job when needed.
func (h *Handlers) APIUpdateConnection(c *gin.Context) {
	conn, ok := h.ownedConnection(c)
	if !ok {
		return
	}

	var req updateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if req.Name != nil {
		conn.Name = *req.Name
	}
	if req.SyncDirection != nil {
		conn.SyncDirection = db.SyncDirection(*req.SyncDirection)
	}
	if req.BaseURL != nil {
		conn.BaseURL = *req.BaseURL
	}
	if req.CalendarID != nil {
		conn.CalendarID = *req.CalendarID
	}
	if req.Color != nil {
		conn.Color = *req.Color
	}
	if req.SyncInterval != nil {
		conn.SyncInterval = *req.SyncInterval
	}
	if req.Connected != nil {
		conn.Connected = *req.Connected
	}

	if err := h.validator.ValidateConnection(conn); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.applyCredentials(conn, req.Credentials); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to store credentials"),
		})
		return
	}

	if err := h.db.UpdateConnection(conn); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to update connection"),
		})
		return
	}

	if h.scheduler != nil {
		if conn.Connected {
			h.scheduler.AddJob(conn.ID, time.Duration(conn.SyncInterval)*time.Second)
		} else {
			h.scheduler.RemoveJob(conn.ID)
		}
	}

	c.JSON(http.StatusOK, conn)
}

// APIDeleteConnection removes a connection and stops its sync job.
func (h *Handlers) APIDeleteConnection(c *gin.Context) {
	conn, ok := h.ownedConnection(c)
	if !ok {
		return
	}

	if h.scheduler != nil {
		h.scheduler.RemoveJob(conn.ID)
	}

	if err := h.db.DeleteConnection(conn.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to delete connection"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": conn.ID})
}

// APITriggerConnectionSync runs one sync cycle for a connection and
// returns its result.
func (h *Handlers) APITriggerConnectionSync(c *gin.Context) {
	conn, ok := h.ownedConnection(c)
	if !ok {
		return
	}

	result, err := h.engine.SyncConnection(c.Request.Context(), conn.ID)
	if err != nil {
		if errors.Is(err, sync.ErrSyncInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "Sync already in progress"})
			return
		}
		if errors.Is(err, sync.ErrNotConnected) {
			c.JSON(http.StatusConflict, gin.H{"error": "Connection is not enabled for sync"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": categorizeSyncError(err)})
		return
	}

	c.JSON(http.StatusOK, result)
}

// APIGetConnectionLogs returns recent sync logs for a connection.
func (h *Handlers) APIGetConnectionLogs(c *gin.Context) {
	conn, ok := h.ownedConnection(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	logs, err := h.db.GetSyncLogs(conn.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to load sync logs"),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// APISyncAll runs every enabled connection for the caller.
func (h *Handlers) APISyncAll(c *gin.Context) {
	results, err := h.engine.SyncAll(c.Request.Context(), currentUser(c))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   categorizeSyncError(err),
			"results": results,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// APIListEvents lists the caller's calendar entries in a window,
// expanding recurring events into concrete occurrences.
func (h *Handlers) APIListEvents(c *gin.Context) {
	userID := currentUser(c)

	now := time.Now()
	windowStart := now.AddDate(0, 0, -h.cfg.Sync.WindowPastDays)
	windowEnd := now.AddDate(0, 0, h.cfg.Sync.WindowFutureDays)
	if raw := c.Query("start_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start_ms must be epoch milliseconds"})
			return
		}
		windowStart = time.UnixMilli(ms).UTC()
	}
	if raw := c.Query("end_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end_ms must be epoch milliseconds"})
			return
		}
		windowEnd = time.UnixMilli(ms).UTC()
	}
	if windowEnd.Before(windowStart) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end_ms must not precede start_ms"})
		return
	}

	events, err := h.db.ListEventsByUser(userID, windowStart.UnixMilli(), windowEnd.UnixMilli())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to list events"),
		})
		return
	}

	expand := c.DefaultQuery("expand", "true") != "false"
	if !expand {
		c.JSON(http.StatusOK, gin.H{"events": events})
		return
	}

	occurrences := make([]apiOccurrence, 0, len(events))
	for _, event := range events {
		if event.RecurrenceRule == "" {
			occurrences = append(occurrences, occurrenceFrom(event, event.Start(), event.End(), false))
		}
	}

	// Recurring events are expanded from their anchor even when the
	// anchor itself lies outside the window.
	recurring, err := h.db.ListRecurringEventsByUser(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to list recurring events"),
		})
		return
	}
	for _, event := range recurring {
		rule, ok := recurrence.Parse(event.RecurrenceRule).Get()
		if !ok {
			// A stored rule that no longer parses is surfaced as its
			// anchor only.
			log.Printf("event %s has unparsable recurrence rule", event.ID)
			if !event.Start().After(windowEnd) && !event.End().Before(windowStart) {
				occurrences = append(occurrences, occurrenceFrom(event, event.Start(), event.End(), false))
			}
			continue
		}

		remaining := maxExpansion - len(occurrences)
		if remaining <= 0 {
			break
		}
		for _, occ := range recurrence.Generate(event.Start(), event.End(), rule, windowStart, windowEnd, remaining) {
			occurrences = append(occurrences, occurrenceFrom(event, occ.Start, occ.End, true))
		}
	}

	sort.Slice(occurrences, func(i, j int) bool {
		if occurrences[i].StartMs != occurrences[j].StartMs {
			return occurrences[i].StartMs < occurrences[j].StartMs
		}
		return occurrences[i].EventID < occurrences[j].EventID
	})

	c.JSON(http.StatusOK, gin.H{"occurrences": occurrences})
}

func occurrenceFrom(event *db.CanonicalEvent, start, end time.Time, recurring bool) apiOccurrence {
	return apiOccurrence{
		EventID:    event.ID,
		Title:      event.Title,
		Location:   event.Location,
		StartMs:    start.UnixMilli(),
		EndMs:      end.UnixMilli(),
		AllDay:     event.AllDay,
		Color:      event.Color,
		Recurring:  recurring,
		Source:     event.Source,
		SyncStatus: event.SyncStatus,
	}
}

// APIGetEvent returns one event, with a human-readable description of
// its recurrence rule when it has one.
func (h *Handlers) APIGetEvent(c *gin.Context) {
	event, ok := h.ownedEvent(c)
	if !ok {
		return
	}

	response := gin.H{"event": event}
	if event.RecurrenceRule != "" {
		if rule, ok := recurrence.Parse(event.RecurrenceRule).Get(); ok {
			response["recurrence_description"] = rule.Describe()
		}
	}
	c.JSON(http.StatusOK, response)
}

// APICreateEvent creates a local event pending push.
func (h *Handlers) APICreateEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	event := &db.CanonicalEvent{
		UserID:      currentUser(c),
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		StartMs:     req.StartMs,
		EndMs:       req.EndMs,
		AllDay:      req.AllDay,
		Color:       req.Color,
		Source:      db.SourceLocal,
		SyncStatus:  db.SyncStatusPending,
	}

	if msg, ok := h.populateEvent(c, event, &req); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	if err := h.db.CreateEvent(event); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to create event"),
		})
		return
	}

	c.JSON(http.StatusCreated, event)
}

// APIUpdateEvent applies a local edit. Edits reset the event to
// pending so the next push sends them, including events parked in the
// error state.
func (h *Handlers) APIUpdateEvent(c *gin.Context) {
	event, ok := h.ownedEvent(c)
	if !ok {
		return
	}

	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	event.Title = req.Title
	event.Description = req.Description
	event.Location = req.Location
	event.StartMs = req.StartMs
	event.EndMs = req.EndMs
	event.AllDay = req.AllDay
	event.Color = req.Color

	if msg, ok := h.populateEvent(c, event, &req); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	event.SyncStatus = db.SyncStatusPending
	event.LastSyncError = ""

	if err := h.db.UpdateEvent(event); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to update event"),
		})
		return
	}

	c.JSON(http.StatusOK, event)
}

// populateEvent validates the shared fields of create/update requests
// and resolves the optional connection reference.
func (h *Handlers) populateEvent(c *gin.Context, event *db.CanonicalEvent, req *eventRequest) (string, bool) {
	if strings.TrimSpace(req.Title) == "" {
		return "title is required", false
	}
	if req.StartMs <= 0 || req.EndMs <= req.StartMs {
		return "start_ms and end_ms must describe a positive interval", false
	}

	if req.RecurrenceRule != "" {
		rule, ok := recurrence.Parse(req.RecurrenceRule).Get()
		if !ok {
			return "recurrence_rule is malformed", false
		}
		// Store the canonical serialized form.
		event.RecurrenceRule = rule.Serialize()
	} else {
		event.RecurrenceRule = ""
	}

	if req.ConnectionID != "" {
		conn, err := h.db.GetConnectionByID(req.ConnectionID)
		if err != nil || conn.UserID != currentUser(c) {
			return "unknown connection_id", false
		}
		event.ConnectionID = conn.ID
	}

	return "", true
}

// APIDeleteEvent deletes an event locally and from its provider.
func (h *Handlers) APIDeleteEvent(c *gin.Context) {
	event, ok := h.ownedEvent(c)
	if !ok {
		return
	}

	if err := h.engine.DeleteEvent(c.Request.Context(), event.ID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": categorizeSyncError(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": event.ID})
}

// APISyncEvent pushes one event to its provider immediately.
func (h *Handlers) APISyncEvent(c *gin.Context) {
	event, ok := h.ownedEvent(c)
	if !ok {
		return
	}

	if err := h.engine.SyncEvent(c.Request.Context(), event.ID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": categorizeSyncError(err)})
		return
	}

	updated, err := h.db.GetEventByID(event.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to reload event"),
		})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// ownedConnection loads the :id connection and enforces ownership.
// Foreign or missing connections both read as 404.
func (h *Handlers) ownedConnection(c *gin.Context) (*db.CalendarConnection, bool) {
	conn, err := h.db.GetConnectionByID(c.Param("id"))
	if err != nil || conn.UserID != currentUser(c) {
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			log.Printf("Failed to load connection %s: %v", c.Param("id"), err)
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
		return nil, false
	}
	return conn, true
}

// ownedEvent loads the :id event and enforces ownership.
func (h *Handlers) ownedEvent(c *gin.Context) (*db.CanonicalEvent, bool) {
	event, err := h.db.GetEventByID(c.Param("id"))
	if err != nil || event.UserID != currentUser(c) {
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			log.Printf("Failed to load event %s: %v", c.Param("id"), err)
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		return nil, false
	}
	return event, true
}
