package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const eventColumns = `id, user_id, connection_id, google_event_id, caldav_uid, notion_page_id,
	title, description, location, start_ms, end_ms, all_day, recurrence_rule,
	source, sync_status, last_sync_error, color, created_at, updated_at`

const connectionColumns = `id, user_id, name, provider, sync_direction, connected, base_url,
	access_token, refresh_token, username, password, api_token, calendar_id, color,
	sync_interval, last_sync_at, created_at, updated_at`

// CreateConnection creates a new calendar connection.
func (db *DB) CreateConnection(conn *CalendarConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	conn.CreatedAt = time.Now().UTC()
	conn.UpdatedAt = conn.CreatedAt

	if conn.SyncDirection == "" {
		conn.SyncDirection = SyncDirectionPull
	}
	if conn.SyncInterval <= 0 {
		conn.SyncInterval = 300
	}

	query := `INSERT INTO connections (` + connectionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		conn.ID, conn.UserID, conn.Name, conn.Provider, conn.SyncDirection, conn.Connected,
		conn.BaseURL, conn.AccessToken, conn.RefreshToken, conn.Username, conn.Password,
		conn.APIToken, conn.CalendarID, conn.Color, conn.SyncInterval, conn.LastSyncAt,
		conn.CreatedAt, conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

// GetConnectionByID returns a connection by its ID.
func (db *DB) GetConnectionByID(id string) (*CalendarConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = ?`
	return scanConnection(db.conn.QueryRow(query, id))
}

// GetConnectionsByUserID returns all connections for a user.
func (db *DB) GetConnectionsByUserID(userID string) ([]*CalendarConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE user_id = ? ORDER BY name`

	rows, err := db.conn.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []*CalendarConnection
	for rows.Next() {
		conn, err := scanConnectionFromRows(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return conns, nil
}

// ListActiveConnections returns all connections eligible for scheduled
// sync: connected and with a direction other than none.
func (db *DB) ListActiveConnections() ([]*CalendarConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections
		WHERE connected = 1 AND sync_direction != ? ORDER BY user_id, name`

	rows, err := db.conn.Query(query, SyncDirectionNone)
	if err != nil {
		return nil, fmt.Errorf("failed to query active connections: %w", err)
	}
	defer rows.Close()

	var conns []*CalendarConnection
	for rows.Next() {
		conn, err := scanConnectionFromRows(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return conns, nil
}

// UpdateConnection updates an existing connection.
func (db *DB) UpdateConnection(conn *CalendarConnection) error {
	conn.UpdatedAt = time.Now().UTC()

	if conn.SyncDirection == "" {
		conn.SyncDirection = SyncDirectionPull
	}

	query := `UPDATE connections SET
		name = ?, provider = ?, sync_direction = ?, connected = ?, base_url = ?,
		access_token = ?, refresh_token = ?, username = ?, password = ?, api_token = ?,
		calendar_id = ?, color = ?, sync_interval = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query,
		conn.Name, conn.Provider, conn.SyncDirection, conn.Connected, conn.BaseURL,
		conn.AccessToken, conn.RefreshToken, conn.Username, conn.Password, conn.APIToken,
		conn.CalendarID, conn.Color, conn.SyncInterval, conn.UpdatedAt, conn.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}

	return requireAffected(result)
}

// UpdateConnectionLastSync records the time of the latest sync run.
func (db *DB) UpdateConnectionLastSync(id string, at time.Time) error {
	query := `UPDATE connections SET last_sync_at = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update connection last sync: %w", err)
	}

	return requireAffected(result)
}

// DeleteConnection deletes a connection by its ID.
func (db *DB) DeleteConnection(id string) error {
	result, err := db.conn.Exec(`DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}

	return requireAffected(result)
}

// CreateEvent creates a new canonical event.
func (db *DB) CreateEvent(event *CanonicalEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.CreatedAt = time.Now().UTC()
	event.UpdatedAt = event.CreatedAt

	if event.Source == "" {
		event.Source = SourceLocal
	}
	if event.SyncStatus == "" {
		event.SyncStatus = SyncStatusPending
	}

	query := `INSERT INTO events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		event.ID, event.UserID, nullable(event.ConnectionID),
		event.GoogleEventID, event.CalDAVUID, event.NotionPageID,
		event.Title, event.Description, event.Location,
		event.StartMs, event.EndMs, event.AllDay, event.RecurrenceRule,
		event.Source, event.SyncStatus, event.LastSyncError, event.Color,
		event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	return nil
}

// GetEventByID returns an event by its ID.
func (db *DB) GetEventByID(id string) (*CanonicalEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = ?`
	return scanEvent(db.conn.QueryRow(query, id))
}

// GetEventByExternalID looks up an event by (user, provider, external id).
// This is the reconciliation key used during pulls.
func (db *DB) GetEventByExternalID(userID string, provider Provider, externalID string) (*CanonicalEvent, error) {
	var column string
	switch provider {
	case ProviderGoogle:
		column = "google_event_id"
	case ProviderCalDAV:
		column = "caldav_uid"
	case ProviderNotion:
		column = "notion_page_id"
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE user_id = ? AND ` + column + ` = ?`
	return scanEvent(db.conn.QueryRow(query, userID, externalID))
}

// ListEventsByUser returns events for a user whose span intersects
// [startMs, endMs).
func (db *DB) ListEventsByUser(userID string, startMs, endMs int64) ([]*CanonicalEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE user_id = ? AND start_ms < ? AND end_ms >= ?
		ORDER BY start_ms`

	return db.queryEvents(query, userID, endMs, startMs)
}

// ListRecurringEventsByUser returns the user's events carrying a
// recurrence rule, regardless of anchor position. Anchors before the
// window still generate occurrences inside it.
func (db *DB) ListRecurringEventsByUser(userID string) ([]*CanonicalEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE user_id = ? AND recurrence_rule IS NOT NULL AND recurrence_rule != ''
		ORDER BY start_ms`

	return db.queryEvents(query, userID)
}

// ListPendingPushEvents returns local events awaiting push within the
// sync window. Selection is status pending only: events in error state
// are not retried until a local edit resets them to pending.
func (db *DB) ListPendingPushEvents(userID string, startMs, endMs int64) ([]*CanonicalEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE user_id = ? AND source = ? AND sync_status = ?
		AND start_ms >= ? AND start_ms < ?
		ORDER BY start_ms`

	return db.queryEvents(query, userID, SourceLocal, SyncStatusPending, startMs, endMs)
}

// UpdateEvent updates an existing event.
func (db *DB) UpdateEvent(event *CanonicalEvent) error {
	event.UpdatedAt = time.Now().UTC()

	query := `UPDATE events SET
		connection_id = ?, google_event_id = ?, caldav_uid = ?, notion_page_id = ?,
		title = ?, description = ?, location = ?, start_ms = ?, end_ms = ?, all_day = ?,
		recurrence_rule = ?, source = ?, sync_status = ?, last_sync_error = ?, color = ?,
		updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query,
		nullable(event.ConnectionID), event.GoogleEventID, event.CalDAVUID, event.NotionPageID,
		event.Title, event.Description, event.Location, event.StartMs, event.EndMs, event.AllDay,
		event.RecurrenceRule, event.Source, event.SyncStatus, event.LastSyncError, event.Color,
		event.UpdatedAt, event.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}

	return requireAffected(result)
}

// UpdateEventSyncStatus transitions an event's sync status, recording
// or clearing the last sync error.
func (db *DB) UpdateEventSyncStatus(id string, status SyncStatus, syncErr string) error {
	query := `UPDATE events SET sync_status = ?, last_sync_error = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, status, syncErr, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update event sync status: %w", err)
	}

	return requireAffected(result)
}

// DeleteEvent deletes an event by its ID.
func (db *DB) DeleteEvent(id string) error {
	result, err := db.conn.Exec(`DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}

	return requireAffected(result)
}

// CreateSyncLog opens a sync log entry for a run that is starting.
func (db *DB) CreateSyncLog(entry *SyncLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now().UTC()
	}

	query := `INSERT INTO sync_logs (id, connection_id, action, status,
		events_processed, events_created, events_updated, events_deleted,
		error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, entry.ID, entry.ConnectionID, entry.Action, entry.Status,
		entry.EventsProcessed, entry.EventsCreated, entry.EventsUpdated, entry.EventsDeleted,
		entry.Error, entry.StartedAt, entry.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// CompleteSyncLog finalizes a sync log entry. Entries are write-once:
// a completed entry (finished_at set) is never updated again.
func (db *DB) CompleteSyncLog(entry *SyncLogEntry) error {
	now := time.Now().UTC()
	entry.FinishedAt = &now

	query := `UPDATE sync_logs SET status = ?, events_processed = ?, events_created = ?,
		events_updated = ?, events_deleted = ?, error = ?, finished_at = ?
		WHERE id = ? AND finished_at IS NULL`

	result, err := db.conn.Exec(query, entry.Status, entry.EventsProcessed, entry.EventsCreated,
		entry.EventsUpdated, entry.EventsDeleted, entry.Error, entry.FinishedAt, entry.ID)
	if err != nil {
		return fmt.Errorf("failed to complete sync log: %w", err)
	}

	return requireAffected(result)
}

// GetSyncLogs returns sync logs for a connection, newest first.
func (db *DB) GetSyncLogs(connectionID string, limit int) ([]*SyncLogEntry, error) {
	query := `SELECT id, connection_id, action, status, events_processed, events_created,
		events_updated, events_deleted, error, started_at, finished_at
		FROM sync_logs WHERE connection_id = ? ORDER BY started_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var entries []*SyncLogEntry
	for rows.Next() {
		entry := &SyncLogEntry{}
		var errText sql.NullString
		var finishedAt sql.NullTime
		err := rows.Scan(&entry.ID, &entry.ConnectionID, &entry.Action, &entry.Status,
			&entry.EventsProcessed, &entry.EventsCreated, &entry.EventsUpdated, &entry.EventsDeleted,
			&errText, &entry.StartedAt, &finishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		entry.Error = errText.String
		if finishedAt.Valid {
			entry.FinishedAt = &finishedAt.Time
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return entries, nil
}

// CleanOldSyncLogs deletes sync logs started before the given time.
func (db *DB) CleanOldSyncLogs(olderThan time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM sync_logs WHERE started_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// queryEvents runs a query returning event rows.
func (db *DB) queryEvents(query string, args ...any) ([]*CanonicalEvent, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*CanonicalEvent
	for rows.Next() {
		event, err := scanEventFromRows(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventFields(row rowScanner) (*CanonicalEvent, error) {
	event := &CanonicalEvent{}
	var connectionID, googleID, caldavUID, notionID sql.NullString
	var description, location, rule, syncError, color sql.NullString

	err := row.Scan(
		&event.ID, &event.UserID, &connectionID, &googleID, &caldavUID, &notionID,
		&event.Title, &description, &location, &event.StartMs, &event.EndMs, &event.AllDay,
		&rule, &event.Source, &event.SyncStatus, &syncError, &color,
		&event.CreatedAt, &event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.ConnectionID = connectionID.String
	event.GoogleEventID = googleID.String
	event.CalDAVUID = caldavUID.String
	event.NotionPageID = notionID.String
	event.Description = description.String
	event.Location = location.String
	event.RecurrenceRule = rule.String
	event.LastSyncError = syncError.String
	event.Color = color.String

	return event, nil
}

func scanEvent(row *sql.Row) (*CanonicalEvent, error) {
	event, err := scanEventFields(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	return event, nil
}

func scanEventFromRows(rows *sql.Rows) (*CanonicalEvent, error) {
	event, err := scanEventFields(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	return event, nil
}

func scanConnectionFields(row rowScanner) (*CalendarConnection, error) {
	conn := &CalendarConnection{}
	var baseURL, accessToken, refreshToken, username, password, apiToken sql.NullString
	var calendarID, color sql.NullString
	var lastSyncAt sql.NullTime

	err := row.Scan(
		&conn.ID, &conn.UserID, &conn.Name, &conn.Provider, &conn.SyncDirection, &conn.Connected,
		&baseURL, &accessToken, &refreshToken, &username, &password, &apiToken,
		&calendarID, &color, &conn.SyncInterval, &lastSyncAt, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conn.BaseURL = baseURL.String
	conn.AccessToken = accessToken.String
	conn.RefreshToken = refreshToken.String
	conn.Username = username.String
	conn.Password = password.String
	conn.APIToken = apiToken.String
	conn.CalendarID = calendarID.String
	conn.Color = color.String
	if lastSyncAt.Valid {
		conn.LastSyncAt = &lastSyncAt.Time
	}

	return conn, nil
}

func scanConnection(row *sql.Row) (*CalendarConnection, error) {
	conn, err := scanConnectionFields(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}
	return conn, nil
}

func scanConnectionFromRows(rows *sql.Rows) (*CalendarConnection, error) {
	conn, err := scanConnectionFields(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}
	return conn, nil
}

// requireAffected converts a zero-row update into ErrNotFound.
func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// nullable maps an empty string to NULL for optional foreign keys.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
