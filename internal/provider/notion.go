package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dashwall/calhub/internal/db"
)

const (
	notionDefaultBaseURL = "https://api.notion.com/v1"
	notionVersion        = "2022-06-28"
	notionPageSize       = 100
)

// NotionAdapter syncs events against a structured database whose rows
// carry a title property and a date property. Property names are
// discovered from the database schema on first use.
type NotionAdapter struct {
	baseURL    string
	databaseID string
	token      string
	httpClient *http.Client

	// discovered schema, populated lazily
	titleProp    string
	dateProp     string
	descProp     string
	locationProp string
}

// NewNotionAdapter creates an adapter for a Notion connection.
func NewNotionAdapter(conn *db.CalendarConnection, creds Credentials) (*NotionAdapter, error) {
	if creds.APIToken == "" {
		return nil, fmt.Errorf("%w: notion connection requires an API token", ErrCredentials)
	}
	if conn.CalendarID == "" {
		return nil, fmt.Errorf("%w: notion connection requires a database id", ErrCredentials)
	}

	baseURL := conn.BaseURL
	if baseURL == "" {
		baseURL = notionDefaultBaseURL
	}

	return &NotionAdapter{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		databaseID: conn.CalendarID,
		token:      creds.APIToken,
		httpClient: newHTTPClient(),
	}, nil
}

// Provider returns the provider this adapter serves.
func (a *NotionAdapter) Provider() db.Provider {
	return db.ProviderNotion
}

type notionDate struct {
	Start string  `json:"start"`
	End   *string `json:"end,omitempty"`
}

type notionRichText struct {
	PlainText string `json:"plain_text,omitempty"`
	Text      *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
}

type notionProperty struct {
	Type     string           `json:"type,omitempty"`
	Title    []notionRichText `json:"title,omitempty"`
	RichText []notionRichText `json:"rich_text,omitempty"`
	Date     *notionDate      `json:"date,omitempty"`
}

type notionPage struct {
	ID         string                    `json:"id"`
	Archived   bool                      `json:"archived"`
	Properties map[string]notionProperty `json:"properties"`
}

type notionQueryResponse struct {
	Results    []notionPage `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor string       `json:"next_cursor"`
}

type notionDatabase struct {
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
}

// resolveSchema inspects the database once and picks the property
// names to read and write. The title and first date property are
// required; description and location are matched by name when present.
func (a *NotionAdapter) resolveSchema(ctx context.Context) error {
	if a.titleProp != "" && a.dateProp != "" {
		return nil
	}

	var database notionDatabase
	if err := a.do(ctx, http.MethodGet, "/databases/"+a.databaseID, nil, &database); err != nil {
		return err
	}

	for name, prop := range database.Properties {
		switch prop.Type {
		case "title":
			a.titleProp = name
		case "date":
			if a.dateProp == "" {
				a.dateProp = name
			}
		case "rich_text":
			lower := strings.ToLower(name)
			if strings.Contains(lower, "desc") || strings.Contains(lower, "note") {
				a.descProp = name
			} else if strings.Contains(lower, "location") || strings.Contains(lower, "place") {
				a.locationProp = name
			}
		}
	}

	if a.titleProp == "" || a.dateProp == "" {
		return fmt.Errorf("%w: database %s has no title or date property", ErrProviderRejected, a.databaseID)
	}
	return nil
}

// FetchEvents queries the database for rows whose date falls inside
// the window, following cursors until the listing is exhausted.
func (a *NotionAdapter) FetchEvents(ctx context.Context, window Window) ([]db.CanonicalEvent, error) {
	if err := a.resolveSchema(ctx); err != nil {
		return nil, err
	}

	var events []db.CanonicalEvent
	cursor := ""
	for {
		body := map[string]any{
			"page_size": notionPageSize,
			"filter": map[string]any{
				"and": []any{
					map[string]any{
						"property": a.dateProp,
						"date":     map[string]any{"on_or_after": window.Start.UTC().Format(time.RFC3339)},
					},
					map[string]any{
						"property": a.dateProp,
						"date":     map[string]any{"on_or_before": window.End.UTC().Format(time.RFC3339)},
					},
				},
			},
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}

		var page notionQueryResponse
		if err := a.do(ctx, http.MethodPost, "/databases/"+a.databaseID+"/query", body, &page); err != nil {
			return nil, err
		}

		for _, row := range page.Results {
			if row.Archived {
				continue
			}
			event, ok := a.toCanonical(row)
			if !ok {
				continue
			}
			events = append(events, event)
		}

		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return events, nil
}

// CreateEvent inserts a page into the database and returns its id.
func (a *NotionAdapter) CreateEvent(ctx context.Context, event *db.CanonicalEvent) (string, error) {
	if err := a.resolveSchema(ctx); err != nil {
		return "", err
	}

	body := map[string]any{
		"parent":     map[string]any{"database_id": a.databaseID},
		"properties": a.fromCanonical(event),
	}

	var created notionPage
	if err := a.do(ctx, http.MethodPost, "/pages", body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("%w: created page has no id", ErrProviderRejected)
	}
	return created.ID, nil
}

// UpdateEvent patches the page properties in place.
func (a *NotionAdapter) UpdateEvent(ctx context.Context, externalID string, event *db.CanonicalEvent) error {
	if err := a.resolveSchema(ctx); err != nil {
		return err
	}

	body := map[string]any{
		"properties": a.fromCanonical(event),
	}
	return a.do(ctx, http.MethodPatch, "/pages/"+externalID, body, nil)
}

// DeleteEvent archives the page. Notion has no hard delete; an
// archived page disappears from database queries, and archiving a page
// that is already gone is treated as success.
func (a *NotionAdapter) DeleteEvent(ctx context.Context, externalID string) error {
	body := map[string]any{"archived": true}
	err := a.do(ctx, http.MethodPatch, "/pages/"+externalID, body, nil)
	if err != nil && strings.Contains(err.Error(), "status 404") {
		return nil
	}
	return err
}

// do performs an authenticated JSON round-trip against the API.
func (a *NotionAdapter) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Notion-Version", notionVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", ErrCredentials, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rejection(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: failed to decode response: %w", ErrProviderRejected, err)
		}
	}
	return nil
}

// toCanonical converts a database row. Rows without a usable date are
// dropped.
func (a *NotionAdapter) toCanonical(page notionPage) (db.CanonicalEvent, bool) {
	dateValue := page.Properties[a.dateProp].Date
	if dateValue == nil || dateValue.Start == "" {
		return db.CanonicalEvent{}, false
	}

	event := db.CanonicalEvent{
		NotionPageID: page.ID,
		Source:       db.SourceNotion,
		Title:        richTextValue(page.Properties[a.titleProp].Title),
	}
	if event.Title == "" {
		event.Title = "(untitled)"
	}
	if a.descProp != "" {
		event.Description = richTextValue(page.Properties[a.descProp].RichText)
	}
	if a.locationProp != "" {
		event.Location = richTextValue(page.Properties[a.locationProp].RichText)
	}

	// A date-only start marks an all-day event. Notion date ranges are
	// inclusive of the end day; the canonical form uses an exclusive
	// end, so the stored end is the day after.
	if len(dateValue.Start) == 10 {
		start, err := time.Parse("2006-01-02", dateValue.Start)
		if err != nil {
			return db.CanonicalEvent{}, false
		}
		event.AllDay = true
		event.StartMs = start.UnixMilli()

		end := start.AddDate(0, 0, 1)
		if dateValue.End != nil && *dateValue.End != "" {
			last, err := time.Parse("2006-01-02", *dateValue.End)
			if err == nil {
				end = last.AddDate(0, 0, 1)
			}
		}
		event.EndMs = end.UnixMilli()
		return event, true
	}

	start, err := time.Parse(time.RFC3339, dateValue.Start)
	if err != nil {
		return db.CanonicalEvent{}, false
	}
	event.StartMs = start.UnixMilli()

	end := start.Add(time.Hour)
	if dateValue.End != nil && *dateValue.End != "" {
		if parsed, err := time.Parse(time.RFC3339, *dateValue.End); err == nil {
			end = parsed
		}
	}
	event.EndMs = end.UnixMilli()
	return event, true
}

// fromCanonical builds the page properties payload.
func (a *NotionAdapter) fromCanonical(event *db.CanonicalEvent) map[string]any {
	props := map[string]any{
		a.titleProp: map[string]any{
			"title": []any{textBlock(event.Title)},
		},
		a.dateProp: map[string]any{
			"date": a.dateValue(event),
		},
	}
	if a.descProp != "" && event.Description != "" {
		props[a.descProp] = map[string]any{
			"rich_text": []any{textBlock(event.Description)},
		}
	}
	if a.locationProp != "" && event.Location != "" {
		props[a.locationProp] = map[string]any{
			"rich_text": []any{textBlock(event.Location)},
		}
	}
	return props
}

// dateValue renders the event window in the provider's conventions:
// date-only strings with an inclusive end day for all-day events,
// RFC 3339 timestamps otherwise.
func (a *NotionAdapter) dateValue(event *db.CanonicalEvent) map[string]any {
	start := event.Start()
	end := event.End()

	if event.AllDay {
		value := map[string]any{"start": start.UTC().Format("2006-01-02")}
		lastDay := end.AddDate(0, 0, -1)
		if lastDay.After(start) {
			value["end"] = lastDay.UTC().Format("2006-01-02")
		}
		return value
	}

	value := map[string]any{"start": start.UTC().Format(time.RFC3339)}
	if end.After(start) {
		value["end"] = end.UTC().Format(time.RFC3339)
	}
	return value
}

func richTextValue(blocks []notionRichText) string {
	var sb strings.Builder
	for _, block := range blocks {
		if block.PlainText != "" {
			sb.WriteString(block.PlainText)
		} else if block.Text != nil {
			sb.WriteString(block.Text.Content)
		}
	}
	return sb.String()
}

func textBlock(content string) map[string]any {
	return map[string]any{
		"text": map[string]any{"content": content},
	}
}
