package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/dashwall/calhub/internal/db"
)

const defaultGoogleBaseURL = "https://www.googleapis.com/calendar/v3"

// GoogleAdapter talks to the Google Calendar REST API with a bearer
// token.
type GoogleAdapter struct {
	baseURL    string
	calendarID string
	httpClient *http.Client
}

// NewGoogleAdapter creates an adapter for a Google connection.
func NewGoogleAdapter(conn *db.CalendarConnection, creds Credentials) (*GoogleAdapter, error) {
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("%w: google connection requires an access token", ErrCredentials)
	}

	baseURL := conn.BaseURL
	if baseURL == "" {
		baseURL = defaultGoogleBaseURL
	}

	calendarID := conn.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
	})
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, newHTTPClient())
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = defaultTimeout

	return &GoogleAdapter{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		calendarID: calendarID,
		httpClient: httpClient,
	}, nil
}

// Provider returns the provider this adapter serves.
func (a *GoogleAdapter) Provider() db.Provider {
	return db.ProviderGoogle
}

// googleEventTime is one endpoint of an event: all-day events carry
// Date only, timed events DateTime only.
type googleEventTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
}

type googleEvent struct {
	ID          string           `json:"id,omitempty"`
	Status      string           `json:"status,omitempty"`
	Summary     string           `json:"summary,omitempty"`
	Description string           `json:"description,omitempty"`
	Location    string           `json:"location,omitempty"`
	Start       *googleEventTime `json:"start,omitempty"`
	End         *googleEventTime `json:"end,omitempty"`
	Recurrence  []string         `json:"recurrence,omitempty"`
	ColorID     string           `json:"colorId,omitempty"`
}

type googleEventList struct {
	Items         []googleEvent `json:"items"`
	NextPageToken string        `json:"nextPageToken"`
}

// FetchEvents lists events in the window, following pagination.
func (a *GoogleAdapter) FetchEvents(ctx context.Context, window Window) ([]db.CanonicalEvent, error) {
	var events []db.CanonicalEvent
	pageToken := ""

	for {
		params := url.Values{}
		params.Set("timeMin", window.Start.UTC().Format(time.RFC3339))
		params.Set("timeMax", window.End.UTC().Format(time.RFC3339))
		params.Set("maxResults", "250")
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		endpoint := fmt.Sprintf("%s/calendars/%s/events?%s", a.baseURL, url.PathEscape(a.calendarID), params.Encode())
		resp, err := a.do(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}

		var list googleEventList
		err = json.NewDecoder(resp.Body).Decode(&list)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decode event list: %w", ErrProviderRejected, err)
		}

		for _, item := range list.Items {
			event, ok := a.toCanonical(item)
			if !ok {
				continue
			}
			events = append(events, event)
		}

		if list.NextPageToken == "" {
			return events, nil
		}
		pageToken = list.NextPageToken
	}
}

// CreateEvent creates a remote event and returns its id.
func (a *GoogleAdapter) CreateEvent(ctx context.Context, event *db.CanonicalEvent) (string, error) {
	body, err := json.Marshal(a.fromCanonical(event))
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	endpoint := fmt.Sprintf("%s/calendars/%s/events", a.baseURL, url.PathEscape(a.calendarID))
	resp, err := a.do(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var created googleEvent
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("%w: failed to decode created event: %w", ErrProviderRejected, err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("%w: created event has no id", ErrProviderRejected)
	}

	return created.ID, nil
}

// UpdateEvent replaces a remote event.
func (a *GoogleAdapter) UpdateEvent(ctx context.Context, externalID string, event *db.CanonicalEvent) error {
	body, err := json.Marshal(a.fromCanonical(event))
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	endpoint := fmt.Sprintf("%s/calendars/%s/events/%s", a.baseURL, url.PathEscape(a.calendarID), url.PathEscape(externalID))
	resp, err := a.do(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DeleteEvent deletes a remote event, treating not-found as success.
func (a *GoogleAdapter) DeleteEvent(ctx context.Context, externalID string) error {
	endpoint := fmt.Sprintf("%s/calendars/%s/events/%s", a.baseURL, url.PathEscape(a.calendarID), url.PathEscape(externalID))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if isGone(resp.StatusCode) {
		return nil
	}
	return rejection(resp)
}

// do issues a request and maps failures onto the error taxonomy.
// The caller closes the response body on success.
func (a *GoogleAdapter) do(ctx context.Context, method, endpoint string, body *bytes.Reader) (*http.Response, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, rejection(resp)
	}

	return resp, nil
}

// toCanonical converts a native Google event. Cancelled tombstones and
// events with no usable start are skipped.
func (a *GoogleAdapter) toCanonical(g googleEvent) (db.CanonicalEvent, bool) {
	if g.Status == "cancelled" || g.ID == "" || g.Start == nil {
		return db.CanonicalEvent{}, false
	}

	event := db.CanonicalEvent{
		GoogleEventID: g.ID,
		Title:         g.Summary,
		Description:   g.Description,
		Location:      g.Location,
		Source:        db.SourceGoogle,
	}
	if event.Title == "" {
		event.Title = "(untitled)"
	}

	// All-day events carry a date-only start; timed events a full
	// timestamp. Google's all-day end date is exclusive and kept as-is.
	if g.Start.Date != "" {
		start, err := time.Parse("2006-01-02", g.Start.Date)
		if err != nil {
			return db.CanonicalEvent{}, false
		}
		event.AllDay = true
		event.StartMs = start.UnixMilli()
		event.EndMs = start.AddDate(0, 0, 1).UnixMilli()
		if g.End != nil && g.End.Date != "" {
			if end, err := time.Parse("2006-01-02", g.End.Date); err == nil {
				event.EndMs = end.UnixMilli()
			}
		}
	} else {
		start, err := time.Parse(time.RFC3339, g.Start.DateTime)
		if err != nil {
			return db.CanonicalEvent{}, false
		}
		event.StartMs = start.UnixMilli()
		event.EndMs = start.Add(time.Hour).UnixMilli()
		if g.End != nil && g.End.DateTime != "" {
			if end, err := time.Parse(time.RFC3339, g.End.DateTime); err == nil {
				event.EndMs = end.UnixMilli()
			}
		}
	}

	// Recurrence is passed through as a single rule string inside the
	// recurrence list; other entries (EXDATE etc.) are ignored.
	for _, r := range g.Recurrence {
		if strings.HasPrefix(r, "RRULE") {
			event.RecurrenceRule = r
			break
		}
	}

	return event, true
}

// fromCanonical builds the native representation for writes.
func (a *GoogleAdapter) fromCanonical(event *db.CanonicalEvent) googleEvent {
	g := googleEvent{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
	}

	start := event.Start()
	end := event.End()

	if event.AllDay {
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
		g.Start = &googleEventTime{Date: start.Format("2006-01-02")}
		g.End = &googleEventTime{Date: end.Format("2006-01-02")}
	} else {
		if !end.After(start) {
			end = start.Add(time.Hour)
		}
		g.Start = &googleEventTime{DateTime: start.Format(time.RFC3339)}
		g.End = &googleEventTime{DateTime: end.Format(time.RFC3339)}
	}

	if event.RecurrenceRule != "" {
		g.Recurrence = []string{event.RecurrenceRule}
	}

	return g
}
