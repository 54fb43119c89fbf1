package provider

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/dashwall/calhub/internal/db"
)

// CalDAVAdapter talks to a CalDAV server with HTTP Basic auth.
type CalDAVAdapter struct {
	baseURL      string
	username     string
	password     string
	calendarPath string
	httpClient   *http.Client
	client       *caldav.Client
}

// NewCalDAVAdapter creates an adapter for a CalDAV connection.
func NewCalDAVAdapter(conn *db.CalendarConnection, creds Credentials) (*CalDAVAdapter, error) {
	if conn.BaseURL == "" {
		return nil, fmt.Errorf("%w: caldav connection requires a server URL", ErrCredentials)
	}
	if creds.Username == "" || creds.Password == "" {
		return nil, fmt.Errorf("%w: caldav connection requires username and password", ErrCredentials)
	}

	httpClient := newHTTPClient()
	client, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, creds.Username, creds.Password),
		conn.BaseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create caldav client: %w", ErrTransport, err)
	}

	return &CalDAVAdapter{
		baseURL:      conn.BaseURL,
		username:     creds.Username,
		password:     creds.Password,
		calendarPath: conn.CalendarID,
		httpClient:   httpClient,
		client:       client,
	}, nil
}

// Provider returns the provider this adapter serves.
func (a *CalDAVAdapter) Provider() db.Provider {
	return db.ProviderCalDAV
}

// resolveCalendarPath discovers the target calendar when the
// connection does not pin one. The discovered path is cached on the
// adapter for its lifetime.
func (a *CalDAVAdapter) resolveCalendarPath(ctx context.Context) (string, error) {
	if a.calendarPath != "" {
		return a.calendarPath, nil
	}

	principal, err := a.client.FindCurrentUserPrincipal(ctx)
	if err == nil {
		homeSet, err := a.client.FindCalendarHomeSet(ctx, principal)
		if err == nil {
			cals, err := a.client.FindCalendars(ctx, homeSet)
			if err == nil && len(cals) > 0 {
				a.calendarPath = cals[0].Path
				return a.calendarPath, nil
			}
		}
	}

	// Some servers reject principal discovery; fall back to a raw
	// PROPFIND against the base URL.
	path, err := a.discoverViaPropfind(ctx)
	if err != nil {
		return "", err
	}
	a.calendarPath = path
	return path, nil
}

// discoverViaPropfind issues a Depth: 1 PROPFIND and picks the first
// resource whose resourcetype marks it as a calendar collection.
func (a *CalDAVAdapter) discoverViaPropfind(ctx context.Context) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	propfind := doc.CreateElement("d:propfind")
	propfind.CreateAttr("xmlns:d", "DAV:")
	prop := propfind.CreateElement("d:prop")
	prop.CreateElement("d:resourcetype")
	prop.CreateElement("d:displayname")

	body, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("failed to build propfind body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "PROPFIND", a.baseURL, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(a.username, a.password)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return "", rejection(resp)
	}

	ms := etree.NewDocument()
	if _, err := ms.ReadFrom(resp.Body); err != nil {
		return "", fmt.Errorf("%w: failed to parse multistatus: %w", ErrProviderRejected, err)
	}

	for _, response := range ms.FindElements("//response") {
		href := response.FindElement(".//href")
		if href == nil {
			continue
		}
		if response.FindElement(".//resourcetype/calendar") != nil {
			return href.Text(), nil
		}
	}

	return "", fmt.Errorf("%w: no calendar collection found", ErrProviderRejected)
}

// FetchEvents lists events in the window via a REPORT calendar-query
// with a time-range filter.
func (a *CalDAVAdapter) FetchEvents(ctx context.Context, window Window) ([]db.CanonicalEvent, error) {
	calendarPath, err := a.resolveCalendarPath(ctx)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{
				{Name: "VEVENT"},
			},
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{
					Name:  "VEVENT",
					Start: window.Start.UTC(),
					End:   window.End.UTC(),
				},
			},
		},
	}

	objects, err := a.client.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query calendar: %w", ErrTransport, err)
	}

	events := make([]db.CanonicalEvent, 0, len(objects))
	skipped := 0
	for _, obj := range objects {
		if obj.Data == nil {
			skipped++
			continue
		}
		for _, evt := range obj.Data.Events() {
			event, ok := a.toCanonical(evt)
			if !ok {
				skipped++
				continue
			}
			events = append(events, event)
		}
	}
	if skipped > 0 {
		log.Printf("caldav: skipped %d malformed or empty events", skipped)
	}

	return events, nil
}

// CreateEvent puts a freshly built iCalendar document under a new UID.
func (a *CalDAVAdapter) CreateEvent(ctx context.Context, event *db.CanonicalEvent) (string, error) {
	calendarPath, err := a.resolveCalendarPath(ctx)
	if err != nil {
		return "", err
	}

	uid := uuid.New().String()
	cal := a.fromCanonical(uid, event)

	path := eventPath(calendarPath, uid)
	if _, err := a.client.PutCalendarObject(ctx, path, cal); err != nil {
		return "", fmt.Errorf("%w: failed to put event: %w", ErrTransport, err)
	}

	return uid, nil
}

// UpdateEvent overwrites the event resource keyed by its UID.
func (a *CalDAVAdapter) UpdateEvent(ctx context.Context, externalID string, event *db.CanonicalEvent) error {
	calendarPath, err := a.resolveCalendarPath(ctx)
	if err != nil {
		return err
	}

	cal := a.fromCanonical(externalID, event)
	path := eventPath(calendarPath, externalID)
	if _, err := a.client.PutCalendarObject(ctx, path, cal); err != nil {
		return fmt.Errorf("%w: failed to put event: %w", ErrTransport, err)
	}

	return nil
}

// DeleteEvent removes the event resource, tolerating 404.
func (a *CalDAVAdapter) DeleteEvent(ctx context.Context, externalID string) error {
	calendarPath, err := a.resolveCalendarPath(ctx)
	if err != nil {
		return err
	}

	err = a.client.RemoveAll(ctx, eventPath(calendarPath, externalID))
	if err != nil {
		if isNotFoundError(err) {
			return nil
		}
		return fmt.Errorf("%w: failed to delete event: %w", ErrTransport, err)
	}

	return nil
}

// toCanonical extracts the canonical fields from a VEVENT. Events
// without a UID or a parsable DTSTART are dropped as malformed.
func (a *CalDAVAdapter) toCanonical(evt ical.Event) (db.CanonicalEvent, bool) {
	uid, err := evt.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return db.CanonicalEvent{}, false
	}

	event := db.CanonicalEvent{
		CalDAVUID: uid,
		Source:    db.SourceCalDAV,
	}

	if summary, err := evt.Props.Text(ical.PropSummary); err == nil && summary != "" {
		event.Title = summary
	} else {
		event.Title = "(untitled)"
	}
	if description, err := evt.Props.Text(ical.PropDescription); err == nil {
		event.Description = description
	}
	if location, err := evt.Props.Text(ical.PropLocation); err == nil {
		event.Location = location
	}

	dtstart := evt.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return db.CanonicalEvent{}, false
	}

	// An 8-character date value (no time component) marks an all-day
	// event.
	event.AllDay = len(dtstart.Value) == 8

	start, ok := parseICalTime(dtstart)
	if !ok {
		return db.CanonicalEvent{}, false
	}
	event.StartMs = start.UnixMilli()

	if event.AllDay {
		event.EndMs = start.AddDate(0, 0, 1).UnixMilli()
	} else {
		event.EndMs = start.Add(time.Hour).UnixMilli()
	}
	if dtend := evt.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		if end, ok := parseICalTime(dtend); ok {
			event.EndMs = end.UnixMilli()
		}
	}

	if rrule := evt.Props.Get(ical.PropRecurrenceRule); rrule != nil && rrule.Value != "" {
		event.RecurrenceRule = "RRULE:" + rrule.Value
	}

	return event, true
}

// fromCanonical builds a single-event VCALENDAR document.
func (a *CalDAVAdapter) fromCanonical(uid string, event *db.CanonicalEvent) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calhub//calendar hub//EN")

	evt := ical.NewEvent()
	evt.Props.SetText(ical.PropUID, uid)
	evt.Props.SetText(ical.PropSummary, event.Title)
	if event.Description != "" {
		evt.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		evt.Props.SetText(ical.PropLocation, event.Location)
	}

	start := event.Start()
	end := event.End()
	if event.AllDay {
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
		evt.Props.Set(dateProp(ical.PropDateTimeStart, start))
		evt.Props.Set(dateProp(ical.PropDateTimeEnd, end))
	} else {
		if !end.After(start) {
			end = start.Add(time.Hour)
		}
		evt.Props.Set(dateTimeProp(ical.PropDateTimeStart, start))
		evt.Props.Set(dateTimeProp(ical.PropDateTimeEnd, end))
	}

	evt.Props.Set(dateTimeProp(ical.PropDateTimeStamp, time.Now().UTC()))

	if event.RecurrenceRule != "" {
		rule := strings.TrimPrefix(event.RecurrenceRule, "RRULE:")
		evt.Props.SetText(ical.PropRecurrenceRule, rule)
	}

	cal.Children = append(cal.Children, evt.Component)
	return cal
}

// parseICalTime parses the DTSTART/DTEND value formats this system
// supports: 8-digit dates, UTC timestamps, and floating timestamps
// (read as UTC). TZID-qualified values fall back to the library.
func parseICalTime(prop *ical.Prop) (time.Time, bool) {
	value := prop.Value

	if len(value) == 8 {
		t, err := time.Parse("20060102", value)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}

	if t, err := time.Parse("20060102T150405Z", value); err == nil {
		return t, true
	}
	if t, err := time.Parse("20060102T150405", value); err == nil {
		return t, true
	}

	if t, err := prop.DateTime(time.UTC); err == nil {
		return t.UTC(), true
	}

	return time.Time{}, false
}

func dateProp(name string, t time.Time) *ical.Prop {
	p := ical.NewProp(name)
	p.Params.Set(ical.ParamValue, "DATE")
	p.Value = t.UTC().Format("20060102")
	return p
}

func dateTimeProp(name string, t time.Time) *ical.Prop {
	p := ical.NewProp(name)
	p.Value = t.UTC().Format("20060102T150405Z")
	return p
}

func eventPath(calendarPath, uid string) string {
	return strings.TrimSuffix(calendarPath, "/") + "/" + uid + ".ics"
}

// isNotFoundError checks whether a WebDAV error means the resource is
// already gone. The go-webdav client does not export its HTTP error
// type, so this matches on the status code in the error text.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "404") || strings.Contains(msg, "410")
}
