package eventsync

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// CSV import
// ============================================================================

// RowError describes one CSV row that could not be imported.
type RowError struct {
	Line int    `json:"line"`
	Err  string `json:"error"`
}

// ImportResult summarizes a CSV import.
type ImportResult struct {
	Imported int        `json:"imported"`
	Events   []Event    `json:"events,omitempty"`
	Errors   []RowError `json:"errors,omitempty"`
}

// csvDateLayouts are accepted for the date column, most specific first.
var csvDateLayouts = []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"}

// ImportEventsCSV creates one event per CSV row, routing each through
// CreateEvent so imports performed offline queue like any other write. The
// header row names the columns (title and date are required; description,
// location and capacity are optional). A bad row is recorded and skipped; the
// import keeps going.
func (s *Service) ImportEventsCSV(ctx context.Context, r io.Reader) (*ImportResult, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := cols["title"]; !ok {
		return nil, errors.New("CSV header is missing the title column")
	}
	if _, ok := cols["date"]; !ok {
		return nil, errors.New("CSV header is missing the date column")
	}

	result := &ImportResult{}
	line := 1
	for {
		line++
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.Errors = append(result.Errors, RowError{Line: line, Err: err.Error()})
			continue
		}

		payload, err := rowToPayload(cols, record)
		if err != nil {
			result.Errors = append(result.Errors, RowError{Line: line, Err: err.Error()})
			continue
		}

		ev, err := s.CreateEvent(ctx, *payload)
		if err != nil {
			result.Errors = append(result.Errors, RowError{Line: line, Err: err.Error()})
			continue
		}
		result.Imported++
		result.Events = append(result.Events, *ev)
	}
	return result, nil
}

func rowToPayload(cols map[string]int, record []string) (*EventPayload, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	title := field("title")
	if title == "" {
		return nil, errors.New("title is empty")
	}

	rawDate := field("date")
	var date time.Time
	var err error
	for _, layout := range csvDateLayouts {
		if date, err = time.Parse(layout, rawDate); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("unparseable date %q", rawDate)
	}

	payload := &EventPayload{
		Title:       title,
		Description: field("description"),
		Date:        date,
		Location:    field("location"),
	}
	if raw := field("capacity"); raw != "" {
		capacity, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid capacity %q", raw)
		}
		payload.Capacity = capacity
	}
	return payload, nil
}
