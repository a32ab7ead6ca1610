// Package sheets appends interview results to a Google spreadsheet.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"
)

// ErrInvalidReference is returned when a sheet reference has no spreadsheet id.
var ErrInvalidReference = errors.New("invalid spreadsheet reference")

// Appender writes one row to the spreadsheet identified by ref.
type Appender interface {
	Append(ctx context.Context, ref string, row []string) error
}

var (
	urlIDRegex  = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`)
	bareIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{20,}$`)
)

// ParseSpreadsheetID extracts the spreadsheet id from a full sheet URL or
// accepts a bare id.
func ParseSpreadsheetID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if m := urlIDRegex.FindStringSubmatch(ref); m != nil {
		return m[1], nil
	}
	if bareIDRegex.MatchString(ref) {
		return ref, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
}

// SheetsAppender appends rows with the Sheets v4 API.
type SheetsAppender struct {
	svc *sheetsapi.Service
}

// NewSheetsAppender creates an appender. Without options the client uses
// application default credentials.
func NewSheetsAppender(ctx context.Context, opts ...option.ClientOption) (*SheetsAppender, error) {
	opts = append([]option.ClientOption{option.WithScopes(sheetsapi.SpreadsheetsScope)}, opts...)
	svc, err := sheetsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &SheetsAppender{svc: svc}, nil
}

// Append adds row after the last row of the first sheet.
func (a *SheetsAppender) Append(ctx context.Context, ref string, row []string) error {
	id, err := ParseSpreadsheetID(ref)
	if err != nil {
		return err
	}
	values := make([]any, len(row))
	for i, v := range row {
		values[i] = v
	}
	_, err = a.svc.Spreadsheets.Values.Append(id, "A1", &sheetsapi.ValueRange{
		Values: [][]any{values},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append row to spreadsheet %s: %w", id, err)
	}
	slog.Info("result row appended", "spreadsheet", id, "columns", len(row))
	return nil
}

// LogAppender logs rows instead of writing them. It is used in development
// when no Google credentials are configured.
type LogAppender struct{}

// Append logs the row at info level.
func (LogAppender) Append(_ context.Context, ref string, row []string) error {
	slog.Info("result row (not persisted)", "ref", ref, "row", row)
	return nil
}
