package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Format is an export encoding
type Format string

const (
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatCSV    Format = "csv"
)

// ParseFormat accepts json, ndjson and csv, defaulting to json for the empty string
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatNDJSON:
		return FormatNDJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the media type for the format
func (f Format) ContentType() string {
	switch f {
	case FormatNDJSON:
		return "application/x-ndjson"
	case FormatCSV:
		return "text/csv"
	default:
		return "application/json"
	}
}

// Export writes entries to w in the given format
func Export(w io.Writer, format Format, entries []*Entry) error {
	switch format {
	case FormatJSON:
		return exportJSON(w, entries)
	case FormatNDJSON:
		return exportNDJSON(w, entries)
	case FormatCSV:
		return exportCSV(w, entries)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

func exportJSON(w io.Writer, entries []*Entry) error {
	if entries == nil {
		entries = []*Entry{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}

func exportNDJSON(w io.Writer, entries []*Entry) error {
	encoder := json.NewEncoder(w)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return fmt.Errorf("failed to encode entry %s: %w", entry.ID, err)
		}
	}
	return nil
}

func exportCSV(w io.Writer, entries []*Entry) error {
	writer := csv.NewWriter(w)

	header := []string{
		"ID",
		"CreatedAt",
		"OrganizationID",
		"ActorID",
		"ActorType",
		"Action",
		"EntityType",
		"EntityID",
		"ChangedFields",
		"Success",
		"ErrorMessage",
		"RequestID",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		row := []string{
			entry.ID,
			entry.CreatedAt.UTC().Format(time.RFC3339),
			formatStringPtr(entry.OrganizationID),
			entry.ActorID,
			entry.ActorType,
			entry.Action,
			entry.EntityType,
			entry.EntityID,
			strings.Join(entry.ChangedFields, ";"),
			strconv.FormatBool(entry.Success),
			entry.ErrorMessage,
			entry.RequestID,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

// formatStringPtr returns the empty string for nil
func formatStringPtr(val *string) string {
	if val == nil {
		return ""
	}
	return *val
}
