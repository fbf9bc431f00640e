package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/HakAl/arkinput/internal/store"
)

// ExportFormat represents supported export formats.
type ExportFormat string

const (
	FormatJSON   ExportFormat = "json"
	FormatNDJSON ExportFormat = "ndjson"
	FormatCSV    ExportFormat = "csv"

	// MaxExportRows is the default and largest limit of one export.
	MaxExportRows = 10000
)

// ParseExportFormat validates a format name. Empty means json.
func ParseExportFormat(v string) (ExportFormat, error) {
	switch ExportFormat(v) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatNDJSON:
		return FormatNDJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unsupported export format %q (want json, ndjson or csv)", v)
}

// RecordExporter streams records in one format.
type RecordExporter interface {
	ContentType() string
	FileExtension() string
	WriteHeader(w io.Writer) error
	WriteRecord(w io.Writer, rec *store.InputRecord) error
	WriteFooter(w io.Writer) error
}

// NewExporter creates a streaming exporter for ndjson or csv.
// JSON exports are produced whole by the command service instead.
func NewExporter(format ExportFormat) RecordExporter {
	if format == FormatCSV {
		return &CSVExporter{}
	}
	return &NDJSONExporter{}
}

// NDJSONExporter writes one JSON object per line.
type NDJSONExporter struct {
	encoder *json.Encoder
}

func (e *NDJSONExporter) ContentType() string   { return "application/x-ndjson" }
func (e *NDJSONExporter) FileExtension() string { return "ndjson" }

func (e *NDJSONExporter) WriteHeader(w io.Writer) error {
	e.encoder = json.NewEncoder(w)
	return nil
}

func (e *NDJSONExporter) WriteRecord(_ io.Writer, rec *store.InputRecord) error {
	return e.encoder.Encode(rec)
}

func (e *NDJSONExporter) WriteFooter(io.Writer) error { return nil }

// CSVExporter writes a header row and one row per record.
type CSVExporter struct {
	writer *csv.Writer
}

func (e *CSVExporter) ContentType() string   { return "text/csv" }
func (e *CSVExporter) FileExtension() string { return "csv" }

func (e *CSVExporter) WriteHeader(w io.Writer) error {
	e.writer = csv.NewWriter(w)
	return e.writer.Write([]string{"id", "timestamp", "app_name", "window_title", "content", "key_count", "created_at"})
}

func (e *CSVExporter) WriteRecord(_ io.Writer, rec *store.InputRecord) error {
	return e.writer.Write([]string{
		strconv.FormatInt(rec.ID, 10),
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.AppName,
		ptrStr(rec.WindowTitle),
		rec.Content,
		strconv.Itoa(rec.KeyCount),
		ptrTime(rec.CreatedAt),
	})
}

func (e *CSVExporter) WriteFooter(io.Writer) error {
	e.writer.Flush()
	return e.writer.Error()
}

func ptrStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func ptrTime(p *time.Time) string {
	if p == nil {
		return ""
	}
	return p.UTC().Format(time.RFC3339)
}

// WriteRecords runs recs through exp.
func WriteRecords(w io.Writer, exp RecordExporter, recs []*store.InputRecord) error {
	if err := exp.WriteHeader(w); err != nil {
		return err
	}
	for _, rec := range recs {
		if err := exp.WriteRecord(w, rec); err != nil {
			return err
		}
	}
	return exp.WriteFooter(w)
}

// export downloads the records matching the usual filter parameters.
func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	q := r.URL.Query()
	format, err := ParseExportFormat(q.Get("format"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter, err := parseFilter(q, MaxExportRows)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Limit == 0 {
		filter.Limit = MaxExportRows
	}

	filename := fmt.Sprintf("arkinput-%s.%s", s.now().UTC().Format("20060102-150405"), format)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if format == FormatJSON {
		body, err := s.svc.ExportRecords(ctx, filter)
		if err != nil {
			s.internalError(w, r, "failed to export records", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body+"\n")
		return
	}

	recs, err := s.svc.GetRecords(ctx, filter)
	if err != nil {
		s.internalError(w, r, "failed to export records", err)
		return
	}
	exp := NewExporter(format)
	w.Header().Set("Content-Type", exp.ContentType())
	if err := WriteRecords(w, exp, recs); err != nil {
		// headers are already sent
		s.log(r).Error("export write failed", "format", format, "error", err)
		return
	}
	s.log(r).Info("records exported", "format", format, "rows", len(recs))
}
