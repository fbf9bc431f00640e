// Package testutil provides shared test fixtures for consistent, realistic test data.
package testutil

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"path"
	"testing"
	"time"

	"github.com/HakAl/arkinput/internal/capture"
	"github.com/HakAl/arkinput/internal/store"
)

//go:embed keystreams/*.jsonl
var fixtures embed.FS

// RecordBuilder provides a fluent API for building test records.
type RecordBuilder struct {
	rec *store.InputRecord
}

// NewRecord creates a RecordBuilder with sensible defaults.
func NewRecord() *RecordBuilder {
	title := "notes.txt - Editor"
	return &RecordBuilder{
		rec: &store.InputRecord{
			Timestamp:   time.Now().UTC().Truncate(time.Second),
			AppName:     "Editor",
			WindowTitle: &title,
			Content:     "hello",
			KeyCount:    5,
		},
	}
}

// WithApp sets the app name.
func (b *RecordBuilder) WithApp(app string) *RecordBuilder {
	b.rec.AppName = app
	return b
}

// WithTitle sets the window title.
func (b *RecordBuilder) WithTitle(title string) *RecordBuilder {
	b.rec.WindowTitle = &title
	return b
}

// WithoutTitle clears the window title.
func (b *RecordBuilder) WithoutTitle() *RecordBuilder {
	b.rec.WindowTitle = nil
	return b
}

// WithContent sets the content and a matching key count of one per rune.
func (b *RecordBuilder) WithContent(content string) *RecordBuilder {
	b.rec.Content = content
	b.rec.KeyCount = len([]rune(content))
	return b
}

// WithKeyCount overrides the key count.
func (b *RecordBuilder) WithKeyCount(n int) *RecordBuilder {
	b.rec.KeyCount = n
	return b
}

// At sets the session start time.
func (b *RecordBuilder) At(ts time.Time) *RecordBuilder {
	b.rec.Timestamp = ts
	return b
}

// Build returns the constructed record.
func (b *RecordBuilder) Build() *store.InputRecord {
	return b.rec
}

// Seed inserts records into s and fills in their ids.
func Seed(t *testing.T, s capture.RecordSink, recs ...*store.InputRecord) {
	t.Helper()
	for _, rec := range recs {
		id, err := s.InsertRecord(context.Background(), rec)
		if err != nil {
			t.Fatalf("seeding record %q: %v", rec.Content, err)
		}
		rec.ID = id
	}
}

// KeyStream returns an embedded JSON-lines key stream by name (without extension).
func KeyStream(t *testing.T, name string) []byte {
	t.Helper()
	data, err := fixtures.ReadFile(path.Join("keystreams", name+".jsonl"))
	if err != nil {
		t.Fatalf("loading key stream %s: %v", name, err)
	}
	return data
}

// Type returns the press/release events that type text on a US keyboard,
// holding ShiftLeft around shifted characters. Newlines become Return.
func Type(text string) []capture.KeyEvent {
	var events []capture.KeyEvent
	for _, r := range text {
		if r == '\n' {
			events = append(events, Tap(capture.KeyReturn)...)
			continue
		}
		k, shift, ok := capture.KeyForRune(r)
		if !ok {
			continue
		}
		if shift {
			events = append(events, capture.KeyEvent{Type: capture.Press, Key: capture.KeyShiftLeft})
		}
		events = append(events, Tap(k)...)
		if shift {
			events = append(events, capture.KeyEvent{Type: capture.Release, Key: capture.KeyShiftLeft})
		}
	}
	return events
}

// Tap returns a press followed by a release of k.
func Tap(k capture.Key) []capture.KeyEvent {
	return []capture.KeyEvent{
		{Type: capture.Press, Key: k},
		{Type: capture.Release, Key: k},
	}
}

// JSONLines encodes events in the one-object-per-line form read by the
// stdin key source.
func JSONLines(events []capture.KeyEvent) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		_ = enc.Encode(ev)
	}
	return buf.Bytes()
}
