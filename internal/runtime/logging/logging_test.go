package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "loop"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})

	child := logger.With(LogFields{"stream": "LIMITS_STREAM"})
	child.Info("child_info", nil)

	if len(base.entries) != 5 {
		t.Fatalf("expected 5 log entries, got %d", len(base.entries))
	}
	if base.entries[0].level != "debug" || base.entries[0].fields["component"] != "loop" {
		t.Fatalf("unexpected first entry: %#v", base.entries[0])
	}
	if base.entries[3].level != "error" || base.entries[3].err == nil {
		t.Fatalf("expected error entry, got %#v", base.entries[3])
	}
	if base.entries[4].fields["stream"] != "LIMITS_STREAM" {
		t.Fatalf("expected With to propagate fields, got %#v", base.entries[4].fields)
	}
}

func TestWithNilFieldsReturnsSameLogger(t *testing.T) {
	logger := NewWatermillServiceLogger(newRecordingWatermillLogger())
	if logger.With(nil) != logger {
		t.Fatal("expected With(nil) to return the receiver")
	}
}

func TestConstructorsPanicOnNil(t *testing.T) {
	cases := map[string]func(){
		"watermill": func() { NewWatermillServiceLogger(nil) },
		"slog":      func() { NewSlogServiceLogger(nil) },
		"adapter":   func() { NewWatermillAdapter(nil) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Fatal("expected panic")
				}
			}()
			fn()
		})
	}
}

func TestWatermillAdapterDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	adapter := NewWatermillAdapter(NewWatermillServiceLogger(base))

	adapter.Info("hello", watermill.LogFields{"k": "v"})
	adapter.With(watermill.LogFields{"scope": "child"}).Debug("nested", nil)

	if len(base.entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(base.entries))
	}
	if base.entries[1].fields["scope"] != "child" {
		t.Fatalf("expected scoped fields, got %#v", base.entries[1].fields)
	}
}

func TestSlogServiceLoggerWritesStructuredOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	log, err := NewSlogLogger(buf, "json", "debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	NewSlogServiceLogger(log).Info("published", LogFields{"task_id": 3})

	out := buf.String()
	if !strings.Contains(out, `"msg":"published"`) || !strings.Contains(out, `"task_id":3`) {
		t.Fatalf("unexpected output %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"trace": LevelTrace,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewSlogLoggerRejectsUnknownFormat(t *testing.T) {
	if _, err := NewSlogLogger(&bytes.Buffer{}, "xml", "info"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := NewNopServiceLogger()
	logger.With(LogFields{"a": 1}).Error("ignored", errors.New("x"), nil)
}

type recordedEntry struct {
	level  string
	msg    string
	err    error
	fields watermill.LogFields
}

type recordingWatermillLogger struct {
	entries []recordedEntry
	fields  watermill.LogFields
	parent  *recordingWatermillLogger
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	return &recordingWatermillLogger{}
}

func (r *recordingWatermillLogger) root() *recordingWatermillLogger {
	if r.parent != nil {
		return r.parent.root()
	}
	return r
}

func (r *recordingWatermillLogger) record(level, msg string, err error, fields watermill.LogFields) {
	merged := watermill.LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	root := r.root()
	root.entries = append(root.entries, recordedEntry{level: level, msg: msg, err: err, fields: merged})
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record("trace", msg, nil, fields)
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &recordingWatermillLogger{fields: fields, parent: r}
}
