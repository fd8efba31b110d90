package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
)

func TestLoggerErrorIncludesContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf})

	ctx := context.Background()
	ctx = log.WithEventID(ctx, "evt-123")
	ctx = log.WithExecutionID(ctx, "exec-9")

	log.Error(ctx, "boom", errors.New("boom"))

	if !bytes.Contains(buf.Bytes(), []byte(`"event_id":"evt-123"`)) {
		t.Fatalf("expected event_id to be preserved; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"execution_id":"exec-9"`)) {
		t.Fatalf("expected execution_id to be preserved; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("expected stack trace on error; entry=%s", buf.String())
	}
}

func TestLoggerWarnStackToggle(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf, WarnStack: true})
	log.Warn(context.Background(), "warny")
	if !bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("expected stack when warn stack enabled")
	}

	buf.Reset()
	quiet := New(Options{ServiceName: "test", Output: buf})
	quiet.Warn(context.Background(), "warny")
	if bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("did not expect stack when warn stack disabled")
	}
}

func TestParseLevelDefaults(t *testing.T) {
	if lvl := ParseLevel(""); lvl != zerolog.InfoLevel {
		t.Fatalf("expected default info level, got %v", lvl)
	}
	if lvl := ParseLevel("invalid"); lvl != zerolog.InfoLevel {
		t.Fatalf("invalid level should fallback to info, got %v", lvl)
	}
	if lvl := ParseLevel(" WARN "); lvl != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %v", lvl)
	}
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	log.Info(context.Background(), "ignored")
	log.Error(log.WithEventID(nil, "x"), "ignored", errors.New("x"))
}

func TestLoggerErrorSkipsStackForExpectedFailures(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})

	log.Error(context.Background(), "rejected", pkgerrors.New(pkgerrors.CodeValidation, "event_name is required"))
	assert.Contains(t, buf.String(), `"error_code":"VALIDATION_ERROR"`)
	assert.NotContains(t, buf.String(), `"stack"`)

	buf.Reset()
	log.Error(context.Background(), "delivery failed", pkgerrors.New(pkgerrors.CodeDependency, "pubsub unavailable"))
	assert.Contains(t, buf.String(), `"error_code":"DEPENDENCY_ERROR"`)
	assert.Contains(t, buf.String(), `"stack"`)
}

func TestLoggerConsoleFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf, Format: FormatConsole})
	log.Info(log.WithRequestID(context.Background(), "req-1"), "hello")

	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "request_id")
	assert.Contains(t, buf.String(), "req-1")
	assert.NotContains(t, buf.String(), `"message"`)
}

func TestLoggerWithFieldsDoesNotLeakIntoParent(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})
	parent := log.WithEventID(context.Background(), "evt-1")
	_ = log.WithFields(parent, map[string]any{"attempt": 2})

	log.Info(parent, "parent")
	assert.Contains(t, buf.String(), `"event_id":"evt-1"`)
	assert.NotContains(t, buf.String(), `"attempt"`)
}
