// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(prefix string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(prefix)
	l.SetWriter(&buf)
	l.SetColorize(false)
	l.SetLevel(DEBUG)
	return l, &buf
}

func TestLoggerBasic(t *testing.T) {
	logger, buf := newTestLogger("control")
	logger.Info("tick %d", 42)

	output := buf.String()
	if !strings.Contains(output, "[INFO ]") {
		t.Errorf("expected INFO level, got: %s", output)
	}
	if !strings.Contains(output, "control: tick 42") {
		t.Errorf("expected prefixed message, got: %s", output)
	}
}

func TestLoggerLevels(t *testing.T) {
	logger, buf := newTestLogger("test")
	logger.SetLevel(WARN)

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Errorf("expected DEBUG and INFO to be filtered, got: %s", buf.String())
	}

	logger.Warn("warn message")
	if !strings.Contains(buf.String(), "warn message") {
		t.Errorf("expected WARN to pass, got: %s", buf.String())
	}
	buf.Reset()

	logger.Error("error message")
	if !strings.Contains(buf.String(), "[ERROR]") {
		t.Errorf("expected ERROR to pass, got: %s", buf.String())
	}
}

func TestLoggerJSON(t *testing.T) {
	logger, buf := newTestLogger("monitor")
	logger.SetFormat(FormatJSON)

	logger.WithFields(Fields{"attempt": 3, "state": "PALPATE"}).Info("entered force mode")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if line["logger"] != "monitor" {
		t.Errorf("logger = %v, want monitor", line["logger"])
	}
	if line["message"] != "entered force mode" {
		t.Errorf("message = %v", line["message"])
	}
	fields, ok := line["fields"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing fields: %s", buf.String())
	}
	if fields["state"] != "PALPATE" {
		t.Errorf("state field = %v", fields["state"])
	}
}

func TestEntryFieldsSorted(t *testing.T) {
	logger, buf := newTestLogger("test")
	logger.WithField("b", 2).WithField("a", 1).Warn("sorted")

	if !strings.Contains(buf.String(), "{a=1, b=2}") {
		t.Errorf("expected sorted fields, got: %s", buf.String())
	}
}

func TestWithError(t *testing.T) {
	logger, buf := newTestLogger("test")
	logger.WithError(errors.New("robot offline")).Error("command failed")

	if !strings.Contains(buf.String(), "error=robot offline") {
		t.Errorf("expected error field, got: %s", buf.String())
	}
}

func TestNamedSharesSink(t *testing.T) {
	root, buf := newTestLogger("palpation")
	child := root.Named("search")

	root.SetLevel(ERROR)
	child.Warn("hidden")
	if buf.Len() != 0 {
		t.Errorf("child should follow root level, got: %s", buf.String())
	}

	child.Error("shown")
	if !strings.Contains(buf.String(), "search: shown") {
		t.Errorf("expected child prefix, got: %s", buf.String())
	}
}

func TestWithPersistentFields(t *testing.T) {
	root, buf := newTestLogger("control")
	l := root.With(Fields{"session": "abc"})

	l.Info("started")
	if !strings.Contains(buf.String(), "session=abc") {
		t.Errorf("expected persistent field, got: %s", buf.String())
	}
}

func TestCallerInfo(t *testing.T) {
	logger, buf := newTestLogger("test")
	logger.SetCaller(true)
	logger.Info("where")

	if !strings.Contains(buf.String(), "logger_test.go:") {
		t.Errorf("expected caller of the test file, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConfigureFromEnv(t *testing.T) {
	t.Setenv("PALPATION_LOG_LEVEL", "error")
	t.Setenv("PALPATION_LOG_FORMAT", "json")
	t.Setenv("NO_COLOR", "1")

	l := New("env")
	ConfigureFromEnv(l)
	if l.GetLevel() != ERROR {
		t.Errorf("level = %v, want ERROR", l.GetLevel())
	}
	if l.out.outFormat != FormatJSON {
		t.Errorf("expected JSON format")
	}
	if l.out.colorize {
		t.Errorf("expected colors disabled")
	}
}
