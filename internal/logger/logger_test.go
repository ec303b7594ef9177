package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"warn", logrus.WarnLevel},
		{"", logrus.InfoLevel},
		{"chatty", logrus.InfoLevel},
	}
	for _, tc := range tests {
		l, ok := NewLogger(tc.level).(*logrus.Logger)
		if !ok {
			t.Fatal("expected a *logrus.Logger")
		}
		if l.GetLevel() != tc.want {
			t.Errorf("NewLogger(%q) level = %v, want %v", tc.level, l.GetLevel(), tc.want)
		}
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	l := NewLogger("info").(*logrus.Logger)
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithField("athlete_id", 42).Info("sync queued")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	for _, key := range []string{"timestamp", "message", "level", "athlete_id"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("expected %q in %v", key, entry)
		}
	}
	if entry["message"] != "sync queued" {
		t.Errorf("unexpected message: %v", entry["message"])
	}
}
