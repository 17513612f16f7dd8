package logger

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestInit(t *testing.T) {
	l := New()
	if l.Log == nil {
		t.Fatal("New() returned nil Log")
	}

	if err := l.Init("Warn"); err != nil {
		t.Fatalf("Init(Warn) error = %v", err)
	}
	if l.Log.Core().Enabled(zapcore.InfoLevel) {
		t.Errorf("info should be disabled at warn level")
	}
	if !l.Log.Core().Enabled(zapcore.ErrorLevel) {
		t.Errorf("error should be enabled at warn level")
	}
}

func TestInitInvalidLevel(t *testing.T) {
	l := New()
	if err := l.Init("loud"); err == nil {
		t.Fatal("Init(loud) error = nil; want error")
	}
}

func TestInitConsole(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	if err := l.InitConsole("info", &buf); err != nil {
		t.Fatalf("InitConsole(info) error = %v", err)
	}
	l.Log.Debug("hidden")
	l.Log.Info("slide pseudonymised")
	_ = l.Log.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug entry written at info level: %q", out)
	}
	if !strings.Contains(out, "slide pseudonymised") {
		t.Errorf("info entry missing: %q", out)
	}
	if err := l.InitConsole("loud", &buf); err == nil {
		t.Error("InitConsole(loud) error = nil; want error")
	}
}
