package usb

import (
	"log/slog"
	"testing"
)

func TestSetAndGetLogLevel(t *testing.T) {
	orig := GetLogLevel()
	defer SetLogLevel(orig)

	SetLogLevel(slog.LevelDebug)
	if GetLogLevel() != slog.LevelDebug {
		t.Fatalf("expected LevelDebug, got %v", GetLogLevel())
	}
}
