package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDisabledByDefault(t *testing.T) {
	Apply(Settings{DebugMode: false})
	defer CloseAll()

	if IsDebugMode() {
		t.Error("expected debug mode disabled")
	}
	if IsCategoryEnabled(CategoryRouting) {
		t.Error("expected categories disabled when debug mode is off")
	}

	// Must be safe to call with no backing file.
	Routing("dropped message %d", 1)
	Get(CategoryStore).Error("also dropped")
}

func TestCategoryFilter(t *testing.T) {
	Apply(Settings{
		DebugMode: true,
		Categories: map[string]bool{
			"routing": true,
			"session": false,
		},
	})
	defer CloseAll()

	if !IsCategoryEnabled(CategoryRouting) {
		t.Error("routing should be enabled")
	}
	if IsCategoryEnabled(CategorySession) {
		t.Error("session should be disabled")
	}
	// Unlisted categories default to enabled in debug mode.
	if !IsCategoryEnabled(CategoryWorkflow) {
		t.Error("workflow should default to enabled")
	}
}

func TestInitializeWritesLogFile(t *testing.T) {
	ws := t.TempDir()
	if err := Initialize(ws, Settings{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	Routing("conversation %s routed to %s", "conv-1", "CommandHandler")
	CloseAll()

	dir := filepath.Join(ws, ".taskpilot", "logs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("logs dir missing: %v", err)
	}

	found := false
	for _, e := range entries {
		if strings.Contains(e.Name(), "routing") {
			found = true
			data, _ := os.ReadFile(filepath.Join(dir, e.Name()))
			if !strings.Contains(string(data), "conv-1") {
				t.Errorf("routing log missing message, got: %s", data)
			}
		}
	}
	if !found {
		t.Error("no routing log file created")
	}
}

func TestInitializeRequiresWorkspace(t *testing.T) {
	if err := Initialize("", Settings{DebugMode: true}); err == nil {
		t.Error("expected error for empty workspace")
	}
}
