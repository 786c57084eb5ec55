package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/festnoze/squad-ai-sub002/internal/config"
)

func loadSample(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML), nil)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(loadSample(t), loadSample(t))
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelOnly(t *testing.T) {
	t.Parallel()

	old, new := loadSample(t), loadSample(t)
	new.Server.LogLevel = config.LogError

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogError {
		t.Errorf("log level diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("a log level change needs no restart, got %q", d.RestartRequired)
	}
}

func TestDiff_SectionsNeedingRestart(t *testing.T) {
	t.Parallel()

	old, new := loadSample(t), loadSample(t)
	new.Server.ListenAddr = ":1234"
	new.Providers.TTS.Options = map[string]any{"voice_id": "voice-2"}
	new.Agent.Prompts.Welcome = "Bonjour."
	new.Calendar.AllowedWeekdays = []int{0}

	d := config.Diff(old, new)
	want := []string{"server", "providers", "agent", "calendar"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %q, want %q", d.RestartRequired, want)
	}
	if d.LogLevelChanged {
		t.Error("log level reported as changed")
	}
}
