package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "murmur.yaml")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	return s, path
}

func TestOpenMissingFileUsesDefaults(t *testing.T) {
	s, path := tempStore(t)
	cfg := s.Snapshot()
	want := Defaults()
	if cfg.Model != want.Model || cfg.SampleRate != want.SampleRate ||
		cfg.WhisperBackend != want.WhisperBackend || cfg.SpeedStatsMode != want.SpeedStatsMode {
		t.Errorf("missing file should yield defaults, got %+v", cfg)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Open should not create the file")
	}
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	s, path := tempStore(t)
	err := s.Update(func(c *Settings) {
		c.Model = "whisper-base"
		c.MicrophoneSensitivity = 120
		c.OutputClipboard = false
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	cfg := reopened.Snapshot()
	if cfg.Model != "whisper-base" || cfg.MicrophoneSensitivity != 120 || cfg.OutputClipboard {
		t.Errorf("persisted settings lost: %+v", cfg)
	}
	// Untouched keys keep their defaults.
	if cfg.APIEndpoint != Defaults().APIEndpoint {
		t.Errorf("default endpoint lost: %q", cfg.APIEndpoint)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s, _ := tempStore(t)
	if err := s.SaveReadyTokens([]string{"a", "b"}); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	snap.LocalReadyModels[0] = "mutated"

	if s.Snapshot().LocalReadyModels[0] != "a" {
		t.Error("snapshot mutation leaked into the store")
	}
}

func TestSensitivityThresholdClamps(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{-5, 1},
		{0, 1},
		{1, 1},
		{80, 80},
		{4000, 4000},
		{99999, 4000},
	}
	for _, c := range cases {
		s := Settings{MicrophoneSensitivity: c.in}
		if got := s.SensitivityThreshold(); got != c.want {
			t.Errorf("SensitivityThreshold(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestReadyTokensRoundTrip(t *testing.T) {
	s, path := tempStore(t)
	tokens := []string{
		"whisper|whisper-tiny|shared",
		"parakeet|parakeet-tdt-0.6b-v3|portable",
	}
	if err := s.SaveReadyTokens(tokens); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	got := reopened.ReadyTokens()
	if len(got) != 2 || got[0] != tokens[0] || got[1] != tokens[1] {
		t.Errorf("tokens = %v, want %v", got, tokens)
	}
}

func TestReloadPicksUpExternalEdit(t *testing.T) {
	s, path := tempStore(t)
	if err := s.Update(func(c *Settings) { c.Model = "whisper-tiny" }); err != nil {
		t.Fatal(err)
	}

	if _, _, changed, err := s.Reload(); err != nil || changed {
		t.Fatalf("unchanged file reported changed=%v err=%v", changed, err)
	}

	// Simulate an external editor: rewrite the file with a future mtime so
	// the change is visible even on coarse filesystem clocks.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	edited := strings.Replace(string(data), "whisper-tiny", "whisper-base", 1)
	if err := os.WriteFile(path, []byte(edited), 0644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	old, cur, changed, err := s.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !changed {
		t.Fatal("external edit not detected")
	}
	if old.Model != "whisper-tiny" || cur.Model != "whisper-base" {
		t.Errorf("reload diff = %q -> %q", old.Model, cur.Model)
	}
	if s.Snapshot().Model != "whisper-base" {
		t.Error("reload did not apply the new settings")
	}
}

func TestDefaults(t *testing.T) {
	d := Defaults()
	if d.Model != "whisper-tiny" {
		t.Errorf("default model = %q", d.Model)
	}
	if d.SampleRate != 16000 {
		t.Errorf("default sample rate = %d", d.SampleRate)
	}
	if d.MicrophoneSensitivity != 80 {
		t.Errorf("default sensitivity = %d", d.MicrophoneSensitivity)
	}
	if d.MicrophoneSensitivityEnabled {
		t.Error("sensitivity gating should default off")
	}
	if d.WhisperBackend != "local" {
		t.Errorf("default backend = %q", d.WhisperBackend)
	}
	if d.APIURL != "http://localhost:9876" {
		t.Errorf("default api url = %q", d.APIURL)
	}
}
