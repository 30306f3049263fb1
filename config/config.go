// Package config persists user settings as YAML and hands out immutable
// snapshots. Components never query a live settings object mid-operation;
// they take a Settings value once per operation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the persisted configuration. Copies are cheap; every
// operation works against its own snapshot.
type Settings struct {
	// Backend
	Model          string `yaml:"model"`
	ModelDevice    string `yaml:"model_device"`    // "cpu" | "gpu"
	WhisperBackend string `yaml:"whisper_backend"` // "local" | "api"
	PortableModels bool   `yaml:"portable_models"`
	APIURL         string `yaml:"api_url"`
	APIEndpoint    string `yaml:"api_endpoint"`
	Language       string `yaml:"language"`

	// Capture
	SampleRate                   uint32 `yaml:"sample_rate"`
	MicrophoneSensitivity        int    `yaml:"microphone_sensitivity"`
	MicrophoneSensitivityEnabled bool   `yaml:"microphone_sensitivity_enabled"`
	OutputCaptureSource          string `yaml:"output_capture_source"`

	// Delivery and status
	OutputClipboard                   bool   `yaml:"output_clipboard"`
	ShowNotification                  bool   `yaml:"show_notification"`
	ShowEmptyNotification             bool   `yaml:"show_empty_notification"`
	ShowSensitivityRejectNotification bool   `yaml:"show_sensitivity_reject_notification"`
	SpeedStatsMode                    string `yaml:"speed_stats_mode"` // "disabled" | "current" | "average"

	// Readiness tokens proven by earlier successful local-cache loads.
	LocalReadyModels []string `yaml:"local_ready_models"`
}

func Defaults() Settings {
	return Settings{
		Model:                             "whisper-tiny",
		ModelDevice:                       "gpu",
		WhisperBackend:                    "local",
		APIURL:                            "http://localhost:9876",
		APIEndpoint:                       "/v1/audio/transcriptions",
		Language:                          "auto",
		SampleRate:                        16000,
		MicrophoneSensitivity:             80,
		MicrophoneSensitivityEnabled:      false,
		OutputCaptureSource:               "auto",
		OutputClipboard:                   true,
		ShowNotification:                  true,
		ShowEmptyNotification:             true,
		ShowSensitivityRejectNotification: true,
		SpeedStatsMode:                    "current",
	}
}

// SensitivityThreshold clamps the configured RMS threshold to a sane range.
func (s Settings) SensitivityThreshold() int {
	t := s.MicrophoneSensitivity
	if t < 1 {
		return 1
	}
	if t > 4000 {
		return 4000
	}
	return t
}

// DefaultPath puts the config file beside the executable, falling back to
// the working directory.
func DefaultPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "murmur.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "murmur.yaml")
}

// Store owns the persisted settings file. All mutation goes through Update
// so the in-memory state and the file never diverge.
type Store struct {
	mu    sync.Mutex
	path  string
	cur   Settings
	mtime time.Time
}

// Open loads settings from path, creating defaults if the file is missing.
func Open(path string) (*Store, error) {
	s := &Store{path: path, cur: Defaults()}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.cur); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if info, err := os.Stat(path); err == nil {
		s.mtime = info.ModTime()
	}
	return s, nil
}

// Reload picks up external edits to the file. Returns the previous and
// current settings when the file changed on disk since the last load or
// save; a missing or unparseable file is reported, not applied.
func (s *Store) Reload() (old, cur Settings, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Settings{}, Settings{}, false, nil
		}
		return Settings{}, Settings{}, false, err
	}
	if info.ModTime().Equal(s.mtime) {
		return Settings{}, Settings{}, false, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return Settings{}, Settings{}, false, err
	}
	next := Defaults()
	if err := yaml.Unmarshal(data, &next); err != nil {
		return Settings{}, Settings{}, false, fmt.Errorf("parsing config file: %w", err)
	}

	old = s.clone()
	s.cur = next
	s.mtime = info.ModTime()
	cur = s.clone()
	return old, cur, true, nil
}

// Snapshot returns the current settings by value.
func (s *Store) Snapshot() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clone()
}

// Update applies fn to the settings and persists the result atomically with
// respect to other Update callers.
func (s *Store) Update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cur)
	return s.save()
}

// clone deep-copies slices so snapshots cannot alias store state.
func (s *Store) clone() Settings {
	out := s.cur
	out.LocalReadyModels = append([]string(nil), s.cur.LocalReadyModels...)
	return out
}

func (s *Store) save() error {
	data, err := yaml.Marshal(&s.cur)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if info, err := os.Stat(s.path); err == nil {
		s.mtime = info.ModTime()
	}
	return nil
}

// ReadyTokens implements transcriber.TokenStore.
func (s *Store) ReadyTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cur.LocalReadyModels...)
}

// SaveReadyTokens implements transcriber.TokenStore.
func (s *Store) SaveReadyTokens(tokens []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.LocalReadyModels = append([]string(nil), tokens...)
	return s.save()
}
