// Package model holds the static catalog of supported transcription models
// and the backend selection rule.
package model

import (
	"fmt"
	"sort"
	"strings"
)

// Family is the model architecture. Resolved once at selection time from the
// catalog; nothing downstream branches on name prefixes.
type Family int

const (
	FamilyWhisper Family = iota
	FamilyParakeet
)

func (f Family) String() string {
	if f == FamilyParakeet {
		return "parakeet"
	}
	return "whisper"
}

// Backend is the inference path chosen for a transcription.
type Backend int

const (
	BackendLocalWhisper Backend = iota
	BackendLocalParakeet
	BackendRemote
)

func (b Backend) String() string {
	switch b {
	case BackendLocalParakeet:
		return "local-parakeet"
	case BackendRemote:
		return "remote"
	default:
		return "local-whisper"
	}
}

// Local reports whether the backend runs on-device.
func (b Backend) Local() bool { return b != BackendRemote }

// Spec identifies one transcription model. Immutable, sourced from the
// static catalog below.
type Spec struct {
	Name      string // canonical user-facing name
	Family    Family
	RuntimeID string // identifier the runtime loader understands
}

// catalog maps canonical names to runtime loader IDs. Whisper entries load
// through faster-whisper, parakeet entries through onnx-asr.
var catalog = []Spec{
	{Name: "whisper-tiny", Family: FamilyWhisper, RuntimeID: "tiny"},
	{Name: "whisper-tiny-en", Family: FamilyWhisper, RuntimeID: "tiny.en"},
	{Name: "whisper-base", Family: FamilyWhisper, RuntimeID: "base"},
	{Name: "whisper-base-en", Family: FamilyWhisper, RuntimeID: "base.en"},
	{Name: "whisper-small", Family: FamilyWhisper, RuntimeID: "small"},
	{Name: "whisper-small-en", Family: FamilyWhisper, RuntimeID: "small.en"},
	{Name: "whisper-medium", Family: FamilyWhisper, RuntimeID: "medium"},
	{Name: "whisper-medium-en", Family: FamilyWhisper, RuntimeID: "medium.en"},
	{Name: "whisper-large", Family: FamilyWhisper, RuntimeID: "large-v2"},
	{Name: "whisper-large-v1", Family: FamilyWhisper, RuntimeID: "large-v1"},
	{Name: "whisper-large-v2", Family: FamilyWhisper, RuntimeID: "large-v2"},
	{Name: "whisper-large-v3", Family: FamilyWhisper, RuntimeID: "large-v3"},
	{Name: "whisper-turbo", Family: FamilyWhisper, RuntimeID: "turbo"},
	{Name: "parakeet-tdt-0.6b-v3", Family: FamilyParakeet, RuntimeID: "nemo-parakeet-tdt-0.6b-v3"},
	{Name: "parakeet-tdt-0.6b-v3-fp32", Family: FamilyParakeet, RuntimeID: "istupakov/parakeet-tdt-0.6b-v3-onnx"},
}

var byName = func() map[string]Spec {
	m := make(map[string]Spec, len(catalog))
	for _, s := range catalog {
		m[s.Name] = s
	}
	return m
}()

// UnknownModelError means configuration references a model absent from the
// catalog. Surfaced before any network or subprocess work begins.
type UnknownModelError struct {
	Name string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q. Known models: %s", e.Name, strings.Join(Names(), ", "))
}

// Names lists all canonical model names, sorted.
func Names() []string {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve looks a canonical name up in the catalog.
func Resolve(name string) (Spec, error) {
	spec, ok := byName[strings.TrimSpace(name)]
	if !ok {
		return Spec{}, &UnknownModelError{Name: name}
	}
	return spec, nil
}

// Select decides the inference path for a model name and the configured
// backend preference ("local" or "api"). The parakeet family has no remote
// path and is always local; whisper goes local only when the preference says
// so.
func Select(name, backendPref string) (Backend, error) {
	spec, err := Resolve(name)
	if err != nil {
		return 0, err
	}
	if spec.Family == FamilyParakeet {
		return BackendLocalParakeet, nil
	}
	if backendPref == "local" {
		return BackendLocalWhisper, nil
	}
	return BackendRemote, nil
}
