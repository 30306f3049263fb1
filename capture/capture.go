package capture

import (
	"fmt"
	"strings"
)

// SourceKind distinguishes microphone input from system-output loopback.
type SourceKind int

const (
	SourceMicrophone SourceKind = iota
	SourceLoopback
)

func (k SourceKind) String() string {
	if k == SourceLoopback {
		return "loopback"
	}
	return "microphone"
}

// DataCallback receives interleaved 16-bit little-endian PCM from the driver
// thread. The data slice is only valid for the duration of the call.
type DataCallback func(data []byte, frameCount uint32)

type Config struct {
	SampleRate uint32 // 0 selects the device default
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices(kind SourceKind) ([]DeviceInfo, error)
	NewCapture(kind SourceKind, device *DeviceInfo, config Config) (Device, error)
	Close()
}

type Device interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
	// Config reports the configuration actually in effect after open.
	Config() Config
}

// DeviceError means no (device, rate) candidate could be opened. Attempts
// records every configuration tried, last one first in the message.
type DeviceError struct {
	Kind     SourceKind
	Attempts []string
	Err      error
}

func (e *DeviceError) Error() string {
	last := "no candidate configurations"
	if len(e.Attempts) > 0 {
		last = e.Attempts[len(e.Attempts)-1]
	}
	return fmt.Sprintf("%s capture failed: %s (tried %d configurations)", e.Kind, last, len(e.Attempts))
}

func (e *DeviceError) Unwrap() error { return e.Err }

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the device name whether a microphone is a
// bluetooth headset (lower capture quality, worth flagging in the picker).
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
