package capture

import (
	"fmt"
	"sync"
)

const fakeChunkFrames = 1024

// FakeContext feeds canned PCM through the capture interfaces for tests. The
// fake device delivers the whole buffer in driver-sized chunks on Start and
// silence thereafter (nothing — tests stop synchronously).
type FakeContext struct {
	PCM        []byte
	DeviceRate uint32   // reported when a candidate asks for the device default
	FailRates  []uint32 // rates NewCapture refuses, simulating driver rejection
	FailAll    bool     // refuse every configuration
}

func NewFakeContext(pcm []byte) *FakeContext {
	return &FakeContext{PCM: pcm, DeviceRate: 16000}
}

func (f *FakeContext) Devices(SourceKind) ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake device"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ SourceKind, _ *DeviceInfo, config Config) (Device, error) {
	if f.FailAll {
		return nil, fmt.Errorf("fake: device unavailable")
	}
	for _, r := range f.FailRates {
		if config.SampleRate == r {
			return nil, fmt.Errorf("fake: rate %d unsupported", r)
		}
	}
	if config.SampleRate == 0 {
		config.SampleRate = f.DeviceRate
	}
	if config.Channels == 0 {
		config.Channels = 1
	}
	return &FakeCapture{pcm: f.PCM, config: config}, nil
}

type FakeCapture struct {
	pcm    []byte
	config Config

	mu sync.Mutex
	cb DataCallback
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb == nil {
		return nil
	}
	chunkBytes := fakeChunkFrames * 2 * int(f.config.Channels)
	for pos := 0; pos < len(f.pcm); pos += chunkBytes {
		end := min(pos+chunkBytes, len(f.pcm))
		chunk := make([]byte, end-pos)
		copy(chunk, f.pcm[pos:end])
		cb(chunk, uint32(len(chunk)/2/int(f.config.Channels)))
	}
	return nil
}

func (f *FakeCapture) Stop() {}

func (f *FakeCapture) Close() {}

func (f *FakeCapture) DeviceName() string { return "fake device" }

func (f *FakeCapture) Config() Config { return f.config }
