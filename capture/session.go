package capture

import (
	"fmt"
	"sync"
	"time"

	"murmur/log"
)

// frameChanCap bounds the frame channel between the driver callback and the
// single drain in Stop. At typical chunk sizes this holds several minutes of
// audio; a full channel drops the chunk rather than blocking the driver.
const frameChanCap = 8192

// LevelFunc receives the normalized (0..1) RMS of each audio chunk so a UI
// level indicator can animate. Called on the driver thread.
type LevelFunc func(rms float64)

// Options is the per-capture configuration snapshot. Built once per start
// request; the session never reads live settings.
type Options struct {
	PreferredRate      uint32
	Channels           uint32 // 0 defaults to 1 (mic) or 2 (loopback)
	Sensitivity        int    // RMS threshold in int16 units
	SensitivityEnabled bool
	Level              LevelFunc
}

type Rejection int

const (
	RejectNone Rejection = iota
	RejectNoAudio
	RejectBelowThreshold
)

// Result is the outcome of ending a session: either a usable WAV buffer or a
// rejection, never both.
type Result struct {
	WAV         []byte
	RMS         float64
	Rejected    Rejection
	Threshold   int
	GainApplied bool
	Gain        float64
	SampleRate  uint32
	Frames      int
}

// Session owns one open audio stream. Frames are appended by the driver
// callback and drained exactly once by Stop.
type Session struct {
	kind    SourceKind
	dev     Device
	opts    Options
	started time.Time

	frames chan []byte

	mu      sync.Mutex
	stopped bool
}

// Open negotiates a device stream for the given source. Rate candidates are
// tried in order: preferred rate, device default, 48000, 44100. If none can
// be opened the returned error is a *DeviceError carrying every attempt, and
// no stream is left half-open.
func Open(ctx Context, kind SourceKind, device *DeviceInfo, opts Options) (*Session, error) {
	channels := opts.Channels
	if channels == 0 {
		channels = 1
		if kind == SourceLoopback {
			channels = 2
		}
	}

	var attempts []string
	var lastErr error
	for _, rate := range rateCandidates(opts.PreferredRate) {
		dev, err := ctx.NewCapture(kind, device, Config{SampleRate: rate, Channels: channels})
		if err != nil {
			attempts = append(attempts, attemptLabel(device, rate, err))
			lastErr = err
			continue
		}

		s := &Session{
			kind:    kind,
			dev:     dev,
			opts:    opts,
			started: time.Now(),
			frames:  make(chan []byte, frameChanCap),
		}
		dev.SetCallback(s.onData)
		if err := dev.Start(); err != nil {
			dev.ClearCallback()
			dev.Close()
			attempts = append(attempts, attemptLabel(device, rate, err))
			lastErr = err
			continue
		}
		log.Infof("capture start: kind=%s device=%s rate=%d channels=%d",
			kind, dev.DeviceName(), dev.Config().SampleRate, dev.Config().Channels)
		return s, nil
	}
	return nil, &DeviceError{Kind: kind, Attempts: attempts, Err: lastErr}
}

func rateCandidates(preferred uint32) []uint32 {
	candidates := []uint32{preferred, 0, 48000, 44100}
	seen := make(map[uint32]bool)
	var out []uint32
	for _, r := range candidates {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

func attemptLabel(device *DeviceInfo, rate uint32, err error) string {
	name := "default device"
	if device != nil {
		name = device.Name
	}
	rateLabel := "device rate"
	if rate != 0 {
		rateLabel = fmt.Sprintf("%d Hz", rate)
	}
	return fmt.Sprintf("%s @ %s: %v", name, rateLabel, err)
}

// onData runs on the driver thread. It must never block: a full frame
// channel drops the chunk.
func (s *Session) onData(data []byte, frameCount uint32) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if len(data) == 0 {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	select {
	case s.frames <- chunk:
	default:
		log.Warnf("capture: frame channel full, dropping %d frames", frameCount)
	}

	if s.opts.Level != nil {
		samples := decodeSamples(data)
		s.opts.Level(RMS(samples) / 32768.0)
	}
}

// Kind reports which source this session captures.
func (s *Session) Kind() SourceKind { return s.kind }

// Started reports when the stream was opened.
func (s *Session) Started() time.Time { return s.started }

// Stop closes the stream and renders the capture. Zero frames reject with
// NoAudio. With sensitivity gating enabled, a buffer whose RMS is below the
// threshold rejects with BelowThreshold, carrying both values for display.
// Otherwise the result is mono 16-bit PCM in a WAV container at the
// negotiated rate; loopback audio is folded to mono by max-magnitude and
// gain-normalized when too quiet.
func (s *Session) Stop() Result {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.dev.Stop()
	s.dev.ClearCallback()
	cfg := s.dev.Config()
	s.dev.Close()

	var pcm []byte
	for {
		select {
		case chunk := <-s.frames:
			pcm = append(pcm, chunk...)
		default:
			goto drained
		}
	}
drained:

	threshold := s.opts.Sensitivity
	if len(pcm) == 0 {
		log.Warn("capture stop: no audio frames captured")
		return Result{Rejected: RejectNoAudio, Threshold: threshold, SampleRate: cfg.SampleRate}
	}

	samples := decodeSamples(pcm)
	if s.kind == SourceLoopback && cfg.Channels > 1 {
		samples = FoldToMono(samples, int(cfg.Channels))
	}

	rms := RMS(samples)
	duration := float64(len(samples)) / float64(cfg.SampleRate)
	log.Infof("capture stop: %.2fs rms=%.2f threshold=%d enabled=%v",
		duration, rms, threshold, s.opts.SensitivityEnabled)

	if s.opts.SensitivityEnabled && rms < float64(threshold) {
		return Result{
			Rejected:   RejectBelowThreshold,
			RMS:        rms,
			Threshold:  threshold,
			SampleRate: cfg.SampleRate,
			Frames:     len(samples),
		}
	}

	gain := 1.0
	applied := false
	if s.kind == SourceLoopback {
		gain, applied = NormalizeGain(samples)
		if applied {
			log.Infof("capture: loopback gain %.2fx applied", gain)
		}
	}

	return Result{
		WAV:         EncodeWAV(samples, cfg.SampleRate),
		RMS:         rms,
		Threshold:   threshold,
		GainApplied: applied,
		Gain:        gain,
		SampleRate:  cfg.SampleRate,
		Frames:      len(samples),
	}
}
