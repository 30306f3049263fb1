package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"murmur/capture"
	"murmur/config"
	"murmur/deliver"
	"murmur/log"
	"murmur/model"
	"murmur/stats"
	"murmur/transcriber"
)

type State int

const (
	StateIdle State = iota
	StateRecording
	StateSystemAudioRecording
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateSystemAudioRecording:
		return "recording-system-audio"
	case StateProcessing:
		return "processing"
	default:
		return "idle"
	}
}

// UI is what the orchestrator needs from whatever front end is attached:
// status text, notifications, and a level indicator. The console front end in
// main implements it; tests use a recorder.
type UI interface {
	SetRecording(active bool)
	Status(text string)
	Notify(title, body string)
	Level(v float64)
}

type nopUI struct{}

func (nopUI) SetRecording(bool)     {}
func (nopUI) Status(string)         {}
func (nopUI) Notify(string, string) {}
func (nopUI) Level(float64)         {}

// App is the orchestrator: one capture session at a time, a processing
// pipeline per stop, delivery, and speed stats. All public methods are safe
// for concurrent use.
type App struct {
	capctx capture.Context
	store  *config.Store
	local  *transcriber.Local
	ui     UI
	meter  *stats.Meter

	// newRemote is swapped in tests to point at an httptest server.
	newRemote func(baseURL, endpoint string) transcriber.Transcriber

	mu          sync.Mutex
	state       State
	session     *capture.Session
	sessionStop chan struct{}
	micDevice   *capture.DeviceInfo

	count atomic.Int64
}

func NewApp(capctx capture.Context, store *config.Store, local *transcriber.Local, ui UI) *App {
	if ui == nil {
		ui = nopUI{}
	}
	return &App{
		capctx: capctx,
		store:  store,
		local:  local,
		ui:     ui,
		meter:  stats.NewMeter(),
		newRemote: func(baseURL, endpoint string) transcriber.Transcriber {
			return transcriber.NewRemote(baseURL, endpoint)
		},
	}
}

// State reports the current pipeline state.
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetMicDevice pins microphone sessions to a named device. nil means the
// system default. Loopback sessions always auto-select their source.
func (a *App) SetMicDevice(dev *capture.DeviceInfo) {
	a.mu.Lock()
	a.micDevice = dev
	a.mu.Unlock()
}

// Transcriptions reports how many transcriptions completed this session.
func (a *App) Transcriptions() int {
	return int(a.count.Load())
}

// Start opens a capture session for the given source. Only one session can
// exist at a time: a second Start, of either source, is refused until the
// first one has fully finished processing. isToggle is consulted by the
// silence watcher (auto-close after 30s of dead air applies in toggle mode
// only); nil means push-to-talk.
func (a *App) Start(kind capture.SourceKind, isToggle func() bool) error {
	a.mu.Lock()
	if a.state != StateIdle {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("busy: %s", state)
	}
	a.state = StateProcessing // placeholder until the stream opens
	a.mu.Unlock()

	cfg := a.store.Snapshot()
	threshold := cfg.SensitivityThreshold()

	var aboveThreshold atomic.Bool
	opts := capture.Options{
		PreferredRate:      cfg.SampleRate,
		Sensitivity:        threshold,
		SensitivityEnabled: cfg.MicrophoneSensitivityEnabled,
		Level: func(rms float64) {
			a.ui.Level(rms)
			if rms*32768.0 >= float64(threshold) {
				aboveThreshold.Store(true)
			}
		},
	}

	a.mu.Lock()
	var device *capture.DeviceInfo
	if kind == capture.SourceMicrophone {
		device = a.micDevice
	}
	a.mu.Unlock()

	sess, err := capture.Open(a.capctx, kind, device, opts)
	if err != nil {
		a.mu.Lock()
		a.state = StateIdle
		a.mu.Unlock()
		log.Errorf("capture open: %v", err)
		a.ui.Notify("Recording failed", err.Error())
		a.ui.Status("Ready")
		return err
	}

	stopCh := make(chan struct{})
	a.mu.Lock()
	a.session = sess
	a.sessionStop = stopCh
	if kind == capture.SourceLoopback {
		a.state = StateSystemAudioRecording
	} else {
		a.state = StateRecording
	}
	a.mu.Unlock()

	a.ui.SetRecording(true)
	if kind == capture.SourceLoopback {
		a.ui.Status("Recording system audio…")
	} else {
		a.ui.Status("Recording…")
	}

	if isToggle == nil {
		isToggle = func() bool { return false }
	}
	go a.watchSilence(stopCh, newSilenceMonitor(isToggle), &aboveThreshold)
	return nil
}

// Stop ends the active session and runs the processing pipeline on a worker
// goroutine. The returned channel closes when processing has finished and
// the app is idle again. Stopping an idle app is a no-op with an
// already-closed channel.
func (a *App) Stop() <-chan struct{} {
	a.mu.Lock()
	sess := a.session
	stopCh := a.sessionStop
	if sess == nil {
		a.mu.Unlock()
		done := make(chan struct{})
		close(done)
		return done
	}
	a.session = nil
	a.sessionStop = nil
	a.state = StateProcessing
	a.mu.Unlock()

	close(stopCh)
	a.ui.SetRecording(false)
	a.ui.Level(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			a.mu.Lock()
			a.state = StateIdle
			a.mu.Unlock()
		}()
		res := sess.Stop()
		a.process(res, a.store.Snapshot())
	}()
	return done
}

// Toggle starts a session if idle and stops it if one is running. Used by
// the hotkey layer in toggle mode.
func (a *App) Toggle(kind capture.SourceKind) {
	a.mu.Lock()
	running := a.session != nil
	a.mu.Unlock()
	if running {
		a.Stop()
		return
	}
	if err := a.Start(kind, func() bool { return true }); err != nil {
		log.Warnf("toggle start: %v", err)
	}
}

func (a *App) watchSilence(done <-chan struct{}, mon *silenceMonitor, above *atomic.Bool) {
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			switch mon.Tick(above.Swap(false)) {
			case SilenceWarn, SilenceRepeat:
				a.ui.Status("Recording… (no signal above sensitivity threshold)")
			case SilenceWarnClear:
				a.ui.Status("Recording…")
			case SilenceAutoClose:
				log.Warn("auto-closing recording after 30s without signal")
				a.ui.Notify("Recording stopped", "No audio detected for 30 seconds")
				a.Stop()
				return
			}
		}
	}
}

// process runs the post-capture pipeline: rejection handling, backend
// selection, transcription, sanitization, stats, and delivery. cfg is the
// settings snapshot taken when the session ended; later settings changes do
// not affect an in-flight operation.
func (a *App) process(res capture.Result, cfg config.Settings) {
	switch res.Rejected {
	case capture.RejectNoAudio:
		a.ui.Status("No audio captured")
		if cfg.ShowEmptyNotification {
			a.ui.Notify("", "No audio captured")
		}
		return
	case capture.RejectBelowThreshold:
		msg := fmt.Sprintf("Audio below sensitivity threshold (level %.0f < %d)", res.RMS, res.Threshold)
		a.ui.Status(msg)
		if cfg.ShowSensitivityRejectNotification {
			a.ui.Notify("", msg)
		}
		return
	}

	text, backend, elapsed, err := a.transcribe(context.Background(), res, cfg)
	if err != nil {
		log.Errorf("transcription: %v", err)
		a.ui.Status("Transcription failed")
		a.ui.Notify("Transcription failed", err.Error())
		return
	}

	text = sanitize(text)
	chars := utf8.RuneCountInString(text)
	a.meter.Record(chars, elapsed.Seconds())
	a.count.Add(1)

	audioSeconds := float64(res.Frames) / float64(res.SampleRate)
	log.Transcription(backend.String(), cfg.Model, audioSeconds, elapsed.Seconds(), chars)
	log.TranscriptionText(text)

	if text == "" {
		a.ui.Status("No speech detected")
		if cfg.ShowEmptyNotification {
			a.ui.Notify("", "No speech detected")
		}
		return
	}

	if cfg.OutputClipboard {
		if err := deliver.Copy(text); err != nil {
			log.Errorf("clipboard: %v", err)
			a.ui.Notify("Clipboard failed", err.Error())
		}
	}
	if cfg.ShowNotification {
		a.ui.Notify("", preview(text))
	}

	status := fmt.Sprintf("Copied %d chars", chars)
	if badge := a.meter.Badge(cfg.SpeedStatsMode); badge != "" {
		status += " · " + badge
	}
	a.ui.Status(status)
}

// transcribe selects the backend from the snapshot and runs one inference,
// reporting elapsed wall-clock time for the speed meter.
func (a *App) transcribe(ctx context.Context, res capture.Result, cfg config.Settings) (string, model.Backend, time.Duration, error) {
	backend, err := model.Select(cfg.Model, cfg.WhisperBackend)
	if err != nil {
		return "", 0, 0, err
	}
	spec, err := model.Resolve(cfg.Model)
	if err != nil {
		return "", 0, 0, err
	}

	if backend.Local() && !a.local.IsReadyCached(spec) {
		a.ui.Status("Downloading model… (first use)")
	} else {
		a.ui.Status("Transcribing…")
	}

	var t transcriber.Transcriber
	if backend.Local() {
		t = a.local
	} else {
		t = a.newRemote(cfg.APIURL, cfg.APIEndpoint)
	}

	req := transcriber.Request{
		WAV:      res.WAV,
		Model:    spec,
		Device:   cfg.ModelDevice,
		Language: cfg.Language,
	}
	started := time.Now()
	text, err := t.Transcribe(ctx, req)
	elapsed := time.Since(started)
	if err != nil {
		return "", backend, elapsed, err
	}
	return text, backend, elapsed, nil
}

// TranscribeWAV pushes an already-encoded WAV buffer through the backend
// half of the pipeline. Used by the -clip flag; runs concurrently with
// hotkey sessions since each inference uses its own temp file.
func (a *App) TranscribeWAV(ctx context.Context, wav []byte) (string, error) {
	cfg := a.store.Snapshot()
	res := capture.Result{WAV: wav, SampleRate: cfg.SampleRate}
	text, _, _, err := a.transcribe(ctx, res, cfg)
	if err != nil {
		return "", err
	}
	return sanitize(text), nil
}

// SettingsChanged reacts to a persisted settings update. Changes that
// invalidate cached runtime assumptions (device, backend, cache scope) reset
// the local engine; readiness tokens survive.
func (a *App) SettingsChanged(old, cur config.Settings) {
	if old.PortableModels != cur.PortableModels {
		a.local.SetPortable(cur.PortableModels)
	}
	if old.PortableModels != cur.PortableModels ||
		old.ModelDevice != cur.ModelDevice ||
		old.WhisperBackend != cur.WhisperBackend {
		a.local.Unload()
		log.Infof("settings change reset local engine: device=%s backend=%s portable=%v",
			cur.ModelDevice, cur.WhisperBackend, cur.PortableModels)
	}
}

// preview shortens the transcription for a notification body.
func preview(text string) string {
	const max = 120
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max-1]) + "…"
}
