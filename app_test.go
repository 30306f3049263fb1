package main

import (
	"context"
	"encoding/binary"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"murmur/capture"
	"murmur/config"
	"murmur/transcriber"
)

type recordingUI struct {
	mu       sync.Mutex
	statuses []string
	notifies []string
}

func (u *recordingUI) SetRecording(bool) {}
func (u *recordingUI) Level(float64)     {}

func (u *recordingUI) Status(text string) {
	u.mu.Lock()
	u.statuses = append(u.statuses, text)
	u.mu.Unlock()
}

func (u *recordingUI) Notify(title, body string) {
	u.mu.Lock()
	u.notifies = append(u.notifies, title+": "+body)
	u.mu.Unlock()
}

func (u *recordingUI) lastStatus() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.statuses) == 0 {
		return ""
	}
	return u.statuses[len(u.statuses)-1]
}

func (u *recordingUI) hasStatus(substr string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, s := range u.statuses {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// sinePCM generates little-endian mono 16-bit PCM of a 440 Hz tone.
func sinePCM(seconds float64, rate int, amplitude float64) []byte {
	n := int(seconds * float64(rate))
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/float64(rate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return pcm
}

func newTestApp(t *testing.T, pcm []byte, fake *transcriber.Fake, mutate func(*config.Settings)) (*App, *recordingUI) {
	t.Helper()
	store, err := config.Open(filepath.Join(t.TempDir(), "murmur.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	err = store.Update(func(s *config.Settings) {
		s.WhisperBackend = "api"
		s.OutputClipboard = false
		if mutate != nil {
			mutate(s)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	ui := &recordingUI{}
	app := NewApp(capture.NewFakeContext(pcm), store, transcriber.NewLocal(store, "", false), ui)
	app.newRemote = func(baseURL, endpoint string) transcriber.Transcriber {
		return fake
	}
	return app, ui
}

func TestAppEndToEnd(t *testing.T) {
	pcm := sinePCM(1.0, 16000, 0.5)
	fake := &transcriber.Fake{Text: "  hello world  "}
	app, ui := newTestApp(t, pcm, fake, nil)

	if err := app.Start(capture.SourceMicrophone, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := app.State(); got != StateRecording {
		t.Fatalf("state after start = %v, want %v", got, StateRecording)
	}

	<-app.Stop()

	if got := app.State(); got != StateIdle {
		t.Fatalf("state after stop = %v, want %v", got, StateIdle)
	}
	reqs := fake.Requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d transcription requests, want 1", len(reqs))
	}
	wantWAV := capture.WAVHeaderSize + len(pcm)
	if len(reqs[0].WAV) != wantWAV {
		t.Errorf("WAV size = %d, want %d", len(reqs[0].WAV), wantWAV)
	}
	if reqs[0].Model.Name != "whisper-tiny" {
		t.Errorf("model = %q, want whisper-tiny", reqs[0].Model.Name)
	}
	if !strings.Contains(ui.lastStatus(), "Copied 11 chars") {
		t.Errorf("final status = %q, want copied-chars summary", ui.lastStatus())
	}
	if app.Transcriptions() != 1 {
		t.Errorf("transcription count = %d, want 1", app.Transcriptions())
	}
}

func TestAppRefusesConcurrentSessions(t *testing.T) {
	pcm := sinePCM(0.5, 16000, 0.5)
	app, _ := newTestApp(t, pcm, &transcriber.Fake{Text: "x"}, nil)

	if err := app.Start(capture.SourceMicrophone, nil); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := app.Start(capture.SourceLoopback, nil); err == nil {
		t.Fatal("second start succeeded, want busy error")
	}
	<-app.Stop()

	// Idle again: a new session is accepted.
	if err := app.Start(capture.SourceLoopback, nil); err != nil {
		t.Fatalf("start after stop: %v", err)
	}
	<-app.Stop()
}

func TestAppSensitivityRejection(t *testing.T) {
	quiet := sinePCM(0.5, 16000, 0.001)
	fake := &transcriber.Fake{Text: "should not run"}
	app, ui := newTestApp(t, quiet, fake, func(s *config.Settings) {
		s.MicrophoneSensitivityEnabled = true
		s.MicrophoneSensitivity = 500
	})

	if err := app.Start(capture.SourceMicrophone, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-app.Stop()

	if len(fake.Requests()) != 0 {
		t.Error("rejected capture still reached the backend")
	}
	if !ui.hasStatus("below sensitivity threshold") {
		t.Errorf("missing rejection status, got %q", ui.lastStatus())
	}
}

func TestAppNoAudioRejection(t *testing.T) {
	fake := &transcriber.Fake{Text: "should not run"}
	app, ui := newTestApp(t, nil, fake, nil)

	if err := app.Start(capture.SourceMicrophone, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-app.Stop()

	if len(fake.Requests()) != 0 {
		t.Error("empty capture still reached the backend")
	}
	if !ui.hasStatus("No audio captured") {
		t.Errorf("missing no-audio status, got %q", ui.lastStatus())
	}
}

func TestAppSuppressesNoiseToken(t *testing.T) {
	pcm := sinePCM(0.5, 16000, 0.5)
	fake := &transcriber.Fake{Text: " You. "}
	app, ui := newTestApp(t, pcm, fake, nil)

	if err := app.Start(capture.SourceMicrophone, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-app.Stop()

	if !ui.hasStatus("No speech detected") {
		t.Errorf("suppressed token should read as empty, got %q", ui.lastStatus())
	}
}

func TestAppTranscriptionError(t *testing.T) {
	pcm := sinePCM(0.5, 16000, 0.5)
	fake := &transcriber.Fake{Err: &transcriber.HTTPError{StatusCode: 500, Body: "boom"}}
	app, ui := newTestApp(t, pcm, fake, nil)

	if err := app.Start(capture.SourceMicrophone, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-app.Stop()

	if !ui.hasStatus("Transcription failed") {
		t.Errorf("missing failure status, got %q", ui.lastStatus())
	}
	if app.State() != StateIdle {
		t.Errorf("state after failure = %v, want idle", app.State())
	}
}

func TestAppUnknownModel(t *testing.T) {
	pcm := sinePCM(0.5, 16000, 0.5)
	fake := &transcriber.Fake{Text: "x"}
	app, ui := newTestApp(t, pcm, fake, func(s *config.Settings) {
		s.Model = "whisper-nonexistent"
	})

	if err := app.Start(capture.SourceMicrophone, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-app.Stop()

	if len(fake.Requests()) != 0 {
		t.Error("unknown model still reached the backend")
	}
	if !ui.hasStatus("Transcription failed") {
		t.Errorf("missing failure status, got %q", ui.lastStatus())
	}
}

func TestAppStopWhenIdle(t *testing.T) {
	app, _ := newTestApp(t, nil, &transcriber.Fake{}, nil)

	select {
	case <-app.Stop():
	case <-time.After(time.Second):
		t.Fatal("stop on idle app did not return immediately")
	}
}

func TestAppTranscribeWAV(t *testing.T) {
	fake := &transcriber.Fake{Text: " direct clip "}
	app, _ := newTestApp(t, nil, fake, nil)

	wav := capture.EncodeWAV(make([]int16, 8000), 16000)
	text, err := app.TranscribeWAV(context.Background(), wav)
	if err != nil {
		t.Fatalf("transcribe wav: %v", err)
	}
	if text != "direct clip" {
		t.Errorf("text = %q, want %q", text, "direct clip")
	}
	reqs := fake.Requests()
	if len(reqs) != 1 || len(reqs[0].WAV) != len(wav) {
		t.Fatalf("backend did not receive the clip")
	}
}
