package transcriber

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"murmur/model"
)

type call struct {
	Name string
	Args []string
	Env  []string
}

// fakeRunner scripts child-process outcomes per command shape.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	respond func(c call) (execResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, extraEnv []string, name string, args ...string) (execResult, error) {
	c := call{Name: name, Args: append([]string(nil), args...), Env: append([]string(nil), extraEnv...)}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.respond == nil {
		return execResult{ExitCode: 0, Stdout: "ok"}, nil
	}
	return f.respond(c)
}

func (f *fakeRunner) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (c call) is(name string, codeContains string) bool {
	if c.Name != name {
		return false
	}
	for i, a := range c.Args {
		if a == "-c" && i+1 < len(c.Args) {
			return strings.Contains(c.Args[i+1], codeContains)
		}
	}
	return false
}

type memTokens struct {
	mu     sync.Mutex
	tokens []string
	saves  int
}

func (m *memTokens) ReadyTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}

func (m *memTokens) SaveReadyTokens(tokens []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append([]string(nil), tokens...)
	m.saves++
	return nil
}

func newTestLocal(store TokenStore, respond func(c call) (execResult, error)) (*Local, *fakeRunner) {
	run := &fakeRunner{respond: respond}
	l := NewLocal(store, "python", false)
	l.run = run
	return l, run
}

func whisperReq(device string) Request {
	spec, _ := model.Resolve("whisper-tiny")
	return Request{WAV: []byte("RIFFdata"), Model: spec, Device: device}
}

func parakeetReq(device string) Request {
	spec, _ := model.Resolve("parakeet-tdt-0.6b-v3")
	return Request{WAV: []byte("RIFFdata"), Model: spec, Device: device}
}

func TestLocalWhisperCPUTranscribe(t *testing.T) {
	l, run := newTestLocal(&memTokens{}, func(c call) (execResult, error) {
		if c.is("python", "faster_whisper") {
			return execResult{Stdout: " hello from whisper\n"}, nil
		}
		return execResult{}, nil
	})

	text, err := l.Transcribe(context.Background(), whisperReq("cpu"))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != " hello from whisper" {
		t.Errorf("text = %q, trailing newline should be stripped, leading space kept", text)
	}

	// CPU request must never touch CUDA probes.
	for _, c := range run.recorded() {
		if c.Name == "nvidia-smi" || c.is("python", "ctranslate2") {
			t.Errorf("CPU transcription ran CUDA probe: %v", c)
		}
	}
}

func TestLocalWhisperGPUFallsBackToCPU(t *testing.T) {
	var inferDevices []string
	l, _ := newTestLocal(&memTokens{}, func(c call) (execResult, error) {
		switch {
		case c.Name == "nvidia-smi":
			return execResult{Stdout: "GPU 0: Fake RTX"}, nil
		case c.is("python", "ctranslate2"):
			return execResult{}, nil
		case c.is("python", "device='cuda'"):
			return execResult{}, nil // CUDA load probe passes
		case c.is("python", "WhisperModel(model_id, device=hw_device"):
			// Inference child: device travels as the third script arg.
			dev := c.Args[len(c.Args)-2]
			inferDevices = append(inferDevices, dev)
			if dev == "cuda" {
				return execResult{ExitCode: 1, Stderr: "CUDA driver crashed"}, nil
			}
			return execResult{Stdout: "rescued on cpu\n"}, nil
		default:
			return execResult{}, nil
		}
	})

	text, err := l.Transcribe(context.Background(), whisperReq("gpu"))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "rescued on cpu" {
		t.Errorf("text = %q", text)
	}
	if len(inferDevices) != 2 || inferDevices[0] != "cuda" || inferDevices[1] != "cpu" {
		t.Errorf("inference devices = %v, want [cuda cpu]", inferDevices)
	}
}

func TestLocalWhisperGPUProbeFailureDowngrades(t *testing.T) {
	var inferDevices []string
	l, _ := newTestLocal(&memTokens{}, func(c call) (execResult, error) {
		switch {
		case c.Name == "nvidia-smi":
			return execResult{ExitCode: 1}, nil // no GPU at all
		case c.is("python", "WhisperModel(model_id, device=hw_device"):
			inferDevices = append(inferDevices, c.Args[len(c.Args)-2])
			return execResult{Stdout: "cpu text"}, nil
		default:
			return execResult{}, nil
		}
	})

	if _, err := l.Transcribe(context.Background(), whisperReq("gpu")); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if len(inferDevices) != 1 || inferDevices[0] != "cpu" {
		t.Errorf("inference devices = %v, want single cpu run", inferDevices)
	}
}

func TestLocalParakeetCPUDisablesCUDA(t *testing.T) {
	l, run := newTestLocal(&memTokens{}, func(c call) (execResult, error) {
		if c.is("python", "onnx_asr") && len(c.Args) > 3 {
			return execResult{Stdout: "parakeet text\n"}, nil
		}
		return execResult{}, nil
	})

	text, err := l.Transcribe(context.Background(), parakeetReq("cpu"))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "parakeet text" {
		t.Errorf("text = %q", text)
	}

	found := false
	for _, c := range run.recorded() {
		if c.is("python", "load_model(model_id)\nresult") {
			found = true
			if !containsEnv(c.Env, "CUDA_VISIBLE_DEVICES=-1") {
				t.Errorf("CPU parakeet run missing CUDA_VISIBLE_DEVICES=-1, env %v", c.Env)
			}
		}
	}
	if !found {
		t.Fatal("parakeet inference child never ran")
	}
}

func containsEnv(env []string, want string) bool {
	for _, e := range env {
		if e == want {
			return true
		}
	}
	return false
}

func TestLocalReadinessTokens(t *testing.T) {
	store := &memTokens{}
	l, _ := newTestLocal(store, nil) // every child succeeds

	spec, _ := model.Resolve("whisper-tiny")
	if l.IsReadyCached(spec) {
		t.Fatal("model ready before any successful load")
	}

	if _, err := l.Transcribe(context.Background(), whisperReq("cpu")); err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	if !l.IsReadyCached(spec) {
		t.Error("successful load did not mark the model ready")
	}
	if len(store.ReadyTokens()) != 1 {
		t.Fatalf("persisted tokens = %v, want one", store.ReadyTokens())
	}
	tok := store.ReadyTokens()[0]
	if tok != "whisper|whisper-tiny|shared" {
		t.Errorf("token = %q, want family|name|scope form", tok)
	}

	// A second success must not re-save.
	saves := store.saves
	if _, err := l.Transcribe(context.Background(), whisperReq("cpu")); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if store.saves != saves {
		t.Error("idempotent markReady re-persisted tokens")
	}
}

func TestLocalTokenScopeIsolation(t *testing.T) {
	store := &memTokens{}
	l, _ := newTestLocal(store, nil)
	spec, _ := model.Resolve("whisper-tiny")

	if _, err := l.Transcribe(context.Background(), whisperReq("cpu")); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !l.IsReadyCached(spec) {
		t.Fatal("shared-scope token missing")
	}

	// Switching to the portable cache invalidates readiness: the portable
	// directory has its own download state.
	l.SetPortable(true)
	l.Unload()
	if l.IsReadyCached(spec) {
		t.Error("shared-scope token leaked into portable scope")
	}

	l.SetPortable(false)
	if !l.IsReadyCached(spec) {
		t.Error("shared-scope token lost after switching back")
	}
}

func TestLocalIsWarmProbeCaching(t *testing.T) {
	probes := 0
	l, _ := newTestLocal(&memTokens{}, func(c call) (execResult, error) {
		if c.is("python", "local_files_only=True") {
			probes++
			return execResult{ExitCode: 1, Stderr: "not cached"}, nil
		}
		return execResult{}, nil
	})
	spec, _ := model.Resolve("whisper-tiny")

	if l.IsWarm(context.Background(), spec) {
		t.Fatal("uncached model reported warm")
	}
	if l.IsWarm(context.Background(), spec) {
		t.Fatal("uncached model reported warm on second check")
	}
	if probes != 1 {
		t.Errorf("probe subprocess ran %d times, want 1 (cached)", probes)
	}

	// Unload clears the negative cache so the next check probes again.
	l.Unload()
	l.IsWarm(context.Background(), spec)
	if probes != 2 {
		t.Errorf("probe did not re-run after Unload, count %d", probes)
	}
}

func TestLocalParakeetProbeIsOffline(t *testing.T) {
	var probeEnv []string
	l, _ := newTestLocal(&memTokens{}, func(c call) (execResult, error) {
		if c.is("python", "onnx_asr") && len(c.Args) == 3 {
			probeEnv = c.Env
		}
		return execResult{}, nil
	})
	spec, _ := model.Resolve("parakeet-tdt-0.6b-v3")

	if !l.IsWarm(context.Background(), spec) {
		t.Fatal("successful probe should report warm")
	}
	if !containsEnv(probeEnv, "HF_HUB_OFFLINE=1") {
		t.Errorf("parakeet cache probe not forced offline, env %v", probeEnv)
	}
}

func TestLocalTempFileCleanup(t *testing.T) {
	var wavPath string
	l, _ := newTestLocal(&memTokens{}, func(c call) (execResult, error) {
		if c.is("python", "seg.text") {
			// First script arg is the temp WAV path.
			wavPath = c.Args[2]
			return execResult{Stdout: "text"}, nil
		}
		return execResult{}, nil
	})

	if _, err := l.Transcribe(context.Background(), whisperReq("cpu")); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if wavPath == "" {
		t.Fatal("inference child never received a WAV path")
	}
	if _, err := os.Stat(wavPath); !os.IsNotExist(err) {
		t.Errorf("temp WAV %s not removed after inference", wavPath)
	}
}

func TestLocalInferenceErrorDetail(t *testing.T) {
	l, _ := newTestLocal(&memTokens{}, func(c call) (execResult, error) {
		if c.is("python", "faster_whisper") {
			return execResult{ExitCode: 2, Stderr: "ModuleNotFoundError: faster_whisper"}, nil
		}
		return execResult{}, nil
	})

	_, err := l.Transcribe(context.Background(), whisperReq("cpu"))
	if err == nil {
		t.Fatal("expected inference error")
	}
	if !strings.Contains(err.Error(), "ModuleNotFoundError") {
		t.Errorf("error should surface child stderr, got %v", err)
	}
}
