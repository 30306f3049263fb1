package transcriber

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"murmur/log"
	"murmur/model"
)

// TokenStore persists the append-only set of readiness tokens. Implemented
// by the settings store.
type TokenStore interface {
	ReadyTokens() []string
	SaveReadyTokens(tokens []string) error
}

// Runner child code, executed via `<python> -c <code> <args...>`. The child
// prints exactly the transcribed text to stdout on success and exits
// non-zero with a diagnostic on stderr otherwise.
const (
	whisperInferCode = "import sys\n" +
		"from faster_whisper import WhisperModel\n" +
		"wav_path, model_id, hw_device, compute_type = sys.argv[1:5]\n" +
		"model = WhisperModel(model_id, device=hw_device, compute_type=compute_type)\n" +
		"segments, _ = model.transcribe(wav_path)\n" +
		"print(''.join(seg.text for seg in segments).strip())\n"

	parakeetInferCode = "import sys\n" +
		"import onnx_asr\n" +
		"wav_path, model_id = sys.argv[1:3]\n" +
		"model = onnx_asr.load_model(model_id)\n" +
		"result = model.recognize(wav_path)\n" +
		"if isinstance(result, str):\n" +
		"    text = result\n" +
		"elif isinstance(result, list) and result:\n" +
		"    text = str(result[0])\n" +
		"elif isinstance(result, dict):\n" +
		"    if 'text' in result:\n" +
		"        text = result['text']\n" +
		"    elif 'segments' in result:\n" +
		"        text = ' '.join(s.get('text', '') for s in result['segments'])\n" +
		"    else:\n" +
		"        text = str(result)\n" +
		"else:\n" +
		"    text = str(result)\n" +
		"print(text)\n"

	whisperProbeCode = "import os,sys\n" +
		"from faster_whisper import WhisperModel\n" +
		"model_id = sys.argv[1]\n" +
		"root = os.environ.get('HF_HOME') or None\n" +
		"WhisperModel(model_id, device='cpu', compute_type='int8', local_files_only=True, download_root=root)\n" +
		"print('ok')\n"

	parakeetProbeCode = "import sys\n" +
		"import onnx_asr\n" +
		"model_id = sys.argv[1]\n" +
		"onnx_asr.load_model(model_id)\n" +
		"print('ok')\n"

	ct2CUDAProbeCode = "import ctranslate2; " +
		"n = ctranslate2.get_cuda_device_count(); " +
		"exit(0 if n > 0 else 1)"

	whisperCUDALoadCode = "import sys\n" +
		"from faster_whisper import WhisperModel\n" +
		"model_id, compute_type = sys.argv[1:3]\n" +
		"WhisperModel(model_id, device='cuda', compute_type=compute_type)\n" +
		"exit(0)\n"
)

type localTimeouts struct {
	Hardware   time.Duration // nvidia-smi presence check
	CT2Probe   time.Duration // ctranslate2 CUDA probe
	CUDALoad   time.Duration // full model load probe on CUDA
	CacheProbe time.Duration // offline local-cache probe
	Inference  time.Duration // actual transcription
}

func defaultTimeouts() localTimeouts {
	return localTimeouts{
		Hardware:   5 * time.Second,
		CT2Probe:   30 * time.Second,
		CUDALoad:   120 * time.Second,
		CacheProbe: 25 * time.Second,
		Inference:  300 * time.Second,
	}
}

// Local runs transcriptions with on-device models, managing cold-start
// downloads, GPU-to-CPU fallback, and cache-readiness bookkeeping. All
// native-library work happens in short-lived child processes.
type Local struct {
	run      commandRunner
	store    TokenStore
	python   string
	timeouts localTimeouts

	mu         sync.Mutex
	portable   bool
	ready      map[string]struct{}
	probeCache map[string]bool
	warm       map[string]struct{}
	cudaHW     *bool
	ct2CUDA    *bool
	cudaLoad   map[string]bool
}

// NewLocal builds the engine. python names the interpreter used for runner
// children; empty selects "python". Readiness tokens load from the store
// once and are only ever appended to.
func NewLocal(store TokenStore, python string, portable bool) *Local {
	if python == "" {
		python = "python"
	}
	l := &Local{
		run:        execRunner{},
		store:      store,
		python:     python,
		timeouts:   defaultTimeouts(),
		portable:   portable,
		ready:      make(map[string]struct{}),
		probeCache: make(map[string]bool),
		warm:       make(map[string]struct{}),
		cudaLoad:   make(map[string]bool),
	}
	if store != nil {
		for _, tok := range store.ReadyTokens() {
			l.ready[tok] = struct{}{}
		}
	}
	return l
}

// SetPortable switches the cache scope. The caller should follow with
// Unload, since the change invalidates cached runtime assumptions.
func (l *Local) SetPortable(portable bool) {
	l.mu.Lock()
	l.portable = portable
	l.mu.Unlock()
}

// Unload clears the in-memory probe cache and warm set. Persisted readiness
// tokens survive: they record successful loads, which a settings change
// cannot retroactively undo.
func (l *Local) Unload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.probeCache = make(map[string]bool)
	l.warm = make(map[string]struct{})
	l.cudaHW = nil
	l.ct2CUDA = nil
	l.cudaLoad = make(map[string]bool)
}

func (l *Local) cacheScope() string {
	if l.portable {
		return "portable"
	}
	return "shared"
}

func (l *Local) token(spec model.Spec) string {
	return fmt.Sprintf("%s|%s|%s", spec.Family, spec.Name, l.cacheScope())
}

// IsReadyCached reports readiness from tokens alone, without probing. Cheap
// enough for UI decisions ("downloading" vs "transcribing").
func (l *Local) IsReadyCached(spec model.Spec) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ready[l.token(spec)]
	return ok
}

// IsWarm reports whether the model can load from local cache without
// network access. A token hit short-circuits; otherwise a bounded offline
// child-process probe attempts the load, and success writes a token. Probe
// failures are expected for never-downloaded models and are swallowed.
func (l *Local) IsWarm(ctx context.Context, spec model.Spec) bool {
	l.mu.Lock()
	tok := l.token(spec)
	if _, ok := l.ready[tok]; ok {
		l.mu.Unlock()
		return true
	}
	if cached, ok := l.probeCache[tok]; ok {
		l.mu.Unlock()
		return cached
	}
	l.mu.Unlock()

	ok := l.probeLocalCache(ctx, spec)

	l.mu.Lock()
	l.probeCache[tok] = ok
	l.mu.Unlock()
	if ok {
		l.markReady(spec)
	}
	return ok
}

func (l *Local) probeLocalCache(ctx context.Context, spec model.Spec) bool {
	probeCtx, cancel := context.WithTimeout(ctx, l.timeouts.CacheProbe)
	defer cancel()

	var code string
	env := l.cacheEnv()
	switch spec.Family {
	case model.FamilyParakeet:
		code = parakeetProbeCode
		env = append(env, "HF_HUB_OFFLINE=1", "TRANSFORMERS_OFFLINE=1")
	default:
		code = whisperProbeCode
	}
	res, err := l.run.Run(probeCtx, env, l.python, "-c", code, spec.RuntimeID)
	if err != nil {
		return false
	}
	return res.ExitCode == 0
}

// markReady is idempotent. The token set and its persistence write are
// updated under one lock so concurrent model switches cannot lose tokens.
func (l *Local) markReady(spec model.Spec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tok := l.token(spec)
	if _, ok := l.ready[tok]; ok {
		return
	}
	l.ready[tok] = struct{}{}
	if l.store == nil {
		return
	}
	tokens := make([]string, 0, len(l.ready))
	for t := range l.ready {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	if err := l.store.SaveReadyTokens(tokens); err != nil {
		log.Warnf("local: persisting ready tokens: %v", err)
	}
}

// Transcribe runs one inference in an isolated subprocess, retrying once on
// CPU if a GPU attempt fails.
func (l *Local) Transcribe(ctx context.Context, req Request) (string, error) {
	if req.Model.Family == model.FamilyParakeet {
		return l.transcribeParakeet(ctx, req)
	}
	return l.transcribeWhisper(ctx, req)
}

func (l *Local) transcribeWhisper(ctx context.Context, req Request) (string, error) {
	hwDevice, computeType := l.resolveWhisperRuntime(ctx, req.Model.RuntimeID, req.Device)
	cold := !l.IsWarm(ctx, req.Model)
	if cold {
		log.Infof("whisper warmup/download start: model=%s device=%s", req.Model.Name, hwDevice)
	}
	started := time.Now()
	defer func() {
		if cold {
			log.Infof("whisper warmup/download finished in %.1fs", time.Since(started).Seconds())
		}
	}()

	text, err := l.inferSubprocess(ctx, req.WAV, l.cacheEnv(),
		"-c", whisperInferCode, "", req.Model.RuntimeID, hwDevice, computeType)
	if err != nil {
		var infErr *InferenceError
		if hwDevice == "cuda" && errors.As(err, &infErr) {
			log.Warnf("whisper CUDA subprocess failed (%v); retrying on CPU", err)
			text, err = l.inferSubprocess(ctx, req.WAV, l.cacheEnv(),
				"-c", whisperInferCode, "", req.Model.RuntimeID, "cpu", "int8")
		}
		if err != nil {
			return "", err
		}
	}
	l.noteWarm(req.Model)
	return text, nil
}

func (l *Local) transcribeParakeet(ctx context.Context, req Request) (string, error) {
	runDevice := l.resolveParakeetDevice(ctx, req.Device)
	cold := !l.IsWarm(ctx, req.Model)
	if cold {
		log.Infof("parakeet warmup/download start: model=%s device=%s", req.Model.Name, runDevice)
	}
	started := time.Now()
	defer func() {
		if cold {
			log.Infof("parakeet warmup/download finished in %.1fs", time.Since(started).Seconds())
		}
	}()

	text, err := l.inferSubprocess(ctx, req.WAV, l.parakeetEnv(runDevice),
		"-c", parakeetInferCode, "", req.Model.RuntimeID)
	if err != nil {
		var infErr *InferenceError
		if runDevice == "gpu" && errors.As(err, &infErr) {
			log.Warnf("parakeet GPU subprocess failed (%v); retrying on CPU", err)
			text, err = l.inferSubprocess(ctx, req.WAV, l.parakeetEnv("cpu"),
				"-c", parakeetInferCode, "", req.Model.RuntimeID)
		}
		if err != nil {
			return "", err
		}
	}
	l.noteWarm(req.Model)
	return text, nil
}

func (l *Local) noteWarm(spec model.Spec) {
	l.mu.Lock()
	l.warm[l.token(spec)] = struct{}{}
	l.mu.Unlock()
	l.markReady(spec)
}

// inferSubprocess writes the WAV to a unique temp file, runs the child, and
// deletes the temp file in all cases. The empty placeholder in args is
// replaced by the temp path.
func (l *Local) inferSubprocess(ctx context.Context, wav []byte, env []string, args ...string) (string, error) {
	tmp, err := os.CreateTemp("", "murmur-*.wav")
	if err != nil {
		return "", fmt.Errorf("creating temp wav: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(wav); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing temp wav: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp wav: %w", err)
	}

	for i, a := range args {
		if a == "" {
			args[i] = tmpPath
		}
	}

	inferCtx, cancel := context.WithTimeout(ctx, l.timeouts.Inference)
	defer cancel()

	res, err := l.run.Run(inferCtx, env, l.python, args...)
	if err != nil {
		return "", &InferenceError{Stage: "inference", Stdout: res.Stdout, Stderr: res.Stderr, Err: err}
	}
	if res.ExitCode != 0 {
		return "", &InferenceError{Stage: "inference", ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	return strings.TrimRight(res.Stdout, "\r\n"), nil
}

// ResolveDevice reports the effective runtime device ("gpu" or "cpu") for a
// requested device, after crash-safe probing. Never fails: probe failures
// downgrade to CPU.
func (l *Local) ResolveDevice(ctx context.Context, spec model.Spec, requested string) string {
	if spec.Family == model.FamilyParakeet {
		return l.resolveParakeetDevice(ctx, requested)
	}
	hwDevice, _ := l.resolveWhisperRuntime(ctx, spec.RuntimeID, requested)
	if hwDevice == "cuda" {
		return "gpu"
	}
	return "cpu"
}

// resolveWhisperRuntime picks (device, compute type) for faster-whisper. A
// GPU request must pass the hardware presence check, the ctranslate2 CUDA
// probe, and a full CUDA model-load probe — each in a child process, because
// loading CUDA-backed native libraries can crash the host outright.
func (l *Local) resolveWhisperRuntime(ctx context.Context, runtimeID, requested string) (string, string) {
	useCUDA := requested == "gpu" && l.ct2CUDAOK(ctx)
	if useCUDA && !l.cudaLoadOK(ctx, runtimeID, "float16") {
		useCUDA = false
	}
	if requested == "gpu" && !useCUDA {
		log.Warn("GPU mode requested, but CUDA probe failed; falling back to CPU for faster-whisper to avoid a native crash")
	}
	if useCUDA {
		return "cuda", "float16"
	}
	return "cpu", "int8"
}

func (l *Local) resolveParakeetDevice(ctx context.Context, requested string) string {
	useCUDA := requested == "gpu" && l.cudaAvailable(ctx)
	if requested == "gpu" && !useCUDA {
		log.Warn("GPU mode requested, but CUDA probe failed; falling back to CPU for parakeet to avoid a native crash")
	}
	if useCUDA {
		return "gpu"
	}
	return "cpu"
}

// cudaAvailable is a fast GPU presence check via nvidia-smi. Never loads
// CUDA libraries.
func (l *Local) cudaAvailable(ctx context.Context) bool {
	l.mu.Lock()
	if l.cudaHW != nil {
		ok := *l.cudaHW
		l.mu.Unlock()
		return ok
	}
	l.mu.Unlock()

	hwCtx, cancel := context.WithTimeout(ctx, l.timeouts.Hardware)
	defer cancel()
	res, err := l.run.Run(hwCtx, nil, "nvidia-smi", "-L")
	ok := err == nil && res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != ""

	l.mu.Lock()
	l.cudaHW = &ok
	l.mu.Unlock()
	return ok
}

func (l *Local) ct2CUDAOK(ctx context.Context) bool {
	if !l.cudaAvailable(ctx) {
		return false
	}
	l.mu.Lock()
	if l.ct2CUDA != nil {
		ok := *l.ct2CUDA
		l.mu.Unlock()
		return ok
	}
	l.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, l.timeouts.CT2Probe)
	defer cancel()
	res, err := l.run.Run(probeCtx, nil, l.python, "-c", ct2CUDAProbeCode)
	ok := err == nil && res.ExitCode == 0

	l.mu.Lock()
	l.ct2CUDA = &ok
	l.mu.Unlock()
	return ok
}

func (l *Local) cudaLoadOK(ctx context.Context, runtimeID, computeType string) bool {
	key := runtimeID + "|" + computeType
	l.mu.Lock()
	if ok, cached := l.cudaLoad[key]; cached {
		l.mu.Unlock()
		return ok
	}
	l.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, l.timeouts.CUDALoad)
	defer cancel()
	res, err := l.run.Run(probeCtx, nil, l.python, "-c", whisperCUDALoadCode, runtimeID, computeType)
	ok := err == nil && res.ExitCode == 0

	l.mu.Lock()
	l.cudaLoad[key] = ok
	l.mu.Unlock()
	return ok
}

// cacheEnv redirects the model cache root when the portable scope is
// active: models live in a directory beside the executable instead of the
// shared per-user cache.
func (l *Local) cacheEnv() []string {
	l.mu.Lock()
	portable := l.portable
	l.mu.Unlock()
	if !portable {
		return nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	modelsDir := filepath.Join(filepath.Dir(exe), "models")
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		log.Warnf("local: creating portable models dir: %v", err)
		return nil
	}
	return []string{"HF_HOME=" + modelsDir}
}

func (l *Local) parakeetEnv(runDevice string) []string {
	env := l.cacheEnv()
	if runDevice == "cpu" {
		env = append(env, "CUDA_VISIBLE_DEVICES=-1")
	}
	return env
}
