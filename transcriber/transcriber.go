// Package transcriber provides the inference backends: a local engine that
// runs models in disposable subprocesses, and a remote HTTP client.
package transcriber

import (
	"context"
	"fmt"
	"strings"

	"murmur/model"
)

// Request is one transcription attempt. Created per call, never persisted.
type Request struct {
	WAV      []byte // complete WAV container, mono 16-bit PCM
	Model    model.Spec
	Device   string // "cpu" | "gpu" (local backends only)
	Language string // hint for remote; "" or "auto" means detect
}

type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (string, error)
}

// InferenceError is a subprocess-level failure: timeout, non-zero exit, or
// crash. The stderr/stdout/exit detail travels with it for diagnostics.
type InferenceError struct {
	Stage    string // "probe" | "inference"
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *InferenceError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(e.Stdout)
	}
	if detail == "" {
		if e.Err != nil {
			detail = e.Err.Error()
		} else {
			detail = fmt.Sprintf("exit code %d", e.ExitCode)
		}
	}
	return fmt.Sprintf("%s failed: %s", e.Stage, detail)
}

func (e *InferenceError) Unwrap() error { return e.Err }
