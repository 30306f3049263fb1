package transcriber

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
)

// execResult captures one finished child process.
type execResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner spawns a child process and waits for it within the context
// deadline. Isolating native inference libraries behind this boundary is the
// main reliability property of the local engine: a segfault in the child
// cannot take down the long-running parent.
type commandRunner interface {
	Run(ctx context.Context, extraEnv []string, name string, args ...string) (execResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, extraEnv []string, name string, args ...string) (execResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), extraEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := execResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
