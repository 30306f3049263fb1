package transcriber

import (
	"context"
	"sync"
	"time"
)

// Fake is a canned transcriber for orchestrator tests.
type Fake struct {
	Text  string
	Err   error
	Delay time.Duration

	mu       sync.Mutex
	requests []Request
}

func (f *Fake) Transcribe(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.Err != nil {
		return "", f.Err
	}
	return f.Text, nil
}

// Requests returns a copy of every request seen so far.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}
