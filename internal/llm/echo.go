package llm

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// Echo is an offline client for simulated runs. It acknowledges the last
// line of every prompt.
type Echo struct {
	Model string
	calls atomic.Int64
}

func (e *Echo) Send(ctx context.Context, _ string, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n := e.calls.Add(1)
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	return fmt.Sprintf("[%s #%d] ack: %s", e.Model, n, last), nil
}

// Calls returns how many prompts were answered.
func (e *Echo) Calls() int64 { return e.calls.Load() }
