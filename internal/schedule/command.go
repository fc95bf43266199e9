package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"evigraph/internal/graph"
	"evigraph/internal/store"
)

// CommandRequest is written as JSON to a command executor's stdin.
type CommandRequest struct {
	Action   Action    `json:"action"`
	Attempt  int       `json:"attempt"`
	Deadline time.Time `json:"deadline"`
}

// CommandResult is read as JSON from a command executor's stdout.
type CommandResult struct {
	Mutations []graph.Mutation `json:"mutations,omitempty"`
	Replay    *store.Replay    `json:"replay,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// CommandExecutor runs one process per dispatched action. A non-zero exit,
// an undecodable stdout or a result carrying an error is an executor
// failure.
type CommandExecutor struct {
	Path string
	Args []string
	Dir  string
}

func (c *CommandExecutor) Execute(ctx context.Context, d *ActionDescriptor) Outcome {
	req, err := json.Marshal(CommandRequest{Action: d.Action, Attempt: d.Attempt, Deadline: d.Deadline})
	if err != nil {
		return Outcome{Err: fmt.Errorf("encoding request: %w", err)}
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = bytes.NewReader(req)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() != nil {
		return Outcome{Err: ctx.Err()}
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return Outcome{Err: fmt.Errorf("%s: %w", c.Path, err)}
		}
		return Outcome{Err: fmt.Errorf("%s: %w: %s", c.Path, err, msg)}
	}

	var res CommandResult
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &res); err != nil {
			return Outcome{Err: fmt.Errorf("decoding %s output: %w", c.Path, err)}
		}
	}
	if res.Error != "" {
		return Outcome{Err: errors.New(res.Error)}
	}
	return Outcome{Mutations: res.Mutations, Replay: res.Replay}
}
