package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tremor/tremor/internal/models"
)

// ErrTimeout is returned when a model command exceeds its deadline.
var ErrTimeout = errors.New("model command timed out")

// Model performs one forecast model run and returns its JSON payload.
type Model interface {
	Run(ctx context.Context, req models.ModelRunRequest) (json.RawMessage, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, req models.ModelRunRequest) (json.RawMessage, error)

// Run calls f.
func (f ModelFunc) Run(ctx context.Context, req models.ModelRunRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// CommandModel runs a model as an external command. The request is written
// to the command's stdin as JSON and its stdout must be a single JSON value.
type CommandModel struct {
	Command string
	Args    []string
	// Env is appended to the worker's environment.
	Env []string
	// MaxOutput caps the captured stdout size in bytes. Zero means 10 MiB.
	MaxOutput int64
}

// Run executes the command for req.
func (m *CommandModel) Run(ctx context.Context, req models.ModelRunRequest) (json.RawMessage, error) {
	if m.Command == "" {
		return nil, errors.New("no model command configured")
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	limit := m.MaxOutput
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}

	cmd := exec.CommandContext(ctx, m.Command, m.Args...)
	cmd.Stdin = bytes.NewReader(input)
	// Grandchildren may keep stdout open after the command is killed.
	cmd.WaitDelay = 2 * time.Second
	cmd.Env = append(os.Environ(), m.Env...)
	cmd.Env = append(cmd.Env,
		"TREMOR_RUN_ID="+req.RunID,
		"TREMOR_MODEL_ID="+req.ModelID,
	)

	stdout := &limitedBuffer{max: limit}
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = "no stderr output"
			}
			return nil, fmt.Errorf("model exited with code %d: %s", exitErr.ExitCode(), msg)
		}
		return nil, fmt.Errorf("run model command: %w", err)
	}
	if stdout.overflow {
		return nil, fmt.Errorf("model output exceeds %d bytes", limit)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(out) {
		return nil, errors.New("model output is not valid JSON")
	}
	return json.RawMessage(out), nil
}

// limitedBuffer keeps at most max bytes. The buffer is a named field so that
// io.Copy cannot bypass Write through bytes.Buffer.ReadFrom.
type limitedBuffer struct {
	buf      bytes.Buffer
	max      int64
	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - int64(b.buf.Len())
	if int64(len(p)) > room {
		b.overflow = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) Bytes() []byte { return b.buf.Bytes() }

// RunCommandParameters runs the command named by the "command" and "args"
// model parameters. It gives a local ensemble member the same stdin/stdout
// contract as a worker's CommandModel.
func RunCommandParameters(ctx context.Context, req models.ModelRunRequest) (any, error) {
	command, _ := req.Parameters["command"].(string)
	if command == "" {
		return nil, errors.New(`model parameter "command" is required`)
	}
	m := &CommandModel{Command: command}
	if raw, ok := req.Parameters["args"].([]interface{}); ok {
		for _, a := range raw {
			m.Args = append(m.Args, fmt.Sprint(a))
		}
	}
	return m.Run(ctx, req)
}
