package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/imkarma/prp/internal/config"
)

// stderrTail bounds how much of a failing agent's stderr ends up in the
// error message.
const stderrTail = 2048

// CLIRunner drives a coding agent installed as a command line tool.
// By default the prompt is the final argument; agents configured with
// prompt_stdin read it from standard input instead, which keeps large
// PRPs clear of the argument size limit.
type CLIRunner struct {
	name string
	cfg  config.Agent
}

// NewCLIRunner returns a runner for the agent named name.
func NewCLIRunner(name string, cfg config.Agent) *CLIRunner {
	return &CLIRunner{name: name, cfg: cfg}
}

func (r *CLIRunner) Name() string { return r.name }
func (r *CLIRunner) Mode() string { return config.ModeCLI }

// Run executes one agent invocation in req.WorkDir. A process that exits
// non-zero yields a Response carrying the error and whatever it printed;
// only a timeout is returned as an error.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	limit := r.timeout(req)
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Cmd, r.argv(req)...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), "PRP_AGENT="+r.name)
	if req.ItemID != "" {
		cmd.Env = append(cmd.Env, "PRP_ITEM_ID="+req.ItemID)
	}
	if r.cfg.PromptStdin {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}

	var out strings.Builder
	errOut := &tailBuffer{max: stderrTail}
	cmd.Stdout = &out
	cmd.Stderr = errOut

	began := time.Now()
	runErr := cmd.Run()
	resp := &Response{Output: out.String(), Duration: time.Since(began).Seconds()}

	switch {
	case runErr == nil:
		return resp, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		resp.ExitCode = -1
		return resp, fmt.Errorf("agent %s: no answer within %s: %w", r.name, limit, context.DeadlineExceeded)
	}

	resp.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		resp.ExitCode = exitErr.ExitCode()
	}
	if msg := strings.TrimSpace(errOut.String()); msg != "" {
		resp.Error = fmt.Errorf("agent %s: exit %d: %s", r.name, resp.ExitCode, msg)
	} else {
		resp.Error = fmt.Errorf("agent %s: exit %d: %w", r.name, resp.ExitCode, runErr)
	}
	return resp, nil
}

func (r *CLIRunner) argv(req Request) []string {
	args := r.cfg.EffectiveArgs()
	if r.cfg.PromptStdin {
		return args
	}
	return append(args, req.Prompt)
}

func (r *CLIRunner) timeout(req Request) time.Duration {
	if req.TimeoutSec > 0 {
		return time.Duration(req.TimeoutSec) * time.Second
	}
	return time.Duration(r.cfg.DefaultTimeout()) * time.Second
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// CLIAvailable reports whether cmd resolves on PATH.
func CLIAvailable(cmd string) bool {
	if cmd == "" {
		return false
	}
	_, err := exec.LookPath(cmd)
	return err == nil
}
