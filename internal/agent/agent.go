// Package agent defines the model capability used by the pipeline and
// provides concrete adapters for CLI-based and API-based agents.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/imkarma/prp/internal/config"
	"github.com/imkarma/prp/internal/fault"
)

// Request contains everything an agent needs for one call.
type Request struct {
	ItemID     string // Work item the call is made for, empty for session-wide calls
	Prompt     string // The full prompt with context
	WorkDir    string // Working directory (repo root)
	TimeoutSec int    // Max execution time
}

// Response is what we get back from an agent.
type Response struct {
	Output   string  // Agent's text output
	ExitCode int     // 0 = success, non-zero = failure
	Duration float64 // Execution time in seconds
	Error    error   // Any execution error
}

// Runner is the interface that all agent adapters must implement.
type Runner interface {
	// Run executes the agent with the given request and returns the response.
	Run(ctx context.Context, req Request) (*Response, error)

	// Name returns the agent's configured name.
	Name() string

	// Mode returns "cli" or "api".
	Mode() string
}

// Agent is the model capability the pipeline depends on.
type Agent interface {
	// Prompt sends a request and returns the raw response.
	Prompt(ctx context.Context, req Request) (*Response, error)

	// PromptStructured sends a request and decodes the JSON document in the
	// response into out, validating it before returning.
	PromptStructured(ctx context.Context, req Request, out any) error
}

// NewRunner creates the appropriate runner based on agent config.
func NewRunner(name string, agentCfg config.Agent) (Runner, error) {
	switch agentCfg.Mode {
	case config.ModeCLI:
		return NewCLIRunner(name, agentCfg), nil
	case config.ModeAPI:
		return NewAPIRunner(name, agentCfg)
	default:
		return nil, fmt.Errorf("unknown agent mode: %s", agentCfg.Mode)
	}
}

// RunnerAgent adapts a Runner to the Agent interface. Every call goes
// through the invoker so transient failures are retried.
type RunnerAgent struct {
	runner  Runner
	invoker Invoker
	log     *zap.Logger
}

// NewRunnerAgent wraps runner. A nil invoker makes a single attempt.
func NewRunnerAgent(runner Runner, invoker Invoker, log *zap.Logger) *RunnerAgent {
	if invoker == nil {
		invoker = Once{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RunnerAgent{runner: runner, invoker: invoker, log: log.With(zap.String("agent", runner.Name()))}
}

// Name returns the name of the wrapped runner.
func (a *RunnerAgent) Name() string { return a.runner.Name() }

// Prompt implements Agent.
func (a *RunnerAgent) Prompt(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	err := a.invoker.Invoke(ctx, func(ctx context.Context) error {
		var err error
		resp, err = a.call(ctx, req)
		return err
	})
	if err != nil {
		return resp, err
	}
	return resp, nil
}

// PromptStructured implements Agent. An undecodable response counts as a
// failed attempt and is retried like a transport error.
func (a *RunnerAgent) PromptStructured(ctx context.Context, req Request, out any) error {
	return a.invoker.Invoke(ctx, func(ctx context.Context) error {
		resp, err := a.call(ctx, req)
		if err != nil {
			return err
		}
		if err := Decode(resp.Output, out); err != nil {
			return fault.Agent(fault.AgentResponseInvalid, err, "agent %s returned an unusable response", a.runner.Name()).
				With("item", req.ItemID)
		}
		return nil
	})
}

func (a *RunnerAgent) call(ctx context.Context, req Request) (*Response, error) {
	a.log.Debug("agent call", zap.String("item", req.ItemID), zap.Int("prompt_bytes", len(req.Prompt)))

	resp, err := a.runner.Run(ctx, req)
	if err == nil && resp != nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		code := fault.AgentCallFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = fault.AgentTimeout
		}
		return resp, fault.Agent(code, err, "agent %s failed", a.runner.Name()).With("item", req.ItemID)
	}

	a.log.Debug("agent done", zap.String("item", req.ItemID), zap.Float64("duration_sec", resp.Duration))
	return resp, nil
}

// FromConfig builds one Agent per pipeline role. A role without a usable
// agent is an environment error.
func FromConfig(cfg *config.Config, log *zap.Logger) (map[string]Agent, error) {
	if log == nil {
		log = zap.NewNop()
	}
	invoker := NewRetryInvoker(cfg.Retry, log)

	agents := make(map[string]Agent, len(config.Roles))
	for _, role := range config.Roles {
		name, agentCfg, ok := cfg.AgentForRole(role)
		if !ok {
			return nil, fault.Environment(fault.EnvAgentMissing, nil, "no agent configured for role %s", role).
				With("role", role)
		}
		if agentCfg.Mode == config.ModeCLI && !CLIAvailable(agentCfg.Cmd) {
			return nil, fault.Environment(fault.EnvAgentMissing, nil, "agent %s: command %q not found in PATH", name, agentCfg.Cmd).
				With("role", role)
		}
		if agentCfg.Mode == config.ModeAPI && os.Getenv(agentCfg.APIKeyEnv) == "" {
			return nil, fault.Environment(fault.EnvMissingConfig, nil, "agent %s: environment variable %s is not set", name, agentCfg.APIKeyEnv).
				With("role", role)
		}

		runner, err := NewRunner(name, agentCfg)
		if err != nil {
			return nil, fault.Environment(fault.EnvMissingConfig, err, "agent %s", name).With("role", role)
		}
		agents[role] = NewRunnerAgent(runner, invoker, log.With(zap.String("role", role)))
	}
	return agents, nil
}
