package config

import (
	"slices"
	"sort"
)

// Agent roles used by the pipeline.
const (
	RoleArchitect  = "architect"  // decomposes the PRD and reconciles deltas
	RoleResearcher = "researcher" // writes the per-subtask PRP
	RoleCoder      = "coder"      // implements subtasks
	RoleQA         = "qa"         // hunts bugs
)

// Roles lists every role in pipeline order.
var Roles = []string{RoleArchitect, RoleResearcher, RoleCoder, RoleQA}

// Agent modes.
const (
	ModeCLI = "cli"
	ModeAPI = "api"
)

// Agent describes one model endpoint and the role it plays.
type Agent struct {
	Role        string   `yaml:"role" mapstructure:"role" validate:"required,oneof=architect researcher coder qa"`
	Mode        string   `yaml:"mode" mapstructure:"mode" validate:"required,oneof=cli api"`
	Cmd         string   `yaml:"cmd,omitempty" mapstructure:"cmd" validate:"required_if=Mode cli"`
	Args        []string `yaml:"args,omitempty" mapstructure:"args"`
	Provider    string   `yaml:"provider,omitempty" mapstructure:"provider" validate:"required_if=Mode api"`
	Model       string   `yaml:"model,omitempty" mapstructure:"model"`
	APIKeyEnv   string   `yaml:"api_key_env,omitempty" mapstructure:"api_key_env"`
	TimeoutSec  int      `yaml:"timeout_sec,omitempty" mapstructure:"timeout_sec" validate:"min=0"`
	AutoAccept  bool     `yaml:"auto_accept,omitempty" mapstructure:"auto_accept"`
	PromptStdin bool     `yaml:"prompt_stdin,omitempty" mapstructure:"prompt_stdin"`
}

// cliFlags describes how a known coding CLI is put into batch mode and
// told to skip its permission prompts. Each flag is skipped when the user
// already passed it or one of its alternatives.
type cliFlags struct {
	batch, batchAlts []string
	auto, autoAlts   []string
}

var knownCLIs = map[string]cliFlags{
	"claude": {
		batch: []string{"--print"}, batchAlts: []string{"-p", "--print"},
		auto: []string{"--dangerously-skip-permissions"}, autoAlts: []string{"--dangerously-skip-permissions", "--permission-mode"},
	},
	"gemini": {auto: []string{"--yolo"}, autoAlts: []string{"-y", "--yolo"}},
	"codex":  {auto: []string{"--full-auto"}, autoAlts: []string{"--full-auto", "--approval-mode"}},
}

// EffectiveArgs returns the arguments a CLI agent is started with: the
// configured ones, preceded by whatever flags its tool needs to run
// unattended. API agents get their args back unchanged.
func (a Agent) EffectiveArgs() []string {
	flags, known := knownCLIs[a.Cmd]
	if a.Mode != ModeCLI || !known {
		return slices.Clone(a.Args)
	}
	var front []string
	if len(flags.batch) > 0 && !containsAny(a.Args, flags.batchAlts...) {
		front = append(front, flags.batch...)
	}
	if a.AutoAccept && !containsAny(a.Args, flags.autoAlts...) {
		front = append(front, flags.auto...)
	}
	return append(front, a.Args...)
}

// DefaultTimeout returns the per-call timeout in seconds.
func (a Agent) DefaultTimeout() int {
	if a.TimeoutSec > 0 {
		return a.TimeoutSec
	}
	return 300
}

func containsAny(args []string, targets ...string) bool {
	return slices.ContainsFunc(args, func(s string) bool { return slices.Contains(targets, s) })
}

// AgentsByRole returns the agents configured for role, keyed by name.
func (c *Config) AgentsByRole(role string) map[string]Agent {
	out := make(map[string]Agent)
	for name, a := range c.Agents {
		if a.Role == role {
			out[name] = a
		}
	}
	return out
}

// AgentForRole picks the agent serving role. When several agents share a
// role the alphabetically first name wins.
func (c *Config) AgentForRole(role string) (string, Agent, bool) {
	matches := c.AgentsByRole(role)
	if len(matches) == 0 {
		return "", Agent{}, false
	}
	names := make([]string, 0, len(matches))
	for name := range matches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0], matches[names[0]], true
}
