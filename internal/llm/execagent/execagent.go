// Package execagent implements llm.Completer by invoking a CLI agent
// (codex, gemini, claude, opencode or a custom command) through ainvoke.
package execagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/metalagman/ainvoke"
	"github.com/metalagman/anchor/internal/llm"
	"github.com/rs/zerolog/log"
)

const (
	outputFile = "output.json"

	inputSchema = `{
  "type": "object",
  "properties": {
    "prompt": {"type": "string"},
    "model": {"type": "string"},
    "think_mode": {"type": "string"}
  },
  "required": ["prompt"],
  "additionalProperties": false
}`
	anyObjectSchema = `{"type": "object"}`
)

type agentSpec struct {
	subcommand string
	extraFlags []string
}

var agentSpecs = map[string]agentSpec{
	"codex": {
		subcommand: "exec",
		extraFlags: []string{"--skip-git-repo-check"},
	},
	"opencode": {
		subcommand: "run",
	},
	"gemini": {
		extraFlags: []string{"--output-format", "text"},
	},
	"claude": {
		extraFlags: []string{"--output-format", "text", "--print"},
	},
}

// Config describes how to launch the agent.
type Config struct {
	// Type is exec, codex, opencode, gemini or claude.
	Type  string
	Cmd   []string
	Model string
	// WorkDir holds per-call run directories. Defaults to os.TempDir().
	WorkDir string
	UseTTY  bool
}

// Agent is a CLI-backed completer.
type Agent struct {
	cfg    Config
	cmd    []string
	runner ainvoke.Runner
}

var _ llm.Completer = (*Agent)(nil)

// New builds an Agent.
func New(cfg Config) (*Agent, error) {
	var cmd []string
	if cfg.Type == "exec" {
		if len(cfg.Cmd) == 0 {
			return nil, fmt.Errorf("exec agent requires cmd")
		}
		cmd = cfg.Cmd
	} else if spec, ok := agentSpecs[cfg.Type]; ok {
		cmd = prepareCmd(cfg.Type, spec, cfg.Model)
	} else {
		return nil, fmt.Errorf("unknown agent type %q", cfg.Type)
	}

	runner, err := ainvoke.NewRunner(ainvoke.AgentConfig{
		Cmd:    cmd,
		UseTTY: cfg.UseTTY,
	})
	if err != nil {
		return nil, fmt.Errorf("create agent runner: %w", err)
	}
	return &Agent{cfg: cfg, cmd: cmd, runner: runner}, nil
}

func prepareCmd(base string, spec agentSpec, model string) []string {
	out := []string{base}
	if spec.subcommand != "" {
		out = append(out, spec.subcommand)
	}
	if model != "" {
		out = append(out, "--model", model)
	}
	return append(out, spec.extraFlags...)
}

// Command returns the resolved command line.
func (a *Agent) Command() []string {
	return append([]string(nil), a.cmd...)
}

type agentInput struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	ThinkMode string `json:"think_mode,omitempty"`
}

// Complete runs the agent once in a fresh run directory and returns its output.
func (a *Agent) Complete(ctx context.Context, req llm.Request) (string, error) {
	runDir, err := os.MkdirTemp(a.cfg.WorkDir, "anchor-agent-*")
	if err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(runDir) }()

	outSchema := anyObjectSchema
	if len(req.Schema) > 0 {
		outSchema = string(req.Schema)
	}
	inv := ainvoke.Invocation{
		RunDir:       runDir,
		SystemPrompt: req.System,
		Input: agentInput{
			Prompt:    req.Prompt,
			Model:     req.Model,
			ThinkMode: req.ThinkMode,
		},
		InputSchema:  inputSchema,
		OutputSchema: outSchema,
	}

	var stderr bytes.Buffer
	stdout, _, exitCode, runErr := a.runner.Run(ctx, inv, ainvoke.WithStderr(&stderr))
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	// Output that fails the agent-side schema check still goes back to the
	// caller so the JSON guard can repair it.
	if out, ok := readOutput(runDir); ok && exitCode == 0 {
		if runErr != nil {
			log.Debug().Err(runErr).Msg("execagent: returning output that failed agent-side validation")
		}
		return out, nil
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("agent exit code %d: %w: %s", exitCode, runErr, msg)
		}
		return "", fmt.Errorf("agent exit code %d: %w", exitCode, runErr)
	}
	out := strings.TrimSpace(string(stdout))
	if out == "" {
		return "", errors.New("agent produced no output")
	}
	return out, nil
}

func readOutput(runDir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(runDir, outputFile))
	if err != nil {
		return "", false
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !json.Valid(data) {
		return "", false
	}
	return string(data), true
}
