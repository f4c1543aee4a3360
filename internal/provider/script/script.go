// Package script implements the one concrete provider the core ships: a
// subprocess protocol where each Provider Port call spawns an executable
// with an action argument and exchanges JSON over stdin/stdout.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"work/internal/provider"
)

// Provider spawns Path with one of prepare|claim|update|remove|run as its
// sole argument for every Provider Port call.
type Provider struct {
	// Path is the executable invoked for every action.
	Path string
}

func New(path string) *Provider {
	return &Provider{Path: path}
}

type prepareRequest struct {
	ProjectName string `json:"project_name"`
	ProjectPath string `json:"project_path"`
	EnvID       string `json:"env_id"`
}

func (p *Provider) Prepare(ctx context.Context, projectName, projectPath, envID string) (provider.Metadata, error) {
	req := prepareRequest{ProjectName: projectName, ProjectPath: projectPath, EnvID: envID}
	stdin, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("script provider: marshal prepare request: %w", err)
	}
	return p.runAction(ctx, "prepare", stdin)
}

func (p *Provider) Claim(ctx context.Context, metadata provider.Metadata) (provider.Metadata, error) {
	return p.runAction(ctx, "claim", metadata)
}

func (p *Provider) Update(ctx context.Context, metadata provider.Metadata) (provider.Metadata, error) {
	return p.runAction(ctx, "update", metadata)
}

type removeRequest struct {
	Metadata json.RawMessage `json:"metadata"`
}

func (p *Provider) Remove(ctx context.Context, metadata provider.Metadata) error {
	stdin, err := json.Marshal(removeRequest{Metadata: json.RawMessage(metadata)})
	if err != nil {
		return fmt.Errorf("script provider: marshal remove request: %w", err)
	}
	_, err = p.runAction(ctx, "remove", stdin)
	return err
}

type runRequest struct {
	Metadata json.RawMessage `json:"metadata"`
	Command  string          `json:"command"`
	Args     []string        `json:"args"`
}

// Run execs Path with the "run" action; unlike the other actions the
// spawned process itself execs command and inherits stdout/stderr instead
// of writing JSON back, so the returned Process wraps the subprocess
// directly.
func (p *Provider) Run(ctx context.Context, metadata provider.Metadata, command string, args []string) (provider.Process, error) {
	stdin, err := json.Marshal(runRequest{Metadata: json.RawMessage(metadata), Command: command, Args: args})
	if err != nil {
		return nil, fmt.Errorf("script provider: marshal run request: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.Path, "run")
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, &provider.TransientStartError{Op: "run", Err: err}
	}
	return &process{cmd: cmd}, nil
}

// runAction spawns Path with action, writes stdin, and returns the JSON
// bytes written to stdout. Used by every action except run, which never
// completes synchronously.
func (p *Provider) runAction(ctx context.Context, action string, stdin []byte) (provider.Metadata, error) {
	cmd := exec.CommandContext(ctx, p.Path, action)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stderr = os.Stderr

	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, &provider.PermanentActionError{Action: action, Err: fmt.Errorf("exit %d", exitErr.ExitCode())}
		}
		return nil, &provider.TransientStartError{Op: action, Err: err}
	}
	return provider.Metadata(out), nil
}

// process wraps an *exec.Cmd started for the "run" action.
type process struct {
	cmd *exec.Cmd
}

func (h *process) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *process) Wait(ctx context.Context) (int, error) {
	err := h.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (h *process) Stop(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *process) Logs() io.ReadCloser {
	// The script protocol inherits stderr/stdout directly; there is no
	// separate log stream to read back for this provider (spec.md §6).
	return io.NopCloser(bytes.NewReader(nil))
}
