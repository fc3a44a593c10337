// Package sandbox gates and runs untrusted commands. Every command passes
// the named Policy before it reaches the Sandbox collaborator, and every
// result is redacted and size-bounded before a caller can persist it.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"runline/internal/apperr"
	"runline/internal/logger"
	"runline/internal/metrics"
	"runline/internal/redact"
)

// ExitTimeout is the exit code reported when a command exceeds its wall-clock budget.
const ExitTimeout = 124

// CommandResult is the outcome of one command.
type CommandResult struct {
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"-"`
}

// File is one file written into the sandbox.
type File struct {
	Path    string
	Content []byte
}

// Sandbox is the isolated compute environment a run executes commands in.
type Sandbox interface {
	RunCommand(ctx context.Context, cmd string, args []string) (CommandResult, error)
	WriteFiles(ctx context.Context, files []File) error
	Stop(ctx context.Context) error
}

// Network selects the egress policy the sandbox is provisioned with.
type Network struct {
	Mode           string   `json:"mode"`
	AllowedDomains []string `json:"allowedDomains,omitempty"`
}

const (
	NetworkNoAccess  = "no-access"
	NetworkAllowlist = "allowlist"
)

// ErrTimeout marks a command killed by its wall-clock budget.
var ErrTimeout = errors.New("sandbox command timed out")

// Guarded wraps a Sandbox with the policy gate, a per-command timeout and
// output redaction.
type Guarded struct {
	Inner     Sandbox
	Policy    Policy
	Redactor  *redact.Redactor
	Timeout   time.Duration
	MaxOutput int
	Logger    *slog.Logger
}

// DefaultMaxOutput bounds stdout and stderr separately.
const DefaultMaxOutput = 64 * 1024

func (g *Guarded) RunCommand(ctx context.Context, cmd string, args []string) (CommandResult, error) {
	if err := g.Policy.Check(cmd, args); err != nil {
		metrics.SandboxCommands.WithLabelValues(g.Policy.Name, "rejected").Inc()
		logger.Or(g.Logger).Warn("sandbox command rejected", "policy", g.Policy.Name, "command", cmd, "err", err)
		return CommandResult{}, err
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	res, err := g.Inner.RunCommand(ctx, cmd, args)
	max := g.MaxOutput
	if max == 0 {
		max = DefaultMaxOutput
	}
	res.Stdout = redact.LimitText(g.Redactor.Text(res.Stdout), max)
	res.Stderr = redact.LimitText(g.Redactor.Text(res.Stderr), max)
	switch {
	case errors.Is(err, ErrTimeout) || (res.ExitCode == ExitTimeout && errors.Is(ctx.Err(), context.DeadlineExceeded)):
		metrics.SandboxCommands.WithLabelValues(g.Policy.Name, "timeout").Inc()
		return res, fmt.Errorf("%s: %w after %s", cmd, ErrTimeout, g.Timeout)
	case err != nil:
		metrics.SandboxCommands.WithLabelValues(g.Policy.Name, "error").Inc()
		return res, err
	}
	metrics.SandboxCommands.WithLabelValues(g.Policy.Name, "ok").Inc()
	return res, nil
}

func (g *Guarded) WriteFiles(ctx context.Context, files []File) error {
	for _, f := range files {
		if err := g.Policy.CheckPath(f.Path); err != nil {
			return err
		}
	}
	return g.Inner.WriteFiles(ctx, files)
}

func (g *Guarded) Stop(ctx context.Context) error {
	return g.Inner.Stop(ctx)
}

// Spec describes the sandbox a run needs.
type Spec struct {
	RunID   string
	Kind    string
	Policy  Policy
	Network Network
}

// Factory creates the raw sandbox for a spec.
type Factory func(ctx context.Context, spec Spec) (Sandbox, error)

// Provisioner turns a run kind into a guarded sandbox using the configured
// policy, network mode and command timeout.
type Provisioner struct {
	Policies map[string]Policy
	Kinds    map[string]KindSpec
	Factory  Factory
	Redactor *redact.Redactor
	Timeout  time.Duration
	Logger   *slog.Logger
}

// KindSpec is the sandbox shape of one run kind.
type KindSpec struct {
	Policy  string
	Network Network
}

// Provision creates a guarded sandbox for a run.
func (p *Provisioner) Provision(ctx context.Context, runID, kind string) (*Guarded, Spec, error) {
	ks, ok := p.Kinds[kind]
	if !ok {
		return nil, Spec{}, apperr.New(apperr.BadRequest, "unknown run kind %q", kind)
	}
	pol, ok := p.Policies[ks.Policy]
	if !ok {
		return nil, Spec{}, apperr.New(apperr.EnvInvalid, "run kind %s references unknown sandbox policy %q", kind, ks.Policy)
	}
	spec := Spec{RunID: runID, Kind: kind, Policy: pol, Network: ks.Network}
	inner, err := p.Factory(ctx, spec)
	if err != nil {
		return nil, spec, fmt.Errorf("provision sandbox for run %s: %w", runID, err)
	}
	return &Guarded{
		Inner:    inner,
		Policy:   pol,
		Redactor: p.Redactor,
		Timeout:  p.Timeout,
		Logger:   p.Logger,
	}, spec, nil
}
