package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"runline/internal/config"
	"runline/internal/redact"
)

// Local runs commands as host processes in a per-run directory that stands
// in for the workspace root. Paths under Root are rewritten to Dir.
// Network policy is recorded for the process environment but not enforced.
type Local struct {
	Dir     string
	Root    string
	Network Network

	mu      sync.Mutex
	stopped bool
}

// NewLocal creates the directory backing a local sandbox.
func NewLocal(dir, root string, network Network) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Local{Dir: abs, Root: filepath.Clean(root), Network: network}, nil
}

// LocalFactory provisions Local sandboxes under base, one directory per run.
func LocalFactory(base string) Factory {
	return func(ctx context.Context, spec Spec) (Sandbox, error) {
		return NewLocal(filepath.Join(base, spec.RunID), spec.Policy.WorkspaceRoot, spec.Network)
	}
}

// NewProvisioner builds a provisioner from the service config.
func NewProvisioner(cfg *config.Config, factory Factory, r *redact.Redactor) (*Provisioner, error) {
	p := &Provisioner{
		Policies: map[string]Policy{},
		Kinds:    map[string]KindSpec{},
		Factory:  factory,
		Redactor: r,
		Timeout:  cfg.CommandTimeout(),
	}
	for name := range cfg.Sandbox.Policies {
		pol, err := PolicyFromConfig(cfg, name)
		if err != nil {
			return nil, err
		}
		p.Policies[name] = pol
	}
	for kind, rk := range cfg.Runs.Kinds {
		p.Kinds[kind] = KindSpec{
			Policy:  rk.Policy,
			Network: Network{Mode: rk.Network, AllowedDomains: rk.AllowedDomains},
		}
	}
	return p, nil
}

func (l *Local) hostPath(p string) string {
	if p == l.Root {
		return l.Dir
	}
	if strings.HasPrefix(p, l.Root+"/") {
		return filepath.Join(l.Dir, strings.TrimPrefix(p, l.Root+"/"))
	}
	return p
}

func (l *Local) rewriteArg(arg string) string {
	if strings.HasPrefix(arg, l.Root) {
		return l.hostPath(arg)
	}
	if i := strings.Index(arg, "="); i >= 0 && strings.HasPrefix(arg[i+1:], l.Root) {
		return arg[:i+1] + l.hostPath(arg[i+1:])
	}
	return arg
}

func (l *Local) live() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return errors.New("sandbox stopped")
	}
	return nil
}

func (l *Local) RunCommand(ctx context.Context, cmd string, args []string) (CommandResult, error) {
	if err := l.live(); err != nil {
		return CommandResult{}, err
	}
	start := time.Now()
	hostArgs := make([]string, len(args))
	for i, a := range args {
		hostArgs[i] = l.rewriteArg(a)
	}
	c := exec.CommandContext(ctx, cmd, hostArgs...)
	c.Dir = l.Dir
	c.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + l.Dir,
		"RUNLINE_NETWORK=" + l.Network.Mode,
		"RUNLINE_ALLOWED_DOMAINS=" + strings.Join(l.Network.AllowedDomains, ","),
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()

	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = ExitTimeout
		return res, ErrTimeout
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// a non-zero exit is a result, not a failure of the sandbox
		res.ExitCode = ee.ExitCode()
		return res, nil
	}
	res.ExitCode = 1
	return res, err
}

func (l *Local) WriteFiles(ctx context.Context, files []File) error {
	if err := l.live(); err != nil {
		return err
	}
	for _, f := range files {
		target := f.Path
		if filepath.IsAbs(target) {
			target = l.hostPath(filepath.Clean(target))
		} else {
			target = filepath.Join(l.Dir, target)
		}
		rel, err := filepath.Rel(l.Dir, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
			return fmt.Errorf("write %s: path escapes sandbox", f.Path)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, f.Content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Stop marks the sandbox unusable. The directory is kept for inspection.
func (l *Local) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	return nil
}
