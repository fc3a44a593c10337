package sandbox_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"runline/internal/apperr"
	"runline/internal/config"
	"runline/internal/redact"
	"runline/internal/sandbox"
)

type recordingSandbox struct {
	calls  [][]string
	result sandbox.CommandResult
	err    error
	wrote  []sandbox.File
}

func (r *recordingSandbox) RunCommand(ctx context.Context, cmd string, args []string) (sandbox.CommandResult, error) {
	r.calls = append(r.calls, append([]string{cmd}, args...))
	return r.result, r.err
}

func (r *recordingSandbox) WriteFiles(ctx context.Context, files []sandbox.File) error {
	r.wrote = append(r.wrote, files...)
	return nil
}

func (r *recordingSandbox) Stop(ctx context.Context) error { return nil }

func TestGuardedRejectsBeforeDispatch(t *testing.T) {
	inner := &recordingSandbox{}
	g := &sandbox.Guarded{Inner: inner, Policy: codeMode(t), Redactor: redact.New()}

	_, err := g.RunCommand(context.Background(), "find", []string{".", "-exec", "rm", "-rf", "/tmp", `\;`})
	require.Error(t, err)
	require.Empty(t, inner.calls)

	err = g.WriteFiles(context.Background(), []sandbox.File{{Path: "../escape.txt"}})
	require.True(t, apperr.Is(err, apperr.BadRequest))
	require.Empty(t, inner.wrote)
}

func TestGuardedRedactsAndLimitsOutput(t *testing.T) {
	inner := &recordingSandbox{result: sandbox.CommandResult{
		Stdout: "OPENAI_API_KEY=sk-abcdefghijklmnopqrstuvwx\n" + strings.Repeat("x", 200),
		Stderr: "ok",
	}}
	g := &sandbox.Guarded{Inner: inner, Policy: codeMode(t), Redactor: redact.New(), MaxOutput: 100}

	res, err := g.RunCommand(context.Background(), "cat", []string{"/workspace/.env"})
	require.NoError(t, err)
	require.Len(t, inner.calls, 1)
	require.NotContains(t, res.Stdout, "sk-abcdefghijklmnopqrstuvwx")
	require.Contains(t, res.Stdout, "[truncated")
	require.Equal(t, "ok", res.Stderr)
}

func TestGuardedTimeoutSurfacesAsError(t *testing.T) {
	inner := &recordingSandbox{result: sandbox.CommandResult{ExitCode: sandbox.ExitTimeout}, err: sandbox.ErrTimeout}
	g := &sandbox.Guarded{Inner: inner, Policy: codeMode(t), Timeout: time.Second}

	res, err := g.RunCommand(context.Background(), "ls", nil)
	require.ErrorIs(t, err, sandbox.ErrTimeout)
	require.Equal(t, sandbox.ExitTimeout, res.ExitCode)
}

func TestLocalSandboxRunsInWorkspace(t *testing.T) {
	dir := t.TempDir()
	l, err := sandbox.NewLocal(dir, "/workspace", sandbox.Network{Mode: sandbox.NetworkNoAccess})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.WriteFiles(ctx, []sandbox.File{
		{Path: "/workspace/package.json", Content: []byte(`{"name":"demo"}`)},
		{Path: "notes/a.txt", Content: []byte("hello")},
	}))
	data, err := os.ReadFile(filepath.Join(dir, "notes", "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	res, err := l.RunCommand(ctx, "cat", []string{"/workspace/package.json"})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, `{"name":"demo"}`, res.Stdout)

	res, err = l.RunCommand(ctx, "cat", []string{"missing.txt"})
	require.NoError(t, err)
	require.NotEqual(t, 0, res.ExitCode)

	require.Error(t, l.WriteFiles(ctx, []sandbox.File{{Path: "../../x"}}))

	require.NoError(t, l.Stop(ctx))
	_, err = l.RunCommand(ctx, "ls", nil)
	require.Error(t, err)
}

func TestProvisionerSelectsPolicyAndNetwork(t *testing.T) {
	cfg := config.Default()
	var got sandbox.Spec
	p, err := sandbox.NewProvisioner(cfg, func(ctx context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
		got = spec
		return &recordingSandbox{}, nil
	}, redact.New())
	require.NoError(t, err)

	g, spec, err := p.Provision(context.Background(), "run-1", "code")
	require.NoError(t, err)
	require.Equal(t, "code_mode", g.Policy.Name)
	require.Equal(t, sandbox.NetworkNoAccess, spec.Network.Mode)
	require.Equal(t, "run-1", got.RunID)

	_, spec, err = p.Provision(context.Background(), "run-2", "research")
	require.NoError(t, err)
	require.Equal(t, sandbox.NetworkAllowlist, spec.Network.Mode)
	require.NotEmpty(t, spec.Network.AllowedDomains)

	_, _, err = p.Provision(context.Background(), "run-3", "unknown")
	require.True(t, apperr.Is(err, apperr.BadRequest))
}
