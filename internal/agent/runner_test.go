package agent_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"runline/internal/agent"
	"runline/internal/apperr"
	"runline/internal/approval"
	"runline/internal/artifact"
	"runline/internal/dispatch"
	"runline/internal/domain"
	"runline/internal/engine"
	"runline/internal/redact"
	"runline/internal/repo"
	"runline/internal/sandbox"
	"runline/internal/stream"
	"runline/internal/testenv"
)

type recordingSandbox struct {
	mu       sync.Mutex
	commands []string
	files    map[string][]byte
	stopped  bool
	timeout  bool
}

func (s *recordingSandbox) RunCommand(ctx context.Context, cmd string, args []string) (sandbox.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, strings.TrimSpace(cmd+" "+strings.Join(args, " ")))
	if s.timeout && cmd == "echo" {
		return sandbox.CommandResult{ExitCode: sandbox.ExitTimeout}, sandbox.ErrTimeout
	}
	if cmd == "cat" && len(args) == 2 {
		data, ok := s.files[args[1]]
		if !ok {
			return sandbox.CommandResult{ExitCode: 1, Stderr: "no such file"}, nil
		}
		return sandbox.CommandResult{Stdout: string(data)}, nil
	}
	return sandbox.CommandResult{Stdout: "ran " + cmd + " token=sk-abcdefghijklmnopqrstuvwxyz012345"}, nil
}

func (s *recordingSandbox) WriteFiles(ctx context.Context, files []sandbox.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		s.files[f.Path] = f.Content
	}
	return nil
}

func (s *recordingSandbox) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

type harness struct {
	env     testenv.Env
	sb      *recordingSandbox
	streams *stream.Store
	store   *artifact.Store
	gate    *approval.Gate
	runner  *agent.Runner
}

func newHarness(t *testing.T, model agent.Model) *harness {
	t.Helper()
	env := testenv.New(t)
	red := redact.New()
	sb := &recordingSandbox{files: map[string][]byte{}}
	prov, err := sandbox.NewProvisioner(env.Config, func(ctx context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
		return sb, nil
	}, red)
	require.NoError(t, err)
	h := &harness{
		env:     env,
		sb:      sb,
		streams: stream.NewStore(repo.Repo{DB: env.DB}, red),
		store:   artifact.NewStore(env.DB, nil, "zstd", 4096),
		gate:    approval.NewGate(env.DB),
	}
	h.gate.PollInterval = 20 * time.Millisecond
	h.runner = &agent.Runner{
		Model:       model,
		Provisioner: prov,
		Streams:     h.streams,
		Gate:        h.gate,
		Artifacts:   h.store,
		Config:      env.Config,
		Redactor:    red,
	}
	return h
}

func (h *harness) execute(t *testing.T, run domain.Run) error {
	t.Helper()
	return h.runner.ExecuteStep(h.env.Ctx, run, dispatch.StepRequest{RunID: run.ID, StepID: "agent"})
}

func (h *harness) events(t *testing.T, runID string) []stream.Event {
	t.Helper()
	envs, err := h.streams.Snapshot(h.env.Ctx, runID, 0, 0)
	require.NoError(t, err)
	out := make([]stream.Event, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Event)
	}
	return out
}

func runCommand(id, cmd string, args ...any) agent.ToolCall {
	return agent.ToolCall{ID: id, Name: agent.ToolRunCommand, Args: map[string]any{"cmd": cmd, "args": args}}
}

func TestRunnerExecutesToolsAndStoresArtifact(t *testing.T) {
	model := &agent.ScriptedModel{
		Replies: []agent.Reply{{Text: "listing", ToolCalls: []agent.ToolCall{runCommand("call_0", "ls", "-la")}}},
		Final:   "all done",
	}
	h := newHarness(t, model)
	run := h.env.Run(t, "code")

	require.NoError(t, h.execute(t, run))
	require.Contains(t, h.sb.commands, "ls -la")
	require.True(t, h.sb.stopped)

	a, err := h.store.Get(h.env.Ctx, testenv.ProjectID, "code/output", 0)
	require.NoError(t, err)
	require.Equal(t, "all done", string(a.Content))
	require.Equal(t, run.ID, a.RunID)

	var sawCall, sawExit, sawResult bool
	for _, e := range h.events(t, run.ID) {
		switch ev := e.(type) {
		case stream.ToolCall:
			sawCall = ev.ToolCallID == "call_0"
		case stream.Exit:
			sawExit = ev.Command == "ls" && ev.ExitCode == 0
		case stream.ToolResult:
			sawResult = !ev.IsError
			out := fmt.Sprint(ev.Output)
			require.NotContains(t, out, "sk-abcdefghijklmnopqrstuvwxyz012345")
		}
	}
	require.True(t, sawCall && sawExit && sawResult)

	reqs := model.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Equal(t, "tool", last.Role)
}

func TestRunnerRejectedCommandIsToolError(t *testing.T) {
	model := &agent.ScriptedModel{
		Replies: []agent.Reply{{ToolCalls: []agent.ToolCall{runCommand("call_0", "rm", "-rf", "/")}}},
		Final:   "gave up",
	}
	h := newHarness(t, model)
	run := h.env.Run(t, "code")

	require.NoError(t, h.execute(t, run))
	require.NotContains(t, h.sb.commands, "rm -rf /")

	var result stream.ToolResult
	for _, e := range h.events(t, run.ID) {
		if r, ok := e.(stream.ToolResult); ok {
			result = r
		}
	}
	require.True(t, result.IsError)
	require.Equal(t, string(apperr.Forbidden), result.Output.(map[string]any)["code"])
}

func TestRunnerReplayDoesNotDuplicateArtifact(t *testing.T) {
	h := newHarness(t, &agent.ScriptedModel{Final: "same answer"})
	run := h.env.Run(t, "research")

	require.NoError(t, h.execute(t, run))
	require.NoError(t, h.execute(t, run))

	list, err := h.store.List(h.env.Ctx, testenv.ProjectID, "research/report")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRunnerCommandTimeoutFailsStep(t *testing.T) {
	model := &agent.ScriptedModel{Replies: []agent.Reply{{ToolCalls: []agent.ToolCall{runCommand("call_0", "echo", "hi")}}}}
	h := newHarness(t, model)
	h.sb.timeout = true
	run := h.env.Run(t, "code")

	err := h.execute(t, run)
	require.Error(t, err)
	require.True(t, errors.Is(err, sandbox.ErrTimeout))
	require.True(t, h.sb.stopped)
}

func TestRunnerChargesExternalToolBudget(t *testing.T) {
	search := func(id string) agent.ToolCall {
		return agent.ToolCall{ID: id, Name: "webSearch", Args: map[string]any{"query": "go"}}
	}
	model := &agent.ScriptedModel{
		Replies: []agent.Reply{
			{ToolCalls: []agent.ToolCall{search("a"), search("b")}},
			{ToolCalls: []agent.ToolCall{search("c")}},
		},
		Final: "ok",
	}
	h := newHarness(t, model)
	h.env.Config.Budgets = map[string]int{"webSearchCalls": 1}
	calls := 0
	h.runner.External = []agent.ExternalTool{{
		Name:      "webSearch",
		BudgetKey: "webSearchCalls",
		Call: func(ctx context.Context, args map[string]any) (any, error) {
			calls++
			return map[string]any{"results": []string{"golang.org"}}, nil
		},
	}}
	run := h.env.Run(t, "research")

	require.NoError(t, h.execute(t, run))
	// one per turn: the second call of turn 0 is over budget, turn 1 starts fresh
	require.Equal(t, 2, calls)

	errorsByID := map[string]bool{}
	for _, e := range h.events(t, run.ID) {
		if r, ok := e.(stream.ToolResult); ok {
			errorsByID[r.ToolCallID] = r.IsError
		}
	}
	require.Equal(t, map[string]bool{"a": false, "b": true, "c": false}, errorsByID)
}

func TestRunnerWaitsForApproval(t *testing.T) {
	model := &agent.ScriptedModel{
		Replies: []agent.Reply{{ToolCalls: []agent.ToolCall{{
			ID: "call_0", Name: agent.ToolRequestApproval, Args: map[string]any{"scope": "deploy", "summary": "push to prod"},
		}}}},
		Final: "deployed",
	}
	h := newHarness(t, model)
	run := h.env.Run(t, "implementation")

	done := make(chan error, 1)
	go func() { done <- h.execute(t, run) }()

	var pending domain.ApprovalRequest
	require.Eventually(t, func() bool {
		list, err := h.gate.List(h.env.Ctx, run.ID)
		if err != nil || len(list) == 0 {
			return false
		}
		pending = list[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "deploy", pending.Scope)

	_, err := h.gate.ResumeRun(h.env.Ctx, approval.Resume{ApprovalID: pending.ID, ApprovedBy: "alice"})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not resume")
	}
	var approved bool
	for _, e := range h.events(t, run.ID) {
		if s, ok := e.(stream.Status); ok && s.State == "approval.approved" {
			approved = true
		}
	}
	require.True(t, approved)
}

func TestRunnerTurnLimit(t *testing.T) {
	loop := agent.Reply{ToolCalls: []agent.ToolCall{runCommand("call", "pwd")}}
	replies := make([]agent.Reply, 50)
	for i := range replies {
		replies[i] = loop
	}
	h := newHarness(t, &agent.ScriptedModel{Replies: replies})
	run := h.env.Run(t, "code")

	err := h.execute(t, run)
	require.True(t, apperr.Is(err, apperr.Conflict))
	require.Contains(t, err.Error(), "12 turns")
}

func TestCommandModelPlaysMetadataCommands(t *testing.T) {
	var h *harness
	model := agent.CommandModel{Metadata: func(runID string) map[string]any {
		run, err := h.env.Engine.Repo.GetRun(context.Background(), runID)
		require.NoError(t, err)
		return run.Metadata
	}}
	h = newHarness(t, model)
	run, err := h.env.Engine.CreateRun(h.env.Ctx, engineRun(map[string]any{
		"commands": []any{[]any{"ls"}, []any{"cat", "/workspace/README.md"}},
	}))
	require.NoError(t, err)

	require.NoError(t, h.execute(t, run))
	require.Contains(t, h.sb.commands, "ls")
	a, err := h.store.Get(h.env.Ctx, testenv.ProjectID, "code/output", 0)
	require.NoError(t, err)
	require.Contains(t, string(a.Content), "call_0: exit 0")
	require.Contains(t, string(a.Content), "call_1: exit")
}

func engineRun(meta map[string]any) engine.CreateRunOptions {
	return engine.CreateRunOptions{ProjectID: testenv.ProjectID, Kind: "code", Metadata: meta, ActorID: testenv.Owner}
}
