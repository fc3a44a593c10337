package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"runline/internal/apperr"
	"runline/internal/approval"
	"runline/internal/artifact"
	"runline/internal/budget"
	"runline/internal/compact"
	"runline/internal/config"
	"runline/internal/dispatch"
	"runline/internal/domain"
	"runline/internal/logger"
	"runline/internal/redact"
	"runline/internal/sandbox"
	"runline/internal/stream"
)

// Built-in tool names.
const (
	ToolRunCommand      = "runCommand"
	ToolWriteFiles      = "writeFiles"
	ToolRequestApproval = "requestApproval"
)

// ExternalTool is a side-effecting capability outside the sandbox, such as
// web search. Calls are charged against BudgetKey each turn.
type ExternalTool struct {
	Name             string
	Description      string
	BudgetKey        string
	RequiresApproval bool
	Call             func(ctx context.Context, args map[string]any) (any, error)
}

// Runner executes agent steps. It is the dispatcher's step handler.
type Runner struct {
	Model       Model
	Provisioner *sandbox.Provisioner
	Streams     *stream.Store
	Gate        *approval.Gate
	Artifacts   *artifact.Store
	Config      *config.Config
	Redactor    *redact.Redactor
	External    []ExternalTool
	Logger      *slog.Logger
}

var _ dispatch.StepHandler = (*Runner)(nil)

// session is the per-step state of one run.
type session struct {
	run      domain.Run
	sandbox  *sandbox.Guarded
	files    compact.Session
	budget   *budget.Budget
	turn     int
	messages []compact.Message
}

// ExecuteStep provisions the run's sandbox, runs the turn loop and stores
// the final answer as the kind's artifact.
func (r *Runner) ExecuteStep(ctx context.Context, run domain.Run, req dispatch.StepRequest) error {
	kind, ok := r.Config.Kind(run.Kind)
	if !ok {
		return apperr.New(apperr.BadRequest, "unknown run kind %q", run.Kind)
	}
	log := logger.Or(r.Logger).With("run_id", run.ID, "step_id", req.StepID)

	guarded, spec, err := r.Provisioner.Provision(ctx, run.ID, run.Kind)
	if err != nil {
		return fmt.Errorf("provision sandbox: %w", err)
	}
	defer dispatch.BestEffort(context.WithoutCancel(ctx), r.Logger, "sandbox_stop", guarded.Stop, "run_id", run.ID)
	r.emit(ctx, run.ID, stream.Status{State: "sandbox.ready", Message: fmt.Sprintf("policy %s, network %s", spec.Policy.Name, spec.Network.Mode)})

	// session files are managed outside the command policy; the toolset
	// confines paths to the session directory
	files := compact.OpenSession(ctx, guarded.Inner, compact.Options{
		Dir:           r.Config.Compaction.SessionDir,
		KeepLastTurns: r.Config.Compaction.KeepLastTurns,
		Enabled:       r.Config.CompactionEnabled(),
		Logger:        r.Logger,
	})
	if files.Degraded != "" {
		r.emit(ctx, run.ID, stream.Status{State: "compaction.degraded", Message: files.Degraded})
	}

	s := &session{
		run:     run,
		sandbox: guarded,
		files:   files,
		budget:  budget.New(r.Config.Budgets),
		messages: []compact.Message{
			textMessage(compact.RoleSystem, systemPrompt(run.Kind, spec)),
			textMessage(compact.RoleUser, prompt(run)),
		},
	}
	final, err := r.loop(ctx, s, kind.MaxTurns)
	if err != nil {
		return err
	}
	key := kind.ArtifactKey
	if key == "" {
		key = run.Kind + "/output"
	}
	a, err := r.Artifacts.Ensure(ctx, artifact.CreateInput{
		ProjectID: run.ProjectID, Kind: run.Kind, LogicalKey: key, RunID: run.ID, Content: []byte(final),
	})
	if err != nil {
		return fmt.Errorf("store %s artifact: %w", key, err)
	}
	log.Info("agent finished", "turns", s.turn, "artifact", a.LogicalKey, "version", a.Version)
	return nil
}

func (r *Runner) loop(ctx context.Context, s *session, maxTurns int) (string, error) {
	if maxTurns <= 0 {
		maxTurns = 16
	}
	tools := r.toolSpecs(s)
	for s.turn = 0; s.turn < maxTurns; s.turn++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		s.budget.Reset()
		reply, err := r.Model.Next(ctx, Request{RunID: s.run.ID, Kind: s.run.Kind, Turn: s.turn, Messages: s.messages, Tools: tools})
		if err != nil {
			return "", fmt.Errorf("model turn %d: %w", s.turn, err)
		}
		if reply.Text != "" {
			r.emit(ctx, s.run.ID, stream.AssistantDelta{Text: reply.Text})
		}
		assistant := compact.Message{Role: compact.RoleAssistant}
		if reply.Text != "" {
			assistant.Parts = append(assistant.Parts, compact.Part{Type: compact.PartText, Text: reply.Text})
		}
		for _, call := range reply.ToolCalls {
			assistant.Parts = append(assistant.Parts, compact.Part{Type: compact.PartToolCall, ToolCallID: call.ID, ToolName: call.Name, Input: r.Redactor.Value(call.Args)})
		}
		s.messages = append(s.messages, assistant)
		if len(reply.ToolCalls) == 0 {
			return reply.Text, nil
		}
		results := compact.Message{Role: compact.RoleTool}
		for _, call := range reply.ToolCalls {
			r.emit(ctx, s.run.ID, stream.ToolCall{ToolCallID: call.ID, ToolName: call.Name, Args: call.Args})
			out, callErr := r.call(ctx, s, call)
			if callErr != nil {
				if fatal(callErr) {
					return "", callErr
				}
				out = map[string]any{"error": r.Redactor.Text(callErr.Error()), "code": string(apperr.CodeOf(callErr))}
			}
			out = r.Redactor.Value(out)
			r.emit(ctx, s.run.ID, stream.ToolResult{ToolCallID: call.ID, ToolName: call.Name, Output: out, IsError: callErr != nil})
			results.Parts = append(results.Parts, compact.Part{Type: compact.PartToolResult, ToolCallID: call.ID, ToolName: call.Name, Output: out})
		}
		s.messages = append(s.messages, results)
		compacted, stats, err := s.files.Compactor.Compact(ctx, s.messages)
		if err != nil {
			logger.Or(r.Logger).Warn("compaction failed, keeping transcript inline", "run_id", s.run.ID, "err", err)
		} else if stats.Externalized > 0 {
			s.messages = compacted
			r.emit(ctx, s.run.ID, stream.Log{Level: "info", Text: fmt.Sprintf("moved %d tool results (%d bytes) to session storage", stats.Externalized, stats.Bytes)})
		}
	}
	return "", apperr.New(apperr.Conflict, "run reached its limit of %d turns", maxTurns)
}

// fatal reports whether a tool error ends the run rather than being handed
// back to the model.
func fatal(err error) bool {
	return errors.Is(err, sandbox.ErrTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Runner) call(ctx context.Context, s *session, call ToolCall) (any, error) {
	switch call.Name {
	case ToolRunCommand:
		cmd, _ := call.Args["cmd"].(string)
		args, err := stringList(call.Args["args"])
		if err != nil {
			return nil, err
		}
		res, err := s.sandbox.RunCommand(ctx, cmd, args)
		if err != nil {
			return nil, err
		}
		r.emit(ctx, s.run.ID, stream.Exit{Command: cmd, ExitCode: res.ExitCode})
		return map[string]any{"exitCode": res.ExitCode, "stdout": res.Stdout, "stderr": res.Stderr}, nil
	case ToolWriteFiles:
		files, err := filesArg(call.Args["files"])
		if err != nil {
			return nil, err
		}
		if err := s.sandbox.WriteFiles(ctx, files); err != nil {
			return nil, err
		}
		return map[string]any{"written": len(files)}, nil
	case ToolRequestApproval:
		scope, _ := call.Args["scope"].(string)
		summary, _ := call.Args["summary"].(string)
		return r.approve(ctx, s, scope, summary)
	}
	if s.files.Tools.Has(call.Name) {
		return s.files.Tools.Call(ctx, call.Name, call.Args)
	}
	for _, ext := range r.External {
		if ext.Name != call.Name {
			continue
		}
		if ext.BudgetKey != "" {
			if err := s.budget.Take(ext.BudgetKey); err != nil {
				return nil, err
			}
		}
		if ext.RequiresApproval {
			d, err := r.approve(ctx, s, fmt.Sprintf("tool:%s#%d", ext.Name, s.turn), "call "+ext.Name)
			if err != nil {
				return nil, err
			}
			if !d["approved"].(bool) {
				return nil, apperr.New(apperr.Forbidden, "%s was rejected by %v", ext.Name, d["approvedBy"])
			}
		}
		return ext.Call(ctx, call.Args)
	}
	return nil, apperr.New(apperr.BadRequest, "unknown tool %q", call.Name)
}

// approve suspends the step until the approval for scope is decided.
func (r *Runner) approve(ctx context.Context, s *session, scope, summary string) (map[string]any, error) {
	if r.Gate == nil {
		return nil, apperr.New(apperr.EnvInvalid, "approvals are not configured")
	}
	a, _, err := r.Gate.Ensure(ctx, approval.Request{RunID: s.run.ID, Scope: scope, IntentSummary: summary})
	if err != nil {
		return nil, err
	}
	if a.Status == domain.ApprovalRequested {
		r.emit(ctx, s.run.ID, stream.Status{State: "approval.requested", Message: a.ID + " " + scope})
	}
	d, err := r.Gate.Await(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	state := "approval.rejected"
	if d.Approved {
		state = "approval.approved"
	}
	r.emit(ctx, s.run.ID, stream.Status{State: state, Message: a.ID})
	return map[string]any{"approvalId": d.ApprovalID, "scope": d.Scope, "approved": d.Approved, "approvedBy": d.ApprovedBy, "approvedAt": d.ApprovedAt}, nil
}

func (r *Runner) toolSpecs(s *session) []ToolSpec {
	specs := []ToolSpec{
		{Name: ToolRunCommand, Description: "Run an allowlisted command in the sandbox. Allowed: " + fmt.Sprint(s.sandbox.Policy.AllowedCommands())},
		{Name: ToolWriteFiles, Description: "Write files under the workspace root"},
		{Name: ToolRequestApproval, Description: "Ask a human to approve an action and wait for the decision"},
	}
	if !s.files.Compactor.Disabled {
		for _, name := range s.files.Tools.Names() {
			specs = append(specs, ToolSpec{Name: name, Description: "Session file tool for compacted tool output"})
		}
	}
	for _, ext := range r.External {
		specs = append(specs, ToolSpec{Name: ext.Name, Description: ext.Description})
	}
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func (r *Runner) emit(ctx context.Context, runID string, e stream.Event) {
	if r.Streams == nil {
		return
	}
	dispatch.BestEffort(ctx, r.Logger, "stream_append", func(ctx context.Context) error {
		_, err := r.Streams.Append(ctx, runID, e)
		return err
	}, "run_id", runID)
}

func textMessage(role, text string) compact.Message {
	return compact.Message{Role: role, Parts: []compact.Part{{Type: compact.PartText, Text: text}}}
}

func systemPrompt(kind string, spec sandbox.Spec) string {
	return fmt.Sprintf("You are a %s agent. Commands run in a sandbox rooted at %s under policy %s with %s network access. Tool output older than recent turns is moved to session files; use readFile to view it.",
		kind, spec.Policy.WorkspaceRoot, spec.Policy.Name, spec.Network.Mode)
}

func prompt(run domain.Run) string {
	if p, ok := run.Metadata["prompt"].(string); ok && p != "" {
		return p
	}
	return "Complete the " + run.Kind + " run."
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, apperr.New(apperr.BadRequest, "args must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, apperr.New(apperr.BadRequest, "args must be a list of strings")
}

func filesArg(v any) ([]sandbox.File, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, apperr.New(apperr.BadRequest, "files must be a list")
	}
	out := make([]sandbox.File, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, apperr.New(apperr.BadRequest, "each file needs path and content")
		}
		p, _ := m["path"].(string)
		c, _ := m["content"].(string)
		if p == "" {
			return nil, apperr.New(apperr.BadRequest, "file path is required")
		}
		out = append(out, sandbox.File{Path: p, Content: []byte(c)})
	}
	return out, nil
}
