// Package agent runs the turn loop of a run step: ask the model for the
// next message, execute the tool calls it requests against the run's
// sandbox, and keep the transcript bounded.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"runline/internal/compact"
)

// ToolSpec advertises a tool to the model.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Request is what the model sees on each turn.
type Request struct {
	RunID    string
	Kind     string
	Turn     int
	Messages []compact.Message
	Tools    []ToolSpec
}

// ToolCall is one tool invocation the model asked for.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Reply is one assistant turn. A reply without tool calls ends the loop.
type Reply struct {
	Text      string
	ToolCalls []ToolCall
}

// Model produces assistant turns. Provider integrations implement it.
type Model interface {
	Next(ctx context.Context, req Request) (Reply, error)
}

// ScriptedModel replays fixed replies in order, then ends with Final.
type ScriptedModel struct {
	Replies []Reply
	Final   string

	mu       sync.Mutex
	requests []Request
}

func (m *ScriptedModel) Next(ctx context.Context, req Request) (Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if req.Turn < len(m.Replies) {
		return m.Replies[req.Turn], nil
	}
	return Reply{Text: m.Final}, nil
}

// Requests returns what the model was asked, in order.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// CommandModel plays the commands listed in run metadata, one per turn,
// and finishes with a summary of their exit codes. It backs ad hoc
// sandboxed code execution, where the caller supplies the commands.
//
// metadata: {"commands": [["ls", "-la"], ["cat", "/workspace/README.md"]]}
type CommandModel struct {
	Metadata func(runID string) map[string]any
}

func (m CommandModel) Next(ctx context.Context, req Request) (Reply, error) {
	var meta map[string]any
	if m.Metadata != nil {
		meta = m.Metadata(req.RunID)
	}
	commands, err := commandsFrom(meta)
	if err != nil {
		return Reply{}, err
	}
	if req.Turn < len(commands) {
		argv := commands[req.Turn]
		args := make([]any, 0, len(argv)-1)
		for _, a := range argv[1:] {
			args = append(args, a)
		}
		return Reply{
			Text:      "running " + strings.Join(argv, " "),
			ToolCalls: []ToolCall{{ID: fmt.Sprintf("call_%d", req.Turn), Name: ToolRunCommand, Args: map[string]any{"cmd": argv[0], "args": args}}},
		}, nil
	}
	return Reply{Text: summarize(req.Messages)}, nil
}

func commandsFrom(meta map[string]any) ([][]string, error) {
	raw, ok := meta["commands"].([]any)
	if !ok {
		return nil, nil
	}
	var out [][]string
	for i, item := range raw {
		list, ok := item.([]any)
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("commands[%d] must be a non-empty list", i)
		}
		argv := make([]string, 0, len(list))
		for _, a := range list {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("commands[%d] must contain strings", i)
			}
			argv = append(argv, s)
		}
		out = append(out, argv)
	}
	return out, nil
}

func summarize(msgs []compact.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.Type != compact.PartToolResult {
				continue
			}
			if res, ok := p.Output.(map[string]any); ok {
				fmt.Fprintf(&b, "%s: exit %v\n", p.ToolCallID, res["exitCode"])
				continue
			}
			fmt.Fprintf(&b, "%s: %v\n", p.ToolCallID, p.Output)
		}
	}
	if b.Len() == 0 {
		return "no commands were run"
	}
	return b.String()
}
