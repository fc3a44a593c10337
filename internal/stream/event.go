// Package stream holds the per-run append-only event log clients read from
// an arbitrary offset.
package stream

import (
	"encoding/json"
	"fmt"
)

// Kind names a stream event variant on the wire.
type Kind string

const (
	KindStatus         Kind = "status"
	KindLog            Kind = "log"
	KindAssistantDelta Kind = "assistant-delta"
	KindToolCall       Kind = "tool-call"
	KindToolResult     Kind = "tool-result"
	KindExit           Kind = "exit"
	KindFinish         Kind = "finish"
)

// Event is the closed set of stream payloads. Only this package implements it.
type Event interface {
	Kind() Kind
	sealed()
}

// Status reports a run level state change or degraded mode.
type Status struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// Log is one line of step or sandbox output.
type Log struct {
	Level string `json:"level,omitempty"`
	Text  string `json:"text"`
}

// AssistantDelta is incremental model text.
type AssistantDelta struct {
	Text string `json:"text"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Args       any    `json:"args,omitempty"`
}

// ToolResult is the outcome of a tool call. Ref is set when the output was
// moved to session storage.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Output     any    `json:"output,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
	Ref        string `json:"ref,omitempty"`
}

// Exit is a sandbox command completion.
type Exit struct {
	Command  string `json:"command,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// Finish terminates the stream. Nothing follows it.
type Finish struct {
	Status string `json:"status"`
}

func (Status) Kind() Kind         { return KindStatus }
func (Log) Kind() Kind            { return KindLog }
func (AssistantDelta) Kind() Kind { return KindAssistantDelta }
func (ToolCall) Kind() Kind       { return KindToolCall }
func (ToolResult) Kind() Kind     { return KindToolResult }
func (Exit) Kind() Kind           { return KindExit }
func (Finish) Kind() Kind         { return KindFinish }

func (Status) sealed()         {}
func (Log) sealed()            {}
func (AssistantDelta) sealed() {}
func (ToolCall) sealed()       {}
func (ToolResult) sealed()     {}
func (Exit) sealed()           {}
func (Finish) sealed()         {}

// Envelope is an event at its position in the run's sequence.
type Envelope struct {
	Index     int64  `json:"index"`
	Kind      Kind   `json:"kind"`
	Event     Event  `json:"event"`
	CreatedAt string `json:"createdAt"`
}

// Encode serializes an event payload.
func Encode(e Event) (Kind, []byte, error) {
	if e == nil {
		return "", nil, fmt.Errorf("nil stream event")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s event: %w", e.Kind(), err)
	}
	return e.Kind(), data, nil
}

// Decode parses a payload by kind.
func Decode(kind Kind, payload []byte) (Event, error) {
	var (
		e   Event
		err error
	)
	switch kind {
	case KindStatus:
		var v Status
		err = json.Unmarshal(payload, &v)
		e = v
	case KindLog:
		var v Log
		err = json.Unmarshal(payload, &v)
		e = v
	case KindAssistantDelta:
		var v AssistantDelta
		err = json.Unmarshal(payload, &v)
		e = v
	case KindToolCall:
		var v ToolCall
		err = json.Unmarshal(payload, &v)
		e = v
	case KindToolResult:
		var v ToolResult
		err = json.Unmarshal(payload, &v)
		e = v
	case KindExit:
		var v Exit
		err = json.Unmarshal(payload, &v)
		e = v
	case KindFinish:
		var v Finish
		err = json.Unmarshal(payload, &v)
		e = v
	default:
		return nil, fmt.Errorf("unknown stream event kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", kind, err)
	}
	return e, nil
}
