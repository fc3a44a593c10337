// Package compact keeps model-facing transcripts bounded. Tool results older
// than the last N turns are written to session storage and replaced inline
// by a reference the agent can read back with the session toolset.
package compact

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/zeebo/blake3"

	"runline/internal/logger"
	"runline/internal/metrics"
)

type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Part is one content block of a message.
type Part struct {
	Type       PartType `json:"type"`
	Text       string   `json:"text,omitempty"`
	ToolCallID string   `json:"toolCallId,omitempty"`
	ToolName   string   `json:"toolName,omitempty"`
	Input      any      `json:"input,omitempty"`
	Output     any      `json:"output,omitempty"`
	// Ref is the session file holding the original output once compacted.
	Ref string `json:"ref,omitempty"`
}

type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Stats reports what one Compact call externalized.
type Stats struct {
	Externalized int `json:"externalized"`
	Bytes        int `json:"bytes"`
}

// Compactor rewrites transcripts against a session store. A disabled
// compactor returns transcripts unchanged.
type Compactor struct {
	Store         SessionStore
	Dir           string
	KeepLastTurns int
	Disabled      bool
	Logger        *slog.Logger
}

// Turns assigns a turn index to each message. A turn starts at every
// assistant message; messages before the first assistant message get -1.
func Turns(msgs []Message) ([]int, int) {
	idx := make([]int, len(msgs))
	turn := -1
	for i, m := range msgs {
		if m.Role == RoleAssistant {
			turn++
		}
		idx[i] = turn
	}
	return idx, turn + 1
}

// Compact externalizes tool results in turns older than the last
// KeepLastTurns. Parts already carrying a Ref are left alone, so repeated
// calls never rewrite stored content. On error the input is returned
// unchanged; no reference is ever produced for a file that was not written.
func (c *Compactor) Compact(ctx context.Context, msgs []Message) ([]Message, Stats, error) {
	if c == nil || c.Disabled || c.Store == nil {
		return msgs, Stats{}, nil
	}
	turns, total := Turns(msgs)
	boundary := total - c.KeepLastTurns
	if boundary <= 0 {
		return msgs, Stats{}, nil
	}
	out := make([]Message, len(msgs))
	var stats Stats
	for i, m := range msgs {
		out[i] = m
		if turns[i] < 0 || turns[i] >= boundary {
			continue
		}
		var parts []Part
		for j, p := range m.Parts {
			if p.Type != PartToolResult || p.Ref != "" {
				continue
			}
			content := render(p.Output)
			ref := c.refFor(p, content)
			if err := c.Store.Write(ctx, ref, []byte(content)); err != nil {
				return msgs, Stats{}, fmt.Errorf("compact tool result %s: %w", p.ToolCallID, err)
			}
			if parts == nil {
				parts = append([]Part(nil), m.Parts...)
			}
			parts[j].Output = fmt.Sprintf("[%d bytes of %s output moved to %s; use readFile to view it]", len(content), p.ToolName, ref)
			parts[j].Ref = ref
			stats.Externalized++
			stats.Bytes += len(content)
		}
		if parts != nil {
			out[i].Parts = parts
		}
	}
	if stats.Externalized > 0 {
		metrics.CompactedResults.Add(float64(stats.Externalized))
		logger.Or(c.Logger).Debug("compacted transcript", "externalized", stats.Externalized, "bytes", stats.Bytes)
	}
	return out, stats, nil
}

// refFor derives a stable file name from the call id and content so a
// retried compaction writes the same file.
func (c *Compactor) refFor(p Part, content string) string {
	sum := blake3.Sum256([]byte(p.ToolCallID + "\x00" + content))
	name := sanitize(p.ToolName)
	if name == "" {
		name = "tool"
	}
	return path.Join(c.dir(), "tool-results", name+"-"+hex.EncodeToString(sum[:8])+".txt")
}

func (c *Compactor) dir() string {
	if c.Dir == "" {
		return DefaultDir
	}
	return c.Dir
}

// DefaultDir is the session directory relative to the sandbox working directory.
const DefaultDir = ".runline-session"

func render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
