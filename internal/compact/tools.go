package compact

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"runline/internal/apperr"
	"runline/internal/logger"
	"runline/internal/sandbox"
)

// Toolset lets the agent read back and manage session files. Every path
// is confined to the session directory.
type Toolset struct {
	Store SessionStore
	Dir   string
}

const (
	ToolReadFile    = "readFile"
	ToolListFiles   = "listFiles"
	ToolSearchFiles = "searchFiles"
	ToolGrepFiles   = "grepFiles"
	ToolWriteFile   = "writeFile"
	ToolEditFile    = "editFile"
	ToolDeleteFile  = "deleteFile"
)

// Names lists the tools in a stable order.
func (t Toolset) Names() []string {
	names := []string{ToolReadFile, ToolListFiles, ToolSearchFiles, ToolGrepFiles, ToolWriteFile, ToolEditFile, ToolDeleteFile}
	sort.Strings(names)
	return names
}

// Has reports whether name is a session tool.
func (t Toolset) Has(name string) bool {
	for _, n := range t.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func (t Toolset) dir() string {
	if t.Dir == "" {
		return DefaultDir
	}
	return path.Clean(t.Dir)
}

// resolve maps a tool path onto the session directory.
func (t Toolset) resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", apperr.New(apperr.BadRequest, "path is required")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", apperr.New(apperr.BadRequest, "path %q contains a parent directory segment", p)
		}
	}
	dir := t.dir()
	clean := path.Clean(p)
	if clean != dir && !strings.HasPrefix(clean, dir+"/") {
		if path.IsAbs(clean) {
			return "", apperr.New(apperr.Forbidden, "path %q is outside the session directory", p)
		}
		clean = path.Join(dir, clean)
	}
	return clean, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Call runs a session tool.
func (t Toolset) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case ToolReadFile:
		p, err := t.resolve(stringArg(args, "path"))
		if err != nil {
			return nil, err
		}
		data, err := t.Store.Read(ctx, p)
		if err != nil {
			return nil, err
		}
		return sliceLines(string(data), intArg(args, "offset"), intArg(args, "limit")), nil
	case ToolListFiles:
		dir := t.dir()
		if d := stringArg(args, "dir"); d != "" {
			var err error
			if dir, err = t.resolve(d); err != nil {
				return nil, err
			}
		}
		return t.Store.List(ctx, dir)
	case ToolSearchFiles:
		glob := stringArg(args, "pattern")
		if glob == "" {
			return nil, apperr.New(apperr.BadRequest, "pattern is required")
		}
		return t.Store.Search(ctx, t.dir(), glob)
	case ToolGrepFiles:
		pattern := stringArg(args, "pattern")
		if pattern == "" {
			return nil, apperr.New(apperr.BadRequest, "pattern is required")
		}
		return t.Store.Grep(ctx, t.dir(), pattern)
	case ToolWriteFile:
		p, err := t.resolve(stringArg(args, "path"))
		if err != nil {
			return nil, err
		}
		content := stringArg(args, "content")
		if err := t.Store.Write(ctx, p, []byte(content)); err != nil {
			return nil, err
		}
		return map[string]any{"path": p, "bytes": len(content)}, nil
	case ToolEditFile:
		p, err := t.resolve(stringArg(args, "path"))
		if err != nil {
			return nil, err
		}
		oldText, newText := stringArg(args, "old"), stringArg(args, "new")
		if oldText == "" {
			return nil, apperr.New(apperr.BadRequest, "old text is required")
		}
		data, err := t.Store.Read(ctx, p)
		if err != nil {
			return nil, err
		}
		switch n := strings.Count(string(data), oldText); n {
		case 0:
			return nil, apperr.New(apperr.BadRequest, "old text not found in %s", p)
		case 1:
		default:
			return nil, apperr.New(apperr.BadRequest, "old text matches %d times in %s", n, p)
		}
		updated := strings.Replace(string(data), oldText, newText, 1)
		if err := t.Store.Write(ctx, p, []byte(updated)); err != nil {
			return nil, err
		}
		return map[string]any{"path": p, "bytes": len(updated)}, nil
	case ToolDeleteFile:
		p, err := t.resolve(stringArg(args, "path"))
		if err != nil {
			return nil, err
		}
		if err := t.Store.Delete(ctx, p); err != nil {
			return nil, err
		}
		return map[string]any{"path": p, "deleted": true}, nil
	}
	return nil, apperr.New(apperr.BadRequest, "unknown session tool %q", name)
}

func sliceLines(text string, offset, limit int) string {
	if offset <= 0 && limit <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	if offset < 0 {
		offset = 0
	}
	if offset > len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return strings.Join(lines[offset:end], "\n")
}

// Session bundles the compactor and toolset of one sandbox session.
type Session struct {
	Compactor *Compactor
	Tools     Toolset
	// Degraded carries the reason compaction is off, empty when active.
	Degraded string
}

// Options configure OpenSession.
type Options struct {
	Dir           string
	KeepLastTurns int
	Enabled       bool
	Logger        *slog.Logger
}

// OpenSession provisions session storage in the sandbox. When the store
// cannot be initialized the session is returned with compaction disabled
// and Degraded set; the run continues uncompacted.
func OpenSession(ctx context.Context, sb sandbox.Sandbox, opts Options) Session {
	store := SandboxStore{Sandbox: sb}
	return openSession(ctx, store, opts)
}

// OpenStoreSession is OpenSession over an explicit store.
func OpenStoreSession(ctx context.Context, store SessionStore, opts Options) Session {
	return openSession(ctx, store, opts)
}

func openSession(ctx context.Context, store SessionStore, opts Options) Session {
	dir := opts.Dir
	if dir == "" {
		dir = DefaultDir
	}
	c := &Compactor{Store: store, Dir: dir, KeepLastTurns: opts.KeepLastTurns, Logger: opts.Logger}
	s := Session{Compactor: c, Tools: Toolset{Store: store, Dir: dir}}
	if !opts.Enabled {
		c.Disabled = true
		s.Degraded = "compaction disabled by configuration"
		return s
	}
	if err := store.Write(ctx, path.Join(dir, ".keep"), nil); err != nil {
		logger.Or(opts.Logger).Warn("session storage unavailable, compaction disabled", "err", err)
		c.Disabled = true
		s.Degraded = fmt.Sprintf("session storage unavailable: %v", err)
	}
	return s
}
