package compact

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"runline/internal/apperr"
	"runline/internal/sandbox"
)

// SessionStore is addressable file storage scoped to one sandbox session.
type SessionStore interface {
	Write(ctx context.Context, name string, content []byte) error
	Read(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, dir string) ([]string, error)
	Search(ctx context.Context, dir, glob string) ([]string, error)
	Grep(ctx context.Context, dir, pattern string) ([]Match, error)
	Delete(ctx context.Context, name string) error
}

// Match is one grep hit.
type Match struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// SandboxStore keeps session files inside the sandbox itself, through its
// command interface. It talks to the raw sandbox; callers validate paths.
type SandboxStore struct {
	Sandbox sandbox.Sandbox
}

func (s SandboxStore) Write(ctx context.Context, name string, content []byte) error {
	return s.Sandbox.WriteFiles(ctx, []sandbox.File{{Path: name, Content: content}})
}

func (s SandboxStore) Read(ctx context.Context, name string) ([]byte, error) {
	res, err := s.Sandbox.RunCommand(ctx, "cat", []string{"--", name})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, apperr.New(apperr.NotFound, "session file %s not found", name)
	}
	return []byte(res.Stdout), nil
}

func (s SandboxStore) List(ctx context.Context, dir string) ([]string, error) {
	return s.lines(ctx, "find", dir, "-type", "f")
}

func (s SandboxStore) Search(ctx context.Context, dir, glob string) ([]string, error) {
	return s.lines(ctx, "find", dir, "-type", "f", "-name", glob)
}

func (s SandboxStore) Grep(ctx context.Context, dir, pattern string) ([]Match, error) {
	res, err := s.Sandbox.RunCommand(ctx, "grep", []string{"-rnE", "-e", pattern, "--", dir})
	if err != nil {
		return nil, err
	}
	// grep exits 1 on no match
	if res.ExitCode > 1 {
		return nil, apperr.New(apperr.BadRequest, "grep failed: %s", strings.TrimSpace(res.Stderr))
	}
	var out []Match
	for _, line := range splitLines(res.Stdout) {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		n, _ := strconv.Atoi(parts[1])
		out = append(out, Match{File: parts[0], Line: n, Text: parts[2]})
	}
	return out, nil
}

func (s SandboxStore) Delete(ctx context.Context, name string) error {
	res, err := s.Sandbox.RunCommand(ctx, "rm", []string{"-f", "--", name})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("delete %s: %s", name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (s SandboxStore) lines(ctx context.Context, cmd string, args ...string) ([]string, error) {
	res, err := s.Sandbox.RunCommand(ctx, cmd, args)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, nil
	}
	out := splitLines(res.Stdout)
	sort.Strings(out)
	return out, nil
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// MemStore is an in-process SessionStore.
type MemStore struct {
	mu    sync.Mutex
	files map[string][]byte
	// FailWrites makes every Write fail, for exercising retry paths.
	FailWrites bool
}

func NewMemStore() *MemStore {
	return &MemStore{files: map[string][]byte{}}
}

func (m *MemStore) Write(ctx context.Context, name string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return fmt.Errorf("write %s: store unavailable", name)
	}
	m.files[path.Clean(name)] = append([]byte(nil), content...)
	return nil
}

func (m *MemStore) Read(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path.Clean(name)]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "session file %s not found", name)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemStore) List(ctx context.Context, dir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := path.Clean(dir) + "/"
	var out []string
	for name := range m.files {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) Search(ctx context.Context, dir, glob string) ([]string, error) {
	all, _ := m.List(ctx, dir)
	var out []string
	for _, name := range all {
		ok, err := path.Match(glob, path.Base(name))
		if err != nil {
			return nil, apperr.New(apperr.BadRequest, "invalid glob %q", glob)
		}
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (m *MemStore) Grep(ctx context.Context, dir, pattern string) ([]Match, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, apperr.New(apperr.BadRequest, "invalid pattern: %v", err)
	}
	all, _ := m.List(ctx, dir)
	var out []Match
	for _, name := range all {
		data, _ := m.Read(ctx, name)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				out = append(out, Match{File: name, Line: i + 1, Text: line})
			}
		}
	}
	return out, nil
}

func (m *MemStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path.Clean(name))
	return nil
}

// Len reports the number of stored files.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}
