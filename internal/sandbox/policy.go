package sandbox

import (
	"path"
	"sort"
	"strings"

	"runline/internal/apperr"
	"runline/internal/config"
)

// Policy is a default-deny command allowlist evaluated before any command
// reaches the sandbox.
type Policy struct {
	Name           string
	Commands       map[string]struct{}
	PackageRunners map[string]map[string]struct{}
	WorkspaceRoot  string
}

// packageRunners fetch and execute an arbitrary package named by their first operand.
var packageRunners = map[string]struct{}{
	"npx": {}, "bunx": {}, "pnpx": {}, "uvx": {}, "pipx": {},
}

// indirectRunners maps package managers to the subcommands that fetch and
// run an arbitrary package, bypassing the package runner allowlist.
var indirectRunners = map[string]map[string]struct{}{
	"npm":  {"exec": {}, "x": {}, "init": {}, "create": {}},
	"pnpm": {"dlx": {}, "exec": {}, "create": {}},
	"yarn": {"dlx": {}, "create": {}},
	"bun":  {"x": {}, "create": {}},
	"pipx": {"run": {}},
	"uv":   {"tool": {}},
}

// escapeFlags are per-file command dispatch or deletion flags of file search tools.
var escapeFlags = map[string]map[string]struct{}{
	"find": {"-exec": {}, "-execdir": {}, "-ok": {}, "-okdir": {}, "-delete": {}},
	"fd":   {"-x": {}, "--exec": {}, "-X": {}, "--exec-batch": {}},
	"rg":   {"--pre": {}},
}

// noValueFlags are the only flags a package runner may take before its package.
var noValueFlags = map[string]struct{}{
	"--yes": {}, "-y": {}, "--quiet": {}, "-q": {}, "--no-install": {},
}

// runnerFlags let a package runner execute something other than its package operand.
var runnerFlags = map[string]struct{}{
	"-c": {}, "--call": {}, "-p": {}, "--package": {}, "--shell": {},
}

// NewPolicy builds a policy from command and package runner allowlists.
func NewPolicy(name, workspaceRoot string, commands []string, runners map[string][]string) Policy {
	p := Policy{
		Name:           name,
		Commands:       make(map[string]struct{}, len(commands)),
		PackageRunners: make(map[string]map[string]struct{}, len(runners)),
		WorkspaceRoot:  path.Clean(workspaceRoot),
	}
	for _, c := range commands {
		p.Commands[c] = struct{}{}
	}
	for runner, pkgs := range runners {
		set := make(map[string]struct{}, len(pkgs))
		for _, pkg := range pkgs {
			set[pkg] = struct{}{}
		}
		p.PackageRunners[runner] = set
	}
	return p
}

// PolicyFromConfig resolves a named policy from the service config.
func PolicyFromConfig(cfg *config.Config, name string) (Policy, error) {
	sp, ok := cfg.Sandbox.Policies[name]
	if !ok {
		return Policy{}, apperr.New(apperr.EnvInvalid, "sandbox policy %q not configured", name)
	}
	return NewPolicy(name, cfg.Sandbox.WorkspaceRoot, sp.Commands, sp.PackageRunners), nil
}

// AllowedCommands lists the allowlist in sorted order.
func (p Policy) AllowedCommands() []string {
	out := make([]string, 0, len(p.Commands))
	for c := range p.Commands {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (p Policy) deny(cmd, format string, args ...any) error {
	return apperr.New(apperr.Forbidden, format, args...).WithDetails(map[string]any{"command": cmd, "policy": p.Name})
}

func (p Policy) malformed(cmd, format string, args ...any) error {
	return apperr.New(apperr.BadRequest, format, args...).WithDetails(map[string]any{"command": cmd, "policy": p.Name})
}

// Check validates cmd and args. It is synchronous and side-effect free.
func (p Policy) Check(cmd string, args []string) error {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return p.malformed(cmd, "command is required")
	}
	if strings.ContainsAny(cmd, `/\`) || strings.ContainsAny(cmd, " \t\n;|&$`") {
		return p.deny(cmd, "command %q must be a bare program name", cmd)
	}
	if _, ok := p.Commands[cmd]; !ok {
		return p.deny(cmd, "command %q is not allowed by policy %s", cmd, p.Name)
	}
	for _, arg := range args {
		if err := p.checkArg(cmd, arg); err != nil {
			return err
		}
	}
	if flags, ok := escapeFlags[cmd]; ok {
		for _, arg := range args {
			name := arg
			if i := strings.Index(arg, "="); i > 0 && strings.HasPrefix(arg, "--") {
				name = arg[:i]
			}
			if _, bad := flags[name]; bad {
				return p.deny(cmd, "%s %s is not allowed", cmd, name)
			}
		}
	}
	if subs, ok := indirectRunners[cmd]; ok {
		// Value-taking flags such as --prefix shift the subcommand, so any
		// position counts.
		for _, arg := range args {
			if _, bad := subs[flagName(arg)]; bad {
				return p.deny(cmd, "%s %s runs arbitrary packages; use an allowlisted package runner", cmd, flagName(arg))
			}
		}
	}
	if _, ok := packageRunners[cmd]; ok {
		return p.checkPackageRunner(cmd, args)
	}
	return nil
}

// CheckPath validates a file path handed to the sandbox outside a command.
func (p Policy) CheckPath(target string) error {
	if strings.TrimSpace(target) == "" {
		return p.malformed("", "path is required")
	}
	return p.checkArg("", target)
}

func (p Policy) checkArg(cmd, arg string) error {
	if hasTraversal(arg) {
		return p.malformed(cmd, "argument %q contains a parent directory segment", arg)
	}
	if strings.HasPrefix(arg, "~") {
		return p.deny(cmd, "argument %q refers to a home directory", arg)
	}
	for _, candidate := range absoluteCandidates(arg) {
		if !p.underRoot(candidate) {
			return p.deny(cmd, "absolute path %q is outside the workspace %s", candidate, p.WorkspaceRoot)
		}
	}
	return nil
}

func (p Policy) underRoot(abs string) bool {
	clean := path.Clean(abs)
	root := p.WorkspaceRoot
	if root == "" || root == "/" {
		return root == "/"
	}
	return clean == root || strings.HasPrefix(clean, root+"/")
}

func (p Policy) checkPackageRunner(cmd string, args []string) error {
	for _, arg := range args {
		if _, bad := runnerFlags[flagName(arg)]; bad {
			return p.deny(cmd, "%s %s is not allowed", cmd, flagName(arg))
		}
	}
	operand := ""
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			operand = arg
			break
		}
		// An unknown flag may take a value and hide the real package.
		if _, ok := noValueFlags[arg]; !ok {
			return p.deny(cmd, "%s flag %s before the package is not allowed", cmd, flagName(arg))
		}
	}
	if cmd == "pipx" && operand == "run" {
		return p.deny(cmd, "pipx run is not allowed")
	}
	if operand == "" {
		return p.malformed(cmd, "%s requires a package", cmd)
	}
	pkg := packageName(operand)
	allowed := p.PackageRunners[cmd]
	if _, ok := allowed[pkg]; !ok {
		return p.deny(cmd, "package %q is not allowed for %s under policy %s", pkg, cmd, p.Name)
	}
	return nil
}

// hasTraversal reports whether any segment of arg is "..". Segments are
// split on path separators and on the delimiters flags use to embed paths.
func hasTraversal(arg string) bool {
	fields := strings.FieldsFunc(arg, func(r rune) bool {
		switch r {
		case '/', '\\', '=', ':', ',', ';', ' ', '\t', '\n', '"', '\'':
			return true
		}
		return false
	})
	for _, f := range fields {
		if f == ".." {
			return true
		}
	}
	return false
}

// absoluteCandidates returns absolute paths embedded in arg, either the arg
// itself or the value of a --flag=/path form.
func absoluteCandidates(arg string) []string {
	var out []string
	if strings.HasPrefix(arg, "/") {
		out = append(out, arg)
	}
	if i := strings.Index(arg, "="); i >= 0 && strings.HasPrefix(arg[i+1:], "/") {
		out = append(out, arg[i+1:])
	}
	if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && len(arg) > 2 && arg[2] == '/' {
		out = append(out, arg[2:])
	}
	return out
}

// flagName strips an inline value: "--prefix=." -> "--prefix".
func flagName(arg string) string {
	if i := strings.Index(arg, "="); i > 0 {
		return arg[:i]
	}
	return arg
}

// packageName strips a version or tag suffix: "@scope/pkg@1.2" -> "@scope/pkg".
func packageName(spec string) string {
	if strings.HasPrefix(spec, "@") {
		if i := strings.Index(spec[1:], "@"); i >= 0 {
			return spec[:i+1]
		}
		return spec
	}
	if i := strings.IndexAny(spec, "@="); i > 0 {
		return spec[:i]
	}
	return spec
}
