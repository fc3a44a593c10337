package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"runline/internal/apperr"
)

// Config models runline.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		PublicURL string `yaml:"public_url"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Queue struct {
		SigningKey     string `yaml:"signing_key"`
		NextSigningKey string `yaml:"next_signing_key"`
		CallbackPath   string `yaml:"callback_path"`
		RedisURL       string `yaml:"redis_url"`
		IndexStream    string `yaml:"index_stream"`
	} `yaml:"queue"`
	Sandbox struct {
		WorkspaceRoot  string                   `yaml:"workspace_root"`
		Dir            string                   `yaml:"dir"`
		CommandTimeout string                   `yaml:"command_timeout"`
		Policies       map[string]SandboxPolicy `yaml:"policies"`
	} `yaml:"sandbox"`
	Runs struct {
		ReapSchedule string             `yaml:"reap_schedule"`
		Kinds        map[string]RunKind `yaml:"kinds"`
	} `yaml:"runs"`
	Compaction struct {
		Enabled       *bool  `yaml:"enabled"`
		KeepLastTurns int    `yaml:"keep_last_turns"`
		SessionDir    string `yaml:"session_dir"`
	} `yaml:"compaction"`
	Redaction struct {
		Patterns []RedactionPattern `yaml:"patterns"`
	} `yaml:"redaction"`
	Budgets   map[string]int `yaml:"budgets"`
	Artifacts struct {
		CompressThreshold int    `yaml:"compress_threshold"`
		Codec             string `yaml:"codec"`
	} `yaml:"artifacts"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// SandboxPolicy is the named allowlist applied to sandbox commands.
type SandboxPolicy struct {
	Commands       []string            `yaml:"commands"`
	PackageRunners map[string][]string `yaml:"package_runners"`
}

// RunKind binds a run kind to its sandbox policy, network policy and wall-clock budget.
type RunKind struct {
	Policy         string   `yaml:"policy"`
	Network        string   `yaml:"network"`
	AllowedDomains []string `yaml:"allowed_domains"`
	Timeout        string   `yaml:"timeout"`
	MaxTurns       int      `yaml:"max_turns"`
	ArtifactKey    string   `yaml:"artifact_key"`
	Steps          []string `yaml:"steps"`
}

// DefaultSteps is the workflow of a run kind that lists no steps.
var DefaultSteps = []string{"agent"}

type RedactionPattern struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New(apperr.EnvInvalid, "config %s not found; create it with runline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Sandbox.WorkspaceRoot == "" || !strings.HasPrefix(c.Sandbox.WorkspaceRoot, "/") {
		return invalid("config.sandbox.workspace_root must be an absolute path")
	}
	if _, err := parseDuration(c.Sandbox.CommandTimeout); err != nil {
		return invalid("config.sandbox.command_timeout: %v", err)
	}
	if len(c.Sandbox.Policies) == 0 {
		return invalid("config.sandbox.policies is required")
	}
	for name, p := range c.Sandbox.Policies {
		if len(p.Commands) == 0 {
			return invalid("sandbox policy %s has no commands", name)
		}
		for runner, pkgs := range p.PackageRunners {
			if runner == "" {
				return invalid("sandbox policy %s has empty package runner", name)
			}
			for _, pkg := range pkgs {
				if pkg == "" {
					return invalid("sandbox policy %s runner %s has empty package", name, runner)
				}
			}
		}
	}
	if len(c.Runs.Kinds) == 0 {
		return invalid("config.runs.kinds is required")
	}
	for kind, rk := range c.Runs.Kinds {
		if _, ok := c.Sandbox.Policies[rk.Policy]; !ok {
			return invalid("run kind %s references unknown sandbox policy %q", kind, rk.Policy)
		}
		switch rk.Network {
		case "no-access":
		case "allowlist":
			if len(rk.AllowedDomains) == 0 {
				return invalid("run kind %s uses allowlist network without domains", kind)
			}
		default:
			return invalid("run kind %s network must be no-access or allowlist", kind)
		}
		if _, err := parseDuration(rk.Timeout); err != nil {
			return invalid("run kind %s timeout: %v", kind, err)
		}
		seen := map[string]bool{}
		for _, step := range rk.Steps {
			if step == "" || seen[step] {
				return invalid("run kind %s has empty or duplicate step %q", kind, step)
			}
			seen[step] = true
		}
	}
	if c.Compaction.KeepLastTurns < 0 {
		return invalid("config.compaction.keep_last_turns must be >= 0")
	}
	for _, p := range c.Redaction.Patterns {
		if _, err := regexp.Compile(p.Regex); err != nil {
			return invalid("redaction pattern %s: %v", p.Name, err)
		}
	}
	switch c.Artifacts.Codec {
	case "", "zstd", "lz4":
	default:
		return invalid("config.artifacts.codec must be zstd or lz4")
	}
	for tool, limit := range c.Budgets {
		if limit < 0 {
			return invalid("budget for %s must be >= 0", tool)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return apperr.New(apperr.EnvInvalid, format, args...)
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d, nil
}

// CommandTimeout is the per-command wall-clock budget inside the sandbox.
func (c *Config) CommandTimeout() time.Duration {
	d, _ := parseDuration(c.Sandbox.CommandTimeout)
	if d == 0 {
		return 2 * time.Minute
	}
	return d
}

// RunTimeout returns the wall-clock budget for a run kind.
func (c *Config) RunTimeout(kind string) time.Duration {
	d, _ := parseDuration(c.Runs.Kinds[kind].Timeout)
	if d == 0 {
		return 30 * time.Minute
	}
	return d
}

// Kind returns the run kind config and whether it exists.
func (c *Config) Kind(kind string) (RunKind, bool) {
	rk, ok := c.Runs.Kinds[kind]
	return rk, ok
}

// Steps returns the ordered step ids executed for a run kind.
func (c *Config) Steps(kind string) []string {
	if rk, ok := c.Runs.Kinds[kind]; ok && len(rk.Steps) > 0 {
		return append([]string(nil), rk.Steps...)
	}
	return append([]string(nil), DefaultSteps...)
}

// CompactionEnabled defaults to true.
func (c *Config) CompactionEnabled() bool {
	return c.Compaction.Enabled == nil || *c.Compaction.Enabled
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "runline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, apperr.Wrap(apperr.EnvInvalid, err, "invalid config yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  public_url: http://127.0.0.1:8080

logging:
  level: info
  format: json

queue:
  callback_path: /queue/steps
  index_stream: runline:artifact-index

sandbox:
  workspace_root: /workspace
  dir: sandbox
  command_timeout: 2m
  policies:
    code_mode:
      commands: [ls, cat, head, tail, wc, grep, rg, find, fd, echo, pwd, node, python3, npx, bunx, uvx, npm, pnpm, yarn, bun, git]
      package_runners:
        npx: [tsc, eslint, prettier, vitest]
        bunx: [tsc, eslint, prettier]
        uvx: [ruff, black, pytest]
    implementation_run:
      commands: [ls, cat, head, tail, wc, grep, rg, find, fd, echo, pwd, mkdir, cp, mv, touch, node, python3, go, npx, bunx, npm, pnpm, yarn, bun, git, make]
      package_runners:
        npx: [tsc, eslint, prettier, vitest, jest]
        bunx: [tsc, eslint, prettier]
    research:
      commands: [ls, cat, head, tail, wc, grep, rg, find, echo]

runs:
  reap_schedule: "@every 1m"
  kinds:
    research:
      policy: research
      network: allowlist
      allowed_domains: [api.github.com, registry.npmjs.org, pypi.org]
      timeout: 20m
      max_turns: 24
      artifact_key: research/report
    implementation:
      policy: implementation_run
      network: allowlist
      allowed_domains: [registry.npmjs.org, proxy.golang.org, github.com]
      timeout: 45m
      max_turns: 40
      artifact_key: implementation/summary
    code:
      policy: code_mode
      network: no-access
      timeout: 10m
      max_turns: 12
      artifact_key: code/output

compaction:
  enabled: true
  keep_last_turns: 8
  session_dir: .runline-session

budgets:
  webSearchCalls: 5
  context7Calls: 5
  webExtractCalls: 3

artifacts:
  compress_threshold: 4096
  codec: zstd
`
