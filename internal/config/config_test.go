package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"runline/internal/apperr"
	"runline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "/workspace", cfg.Sandbox.WorkspaceRoot)
	require.Equal(t, 8, cfg.Compaction.KeepLastTurns)
	require.True(t, cfg.CompactionEnabled())
	require.Equal(t, 10*time.Minute, cfg.RunTimeout("code"))
	require.Equal(t, 30*time.Minute, cfg.RunTimeout("unknown"))
	require.Equal(t, 2*time.Minute, cfg.CommandTimeout())

	rk, ok := cfg.Kind("code")
	require.True(t, ok)
	require.Equal(t, "code_mode", rk.Policy)
	require.Equal(t, "no-access", rk.Network)
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"relative workspace": func(c *config.Config) { c.Sandbox.WorkspaceRoot = "workspace" },
		"unknown policy": func(c *config.Config) {
			rk := c.Runs.Kinds["code"]
			rk.Policy = "missing"
			c.Runs.Kinds["code"] = rk
		},
		"allowlist without domains": func(c *config.Config) {
			rk := c.Runs.Kinds["code"]
			rk.Network = "allowlist"
			c.Runs.Kinds["code"] = rk
		},
		"bad regex": func(c *config.Config) {
			c.Redaction.Patterns = append(c.Redaction.Patterns, config.RedactionPattern{Name: "x", Regex: "("})
		},
		"bad timeout": func(c *config.Config) { c.Sandbox.CommandTimeout = "soon" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Equal(t, apperr.EnvInvalid, apperr.CodeOf(err))
		})
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Load(dir)
	require.Equal(t, apperr.EnvInvalid, apperr.CodeOf(err))

	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "runline.yml"), []byte(config.GenerateDefault()), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	require.Contains(t, cfg.Sandbox.Policies, "implementation_run")
}
