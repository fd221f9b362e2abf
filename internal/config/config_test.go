package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

func writeFile(t fataler, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	dir := t.TempDir()
	cfg, err := Load(Paths{
		Global:  filepath.Join(dir, "missing.yaml"),
		Project: filepath.Join(dir, "also-missing.yaml"),
	})
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Window.MaxCount)
	assert.Equal(t, 180, cfg.Window.MaxAgeDays)
	assert.Equal(t, 30*time.Second, cfg.Agent.Timeout)
	assert.Equal(t, 5, cfg.Agent.ToolBudget)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "markdown", cfg.Export.Format)
	assert.Equal(t, filepath.Join("/data", "codexd", "codexd.db"), cfg.Storage.Path)
}

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "global.yaml")
	project := filepath.Join(dir, "project.yaml")
	writeFile(t, global, `
agent:
  command: claude-agent
  args: ["--acp"]
  timeout: 10s
analysis:
  line_threshold: 80
log:
  format: json
`)
	writeFile(t, project, `
agent:
  tool_budget: 3
analysis:
  minimizing_terms: [tweak]
`)
	t.Setenv("CODEXD_LOG_LEVEL", "debug")
	t.Setenv("CODEXD_AGENT_TIMEOUT", "45s")

	cfg, err := Load(Paths{Global: global, Project: project})
	require.NoError(t, err)

	assert.Equal(t, "claude-agent", cfg.Agent.Command)
	assert.Equal(t, []string{"--acp"}, cfg.Agent.Args)
	assert.Equal(t, 45*time.Second, cfg.Agent.Timeout)
	assert.Equal(t, 3, cfg.Agent.ToolBudget)
	assert.Equal(t, 80, cfg.Analysis.LineThreshold)
	assert.Equal(t, []string{"tweak"}, cfg.Analysis.MinimizingTerms)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadParseError(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "project.yaml")
	writeFile(t, project, "agent: [unterminated\n")

	_, err := Load(Paths{Project: project})
	require.Error(t, err)
	var pe *ParseError
	require.True(t, errors.As(err, &pe), "expected *ParseError, got %T", err)
	assert.Equal(t, project, pe.Path)
	assert.NotNil(t, errors.Unwrap(pe))
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"budget":  "agent:\n  tool_budget: -1\n",
		"timeout": "agent:\n  timeout: 0s\n",
		"level":   "log:\n  level: loud\n",
		"format":  "export:\n  format: pdf\n",
		"hour":    "analysis:\n  night_start_hour: 24\n",
		"window":  "window:\n  max_count: -5\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			writeFile(t, path, content)
			_, err := Load(Paths{Project: path})
			require.Error(t, err)
			var pe *ParseError
			assert.False(t, errors.As(err, &pe), "validation failure should not be a parse error")
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "agent.command", envKey("CODEXD_AGENT_COMMAND"))
	assert.Equal(t, "agent.tool_budget", envKey("CODEXD_AGENT_TOOL_BUDGET"))
	assert.Equal(t, "analysis.night_start_hour", envKey("CODEXD_ANALYSIS_NIGHT_START_HOUR"))
	assert.Equal(t, "debug", envKey("CODEXD_DEBUG"))
}

// Feature: codexd, Property 10: Config layer precedence
func TestConfigLayerPrecedence(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "global.yaml")
	project := filepath.Join(dir, "project.yaml")
	command := rapid.StringMatching(`[a-z][a-z0-9-]{0,15}`)
	budget := rapid.IntRange(1, 50)

	rapid.Check(t, func(rt *rapid.T) {
		type layer struct {
			command string
			budget  int
		}
		draw := func(name string) layer {
			var l layer
			if rapid.Bool().Draw(rt, name+"HasCommand") {
				l.command = command.Draw(rt, name+"Command")
			}
			if rapid.Bool().Draw(rt, name+"HasBudget") {
				l.budget = budget.Draw(rt, name+"Budget")
			}
			return l
		}
		g, p, e := draw("global"), draw("project"), draw("env")

		for _, f := range []struct {
			path string
			l    layer
		}{{global, g}, {project, p}} {
			content := "agent:\n"
			if f.l.command != "" {
				content += fmt.Sprintf("  command: %q\n", f.l.command)
			}
			if f.l.budget != 0 {
				content += fmt.Sprintf("  tool_budget: %d\n", f.l.budget)
			}
			if f.l.command == "" && f.l.budget == 0 {
				content = "{}\n"
			}
			writeFile(rt, f.path, content)
		}
		os.Unsetenv("CODEXD_AGENT_COMMAND")
		os.Unsetenv("CODEXD_AGENT_TOOL_BUDGET")
		if e.command != "" {
			os.Setenv("CODEXD_AGENT_COMMAND", e.command)
		}
		if e.budget != 0 {
			os.Setenv("CODEXD_AGENT_TOOL_BUDGET", fmt.Sprint(e.budget))
		}
		defer os.Unsetenv("CODEXD_AGENT_COMMAND")
		defer os.Unsetenv("CODEXD_AGENT_TOOL_BUDGET")

		cfg, err := Load(Paths{Global: global, Project: project})
		if err != nil {
			rt.Fatalf("load: %v", err)
		}

		wantCommand := ""
		wantBudget := 5
		for _, l := range []layer{g, p, e} {
			if l.command != "" {
				wantCommand = l.command
			}
			if l.budget != 0 {
				wantBudget = l.budget
			}
		}
		if cfg.Agent.Command != wantCommand {
			rt.Fatalf("command: got %q, want %q (global=%q project=%q env=%q)",
				cfg.Agent.Command, wantCommand, g.command, p.command, e.command)
		}
		if cfg.Agent.ToolBudget != wantBudget {
			rt.Fatalf("tool_budget: got %d, want %d", cfg.Agent.ToolBudget, wantBudget)
		}
	})
}
