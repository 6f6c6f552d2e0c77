// ABOUTME: Tests for routing-table resolution: exact matches and keyword fallback
// ABOUTME: Table-driven in the style of the config tests

package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveExactMatches(t *testing.T) {
	table := DefaultTable()

	cases := map[string]string{
		"file_system":           "system",
		"send_email":            "communication",
		"git_operation":         "ide",
		"github_workflow":       "github",
		"speech_recognition":    "voice_ui",
		"execute_python_code":   "python",
		"web_search":            "browser",
		"application_launching": "system",
	}
	for command, want := range cases {
		svc, ok := table.Resolve(command)
		assert.True(t, ok, command)
		assert.Equal(t, want, svc, command)
	}
}

func TestResolveKeywordFallback(t *testing.T) {
	table := DefaultTable()

	cases := map[string]string{
		"delete_file":        "system",
		"list_directory":     "system",
		"forward_email":      "communication",
		"clone_repo":         "github",
		"run_python_script":  "python",
		"BROWSE_To_Page":     "browser",
		"refactor_some_code": "ide",
	}
	for command, want := range cases {
		svc, ok := table.Resolve(command)
		assert.True(t, ok, command)
		assert.Equal(t, want, svc, command)
	}
}

func TestResolveKeywordOrderIsStable(t *testing.T) {
	table := DefaultTable()

	// "git" outranks "repo" because ide rules precede github rules.
	svc, ok := table.Resolve("git_repo_sync")
	assert.True(t, ok)
	assert.Equal(t, "ide", svc)
}

func TestResolveNoRoute(t *testing.T) {
	table := DefaultTable()

	_, ok := table.Resolve("make_coffee")
	assert.False(t, ok)
	_, ok = table.Resolve("")
	assert.False(t, ok)
}

func TestCommandPath(t *testing.T) {
	table := DefaultTable()

	assert.Equal(t, "/navigate", table.CommandPath("browser"))
	assert.Equal(t, "/execute", table.CommandPath("python"))
	assert.Equal(t, "/repository/info", table.CommandPath("github"))
	assert.Equal(t, "/command", table.CommandPath("something-custom"))
}
