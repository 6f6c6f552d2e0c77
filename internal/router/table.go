// ABOUTME: Static command-name to worker-service routing table.
// ABOUTME: Exact matches first, keyword fallback second; built once at startup.

package router

import "strings"

// keywordRule maps substrings of a command name to a service. Rules are
// ordered; the first rule with any matching keyword wins.
type keywordRule struct {
	keywords []string
	service  string
}

// Table resolves command names to worker service names. It is built
// once, validated at startup, and read-only afterwards.
type Table struct {
	exact    map[string]string
	fallback []keywordRule
	paths    map[string]string
}

// DefaultTable returns the routing table for the standard worker fleet.
func DefaultTable() *Table {
	return &Table{
		exact: map[string]string{
			"file_system":           "system",
			"process_management":    "system",
			"application_launching": "system",
			"hardware_interaction":  "system",
			"send_whatsapp_message": "communication",
			"send_email":            "communication",
			"make_phone_call":       "communication",
			"handle_message":        "communication",
			"vscode_control":        "ide",
			"git_operation":         "ide",
			"edit_file":             "ide",
			"code_analysis":         "ide",
			"github_workflow":       "github",
			"repository_operation":  "github",
			"ci_cd_control":         "github",
			"issue_management":      "github",
			"speech_recognition":    "voice_ui",
			"voice_command":         "voice_ui",
			"gui_automation":        "voice_ui",
			"screen_control":        "voice_ui",
			"execute_python_code":   "python",
			"web_search":            "browser",
		},
		fallback: []keywordRule{
			{keywords: []string{"file", "directory"}, service: "system"},
			{keywords: []string{"git", "code"}, service: "ide"},
			{keywords: []string{"whatsapp", "email", "message"}, service: "communication"},
			{keywords: []string{"github", "repo"}, service: "github"},
			{keywords: []string{"voice", "speech", "ui"}, service: "voice_ui"},
			{keywords: []string{"python", "script"}, service: "python"},
			{keywords: []string{"search", "browse"}, service: "browser"},
		},
		paths: map[string]string{
			"python":        "/execute",
			"browser":       "/navigate",
			"system":        "/command",
			"communication": "/send",
			"ide":           "/analyze",
			"github":        "/repository/info",
			"voice_ui":      "/voice/command",
		},
	}
}

// Resolve maps a command name to a service. Exact matches win; failing
// that, the ordered keyword rules are consulted against the lowercased
// name.
func (t *Table) Resolve(command string) (string, bool) {
	if svc, ok := t.exact[command]; ok {
		return svc, true
	}

	lower := strings.ToLower(command)
	for _, rule := range t.fallback {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.service, true
			}
		}
	}
	return "", false
}

// CommandPath returns the worker's command endpoint path. Services not
// in the table accept the generic /command path.
func (t *Table) CommandPath(service string) string {
	if p, ok := t.paths[service]; ok {
		return p
	}
	return "/command"
}
