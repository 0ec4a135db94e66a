// Package approvals implements the human-gate policy engine (C5): a set
// of matchers that decide whether a tool call must pause for approval,
// and a service that carries a gated call through persist -> subscribe ->
// publish -> wait -> resolve.
package approvals

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/sibylhq/sibyl/pkg/models"
)

// ToolCall is the shape every matcher inspects: a tool invocation about
// to run, before the runner actually executes it.
type ToolCall struct {
	AgentID string
	TaskID  string
	Name    string
	Input   map[string]interface{}
}

// Verdict is what a matcher decides about a tool call.
type Verdict struct {
	Gate      bool
	Type      models.ApprovalType
	Title     string
	Summary   string
	MatchedOn string // pattern or rule that fired, for the approval's metadata
}

// Matcher inspects a tool call and decides whether it must gate.
type Matcher interface {
	// Applies reports whether this matcher handles the given tool name.
	Applies(toolName string) bool
	Evaluate(call ToolCall) Verdict
}

// destructiveBashPatterns identify shell operations that destroy data or
// rewrite history. Case-insensitive; translated from the original
// command-approval policy's fixed regex list.
var destructiveBashPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`),
	regexp.MustCompile(`(?i)\brm\s+-rf?\b`),
	regexp.MustCompile(`(?i)git\s+push\s+.*--force\b`),
	regexp.MustCompile(`(?i)git\s+push\s+.*-f\b`),
	regexp.MustCompile(`(?i)git\s+reset\s+--hard\b`),
	regexp.MustCompile(`(?i)git\s+clean\s+.*-[a-z]*f[a-z]*d\b`),
	regexp.MustCompile(`(?i)\bdrop\s+database\b`),
	regexp.MustCompile(`(?i)\bdrop\s+table\b`),
	regexp.MustCompile(`(?i)\btruncate\s+table\b`),
	regexp.MustCompile(`(?i)kubectl\s+delete\b`),
	regexp.MustCompile(`(?i)docker\s+rm\b`),
	regexp.MustCompile(`(?i)docker\s+system\s+prune\b`),
}

// DestructiveCommandMatcher gates a shell-exec tool call whose command
// string matches any destructive pattern.
type DestructiveCommandMatcher struct {
	BashToolName string
}

func (m *DestructiveCommandMatcher) Applies(toolName string) bool {
	return toolName == m.BashToolName
}

func (m *DestructiveCommandMatcher) Evaluate(call ToolCall) Verdict {
	cmd, _ := call.Input["command"].(string)
	for _, re := range destructiveBashPatterns {
		if re.MatchString(cmd) {
			return Verdict{
				Gate:      true,
				Type:      models.ApprovalDestructiveCommand,
				Title:     fmt.Sprintf("Destructive command: %s", truncate(cmd, 200)),
				Summary:   fmt.Sprintf("Agent wants to run: %s", truncate(cmd, 200)),
				MatchedOn: re.String(),
			}
		}
	}
	return Verdict{}
}

// sensitiveFilePatterns identify paths carrying credentials or key
// material; a matching file-write is still gated like any write, but
// flagged ApprovalSensitiveFile instead of ApprovalFileWrite so the UI
// can call it out.
var sensitiveFilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|/)\.env(\..*)?$`),
	regexp.MustCompile(`(?i)(^|/)secrets?\..*$`),
	regexp.MustCompile(`(?i)(^|/)credentials?\..*$`),
	regexp.MustCompile(`(?i)\.pem$`),
	regexp.MustCompile(`(?i)\.key$`),
	regexp.MustCompile(`(?i)(^|/)id_rsa$`),
	regexp.MustCompile(`(?i)(^|/)id_ed25519$`),
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)token`),
}

// FileWriteMatcher gates every call to a file-write, file-edit, or
// multi-edit tool unconditionally, marking sensitive-path targets.
type FileWriteMatcher struct {
	ToolNames []string // e.g. "Write", "Edit", "MultiEdit"
}

func (m *FileWriteMatcher) Applies(toolName string) bool {
	for _, n := range m.ToolNames {
		if n == toolName {
			return true
		}
	}
	return false
}

func (m *FileWriteMatcher) Evaluate(call ToolCall) Verdict {
	path, _ := call.Input["file_path"].(string)
	approvalType := models.ApprovalFileWrite
	for _, re := range sensitiveFilePatterns {
		if re.MatchString(path) {
			approvalType = models.ApprovalSensitiveFile
			break
		}
	}
	return Verdict{
		Gate:      true,
		Type:      approvalType,
		Title:     "File write",
		Summary:   fmt.Sprintf("Agent wants to write to: %s", path),
		MatchedOn: path,
	}
}

// externalAPIDomainPatterns identify high-risk outbound domains (payment,
// messaging, and generic API/webhook hosts) that require approval before
// a web-fetch tool is allowed to reach them.
var externalAPIDomainPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|\.)api\.`),
	regexp.MustCompile(`(?i)webhook`),
	regexp.MustCompile(`(?i)\.slack\.com$`),
	regexp.MustCompile(`(?i)\.stripe\.com$`),
	regexp.MustCompile(`(?i)\.twilio\.com$`),
	regexp.MustCompile(`(?i)\.sendgrid\.com$`),
}

// ExternalAPIMatcher gates a web-fetch tool call whose URL matches any
// configured high-risk-domain pattern.
type ExternalAPIMatcher struct {
	ToolName string
}

func (m *ExternalAPIMatcher) Applies(toolName string) bool {
	return toolName == m.ToolName
}

func (m *ExternalAPIMatcher) Evaluate(call ToolCall) Verdict {
	rawURL, _ := call.Input["url"].(string)
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	for _, re := range externalAPIDomainPatterns {
		if re.MatchString(host) || re.MatchString(rawURL) {
			return Verdict{
				Gate:      true,
				Type:      models.ApprovalExternalAPI,
				Title:     "External API call",
				Summary:   fmt.Sprintf("Agent wants to call: %s", rawURL),
				MatchedOn: re.String(),
			}
		}
	}
	return Verdict{}
}

// CustomMatcher evaluates a compiled expr-lang program against the tool
// call's name/input; gates when the program returns true. Lets an
// operator add matchers without a code change, generalizing the fixed
// dispatch switch the other matchers use.
type CustomMatcher struct {
	Name     string
	ToolName string
	program  *vm.Program
	title    string
}

// NewCustomMatcher compiles rule (an expr-lang boolean expression over
// `name` and `input`) once at construction; Evaluate only runs it.
func NewCustomMatcher(name, toolName, rule, title string) (*CustomMatcher, error) {
	program, err := expr.Compile(rule, expr.Env(map[string]interface{}{
		"name":  "",
		"input": map[string]interface{}{},
	}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile custom matcher %q: %w", name, err)
	}
	return &CustomMatcher{Name: name, ToolName: toolName, program: program, title: title}, nil
}

func (m *CustomMatcher) Applies(toolName string) bool {
	return m.ToolName == "" || m.ToolName == toolName
}

func (m *CustomMatcher) Evaluate(call ToolCall) Verdict {
	out, err := expr.Run(m.program, map[string]interface{}{"name": call.Name, "input": call.Input})
	if err != nil {
		return Verdict{}
	}
	gate, _ := out.(bool)
	if !gate {
		return Verdict{}
	}
	return Verdict{
		Gate:      true,
		Type:      models.ApprovalCustom,
		Title:     m.title,
		Summary:   fmt.Sprintf("Custom rule %q matched tool %q", m.Name, call.Name),
		MatchedOn: m.Name,
	}
}

// UserQuestionMatcher intercepts a user-question tool call: the tool is
// never actually executed, and the questions are routed to the human via
// the same wait primitive approvals use, under a shorter default timeout.
type UserQuestionMatcher struct {
	ToolName string
}

func (m *UserQuestionMatcher) Applies(toolName string) bool {
	return toolName == m.ToolName
}

func (m *UserQuestionMatcher) Evaluate(call ToolCall) Verdict {
	return Verdict{
		Gate:    true,
		Type:    models.ApprovalUserQuestion,
		Title:   "Question for you",
		Summary: "Agent is asking a clarifying question",
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// strings has no other use in this file; the blank reference keeps the
// import in place.
var _ = strings.TrimSpace
