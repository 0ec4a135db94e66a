package approvals_test

import (
	"testing"

	"github.com/sibylhq/sibyl/internal/approvals"
	"github.com/sibylhq/sibyl/pkg/models"
)

func TestDestructiveCommandMatcher_GatesRmRf(t *testing.T) {
	m := &approvals.DestructiveCommandMatcher{BashToolName: "Bash"}
	call := approvals.ToolCall{Name: "Bash", Input: map[string]interface{}{"command": "rm -rf /tmp/build"}}

	v := m.Evaluate(call)
	if !v.Gate || v.Type != models.ApprovalDestructiveCommand {
		t.Fatalf("Evaluate() = %+v, want a destructive_command gate", v)
	}
}

func TestDestructiveCommandMatcher_IgnoresSafeCommand(t *testing.T) {
	m := &approvals.DestructiveCommandMatcher{BashToolName: "Bash"}
	call := approvals.ToolCall{Name: "Bash", Input: map[string]interface{}{"command": "ls -la"}}

	if v := m.Evaluate(call); v.Gate {
		t.Fatalf("Evaluate() gated a safe command: %+v", v)
	}
}

func TestFileWriteMatcher_FlagsSensitivePathDistinctly(t *testing.T) {
	m := &approvals.FileWriteMatcher{ToolNames: []string{"Write"}}

	plain := m.Evaluate(approvals.ToolCall{Name: "Write", Input: map[string]interface{}{"file_path": "/repo/README.md"}})
	if plain.Type != models.ApprovalFileWrite {
		t.Errorf("plain file Type = %q, want %q", plain.Type, models.ApprovalFileWrite)
	}

	sensitive := m.Evaluate(approvals.ToolCall{Name: "Write", Input: map[string]interface{}{"file_path": "/repo/.env"}})
	if sensitive.Type != models.ApprovalSensitiveFile {
		t.Errorf("sensitive file Type = %q, want %q", sensitive.Type, models.ApprovalSensitiveFile)
	}
}

func TestExternalAPIMatcher_GatesKnownDomain(t *testing.T) {
	m := &approvals.ExternalAPIMatcher{ToolName: "WebFetch"}
	v := m.Evaluate(approvals.ToolCall{Name: "WebFetch", Input: map[string]interface{}{"url": "https://hooks.slack.com/services/x"}})
	if !v.Gate {
		t.Fatalf("Evaluate() did not gate a slack webhook URL")
	}
}

func TestExternalAPIMatcher_IgnoresUnlistedDomain(t *testing.T) {
	m := &approvals.ExternalAPIMatcher{ToolName: "WebFetch"}
	v := m.Evaluate(approvals.ToolCall{Name: "WebFetch", Input: map[string]interface{}{"url": "https://example.com/docs"}})
	if v.Gate {
		t.Fatalf("Evaluate() gated an unlisted domain: %+v", v)
	}
}

func TestCustomMatcher_CompiledRuleGatesOnInputField(t *testing.T) {
	m, err := approvals.NewCustomMatcher("big-batch", "BatchUpdate", `input.count > 100`, "Large batch update")
	if err != nil {
		t.Fatalf("NewCustomMatcher() error = %v", err)
	}

	v := m.Evaluate(approvals.ToolCall{Name: "BatchUpdate", Input: map[string]interface{}{"count": 500}})
	if !v.Gate || v.Type != models.ApprovalCustom {
		t.Fatalf("Evaluate() = %+v, want a custom gate", v)
	}

	small := m.Evaluate(approvals.ToolCall{Name: "BatchUpdate", Input: map[string]interface{}{"count": 1}})
	if small.Gate {
		t.Fatalf("Evaluate() gated a small batch: %+v", small)
	}
}

func TestCustomMatcher_InvalidRuleFailsToCompile(t *testing.T) {
	if _, err := approvals.NewCustomMatcher("broken", "Tool", `input.(((`, "broken"); err == nil {
		t.Fatal("NewCustomMatcher() error = nil, want a compile error")
	}
}

func TestUserQuestionMatcher_AlwaysGates(t *testing.T) {
	m := &approvals.UserQuestionMatcher{ToolName: "AskUser"}
	v := m.Evaluate(approvals.ToolCall{Name: "AskUser"})
	if !v.Gate || v.Type != models.ApprovalUserQuestion {
		t.Fatalf("Evaluate() = %+v, want a user_question gate", v)
	}
}
