package agentrunner

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/sibylhq/sibyl/pkg/models"
)

const previewLen = 100

// toolIcons maps a tool name to a short icon label; the preview
// text itself is built per-tool below (paths, commands, queries).
var toolIcons = map[string]string{
	"read":      "📖",
	"edit":      "✏️",
	"write":     "📝",
	"bash":      "💻",
	"grep":      "🔍",
	"websearch": "🌐",
	"webfetch":  "🌐",
}

func iconFor(toolName string) string {
	if icon, ok := toolIcons[strings.ToLower(toolName)]; ok {
		return icon
	}
	return "🔧"
}

// toolPreview renders a short human label for a tool call, following the
// per-tool summarization table: read/edit/write show the last two path
// segments, shell shows a truncated command, grep shows pattern+path,
// web-search shows the query, web-fetch shows the domain.
func toolPreview(toolName string, input map[string]interface{}) string {
	switch strings.ToLower(toolName) {
	case "read", "edit", "write":
		path, _ := input["file_path"].(string)
		return lastTwoSegments(path)
	case "bash":
		cmd, _ := input["command"].(string)
		return truncatePreview(cmd, 60)
	case "grep":
		pattern, _ := input["pattern"].(string)
		path, _ := input["path"].(string)
		if path != "" {
			return pattern + " in " + lastTwoSegments(path)
		}
		return pattern
	case "websearch":
		q, _ := input["query"].(string)
		return q
	case "webfetch":
		url, _ := input["url"].(string)
		return domainOf(url)
	default:
		return ""
	}
}

func lastTwoSegments(path string) string {
	if path == "" {
		return ""
	}
	clean := filepath.ToSlash(path)
	parts := strings.Split(strings.Trim(clean, "/"), "/")
	if len(parts) <= 2 {
		return strings.Join(parts, "/")
	}
	return strings.Join(parts[len(parts)-2:], "/")
}

func domainOf(url string) string {
	rest := url
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func truncatePreview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// formatMessage translates one decoded runtime message into the uniform
// models.Message shape the rest of the system understands, per the
// assistant-text / assistant-tool-use / assistant-multi-block /
// user-tool-result / terminal-result cases.
func formatMessage(raw RawMessage, tenant, agentID string) models.Message {
	msg := models.Message{
		AgentID:   agentID,
		Tenant:    tenant,
		CreatedAt: time.Now(),
	}

	if raw.IsResult {
		msg.Role = models.RoleSystem
		msg.Type = models.MsgResult
		msg.Extra = map[string]interface{}{
			"session_id": raw.SessionID,
			"cost_usd":   raw.CostUSD,
		}
		if raw.Usage != nil {
			msg.Extra["usage"] = map[string]interface{}{
				"input_tokens":  raw.Usage.InputTokens,
				"output_tokens": raw.Usage.OutputTokens,
			}
		}
		return msg
	}

	switch raw.Role {
	case "assistant":
		msg.Role = models.RoleAgent
		switch len(raw.Blocks) {
		case 0:
			msg.Type = models.MsgText
		case 1:
			formatSingleAssistantBlock(&msg, raw.Blocks[0])
		default:
			msg.Type = models.MsgMultiBlock
			blocks := make([]map[string]interface{}, 0, len(raw.Blocks))
			var firstPreview string
			for i, b := range raw.Blocks {
				block := assistantBlockToMap(b)
				if i == 0 {
					firstPreview, _ = block["preview"].(string)
				}
				blocks = append(blocks, block)
			}
			msg.Extra = map[string]interface{}{"blocks": blocks, "preview": firstPreview}
		}
	case "user":
		msg.Role = models.RoleSystem
		toolResults := filterBlocks(raw.Blocks, "tool_result")
		switch len(toolResults) {
		case 0:
			msg.Type = models.MsgText
		case 1:
			b := toolResults[0]
			msg.Type = models.MsgToolResult
			msg.Content = b.Text
			msg.ToolUseID = b.ToolID
			msg.IsError = b.IsError
		default:
			msg.Type = models.MsgMultiResult
			results := make([]map[string]interface{}, 0, len(toolResults))
			for _, b := range toolResults {
				results = append(results, map[string]interface{}{
					"tool_id":  b.ToolID,
					"content":  b.Text,
					"is_error": b.IsError,
				})
			}
			msg.Extra = map[string]interface{}{"results": results}
		}
	default:
		msg.Role = models.RoleSystem
		msg.Type = models.MsgText
	}

	return msg
}

func formatSingleAssistantBlock(msg *models.Message, b Block) {
	if b.Type == "tool_use" {
		msg.Type = models.MsgToolCall
		msg.ToolUseID = b.ToolID
		msg.Extra = map[string]interface{}{
			"tool_name": b.ToolName,
			"tool_id":   b.ToolID,
			"input":     b.Input,
			"icon":      iconFor(b.ToolName),
			"preview":   toolPreview(b.ToolName, b.Input),
		}
		return
	}
	msg.Type = models.MsgText
	msg.Content = b.Text
	msg.Extra = map[string]interface{}{"preview": truncatePreview(b.Text, previewLen)}
}

func assistantBlockToMap(b Block) map[string]interface{} {
	if b.Type == "tool_use" {
		return map[string]interface{}{
			"type":      "tool_call",
			"tool_name": b.ToolName,
			"tool_id":   b.ToolID,
			"input":     b.Input,
			"icon":      iconFor(b.ToolName),
			"preview":   toolPreview(b.ToolName, b.Input),
		}
	}
	return map[string]interface{}{
		"type":    "text",
		"content": b.Text,
		"preview": truncatePreview(b.Text, previewLen),
	}
}

func filterBlocks(blocks []Block, kind string) []Block {
	var out []Block
	for _, b := range blocks {
		if b.Type == kind {
			out = append(out, b)
		}
	}
	return out
}
