// Process spawning for the embedded, single-machine deployment: a
// subprocess executor that starts the external agent runtime and speaks
// newline-delimited JSON over its stdin/stdout. Adapted from the
// subprocess-lifecycle pattern in the teacher's internal/process package
// (env-var construction, stdout ready-signal scanning, context-based
// cancellation, background process.Wait reaping) — narrowed to the one
// executor this deployment actually needs. Clustered Docker/Kubernetes
// executors are deferred; see DESIGN.md for why they were cut rather
// than carried over.
package agentrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RunSpec describes the external agent runtime process Spawn should
// start: the command to run, the environment it needs, and the prompt
// it should begin executing.
type RunSpec struct {
	AgentID   string
	Tenant    string
	Prompt    string
	SessionID string // non-empty on Resume
	Env       map[string]string
}

// ProcessInfo is what an executor reports back once a runtime process is
// up: enough to reach it and to tear it down later.
type ProcessInfo struct {
	Endpoint string
	PID      int
	Started  time.Time
}

// RawMessage is one line of runtime output, already decoded from
// whatever wire shape the runtime speaks (NDJSON over stdout for the
// local executor) into the shared shape format.go renders from.
type RawMessage struct {
	Role      string  `json:"role"`
	Blocks    []Block `json:"blocks"`
	SessionID string  `json:"session_id,omitempty"`
	IsResult  bool    `json:"is_result,omitempty"`
	Usage     *Usage  `json:"usage,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// Block is one content block within a RawMessage.
type Block struct {
	Type     string                 `json:"type"` // text | tool_use | tool_result
	Text     string                 `json:"text,omitempty"`
	ToolName string                 `json:"tool_name,omitempty"`
	ToolID   string                 `json:"tool_id,omitempty"`
	Input    map[string]interface{} `json:"input,omitempty"`
	IsError  bool                   `json:"is_error,omitempty"`
}

// Usage carries token accounting off a terminal result message.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Handle is a live connection to a spawned runtime process: a channel of
// decoded messages and a way to deliver an approval decision back to it
// for a tool call it is blocked on.
type Handle interface {
	Messages() <-chan RawMessage
	// Approve delivers a gate decision for toolID back to the runtime so
	// it can proceed or abort the call. Implementations that don't
	// support mid-stream approval (HTTP-polling runtimes, say) may no-op.
	Approve(ctx context.Context, toolID string, approved bool, reason string) error
	SessionID() string
	Close() error
}

// Executor spawns and attaches to the external agent runtime.
// LocalExecutor is the only implementation in this module; there is no
// Docker or Kubernetes executor.
type Executor interface {
	Start(ctx context.Context, spec RunSpec) (Handle, ProcessInfo, error)
}

// LocalExecutor spawns the runtime as a subprocess that speaks
// newline-delimited JSON RawMessage values on stdout. The command is
// configurable (SIBYL_RUNTIME_CMD) because the actual agent runtime
// binary is outside this module's scope — only the protocol it must
// speak is.
type LocalExecutor struct {
	Command []string // e.g. []string{"sibyl-agent-runtime"}
}

func NewLocalExecutor(command []string) *LocalExecutor {
	if len(command) == 0 {
		command = []string{"sibyl-agent-runtime"}
	}
	return &LocalExecutor{Command: command}
}

type localHandle struct {
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	stdin     *json.Encoder
	mu        sync.Mutex
	messages  chan RawMessage
	sessionID string
	sessionMu sync.RWMutex
}

func (h *localHandle) Messages() <-chan RawMessage { return h.messages }

func (h *localHandle) SessionID() string {
	h.sessionMu.RLock()
	defer h.sessionMu.RUnlock()
	return h.sessionID
}

// Approve writes a control message to the runtime's stdin. The runtime
// protocol is expected to hold the tool call open until it receives this.
func (h *localHandle) Approve(_ context.Context, toolID string, approved bool, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdin == nil {
		return nil
	}
	return h.stdin.Encode(map[string]interface{}{
		"type":     "approval_decision",
		"tool_id":  toolID,
		"approved": approved,
		"reason":   reason,
	})
}

func (h *localHandle) Close() error {
	h.cancel()
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(os.Interrupt)
	}
	return nil
}

// Start launches the configured command with the run spec's environment
// and begins decoding its stdout as a stream of RawMessage lines.
func (e *LocalExecutor) Start(ctx context.Context, spec RunSpec) (Handle, ProcessInfo, error) {
	if _, err := exec.LookPath(e.Command[0]); err != nil {
		return nil, ProcessInfo{}, fmt.Errorf("agent runtime binary %q not found in PATH: %w", e.Command[0], err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, e.Command[0], e.Command[1:]...)

	env := os.Environ()
	env = append(env, fmt.Sprintf("SIBYL_AGENT_ID=%s", spec.AgentID), fmt.Sprintf("SIBYL_TENANT=%s", spec.Tenant))
	if spec.SessionID != "" {
		env = append(env, fmt.Sprintf("SIBYL_SESSION_ID=%s", spec.SessionID))
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, ProcessInfo{}, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, ProcessInfo{}, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, ProcessInfo{}, fmt.Errorf("start agent runtime: %w", err)
	}

	handle := &localHandle{
		cmd:       cmd,
		cancel:    cancel,
		stdin:     json.NewEncoder(stdin),
		messages:  make(chan RawMessage, 64),
		sessionID: spec.SessionID,
	}

	go func() {
		defer close(handle.messages)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			var msg RawMessage
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				log.Warn().Err(err).Str("agent_id", spec.AgentID).Msg("agentrunner: malformed runtime message, dropping")
				continue
			}
			if msg.SessionID != "" {
				handle.sessionMu.Lock()
				handle.sessionID = msg.SessionID
				handle.sessionMu.Unlock()
			}
			select {
			case handle.messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = cmd.Wait()
		log.Info().Str("agent_id", spec.AgentID).Msg("agentrunner: runtime process exited")
	}()

	info := ProcessInfo{PID: cmd.Process.Pid, Started: time.Now()}
	return handle, info, nil
}
