// Package mcp hosts external tool servers: subprocess lifecycle,
// JSON-RPC multiplexing over stdio, and the command sandbox.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

const protocolVersion = "2024-11-05"

// Status is the lifecycle state of one tool server.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// Decryptor decrypts env values that carry the ciphertext prefix.
type Decryptor interface {
	DecryptIfNeeded(value string) (string, error)
}

// ToolCallResult is the correlated outcome of one tool invocation.
type ToolCallResult struct {
	ToolName        string `json:"tool_name"`
	ServerID        string `json:"server_id"`
	Success         bool   `json:"success"`
	Result          any    `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// ServerView is the read-only shape reported to the HTTP layer.
type ServerView struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Command string          `json:"command"`
	Args    []string        `json:"args"`
	Enabled bool            `json:"enabled"`
	Status  Status          `json:"status"`
	Tools   []mcptypes.Tool `json:"tools,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// server is the runtime counterpart of a ServerRecord.
type server struct {
	record *ServerRecord

	mu      sync.Mutex
	status  Status
	lastErr string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	rpc     *rpcClient
	exited  chan struct{}
	tools   []mcptypes.Tool
}

// Supervisor owns every configured tool server.
type Supervisor struct {
	store  *ConfigStore
	crypto Decryptor

	mu      sync.RWMutex
	servers map[string]*server
}

func NewSupervisor(store *ConfigStore, crypto Decryptor) *Supervisor {
	return &Supervisor{
		store:   store,
		crypto:  crypto,
		servers: make(map[string]*server),
	}
}

// LoadAndStart registers persisted servers and starts the enabled
// ones. Start failures are recorded on the server, not returned.
func (s *Supervisor) LoadAndStart(ctx context.Context) error {
	records, err := s.store.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, r := range records {
		s.servers[r.ID] = &server{record: r, status: StatusStopped}
	}
	s.mu.Unlock()

	for _, r := range records {
		if !r.Enabled {
			continue
		}
		if err := s.StartServer(ctx, r.ID); err != nil {
			slog.Warn("tool server failed to start", "server", r.Name, "error", err)
		}
	}
	return nil
}

// AddServer validates, persists and registers a new server, starting
// it immediately when enabled.
func (s *Supervisor) AddServer(ctx context.Context, name, command string, args []string, env map[string]string, enabled bool) (*ServerRecord, error) {
	record, err := s.store.Add(name, command, args, env, enabled)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.servers[record.ID] = &server{record: record, status: StatusStopped}
	s.mu.Unlock()

	if enabled {
		if err := s.StartServer(ctx, record.ID); err != nil {
			slog.Warn("tool server failed to start", "server", name, "error", err)
		}
	}
	return record, nil
}

// RemoveServer stops a server if needed and deletes its record.
func (s *Supervisor) RemoveServer(id string) (bool, error) {
	s.StopServer(id)

	s.mu.Lock()
	delete(s.servers, id)
	s.mu.Unlock()

	return s.store.Remove(id)
}

func (s *Supervisor) get(id string) *server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.servers[id]
}

// StartServer spawns the child and runs the initialisation handshake.
func (s *Supervisor) StartServer(ctx context.Context, id string) error {
	srv := s.get(id)
	if srv == nil {
		return fmt.Errorf("serveur inconnu: %s", id)
	}

	srv.mu.Lock()
	if srv.status == StatusRunning || srv.status == StatusStarting {
		srv.mu.Unlock()
		return nil
	}
	srv.status = StatusStarting
	srv.lastErr = ""
	srv.mu.Unlock()

	if err := s.spawn(ctx, srv); err != nil {
		srv.mu.Lock()
		srv.status = StatusError
		srv.lastErr = err.Error()
		srv.mu.Unlock()
		return err
	}
	return nil
}

// validateCommand is swapped out by lifecycle tests that spawn the
// test binary itself.
var validateCommand = ValidateCommand

func (s *Supervisor) spawn(ctx context.Context, srv *server) error {
	r := srv.record
	if err := validateCommand(r.Command, r.Args); err != nil {
		return err
	}

	env, err := s.childEnv(r.Env)
	if err != nil {
		return err
	}

	cmd := exec.Command(r.Command, r.Args...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %s: %w", r.Command, err)
	}

	rpc := newRPCClient(stdin)
	go rpc.readLoop(stdout)
	go drainStderr(r.Name, stderr)

	// Single owner of cmd.Wait; terminate() synchronises on exited.
	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		close(exited)
		srv.mu.Lock()
		if srv.status == StatusRunning {
			srv.status = StatusError
			if err != nil {
				srv.lastErr = err.Error()
			} else {
				srv.lastErr = "le processus s'est arrete de maniere inattendue"
			}
			srv.tools = nil
		}
		srv.mu.Unlock()
		rpc.Close()
	}()

	if err := s.handshake(ctx, srv, rpc); err != nil {
		rpc.Close()
		terminate(cmd, exited)
		return err
	}

	srv.mu.Lock()
	srv.cmd = cmd
	srv.stdin = stdin
	srv.rpc = rpc
	srv.exited = exited
	srv.status = StatusRunning
	toolCount := len(srv.tools)
	srv.mu.Unlock()

	slog.Info("tool server running", "server", r.Name, "tools", toolCount)
	return nil
}

// handshake runs initialize, notifications/initialized, tools/list.
func (s *Supervisor) handshake(ctx context.Context, srv *server, rpc *rpcClient) error {
	initReq := mcptypes.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcptypes.Implementation{Name: "therese", Version: "1.0.0"}

	if _, err := rpc.Call(ctx, "initialize", initReq.Params); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	if err := rpc.Notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification failed: %w", err)
	}

	raw, err := rpc.Call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list failed: %w", err)
	}
	var list mcptypes.ListToolsResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("failed to parse tool list: %w", err)
	}

	srv.mu.Lock()
	srv.tools = list.Tools
	srv.mu.Unlock()
	return nil
}

// childEnv builds the minimal whitelisted environment and merges the
// server's declared variables. The full host environment is never
// inherited: API keys must not leak into untrusted children.
func (s *Supervisor) childEnv(declared map[string]string) ([]string, error) {
	names := []string{"PATH", "HOME", "USER", "LANG", "TERM", "NODE_PATH", "TMPDIR",
		"NVM_DIR", "NVM_BIN", "NPM_CONFIG_PREFIX"}

	var env []string
	for _, name := range names {
		if value := os.Getenv(name); value != "" {
			env = append(env, name+"="+value)
		}
	}

	for key, value := range declared {
		if s.crypto != nil {
			decrypted, err := s.crypto.DecryptIfNeeded(value)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt env value %s: %w", key, err)
			}
			value = decrypted
		}
		env = append(env, key+"="+value)
	}
	return env, nil
}

// StopServer stops a running server gracefully: SIGTERM, wait up to
// five seconds, then SIGKILL. The tool list is cleared.
func (s *Supervisor) StopServer(id string) {
	srv := s.get(id)
	if srv == nil {
		return
	}

	srv.mu.Lock()
	cmd := srv.cmd
	rpc := srv.rpc
	exited := srv.exited
	srv.status = StatusStopped
	srv.lastErr = ""
	srv.tools = nil
	srv.cmd = nil
	srv.rpc = nil
	srv.exited = nil
	srv.mu.Unlock()

	if rpc != nil {
		rpc.Close()
	}
	if cmd != nil {
		terminate(cmd, exited)
	}
}

func terminate(cmd *exec.Cmd, exited <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	if exited == nil {
		return
	}
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-exited
	}
}

// StopAll is called on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.servers))
	for id := range s.servers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.StopServer(id)
	}
}

// ListServers reports every registered server with its runtime state.
func (s *Supervisor) ListServers() []ServerView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]ServerView, 0, len(s.servers))
	for _, srv := range s.servers {
		srv.mu.Lock()
		views = append(views, ServerView{
			ID:      srv.record.ID,
			Name:    srv.record.Name,
			Command: srv.record.Command,
			Args:    srv.record.Args,
			Enabled: srv.record.Enabled,
			Status:  srv.status,
			Tools:   srv.tools,
			Error:   srv.lastErr,
		})
		srv.mu.Unlock()
	}
	return views
}

// NamespacedTools exposes every running server's tools under the
// composite name "<server_id>__<tool_name>".
func (s *Supervisor) NamespacedTools() []mcptypes.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tools []mcptypes.Tool
	for id, srv := range s.servers {
		srv.mu.Lock()
		for _, tool := range srv.tools {
			namespaced := tool
			namespaced.Name = id + "__" + tool.Name
			tools = append(tools, namespaced)
		}
		srv.mu.Unlock()
	}
	return tools
}

// CallTool routes a composite tool name to its server and executes the
// call, timing it.
func (s *Supervisor) CallTool(ctx context.Context, compositeName string, args map[string]any) *ToolCallResult {
	serverID, toolName, ok := strings.Cut(compositeName, "__")
	if !ok {
		return &ToolCallResult{
			ToolName: compositeName,
			Success:  false,
			Error:    fmt.Sprintf("nom d'outil invalide: %s", compositeName),
		}
	}

	result := &ToolCallResult{ToolName: toolName, ServerID: serverID}

	srv := s.get(serverID)
	if srv == nil {
		result.Error = fmt.Sprintf("serveur inconnu: %s", serverID)
		return result
	}

	srv.mu.Lock()
	rpc := srv.rpc
	status := srv.status
	srv.mu.Unlock()
	if status != StatusRunning || rpc == nil {
		result.Error = fmt.Sprintf("le serveur %s n'est pas demarre", srv.record.Name)
		return result
	}

	callReq := mcptypes.CallToolRequest{}
	callReq.Params.Name = toolName
	callReq.Params.Arguments = args

	started := time.Now()
	raw, err := rpc.Call(ctx, "tools/call", callReq.Params)
	result.ExecutionTimeMS = time.Since(started).Milliseconds()

	if err != nil {
		result.Error = err.Error()
		return result
	}

	parsed, err := mcptypes.ParseCallToolResult(&raw)
	if err != nil {
		// Not the standard shape; pass the raw JSON through.
		var generic any
		if jsonErr := json.Unmarshal(raw, &generic); jsonErr == nil {
			result.Success = true
			result.Result = generic
			return result
		}
		result.Error = err.Error()
		return result
	}

	text := collectText(parsed)
	if parsed.IsError {
		result.Error = text
		return result
	}
	result.Success = true
	result.Result = text
	return result
}

func collectText(res *mcptypes.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		if tc, ok := content.(mcptypes.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// drainStderr must always run: an unread stderr pipe deadlocks the
// child. Lines are logged at a level picked by keyword.
func drainStderr(serverName string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "error") || strings.Contains(lower, "fatal"):
			slog.Error("tool server stderr", "server", serverName, "line", line)
		case strings.Contains(lower, "warn"):
			slog.Warn("tool server stderr", "server", serverName, "line", line)
		default:
			slog.Debug("tool server stderr", "server", serverName, "line", line)
		}
	}
}
