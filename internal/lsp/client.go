// Package lsp supervises a single language-server subprocess and speaks the
// JSON-RPC base protocol over its standard streams.
//
// The client never blocks its caller: Send returns a correlation id
// immediately and the resolution arrives later as an Event. Everything the
// subprocess produces - framed responses, notifications, and stderr lines -
// is converted to a typed Event before it leaves this package, so raw
// subprocess output can never reach the rendering surface.
package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/zjrosen/clide/internal/log"
)

// ErrNotRunning is returned by Send and Notify when the session is not in
// a running state. A crashed session stays rejected until Restart.
var ErrNotRunning = errors.New("language server session is not running")

// DefaultRequestTimeout bounds calls when the config gives no timeout.
const DefaultRequestTimeout = 30 * time.Second

// CommandFactoryFunc creates an exec.Cmd for testing purposes.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Config holds the settings for one language server session.
type Config struct {
	// Command is the server executable (e.g. "gopls").
	Command string
	// Args are passed verbatim to the executable.
	Args []string
	// WorkspaceDir is the workspace root, used as the process working
	// directory and as rootUri during initialization.
	WorkspaceDir string
	// LanguageID is sent in didOpen notifications (e.g. "go").
	LanguageID string
	// RequestTimeout bounds each request. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration
	// CommandFactory allows tests to substitute the spawned command.
	CommandFactory CommandFactoryFunc
}

// pendingCall tracks one in-flight request until it resolves.
type pendingCall struct {
	id     int64
	method string
	sentAt time.Time
	timer  *time.Timer
}

// Client supervises the subprocess and owns its three I/O goroutines:
// a frame reader on stdout, a line reader on stderr, and a single
// serialized writer on stdin.
type Client struct {
	cfg Config

	mu           sync.Mutex
	status       SessionStatus
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	pending      map[int64]*pendingCall
	docs         map[string]int // open document uri -> version
	capabilities json.RawMessage

	nextID  atomic.Int64
	events  chan Event
	writeCh chan []byte

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a client in the pending state. Call Start to spawn the server.
func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		status:  StatusPending,
		pending: make(map[int64]*pendingCall),
		docs:    make(map[string]int),
		events:  make(chan Event, 100),
		writeCh: make(chan []byte, 64),
	}
}

// Events returns the channel of typed events. The channel is never closed;
// consumers stop reading after an Exited event or after Close.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Status returns the current session status. Thread-safe.
func (c *Client) Status() SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Capabilities returns the raw initialize result, or nil before the
// initialize response has been recorded.
func (c *Client) Capabilities() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// SetCapabilities records the negotiated capabilities from the initialize
// response. Called by the dispatcher when the response event arrives.
func (c *Client) SetCapabilities(result json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities = result
}

// Start spawns the language server subprocess and begins its I/O loops.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusRunning {
		return fmt.Errorf("language server already running")
	}
	c.parentCtx = ctx
	return c.startLocked()
}

// Restart explicitly respawns a crashed or stopped session.
// Restart is never automatic - a dying server must not trigger a spawn
// storm - so the caller decides when a new process is warranted.
func (c *Client) Restart() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.status.IsTerminal() {
		return fmt.Errorf("restart requires a crashed or stopped session, status is %s", c.status)
	}
	if c.parentCtx == nil {
		return fmt.Errorf("restart before first Start")
	}

	c.pending = make(map[int64]*pendingCall)
	c.docs = make(map[string]int)
	c.capabilities = nil
	c.writeCh = make(chan []byte, 64)
	return c.startLocked()
}

// startLocked spawns the process. Caller holds c.mu.
func (c *Client) startLocked() error {
	if c.cfg.Command == "" {
		return fmt.Errorf("language server command is required")
	}

	ctx, cancel := context.WithCancel(c.parentCtx)

	var cmd *exec.Cmd
	if c.cfg.CommandFactory != nil {
		cmd = c.cfg.CommandFactory(ctx, c.cfg.Command, c.cfg.Args...)
	} else {
		// #nosec G204 -- command comes from the user's own config
		cmd = exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	}
	cmd.Dir = c.cfg.WorkspaceDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		_ = stdin.Close()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		_ = stdin.Close()
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	log.Debug(log.CatLSP, "spawning language server",
		"command", c.cfg.Command, "workDir", c.cfg.WorkspaceDir)

	if err := cmd.Start(); err != nil {
		cancel()
		_ = stdin.Close()
		return fmt.Errorf("starting %s: %w", c.cfg.Command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.ctx = ctx
	c.cancel = cancel
	c.status = StatusRunning

	log.Info(log.CatLSP, "language server started",
		"command", c.cfg.Command, "pid", cmd.Process.Pid)

	c.wg.Add(3)
	go c.readLoop(ctx, stdout)
	go c.stderrLoop(ctx, stderr)
	go c.writeLoop(ctx, stdin, c.writeCh)
	go c.waitForExit(cmd)

	return nil
}

// Send issues a request and returns its correlation id immediately.
// The resolution - result, server error, timeout, or process death -
// arrives later as an EventResponse with the same id.
func (c *Client) Send(method string, params any) (int64, error) {
	c.mu.Lock()
	if c.status != StatusRunning {
		status := c.status
		c.mu.Unlock()
		return 0, fmt.Errorf("%w (status %s)", ErrNotRunning, status)
	}

	id := c.nextID.Add(1)
	payload, err := json.Marshal(requestMessage{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.mu.Unlock()
		return 0, fmt.Errorf("encoding %s request: %w", method, err)
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	pc := &pendingCall{id: id, method: method, sentAt: time.Now()}
	pc.timer = time.AfterFunc(timeout, func() { c.expire(id, timeout) })
	c.pending[id] = pc
	ch := c.writeCh
	ctx := c.ctx
	c.mu.Unlock()

	c.enqueue(ctx, ch, payload)
	log.Debug(log.CatLSP, "request sent", "method", method, "id", id)
	return id, nil
}

// Notify sends a fire-and-forget notification. Write ordering against other
// notifications and requests is preserved by the single writer goroutine.
func (c *Client) Notify(method string, params any) error {
	c.mu.Lock()
	if c.status != StatusRunning {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w (status %s)", ErrNotRunning, status)
	}
	ch := c.writeCh
	ctx := c.ctx
	c.mu.Unlock()

	payload, err := json.Marshal(notificationMessage{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encoding %s notification: %w", method, err)
	}
	c.enqueue(ctx, ch, payload)
	return nil
}

// Close deliberately shuts the session down. In-flight calls are failed
// with FailClosed before the process is terminated.
func (c *Client) Close() {
	c.mu.Lock()
	if c.status.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.status = StatusStopped
	failed := c.takePendingLocked()
	cancel := c.cancel
	c.mu.Unlock()

	for _, pc := range failed {
		c.emit(Event{
			Type: EventResponse, ID: pc.id, Method: pc.method,
			Failure: &CallFailure{Kind: FailClosed, Message: "session closed"},
		})
	}
	if cancel != nil {
		cancel()
	}
	log.Info(log.CatLSP, "language server session closed")
}

// Wait blocks until all I/O goroutines have finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

// enqueue hands a payload to the writer goroutine, dropping it only if the
// session context ends first.
func (c *Client) enqueue(ctx context.Context, ch chan []byte, payload []byte) {
	if ctx == nil {
		return
	}
	select {
	case ch <- payload:
	case <-ctx.Done():
	}
}

// emit delivers an event, dropping it only when the buffer is persistently
// full (a stalled consumer must not wedge the subprocess readers).
func (c *Client) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case c.events <- ev:
	default:
		log.Warn(log.CatLSP, "event buffer full, dropping event", "type", ev.Type)
	}
}

// expire resolves a pending call as timed out and frees its slot.
func (c *Client) expire(id int64, timeout time.Duration) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	c.mu.Unlock()

	log.Warn(log.CatLSP, "request timed out", "method", pc.method, "id", id, "timeout", timeout)
	c.emit(Event{
		Type: EventResponse, ID: id, Method: pc.method,
		Failure: &CallFailure{Kind: FailTimeout, Message: fmt.Sprintf("%s timed out after %s", pc.method, timeout)},
	})
}

// takePendingLocked clears the pending table, stopping timers.
// Caller holds c.mu.
func (c *Client) takePendingLocked() []*pendingCall {
	calls := make([]*pendingCall, 0, len(c.pending))
	for _, pc := range c.pending {
		pc.timer.Stop()
		calls = append(calls, pc)
	}
	c.pending = make(map[int64]*pendingCall)
	return calls
}

// readLoop decodes stdout frames into response and notification events.
func (c *Client) readLoop(ctx context.Context, stdout io.Reader) {
	defer c.wg.Done()

	reader := bufio.NewReader(stdout)
	for {
		payload, err := ReadFrame(reader)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				log.Debug(log.CatLSP, "stdout read ended", "error", err)
			}
			return
		}

		var msg incomingMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Warn(log.CatLSP, "malformed frame discarded", "error", err)
			continue
		}

		switch {
		case msg.ID != nil && msg.Method == "":
			c.resolve(*msg.ID, msg.Result, msg.Error)
		case msg.ID == nil && msg.Method != "":
			c.emit(Event{Type: EventNotification, NotifyMethod: msg.Method, Params: msg.Params})
		case msg.ID != nil && msg.Method != "":
			// Server-to-client request (workspace/configuration etc).
			// Answer with an empty result so the server does not stall.
			c.replyNull(ctx, *msg.ID, msg.Method)
		default:
			log.Warn(log.CatLSP, "frame with neither id nor method discarded")
		}
	}
}

// resolve matches a response to its pending call. Responses bearing an
// unknown id are discarded without touching any other pending entry.
func (c *Client) resolve(id int64, result json.RawMessage, respErr *ResponseError) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		pc.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		log.Debug(log.CatLSP, "stale response discarded", "id", id)
		return
	}

	ev := Event{Type: EventResponse, ID: id, Method: pc.method}
	if respErr != nil {
		ev.Failure = &CallFailure{Kind: FailServer, Code: respErr.Code, Message: respErr.Message}
	} else {
		ev.Result = result
	}
	c.emit(ev)
}

// replyNull answers a server-to-client request with a null result.
func (c *Client) replyNull(ctx context.Context, id int64, method string) {
	log.Debug(log.CatLSP, "answering server request with null", "method", method, "id", id)
	payload, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Result  any    `json:"result"`
	}{JSONRPC: "2.0", ID: id, Result: nil})
	if err != nil {
		return
	}
	c.mu.Lock()
	ch := c.writeCh
	c.mu.Unlock()
	c.enqueue(ctx, ch, payload)
}

// stderrLoop wraps each stderr line into a typed event. Control sequences
// are stripped so injected escape codes can never reach the terminal.
func (c *Client) stderrLoop(ctx context.Context, stderr io.Reader) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := ansi.Strip(scanner.Text())
		log.Debug(log.CatLSP, "STDERR", "line", line)
		c.emit(Event{Type: EventStderr, Line: line})
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Debug(log.CatLSP, "stderr scanner error", "error", err)
	}
}

// writeLoop serializes all outgoing frames onto stdin.
func (c *Client) writeLoop(ctx context.Context, stdin io.WriteCloser, ch chan []byte) {
	defer c.wg.Done()
	defer func() { _ = stdin.Close() }()

	for {
		select {
		case payload := <-ch:
			if err := WriteFrame(stdin, payload); err != nil {
				log.Debug(log.CatLSP, "write failed", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// waitForExit reaps the process. A deliberate Close keeps StatusStopped;
// anything else transitions to StatusCrashed and fails every outstanding
// call with FailProcessExited.
func (c *Client) waitForExit(cmd *exec.Cmd) {
	err := cmd.Wait()

	c.mu.Lock()
	if c.status == StatusStopped {
		c.mu.Unlock()
		log.Debug(log.CatLSP, "language server stopped")
		return
	}
	c.status = StatusCrashed
	failed := c.takePendingLocked()
	cancel := c.cancel
	c.mu.Unlock()

	log.Error(log.CatLSP, "language server crashed", "error", err, "pendingFailed", len(failed))

	// Tear the session context down so the writer goroutine exits too;
	// Restart builds a fresh context and write channel.
	if cancel != nil {
		cancel()
	}

	for _, pc := range failed {
		c.emit(Event{
			Type: EventResponse, ID: pc.id, Method: pc.method,
			Failure: &CallFailure{Kind: FailProcessExited, Message: "language server exited"},
		})
	}
	c.emit(Event{Type: EventExited, ExitErr: err})
}

// FileURI converts a filesystem path to a file:// uri.
func FileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs)
}

// Initialize sends the initialize request for the workspace.
// The dispatcher records the resulting capabilities via SetCapabilities
// and then confirms with Initialized.
func (c *Client) Initialize() (int64, error) {
	params := map[string]any{
		"processId": os.Getpid(),
		"rootUri":   FileURI(c.cfg.WorkspaceDir),
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"publishDiagnostics": map[string]any{},
				"completion":         map[string]any{},
				"hover":              map[string]any{},
				"definition":         map[string]any{},
			},
		},
	}
	return c.Send(MethodInitialize, params)
}

// Initialized confirms the handshake after the initialize response.
func (c *Client) Initialized() error {
	return c.Notify(MethodInitialized, struct{}{})
}

// DidOpen announces a newly opened document and starts its version chain.
func (c *Client) DidOpen(path, text string) error {
	uri := FileURI(path)
	c.mu.Lock()
	c.docs[uri] = 1
	c.mu.Unlock()

	return c.Notify(MethodDidOpen, didOpenParams{
		TextDocument: TextDocumentItem{URI: uri, LanguageID: c.cfg.LanguageID, Version: 1, Text: text},
	})
}

// DidChange sends the document's full new content with the next version.
func (c *Client) DidChange(path, text string) error {
	uri := FileURI(path)
	c.mu.Lock()
	version := c.docs[uri] + 1
	c.docs[uri] = version
	c.mu.Unlock()

	return c.Notify(MethodDidChange, didChangeParams{
		TextDocument:   VersionedTextDocumentIdentifier{URI: uri, Version: version},
		ContentChanges: []contentChange{{Text: text}},
	})
}

// DidClose announces a closed document and drops its version entry.
func (c *Client) DidClose(path string) error {
	uri := FileURI(path)
	c.mu.Lock()
	delete(c.docs, uri)
	c.mu.Unlock()

	return c.Notify(MethodDidClose, didCloseParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// DocumentVersion returns the tracked version of an open document.
func (c *Client) DocumentVersion(path string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.docs[FileURI(path)]
	return v, ok
}

// Completion requests completions at a document position.
func (c *Client) Completion(path string, line, col int) (int64, error) {
	return c.Send(MethodCompletion, TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: FileURI(path)},
		Position:     Position{Line: line, Character: col},
	})
}

// Hover requests hover information at a document position.
func (c *Client) Hover(path string, line, col int) (int64, error) {
	return c.Send(MethodHover, TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: FileURI(path)},
		Position:     Position{Line: line, Character: col},
	})
}

// Definition requests the definition location at a document position.
func (c *Client) Definition(path string, line, col int) (int64, error) {
	return c.Send(MethodDefinition, TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: FileURI(path)},
		Position:     Position{Line: line, Character: col},
	})
}
