package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/zjrosen/clide/internal/config"
	"github.com/zjrosen/clide/internal/log"
)

func init() {
	Register(config.KindLocalProcess, func(cfg config.ProfileConfig) (Provider, error) {
		return NewLocalProcess(cfg)
	})
}

// wireRequest is one request line on the subprocess's stdin.
type wireRequest struct {
	ID      string `json:"id"`
	Profile string `json:"profile"`
	Prompt  string `json:"prompt"`
	Context string `json:"context,omitempty"`
}

// wireResponse is one response line on the subprocess's stdout.
type wireResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Payload string `json:"payload,omitempty"`
	Patch   string `json:"patch,omitempty"`
	Message string `json:"message,omitempty"`
}

// LocalProcess runs an assistant as a subprocess speaking newline-delimited
// JSON over stdio. The process is spawned lazily on the first Submit; if it
// dies, in-flight requests fail immediately and the next Submit respawns it.
type LocalProcess struct {
	cfg config.ProfileConfig

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	running   bool
	closed    bool
	inFlight  map[string]bool
	abandoned map[string]bool
	timers    map[string]*time.Timer
	cancel    context.CancelFunc

	events chan Event
	wg     sync.WaitGroup
}

// NewLocalProcess creates a local provider for the profile. The subprocess
// is not spawned until the first Submit.
func NewLocalProcess(cfg config.ProfileConfig) (*LocalProcess, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("profile %s: command is required for local-process providers", cfg.ID)
	}
	return &LocalProcess{
		cfg:       cfg,
		inFlight:  make(map[string]bool),
		abandoned: make(map[string]bool),
		timers:    make(map[string]*time.Timer),
		events:    make(chan Event, 100),
	}, nil
}

// Kind implements Provider.
func (p *LocalProcess) Kind() string {
	return config.KindLocalProcess
}

// Submit writes the request as one JSON line to the subprocess, spawning
// (or respawning after a crash) first when needed. The profile's timeout
// starts counting from submission; a request with no terminal line by then
// fails with a timeout cause.
func (p *LocalProcess) Submit(ctx context.Context, req Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("profile %s: provider is closed", p.cfg.ID)
	}
	if !p.running {
		if err := p.spawnLocked(ctx); err != nil {
			return err
		}
	}

	line, err := json.Marshal(wireRequest{
		ID:      req.ID,
		Profile: req.ProfileID,
		Prompt:  req.Prompt,
		Context: req.Context,
	})
	if err != nil {
		return fmt.Errorf("encoding request %s: %w", req.ID, err)
	}
	line = append(line, '\n')

	if _, err := p.stdin.Write(line); err != nil {
		// The exit watcher will fail in-flight requests; reject this one
		// directly since it never reached the process.
		return fmt.Errorf("writing to %s: %w", p.cfg.Command, err)
	}

	p.inFlight[req.ID] = true
	delete(p.abandoned, req.ID)
	id := req.ID
	p.timers[id] = time.AfterFunc(p.cfg.RequestTimeout(), func() { p.expire(id) })
	log.Debug(log.CatAgent, "request submitted", "profile", p.cfg.ID, "id", req.ID)
	return nil
}

// expire fires when a request outlives the profile's timeout. The id is
// freed and any late output for it is discarded; the subprocess itself
// keeps running.
func (p *LocalProcess) expire(requestID string) {
	p.mu.Lock()
	if !p.inFlight[requestID] {
		p.mu.Unlock()
		return
	}
	delete(p.inFlight, requestID)
	delete(p.timers, requestID)
	p.abandoned[requestID] = true
	p.mu.Unlock()

	log.Warn(log.CatAgent, "request timed out",
		"profile", p.cfg.ID, "id", requestID, "timeout", p.cfg.RequestTimeout())
	p.emit(Event{
		Type: EventResponse, ProfileID: p.cfg.ID, RequestID: requestID,
		Status: StatusError,
		Failure: &Failure{Kind: FailTimeout,
			Message: fmt.Sprintf("no answer within %s", p.cfg.RequestTimeout())},
	})
}

// stopTimerLocked disarms a request's timeout. Caller holds p.mu.
func (p *LocalProcess) stopTimerLocked(requestID string) {
	if t, ok := p.timers[requestID]; ok {
		t.Stop()
		delete(p.timers, requestID)
	}
}

// spawnLocked starts the subprocess and its reader goroutines.
// Caller holds p.mu.
func (p *LocalProcess) spawnLocked(ctx context.Context) error {
	procCtx, cancel := context.WithCancel(ctx)

	// #nosec G204 -- command comes from the user's own profile config
	cmd := exec.CommandContext(procCtx, p.cfg.Command, p.cfg.Args...)

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

	if err := cmd.Start(); err != nil {
		cancel()
		_ = stdin.Close()
		return fmt.Errorf("starting %s: %w", p.cfg.Command, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.cancel = cancel
	p.running = true

	log.Info(log.CatAgent, "local provider started",
		"profile", p.cfg.ID, "command", p.cfg.Command, "pid", cmd.Process.Pid)

	p.wg.Add(2)
	go p.parseOutput(stdout)
	go p.parseStderr(stderr)
	go p.waitForExit(cmd)

	return nil
}

// Cancel abandons a request. One canceled failure event is emitted and any
// later output lines bearing the id are discarded.
func (p *LocalProcess) Cancel(requestID string) {
	p.mu.Lock()
	if !p.inFlight[requestID] {
		p.mu.Unlock()
		return
	}
	delete(p.inFlight, requestID)
	p.stopTimerLocked(requestID)
	p.abandoned[requestID] = true
	p.mu.Unlock()

	log.Debug(log.CatAgent, "request canceled", "profile", p.cfg.ID, "id", requestID)
	p.emit(Event{
		Type: EventResponse, ProfileID: p.cfg.ID, RequestID: requestID,
		Status:  StatusError,
		Failure: &Failure{Kind: FailCanceled, Message: "canceled"},
	})
}

// Poll implements Provider. Non-blocking.
func (p *LocalProcess) Poll() (Event, bool) {
	select {
	case ev := <-p.events:
		return ev, true
	default:
		return Event{}, false
	}
}

// Close terminates the subprocess. No further events are emitted.
func (p *LocalProcess) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.running = false
	p.inFlight = make(map[string]bool)
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = make(map[string]*time.Timer)
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	log.Info(log.CatAgent, "local provider closed", "profile", p.cfg.ID)
	return nil
}

// InFlight returns the number of requests awaiting a terminal event.
func (p *LocalProcess) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

func (p *LocalProcess) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case p.events <- ev:
	default:
		log.Warn(log.CatAgent, "event buffer full, dropping event",
			"profile", p.cfg.ID, "type", ev.Type)
	}
}

// parseOutput decodes stdout lines into response events. A malformed line
// is logged and skipped rather than treated as fatal.
func (p *LocalProcess) parseOutput(stdout io.Reader) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp wireResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Warn(log.CatAgent, "malformed output line skipped",
				"profile", p.cfg.ID, "error", err)
			continue
		}

		status := Status(resp.Status)
		switch status {
		case StatusPending, StatusPartial, StatusComplete, StatusError:
		default:
			log.Warn(log.CatAgent, "unknown status skipped",
				"profile", p.cfg.ID, "status", resp.Status)
			continue
		}

		p.mu.Lock()
		if p.abandoned[resp.ID] {
			if status.IsTerminal() {
				delete(p.abandoned, resp.ID)
			}
			p.mu.Unlock()
			continue
		}
		if !p.inFlight[resp.ID] {
			p.mu.Unlock()
			log.Debug(log.CatAgent, "output for unknown request skipped",
				"profile", p.cfg.ID, "id", resp.ID)
			continue
		}
		if status.IsTerminal() {
			delete(p.inFlight, resp.ID)
			p.stopTimerLocked(resp.ID)
		}
		p.mu.Unlock()

		ev := Event{
			Type: EventResponse, ProfileID: p.cfg.ID, RequestID: resp.ID,
			Status:  status,
			Payload: ansi.Strip(resp.Payload),
			Patch:   ansi.Strip(resp.Patch),
		}
		if status == StatusError {
			msg := resp.Message
			if msg == "" {
				msg = "provider reported an error"
			}
			ev.Failure = &Failure{Kind: FailPayload, Message: ansi.Strip(msg)}
		}
		p.emit(ev)
	}
}

// parseStderr wraps each stderr line into a typed event with control
// sequences stripped.
func (p *LocalProcess) parseStderr(stderr io.Reader) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := ansi.Strip(scanner.Text())
		log.Debug(log.CatAgent, "STDERR", "profile", p.cfg.ID, "line", line)
		p.emit(Event{Type: EventStderr, ProfileID: p.cfg.ID, Line: line})
	}
}

// waitForExit reaps the subprocess and fails whatever was in flight.
// The provider stays usable: the next Submit respawns.
func (p *LocalProcess) waitForExit(cmd *exec.Cmd) {
	err := cmd.Wait()

	p.mu.Lock()
	if p.closed || p.cmd != cmd {
		p.mu.Unlock()
		return
	}
	p.running = false
	failed := make([]string, 0, len(p.inFlight))
	for id := range p.inFlight {
		failed = append(failed, id)
	}
	p.inFlight = make(map[string]bool)
	p.abandoned = make(map[string]bool)
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = make(map[string]*time.Timer)
	p.mu.Unlock()

	log.Error(log.CatAgent, "local provider exited",
		"profile", p.cfg.ID, "error", err, "inFlightFailed", len(failed))

	for _, id := range failed {
		p.emit(Event{
			Type: EventResponse, ProfileID: p.cfg.ID, RequestID: id,
			Status:  StatusError,
			Failure: &Failure{Kind: FailProcess, Message: "provider process exited"},
		})
	}
	p.emit(Event{Type: EventExited, ProfileID: p.cfg.ID, ExitErr: err})
}
