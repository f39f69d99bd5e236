package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/zjrosen/clide/internal/config"
	"github.com/zjrosen/clide/internal/log"
)

func init() {
	Register(config.KindMCP, func(cfg config.ProfileConfig) (Provider, error) {
		return NewMCP(cfg)
	})
}

// mcpRequestBody wraps the prompt in MCP's input envelope, optionally
// naming the tool the endpoint should run.
type mcpRequestBody struct {
	Input mcpInput `json:"input"`
	Tool  string   `json:"tool,omitempty"`
}

type mcpInput struct {
	ID      string `json:"id"`
	Prompt  string `json:"prompt"`
	Context string `json:"context,omitempty"`
}

// mcpMessage is one suggestion within an MCP reply.
type mcpMessage struct {
	Payload  string `json:"payload"`
	Response string `json:"response"`
	Patch    string `json:"patch"`
}

func (m mcpMessage) text() string {
	if m.Payload != "" {
		return m.Payload
	}
	return m.Response
}

// mcpResponseBody is the reply envelope. Endpoints answer with either a
// "responses" array or a single message at the top level.
type mcpResponseBody struct {
	Responses []mcpMessage `json:"responses"`
	Payload   string       `json:"payload"`
	Response  string       `json:"response"`
	Patch     string       `json:"patch"`
	Error     string       `json:"error"`
}

// MCP answers prompts over the Model Communication Protocol: an HTTP
// exchange carrying an input envelope, the profile's extra headers, and an
// optional tool name. Requests run in their own goroutines under the
// profile's deadline, like the plain HTTP provider.
type MCP struct {
	cfg    config.ProfileConfig
	client *http.Client

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
	closed   bool

	events chan Event
}

// NewMCP creates an MCP provider for the profile.
func NewMCP(cfg config.ProfileConfig) (*MCP, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("profile %s: endpoint is required for mcp providers", cfg.ID)
	}
	return &MCP{
		cfg:      cfg,
		client:   &http.Client{},
		inFlight: make(map[string]context.CancelFunc),
		events:   make(chan Event, 100),
	}, nil
}

// Kind implements Provider.
func (p *MCP) Kind() string {
	return config.KindMCP
}

// Submit posts the request in a goroutine and returns immediately.
func (p *MCP) Submit(ctx context.Context, req Request) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("profile %s: provider is closed", p.cfg.ID)
	}
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout())
	p.inFlight[req.ID] = cancel
	p.mu.Unlock()

	p.emit(Event{
		Type: EventResponse, ProfileID: p.cfg.ID, RequestID: req.ID,
		Status: StatusPending,
	})

	go p.dispatch(reqCtx, req)
	return nil
}

// dispatch performs the exchange and emits the terminal events. A reply
// carrying several responses streams all but the last as partials.
func (p *MCP) dispatch(ctx context.Context, req Request) {
	defer p.finish(req.ID)

	body, err := json.Marshal(mcpRequestBody{
		Input: mcpInput{ID: req.ID, Prompt: req.Prompt, Context: req.Context},
		Tool:  p.cfg.Tool,
	})
	if err != nil {
		p.fail(req.ID, &Failure{Kind: FailPayload, Message: fmt.Sprintf("encoding request: %v", err)})
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		p.fail(req.ID, &Failure{Kind: FailTransport, Message: err.Error()})
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token := p.cfg.Credential(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range p.cfg.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			p.fail(req.ID, &Failure{Kind: FailCanceled, Message: "canceled"})
		case errors.Is(err, context.DeadlineExceeded):
			p.fail(req.ID, &Failure{Kind: FailTimeout,
				Message: fmt.Sprintf("no answer within %s", p.cfg.RequestTimeout())})
		default:
			p.fail(req.ID, &Failure{Kind: FailTransport, Message: err.Error()})
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		p.fail(req.ID, &Failure{Kind: FailTransport, Message: fmt.Sprintf("reading reply: %v", err)})
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn(log.CatAgent, "mcp endpoint rejected request",
			"profile", p.cfg.ID, "id", req.ID, "status", resp.StatusCode)
		p.fail(req.ID, &Failure{
			Kind: FailStatus, HTTPStatus: resp.StatusCode,
			Message: fmt.Sprintf("endpoint answered %s", resp.Status),
		})
		return
	}

	var decoded mcpResponseBody
	if err := json.Unmarshal(raw, &decoded); err != nil {
		p.fail(req.ID, &Failure{Kind: FailPayload, Message: fmt.Sprintf("decoding reply: %v", err)})
		return
	}
	if decoded.Error != "" {
		p.fail(req.ID, &Failure{Kind: FailPayload, Message: ansi.Strip(decoded.Error)})
		return
	}

	if len(decoded.Responses) > 0 {
		last := len(decoded.Responses) - 1
		for i, msg := range decoded.Responses {
			status := StatusPartial
			if i == last {
				status = StatusComplete
			}
			p.emit(Event{
				Type: EventResponse, ProfileID: p.cfg.ID, RequestID: req.ID,
				Status:  status,
				Payload: ansi.Strip(msg.text()),
				Patch:   ansi.Strip(msg.Patch),
			})
		}
		return
	}

	payload := mcpMessage{Payload: decoded.Payload, Response: decoded.Response}.text()
	if payload == "" && decoded.Patch == "" {
		// Unrecognized shape: surface the raw reply as plain text.
		payload = string(raw)
	}
	p.emit(Event{
		Type: EventResponse, ProfileID: p.cfg.ID, RequestID: req.ID,
		Status:  StatusComplete,
		Payload: ansi.Strip(payload),
		Patch:   ansi.Strip(decoded.Patch),
	})
}

// Cancel implements Provider. The in-flight exchange is aborted via its
// context; dispatch reports the canceled failure.
func (p *MCP) Cancel(requestID string) {
	p.mu.Lock()
	cancel, ok := p.inFlight[requestID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Poll implements Provider. Non-blocking.
func (p *MCP) Poll() (Event, bool) {
	select {
	case ev := <-p.events:
		return ev, true
	default:
		return Event{}, false
	}
}

// Close aborts all in-flight exchanges.
func (p *MCP) Close() error {
	p.mu.Lock()
	p.closed = true
	cancels := make([]context.CancelFunc, 0, len(p.inFlight))
	for _, cancel := range p.inFlight {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// finish releases the request's cancel slot.
func (p *MCP) finish(requestID string) {
	p.mu.Lock()
	if cancel, ok := p.inFlight[requestID]; ok {
		delete(p.inFlight, requestID)
		defer cancel()
	}
	p.mu.Unlock()
}

func (p *MCP) fail(requestID string, failure *Failure) {
	p.emit(Event{
		Type: EventResponse, ProfileID: p.cfg.ID, RequestID: requestID,
		Status: StatusError, Failure: failure,
	})
}

func (p *MCP) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case p.events <- ev:
	default:
		log.Warn(log.CatAgent, "event buffer full, dropping event",
			"profile", p.cfg.ID, "type", ev.Type)
	}
}
