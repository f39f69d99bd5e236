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
	Register(config.KindRemoteHTTP, func(cfg config.ProfileConfig) (Provider, error) {
		return NewRemoteHTTP(cfg)
	})
}

// maxHTTPResponseBytes bounds a reply body (4MB). A runaway endpoint must
// not balloon memory.
const maxHTTPResponseBytes = 4 * 1024 * 1024

// httpRequestBody is the JSON body posted to the endpoint.
type httpRequestBody struct {
	ID      string `json:"id"`
	Model   string `json:"model,omitempty"`
	Prompt  string `json:"prompt"`
	Context string `json:"context,omitempty"`
	Stream  bool   `json:"stream"`
}

// httpResponseBody is the JSON reply. Endpoints answer with either a
// "payload" or a "response" field.
type httpResponseBody struct {
	Payload  string `json:"payload"`
	Response string `json:"response"`
	Patch    string `json:"patch"`
	Error    string `json:"error"`
}

// RemoteHTTP answers prompts by posting to a configured endpoint. Each
// request runs in its own goroutine under a per-request deadline, so a slow
// endpoint never blocks the caller or other requests.
type RemoteHTTP struct {
	cfg    config.ProfileConfig
	client *http.Client

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
	closed   bool

	events chan Event
}

// NewRemoteHTTP creates an HTTP provider for the profile.
func NewRemoteHTTP(cfg config.ProfileConfig) (*RemoteHTTP, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("profile %s: endpoint is required for remote-http providers", cfg.ID)
	}
	return &RemoteHTTP{
		cfg:      cfg,
		client:   &http.Client{},
		inFlight: make(map[string]context.CancelFunc),
		events:   make(chan Event, 100),
	}, nil
}

// Kind implements Provider.
func (p *RemoteHTTP) Kind() string {
	return config.KindRemoteHTTP
}

// Submit posts the request in a goroutine and returns immediately. A
// pending event is emitted right away; the terminal event follows when the
// endpoint answers or the deadline expires.
func (p *RemoteHTTP) Submit(ctx context.Context, req Request) error {
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

// dispatch performs the HTTP exchange and emits the terminal event.
// Failure kinds are kept distinct: transport errors, rejecting statuses,
// and undecodable payloads each surface differently.
func (p *RemoteHTTP) dispatch(ctx context.Context, req Request) {
	defer p.finish(req.ID)

	body, err := json.Marshal(httpRequestBody{
		ID:      req.ID,
		Model:   p.cfg.Model,
		Prompt:  req.Prompt,
		Context: req.Context,
		Stream:  false,
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
		log.Warn(log.CatAgent, "endpoint rejected request",
			"profile", p.cfg.ID, "id", req.ID, "status", resp.StatusCode)
		p.fail(req.ID, &Failure{
			Kind: FailStatus, HTTPStatus: resp.StatusCode,
			Message: fmt.Sprintf("endpoint answered %s", resp.Status),
		})
		return
	}

	var decoded httpResponseBody
	if err := json.Unmarshal(raw, &decoded); err != nil {
		p.fail(req.ID, &Failure{Kind: FailPayload, Message: fmt.Sprintf("decoding reply: %v", err)})
		return
	}
	if decoded.Error != "" {
		p.fail(req.ID, &Failure{Kind: FailPayload, Message: ansi.Strip(decoded.Error)})
		return
	}

	payload := decoded.Payload
	if payload == "" {
		payload = decoded.Response
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
func (p *RemoteHTTP) Cancel(requestID string) {
	p.mu.Lock()
	cancel, ok := p.inFlight[requestID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Poll implements Provider. Non-blocking.
func (p *RemoteHTTP) Poll() (Event, bool) {
	select {
	case ev := <-p.events:
		return ev, true
	default:
		return Event{}, false
	}
}

// Close aborts all in-flight exchanges.
func (p *RemoteHTTP) Close() error {
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
func (p *RemoteHTTP) finish(requestID string) {
	p.mu.Lock()
	if cancel, ok := p.inFlight[requestID]; ok {
		delete(p.inFlight, requestID)
		defer cancel()
	}
	p.mu.Unlock()
}

func (p *RemoteHTTP) fail(requestID string, failure *Failure) {
	p.emit(Event{
		Type: EventResponse, ProfileID: p.cfg.ID, RequestID: requestID,
		Status: StatusError, Failure: failure,
	})
}

func (p *RemoteHTTP) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case p.events <- ev:
	default:
		log.Warn(log.CatAgent, "event buffer full, dropping event",
			"profile", p.cfg.ID, "type", ev.Type)
	}
}
