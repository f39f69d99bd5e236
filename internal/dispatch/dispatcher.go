package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/clide/internal/agent"
	"github.com/zjrosen/clide/internal/cachemanager"
	"github.com/zjrosen/clide/internal/log"
	"github.com/zjrosen/clide/internal/lsp"
	"github.com/zjrosen/clide/internal/pubsub"
	"github.com/zjrosen/clide/internal/state"
	"github.com/zjrosen/clide/internal/tracing"
)

// ErrInvariantViolation means the state store was found corrupted. This is
// the only error class that halts the loop; everything else is recorded
// and survived.
var ErrInvariantViolation = errors.New("state invariant violation")

// DefaultTickRate drives agent polling and periodic refresh.
const DefaultTickRate = 100 * time.Millisecond

// maxBatch bounds how many events one wakeup may apply before a snapshot
// is published.
const maxBatch = 64

// queryCacheTTL bounds how long a hover/completion result is served from
// cache before the server is asked again.
const queryCacheTTL = 30 * time.Second

// TranscriptWriter persists conversation records. Writes may be buffered;
// Flush is called once during shutdown.
type TranscriptWriter interface {
	Record(ctx context.Context, profileID, requestID, role, content string) error
	Flush(ctx context.Context) error
}

// Config wires the dispatcher's collaborators.
type Config struct {
	// State is the store the dispatcher exclusively owns.
	State *state.State
	// Lsp is the language-server client.
	Lsp *lsp.Client
	// Agents is the agent manager.
	Agents *agent.Manager
	// Transcripts persists conversation records. Optional.
	Transcripts TranscriptWriter
	// Snapshots receives a state snapshot after every applied batch.
	// Optional.
	Snapshots *pubsub.Broker[state.Snapshot]
	// FileChanges delivers debounced workspace change paths. Optional.
	FileChanges <-chan string
	// Tracer creates spans around batches and commands. Optional.
	Tracer trace.Tracer
	// TickRate overrides DefaultTickRate when positive.
	TickRate time.Duration
}

// Validate checks that all required collaborators are provided.
func (c *Config) Validate() error {
	if c.State == nil {
		return fmt.Errorf("state store is required")
	}
	if c.Lsp == nil {
		return fmt.Errorf("language-server client is required")
	}
	if c.Agents == nil {
		return fmt.Errorf("agent manager is required")
	}
	return nil
}

// Dispatcher merges all event sources into one serial stream and applies
// each event to the state through a handler. It is the state's only
// writer.
type Dispatcher struct {
	cfg      Config
	handlers map[string]Handler
	tracer   trace.Tracer

	inputs chan Event
	done   chan struct{}

	// queryCache short-circuits repeated hover/completion queries.
	// queryKeys maps an in-flight lsp correlation id to its cache key.
	queryCache cachemanager.CacheManager[string, json.RawMessage]
	queryKeys  map[int64]string
}

// New creates a dispatcher. Run must be called to start consuming.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}

	return &Dispatcher{
		cfg:      cfg,
		handlers: defaultHandlers(),
		tracer:   tracer,
		inputs:   make(chan Event, 256),
		done:     make(chan struct{}),
		queryCache: cachemanager.NewInMemoryCacheManager[string, json.RawMessage](
			"lsp-query", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval),
		queryKeys: make(map[int64]string),
	}, nil
}

// Post hands an event to the dispatcher from another goroutine (the UI,
// typically). Blocks only if the loop has fallen badly behind.
func (d *Dispatcher) Post(ev Event) {
	select {
	case d.inputs <- ev:
	case <-d.done:
	}
}

// Run consumes events until a Shutdown event, a fatal invariant violation,
// or context cancellation. Teardown closes the language-server session
// first, then the providers, then flushes transcripts.
func (d *Dispatcher) Run(ctx context.Context) error {
	tickRate := d.cfg.TickRate
	if tickRate <= 0 {
		tickRate = DefaultTickRate
	}
	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()
	defer close(d.done)

	log.Info(log.CatDispatch, "dispatcher running", "tickRate", tickRate)

	batch := make([]Event, 0, maxBatch)
	for {
		batch = batch[:0]

		// Wait until at least one source is ready.
		select {
		case <-ctx.Done():
			d.teardown()
			return ctx.Err()
		case ev := <-d.inputs:
			batch = append(batch, ev)
		case lev := <-d.cfg.Lsp.Events():
			batch = append(batch, LspEvent{Event: lev})
		case path, ok := <-d.fileChanges():
			if ok {
				batch = append(batch, FileChangedEvent{Path: path})
			}
		case now := <-ticker.C:
			batch = append(batch, TickEvent{At: now})
		}

		// Drain a fair batch: one event per source per round, so no
		// source can starve another.
		batch = d.drainFair(batch)

		shutdown := false
		for _, ev := range batch {
			shutdown = d.apply(ctx, ev) || shutdown
		}

		if violations := d.cfg.State.CheckInvariants(); len(violations) > 0 {
			d.teardown()
			return fmt.Errorf("%w: %s", ErrInvariantViolation, strings.Join(violations, "; "))
		}

		d.publish()

		if shutdown {
			d.teardown()
			log.Info(log.CatDispatch, "dispatcher stopped")
			return nil
		}
	}
}

// fileChanges returns the watcher channel, or a nil channel (blocks
// forever in select) when no watcher is attached.
func (d *Dispatcher) fileChanges() <-chan string {
	return d.cfg.FileChanges
}

func (d *Dispatcher) drainFair(batch []Event) []Event {
	for len(batch) < maxBatch {
		progress := false

		select {
		case ev := <-d.inputs:
			batch = append(batch, ev)
			progress = true
		default:
		}

		select {
		case lev := <-d.cfg.Lsp.Events():
			batch = append(batch, LspEvent{Event: lev})
			progress = true
		default:
		}

		if aev, ok := d.cfg.Agents.PollEvent(); ok {
			batch = append(batch, AgentEvent{Event: aev})
			progress = true
		}

		if d.cfg.FileChanges != nil {
			select {
			case path, ok := <-d.cfg.FileChanges:
				if ok {
					batch = append(batch, FileChangedEvent{Path: path})
					progress = true
				}
			default:
			}
		}

		if !progress {
			break
		}
	}
	return batch
}

// apply runs one event (and every event its commands give rise to) through
// the handlers. Returns true if a Shutdown event was seen.
func (d *Dispatcher) apply(ctx context.Context, ev Event) bool {
	shutdown := false

	// Command results re-enter as later events, never recursively.
	queue := []Event{ev}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if _, isShutdown := cur.(ShutdownEvent); isShutdown {
			shutdown = true
		}

		ctx, span := d.tracer.Start(ctx, tracing.SpanPrefixDispatch+cur.Kind(),
			trace.WithAttributes(attribute.String(tracing.AttrEventKind, cur.Kind())))

		// Successful query responses feed the cache before the handler
		// consumes them.
		if lev, ok := cur.(LspEvent); ok {
			d.recordQueryResult(ctx, lev.Event)
		}

		handler, ok := d.handlers[cur.Kind()]
		if !ok {
			log.Warn(log.CatDispatch, "no handler for event", "kind", cur.Kind())
			span.End()
			continue
		}

		cmds, err := handler(d.cfg.State, cur)
		if err != nil {
			// Handler failures are recorded, never fatal.
			d.cfg.State.RecordError(fmt.Sprintf("%s: %v", cur.Kind(), err))
			log.ErrorErr(log.CatDispatch, "handler failed", err, "kind", cur.Kind())
			span.SetStatus(codes.Error, err.Error())
			span.End()
			continue
		}

		for _, cmd := range cmds {
			followUps, err := d.execute(ctx, cmd)
			if err != nil {
				d.cfg.State.RecordError(fmt.Sprintf("%s: %v", cmd.Name(), err))
				log.ErrorErr(log.CatDispatch, "command failed", err, "command", cmd.Name())
				continue
			}
			queue = append(queue, followUps...)
		}
		span.End()
	}
	return shutdown
}

// execute performs one command against the outside world. Anything
// asynchronous it starts comes back as an event later; anything
// synchronous it learned is returned as follow-up events.
func (d *Dispatcher) execute(ctx context.Context, cmd Command) ([]Event, error) {
	ctx, span := d.tracer.Start(ctx, tracing.SpanPrefixCommand+cmd.Name(),
		trace.WithAttributes(attribute.String(tracing.AttrCommandName, cmd.Name())))
	defer span.End()

	switch c := cmd.(type) {
	case LspInitialize:
		id, err := d.cfg.Lsp.Initialize()
		if err != nil {
			return nil, err
		}
		return []Event{RequestStartedEvent{ID: lspRequestID(id), ProfileID: "lsp", At: time.Now()}}, nil

	case LspConfirmInitialized:
		d.cfg.Lsp.SetCapabilities(c.Result)
		return nil, d.cfg.Lsp.Initialized()

	case LspOpenDocument:
		return nil, d.cfg.Lsp.DidOpen(c.Path, c.Text)

	case LspChangeDocument:
		// Cached query results are stale the moment the text changes.
		_ = d.queryCache.Flush(ctx)
		return nil, d.cfg.Lsp.DidChange(c.Path, c.Text)

	case LspCloseDocument:
		return nil, d.cfg.Lsp.DidClose(c.Path)

	case LspSyncFile:
		if _, open := d.cfg.Lsp.DocumentVersion(c.Path); !open {
			return nil, nil
		}
		data, err := os.ReadFile(c.Path) // #nosec G304 -- workspace file reported by the watcher
		if err != nil {
			return nil, fmt.Errorf("re-reading %s: %w", c.Path, err)
		}
		_ = d.queryCache.Flush(ctx)
		return nil, d.cfg.Lsp.DidChange(c.Path, string(data))

	case LspQuery:
		return d.executeQuery(ctx, c)

	case LspRestart:
		if err := d.cfg.Lsp.Restart(); err != nil {
			return nil, err
		}
		return []Event{LspStartedEvent{}}, nil

	case AgentSubmit:
		req, err := d.cfg.Agents.Submit(c.Prompt, c.Context)
		if err != nil {
			return nil, err
		}
		span.SetAttributes(
			attribute.String(tracing.AttrRequestID, req.ID),
			attribute.String(tracing.AttrProfileID, req.ProfileID),
		)
		return []Event{PromptSubmittedEvent{Request: req, At: time.Now()}}, nil

	case AgentCancel:
		d.cfg.Agents.Cancel(c.RequestID)
		return nil, nil

	case AgentActivate:
		return nil, d.cfg.Agents.ActivateProfile(c.ProfileID)

	case RecordTranscript:
		if d.cfg.Transcripts == nil {
			return nil, nil
		}
		return nil, d.cfg.Transcripts.Record(ctx, c.ProfileID, c.RequestID, c.Role, c.Content)

	default:
		return nil, fmt.Errorf("unknown command %s", cmd.Name())
	}
}

// executeQuery issues a position query, serving hover and completion from
// the cache when the position was asked before.
func (d *Dispatcher) executeQuery(ctx context.Context, c LspQuery) ([]Event, error) {
	var queryName string
	switch c.Query {
	case QueryHover:
		queryName = "hover"
	case QueryCompletion:
		queryName = "completion"
	case QueryDefinition:
		queryName = "definition"
	default:
		return nil, fmt.Errorf("unknown query kind %d", c.Query)
	}

	key := fmt.Sprintf("%s:%s:%d:%d", queryName, c.Path, c.Line, c.Col)
	if c.Query != QueryDefinition {
		if result, ok := d.queryCache.Get(ctx, key); ok {
			return []Event{CachedResultEvent{Query: queryName, Result: result}}, nil
		}
	}

	var id int64
	var err error
	switch c.Query {
	case QueryHover:
		id, err = d.cfg.Lsp.Hover(c.Path, c.Line, c.Col)
	case QueryCompletion:
		id, err = d.cfg.Lsp.Completion(c.Path, c.Line, c.Col)
	case QueryDefinition:
		id, err = d.cfg.Lsp.Definition(c.Path, c.Line, c.Col)
	}
	if err != nil {
		return nil, err
	}

	if c.Query != QueryDefinition {
		d.queryKeys[id] = key
	}
	return []Event{RequestStartedEvent{ID: lspRequestID(id), ProfileID: "lsp", At: time.Now()}}, nil
}

// recordQueryResult stores a successful hover/completion response under
// the cache key its query registered.
func (d *Dispatcher) recordQueryResult(ctx context.Context, e lsp.Event) {
	if e.Type != lsp.EventResponse {
		return
	}
	key, ok := d.queryKeys[e.ID]
	if !ok {
		return
	}
	delete(d.queryKeys, e.ID)
	if e.IsFailure() || len(e.Result) == 0 {
		return
	}
	d.queryCache.Set(ctx, key, e.Result, queryCacheTTL)
}

// publish hands a fresh snapshot to read-only consumers.
func (d *Dispatcher) publish() {
	if d.cfg.Snapshots == nil {
		return
	}
	d.cfg.Snapshots.Publish(pubsub.UpdatedEvent, d.cfg.State.Snapshot())
}

// teardown shuts external collaborators down in order: the language-server
// session, then the providers, then the transcript flush.
func (d *Dispatcher) teardown() {
	d.cfg.Lsp.Close()
	d.cfg.Agents.Close()
	if d.cfg.Transcripts != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.cfg.Transcripts.Flush(flushCtx); err != nil {
			log.ErrorErr(log.CatDispatch, "flushing transcripts", err)
		}
	}
}
