package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/zjrosen/clide/internal/config"
	"github.com/zjrosen/clide/internal/log"
)

// session pairs a profile's provider with its bounded queue. At most one
// request per profile is in flight; the rest wait in the queue.
type session struct {
	cfg      config.ProfileConfig
	provider Provider
	queue    *requestQueue
	inFlight string
}

// Manager multiplexes prompt submissions and events across all configured
// profiles. Polling is round-robin over the profiles in config order, so a
// chatty provider cannot starve the others.
type Manager struct {
	ctx context.Context

	mu       sync.Mutex
	sessions map[string]*session
	order    []string
	rrNext   int
	active   string
	capacity int
	backlog  []Event
}

// NewManager builds a provider for every configured profile. The context
// bounds the lifetime of every provider subprocess and HTTP exchange.
func NewManager(ctx context.Context, cfg config.AgentConfig) (*Manager, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one agent profile is required")
	}

	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	m := &Manager{
		ctx:      ctx,
		sessions: make(map[string]*session, len(cfg.Profiles)),
		order:    make([]string, 0, len(cfg.Profiles)),
		capacity: capacity,
	}
	for _, pc := range cfg.Profiles {
		provider, err := NewProvider(pc)
		if err != nil {
			m.closeAll()
			return nil, fmt.Errorf("profile %s: %w", pc.ID, err)
		}
		m.sessions[pc.ID] = &session{
			cfg:      pc,
			provider: provider,
			queue:    newRequestQueue(capacity),
		}
		m.order = append(m.order, pc.ID)
	}

	m.active = cfg.DefaultProfile
	if m.active == "" {
		m.active = m.order[0]
	}
	if _, ok := m.sessions[m.active]; !ok {
		m.closeAll()
		return nil, fmt.Errorf("default profile %q is not configured", m.active)
	}

	log.Info(log.CatAgent, "agent manager ready",
		"profiles", len(m.order), "active", m.active)
	return m, nil
}

// ActiveProfile returns the currently selected profile id.
func (m *Manager) ActiveProfile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ActivateProfile switches which profile receives Submit calls. Requests
// already queued or in flight on other profiles are unaffected.
func (m *Manager) ActivateProfile(profileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[profileID]; !ok {
		return fmt.Errorf("unknown profile %q", profileID)
	}
	m.active = profileID
	log.Info(log.CatAgent, "profile activated", "profile", profileID)
	return nil
}

// Profiles returns the configured profiles in config order.
func (m *Manager) Profiles() []config.ProfileConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]config.ProfileConfig, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id].cfg)
	}
	return out
}

// Submit sends a prompt to the active profile and returns the request.
// If the profile is already working, the request queues. Capacity counts
// the in-flight request along with the queue: once a profile holds that
// many unresolved requests, further submissions reject with ErrBusy.
func (m *Manager) Submit(prompt, contextText string) (Request, error) {
	return m.SubmitTo(m.ActiveProfile(), prompt, contextText)
}

// SubmitTo sends a prompt to a specific profile.
func (m *Manager) SubmitTo(profileID, prompt, contextText string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[profileID]
	if !ok {
		return Request{}, fmt.Errorf("unknown profile %q", profileID)
	}

	outstanding := s.queue.Len()
	if s.inFlight != "" {
		outstanding++
	}
	if outstanding >= m.capacity {
		log.Warn(log.CatAgent, "submission rejected",
			"profile", profileID, "outstanding", outstanding)
		return Request{}, ErrBusy
	}

	req := Request{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Prompt:    prompt,
		Context:   contextText,
	}

	if s.inFlight != "" {
		if err := s.queue.Enqueue(req); err != nil {
			return Request{}, err
		}
		log.Debug(log.CatAgent, "request queued",
			"profile", profileID, "id", req.ID, "position", s.queue.Len())
		return req, nil
	}

	if err := s.provider.Submit(m.ctx, req); err != nil {
		return Request{}, err
	}
	s.inFlight = req.ID
	return req, nil
}

// Cancel abandons a request wherever it sits. A queued request is removed
// and resolved with a synthetic canceled event; an in-flight one is
// canceled at the provider, which emits the failure itself. Either way the
// id reaches a terminal event.
func (m *Manager) Cancel(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		s := m.sessions[id]
		if s.queue.Remove(requestID) {
			log.Debug(log.CatAgent, "queued request removed", "id", requestID)
			m.backlog = append(m.backlog, Event{
				Type: EventResponse, ProfileID: s.cfg.ID, RequestID: requestID,
				Status:  StatusError,
				Failure: &Failure{Kind: FailCanceled, Message: "canceled"},
			})
			return
		}
		if s.inFlight == requestID {
			s.provider.Cancel(requestID)
			return
		}
	}
}

// PollEvent returns the next event from any profile, or false when all are
// quiet. Profiles are visited round-robin; after a hit the scan resumes at
// the following profile, so every session eventually drains.
func (m *Manager) PollEvent() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.backlog) > 0 {
		ev := m.backlog[0]
		m.backlog = m.backlog[1:]
		return ev, true
	}

	for i := 0; i < len(m.order); i++ {
		idx := (m.rrNext + i) % len(m.order)
		s := m.sessions[m.order[idx]]

		ev, ok := s.provider.Poll()
		if !ok {
			continue
		}
		m.rrNext = (idx + 1) % len(m.order)

		if ev.Type == EventResponse && ev.RequestID == s.inFlight && ev.Status.IsTerminal() {
			s.inFlight = ""
			m.promoteLocked(s)
		}
		return ev, true
	}
	return Event{}, false
}

// promoteLocked moves the next queued request into flight. A submit failure
// becomes a synthetic error event so the request still terminates.
// Caller holds m.mu.
func (m *Manager) promoteLocked(s *session) {
	for {
		next, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		if err := s.provider.Submit(m.ctx, next); err != nil {
			log.Error(log.CatAgent, "promoting queued request failed",
				"profile", s.cfg.ID, "id", next.ID, "error", err)
			m.backlog = append(m.backlog, Event{
				Type: EventResponse, ProfileID: s.cfg.ID, RequestID: next.ID,
				Status:  StatusError,
				Failure: &Failure{Kind: FailTransport, Message: err.Error()},
			})
			continue
		}
		s.inFlight = next.ID
		return
	}
}

// QueueLen returns how many requests wait behind the profile's in-flight
// one.
func (m *Manager) QueueLen(profileID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[profileID]
	if !ok {
		return 0
	}
	return s.queue.Len()
}

// InFlight returns the id of the profile's current request, or "".
func (m *Manager) InFlight(profileID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[profileID]
	if !ok {
		return ""
	}
	return s.inFlight
}

// Close shuts every provider down. Queued requests are dropped.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeAll()
}

func (m *Manager) closeAll() {
	for id, s := range m.sessions {
		if s == nil || s.provider == nil {
			continue
		}
		dropped := s.queue.Clear()
		if len(dropped) > 0 {
			log.Debug(log.CatAgent, "dropping queued requests on close",
				"profile", id, "count", len(dropped))
		}
		if err := s.provider.Close(); err != nil {
			log.ErrorErr(log.CatAgent, "closing provider", err)
		}
	}
}
