package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/clide/internal/config"
)

// mockProvider is a scripted provider for manager tests. Tests push the
// events it should report and inspect what was submitted.
type mockProvider struct {
	mu        sync.Mutex
	profileID string
	submitted []Request
	pending   []Event
	submitErr error
	closed    bool
}

var (
	mockMu        sync.Mutex
	mockInstances = map[string]*mockProvider{}
)

func init() {
	Register("mock", func(cfg config.ProfileConfig) (Provider, error) {
		m := &mockProvider{profileID: cfg.ID}
		mockMu.Lock()
		mockInstances[cfg.ID] = m
		mockMu.Unlock()
		return m, nil
	})
}

func (m *mockProvider) Kind() string { return "mock" }

func (m *mockProvider) Submit(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	m.submitted = append(m.submitted, req)
	return nil
}

func (m *mockProvider) Cancel(requestID string) {
	m.push(Event{
		Type: EventResponse, ProfileID: m.profileID, RequestID: requestID,
		Status:  StatusError,
		Failure: &Failure{Kind: FailCanceled, Message: "canceled"},
	})
}

func (m *mockProvider) Poll() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return Event{}, false
	}
	ev := m.pending[0]
	m.pending = m.pending[1:]
	return ev, true
}

func (m *mockProvider) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockProvider) push(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, ev)
}

func (m *mockProvider) complete(requestID string) {
	m.push(Event{
		Type: EventResponse, ProfileID: m.profileID, RequestID: requestID,
		Status: StatusComplete, Payload: "done",
	})
}

func (m *mockProvider) lastSubmitted(t *testing.T) Request {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.submitted)
	return m.submitted[len(m.submitted)-1]
}

// newMockManager builds a manager whose profiles are all mock providers.
func newMockManager(t *testing.T, queueCap int, profileIDs ...string) (*Manager, map[string]*mockProvider) {
	t.Helper()

	profiles := make([]config.ProfileConfig, 0, len(profileIDs))
	for _, id := range profileIDs {
		profiles = append(profiles, config.ProfileConfig{ID: id, Kind: "mock"})
	}
	mgr, err := NewManager(context.Background(), config.AgentConfig{
		DefaultProfile: profileIDs[0],
		QueueCapacity:  queueCap,
		Profiles:       profiles,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	mocks := make(map[string]*mockProvider, len(profileIDs))
	mockMu.Lock()
	for _, id := range profileIDs {
		mocks[id] = mockInstances[id]
	}
	mockMu.Unlock()
	return mgr, mocks
}

func TestManagerRequiresProfiles(t *testing.T) {
	_, err := NewManager(context.Background(), config.AgentConfig{})
	require.Error(t, err)
}

func TestManagerUnknownDefaultProfile(t *testing.T) {
	_, err := NewManager(context.Background(), config.AgentConfig{
		DefaultProfile: "missing",
		Profiles:       []config.ProfileConfig{{ID: "a", Kind: "mock"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default profile")
}

func TestManagerActivateProfile(t *testing.T) {
	mgr, _ := newMockManager(t, 0, "alpha", "beta")

	assert.Equal(t, "alpha", mgr.ActiveProfile())

	require.NoError(t, mgr.ActivateProfile("beta"))
	assert.Equal(t, "beta", mgr.ActiveProfile())

	err := mgr.ActivateProfile("missing")
	require.Error(t, err)
	assert.Equal(t, "beta", mgr.ActiveProfile())
}

func TestManagerSubmitGoesToActiveProfile(t *testing.T) {
	mgr, mocks := newMockManager(t, 0, "alpha", "beta")
	require.NoError(t, mgr.ActivateProfile("beta"))

	req, err := mgr.Submit("fix the bug", "some context")
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "beta", req.ProfileID)

	got := mocks["beta"].lastSubmitted(t)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, "fix the bug", got.Prompt)
	assert.Equal(t, req.ID, mgr.InFlight("beta"))
	assert.Empty(t, mgr.InFlight("alpha"))
}

func TestManagerQueuesBehindInFlight(t *testing.T) {
	mgr, mocks := newMockManager(t, 2, "alpha")

	first, err := mgr.Submit("one", "")
	require.NoError(t, err)
	second, err := mgr.Submit("two", "")
	require.NoError(t, err)
	assert.Equal(t, 1, mgr.QueueLen("alpha"))

	// One in flight plus one queued exhausts a capacity of two.
	_, err = mgr.Submit("three", "")
	require.ErrorIs(t, err, ErrBusy)

	// Finishing the first request promotes the queued one.
	mocks["alpha"].complete(first.ID)
	ev, ok := mgr.PollEvent()
	require.True(t, ok)
	assert.Equal(t, first.ID, ev.RequestID)

	assert.Equal(t, second.ID, mgr.InFlight("alpha"))
	assert.Equal(t, 0, mgr.QueueLen("alpha"))
	assert.Equal(t, second.ID, mocks["alpha"].lastSubmitted(t).ID)
}

func TestManagerPartialKeepsRequestInFlight(t *testing.T) {
	mgr, mocks := newMockManager(t, 0, "alpha")

	req, err := mgr.Submit("stream it", "")
	require.NoError(t, err)

	mocks["alpha"].push(Event{
		Type: EventResponse, ProfileID: "alpha", RequestID: req.ID,
		Status: StatusPartial, Payload: "chunk",
	})
	ev, ok := mgr.PollEvent()
	require.True(t, ok)
	assert.Equal(t, StatusPartial, ev.Status)
	assert.Equal(t, req.ID, mgr.InFlight("alpha"))
}

func TestManagerRoundRobinAcrossProfiles(t *testing.T) {
	mgr, mocks := newMockManager(t, 0, "alpha", "beta")

	for i := 0; i < 3; i++ {
		mocks["alpha"].push(Event{Type: EventStderr, ProfileID: "alpha", Line: fmt.Sprintf("a%d", i)})
		mocks["beta"].push(Event{Type: EventStderr, ProfileID: "beta", Line: fmt.Sprintf("b%d", i)})
	}

	// The scan resumes after the last profile that produced an event, so
	// neither side can monopolize the poll.
	var order []string
	for i := 0; i < 6; i++ {
		ev, ok := mgr.PollEvent()
		require.True(t, ok)
		order = append(order, ev.ProfileID)
	}
	assert.Equal(t, []string{"alpha", "beta", "alpha", "beta", "alpha", "beta"}, order)

	_, ok := mgr.PollEvent()
	assert.False(t, ok)
}

func TestManagerCapacityCountsInFlight(t *testing.T) {
	mgr, mocks := newMockManager(t, 1, "alpha")

	// Capacity one means the in-flight request alone fills the profile.
	first, err := mgr.Submit("one", "")
	require.NoError(t, err)
	_, err = mgr.Submit("two", "")
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 0, mgr.QueueLen("alpha"))

	// Resolving the in-flight request frees the slot again.
	mocks["alpha"].complete(first.ID)
	_, ok := mgr.PollEvent()
	require.True(t, ok)
	_, err = mgr.Submit("three", "")
	require.NoError(t, err)
}

func TestManagerCancelQueuedRequest(t *testing.T) {
	mgr, _ := newMockManager(t, 2, "alpha")

	_, err := mgr.Submit("one", "")
	require.NoError(t, err)
	queued, err := mgr.Submit("two", "")
	require.NoError(t, err)
	require.Equal(t, 1, mgr.QueueLen("alpha"))

	// Removal from the queue still resolves the id with a terminal event.
	mgr.Cancel(queued.ID)
	assert.Equal(t, 0, mgr.QueueLen("alpha"))

	ev, ok := mgr.PollEvent()
	require.True(t, ok)
	require.True(t, ev.IsFailure())
	assert.Equal(t, queued.ID, ev.RequestID)
	assert.Equal(t, FailCanceled, ev.Failure.Kind)

	_, ok = mgr.PollEvent()
	assert.False(t, ok)
}

func TestManagerCancelInFlightRequest(t *testing.T) {
	mgr, _ := newMockManager(t, 0, "alpha")

	req, err := mgr.Submit("one", "")
	require.NoError(t, err)

	mgr.Cancel(req.ID)
	ev, ok := mgr.PollEvent()
	require.True(t, ok)
	require.True(t, ev.IsFailure())
	assert.Equal(t, FailCanceled, ev.Failure.Kind)
	assert.Equal(t, req.ID, ev.RequestID)
	assert.Empty(t, mgr.InFlight("alpha"))
}

func TestManagerPromotionFailureSurfacesAsEvent(t *testing.T) {
	mgr, mocks := newMockManager(t, 2, "alpha")

	first, err := mgr.Submit("one", "")
	require.NoError(t, err)
	queued, err := mgr.Submit("two", "")
	require.NoError(t, err)

	// The provider starts refusing submissions before promotion happens.
	mocks["alpha"].mu.Lock()
	mocks["alpha"].submitErr = fmt.Errorf("spawn failed")
	mocks["alpha"].mu.Unlock()

	mocks["alpha"].complete(first.ID)
	_, ok := mgr.PollEvent()
	require.True(t, ok)

	// The queued request still terminates, as a synthetic failure.
	ev, ok := mgr.PollEvent()
	require.True(t, ok)
	assert.Equal(t, queued.ID, ev.RequestID)
	require.True(t, ev.IsFailure())
	assert.Contains(t, ev.Failure.Message, "spawn failed")
}

func TestManagerCloseClosesProviders(t *testing.T) {
	mgr, mocks := newMockManager(t, 0, "alpha", "beta")

	mgr.Close()
	for id, m := range mocks {
		m.mu.Lock()
		assert.True(t, m.closed, "provider %s not closed", id)
		m.mu.Unlock()
	}
}
