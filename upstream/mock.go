package upstream

import (
	"context"
	"sync"
)

// MockCommand records one SendCommand call.
type MockCommand struct {
	Name string
	Args string
}

// mockSubscription tracks a live Mock subscription so Emit can route
// events and tests can observe teardown.
type mockSubscription struct {
	mock    *Mock
	feed    string
	group   string
	handler EventHandler
	once    sync.Once
}

func (s *mockSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.mock.mu.Lock()
		defer s.mock.mu.Unlock()
		subs := s.mock.subs[s.feed]
		for i, sub := range subs {
			if sub == s {
				s.mock.subs[s.feed] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	})
}

// Mock is an in-memory Source for tests. Events pushed through Emit are
// delivered synchronously to subscribers of the device's feed.
type Mock struct {
	mu sync.Mutex

	// QueryFunc, when set, answers Query calls. Otherwise QueryResults
	// is consulted by exact statement match.
	QueryFunc    func(ctx context.Context, sql string) (*Result, error)
	QueryResults map[string]*Result

	// CreateFeedErr and SubscribeErr force failures when set.
	CreateFeedErr error
	SubscribeErr  error

	feeds    map[string]bool
	subs     map[string][]*mockSubscription
	commands []MockCommand

	createCalls int
	dropCalls   int
}

var _ Source = (*Mock)(nil)

// NewMock creates an empty in-memory Source.
func NewMock() *Mock {
	return &Mock{
		QueryResults: make(map[string]*Result),
		feeds:        make(map[string]bool),
		subs:         make(map[string][]*mockSubscription),
	}
}

// Query answers from QueryFunc or the canned QueryResults table. Unknown
// statements return an empty result, matching a catalog with no rows.
func (m *Mock) Query(ctx context.Context, sql string) (*Result, error) {
	m.mu.Lock()
	fn := m.QueryFunc
	canned := m.QueryResults[sql]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, sql)
	}
	if canned != nil {
		return canned, nil
	}
	return &Result{}, nil
}

func (m *Mock) CreateFeed(_ context.Context, deviceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createCalls++
	if m.CreateFeedErr != nil {
		return "", m.CreateFeedErr
	}
	name := FeedName(deviceID)
	m.feeds[name] = true
	return name, nil
}

func (m *Mock) DropFeed(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dropCalls++
	delete(m.feeds, FeedName(deviceID))
	return nil
}

func (m *Mock) Subscribe(
	_ context.Context,
	feed, group string,
	handler EventHandler,
) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubscribeErr != nil {
		return nil, m.SubscribeErr
	}

	sub := &mockSubscription{mock: m, feed: feed, group: group, handler: handler}
	m.subs[feed] = append(m.subs[feed], sub)
	return sub, nil
}

func (m *Mock) SendCommand(_ context.Context, name, args string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commands = append(m.commands, MockCommand{Name: name, Args: args})
	return nil
}

// Emit delivers an event to every subscriber of the device's feed. Delivery
// runs on the caller's goroutine.
func (m *Mock) Emit(deviceID string, event RawEvent) {
	m.mu.Lock()
	subs := append([]*mockSubscription(nil), m.subs[FeedName(deviceID)]...)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.handler(deviceID, event)
	}
}

// HasFeed reports whether the device's feed has been materialized.
func (m *Mock) HasFeed(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feeds[FeedName(deviceID)]
}

// SubscriberCount returns the number of live subscriptions on the
// device's feed.
func (m *Mock) SubscriberCount(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[FeedName(deviceID)])
}

// Commands returns a copy of the recorded SendCommand calls.
func (m *Mock) Commands() []MockCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCommand(nil), m.commands...)
}

// CreateFeedCalls returns how many times CreateFeed was invoked.
func (m *Mock) CreateFeedCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls
}

// DropFeedCalls returns how many times DropFeed was invoked.
func (m *Mock) DropFeedCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropCalls
}
