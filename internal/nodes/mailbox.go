package nodes

import (
	"sync"

	"fleetctl/internal/api"
)

// mailbox holds the latest pending update per user. Producers never block:
// a newer update for a user replaces the pending one, and wake carries at
// most one signal for the consumer.
type mailbox struct {
	mu      sync.Mutex
	pending map[int64]api.UserData
	order   []int64
	wake    chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		pending: map[int64]api.UserData{},
		wake:    make(chan struct{}, 1),
	}
}

func (m *mailbox) put(u api.UserData) {
	m.mu.Lock()
	if _, ok := m.pending[u.User.ID]; !ok {
		m.order = append(m.order, u.User.ID)
	}
	m.pending[u.User.ID] = u
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// take removes and returns all pending updates in first-enqueued order.
func (m *mailbox) take() []api.UserData {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil
	}
	out := make([]api.UserData, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.pending[id])
	}
	m.pending = map[int64]api.UserData{}
	m.order = nil
	return out
}

// clear drops pending updates that a full resync is about to supersede.
func (m *mailbox) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = map[int64]api.UserData{}
	m.order = nil
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}
