package store

import (
	"sort"
	"sync"
	"time"

	"github.com/jpalmerr/pushpoll/internal/command"
)

// MemoryStore is an in-memory implementation of [Store].
//
// Each client owns a bounded FIFO queue and a wakeup channel with a buffer of
// one. Enqueue signals the channel without blocking; if a signal is already
// pending the new one is dropped, since the waiter drains the whole queue.
type MemoryStore struct {
	mu         sync.Mutex
	clients    map[string]*clientQueue
	maxPending int
	now        func() time.Time
}

type clientQueue struct {
	info    ClientInfo
	pending []command.Command
	wake    chan struct{}

	// lastSeen is the creation time until the first poll, then LastPollAt.
	lastSeen time.Time
}

// NewMemoryStore creates a new in-memory [Store] implementation holding at
// most maxPending commands per client. A non-positive maxPending uses
// [DefaultMaxPending].
func NewMemoryStore(maxPending int) *MemoryStore {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &MemoryStore{
		clients:    make(map[string]*clientQueue),
		maxPending: maxPending,
		now:        time.Now,
	}
}

// client returns the queue for id, creating it if needed. Caller holds mu.
func (m *MemoryStore) client(id string) *clientQueue {
	q, ok := m.clients[id]
	if !ok {
		q = &clientQueue{
			info:     ClientInfo{ID: id},
			wake:     make(chan struct{}, 1),
			lastSeen: m.now(),
		}
		m.clients[id] = q
	}
	return q
}

// Enqueue appends commands to the client's queue and wakes its poll.
func (m *MemoryStore) Enqueue(client string, cmds ...command.Command) int {
	if len(cmds) == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.enqueueLocked(m.client(client), cmds)
}

// Broadcast enqueues commands for every known client.
func (m *MemoryStore) Broadcast(cmds ...command.Command) int {
	if len(cmds) == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, q := range m.clients {
		m.enqueueLocked(q, cmds)
	}
	return len(m.clients)
}

func (m *MemoryStore) enqueueLocked(q *clientQueue, cmds []command.Command) int {
	q.pending = append(q.pending, cmds...)

	dropped := 0
	if over := len(q.pending) - m.maxPending; over > 0 {
		// drop oldest; copy so the backing array does not grow unbounded
		q.pending = append([]command.Command(nil), q.pending[over:]...)
		dropped = over
		q.info.Dropped += uint64(over)
	}

	select {
	case q.wake <- struct{}{}:
	default:
		// a wakeup is already pending
	}
	return dropped
}

// Drain removes and returns the client's queued commands.
func (m *MemoryStore) Drain(client string) []command.Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.clients[client]
	if !ok || len(q.pending) == 0 {
		return nil
	}
	cmds := q.pending
	q.pending = nil
	return cmds
}

// Wait returns the client's wakeup channel, creating the client if needed.
func (m *MemoryStore) Wait(client string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.client(client).wake
}

// Touch records a poll and reports whether its request id was stale.
func (m *MemoryStore) Touch(client string, requestID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.client(client)
	stale := !q.info.LastPollAt.IsZero() && requestID <= q.info.LastRequestID
	q.info.LastRequestID = requestID
	q.info.LastPollAt = m.now()
	q.lastSeen = q.info.LastPollAt
	return stale
}

// Clients returns a snapshot of all known clients sorted by id.
//
// The returned slice is a copy; modifications do not affect the store.
func (m *MemoryStore) Clients() []ClientInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]ClientInfo, 0, len(m.clients))
	for _, q := range m.clients {
		info := q.info
		info.Pending = len(q.pending)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Evict removes clients idle for longer than idle.
func (m *MemoryStore) Evict(idle time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-idle)
	var evicted []string
	for id, q := range m.clients {
		if q.lastSeen.Before(cutoff) {
			delete(m.clients, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}
