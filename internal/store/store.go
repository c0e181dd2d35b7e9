package store

import (
	"time"

	"github.com/jpalmerr/pushpoll/internal/command"
)

const (
	// DefaultMaxPending bounds each client's queue when no limit is configured.
	DefaultMaxPending = 100

	// DefaultClientTTL is how long a client may go without polling before it
	// is evicted.
	DefaultClientTTL = 10 * time.Minute
)

// Store defines the queue operations the push server relies on.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	// Enqueue appends commands to the client's queue, creating the client if
	// it is unknown. Past the queue bound the oldest commands are dropped;
	// the number dropped is returned.
	Enqueue(client string, cmds ...command.Command) int

	// Broadcast enqueues commands for every known client and returns how
	// many clients received them.
	Broadcast(cmds ...command.Command) int

	// Drain removes and returns everything queued for the client.
	Drain(client string) []command.Command

	// Wait returns the client's wakeup channel. It receives a value after
	// commands are enqueued for the client.
	Wait(client string) <-chan struct{}

	// Touch records a poll from the client. It reports whether requestID
	// did not increase over the previous poll.
	Touch(client string, requestID uint64) (stale bool)

	// Clients returns a snapshot of all known clients sorted by id.
	Clients() []ClientInfo

	// Evict forgets clients that have neither polled nor been created within
	// idle, dropping anything still queued for them. It returns the evicted
	// ids sorted.
	Evict(idle time.Duration) []string
}

// ClientInfo is the storage representation of a polling client.
//
// JSON tags match the API response format served at /api/clients.
type ClientInfo struct {
	ID            string    `json:"id"`
	LastRequestID uint64    `json:"last_request_id"`
	LastPollAt    time.Time `json:"last_poll_at,omitzero"`
	Pending       int       `json:"pending"`
	Dropped       uint64    `json:"dropped"`
}
