// Package store holds the commands queued for long-polling clients.
//
// The push server enqueues commands per client id and parks each held poll
// on the client's wakeup channel until something arrives. The main
// components are:
//
//   - [Store]: Interface defining queue and bookkeeping operations
//   - [MemoryStore]: In-memory implementation of Store
//   - [ClientInfo]: What the server knows about one client
//
// Wakeups are non-blocking sends on a one-slot channel: a burst of enqueues
// produces a single wakeup and a poll that wakes to an empty queue simply
// waits again.
package store
