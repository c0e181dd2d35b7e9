package pushpoll

import (
	"context"
	"time"

	"github.com/jpalmerr/pushpoll/internal/command"
)

// Command is a single instruction pushed by the server.
//
// Type selects the registered [Handler]; Args carries the payload as decoded
// by the wire codec. Use [Command.Arg] to read nested values with dot notation.
type Command struct {
	// Type is the command tag, e.g. "log" or "print".
	Type string

	// ID is an optional correlation identifier set by the sender.
	ID string

	// Args is the command payload.
	Args map[string]any
}

// Handler executes one [Command].
//
// Handlers run sequentially on the poll loop goroutine, in the order the
// server sent the commands. A handler should return promptly; the next poll
// is not opened until every command in the batch has been handled.
//
// # Panic Safety
//
// Handlers are called within a panic recovery boundary. A panic is logged with
// its stack trace under a correlation ID and reported as an error on the
// [CycleResult]. It never stops the loop or the remaining commands in the batch.
type Handler func(ctx context.Context, cmd Command) error

// Outcome describes how a poll cycle ended.
type Outcome string

const (
	// OutcomeOK indicates a 200 response; the loop reopens after a delay.
	OutcomeOK Outcome = "ok"

	// OutcomeStalled indicates a non-200 response or transport failure.
	// The loop does not reopen until [Client.Resume] is called.
	OutcomeStalled Outcome = "stalled"

	// OutcomeAborted indicates the request was cut short by shutdown.
	OutcomeAborted Outcome = "aborted"
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	return string(o)
}

// CycleResult holds the outcome of one poll cycle.
type CycleResult struct {
	// RequestID is the counter value carried by the poll URL.
	RequestID uint64

	// URL is the poll URL that was requested.
	URL string

	// Outcome is how the cycle ended.
	Outcome Outcome

	// StatusCode is the HTTP status code. Zero if no response was received.
	StatusCode int

	// Latency is how long the poll request stayed open.
	Latency time.Duration

	// Delay is the wait before the next poll. Zero unless Outcome is [OutcomeOK]
	// and the client is not shutting down.
	Delay time.Duration

	// Commands is the number of commands evaluated from the response.
	Commands int

	// Error is the transport error for stalled cycles, or the joined decode
	// and handler errors for OK cycles. nil if nothing went wrong.
	Error error

	// CompletedAt is when the cycle finished.
	CompletedAt time.Time
}

// fromWire converts a decoded wire command into the public type.
func fromWire(c command.Command) Command {
	return Command{
		Type: c.Type,
		ID:   c.ID,
		Args: c.Args,
	}
}
