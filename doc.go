// Package pushpoll provides a long-poll client that lets a server push
// commands to a process over plain HTTP.
//
// A [Client] keeps exactly one GET request open against a pushpoll server.
// When the server answers with a batch of commands, the client runs each one
// through the [Handler] registered for its type, waits a random 3 to 8
// seconds, and opens the next request. Every request carries a strictly
// increasing counter in its _req_ parameter so no intermediary can serve it
// from cache.
//
// # Quick Start
//
// Register handlers and start the client with graceful shutdown:
//
//	client, _ := pushpoll.New("https://example.com/push?_action_=",
//	    pushpoll.WithClientID("kiosk-7"),
//	    pushpoll.WithHandler("reload", reload),
//	)
//
//	// Set up graceful shutdown on SIGINT/SIGTERM
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	client.Start(ctx) // blocks until context is cancelled
//
// # Commands
//
// The server answers a poll with a versioned envelope, encoded as JSON or
// CBOR according to the Accept header the client sends:
//
//	{"v": 1, "commands": [{"type": "log", "id": "...", "args": {"message": "hi"}}]}
//
// Built-in handlers are provided:
//
//   - [LogHandler]: Writes the "message" arg to a [log/slog.Logger] (registered as "log")
//   - [PrintHandler]: Writes the "text" arg to an [io.Writer]
//   - [NoopHandler]: Does nothing; useful for keeping an idle connection cycling (registered as "noop")
//
// Custom handlers are plain functions of type [Handler]. [Command.Arg] reads
// nested args with dot notation.
//
// # Failure Handling
//
// Handler errors and panics are logged and reported on the [CycleResult];
// they never stop the loop. A non-200 response or transport failure does: the
// client stalls and makes no further request until [Client.Resume] is called.
// [Client.Shutdown], or cancelling the context passed to [Client.Start],
// aborts the request in flight and stops the loop for good.
//
// # Architecture
//
// Pushpoll consists of several packages:
//
//   - internal/poller: The poll loop, request counter and reopen jitter
//   - internal/command: The command envelope and its JSON/CBOR codecs
//   - internal/store: Per-client command queues used by the server
//   - internal/server: The push server that holds polls open and accepts commands
//   - internal/metrics: Prometheus collectors for client and server
//   - config: YAML configuration for the pushpoll binary
//   - dashboard: Embedded web console for pushing commands
//
// The internal packages are not part of the public API and may change
// without notice.
package pushpoll
