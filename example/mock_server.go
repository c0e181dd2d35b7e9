package main

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jpalmerr/pushpoll/internal/command"
	"github.com/jpalmerr/pushpoll/internal/server"
	"github.com/jpalmerr/pushpoll/internal/store"
)

// mockCommands are the commands the mock server picks from.
var mockCommands = []struct {
	typ  string
	args map[string]any
}{
	{"greet", map[string]any{"name": "world"}},
	{"print", map[string]any{"text": "cache warmed"}},
	{"log", map[string]any{"message": "config reloaded", "level": "warn"}},
	{"greet", map[string]any{"name": "operator"}},
}

// StartMockPushServer runs a push server that broadcasts a random command to
// every connected client every 5-15 seconds.
// The server stops when ctx is cancelled.
func StartMockPushServer(ctx context.Context, port int) error {
	st := store.NewMemoryStore(store.DefaultMaxPending)
	srv := server.NewServer(st, server.Config{
		Port:        port,
		HoldTimeout: 20 * time.Second,
	}, slog.Default())

	if err := srv.Start(ctx); err != nil {
		return err
	}

	go func() {
		for {
			// next push in 5-15 seconds
			timer := time.NewTimer(time.Duration(5+rand.IntN(11)) * time.Second)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			pick := mockCommands[rand.IntN(len(mockCommands))]
			n := st.Broadcast(command.New(pick.typ, pick.args))
			slog.Info("mock push", "type", pick.typ, "clients", n)
		}
	}()

	return nil
}
