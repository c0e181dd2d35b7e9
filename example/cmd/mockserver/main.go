// Standalone mock push server for testing the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/pushpoll poll -c example/config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/pushpoll/internal/command"
	"github.com/jpalmerr/pushpoll/internal/server"
	"github.com/jpalmerr/pushpoll/internal/store"
)

func main() {
	fmt.Println("Mock push server starting on :9999")
	fmt.Println("Broadcasts log → print → noop to every client, one every 5-15s")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewMemoryStore(store.DefaultMaxPending)
	srv := server.NewServer(st, server.Config{Port: 9999}, slog.Default())
	if err := srv.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	cycle := []command.Command{
		{Type: "log", Args: map[string]any{"message": "hello from the mock server"}},
		{Type: "print", Args: map[string]any{"text": "printed by the client"}},
		{Type: "noop"},
	}

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			<-srv.Stopped()
			return
		case <-time.After(time.Duration(5+rand.IntN(11)) * time.Second):
		}

		next := cycle[i%len(cycle)]
		n := st.Broadcast(command.New(next.Type, next.Args))
		slog.Info("broadcast", "type", next.Type, "clients", n)
	}
}
