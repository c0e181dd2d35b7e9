package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/pushpoll"
)

func main() {
	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// start mock server (see mock_server.go)
	if err := StartMockPushServer(ctx, 9999); err != nil {
		slog.Error("failed to start mock server", "error", err)
		os.Exit(1)
	}

	client, err := pushpoll.New("http://localhost:9999/push?_action_=",
		pushpoll.WithClientID("demo"),
		pushpoll.WithDelayRange(time.Second, 2*time.Second),
		pushpoll.WithHandler(pushpoll.TypePrint, pushpoll.PrintHandler(os.Stdout)),
		pushpoll.WithHandler("greet", func(ctx context.Context, cmd pushpoll.Command) error {
			fmt.Printf("  hello, %s! (command %s)\n", cmd.Arg("name"), cmd.ID)
			return nil
		}),
		pushpoll.WithCycleCallback(func(r pushpoll.CycleResult) {
			if r.Outcome == pushpoll.OutcomeStalled {
				slog.Warn("poll stalled", "request_id", r.RequestID, "error", r.Error)
			}
		}),
	)
	if err != nil {
		slog.Error("failed to create client", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   pushpoll Demo                                       ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   A mock server on :9999 pushes a random command      ║")
	fmt.Println("  ║   every 5-15 seconds to client \"demo\".                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Push your own from another terminal:                ║")
	fmt.Println("  ║   pushpoll send --server http://localhost:9999 \\      ║")
	fmt.Println("  ║     --client demo --type greet --arg name=you         ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	if err := client.Start(ctx); err != nil {
		slog.Error("pushpoll error", "error", err)
		os.Exit(1)
	}
}
