package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jpalmerr/pushpoll/internal/command"
	"github.com/jpalmerr/pushpoll/internal/server"
	"github.com/spf13/cobra"
)

const (
	defaultServerURL = "http://localhost:8080"
	commandsPath     = "/api/commands"
	sendTimeout      = 10 * time.Second
)

// sendCmd queues a command on a running push server.
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Queue a command for a client",
	Long: `Queue a command on a running pushpoll server.

Arguments given with --arg are sent as strings. Use --args-json for typed
values; --arg entries override keys from --args-json.

Use --client '*' to send the command to every client the server has seen.

Example:
  pushpoll send --client kiosk-7 --type log --arg message=hello
  pushpoll send --client '*' --type reload --args-json '{"force":true}'
  pushpoll send --server http://push.internal:8080 --client kiosk-7 --type print --arg text=hi`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("server", defaultServerURL, "push server URL")
	sendCmd.Flags().String("client", "", "target client id, or * for all clients (required)")
	sendCmd.Flags().String("type", "", "command type (required)")
	sendCmd.Flags().String("id", "", "command id (generated by the server if empty)")
	sendCmd.Flags().StringArray("arg", nil, "command argument as key=value (repeatable)")
	sendCmd.Flags().String("args-json", "", "command arguments as a JSON object")
	_ = sendCmd.MarkFlagRequired("client")
	_ = sendCmd.MarkFlagRequired("type")
}

func runSend(cmd *cobra.Command, args []string) error {
	serverURL, _ := cmd.Flags().GetString("server")
	client, _ := cmd.Flags().GetString("client")
	typ, _ := cmd.Flags().GetString("type")
	id, _ := cmd.Flags().GetString("id")
	pairs, _ := cmd.Flags().GetStringArray("arg")
	argsJSON, _ := cmd.Flags().GetString("args-json")

	cmdArgs, err := parseArgs(pairs, argsJSON)
	if err != nil {
		return err
	}

	req := server.EnqueueRequest{
		Client:   client,
		Commands: []command.Command{{Type: typ, ID: id, Args: cmdArgs}},
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
	defer cancel()

	resp, err := postCommands(ctx, http.DefaultClient, serverURL, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Queued %d command(s) for %s\n", resp.Accepted, resp.Client)
	fmt.Fprintf(out, "  IDs:     %s\n", strings.Join(resp.IDs, ", "))
	fmt.Fprintf(out, "  Clients: %d\n", resp.Clients)
	if resp.Dropped > 0 {
		fmt.Fprintf(out, "  Dropped: %d (queue full)\n", resp.Dropped)
	}
	return nil
}

// parseArgs merges a JSON object with key=value pairs. Pairs win on
// conflicting keys. It returns nil when there are no arguments.
func parseArgs(pairs []string, argsJSON string) (map[string]any, error) {
	var out map[string]any

	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &out); err != nil {
			return nil, fmt.Errorf("--args-json: %w", err)
		}
		if out == nil {
			return nil, errors.New("--args-json: must be a JSON object")
		}
	}

	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--arg %q: expected key=value", p)
		}
		if out == nil {
			out = make(map[string]any, len(pairs))
		}
		out[key] = value
	}

	return out, nil
}

// postCommands sends req to the server's command API and decodes the reply.
func postCommands(ctx context.Context, hc *http.Client, serverURL string, req server.EnqueueRequest) (server.EnqueueResponse, error) {
	var result server.EnqueueResponse

	body, err := json.Marshal(req)
	if err != nil {
		return result, fmt.Errorf("failed to encode request: %w", err)
	}

	url := strings.TrimRight(serverURL, "/") + commandsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(httpReq)
	if err != nil {
		return result, fmt.Errorf("failed to send command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return result, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}
