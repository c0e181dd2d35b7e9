package pushpoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpalmerr/pushpoll/internal/command"
	"github.com/jpalmerr/pushpoll/internal/metrics"
	"github.com/jpalmerr/pushpoll/internal/poller"
)

const (
	defaultRequestTimeout = 60 * time.Second

	// ClientIDHeader carries the client id on every poll request.
	ClientIDHeader = "X-Pushpoll-Client"
)

var (
	// ErrAlreadyStarted is returned by [Client.Start] when called more than once.
	ErrAlreadyStarted = errors.New("client already started")

	// ErrUnknownCommand is reported when the server pushes a command type
	// with no registered handler.
	ErrUnknownCommand = errors.New("no handler for command type")

	// ErrUnexpectedStatus is reported on stalled cycles whose response
	// status was not 200.
	ErrUnexpectedStatus = errors.New("unexpected poll status")
)

// Client keeps a long-poll connection open to a pushpoll server and executes
// the commands it pushes.
//
// Each Client owns one poll loop. The loop issues GET <base>Poll&_req_=<n>,
// where n increases by one per request, hands every 200 response to the
// registered [Handler]s, and reopens the connection after a random delay
// (3 to 8 seconds by default).
//
// The typical lifecycle is:
//
//	client, err := pushpoll.New("https://example.com/push?_action_=",
//	    pushpoll.WithHandler("reload", reload),
//	)
//	if err != nil {
//	    slog.Error("failed to create client", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	client.Start(ctx) // blocks until ctx is cancelled or Shutdown is called
//
// A non-200 response stalls the loop: no further request is made until
// [Client.Resume] is called. The client does not retry on its own.
type Client struct {
	id             string
	baseURL        string
	codec          command.Codec
	handlers       map[string]Handler
	cycleCallbacks []func(CycleResult)
	logger         *slog.Logger
	metrics        *metrics.ClientMetrics
	loop           *poller.Loop
	started        atomic.Bool
}

// New creates a [Client] polling baseURL.
//
// baseURL must be an http or https URL ending in an open query parameter, for
// example "https://example.com/push?_action_=". The poll action and request
// counter are appended verbatim.
//
// Defaults:
//   - Client id: random UUID
//   - Request timeout: 60 seconds
//   - Reopen delay: uniform in [3s, 8s)
//   - Codec: JSON
//   - Handlers: "log" ([LogHandler] on the client logger) and "noop"
//
// Returns an error if the URL or any option is invalid.
func New(baseURL string, opts ...Option) (*Client, error) {
	if err := validateBaseURL(baseURL); err != nil {
		return nil, err
	}

	cfg := &clientConfig{
		headers:  make(map[string]string),
		timeout:  defaultRequestTimeout,
		minDelay: poller.DefaultMinDelay,
		maxDelay: poller.DefaultMaxDelay,
		codec:    command.JSON,
		handlers: make(map[string]Handler),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.clientID == "" {
		cfg.clientID = uuid.NewString()
	}

	// built-ins only fill gaps left by WithHandler
	if _, ok := cfg.handlers[TypeLog]; !ok {
		cfg.handlers[TypeLog] = LogHandler(logger)
	}
	if _, ok := cfg.handlers[TypeNoop]; !ok {
		cfg.handlers[TypeNoop] = NoopHandler
	}

	var m *metrics.ClientMetrics
	if cfg.registerer != nil {
		var err error
		m, err = metrics.NewClientMetrics(cfg.registerer)
		if err != nil {
			return nil, err
		}
	}

	headers := copyMap(cfg.headers)
	headers[ClientIDHeader] = cfg.clientID
	headers["Accept"] = cfg.codec.MediaType()

	c := &Client{
		id:             cfg.clientID,
		baseURL:        baseURL,
		codec:          cfg.codec,
		handlers:       cfg.handlers,
		cycleCallbacks: cfg.cycleCallbacks,
		logger:         logger,
		metrics:        m,
	}

	var httpClient *poller.Client
	if cfg.httpClient != nil {
		httpClient = poller.NewClientWith(cfg.httpClient)
	}

	c.loop = poller.NewLoop(poller.Config{
		BaseURL:  baseURL,
		Headers:  headers,
		Timeout:  cfg.timeout,
		Delay:    poller.DelayRange{Min: cfg.minDelay, Max: cfg.maxDelay},
		Rand:     cfg.rand,
		Dispatch: c.dispatch,
		OnCycle:  c.onCycle,
		Client:   httpClient,
		Logger:   logger,
	}, poller.NewState(cfg.seed))

	return c, nil
}

// validateBaseURL checks that the base URL can carry the poll action.
func validateBaseURL(baseURL string) error {
	if baseURL == "" {
		return errors.New("base URL cannot be empty")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("base URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("base URL must have a host")
	}
	if !strings.Contains(baseURL, "?") {
		return errors.New("base URL must end in an open query parameter (e.g. \"/push?_action_=\")")
	}
	return nil
}

// Start opens the first poll connection and runs the loop.
//
// Start blocks until ctx is cancelled or [Client.Shutdown] is called, then
// returns nil. Cancelling ctx is equivalent to calling Shutdown: any request
// in flight is aborted and nothing is rescheduled.
//
// A Client can be started once; later calls return [ErrAlreadyStarted].
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.logger.Info("pushpoll client starting",
		"client_id", c.id,
		"base_url", c.baseURL,
		"codec", c.codec.String(),
		"handlers", len(c.handlers),
	)

	err := c.loop.Run(ctx)
	if errors.Is(err, poller.ErrAlreadyRunning) {
		return ErrAlreadyStarted
	}
	if err != nil {
		return err
	}

	c.logger.Info("pushpoll client stopped", "request_id", c.loop.State().RequestID())
	return nil
}

// Shutdown aborts the outstanding poll request, if any, and stops the loop
// from rescheduling. It is idempotent and safe to call from any goroutine,
// including from a [Handler].
func (c *Client) Shutdown() {
	c.loop.Shutdown()
}

// Done returns a channel that is closed once shutdown has been requested.
func (c *Client) Done() <-chan struct{} {
	return c.loop.Done()
}

// Resume reopens a loop stalled by a non-200 response. It reports whether the
// loop was stalled.
func (c *Client) Resume() bool {
	resumed := c.loop.Resume()
	if resumed {
		c.logger.Info("resume requested", "client_id", c.id)
	}
	return resumed
}

// Stalled reports whether the loop is waiting for [Client.Resume].
func (c *Client) Stalled() bool {
	return c.loop.Stalled()
}

// ID returns the client id sent to the server.
func (c *Client) ID() string {
	return c.id
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RequestID returns the counter value of the most recent poll, or the seed if
// no poll has been made.
func (c *Client) RequestID() uint64 {
	return c.loop.State().RequestID()
}

// dispatch decodes a 200 response and runs every command through its handler.
// Failures are logged and joined into the returned error; they never stop the
// remaining commands.
func (c *Client) dispatch(ctx context.Context, resp poller.Response) (int, error) {
	env, err := command.Decode(resp.ContentType, resp.Body)
	if err != nil {
		c.logger.Warn("failed to decode commands",
			"error", err.Error(),
			"content_type", resp.ContentType,
			"bytes", len(resp.Body),
		)
		return 0, fmt.Errorf("decode commands: %w", err)
	}

	var errs []error
	for _, wc := range env.Commands {
		cmd := fromWire(wc)

		h, ok := c.handlers[cmd.Type]
		if !ok {
			c.metrics.ObserveCommand(cmd.Type, "unknown")
			c.logger.Warn("no handler for command", "type", cmd.Type, "command_id", cmd.ID)
			errs = append(errs, fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Type))
			continue
		}

		if err, panicked := c.invokeHandlerSafe(ctx, h, cmd); err != nil {
			result := "error"
			if panicked {
				result = "panic"
			} else {
				c.logger.Warn("command failed", "type", cmd.Type, "command_id", cmd.ID, "error", err.Error())
			}
			c.metrics.ObserveCommand(cmd.Type, result)
			errs = append(errs, err)
			continue
		}

		c.metrics.ObserveCommand(cmd.Type, "ok")
		c.logger.Debug("command executed", "type", cmd.Type, "command_id", cmd.ID)
	}

	return len(env.Commands), errors.Join(errs...)
}

// invokeHandlerSafe calls a handler with panic recovery. A panic is logged
// with its stack under a correlation ID and returned as an error.
func (c *Client) invokeHandlerSafe(ctx context.Context, h Handler, cmd Command) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			c.logger.Error("command handler panicked",
				"correlation_id", correlationID,
				"type", cmd.Type,
				"command_id", cmd.ID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler for %q panicked (correlation_id: %s)", cmd.Type, correlationID)
			panicked = true
		}
	}()
	return h(ctx, cmd), false
}

// onCycle converts a loop cycle into a [CycleResult], records metrics and
// invokes the cycle callbacks.
func (c *Client) onCycle(pc poller.Cycle) {
	result := cycleToResult(pc)

	c.metrics.ObserveCycle(result.Outcome.String(), result.RequestID, result.Latency)
	if pc.Rescheduled {
		c.metrics.ObserveDelay(pc.Delay)
	}

	for _, cb := range c.cycleCallbacks {
		invokeCallbackSafe(cb, result, c.logger)
	}
}

// cycleToResult converts an internal loop cycle to the public result type.
func cycleToResult(pc poller.Cycle) CycleResult {
	result := CycleResult{
		RequestID:   pc.RequestID,
		URL:         pc.URL,
		StatusCode:  pc.Response.StatusCode,
		Latency:     pc.Response.Latency,
		Delay:       pc.Delay,
		Commands:    pc.Commands,
		CompletedAt: time.Now(),
	}

	switch {
	case pc.Aborted:
		result.Outcome = OutcomeAborted
		result.Error = pc.Response.Error
	case pc.Response.Error != nil:
		result.Outcome = OutcomeStalled
		result.Error = pc.Response.Error
	case pc.Response.StatusCode != 200:
		result.Outcome = OutcomeStalled
		result.Error = fmt.Errorf("%w: %d", ErrUnexpectedStatus, pc.Response.StatusCode)
	default:
		result.Outcome = OutcomeOK
		result.Error = pc.DispatchError
	}

	return result
}

// invokeCallbackSafe calls a cycle callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(CycleResult), result CycleResult, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("cycle callback panicked",
				"panic", r,
				"request_id", result.RequestID,
			)
		}
	}()
	cb(result)
}

// copyMap returns a shallow copy of the map. A nil map yields an empty one.
func copyMap(m map[string]string) map[string]string {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
