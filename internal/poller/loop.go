package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyRunning is returned by [Loop.Run] when the loop was already started.
var ErrAlreadyRunning = errors.New("poll loop already running")

// Cycle describes one completed poll cycle.
type Cycle struct {
	// RequestID is the counter value carried by the poll URL.
	RequestID uint64

	// URL is the poll URL that was requested.
	URL string

	// Response is the outcome of the HTTP request.
	Response Response

	// Rescheduled is true when the loop will reopen the connection after Delay.
	Rescheduled bool

	// Delay is the wait before the next cycle. Zero unless Rescheduled.
	Delay time.Duration

	// Aborted is true when the request was cut short by shutdown.
	Aborted bool

	// Stopped is true when a 200 response was evaluated but shutdown was
	// requested before the next cycle could be scheduled.
	Stopped bool

	// Commands is the number of commands the dispatcher evaluated.
	Commands int

	// DispatchError is the error returned by the dispatcher, or a
	// recovered panic.
	DispatchError error
}

// Stalled reports whether the cycle left the loop waiting for an explicit
// resume: a completed request that was not rescheduled, aborted or stopped.
func (c Cycle) Stalled() bool {
	return !c.Rescheduled && !c.Aborted && !c.Stopped
}

// Dispatcher evaluates the body of a successful (HTTP 200) poll response and
// reports how many commands it handled. Its results are recorded on the
// cycle; they never affect rescheduling.
type Dispatcher func(ctx context.Context, resp Response) (int, error)

// Config contains the settings for a [Loop].
type Config struct {
	// BaseURL is the prefix the poll action and request id are appended to.
	BaseURL string

	// Headers are sent with every poll request.
	Headers map[string]string

	// Timeout bounds each poll request. Zero means no timeout.
	Timeout time.Duration

	// Delay is the range reopen delays are drawn from.
	Delay DelayRange

	// Rand returns values in [0, 1). nil uses math/rand/v2.
	Rand func() float64

	// Dispatch evaluates 200 responses. nil discards them.
	Dispatch Dispatcher

	// OnCycle is called after every cycle from the loop goroutine.
	OnCycle func(Cycle)

	// Client performs the HTTP requests. nil creates a default [Client].
	Client *Client

	// Logger receives loop events. nil uses slog.Default().
	Logger *slog.Logger
}

// Loop keeps a single long-poll request open against a server, hands each
// successful response to a [Dispatcher], and reopens the connection after a
// jittered delay.
//
// The loop goroutine is the only one that issues requests, so at most one
// request is in flight at a time. [Loop.Shutdown] may be called from any
// goroutine.
//
// A response other than 200 (or a transport failure) leaves the loop stalled:
// nothing is rescheduled until [Loop.Resume] or shutdown.
type Loop struct {
	cfg        Config
	state      *State
	client     *Client
	ownsClient bool
	logger     *slog.Logger

	mu       sync.Mutex
	started  bool
	inFlight context.CancelFunc

	done         chan struct{}
	shutdownOnce sync.Once
	resume       chan struct{}
	stalled      atomic.Bool
}

// NewLoop creates a loop that owns state. A nil state starts the counter at 0.
func NewLoop(cfg Config, state *State) *Loop {
	if state == nil {
		state = NewState(0)
	}
	if cfg.Delay == (DelayRange{}) {
		cfg.Delay = DefaultDelayRange()
	}

	client, owned := cfg.Client, false
	if client == nil {
		client, owned = NewClient(), true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Loop{
		cfg:        cfg,
		state:      state,
		client:     client,
		ownsClient: owned,
		logger:     logger,
		done:       make(chan struct{}),
		resume:     make(chan struct{}, 1),
	}
}

// State returns the loop's shared state.
func (l *Loop) State() *State {
	return l.state
}

// Run opens the first poll connection and keeps the loop going until
// shutdown. Cancelling ctx triggers [Loop.Shutdown].
//
// Run blocks and returns nil once the loop has stopped. A loop runs at most
// once; later calls return [ErrAlreadyRunning].
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.started = true
	l.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		l.Shutdown()
		return nil
	}
	stop := context.AfterFunc(ctx, l.Shutdown)
	defer stop()
	// a caller-supplied client may share its pool with other code
	if l.ownsClient {
		defer l.client.Close()
	}

	for {
		if l.state.Dying() {
			return nil
		}

		cycle, issued := l.cycle(ctx)
		if !issued {
			return nil
		}
		l.notify(cycle)

		if !cycle.Rescheduled {
			if cycle.Aborted || cycle.Stopped || l.state.Dying() {
				return nil
			}
			if !l.waitForResume() {
				return nil
			}
			continue
		}

		timer := time.NewTimer(cycle.Delay)
		select {
		case <-l.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// cycle issues one poll request and evaluates its response. It reports
// false when shutdown was requested before a request could be issued.
func (l *Loop) cycle(ctx context.Context) (Cycle, bool) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	l.inFlight = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.inFlight = nil
		l.mu.Unlock()
	}()

	// Shutdown sets the flag before it looks for inFlight, so either it
	// cancels reqCtx or this check observes the flag.
	if l.state.Dying() {
		return Cycle{}, false
	}

	id := l.state.Next()
	url := PollURL(l.cfg.BaseURL, id)
	resp := l.client.Fetch(reqCtx, url, l.cfg.Headers, l.cfg.Timeout)

	c := Cycle{
		RequestID: id,
		URL:       url,
		Response:  resp,
	}

	if resp.Error != nil || resp.StatusCode != http.StatusOK {
		c.Aborted = l.state.Dying() || ctx.Err() != nil
		return c, true
	}

	c.Commands, c.DispatchError = l.safeDispatch(ctx, resp)

	if l.state.Dying() {
		c.Stopped = true
		return c, true
	}

	c.Delay = l.cfg.Delay.Draw(l.cfg.Rand)
	c.Rescheduled = true
	return c, true
}

// safeDispatch runs the dispatcher with panic recovery. A panic is logged
// with its stack under a correlation ID and returned as an error.
func (l *Loop) safeDispatch(ctx context.Context, resp Response) (n int, err error) {
	if l.cfg.Dispatch == nil {
		return 0, nil
	}
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			l.logger.Error("dispatch panic",
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("dispatch panic (correlation_id: %s)", correlationID)
		}
	}()
	return l.cfg.Dispatch(ctx, resp)
}

func (l *Loop) notify(c Cycle) {
	logAttrs := []any{
		"request_id", c.RequestID,
		"status_code", c.Response.StatusCode,
		"latency_ms", c.Response.Latency.Milliseconds(),
	}

	switch {
	case c.Rescheduled:
		l.logger.Debug("poll completed", append(logAttrs, "delay", c.Delay.String())...)
	case c.Aborted:
		l.logger.Debug("poll aborted", logAttrs...)
	case c.Stopped:
		l.logger.Debug("poll completed, loop stopping", logAttrs...)
	case c.Response.Error != nil:
		l.logger.Warn("poll stalled", append(logAttrs, "error", c.Response.Error.Error())...)
	default:
		l.logger.Warn("poll stalled", logAttrs...)
	}

	if l.cfg.OnCycle != nil {
		l.cfg.OnCycle(c)
	}
}

// waitForResume parks the loop after a stall. It returns false on shutdown.
func (l *Loop) waitForResume() bool {
	// discard a token left by a Resume that raced the previous wake
	select {
	case <-l.resume:
	default:
	}

	l.stalled.Store(true)
	defer l.stalled.Store(false)

	select {
	case <-l.done:
		return false
	case <-l.resume:
		l.logger.Info("poll loop resumed", "request_id", l.state.RequestID())
		return true
	}
}

// Stalled reports whether the loop is parked after a non-200 response.
func (l *Loop) Stalled() bool {
	return l.stalled.Load()
}

// Resume reopens a stalled loop. It reports whether the loop was stalled;
// calling it on a running or stopped loop has no effect. Concurrent calls
// during one stall resume the loop once.
func (l *Loop) Resume() bool {
	if l.state.Dying() || !l.stalled.CompareAndSwap(true, false) {
		return false
	}
	select {
	case l.resume <- struct{}{}:
	default:
	}
	return true
}

// Shutdown aborts any outstanding request and sets the shutdown flag so the
// loop never reschedules. Idempotent and safe for concurrent use.
func (l *Loop) Shutdown() {
	l.state.Die()

	l.mu.Lock()
	if l.inFlight != nil {
		l.inFlight()
	}
	l.mu.Unlock()

	l.shutdownOnce.Do(func() { close(l.done) })
}

// Done returns a channel that is closed once shutdown has been requested.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
