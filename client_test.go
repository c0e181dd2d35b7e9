package pushpoll

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpalmerr/pushpoll/internal/command"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordedPoll is what the test server saw for one poll request.
type recordedPoll struct {
	action string
	req    string
	client string
	accept string
}

// pushServer is a poll endpoint whose responses are scripted per request.
type pushServer struct {
	*httptest.Server

	mu    sync.Mutex
	polls []recordedPoll
}

// newPushServer starts a server answering the n-th poll (1-based) with respond.
func newPushServer(t *testing.T, respond func(n int, w http.ResponseWriter, r *http.Request)) *pushServer {
	t.Helper()
	ps := &pushServer{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		ps.mu.Lock()
		ps.polls = append(ps.polls, recordedPoll{
			action: q.Get("_action_"),
			req:    q.Get("_req_"),
			client: r.Header.Get(ClientIDHeader),
			accept: r.Header.Get("Accept"),
		})
		n := len(ps.polls)
		ps.mu.Unlock()
		respond(n, w, r)
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushServer) baseURL() string {
	return ps.URL + "/push?_action_="
}

func (ps *pushServer) recorded() []recordedPoll {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]recordedPoll(nil), ps.polls...)
}

// writeJSON answers with an envelope holding cmds.
func writeJSON(w http.ResponseWriter, cmds ...command.Command) {
	body, _ := command.Encode(command.JSON, command.NewEnvelope(cmds...))
	w.Header().Set("Content-Type", command.MediaTypeJSON)
	_, _ = w.Write(body)
}

// emptyBatch answers every poll with an empty envelope.
func emptyBatch(n int, w http.ResponseWriter, r *http.Request) {
	writeJSON(w)
}

// cycleRecorder collects cycle results without ever blocking the loop.
func cycleRecorder() (func(CycleResult), <-chan CycleResult) {
	ch := make(chan CycleResult, 64)
	return func(r CycleResult) {
		select {
		case ch <- r:
		default:
		}
	}, ch
}

func waitCycle(t *testing.T, ch <-chan CycleResult) CycleResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for poll cycle")
		return CycleResult{}
	}
}

// fastOptions keeps reopen delays in the low milliseconds.
func fastOptions(extra ...Option) []Option {
	return append([]Option{
		WithLogger(testLogger()),
		WithDelayRange(time.Millisecond, 3*time.Millisecond),
	}, extra...)
}

// startClient runs c.Start in the background and returns its result channel.
func startClient(ctx context.Context, c *Client) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx)
	}()
	return done
}

func waitStart(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return")
	}
}

// TestStart_BlocksUntilContextCancelled verifies that Start blocks until the
// provided context is cancelled.
func TestStart_BlocksUntilContextCancelled(t *testing.T) {
	ps := newPushServer(t, emptyBatch)

	c, err := New(ps.baseURL(), fastOptions()...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := startClient(ctx, c)

	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Start() returned early with error: %v", err)
	default:
	}

	cancel()
	waitStart(t, done)

	select {
	case <-c.Done():
	default:
		t.Error("Done() should be closed after context cancellation")
	}
}

// TestStart_ContextAlreadyCancelled verifies that no request is made when the
// context is cancelled before Start.
func TestStart_ContextAlreadyCancelled(t *testing.T) {
	ps := newPushServer(t, emptyBatch)

	c, err := New(ps.baseURL(), fastOptions()...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	waitStart(t, startClient(ctx, c))

	if n := len(ps.recorded()); n != 0 {
		t.Errorf("server saw %d polls, want 0", n)
	}
}

func TestStart_Twice(t *testing.T) {
	ps := newPushServer(t, emptyBatch)
	cb, cycles := cycleRecorder()

	var buf bytes.Buffer
	var bufMu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{w: &buf, mu: &bufMu}, nil))

	c, err := New(ps.baseURL(), fastOptions(WithCycleCallback(cb), WithLogger(logger))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := startClient(ctx, c)
	waitCycle(t, cycles)

	if err := c.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	cancel()
	waitStart(t, done)

	bufMu.Lock()
	starts := strings.Count(buf.String(), "pushpoll client starting")
	bufMu.Unlock()
	if starts != 1 {
		t.Errorf("logged %d start messages, want 1", starts)
	}
}

// TestClient_PollRequestFormat verifies the poll URL, the request counter and
// the identifying headers.
func TestClient_PollRequestFormat(t *testing.T) {
	ps := newPushServer(t, emptyBatch)
	cb, cycles := cycleRecorder()

	c, err := New(ps.baseURL(), fastOptions(
		WithClientID("kiosk-7"),
		WithInitialRequestID(41),
		WithCodec("cbor"),
		WithCycleCallback(cb),
	)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := startClient(ctx, c)

	first := waitCycle(t, cycles)
	second := waitCycle(t, cycles)
	cancel()
	waitStart(t, done)

	if first.RequestID != 42 || second.RequestID != 43 {
		t.Errorf("request ids = %d, %d, want 42, 43", first.RequestID, second.RequestID)
	}
	if want := ps.baseURL() + "Poll&_req_=42"; first.URL != want {
		t.Errorf("URL = %q, want %q", first.URL, want)
	}

	polls := ps.recorded()
	if len(polls) < 2 {
		t.Fatalf("server saw %d polls, want at least 2", len(polls))
	}
	for i, p := range polls {
		if p.action != "Poll" {
			t.Errorf("poll %d: _action_ = %q, want Poll", i, p.action)
		}
		if want := strconv.Itoa(42 + i); p.req != want {
			t.Errorf("poll %d: _req_ = %q, want %s", i, p.req, want)
		}
		if p.client != "kiosk-7" {
			t.Errorf("poll %d: client header = %q, want kiosk-7", i, p.client)
		}
		if p.accept != command.MediaTypeCBOR {
			t.Errorf("poll %d: Accept = %q, want %s", i, p.accept, command.MediaTypeCBOR)
		}
	}
}

func TestClient_DispatchesCommandsInOrder(t *testing.T) {
	ps := newPushServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			writeJSON(w,
				command.New("echo", map[string]any{"text": "first"}),
				command.New("echo", map[string]any{"text": "second"}),
			)
			return
		}
		writeJSON(w)
	})
	cb, cycles := cycleRecorder()

	var mu sync.Mutex
	var got []string
	echo := func(ctx context.Context, cmd Command) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, cmd.Arg("text"))
		return nil
	}

	c, err := New(ps.baseURL(), fastOptions(WithHandler("echo", echo), WithCycleCallback(cb))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := startClient(ctx, c)
	result := waitCycle(t, cycles)
	cancel()
	waitStart(t, done)

	if result.Outcome != OutcomeOK {
		t.Errorf("Outcome = %q, want ok", result.Outcome)
	}
	if result.Commands != 2 {
		t.Errorf("Commands = %d, want 2", result.Commands)
	}
	if result.Error != nil {
		t.Errorf("Error = %v, want nil", result.Error)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, ",") != "first,second" {
		t.Errorf("handled = %v, want [first second]", got)
	}
}

func TestClient_DecodesCBORResponse(t *testing.T) {
	ps := newPushServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		env := command.NewEnvelope(command.New("echo", map[string]any{"text": "hi", "n": 7}))
		body, _ := command.Encode(command.CBOR, env)
		w.Header().Set("Content-Type", command.MediaTypeCBOR)
		_, _ = w.Write(body)
	})

	got := make(chan Command, 8)
	echo := func(ctx context.Context, cmd Command) error {
		select {
		case got <- cmd:
		default:
		}
		return nil
	}

	c, err := New(ps.baseURL(), fastOptions(WithCodec("cbor"), WithHandler("echo", echo))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := startClient(ctx, c)

	var cmd Command
	select {
	case cmd = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for command")
	}
	cancel()
	waitStart(t, done)

	if cmd.Arg("text") != "hi" {
		t.Errorf("Arg(text) = %q, want hi", cmd.Arg("text"))
	}
	if cmd.Arg("n") != "7" {
		t.Errorf("Arg(n) = %q, want 7", cmd.Arg("n"))
	}
	if cmd.ID == "" {
		t.Error("command id should survive CBOR decoding")
	}
}

func TestClient_UnknownCommandStillReschedules(t *testing.T) {
	ps := newPushServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		writeJSON(w, command.New("teleport", nil))
	})
	cb, cycles := cycleRecorder()

	c, err := New(ps.baseURL(), fastOptions(WithCycleCallback(cb))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := startClient(ctx, c)
	first := waitCycle(t, cycles)
	waitCycle(t, cycles)
	cancel()
	waitStart(t, done)

	if !errors.Is(first.Error, ErrUnknownCommand) {
		t.Errorf("Error = %v, want ErrUnknownCommand", first.Error)
	}
	if first.Outcome != OutcomeOK {
		t.Errorf("Outcome = %q, want ok", first.Outcome)
	}
	if first.Delay < time.Millisecond || first.Delay >= 3*time.Millisecond {
		t.Errorf("Delay = %v, want in [1ms, 3ms)", first.Delay)
	}
}

func TestClient_MalformedBodyStillReschedules(t *testing.T) {
	ps := newPushServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", command.MediaTypeJSON)
		_, _ = w.Write([]byte("alert('hello')"))
	})
	cb, cycles := cycleRecorder()

	c, err := New(ps.baseURL(), fastOptions(WithCycleCallback(cb))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := startClient(ctx, c)
	first := waitCycle(t, cycles)
	second := waitCycle(t, cycles)
	cancel()
	waitStart(t, done)

	if first.Error == nil || !strings.Contains(first.Error.Error(), "decode commands") {
		t.Errorf("Error = %v, want decode error", first.Error)
	}
	if second.RequestID != first.RequestID+1 {
		t.Errorf("second RequestID = %d, want %d", second.RequestID, first.RequestID+1)
	}
}

func TestClient_HandlerPanicDoesNotStopLoop(t *testing.T) {
	ps := newPushServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		writeJSON(w, command.New("boom", nil), command.New("echo", nil))
	})
	cb, cycles := cycleRecorder()

	var echoed atomic.Int32
	c, err := New(ps.baseURL(), fastOptions(
		WithHandler("boom", func(ctx context.Context, cmd Command) error { panic("kaboom") }),
		WithHandler("echo", func(ctx context.Context, cmd Command) error { echoed.Add(1); return nil }),
		WithCycleCallback(cb),
	)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := startClient(ctx, c)
	first := waitCycle(t, cycles)
	waitCycle(t, cycles)
	cancel()
	waitStart(t, done)

	if first.Error == nil || !strings.Contains(first.Error.Error(), "panicked") {
		t.Errorf("Error = %v, want panic error", first.Error)
	}
	if echoed.Load() < 2 {
		t.Errorf("echo ran %d times, want at least 2 (commands after a panic still run)", echoed.Load())
	}
}

// TestClient_NonOKStallsUntilResume verifies that a non-200 response stops the
// loop until Resume is called.
func TestClient_NonOKStallsUntilResume(t *testing.T) {
	ps := newPushServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w)
	})
	cb, cycles := cycleRecorder()

	c, err := New(ps.baseURL(), fastOptions(WithCycleCallback(cb))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := startClient(ctx, c)
	defer func() {
		cancel()
		waitStart(t, done)
	}()

	first := waitCycle(t, cycles)
	if first.Outcome != OutcomeStalled {
		t.Errorf("Outcome = %q, want stalled", first.Outcome)
	}
	if first.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", first.StatusCode)
	}
	if !errors.Is(first.Error, ErrUnexpectedStatus) {
		t.Errorf("Error = %v, want ErrUnexpectedStatus", first.Error)
	}
	if first.Delay != 0 {
		t.Errorf("Delay = %v, want 0", first.Delay)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !c.Stalled() {
		if time.Now().After(deadline) {
			t.Fatal("client never reported Stalled()")
		}
		time.Sleep(time.Millisecond)
	}

	time.Sleep(30 * time.Millisecond)
	if n := len(ps.recorded()); n != 1 {
		t.Fatalf("server saw %d polls while stalled, want 1", n)
	}

	if !c.Resume() {
		t.Fatal("Resume() = false on a stalled client")
	}

	second := waitCycle(t, cycles)
	if second.Outcome != OutcomeOK || second.RequestID != 2 {
		t.Errorf("after resume: Outcome = %q RequestID = %d, want ok 2", second.Outcome, second.RequestID)
	}
}

func TestClient_ResumeWhenRunning(t *testing.T) {
	c, err := New(testBaseURL, WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.Resume() {
		t.Error("Resume() = true on a client that is not stalled")
	}
}

// TestClient_ShutdownFromHandler verifies that a handler can stop the loop and
// that nothing is rescheduled afterwards.
func TestClient_ShutdownFromHandler(t *testing.T) {
	ps := newPushServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		writeJSON(w, command.New("quit", nil))
	})
	cb, cycles := cycleRecorder()

	var c *Client
	quit := func(ctx context.Context, cmd Command) error {
		c.Shutdown()
		return nil
	}

	var err error
	c, err = New(ps.baseURL(), fastOptions(WithHandler("quit", quit), WithCycleCallback(cb))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	waitStart(t, startClient(context.Background(), c))

	result := waitCycle(t, cycles)
	if result.Outcome != OutcomeOK {
		t.Errorf("Outcome = %q, want ok", result.Outcome)
	}
	if result.Delay != 0 {
		t.Errorf("Delay = %v, want 0 after shutdown", result.Delay)
	}
	if n := len(ps.recorded()); n != 1 {
		t.Errorf("server saw %d polls, want 1", n)
	}
}

// TestClient_ShutdownAbortsHeldPoll verifies that Shutdown cancels a request
// the server is still holding open.
func TestClient_ShutdownAbortsHeldPoll(t *testing.T) {
	received := make(chan struct{}, 1)
	ps := newPushServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		<-r.Context().Done()
	})
	cb, cycles := cycleRecorder()

	c, err := New(ps.baseURL(), fastOptions(WithCycleCallback(cb))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := startClient(context.Background(), c)

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("server never received a poll")
	}

	c.Shutdown()
	c.Shutdown()
	waitStart(t, done)

	result := waitCycle(t, cycles)
	if result.Outcome != OutcomeAborted {
		t.Errorf("Outcome = %q, want aborted", result.Outcome)
	}
	if result.Error == nil {
		t.Error("aborted cycle should carry the transport error")
	}
}

func TestClient_MetricsRecorded(t *testing.T) {
	ps := newPushServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		writeJSON(w, command.New("tick", nil))
	})
	reg := prometheus.NewRegistry()

	var c *Client
	var ticks atomic.Int32
	tick := func(ctx context.Context, cmd Command) error {
		if ticks.Add(1) == 2 {
			c.Shutdown()
		}
		return nil
	}

	var err error
	c, err = New(ps.baseURL(), fastOptions(WithHandler("tick", tick), WithMetrics(reg))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	waitStart(t, startClient(context.Background(), c))

	expected := `
# HELP pushpoll_client_commands_total Dispatched commands by type and result.
# TYPE pushpoll_client_commands_total counter
pushpoll_client_commands_total{result="ok",type="tick"} 2
# HELP pushpoll_client_cycles_total Completed poll cycles by outcome.
# TYPE pushpoll_client_cycles_total counter
pushpoll_client_cycles_total{outcome="ok"} 2
# HELP pushpoll_client_request_id Request counter value of the most recent poll.
# TYPE pushpoll_client_request_id gauge
pushpoll_client_request_id 2
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"pushpoll_client_commands_total",
		"pushpoll_client_cycles_total",
		"pushpoll_client_request_id",
	)
	if err != nil {
		t.Errorf("metrics mismatch: %v", err)
	}
}
