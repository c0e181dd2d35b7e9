package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpalmerr/pushpoll/internal/command"
	"github.com/jpalmerr/pushpoll/internal/metrics"
	"github.com/jpalmerr/pushpoll/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultHoldTimeout is how long a poll is held when nothing is queued.
	// It must stay below the clients' request timeout.
	DefaultHoldTimeout = 25 * time.Second

	// DefaultPollPath is where clients poll when no path is configured.
	DefaultPollPath = "/push"

	// ClientHeader identifies the polling client.
	ClientHeader = "X-Pushpoll-Client"

	// BroadcastTarget addresses every known client in an enqueue request.
	BroadcastTarget = "*"

	// maxRequestBody bounds enqueue request bodies.
	maxRequestBody = 1 << 20

	// shutdownTimeout bounds graceful shutdown of in-flight requests.
	shutdownTimeout = 5 * time.Second

	// defaultTitle is used when no custom title is configured.
	defaultTitle = "pushpoll"

	// titlePlaceholder is the marker in HTML that gets replaced with the actual title.
	titlePlaceholder = "{{.Title}}"
)

// Config contains the settings for a [Server].
type Config struct {
	// Port is the TCP port to listen on. Zero picks a free port.
	Port int

	// PollPath is the path clients poll. Defaults to [DefaultPollPath].
	PollPath string

	// HoldTimeout is how long an empty poll is held open.
	// Defaults to [DefaultHoldTimeout].
	HoldTimeout time.Duration

	// ClientTTL is how long a client may go without polling before it is
	// forgotten. Defaults to [store.DefaultClientTTL]; values not above
	// HoldTimeout are raised to twice HoldTimeout.
	ClientTTL time.Duration

	// Title is substituted into the console page.
	Title string

	// Assets holds assets/index.html for the console. nil disables "/".
	Assets fs.FS

	// Metrics records poll and enqueue activity. May be nil.
	Metrics *metrics.ServerMetrics

	// Gatherer is exposed at /metrics. nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server handles HTTP requests for the push protocol, the command API and
// the console.
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	store      store.Store
	cfg        Config
	httpServer *http.Server
	addr       net.Addr
	logger     *slog.Logger

	// stopping is closed when the server context is cancelled; held polls
	// use it to tell shutdown apart from a client going away.
	stopping <-chan struct{}

	// stopped is closed once graceful shutdown has finished.
	stopped chan struct{}
}

// NewServer creates a new HTTP [Server] backed by st.
//
// The server is not started until [Server.Start] is called.
func NewServer(st store.Store, cfg Config, logger *slog.Logger) *Server {
	if cfg.PollPath == "" {
		cfg.PollPath = DefaultPollPath
	}
	if cfg.HoldTimeout <= 0 {
		cfg.HoldTimeout = DefaultHoldTimeout
	}
	if cfg.ClientTTL <= 0 {
		cfg.ClientTTL = store.DefaultClientTTL
	}
	// a held poll must never outlive its client entry
	if cfg.ClientTTL <= cfg.HoldTimeout {
		cfg.ClientTTL = 2 * cfg.HoldTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   st,
		cfg:     cfg,
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(s.cfg.PollPath, s.handlePoll)

	// API routes
	mux.HandleFunc("/api/commands", s.handleCommands)
	mux.HandleFunc("/api/clients", s.handleClients)

	if s.cfg.Gatherer != nil {
		mux.Handle("/metrics", metrics.Handler(s.cfg.Gatherer))
	}

	// serve console assets
	if s.cfg.Assets != nil {
		// serve index.html at root
		mux.HandleFunc("/", s.handleDashboard)
	}

	return mux
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.cfg.Port, err)
	}
	s.addr = ln.Addr()
	s.stopping = ctx.Done()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// so held polls return promptly on shutdown.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go s.evictIdle(ctx)

	// shutdown on context cancellation
	go func() {
		defer close(s.stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("push server listening",
		"addr", s.addr.String(),
		"poll_path", s.cfg.PollPath,
		"hold_timeout", s.cfg.HoldTimeout.String(),
	)
	return nil
}

// evictIdle periodically forgets clients that stopped polling. It returns
// when ctx is cancelled.
func (s *Server) evictIdle(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ClientTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.store.Evict(s.cfg.ClientTTL); len(evicted) > 0 {
				s.logger.Info("evicted idle clients",
					"clients", len(evicted),
					"client_ids", evicted,
					"ttl", s.cfg.ClientTTL.String(),
				)
			}
		}
	}
}

// Stopped returns a channel that is closed once the server has shut down
// after its context was cancelled.
func (s *Server) Stopped() <-chan struct{} {
	return s.stopped
}

// Addr returns the bound listen address, or nil before [Server.Start].
func (s *Server) Addr() net.Addr {
	return s.addr
}

// handlePoll answers GET <path>?_action_=Poll&_req_=N.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if action := q.Get("_action_"); action != "Poll" {
		http.Error(w, fmt.Sprintf("unknown action %q", action), http.StatusBadRequest)
		return
	}

	client := r.Header.Get(ClientHeader)
	if client == "" {
		client = q.Get("_client_")
	}
	if client == "" {
		http.Error(w, "missing client id", http.StatusBadRequest)
		return
	}

	reqID, err := strconv.ParseUint(q.Get("_req_"), 10, 64)
	if err != nil {
		http.Error(w, "invalid _req_ parameter", http.StatusBadRequest)
		return
	}

	if s.store.Touch(client, reqID) {
		s.cfg.Metrics.StaleRequest()
		s.logger.Warn("stale poll request", "client_id", client, "request_id", reqID)
	}

	codec := command.Negotiate(r.Header.Get("Accept"))

	s.cfg.Metrics.PollStarted()
	cmds, result := s.hold(r.Context(), client)
	s.cfg.Metrics.PollFinished(result, len(cmds))

	if result == "canceled" {
		s.logger.Debug("poll abandoned by client", "client_id", client, "request_id", reqID)
		return
	}

	body, err := command.Encode(codec, command.NewEnvelope(cmds...))
	if err != nil {
		s.logger.Error("failed to encode poll response", "client_id", client, "error", err)
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", codec.MediaType())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Vary", "Accept")
	if _, err := w.Write(body); err != nil {
		s.logger.Warn("failed to write poll response", "client_id", client, "error", err)
		return
	}

	s.logger.Debug("poll answered",
		"client_id", client,
		"request_id", reqID,
		"result", result,
		"commands", len(cmds),
	)
}

// hold waits for commands for client. It returns what was drained and one of
// "delivered", "timeout", "shutdown" or "canceled".
func (s *Server) hold(ctx context.Context, client string) ([]command.Command, string) {
	if cmds := s.store.Drain(client); len(cmds) > 0 {
		return cmds, "delivered"
	}

	timer := time.NewTimer(s.cfg.HoldTimeout)
	defer timer.Stop()

	wake := s.store.Wait(client)
	for {
		select {
		case <-wake:
			// the wakeup may predate the last drain
			if cmds := s.store.Drain(client); len(cmds) > 0 {
				return cmds, "delivered"
			}
		case <-timer.C:
			return nil, "timeout"
		case <-s.stopping:
			return nil, "shutdown"
		case <-ctx.Done():
			// request context is derived from server context via BaseContext,
			// so this fires on both client disconnect AND server shutdown
			if s.isStopping() {
				return nil, "shutdown"
			}
			return nil, "canceled"
		}
	}
}

func (s *Server) isStopping() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

// EnqueueRequest is the body accepted by POST /api/commands.
type EnqueueRequest struct {
	// Client is the target client id, or "*" for every known client.
	Client string `json:"client"`

	// Commands are queued in order. Missing ids are generated.
	Commands []command.Command `json:"commands"`
}

// EnqueueResponse is returned by POST /api/commands.
type EnqueueResponse struct {
	Client   string   `json:"client"`
	IDs      []string `json:"ids"`
	Clients  int      `json:"clients"`
	Dropped  int      `json:"dropped"`
	Accepted int      `json:"accepted"`
}

// handleCommands queues commands for one client or broadcasts them.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Client == "" {
		http.Error(w, "client is required", http.StatusBadRequest)
		return
	}
	if len(req.Commands) == 0 {
		http.Error(w, "at least one command is required", http.StatusBadRequest)
		return
	}

	ids := make([]string, len(req.Commands))
	for i := range req.Commands {
		if err := req.Commands[i].Validate(); err != nil {
			http.Error(w, fmt.Sprintf("commands[%d]: %v", i, err), http.StatusBadRequest)
			return
		}
		if req.Commands[i].ID == "" {
			req.Commands[i].ID = uuid.NewString()
		}
		ids[i] = req.Commands[i].ID
	}

	resp := EnqueueResponse{Client: req.Client, IDs: ids, Accepted: len(req.Commands)}
	if req.Client == BroadcastTarget {
		resp.Clients = s.store.Broadcast(req.Commands...)
	} else {
		resp.Dropped = s.store.Enqueue(req.Client, req.Commands...)
		resp.Clients = 1
	}
	s.cfg.Metrics.Enqueued(len(req.Commands) * resp.Clients)

	s.logger.Info("commands enqueued",
		"client_id", req.Client,
		"commands", len(req.Commands),
		"clients", resp.Clients,
		"dropped", resp.Dropped,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode enqueue response", "error", err)
	}
}

// handleClients returns all known clients as JSON.
func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clients := s.store.Clients()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	if err := json.NewEncoder(w).Encode(clients); err != nil {
		s.logger.Error("failed to encode clients response", "error", err)
	}
}

// handleDashboard serves the console page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if s.cfg.Assets == nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	// read index.html from embedded assets
	content, err := fs.ReadFile(s.cfg.Assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	// apply title substitution with HTML escaping to prevent XSS
	title := s.cfg.Title
	if title == "" {
		title = defaultTitle
	}
	safeTitle := html.EscapeString(title)
	rendered := strings.ReplaceAll(string(content), titlePlaceholder, safeTitle)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write dashboard response", "error", err)
	}
}
