package pushpoll

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jpalmerr/pushpoll/internal/command"
	"github.com/prometheus/client_golang/prometheus"
)

// clientConfig holds mutable state during Client construction.
type clientConfig struct {
	clientID       string
	seed           uint64
	headers        map[string]string
	timeout        time.Duration
	minDelay       time.Duration
	maxDelay       time.Duration
	codec          command.Codec
	handlers       map[string]Handler
	cycleCallbacks []func(CycleResult)
	logger         *slog.Logger
	httpClient     *http.Client
	registerer     prometheus.Registerer
	rand           func() float64
}

// Option is a function that configures a [Client] during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
type Option func(*clientConfig) error

// WithClientID sets the identifier the server uses to route commands to this
// client. It is sent in the X-Pushpoll-Client header. Defaults to a random UUID.
//
// Returns an error if id is empty.
func WithClientID(id string) Option {
	return func(cfg *clientConfig) error {
		if id == "" {
			return errors.New("client id cannot be empty")
		}
		cfg.clientID = id
		return nil
	}
}

// WithInitialRequestID seeds the request counter. The first poll carries
// seed+1 in its _req_ parameter. Defaults to 0.
//
// Use this when surrounding code hands the client a counter that must keep
// increasing across restarts.
func WithInitialRequestID(seed uint64) Option {
	return func(cfg *clientConfig) error {
		cfg.seed = seed
		return nil
	}
}

// WithHeaders adds HTTP headers sent with every poll request.
//
// Arguments are key-value pairs: WithHeaders("Authorization", "Bearer x").
// Can be called multiple times; later values for the same key win.
//
// Returns an error if an odd number of arguments is given.
func WithHeaders(keyValues ...string) Option {
	return func(cfg *clientConfig) error {
		if len(keyValues)%2 != 0 {
			return errors.New("WithHeaders requires an even number of arguments (key-value pairs)")
		}
		for i := 0; i < len(keyValues); i += 2 {
			cfg.headers[keyValues[i]] = keyValues[i+1]
		}
		return nil
	}
}

// WithRequestTimeout bounds how long a single poll may stay open.
// It should exceed the server's hold timeout. Defaults to 60 seconds.
//
// Returns an error if the duration is zero or negative.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) error {
		if d <= 0 {
			return errors.New("request timeout must be positive")
		}
		cfg.timeout = d
		return nil
	}
}

// WithDelayRange sets the half-open range [min, max) the reopen delay is
// drawn from. Defaults to [3s, 8s).
//
// Returns an error if min is not positive or max is not greater than min.
func WithDelayRange(min, max time.Duration) Option {
	return func(cfg *clientConfig) error {
		if min <= 0 {
			return errors.New("minimum delay must be positive")
		}
		if max <= min {
			return fmt.Errorf("maximum delay %s must be greater than minimum %s", max, min)
		}
		cfg.minDelay = min
		cfg.maxDelay = max
		return nil
	}
}

// WithCodec selects the wire encoding requested from the server through the
// Accept header: "json" (default) or "cbor". Responses are always decoded
// according to their Content-Type.
func WithCodec(name string) Option {
	return func(cfg *clientConfig) error {
		codec, err := command.ParseCodec(name)
		if err != nil {
			return err
		}
		cfg.codec = codec
		return nil
	}
}

// WithHandler registers the [Handler] for a command type, replacing any
// previous handler for that type.
//
// Returns an error if the type is empty or the handler is nil.
//
// Example:
//
//	client, err := pushpoll.New(baseURL,
//	    pushpoll.WithHandler("reload", func(ctx context.Context, cmd pushpoll.Command) error {
//	        return reloadConfig(cmd.Arg("path"))
//	    }),
//	)
func WithHandler(commandType string, h Handler) Option {
	return func(cfg *clientConfig) error {
		if commandType == "" {
			return errors.New("command type cannot be empty")
		}
		if h == nil {
			return fmt.Errorf("handler for %q cannot be nil", commandType)
		}
		cfg.handlers[commandType] = h
		return nil
	}
}

// WithCycleCallback registers a function called after every poll cycle.
//
// Multiple callbacks may be registered; they execute in registration order
// on the poll loop goroutine, so they must not block. Panics are recovered
// and logged. Nil callbacks are silently ignored.
func WithCycleCallback(cb func(CycleResult)) Option {
	return func(cfg *clientConfig) error {
		if cb == nil {
			return nil
		}
		cfg.cycleCallbacks = append(cfg.cycleCallbacks, cb)
		return nil
	}
}

// WithLogger sets a custom [slog.Logger]. If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *clientConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithHTTPClient replaces the default keep-alive HTTP client, e.g. to add TLS
// configuration or a proxy.
//
// Returns an error if the client is nil.
func WithHTTPClient(hc *http.Client) Option {
	return func(cfg *clientConfig) error {
		if hc == nil {
			return errors.New("http client cannot be nil")
		}
		cfg.httpClient = hc
		return nil
	}
}

// WithMetrics registers the client's Prometheus collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(cfg *clientConfig) error {
		if reg == nil {
			return errors.New("metrics registerer cannot be nil")
		}
		cfg.registerer = reg
		return nil
	}
}

// WithRandom replaces the source of the reopen jitter. rnd must return values
// in [0, 1). Mostly useful for deterministic tests.
func WithRandom(rnd func() float64) Option {
	return func(cfg *clientConfig) error {
		if rnd == nil {
			return errors.New("random source cannot be nil")
		}
		cfg.rand = rnd
		return nil
	}
}
