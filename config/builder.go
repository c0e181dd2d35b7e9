package config

import (
	"io"
	"sort"

	"github.com/jpalmerr/pushpoll"
	"github.com/jpalmerr/pushpoll/internal/server"
)

// BuildClientOptions converts a client section into SDK options for
// [pushpoll.New]. The print handler, when enabled, writes to stdout.
//
// Logger, metrics and cycle callbacks are left to the caller.
func BuildClientOptions(cc *ClientConfig, stdout io.Writer) []pushpoll.Option {
	var opts []pushpoll.Option

	if cc.ID != "" {
		opts = append(opts, pushpoll.WithClientID(cc.ID))
	}

	if cc.InitialRequestID != 0 {
		opts = append(opts, pushpoll.WithInitialRequestID(cc.InitialRequestID))
	}

	if cc.Timeout != 0 {
		opts = append(opts, pushpoll.WithRequestTimeout(cc.Timeout.Duration()))
	}

	if cc.MinDelay != 0 || cc.MaxDelay != 0 {
		opts = append(opts, pushpoll.WithDelayRange(cc.MinDelay.Duration(), cc.MaxDelay.Duration()))
	}

	if cc.Codec != "" {
		opts = append(opts, pushpoll.WithCodec(cc.Codec))
	}

	if len(cc.Headers) > 0 {
		opts = append(opts, pushpoll.WithHeaders(mapToKeyValuePairs(cc.Headers)...))
	}

	for _, h := range cc.Handlers {
		// log and noop are registered by pushpoll.New
		if h == pushpoll.TypePrint {
			opts = append(opts, pushpoll.WithHandler(pushpoll.TypePrint, pushpoll.PrintHandler(stdout)))
		}
	}

	return opts
}

// BuildServerConfig converts a server section into push server settings.
//
// Assets, metrics and the gatherer are left to the caller.
func BuildServerConfig(sc *ServerConfig) server.Config {
	return server.Config{
		Port:        sc.Port,
		PollPath:    sc.PollPath,
		HoldTimeout: sc.HoldTimeout.Duration(),
		ClientTTL:   sc.ClientTTL.Duration(),
		Title:       sc.Title,
	}
}

// mapToKeyValuePairs converts a map to a sorted slice of key-value pairs.
func mapToKeyValuePairs(m map[string]string) []string {
	// sort keys for deterministic ordering
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(m)*2)
	for _, k := range keys {
		pairs = append(pairs, k, m[k])
	}
	return pairs
}
