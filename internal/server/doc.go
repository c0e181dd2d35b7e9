// Package server provides the HTTP push server that long-polling pushpoll
// clients connect to.
//
// The server handles all HTTP concerns:
//
//   - Poll action: Holds GET <path>?_action_=Poll&_req_=N open until commands
//     are queued for the client or the hold timeout elapses
//   - REST API: "/api/commands" to queue commands, "/api/clients" to list clients
//   - Metrics: Prometheus exposition at "/metrics"
//   - Console: Serves the embedded HTML console at "/"
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests. Held polls are answered with an
// empty batch when the server shuts down.
package server
