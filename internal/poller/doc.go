// Package poller implements the client side of the pushpoll long-poll
// protocol.
//
// This package is internal to pushpoll and handles the request loop itself:
// keeping one poll request open against the server, handing successful
// responses to a dispatcher, and reopening the connection after a jittered
// delay.
//
// The main components are:
//
//   - [Client]: HTTP client wrapper with per-request timeout and size limits
//   - [State]: request counter and shutdown flag owned by one loop
//   - [DelayRange]: uniform jitter for the reopen delay
//   - [Loop]: the single-flight poll loop with shutdown and resume
//
// Users of the pushpoll library should not need to interact with this
// package directly. Configuration is done through the main pushpoll package.
package poller
