// Package command defines the wire format for commands pushed from a
// pushpoll server to its polling clients.
//
// Commands travel in a versioned [Envelope]. Each [Command] is a tagged
// message: Type selects the handler on the client, Args carries an opaque
// key-value payload, and ID optionally correlates the command with the
// request that enqueued it.
//
// Two codecs are supported and negotiated through standard HTTP media types:
//
//   - [JSON]: application/json (default)
//   - [CBOR]: application/cbor
//
// This package is internal to pushpoll. Users of the library interact with
// [pushpoll.Command] and register handlers on [pushpoll.Client].
package command
