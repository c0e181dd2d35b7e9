// Package dashboard provides the embedded operator console for the pushpoll
// server.
//
// This package uses Go's embed directive to include the console HTML, CSS,
// and JavaScript at compile time. This enables single-binary deployment
// without external asset files.
//
// The embedded assets are served by the server package at the root path ("/").
package dashboard

import "embed"

// Assets is an embedded filesystem containing the console web UI.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - Client list and push form with inline CSS and JavaScript
//
//go:embed assets/*
var Assets embed.FS
