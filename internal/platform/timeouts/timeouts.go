// Package timeouts defines shared timeout constants used across sessionstream
// binaries so the HTTP surface, the sweeper, and store opens agree on limits.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// StoreOpen caps how long a journal backend may take to open or ping.
const StoreOpen = 5 * time.Second

// SweepInterval is the default period between idle-session sweeps.
const SweepInterval = 30 * time.Second

// WebSocketWrite caps a single frame write to a tail subscriber.
const WebSocketWrite = 2 * time.Second
