// Package cli provides the interactive apicore command-line client.
//
// It wires configuration, the local store, certificate pinning, the API
// client and the offline queue, then runs a small REPL on top of them.
// A background monitor keeps the online flag current; when the device comes
// back online the offline queue is replayed.
//
// Commands:
//   - login / logout
//   - send <text> (queued while offline)
//   - sync, status, pins
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
