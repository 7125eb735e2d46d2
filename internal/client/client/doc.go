// Package client is the resilient API client: the single entry point that
// turns a logical call into an authenticated, pinned, retried and, while
// offline, deferred HTTP exchange.
//
// # Overview
//
// For every call the client:
//  1. Checks connectivity through the OfflineQueue. Offline calls to
//     queueable endpoints are persisted and reported as
//     *OfflineError{Queued: true}; everything else fails with Queued=false.
//  2. Encodes the body (mutating calls without one send "{}") and stamps the
//     request through the interceptor.
//  3. Sends it over a transport whose TLS config comes from the pinning
//     validator, with a per-attempt timeout.
//  4. Retries transient transport errors and 5xx (except 501) with
//     exponential backoff and jitter, up to MaxRetryAttempts.
//  5. On 401 runs one shared token refresh and replays the call once with a
//     fresh retry budget.
//  6. Decodes 2xx bodies, or maps other statuses to *ServerError or
//     *HTTPError.
//
// # Error Handling
//
// Callers match outcomes with errors.Is against ErrOffline, ErrNetwork,
// ErrHTTP, ErrServer, ErrTokenExpired, ErrDecoding, ErrTrustFailure and
// ErrNotAuthenticated, or errors.As for the structured variants.
// UserMessage renders any of them for display.
//
// # Concurrency
//
// Client is safe for concurrent use. Retries within one call are strictly
// sequential. At most one token refresh runs at a time; callers that hit a
// 401 meanwhile wait for it and share its outcome.
package client
