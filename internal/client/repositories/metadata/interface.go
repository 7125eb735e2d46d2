// Package metadata is the key/value persistence layer of the local store.
// Each logical record (the offline queue, the sealed credentials, the
// credential salt) lives under its own key as an opaque blob.
package metadata

import (
	"context"
)

// Keys used by the client core.
const (
	KeyOfflineQueue   = "offline_queue"
	KeyCredentials    = "credentials"
	KeyCredentialSalt = "credential_salt"
)

// Repository stores opaque values under string keys. Get returns (nil, nil)
// for a missing key.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}
