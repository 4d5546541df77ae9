// Package blob stores attachment payloads in object storage and issues
// time-limited download URLs for them.
package blob

import (
	"context"
	"time"
)

// DefaultURLExpiry is how long signed download URLs stay valid.
const DefaultURLExpiry = 1 * time.Hour

// ObjectStore persists binary payloads under hierarchical keys and issues
// signed, expiring download URLs.
type ObjectStore interface {
	// Put uploads data under key, overwriting any existing object.
	Put(ctx context.Context, key, contentType string, data []byte) error

	// SignedURL returns a pre-signed download URL for key that expires
	// after the given duration.
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}
