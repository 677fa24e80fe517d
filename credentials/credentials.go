// Package credentials persists the current access/refresh token pair across
// process restarts. The Store is the sole owner of the two storage keys it
// uses; everything else reads tokens through the in-memory session state.
package credentials

import "context"

// Storage keys. These match the keys the mobile clients use so a device can
// upgrade between client versions without losing its session.
const (
	accessTokenKey  = "kora_access_token"
	refreshTokenKey = "kora_refresh_token"
)

// Credential is the access/refresh token pair. Both values are opaque to the
// client: expiry is never parsed locally, the client reacts to rejection.
type Credential struct {
	AccessToken  string
	RefreshToken string
}

// IsZero reports whether no token at all is present.
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// KeyValue is the durable device storage boundary. Each operation is
// independently failable; Get returns "" with a nil error when the key is
// absent.
type KeyValue interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}
