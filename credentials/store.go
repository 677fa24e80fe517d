package credentials

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Store provides best-effort durable persistence of the current Credential.
// Storage failures are logged and swallowed: losing a token write must not
// crash an otherwise successful login, it only means the next cold start
// falls back to a fresh login.
type Store struct {
	kv  KeyValue
	log zerolog.Logger
}

// StoreOption defines a function type to modify the Store instance.
type StoreOption func(*Store)

// WithLogger sets the logger used for swallowed storage failures.
func WithLogger(log zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.log = log
	}
}

// NewStore initializes a Store over the given key-value backend.
func NewStore(kv KeyValue, options ...StoreOption) (*Store, error) {
	if kv == nil {
		return nil, errors.New("[NewStore] KeyValue backend is required")
	}

	store := &Store{
		kv:  kv,
		log: zerolog.Nop(),
	}

	for _, opt := range options {
		opt(store)
	}

	return store, nil
}

// Save persists both tokens. The refresh token is only written when
// non-empty so that an access-token-only update cannot clobber a still
// valid refresh token. Partial success is tolerated.
func (s *Store) Save(ctx context.Context, accessToken, refreshToken string) {
	if err := s.kv.Set(ctx, accessTokenKey, accessToken); err != nil {
		s.log.Warn().Err(err).Msg("credentials: saving access token failed")
	}
	if refreshToken == "" {
		return
	}
	if err := s.kv.Set(ctx, refreshTokenKey, refreshToken); err != nil {
		s.log.Warn().Err(err).Msg("credentials: saving refresh token failed")
	}
}

// Load returns whatever is present in storage. Either field may be empty;
// callers must handle partial or missing state.
func (s *Store) Load(ctx context.Context) Credential {
	accessToken, err := s.kv.Get(ctx, accessTokenKey)
	if err != nil {
		s.log.Warn().Err(err).Msg("credentials: loading access token failed")
	}
	refreshToken, err := s.kv.Get(ctx, refreshTokenKey)
	if err != nil {
		s.log.Warn().Err(err).Msg("credentials: loading refresh token failed")
	}
	return Credential{AccessToken: accessToken, RefreshToken: refreshToken}
}

// Clear removes both tokens. Clearing empty storage is a no-op.
func (s *Store) Clear(ctx context.Context) {
	if err := s.kv.Remove(ctx, accessTokenKey); err != nil {
		s.log.Warn().Err(err).Msg("credentials: removing access token failed")
	}
	if err := s.kv.Remove(ctx, refreshTokenKey); err != nil {
		s.log.Warn().Err(err).Msg("credentials: removing refresh token failed")
	}
}
