package auth

import "context"

// tokenHashKey is the config-table key under which the current token's hash
// is stored.
const tokenHashKey = "api_token_hash"

// ConfigStore is the subset of *logstore.Store a TokenStore needs.
type ConfigStore interface {
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, bool, error)
	DeleteConfig(ctx context.Context, key string) error
}

// TokenStore persists a single Bearer token's Argon2id hash in the durable
// config table; the plaintext token is never stored, only returned once at
// generation time.
type TokenStore struct {
	config ConfigStore
}

// NewTokenStore wraps config as a TokenStore.
func NewTokenStore(config ConfigStore) *TokenStore {
	return &TokenStore{config: config}
}

// HasToken reports whether a token hash is currently stored.
func (t *TokenStore) HasToken(ctx context.Context) (bool, error) {
	_, ok, err := t.config.GetConfig(ctx, tokenHashKey)
	return ok, err
}

// SetToken hashes token and stores the hash, replacing any existing one.
func (t *TokenStore) SetToken(ctx context.Context, token string) error {
	hash, err := HashToken(token)
	if err != nil {
		return err
	}
	return t.config.SetConfig(ctx, tokenHashKey, hash)
}

// Verify reports whether token matches the stored hash. A store with no
// token set always returns false.
func (t *TokenStore) Verify(ctx context.Context, token string) (bool, error) {
	hash, ok, err := t.config.GetConfig(ctx, tokenHashKey)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return VerifyToken(token, hash), nil
}

// GenerateAndStore creates a new random token, stores its hash, and returns
// the plaintext (this is the only time it is ever observable).
func (t *TokenStore) GenerateAndStore(ctx context.Context) (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	if err := t.SetToken(ctx, token); err != nil {
		return "", err
	}
	return token, nil
}

// Clear removes the stored token hash, if any.
func (t *TokenStore) Clear(ctx context.Context) error {
	return t.config.DeleteConfig(ctx, tokenHashKey)
}
