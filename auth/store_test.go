package auth

import (
	"context"
	"testing"
)

type memConfigStore struct {
	values map[string]string
}

func newMemConfigStore() *memConfigStore {
	return &memConfigStore{values: map[string]string{}}
}

func (m *memConfigStore) SetConfig(ctx context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func (m *memConfigStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memConfigStore) DeleteConfig(ctx context.Context, key string) error {
	delete(m.values, key)
	return nil
}

func TestTokenStoreLifecycle(t *testing.T) {
	store := NewTokenStore(newMemConfigStore())
	ctx := context.Background()

	has, err := store.HasToken(ctx)
	if err != nil || has {
		t.Fatalf("expected no token initially, has=%v err=%v", has, err)
	}

	token, err := store.GenerateAndStore(ctx)
	if err != nil {
		t.Fatalf("generate and store: %v", err)
	}

	has, err = store.HasToken(ctx)
	if err != nil || !has {
		t.Fatalf("expected token to be stored, has=%v err=%v", has, err)
	}

	ok, err := store.Verify(ctx, token)
	if err != nil || !ok {
		t.Fatalf("expected correct token to verify, ok=%v err=%v", ok, err)
	}

	ok, err = store.Verify(ctx, "wrong-token")
	if err != nil || ok {
		t.Fatalf("expected wrong token to fail verification, ok=%v err=%v", ok, err)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	has, err = store.HasToken(ctx)
	if err != nil || has {
		t.Fatalf("expected token cleared, has=%v err=%v", has, err)
	}
}

func TestTokenStoreReplaceInvalidatesOldToken(t *testing.T) {
	store := NewTokenStore(newMemConfigStore())
	ctx := context.Background()

	token1, err := store.GenerateAndStore(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	token2, err := store.GenerateAndStore(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if ok, _ := store.Verify(ctx, token1); ok {
		t.Fatalf("expected old token to no longer verify")
	}
	if ok, _ := store.Verify(ctx, token2); !ok {
		t.Fatalf("expected new token to verify")
	}
}

func TestTokenStoreClearIsIdempotent(t *testing.T) {
	store := NewTokenStore(newMemConfigStore())
	ctx := context.Background()

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear on empty store: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestTokenStoreVerifyWithNoTokenSet(t *testing.T) {
	store := NewTokenStore(newMemConfigStore())
	ok, err := store.Verify(context.Background(), "anything")
	if err != nil || ok {
		t.Fatalf("expected verify to fail with no token set, ok=%v err=%v", ok, err)
	}
}
