package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v3"

	"sessiongate/kv"
)

// Key material locations inside the key-value store.
const (
	SigningKeyName    = "keystore::sig"
	EncryptionKeyName = "keystore::enc"
)

const (
	signingKeyLen    = 64
	encryptionKeyLen = 32
)

// Keys holds the cookie HMAC and AES keys.
type Keys struct {
	Signing    []byte
	Encryption []byte
}

// LoadOrCreateKeys fetches the cookie keys, generating and persisting any that
// are missing. Two processes racing here may both write; the last write wins
// and each re-reads the stored value so they converge on the same key.
func LoadOrCreateKeys(ctx context.Context, store kv.Store) (Keys, error) {
	sig, err := getOrCreateKey(ctx, store, SigningKeyName, "sig", string(jose.HS512), signingKeyLen)
	if err != nil {
		return Keys{}, err
	}
	enc, err := getOrCreateKey(ctx, store, EncryptionKeyName, "enc", string(jose.A256GCM), encryptionKeyLen)
	if err != nil {
		return Keys{}, err
	}
	return Keys{Signing: sig, Encryption: enc}, nil
}

func getOrCreateKey(ctx context.Context, store kv.Store, name, use, alg string, size int) ([]byte, error) {
	key, err := readKey(ctx, store, name, size)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate %s key: %w", use, err)
	}
	jwk := jose.JSONWebKey{Key: buf, KeyID: use, Algorithm: alg, Use: use}
	payload, err := json.Marshal(jwk)
	if err != nil {
		return nil, fmt.Errorf("encode %s key: %w", use, err)
	}
	if err := store.Put(ctx, name, payload); err != nil {
		return nil, fmt.Errorf("persist %s key: %w", use, err)
	}
	return readKey(ctx, store, name, size)
}

func readKey(ctx context.Context, store kv.Store, name string, size int) ([]byte, error) {
	payload, err := store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(payload, &jwk); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	key, ok := jwk.Key.([]byte)
	if !ok || len(key) != size {
		return nil, fmt.Errorf("%s is not a %d byte symmetric key", name, size)
	}
	return key, nil
}
