package coldstorage

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojotier/core/security/encryption"
	"github.com/sushant-115/gojotier/core/storage_engine/common"
)

// EncryptedBackend seals payloads with AES-GCM before handing them to the
// wrapped backend. The record key is the additional data, so an object
// copied under another key fails to open. Stack it beneath CompressedBackend.
type EncryptedBackend struct {
	inner  Backend
	cipher *encryption.Cipher
}

// NewEncryptedBackend wraps inner.
func NewEncryptedBackend(inner Backend, c *encryption.Cipher) *EncryptedBackend {
	return &EncryptedBackend{inner: inner, cipher: c}
}

func (e *EncryptedBackend) Kind() string { return "aes+" + e.inner.Kind() }

func (e *EncryptedBackend) Get(ctx context.Context, key string) (common.Record, bool, error) {
	stored, found, err := e.inner.Get(ctx, key)
	if err != nil || !found {
		return common.Record{}, found, err
	}
	payload, err := e.cipher.Open(stored.Payload, []byte(key))
	if err != nil {
		return common.Record{}, false, fmt.Errorf("%w: %q: %v", common.ErrCorruptObject, key, err)
	}
	if payload == nil {
		payload = []byte{}
	}
	return common.NewRecord(key, payload, stored.CreatedAt), true, nil
}

func (e *EncryptedBackend) Put(ctx context.Context, rec common.Record) error {
	sealed, err := e.cipher.Seal(rec.Payload, []byte(rec.Key))
	if err != nil {
		return err
	}
	return e.inner.Put(ctx, common.NewRecord(rec.Key, sealed, rec.CreatedAt))
}

func (e *EncryptedBackend) Delete(ctx context.Context, key string) error {
	return e.inner.Delete(ctx, key)
}

func (e *EncryptedBackend) Close() error { return e.inner.Close() }
