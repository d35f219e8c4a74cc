package coldstorage

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/sushant-115/gojotier/core/storage_engine/common"
)

// CompressedBackend zstd-compresses payloads before handing them to the
// wrapped backend. Records returned by Get carry the size and checksum of the
// uncompressed payload, so verification compares what callers wrote.
type CompressedBackend struct {
	inner Backend
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewCompressedBackend wraps inner.
func NewCompressedBackend(inner Backend) (*CompressedBackend, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &CompressedBackend{inner: inner, enc: enc, dec: dec}, nil
}

func (c *CompressedBackend) Kind() string { return "zstd+" + c.inner.Kind() }

func (c *CompressedBackend) Get(ctx context.Context, key string) (common.Record, bool, error) {
	stored, found, err := c.inner.Get(ctx, key)
	if err != nil || !found {
		return common.Record{}, found, err
	}
	payload, err := c.dec.DecodeAll(stored.Payload, nil)
	if err != nil {
		return common.Record{}, false, fmt.Errorf("%w: %q zstd: %v", common.ErrCorruptObject, key, err)
	}
	if payload == nil {
		payload = []byte{}
	}
	return common.NewRecord(key, payload, stored.CreatedAt), true, nil
}

func (c *CompressedBackend) Put(ctx context.Context, rec common.Record) error {
	compressed := c.enc.EncodeAll(rec.Payload, nil)
	return c.inner.Put(ctx, common.NewRecord(rec.Key, compressed, rec.CreatedAt))
}

func (c *CompressedBackend) Delete(ctx context.Context, key string) error {
	return c.inner.Delete(ctx, key)
}

func (c *CompressedBackend) Close() error {
	c.dec.Close()
	if err := c.enc.Close(); err != nil {
		return err
	}
	return c.inner.Close()
}
