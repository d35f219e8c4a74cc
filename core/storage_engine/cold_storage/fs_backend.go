package coldstorage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/sushant-115/gojotier/core/storage_engine/common"
)

// FSBackend is a filesystem object store, suitable for a mounted archive
// volume or network filesystem. Objects live at
// {root}/{first byte of sha256(key), hex}/o_{path-escaped key} and are replaced
// atomically through a temp file and rename. Keys whose escaped name would
// not fit a file name are stored as h_{sha256(key), hex}; the envelope
// carries the key, so a read never returns another key's object.
type FSBackend struct {
	root string
}

// NewFSBackend creates root if needed.
func NewFSBackend(root string) (*FSBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("cold fs backend needs a root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cold root %s: %w", root, err)
	}
	return &FSBackend{root: root}, nil
}

func (f *FSBackend) Kind() string { return "fs" }

// maxObjectName stays well under the 255 byte name limit of common filesystems.
const maxObjectName = 200

func (f *FSBackend) objectPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := "o_" + url.PathEscape(key)
	if len(name) > maxObjectName {
		name = "h_" + hex.EncodeToString(sum[:])
	}
	return filepath.Join(f.root, hex.EncodeToString(sum[:1]), name)
}

func (f *FSBackend) Get(ctx context.Context, key string) (common.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return common.Record{}, false, err
	}
	raw, err := os.ReadFile(f.objectPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return common.Record{}, false, nil
	}
	if err != nil {
		return common.Record{}, false, fmt.Errorf("read cold object %q: %w", key, err)
	}
	rec, err := common.DecodeEnvelope(key, raw)
	if err != nil {
		return common.Record{}, false, err
	}
	return rec, true, nil
}

func (f *FSBackend) Put(ctx context.Context, rec common.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := f.objectPath(rec.Key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(common.EncodeEnvelope(rec)); err != nil {
		tmp.Close()
		return fmt.Errorf("write cold object %q: %w", rec.Key, err)
	}
	// Verification reads back what we claim is durable, so flush first.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync cold object %q: %w", rec.Key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cold object %q: %w", rec.Key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("publish cold object %q: %w", rec.Key, err)
	}
	return syncDir(dir)
}

func (f *FSBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(f.objectPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete cold object %q: %w", key, err)
	}
	return nil
}

func (f *FSBackend) Close() error { return nil }

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}
