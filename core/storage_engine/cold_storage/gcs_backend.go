package coldstorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"cloud.google.com/go/storage"
	"github.com/sushant-115/gojotier/core/storage_engine/common"
	"google.golang.org/api/option"
)

// GCSConfig configures the Google Cloud Storage cold backend.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	// StorageClass applied to new objects, e.g. NEARLINE, COLDLINE or ARCHIVE.
	StorageClass    string `yaml:"storage_class"`
	CredentialsFile string `yaml:"credentials_file"`
	// Endpoint overrides the API endpoint, e.g. for a local emulator.
	Endpoint string `yaml:"endpoint"`
}

// GCSBackend stores each record as one object holding the record envelope;
// creation time and checksum are mirrored into object metadata for operators.
type GCSBackend struct {
	client *storage.Client
	bucket *storage.BucketHandle
	cfg    GCSConfig
}

// NewGCSBackend dials GCS with cfg.
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("cold gcs backend needs a bucket")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("new storage client: %w", err)
	}
	return &GCSBackend{client: client, bucket: client.Bucket(cfg.Bucket), cfg: cfg}, nil
}

func (g *GCSBackend) Kind() string { return "gcs" }

func (g *GCSBackend) object(key string) *storage.ObjectHandle {
	return g.bucket.Object(g.cfg.Prefix + key)
}

func (g *GCSBackend) Get(ctx context.Context, key string) (common.Record, bool, error) {
	r, err := g.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return common.Record{}, false, nil
	}
	if err != nil {
		return common.Record{}, false, fmt.Errorf("gcs open %q: %w", key, err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return common.Record{}, false, fmt.Errorf("gcs read %q: %w", key, err)
	}
	rec, err := common.DecodeEnvelope(key, raw)
	if err != nil {
		return common.Record{}, false, err
	}
	return rec, true, nil
}

func (g *GCSBackend) Put(ctx context.Context, rec common.Record) error {
	// Cancelling ctx aborts the upload and leaves any previous object intact.
	w := g.object(rec.Key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.StorageClass = g.cfg.StorageClass
	w.Metadata = map[string]string{
		"created-at-unix-ms": strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10),
		"sha256":             rec.Checksum,
	}
	if _, err := w.Write(common.EncodeEnvelope(rec)); err != nil {
		w.Close()
		return fmt.Errorf("gcs write %q: %w", rec.Key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs finalize %q: %w", rec.Key, err)
	}
	return nil
}

func (g *GCSBackend) Delete(ctx context.Context, key string) error {
	err := g.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %q: %w", key, err)
	}
	return nil
}

func (g *GCSBackend) Close() error {
	return g.client.Close()
}
