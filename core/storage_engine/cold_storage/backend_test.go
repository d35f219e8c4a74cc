package coldstorage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotier/core/security/encryption"
	"github.com/sushant-115/gojotier/core/storage_engine/common"
	"github.com/sushant-115/gojotier/internal/retry"
	"go.uber.org/zap"
)

// --- Test Helpers ---

func newFSTestBackend(t *testing.T) (*FSBackend, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "cold")
	b, err := NewFSBackend(root)
	require.NoError(t, err)
	return b, root
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("fs", func(t *testing.T) {
		b, _ := newFSTestBackend(t)
		fn(t, b)
	})
	t.Run("zstd+fs", func(t *testing.T) {
		inner, _ := newFSTestBackend(t)
		b, err := NewCompressedBackend(inner)
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		fn(t, b)
	})
	t.Run("zstd+aes+fs", func(t *testing.T) {
		inner, _ := newFSTestBackend(t)
		b, err := NewCompressedBackend(NewEncryptedBackend(inner, newTestCipher(t)))
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		fn(t, b)
	})
}

func newTestCipher(t *testing.T) *encryption.Cipher {
	t.Helper()
	c, err := encryption.NewCipher(bytes.Repeat([]byte{0x5a}, 32))
	require.NoError(t, err)
	return c
}

var created = time.Date(2023, 10, 1, 8, 30, 0, 0, time.UTC)

// --- Test Cases ---

func TestBackend_PutGetOverwriteDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		for _, key := range []string{"rec1", "billing/2023/10/inv 7", "..", "ünïcode"} {
			rec := common.NewRecord(key, []byte("payload for "+key), created)

			_, found, err := b.Get(ctx, key)
			require.NoError(t, err)
			require.False(t, found)

			require.NoError(t, b.Put(ctx, rec))
			// Writing the same content twice is indistinguishable from once.
			require.NoError(t, b.Put(ctx, rec))

			got, found, err := b.Get(ctx, key)
			require.NoError(t, err)
			require.True(t, found)
			require.NoError(t, rec.Matches(got))
			require.True(t, created.Equal(got.CreatedAt))

			require.NoError(t, b.Delete(ctx, key))
			require.NoError(t, b.Delete(ctx, key), "delete must be idempotent")
			_, found, err = b.Get(ctx, key)
			require.NoError(t, err)
			require.False(t, found)
		}
	})
}

func TestBackend_ConcurrentPutsOfSameContent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		rec := common.NewRecord("hot-key", bytes.Repeat([]byte("x"), 300*1024), created)

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- b.Put(ctx, rec)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, found, err := b.Get(ctx, rec.Key)
		require.NoError(t, err)
		require.True(t, found)
		require.NoError(t, rec.Matches(got))
	})
}

func TestBackend_LongestKeys(t *testing.T) {
	// "/", " " and "ü" all expand when path-escaped
	long := strings.Repeat("a/ ü", 102) + "zz"
	require.Len(t, long, common.MaxKeyLength)
	require.NoError(t, common.ValidateKey(long))
	sibling := long[:len(long)-1] + "y"

	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		rec := common.NewRecord(long, []byte("long"), created)
		other := common.NewRecord(sibling, []byte("sibling"), created)
		require.NoError(t, b.Put(ctx, rec))
		require.NoError(t, b.Put(ctx, other))

		got, found, err := b.Get(ctx, long)
		require.NoError(t, err)
		require.True(t, found)
		require.NoError(t, rec.Matches(got))

		got, found, err = b.Get(ctx, sibling)
		require.NoError(t, err)
		require.True(t, found)
		require.NoError(t, other.Matches(got))

		require.NoError(t, b.Delete(ctx, long))
		_, found, err = b.Get(ctx, long)
		require.NoError(t, err)
		require.False(t, found)
		_, found, err = b.Get(ctx, sibling)
		require.NoError(t, err)
		require.True(t, found)
	})
}

func TestFSBackend_HashedNameNeverServesAnotherKey(t *testing.T) {
	b, _ := newFSTestBackend(t)
	ctx := context.Background()
	long := strings.Repeat("k", common.MaxKeyLength)
	require.NoError(t, b.Put(ctx, common.NewRecord(long, []byte("mine"), created)))
	require.True(t, strings.HasPrefix(filepath.Base(b.objectPath(long)), "h_"))
	require.True(t, strings.HasPrefix(filepath.Base(b.objectPath("short")), "o_"))

	// plant the long key's object where another key's would be
	raw, err := os.ReadFile(b.objectPath(long))
	require.NoError(t, err)
	victim := strings.Repeat("v", common.MaxKeyLength)
	require.NoError(t, os.MkdirAll(filepath.Dir(b.objectPath(victim)), 0o755))
	require.NoError(t, os.WriteFile(b.objectPath(victim), raw, 0o644))

	_, _, err = b.Get(ctx, victim)
	require.ErrorIs(t, err, common.ErrCorruptObject)
}

func TestFSBackend_StaysInsideRoot(t *testing.T) {
	b, root := newFSTestBackend(t)
	require.NoError(t, b.Put(context.Background(), common.NewRecord("../../escape", []byte("x"), created)))

	var files []string
	require.NoError(t, filepath.Walk(filepath.Dir(root), func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return err
	}))
	require.Len(t, files, 1)
	require.True(t, strings.HasPrefix(files[0], root+string(os.PathSeparator)))
}

func TestFSBackend_CorruptObjectIsPermanent(t *testing.T) {
	b, _ := newFSTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, common.NewRecord("k", []byte("content"), created)))
	require.NoError(t, os.WriteFile(b.objectPath("k"), []byte("garbage"), 0o644))

	a := NewColdStorageAdapter(b, retry.Policy{MaxAttempts: 5, InitialBackoff: time.Second}, zap.NewNop())
	start := time.Now()
	_, _, err := a.Get(ctx, "k")
	require.ErrorIs(t, err, common.ErrCorruptObject)
	require.NotErrorIs(t, err, common.ErrTransientIO)
	require.Less(t, time.Since(start), time.Second, "corruption must not be retried")
}

func TestCompressedBackend_StoresFewerBytes(t *testing.T) {
	inner, _ := newFSTestBackend(t)
	b, err := NewCompressedBackend(inner)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	payload := bytes.Repeat([]byte("invoice line; "), 10_000)
	require.NoError(t, b.Put(ctx, common.NewRecord("big", payload, created)))

	raw, found, err := inner.Get(ctx, "big")
	require.NoError(t, err)
	require.True(t, found)
	require.Less(t, raw.SizeBytes, int64(len(payload))/10)

	got, found, err := b.Get(ctx, "big")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(len(payload)), got.SizeBytes)
	require.Equal(t, common.Checksum(payload), got.Checksum)
	require.Equal(t, "zstd+fs", b.Kind())
}

func TestEncryptedBackend_HidesPayloadAndBindsKey(t *testing.T) {
	inner, _ := newFSTestBackend(t)
	b := NewEncryptedBackend(inner, newTestCipher(t))
	ctx := context.Background()

	payload := []byte("account 1234 balance 99")
	require.NoError(t, b.Put(ctx, common.NewRecord("acct", payload, created)))

	raw, found, err := inner.Get(ctx, "acct")
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, bytes.Contains(raw.Payload, []byte("balance")))

	got, found, err := b.Get(ctx, "acct")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, common.Checksum(payload), got.Checksum)
	require.Equal(t, "aes+fs", b.Kind())

	// the same ciphertext stored under another key must not open
	require.NoError(t, inner.Put(ctx, common.NewRecord("other", raw.Payload, created)))
	_, _, err = b.Get(ctx, "other")
	require.ErrorIs(t, err, common.ErrCorruptObject)
}
