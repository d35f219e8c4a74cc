package common

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRecord_ComputesSizeAndChecksum(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	rec := NewRecord("k", []byte("hello"), now)

	require.Equal(t, int64(5), rec.SizeBytes)
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", rec.Checksum)
	require.Equal(t, time.UTC, rec.CreatedAt.Location())
}

func TestRecordMatches(t *testing.T) {
	now := time.Now()
	orig := NewRecord("k", []byte("payload"), now)

	require.NoError(t, orig.Matches(NewRecord("k", []byte("payload"), now)))

	err := orig.Matches(NewRecord("k", []byte("payloa"), now))
	require.ErrorIs(t, err, ErrVerificationMismatch)

	err = orig.Matches(NewRecord("k", []byte("PAYLOAD"), now))
	require.ErrorIs(t, err, ErrVerificationMismatch)
}

func TestValidateKey(t *testing.T) {
	cases := []struct {
		name string
		key  string
		ok   bool
	}{
		{"simple", "rec1", true},
		{"path-like", "billing/2024/01/inv-9", true},
		{"empty", "", false},
		{"nul", "a\x00b", false},
		{"too long", strings.Repeat("x", MaxKeyLength+1), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateKey(tc.key)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidKey)
			}
		})
	}
}

func TestWriteErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := error(&WriteError{Key: "k", Err: cause})
	require.ErrorIs(t, err, cause)
	var we *WriteError
	require.True(t, errors.As(err, &we))
	require.Equal(t, "k", we.Key)
}

func TestPayloadCopier_CopiesAndThrottles(t *testing.T) {
	rec := NewRecord("k", []byte(strings.Repeat("a", 3000)), time.Now())

	unlimited := NewPayloadCopier(0)
	cp, err := unlimited.Copy(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, rec.Matches(cp))
	cp.Payload[0] = 'b'
	require.Equal(t, byte('a'), rec.Payload[0], "copy must not alias the source payload")

	// A budget smaller than the payload still completes, chunked to the burst.
	slow := NewPayloadCopier(1000)
	start := time.Now()
	cp, err = slow.Copy(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, rec.Matches(cp))
	require.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond)
}

func TestPayloadCopier_HonoursCancellation(t *testing.T) {
	rec := NewRecord("k", []byte(strings.Repeat("a", 10_000)), time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewPayloadCopier(100).Copy(ctx, rec)
	require.Error(t, err)
}
