package common

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// MaxKeyLength bounds record keys so they fit every backend's naming rules.
const MaxKeyLength = 512

// Record is an immutable payload stored under a unique key.
// The tier a record lives in is never stored on the record itself; it is
// whatever tier currently answers for the key.
type Record struct {
	Key       string
	Payload   []byte
	CreatedAt time.Time
	SizeBytes int64
	// Checksum is the hex SHA-256 of Payload.
	Checksum string
}

// NewRecord builds a record stamped with createdAt, computing size and checksum.
func NewRecord(key string, payload []byte, createdAt time.Time) Record {
	return Record{
		Key:       key,
		Payload:   payload,
		CreatedAt: createdAt.UTC(),
		SizeBytes: int64(len(payload)),
		Checksum:  Checksum(payload),
	}
}

// Checksum returns the hex encoded SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Matches reports whether other carries exactly the same content as r.
// Size is compared first so that obviously truncated copies fail fast.
func (r Record) Matches(other Record) error {
	if r.SizeBytes != other.SizeBytes || int64(len(other.Payload)) != r.SizeBytes {
		return fmt.Errorf("%w: size %d != %d", ErrVerificationMismatch, other.SizeBytes, r.SizeBytes)
	}
	if r.Checksum != "" && other.Checksum != "" && r.Checksum != other.Checksum {
		return fmt.Errorf("%w: checksum %s != %s", ErrVerificationMismatch, other.Checksum, r.Checksum)
	}
	if !bytes.Equal(r.Payload, other.Payload) {
		return fmt.Errorf("%w: payload bytes differ", ErrVerificationMismatch)
	}
	return nil
}

// ValidateKey rejects keys no backend can store.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	case len(key) > MaxKeyLength:
		return fmt.Errorf("%w: key longer than %d bytes", ErrInvalidKey, MaxKeyLength)
	case strings.IndexByte(key, 0) >= 0:
		return fmt.Errorf("%w: key contains NUL", ErrInvalidKey)
	}
	return nil
}
