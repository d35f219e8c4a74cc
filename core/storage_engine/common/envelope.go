package common

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Envelope layout used by backends that store a record as one opaque blob:
//
//	magic(4) | createdAt unix nanos(8) | key len(2) | key | checksum len(2) | checksum | payload
//
// Blobs written before the key was embedded carry envelopeMagicV1 and no key
// section; they still decode.
const (
	envelopeMagic   = "GTR2"
	envelopeMagicV1 = "GTR1"
)

const envelopeMinSize = len(envelopeMagic) + 8 + 2

// EncodeEnvelope serializes rec into a self-describing blob.
func EncodeEnvelope(rec Record) []byte {
	sum := rec.Checksum
	if sum == "" {
		sum = Checksum(rec.Payload)
	}
	buf := make([]byte, len(envelopeMagic)+8+2+len(rec.Key)+2+len(sum)+len(rec.Payload))
	n := copy(buf, envelopeMagic)
	binary.BigEndian.PutUint64(buf[n:], uint64(rec.CreatedAt.UnixNano()))
	n += 8
	binary.BigEndian.PutUint16(buf[n:], uint16(len(rec.Key)))
	n += 2
	n += copy(buf[n:], rec.Key)
	binary.BigEndian.PutUint16(buf[n:], uint16(len(sum)))
	n += 2
	n += copy(buf[n:], sum)
	copy(buf[n:], rec.Payload)
	return buf
}

// DecodeEnvelope parses a blob written by EncodeEnvelope, checks that it was
// written for key and checks the payload against the stored checksum.
func DecodeEnvelope(key string, buf []byte) (Record, error) {
	if len(buf) < envelopeMinSize {
		return Record{}, fmt.Errorf("%w: %q has no valid envelope header", ErrCorruptObject, key)
	}
	magic := string(buf[:len(envelopeMagic)])
	if magic != envelopeMagic && magic != envelopeMagicV1 {
		return Record{}, fmt.Errorf("%w: %q has no valid envelope header", ErrCorruptObject, key)
	}
	n := len(envelopeMagic)
	nanos := int64(binary.BigEndian.Uint64(buf[n:]))
	n += 8

	if magic == envelopeMagic {
		stored, next, ok := readSection(buf, n)
		if !ok {
			return Record{}, fmt.Errorf("%w: %q truncated key", ErrCorruptObject, key)
		}
		if stored != key {
			return Record{}, fmt.Errorf("%w: object for %q holds key %q", ErrCorruptObject, key, stored)
		}
		n = next
	}
	sum, n, ok := readSection(buf, n)
	if !ok {
		return Record{}, fmt.Errorf("%w: %q truncated checksum", ErrCorruptObject, key)
	}
	payload := buf[n:]

	rec := Record{
		Key:       key,
		Payload:   payload,
		CreatedAt: time.Unix(0, nanos).UTC(),
		SizeBytes: int64(len(payload)),
		Checksum:  Checksum(payload),
	}
	if rec.Checksum != sum {
		return Record{}, fmt.Errorf("%w: %q checksum %s, expected %s", ErrCorruptObject, key, rec.Checksum, sum)
	}
	return rec, nil
}

// readSection reads a 2-byte length prefixed string starting at n.
func readSection(buf []byte, n int) (string, int, bool) {
	if len(buf) < n+2 {
		return "", n, false
	}
	l := int(binary.BigEndian.Uint16(buf[n:]))
	n += 2
	if len(buf) < n+l {
		return "", n, false
	}
	return string(buf[n : n+l]), n + l, true
}
