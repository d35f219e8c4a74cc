package common

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTripPreservesMetadata(t *testing.T) {
	created := time.Date(2023, 7, 1, 12, 0, 0, 123456789, time.UTC)
	rec := NewRecord("inv-1", []byte("line items"), created)

	got, err := DecodeEnvelope("inv-1", EncodeEnvelope(rec))
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestEnvelope_EmptyPayload(t *testing.T) {
	rec := NewRecord("empty", []byte{}, time.Unix(0, 0))
	got, err := DecodeEnvelope("empty", EncodeEnvelope(rec))
	require.NoError(t, err)
	require.Equal(t, int64(0), got.SizeBytes)
	require.Equal(t, rec.Checksum, got.Checksum)
}

func TestEnvelope_DetectsCorruption(t *testing.T) {
	blob := EncodeEnvelope(NewRecord("k", []byte("abcdef"), time.Now()))

	flipped := append([]byte(nil), blob...)
	flipped[len(flipped)-1] ^= 0xff
	_, err := DecodeEnvelope("k", flipped)
	require.ErrorIs(t, err, ErrCorruptObject)

	_, err = DecodeEnvelope("k", blob[:5])
	require.ErrorIs(t, err, ErrCorruptObject)

	_, err = DecodeEnvelope("k", []byte("not an envelope at all"))
	require.ErrorIs(t, err, ErrCorruptObject)
}

func TestEnvelope_RejectsAnotherKeysObject(t *testing.T) {
	blob := EncodeEnvelope(NewRecord("a", []byte("payload"), time.Now()))

	_, err := DecodeEnvelope("b", blob)
	require.ErrorIs(t, err, ErrCorruptObject)
	require.Contains(t, err.Error(), `holds key "a"`)
}

func TestEnvelope_DecodesKeylessLayout(t *testing.T) {
	created := time.Date(2022, 3, 4, 5, 6, 7, 0, time.UTC)
	payload := []byte("written before keys were embedded")
	sum := Checksum(payload)

	var blob []byte
	blob = append(blob, "GTR1"...)
	blob = binary.BigEndian.AppendUint64(blob, uint64(created.UnixNano()))
	blob = binary.BigEndian.AppendUint16(blob, uint16(len(sum)))
	blob = append(blob, sum...)
	blob = append(blob, payload...)

	got, err := DecodeEnvelope("old", blob)
	require.NoError(t, err)
	require.Equal(t, NewRecord("old", payload, created), got)
}
