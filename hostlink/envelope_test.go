// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package hostlink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
)

func mustCodec(t *testing.T, compressMin int) *EnvelopeCodec {
	t.Helper()
	c, err := NewEnvelopeCodec(compressMin)
	require.NoError(t, err)
	return c
}

// reseal recomputes the checksum trailer after a deliberate mutation.
func reseal(buf []byte) []byte {
	body := len(buf) - envelopeTrailerSize
	binary.LittleEndian.PutUint64(buf[body:], xxhash.Sum64(buf[:body]))
	return buf
}

func requireCorruption(t *testing.T, err error, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr), msgAndArgs...)
	require.Equal(t, ErrTypeCorruption, linkErr.Type, msgAndArgs...)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := mustCodec(t, 0)

	for _, size := range []int{1, 16, 255, 4096} {
		t.Run(fmt.Sprintf("payload_%d", size), func(t *testing.T) {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i*31 + 7)
			}

			msg := &OutboundMessage{
				AppID:        0x0123456789abcdef,
				MessageType:  0xdeadbeef,
				HostEndpoint: 0x8001,
				Payload:      payload,
			}
			buf, err := c.Encode(msg)
			require.NoError(t, err)

			env, err := c.Decode(buf)
			require.NoError(t, err)
			require.Equal(t, TagAppMessage, env.Tag)
			require.Equal(t, msg.AppID, env.AppID)
			require.Equal(t, msg.MessageType, env.MessageType)
			require.Equal(t, msg.HostEndpoint, env.HostEndpoint)
			require.Equal(t, payload, env.Payload)
		})
	}
}

func TestEncodeOmitsEmptyPayload(t *testing.T) {
	c := mustCodec(t, 0)

	buf, err := c.Encode(&OutboundMessage{AppID: 1, MessageType: 2, HostEndpoint: 3})
	require.NoError(t, err)
	require.Len(t, buf, envelopeMinSize, "empty payload must add no wire bytes")
	require.Zero(t, buf[6]&flagHasPayload)

	env, err := c.Decode(buf)
	require.NoError(t, err)
	require.Nil(t, env.Payload)
}

func TestDecodePresentButEmptyPayloadEqualsAbsent(t *testing.T) {
	c := mustCodec(t, 0)

	// Hand-build a container whose payload field is present with length 0.
	buf := []byte(envelopeMagic)
	buf = append(buf, envelopeVersion, byte(TagAppMessage), flagHasPayload, 0)
	buf = binary.LittleEndian.AppendUint64(buf, 42)
	buf = binary.LittleEndian.AppendUint32(buf, 9)
	buf = binary.LittleEndian.AppendUint16(buf, 5)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf))

	env, err := c.Decode(buf)
	require.NoError(t, err)
	require.Nil(t, env.Payload, "present-but-empty payload must decode like an absent one")
	require.Equal(t, uint64(42), env.AppID)
}

func TestVerifyRejectsTruncation(t *testing.T) {
	c := mustCodec(t, 0)

	buf, err := c.Encode(&OutboundMessage{AppID: 1, Payload: make([]byte, 32)})
	require.NoError(t, err)

	for _, cut := range []int{1, 10, envelopeMinSize - 1, len(buf) - 1} {
		t.Run(fmt.Sprintf("cut_to_%d", cut), func(t *testing.T) {
			requireCorruption(t, c.Verify(buf[:cut]))

			_, err := c.Decode(buf[:cut])
			requireCorruption(t, err)
		})
	}
}

func TestVerifyRejectsBadMagicAndVersion(t *testing.T) {
	c := mustCodec(t, 0)

	base, err := c.Encode(&OutboundMessage{AppID: 1, Payload: []byte("x")})
	require.NoError(t, err)

	mutated := append([]byte(nil), base...)
	mutated[0] ^= 0xff
	requireCorruption(t, c.Verify(reseal(mutated)))

	mutated = append([]byte(nil), base...)
	mutated[4] = envelopeVersion + 1
	requireCorruption(t, c.Verify(reseal(mutated)))

	mutated = append([]byte(nil), base...)
	mutated[7] = 0x01
	requireCorruption(t, c.Verify(reseal(mutated)))
}

func TestVerifyRejectsUnknownFlagBits(t *testing.T) {
	c := mustCodec(t, 0)

	buf, err := c.Encode(&OutboundMessage{AppID: 1, Payload: []byte("x")})
	require.NoError(t, err)
	buf[6] |= 0x80
	reseal(buf)

	requireCorruption(t, c.Verify(buf))

	_, err = c.Decode(buf)
	requireCorruption(t, err, "a future-flagged container must not be misread as raw payload")
}

func TestDecodeRejectsOversizedCompressedPayload(t *testing.T) {
	sender := mustCodec(t, 1)
	receiver := mustCodec(t, 0)

	// Compresses to a few KB but declares an expansion past the cap.
	buf, err := sender.Encode(&OutboundMessage{AppID: 1, Payload: make([]byte, maxDecompressedPayload+1)})
	require.NoError(t, err)
	require.NotZero(t, buf[6]&flagZstd)

	_, err = receiver.Decode(buf)
	requireCorruption(t, err, "decompression bomb must be rejected, not allocated")
}

func TestVerifyRejectsChecksumTamper(t *testing.T) {
	c := mustCodec(t, 0)

	buf, err := c.Encode(&OutboundMessage{AppID: 1, Payload: []byte("payload bytes")})
	require.NoError(t, err)

	buf[envelopeHeaderSize+payloadLenSize] ^= 0x01 // flip one payload bit
	requireCorruption(t, c.Verify(buf))
}

func TestVerifyRejectsTrailingGarbage(t *testing.T) {
	c := mustCodec(t, 0)

	buf, err := c.Encode(&OutboundMessage{AppID: 1, Payload: []byte("abc")})
	require.NoError(t, err)

	requireCorruption(t, c.Verify(append(buf, 0, 0, 0)))
}

func TestDecodePreservesUnknownTag(t *testing.T) {
	c := mustCodec(t, 0)

	buf, err := c.Encode(&OutboundMessage{AppID: 7, MessageType: 8, HostEndpoint: 9})
	require.NoError(t, err)
	buf[5] = 0x7f
	reseal(buf)

	env, err := c.Decode(buf)
	require.NoError(t, err, "unknown tags are a dispatch concern, not a codec error")
	require.Equal(t, Tag(0x7f), env.Tag)
	require.Equal(t, uint64(7), env.AppID)
}

func TestCompressionRoundTrip(t *testing.T) {
	c := mustCodec(t, 16)

	payload := bytes.Repeat([]byte("telemetry sample "), 64)
	buf, err := c.Encode(&OutboundMessage{AppID: 1, Payload: payload})
	require.NoError(t, err)
	require.NotZero(t, buf[6]&flagZstd, "repetitive payload should compress")
	require.Less(t, len(buf), len(payload), "wire form should be smaller than the raw payload")

	env, err := c.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, payload, env.Payload)
}

func TestIncompressiblePayloadStaysRaw(t *testing.T) {
	c := mustCodec(t, 16)

	// xorshift fill: high-entropy enough that zstd cannot shrink it.
	payload := make([]byte, 64)
	state := uint32(0x9e3779b9)
	for i := range payload {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		payload[i] = byte(state)
	}

	buf, err := c.Encode(&OutboundMessage{AppID: 1, Payload: payload})
	require.NoError(t, err)
	require.Zero(t, buf[6]&flagZstd)

	env, err := c.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, payload, env.Payload)
}

func TestDecodeAcceptsCompressedInboundWithoutCompressionEnabled(t *testing.T) {
	sender := mustCodec(t, 1)
	receiver := mustCodec(t, 0)

	payload := bytes.Repeat([]byte("ack"), 200)
	buf, err := sender.Encode(&OutboundMessage{AppID: 3, Payload: payload})
	require.NoError(t, err)
	require.NotZero(t, buf[6]&flagZstd)

	env, err := receiver.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, payload, env.Payload)
}
