// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package hostlink

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Tag is the discriminant identifying which payload variant a container
// holds. Exactly one variant is selected per container.
type Tag uint8

// TagAppMessage identifies a message addressed to an application runtime on
// either side of the link. It is the only variant this core produces.
const TagAppMessage Tag = 1

// Container layout:
//
//	[0:4)   magic "HLK1"
//	[4:5)   format version
//	[5:6)   tag
//	[6:7)   flags
//	[7:8)   reserved, must be zero
//	[8:16)  app ID, uint64 LE
//	[16:20) message type, uint32 LE
//	[20:22) host endpoint, uint16 LE
//	[22:..) when flagHasPayload: payload length (uint32 LE) + payload bytes
//	last 8  xxhash64 of everything before it, uint64 LE
const (
	envelopeMagic   = "HLK1"
	envelopeVersion = 1

	envelopeHeaderSize  = 22
	envelopeTrailerSize = 8
	envelopeMinSize     = envelopeHeaderSize + envelopeTrailerSize
	payloadLenSize      = 4
)

// Flag bits.
const (
	flagHasPayload = 1 << 0
	flagZstd       = 1 << 1
)

// MaxPayloadSize is the largest payload representable by the wire format's
// length field.
const MaxPayloadSize = math.MaxUint32

// initialEncodeSize is the starting scratch capacity for encoding. The
// buffer grows as needed; the codec itself does not bound output size.
const initialEncodeSize = 256

// maxDecompressedPayload caps how far an inbound compressed payload may
// expand. The checksum is unkeyed, so a hostile host can always produce a
// container that passes Verify; without this cap a few KB of wire bytes
// could demand hundreds of MiB from a constrained device.
const maxDecompressedPayload = 1 << 24 // 16 MiB

// InboundEnvelope is a decoded inbound container. Payload is nil when the
// payload field was absent or zero length; the two are equivalent on the
// inbound side.
type InboundEnvelope struct {
	Tag          Tag
	AppID        uint64
	MessageType  uint32
	HostEndpoint uint16
	Payload      []byte
}

// EnvelopeCodec encodes outbound messages into tagged containers and
// verifies/decodes inbound ones. Construct with NewEnvelopeCodec; the zero
// value cannot decode compressed payloads.
//
// A codec is safe for concurrent use.
type EnvelopeCodec struct {
	compressMin int
	zenc        *zstd.Encoder
	zdec        *zstd.Decoder
}

// NewEnvelopeCodec creates a codec. compressMin is the minimum payload size
// in bytes at which outbound payloads are zstd-compressed; zero disables
// outbound compression. Inbound compressed payloads are always accepted,
// but reject with a corruption error when they would expand past a fixed
// decompressed-size cap.
func NewEnvelopeCodec(compressMin int) (*EnvelopeCodec, error) {
	c := &EnvelopeCodec{compressMin: compressMin}

	var err error
	c.zdec, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedPayload))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	if compressMin > 0 {
		c.zenc, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
	}
	return c, nil
}

// Encode produces a tagged container for msg. A zero-length payload is
// omitted from the wire entirely rather than encoded as an empty vector;
// decoders treat absent and empty payloads identically. The caller is
// responsible for bounds-checking the result against its destination
// buffer.
func (c *EnvelopeCodec) Encode(msg *OutboundMessage) ([]byte, error) {
	if uint64(len(msg.Payload)) > MaxPayloadSize {
		return nil, bufferErrf("payload size %d exceeds wire format limit", len(msg.Payload))
	}

	payload := msg.Payload
	var flags byte
	if len(payload) > 0 {
		flags |= flagHasPayload
		if c.zenc != nil && len(payload) >= c.compressMin {
			// Keep the compressed form only when it actually shrinks.
			compressed := c.zenc.EncodeAll(payload, make([]byte, 0, len(payload)))
			if len(compressed) < len(payload) {
				payload = compressed
				flags |= flagZstd
			}
		}
	}

	buf := make([]byte, 0, initialEncodeSize)
	buf = append(buf, envelopeMagic...)
	buf = append(buf, envelopeVersion, byte(TagAppMessage), flags, 0)
	buf = binary.LittleEndian.AppendUint64(buf, msg.AppID)
	buf = binary.LittleEndian.AppendUint32(buf, msg.MessageType)
	buf = binary.LittleEndian.AppendUint16(buf, msg.HostEndpoint)
	if flags&flagHasPayload != 0 {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
		buf = append(buf, payload...)
	}
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf))
	return buf, nil
}

// Verify structurally validates buf as a well-formed, non-truncated
// container: length accounting, magic, version, reserved byte, and
// checksum. No variant field is interpreted. A nil error means the
// container may be decoded.
func (c *EnvelopeCodec) Verify(buf []byte) error {
	if len(buf) < envelopeMinSize {
		return corruptionErrf("container too short: %d bytes, need at least %d", len(buf), envelopeMinSize)
	}
	if string(buf[0:4]) != envelopeMagic {
		return corruptionErrf("bad container magic %q", buf[0:4])
	}
	if buf[4] != envelopeVersion {
		return corruptionErrf("unsupported container version %d", buf[4])
	}
	if buf[7] != 0 {
		return corruptionErrf("nonzero reserved byte 0x%02x", buf[7])
	}
	if buf[6]&^(flagHasPayload|flagZstd) != 0 {
		return corruptionErrf("unknown flag bits 0x%02x", buf[6])
	}

	body := len(buf) - envelopeTrailerSize
	if buf[6]&flagHasPayload != 0 {
		if body < envelopeHeaderSize+payloadLenSize {
			return corruptionErrf("container truncated before payload length")
		}
		payloadLen := binary.LittleEndian.Uint32(buf[envelopeHeaderSize:])
		if uint64(body) != envelopeHeaderSize+payloadLenSize+uint64(payloadLen) {
			return corruptionErrf("payload length %d does not match container size %d", payloadLen, len(buf))
		}
	} else if body != envelopeHeaderSize {
		return corruptionErrf("unexpected %d trailing bytes after header", body-envelopeHeaderSize)
	}

	want := binary.LittleEndian.Uint64(buf[body:])
	if got := xxhash.Sum64(buf[:body]); got != want {
		return corruptionErrf("checksum mismatch: computed %016x, stored %016x", got, want)
	}
	return nil
}

// Decode verifies buf and extracts the tagged variant. Decoding fails
// closed: any verification failure returns a corruption error with no
// partial interpretation. An unknown tag decodes successfully so the
// dispatch layer can classify it.
//
// The returned payload never aliases buf.
func (c *EnvelopeCodec) Decode(buf []byte) (*InboundEnvelope, error) {
	if err := c.Verify(buf); err != nil {
		return nil, err
	}

	env := &InboundEnvelope{
		Tag:          Tag(buf[5]),
		AppID:        binary.LittleEndian.Uint64(buf[8:16]),
		MessageType:  binary.LittleEndian.Uint32(buf[16:20]),
		HostEndpoint: binary.LittleEndian.Uint16(buf[20:22]),
	}

	flags := buf[6]
	if flags&flagHasPayload != 0 {
		payloadLen := int(binary.LittleEndian.Uint32(buf[envelopeHeaderSize:]))
		start := envelopeHeaderSize + payloadLenSize
		payload := buf[start : start+payloadLen]
		if flags&flagZstd != 0 {
			expanded, err := c.zdec.DecodeAll(payload, nil)
			if err != nil {
				return nil, corruptionErrf("decompressing payload: %v", err)
			}
			if len(expanded) > 0 {
				env.Payload = expanded
			}
		} else if len(payload) > 0 {
			env.Payload = append([]byte(nil), payload...)
		}
	}
	return env, nil
}
