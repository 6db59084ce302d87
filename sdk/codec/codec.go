// Package codec implements the wire codec (spec component C1): encoding and
// decoding typed payloads into EncodedMessage envelopes, and framing those
// envelopes on a byte stream with a 4-byte big-endian length prefix.
//
// JSON is the mandatory format; every peer must be able to decode it
// regardless of its own preference. The binary form is msgpack, preferred
// for payloads over binaryPreferenceThreshold bytes when both peers
// advertise support for it. JSON encoding uses json-iterator/go in its
// standard-library-compatible configuration, matching its use for hot-path
// JSON in the retrieved aistore example; the binary form uses
// vmihailenco/msgpack/v5, a reflection-based encoder that — unlike the
// corpus's tinylib/msgp — needs no code-generation step (see DESIGN.md).
package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pywatt/module-sdk-go/sdk/wire"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxFrameSize is the largest frame body this codec will read before
// failing with FrameTooLargeError. 64 MiB, per spec.md §3 and the Open
// Questions resolution in SPEC_FULL.md §4.1.
const MaxFrameSize = 64 * 1024 * 1024

// binaryPreferenceThreshold is the payload size, in bytes, above which the
// binary form is preferred when both peers advertise support for it
// (spec.md §4.1).
const binaryPreferenceThreshold = 4 * 1024

// CodecError reports a malformed payload, metadata mismatch, or
// unsupported format during encode/decode.
type CodecError struct {
	Reason string
	Err    error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("codec: %s", e.Reason)
}

func (e *CodecError) Unwrap() error { return e.Err }

// FrameTooLargeError is returned by ReadFrame when the declared frame body
// exceeds MaxFrameSize.
type FrameTooLargeError struct {
	Declared uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("codec: frame of %d bytes exceeds max frame size %d", e.Declared, MaxFrameSize)
}

// TruncatedFrameError is returned by ReadFrame when the stream closes
// before a full frame body has been read.
type TruncatedFrameError struct {
	Declared uint32
	Got      int
}

func (e *TruncatedFrameError) Error() string {
	return fmt.Sprintf("codec: truncated frame: declared %d bytes, got %d", e.Declared, e.Got)
}

// PreferBinary decides whether the binary form should be used for a
// payload of the given encoded size, given that both peers advertise
// binary support.
func PreferBinary(peerSupportsBinary bool, payloadSize int) bool {
	return peerSupportsBinary && payloadSize > binaryPreferenceThreshold
}

// Encode serializes payload into an EncodedMessage using the given format.
func Encode[T any](payload T, format wire.ContentType, correlationID *wire.RequestId) (wire.EncodedMessage, error) {
	meta := wire.NewMetadata(format)
	meta.CorrelationID = correlationID

	var body []byte
	var err error
	switch format {
	case wire.ContentTypeJSON:
		body, err = jsonAPI.Marshal(payload)
	case wire.ContentTypeBinary:
		body, err = msgpack.Marshal(payload)
	default:
		return wire.EncodedMessage{}, &CodecError{Reason: fmt.Sprintf("unsupported format %q", format)}
	}
	if err != nil {
		return wire.EncodedMessage{}, &CodecError{Reason: "marshaling payload", Err: err}
	}

	return wire.EncodedMessage{Format: format, Bytes: body, Metadata: meta}, nil
}

// Decode deserializes an EncodedMessage's bytes into T. JSON is always
// accepted regardless of the caller's own format preference; the binary
// form requires the envelope to declare Format == Binary.
func Decode[T any](encoded wire.EncodedMessage) (T, error) {
	var out T
	switch encoded.Format {
	case wire.ContentTypeJSON:
		if err := jsonAPI.Unmarshal(encoded.Bytes, &out); err != nil {
			return out, &CodecError{Reason: "decoding JSON payload", Err: err}
		}
	case wire.ContentTypeBinary:
		if err := msgpack.Unmarshal(encoded.Bytes, &out); err != nil {
			return out, &CodecError{Reason: "decoding binary payload", Err: err}
		}
	default:
		return out, &CodecError{Reason: fmt.Sprintf("unsupported format %q", encoded.Format)}
	}
	return out, nil
}

// frameEnvelope is the canonical serialization of an EncodedMessage on the
// wire: it is itself JSON, carrying the already-encoded payload bytes
// base64-in-JSON (via encoding/json's []byte handling) regardless of the
// inner payload's own format tag.
type frameEnvelope struct {
	Format   wire.ContentType `json:"format"`
	Bytes    []byte           `json:"bytes"`
	Metadata wire.Metadata    `json:"metadata"`
}

// ReadFrame reads one length-prefixed frame from r and decodes its body
// into an EncodedMessage. A zero-length frame is illegal per spec.md §3.
func ReadFrame(r io.Reader) (wire.EncodedMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return wire.EncodedMessage{}, fmt.Errorf("codec: reading frame length: %w", err)
	}
	declared := binary.BigEndian.Uint32(lenBuf[:])
	if declared == 0 {
		return wire.EncodedMessage{}, &CodecError{Reason: "zero-length frame is illegal"}
	}
	if declared > MaxFrameSize {
		return wire.EncodedMessage{}, &FrameTooLargeError{Declared: declared}
	}

	body := make([]byte, declared)
	n, err := io.ReadFull(r, body)
	if err != nil {
		return wire.EncodedMessage{}, &TruncatedFrameError{Declared: declared, Got: n}
	}

	var env frameEnvelope
	if err := jsonAPI.Unmarshal(body, &env); err != nil {
		return wire.EncodedMessage{}, &CodecError{Reason: "decoding frame envelope", Err: err}
	}
	return wire.EncodedMessage{Format: env.Format, Bytes: env.Bytes, Metadata: env.Metadata}, nil
}

// WriteFrame writes a single length-prefixed frame to w. Callers must
// guarantee mutual exclusion across concurrent writers on the same stream;
// WriteFrame itself performs one buffered Write call so the length prefix
// and body reach the kernel as a single write where the underlying Writer
// supports it.
func WriteFrame(w io.Writer, encoded wire.EncodedMessage) error {
	body, err := jsonAPI.Marshal(frameEnvelope{Format: encoded.Format, Bytes: encoded.Bytes, Metadata: encoded.Metadata})
	if err != nil {
		return &CodecError{Reason: "encoding frame envelope", Err: err}
	}
	if len(body) == 0 {
		return &CodecError{Reason: "zero-length frame is illegal"}
	}
	if uint64(len(body)) > MaxFrameSize {
		return &FrameTooLargeError{Declared: uint32(len(body))}
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("codec: writing frame: %w", err)
	}
	return nil
}
