package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pywatt/module-sdk-go/sdk/wire"
)

type samplePayload struct {
	Name  string `json:"name" msgpack:"name"`
	Count int    `json:"count" msgpack:"count"`
}

func TestEncodeDecodeRoundTrip_JSON(t *testing.T) {
	in := samplePayload{Name: "disk", Count: 3}
	encoded, err := Encode(in, wire.ContentTypeJSON, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode[samplePayload](encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestEncodeDecodeRoundTrip_Binary(t *testing.T) {
	in := samplePayload{Name: "vm", Count: 7}
	encoded, err := Encode(in, wire.ContentTypeBinary, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode[samplePayload](encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestDecode_AlwaysAcceptsJSON(t *testing.T) {
	in := samplePayload{Name: "array", Count: 1}
	encoded, err := Encode(in, wire.ContentTypeJSON, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// A decoder with no binary preference must still decode JSON bytes.
	if _, err := Decode[samplePayload](encoded); err != nil {
		t.Fatalf("Decode of JSON envelope failed: %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	in := samplePayload{Name: "gpu", Count: 2}
	encoded, err := Encode(in, wire.ContentTypeJSON, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, encoded); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	out, err := Decode[samplePayload](got)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Fatalf("frame round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestReadFrame_ZeroLengthIsIllegal(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	_, err := ReadFrame(buf)
	if err == nil {
		t.Fatal("expected error for zero-length frame")
	}
	var codecErr *CodecError
	if !errors.As(err, &codecErr) {
		t.Fatalf("expected *CodecError, got %T: %v", err, err)
	}
}

func TestReadFrame_FrameTooLarge(t *testing.T) {
	buf := new(bytes.Buffer)
	lenBuf := []byte{0xFF, 0xFF, 0xFF, 0xFF} // ~4GiB declared
	buf.Write(lenBuf)
	_, err := ReadFrame(buf)
	var tooLarge *FrameTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected *FrameTooLargeError, got %T: %v", err, err)
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	buf := new(bytes.Buffer)
	lenBuf := []byte{0, 0, 0, 10}
	buf.Write(lenBuf)
	buf.Write([]byte("short"))
	_, err := ReadFrame(buf)
	var truncated *TruncatedFrameError
	if !errors.As(err, &truncated) {
		t.Fatalf("expected *TruncatedFrameError, got %T: %v", err, err)
	}
}

func TestPreferBinary(t *testing.T) {
	if PreferBinary(false, 100000) {
		t.Fatal("should not prefer binary when peer does not support it")
	}
	if PreferBinary(true, 100) {
		t.Fatal("should not prefer binary for small payloads")
	}
	if !PreferBinary(true, binaryPreferenceThreshold+1) {
		t.Fatal("should prefer binary for large payloads when peer supports it")
	}
}
