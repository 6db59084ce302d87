package stdio

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/pywatt/module-sdk-go/sdk/logger"
	"github.com/pywatt/module-sdk-go/sdk/wire"
)

func TestReadInitBlob(t *testing.T) {
	line := `{"orchestrator_api":"v1","module_id":"mod-1","env":{},"listen":{"tcp":"127.0.0.1:0"},"security_level":"None"}` + "\n"
	r := NewReader(strings.NewReader(line), nil)

	blob, err := r.ReadInitBlob()
	if err != nil {
		t.Fatalf("ReadInitBlob: %v", err)
	}
	if blob.ModuleID != "mod-1" {
		t.Fatalf("got module id %q, want mod-1", blob.ModuleID)
	}
}

func TestReadInitBlobMissingIsFatal(t *testing.T) {
	r := NewReader(strings.NewReader(""), nil)
	_, err := r.ReadInitBlob()
	if err == nil {
		t.Fatal("expected error for empty stdin")
	}
	if _, ok := err.(*HandshakeFailedError); !ok {
		t.Fatalf("expected HandshakeFailedError, got %v", err)
	}
}

func TestNextSkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`not json at all`,
		`{"Unrecognized":{}}`,
		`{"Secret":{"name":"DATABASE_URL","value":"postgres://x"}}`,
		``,
	}, "\n") + "\n"

	r := NewReader(strings.NewReader(input), logger.New())

	msg, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.Secret == nil || msg.Secret.Name != "DATABASE_URL" {
		t.Fatalf("expected Secret(DATABASE_URL), got %+v", msg)
	}

	_, err = r.Next()
	if err != io.EOF {
		t.Fatalf("expected EOF after the single well-formed line, got %v", err)
	}
}

func TestWriterSerializesOneLinePerMessage(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	out := wire.ModuleToOrchestrator{
		GetSecret: &wire.GetSecretPayload{Name: "DATABASE_URL"},
	}
	if err := w.Write(out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(out); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"GetSecret"`) {
		t.Fatalf("expected GetSecret in output, got %q", lines[0])
	}
}
