// Package wire defines the data model exchanged between a module process and
// its orchestrator: identifiers, the typed message envelope, the init and
// announcement blobs, and the stdio control-message union in both
// directions. Nothing in this package performs I/O; see sdk/codec for
// encoding and sdk/transport for the channels that carry these types.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ModuleId identifies a module within the orchestrator's fabric. It is
// opaque and assigned by the orchestrator at spawn time.
type ModuleId string

// SecretName identifies a secret by name. Non-empty, case-sensitive.
type SecretName string

// RequestId correlates an outbound request with its eventual response.
// Every correlatable exchange gets a fresh v4 UUID from the sender.
type RequestId uuid.UUID

// NewRequestId generates a fresh random RequestId.
func NewRequestId() RequestId {
	id, err := uuid.NewRandom()
	if err != nil {
		// crypto/rand failure; uuid.NewRandom only errors if the system
		// entropy source is broken, which we treat as unrecoverable.
		panic(fmt.Sprintf("wire: generating request id: %v", err))
	}
	return RequestId(id)
}

// String renders the canonical UUID form.
func (r RequestId) String() string { return uuid.UUID(r).String() }

// MarshalJSON renders the RequestId as a plain UUID string.
func (r RequestId) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(r).String())
}

// UnmarshalJSON parses a plain UUID string into a RequestId.
func (r *RequestId) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("wire: parsing request id %q: %w", s, err)
	}
	*r = RequestId(id)
	return nil
}

// ParseRequestId parses a RequestId from its string form.
func ParseRequestId(s string) (RequestId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return RequestId{}, fmt.Errorf("wire: parsing request id %q: %w", s, err)
	}
	return RequestId(id), nil
}

// Timestamp is a UTC instant, millisecond precision, serialized as RFC3339
// with milliseconds on the wire.
type Timestamp struct{ time.Time }

// Now returns the current Timestamp, truncated to millisecond precision.
func Now() Timestamp {
	return Timestamp{time.Now().UTC().Truncate(time.Millisecond)}
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// MarshalJSON renders the timestamp as a millisecond-precision RFC3339 string.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Truncate(time.Millisecond).Format(timestampLayout))
}

// UnmarshalJSON parses an RFC3339 timestamp of any sub-second precision.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("wire: parsing timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC().Truncate(time.Millisecond)
	return nil
}

// ContentType names the serialization used for a Message's payload.
type ContentType string

const (
	ContentTypeJSON   ContentType = "JSON"
	ContentTypeBinary ContentType = "Binary"
)

// Metadata rides alongside every Message payload.
type Metadata struct {
	ID            RequestId   `json:"id"`
	CorrelationID *RequestId  `json:"correlation_id,omitempty"`
	CreatedAt     Timestamp   `json:"created_at"`
	ContentType   ContentType `json:"content_type"`
}

// NewMetadata builds Metadata for a freshly originated message.
func NewMetadata(contentType ContentType) Metadata {
	return Metadata{ID: NewRequestId(), CreatedAt: Now(), ContentType: contentType}
}

// Message is a typed envelope around a payload of type T.
type Message[T any] struct {
	Metadata Metadata `json:"metadata"`
	Payload  T        `json:"payload"`
}

// NewMessage wraps payload in a fresh envelope.
func NewMessage[T any](payload T, contentType ContentType) Message[T] {
	return Message[T]{Metadata: NewMetadata(contentType), Payload: payload}
}

// EncodedMessage is the serialized, format-tagged form of a Message ready
// for framing on a stream transport.
type EncodedMessage struct {
	Format   ContentType `json:"format"`
	Bytes    []byte      `json:"bytes"`
	Metadata Metadata    `json:"metadata"`
}

// SecurityLevel controls the authentication the module expects on the TCP
// channel.
type SecurityLevel string

const (
	SecurityLevelNone  SecurityLevel = "None"
	SecurityLevelToken SecurityLevel = "Token"
	SecurityLevelMtls  SecurityLevel = "Mtls"
)

// ListenSpec describes how the orchestrator expects the module to listen:
// either a TCP host:port or a Unix domain socket path. Exactly one of the
// two fields is populated, matching the source union(tcp, unix) shape.
type ListenSpec struct {
	TCP  string `json:"tcp,omitempty"`
	Unix string `json:"unix,omitempty"`
}

// IsTCP reports whether the listen spec names a TCP address.
func (l ListenSpec) IsTCP() bool { return l.TCP != "" }

// IsUnix reports whether the listen spec names a Unix socket path.
func (l ListenSpec) IsUnix() bool { return l.Unix != "" }

// TCPChannelConfig describes the optional dedicated TCP message channel.
type TCPChannelConfig struct {
	Address    string `json:"address"`
	TLSEnabled bool   `json:"tls_enabled"`
	Required   bool   `json:"required"`
}

// IPCChannelConfig describes the optional dedicated Unix-socket message channel.
type IPCChannelConfig struct {
	SocketPath string `json:"socket_path"`
	Required   bool   `json:"required"`
}

// InitBlob is the single JSON line the orchestrator sends on a module's
// stdin at startup.
type InitBlob struct {
	OrchestratorAPI string            `json:"orchestrator_api"`
	ModuleID        ModuleId          `json:"module_id"`
	Env             map[string]string `json:"env"`
	Listen          ListenSpec        `json:"listen"`
	TCPChannel      *TCPChannelConfig `json:"tcp_channel,omitempty"`
	IPCChannel      *IPCChannelConfig `json:"ipc_channel,omitempty"`
	AuthToken       string            `json:"auth_token,omitempty"`
	SecurityLevel   SecurityLevel     `json:"security_level"`
}

// EndpointDescriptor names one HTTP endpoint a module serves, for the
// announcement blob.
type EndpointDescriptor struct {
	Path    string   `json:"path"`
	Methods []string `json:"methods"`
	Auth    string   `json:"auth,omitempty"`
}

// AnnounceBlob is the single JSON line a module writes to stdout once its
// channels are ready.
type AnnounceBlob struct {
	Listen    string               `json:"listen"`
	Endpoints []EndpointDescriptor `json:"endpoints"`
}

// IpcHttpRequest carries an HTTP request tunneled over a message channel.
type IpcHttpRequest struct {
	RequestID RequestId         `json:"request_id"`
	Method    string            `json:"method"`
	URI       string            `json:"uri"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body,omitempty"`
}

// IpcHttpResponse carries the matching HTTP response. It must echo the
// originating request's RequestID.
type IpcHttpResponse struct {
	RequestID  RequestId         `json:"request_id"`
	StatusCode uint16            `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body,omitempty"`
}
