package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RotationStatus is the status a module reports back when acknowledging a
// secret rotation.
type RotationStatus string

const (
	RotationStatusOK     RotationStatus = "ok"
	RotationStatusFailed RotationStatus = "failed"
)

// GetSecretPayload requests a secret's current value from the orchestrator.
type GetSecretPayload struct {
	Name string `json:"name"`
}

// RotationAckPayload acknowledges a processed Rotated notification.
type RotationAckPayload struct {
	RotationID string         `json:"rotation_id"`
	Status     RotationStatus `json:"status"`
}

// PortRequestPayload asks the orchestrator to hand out a TCP port.
type PortRequestPayload struct {
	RequestID    RequestId `json:"request_id"`
	SpecificPort *int      `json:"specific_port,omitempty"`
}

// InternalRequestPayload asks the orchestrator to route a request to a peer module.
type InternalRequestPayload struct {
	RequestID      RequestId       `json:"request_id"`
	TargetModuleID ModuleId        `json:"target_module_id"`
	Endpoint       string          `json:"endpoint"`
	Payload        json.RawMessage `json:"payload"`
}

// RoutedModuleResponsePayload carries the result of a routed inter-module
// request, in either direction: a module sends it as its handler's reply,
// and the orchestrator forwards it back to the original requester in the
// same shape.
type RoutedModuleResponsePayload struct {
	RequestID RequestId       `json:"request_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SecretPayload delivers a secret's value to the requesting module.
type SecretPayload struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	RotationID *string `json:"rotation_id,omitempty"`
}

// RotatedPayload notifies a module that the listed secret keys were rotated.
type RotatedPayload struct {
	Keys       []string `json:"keys"`
	RotationID string   `json:"rotation_id"`
}

// PortResponsePayload carries either a bound port or a port-negotiation
// error, correlated to its PortRequest by RequestID.
type PortResponsePayload struct {
	RequestID    RequestId `json:"request_id"`
	Port         *int      `json:"port,omitempty"`
	Error        string    `json:"error,omitempty"`
	Unadvertised bool      `json:"unadvertised,omitempty"`
}

// RoutedModuleMessagePayload is a peer module's request, routed to this
// module by the orchestrator.
type RoutedModuleMessagePayload struct {
	SourceModuleID ModuleId        `json:"source_module_id"`
	RequestID      RequestId       `json:"request_id"`
	Payload        json.RawMessage `json:"payload"`
}

// ModuleToOrchestrator is the tagged union of every message a module may
// send on the stdio control channel. Exactly one field is non-nil; it is
// marshaled as a single-key JSON object naming the variant, e.g.
// {"GetSecret":{"name":"X"}}.
type ModuleToOrchestrator struct {
	GetSecret            *GetSecretPayload
	RotationAck          *RotationAckPayload
	Announce             *AnnounceBlob
	PortRequest          *PortRequestPayload
	InternalRequest      *InternalRequestPayload
	RoutedModuleResponse *RoutedModuleResponsePayload
	HttpResponse         *IpcHttpResponse
	HeartbeatAck         *struct{}
}

// MarshalJSON renders the populated variant as a single-key object.
func (m ModuleToOrchestrator) MarshalJSON() ([]byte, error) {
	switch {
	case m.GetSecret != nil:
		return marshalVariant("GetSecret", m.GetSecret)
	case m.RotationAck != nil:
		return marshalVariant("RotationAck", m.RotationAck)
	case m.Announce != nil:
		return marshalVariant("Announce", m.Announce)
	case m.PortRequest != nil:
		return marshalVariant("PortRequest", m.PortRequest)
	case m.InternalRequest != nil:
		return marshalVariant("InternalRequest", m.InternalRequest)
	case m.RoutedModuleResponse != nil:
		return marshalVariant("RoutedModuleResponse", m.RoutedModuleResponse)
	case m.HttpResponse != nil:
		return marshalVariant("HttpResponse", m.HttpResponse)
	case m.HeartbeatAck != nil:
		return marshalVariant("HeartbeatAck", m.HeartbeatAck)
	default:
		return nil, fmt.Errorf("wire: empty ModuleToOrchestrator message")
	}
}

// UnmarshalJSON parses a single-key variant object into the matching field.
func (m *ModuleToOrchestrator) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, body := range raw {
		switch key {
		case "GetSecret":
			return unmarshalVariant(body, &m.GetSecret)
		case "RotationAck":
			return unmarshalVariant(body, &m.RotationAck)
		case "Announce":
			return unmarshalVariant(body, &m.Announce)
		case "PortRequest":
			return unmarshalVariant(body, &m.PortRequest)
		case "InternalRequest":
			return unmarshalVariant(body, &m.InternalRequest)
		case "RoutedModuleResponse":
			return unmarshalVariant(body, &m.RoutedModuleResponse)
		case "HttpResponse":
			return unmarshalVariant(body, &m.HttpResponse)
		case "HeartbeatAck":
			m.HeartbeatAck = &struct{}{}
			return nil
		default:
			return fmt.Errorf("wire: unknown ModuleToOrchestrator variant %q", key)
		}
	}
	return fmt.Errorf("wire: empty ModuleToOrchestrator object")
}

// OrchestratorToModule is the tagged union of every message the
// orchestrator may send on the stdio control channel.
type OrchestratorToModule struct {
	Secret               *SecretPayload
	Rotated              *RotatedPayload
	Shutdown             *struct{}
	PortResponse         *PortResponsePayload
	RoutedModuleMessage  *RoutedModuleMessagePayload
	RoutedModuleResponse *RoutedModuleResponsePayload
	HttpRequest          *IpcHttpRequest
	Heartbeat            *struct{}
}

// MarshalJSON renders the populated variant as a single-key object.
func (o OrchestratorToModule) MarshalJSON() ([]byte, error) {
	switch {
	case o.Secret != nil:
		return marshalVariant("Secret", o.Secret)
	case o.Rotated != nil:
		return marshalVariant("Rotated", o.Rotated)
	case o.Shutdown != nil:
		return marshalVariant("Shutdown", o.Shutdown)
	case o.PortResponse != nil:
		return marshalVariant("PortResponse", o.PortResponse)
	case o.RoutedModuleMessage != nil:
		return marshalVariant("RoutedModuleMessage", o.RoutedModuleMessage)
	case o.RoutedModuleResponse != nil:
		return marshalVariant("RoutedModuleResponse", o.RoutedModuleResponse)
	case o.HttpRequest != nil:
		return marshalVariant("HttpRequest", o.HttpRequest)
	case o.Heartbeat != nil:
		return marshalVariant("Heartbeat", o.Heartbeat)
	default:
		return nil, fmt.Errorf("wire: empty OrchestratorToModule message")
	}
}

// UnmarshalJSON parses a single-key variant object. A key that names no
// known variant yields UnknownVariantError, which callers log and skip
// (per spec.md §6, unknown message kinds must never abort the process).
// Only one key is examined: for an object with several keys, the first one
// map iteration visits decides the result.
func (o *OrchestratorToModule) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	for key, body := range raw {
		switch key {
		case "Secret":
			return unmarshalVariant(body, &o.Secret)
		case "Rotated":
			return unmarshalVariant(body, &o.Rotated)
		case "Shutdown":
			o.Shutdown = &struct{}{}
			return nil
		case "PortResponse":
			return unmarshalVariant(body, &o.PortResponse)
		case "RoutedModuleMessage":
			return unmarshalVariant(body, &o.RoutedModuleMessage)
		case "RoutedModuleResponse":
			return unmarshalVariant(body, &o.RoutedModuleResponse)
		case "HttpRequest":
			return unmarshalVariant(body, &o.HttpRequest)
		case "Heartbeat":
			o.Heartbeat = &struct{}{}
			return nil
		default:
			return &UnknownVariantError{Key: key}
		}
	}
	return fmt.Errorf("wire: empty OrchestratorToModule object")
}

// UnknownVariantError marks a control message whose top-level kind this
// build doesn't recognize. Per spec.md §6 this is never fatal: callers
// should log and skip the line rather than propagate the error upward.
type UnknownVariantError struct {
	Key string
}

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("wire: unknown message variant %q", e.Key)
}

func marshalVariant(key string, v any) ([]byte, error) {
	return json.Marshal(map[string]any{key: v})
}

func unmarshalVariant[T any](body json.RawMessage, dst **T) error {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("wire: decoding variant payload: %w", err)
	}
	*dst = &v
	return nil
}
