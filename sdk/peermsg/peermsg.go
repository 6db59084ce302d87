// Package peermsg implements inter-module messaging (spec component C10):
// sending a typed request to a peer module through the orchestrator and
// dispatching inbound routed requests to caller-registered handlers.
// Handlers are registered and looked up by string key, the same
// dynamic-dispatch-by-key shape used for the module's other registries,
// here keyed by ModuleId instead.
package peermsg

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/pywatt/module-sdk-go/sdk/correlator"
	"github.com/pywatt/module-sdk-go/sdk/logger"
	"github.com/pywatt/module-sdk-go/sdk/wire"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Error kinds from spec.md §4.10.

// TargetNotFoundError means the orchestrator could not resolve
// target_module_id.
type TargetNotFoundError struct{ Target wire.ModuleId }

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("peermsg: target module %q not found", e.Target)
}

// TimeoutError means no RoutedModuleResponse arrived before the caller's
// deadline.
type TimeoutError struct{ RequestID wire.RequestId }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("peermsg: request %s timed out", e.RequestID)
}

// SerializationError wraps a failure to marshal an outbound payload.
type SerializationError struct{ Err error }

func (e *SerializationError) Error() string { return fmt.Sprintf("peermsg: serialization: %v", e.Err) }
func (e *SerializationError) Unwrap() error { return e.Err }

// DeserializationError wraps a failure to unmarshal an inbound payload.
type DeserializationError struct{ Err error }

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("peermsg: deserialization: %v", e.Err)
}
func (e *DeserializationError) Unwrap() error { return e.Err }

// TransportClosedError means the channel selected to carry the request is
// no longer usable.
type TransportClosedError struct{ Err error }

func (e *TransportClosedError) Error() string {
	return fmt.Sprintf("peermsg: transport closed: %v", e.Err)
}
func (e *TransportClosedError) Unwrap() error { return e.Err }

// ApplicationError carries an error string verbatim from a peer module's
// handler, per spec.md §4.10.
type ApplicationError struct{ Message string }

func (e *ApplicationError) Error() string { return e.Message }

// Sender is the capability needed to place an InternalRequest on the best
// available channel; AppState (C11) implements channel selection and
// satisfies this interface.
type Sender interface {
	SendInternalRequest(wire.InternalRequestPayload) error
}

// ResponseSender is the capability needed to answer a RoutedModuleMessage.
// Which channel carries the answer is up to the implementation.
type ResponseSender interface {
	SendRoutedModuleResponse(wire.RoutedModuleResponsePayload) error
}

// Handler processes a peer module's routed request and returns a result (or
// an error carried back to the peer verbatim).
type Handler func(ctx context.Context, source wire.ModuleId, requestID wire.RequestId, payload json.RawMessage) (any, error)

// Dispatcher owns the sender-side send_request logic and the
// receiver-side handler registry.
type Dispatcher struct {
	corr *correlator.Correlator
	log  *logger.Logger

	mu             sync.RWMutex
	handlers       map[wire.ModuleId]Handler
	defaultHandler Handler
}

// New constructs a Dispatcher bound to corr, the shared request correlator
// (C7).
func New(corr *correlator.Correlator, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default
	}
	return &Dispatcher{
		corr:     corr,
		log:      log,
		handlers: make(map[wire.ModuleId]Handler),
	}
}

// RegisterHandler installs handler for requests whose source_module_id is
// source, overwriting any previous registration.
func (d *Dispatcher) RegisterHandler(source wire.ModuleId, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[source] = handler
}

// RegisterDefaultHandler installs a fallback used when no handler is
// registered for a message's source_module_id.
func (d *Dispatcher) RegisterDefaultHandler(handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defaultHandler = handler
}

// SendRequest serializes payload, registers a correlator slot, sends an
// InternalRequest over sender, and returns the peer's result once the
// matching RoutedModuleResponse arrives (or the timeout elapses).
func SendRequest[TReq any, TResp any](ctx context.Context, d *Dispatcher, sender Sender, target wire.ModuleId, endpoint string, payload TReq, timeout time.Duration) (TResp, error) {
	var zero TResp

	body, err := jsonAPI.Marshal(payload)
	if err != nil {
		return zero, &SerializationError{Err: err}
	}

	requestID := wire.NewRequestId()
	wait, err := d.corr.Register(requestID, timeout)
	if err != nil {
		return zero, err
	}

	if err := sender.SendInternalRequest(wire.InternalRequestPayload{
		RequestID:      requestID,
		TargetModuleID: target,
		Endpoint:       endpoint,
		Payload:        body,
	}); err != nil {
		d.corr.Fail(requestID, err)
		return zero, &TransportClosedError{Err: err}
	}

	val, err := wait(ctx)
	if err != nil {
		var corrTimeout *correlator.TimeoutError
		if asTimeout(err, &corrTimeout) {
			return zero, &TimeoutError{RequestID: requestID}
		}
		return zero, err
	}

	raw, ok := val.(wire.RoutedModuleResponsePayload)
	if !ok {
		return zero, &DeserializationError{Err: fmt.Errorf("unexpected correlator payload type %T", val)}
	}
	if raw.Error != "" {
		return zero, &ApplicationError{Message: raw.Error}
	}

	var result TResp
	if len(raw.Result) > 0 {
		if err := jsonAPI.Unmarshal(raw.Result, &result); err != nil {
			return zero, &DeserializationError{Err: err}
		}
	}
	return result, nil
}

func asTimeout(err error, target **correlator.TimeoutError) bool {
	te, ok := err.(*correlator.TimeoutError)
	if ok {
		*target = te
	}
	return ok
}

// DeliverResponse completes the correlator slot matching a
// RoutedModuleResponse. Bootstrap's dispatcher calls this for every
// OrchestratorToModule.RoutedModuleResponse message it observes.
func (d *Dispatcher) DeliverResponse(payload wire.RoutedModuleResponsePayload) {
	d.corr.Complete(payload.RequestID, payload)
}

// DeliverRequest dispatches an inbound RoutedModuleMessage to the handler
// registered for its source, falling back to the default handler. The
// result (or an application error) is wrapped into a RoutedModuleResponse
// and sent back through responder.
func (d *Dispatcher) DeliverRequest(ctx context.Context, msg wire.RoutedModuleMessagePayload, responder ResponseSender) {
	d.mu.RLock()
	handler, ok := d.handlers[msg.SourceModuleID]
	if !ok {
		handler = d.defaultHandler
	}
	d.mu.RUnlock()

	resp := wire.RoutedModuleResponsePayload{RequestID: msg.RequestID}

	if handler == nil {
		resp.Error = fmt.Sprintf("no handler registered for source module %q", msg.SourceModuleID)
	} else {
		result, err := handler(ctx, msg.SourceModuleID, msg.RequestID, msg.Payload)
		if err != nil {
			resp.Error = err.Error()
		} else {
			body, marshalErr := jsonAPI.Marshal(result)
			if marshalErr != nil {
				resp.Error = fmt.Sprintf("serializing handler result: %v", marshalErr)
			} else {
				resp.Result = body
			}
		}
	}

	if err := responder.SendRoutedModuleResponse(resp); err != nil {
		d.log.Error("peermsg: failed to send response for request %s: %v", msg.RequestID, err)
	}
}
