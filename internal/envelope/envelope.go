// Package envelope defines the wire-neutral request/response unit that
// flows between silos and clients. Envelopes carry opaque payload bytes;
// encoding them to and from a concrete wire format is the job of a
// dispatch.Codec and a silo.Transport, both of which are injected at the
// boundary rather than imported here.
package envelope

import "github.com/google/uuid"

// Envelope is the unit of request/response on the wire. A response
// envelope carries the same MessageID as its request; ActorID, ActorType,
// and MethodName are copied onto the response for traceability.
type Envelope struct {
	// MessageID uniquely identifies a request. A response carries the
	// same MessageID as the request it answers.
	MessageID string

	// CorrelationID is an optional caller-supplied identifier that is
	// echoed back unchanged, for tracing a request across systems that
	// don't otherwise share MessageID.
	CorrelationID string

	// ActorID and ActorType name the target actor of a request, and are
	// copied onto the corresponding response.
	ActorID   string
	ActorType string

	// MethodName is the dispatcher method to invoke.
	MethodName string

	// Payload carries the method arguments, encoded by the codec
	// configured at dispatcher-registration time.
	Payload []byte

	// ResponsePayload carries the return value, encoded the same way.
	// Unset on requests.
	ResponsePayload []byte

	// IsError is set on the response when the dispatcher invocation
	// failed; ErrorMessage then carries the failure's message.
	IsError      bool
	ErrorMessage string
}

// NewMessageID generates a fresh, process-wide-unique message identifier.
func NewMessageID() string {
	return uuid.NewString()
}

// NewRequest constructs a request envelope addressed to (actorType,
// actorID).MethodName, generating a fresh MessageID.
func NewRequest(actorType, actorID, methodName string, payload []byte) Envelope {
	return Envelope{
		MessageID:  NewMessageID(),
		ActorID:    actorID,
		ActorType:  actorType,
		MethodName: methodName,
		Payload:    payload,
	}
}

// Reply builds a successful response envelope for this request, copying the
// traceability fields and attaching the given response payload.
func (e Envelope) Reply(responsePayload []byte) Envelope {
	resp := e
	resp.Payload = nil
	resp.ResponsePayload = responsePayload
	resp.IsError = false
	resp.ErrorMessage = ""

	return resp
}

// ReplyError builds a failure response envelope for this request, copying
// the traceability fields and attaching the given error message.
func (e Envelope) ReplyError(errMsg string) Envelope {
	resp := e
	resp.Payload = nil
	resp.ResponsePayload = nil
	resp.IsError = true
	resp.ErrorMessage = errMsg

	return resp
}

// CompositeKey returns the string used to place this envelope's target
// actor on the hash ring: "actorType/actorId".
func (e Envelope) CompositeKey() string {
	return CompositeKey(e.ActorType, e.ActorID)
}

// CompositeKey builds the hash-ring placement key for an actor identity.
func CompositeKey(actorType, actorID string) string {
	return actorType + "/" + actorID
}

// Identity is the value-typed (actorType, actorID) pair used throughout the
// runtime to name an actor. Equality is (type, id).
type Identity struct {
	ActorType string
	ActorID   string
}

// CompositeKey returns this identity's hash-ring placement key.
func (id Identity) CompositeKey() string {
	return CompositeKey(id.ActorType, id.ActorID)
}

// String implements fmt.Stringer for logging.
func (id Identity) String() string {
	return id.ActorType + ":" + id.ActorID
}
