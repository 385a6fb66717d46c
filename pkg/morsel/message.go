package morsel

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies how the Data of an Envelope is to be interpreted.
type MessageType int

const (
	MessageTypeText             MessageType = 0 // Diagnostic text, never answered
	MessageTypeMethodInvocation MessageType = 1 // Data is a serialized InvocationDescriptor
	MessageTypeConnectionEvent  MessageType = 2 // Data is the assigned connection id
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeText:
		return "text"
	case MessageTypeMethodInvocation:
		return "method_invocation"
	case MessageTypeConnectionEvent:
		return "connection_event"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Envelope is the outermost unit on the wire. There is exactly one per frame.
type Envelope struct {
	MessageType MessageType `json:"MessageType"`
	Data        string      `json:"Data"`
}

// InvocationDescriptor is a method call, or the result of one. A call and its
// result share the same InvocationId. A call with an empty InvocationId does
// not expect a response.
type InvocationDescriptor struct {
	InvocationId string          `json:"InvocationId,omitempty"`
	MethodName   string          `json:"MethodName,omitempty"`
	Arguments    Arguments       `json:"Arguments,omitempty"`
	IsResult     bool            `json:"IsResult"`
	Result       json.RawMessage `json:"Result,omitempty"`
	Error        string          `json:"Error,omitempty"`
}

// NewTextMessage returns a fire-and-forget diagnostic envelope.
func NewTextMessage(text string) Envelope {
	return Envelope{MessageType: MessageTypeText, Data: text}
}

// NewConnectionEvent returns the envelope announcing a connection's id.
func NewConnectionEvent(connectionID string) Envelope {
	return Envelope{MessageType: MessageTypeConnectionEvent, Data: connectionID}
}

// NewInvocationMessage wraps a descriptor in an envelope.
func NewInvocationMessage(desc *InvocationDescriptor) (Envelope, error) {
	data, err := json.Marshal(desc)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal invocation descriptor: %w", err)
	}

	return Envelope{MessageType: MessageTypeMethodInvocation, Data: string(data)}, nil
}

// NewCall builds a call descriptor, marshaling each argument to JSON.
func NewCall(invocationID, methodName string, args ...any) (*InvocationDescriptor, error) {
	arguments, err := MarshalArguments(args...)
	if err != nil {
		return nil, err
	}

	return &InvocationDescriptor{
		InvocationId: invocationID,
		MethodName:   methodName,
		Arguments:    arguments,
	}, nil
}

// NewResult builds the successful result of the call identified by invocationID.
func NewResult(invocationID string, result any) (*InvocationDescriptor, error) {
	desc := &InvocationDescriptor{
		InvocationId: invocationID,
		IsResult:     true,
	}

	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		desc.Result = data
	}

	return desc, nil
}

// NewErrorResult builds the failed result of the call identified by invocationID.
func NewErrorResult(invocationID string, message string) *InvocationDescriptor {
	return &InvocationDescriptor{
		InvocationId: invocationID,
		IsResult:     true,
		Error:        message,
	}
}

// ExpectsResponse reports whether the descriptor is a call awaiting a result.
func (d *InvocationDescriptor) ExpectsResponse() bool {
	return !d.IsResult && d.InvocationId != ""
}

// Marshal serializes the envelope for the outbound pipeline.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Descriptor parses the invocation descriptor carried by a MethodInvocation envelope.
func (e Envelope) Descriptor() (*InvocationDescriptor, error) {
	if e.MessageType != MessageTypeMethodInvocation {
		return nil, fmt.Errorf("%w: envelope of type %s carries no invocation", ErrInvalidMessage, e.MessageType)
	}

	var desc InvocationDescriptor
	if err := json.Unmarshal([]byte(e.Data), &desc); err != nil {
		return nil, fmt.Errorf("%w: malformed invocation descriptor: %v", ErrInvalidMessage, err)
	}

	return &desc, nil
}

// DecodeEnvelope parses a frame that has already been through the inbound pipeline.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch env.MessageType {
	case MessageTypeText, MessageTypeMethodInvocation, MessageTypeConnectionEvent:
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("%w: unknown message type %d", ErrInvalidMessage, int(env.MessageType))
	}
}
