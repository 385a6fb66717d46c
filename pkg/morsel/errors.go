package morsel

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Concrete errors wrap one of these so callers can use errors.Is.
var (
	ErrNotConnected     = errors.New("connection is not open")
	ErrConnectionClosed = errors.New("connection closed")
	ErrMissingMethod    = errors.New("missing method")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrHandlerFault     = errors.New("handler fault")
	ErrQueueFull        = errors.New("outbound queue is full")
)

const (
	InvalidMethodNamePlaceholder = "[Invalid Method Name]"
	NoParametersPlaceholder      = "[No Parameters]"
)

// RenderMethod formats a method call as name(args) for diagnostics.
func RenderMethod(name string, args Arguments) string {
	if strings.TrimSpace(name) == "" {
		name = InvalidMethodNamePlaceholder
	}

	return name + "(" + args.String() + ")"
}

// MissingMethodError is raised on the receiving side when a call names a
// method that is not registered.
type MissingMethodError struct {
	Method    string
	Arguments Arguments
}

func (e *MissingMethodError) Error() string {
	return `Cannot find method "` + RenderMethod(e.Method, e.Arguments) + `"`
}

func (e *MissingMethodError) Unwrap() error {
	return ErrMissingMethod
}

// InvalidRequestError is the local-side report of a call to a missing
// method, raised only when strict missing-method handling is enabled.
type InvalidRequestError struct {
	Method    string
	Arguments Arguments
}

func (e *InvalidRequestError) Error() string {
	return `Invalid method request received; method is "` + RenderMethod(e.Method, e.Arguments) + `"`
}

func (e *InvalidRequestError) Unwrap() error {
	return ErrMissingMethod
}

// HandlerFaultError wraps an error returned (or a panic raised) by a
// registered handler.
type HandlerFaultError struct {
	Method string
	Err    error
}

func (e *HandlerFaultError) Error() string {
	return e.Err.Error()
}

func (e *HandlerFaultError) Unwrap() []error {
	return []error{ErrHandlerFault, e.Err}
}

// RemoteError is what a caller receives when the peer answered a call with an
// error. Its message is exactly the peer's message.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// RemoteFaultError reports a failure the peer could not return as a result,
// typically a fire-and-forget call naming a method it does not have.
type RemoteFaultError struct {
	ConnectionID string
	Message      string
}

func (e *RemoteFaultError) Error() string {
	return fmt.Sprintf("Error: %s from %s", e.Message, e.ConnectionID)
}
