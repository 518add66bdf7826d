package relay

import "fmt"

// ProtocolError reports an inbound message that is malformed or lacks a
// required field.
type ProtocolError struct {
	Leg    string
	Field  string
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s protocol error: missing or invalid %s", e.Leg, e.Field)
	}
	return fmt.Sprintf("%s protocol error: %s", e.Leg, e.Detail)
}

// ValidationError reports a payload that is not valid base64. Frames failing
// validation are dropped.
type ValidationError struct {
	Direction string
	Length    int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid base64 payload (%d bytes) %s", e.Length, e.Direction)
}

// UpstreamError reports a failure to establish the provider leg.
type UpstreamError struct {
	Stage string // signed_url, dial, timeout
	Err   error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return "provider " + e.Stage + " failed"
	}
	return fmt.Sprintf("provider %s failed: %v", e.Stage, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// TransportError reports a leg that dropped without a clean close handshake.
type TransportError struct {
	Leg  string
	Code int
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error (code %d): %v", e.Leg, e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
