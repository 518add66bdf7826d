package relay

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// State is the position of a session in its lifecycle.
type State int

const (
	StateAwaitingStart State = iota
	StateConnectingProvider
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateConnectingProvider:
		return "connecting_provider"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText lets State appear by name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateAwaitingStart; st <= StateClosed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Close codes used when the relay ends a leg.
const (
	CloseNormal         = websocket.CloseNormalClosure
	CloseGoingAway      = websocket.CloseGoingAway
	CloseInvalidMessage = websocket.CloseInvalidFramePayloadData
	CloseServerError    = websocket.CloseInternalServerErr
)

// Close reasons.
const (
	ReasonStopReceived    = "stop received"
	ReasonInvalidStart    = "invalid start message"
	ReasonConnectTimeout  = "provider connect timeout"
	ReasonSignedURLFailed = "signed url request failed"
	ReasonDialFailed      = "provider connect failed"
	ReasonShutdown        = "server shutting down"
	ReasonSessionClosed   = "session closed"
	ReasonTelephonyClosed = "telephony leg closed"
	ReasonProviderClosed  = "provider leg closed"
)

// Initiator names the side that triggered the shutdown.
type Initiator string

const (
	InitiatorTelephony Initiator = "telephony"
	InitiatorProvider  Initiator = "provider"
	InitiatorRelay     Initiator = "relay"
)

// Closure is the code and reason a session was closed with.
type Closure struct {
	Code      int       `json:"code"`
	Reason    string    `json:"reason"`
	Initiator Initiator `json:"initiator"`
}

// wireCode maps codes that must never appear in a close frame to a server
// error; everything else is propagated unchanged.
func wireCode(code int) int {
	switch code {
	case 0, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return CloseServerError
	default:
		return code
	}
}
