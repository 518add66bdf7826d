package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ============================================
// TELEPHONY WIRE PROTOCOL
// Media Streams JSON frames (Twilio / SignalWire)
// ============================================

// ControlKind is the "event" field of a telephony frame.
type ControlKind string

const (
	KindConnected ControlKind = "connected"
	KindStart     ControlKind = "start"
	KindMedia     ControlKind = "media"
	KindStop      ControlKind = "stop"
	KindMark      ControlKind = "mark"
	KindUnknown   ControlKind = "unknown"
)

// ControlEvent is a decoded telephony frame.
type ControlEvent struct {
	Kind      ControlKind
	Name      string // raw event name, kept for unknown kinds
	StreamSid string
	CallSid   string
	Payload   string // base64 audio, media only
}

type telephonyFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Start     *struct {
		StreamSid string `json:"streamSid"`
		CallSid   string `json:"callSid"`
	} `json:"start"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media"`
}

// ParseControlEvent decodes one telephony frame. A start frame without a
// stream identifier returns the start kind together with a *ProtocolError so
// callers can tell it apart from an unreadable frame.
func ParseControlEvent(data []byte) (ControlEvent, error) {
	var frame telephonyFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ControlEvent{Kind: KindUnknown}, &ProtocolError{Leg: "telephony", Detail: fmt.Sprintf("invalid json: %v", err)}
	}
	if frame.Event == "" {
		return ControlEvent{Kind: KindUnknown}, &ProtocolError{Leg: "telephony", Field: "event"}
	}

	ev := ControlEvent{Kind: ControlKind(frame.Event), Name: frame.Event}

	switch ev.Kind {
	case KindStart:
		if frame.Start != nil {
			ev.StreamSid = frame.Start.StreamSid
			ev.CallSid = frame.Start.CallSid
		}
		if ev.StreamSid == "" {
			ev.StreamSid = frame.StreamSid
		}
		if ev.StreamSid == "" {
			return ev, &ProtocolError{Leg: "telephony", Field: "start.streamSid"}
		}

	case KindMedia:
		if frame.Media == nil || frame.Media.Payload == "" {
			return ev, &ProtocolError{Leg: "telephony", Field: "media.payload"}
		}
		ev.Payload = frame.Media.Payload

	case KindStop, KindConnected, KindMark:

	default:
		ev.Kind = KindUnknown
	}

	return ev, nil
}

type telephonyMedia struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type telephonyClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

func encodeTelephonyMedia(streamSid, payload string) ([]byte, error) {
	return json.Marshal(telephonyMedia{Event: "media", StreamSid: streamSid, Media: mediaPayload{Payload: payload}})
}

func encodeTelephonyClear(streamSid string) ([]byte, error) {
	return json.Marshal(telephonyClear{Event: "clear", StreamSid: streamSid})
}

// ============================================
// PROVIDER WIRE PROTOCOL
// Conversational AI WebSocket frames
// ============================================

// ProviderKind is the "type" field of a provider frame.
type ProviderKind string

const (
	KindInitiationMetadata ProviderKind = "conversation_initiation_metadata"
	KindAudio              ProviderKind = "audio"
	KindInterruption       ProviderKind = "interruption"
	KindPing               ProviderKind = "ping"
	KindUnrecognized       ProviderKind = "unrecognized"
)

// ProviderEvent is a decoded provider frame.
type ProviderEvent struct {
	Kind ProviderKind
	Type string // raw type, kept for unrecognized kinds

	Audio   string          // base64 audio, audio only
	EventID json.RawMessage // ping only, echoed verbatim in the pong

	ConversationID string
	OutputFormat   string
	InputFormat    string
}

type providerFrame struct {
	Type       string `json:"type"`
	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event"`
	PingEvent *struct {
		EventID json.RawMessage `json:"event_id"`
	} `json:"ping_event"`
	Metadata *struct {
		ConversationID string `json:"conversation_id"`
		OutputFormat   string `json:"agent_output_audio_format"`
		InputFormat    string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event"`
}

// ParseProviderEvent decodes one provider frame.
func ParseProviderEvent(data []byte) (ProviderEvent, error) {
	var frame providerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ProviderEvent{Kind: KindUnrecognized}, &ProtocolError{Leg: "provider", Detail: fmt.Sprintf("invalid json: %v", err)}
	}

	ev := ProviderEvent{Kind: ProviderKind(frame.Type), Type: frame.Type}

	switch ev.Kind {
	case KindInitiationMetadata:
		if frame.Metadata != nil {
			ev.ConversationID = frame.Metadata.ConversationID
			ev.OutputFormat = frame.Metadata.OutputFormat
			ev.InputFormat = frame.Metadata.InputFormat
		}

	case KindAudio:
		if frame.AudioEvent == nil || frame.AudioEvent.AudioBase64 == "" {
			return ev, &ProtocolError{Leg: "provider", Field: "audio_event.audio_base_64"}
		}
		ev.Audio = frame.AudioEvent.AudioBase64

	case KindPing:
		if frame.PingEvent == nil || len(frame.PingEvent.EventID) == 0 || bytes.Equal(frame.PingEvent.EventID, []byte("null")) {
			return ev, &ProtocolError{Leg: "provider", Field: "ping_event.event_id"}
		}
		ev.EventID = frame.PingEvent.EventID

	case KindInterruption:

	default:
		ev.Kind = KindUnrecognized
	}

	return ev, nil
}

type userAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pong struct {
	Type    string          `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

func encodeUserAudio(payload string) ([]byte, error) {
	return json.Marshal(userAudioChunk{UserAudioChunk: payload})
}

func encodePong(eventID json.RawMessage) ([]byte, error) {
	return json.Marshal(pong{Type: "pong", EventID: eventID})
}

// ============================================
// PAYLOAD VALIDATION
// ============================================

// validBase64 reports whether s is padded standard base64. Both wire
// protocols use the same alphabet, so a valid payload is forwarded as is.
func validBase64(s string) bool {
	n := len(s)
	if n == 0 || n%4 != 0 {
		return false
	}
	for i := 0; i < n; i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/':
		case c == '=':
			// Padding only in the last two positions, and never followed by data.
			if i < n-2 || (i == n-2 && s[n-1] != '=') {
				return false
			}
		default:
			return false
		}
	}
	return true
}
