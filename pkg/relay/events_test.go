package relay

import (
	"errors"
	"testing"
)

func TestParseControlEvent(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantKind  ControlKind
		wantSid   string
		wantCall  string
		wantData  string
		wantError bool
	}{
		{
			name:     "start",
			in:       `{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ1","callSid":"CA1","tracks":["inbound"]},"streamSid":"MZ1"}`,
			wantKind: KindStart, wantSid: "MZ1", wantCall: "CA1",
		},
		{
			name:     "start with top-level sid only",
			in:       `{"event":"start","streamSid":"MZ2","start":{"callSid":"CA2"}}`,
			wantKind: KindStart, wantSid: "MZ2", wantCall: "CA2",
		},
		{
			name:      "start without sid",
			in:        `{"event":"start","start":{"callSid":"CA3"}}`,
			wantKind:  KindStart,
			wantError: true,
		},
		{
			name:     "media",
			in:       `{"event":"media","streamSid":"MZ1","media":{"track":"inbound","chunk":"2","timestamp":"5","payload":"/v7+"}}`,
			wantKind: KindMedia, wantData: "/v7+",
		},
		{
			name:      "media without payload",
			in:        `{"event":"media","media":{"track":"inbound"}}`,
			wantKind:  KindMedia,
			wantError: true,
		},
		{name: "stop", in: `{"event":"stop","stop":{"callSid":"CA1"}}`, wantKind: KindStop},
		{name: "connected", in: `{"event":"connected","protocol":"Call"}`, wantKind: KindConnected},
		{name: "mark", in: `{"event":"mark","mark":{"name":"greeting"}}`, wantKind: KindMark},
		{name: "unknown event", in: `{"event":"dtmf"}`, wantKind: KindUnknown},
		{name: "missing event", in: `{"streamSid":"MZ1"}`, wantKind: KindUnknown, wantError: true},
		{name: "invalid json", in: `{"event":`, wantKind: KindUnknown, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseControlEvent([]byte(tt.in))
			if (err != nil) != tt.wantError {
				t.Fatalf("err = %v, wantError %v", err, tt.wantError)
			}
			if err != nil {
				var pe *ProtocolError
				if !errors.As(err, &pe) {
					t.Fatalf("err = %T, want *ProtocolError", err)
				}
			}
			if ev.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", ev.Kind, tt.wantKind)
			}
			if ev.StreamSid != tt.wantSid && err == nil {
				t.Errorf("streamSid = %q, want %q", ev.StreamSid, tt.wantSid)
			}
			if ev.CallSid != tt.wantCall && err == nil {
				t.Errorf("callSid = %q, want %q", ev.CallSid, tt.wantCall)
			}
			if ev.Payload != tt.wantData {
				t.Errorf("payload = %q, want %q", ev.Payload, tt.wantData)
			}
		})
	}
}

func TestParseProviderEvent(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantKind  ProviderKind
		wantAudio string
		wantID    string
		wantError bool
	}{
		{
			name:     "metadata",
			in:       `{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"c1","agent_output_audio_format":"ulaw_8000","user_input_audio_format":"ulaw_8000"}}`,
			wantKind: KindInitiationMetadata,
		},
		{
			name:      "audio",
			in:        `{"type":"audio","audio_event":{"audio_base_64":"AAAA","event_id":3}}`,
			wantKind:  KindAudio,
			wantAudio: "AAAA",
		},
		{name: "audio without payload", in: `{"type":"audio"}`, wantKind: KindAudio, wantError: true},
		{name: "interruption", in: `{"type":"interruption","interruption_event":{"event_id":4}}`, wantKind: KindInterruption},
		{name: "ping string id", in: `{"type":"ping","ping_event":{"event_id":"e1"}}`, wantKind: KindPing, wantID: `"e1"`},
		{name: "ping numeric id", in: `{"type":"ping","ping_event":{"event_id":17,"ping_ms":20}}`, wantKind: KindPing, wantID: `17`},
		{name: "ping null id", in: `{"type":"ping","ping_event":{"event_id":null}}`, wantKind: KindPing, wantError: true},
		{name: "ping without event", in: `{"type":"ping"}`, wantKind: KindPing, wantError: true},
		{name: "user transcript", in: `{"type":"user_transcript"}`, wantKind: KindUnrecognized},
		{name: "no type", in: `{}`, wantKind: KindUnrecognized},
		{name: "invalid json", in: `nope`, wantKind: KindUnrecognized, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseProviderEvent([]byte(tt.in))
			if (err != nil) != tt.wantError {
				t.Fatalf("err = %v, wantError %v", err, tt.wantError)
			}
			if ev.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", ev.Kind, tt.wantKind)
			}
			if ev.Audio != tt.wantAudio {
				t.Errorf("audio = %q, want %q", ev.Audio, tt.wantAudio)
			}
			if string(ev.EventID) != tt.wantID {
				t.Errorf("event id = %s, want %s", ev.EventID, tt.wantID)
			}
		})
	}
}

func TestParseProviderEvent_Metadata(t *testing.T) {
	ev, err := ParseProviderEvent([]byte(`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"c1","agent_output_audio_format":"pcm_16000","user_input_audio_format":"ulaw_8000"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.ConversationID != "c1" || ev.OutputFormat != "pcm_16000" || ev.InputFormat != "ulaw_8000" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestEncoders(t *testing.T) {
	tests := []struct {
		name string
		got  func() ([]byte, error)
		want string
	}{
		{"telephony media", func() ([]byte, error) { return encodeTelephonyMedia("SID1", "QUJD") }, `{"event":"media","streamSid":"SID1","media":{"payload":"QUJD"}}`},
		{"telephony clear", func() ([]byte, error) { return encodeTelephonyClear("SID1") }, `{"event":"clear","streamSid":"SID1"}`},
		{"user audio", func() ([]byte, error) { return encodeUserAudio("QUJD") }, `{"user_audio_chunk":"QUJD"}`},
		{"pong string", func() ([]byte, error) { return encodePong([]byte(`"abc123"`)) }, `{"type":"pong","event_id":"abc123"}`},
		{"pong number", func() ([]byte, error) { return encodePong([]byte(`42`)) }, `{"type":"pong","event_id":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.got()
			if err != nil {
				t.Fatal(err)
			}
			if string(b) != tt.want {
				t.Errorf("got %s, want %s", b, tt.want)
			}
		})
	}
}

func TestValidBase64(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"QUJD", true},
		{"QUI=", true},
		{"QQ==", true},
		{"/v7+AAAA", true},
		{"", false},
		{"QUJ", false},
		{"QU!D", false},
		{"QU JD", false},
		{"Q===", false},
		{"QQ=A", false},
		{"=QUJ", false},
		{"QQ==QUJD", false},
		{"QUJD-_==", false},
	}

	for _, tt := range tests {
		if got := validBase64(tt.in); got != tt.want {
			t.Errorf("validBase64(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWireCode(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, CloseServerError},
		{1000, 1000},
		{1001, 1001},
		{1005, CloseServerError},
		{1006, CloseServerError},
		{1007, 1007},
		{1011, 1011},
		{1015, CloseServerError},
		{4000, 4000},
	}
	for _, tt := range tests {
		if got := wireCode(tt.in); got != tt.want {
			t.Errorf("wireCode(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
