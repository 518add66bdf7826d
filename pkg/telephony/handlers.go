package telephony

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/birddigital/convai-relay/pkg/relay"
	"github.com/birddigital/convai-relay/pkg/store"
	"github.com/birddigital/convai-relay/pkg/wsleg"
)

// ============================================
// CALL HANDLERS
// Webhook, media stream and status endpoints
// ============================================

// MediaStreamPath is where the carrier opens the media stream websocket.
const MediaStreamPath = "/media-stream"

// Config wires the handlers to the rest of the relay.
type Config struct {
	// PublicHost overrides the request Host in the stream URL handed to the
	// carrier.
	PublicHost string

	// Session is the template for every relay session; Logger is replaced
	// per call.
	Session relay.Config

	// Leg tunes the telephony websocket pumps.
	Leg wsleg.Config

	Registry *relay.Registry
	Recorder store.Recorder
	Logger   *logrus.Entry
}

// Handlers serves the carrier-facing HTTP surface.
type Handlers struct {
	cfg Config
	log *logrus.Entry
}

// NewHandlers creates the handlers.
func NewHandlers(cfg Config) *Handlers {
	if cfg.Registry == nil {
		cfg.Registry = relay.NewRegistry(cfg.Logger)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = store.Nop{}
	}
	if cfg.Leg.Name == "" {
		cfg.Leg.Name = "telephony"
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Handlers{cfg: cfg, log: log}
}

// ============================================
// TWIML GENERATION
// ============================================

// TwiMLResponse is the webhook answer.
type TwiMLResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect Connect  `xml:"Connect"`
}

// Connect represents the <Connect> verb, which hands the call to a
// bidirectional stream.
type Connect struct {
	Stream Stream `xml:"Stream"`
}

// Stream represents a <Stream> element.
type Stream struct {
	URL string `xml:"url,attr"`
}

// StreamTwiML renders the document that connects a call to streamURL.
func StreamTwiML(streamURL string) ([]byte, error) {
	output, err := xml.Marshal(TwiMLResponse{Connect: Connect{Stream: Stream{URL: streamURL}}})
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}

// ============================================
// HTTP HANDLERS
// ============================================

// HandleIncomingCall answers the carrier webhook with TwiML that connects
// the call to the media stream endpoint. Any method is accepted.
func (h *Handlers) HandleIncomingCall(w http.ResponseWriter, r *http.Request) {
	host := h.cfg.PublicHost
	if host == "" {
		host = r.Host
	}
	host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
	streamURL := fmt.Sprintf("wss://%s%s", strings.TrimRight(host, "/"), MediaStreamPath)

	output, err := StreamTwiML(streamURL)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal TwiML")
		http.Error(w, "Failed to generate TwiML", http.StatusInternalServerError)
		return
	}

	h.log.WithFields(logrus.Fields{
		"call_sid":   r.FormValue("CallSid"),
		"from":       r.FormValue("From"),
		"stream_url": streamURL,
	}).Info("incoming call")

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(output)
}

// HandleSessions returns the live sessions as JSON.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := struct {
		Count    int            `json:"count"`
		Sessions []relay.Status `json:"sessions"`
	}{}
	resp.Sessions = h.cfg.Registry.Snapshot()
	resp.Count = len(resp.Sessions)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.WithError(err).Debug("sessions response not written")
	}
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// ============================================
// ROUTE REGISTRATION
// ============================================

// RegisterRoutes registers all call handler routes.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/incoming-call", h.HandleIncomingCall)
	mux.HandleFunc(MediaStreamPath, h.HandleMediaStream)
	mux.HandleFunc("/sessions", h.HandleSessions)
	mux.HandleFunc("/health", h.HandleHealth)

	h.log.Debug("registered call handler routes")
}

// Registry returns the session registry the handlers run calls in.
func (h *Handlers) Registry() *relay.Registry {
	return h.cfg.Registry
}

// record stores a finished session without holding up the caller's
// context, which is gone by the time the session ends.
func (h *Handlers) record(sum relay.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), store.RecordTimeout)
	defer cancel()

	if err := h.cfg.Recorder.Record(ctx, sum); err != nil {
		h.log.WithError(err).WithField("session_id", sum.ID).Warn("call record not stored")
	}
}
