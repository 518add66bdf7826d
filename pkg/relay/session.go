package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/birddigital/convai-relay/pkg/metrics"
)

// ============================================
// RELAY SESSION
// One telephony leg paired with one provider leg
// ============================================

// DefaultConnectTimeout bounds signed URL issuance plus the provider handshake.
const DefaultConnectTimeout = 10 * time.Second

// Leg is one websocket side of a session.
type Leg interface {
	// Messages yields inbound frames in order and is closed when the leg ends.
	Messages() <-chan []byte
	// Send queues a frame without waiting for delivery.
	Send(data []byte) error
	// Close starts a close handshake with code and reason; it must not block.
	Close(code int, reason string) error
	// CloseStatus reports how the leg ended once Messages is closed.
	CloseStatus() (code int, reason string, err error)
}

// Issuer produces a short-lived provider connection URL.
type Issuer interface {
	SignedURL(ctx context.Context, agentID string) (string, error)
}

// Dialer opens the provider leg.
type Dialer interface {
	Dial(ctx context.Context, url string) (Leg, error)
}

// Config carries what a session needs besides its telephony leg.
type Config struct {
	AgentID        string
	ConnectTimeout time.Duration
	Issuer         Issuer
	Dialer         Dialer
	Metrics        *metrics.Metrics
	Logger         *logrus.Entry
}

// Session relays one call. All state below the mutex is owned by the
// goroutine running Run (or, in tests, by the caller of the step methods).
type Session struct {
	id        uuid.UUID
	cfg       Config
	log       *logrus.Entry
	metrics   *metrics.Metrics
	createdAt time.Time

	telephony     Leg
	provider      Leg
	telephonyDone bool
	providerDone  bool

	streamSid string
	closing   bool
	closure   Closure

	timer          *time.Timer
	cancelConnect  context.CancelFunc
	connectStarted time.Time
	results        chan connectResult
	done           chan struct{}
	finishOnce     sync.Once

	framesToProvider  atomic.Int64
	framesToTelephony atomic.Int64
	framesDropped     atomic.Int64

	// Published copies for Status; written by the owner, read by anyone.
	mu             sync.RWMutex
	state          State
	pubStreamSid   string
	callSid        string
	conversationID string
	endedAt        time.Time
}

type connectResult struct {
	leg   Leg
	stage string
	err   error
}

// NewSession creates a session around an accepted telephony leg.
func NewSession(telephony Leg, cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}

	id := uuid.New()
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Session{
		id:        id,
		cfg:       cfg,
		log:       log.WithField("session_id", id.String()),
		metrics:   cfg.Metrics,
		createdAt: time.Now(),
		telephony: telephony,
		results:   make(chan connectResult),
		done:      make(chan struct{}),
		state:     StateAwaitingStart,
	}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Run drives the session until both legs are closed or ctx is cancelled and
// teardown has completed. It returns the session summary.
func (s *Session) Run(ctx context.Context) Summary {
	defer s.finish()

	s.metrics.SessionStarted()
	s.log.Info("session started")

	telMsgs := s.telephony.Messages()
	var provMsgs <-chan []byte
	cancelled := ctx.Done()

	for !s.isClosed() {
		if s.provider != nil && provMsgs == nil && !s.providerDone {
			provMsgs = s.provider.Messages()
		}

		select {
		case data, ok := <-telMsgs:
			if !ok {
				telMsgs = nil
				s.handleTelephonyClosed()
				continue
			}
			s.handleTelephony(data)

		case data, ok := <-provMsgs:
			if !ok {
				provMsgs = nil
				s.handleProviderClosed()
				continue
			}
			s.handleProvider(data)

		case r := <-s.results:
			s.handleConnectResult(r)

		case <-s.timerC():
			s.handleConnectTimeout()

		case <-cancelled:
			cancelled = nil
			s.closeWithCode(CloseGoingAway, ReasonShutdown, InitiatorRelay)
		}
	}

	s.setState(StateClosed)
	s.metrics.SessionEnded(string(s.closure.Initiator), s.closure.Code)
	s.log.WithFields(logrus.Fields{
		"code":                s.closure.Code,
		"reason":              s.closure.Reason,
		"initiator":           s.closure.Initiator,
		"frames_to_provider":  s.framesToProvider.Load(),
		"frames_to_telephony": s.framesToTelephony.Load(),
		"frames_dropped":      s.framesDropped.Load(),
	}).Info("session closed")

	return s.Summary()
}

func (s *Session) isClosed() bool {
	return s.closing && s.telephonyDone && (s.provider == nil || s.providerDone)
}

// finish releases a connect goroutine still trying to report.
func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.stopTimer()
		if s.cancelConnect != nil {
			s.cancelConnect()
		}
		close(s.done)
	})
}

// ============================================
// TELEPHONY → PROVIDER
// ============================================

func (s *Session) handleTelephony(data []byte) {
	if s.closing {
		return
	}

	ev, err := ParseControlEvent(data)
	if err != nil {
		if ev.Kind == KindStart && s.currentState() == StateAwaitingStart {
			s.log.WithError(err).Warn("start event rejected")
			s.closeWithCode(CloseInvalidMessage, ReasonInvalidStart, InitiatorRelay)
			return
		}
		if ev.Kind == KindMedia {
			s.drop(metrics.DirectionToProvider, "malformed")
		}
		s.log.WithError(err).Warn("dropping telephony message")
		return
	}

	switch ev.Kind {
	case KindStart:
		s.onStart(ev)
	case KindMedia:
		s.onMedia(ev)
	case KindStop:
		s.onStop()
	case KindConnected, KindMark:
		s.log.WithField("event", ev.Name).Debug("telephony event")
	default:
		s.log.WithField("event", ev.Name).Info("ignoring unknown telephony event")
	}
}

func (s *Session) onStart(ev ControlEvent) {
	if s.currentState() != StateAwaitingStart {
		s.log.WithField("stream_sid", ev.StreamSid).Warn("ignoring repeated start event")
		return
	}

	s.streamSid = ev.StreamSid
	s.mu.Lock()
	s.pubStreamSid = ev.StreamSid
	s.callSid = ev.CallSid
	s.mu.Unlock()
	s.log = s.log.WithField("stream_sid", ev.StreamSid)

	s.setState(StateConnectingProvider)
	s.log.WithField("call_sid", ev.CallSid).Info("stream started, connecting provider")

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelConnect = cancel
	s.connectStarted = time.Now()
	s.timer = time.NewTimer(s.cfg.ConnectTimeout)

	go s.connect(ctx)
}

func (s *Session) onMedia(ev ControlEvent) {
	switch s.currentState() {
	case StateAwaitingStart:
		// Out-of-order delivery is tolerated: the frame is lost, the call is not.
		s.log.Warn("media before start, dropping frame")
		s.drop(metrics.DirectionToProvider, "before_start")
		return
	case StateConnectingProvider:
		s.drop(metrics.DirectionToProvider, "provider_not_ready")
		return
	}

	if !validBase64(ev.Payload) {
		err := &ValidationError{Direction: metrics.DirectionToProvider, Length: len(ev.Payload)}
		s.log.WithError(err).Warn("dropping telephony media")
		s.drop(metrics.DirectionToProvider, "invalid_base64")
		return
	}

	frame, err := encodeUserAudio(ev.Payload)
	if err != nil {
		s.drop(metrics.DirectionToProvider, "encode")
		return
	}
	s.sendProvider(frame)
}

func (s *Session) onStop() {
	if s.currentState() == StateAwaitingStart {
		s.log.Info("ignoring stop before start")
		return
	}
	s.log.Info("stop received")
	s.closeWithCode(CloseNormal, ReasonStopReceived, InitiatorTelephony)
}

// ============================================
// PROVIDER → TELEPHONY
// ============================================

func (s *Session) handleProvider(data []byte) {
	if s.closing {
		return
	}

	ev, err := ParseProviderEvent(data)
	if err != nil {
		if ev.Kind == KindAudio {
			s.drop(metrics.DirectionToTelephony, "malformed")
		}
		s.log.WithError(err).Warn("dropping provider message")
		return
	}

	switch ev.Kind {
	case KindInitiationMetadata:
		s.onInitiationMetadata(ev)
	case KindAudio:
		s.onProviderAudio(ev)
	case KindInterruption:
		s.onInterruption()
	case KindPing:
		s.onPing(ev)
	default:
		s.log.WithField("type", ev.Type).Debug("ignoring provider message")
	}
}

// telephonyAudioFormat is what Media Streams carries in both directions.
const telephonyAudioFormat = "ulaw_8000"

func (s *Session) onInitiationMetadata(ev ProviderEvent) {
	s.mu.Lock()
	s.conversationID = ev.ConversationID
	s.mu.Unlock()

	log := s.log.WithField("conversation_id", ev.ConversationID)
	log.Info("conversation initiated")

	// No transcoding happens here; a mismatched agent format means garbled audio.
	if ev.OutputFormat != "" && ev.OutputFormat != telephonyAudioFormat {
		log.WithField("format", ev.OutputFormat).Warn("agent output format is not " + telephonyAudioFormat)
	}
	if ev.InputFormat != "" && ev.InputFormat != telephonyAudioFormat {
		log.WithField("format", ev.InputFormat).Warn("agent input format is not " + telephonyAudioFormat)
	}
}

func (s *Session) onProviderAudio(ev ProviderEvent) {
	if s.streamSid == "" {
		s.drop(metrics.DirectionToTelephony, "no_stream")
		return
	}
	if !validBase64(ev.Audio) {
		err := &ValidationError{Direction: metrics.DirectionToTelephony, Length: len(ev.Audio)}
		s.log.WithError(err).Warn("dropping provider audio")
		s.drop(metrics.DirectionToTelephony, "invalid_base64")
		return
	}

	frame, err := encodeTelephonyMedia(s.streamSid, ev.Audio)
	if err != nil {
		s.drop(metrics.DirectionToTelephony, "encode")
		return
	}
	s.sendTelephony(frame)
}

func (s *Session) onInterruption() {
	if s.streamSid == "" {
		s.log.Warn("interruption without stream, nothing to clear")
		return
	}
	frame, err := encodeTelephonyClear(s.streamSid)
	if err != nil {
		return
	}
	s.log.Debug("interruption, clearing caller playback")
	s.sendControl(s.telephony, metrics.DirectionToTelephony, "clear", frame)
}

func (s *Session) onPing(ev ProviderEvent) {
	if s.provider == nil {
		return
	}
	frame, err := encodePong(ev.EventID)
	if err != nil {
		s.log.WithError(err).Warn("cannot encode pong")
		return
	}
	s.sendControl(s.provider, metrics.DirectionToProvider, "pong", frame)
}

func (s *Session) sendProvider(frame []byte) {
	if err := s.provider.Send(frame); err != nil {
		s.drop(metrics.DirectionToProvider, "send_failed")
		return
	}
	s.framesToProvider.Add(1)
	s.metrics.FrameForwarded(metrics.DirectionToProvider)
}

func (s *Session) sendTelephony(frame []byte) {
	if err := s.telephony.Send(frame); err != nil {
		s.drop(metrics.DirectionToTelephony, "send_failed")
		return
	}
	s.framesToTelephony.Add(1)
	s.metrics.FrameForwarded(metrics.DirectionToTelephony)
}

// sendControl sends a frame the relay generates itself. Failures count as
// drops; successes are not forwarded audio and are not counted.
func (s *Session) sendControl(leg Leg, direction, kind string, frame []byte) {
	if err := leg.Send(frame); err != nil {
		s.log.WithError(err).WithField("frame", kind).Warn("control frame not sent")
		s.drop(direction, "send_failed")
	}
}

func (s *Session) drop(direction, reason string) {
	s.framesDropped.Add(1)
	s.metrics.FrameDropped(direction, reason)
}

// ============================================
// PROVIDER CONNECTION
// ============================================

// connect runs off the session goroutine and reports exactly once.
func (s *Session) connect(ctx context.Context) {
	url, err := s.cfg.Issuer.SignedURL(ctx, s.cfg.AgentID)
	if err != nil {
		s.report(connectResult{stage: "signed_url", err: &UpstreamError{Stage: "signed_url", Err: err}})
		return
	}

	leg, err := s.cfg.Dialer.Dial(ctx, url)
	if err != nil {
		s.report(connectResult{stage: "dial", err: &UpstreamError{Stage: "dial", Err: err}})
		return
	}

	if !s.report(connectResult{leg: leg}) {
		leg.Close(CloseNormal, ReasonSessionClosed)
	}
}

func (s *Session) report(r connectResult) bool {
	select {
	case s.results <- r:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) handleConnectResult(r connectResult) {
	if r.err != nil {
		if s.closing {
			s.log.WithError(r.err).Debug("discarding connect failure after close")
			return
		}
		s.metrics.ProviderConnectFailed(r.stage)
		s.log.WithError(r.err).Error("provider connection failed")

		reason := ReasonDialFailed
		if r.stage == "signed_url" {
			reason = ReasonSignedURLFailed
		}
		s.closeWithCode(CloseServerError, reason, InitiatorRelay)
		return
	}

	if s.closing || s.currentState() != StateConnectingProvider {
		s.log.Info("provider connected after session closed, discarding")
		r.leg.Close(CloseNormal, ReasonSessionClosed)
		return
	}

	s.stopTimer()
	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}
	s.provider = r.leg
	s.setState(StateActive)

	elapsed := time.Since(s.connectStarted)
	s.metrics.ProviderConnected(elapsed)
	s.log.WithField("elapsed", elapsed).Info("provider connected")
}

func (s *Session) handleConnectTimeout() {
	s.timer = nil
	if s.closing || s.currentState() != StateConnectingProvider {
		return
	}
	s.metrics.ProviderConnectFailed("timeout")
	err := &UpstreamError{Stage: "timeout"}
	s.log.WithError(err).WithField("timeout", s.cfg.ConnectTimeout).Error("provider connection timed out")
	s.closeWithCode(CloseServerError, ReasonConnectTimeout, InitiatorRelay)
}

func (s *Session) timerC() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.C
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// ============================================
// LEG CLOSURE & SHUTDOWN
// ============================================

func (s *Session) handleTelephonyClosed() {
	if s.telephonyDone {
		return
	}
	s.telephonyDone = true

	code, reason, err := s.telephony.CloseStatus()
	if s.closing {
		return
	}
	if err != nil {
		s.log.WithError(&TransportError{Leg: "telephony", Code: code, Err: err}).Warn("telephony leg dropped")
	} else {
		s.log.WithFields(logrus.Fields{"code": code, "reason": reason}).Info("telephony leg closed")
	}
	if reason == "" {
		reason = ReasonTelephonyClosed
	}
	s.closeWithCode(code, reason, InitiatorTelephony)
}

func (s *Session) handleProviderClosed() {
	if s.provider == nil || s.providerDone {
		return
	}
	s.providerDone = true

	code, reason, err := s.provider.CloseStatus()
	if s.closing {
		return
	}
	if err != nil {
		s.log.WithError(&TransportError{Leg: "provider", Code: code, Err: err}).Warn("provider leg dropped")
	} else {
		s.log.WithFields(logrus.Fields{"code": code, "reason": reason}).Info("provider leg closed")
	}
	if reason == "" {
		reason = ReasonProviderClosed
	}
	s.closeWithCode(code, reason, InitiatorProvider)
}

// closeWithCode tears both legs down once. Later calls, including those
// caused by the legs' own close notifications, do nothing.
func (s *Session) closeWithCode(code int, reason string, initiator Initiator) {
	if s.closing {
		return
	}
	s.closing = true
	s.closure = Closure{Code: code, Reason: reason, Initiator: initiator}

	s.stopTimer()
	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}
	s.setState(StateClosing)

	s.log.WithFields(logrus.Fields{
		"code":      code,
		"reason":    reason,
		"initiator": initiator,
	}).Info("closing session")

	if s.provider != nil && !s.providerDone {
		if err := s.provider.Close(CloseNormal, reason); err != nil {
			s.log.WithError(err).Debug("provider close")
		}
	}
	if !s.telephonyDone {
		if err := s.telephony.Close(wireCode(code), reason); err != nil {
			s.log.WithError(err).Debug("telephony close")
		}
	}
}

// ============================================
// STATUS
// ============================================

func (s *Session) currentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	if state == StateClosed {
		s.endedAt = time.Now()
	}
	s.mu.Unlock()
}

// Status is a point-in-time view of a session, safe to take from any goroutine.
type Status struct {
	ID                uuid.UUID  `json:"id"`
	State             State      `json:"state"`
	StreamSid         string     `json:"stream_sid,omitempty"`
	CallSid           string     `json:"call_sid,omitempty"`
	ConversationID    string     `json:"conversation_id,omitempty"`
	FramesToProvider  int64      `json:"frames_to_provider"`
	FramesToTelephony int64      `json:"frames_to_telephony"`
	FramesDropped     int64      `json:"frames_dropped"`
	CreatedAt         time.Time  `json:"created_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		ID:                s.id,
		State:             s.state,
		StreamSid:         s.pubStreamSid,
		CallSid:           s.callSid,
		ConversationID:    s.conversationID,
		FramesToProvider:  s.framesToProvider.Load(),
		FramesToTelephony: s.framesToTelephony.Load(),
		FramesDropped:     s.framesDropped.Load(),
		CreatedAt:         s.createdAt,
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		st.EndedAt = &ended
	}
	return st
}

// Summary describes a finished session.
type Summary struct {
	Status
	Closure           Closure `json:"closure"`
	ProviderConnected bool    `json:"provider_connected"`
}

// Summary returns the summary. It is complete once Run has returned.
func (s *Session) Summary() Summary {
	return Summary{
		Status:            s.Status(),
		Closure:           s.closure,
		ProviderConnected: s.provider != nil,
	}
}
