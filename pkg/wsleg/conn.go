package wsleg

import (
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ============================================
// WEBSOCKET LEG
// One side of a relayed call: an ordered inbound message stream plus a
// buffered, fire-and-forget outbound queue
// ============================================

var (
	// ErrClosed is returned by Send once the leg has started closing.
	ErrClosed = errors.New("wsleg: connection closed")

	// ErrQueueFull is returned by Send when the outbound queue is saturated.
	ErrQueueFull = errors.New("wsleg: send queue full")
)

// maxCloseReason is the largest close reason that fits a control frame.
const maxCloseReason = 123

// Config tunes the pumps of a leg.
type Config struct {
	// Name identifies the leg in logs ("telephony", "provider").
	Name string

	// SendQueue is the outbound buffer size in frames.
	SendQueue int

	// WriteTimeout bounds each frame write, including the close frame.
	WriteTimeout time.Duration

	// PingInterval sends protocol pings when > 0.
	PingInterval time.Duration

	// ReadTimeout closes the leg when nothing (message or pong) arrives for
	// this long. Zero disables it.
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Conn wraps a gorilla websocket connection with a read pump and a write pump.
//
// Thread Safety:
// Send, Close and CloseStatus are safe for concurrent use. Messages must be
// consumed by a single reader.
type Conn struct {
	ws  *websocket.Conn
	cfg Config
	log *logrus.Entry

	in   chan []byte
	out  chan []byte
	stop chan struct{}
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	local     *closeFrame
	status    Status
}

type closeFrame struct {
	code   int
	reason string
}

// Status describes how a leg ended.
type Status struct {
	Code   int
	Reason string
	Err    error // transport error, nil for a clean close handshake
	Local  bool  // closed by this side
}

// New starts the pumps for an established websocket connection.
func New(ws *websocket.Conn, cfg Config, log *logrus.Entry) *Conn {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Conn{
		ws:   ws,
		cfg:  cfg,
		log:  log.WithField("leg", cfg.Name),
		in:   make(chan []byte, 16),
		out:  make(chan []byte, cfg.SendQueue),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go c.readPump()
	go c.writePump()

	return c
}

// Messages delivers inbound data frames in arrival order. The channel is
// closed once the connection is gone; CloseStatus is valid from then on.
func (c *Conn) Messages() <-chan []byte {
	return c.in
}

// Send queues a text frame without waiting for it to be written.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.stop:
		return ErrClosed
	default:
	}

	select {
	case c.out <- data:
		return nil
	case <-c.stop:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Close asks the write pump to flush queued frames, send a close frame with
// code and reason, and drop the connection. It does not wait for the peer's
// close handshake. Only the first call has an effect.
func (c *Conn) Close(code int, reason string) error {
	c.shutdown(&closeFrame{code: code, reason: trimReason(reason)})
	return nil
}

// trimReason cuts reason to maxCloseReason bytes without splitting a rune;
// peers reject close frames carrying invalid UTF-8.
func trimReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}

// CloseStatus reports how the leg ended. It is meaningful after Messages
// has been closed.
func (c *Conn) CloseStatus() (code int, reason string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Code, c.status.Reason, c.status.Err
}

// Status returns the full close status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Done is closed once the underlying connection has been released.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) shutdown(frame *closeFrame) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.local = frame
		c.mu.Unlock()
		close(c.stop)
	})
}

// ============================================
// PUMPS
// ============================================

// readPump reads frames from the socket until it fails.
func (c *Conn) readPump() {
	defer close(c.in)

	if c.cfg.ReadTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		})
	}

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.recordStatus(err)
			// Peer is gone; release the write side without a close frame.
			c.shutdown(nil)
			return
		}

		if c.cfg.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		select {
		case c.in <- data:
		case <-c.stop:
			// Nobody is reading anymore; keep draining until the socket drops.
		}
	}
}

func (c *Conn) recordStatus(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var closeErr *websocket.CloseError
	switch {
	case c.local != nil:
		c.status = Status{Code: c.local.code, Reason: c.local.reason, Local: true}
	case errors.As(err, &closeErr):
		c.status = Status{Code: closeErr.Code, Reason: closeErr.Text}
	default:
		c.status = Status{Code: websocket.CloseAbnormalClosure, Reason: err.Error(), Err: err}
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.local == nil {
		c.log.WithError(err).Debug("read failed")
	}
}

// writePump serialises every write to the socket.
func (c *Conn) writePump() {
	defer close(c.done)
	defer c.ws.Close()

	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.out:
			if err := c.write(data); err != nil {
				c.log.WithError(err).Debug("write failed")
				c.shutdown(nil)
				return
			}

		case <-ping:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.WithError(err).Debug("ping failed")
				c.shutdown(nil)
				return
			}

		case <-c.stop:
			c.flush()
			return
		}
	}
}

// flush writes whatever is already queued, then the close frame if the
// close was requested locally.
func (c *Conn) flush() {
	c.mu.Lock()
	frame := c.local
	c.mu.Unlock()

	if frame == nil {
		return
	}

	for {
		select {
		case data := <-c.out:
			if err := c.write(data); err != nil {
				return
			}
			continue
		default:
		}
		break
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	msg := websocket.FormatCloseMessage(frame.code, frame.reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.log.WithError(err).Debug("close frame not sent")
	}
}

func (c *Conn) write(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
