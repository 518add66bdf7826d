package relay

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/birddigital/convai-relay/pkg/metrics"
)

type closeCall struct {
	code   int
	reason string
}

// fakeLeg records what the session sends and closes. With autoEnd set, the
// first Close also ends Messages, the way a real leg's read pump would.
type fakeLeg struct {
	msgs    chan []byte
	autoEnd bool

	mu      sync.Mutex
	sent    []string
	closes  []closeCall
	status  closeCall
	err     error
	sendErr error
	endOnce sync.Once
}

func newFakeLeg(autoEnd bool) *fakeLeg {
	return &fakeLeg{msgs: make(chan []byte, 64), autoEnd: autoEnd}
}

func (l *fakeLeg) Messages() <-chan []byte { return l.msgs }

func (l *fakeLeg) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, string(data))
	return nil
}

func (l *fakeLeg) Close(code int, reason string) error {
	l.mu.Lock()
	l.closes = append(l.closes, closeCall{code, reason})
	l.mu.Unlock()
	if l.autoEnd {
		l.end(code, reason, nil)
	}
	return nil
}

func (l *fakeLeg) CloseStatus() (int, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status.code, l.status.reason, l.err
}

// end simulates the connection going away with the given status.
func (l *fakeLeg) end(code int, reason string, err error) {
	l.endOnce.Do(func() {
		l.mu.Lock()
		l.status = closeCall{code, reason}
		l.err = err
		l.mu.Unlock()
		close(l.msgs)
	})
}

func (l *fakeLeg) push(msg string) {
	l.msgs <- []byte(msg)
}

func (l *fakeLeg) sentFrames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}

func (l *fakeLeg) closeCalls() []closeCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]closeCall(nil), l.closes...)
}

// fakeIssuer returns url or err. With release set it blocks until the
// channel is closed; with honorCtx it gives up when ctx is cancelled.
type fakeIssuer struct {
	url      string
	err      error
	release  chan struct{}
	honorCtx bool

	calls   atomic.Int32
	agentID atomic.Value
}

func (f *fakeIssuer) SignedURL(ctx context.Context, agentID string) (string, error) {
	f.calls.Add(1)
	f.agentID.Store(agentID)
	if f.release != nil {
		if f.honorCtx {
			select {
			case <-f.release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		} else {
			<-f.release
		}
	}
	return f.url, f.err
}

type fakeDialer struct {
	leg   Leg
	err   error
	calls atomic.Int32
	url   atomic.Value
}

func (f *fakeDialer) Dial(_ context.Context, url string) (Leg, error) {
	f.calls.Add(1)
	f.url.Store(url)
	if f.err != nil {
		return nil, f.err
	}
	return f.leg, nil
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newTestSession(t *testing.T, telephony Leg, issuer Issuer, dialer Dialer) *Session {
	t.Helper()
	s := NewSession(telephony, Config{
		AgentID:        "agent-1",
		ConnectTimeout: time.Minute,
		Issuer:         issuer,
		Dialer:         dialer,
		Metrics:        metrics.New(prometheus.NewRegistry()),
		Logger:         quietLogger(),
	})
	t.Cleanup(s.finish)
	return s
}

func awaitResult(t *testing.T, s *Session) connectResult {
	t.Helper()
	select {
	case r := <-s.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("connect goroutine never reported")
		return connectResult{}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const startSID1 = `{"event":"start","start":{"streamSid":"SID1","callSid":"CA1"}}`

// activeSession returns a session that has received start and whose provider
// leg is open.
func activeSession(t *testing.T) (*Session, *fakeLeg, *fakeLeg) {
	t.Helper()
	telephony := newFakeLeg(false)
	provider := newFakeLeg(false)
	s := newTestSession(t, telephony, &fakeIssuer{url: "wss://provider/signed"}, &fakeDialer{leg: provider})

	s.handleTelephony([]byte(startSID1))
	s.handleConnectResult(awaitResult(t, s))

	if got := s.currentState(); got != StateActive {
		t.Fatalf("state = %v, want active", got)
	}
	return s, telephony, provider
}
