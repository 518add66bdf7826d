package convai

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/birddigital/convai-relay/pkg/relay"
	"github.com/birddigital/convai-relay/pkg/wsleg"
)

// Dialer opens provider legs on signed URLs.
type Dialer struct {
	// Leg tunes the pumps of each dialed connection. Name defaults to "provider".
	Leg wsleg.Config

	// WS is the websocket dialer; nil uses websocket.DefaultDialer.
	WS     *websocket.Dialer
	Logger *logrus.Entry
}

// Dial connects to url and returns the running leg.
func (d *Dialer) Dial(ctx context.Context, url string) (relay.Leg, error) {
	wsDialer := d.WS
	if wsDialer == nil {
		wsDialer = websocket.DefaultDialer
	}

	conn, resp, err := wsDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			return nil, fmt.Errorf("provider handshake failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("failed to dial provider: %w", err)
	}

	cfg := d.Leg
	if cfg.Name == "" {
		cfg.Name = "provider"
	}
	return wsleg.New(conn, cfg, d.Logger), nil
}
