package telephony

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/birddigital/convai-relay/pkg/relay"
	"github.com/birddigital/convai-relay/pkg/wsleg"
)

// ============================================
// MEDIA STREAM ENDPOINT
// One websocket from the carrier, one relay session
// ============================================

var mediaStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Carrier media servers send no browser Origin.
		return true
	},
}

// HandleMediaStream upgrades the carrier connection and runs a relay session
// on it until the call ends.
func (h *Handlers) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := mediaStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	h.log.WithField("remote", r.RemoteAddr).Info("media stream connected")

	leg := wsleg.New(conn, h.cfg.Leg, h.log)

	cfg := h.cfg.Session
	cfg.Logger = h.log.WithField("remote", r.RemoteAddr)
	session := relay.NewSession(leg, cfg)

	// The record is written inside Run so that shutdown waits for it.
	_, err = h.cfg.Registry.Run(session, func(sum relay.Summary) {
		h.log.WithFields(logrus.Fields{
			"session_id": sum.ID,
			"code":       sum.Closure.Code,
			"initiator":  sum.Closure.Initiator,
		}).Debug("media stream finished")

		h.record(sum)
	})
	if err != nil {
		h.log.WithError(err).Warn("refusing media stream")
		leg.Close(relay.CloseGoingAway, relay.ReasonShutdown)
	}
}
