package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/birddigital/convai-relay/pkg/config"
	"github.com/birddigital/convai-relay/pkg/convai"
	"github.com/birddigital/convai-relay/pkg/logging"
	"github.com/birddigital/convai-relay/pkg/metrics"
	"github.com/birddigital/convai-relay/pkg/relay"
	"github.com/birddigital/convai-relay/pkg/store"
	"github.com/birddigital/convai-relay/pkg/telephony"
	"github.com/birddigital/convai-relay/pkg/wsleg"
)

// =============================================================================
// Serve
// =============================================================================

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()
	log := logging.Component(logger, "server")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := convai.NewClient(convai.Config{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
		Timeout: cfg.Provider.RequestTimeout,
		Logger:  logging.Component(logger, "convai"),
	})
	if err != nil {
		return err
	}

	var recorder store.Recorder = store.Nop{}
	if cfg.Database.URL != "" {
		st, err := store.Open(ctx, cfg.Database.URL, logging.Component(logger, "store"))
		if err != nil {
			return err
		}
		defer st.Close()
		recorder = st
	} else {
		log.Info("no database configured, call records disabled")
	}

	handlers := newHandlers(cfg, logger, metrics.New(reg), client, recorder)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newMux(handlers, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", server.Addr).Info("relay listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := handlers.Registry().Close(shutdownCtx); err != nil {
			log.WithError(err).Warn("sessions still open at shutdown")
		}
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newHandlers(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics, issuer relay.Issuer, recorder store.Recorder) *telephony.Handlers {
	leg := wsleg.Config{
		SendQueue:    cfg.Relay.SendQueue,
		WriteTimeout: cfg.Relay.WriteTimeout,
		PingInterval: cfg.Relay.PingInterval,
		ReadTimeout:  cfg.Relay.ReadTimeout,
	}

	providerLeg := leg
	providerLeg.Name = "provider"

	return telephony.NewHandlers(telephony.Config{
		PublicHost: cfg.Server.PublicHost,
		Session: relay.Config{
			AgentID:        cfg.Provider.AgentID,
			ConnectTimeout: cfg.Relay.ConnectTimeout,
			Issuer:         issuer,
			Dialer:         &convai.Dialer{Leg: providerLeg, Logger: logging.Component(logger, "relay")},
			Metrics:        m,
		},
		Leg:      leg,
		Registry: relay.NewRegistry(logging.Component(logger, "registry")),
		Recorder: recorder,
		Logger:   logging.Component(logger, "telephony"),
	})
}

func newMux(h *telephony.Handlers, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
