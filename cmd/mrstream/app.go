package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/moralrecordings/mrstream/internal/credstore"
	"github.com/moralrecordings/mrstream/internal/domain"
	"github.com/moralrecordings/mrstream/internal/metrics"
	"github.com/moralrecordings/mrstream/internal/peertube"
	"github.com/moralrecordings/mrstream/internal/platform/config"
	"github.com/moralrecordings/mrstream/internal/platform/logging"
	"github.com/moralrecordings/mrstream/internal/relay"
	"github.com/moralrecordings/mrstream/internal/session"
	"github.com/moralrecordings/mrstream/internal/stream"
	"github.com/moralrecordings/mrstream/internal/twitch"
)

const (
	openTimeout     = 30 * time.Second
	platformTimeout = 15 * time.Second
)

// app carries everything a command needs once configuration is loaded.
type app struct {
	cfg      *config.Config
	store    credstore.Store
	clock    clockwork.Clock
	registry *prometheus.Registry
	metrics  *metrics.RelayMetrics

	twitch    *twitch.Platform
	peertube  *peertube.Platform
	platforms map[domain.Kind]domain.Platform
	sessions  *session.Manager
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	registry := metrics.NewRegistry()

	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	store, err := credstore.Open(openCtx, cfg, metrics.NewStoreMetrics(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		store:    store,
		clock:    clockwork.NewRealClock(),
		registry: registry,
		metrics:  metrics.NewRelayMetrics(registry),
	}

	httpClient := &http.Client{Timeout: platformTimeout}
	a.twitch = twitch.NewPlatform(
		twitch.NewAuth(twitch.AuthConfig{
			AuthURL:     cfg.TwitchAuthURL,
			RedirectURI: cfg.TwitchRedirectURI,
			Timeout:     cfg.AuthTimeout,
			HTTPClient:  httpClient,
			Clock:       a.clock,
		}),
		twitch.NewClient(twitch.ClientConfig{
			APIURL:     cfg.TwitchAPIURL,
			IngestURL:  cfg.TwitchIngestURL,
			HTTPClient: httpClient,
		}),
	)
	ptClient := peertube.NewClient(httpClient)
	a.peertube = peertube.NewPlatform(peertube.NewAuth(ptClient, httpClient), ptClient)

	a.platforms = map[domain.Kind]domain.Platform{
		domain.KindTwitch:   a.twitch,
		domain.KindPeerTube: a.peertube,
	}
	authenticators := make(map[domain.Kind]domain.Authenticator, len(a.platforms))
	for kind, p := range a.platforms {
		authenticators[kind] = p.Authenticator()
	}
	a.sessions = session.NewManager(store, authenticators, a.metrics.Sessions)
	return a, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Error("Failed to close credential store", "error", err)
	}
}

func (a *app) streams(out io.Writer) *stream.Service {
	return stream.NewService(a.store, a.sessions, a.platforms, a.cfg.NginxPushFile, out)
}

func (a *app) relay() *relay.Relay {
	cfg := a.cfg
	return relay.New(relay.Config{
		ObserverAddr:         cfg.ObserverAddr(),
		ObserverPollInterval: cfg.ObserverPollInterval,
		ObserverQueueSize:    cfg.ObserverQueueSize,
		AllowedOrigins:       cfg.ObserverAllowedOrigins,
		RevalidateInterval:   cfg.SessionRevalidateInterval,
		ChatRatePerSecond:    cfg.ChatRatePerSecond,
		ChatBurst:            cfg.ChatRateBurst,
	}, relay.Deps{
		Store:    a.store,
		Sessions: a.sessions,
		Chat:     a.twitch,
		NewSubscription: func(string) relay.Subscription {
			return twitch.NewEventSub(a.twitch.Client(), twitch.EventSubConfig{
				URL:     cfg.TwitchEventSubURL,
				Clock:   a.clock,
				Metrics: a.metrics.Subscription,
			})
		},
		Clock:    a.clock,
		Registry: a.registry,
		Metrics:  a.metrics,
	})
}
