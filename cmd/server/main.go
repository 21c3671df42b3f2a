package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crmdesk/call-signaling/internal/call"
	"github.com/crmdesk/call-signaling/internal/config"
	"github.com/crmdesk/call-signaling/internal/database"
	"github.com/crmdesk/call-signaling/internal/events"
	"github.com/crmdesk/call-signaling/internal/handler"
	"github.com/crmdesk/call-signaling/internal/identity"
	"github.com/crmdesk/call-signaling/internal/jobs"
	"github.com/crmdesk/call-signaling/internal/middleware"
	"github.com/crmdesk/call-signaling/internal/presence"
	"github.com/crmdesk/call-signaling/internal/pubsub"
	"github.com/crmdesk/call-signaling/internal/redis"
	"github.com/crmdesk/call-signaling/internal/repository"
	"github.com/crmdesk/call-signaling/internal/signaling"
	"github.com/crmdesk/call-signaling/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	healthDeps := map[string]handler.Pinger{}

	var ps pubsub.PubSub
	var limiter middleware.Limiter
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")

		ps = pubsub.NewRedisPubSub(redisClient)
		limiter = middleware.NewRedisRateLimiter(redisClient.Client)
		healthDeps["redis"] = handler.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	} else {
		log.Warn().Msg("REDIS_URL not set: using in-process pub/sub, signaling will not span replicas")
		ps = pubsub.NewMemoryPubSub()
		limiter = middleware.NewRateLimiter()
	}
	defer ps.Close()

	var history repository.CallHistoryRepository
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
		log.Info().Msg("database connected")

		history = repository.NewCallHistoryRepository(db.DB)
		healthDeps["database"] = db
	}

	broker := sse.NewBroker(ps)
	defer broker.Close()

	transport := signaling.NewTransport(ps, signaling.Config{
		MaxRetries: cfg.TransportMaxRetries,
		RetryBase:  cfg.TransportRetryBase(),
	})
	tracker := presence.NewTracker(cfg.PresenceTimeout())

	stream := events.NewStreamPublisher(broker, config.EventQueueSize)
	publishers := []events.Publisher{events.LoggingPublisher{}, stream}
	var historyPub *events.HistoryPublisher
	if history != nil {
		historyPub = events.NewHistoryPublisher(history, config.EventQueueSize)
		publishers = append(publishers, historyPub)
	}

	callService := call.NewService(call.Config{
		RingTimeout:          cfg.RingTimeout(),
		NegotiationTimeout:   cfg.NegotiationTimeout(),
		StaleAfter:           cfg.StaleSessionAfter(),
		TerminalRetention:    cfg.TerminalRetention(),
		CandidateBufferLimit: cfg.CandidateBufferLimit,
	}, transport, tracker, events.NewMultiPublisher(publishers...))
	tracker.OnChange(callService.HandlePresenceChange)

	verifier, err := identity.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create token verifier")
	}

	authMiddleware := middleware.NewAuthMiddleware(verifier)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(limiter, cfg.RateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	var historyReader handler.HistoryReader
	if history != nil {
		historyReader = history
	}
	callsHandler := handler.NewCallsHandler(callService, historyReader)
	signalHandler := handler.NewSignalHandler(callService, tracker, transport, cfg.AllowedOrigins, cfg.HeartbeatInterval())
	eventsHandler := handler.NewEventsHandler(broker, tracker, transport, cfg.HeartbeatInterval())
	presenceHandler := handler.NewPresenceHandler(tracker)
	healthHandler := handler.NewHealthHandler(callService, healthDeps)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)

		// Long-lived streams: no request timeout.
		r.Get("/events", eventsHandler.ServeHTTP)
		r.Get("/signal/ws", signalHandler.Socket)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Post("/signal", signalHandler.Post)
			r.Mount("/calls", callsHandler.Routes())
			r.Mount("/presence", presenceHandler.Routes())
		})
	})

	sweepJob := jobs.NewSweepJob(tracker, callService, config.SweepJobInterval)
	sweepJob.Start()
	defer sweepJob.Stop()

	if history != nil {
		retentionJob := jobs.NewRetentionJob(history, cfg.HistoryRetention(), config.RetentionJobInterval)
		retentionJob.Start()
		defer retentionJob.Stop()
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	callService.Close()
	drain(shutdownCtx, "signaling transport", transport.Close)
	drain(shutdownCtx, "event stream", stream.Close)
	if historyPub != nil {
		drain(shutdownCtx, "call history", historyPub.Close)
	}

	log.Info().Msg("server stopped")
}

func drain(ctx context.Context, name string, closeFn func(context.Context) error) {
	start := time.Now()
	if err := closeFn(ctx); err != nil {
		log.Warn().Err(err).Str("component", name).Msg("shutdown did not drain")
		return
	}
	log.Debug().Str("component", name).Dur("took", time.Since(start)).Msg("drained")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
