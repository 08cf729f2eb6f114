package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loventure/gateway/internal/application/admission"
	"github.com/loventure/gateway/internal/domain/ticket"
	"github.com/loventure/gateway/internal/infrastructure/auth"
	"github.com/loventure/gateway/internal/infrastructure/cache"
	"github.com/loventure/gateway/internal/infrastructure/config"
	"github.com/loventure/gateway/internal/infrastructure/couples"
	"github.com/loventure/gateway/internal/infrastructure/event"
	"github.com/loventure/gateway/internal/infrastructure/logger"
	"github.com/loventure/gateway/internal/infrastructure/scheduler"
	"github.com/loventure/gateway/internal/infrastructure/telemetry"
	"github.com/loventure/gateway/internal/interfaces/http/handler"
	"github.com/loventure/gateway/internal/interfaces/http/router"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(logger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Output:  cfg.Log.Output,
		Service: cfg.App.Name,
		Version: version,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting gateway",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()

	// Telemetry
	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.ExportInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	metrics, err := telemetry.NewAdmissionMetrics(mp.Meter("gateway/admission"))
	if err != nil {
		log.Fatal("Failed to create admission metrics", zap.Error(err))
	}

	// Ticket store
	store, err := cache.NewTicketStoreFactory(cfg.Redis, cache.WithLogger(log)).CreateStore(ctx)
	if err != nil {
		log.Fatal("Failed to create ticket store", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Error closing ticket store", zap.Error(err))
		}
	}()

	// Authoritative balances
	source, err := couples.NewClient(couples.Config{
		BaseURL:        cfg.Couples.BaseURL,
		TicketPath:     cfg.Couples.TicketPath,
		Timeout:        cfg.Couples.Timeout,
		MaxAttempts:    cfg.Couples.MaxAttempts,
		InitialBackoff: cfg.Couples.InitialBackoff,
		MaxBackoff:     cfg.Couples.MaxBackoff,
	}, couples.WithLogger(log.Named("couples")))
	if err != nil {
		log.Fatal("Failed to create couples client", zap.Error(err))
	}

	// Change event sink
	sink, closeSink, err := newEventSink(cfg.Event, store, log)
	if err != nil {
		log.Fatal("Failed to create event sink", zap.Error(err))
	}
	defer closeSink()
	publisher := event.NewAsyncPublisher(sink, event.AsyncConfig{
		Workers:        cfg.Event.Workers,
		QueueSize:      cfg.Event.QueueSize,
		PublishTimeout: cfg.Event.PublishTimeout,
	}, log.Named("events"), event.WithDeliveryRecorder(metrics))
	if err := publisher.Start(); err != nil {
		log.Fatal("Failed to start event publisher", zap.Error(err))
	}

	// Admission
	loc, err := time.LoadLocation(cfg.Admission.Timezone)
	if err != nil {
		log.Fatal("Invalid admission timezone", zap.String("timezone", cfg.Admission.Timezone), zap.Error(err))
	}
	svc := admission.NewService(store, source, publisher,
		admission.WithLogger(log.Named("admission")),
		admission.WithRecorder(metrics),
		admission.WithLocation(loc),
	)

	// Maintenance
	flushScheduler, err := newFlushScheduler(cfg.Maintenance, store, log)
	if err != nil {
		log.Fatal("Failed to create flush scheduler", zap.Error(err))
	}
	if err := flushScheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start flush scheduler", zap.Error(err))
	}

	authn, err := auth.NewJWTAuthenticator(cfg.JWT)
	if err != nil {
		log.Fatal("Failed to create JWT authenticator", zap.Error(err))
	}

	registrars := []router.RouteRegistrar{
		handler.NewHealthHandler(cfg.App.Name, store, flushScheduler, handler.WithVersion(version)),
	}
	if cfg.Maintenance.OperatorKey != "" {
		registrars = append(registrars, handler.NewMaintenanceHandler(flushScheduler, cfg.Maintenance.OperatorKey))
	}

	engine, err := router.New(router.Config{
		ServiceName:        cfg.Telemetry.ServiceName,
		GatedPath:          cfg.Admission.GatedPath,
		DownstreamURL:      cfg.HTTP.DownstreamURL,
		MaxBodyBytes:       cfg.HTTP.MaxBodySize,
		PublicPaths:        cfg.HTTP.PublicPaths,
		PublicPathPrefixes: cfg.HTTP.PublicPathPrefixes,
		TrustedProxies:     cfg.HTTP.TrustedProxies,
		TracingEnabled:     cfg.Telemetry.Enabled,
	}, router.Dependencies{
		Logger:        log,
		Authenticator: authn,
		Admitter:      svc,
		Registrars:    registrars,
	})
	if err != nil {
		log.Fatal("Failed to build router", zap.Error(err))
	}

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := flushScheduler.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping flush scheduler", zap.Error(err))
	}
	// Drain queued change events before the sink closes
	if err := publisher.Stop(shutdownCtx); err != nil {
		log.Error("Error draining event publisher", zap.Error(err))
	}
	if err := mp.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down meter provider", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down tracer provider", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// newEventSink selects where ticket change events are appended.
func newEventSink(cfg config.EventConfig, store cache.Store, log *zap.Logger) (ticket.EventPublisher, func(), error) {
	noClose := func() {}
	switch cfg.Sink {
	case "redis":
		rs, ok := store.(*cache.RedisTicketStore)
		if !ok {
			log.Warn("Redis stream sink requested without a Redis store, change events are discarded")
			return event.NewNoopPublisher(log), noClose, nil
		}
		return event.NewRedisStreamPublisher(rs.GetClient(), cfg.Stream, cfg.StreamMaxLen, log.Named("redis-stream")), noClose, nil
	case "kafka":
		kp, err := event.NewKafkaPublisher(event.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}, log.Named("kafka"))
		if err != nil {
			return nil, noClose, err
		}
		return kp, func() {
			if err := kp.Close(); err != nil {
				log.Error("Error closing Kafka writer", zap.Error(err))
			}
		}, nil
	default:
		return event.NewNoopPublisher(log), noClose, nil
	}
}

func newFlushScheduler(cfg config.MaintenanceConfig, store cache.Store, log *zap.Logger) (*scheduler.FlushScheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	scope, _ := ticket.ParseFlushScope(cfg.FlushScope)

	sc := scheduler.DefaultFlushSchedulerConfig()
	sc.Enabled = cfg.FlushEnabled
	sc.Schedule = cfg.FlushSchedule
	sc.Scope = scope
	sc.Location = loc
	if cfg.VerifyDelay > 0 {
		sc.VerifyDelay = cfg.VerifyDelay
	}
	return scheduler.NewFlushScheduler(sc, store, log.Named("maintenance"))
}
