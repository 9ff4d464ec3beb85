package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chargehold/internal/reservations/events"
	"chargehold/internal/reservations/handler"
	"chargehold/internal/reservations/metrics"
	"chargehold/internal/reservations/repository"
	"chargehold/internal/reservations/service"
	"chargehold/internal/reservations/storage"
	"chargehold/internal/reservations/timer"
	"chargehold/internal/reservations/validator"
	"chargehold/pkg/config"
	"chargehold/pkg/contracts"
	"chargehold/pkg/kafka"
	kafka_config "chargehold/pkg/kafka/config"
	kafka_middleware "chargehold/pkg/kafka/middleware"
	"chargehold/pkg/middleware"
	"chargehold/pkg/model"

	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options are the pieces an Application is assembled from. Store is required;
// everything else has a production default.
type Options struct {
	Store    storage.Store
	Clock    clockwork.Clock
	Registry *prometheus.Registry

	// Kafka enables event publishing when set. Producer overrides it.
	Kafka    *kafka_config.Config
	Producer events.Producer
}

type Application struct {
	cfg              *config.Config
	server           *http.Server
	service          service.ReservationService
	publisher        *events.Publisher
	idempotencyStore middleware.IdempotencyStore
	rateLimiter      *middleware.UserRateLimiter
	healthHandler    http.Handler
	metricsHandler   http.Handler
	appHTTPHandler   http.Handler
	unsubscribe      []func()
}

func NewApplication(cfg *config.Config) *Application {
	return &Application{cfg: cfg}
}

func (a *Application) SetApp(opts Options) error {
	if opts.Store == nil {
		return errors.New("app: storage is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	a.setService(opts)
	a.setMetrics(opts.Registry)
	if err := a.setPublisher(opts); err != nil {
		return err
	}
	a.setListeners()

	a.setHealthHandler()
	a.setAppHandler(opts.Registry, handler.NewReservationHandler(a.service, a.cfg.Log))
	a.setAppServer()
	return nil
}

func (a *Application) setService(opts Options) {
	repo := repository.NewStateRepository(opts.Store, a.cfg.StorageKeyPrefix, a.cfg.InstanceID)
	timers := timer.NewTickerDriver(opts.Clock, a.cfg.TickInterval, a.cfg.Log)
	a.service = service.NewReservationService(
		repo,
		timers,
		validator.NewReservationValidator(a.cfg.Log),
		opts.Clock,
		a.cfg,
	)
	a.cfg.Log.Info("Reservation service initialized",
		"storage", a.cfg.StorageBackend,
		"instance_id", a.cfg.InstanceID,
	)
}

func (a *Application) setMetrics(reg *prometheus.Registry) {
	collector := metrics.NewCollector(reg, a.service.ActiveCount)
	a.unsubscribe = append(a.unsubscribe, a.service.OnEvent(collector.Observe))
	a.metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (a *Application) setPublisher(opts Options) error {
	producer := opts.Producer
	buffer, timeout := kafka_config.DefaultPublishBuffer, kafka_config.DefaultPublishTimeout

	if opts.Kafka != nil {
		buffer, timeout = opts.Kafka.PublishBuffer, opts.Kafka.PublishTimeout
		if producer == nil {
			kafkaProducer, err := kafka.NewProducer(opts.Kafka, a.cfg.Log)
			if err != nil {
				return fmt.Errorf("create kafka producer: %w", err)
			}
			if opts.Kafka.EnableMiddleware {
				kafkaProducer.Use(kafka_middleware.LoggingProducerMiddleware(a.cfg.Log))
				kafkaProducer.Use(kafka_middleware.MetricsProducerMiddleware(kafka_middleware.NewMetrics(opts.Registry)))
			}
			producer = kafkaProducer
		}
	}
	if producer == nil {
		a.cfg.Log.Info("Event publishing disabled")
		return nil
	}

	a.publisher = events.NewPublisher(producer, "chargehold/"+a.cfg.InstanceID, buffer, timeout, a.cfg.Log)
	a.unsubscribe = append(a.unsubscribe, a.service.OnEvent(a.publisher.Handle))
	a.cfg.Log.Info("Event publishing enabled")
	return nil
}

func (a *Application) setListeners() {
	log := a.cfg.Log.Component("reservation_events")
	a.unsubscribe = append(a.unsubscribe,
		a.service.OnNotification(func(r model.Reservation) {
			log.Info("Reservation nearing expiry",
				"reservation_id", r.ID,
				"user_id", r.UserID,
				"station_id", r.StationID,
				"remaining", model.FormatRemainingTime(r.RemainingTime),
			)
		}),
		a.service.OnExpiration(func(r model.Reservation) {
			log.Info("Reservation expired",
				"reservation_id", r.ID,
				"user_id", r.UserID,
				"station_id", r.StationID,
			)
		}),
	)
}

func (a *Application) setHealthHandler() {
	healthRouter := httprouter.New()
	handler.NewHealthHandler(a.service, a.cfg.StorageBackend, a.cfg.Log).RegisterRoutes(healthRouter)

	var healthHTTPHandler http.Handler = healthRouter
	healthHTTPHandler = middleware.RequestLogging(a.cfg.Log)(healthHTTPHandler)
	healthHTTPHandler = middleware.Recovery(a.cfg.Log)(healthHTTPHandler)
	a.healthHandler = healthHTTPHandler
	a.cfg.Log.Info("Health endpoints configured with minimal middleware (Recovery + Logging only)")
}

func (a *Application) setAppHandler(reg prometheus.Registerer, appHandlers ...contracts.Handler) {
	appRouter := httprouter.New()
	for _, h := range appHandlers {
		h.RegisterRoutes(appRouter)
	}

	if a.cfg.Client != nil && a.cfg.Client.Redis != nil {
		a.idempotencyStore = middleware.NewRedisIdempotencyStore(a.cfg.Client.Redis, a.cfg.StorageKeyPrefix, a.cfg.IdempotencyTTL, a.cfg.Log)
	} else {
		a.idempotencyStore = middleware.NewInMemoryIdempotencyStore(a.cfg.IdempotencyTTL)
	}
	a.rateLimiter = middleware.NewUserRateLimiter(
		a.cfg.RateLimitRequests,
		a.cfg.RateLimitWindow,
		middleware.DefaultUserExtractor,
		a.cfg.Log,
	)

	var appHTTPHandler http.Handler = appRouter
	appHTTPHandler = middleware.Idempotency(a.idempotencyStore, middleware.DefaultIdempotencyHeader)(appHTTPHandler)
	appHTTPHandler = middleware.RequestTimeout(a.cfg.RequestTimeout)(appHTTPHandler)
	appHTTPHandler = middleware.RateLimit(a.rateLimiter)(appHTTPHandler)
	appHTTPHandler = middleware.ContentTypeValidation(a.cfg.Log)(appHTTPHandler)
	appHTTPHandler = middleware.MaxRequestSize(int64(a.cfg.MaxRequestSize))(appHTTPHandler)
	appHTTPHandler = middleware.Instrument(middleware.NewHTTPMetrics(reg))(appHTTPHandler)
	appHTTPHandler = middleware.RequestLogging(a.cfg.Log)(appHTTPHandler)
	appHTTPHandler = middleware.Recovery(a.cfg.Log)(appHTTPHandler)
	a.appHTTPHandler = appHTTPHandler
	a.cfg.Log.Info("Application endpoints configured with full middleware stack")
}

func (a *Application) setAppServer() {
	a.server = &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      a.Handler(),
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
		IdleTimeout:  a.cfg.IdleTimeout,
	}

	a.cfg.Log.Info("HTTP server configured", "port", a.cfg.Port)
}

// Handler is the full HTTP surface: health probes, /metrics and the API.
func (a *Application) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", a.healthHandler)
	mux.Handle("/ready", a.healthHandler)
	mux.Handle("/metrics", a.metricsHandler)
	mux.Handle("/", a.appHTTPHandler)
	return mux
}

func (a *Application) Service() service.ReservationService {
	return a.service
}

// Start restores persisted reservations and starts their timers.
func (a *Application) Start(ctx context.Context) error {
	if err := a.service.Start(ctx); err != nil {
		return fmt.Errorf("start reservation service: %w", err)
	}
	a.cfg.Log.Info("Reservation service started", "active", a.service.ActiveCount())
	return nil
}

func (a *Application) Run() {
	if err := a.Start(context.Background()); err != nil {
		a.cfg.Log.Fatal("Failed to start", "error", err)
	}

	serverErrors := make(chan error, 1)

	go func() {
		a.cfg.Log.Info("Starting HTTP server", "address", a.server.Addr)
		serverErrors <- a.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		a.cfg.Log.Fatal("HTTP server failed", "error", err)

	case sig := <-shutdown:
		a.cfg.Log.Info("Shutdown signal received", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		a.Shutdown(ctx)
	}
}

// Shutdown drains HTTP traffic first, then stops timers and flushes queued
// events, so no request observes a half-stopped service.
func (a *Application) Shutdown(ctx context.Context) {
	a.cfg.Log.Info("Starting graceful shutdown...")

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.cfg.Log.Error("Server shutdown failed", "error", err)
			if err := a.server.Close(); err != nil {
				a.cfg.Log.Error("Could not stop server gracefully", "error", err)
			}
		}
	}

	a.cfg.Log.Info("Stopping background workers...")
	a.service.Stop()
	for _, unsubscribe := range a.unsubscribe {
		unsubscribe()
	}
	a.idempotencyStore.Stop()
	a.rateLimiter.Stop()
	if a.publisher != nil {
		if err := a.publisher.Close(ctx); err != nil {
			a.cfg.Log.Error("Failed to close event publisher", "error", err)
		}
	}
	a.cfg.Log.Info("Background workers stopped")

	a.cfg.Log.Info("Server stopped gracefully")
}
