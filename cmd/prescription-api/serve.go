package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrequest/internal/api/handlers"
	"github.com/drfirst/go-rxrequest/internal/auth"
	"github.com/drfirst/go-rxrequest/internal/config"
	"github.com/drfirst/go-rxrequest/internal/domain/activity"
	"github.com/drfirst/go-rxrequest/internal/domain/patient"
	"github.com/drfirst/go-rxrequest/internal/domain/prescription"
	"github.com/drfirst/go-rxrequest/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxrequest/internal/infrastructure/ratelimit"
	"github.com/drfirst/go-rxrequest/internal/notification"
	"github.com/drfirst/go-rxrequest/internal/observability/logging"
	"github.com/drfirst/go-rxrequest/internal/observability/metrics"
	"github.com/drfirst/go-rxrequest/internal/observability/tracing"
	"github.com/drfirst/go-rxrequest/pkg/circuitbreaker"
	"github.com/drfirst/go-rxrequest/pkg/idempotency"
)

const (
	serviceName = "prescription-api"
	tokenTTL    = 24 * time.Hour
)

func newServeCommand() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func serve(cfg *config.Config, migrate bool) error {
	logger, err := logging.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.ServiceVersion = version
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	if migrate {
		n, err := postgres.MigrateUp(ctx, pool)
		if err != nil {
			return err
		}
		logger.Info("migrations applied", zap.Int("count", n))
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to redis")

	m := metrics.New(prometheus.DefaultRegisterer)

	recorder := activity.NewRecorder(activity.NewRepository(pool), logger.Named("activity"),
		activity.WithFailureCounter(m.ActivityLogFailures))

	breakers := circuitbreaker.NewManager(logger, func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	})

	subscriptions := notification.NewSubscriptionRepository(pool)
	deps := notification.Deps{
		Composer: &notification.Composer{
			ClinicName:          cfg.ClinicName,
			BaseURL:             cfg.AppBaseURL,
			PickupRetentionDays: cfg.PickupRetentionDays,
		},
		Subscriptions: subscriptions,
		Breakers:      breakers,
		Activity:      recorder,
		Metrics:       m,
	}
	if cfg.EmailEnabled() {
		deps.Email = notification.NewSMTPSender(notification.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			FromAddress: cfg.SMTPFrom,
			FromName:    cfg.ClinicName,
		})
	} else {
		logger.Warn("SMTP_HOST not set, email notifications disabled")
	}
	if cfg.PushEnabled() {
		deps.Push = notification.NewWebPushSender(notification.VAPIDConfig{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subscriber: cfg.VAPIDSubject,
		}, &http.Client{Timeout: 15 * time.Second})
	} else {
		logger.Warn("VAPID keys not set, push notifications disabled")
	}

	dispatcher, err := notification.NewDispatcher(notification.Config{
		Workers:   cfg.NotifyWorkers,
		QueueSize: cfg.NotifyQueueSize,
	}, deps, logger.Named("notification"))
	if err != nil {
		return err
	}
	dispatcher.Start()

	svc := prescription.NewService(
		prescription.NewRepository(pool, logger),
		patient.NewRepository(pool, logger),
		dispatcher,
		recorder,
		logger.Named("prescription"),
		prescription.WithMetrics(m),
		prescription.WithDuplicateWindow(cfg.DuplicateWindow()),
	)

	inboxCfg := idempotency.DefaultConfig()
	inboxCfg.TTL = cfg.IdempotencyTTL
	inboxCfg.IsTerminal = func(err error) bool {
		return prescription.KindOf(err) != prescription.KindInternal
	}
	inbox := idempotency.NewInbox(pool, inboxCfg, logger.Named("idempotency"))
	inbox.StartCleanup()
	defer inbox.Stop()

	authn := auth.NewAuthenticator(auth.NewJWTService(cfg.JWTSecret, tokenTTL), auth.NewRedisDenylist(rdb))

	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewRedisLimiter(rdb, ratelimit.Config{Limit: cfg.RateLimitPerMinute, Window: time.Minute})
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		ServiceName:   serviceName,
		CORSOrigins:   cfg.CORSOrigins,
		Authenticator: authn,
		Limiter:       limiter,
		Prescriptions: handlers.NewPrescriptionHandler(svc, inbox, logger),
		Subscriptions: handlers.NewSubscriptionHandler(subscriptions, cfg.VAPIDPublicKey, logger),
		Auth:          handlers.NewAuthHandler(authn, logger),
		Health: handlers.NewHealthHandler(serviceName, version, map[string]handlers.Check{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"notifications": func(context.Context) error {
				if !dispatcher.Healthy() {
					return errors.New("notification queue is saturated")
				}
				return nil
			},
		}, breakers),
		Metrics: metrics.Handler(),
	}, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting prescription API", zap.String("port", cfg.Port), zap.String("version", version))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	// Queued notices are drained after the last request has finished.
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", zap.Error(err))
	}

	logger.Info("server stopped")
	return serveErr
}
