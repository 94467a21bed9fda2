package main

import (
	"context"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/loadline/gatekeeper/pkg/api"
	"github.com/loadline/gatekeeper/pkg/auth"
	"github.com/loadline/gatekeeper/pkg/config"
	"github.com/loadline/gatekeeper/pkg/observability"
	"github.com/loadline/gatekeeper/pkg/ratelimit"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := observability.NewLogger(observability.InfoLevel, os.Stderr)
		bootLogger.WithError(err).Error("Configuration load failed")
		return err
	}

	logger := observability.NewLogger(
		observability.ParseLevel(os.Getenv("GATEKEEPER_LOG_LEVEL")), os.Stdout).
		WithFields(map[string]interface{}{
			"service":     cfg.ServiceName,
			"instance_id": uuid.NewString(),
		})

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdown.Register("background-context", func(context.Context) error {
		cancel()
		return nil
	})

	// Distributed counter store; absent URL means local-only limiting
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redisOptions(cfg.Redis)
		if err != nil {
			logger.WithError(err).Error("Invalid redis URL")
			return err
		}
		redisClient = redis.NewClient(opts)
		shutdown.Register("redis", func(context.Context) error {
			return redisClient.Close()
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable at startup, rate limiting starts on the local store")
		}
	} else {
		logger.Warn("No redis URL configured, rate limits are per-instance only")
	}

	// Dynamic configuration: DynamoDB-backed when a table is configured,
	// env-only otherwise
	var store config.Store
	if cfg.AWS.ConfigTable != "" {
		dynamoStore, err := config.NewDynamoStore(ctx, cfg.AWS)
		if err != nil {
			logger.WithError(err).Error("Dynamic configuration store init failed")
			return err
		}
		store = dynamoStore
	}
	resolver := config.NewResolver(store, cfg.ServiceName, logger,
		config.WithMetrics(metrics))
	resolver.Subscribe(config.KeyLogLevel, func(oldValue, newValue string) {
		logger.Infof("Log level changed from %q to %q", oldValue, newValue)
		logger.SetLevel(observability.ParseLevel(newValue))
	})
	resolver.Start(ctx)
	shutdown.Register("config-resolver", resolver.Stop)

	// Token verification
	keyClient := auth.NewHTTPKeySetClient(cfg.Auth.JWKSURL, cfg.Auth.FetchTimeout)
	keyCache := auth.NewSigningKeyCache(keyClient, metrics)
	verifier := auth.NewUserTokenVerifier(keyCache, auth.VerifierConfig{
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		ClockSkew: cfg.Auth.ClockSkew,
	}, logger, metrics)

	secretSource, err := auth.NewSecretsManagerSource(ctx, auth.SecretsManagerConfig{
		Region:    cfg.AWS.Region,
		Endpoint:  cfg.AWS.Endpoint,
		AccessKey: cfg.AWS.AccessKey,
		SecretKey: cfg.AWS.SecretKey,
		SecretARN: cfg.AWS.ServiceSecretARN,
		Timeout:   cfg.Auth.FetchTimeout,
	})
	if err != nil {
		logger.WithError(err).Error("Secrets Manager client init failed")
		return err
	}
	authority := auth.NewServiceTokenAuthority(secretSource, auth.AuthorityConfig{
		Issuer:    cfg.Auth.ServiceTokenIssuer,
		Audience:  cfg.Auth.ServiceTokenAudience,
		TokenTTL:  cfg.Auth.ServiceTokenTTL,
		ClockSkew: cfg.Auth.ClockSkew,
	}, logger)

	// Permissions, with optional hot-reloaded policy file
	evaluator := auth.NewPermissionEvaluator(logger)
	if cfg.Auth.PolicyFile != "" {
		if err := evaluator.LoadPolicyFile(cfg.Auth.PolicyFile); err != nil {
			logger.WithError(err).Error("Policy file load failed")
			return err
		}
		go func() {
			if err := evaluator.WatchPolicyFile(ctx, cfg.Auth.PolicyFile); err != nil {
				logger.WithError(err).Error("Policy file watcher stopped")
			}
		}()
	}

	// Rate limiting
	var counterStore ratelimit.CounterStore
	if redisClient != nil {
		counterStore = ratelimit.NewRedisStore(redisClient, "ratelimit")
	}
	limiter := ratelimit.NewLimiter(counterStore, ratelimit.NewLocalStore(), resolver, logger, metrics)

	// Scheduled cache maintenance
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1m", verifier.Sweep); err != nil {
		return err
	}
	if _, err := scheduler.AddFunc("@every 5m", func() {
		if removed := limiter.Local().Sweep(); removed > 0 {
			logger.Debugf("Swept %d expired local rate-limit windows", removed)
		}
	}); err != nil {
		return err
	}
	scheduler.Start()
	shutdown.Register("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
		case <-ctx.Done():
		}
		return nil
	})

	// Health and metrics on a separate port for probes
	health := observability.NewHealthChecker(redisClient)
	health.RegisterProbe("dynamic-config", resolver.HealthProbe)
	healthRouter := mux.NewRouter()
	healthRouter.HandleFunc("/healthz", health.Liveness).Methods("GET")
	healthRouter.HandleFunc("/readyz", health.Readiness).Methods("GET")
	healthRouter.Handle("/metrics", observability.Handler(registry)).Methods("GET")

	server := api.NewServer(verifier, authority, evaluator, limiter, logger, metrics)

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthRouter,
	}
	shutdown.Register("api-server", apiServer.Shutdown)
	shutdown.Register("health-server", healthServer.Shutdown)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("API server listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("Health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return shutdown.WaitForShutdown()
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Gatekeeper exited with error")
		return err
	}
	logger.Info("Gatekeeper stopped")
	return nil
}

// redisOptions builds the client options from the URL, with the explicit
// env settings overriding whatever the URL carries
func redisOptions(cfg config.RedisConfig) (*redis.Options, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB > 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return opts, nil
}
