package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/tradeledger/internal/handler"
	"github.com/jmerrifield20/tradeledger/internal/health"
	"github.com/jmerrifield20/tradeledger/internal/identity"
	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
	"github.com/jmerrifield20/tradeledger/internal/recalc"
	"github.com/jmerrifield20/tradeledger/internal/recorder"
	"github.com/jmerrifield20/tradeledger/internal/risk"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("ledgerd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.write_rate_limit_rps", 5)
	viper.SetDefault("database.url", "")
	viper.SetDefault("ledger.append_attempts", ledger.DefaultAppendAttempts)
	viper.SetDefault("verify.interval", "10m")
	viper.SetDefault("verify.record_tamper", true)
	viper.SetDefault("recalc.workers", 4)
	viper.SetDefault("recalc.queue_size", 1024)
	viper.SetDefault("recalc.max_attempts", 3)
	viper.SetDefault("recalc.backoff", "1s")
	viper.SetDefault("recalc.redis_url", "")
	viper.SetDefault("recalc.redis_key", recalc.DefaultDeadLetterKey)
	viper.SetDefault("risk.activity_maturity", risk.DefaultActivityMaturity)
	viper.SetDefault("risk.external_url", "")
	viper.SetDefault("risk.external_timeout", "5s")
	viper.SetDefault("risk.external_health_url", "")
	viper.SetDefault("health.interval", "30s")
	viper.SetDefault("health.fail_threshold", 3)
	viper.SetDefault("auth.token_secret", "")
	viper.SetDefault("auth.issuer", "tradeledger")
	viper.SetDefault("auth.token_ttl", "1h")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checker := health.New(health.Config{
		CheckInterval: viper.GetDuration("health.interval"),
		FailThreshold: viper.GetInt("health.fail_threshold"),
	}, logger)
	checker.SetMetricsRecord(handler.RecordProbe)

	// ── Storage ──────────────────────────────────────────────────────────────
	var (
		store  ledger.Store
		scores risk.ScoreStore
	)
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		checker.Register("postgres", db.Ping)
		store = ledger.NewPostgresStore(db, logger)
		scores = risk.NewPostgresScoreStore(db)
	} else {
		logger.Warn("database.url not set, using in-memory stores; data is lost on restart")
		store = ledger.NewMemoryStore()
		scores = risk.NewMemoryScoreStore()
	}

	// ── Ledger ───────────────────────────────────────────────────────────────
	ledgerSvc := ledger.NewService(store, viper.GetInt("ledger.append_attempts"), logger)
	ledgerSvc.SetMetricsRecorder(handler.RecordLedgerAppend)

	// ── Risk ─────────────────────────────────────────────────────────────────
	var external risk.ExternalSource
	if u := viper.GetString("risk.external_url"); u != "" {
		external = risk.NewHTTPExternalSource(u, viper.GetDuration("risk.external_timeout"))
		logger.Info("external risk provider configured", zap.String("url", u))
		if hu := viper.GetString("risk.external_health_url"); hu != "" {
			checker.Register("risk_provider", health.HTTPProbe(nil, hu))
		}
	}
	signals := risk.NewLedgerSignals(store, external, viper.GetInt("risk.activity_maturity"))
	riskSvc := risk.NewService(signals, scores, logger)

	// ── Recalculation ────────────────────────────────────────────────────────
	var sink recalc.DeadLetterSink
	if u := viper.GetString("recalc.redis_url"); u != "" {
		opts, err := redis.ParseURL(u)
		if err != nil {
			return fmt.Errorf("parse recalc.redis_url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close() //nolint:errcheck
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable; dead letters will still be attempted", zap.Error(err))
		}
		checker.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		sink = recalc.NewRedisSink(rdb, viper.GetString("recalc.redis_key"), logger)
		logger.Info("dead letters go to redis", zap.String("key", viper.GetString("recalc.redis_key")))
	}
	dispatcher := recalc.NewDispatcher(recalc.Config{
		Workers:     viper.GetInt("recalc.workers"),
		QueueSize:   viper.GetInt("recalc.queue_size"),
		MaxAttempts: viper.GetInt("recalc.max_attempts"),
		Backoff:     viper.GetDuration("recalc.backoff"),
	}, riskSvc, sink, logger)
	dispatcher.SetMetricsRecorder(handler.RecordRecompute)

	// Workers outlive the signal context so queued jobs drain on shutdown.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	dispatcher.Start(workCtx)

	rec := recorder.New(ledgerSvc, lifecycle.NewValidator(), riskSvc, dispatcher, logger)
	rec.SetVerifyRecorder(handler.RecordVerification)

	// ── Startup integrity check ──────────────────────────────────────────────
	recordTamper := viper.GetBool("verify.record_tamper")
	if res, err := rec.Audit(ctx, recordTamper); err != nil {
		logger.Warn("startup ledger audit failed", zap.Error(err))
	} else {
		logger.Info("ledger audited at startup",
			zap.Bool("valid", res.Report.Valid),
			zap.Int("checked", res.Report.Checked),
			zap.String("tip", res.Report.TipHash),
			zap.Int("scars", len(res.Scars)),
		)
	}

	// ── Auth ─────────────────────────────────────────────────────────────────
	var auth gin.HandlerFunc
	if secret := viper.GetString("auth.token_secret"); secret != "" {
		tokens, err := identity.NewTokenIssuer(secret, viper.GetString("auth.issuer"), viper.GetDuration("auth.token_ttl"))
		if err != nil {
			return fmt.Errorf("token issuer: %w", err)
		}
		auth = identity.RequireServiceToken(tokens)
	} else {
		logger.Warn("auth.token_secret not set: write endpoints are open and trust the caller's actor; do not use in production")
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(ctx, handler.RateLimitConfig{
			ReadRPS:  rps,
			WriteRPS: viper.GetInt("server.write_rate_limit_rps"),
		}))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", handler.ReadyHandler(checker))
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	handler.NewLedgerHandler(rec, store, recordTamper, logger).Register(v1, auth)
	handler.NewLifecycleHandler(rec, logger).Register(v1)
	handler.NewRiskHandler(rec, dispatcher, logger).Register(v1, auth)

	// ── Background: scheduled exhaustive verification ────────────────────────
	if interval := viper.GetDuration("verify.interval"); interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					auditCtx, cancel := context.WithTimeout(ctx, interval)
					if _, err := rec.Audit(auditCtx, recordTamper); err != nil {
						logger.Warn("scheduled ledger audit failed", zap.Error(err))
					}
					cancel()
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	checker.CheckAll(ctx)
	go checker.Start(ctx)

	port := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutting down ledgerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	drained := make(chan struct{})
	go func() {
		dispatcher.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("recompute queue not drained before deadline; cancelling workers")
		cancelWork()
		<-drained
	}

	logger.Info("ledgerd stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
