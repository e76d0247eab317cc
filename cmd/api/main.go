package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voucherplatform/claim-system/internal/cache"
	"github.com/voucherplatform/claim-system/internal/config"
	"github.com/voucherplatform/claim-system/internal/handler"
	"github.com/voucherplatform/claim-system/internal/queue"
	"github.com/voucherplatform/claim-system/internal/ratelimit"
	"github.com/voucherplatform/claim-system/internal/repository"
	"github.com/voucherplatform/claim-system/internal/service"
	"github.com/voucherplatform/claim-system/internal/validator"
	"github.com/voucherplatform/claim-system/internal/worker"
	"github.com/voucherplatform/claim-system/pkg/breaker"
	"github.com/voucherplatform/claim-system/pkg/database"
	"github.com/voucherplatform/claim-system/pkg/kvstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	initLogger(cfg)
	handler.SetEnvironment(cfg.Environment)
	for _, w := range cfg.WarnIfDefaultCredentials() {
		log.Warn().Msg(w)
	}

	ctx := context.Background()

	pool, err := database.NewPool(ctx, cfg.DB.DSN(), 5)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	dbGateway := database.NewGateway(pool)

	kvGateway, err := kvstore.NewGateway(ctx, kvstore.Config{
		Host:      cfg.KV.Host,
		Port:      cfg.KV.Port,
		Password:  cfg.KV.Password,
		DB:        cfg.KV.DB,
		OpTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to kv store")
	}

	queueGateway, err := kvstore.NewGateway(ctx, kvstore.Config{
		Host:      cfg.Queue.KVHost,
		Port:      cfg.Queue.KVPort,
		OpTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to queue kv store")
	}

	// Repositories (spec C1/C9's storage layer).
	userRepo := repository.NewUserRepository(pool)
	voucherRepo := repository.NewVoucherRepository(pool)
	claimRepo := repository.NewClaimRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)

	// Domain collaborators (spec C2-C8).
	appCache := cache.New(kvGateway)
	limiter := ratelimit.New(kvGateway)
	jobQueue := queue.New(queueGateway, queueGateway)
	claimBreaker := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		CallTimeout:      cfg.Breaker.CallTimeout,
		OpenDuration:     cfg.Breaker.OpenDuration,
	})

	transactor := service.NewClaimTransactor(dbGateway, userRepo, voucherRepo, claimRepo, auditRepo, appCache)
	coordinator := service.NewClaimCoordinator(appCache, limiter, voucherRepo, userRepo, claimBreaker, jobQueue, transactor, service.RateLimitSettings{
		UserMax:    cfg.RateLimit.UserMax,
		UserWindow: cfg.RateLimit.UserWindow,
		IPMax:      cfg.RateLimit.IPMax,
		IPWindow:   cfg.RateLimit.IPWindow,
	})
	refunder := service.NewRefundCoordinator(dbGateway, userRepo, voucherRepo, claimRepo, auditRepo, appCache)

	// Worker pool draining the non-premium path (spec C6/C8).
	workerPool := worker.New(worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		PerSecondCap: cfg.Worker.RatePerSecond,
	}, jobQueue, transactor)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	go workerPool.Run(workerCtx)

	app := fiber.New(fiber.Config{
		AppName:      "Voucher Claim Platform",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New())
	app.Use(authStub{}.middleware)

	v := validator.New()

	claimHandler := handler.NewClaimHandler(coordinator, claimRepo, v)
	refundHandler := handler.NewRefundHandler(refunder, adminGateStub{}, v)
	userHandler := handler.NewUserHandler(userRepo)
	queueHandler := handler.NewQueueHandler(jobQueue)
	sessionHandler := handler.NewSessionHandler(sessionRevokerStub{})
	healthHandler := handler.NewHealthHandler(pool)

	app.Get("/health", healthHandler.Check)
	app.Post("/vouchers/claim", claimHandler.Claim)
	app.Get("/vouchers/claim/:requestId", claimHandler.GetByRequestID)
	app.Get("/vouchers/history", claimHandler.History)
	app.Post("/vouchers/refund", refundHandler.Refund)
	app.Post("/vouchers/logout", sessionHandler.Logout)
	app.Get("/vouchers/user/summary", userHandler.Summary)
	app.Get("/vouchers/queue/metrics", queueHandler.Metrics)

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("starting server")
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	log.Info().Int("timeout_seconds", cfg.Server.ShutdownTimeout).Msg("shutting down server...")

	stopWorkers()

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second,
	)
	defer shutdownCancel()

	log.Info().Msg("waiting for in-flight requests to complete...")
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}

	log.Info().Msg("closing kv connections...")
	_ = kvGateway.Close()
	_ = queueGateway.Close()

	log.Info().Msg("closing database connections...")
	dbGateway.Close()
	log.Info().Msg("server stopped")
}

// authStub populates the userID local that an upstream auth collaborator
// (out of scope per spec §1) would otherwise derive from a verified bearer
// token. It accepts the caller-supplied X-User-Id header unchecked, which
// is adequate for wiring the claim pipeline but not a substitute for real
// token verification.
type authStub struct{}

func (authStub) middleware(c *fiber.Ctx) error {
	if uid := strings.TrimSpace(c.Get("X-User-Id")); uid != "" {
		c.Locals("userID", uid)
	}
	return c.Next()
}

// adminGateStub authorizes POST /vouchers/refund callers. Real role/JWT
// checks are out of scope per spec §1; this only fulfils the call site.
type adminGateStub struct{}

func (adminGateStub) IsAdmin(c *fiber.Ctx) (string, bool) {
	adminID := strings.TrimSpace(c.Get("X-Admin-Id"))
	if adminID == "" {
		return "", false
	}
	return adminID, true
}

// sessionRevokerStub backs POST /vouchers/logout. Real session/token
// blacklisting is out of scope per spec §1; this only fulfils the call site.
type sessionRevokerStub struct{}

func (sessionRevokerStub) Revoke(c *fiber.Ctx) error {
	return nil
}

// initLogger configures zerolog based on the application configuration.
func initLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Log.Pretty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}
