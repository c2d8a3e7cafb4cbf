package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/LocalMarket/app/controllers"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/billing"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/cache"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/config"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/database"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/env"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/gateway"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/health"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/jobqueue"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/metrics"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/mq"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/router"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/s3archive"
)

func main() {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	app, shutdown, err := NewApplication(cfg)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		if err := app.Listen(cfg.ListenAddr()); err != nil {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	shutdown()
}

// NewApplication wires every component from cfg. The returned function
// releases background workers and connections.
func NewApplication(cfg *config.Config) (*fiber.App, func(), error) {
	db, err := database.SetupDatabase(cfg.MySQLDSN(), cfg.IsDev())
	if err != nil {
		return nil, nil, err
	}
	rdb := cache.SetupCache(cfg.CacheAddr(), cfg.CachePassword)
	metrics.Register()

	gw, err := gateway.NewClient(cfg.GatewayAccessToken, cfg.GatewayBaseURL, cfg.GatewayTimeout)
	if err != nil {
		return nil, nil, err
	}
	gw.Sandbox = strings.HasPrefix(cfg.GatewayAccessToken, "TEST-")

	opts := billing.Options{
		Currency:          cfg.Currency,
		NotificationURL:   cfg.WebhookURL(),
		TransitionRetries: cfg.TransitionRetries,
		CacheTTL:          cfg.CacheTTL,
		Cache:             cache.NewTaggedStore(rdb, "localmarket:"),
	}

	var publisher *mq.Publisher
	if cfg.RabbitURL != "" {
		publisher, err = mq.NewPublisher(cfg.RabbitURL, cfg.EventsExchange)
		if err != nil {
			log.Printf("Subscription events disabled: %v", err)
		} else {
			opts.Publisher = publisher
		}
	}

	repo := billing.NewRepository(db)
	svc := billing.NewService(repo, gw, opts)
	reconciler := billing.NewReconciler(svc, billing.ReconcilerConfig{
		MaxAttempts:    cfg.MaxAttempts,
		SweepMinAge:    cfg.SweepMinAge,
		SweepBatchSize: cfg.SweepBatchSize,
	})

	outcomes := counter.NewOutcomeCounter(rdb)
	reconciler.WithRecorder(outcomes)

	if cfg.ArchiveEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		archive, err := s3archive.NewClient(ctx, &s3archive.Config{
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
			Region:          cfg.ArchiveRegion,
			BucketName:      cfg.ArchiveBucket,
			EndpointURL:     cfg.ArchiveEndpointURL,
			Enabled:         true,
			CreateBucket:    cfg.IsDev(),
		})
		cancel()
		if err != nil {
			log.Printf("Webhook payload archive disabled: %v", err)
		} else {
			reconciler.WithArchiver(archive)
		}
	}

	queue := jobqueue.NewQueue(rdb, cfg.QueueWorkers, reconciler, reconciler)
	manager := jobqueue.NewManager(queue, reconciler, cfg.SweepInterval)
	manager.Start()

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// prometheus metrics
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// fiber monitor
	if cfg.MonitorPassword != "" {
		app.Get("/monitor", basicauth.New(basicauth.Config{
			Users: map[string]string{
				cfg.MonitorUser: cfg.MonitorPassword,
			},
		}), monitor.New())
	}

	// SWAGGER / OPENAPI
	if basePath, ok := findBasePath(); ok {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: basePath + "public/docs/v1/openapi.yml",
			Path:     "v1",
		}))
	} else {
		log.Println("OpenAPI document not found, /docs/api/v1 disabled")
	}

	limiterStorage := cache.NewLimiterStorage(cfg.CacheHost, cfg.CachePort, cfg.CachePassword)

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Billing:        controllers.NewBillingController(reconciler, svc, queue, cfg.WebhookSecret),
		Admin:          controllers.NewAdminController(reconciler, svc, repo, outcomes).WithSweepQueue(queue),
		AdminKeyHash:   cfg.AdminAPIKeyHash,
		LimiterStorage: limiterStorage,
		Health:         health.NewChecker(db, rdb).WithQueue(queue),
	})

	shutdown := func() {
		manager.Stop()
		if publisher != nil {
			if err := publisher.Close(); err != nil {
				log.Printf("Close publisher: %v", err)
			}
		}
		if err := limiterStorage.Close(); err != nil {
			log.Printf("Close limiter storage: %v", err)
		}
		if err := rdb.Close(); err != nil {
			log.Printf("Close cache: %v", err)
		}
		if err := database.Close(); err != nil {
			log.Printf("Close database: %v", err)
		}
	}
	return app, shutdown, nil
}

func findBasePath() (string, bool) {
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/localmarket to project root
		"../../../", // Fallback
	}
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			return path, true
		}
	}
	return "", false
}
