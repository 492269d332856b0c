package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/app"
	"github.com/Leoris0/MusicProject/internal/jobs"
	"github.com/Leoris0/MusicProject/internal/metrics"
	"github.com/Leoris0/MusicProject/pkg/config"
	appLogger "github.com/Leoris0/MusicProject/pkg/logger"
)

func main() {
	configFile := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Maestro API Server")
	metrics.Init()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer a.Close()

	// A failed first build keeps the server up; chat answers 503 until a
	// reload succeeds.
	_ = a.StartAssistant(ctx)

	if cfg.Knowledge.Watch {
		go func() {
			if err := a.WatchKnowledge(ctx); err != nil {
				appLogger.Warn("Knowledge base watcher not started", zap.Error(err))
			}
		}()
	}

	monitor, err := jobs.NewMonitor(a.Generator, cfg.Jobs.HealthCheckSpec)
	if err != nil {
		appLogger.Fatal("Failed to create service monitor", zap.Error(err))
	}
	go monitor.Start()
	defer monitor.Stop()

	fiberApp := fiber.New(fiber.Config{
		AppName:      "maestro",
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	fiberApp.Use(recover.New())
	fiberApp.Use(logger.New())
	fiberApp.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins(cfg.Server.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Session-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	limiter := setupRoutes(fiberApp, a, cfg)
	defer limiter.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := fiberApp.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	stop()
	if err := fiberApp.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
