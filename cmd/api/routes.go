package main

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/Leoris0/MusicProject/internal/api/handlers"
	"github.com/Leoris0/MusicProject/internal/app"
	"github.com/Leoris0/MusicProject/internal/metrics"
	"github.com/Leoris0/MusicProject/internal/middleware/ratelimit"
	"github.com/Leoris0/MusicProject/internal/middleware/security"
	"github.com/Leoris0/MusicProject/internal/middleware/validation"
	"github.com/Leoris0/MusicProject/pkg/config"
)

const (
	apiPrefix    = "/api/v1"
	chatPath     = apiPrefix + "/chat"
	wsTimeout    = 3 * time.Minute
	wsChunkDelay = 30 * time.Millisecond
)

func allowOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return strings.Join(origins, ", ")
}

// setupRoutes registers the HTTP surface. The returned limiter must be
// stopped on shutdown.
func setupRoutes(f *fiber.App, a *app.App, cfg *config.Config) *ratelimit.RateLimiter {
	f.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))
	f.Use(validation.Middleware(validation.Config{
		ChatPaths: []string{chatPath},
	}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
	})
	limited := limiter.Middleware()

	chatHandler := handlers.NewChatHandler(a.Assistant, a.Store)
	knowledgeHandler := handlers.NewKnowledgeHandler(a.Assistant).WithCacheCheck(a.CacheCheck())
	wsHandler := handlers.NewWebSocketHandler(a.Assistant, wsTimeout, wsChunkDelay)
	jobsHandler := handlers.NewJobsHandler(a.Generator, a.Store, cfg.Jobs.UploadDir, a.Resolver)
	mediaHandler := handlers.NewMediaHandler(a.Resolver, a.MediaDir(), cfg.Jobs.OutputDir)

	api := f.Group(apiPrefix)

	api.Post("/chat", limited, chatHandler.HandleChat)
	api.Get("/chat/history", chatHandler.GetHistory)

	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws/chat", limited, websocket.New(wsHandler.HandleConnection))

	api.Get("/knowledge/search", knowledgeHandler.Search)
	api.Post("/knowledge/reload", knowledgeHandler.Reload)

	api.Get("/services/health", jobsHandler.ServicesHealth)
	api.Post("/video/text", limited, jobsHandler.TextToVideo)
	api.Post("/video/image", limited, jobsHandler.ImageToVideo)
	api.Post("/song", limited, jobsHandler.Song)
	api.Get("/song/example-lyrics", jobsHandler.ExampleLyrics)
	api.Post("/avatar/single", limited, jobsHandler.SingleAvatar)
	api.Post("/avatar/multi", limited, jobsHandler.MultiAvatar)
	api.Get("/jobs", jobsHandler.ListJobs)
	api.Get("/jobs/:id", jobsHandler.GetJob)

	api.Get("/health", knowledgeHandler.Health)
	api.Get("/ready", knowledgeHandler.Ready)

	f.Get("/metrics", metrics.MetricsHandler())
	f.Get(a.Resolver.Marker()+"*", mediaHandler.Serve)

	return limiter
}
