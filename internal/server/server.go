// Package server exposes the chat gateway over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/gateway"
	"chatgate/internal/middleware"
	"chatgate/internal/models"
	"chatgate/internal/notifications"
	"chatgate/internal/observability"
	"chatgate/internal/repository"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
)

const defaultOrigins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"

// Deps are the collaborators the server routes to. Redis may be nil.
type Deps struct {
	Config  *config.Config
	Store   repository.MessageStore
	Redis   *redis.Client
	Hub     *notifications.Hub
	Gateway *gateway.Gateway
}

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	store          repository.MessageStore
	redis          *redis.Client
	hub            *notifications.Hub
	gateway        *gateway.Gateway
	admins         map[string]struct{}
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
}

// New builds the Fiber app with middleware and routes.
func New(deps Deps) (*Server, error) {
	if deps.Config == nil || deps.Store == nil || deps.Hub == nil || deps.Gateway == nil {
		return nil, errors.New("server: config, store, hub and gateway are required")
	}
	admins, err := deps.Config.Admins()
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:         deps.Config,
		store:          deps.Store,
		redis:          deps.Redis,
		hub:            deps.Hub,
		gateway:        deps.Gateway,
		admins:         admins,
		promMiddleware: middleware.InitMetrics("chatgate"),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "chatgate",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			observability.GlobalLogger.ErrorContext(c.UserContext(), "unhandled request error",
				slog.String("path", c.Path()),
				slog.String("error", err.Error()),
			)
			return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
		},
	})

	s.SetupMiddleware(s.app)
	s.SetupRoutes(s.app)
	return s, nil
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())

	app.Use(middleware.ContextMiddleware())
	app.Use(middleware.TracingMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	// Security headers
	app.Use(helmet.New())

	app.Use(middleware.StructuredLogger())

	origins := s.origins()
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: origins != "*",
		MaxAge:           86400, // 24 hours
	}))

	// Coarse per-IP ceiling for the plain HTTP routes.
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions ||
				c.Path() == "/ws" ||
				c.Path() == "/metrics" ||
				strings.HasPrefix(c.Path(), "/health")
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", middleware.OptionalWalletAuth(s.config.JWTSecret), s.WebSocketHandler())

	api := app.Group("/api")
	api.Get("/presence", s.GetPresence)

	admin := api.Group("/admin",
		middleware.WalletAuthRequired(s.config.JWTSecret),
		middleware.AdminRequired(s.admins),
		middleware.RateLimit(s.redis, s.config.AdminHistoryRateLimit, time.Minute, "admin_history", middleware.FailOpen),
		compress.New(compress.Config{Level: compress.LevelBestSpeed}),
	)
	admin.Get("/history", s.GetAdminHistory)
}

// WebSocketHandler upgrades to the chat socket. A token, when present, binds
// the connection to its wallet.
func (s *Server) WebSocketHandler() fiber.Handler {
	var origins []string
	if o := s.origins(); o != "*" {
		for _, part := range strings.Split(o, ",") {
			if part = strings.TrimSpace(part); part != "" {
				origins = append(origins, part)
			}
		}
	}

	return websocket.New(func(conn *websocket.Conn) {
		address, _ := conn.Locals(middleware.WalletLocal).(string)

		client, err := s.hub.Register(conn, address)
		if err != nil {
			if payload, encErr := notifications.Encode(notifications.TypeError, notifications.ErrorData{Message: err.Error()}); encErr == nil {
				_ = conn.WriteMessage(websocket.TextMessage, payload)
			}
			code := websocket.ClosePolicyViolation
			if errors.Is(err, notifications.ErrHubClosed) {
				code = websocket.CloseGoingAway
			}
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()))
			_ = conn.Close()
			return
		}

		s.gateway.Attach(client)
		go client.WritePump()
		client.ReadPump()
	}, websocket.Config{Origins: origins})
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck reports the store and, when configured, Redis. Redis only
// carries fan-out and presence, so losing it degrades rather than fails.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	storeStatus := "healthy"
	if err := s.store.Ping(ctx); err != nil {
		storeStatus = "unhealthy"
	}

	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "degraded"
		}
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if storeStatus != "healthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"store": storeStatus,
			"redis": redisStatus,
		},
		"connections": s.hub.Count(),
		"time":        time.Now(),
	})
}

// GetPresence returns the live connection count.
func (s *Server) GetPresence(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"count": s.hub.ClusterCount(c.UserContext()),
		"local": s.hub.Count(),
	})
}

// GetAdminHistory returns the stored history, oldest first.
func (s *Server) GetAdminHistory(c *fiber.Ctx) error {
	msgs, err := s.gateway.ExportHistory(c.UserContext())
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewStoreError("export history", err))
	}
	return c.JSON(gateway.HistoryExport{Messages: msgs, Count: len(msgs)})
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	observability.GlobalLogger.Info("server starting", slog.String("addr", addr))
	return s.app.Listen(addr)
}

// Listener serves on an existing listener until Shutdown.
func (s *Server) Listener(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown closes every socket with a going-away frame, then drains HTTP.
// Websocket handlers must have returned before the HTTP drain can finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.hub.Shutdown(ctx); err != nil {
		observability.GlobalLogger.Error("error shutting down hub", slog.String("error", err.Error()))
	}
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return err
	}
	observability.GlobalLogger.Info("server shutdown complete")
	return nil
}

func (s *Server) origins() string {
	if s.config.AllowedOrigins == "" {
		return defaultOrigins
	}
	return s.config.AllowedOrigins
}
