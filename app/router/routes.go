// Package router provides HTTP routing, middleware configuration, and server setup for the web application
package router

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/compress"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/oroshi/shopver/app/dto"
	"github.com/oroshi/shopver/app/handlers"
	"github.com/oroshi/shopver/app/middleware"
	businessflow "github.com/oroshi/shopver/business_flow"
	"github.com/oroshi/shopver/config"
	"github.com/oroshi/shopver/utils"
	"go.uber.org/zap"
)

// Router interface for HTTP routing
type Router interface {
	SetupRoutes()
	Start(address string) error
	GetApp() *fiber.App
}

// FiberRouter implements Router using Fiber v3
type FiberRouter struct {
	app            *fiber.App
	versionHandler handlers.VersionHandlerInterface
	versionFlow    businessflow.VersionFlow
	adminAuth      *middleware.AdminAuthMiddleware
	logger         *zap.Logger
}

// NewFiberRouter creates a new Fiber router
func NewFiberRouter(
	cfg *config.ProductionConfig,
	versionHandler handlers.VersionHandlerInterface,
	versionFlow businessflow.VersionFlow,
	logger *zap.Logger,
) Router {
	app := fiber.New(fiber.Config{
		AppName:      "shopver API",
		ServerHeader: "shopver",
		ErrorHandler: errorHandler(logger),
		BodyLimit:    cfg.Server.BodyLimit,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})

	return &FiberRouter{
		app:            app,
		versionHandler: versionHandler,
		versionFlow:    versionFlow,
		adminAuth:      middleware.NewAdminAuthMiddleware(&cfg.Admin),
		logger:         logger,
	}
}

// SetupRoutes configures all application routes
func (r *FiberRouter) SetupRoutes() {
	r.setupMiddleware()

	api := r.app.Group("/api/v1")

	// Health check route (no rate limiting)
	api.Get("/health", r.healthCheck)

	api.Use(limiter.New(limiter.Config{
		Max:        2000,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(dto.APIResponse{
				Success: false,
				Message: "Too many requests. Please try again later.",
				Error: dto.ErrorDetail{
					Code: "RATE_LIMIT_EXCEEDED",
				},
			})
		},
		Next: func(c fiber.Ctx) bool {
			return c.Path() == "/api/v1/health"
		},
	}))

	// Read endpoints
	versions := api.Group("/versions")
	versions.Get("/", r.versionHandler.Stats)
	versions.Get("/global", r.versionHandler.GlobalVersion)
	versions.Post("/bump", r.versionHandler.Bump)

	// Admin endpoints behind API key / JWT auth
	admin := api.Group("/admin", r.adminAuth.Authenticate())
	admin.Post("/versions/init", r.versionHandler.InitDefaults)
	admin.Post("/versions/validate", r.versionHandler.Validate)
	admin.Delete("/versions", r.versionHandler.ClearAll)
	admin.Get("/metrics", r.versionHandler.Metrics)
	admin.Get("/incidents", r.versionHandler.Incidents)
	admin.Post("/benchmark", r.versionHandler.Benchmark)

	r.app.Use(r.notFoundHandler)
}

// setupMiddleware configures global middleware
func (r *FiberRouter) setupMiddleware() {
	// Request ID middleware - must be first
	r.app.Use(requestid.New(requestid.Config{
		Header: "X-Request-ID",
		Generator: func() string {
			return generateRequestID()
		},
	}))

	r.app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// Prometheus HTTP metrics
	r.app.Use(middleware.Metrics())

	// Stamp GET responses with the current global data version
	r.app.Use(middleware.DataVersion(r.versionFlow, r.logger))

	r.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e interface{}) {
			r.logger.Error("panic recovered",
				zap.Any("error", e),
				zap.Any("request_id", c.Locals("requestid")),
				zap.String("path", c.Path()),
				zap.String("method", c.Method()),
				zap.String("ip", c.IP()),
			)
		},
	}))
}

// Start begins listening on the given address
func (r *FiberRouter) Start(address string) error {
	r.logger.Info("starting server", zap.String("address", address))
	return r.app.Listen(address)
}

// GetApp returns the Fiber app instance
func (r *FiberRouter) GetApp() *fiber.App {
	return r.app
}

// Health check endpoint
func (r *FiberRouter) healthCheck(c fiber.Ctx) error {
	return c.JSON(dto.APIResponse{
		Success: true,
		Message: "Service is healthy",
		Data: fiber.Map{
			"status":    "ok",
			"timestamp": utils.UTCNow().Unix(),
			"version":   "1.0.0",
			"service":   "shopver-api",
		},
	})
}

func (r *FiberRouter) notFoundHandler(c fiber.Ctx) error {
	requestID := c.Locals("requestid")

	return c.Status(fiber.StatusNotFound).JSON(dto.APIResponse{
		Success: false,
		Message: "The requested resource was not found",
		Error: dto.ErrorDetail{
			Code: "NOT_FOUND",
			Details: fiber.Map{
				"path":       c.Path(),
				"method":     c.Method(),
				"request_id": requestID,
			},
		},
	})
}

// Global error handler
func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		requestID := c.Locals("requestid")
		logger.Error("request failed",
			zap.Int("status", code),
			zap.Error(err),
			zap.Any("request_id", requestID),
		)

		return c.Status(code).JSON(dto.APIResponse{
			Success: false,
			Message: "An internal server error occurred",
			Error: dto.ErrorDetail{
				Code: "INTERNAL_ERROR",
				Details: fiber.Map{
					"timestamp":  utils.UTCNow().Unix(),
					"request_id": requestID,
				},
			},
		})
	}
}

// generateRequestID creates a random request identifier
func generateRequestID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
