package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"crash/internal/config"
	"crash/internal/game"
	"crash/internal/logger"
	"crash/internal/metrics"
)

// Engine is the round engine as seen by the transport layer.
type Engine interface {
	PlaceBet(ctx context.Context, user game.User, amount, autoCashOut int64) (game.PlaceBetResult, error)
	CashOut(ctx context.Context, user game.User) (game.CashOutResult, error)
	Info(ctx context.Context) (game.RoundInfo, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	ForceSettle(ctx context.Context, at int64) error
	History() *game.History
}

// UserResolver maps an authenticated username to its ledger identity.
type UserResolver interface {
	ByName(ctx context.Context, username string) (game.User, error)
}

// HealthChecker reports the status of a backing service.
type HealthChecker interface {
	Health() map[string]string
}

// CrashFeed serves the last round result recorded outside the engine.
type CrashFeed interface {
	LastCrash(ctx context.Context) (json.RawMessage, error)
}

// Deps are the collaborators the server routes requests to. Cache and
// Crashes may be nil when Redis is disabled.
type Deps struct {
	Engine  Engine
	Hub     *game.Hub
	Users   UserResolver
	DB      HealthChecker
	Cache   HealthChecker
	Crashes CrashFeed
}

type FiberServer struct {
	*fiber.App

	cfg     config.ServerConfig
	engine  Engine
	hub     *game.Hub
	users   UserResolver
	db      HealthChecker
	cache   HealthChecker
	crashes CrashFeed
	log     *slog.Logger
}

func New(cfg config.ServerConfig, deps Deps, log *slog.Logger) *FiberServer {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "server")

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crash",
			AppName:       "crash",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
			ErrorHandler:  errorHandler,
		}),

		cfg:     cfg,
		engine:  deps.Engine,
		hub:     deps.Hub,
		users:   deps.Users,
		db:      deps.DB,
		cache:   deps.Cache,
		crashes: deps.Crashes,
		log:     log,
	}

	// Apply global middleware
	server.App.Use(recover.New())
	server.App.Use(requestID())
	server.App.Use(metrics.Middleware())
	server.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type," + HeaderUsername,
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))
	if cfg.RateLimit > 0 {
		server.App.Use(limiter.New(limiter.Config{
			Max:        cfg.RateLimit,
			Expiration: 1 * time.Minute,
			Next: func(c *fiber.Ctx) bool {
				return c.Path() == "/ws" || c.Path() == "/metrics"
			},
		}))
	}

	server.RegisterFiberRoutes()
	return server
}

// requestID tags every request with an id and carries it in the user
// context for logger.FromContext.
func requestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(fiber.HeaderXRequestID)
		if id == "" {
			id = logger.GenerateRequestID()
		}
		c.Set(fiber.HeaderXRequestID, id)
		c.SetUserContext(logger.WithRequestID(c.UserContext(), id))
		return c.Next()
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := game.ErrInternal.Code

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	} else {
		logger.FromContext(c.UserContext()).Error("Unhandled request error",
			"path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": message})
}
