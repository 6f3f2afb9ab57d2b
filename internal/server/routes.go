package server

import (
	"crypto/subtle"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// HeaderUsername carries the username authenticated by the gateway.
	HeaderUsername = "X-Username"
	// HeaderAdminToken authorizes admin endpoints.
	HeaderAdminToken = "X-Admin-Token"

	localUser = "user"
)

func (s *FiberServer) RegisterFiberRoutes() {
	// Basic routes
	s.App.Get("/health", s.healthHandler)
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.App.Group("/api/v1")

	// Game routes
	api.Get("/game/state", s.getGameStateHandler)
	api.Get("/game/history", s.optionalUser, s.getHistoryHandler)
	api.Post("/game/bet", s.requireUser, s.placeBetHandler)
	api.Post("/game/cashout", s.requireUser, s.cashOutHandler)

	// Fairness verification
	api.Get("/verify", s.verifyRoundHandler)
	api.Get("/verify/chain", s.verifyChainHandler)

	admin := api.Group("/admin", s.requireAdmin)
	admin.Post("/pause", s.pauseHandler)
	admin.Post("/resume", s.resumeHandler)
	admin.Post("/settle", s.forceSettleHandler)

	// WebSocket route
	s.App.Use("/ws", s.upgradeWebSocket)
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

// requireUser resolves the gateway-authenticated user or rejects the request.
func (s *FiberServer) requireUser(c *fiber.Ctx) error {
	username := c.Get(HeaderUsername)
	if username == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "NOT_LOGGED_IN")
	}
	return s.resolveUser(c, username)
}

// optionalUser resolves the user when one is given.
func (s *FiberServer) optionalUser(c *fiber.Ctx) error {
	username := c.Get(HeaderUsername)
	if username == "" {
		return c.Next()
	}
	return s.resolveUser(c, username)
}

func (s *FiberServer) resolveUser(c *fiber.Ctx, username string) error {
	user, err := s.users.ByName(c.UserContext(), username)
	if err != nil {
		s.log.Debug("Unknown user", "username", username, "error", err)
		return fiber.NewError(fiber.StatusUnauthorized, "NOT_LOGGED_IN")
	}
	c.Locals(localUser, user)
	return c.Next()
}

func (s *FiberServer) requireAdmin(c *fiber.Ctx) error {
	token := c.Get(HeaderAdminToken)
	if s.cfg.AdminToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
		return fiber.NewError(fiber.StatusForbidden, "FORBIDDEN")
	}
	return c.Next()
}

// upgradeWebSocket admits websocket upgrades. Clients may identify with
// ?username= to play; anonymous clients only watch.
func (s *FiberServer) upgradeWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	username := c.Query("username")
	if username == "" {
		username = c.Get(HeaderUsername)
	}
	if username == "" {
		return c.Next()
	}
	return s.resolveUser(c, username)
}
