package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"crash/internal/game"
	"crash/internal/logger"
)

const (
	defaultChainSteps = 100_000
	disconnectTimeout = 5 * time.Second
)

// Messages the websocket session exchanges besides engine broadcasts.
const (
	EventJoin  = "join"
	EventReply = "reply"
	EventPong  = "pong"
)

// Health handler
func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"database": s.db.Health(),
		"game": fiber.Map{
			"status":            "running",
			"connected_clients": s.hub.ClientCount(),
		},
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	var ce *game.CodeError
	switch {
	case errors.Is(err, game.ErrShuttingDown):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, game.ErrGameStillActive):
		return fiber.StatusConflict
	case errors.Is(err, game.ErrInternal):
		return fiber.StatusInternalServerError
	case errors.As(err, &ce):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *FiberServer) gameError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		logger.FromContext(c.UserContext()).Error("Engine request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": game.PublicCode(err)})
}

func validationError(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":  game.ErrInvalidBet.Code,
		"fields": formatValidationError(err),
	})
}

// Game handlers

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	info, err := s.engine.Info(c.UserContext())
	if err == nil {
		return c.JSON(info)
	}
	if !errors.Is(err, game.ErrShuttingDown) || s.crashes == nil {
		return s.gameError(c, err)
	}

	// The engine is gone; clients still get the last result.
	last, ferr := s.crashes.LastCrash(c.UserContext())
	if ferr != nil || last == nil {
		if ferr != nil {
			logger.FromContext(c.UserContext()).Warn("Could not read last crash", "error", ferr)
		}
		return s.gameError(c, err)
	}
	return c.Status(statusFor(err)).JSON(fiber.Map{
		"error":      game.PublicCode(err),
		"last_crash": last,
	})
}

func (s *FiberServer) getHistoryHandler(c *fiber.Ctx) error {
	var username string
	if user, ok := c.Locals(localUser).(game.User); ok {
		username = user.Username
	}
	return c.JSON(s.engine.History().ForUser(username))
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req BetRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return validationError(c, err)
	}

	user := c.Locals(localUser).(game.User)
	res, err := s.engine.PlaceBet(c.UserContext(), user, req.Amount, req.AutoCashOut)
	if err != nil {
		return s.gameError(c, err)
	}
	return c.JSON(res)
}

func (s *FiberServer) cashOutHandler(c *fiber.Ctx) error {
	user := c.Locals(localUser).(game.User)
	res, err := s.engine.CashOut(c.UserContext(), user)
	if err != nil {
		return s.gameError(c, err)
	}
	return c.JSON(res)
}

// Verification handlers

func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	var q verifyQuery
	if err := c.QueryParser(&q); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid query")
	}
	if err := validate.Struct(q); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"fields": formatValidationError(err)})
	}
	return c.JSON(fiber.Map{
		"hash":       q.Hash,
		"game_crash": game.CrashPointFromSeed(q.Hash),
	})
}

func (s *FiberServer) verifyChainHandler(c *fiber.Ctx) error {
	var q verifyChainQuery
	if err := c.QueryParser(&q); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid query")
	}
	if err := validate.Struct(q); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"fields": formatValidationError(err)})
	}
	if q.MaxSteps == 0 {
		q.MaxSteps = defaultChainSteps
	}

	steps, ok := game.VerifyChain(q.From, q.To, q.MaxSteps)
	resp := fiber.Map{"valid": ok}
	if ok {
		resp["steps"] = steps
	}
	return c.JSON(resp)
}

// Admin handlers

func (s *FiberServer) pauseHandler(c *fiber.Ctx) error {
	if err := s.engine.Pause(c.UserContext()); err != nil {
		return s.gameError(c, err)
	}
	logger.FromContext(c.UserContext()).Info("Game paused by admin")
	return c.JSON(fiber.Map{"paused": true})
}

func (s *FiberServer) resumeHandler(c *fiber.Ctx) error {
	if err := s.engine.Resume(c.UserContext()); err != nil {
		return s.gameError(c, err)
	}
	logger.FromContext(c.UserContext()).Info("Game resumed by admin")
	return c.JSON(fiber.Map{"paused": false})
}

func (s *FiberServer) forceSettleHandler(c *fiber.Ctx) error {
	var req SettleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return validationError(c, err)
	}
	if err := s.engine.ForceSettle(c.UserContext(), req.At); err != nil {
		return s.gameError(c, err)
	}
	logger.FromContext(c.UserContext()).Warn("Round force-settled by admin", "at", req.At)
	return c.JSON(fiber.Map{"settled_at": req.At})
}

// WebSocket session

type joinMessage struct {
	Username     string                `json:"username,omitempty"`
	State        game.RoundInfo        `json:"state"`
	TableHistory []game.CompletedRound `json:"table_history"`
}

type wsRequest struct {
	Type string `json:"type"`
	ID   int64  `json:"id,omitempty"`
	BetRequest
}

type wsReply struct {
	ID     int64  `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// gameWebSocketHandler streams engine events and accepts bets and
// cashouts from identified users.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	ctx := context.Background()
	user, authed := conn.Locals(localUser).(game.User)
	log := s.log.With("user", user.Username)

	client := s.hub.Register(ctx, conn, user.Username)
	defer s.hub.Unregister(ctx, client)

	info, err := s.engine.Info(ctx)
	if err != nil {
		log.Warn("Could not load round for join", "error", err)
		return
	}
	_ = client.Send(game.Event{Type: EventJoin, Data: joinMessage{
		Username:     user.Username,
		State:        info,
		TableHistory: s.engine.History().ForUser(user.Username),
	}})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Debug("Read error", "error", err)
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}
		_ = client.Send(s.handleSocketRequest(ctx, user, authed, req))
	}

	if authed {
		s.cashOutOnDisconnect(user)
	}
}

func (s *FiberServer) handleSocketRequest(ctx context.Context, user game.User, authed bool, req wsRequest) game.Event {
	if req.Type == "ping" {
		return game.Event{Type: EventPong}
	}
	reply := s.answerSocketRequest(ctx, user, authed, req)
	return game.Event{Type: EventReply, Data: reply}
}

func (s *FiberServer) answerSocketRequest(ctx context.Context, user game.User, authed bool, req wsRequest) wsReply {
	reply := wsReply{ID: req.ID}

	switch req.Type {
	case "place_bet", "cash_out":
		if !authed {
			reply.Error = "NOT_LOGGED_IN"
			return reply
		}
	default:
		reply.Error = "UNKNOWN_REQUEST"
		return reply
	}

	var (
		result any
		err    error
	)
	if req.Type == "place_bet" {
		if verr := validate.Struct(req.BetRequest); verr != nil {
			reply.Error = game.ErrInvalidBet.Code
			return reply
		}
		result, err = s.engine.PlaceBet(ctx, user, req.Amount, req.AutoCashOut)
	} else {
		result, err = s.engine.CashOut(ctx, user)
	}
	if err != nil {
		if statusFor(err) >= fiber.StatusInternalServerError {
			s.log.Error("Socket request failed", "user", user.Username, "type", req.Type, "error", err)
		}
		reply.Error = game.PublicCode(err)
		return reply
	}
	reply.Result = result
	return reply
}

// cashOutOnDisconnect settles the user's open play when their socket
// drops mid-round. Rejections just mean there was nothing to settle.
func (s *FiberServer) cashOutOnDisconnect(user game.User) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	res, err := s.engine.CashOut(ctx, user)
	if err != nil {
		var ce *game.CodeError
		if errors.As(err, &ce) && !errors.Is(err, game.ErrInternal) {
			return
		}
		s.log.Error("Disconnect cashout failed", "user", user.Username, "error", err)
		return
	}
	s.log.Info("Cashed out on disconnect", "user", user.Username, "stopped_at", res.StoppedAt)
}
