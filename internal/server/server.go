package server

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bark-labs/apns-relay/internal/config"
	"github.com/bark-labs/apns-relay/internal/model"
	"github.com/bark-labs/apns-relay/internal/service"
	"github.com/gofiber/fiber/v2"
)

// Server wires HTTP handlers.
type Server struct {
	app      *fiber.App
	relaySvc *service.RelayService
	authSvc  *service.AuthService
	cfg      *config.Config
}

// New builds a server instance.
func New(cfg *config.Config, relaySvc *service.RelayService, authSvc *service.AuthService) *Server {
	app := fiber.New(fiber.Config{
		IdleTimeout:  cfg.HTTP.ReadTimeout,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		AppName:      "apns-relay",
	})
	s := &Server{
		app:      app,
		relaySvc: relaySvc,
		authSvc:  authSvc,
		cfg:      cfg,
	}
	s.registerRoutes()
	return s
}

// Start listens and serves HTTP traffic.
func (s *Server) Start() error {
	return s.app.Listen(s.cfg.HTTP.Addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.handleHealth)

	s.app.Post("/auth/login", s.handleLogin)
	s.app.Get("/auth/profile", s.handleProfile)

	s.app.Post("/push", s.handlePush)

	admin := s.app.Group("/admin", s.requireAuth)
	admin.Get("/summary", s.handleSummary)
	admin.Get("/blacklist", s.handleBlacklist)
	admin.Delete("/blacklist/:token", s.handleBlacklistDelete)
	admin.Get("/events", s.handleEvents)
	admin.Get("/history", s.handleHistory)
	admin.Post("/suspend", s.handleSuspend)
	admin.Post("/restart", s.handleRestart)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	pending, inflight := s.relaySvc.QueueDepth()
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"status":    "ok",
		"suspended": s.relaySvc.Suspended(),
		"pending":   pending,
		"inflight":  inflight,
	})
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.JSON(model.Error("malformed request body"))
	}
	if s.authSvc == nil || !s.authSvc.Enabled() {
		return c.JSON(model.Success("authentication disabled", fiber.Map{
			"token":    "",
			"enabled":  false,
			"username": "guest",
		}))
	}
	token, err := s.authSvc.Authenticate(req.Username, req.Password)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", fiber.Map{
		"token":    token,
		"enabled":  true,
		"username": s.authSvc.Username(),
	}))
}

func (s *Server) handleProfile(c *fiber.Ctx) error {
	claims, err := s.claimsFrom(c)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", fiber.Map{
		"username": claims.Username,
		"enabled":  s.authSvc.Enabled(),
	}))
}

func (s *Server) handlePush(c *fiber.Ctx) error {
	var req model.PushRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.Error("malformed request body"))
	}
	result := s.relaySvc.Push(c.Context(), req)
	if !result.Accepted {
		return c.Status(http.StatusUnprocessableEntity).JSON(model.Error(result.Message))
	}
	return c.Status(http.StatusAccepted).JSON(model.Success("queued", result))
}

func (s *Server) handleSummary(c *fiber.Ctx) error {
	pending, inflight := s.relaySvc.QueueDepth()
	return c.JSON(model.Success("ok", fiber.Map{
		"suspended":   s.relaySvc.Suspended(),
		"pending":     pending,
		"inflight":    inflight,
		"blacklisted": len(s.relaySvc.Blacklist()),
		"events":      len(s.relaySvc.Events()),
	}))
}

func (s *Server) handleBlacklist(c *fiber.Ctx) error {
	blacklist := s.relaySvc.Blacklist()
	type item struct {
		Token         string    `json:"token"`
		BlacklistedAt time.Time `json:"blacklistedAt"`
	}
	items := make([]item, 0, len(blacklist))
	for token, at := range blacklist {
		items = append(items, item{Token: token, BlacklistedAt: at})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Token < items[j].Token })
	return c.JSON(model.Success("ok", items))
}

func (s *Server) handleBlacklistDelete(c *fiber.Ctx) error {
	token := strings.TrimSpace(c.Params("token"))
	if token == "" {
		return c.Status(http.StatusBadRequest).JSON(model.Error("token is required"))
	}
	if err := s.relaySvc.RemoveBlacklistedToken(c.Context(), token); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("removed", nil))
}

func (s *Server) handleEvents(c *fiber.Ctx) error {
	return c.JSON(model.Success("ok", s.relaySvc.Events()))
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	records, err := s.relaySvc.History(c.Context())
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", records))
}

func (s *Server) handleSuspend(c *fiber.Ctx) error {
	s.relaySvc.Suspend()
	return c.JSON(model.Success("suspended", nil))
}

func (s *Server) handleRestart(c *fiber.Ctx) error {
	s.relaySvc.Restart()
	return c.JSON(model.Success("restarted", nil))
}

func (s *Server) requireAuth(c *fiber.Ctx) error {
	if _, err := s.claimsFrom(c); err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error(err.Error()))
	}
	return c.Next()
}

func (s *Server) claimsFrom(c *fiber.Ctx) (*service.Claims, error) {
	raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	raw = strings.TrimPrefix(raw, "Bearer ")
	return s.authSvc.Validate(raw)
}
