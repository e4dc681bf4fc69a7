// Package server exposes the bridge's HTTP surface: liveness and a status
// snapshot of adapter connectivity and session load.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/baidong0228/opencode-im-bridge/internal/channel"
	"github.com/baidong0228/opencode-im-bridge/internal/logger"
	"github.com/baidong0228/opencode-im-bridge/internal/session"
)

type Server struct {
	echo      *echo.Echo
	addr      string
	registry  *channel.Registry
	table     *session.Table
	startedAt time.Time
	logger    *slog.Logger
}

type adapterStatus struct {
	Platform  string `json:"platform"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

type statusResponse struct {
	Status   string          `json:"status"`
	Uptime   string          `json:"uptime"`
	Adapters []adapterStatus `json:"adapters"`
	Sessions int             `json:"sessions"`
}

func NewServer(addr string, registry *channel.Registry, table *session.Table) *Server {
	if addr == "" {
		addr = ":8080"
	}
	log := logger.L.With(slog.String("component", "server"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))

	s := &Server{
		echo:      e,
		addr:      addr,
		registry:  registry,
		table:     table,
		startedAt: time.Now(),
		logger:    log,
	}
	e.GET("/health", s.Health)
	e.HEAD("/health", s.Health)
	e.GET("/status", s.Status)
	return s
}

func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Status(c echo.Context) error {
	resp := statusResponse{
		Status:   "ok",
		Uptime:   time.Since(s.startedAt).Round(time.Second).String(),
		Adapters: []adapterStatus{},
		Sessions: s.table.Count(),
	}
	for _, adapter := range s.registry.All() {
		resp.Adapters = append(resp.Adapters, adapterStatus{
			Platform:  adapter.Platform().String(),
			Name:      adapter.Name(),
			Connected: adapter.Connected(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
