package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vendaflow/vendaflow/config"
	"github.com/vendaflow/vendaflow/internal/agent/core"
	"github.com/vendaflow/vendaflow/internal/agent/telemetry"
	"github.com/vendaflow/vendaflow/internal/crm"
	"github.com/vendaflow/vendaflow/internal/runtime"
	"github.com/vendaflow/vendaflow/internal/session"
)

func withAuth(secret []byte) echo.MiddlewareFunc {
	return runtime.EchoAuthMiddleware(secret)
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))
	return e
}

// Run wires every dependency and serves the API until the listener fails.
func Run(cfg *config.Config, addr string) error {
	e := newEcho()

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		log.Printf("[HTTP] migrations: %v", err)
	}

	ctx := context.Background()
	st, err := crm.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch, err := core.NewOrchestrator(cfg, orchLogger, tele, st, nil)
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	rdb, err := session.Connect(ctx, cfg.Storage.Redis)
	if err != nil {
		return err
	}
	sessions := session.NewStore(rdb, cfg.Storage.Redis.SessionTTL)

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(withAuth(secret))
	me.GET("", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"user_id": c.Get("user_id").(string)})
	})

	ch := &ChatHandler{
		Orch:     orch,
		Sessions: sessions,
		Logger:   log.New(log.Writer(), "[CHAT] ", log.LstdFlags),
	}
	ch.Register(api.Group("/chat"), secret)

	if cfg.Scheduler.Enabled {
		sched := NewScheduler(st, rdb, cfg.Scheduler)
		sched.Start()
		defer sched.Shutdown()
	}

	if addr == "" {
		addr = cfg.Server.Address
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10010"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
