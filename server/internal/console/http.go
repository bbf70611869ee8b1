package console

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"vci/server/internal/session"
)

// HTTPStatus is a small, separate Echo application exposing the session
// layer's health and counters over HTTP — the monitoring-tool analogue of
// the operator console's netstat command, for dashboards that would rather
// poll JSON than scrape a terminal.
type HTTPStatus struct {
	echo   *echo.Echo
	server *session.Server
}

// NewHTTPStatus constructs the status app. Nothing is served until Run is
// called.
func NewHTTPStatus(server *session.Server) *HTTPStatus {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	h := &HTTPStatus{echo: e, server: server}
	e.GET("/status", h.handleStatus)
	e.GET("/metrics", h.handleMetrics)
	return h
}

// Echo exposes the underlying Echo instance for tests.
func (h *HTTPStatus) Echo() *echo.Echo {
	return h.echo
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			slog.Debug("console http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

// Run starts the status app on addr and blocks until ctx is cancelled or
// startup fails.
func (h *HTTPStatus) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := h.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.echo.Shutdown(shutCtx)
		return nil
	}
}

type statusResponse struct {
	ServerName string `json:"server_name"`
	Clients    int    `json:"clients"`
	UptimeSecs int64  `json:"uptime_secs"`
}

func (h *HTTPStatus) handleStatus(c echo.Context) error {
	var stat session.NetStat
	h.server.RunOnLoop(func() { stat = h.server.Stat() })
	return c.JSON(http.StatusOK, statusResponse{
		ServerName: stat.ServerName,
		Clients:    stat.ClientCount,
		UptimeSecs: int64(stat.Uptime.Seconds()),
	})
}

type metricsResponse struct {
	DispatchQueueDepth int    `json:"dispatch_queue_depth"`
	DatagramsIn        uint64 `json:"datagrams_in"`
	DatagramsOut       uint64 `json:"datagrams_out"`
}

func (h *HTTPStatus) handleMetrics(c echo.Context) error {
	var stat session.NetStat
	h.server.RunOnLoop(func() { stat = h.server.Stat() })
	return c.JSON(http.StatusOK, metricsResponse{
		DispatchQueueDepth: stat.DispatchQueue,
		DatagramsIn:        stat.DatagramsIn,
		DatagramsOut:       stat.DatagramsOut,
	})
}
