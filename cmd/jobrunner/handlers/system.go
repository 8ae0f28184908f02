package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	apierr "github.com/opst/jobrunner/pkg/api/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger tells whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler responds 200 when all of pingers are reachable, and 503 otherwise.
func HealthHandler(pingers ...Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		for _, p := range pingers {
			if err := p.Ping(c.Request().Context()); err != nil {
				return apierr.ServiceUnavailable("backend is not reachable", err)
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

// MetricsHandler exposes metrics gathered from g.
func MetricsHandler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
