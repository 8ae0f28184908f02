// Package handlers is the HTTP surface of the job runner.
package handlers

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Route registers handlers to e.
func Route(e *echo.Echo, o Jobs, g prometheus.Gatherer, pingers ...Pinger) {
	jobId := "jobId"
	e.POST("/api/jobs", SubmitJobHandler(o))
	e.GET("/api/jobs", ListJobsHandler(o))
	e.GET("/api/jobs/:jobId", GetJobHandler(o, jobId))
	e.DELETE("/api/jobs/:jobId", CancelJobHandler(o, jobId))
	e.PUT("/api/jobs/:jobId/stop", StopJobHandler(o, jobId))
	e.GET("/api/watching", WatchingHandler(o))

	e.GET("/metrics", MetricsHandler(g))
	e.GET("/healthz", HealthHandler(pingers...))
}
