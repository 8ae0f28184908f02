package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	apierr "github.com/opst/jobrunner/pkg/api/errors"
	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/opst/jobrunner/pkg/utils"
)

// Jobs is what the handlers operate.
type Jobs interface {
	Submit(ctx context.Context, req jobs.JobRequest) (jobs.Record, error)
	Cancel(ctx context.Context, jobId string) error
	Stop(ctx context.Context, jobId string) error
	Get(ctx context.Context, jobId string) (jobs.Record, error)
	List(ctx context.Context) ([]jobs.Record, error)
	Watching() []jobs.JobTrackingState
}

func SubmitJobHandler(o Jobs) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := new(jobs.JobRequest)
		if err := c.Bind(req); err != nil {
			return apierr.BadRequest("request body should be a job in JSON", err)
		}
		if req.JobId == "" {
			return apierr.BadRequest(`"jobId" is required`, nil)
		}
		if req.JobFile == "" {
			return apierr.BadRequest(`"jobFile" is required`, nil)
		}

		rec, err := o.Submit(c.Request().Context(), *req)
		if err != nil {
			if errors.Is(err, jobs.ErrJobConflict) {
				return apierr.Conflict("job id is used already", apierr.WithError(err))
			}
			return apierr.InternalServerError(err)
		}
		return c.JSON(http.StatusAccepted, rec)
	}
}

func GetJobHandler(o Jobs, paramJobId string) echo.HandlerFunc {
	return func(c echo.Context) error {
		rec, err := o.Get(c.Request().Context(), c.Param(paramJobId))
		if err != nil {
			if errors.Is(err, jobs.ErrJobNotFound) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}
		return c.JSON(http.StatusOK, rec)
	}
}

// ListJobsHandler lists jobs, optionally filtered by query "stage" (comma separated).
func ListJobsHandler(o Jobs) echo.HandlerFunc {
	return func(c echo.Context) error {
		stages := map[jobs.Stage]bool{}
		for _, s := range strings.Split(c.QueryParam("stage"), ",") {
			if s = strings.TrimSpace(s); s != "" {
				stages[jobs.Stage(s)] = true
			}
		}

		recs, err := o.List(c.Request().Context())
		if err != nil {
			return apierr.InternalServerError(err)
		}
		if 0 < len(stages) {
			recs = utils.Filter(recs, func(r jobs.Record) bool { return stages[r.Stage] })
		} else if recs == nil {
			recs = []jobs.Record{}
		}
		return c.JSON(http.StatusOK, recs)
	}
}

// CancelJobHandler deletes the job. Cancelling a finalized job succeeds doing nothing.
func CancelJobHandler(o Jobs, paramJobId string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := o.Cancel(c.Request().Context(), c.Param(paramJobId)); err != nil {
			if errors.Is(err, jobs.ErrJobNotFound) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func StopJobHandler(o Jobs, paramJobId string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := o.Stop(c.Request().Context(), c.Param(paramJobId)); err != nil {
			if errors.Is(err, jobs.ErrJobNotFound) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// WatchingHandler lists jobs being watched by the monitor.
func WatchingHandler(o Jobs) echo.HandlerFunc {
	return func(c echo.Context) error {
		states := o.Watching()
		if states == nil {
			states = []jobs.JobTrackingState{}
		}
		return c.JSON(http.StatusOK, states)
	}
}
