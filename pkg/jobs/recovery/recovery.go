// Package recovery re-attaches jobs persisted by a previous process to the monitor.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"

	xe "github.com/opst/jobrunner/pkg/errors"
	"github.com/opst/jobrunner/pkg/jobs"
)

var ErrNotRecoverable = errors.New("job is not recoverable")

// Queue accepts recovered jobs.
type Queue interface {
	// Watch hands the state to the monitor, without submitting it.
	Watch(state jobs.JobTrackingState)

	// Submit enqueues the request to be submitted.
	Submit(req jobs.JobRequest)
}

// Source lists persisted jobs to be recovered.
type Source interface {
	Recoverable(ctx context.Context) ([]jobs.Record, error)
}

type Recoverer struct {
	logger *log.Logger
	queue  Queue
}

func New(logger *log.Logger, queue Queue) *Recoverer {
	return &Recoverer{logger: logger, queue: queue}
}

// Recover resumes the job of the record.
//
// A job having external id is watched again: as running in Running or Stopped stage,
// as not running in Queued stage.
// A job without external id has not been submitted, and is submitted again.
//
// # Returns
//
// - error: ErrNotRecoverable when the record is in other stages.
func (r *Recoverer) Recover(ctx context.Context, rec jobs.Record) error {
	if !rec.Stage.Recoverable() {
		return fmt.Errorf("%w: %s is %s", ErrNotRecoverable, rec.Request.JobId, rec.Stage)
	}

	if rec.ExternalId == "" {
		r.logger.Printf("job %s: no external id. submitting again", rec.Request.JobId)
		r.queue.Submit(rec.Request)
		return nil
	}

	state := rec.Request.TrackingState(rec.ExternalId)
	state.Stage = rec.Stage
	state.Running = rec.Stage == jobs.Running || rec.Stage == jobs.Stopped

	r.logger.Printf("job %s (%s): recovered in stage %s", state.JobId, state.Handle, state.Stage)
	r.queue.Watch(state)
	return nil
}

// RecoverAll recovers every recoverable job in the source.
//
// Jobs which can not be recovered are logged and skipped.
//
// # Returns
//
// - int: the number of recovered jobs.
func (r *Recoverer) RecoverAll(ctx context.Context, source Source) (int, error) {
	records, err := source.Recoverable(ctx)
	if err != nil {
		return 0, xe.WrapWithNote("listing recoverable jobs", err)
	}

	count := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if err := r.Recover(ctx, rec); err != nil {
			r.logger.Printf("job %s: skipped: %+v", rec.Request.JobId, err)
			continue
		}
		count += 1
	}
	return count, nil
}
