package orchestrator

import (
	"context"
	"log"

	"github.com/opst/jobrunner/pkg/hook"
	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/opst/jobrunner/pkg/jobs/monitor"
	"github.com/opst/jobrunner/pkg/metrics"
	kubebatch "k8s.io/api/batch/v1"
)

// Event is the payload of lifecycle hooks.
type Event struct {
	JobId  string                `json:"jobId"`
	Handle jobs.ClusterJobHandle `json:"handle,omitempty"`
	Stage  jobs.Stage            `json:"stage"`

	Reason      jobs.FailureReason `json:"reason,omitempty"`
	FailMessage string             `json:"failMessage,omitempty"`

	// Request is set for before hooks only.
	Request *jobs.JobRequest `json:"request,omitempty"`
}

// Hook is fired before submissions and after finalizations.
type Hook = hook.Hook[Event, struct{}]

func requested(req jobs.JobRequest) Event {
	return Event{JobId: req.JobId, Stage: jobs.Queued, Request: &req}
}

func finalized(state jobs.JobTrackingState, stage jobs.Stage) Event {
	return Event{
		JobId:       state.JobId,
		Handle:      state.Handle,
		Stage:       stage,
		Reason:      state.Reason,
		FailMessage: state.FailMessage,
	}
}

type forgetter interface {
	Forget(jobId string)
}

// notifying is a jobs.Lifecycle telling finalizations to hooks and metrics.
//
// Finalizations of jobs already in terminal stages are not told.
type notifying struct {
	jobs.Lifecycle
	logger      *log.Logger
	hooks       Hook
	metrics     *metrics.Metrics
	entryPoints jobs.EntryPoints
}

func (n *notifying) finalizable(ctx context.Context, jobId string) bool {
	stage, err := n.Lifecycle.Stage(ctx, jobId)
	if err != nil {
		n.logger.Printf("job %s: failed to read stage: %+v", jobId, err)
		return true
	}
	return !stage.Terminal()
}

func (n *notifying) MarkFinished(ctx context.Context, state jobs.JobTrackingState) error {
	tell := n.finalizable(ctx, state.JobId)
	if err := n.Lifecycle.MarkFinished(ctx, state); err != nil {
		return err
	}
	if tell {
		n.metrics.Finished()
		n.after(ctx, finalized(state, jobs.Ok))
	}
	return nil
}

func (n *notifying) MarkFailed(ctx context.Context, state jobs.JobTrackingState) error {
	tell := n.finalizable(ctx, state.JobId)
	if err := n.Lifecycle.MarkFailed(ctx, state); err != nil {
		return err
	}
	if tell {
		n.metrics.Failed(state.Reason)
		n.after(ctx, finalized(state, jobs.Error))
	}
	return nil
}

func (n *notifying) after(ctx context.Context, ev Event) {
	n.forget(ev.JobId)
	if err := n.hooks.After(ctx, ev); err != nil {
		n.logger.Printf("job %s: after hook failed. ignoring: %+v", ev.JobId, err)
	}
}

func (n *notifying) forget(jobId string) {
	if f, ok := n.entryPoints.(forgetter); ok {
		f.Forget(jobId)
	}
}

// counting is a monitor.Cleaner counting its errors.
type counting struct {
	monitor.Cleaner
	metrics *metrics.Metrics
}

func (c *counting) Cleanup(ctx context.Context, job *kubebatch.Job, exposureName string, succeeded bool) error {
	err := c.Cleaner.Cleanup(ctx, job, exposureName, succeeded)
	if err != nil {
		c.metrics.CleanupFailed()
	}
	return err
}
