// Package monitor advances jobs being watched, by reading their status from the cluster.
//
// Polling is level-triggered: each poll re-derives the state from counters of the Job,
// and does not trust what was seen before.
package monitor

import (
	"context"
	"log"
	"time"

	"github.com/opst/jobrunner/pkg/cluster"
	"github.com/opst/jobrunner/pkg/configs/runner"
	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/opst/jobrunner/pkg/jobs/manifest"
	kubebatch "k8s.io/api/batch/v1"
)

const (
	MessageLost         = "Job was lost: no Kubernetes Job is found for it."
	MessageInconsistent = "More than one Kubernetes Job is found for the job. Possible configuration error."
)

// Cleaner deletes resources of a finalized job.
type Cleaner interface {
	// Cleanup deletes the Job, and the Service and Ingress named exposureName when it is not empty.
	Cleanup(ctx context.Context, job *kubebatch.Job, exposureName string, succeeded bool) error
}

type Monitor struct {
	logger    *log.Logger
	client    cluster.K8sClient
	namespace string
	prefix    string
	conf      *runner.JobConfig
	lifecycle jobs.Lifecycle
	cleaner   Cleaner
	now       func() time.Time
}

type Option func(*Monitor) *Monitor

// WithClock replaces the clock used to measure elapsed time of jobs.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) *Monitor {
		m.now = now
		return m
	}
}

func New(
	logger *log.Logger,
	client cluster.K8sClient,
	conf *runner.RunnerConfig,
	lifecycle jobs.Lifecycle,
	cleaner Cleaner,
	options ...Option,
) *Monitor {
	m := &Monitor{
		logger:    logger,
		client:    client,
		namespace: conf.Cluster().Namespace(),
		prefix:    conf.Cluster().JobPrefix(),
		conf:      conf.Job(),
		lifecycle: lifecycle,
		cleaner:   cleaner,
		now:       time.Now,
	}
	for _, opt := range options {
		m = opt(m)
	}
	return m
}

// PollOnce reads the Job of the state and advances the state.
//
// # Returns
//
// - *jobs.JobTrackingState: the state to be watched in the next cycle,
// or nil when the job is finalized and should not be watched anymore.
//
// Errors in polling are logged. Transient ones keep the state as it is, to be polled again.
func (m *Monitor) PollOnce(ctx context.Context, state jobs.JobTrackingState) *jobs.JobTrackingState {
	found, err := m.client.FindJobs(ctx, m.namespace, cluster.JobSelector(m.prefix), state.Handle.String())
	if err != nil {
		m.logger.Printf("job %s (%s): failed to find job: %+v", state.JobId, state.Handle, err)
		return &state
	}

	if stage, err := m.lifecycle.Stage(ctx, state.JobId); err != nil {
		m.logger.Printf("job %s (%s): failed to read stage, assuming %s: %+v", state.JobId, state.Handle, state.Stage, err)
	} else {
		state.Stage = stage
	}

	switch len(found) {
	case 1:
	case 0:
		if state.Stage == jobs.Deleted {
			// cancelled, and the Job has gone.
			m.cleanupWorkspace(ctx, state)
			return nil
		}
		m.logger.Printf("job %s (%s): no Jobs are found", state.JobId, state.Handle)
		return m.fail(ctx, state, nil, jobs.JobLost, MessageLost, MessageLost+"\n")
	default:
		m.logger.Printf("job %s (%s): %d Jobs are found", state.JobId, state.Handle, len(found))
		return m.fail(ctx, state, nil, jobs.Inconsistent, MessageInconsistent, MessageInconsistent+"\n")
	}

	job := &found[0]
	st := Observe(job)
	if !st.Populated {
		return &state
	}
	state.FailCount = int(st.Failed)

	if 0 < st.Succeeded || state.Stage == jobs.Stopped {
		return m.finish(ctx, state, job)
	}

	if 0 < st.Active && st.Failed <= int32(m.conf.PodRetriesFor(state.MaxPodRetries)) {
		if state.Running {
			return &state
		}
		unschedulable, err := m.unschedulable(ctx, state.Handle)
		if err != nil {
			m.logger.Printf("job %s (%s): failed to inspect pods: %+v", state.JobId, state.Handle, err)
			return &state
		}
		if unschedulable {
			if limit := m.conf.UnschedulableWalltime(); 0 < limit && limit < m.elapsedSeconds(job) {
				return m.fail(
					ctx, state, job,
					jobs.UnschedulableTimeout, MessageUnschedulable, MessageUnschedulable+"\n",
				)
			}
			return &state
		}

		state.Running = true
		if err := m.lifecycle.ChangeStage(ctx, state.JobId, jobs.Running); err != nil {
			m.logger.Printf("job %s (%s): failed to change stage: %+v", state.JobId, state.Handle, err)
		} else {
			state.Stage = jobs.Running
		}
		return &state
	}

	if state.Stage == jobs.Deleted {
		// cancelled, but the Job is not gone yet.
		m.cleanupWorkspace(ctx, state)
		return nil
	}

	return m.classify(ctx, state, job, st)
}

// elapsed seconds since the Job is created, measured in UTC.
func (m *Monitor) elapsedSeconds(job *kubebatch.Job) int64 {
	created := job.CreationTimestamp.Time.UTC()
	return int64(m.now().UTC().Sub(created) / time.Second)
}

func (m *Monitor) exposureName(state jobs.JobTrackingState) string {
	if !state.HasGuestPorts {
		return ""
	}
	return manifest.ExposureName(m.prefix, state.JobId)
}

func (m *Monitor) cleanup(ctx context.Context, state jobs.JobTrackingState, job *kubebatch.Job, succeeded bool) {
	if job == nil {
		return
	}
	if err := m.cleaner.Cleanup(ctx, job, m.exposureName(state), succeeded); err != nil {
		m.logger.Printf("job %s (%s): could not clean up. ignoring: %+v", state.JobId, state.Handle, err)
	}
}

func (m *Monitor) cleanupWorkspace(ctx context.Context, state jobs.JobTrackingState) {
	if m.conf.Cleanup().KeepsWorkspace() {
		return
	}
	if err := m.lifecycle.Cleanup(ctx, state.JobId); err != nil {
		m.logger.Printf("job %s (%s): failed to clean up workspace: %+v", state.JobId, state.Handle, err)
	}
}

func (m *Monitor) finish(ctx context.Context, state jobs.JobTrackingState, job *kubebatch.Job) *jobs.JobTrackingState {
	state.Running = false
	m.cleanup(ctx, state, job, true)
	if err := m.lifecycle.MarkFinished(ctx, state); err != nil {
		m.logger.Printf("job %s (%s): failed to mark finished: %+v", state.JobId, state.Handle, err)
	}
	m.logger.Printf("job %s (%s): finished", state.JobId, state.Handle)
	return nil
}

// fail finalizes the job as failure.
//
// line is appended to the error file. The Job is cleaned up when it is not nil.
func (m *Monitor) fail(
	ctx context.Context, state jobs.JobTrackingState, job *kubebatch.Job,
	reason jobs.FailureReason, message string, line string,
) *jobs.JobTrackingState {
	if err := jobs.AppendErrorFile(state.ErrorFile, line); err != nil {
		m.logger.Printf("job %s (%s): failed to write error file: %+v", state.JobId, state.Handle, err)
	}

	state.Running = false
	state.Reason = reason
	state.FailMessage = message

	m.cleanup(ctx, state, job, false)
	if err := m.lifecycle.MarkFailed(ctx, state); err != nil {
		m.logger.Printf("job %s (%s): failed to mark failed: %+v", state.JobId, state.Handle, err)
	}
	m.logger.Printf("job %s (%s): failed (%s)", state.JobId, state.Handle, reason)
	return nil
}
