// Package orchestrator runs jobs in the cluster: it submits them asynchronously,
// watches them until they are finalized, and cancels or recovers them on request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/opst/jobrunner/pkg/asyncrunner"
	"github.com/opst/jobrunner/pkg/cluster"
	"github.com/opst/jobrunner/pkg/configs/runner"
	xe "github.com/opst/jobrunner/pkg/errors"
	"github.com/opst/jobrunner/pkg/hook"
	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/opst/jobrunner/pkg/jobs/cancel"
	"github.com/opst/jobrunner/pkg/jobs/cleanup"
	"github.com/opst/jobrunner/pkg/jobs/manifest"
	"github.com/opst/jobrunner/pkg/jobs/monitor"
	"github.com/opst/jobrunner/pkg/jobs/recovery"
	"github.com/opst/jobrunner/pkg/jobs/submit"
	"github.com/opst/jobrunner/pkg/metrics"
)

const MessageRejected = "Job was rejected by a before hook."

// ErrNotQueued tells that a job leaves Queued stage before it is submitted.
var ErrNotQueued = errors.New("job is not queued")

type Orchestrator struct {
	logger      *log.Logger
	store       jobs.JobStore
	lifecycle   jobs.Lifecycle
	hooks       Hook
	metrics     *metrics.Metrics
	submitter   *submit.Submitter
	monitor     *monitor.Monitor
	canceller   *cancel.Canceller
	recoverer   *recovery.Recoverer
	runner      *asyncrunner.Runner[jobs.JobRequest, jobs.JobTrackingState]
	entryPoints jobs.EntryPoints

	keepsWorkspace bool
}

type Option func(*options) *options

type options struct {
	hooks          Hook
	metrics        *metrics.Metrics
	monitorOptions []monitor.Option
	runnerOptions  []asyncrunner.Option
}

// WithHooks sets hooks fired before submissions and after finalizations.
func WithHooks(h Hook) Option {
	return func(o *options) *options {
		o.hooks = h
		return o
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) *options {
		o.metrics = m
		return o
	}
}

func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(o *options) *options {
		o.monitorOptions = append(o.monitorOptions, opts...)
		return o
	}
}

// WithRunnerOptions overrides options derived from the configuration.
func WithRunnerOptions(opts ...asyncrunner.Option) Option {
	return func(o *options) *options {
		o.runnerOptions = append(o.runnerOptions, opts...)
		return o
	}
}

type loggerOption func(*log.Logger) *log.Logger

func byLogger(l *log.Logger, opt ...loggerOption) *log.Logger {
	for _, o := range opt {
		l = o(l)
	}
	return l
}

func copied() loggerOption {
	return func(l *log.Logger) *log.Logger {
		return log.New(l.Writer(), l.Prefix(), l.Flags())
	}
}

func withPrefix(pre string) loggerOption {
	return func(l *log.Logger) *log.Logger {
		l.SetPrefix(l.Prefix() + pre)
		return l
	}
}

func New(
	logger *log.Logger,
	conf *runner.RunnerConfig,
	client cluster.K8sClient,
	store jobs.JobStore,
	entryPoints jobs.EntryPoints,
	opts ...Option,
) *Orchestrator {
	oc := &options{hooks: hook.None[Event]{}}
	for _, opt := range opts {
		oc = opt(oc)
	}

	namespace := conf.Cluster().Namespace()

	lifecycle := &notifying{
		Lifecycle:   store,
		logger:      byLogger(logger, copied(), withPrefix("[hook] ")),
		hooks:       oc.hooks,
		metrics:     oc.metrics,
		entryPoints: entryPoints,
	}
	cleaner := &counting{
		Cleaner: cleanup.New(
			byLogger(logger, copied(), withPrefix("[cleanup] ")),
			client, namespace, conf.Job().Cleanup(), conf.Job().DeletionTimeout(),
		),
		metrics: oc.metrics,
	}

	o := &Orchestrator{
		logger:      logger,
		store:       store,
		lifecycle:   lifecycle,
		hooks:       oc.hooks,
		metrics:     oc.metrics,
		entryPoints: entryPoints,

		keepsWorkspace: conf.Job().Cleanup().KeepsWorkspace(),

		submitter: submit.New(
			byLogger(logger, copied(), withPrefix("[submit] ")),
			client, manifest.New(conf), namespace, entryPoints, lifecycle,
		),
		monitor: monitor.New(
			byLogger(logger, copied(), withPrefix("[monitor] ")),
			client, conf, lifecycle, cleaner, oc.monitorOptions...,
		),
		canceller: cancel.New(
			byLogger(logger, copied(), withPrefix("[cancel] ")),
			client, namespace, conf.Cluster().JobPrefix(), cleaner,
		),
	}

	runnerOptions := append(
		[]asyncrunner.Option{
			asyncrunner.WithWorkers(conf.Workers()),
			asyncrunner.WithInterval(conf.Monitor().Interval()),
			asyncrunner.WithPollTimeout(conf.Monitor().PollTimeout()),
			asyncrunner.WithObserver(oc.metrics.Cycle),
		},
		oc.runnerOptions...,
	)
	o.runner = asyncrunner.New(
		byLogger(logger, copied(), withPrefix("[runner] ")),
		asyncrunner.Capability[jobs.JobRequest, jobs.JobTrackingState](capability{o: o}),
		runnerOptions...,
	)
	o.recoverer = recovery.New(byLogger(logger, copied(), withPrefix("[recovery] ")), o.runner)
	return o
}

// Start runs submission workers and the monitor loop, until ctx is done.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.runner.Start(ctx)
}

// Submit registers the job, and queues it to be submitted. It does not wait for the submission.
//
// # Returns
//
// - error: jobs.ErrJobConflict when the job id is used.
func (o *Orchestrator) Submit(ctx context.Context, req jobs.JobRequest) (jobs.Record, error) {
	rec, err := o.store.Register(ctx, req)
	if err != nil {
		return jobs.Record{}, err
	}
	o.runner.Submit(req)
	return rec, nil
}

// Cancel deletes the job on user request.
//
// Cancelling a finalized job does nothing.
//
// # Returns
//
// - error: jobs.ErrJobNotFound for unknown job id.
func (o *Orchestrator) Cancel(ctx context.Context, jobId string) error {
	rec, err := o.store.Get(ctx, jobId)
	if err != nil {
		return err
	}
	if rec.Stage.Terminal() {
		return nil
	}
	if err := o.store.ChangeStage(ctx, jobId, jobs.Deleted); err != nil {
		return xe.WrapWithNote("marking deleted", err)
	}
	o.metrics.Cancelled()

	if rec.ExternalId != "" {
		o.canceller.Cancel(ctx, rec.ExternalId, jobId, rec.Request.HasGuestPorts())
	}
	if f, ok := o.entryPoints.(forgetter); ok {
		f.Forget(jobId)
	}
	if err := o.hooks.After(ctx, Event{JobId: jobId, Handle: rec.ExternalId, Stage: jobs.Deleted}); err != nil {
		o.logger.Printf("job %s: after hook failed. ignoring: %+v", jobId, err)
	}
	return nil
}

// Stop asks the job to be finished, keeping its outputs.
//
// The monitor finalizes it as success in the next cycle.
// Stopping a finalized job does nothing.
func (o *Orchestrator) Stop(ctx context.Context, jobId string) error {
	rec, err := o.store.Get(ctx, jobId)
	if err != nil {
		return err
	}
	if rec.Stage.Terminal() || rec.Stage == jobs.Stopped {
		return nil
	}
	return o.store.ChangeStage(ctx, jobId, jobs.Stopped)
}

func (o *Orchestrator) Get(ctx context.Context, jobId string) (jobs.Record, error) {
	return o.store.Get(ctx, jobId)
}

func (o *Orchestrator) List(ctx context.Context) ([]jobs.Record, error) {
	return o.store.List(ctx)
}

// Watching returns states being watched by the monitor.
func (o *Orchestrator) Watching() []jobs.JobTrackingState {
	return o.runner.Watching()
}

// Recover resumes jobs persisted by a previous process.
//
// It should be called before Start.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	return o.recoverer.RecoverAll(ctx, o.store)
}

// capability submits and polls jobs for the runner.
type capability struct {
	o *Orchestrator
}

func (c capability) Submit(ctx context.Context, req jobs.JobRequest) (jobs.JobTrackingState, error) {
	o := c.o

	stage, err := o.lifecycle.Stage(ctx, req.JobId)
	if err != nil {
		return jobs.JobTrackingState{}, xe.WrapWithNote("reading stage", err)
	}
	switch stage {
	case jobs.Queued:
	case jobs.Stopped:
		// stopped before submission. Nothing runs in the cluster.
		state := req.TrackingState("")
		state.Stage = jobs.Stopped
		if err := o.lifecycle.MarkFinished(ctx, state); err != nil {
			o.logger.Printf("job %s: failed to mark finished: %+v", req.JobId, err)
		}
		return jobs.JobTrackingState{}, fmt.Errorf("%w: %s is %s", ErrNotQueued, req.JobId, stage)
	case jobs.Deleted:
		// cancelled before submission.
		if !o.keepsWorkspace {
			if err := o.lifecycle.Cleanup(ctx, req.JobId); err != nil {
				o.logger.Printf("job %s: failed to clean up workspace: %+v", req.JobId, err)
			}
		}
		return jobs.JobTrackingState{}, fmt.Errorf("%w: %s is %s", ErrNotQueued, req.JobId, stage)
	default:
		return jobs.JobTrackingState{}, fmt.Errorf("%w: %s is %s", ErrNotQueued, req.JobId, stage)
	}

	if _, err := o.hooks.Before(ctx, requested(req)); err != nil {
		o.metrics.SubmissionFailed()
		o.reject(ctx, req, err)
		return jobs.JobTrackingState{}, err
	}

	state, err := o.submitter.Submit(ctx, req)
	if err != nil {
		o.metrics.SubmissionFailed()
		return jobs.JobTrackingState{}, err
	}
	o.metrics.Submitted()

	if stage, err := o.lifecycle.Stage(ctx, req.JobId); err == nil && stage == jobs.Deleted {
		// cancelled while submitting.
		o.canceller.Cancel(ctx, state.Handle, req.JobId, state.HasGuestPorts)
	}
	return state, nil
}

func (c capability) PollOnce(ctx context.Context, state jobs.JobTrackingState) *jobs.JobTrackingState {
	return c.o.monitor.PollOnce(ctx, state)
}

func (o *Orchestrator) reject(ctx context.Context, req jobs.JobRequest, cause error) {
	o.logger.Printf("job %s: %s: %+v", req.JobId, MessageRejected, cause)
	if err := jobs.AppendErrorFile(req.ErrorFile, MessageRejected+"\n"); err != nil {
		o.logger.Printf("job %s: failed to write error file: %+v", req.JobId, err)
	}
	state := req.TrackingState("")
	state.Reason = jobs.UnknownError
	state.FailMessage = MessageRejected
	if err := o.lifecycle.MarkFailed(ctx, state); err != nil {
		o.logger.Printf("job %s: failed to mark failed: %+v", req.JobId, err)
	}
}
