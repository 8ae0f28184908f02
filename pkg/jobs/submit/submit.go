// Package submit creates Jobs, and Services and Ingresses exposing their guest ports, in the cluster.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/opst/jobrunner/pkg/cluster"
	xe "github.com/opst/jobrunner/pkg/errors"
	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/opst/jobrunner/pkg/jobs/manifest"
)

const (
	MessageExposureFailed = "Kubernetes failed to export tool ports as services."
	MessageJobFailed      = "Kubernetes failed to create job."
)

// SubmissionError tells that a job could not be submitted.
//
// It is terminal: the job has been marked failed already.
type SubmissionError struct {
	JobId   string
	Message string
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("job %s: %s: %v", e.JobId, e.Message, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

var ErrEmptyName = errors.New("created job has no name")

type Submitter struct {
	logger      *log.Logger
	client      cluster.K8sClient
	builder     *manifest.Builder
	namespace   string
	entryPoints jobs.EntryPoints
	lifecycle   jobs.Lifecycle
}

func New(
	logger *log.Logger,
	client cluster.K8sClient,
	builder *manifest.Builder,
	namespace string,
	entryPoints jobs.EntryPoints,
	lifecycle jobs.Lifecycle,
) *Submitter {
	return &Submitter{
		logger:      logger,
		client:      client,
		builder:     builder,
		namespace:   namespace,
		entryPoints: entryPoints,
		lifecycle:   lifecycle,
	}
}

// Submit creates the Job for the request in the cluster.
//
// When the request has guest ports, entry points are configured
// and a Service and an Ingress are created before the Job.
//
// # Returns
//
// - jobs.JobTrackingState: the state to be watched. Its Handle is the name of the created Job.
//
// - error: *SubmissionError. The job is marked failed already, and should not be watched.
func (s *Submitter) Submit(ctx context.Context, req jobs.JobRequest) (jobs.JobTrackingState, error) {
	eps := []jobs.EntryPoint{}
	if req.HasGuestPorts() {
		var err error
		if eps, err = s.expose(ctx, req); err != nil {
			return jobs.JobTrackingState{}, s.fail(ctx, req, MessageExposureFailed, err)
		}
	}

	job, err := s.builder.Job(req, eps)
	if err != nil {
		s.undoExposure(ctx, req)
		return jobs.JobTrackingState{}, s.fail(ctx, req, MessageJobFailed, err)
	}

	created, err := s.client.CreateJob(ctx, s.namespace, job)
	if err == nil && (created == nil || created.Name == "") {
		err = ErrEmptyName
	}
	if err != nil {
		s.undoExposure(ctx, req)
		return jobs.JobTrackingState{}, s.fail(ctx, req, MessageJobFailed, err)
	}

	handle := jobs.ClusterJobHandle(created.Name)
	s.logger.Printf("job %s is submitted as %s", req.JobId, handle)

	if err := s.lifecycle.SetExternalId(ctx, req.JobId, handle); err != nil {
		// the job is running anyway. It can not be recovered after restart.
		s.logger.Printf("job %s: failed to persist external id %s: %+v", req.JobId, handle, err)
	}

	return req.TrackingState(handle), nil
}

func (s *Submitter) expose(ctx context.Context, req jobs.JobRequest) ([]jobs.EntryPoint, error) {
	if err := s.entryPoints.Configure(ctx, req.JobId, req.GuestPorts); err != nil {
		s.forget(req.JobId)
		return nil, xe.WrapWithNote("configuring entry points", err)
	}
	eps, err := s.entryPoints.EntryPoints(ctx, req.JobId)
	if err != nil {
		s.forget(req.JobId)
		return nil, xe.WrapWithNote("reading entry points", err)
	}

	if _, err := s.client.CreateService(ctx, s.namespace, s.builder.Service(req)); err != nil {
		s.undoExposure(ctx, req)
		return nil, xe.WrapWithNote("creating service", err)
	}

	ing, warnings := s.builder.Ingress(req, eps)
	for _, w := range warnings {
		s.logger.Printf("[warning] job %s: %s", req.JobId, w)
	}
	if _, err := s.client.CreateIngress(ctx, s.namespace, ing); err != nil {
		s.undoExposure(ctx, req)
		return nil, xe.WrapWithNote("creating ingress", err)
	}
	return eps, nil
}

type forgetter interface {
	Forget(jobId string)
}

func (s *Submitter) forget(jobId string) {
	if f, ok := s.entryPoints.(forgetter); ok {
		f.Forget(jobId)
	}
}

// undoExposure deletes the Service and the Ingress of the failed submission in best effort,
// and forgets its entry points.
func (s *Submitter) undoExposure(ctx context.Context, req jobs.JobRequest) {
	if !req.HasGuestPorts() {
		return
	}
	name := s.builder.ExposureName(req.JobId)
	if err := s.client.DeleteIngress(ctx, s.namespace, name); err != nil && !errors.Is(err, cluster.ErrMissing) {
		s.logger.Printf("job %s: failed to delete ingress %s: %+v", req.JobId, name, err)
	}
	if err := s.client.DeleteService(ctx, s.namespace, name); err != nil && !errors.Is(err, cluster.ErrMissing) {
		s.logger.Printf("job %s: failed to delete service %s: %+v", req.JobId, name, err)
	}
	s.forget(req.JobId)
}

func (s *Submitter) fail(ctx context.Context, req jobs.JobRequest, message string, cause error) error {
	s.logger.Printf("job %s: %s: %+v", req.JobId, message, cause)

	if err := jobs.AppendErrorFile(req.ErrorFile, message+"\n"); err != nil {
		s.logger.Printf("job %s: failed to write error file: %+v", req.JobId, err)
	}

	state := req.TrackingState("")
	state.Reason = jobs.UnknownError
	state.FailMessage = message
	if err := s.lifecycle.MarkFailed(ctx, state); err != nil {
		s.logger.Printf("job %s: failed to mark failed: %+v", req.JobId, err)
	}

	return &SubmissionError{JobId: req.JobId, Message: message, Err: cause}
}
