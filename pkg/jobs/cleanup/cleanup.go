// Package cleanup deletes cluster resources of finalized jobs, following a cleanup policy.
package cleanup

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/opst/jobrunner/pkg/cluster"
	xe "github.com/opst/jobrunner/pkg/errors"
	"github.com/opst/jobrunner/pkg/jobs"
	kubebatch "k8s.io/api/batch/v1"
)

type Cleaner struct {
	logger    *log.Logger
	client    cluster.K8sClient
	namespace string
	policy    jobs.CleanupPolicy
	timeout   time.Duration
}

func New(logger *log.Logger, client cluster.K8sClient, namespace string, policy jobs.CleanupPolicy, timeout time.Duration) *Cleaner {
	return &Cleaner{
		logger:    logger,
		client:    client,
		namespace: namespace,
		policy:    policy,
		timeout:   timeout,
	}
}

func (c *Cleaner) Policy() jobs.CleanupPolicy {
	return c.policy
}

// Cleanup stops the Job from spawning pods, and deletes it when the policy says so.
//
// When exposureName is not empty, the Service and Ingress named so are deleted first,
// as a success when the Job has no failed pods.
//
// Resources already gone are not errors.
func (c *Cleaner) Cleanup(ctx context.Context, job *kubebatch.Job, exposureName string, succeeded bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var errs []error
	if exposureName != "" {
		if err := c.CleanupExposure(ctx, exposureName, job.Status.Failed == 0); err != nil {
			errs = append(errs, err)
		}
	}

	// a Job kept by the policy should not spawn pods anymore.
	if err := c.client.ScaleJob(ctx, c.namespace, job.Name, 0); err != nil && !errors.Is(err, cluster.ErrMissing) {
		errs = append(errs, xe.WrapWithNote("scaling job "+job.Name, err))
	}

	if c.policy.ShouldDelete(succeeded) {
		switch err := c.client.DeleteJob(ctx, c.namespace, job.Name); {
		case err == nil:
			c.logger.Printf("job %s is deleted (policy: %s)", job.Name, c.policy)
		case errors.Is(err, cluster.ErrMissing):
			c.logger.Printf("job %s is gone already", job.Name)
		default:
			errs = append(errs, xe.WrapWithNote("deleting job "+job.Name, err))
		}
	}

	return errors.Join(errs...)
}

// CleanupExposure deletes the Ingress and Service named name when the policy says so.
func (c *Cleaner) CleanupExposure(ctx context.Context, name string, succeeded bool) error {
	if !c.policy.ShouldDelete(succeeded) {
		return nil
	}

	var errs []error
	if err := c.client.DeleteIngress(ctx, c.namespace, name); err != nil && !errors.Is(err, cluster.ErrMissing) {
		errs = append(errs, xe.WrapWithNote("deleting ingress "+name, err))
	}
	if err := c.client.DeleteService(ctx, c.namespace, name); err != nil && !errors.Is(err, cluster.ErrMissing) {
		errs = append(errs, xe.WrapWithNote("deleting service "+name, err))
	}
	return errors.Join(errs...)
}
