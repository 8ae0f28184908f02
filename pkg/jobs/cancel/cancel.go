// Package cancel stops jobs on behalf of users.
package cancel

import (
	"context"
	"log"

	"github.com/opst/jobrunner/pkg/cluster"
	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/opst/jobrunner/pkg/jobs/manifest"
	"github.com/opst/jobrunner/pkg/jobs/monitor"
)

type Canceller struct {
	logger    *log.Logger
	client    cluster.K8sClient
	namespace string
	prefix    string
	cleaner   monitor.Cleaner
}

func New(logger *log.Logger, client cluster.K8sClient, namespace string, prefix string, cleaner monitor.Cleaner) *Canceller {
	return &Canceller{
		logger:    logger,
		client:    client,
		namespace: namespace,
		prefix:    prefix,
		cleaner:   cleaner,
	}
}

// Cancel cleans up the Job of the handle, and its exposure when hasGuestPorts.
//
// A Job already gone is not an error. Errors are logged, and not returned;
// the monitor notices the cancelled job by its stage, and stops watching it.
//
// Cancelling a job again does nothing harmful.
func (c *Canceller) Cancel(ctx context.Context, handle jobs.ClusterJobHandle, jobId string, hasGuestPorts bool) {
	if handle == "" {
		c.logger.Printf("job %s: not submitted yet. nothing to cancel", jobId)
		return
	}

	found, err := c.client.FindJobs(ctx, c.namespace, cluster.JobSelector(c.prefix), handle.String())
	if err != nil {
		c.logger.Printf("job %s (%s): failed to find job to be cancelled: %+v", jobId, handle, err)
		return
	}
	if len(found) == 0 {
		c.logger.Printf("job %s (%s): could not find job to be cancelled", jobId, handle)
		return
	}

	exposure := ""
	if hasGuestPorts {
		exposure = manifest.ExposureName(c.prefix, jobId)
	}
	for nth := range found {
		job := &found[nth]
		if err := c.cleaner.Cleanup(ctx, job, exposure, job.Status.Failed == 0); err != nil {
			c.logger.Printf("job %s (%s): could not clean up cancelled job. ignoring: %+v", jobId, handle, err)
		}
	}
}
