package monitor

import (
	"context"

	"github.com/opst/jobrunner/pkg/cluster"
	"github.com/opst/jobrunner/pkg/jobs"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
)

const (
	MessageMemory        = "Tool failed due to insufficient memory. Try with more memory."
	MessageWalltime      = "Job was active longer than specified deadline"
	MessagePodRetries    = "More pods failed than allowed. See stdout for pods details."
	MessageUnschedulable = "Job was unschedulable longer than specified deadline"

	lineMemory     = "Job killed after running out of memory. Try with more memory.\n"
	lineWalltime   = "DeadlineExceeded"
	linePodRetries = "Exceeded max number of Kubernetes pod retries allowed for job\n"

	reasonOOMKilled        = "OOMKilled"
	reasonDeadlineExceeded = "DeadlineExceeded"
)

// Status is what the monitor reads from a Job.
type Status struct {
	// false when the control plane has not reported on the Job yet.
	Populated bool

	Succeeded int32
	Active    int32
	Failed    int32

	// the Job has a Failed condition because of its active deadline.
	DeadlineExceeded bool
}

func Observe(job *kubebatch.Job) Status {
	s := job.Status
	st := Status{
		Populated: 0 < s.Succeeded || 0 < s.Active || 0 < s.Failed || 0 < len(s.Conditions),
		Succeeded: s.Succeeded,
		Active:    s.Active,
		Failed:    s.Failed,
	}
	for _, c := range s.Conditions {
		if c.Type == kubebatch.JobFailed && c.Reason == reasonDeadlineExceeded {
			st.DeadlineExceeded = true
		}
	}
	return st
}

func (m *Monitor) firstPod(ctx context.Context, handle jobs.ClusterJobHandle) (*kubecore.Pod, error) {
	pods, err := m.client.FindPods(ctx, m.namespace, cluster.PodSelector(handle.String()))
	if err != nil {
		return nil, err
	}
	if len(pods) == 0 {
		return nil, nil
	}
	return &pods[0], nil
}

// unschedulable tells the pod of the Job is pending because no nodes can take it.
func (m *Monitor) unschedulable(ctx context.Context, handle jobs.ClusterJobHandle) (bool, error) {
	pod, err := m.firstPod(ctx, handle)
	if err != nil || pod == nil {
		return false, err
	}
	return IsUnschedulable(pod), nil
}

func IsUnschedulable(pod *kubecore.Pod) bool {
	if pod.Status.Phase != kubecore.PodPending {
		return false
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == kubecore.PodScheduled &&
			c.Status == kubecore.ConditionFalse &&
			c.Reason == kubecore.PodReasonUnschedulable {
			return true
		}
	}
	return false
}

func IsOOMKilled(pod *kubecore.Pod) bool {
	if pod.Status.Phase != kubecore.PodFailed || len(pod.Status.ContainerStatuses) == 0 {
		return false
	}
	term := pod.Status.ContainerStatuses[0].State.Terminated
	return term != nil && term.Reason == reasonOOMKilled
}

// classify finds why the job failed, and finalizes it.
//
// Out-of-memory is checked first, then walltime.
// Otherwise, it is taken as that pods failed more than allowed.
func (m *Monitor) classify(ctx context.Context, state jobs.JobTrackingState, job *kubebatch.Job, st Status) *jobs.JobTrackingState {
	pod, err := m.firstPod(ctx, state.Handle)
	if err != nil {
		m.logger.Printf("job %s (%s): failed to inspect pods: %+v", state.JobId, state.Handle, err)
	}

	switch {
	case pod != nil && IsOOMKilled(pod):
		return m.fail(ctx, state, job, jobs.MemoryLimitExceeded, MessageMemory, lineMemory)
	case st.DeadlineExceeded:
		return m.fail(ctx, state, job, jobs.WalltimeExceeded, MessageWalltime, lineWalltime)
	default:
		return m.fail(ctx, state, job, jobs.PodRetriesExhausted, MessagePodRetries, linePodRetries)
	}
}
