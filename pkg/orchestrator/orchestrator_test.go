package orchestrator_test

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	ctxutil "github.com/opst/jobrunner/internal/testutils/context"
	"github.com/opst/jobrunner/pkg/asyncrunner"
	"github.com/opst/jobrunner/pkg/cluster"
	kmock "github.com/opst/jobrunner/pkg/cluster/mock"
	"github.com/opst/jobrunner/pkg/configs/runner"
	"github.com/opst/jobrunner/pkg/hook"
	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/opst/jobrunner/pkg/metrics"
	"github.com/opst/jobrunner/pkg/orchestrator"
	"github.com/opst/jobrunner/pkg/store/memory"
	"github.com/opst/jobrunner/pkg/utils/try"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// fakeCluster has at most one Job.
type fakeCluster struct {
	*kmock.MockClient

	m      sync.Mutex
	job    *kubebatch.Job
	status kubebatch.JobStatus
}

func newFakeCluster() *fakeCluster {
	c := &fakeCluster{MockClient: kmock.NewMockClient()}
	c.Impl.CreateJob = func(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
		c.m.Lock()
		defer c.m.Unlock()
		created := job.DeepCopy()
		created.Name = "jr-created"
		created.CreationTimestamp = kubeapimeta.Now()
		c.job = created
		return created, nil
	}
	c.Impl.FindJobs = func(ctx context.Context, namespace string, ls cluster.LabelSelector, name string) ([]kubebatch.Job, error) {
		c.m.Lock()
		defer c.m.Unlock()
		if c.job == nil || c.job.Name != name {
			return []kubebatch.Job{}, nil
		}
		found := c.job.DeepCopy()
		found.Status = c.status
		return []kubebatch.Job{*found}, nil
	}
	c.Impl.FindPods = func(ctx context.Context, namespace string, ls cluster.LabelSelector) ([]kubecore.Pod, error) {
		return []kubecore.Pod{{Status: kubecore.PodStatus{Phase: kubecore.PodRunning}}}, nil
	}
	c.Impl.ScaleJob = func(ctx context.Context, namespace, name string, parallelism int32) error {
		return nil
	}
	c.Impl.DeleteJob = func(ctx context.Context, namespace, name string) error {
		c.m.Lock()
		defer c.m.Unlock()
		if c.job == nil || c.job.Name != name {
			return cluster.ErrMissing
		}
		c.job = nil
		return nil
	}
	return c
}

func (c *fakeCluster) setStatus(st kubebatch.JobStatus) {
	c.m.Lock()
	defer c.m.Unlock()
	c.status = st
}

// put places a Job as if it is created by a previous process.
func (c *fakeCluster) put(name string) {
	c.m.Lock()
	defer c.m.Unlock()
	c.job = &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{Name: name, CreationTimestamp: kubeapimeta.Now()},
	}
}

type events struct {
	m      sync.Mutex
	before []orchestrator.Event
	after  []orchestrator.Event
}

func (e *events) hook(reject error) orchestrator.Hook {
	return hook.Func[orchestrator.Event, struct{}]{
		BeforeFn: func(ctx context.Context, ev orchestrator.Event) (struct{}, error) {
			e.m.Lock()
			defer e.m.Unlock()
			e.before = append(e.before, ev)
			return struct{}{}, reject
		},
		AfterFn: func(ctx context.Context, ev orchestrator.Event) error {
			e.m.Lock()
			defer e.m.Unlock()
			e.after = append(e.after, ev)
			return nil
		},
	}
}

func (e *events) afters() []orchestrator.Event {
	e.m.Lock()
	defer e.m.Unlock()
	return append([]orchestrator.Event{}, e.after...)
}

type env struct {
	cluster *fakeCluster
	store   *memory.Store
	events  *events
	reg     *prometheus.Registry

	cleanedM sync.Mutex
	cleaned  []string

	testee *orchestrator.Orchestrator
}

func setup(t *testing.T, reject error) *env {
	t.Helper()
	conf := try.To(runner.Unmarshal([]byte(`
cluster:
  namespace: jobs
job:
  defaultImage: busybox
  cleanup: always
`))).OrFatal(t)

	e := &env{cluster: newFakeCluster(), events: &events{}, reg: prometheus.NewPedanticRegistry()}
	e.store = memory.New(memory.WithWorkspaceCleaner(func(ctx context.Context, rec jobs.Record) error {
		e.cleanedM.Lock()
		defer e.cleanedM.Unlock()
		e.cleaned = append(e.cleaned, rec.Request.JobId)
		return nil
	}))

	e.testee = orchestrator.New(
		log.Default(), conf, e.cluster, e.store, nil,
		orchestrator.WithHooks(e.events.hook(reject)),
		orchestrator.WithMetrics(metrics.New(e.reg)),
		orchestrator.WithRunnerOptions(
			asyncrunner.WithInterval(5*time.Millisecond),
			asyncrunner.WithPollTimeout(time.Second),
		),
	)
	return e
}

func (e *env) cleanedUp() []string {
	e.cleanedM.Lock()
	defer e.cleanedM.Unlock()
	return append([]string{}, e.cleaned...)
}

func (e *env) start(t *testing.T) {
	t.Helper()
	ctx, cancel := ctxutil.WithTest(context.Background(), t)
	done := make(chan error, 1)
	go func() { done <- e.testee.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("orchestrator does not stop")
		}
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (e *env) stageIs(jobId string, stage jobs.Stage) func() bool {
	return func() bool {
		rec, err := e.store.Get(context.Background(), jobId)
		return err == nil && rec.Stage == stage
	}
}

func request(jobId string) jobs.JobRequest {
	return jobs.JobRequest{
		JobId:       jobId,
		Tool:        jobs.Tool{Id: "cat"},
		Shell:       "/bin/sh",
		JobFile:     "/work/job.sh",
		Destination: jobs.Destination{Id: "k8s"},
	}
}

func TestOrchestrator_Submit(t *testing.T) {
	t.Run("a submitted job runs, and is finished", func(t *testing.T) {
		ctx := context.Background()
		e := setup(t, nil)
		e.cluster.setStatus(kubebatch.JobStatus{Active: 1})
		e.start(t)

		rec, err := e.testee.Submit(ctx, request("1"))
		if err != nil {
			t.Fatal(err)
		}
		if rec.Stage != jobs.Queued {
			t.Errorf("registered as %s", rec.Stage)
		}

		eventually(t, "running", e.stageIs("1", jobs.Running))
		if got, _ := e.store.Get(ctx, "1"); got.ExternalId != "jr-created" {
			t.Errorf("external id: %s", got.ExternalId)
		}

		e.cluster.setStatus(kubebatch.JobStatus{Succeeded: 1})
		eventually(t, "finished", e.stageIs("1", jobs.Ok))
		eventually(t, "not watched", func() bool { return len(e.testee.Watching()) == 0 })

		after := e.events.afters()
		if len(after) != 1 || after[0].Stage != jobs.Ok || after[0].Handle != "jr-created" {
			t.Errorf("unexpected after hooks: %+v", after)
		}
		if n := try.To(testutil.GatherAndCount(e.reg, "jobrunner_finalized_total")).OrFatal(t); n != 1 {
			t.Errorf("finalized: %d series", n)
		}
	})

	t.Run("a job rejected by before hooks is failed without submission", func(t *testing.T) {
		ctx := context.Background()
		e := setup(t, errors.New("fake error"))
		e.start(t)

		if _, err := e.testee.Submit(ctx, request("1")); err != nil {
			t.Fatal(err)
		}
		eventually(t, "failed", e.stageIs("1", jobs.Error))

		rec := try.To(e.store.Get(ctx, "1")).OrFatal(t)
		if rec.Reason != jobs.UnknownError || rec.FailMessage != orchestrator.MessageRejected {
			t.Errorf("unexpected failure: (%s, %s)", rec.Reason, rec.FailMessage)
		}
		if e.cluster.Called.CreateJob != 0 {
			t.Errorf("job is created")
		}
		eventually(t, "after hook", func() bool { return len(e.events.afters()) == 1 })
		if after := e.events.afters(); after[0].Stage != jobs.Error || after[0].Reason != jobs.UnknownError {
			t.Errorf("unexpected after hooks: %+v", after)
		}
	})

	t.Run("a job id can not be submitted twice", func(t *testing.T) {
		ctx := context.Background()
		e := setup(t, nil)
		if _, err := e.testee.Submit(ctx, request("1")); err != nil {
			t.Fatal(err)
		}
		if _, err := e.testee.Submit(ctx, request("1")); !errors.Is(err, jobs.ErrJobConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestOrchestrator_Cancel(t *testing.T) {
	t.Run("unknown job is not found", func(t *testing.T) {
		e := setup(t, nil)
		if err := e.testee.Cancel(context.Background(), "unknown"); !errors.Is(err, jobs.ErrJobNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("a job cancelled before submission is never submitted", func(t *testing.T) {
		ctx := context.Background()
		e := setup(t, nil)
		if _, err := e.testee.Submit(ctx, request("1")); err != nil {
			t.Fatal(err)
		}
		if err := e.testee.Cancel(ctx, "1"); err != nil {
			t.Fatal(err)
		}
		e.start(t)

		eventually(t, "workspace cleaned", func() bool { return len(e.cleanedUp()) == 1 })
		if e.cluster.Called.CreateJob != 0 {
			t.Errorf("cancelled job is submitted")
		}
		if rec := try.To(e.store.Get(ctx, "1")).OrFatal(t); rec.Stage != jobs.Deleted {
			t.Errorf("stage: %s", rec.Stage)
		}
	})

	t.Run("a running job is deleted, and its workspace is cleaned", func(t *testing.T) {
		ctx := context.Background()
		e := setup(t, nil)
		e.cluster.setStatus(kubebatch.JobStatus{Active: 1})
		e.start(t)

		if _, err := e.testee.Submit(ctx, request("1")); err != nil {
			t.Fatal(err)
		}
		eventually(t, "running", e.stageIs("1", jobs.Running))

		if err := e.testee.Cancel(ctx, "1"); err != nil {
			t.Fatal(err)
		}
		eventually(t, "workspace cleaned", func() bool { return len(e.cleanedUp()) == 1 })
		eventually(t, "not watched", func() bool { return len(e.testee.Watching()) == 0 })

		if rec := try.To(e.store.Get(ctx, "1")).OrFatal(t); rec.Stage != jobs.Deleted {
			t.Errorf("stage: %s", rec.Stage)
		}
		after := e.events.afters()
		if len(after) != 1 || after[0].Stage != jobs.Deleted {
			t.Errorf("unexpected after hooks: %+v", after)
		}
	})

	t.Run("cancelling twice does nothing more", func(t *testing.T) {
		ctx := context.Background()
		e := setup(t, nil)
		if _, err := e.testee.Submit(ctx, request("1")); err != nil {
			t.Fatal(err)
		}
		if err := e.testee.Cancel(ctx, "1"); err != nil {
			t.Fatal(err)
		}
		if err := e.testee.Cancel(ctx, "1"); err != nil {
			t.Fatal(err)
		}
		if after := e.events.afters(); len(after) != 1 {
			t.Errorf("unexpected after hooks: %+v", after)
		}
	})
}

func TestOrchestrator_Stop(t *testing.T) {
	ctx := context.Background()
	e := setup(t, nil)
	e.cluster.setStatus(kubebatch.JobStatus{Active: 1})
	e.start(t)

	if _, err := e.testee.Submit(ctx, request("1")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "running", e.stageIs("1", jobs.Running))

	if err := e.testee.Stop(ctx, "1"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "finished", e.stageIs("1", jobs.Ok))

	if err := e.testee.Stop(ctx, "1"); err != nil {
		t.Errorf("stopping finished job: %v", err)
	}
}

func TestOrchestrator_Recover(t *testing.T) {
	ctx := context.Background()
	e := setup(t, nil)

	try.To(e.store.Register(ctx, request("running"))).OrFatal(t)
	if err := e.store.SetExternalId(ctx, "running", "jr-old"); err != nil {
		t.Fatal(err)
	}
	if err := e.store.ChangeStage(ctx, "running", jobs.Running); err != nil {
		t.Fatal(err)
	}
	try.To(e.store.Register(ctx, request("finished"))).OrFatal(t)
	if err := e.store.MarkFinished(ctx, jobs.JobTrackingState{JobId: "finished"}); err != nil {
		t.Fatal(err)
	}
	e.cluster.put("jr-old")
	e.cluster.setStatus(kubebatch.JobStatus{Succeeded: 1})

	n, err := e.testee.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("recovered: %d", n)
	}
	e.start(t)

	eventually(t, "finished", e.stageIs("running", jobs.Ok))
	if e.cluster.Called.CreateJob != 0 {
		t.Errorf("recovered job is submitted again")
	}
}
