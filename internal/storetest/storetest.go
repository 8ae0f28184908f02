// Package storetest tests implementations of jobs.JobStore against the same expectations.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/opst/jobrunner/pkg/utils"
	"github.com/opst/jobrunner/pkg/utils/cmp"
	"github.com/opst/jobrunner/pkg/utils/pointer"
)

// Request returns a request for tests.
func Request(jobId string) jobs.JobRequest {
	return jobs.JobRequest{
		JobId:            jobId,
		Tool:             jobs.Tool{Id: "cat", Version: "1.0"},
		Shell:            "/bin/sh",
		JobFile:          "/work/" + jobId + "/job.sh",
		WorkingDirectory: "/work/" + jobId,
		ErrorFile:        "/work/" + jobId + "/stderr",
		GuestPorts:       []int32{8888},
		Destination: jobs.Destination{
			Id:     "k8s",
			Params: jobs.DestinationParams{MaxPodRetries: pointer.Ref(2)},
		},
	}
}

func ids(recs []jobs.Record) []string {
	return utils.Map(recs, func(r jobs.Record) string { return r.Request.JobId })
}

// Run tests the store made by newStore. Each subtest has its own store.
//
// cleaned reports job ids passed to the workspace cleaner of the store.
func Run(t *testing.T, newStore func(t *testing.T) (store jobs.JobStore, cleaned func() []string)) {
	ctx := context.Background()

	t.Run("registered job is queued, and can be got", func(t *testing.T) {
		store, _ := newStore(t)
		rec, err := store.Register(ctx, Request("1"))
		if err != nil {
			t.Fatal(err)
		}
		if rec.Stage != jobs.Queued || rec.ExternalId != "" {
			t.Errorf("unexpected record: %+v", rec)
		}

		got, err := store.Get(ctx, "1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Request.JobId != "1" || got.Request.Tool != (jobs.Tool{Id: "cat", Version: "1.0"}) {
			t.Errorf("unexpected request: %+v", got.Request)
		}
		if !cmp.SliceEq(got.Request.GuestPorts, []int32{8888}) {
			t.Errorf("guest ports: %v", got.Request.GuestPorts)
		}
		if p := got.Request.Destination.Params.MaxPodRetries; p == nil || *p != 2 {
			t.Errorf("max pod retries: %v", p)
		}
	})

	t.Run("job id can be registered only once", func(t *testing.T) {
		store, _ := newStore(t)
		if _, err := store.Register(ctx, Request("1")); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Register(ctx, Request("1")); !errors.Is(err, jobs.ErrJobConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("unknown job is not found", func(t *testing.T) {
		store, _ := newStore(t)
		if _, err := store.Get(ctx, "unknown"); !errors.Is(err, jobs.ErrJobNotFound) {
			t.Errorf("Get: unexpected error: %v", err)
		}
		if _, err := store.Stage(ctx, "unknown"); !errors.Is(err, jobs.ErrJobNotFound) {
			t.Errorf("Stage: unexpected error: %v", err)
		}
		if err := store.SetExternalId(ctx, "unknown", "jr-x"); !errors.Is(err, jobs.ErrJobNotFound) {
			t.Errorf("SetExternalId: unexpected error: %v", err)
		}
		if err := store.ChangeStage(ctx, "unknown", jobs.Running); !errors.Is(err, jobs.ErrJobNotFound) {
			t.Errorf("ChangeStage: unexpected error: %v", err)
		}
		if err := store.Cleanup(ctx, "unknown"); !errors.Is(err, jobs.ErrJobNotFound) {
			t.Errorf("Cleanup: unexpected error: %v", err)
		}
	})

	t.Run("external id and stages are recorded", func(t *testing.T) {
		store, _ := newStore(t)
		store.Register(ctx, Request("1"))

		if err := store.SetExternalId(ctx, "1", "jr-abcde"); err != nil {
			t.Fatal(err)
		}
		if err := store.ChangeStage(ctx, "1", jobs.Running); err != nil {
			t.Fatal(err)
		}
		rec, err := store.Get(ctx, "1")
		if err != nil {
			t.Fatal(err)
		}
		if rec.ExternalId != "jr-abcde" || rec.Stage != jobs.Running {
			t.Errorf("unexpected record: %+v", rec)
		}
		if stage, err := store.Stage(ctx, "1"); err != nil || stage != jobs.Running {
			t.Errorf("stage: (%s, %v)", stage, err)
		}
	})

	t.Run("finished job is ok", func(t *testing.T) {
		store, _ := newStore(t)
		store.Register(ctx, Request("1"))
		if err := store.MarkFinished(ctx, jobs.JobTrackingState{JobId: "1"}); err != nil {
			t.Fatal(err)
		}
		if stage, _ := store.Stage(ctx, "1"); stage != jobs.Ok {
			t.Errorf("stage: %s", stage)
		}
	})

	t.Run("failed job is error, with the reason", func(t *testing.T) {
		store, _ := newStore(t)
		store.Register(ctx, Request("1"))
		err := store.MarkFailed(ctx, jobs.JobTrackingState{
			JobId: "1", Reason: jobs.WalltimeExceeded, FailMessage: "too long",
		})
		if err != nil {
			t.Fatal(err)
		}
		rec, _ := store.Get(ctx, "1")
		if rec.Stage != jobs.Error || rec.Reason != jobs.WalltimeExceeded || rec.FailMessage != "too long" {
			t.Errorf("unexpected record: %+v", rec)
		}
	})

	t.Run("deleted job stays deleted", func(t *testing.T) {
		store, _ := newStore(t)
		store.Register(ctx, Request("1"))
		store.ChangeStage(ctx, "1", jobs.Deleted)

		if err := store.MarkFinished(ctx, jobs.JobTrackingState{JobId: "1"}); err != nil {
			t.Fatal(err)
		}
		if err := store.MarkFailed(ctx, jobs.JobTrackingState{JobId: "1", Reason: jobs.JobLost}); err != nil {
			t.Fatal(err)
		}
		if err := store.ChangeStage(ctx, "1", jobs.Running); err != nil {
			t.Fatal(err)
		}
		rec, _ := store.Get(ctx, "1")
		if rec.Stage != jobs.Deleted || rec.Reason != jobs.NoFailure {
			t.Errorf("unexpected record: %+v", rec)
		}
	})

	t.Run("jobs are listed in registered order, and recoverable ones are selected", func(t *testing.T) {
		store, _ := newStore(t)
		for _, id := range []string{"q", "r", "s", "o", "e", "d"} {
			if _, err := store.Register(ctx, Request(id)); err != nil {
				t.Fatal(err)
			}
		}
		store.ChangeStage(ctx, "r", jobs.Running)
		store.ChangeStage(ctx, "s", jobs.Stopped)
		store.MarkFinished(ctx, jobs.JobTrackingState{JobId: "o"})
		store.MarkFailed(ctx, jobs.JobTrackingState{JobId: "e", Reason: jobs.UnknownError})
		store.ChangeStage(ctx, "d", jobs.Deleted)

		all, err := store.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if actual := ids(all); !cmp.SliceEq(actual, []string{"q", "r", "s", "o", "e", "d"}) {
			t.Errorf("listed: %v", actual)
		}

		recoverable, err := store.Recoverable(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if actual := ids(recoverable); !cmp.SliceContentEq(actual, []string{"q", "r", "s"}) {
			t.Errorf("recoverable: %v", actual)
		}
	})

	t.Run("cleanup calls workspace cleaner", func(t *testing.T) {
		store, cleaned := newStore(t)
		store.Register(ctx, Request("1"))
		if err := store.Cleanup(ctx, "1"); err != nil {
			t.Fatal(err)
		}
		if actual := cleaned(); !cmp.SliceEq(actual, []string{"1"}) {
			t.Errorf("cleaned: %v", actual)
		}
	})
}
