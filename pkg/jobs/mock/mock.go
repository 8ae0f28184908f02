package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/opst/jobrunner/pkg/jobs"
)

var ErrNotImplemented = errors.New("[MOCK] not implemented")

type CallLog[T any] []T

func (l CallLog[T]) Times() uint {
	return uint(len(l))
}

type SetExternalIdArgs struct {
	JobId  string
	Handle jobs.ClusterJobHandle
}

type ChangeStageArgs struct {
	JobId string
	Stage jobs.Stage
}

// Lifecycle is a jobs.Lifecycle whose behaviour is given by Impl.
//
// Methods without Impl succeed, except Stage returning jobs.Running.
type Lifecycle struct {
	Impl struct {
		SetExternalId func(ctx context.Context, jobId string, handle jobs.ClusterJobHandle) error
		ChangeStage   func(ctx context.Context, jobId string, stage jobs.Stage) error
		Stage         func(ctx context.Context, jobId string) (jobs.Stage, error)
		MarkFinished  func(ctx context.Context, state jobs.JobTrackingState) error
		MarkFailed    func(ctx context.Context, state jobs.JobTrackingState) error
		Cleanup       func(ctx context.Context, jobId string) error
	}
	Calls struct {
		SetExternalId CallLog[SetExternalIdArgs]
		ChangeStage   CallLog[ChangeStageArgs]
		Stage         CallLog[string]
		MarkFinished  CallLog[jobs.JobTrackingState]
		MarkFailed    CallLog[jobs.JobTrackingState]
		Cleanup       CallLog[string]
	}

	m sync.Mutex
}

var _ jobs.Lifecycle = &Lifecycle{}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

func (l *Lifecycle) SetExternalId(ctx context.Context, jobId string, handle jobs.ClusterJobHandle) error {
	l.m.Lock()
	l.Calls.SetExternalId = append(l.Calls.SetExternalId, SetExternalIdArgs{JobId: jobId, Handle: handle})
	l.m.Unlock()
	if l.Impl.SetExternalId == nil {
		return nil
	}
	return l.Impl.SetExternalId(ctx, jobId, handle)
}

func (l *Lifecycle) ChangeStage(ctx context.Context, jobId string, stage jobs.Stage) error {
	l.m.Lock()
	l.Calls.ChangeStage = append(l.Calls.ChangeStage, ChangeStageArgs{JobId: jobId, Stage: stage})
	l.m.Unlock()
	if l.Impl.ChangeStage == nil {
		return nil
	}
	return l.Impl.ChangeStage(ctx, jobId, stage)
}

func (l *Lifecycle) Stage(ctx context.Context, jobId string) (jobs.Stage, error) {
	l.m.Lock()
	l.Calls.Stage = append(l.Calls.Stage, jobId)
	l.m.Unlock()
	if l.Impl.Stage == nil {
		return jobs.Running, nil
	}
	return l.Impl.Stage(ctx, jobId)
}

func (l *Lifecycle) MarkFinished(ctx context.Context, state jobs.JobTrackingState) error {
	l.m.Lock()
	l.Calls.MarkFinished = append(l.Calls.MarkFinished, state)
	l.m.Unlock()
	if l.Impl.MarkFinished == nil {
		return nil
	}
	return l.Impl.MarkFinished(ctx, state)
}

func (l *Lifecycle) MarkFailed(ctx context.Context, state jobs.JobTrackingState) error {
	l.m.Lock()
	l.Calls.MarkFailed = append(l.Calls.MarkFailed, state)
	l.m.Unlock()
	if l.Impl.MarkFailed == nil {
		return nil
	}
	return l.Impl.MarkFailed(ctx, state)
}

func (l *Lifecycle) Cleanup(ctx context.Context, jobId string) error {
	l.m.Lock()
	l.Calls.Cleanup = append(l.Calls.Cleanup, jobId)
	l.m.Unlock()
	if l.Impl.Cleanup == nil {
		return nil
	}
	return l.Impl.Cleanup(ctx, jobId)
}

type ConfigureArgs struct {
	JobId string
	Ports []int32
}

// EntryPoints is a jobs.EntryPoints whose behaviour is given by Impl.
type EntryPoints struct {
	Impl struct {
		Configure   func(ctx context.Context, jobId string, ports []int32) error
		EntryPoints func(ctx context.Context, jobId string) ([]jobs.EntryPoint, error)
	}
	Calls struct {
		Configure   CallLog[ConfigureArgs]
		EntryPoints CallLog[string]
		Forget      CallLog[string]
	}

	m sync.Mutex
}

var _ jobs.EntryPoints = &EntryPoints{}

func NewEntryPoints() *EntryPoints {
	return &EntryPoints{}
}

func (e *EntryPoints) Configure(ctx context.Context, jobId string, ports []int32) error {
	e.m.Lock()
	e.Calls.Configure = append(e.Calls.Configure, ConfigureArgs{JobId: jobId, Ports: ports})
	e.m.Unlock()
	if e.Impl.Configure == nil {
		return ErrNotImplemented
	}
	return e.Impl.Configure(ctx, jobId, ports)
}

func (e *EntryPoints) EntryPoints(ctx context.Context, jobId string) ([]jobs.EntryPoint, error) {
	e.m.Lock()
	e.Calls.EntryPoints = append(e.Calls.EntryPoints, jobId)
	e.m.Unlock()
	if e.Impl.EntryPoints == nil {
		return nil, ErrNotImplemented
	}
	return e.Impl.EntryPoints(ctx, jobId)
}

func (e *EntryPoints) Forget(jobId string) {
	e.m.Lock()
	defer e.m.Unlock()
	e.Calls.Forget = append(e.Calls.Forget, jobId)
}
