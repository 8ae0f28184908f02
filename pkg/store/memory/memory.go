// Package memory is an in-process jobs.JobStore.
//
// Jobs are lost when the process exits, so nothing is recovered after restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opst/jobrunner/pkg/jobs"
)

type Store struct {
	m       sync.RWMutex
	records map[string]*jobs.Record
	order   []string
	cleaner jobs.WorkspaceCleaner
	now     func() time.Time
}

var _ jobs.JobStore = &Store{}

type Option func(*Store) *Store

// WithWorkspaceCleaner sets what Cleanup does. By default, Cleanup does nothing.
func WithWorkspaceCleaner(cleaner jobs.WorkspaceCleaner) Option {
	return func(s *Store) *Store {
		s.cleaner = cleaner
		return s
	}
}

func New(options ...Option) *Store {
	s := &Store{
		records: map[string]*jobs.Record{},
		cleaner: func(context.Context, jobs.Record) error { return nil },
		now:     time.Now,
	}
	for _, opt := range options {
		s = opt(s)
	}
	return s
}

func notFound(jobId string) error {
	return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobId)
}

func (s *Store) Register(ctx context.Context, req jobs.JobRequest) (jobs.Record, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if _, ok := s.records[req.JobId]; ok {
		return jobs.Record{}, fmt.Errorf("%w: %s", jobs.ErrJobConflict, req.JobId)
	}
	now := s.now()
	rec := &jobs.Record{Request: req, Stage: jobs.Queued, Registered: now, Updated: now}
	s.records[req.JobId] = rec
	s.order = append(s.order, req.JobId)
	return *rec, nil
}

func (s *Store) Get(ctx context.Context, jobId string) (jobs.Record, error) {
	s.m.RLock()
	defer s.m.RUnlock()
	rec, ok := s.records[jobId]
	if !ok {
		return jobs.Record{}, notFound(jobId)
	}
	return *rec, nil
}

func (s *Store) List(ctx context.Context) ([]jobs.Record, error) {
	s.m.RLock()
	defer s.m.RUnlock()
	ret := make([]jobs.Record, 0, len(s.order))
	for _, id := range s.order {
		ret = append(ret, *s.records[id])
	}
	return ret, nil
}

func (s *Store) Recoverable(ctx context.Context) ([]jobs.Record, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	ret := []jobs.Record{}
	for _, rec := range all {
		if rec.Stage.Recoverable() {
			ret = append(ret, rec)
		}
	}
	return ret, nil
}

// update applies f to the record under lock.
func (s *Store) update(jobId string, f func(*jobs.Record)) error {
	s.m.Lock()
	defer s.m.Unlock()
	rec, ok := s.records[jobId]
	if !ok {
		return notFound(jobId)
	}
	before := *rec
	f(rec)
	if before.Stage != rec.Stage || before.ExternalId != rec.ExternalId {
		rec.Updated = s.now()
	}
	return nil
}

func (s *Store) SetExternalId(ctx context.Context, jobId string, handle jobs.ClusterJobHandle) error {
	return s.update(jobId, func(rec *jobs.Record) {
		rec.ExternalId = handle
	})
}

// ChangeStage moves the job to the stage. Jobs in terminal stages are not moved.
func (s *Store) ChangeStage(ctx context.Context, jobId string, stage jobs.Stage) error {
	return s.update(jobId, func(rec *jobs.Record) {
		if rec.Stage.CanMoveTo(stage) {
			rec.Stage = stage
		}
	})
}

func (s *Store) Stage(ctx context.Context, jobId string) (jobs.Stage, error) {
	rec, err := s.Get(ctx, jobId)
	if err != nil {
		return "", err
	}
	return rec.Stage, nil
}

func (s *Store) MarkFinished(ctx context.Context, state jobs.JobTrackingState) error {
	return s.update(state.JobId, func(rec *jobs.Record) {
		if rec.Stage.CanMoveTo(jobs.Ok) {
			rec.Stage = jobs.Ok
		}
	})
}

func (s *Store) MarkFailed(ctx context.Context, state jobs.JobTrackingState) error {
	return s.update(state.JobId, func(rec *jobs.Record) {
		if !rec.Stage.CanMoveTo(jobs.Error) {
			return
		}
		rec.Stage = jobs.Error
		rec.Reason = state.Reason
		rec.FailMessage = state.FailMessage
	})
}

func (s *Store) Cleanup(ctx context.Context, jobId string) error {
	rec, err := s.Get(ctx, jobId)
	if err != nil {
		return err
	}
	return s.cleaner(ctx, rec)
}
