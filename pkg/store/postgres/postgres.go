// Package postgres is a jobs.JobStore backed by PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	xe "github.com/opst/jobrunner/pkg/errors"
	"github.com/opst/jobrunner/pkg/jobs"
	kpool "github.com/opst/jobrunner/pkg/store/postgres/pool"
)

//go:embed schema.sql
var schema string

type Store struct {
	pool    kpool.Pool
	cleaner jobs.WorkspaceCleaner
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

// Connect opens a pool to the database at url, and makes a Store on it.
//
// Tables are created when they are missing.
func Connect(ctx context.Context, url string, options ...Option) (*Store, error) {
	p, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	s := New(kpool.Wrap(p), options...)
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

func New(pool kpool.Pool, options ...Option) *Store {
	s := &Store{
		pool:    pool,
		cleaner: func(context.Context, jobs.Record) error { return nil },
	}
	for _, opt := range options {
		s = opt(s)
	}
	return s
}

// Migrate creates tables if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return xe.WrapWithNote("creating tables", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// classify maps database errors into errors of jobs.
func classify(jobId string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s: %w", jobs.ErrJobNotFound, jobId, err)
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%w: %s: %w", jobs.ErrJobConflict, jobId, err)
	}
	return xe.WrapAsOuter(err, 1)
}

const columns = `"request", "external_id", "stage", "reason", "fail_message", "registered", "updated"`

type row struct {
	request     pgtype.JSONB
	externalId  string
	stage       string
	reason      string
	failMessage string
	registered  pgtype.Timestamptz
	updated     pgtype.Timestamptz
}

func (r *row) targets() []any {
	return []any{
		&r.request, &r.externalId, &r.stage, &r.reason, &r.failMessage, &r.registered, &r.updated,
	}
}

func (r *row) record() (jobs.Record, error) {
	rec := jobs.Record{
		ExternalId:  jobs.ClusterJobHandle(r.externalId),
		Stage:       jobs.Stage(r.stage),
		Reason:      jobs.FailureReason(r.reason),
		FailMessage: r.failMessage,
		Registered:  r.registered.Time,
		Updated:     r.updated.Time,
	}
	if err := json.Unmarshal(r.request.Bytes, &rec.Request); err != nil {
		return jobs.Record{}, xe.WrapWithNote("decoding request", err)
	}
	return rec, nil
}

func (s *Store) Register(ctx context.Context, req jobs.JobRequest) (jobs.Record, error) {
	buf, err := json.Marshal(req)
	if err != nil {
		return jobs.Record{}, xe.Wrap(err)
	}
	request := pgtype.JSONB{}
	if err := request.Set(buf); err != nil {
		return jobs.Record{}, xe.Wrap(err)
	}

	r := row{}
	if err := s.pool.QueryRow(
		ctx,
		`insert into "job" ("job_id", "request", "stage") values ($1, $2, $3)
		returning `+columns,
		req.JobId, &request, string(jobs.Queued),
	).Scan(r.targets()...); err != nil {
		return jobs.Record{}, classify(req.JobId, err)
	}
	return r.record()
}

func (s *Store) Get(ctx context.Context, jobId string) (jobs.Record, error) {
	r := row{}
	if err := s.pool.QueryRow(
		ctx, `select `+columns+` from "job" where "job_id" = $1`, jobId,
	).Scan(r.targets()...); err != nil {
		return jobs.Record{}, classify(jobId, err)
	}
	return r.record()
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]jobs.Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	ret := []jobs.Record{}
	for rows.Next() {
		r := row{}
		if err := rows.Scan(r.targets()...); err != nil {
			return nil, xe.Wrap(err)
		}
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		ret = append(ret, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xe.Wrap(err)
	}
	return ret, nil
}

func (s *Store) List(ctx context.Context) ([]jobs.Record, error) {
	return s.query(ctx, `select `+columns+` from "job" order by "seq"`)
}

func (s *Store) Recoverable(ctx context.Context) ([]jobs.Record, error) {
	return s.query(
		ctx,
		`select `+columns+` from "job" where "stage" = any($1) order by "seq"`,
		[]string{string(jobs.Queued), string(jobs.Running), string(jobs.Stopped)},
	)
}

func (s *Store) SetExternalId(ctx context.Context, jobId string, handle jobs.ClusterJobHandle) error {
	tag, err := s.pool.Exec(
		ctx,
		`update "job" set "external_id" = $2, "updated" = now() where "job_id" = $1`,
		jobId, handle.String(),
	)
	if err != nil {
		return classify(jobId, err)
	}
	if tag.RowsAffected() == 0 {
		return classify(jobId, pgx.ErrNoRows)
	}
	return nil
}

// move changes the stage of the job, unless the job is in a terminal stage.
func (s *Store) move(ctx context.Context, jobId string, next jobs.Stage, reason jobs.FailureReason, message string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return xe.Wrap(err)
	}
	defer tx.Rollback(ctx)

	var current string
	if err := tx.QueryRow(
		ctx, `select "stage" from "job" where "job_id" = $1 for update`, jobId,
	).Scan(&current); err != nil {
		return classify(jobId, err)
	}
	if !jobs.Stage(current).CanMoveTo(next) {
		return nil
	}

	if _, err := tx.Exec(
		ctx,
		`update "job" set "stage" = $2, "reason" = $3, "fail_message" = $4, "updated" = now()
		where "job_id" = $1`,
		jobId, string(next), string(reason), message,
	); err != nil {
		return classify(jobId, err)
	}
	return classify(jobId, tx.Commit(ctx))
}

// ChangeStage moves the job to the stage. Jobs in terminal stages are not moved.
func (s *Store) ChangeStage(ctx context.Context, jobId string, stage jobs.Stage) error {
	return s.move(ctx, jobId, stage, jobs.NoFailure, "")
}

func (s *Store) Stage(ctx context.Context, jobId string) (jobs.Stage, error) {
	var stage string
	if err := s.pool.QueryRow(
		ctx, `select "stage" from "job" where "job_id" = $1`, jobId,
	).Scan(&stage); err != nil {
		return "", classify(jobId, err)
	}
	return jobs.Stage(stage), nil
}

func (s *Store) MarkFinished(ctx context.Context, state jobs.JobTrackingState) error {
	return s.move(ctx, state.JobId, jobs.Ok, jobs.NoFailure, "")
}

func (s *Store) MarkFailed(ctx context.Context, state jobs.JobTrackingState) error {
	return s.move(ctx, state.JobId, jobs.Error, state.Reason, state.FailMessage)
}

func (s *Store) Cleanup(ctx context.Context, jobId string) error {
	rec, err := s.Get(ctx, jobId)
	if err != nil {
		return err
	}
	return s.cleaner(ctx, rec)
}
