// Package jobs defines jobs the runner submits to the cluster,
// their tracking states, and the collaborators keeping local bookkeeping.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

// ClusterJobHandle is the name the control plane assigned to a submitted Job.
type ClusterJobHandle string

func (h ClusterJobHandle) String() string {
	return string(h)
}

// Stage is the local lifecycle stage of a job.
type Stage string

const (
	Queued  Stage = "queued"
	Running Stage = "running"
	// stopped by user. Its outputs are kept.
	Stopped Stage = "stopped"
	// deleted by user.
	Deleted Stage = "deleted"
	Ok      Stage = "ok"
	Error   Stage = "error"
)

func (s Stage) String() string {
	return string(s)
}

// Recoverable tells whether a job in the stage should be watched again after restart.
func (s Stage) Recoverable() bool {
	switch s {
	case Queued, Running, Stopped:
		return true
	}
	return false
}

func (s Stage) Terminal() bool {
	switch s {
	case Ok, Error, Deleted:
		return true
	}
	return false
}

// CanMoveTo tells whether a job in s can be moved to the next stage.
//
// Terminal stages are final.
func (s Stage) CanMoveTo(next Stage) bool {
	return !s.Terminal() && s != next
}

// FailureReason classifies why a job failed.
type FailureReason string

const (
	NoFailure            FailureReason = ""
	MemoryLimitExceeded  FailureReason = "memory-limit-exceeded"
	WalltimeExceeded     FailureReason = "walltime-exceeded"
	PodRetriesExhausted  FailureReason = "pod-retries-exhausted"
	UnschedulableTimeout FailureReason = "unschedulable-timeout"
	UnknownError         FailureReason = "unknown-error"
	JobLost              FailureReason = "job-lost"
	Inconsistent         FailureReason = "inconsistent"
)

// CleanupPolicy decides whether resources in the cluster are deleted after a job is finalized.
type CleanupPolicy string

const (
	CleanupNever     CleanupPolicy = "never"
	CleanupAlways    CleanupPolicy = "always"
	CleanupOnSuccess CleanupPolicy = "onsuccess"
)

var ErrUnknownCleanupPolicy = errors.New("unknown cleanup policy")

func ParseCleanupPolicy(s string) (CleanupPolicy, error) {
	switch p := CleanupPolicy(s); p {
	case CleanupNever, CleanupAlways, CleanupOnSuccess:
		return p, nil
	}
	return "", fmt.Errorf("%w: %s (should be one of -- never|always|onsuccess)", ErrUnknownCleanupPolicy, s)
}

func (p CleanupPolicy) String() string {
	return string(p)
}

// ShouldDelete tells whether resources of a job should be deleted under the policy.
func (p CleanupPolicy) ShouldDelete(succeeded bool) bool {
	switch p {
	case CleanupAlways:
		return true
	case CleanupOnSuccess:
		return succeeded
	}
	return false
}

// KeepsWorkspace is false when local files of a deleted job should be cleaned up.
func (p CleanupPolicy) KeepsWorkspace() bool {
	return p == CleanupNever
}

type Tool struct {
	Id      string `json:"id"`
	OldId   string `json:"oldId,omitempty"`
	Version string `json:"version,omitempty"`
}

// Name for labels, preferring OldId.
func (t Tool) Name() string {
	if t.OldId != "" {
		return t.OldId
	}
	return t.Id
}

type Quantities struct {
	CPU    *resource.Quantity `json:"cpu,omitempty"`
	Memory *resource.Quantity `json:"memory,omitempty"`
}

func (q Quantities) Empty() bool {
	return q.CPU == nil && q.Memory == nil
}

type Resources struct {
	Requests Quantities `json:"requests,omitempty"`
	Limits   Quantities `json:"limits,omitempty"`
}

// DestinationParams overrides runner-wide configuration for jobs placed in the destination.
type DestinationParams struct {
	MaxPodRetries *int `json:"maxPodRetries,omitempty"`

	// YAML fragments.
	NodeSelector string `json:"nodeSelector,omitempty"`
	Affinity     string `json:"affinity,omitempty"`
	ExtraEnvs    string `json:"extraEnvs,omitempty"`

	// image name is assembled as repo/owner/image:tag
	Repo  string `json:"repo,omitempty"`
	Owner string `json:"owner,omitempty"`
	Image string `json:"image,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

type Destination struct {
	Id     string            `json:"id"`
	Params DestinationParams `json:"params,omitempty"`
}

// JobRequest is a prepared job to be submitted.
type JobRequest struct {
	JobId string `json:"jobId"`
	Tool  Tool   `json:"tool"`

	// container image. When empty, it is assembled from the destination.
	Image string `json:"image,omitempty"`

	Shell            string `json:"shell"`
	JobFile          string `json:"jobFile"`
	WorkingDirectory string `json:"workingDirectory"`

	// error artifact. Failure explanations are appended.
	ErrorFile string `json:"errorFile,omitempty"`

	Resources   Resources   `json:"resources,omitempty"`
	GuestPorts  []int32     `json:"guestPorts,omitempty"`
	Destination Destination `json:"destination"`
}

func (r JobRequest) HasGuestPorts() bool {
	return 0 < len(r.GuestPorts)
}

// JobTrackingState is a job being watched.
type JobTrackingState struct {
	Handle ClusterJobHandle `json:"handle"`
	JobId  string           `json:"jobId"`

	Running bool `json:"running"`

	// last known local stage.
	Stage Stage `json:"stage"`

	FailCount   int           `json:"failCount"`
	FailMessage string        `json:"failMessage,omitempty"`
	Reason      FailureReason `json:"reason,omitempty"`

	ErrorFile     string `json:"errorFile,omitempty"`
	HasGuestPorts bool   `json:"hasGuestPorts"`

	// pod retry limit given by the destination.
	MaxPodRetries *int   `json:"maxPodRetries,omitempty"`
	Destination   string `json:"destination,omitempty"`
}

func (r JobRequest) TrackingState(handle ClusterJobHandle) JobTrackingState {
	return JobTrackingState{
		Handle:        handle,
		JobId:         r.JobId,
		Stage:         Queued,
		ErrorFile:     r.ErrorFile,
		HasGuestPorts: r.HasGuestPorts(),
		MaxPodRetries: r.Destination.Params.MaxPodRetries,
		Destination:   r.Destination.Id,
	}
}

// Record is a job persisted in JobStore.
type Record struct {
	Request     JobRequest       `json:"request"`
	ExternalId  ClusterJobHandle `json:"externalId,omitempty"`
	Stage       Stage            `json:"stage"`
	Reason      FailureReason    `json:"reason,omitempty"`
	FailMessage string           `json:"failMessage,omitempty"`

	Registered time.Time `json:"registered"`
	Updated    time.Time `json:"updated"`
}

var ErrJobNotFound = errors.New("job is not found")
var ErrJobConflict = errors.New("job already exists")

// Lifecycle is the local bookkeeping the runner reports to.
type Lifecycle interface {
	// SetExternalId records the handle of the submitted job, for recovery.
	SetExternalId(ctx context.Context, jobId string, handle ClusterJobHandle) error

	ChangeStage(ctx context.Context, jobId string, stage Stage) error

	// Stage reads the persisted stage of the job.
	Stage(ctx context.Context, jobId string) (Stage, error)

	MarkFinished(ctx context.Context, state JobTrackingState) error
	MarkFailed(ctx context.Context, state JobTrackingState) error

	// Cleanup cleans up local resources of the job (its working directory and so on).
	Cleanup(ctx context.Context, jobId string) error
}

// JobStore persists jobs and their stages.
type JobStore interface {
	Lifecycle

	// Register persists a new job in Queued stage.
	//
	// It returns ErrJobConflict when the job id is used.
	Register(ctx context.Context, req JobRequest) (Record, error)

	// Get returns ErrJobNotFound for unknown job id.
	Get(ctx context.Context, jobId string) (Record, error)

	// List returns all jobs, in registered order.
	List(ctx context.Context) ([]Record, error)

	// Recoverable lists jobs in Queued, Running or Stopped stage.
	Recoverable(ctx context.Context) ([]Record, error)
}

// WorkspaceCleaner removes local resources of a job.
type WorkspaceCleaner func(ctx context.Context, rec Record) error

// RemoveWorkingDirectory is a WorkspaceCleaner removing the working directory of the job.
func RemoveWorkingDirectory(ctx context.Context, rec Record) error {
	if rec.Request.WorkingDirectory == "" {
		return nil
	}
	return os.RemoveAll(rec.Request.WorkingDirectory)
}

// EntryPoint is a route to a guest port of an interactive job.
type EntryPoint struct {
	Port int32 `json:"port"`

	// an entry point not configured yet is not routed.
	Configured bool `json:"configured"`

	// RequiresDomain entry points are routed with host "<Subdomain>.<proxy host>".
	RequiresDomain bool   `json:"requiresDomain"`
	Subdomain      string `json:"subdomain,omitempty"`

	// path routed to the port. It may carry query.
	Path string `json:"path"`
}

// EntryPoints is the registry of interactive entry points.
type EntryPoints interface {
	// Configure registers entry points of guest ports for the job.
	Configure(ctx context.Context, jobId string, ports []int32) error

	EntryPoints(ctx context.Context, jobId string) ([]EntryPoint, error)
}

// AppendErrorFile appends line to the error artifact.
//
// Empty path is ignored.
func AppendErrorFile(path string, line string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}
