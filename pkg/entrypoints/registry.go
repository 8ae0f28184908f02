// Package entrypoints keeps entry points of interactive jobs in memory.
package entrypoints

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/opst/jobrunner/pkg/cluster/sanitize"
	"github.com/opst/jobrunner/pkg/jobs"
)

type Registry struct {
	pathPrefix string
	subdomain  bool
	newKey     func() string

	m   sync.RWMutex
	eps map[string][]jobs.EntryPoint
}

var _ jobs.EntryPoints = &Registry{}

type Option func(*Registry) *Registry

// WithSubdomain routes entry points by host, rather than by path.
func WithSubdomain() Option {
	return func(r *Registry) *Registry {
		r.subdomain = true
		return r
	}
}

// WithKeyGenerator replaces generator of keys making entry points unguessable.
func WithKeyGenerator(f func() string) Option {
	return func(r *Registry) *Registry {
		r.newKey = f
		return r
	}
}

func randomKey() string {
	id := uuid.New()
	return hex.EncodeToString(id[:8])
}

// New makes a registry. Paths of entry points start with pathPrefix.
func New(pathPrefix string, options ...Option) *Registry {
	r := &Registry{
		pathPrefix: strings.TrimRight(pathPrefix, "/"),
		newKey:     randomKey,
		eps:        map[string][]jobs.EntryPoint{},
	}
	for _, opt := range options {
		r = opt(r)
	}
	return r
}

// Configure replaces entry points of the job with ones for ports.
//
// Path of each entry point is "<prefix>/<job>/<key>/", and
// subdomain is "<key>-<job>".
func (r *Registry) Configure(ctx context.Context, jobId string, ports []int32) error {
	label := sanitize.DNSLabel(jobId)
	if label == "" {
		return fmt.Errorf("job id %q can not be a part of entry points", jobId)
	}

	eps := make([]jobs.EntryPoint, 0, len(ports))
	for _, p := range ports {
		key := r.newKey()
		eps = append(eps, jobs.EntryPoint{
			Port:           p,
			Configured:     true,
			RequiresDomain: r.subdomain,
			Subdomain:      key + "-" + label,
			Path:           fmt.Sprintf("%s/%s/%s/", r.pathPrefix, label, key),
		})
	}

	r.m.Lock()
	defer r.m.Unlock()
	r.eps[jobId] = eps
	return nil
}

// EntryPoints of the job. Jobs not configured have no entry points.
func (r *Registry) EntryPoints(ctx context.Context, jobId string) ([]jobs.EntryPoint, error) {
	r.m.RLock()
	defer r.m.RUnlock()
	return append([]jobs.EntryPoint{}, r.eps[jobId]...), nil
}

// Forget removes entry points of the job.
func (r *Registry) Forget(jobId string) {
	r.m.Lock()
	defer r.m.Unlock()
	delete(r.eps, jobId)
}
