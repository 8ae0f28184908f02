package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/opst/jobrunner/pkg/cluster"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubenet "k8s.io/api/networking/v1"
)

var ErrNotImplemented = errors.New("[MOCK] not implemented")

type FindJobsArgs struct {
	Namespace string
	Selector  cluster.LabelSelector
	Name      string
}

type ScaleJobArgs struct {
	Namespace   string
	Name        string
	Parallelism int32
}

type NameArgs struct {
	Namespace string
	Name      string
}

// MockClient is a K8sClient whose behaviour is given by Impl.
//
// Calls are counted in Called, and arguments of some methods are recorded in Args.
// Methods without Impl return ErrNotImplemented.
type MockClient struct {
	Impl struct {
		CreateJob     func(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error)
		FindJobs      func(ctx context.Context, namespace string, ls cluster.LabelSelector, name string) ([]kubebatch.Job, error)
		ScaleJob      func(ctx context.Context, namespace string, name string, parallelism int32) error
		DeleteJob     func(ctx context.Context, namespace string, name string) error
		FindPods      func(ctx context.Context, namespace string, ls cluster.LabelSelector) ([]kubecore.Pod, error)
		CreateService func(ctx context.Context, namespace string, svc *kubecore.Service) (*kubecore.Service, error)
		DeleteService func(ctx context.Context, namespace string, name string) error
		CreateIngress func(ctx context.Context, namespace string, ing *kubenet.Ingress) (*kubenet.Ingress, error)
		DeleteIngress func(ctx context.Context, namespace string, name string) error
	}
	Called struct {
		CreateJob     uint64
		FindJobs      uint64
		ScaleJob      uint64
		DeleteJob     uint64
		FindPods      uint64
		CreateService uint64
		DeleteService uint64
		CreateIngress uint64
		DeleteIngress uint64
	}
	Args struct {
		CreateJob     []*kubebatch.Job
		FindJobs      []FindJobsArgs
		ScaleJob      []ScaleJobArgs
		DeleteJob     []NameArgs
		CreateService []*kubecore.Service
		DeleteService []NameArgs
		CreateIngress []*kubenet.Ingress
		DeleteIngress []NameArgs
	}

	m sync.Mutex
}

var _ cluster.K8sClient = &MockClient{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	m.m.Lock()
	m.Called.CreateJob += 1
	m.Args.CreateJob = append(m.Args.CreateJob, job)
	m.m.Unlock()
	if m.Impl.CreateJob == nil {
		return nil, ErrNotImplemented
	}
	return m.Impl.CreateJob(ctx, namespace, job)
}

func (m *MockClient) FindJobs(ctx context.Context, namespace string, ls cluster.LabelSelector, name string) ([]kubebatch.Job, error) {
	m.m.Lock()
	m.Called.FindJobs += 1
	m.Args.FindJobs = append(m.Args.FindJobs, FindJobsArgs{Namespace: namespace, Selector: ls, Name: name})
	m.m.Unlock()
	if m.Impl.FindJobs == nil {
		return nil, ErrNotImplemented
	}
	return m.Impl.FindJobs(ctx, namespace, ls, name)
}

func (m *MockClient) ScaleJob(ctx context.Context, namespace string, name string, parallelism int32) error {
	m.m.Lock()
	m.Called.ScaleJob += 1
	m.Args.ScaleJob = append(m.Args.ScaleJob, ScaleJobArgs{Namespace: namespace, Name: name, Parallelism: parallelism})
	m.m.Unlock()
	if m.Impl.ScaleJob == nil {
		return ErrNotImplemented
	}
	return m.Impl.ScaleJob(ctx, namespace, name, parallelism)
}

func (m *MockClient) DeleteJob(ctx context.Context, namespace string, name string) error {
	m.m.Lock()
	m.Called.DeleteJob += 1
	m.Args.DeleteJob = append(m.Args.DeleteJob, NameArgs{Namespace: namespace, Name: name})
	m.m.Unlock()
	if m.Impl.DeleteJob == nil {
		return ErrNotImplemented
	}
	return m.Impl.DeleteJob(ctx, namespace, name)
}

func (m *MockClient) FindPods(ctx context.Context, namespace string, ls cluster.LabelSelector) ([]kubecore.Pod, error) {
	m.m.Lock()
	m.Called.FindPods += 1
	m.m.Unlock()
	if m.Impl.FindPods == nil {
		return nil, ErrNotImplemented
	}
	return m.Impl.FindPods(ctx, namespace, ls)
}

func (m *MockClient) CreateService(ctx context.Context, namespace string, svc *kubecore.Service) (*kubecore.Service, error) {
	m.m.Lock()
	m.Called.CreateService += 1
	m.Args.CreateService = append(m.Args.CreateService, svc)
	m.m.Unlock()
	if m.Impl.CreateService == nil {
		return nil, ErrNotImplemented
	}
	return m.Impl.CreateService(ctx, namespace, svc)
}

func (m *MockClient) DeleteService(ctx context.Context, namespace string, name string) error {
	m.m.Lock()
	m.Called.DeleteService += 1
	m.Args.DeleteService = append(m.Args.DeleteService, NameArgs{Namespace: namespace, Name: name})
	m.m.Unlock()
	if m.Impl.DeleteService == nil {
		return ErrNotImplemented
	}
	return m.Impl.DeleteService(ctx, namespace, name)
}

func (m *MockClient) CreateIngress(ctx context.Context, namespace string, ing *kubenet.Ingress) (*kubenet.Ingress, error) {
	m.m.Lock()
	m.Called.CreateIngress += 1
	m.Args.CreateIngress = append(m.Args.CreateIngress, ing)
	m.m.Unlock()
	if m.Impl.CreateIngress == nil {
		return nil, ErrNotImplemented
	}
	return m.Impl.CreateIngress(ctx, namespace, ing)
}

func (m *MockClient) DeleteIngress(ctx context.Context, namespace string, name string) error {
	m.m.Lock()
	m.Called.DeleteIngress += 1
	m.Args.DeleteIngress = append(m.Args.DeleteIngress, NameArgs{Namespace: namespace, Name: name})
	m.m.Unlock()
	if m.Impl.DeleteIngress == nil {
		return ErrNotImplemented
	}
	return m.Impl.DeleteIngress(ctx, namespace, name)
}
