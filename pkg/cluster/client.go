package cluster

import (
	"context"
	"fmt"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubenet "k8s.io/api/networking/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	kubetypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

// subset of kubernetes.Interface which the runner uses.
//
// Errors for missing or already existing resources are marked with ErrMissing or ErrConflict.
type K8sClient interface {
	CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error)

	// FindJobs lists Jobs matching ls. When name is not empty, only Jobs named so are listed.
	FindJobs(ctx context.Context, namespace string, ls LabelSelector, name string) ([]kubebatch.Job, error)

	// ScaleJob sets parallelism of the Job.
	ScaleJob(ctx context.Context, namespace string, name string, parallelism int32) error

	// DeleteJob deletes the Job, and its Pods in background.
	DeleteJob(ctx context.Context, namespace string, name string) error

	FindPods(ctx context.Context, namespace string, ls LabelSelector) ([]kubecore.Pod, error)

	CreateService(ctx context.Context, namespace string, svc *kubecore.Service) (*kubecore.Service, error)
	DeleteService(ctx context.Context, namespace string, name string) error

	CreateIngress(ctx context.Context, namespace string, ing *kubenet.Ingress) (*kubenet.Ingress, error)
	DeleteIngress(ctx context.Context, namespace string, name string) error
}

// A wrapper for kubernetes.Interface, flattening its method chains.
type k8sClient struct {
	client kubernetes.Interface
}

var _ K8sClient = &k8sClient{}

func WrapK8sClient(c kubernetes.Interface) K8sClient {
	return &k8sClient{client: c}
}

func (k *k8sClient) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	created, err := k.client.BatchV1().Jobs(namespace).Create(ctx, job, kubeapimeta.CreateOptions{})
	return created, classify(err)
}

func (k *k8sClient) FindJobs(ctx context.Context, namespace string, ls LabelSelector, name string) ([]kubebatch.Job, error) {
	opts := kubeapimeta.ListOptions{LabelSelector: ls.QueryString()}
	if name != "" {
		opts.FieldSelector = fields.OneTermEqualSelector("metadata.name", name).String()
	}
	resp, err := k.client.BatchV1().Jobs(namespace).List(ctx, opts)
	if err != nil {
		return nil, classify(err)
	}
	if name == "" {
		return resp.Items, nil
	}

	found := []kubebatch.Job{}
	for _, j := range resp.Items {
		if j.Name == name {
			found = append(found, j)
		}
	}
	return found, nil
}

func (k *k8sClient) ScaleJob(ctx context.Context, namespace string, name string, parallelism int32) error {
	patch := []byte(fmt.Sprintf(`{"spec":{"parallelism":%d}}`, parallelism))
	_, err := k.client.BatchV1().Jobs(namespace).Patch(
		ctx, name, kubetypes.MergePatchType, patch, kubeapimeta.PatchOptions{},
	)
	return classify(err)
}

func (k *k8sClient) DeleteJob(ctx context.Context, namespace string, name string) error {
	background := kubeapimeta.DeletePropagationBackground
	return classify(k.client.BatchV1().Jobs(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{
		PropagationPolicy: &background,
	}))
}

func (k *k8sClient) FindPods(ctx context.Context, namespace string, ls LabelSelector) ([]kubecore.Pod, error) {
	resp, err := k.client.CoreV1().Pods(namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: ls.QueryString(),
	})
	if err != nil {
		return nil, classify(err)
	}
	return resp.Items, nil
}

func (k *k8sClient) CreateService(ctx context.Context, namespace string, svc *kubecore.Service) (*kubecore.Service, error) {
	created, err := k.client.CoreV1().Services(namespace).Create(ctx, svc, kubeapimeta.CreateOptions{})
	return created, classify(err)
}

func (k *k8sClient) DeleteService(ctx context.Context, namespace string, name string) error {
	return classify(k.client.CoreV1().Services(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{}))
}

func (k *k8sClient) CreateIngress(ctx context.Context, namespace string, ing *kubenet.Ingress) (*kubenet.Ingress, error) {
	created, err := k.client.NetworkingV1().Ingresses(namespace).Create(ctx, ing, kubeapimeta.CreateOptions{})
	return created, classify(err)
}

func (k *k8sClient) DeleteIngress(ctx context.Context, namespace string, name string) error {
	return classify(k.client.NetworkingV1().Ingresses(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{}))
}
