// Package manifest translates job requests into Kubernetes manifests:
// a Job running the prepared script, and a Service and an Ingress exposing guest ports.
//
// Functions in this package have no side effects.
package manifest

import (
	"errors"
	"fmt"
	"strconv"

	gcrname "github.com/google/go-containerregistry/pkg/name"
	"github.com/opst/jobrunner/pkg/cluster"
	"github.com/opst/jobrunner/pkg/cluster/sanitize"
	"github.com/opst/jobrunner/pkg/configs/runner"
	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/opst/jobrunner/pkg/utils"
	"github.com/opst/jobrunner/pkg/utils/kubeyaml"
	"github.com/opst/jobrunner/pkg/utils/pointer"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

const (
	EnvSlots             = "JOBRUNNER_SLOTS"
	EnvMemoryMB          = "JOBRUNNER_MEMORY_MB"
	EnvMemoryMBPerSlot   = "JOBRUNNER_MEMORY_MB_PER_SLOT"
	EnvInteractivePort   = "INTERACTIVETOOL_PORT"
	EnvInteractiveDomain = "INTERACTIVETOOL_DOMAIN"
	EnvInteractivePath   = "INTERACTIVETOOL_PATH"
)

var (
	ErrNoImage      = errors.New("no container image is given")
	ErrInvalidImage = errors.New("container image is malformed")
)

// Builder builds manifests for jobs, with the runner configuration.
type Builder struct {
	conf *runner.RunnerConfig
}

func New(conf *runner.RunnerConfig) *Builder {
	return &Builder{conf: conf}
}

// Prefix of names of resources this runner creates.
func (b *Builder) Prefix() string {
	return b.conf.Cluster().JobPrefix()
}

// ExposureName is the name of the Service and the Ingress of the job.
func (b *Builder) ExposureName(jobId string) string {
	return ExposureName(b.Prefix(), jobId)
}

func ExposureName(prefix string, jobId string) string {
	return prefix + "-" + sanitize.DNSLabel(jobId)
}

func (b *Builder) labels(req jobs.JobRequest) map[string]string {
	return map[string]string{
		cluster.LabelHandler:     sanitize.LabelValue(b.conf.Cluster().ServerName()),
		cluster.LabelDestination: sanitize.LabelValue(req.Destination.Id),
		cluster.LabelJobId:       sanitize.LabelValue(req.JobId),
		cluster.LabelInstance:    b.Prefix(),
		cluster.LabelManagedBy:   cluster.ManagedBy,
	}
}

func annotations(req jobs.JobRequest) map[string]string {
	return map[string]string{cluster.AnnotationToolId: req.Tool.Id}
}

// Job builds the Job manifest for the request.
//
// eps are entry points of the job. Entry points not configured are ignored.
//
// The Job is named by the control plane (`generateName`).
//
// # Returns
//
// - *kubebatch.Job
//
// - error: the request refers no image or a malformed one, or YAML fragments in its destination are broken.
func (b *Builder) Job(req jobs.JobRequest, eps []jobs.EntryPoint) (*kubebatch.Job, error) {
	jconf := b.conf.Job()
	params := req.Destination.Params

	image, err := b.image(req)
	if err != nil {
		return nil, err
	}

	affinity := jconf.Affinity()
	if params.Affinity != "" {
		if affinity, err = kubeyaml.Affinity(params.Affinity); err != nil {
			return nil, fmt.Errorf("destination %s: affinity: %w", req.Destination.Id, err)
		}
	}
	nodeSelector := jconf.NodeSelector()
	if params.NodeSelector != "" {
		if nodeSelector, err = kubeyaml.NodeSelector(params.NodeSelector); err != nil {
			return nil, fmt.Errorf("destination %s: nodeSelector: %w", req.Destination.Id, err)
		}
	}
	extraEnvs := jconf.ExtraEnvs()
	if params.ExtraEnvs != "" {
		if extraEnvs, err = kubeyaml.EnvVars(params.ExtraEnvs); err != nil {
			return nil, fmt.Errorf("destination %s: extraEnvs: %w", req.Destination.Id, err)
		}
	}

	labels := b.labels(req)
	labels[cluster.LabelName] = sanitize.LabelValue(req.Tool.Name())
	labels[cluster.LabelVersion] = sanitize.LabelValue(req.Tool.Version)
	labels[cluster.LabelComponent] = cluster.ComponentTool
	labels[cluster.LabelPartOf] = cluster.ManagedBy
	annots := annotations(req)

	// operator overrides win.
	extra := jconf.Metadata()
	for k, v := range extra.Labels {
		labels[k] = v
	}
	for k, v := range extra.Annotations {
		annots[k] = v
	}

	envs := utils.Concat(ResourceEnvs(req.Resources), extraEnvs)
	if req.HasGuestPorts() {
		routes, _ := b.routes(eps)
		for _, r := range routes {
			envs = append(
				envs,
				kubecore.EnvVar{Name: EnvInteractivePort, Value: strconv.Itoa(int(r.port))},
				kubecore.EnvVar{Name: EnvInteractiveDomain, Value: r.host},
				kubecore.EnvVar{Name: EnvInteractivePath, Value: r.entryPath},
			)
		}
	}

	volumes, mounts := volumes(jconf.Volumes())

	container := kubecore.Container{
		Name:            sanitize.ContainerName(req.Destination.Id),
		Image:           image,
		Command:         []string{req.Shell},
		Args:            []string{"-c", req.JobFile},
		WorkingDir:      req.WorkingDirectory,
		VolumeMounts:    mounts,
		Env:             envs,
		Resources:       resources(req.Resources),
		ImagePullPolicy: jconf.PullPolicy(),
	}

	spec := kubebatch.JobSpec{
		ActiveDeadlineSeconds: pointer.Ref(jconf.Walltime()),
		BackoffLimit:          pointer.Ref(int32(jconf.PodRetriesFor(params.MaxPodRetries))),
		Template: kubecore.PodTemplateSpec{
			ObjectMeta: kubeapimeta.ObjectMeta{
				Labels:      labels,
				Annotations: annots,
			},
			Spec: kubecore.PodSpec{
				RestartPolicy:     kubecore.RestartPolicyNever,
				Volumes:           volumes,
				Containers:        []kubecore.Container{container},
				PriorityClassName: jconf.PriorityClass(),
				Tolerations:       jconf.Tolerations(),
				Affinity:          affinity,
				NodeSelector:      nodeSelector,
				SecurityContext:   securityContext(jconf.SecurityContext()),
			},
		},
	}
	if ttl := jconf.TTLAfterFinished(); jconf.Cleanup() != jobs.CleanupNever && ttl != nil {
		spec.TTLSecondsAfterFinished = ttl
	}

	return &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{
			GenerateName: b.Prefix() + "-",
			Namespace:    b.conf.Cluster().Namespace(),
			Labels:       copyMap(labels),
			Annotations:  copyMap(annots),
		},
		Spec: spec,
	}, nil
}

// image chooses the image of the job, and checks it is a valid image reference.
func (b *Builder) image(req jobs.JobRequest) (string, error) {
	image, err := b.imageName(req)
	if err != nil {
		return "", err
	}
	if _, err := gcrname.ParseReference(image, gcrname.WithDefaultRegistry("")); err != nil {
		return "", fmt.Errorf("%w: job %s: %w", ErrInvalidImage, req.JobId, err)
	}
	return image, nil
}

func (b *Builder) imageName(req jobs.JobRequest) (string, error) {
	if req.Image != "" {
		return req.Image, nil
	}
	if p := req.Destination.Params; p.Image != "" {
		// repo/owner/image:tag, where repo, owner and tag are optional.
		image := p.Image
		if p.Owner != "" {
			image = p.Owner + "/" + image
		}
		if p.Repo != "" {
			image = p.Repo + "/" + image
		}
		if p.Tag != "" {
			image += ":" + p.Tag
		}
		return image, nil
	}
	if d := b.conf.Job().DefaultImage(); d != "" {
		return d, nil
	}
	return "", fmt.Errorf("%w: job %s", ErrNoImage, req.JobId)
}

// Service builds the Service exposing guest ports of the job.
func (b *Builder) Service(req jobs.JobRequest) *kubecore.Service {
	jobLabel := sanitize.LabelValue(req.JobId)
	return &kubecore.Service{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:        b.ExposureName(req.JobId),
			Namespace:   b.conf.Cluster().Namespace(),
			Labels:      b.labels(req),
			Annotations: annotations(req),
		},
		Spec: kubecore.ServiceSpec{
			Type: kubecore.ServiceTypeClusterIP,
			Ports: utils.Map(req.GuestPorts, func(p int32) kubecore.ServicePort {
				return kubecore.ServicePort{
					Name:       sanitize.DNSLabel(fmt.Sprintf("job-%s-%d", req.JobId, p)),
					Port:       p,
					Protocol:   kubecore.ProtocolTCP,
					TargetPort: intstr.FromInt32(p),
				}
			}),
			Selector: map[string]string{
				cluster.LabelName:      sanitize.LabelValue(req.Tool.Name()),
				cluster.LabelComponent: cluster.ComponentTool,
				cluster.LabelJobId:     jobLabel,
			},
		},
	}
}

// ResourceEnvs derives environment variables telling the job how much it can use.
//
// Requests are the source when any request is given. Otherwise, limits are.
//
// Slot count is `ceil(cpu)` from a request, or `floor(cpu)` (at least 1) from a limit.
// Memory is in megabytes (10^6 bytes).
func ResourceEnvs(res jobs.Resources) []kubecore.EnvVar {
	var slots, memMB int64
	if q := res.Requests; !q.Empty() {
		if q.CPU != nil {
			slots = (q.CPU.MilliValue() + 999) / 1000
		}
		if q.Memory != nil {
			memMB = q.Memory.Value() / 1_000_000
		}
	} else if q := res.Limits; !q.Empty() {
		if q.CPU != nil {
			slots = max(q.CPU.MilliValue()/1000, 1)
		}
		if q.Memory != nil {
			memMB = q.Memory.Value() / 1_000_000
		}
	}

	envs := []kubecore.EnvVar{}
	if 0 < slots {
		envs = append(envs, kubecore.EnvVar{Name: EnvSlots, Value: strconv.FormatInt(slots, 10)})
	}
	if 0 < memMB {
		envs = append(envs, kubecore.EnvVar{Name: EnvMemoryMB, Value: strconv.FormatInt(memMB, 10)})
		if 0 < slots {
			envs = append(envs, kubecore.EnvVar{Name: EnvMemoryMBPerSlot, Value: strconv.FormatInt(memMB/slots, 10)})
		}
	}
	return envs
}

func resources(res jobs.Resources) kubecore.ResourceRequirements {
	toList := func(q jobs.Quantities) kubecore.ResourceList {
		if q.Empty() {
			return nil
		}
		l := kubecore.ResourceList{}
		if q.CPU != nil {
			l[kubecore.ResourceCPU] = *q.CPU
		}
		if q.Memory != nil {
			l[kubecore.ResourceMemory] = *q.Memory
		}
		return l
	}
	return kubecore.ResourceRequirements{
		Requests: toList(res.Requests),
		Limits:   toList(res.Limits),
	}
}

// security context fields are set only when configured; zero is a valid id.
func securityContext(sc *runner.SecurityContext) *kubecore.PodSecurityContext {
	psc := &kubecore.PodSecurityContext{
		RunAsUser:  sc.RunAsUser(),
		RunAsGroup: sc.RunAsGroup(),
		FSGroup:    sc.FSGroup(),
	}
	if g := sc.SupplementalGroup(); g != nil {
		psc.SupplementalGroups = []int64{*g}
	}
	return psc
}

// volumes mounts persistent volume claims. A claim mounted twice is a volume.
func volumes(claims []runner.VolumeClaim) ([]kubecore.Volume, []kubecore.VolumeMount) {
	vols := []kubecore.Volume{}
	seen := map[string]struct{}{}
	for _, c := range claims {
		if _, ok := seen[c.ClaimName]; ok {
			continue
		}
		seen[c.ClaimName] = struct{}{}
		vols = append(vols, kubecore.Volume{
			Name: c.ClaimName,
			VolumeSource: kubecore.VolumeSource{
				PersistentVolumeClaim: &kubecore.PersistentVolumeClaimVolumeSource{ClaimName: c.ClaimName},
			},
		})
	}
	mounts := utils.Map(claims, func(c runner.VolumeClaim) kubecore.VolumeMount {
		return kubecore.VolumeMount{Name: c.ClaimName, MountPath: c.MountPath, SubPath: c.SubPath}
	})
	return vols, mounts
}

func copyMap(m map[string]string) map[string]string {
	ret := make(map[string]string, len(m))
	for k, v := range m {
		ret[k] = v
	}
	return ret
}
