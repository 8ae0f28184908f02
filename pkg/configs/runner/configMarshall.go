package runner

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/opst/jobrunner/pkg/utils/kubeyaml"
	"github.com/opst/jobrunner/pkg/utils/pointer"
	"gopkg.in/yaml.v3"
	kubecore "k8s.io/api/core/v1"
)

var (
	defaultGetuid = os.Getuid
	defaultGetgid = os.Getgid

	getuid = defaultGetuid
	getgid = defaultGetgid
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
//
// All types named `XxxMarshall` in this package are `Marshalled[*Xxx]`.
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

// YAMLFragment is a YAML value kept as text, to be parsed later into API types.
//
// Both of a string holding YAML and a YAML node are accepted.
type YAMLFragment string

func (f *YAMLFragment) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!str" {
		*f = YAMLFragment(node.Value)
		return nil
	}
	text, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	*f = YAMLFragment(text)
	return nil
}

type RunnerConfigMarshall struct {
	Port     int32  `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Workers  int    `yaml:"workers,omitempty"`

	Cluster          *ClusterConfigMarshall          `yaml:"cluster,omitempty"`
	Job              *JobConfigMarshall              `yaml:"job,omitempty"`
	Monitor          *MonitorConfigMarshall          `yaml:"monitor,omitempty"`
	InteractiveTools *InteractiveToolsConfigMarshall `yaml:"interactiveTools,omitempty"`
	Hooks            *HooksConfigMarshall            `yaml:"hooks,omitempty"`
}

var _ Marshalled[*RunnerConfig] = &RunnerConfigMarshall{}

func (r *RunnerConfigMarshall) trySeal(path string) *RunnerConfig {
	if r == nil {
		r = &RunnerConfigMarshall{}
	}
	return &RunnerConfig{
		port:     positive(defaulted(r.Port, 8080), path+".port"),
		database: r.Database,
		workers:  positive(defaulted(r.Workers, 4), path+".workers"),
		cluster:  r.Cluster.trySeal(path + ".cluster"),
		job:      r.Job.trySeal(path + ".job"),
		monitor:  r.Monitor.trySeal(path + ".monitor"),
		tools:    r.InteractiveTools.trySeal(path + ".interactiveTools"),
		hooks:    r.Hooks.trySeal(path + ".hooks"),
	}
}

type ClusterConfigMarshall struct {
	Namespace  string `yaml:"namespace,omitempty"`
	Kubeconfig string `yaml:"kubeconfig,omitempty"`
	InstanceId string `yaml:"instanceId,omitempty"`
	ServerName string `yaml:"serverName,omitempty"`
}

var reInstanceId = regexp.MustCompile(`^[a-z0-9-]{0,20}$`)

func (c *ClusterConfigMarshall) trySeal(path string) *ClusterConfig {
	if c == nil {
		c = &ClusterConfigMarshall{}
	}
	if !reInstanceId.MatchString(c.InstanceId) {
		panic(fmt.Sprintf(
			"%s.instanceId should be up to 20 lower alphanumerics or '-': %s", path, c.InstanceId,
		))
	}
	return &ClusterConfig{
		namespace:  defaulted(c.Namespace, "default"),
		kubeconfig: c.Kubeconfig,
		instanceId: c.InstanceId,
		serverName: defaulted(c.ServerName, "main"),
	}
}

type SecurityContextMarshall struct {
	// integer or "$uid"
	RunAsUser string `yaml:"runAsUser,omitempty"`

	// integer or "$gid"
	RunAsGroup        string `yaml:"runAsGroup,omitempty"`
	SupplementalGroup string `yaml:"supplementalGroup,omitempty"`
	FSGroup           string `yaml:"fsGroup,omitempty"`
}

func (s *SecurityContextMarshall) trySeal(path string) *SecurityContext {
	if s == nil {
		s = &SecurityContextMarshall{}
	}
	return &SecurityContext{
		runAsUser:         securityId(s.RunAsUser, "$uid", getuid, path+".runAsUser"),
		runAsGroup:        securityId(s.RunAsGroup, "$gid", getgid, path+".runAsGroup"),
		supplementalGroup: securityId(s.SupplementalGroup, "$gid", getgid, path+".supplementalGroup"),
		fsGroup:           securityId(s.FSGroup, "$gid", getgid, path+".fsGroup"),
	}
}

// securityId resolves value as an id. Empty value is unset, and zero is a valid id.
func securityId(value string, placeholder string, resolve func() int, path string) *int64 {
	switch value = strings.TrimSpace(value); value {
	case "":
		return nil
	case placeholder:
		return pointer.Ref(int64(resolve()))
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id < 0 {
		panic(fmt.Sprintf(`%s should be a non-negative integer or "%s": %s`, path, placeholder, value))
	}
	return &id
}

type JobConfigMarshall struct {
	DefaultImage    string                   `yaml:"defaultImage,omitempty"`
	PullPolicy      string                   `yaml:"pullPolicy,omitempty"`
	PriorityClass   string                   `yaml:"priorityClass,omitempty"`
	SecurityContext *SecurityContextMarshall `yaml:"securityContext,omitempty"`

	PodRetries              *int   `yaml:"podRetries,omitempty"`
	Walltime                *int64 `yaml:"walltime,omitempty"`
	UnschedulableWalltime   int64  `yaml:"unschedulableWalltime,omitempty"`
	TTLSecondsAfterFinished *int32 `yaml:"ttlSecondsAfterFinished,omitempty"`

	Cleanup         string `yaml:"cleanup,omitempty"`
	DeletionTimeout string `yaml:"deletionTimeout,omitempty"`

	Metadata               YAMLFragment `yaml:"metadata,omitempty"`
	PersistentVolumeClaims []string     `yaml:"persistentVolumeClaims,omitempty"`
	Tolerations            YAMLFragment `yaml:"tolerations,omitempty"`
	Affinity               YAMLFragment `yaml:"affinity,omitempty"`
	NodeSelector           YAMLFragment `yaml:"nodeSelector,omitempty"`
	ExtraEnvs              YAMLFragment `yaml:"extraEnvs,omitempty"`
}

func (j *JobConfigMarshall) trySeal(path string) *JobConfig {
	if j == nil {
		j = &JobConfigMarshall{}
	}

	cleanup, err := jobs.ParseCleanupPolicy(defaulted(j.Cleanup, string(jobs.CleanupAlways)))
	if err != nil {
		panic(fmt.Errorf("%s.cleanup: %w", path, err))
	}

	if ttl := j.TTLSecondsAfterFinished; ttl != nil && *ttl < 0 {
		panic(fmt.Sprintf("%s.ttlSecondsAfterFinished should not be negative: %d", path, *ttl))
	}

	return &JobConfig{
		defaultImage:  j.DefaultImage,
		pullPolicy:    pullPolicy(j.PullPolicy, path+".pullPolicy"),
		priorityClass: j.PriorityClass,
		security:      j.SecurityContext.trySeal(path + ".securityContext"),

		podRetries:            nonnegative(valueOr(j.PodRetries, 3), path+".podRetries"),
		walltime:              nonnegative(valueOr(j.Walltime, 172800), path+".walltime"),
		unschedulableWalltime: nonnegative(j.UnschedulableWalltime, path+".unschedulableWalltime"),
		ttlAfterFinished:      j.TTLSecondsAfterFinished,

		cleanup:         cleanup,
		deletionTimeout: positive(duration(defaulted(j.DeletionTimeout, "30s"), path+".deletionTimeout"), path+".deletionTimeout"),

		metadata:     fragment(kubeyaml.ParseMetadata, j.Metadata, path+".metadata"),
		volumes:      volumeClaims(j.PersistentVolumeClaims, path+".persistentVolumeClaims"),
		tolerations:  fragment(kubeyaml.Tolerations, j.Tolerations, path+".tolerations"),
		affinity:     fragment(kubeyaml.Affinity, j.Affinity, path+".affinity"),
		nodeSelector: fragment(kubeyaml.NodeSelector, j.NodeSelector, path+".nodeSelector"),
		extraEnvs:    fragment(kubeyaml.EnvVars, j.ExtraEnvs, path+".extraEnvs"),
	}
}

func pullPolicy(value string, path string) kubecore.PullPolicy {
	switch p := kubecore.PullPolicy(value); p {
	case "", "Default":
		return ""
	case kubecore.PullAlways, kubecore.PullIfNotPresent, kubecore.PullNever:
		return p
	}
	panic(fmt.Sprintf("%s should be one of Always|IfNotPresent|Never|Default: %s", path, value))
}

// volumeClaims parses "claim[/subPath]:/mount/path".
func volumeClaims(specs []string, path string) []VolumeClaim {
	ret := make([]VolumeClaim, 0, len(specs))
	for nth, spec := range specs {
		claim, mount, ok := strings.Cut(strings.TrimSpace(spec), ":")
		if !ok || claim == "" || mount == "" {
			panic(fmt.Sprintf(`%s[%d] should be "claim[/subPath]:/mount/path": %s`, path, nth, spec))
		}
		name, subPath, _ := strings.Cut(claim, "/")
		ret = append(ret, VolumeClaim{ClaimName: name, SubPath: subPath, MountPath: mount})
	}
	return ret
}

type MonitorConfigMarshall struct {
	Interval    string `yaml:"interval,omitempty"`
	PollTimeout string `yaml:"pollTimeout,omitempty"`
}

func (m *MonitorConfigMarshall) trySeal(path string) *MonitorConfig {
	if m == nil {
		m = &MonitorConfigMarshall{}
	}
	return &MonitorConfig{
		interval:    positive(duration(defaulted(m.Interval, "5s"), path+".interval"), path+".interval"),
		pollTimeout: positive(duration(defaulted(m.PollTimeout, "30s"), path+".pollTimeout"), path+".pollTimeout"),
	}
}

type InteractiveToolsConfigMarshall struct {
	ProxyHost          string       `yaml:"proxyHost,omitempty"`
	PathPrefix         string       `yaml:"pathPrefix,omitempty"`
	UseSSL             bool         `yaml:"useSSL,omitempty"`
	IngressClass       string       `yaml:"ingressClass,omitempty"`
	IngressAnnotations YAMLFragment `yaml:"ingressAnnotations,omitempty"`
}

func (i *InteractiveToolsConfigMarshall) trySeal(path string) *InteractiveToolsConfig {
	if i == nil {
		i = &InteractiveToolsConfigMarshall{}
	}
	return &InteractiveToolsConfig{
		proxyHost:          defaulted(i.ProxyHost, "localhost"),
		pathPrefix:         "/" + strings.Trim(defaulted(i.PathPrefix, "/interactivetool/ep"), "/"),
		useSSL:             i.UseSSL,
		ingressClass:       i.IngressClass,
		ingressAnnotations: fragment(kubeyaml.Unmarshal[map[string]string], i.IngressAnnotations, path+".ingressAnnotations"),
	}
}

type HooksConfigMarshall struct {
	Before []string `yaml:"before,omitempty"`
	After  []string `yaml:"after,omitempty"`
}

func (h *HooksConfigMarshall) trySeal(path string) *HooksConfig {
	if h == nil {
		h = &HooksConfigMarshall{}
	}
	return &HooksConfig{
		before: urls(h.Before, path+".before"),
		after:  urls(h.After, path+".after"),
	}
}

func urls(raw []string, path string) []*url.URL {
	ret := make([]*url.URL, 0, len(raw))
	for nth, u := range raw {
		parsed, err := url.Parse(u)
		if err != nil {
			panic(fmt.Errorf("%s[%d] can not be parsed: %w", path, nth, err))
		}
		ret = append(ret, parsed)
	}
	return ret
}

func fragment[T any](parse func(string) (T, error), f YAMLFragment, path string) T {
	v, err := parse(string(f))
	if err != nil {
		panic(fmt.Errorf("%s can not be parsed: %w", path, err))
	}
	return v
}

func duration(s string, path string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Errorf("%s can not be parsed: %w", path, err))
	}
	return d
}

func defaulted[T comparable](v T, def T) T {
	if v == *new(T) {
		return def
	}
	return v
}

func valueOr[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

type number interface {
	~int | ~int32 | ~int64
}

func positive[T number](v T, path string) T {
	if v <= 0 {
		panic(fmt.Sprintf("%s should be positive: %d", path, v))
	}
	return v
}

func nonnegative[T number](v T, path string) T {
	if v < 0 {
		panic(fmt.Sprintf("%s should not be negative: %d", path, v))
	}
	return v
}
