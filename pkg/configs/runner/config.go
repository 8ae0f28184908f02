package runner

import (
	"net/url"
	"time"

	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/opst/jobrunner/pkg/utils/kubeyaml"
	kubecore "k8s.io/api/core/v1"
)

// Configuration of the runner.
//
// To get an instance, use `TrySeal` or `Unmarshal`.
type RunnerConfig struct {
	port     int32
	database string
	workers  int

	cluster *ClusterConfig
	job     *JobConfig
	monitor *MonitorConfig
	tools   *InteractiveToolsConfig
	hooks   *HooksConfig
}

// HTTP port to listen.
func (c *RunnerConfig) Port() int32 {
	return c.port
}

// Connection string for database. Empty means "in memory".
func (c *RunnerConfig) Database() string {
	return c.database
}

// Number of submission workers.
func (c *RunnerConfig) Workers() int {
	return c.workers
}

func (c *RunnerConfig) Cluster() *ClusterConfig {
	return c.cluster
}

func (c *RunnerConfig) Job() *JobConfig {
	return c.job
}

func (c *RunnerConfig) Monitor() *MonitorConfig {
	return c.monitor
}

func (c *RunnerConfig) InteractiveTools() *InteractiveToolsConfig {
	return c.tools
}

func (c *RunnerConfig) Hooks() *HooksConfig {
	return c.hooks
}

type ClusterConfig struct {
	namespace  string
	kubeconfig string
	instanceId string
	serverName string
}

// k8s namespace where jobs are placed. default = "default"
func (c *ClusterConfig) Namespace() string {
	return c.namespace
}

// Path to kubeconfig. Empty means "search it, or in-cluster".
func (c *ClusterConfig) Kubeconfig() string {
	return c.kubeconfig
}

func (c *ClusterConfig) InstanceId() string {
	return c.instanceId
}

// Name of this runner, labelled as handler of jobs. default = "main"
func (c *ClusterConfig) ServerName() string {
	return c.serverName
}

// Prefix of Job names, also labelled as instance of jobs.
//
// It is "jr" or "jr-<instance id>".
func (c *ClusterConfig) JobPrefix() string {
	if c.instanceId == "" {
		return "jr"
	}
	return "jr-" + c.instanceId
}

type SecurityContext struct {
	runAsUser         *int64
	runAsGroup        *int64
	supplementalGroup *int64
	fsGroup           *int64
}

func (s *SecurityContext) RunAsUser() *int64 {
	return s.runAsUser
}

func (s *SecurityContext) RunAsGroup() *int64 {
	return s.runAsGroup
}

func (s *SecurityContext) SupplementalGroup() *int64 {
	return s.supplementalGroup
}

func (s *SecurityContext) FSGroup() *int64 {
	return s.fsGroup
}

type VolumeClaim struct {
	ClaimName string
	SubPath   string
	MountPath string
}

type JobConfig struct {
	defaultImage  string
	pullPolicy    kubecore.PullPolicy
	priorityClass string
	security      *SecurityContext

	podRetries            int
	walltime              int64
	unschedulableWalltime int64
	ttlAfterFinished      *int32

	cleanup         jobs.CleanupPolicy
	deletionTimeout time.Duration

	metadata     kubeyaml.Metadata
	volumes      []VolumeClaim
	tolerations  []kubecore.Toleration
	affinity     *kubecore.Affinity
	nodeSelector map[string]string
	extraEnvs    []kubecore.EnvVar
}

// Image used when neither the request nor the destination tells.
func (j *JobConfig) DefaultImage() string {
	return j.defaultImage
}

// Pull policy of containers. Empty means "leave it to the cluster".
func (j *JobConfig) PullPolicy() kubecore.PullPolicy {
	return j.pullPolicy
}

func (j *JobConfig) PriorityClass() string {
	return j.priorityClass
}

func (j *JobConfig) SecurityContext() *SecurityContext {
	return j.security
}

// Max number of failed pods allowed for a job. default = 3
func (j *JobConfig) PodRetries() int {
	return j.podRetries
}

// PodRetriesFor gives the pod retry limit for a job.
// The override given by the destination wins.
func (j *JobConfig) PodRetriesFor(override *int) int {
	if override != nil {
		return *override
	}
	return j.podRetries
}

// Active deadline of jobs in seconds. default = 172800
func (j *JobConfig) Walltime() int64 {
	return j.walltime
}

// Seconds to wait for an unschedulable job. 0 means "wait forever".
func (j *JobConfig) UnschedulableWalltime() int64 {
	return j.unschedulableWalltime
}

// TTL after finished in seconds, or nil.
func (j *JobConfig) TTLAfterFinished() *int32 {
	return j.ttlAfterFinished
}

// default = "always"
func (j *JobConfig) Cleanup() jobs.CleanupPolicy {
	return j.cleanup
}

// Timeout for each deletion request. default = 30s
func (j *JobConfig) DeletionTimeout() time.Duration {
	return j.deletionTimeout
}

// Extra labels and annotations put on jobs.
func (j *JobConfig) Metadata() kubeyaml.Metadata {
	return j.metadata
}

func (j *JobConfig) Volumes() []VolumeClaim {
	return j.volumes
}

func (j *JobConfig) Tolerations() []kubecore.Toleration {
	return j.tolerations
}

func (j *JobConfig) Affinity() *kubecore.Affinity {
	return j.affinity
}

func (j *JobConfig) NodeSelector() map[string]string {
	return j.nodeSelector
}

func (j *JobConfig) ExtraEnvs() []kubecore.EnvVar {
	return j.extraEnvs
}

type MonitorConfig struct {
	interval    time.Duration
	pollTimeout time.Duration
}

// Interval between monitor cycles. default = 5s
func (m *MonitorConfig) Interval() time.Duration {
	return m.interval
}

// Timeout for polling a job. default = 30s
func (m *MonitorConfig) PollTimeout() time.Duration {
	return m.pollTimeout
}

type InteractiveToolsConfig struct {
	proxyHost          string
	pathPrefix         string
	useSSL             bool
	ingressClass       string
	ingressAnnotations map[string]string
}

// Host where interactive tools are served. default = "localhost"
func (i *InteractiveToolsConfig) ProxyHost() string {
	return i.proxyHost
}

// Prefix of entry point paths. default = "/interactivetool/ep"
func (i *InteractiveToolsConfig) PathPrefix() string {
	return i.pathPrefix
}

func (i *InteractiveToolsConfig) UseSSL() bool {
	return i.useSSL
}

func (i *InteractiveToolsConfig) IngressClass() string {
	return i.ingressClass
}

func (i *InteractiveToolsConfig) IngressAnnotations() map[string]string {
	return i.ingressAnnotations
}

type HooksConfig struct {
	before []*url.URL
	after  []*url.URL
}

// URLs called before submitting a job.
func (h *HooksConfig) Before() []*url.URL {
	return h.before
}

// URLs called after a job is finalized.
func (h *HooksConfig) After() []*url.URL {
	return h.after
}
