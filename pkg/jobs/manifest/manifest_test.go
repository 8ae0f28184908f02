package manifest_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/opst/jobrunner/pkg/cluster"
	"github.com/opst/jobrunner/pkg/configs/runner"
	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/opst/jobrunner/pkg/jobs/manifest"
	"github.com/opst/jobrunner/pkg/utils/cmp"
	"github.com/opst/jobrunner/pkg/utils/pointer"
	kubecore "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

func mustConfig(t *testing.T, yml string) *runner.RunnerConfig {
	t.Helper()
	conf, err := runner.Unmarshal([]byte(yml))
	if err != nil {
		t.Fatal(err)
	}
	return conf
}

func quantity(s string) *resource.Quantity {
	q := resource.MustParse(s)
	return &q
}

func envEq(a, b kubecore.EnvVar) bool {
	return a.Name == b.Name && a.Value == b.Value
}

func TestResourceEnvs(t *testing.T) {
	theory := func(when jobs.Resources, then []kubecore.EnvVar) func(*testing.T) {
		return func(t *testing.T) {
			actual := manifest.ResourceEnvs(when)
			if !cmp.SliceEqWith(actual, then, envEq) {
				t.Errorf(
					"unmatch:\n===actual===\n%+v\n===expected===\n%+v",
					actual, then,
				)
			}
		}
	}

	t.Run("cpu request is ceiled", theory(
		jobs.Resources{Requests: jobs.Quantities{CPU: quantity("2.5")}},
		[]kubecore.EnvVar{{Name: manifest.EnvSlots, Value: "3"}},
	))
	t.Run("cpu limit is floored", theory(
		jobs.Resources{Limits: jobs.Quantities{CPU: quantity("2.5")}},
		[]kubecore.EnvVar{{Name: manifest.EnvSlots, Value: "2"}},
	))
	t.Run("cpu limit less than 1 gives 1 slot", theory(
		jobs.Resources{Limits: jobs.Quantities{CPU: quantity("0.4")}},
		[]kubecore.EnvVar{{Name: manifest.EnvSlots, Value: "1"}},
	))
	t.Run("memory is in megabytes, and divided by slots", theory(
		jobs.Resources{Requests: jobs.Quantities{CPU: quantity("3"), Memory: quantity("10G")}},
		[]kubecore.EnvVar{
			{Name: manifest.EnvSlots, Value: "3"},
			{Name: manifest.EnvMemoryMB, Value: "10000"},
			{Name: manifest.EnvMemoryMBPerSlot, Value: "3333"},
		},
	))
	t.Run("memory without cpu", theory(
		jobs.Resources{Limits: jobs.Quantities{Memory: quantity("512Mi")}},
		[]kubecore.EnvVar{{Name: manifest.EnvMemoryMB, Value: "536"}},
	))
	t.Run("requests are preferred to limits", theory(
		jobs.Resources{
			Requests: jobs.Quantities{Memory: quantity("2G")},
			Limits:   jobs.Quantities{CPU: quantity("4"), Memory: quantity("8G")},
		},
		[]kubecore.EnvVar{{Name: manifest.EnvMemoryMB, Value: "2000"}},
	))
	t.Run("no resources, no envs", theory(
		jobs.Resources{},
		[]kubecore.EnvVar{},
	))
}

const fullConfig = `
cluster:
  namespace: jobs
  instanceId: dev
  serverName: handler@main
job:
  pullPolicy: Always
  priorityClass: low
  securityContext:
    runAsUser: "1000"
    runAsGroup: "0"
    supplementalGroup: "0"
  podRetries: 2
  walltime: 600
  ttlSecondsAfterFinished: 60
  cleanup: onsuccess
  metadata:
    labels:
      team: data
      jobrunner/handler: overridden
    annotations:
      owner: someone
  persistentVolumeClaims:
    - shared/a:/mnt/a
    - shared/b:/mnt/b
    - scratch:/scratch
  nodeSelector:
    disk: hdd
  extraEnvs:
    FROM_CONFIG: "yes"
interactiveTools:
  proxyHost: its.example.com
  useSSL: true
  ingressClass: nginx
  ingressAnnotations:
    example.com/annotation: "on"
`

func request() jobs.JobRequest {
	return jobs.JobRequest{
		JobId:            "Job#42",
		Tool:             jobs.Tool{Id: "toolshed/repos/bwa/1.0", OldId: "bwa", Version: "1.0+galaxy"},
		Shell:            "/bin/bash",
		JobFile:          "/work/42/job.sh",
		WorkingDirectory: "/work/42",
		Resources: jobs.Resources{
			Requests: jobs.Quantities{CPU: quantity("2"), Memory: quantity("4G")},
			Limits:   jobs.Quantities{CPU: quantity("4")},
		},
		Destination: jobs.Destination{
			Id: "k8s_default",
			Params: jobs.DestinationParams{
				MaxPodRetries: pointer.Ref(5),
				Repo:          "quay.io",
				Owner:         "biocontainers",
				Image:         "bwa",
				Tag:           "0.7.17",
				NodeSelector:  "disk: ssd",
			},
		},
	}
}

func TestJob(t *testing.T) {
	conf := mustConfig(t, fullConfig)
	testee := manifest.New(conf)

	job, err := testee.Job(request(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("it is named by the control plane", func(t *testing.T) {
		if job.Name != "" || job.GenerateName != "jr-dev-" || job.Namespace != "jobs" {
			t.Errorf("unexpected meta: %+v", job.ObjectMeta)
		}
	})

	t.Run("labels are conformed, and overridden by extra metadata", func(t *testing.T) {
		expected := map[string]string{
			cluster.LabelName:        "bwa",
			cluster.LabelInstance:    "jr-dev",
			cluster.LabelVersion:     "1.0_galaxy",
			cluster.LabelComponent:   cluster.ComponentTool,
			cluster.LabelPartOf:      cluster.ManagedBy,
			cluster.LabelManagedBy:   cluster.ManagedBy,
			cluster.LabelJobId:       "Job_42",
			cluster.LabelHandler:     "overridden",
			cluster.LabelDestination: "k8s_default",
			"team":                   "data",
		}
		if !cmp.MapEq(job.Labels, expected) {
			t.Errorf("job labels:\n===actual===\n%+v\n===expected===\n%+v", job.Labels, expected)
		}
		if !cmp.MapEq(job.Spec.Template.Labels, expected) {
			t.Errorf("pod labels:\n===actual===\n%+v\n===expected===\n%+v", job.Spec.Template.Labels, expected)
		}
		annots := map[string]string{cluster.AnnotationToolId: "toolshed/repos/bwa/1.0", "owner": "someone"}
		if !cmp.MapEq(job.Spec.Template.Annotations, annots) {
			t.Errorf("annotations: %+v", job.Spec.Template.Annotations)
		}
	})

	t.Run("job spec carries deadline, ttl and retries", func(t *testing.T) {
		spec := job.Spec
		if !cmp.PEqEq(spec.ActiveDeadlineSeconds, pointer.Ref[int64](600)) {
			t.Errorf("activeDeadlineSeconds: %v", spec.ActiveDeadlineSeconds)
		}
		if !cmp.PEqEq(spec.TTLSecondsAfterFinished, pointer.Ref[int32](60)) {
			t.Errorf("ttlSecondsAfterFinished: %v", spec.TTLSecondsAfterFinished)
		}
		if !cmp.PEqEq(spec.BackoffLimit, pointer.Ref[int32](5)) {
			t.Errorf("backoffLimit: %v", spec.BackoffLimit)
		}
	})

	t.Run("pod spec", func(t *testing.T) {
		pod := job.Spec.Template.Spec
		if pod.RestartPolicy != kubecore.RestartPolicyNever {
			t.Errorf("restartPolicy: %s", pod.RestartPolicy)
		}
		if pod.PriorityClassName != "low" {
			t.Errorf("priorityClassName: %s", pod.PriorityClassName)
		}
		if !cmp.MapEq(pod.NodeSelector, map[string]string{"disk": "ssd"}) {
			t.Errorf("nodeSelector should be overridden by destination: %v", pod.NodeSelector)
		}

		sc := pod.SecurityContext
		if !cmp.PEqEq(sc.RunAsUser, pointer.Ref[int64](1000)) || !cmp.PEqEq(sc.RunAsGroup, pointer.Ref[int64](0)) {
			t.Errorf("runAs: %v, %v", sc.RunAsUser, sc.RunAsGroup)
		}
		if !cmp.SliceEq(sc.SupplementalGroups, []int64{0}) {
			t.Errorf("zero supplemental group should be kept: %v", sc.SupplementalGroups)
		}
		if sc.FSGroup != nil {
			t.Errorf("unset fsGroup should be absent: %v", *sc.FSGroup)
		}

		vols := []string{}
		for _, v := range pod.Volumes {
			vols = append(vols, v.PersistentVolumeClaim.ClaimName)
		}
		if !cmp.SliceEq(vols, []string{"shared", "scratch"}) {
			t.Errorf("volumes: %v", vols)
		}
	})

	t.Run("container", func(t *testing.T) {
		containers := job.Spec.Template.Spec.Containers
		if len(containers) != 1 {
			t.Fatalf("containers: %+v", containers)
		}
		c := containers[0]
		if c.Name != "k8s-default" {
			t.Errorf("name: %s", c.Name)
		}
		if c.Image != "quay.io/biocontainers/bwa:0.7.17" {
			t.Errorf("image: %s", c.Image)
		}
		if c.ImagePullPolicy != kubecore.PullAlways {
			t.Errorf("imagePullPolicy: %s", c.ImagePullPolicy)
		}
		if !cmp.SliceEq(c.Command, []string{"/bin/bash"}) || !cmp.SliceEq(c.Args, []string{"-c", "/work/42/job.sh"}) {
			t.Errorf("command: %v %v", c.Command, c.Args)
		}
		if c.WorkingDir != "/work/42" {
			t.Errorf("workingDir: %s", c.WorkingDir)
		}

		mounts := []kubecore.VolumeMount{
			{Name: "shared", SubPath: "a", MountPath: "/mnt/a"},
			{Name: "shared", SubPath: "b", MountPath: "/mnt/b"},
			{Name: "scratch", MountPath: "/scratch"},
		}
		if !cmp.SliceEqWith(c.VolumeMounts, mounts, func(a, b kubecore.VolumeMount) bool {
			return a.Name == b.Name && a.SubPath == b.SubPath && a.MountPath == b.MountPath
		}) {
			t.Errorf("volumeMounts: %+v", c.VolumeMounts)
		}

		envs := []kubecore.EnvVar{
			{Name: manifest.EnvSlots, Value: "2"},
			{Name: manifest.EnvMemoryMB, Value: "4000"},
			{Name: manifest.EnvMemoryMBPerSlot, Value: "2000"},
			{Name: "FROM_CONFIG", Value: "yes"},
		}
		if !cmp.SliceEqWith(c.Env, envs, envEq) {
			t.Errorf("env:\n===actual===\n%+v\n===expected===\n%+v", c.Env, envs)
		}

		if cpu := c.Resources.Requests[kubecore.ResourceCPU]; cpu.Cmp(resource.MustParse("2")) != 0 {
			t.Errorf("cpu request: %s", cpu.String())
		}
		if cpu := c.Resources.Limits[kubecore.ResourceCPU]; cpu.Cmp(resource.MustParse("4")) != 0 {
			t.Errorf("cpu limit: %s", cpu.String())
		}
		if _, ok := c.Resources.Limits[kubecore.ResourceMemory]; ok {
			t.Errorf("memory limit is not requested: %v", c.Resources.Limits)
		}
	})

	t.Run("ttl is not set under cleanup policy never", func(t *testing.T) {
		conf := mustConfig(t, `
job:
  cleanup: never
  ttlSecondsAfterFinished: 60
`)
		job, err := manifest.New(conf).Job(request(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if job.Spec.TTLSecondsAfterFinished != nil {
			t.Errorf("ttl is set: %d", *job.Spec.TTLSecondsAfterFinished)
		}
		if !cmp.PEqEq(job.Spec.ActiveDeadlineSeconds, pointer.Ref[int64](172800)) {
			t.Errorf("default walltime is not set: %v", job.Spec.ActiveDeadlineSeconds)
		}
		if job.Spec.Template.Spec.Containers[0].ImagePullPolicy != "" {
			t.Errorf("default pull policy is left to the cluster")
		}
		if !cmp.PEqEq(job.Spec.BackoffLimit, pointer.Ref[int32](5)) {
			t.Errorf("backoffLimit: %v", job.Spec.BackoffLimit)
		}
	})

	t.Run("explicit image wins, default image is the last resort", func(t *testing.T) {
		conf := mustConfig(t, `job: {defaultImage: "busybox:1"}`)
		testee := manifest.New(conf)

		req := request()
		req.Image = "example.com/tool:2"
		job, err := testee.Job(req, nil)
		if err != nil {
			t.Fatal(err)
		}
		if image := job.Spec.Template.Spec.Containers[0].Image; image != "example.com/tool:2" {
			t.Errorf("image: %s", image)
		}

		req = request()
		req.Destination.Params = jobs.DestinationParams{}
		job, err = testee.Job(req, nil)
		if err != nil {
			t.Fatal(err)
		}
		if image := job.Spec.Template.Spec.Containers[0].Image; image != "busybox:1" {
			t.Errorf("image: %s", image)
		}
	})

	t.Run("it errors without any image", func(t *testing.T) {
		req := request()
		req.Destination.Params = jobs.DestinationParams{}
		if _, err := manifest.New(mustConfig(t, ``)).Job(req, nil); err == nil {
			t.Error("no error")
		}
	})

	t.Run("it errors for malformed images", func(t *testing.T) {
		theory := func(when jobs.DestinationParams, image string) func(*testing.T) {
			return func(t *testing.T) {
				req := request()
				req.Destination.Params = when
				req.Image = image
				_, err := manifest.New(mustConfig(t, ``)).Job(req, nil)
				if !errors.Is(err, manifest.ErrInvalidImage) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}

		t.Run("explicit image with a broken tag", theory(jobs.DestinationParams{}, "bwa:not a tag!"))
		t.Run("explicit image with upper case", theory(jobs.DestinationParams{}, "Example/Tool:1"))
		t.Run("destination image with a broken tag", theory(
			jobs.DestinationParams{Repo: "quay.io", Owner: "biocontainers", Image: "bwa", Tag: "0.7.17 beta"}, "",
		))
	})

	t.Run("digests are valid images", func(t *testing.T) {
		req := request()
		req.Image = "quay.io/biocontainers/bwa@sha256:" + strings.Repeat("a", 64)
		job, err := manifest.New(mustConfig(t, ``)).Job(req, nil)
		if err != nil {
			t.Fatal(err)
		}
		if image := job.Spec.Template.Spec.Containers[0].Image; image != req.Image {
			t.Errorf("image: %s", image)
		}
	})

	t.Run("it errors for broken destination fragments", func(t *testing.T) {
		req := request()
		req.Destination.Params.Affinity = "nodeAffinity: [broken"
		if _, err := testee.Job(req, nil); err == nil {
			t.Error("no error")
		}
	})

	t.Run("interactive envs are exported per configured entry point", func(t *testing.T) {
		req := request()
		req.GuestPorts = []int32{8888, 9999}
		req.Resources = jobs.Resources{}
		job, err := manifest.New(mustConfig(t, fullConfig)).Job(req, []jobs.EntryPoint{
			{Port: 8888, Configured: true, Path: "/its/ep/abc/?token=x"},
			{Port: 9999, Configured: false, Path: "/its/ep/def/"},
		})
		if err != nil {
			t.Fatal(err)
		}
		expected := []kubecore.EnvVar{
			{Name: "FROM_CONFIG", Value: "yes"},
			{Name: manifest.EnvInteractivePort, Value: "8888"},
			{Name: manifest.EnvInteractiveDomain, Value: "its.example.com"},
			{Name: manifest.EnvInteractivePath, Value: "/its/ep/abc/"},
		}
		if actual := job.Spec.Template.Spec.Containers[0].Env; !cmp.SliceEqWith(actual, expected, envEq) {
			t.Errorf("env:\n===actual===\n%+v\n===expected===\n%+v", actual, expected)
		}
	})
}

func TestService(t *testing.T) {
	testee := manifest.New(mustConfig(t, fullConfig))
	req := request()
	req.GuestPorts = []int32{8888, 9999}

	svc := testee.Service(req)

	if svc.Name != "jr-dev-job-42" || svc.Namespace != "jobs" {
		t.Errorf("unexpected meta: %s/%s", svc.Namespace, svc.Name)
	}
	if svc.Labels[cluster.LabelJobId] != "Job_42" {
		t.Errorf("labels: %v", svc.Labels)
	}
	if svc.Spec.Type != kubecore.ServiceTypeClusterIP {
		t.Errorf("type: %s", svc.Spec.Type)
	}
	expectedSelector := map[string]string{
		cluster.LabelName:      "bwa",
		cluster.LabelComponent: cluster.ComponentTool,
		cluster.LabelJobId:     "Job_42",
	}
	if !cmp.MapEq(svc.Spec.Selector, expectedSelector) {
		t.Errorf("selector: %v", svc.Spec.Selector)
	}

	type port struct {
		name   string
		port   int32
		target int32
		proto  kubecore.Protocol
	}
	actual := []port{}
	for _, p := range svc.Spec.Ports {
		actual = append(actual, port{name: p.Name, port: p.Port, target: p.TargetPort.IntVal, proto: p.Protocol})
	}
	expected := []port{
		{name: "job-job-42-8888", port: 8888, target: 8888, proto: kubecore.ProtocolTCP},
		{name: "job-job-42-9999", port: 9999, target: 9999, proto: kubecore.ProtocolTCP},
	}
	if !cmp.SliceEq(actual, expected) {
		t.Errorf("ports:\n===actual===\n%+v\n===expected===\n%+v", actual, expected)
	}
}

func TestIngress(t *testing.T) {
	type When struct {
		config string
		eps    []jobs.EntryPoint
	}
	type rule struct {
		host string
		path string
		port int32
	}
	type tls struct {
		host   string
		secret string
	}
	type Then struct {
		rules    []rule
		tls      []tls
		warnings int
		class    string
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			testee := manifest.New(mustConfig(t, when.config))
			req := request()
			req.GuestPorts = []int32{8888, 9999}

			ing, warnings := testee.Ingress(req, when.eps)

			if len(warnings) != then.warnings {
				t.Errorf("warnings: %v", warnings)
			}
			if ing.Name != testee.ExposureName(req.JobId) {
				t.Errorf("name: %s", ing.Name)
			}

			rules := []rule{}
			for _, r := range ing.Spec.Rules {
				for _, p := range r.HTTP.Paths {
					if p.Backend.Service.Name != ing.Name {
						t.Errorf("backend service: %s", p.Backend.Service.Name)
					}
					if *p.PathType != "Prefix" {
						t.Errorf("pathType: %s", *p.PathType)
					}
					rules = append(rules, rule{host: r.Host, path: p.Path, port: p.Backend.Service.Port.Number})
				}
			}
			if !cmp.SliceEq(rules, then.rules) {
				t.Errorf("rules:\n===actual===\n%+v\n===expected===\n%+v", rules, then.rules)
			}

			actualTLS := []tls{}
			for _, entry := range ing.Spec.TLS {
				for _, h := range entry.Hosts {
					actualTLS = append(actualTLS, tls{host: h, secret: entry.SecretName})
				}
			}
			if !cmp.SliceEq(actualTLS, then.tls) {
				t.Errorf("tls:\n===actual===\n%+v\n===expected===\n%+v", actualTLS, then.tls)
			}

			class := ""
			if ing.Spec.IngressClassName != nil {
				class = *ing.Spec.IngressClassName
			}
			if class != then.class {
				t.Errorf("ingressClassName: %s", class)
			}
		}
	}

	eps := []jobs.EntryPoint{
		{Port: 8888, Configured: true, Path: "/interactivetool/ep/a/b/"},
		{Port: 9999, Configured: true, RequiresDomain: true, Subdomain: "abc-def", Path: "/ignored/"},
		{Port: 7777, Configured: false, Path: "/interactivetool/ep/c/d/"},
	}

	t.Run("configured entry points are routed, with TLS for each host", theory(
		When{config: fullConfig, eps: eps},
		Then{
			rules: []rule{
				{host: "its.example.com", path: "/interactivetool/ep/a/b/", port: 8888},
				{host: "abc-def.its.example.com", path: "/", port: 9999},
			},
			tls: []tls{
				{host: "its.example.com", secret: "its-example-com"},
				{host: "abc-def.its.example.com", secret: "abc-def-its-example-com"},
			},
			class: "nginx",
		},
	))

	t.Run("TLS is emitted once per host", theory(
		When{
			config: fullConfig,
			eps: []jobs.EntryPoint{
				{Port: 8888, Configured: true, Path: "/a/"},
				{Port: 9999, Configured: true, Path: "/b/"},
			},
		},
		Then{
			rules: []rule{
				{host: "its.example.com", path: "/a/", port: 8888},
				{host: "its.example.com", path: "/b/", port: 9999},
			},
			tls:   []tls{{host: "its.example.com", secret: "its-example-com"}},
			class: "nginx",
		},
	))

	t.Run("queries are stripped from paths with warnings", theory(
		When{
			config: ``,
			eps: []jobs.EntryPoint{
				{Port: 8888, Configured: true, Path: "/a/?token=secret"},
			},
		},
		Then{
			rules:    []rule{{host: "localhost", path: "/a/", port: 8888}},
			tls:      []tls{},
			warnings: 1,
		},
	))

	t.Run("annotations are merged", func(t *testing.T) {
		ing, _ := manifest.New(mustConfig(t, fullConfig)).Ingress(request(), eps)
		expected := map[string]string{
			cluster.AnnotationToolId: "toolshed/repos/bwa/1.0",
			"example.com/annotation": "on",
		}
		if !cmp.MapEq(ing.Annotations, expected) {
			t.Errorf("annotations: %v", ing.Annotations)
		}
	})
}
