package manifest

import (
	"fmt"
	"strings"

	"github.com/opst/jobrunner/pkg/cluster/sanitize"
	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/opst/jobrunner/pkg/utils"
	kubenet "k8s.io/api/networking/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
)

type route struct {
	port int32
	host string

	// path in ingress rule.
	path string

	// path told to the job.
	entryPath string
}

// routes of configured entry points, and warnings about them.
func (b *Builder) routes(eps []jobs.EntryPoint) ([]route, []string) {
	proxyHost := b.conf.InteractiveTools().ProxyHost()

	routes := []route{}
	warnings := []string{}
	for _, ep := range utils.Filter(eps, func(ep jobs.EntryPoint) bool { return ep.Configured }) {
		path := ep.Path
		if p, _, ok := strings.Cut(path, "?"); ok {
			// query is kept in links, but never routed.
			warnings = append(warnings, fmt.Sprintf(
				"entry point for port %d has query in its path (%s); it is removed from routing",
				ep.Port, path,
			))
			path = p
		}
		r := route{port: ep.Port, host: proxyHost, path: path, entryPath: path}
		if ep.RequiresDomain {
			r.host = ep.Subdomain + "." + proxyHost
			r.path = "/"
		}
		routes = append(routes, r)
	}
	return routes, warnings
}

// Ingress builds the Ingress routing configured entry points to the Service of the job.
//
// It also returns warnings found on entry points.
func (b *Builder) Ingress(req jobs.JobRequest, eps []jobs.EntryPoint) (*kubenet.Ingress, []string) {
	tools := b.conf.InteractiveTools()
	name := b.ExposureName(req.JobId)
	routes, warnings := b.routes(eps)

	annots := annotations(req)
	for k, v := range tools.IngressAnnotations() {
		annots[k] = v
	}

	pathType := kubenet.PathTypePrefix
	spec := kubenet.IngressSpec{
		Rules: utils.Map(routes, func(r route) kubenet.IngressRule {
			return kubenet.IngressRule{
				Host: r.host,
				IngressRuleValue: kubenet.IngressRuleValue{
					HTTP: &kubenet.HTTPIngressRuleValue{
						Paths: []kubenet.HTTPIngressPath{
							{
								Path:     r.path,
								PathType: &pathType,
								Backend: kubenet.IngressBackend{
									Service: &kubenet.IngressServiceBackend{
										Name: name,
										Port: kubenet.ServiceBackendPort{Number: r.port},
									},
								},
							},
						},
					},
				},
			}
		}),
	}
	if class := tools.IngressClass(); class != "" {
		spec.IngressClassName = &class
	}
	if tools.UseSSL() {
		seen := map[string]struct{}{}
		for _, r := range routes {
			if _, ok := seen[r.host]; ok {
				continue
			}
			seen[r.host] = struct{}{}
			spec.TLS = append(spec.TLS, kubenet.IngressTLS{
				Hosts:      []string{r.host},
				SecretName: sanitize.TLSSecretName(r.host),
			})
		}
	}

	return &kubenet.Ingress{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:        name,
			Namespace:   b.conf.Cluster().Namespace(),
			Labels:      b.labels(req),
			Annotations: annots,
		},
		Spec: spec,
	}, warnings
}
