// Package kubeyaml parses YAML fragments into Kubernetes API types.
//
// Fragments are converted to JSON first, so fields are named as in the API (json tags).
package kubeyaml

import (
	"sort"
	"strings"

	xe "github.com/opst/jobrunner/pkg/errors"
	kubecore "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"
)

// Unmarshal parses text into T. Blank text gives zero value.
func Unmarshal[T any](text string) (T, error) {
	var out T
	if strings.TrimSpace(text) == "" {
		return out, nil
	}
	if err := yaml.Unmarshal([]byte(text), &out); err != nil {
		return out, xe.Wrap(err)
	}
	return out, nil
}

func Tolerations(text string) ([]kubecore.Toleration, error) {
	return Unmarshal[[]kubecore.Toleration](text)
}

// Affinity returns nil for blank text.
func Affinity(text string) (*kubecore.Affinity, error) {
	return Unmarshal[*kubecore.Affinity](text)
}

func NodeSelector(text string) (map[string]string, error) {
	return Unmarshal[map[string]string](text)
}

// EnvVars parses a mapping of names to values into EnvVars, sorted by name.
func EnvVars(text string) ([]kubecore.EnvVar, error) {
	envs, err := Unmarshal[map[string]string](text)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(envs))
	for k := range envs {
		names = append(names, k)
	}
	sort.Strings(names)

	ret := make([]kubecore.EnvVar, 0, len(names))
	for _, n := range names {
		ret = append(ret, kubecore.EnvVar{Name: n, Value: envs[n]})
	}
	return ret, nil
}

// Metadata is a pair of labels and annotations.
type Metadata struct {
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func ParseMetadata(text string) (Metadata, error) {
	return Unmarshal[Metadata](text)
}
