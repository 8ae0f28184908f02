package sanitize_test

import (
	"regexp"
	"strings"
	"testing"

	"github.com/opst/jobrunner/pkg/cluster/sanitize"
)

var reLabelValue = regexp.MustCompile(`^[A-Za-z0-9]([-A-Za-z0-9_.]*[A-Za-z0-9])?$`)

func TestLabelValue(t *testing.T) {
	for name, testcase := range map[string]struct {
		when string
		then string
	}{
		"conforming value is kept": {
			when: "my_value.1", then: "my_value.1",
		},
		"disallowed characters are replaced with underscore": {
			when: "toolshed/repos/bwa mem", then: "toolshed_repos_bwa_mem",
		},
		"value not starting with alphanumeric is prefixed": {
			when: "_tool", then: "x_tool",
		},
		"value not ending with alphanumeric is suffixed": {
			when: "tool-", then: "tool-x",
		},
		"value of only disallowed characters": {
			when: "/", then: "x_x",
		},
		"empty value is empty": {
			when: "", then: "",
		},
	} {
		t.Run(name, func(t *testing.T) {
			if actual := sanitize.LabelValue(testcase.when); actual != testcase.then {
				t.Errorf("unmatch: (actual, expected) = (%s, %s)", actual, testcase.then)
			}
		})
	}

	t.Run("results conform to label value syntax", func(t *testing.T) {
		for _, when := range []string{
			"héllo wörld", "-", ".", "__init__", "a", "toolshed.g2.bx.psu.edu/repos/devteam/bwa/bwa/0.7.17.4",
			"!@#$%^&*()", " leading space", "trailing space ", "日本語",
			strings.Repeat("long-value/", 20),
		} {
			actual := sanitize.LabelValue(when)
			if !reLabelValue.MatchString(actual) {
				t.Errorf("%q -> %q does not conform", when, actual)
			}
			if 63 < len(actual) {
				t.Errorf("%q -> %q is too long", when, actual)
			}
		}
	})
}

func TestContainerName(t *testing.T) {
	for name, testcase := range map[string]struct {
		when string
		then string
	}{
		"lower alphanumerics are kept":          {when: "k8s-default", then: "k8s-default"},
		"disallowed characters are replaced":    {when: "k8s_Default", then: "k8s--efault"},
		"name starting with hyphen is wrapped":  {when: "_k8s", then: "x-k8sx"},
		"name ending with hyphen is wrapped":    {when: "k8s.", then: "xk8s-x"},
		"empty name falls back to default name": {when: "", then: "job-container"},
	} {
		t.Run(name, func(t *testing.T) {
			if actual := sanitize.ContainerName(testcase.when); actual != testcase.then {
				t.Errorf("unmatch: (actual, expected) = (%s, %s)", actual, testcase.then)
			}
		})
	}
}

func TestTLSSecretName(t *testing.T) {
	if actual := sanitize.TLSSecretName("abc.its.example.com"); actual != "abc-its-example-com" {
		t.Errorf("unexpected: %s", actual)
	}
}

func TestDNSLabel(t *testing.T) {
	for when, then := range map[string]string{
		"Job_42":          "job-42",
		"--abc--":         "abc",
		"a.b.c":           "a-b-c",
		"":                "",
		strings.Repeat("a", 70): strings.Repeat("a", 63),
	} {
		if actual := sanitize.DNSLabel(when); actual != then {
			t.Errorf("DNSLabel(%q): (actual, expected) = (%s, %s)", when, actual, then)
		}
	}
}
