// Package sanitize normalizes identifiers into names and label values
// Kubernetes accepts.
package sanitize

import (
	"regexp"
	"strings"
)

const maxLabelLength = 63

var (
	reNotInLabelValue    = regexp.MustCompile(`[^-A-Za-z0-9_.]`)
	reNotInContainerName = regexp.MustCompile(`[^-a-z0-9]`)
	reNotInSecretName    = regexp.MustCompile(`[^a-z0-9-]`)
	reNotInDNSLabel      = regexp.MustCompile(`[^a-z0-9-]+`)
)

func isAlnum(b byte) bool {
	return ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

// LabelValue forces value to conform to label value syntax.
//
// Characters other than `[-A-Za-z0-9_.]` are replaced with "_".
// Then "x" is prepended if it does not start with alphanumeric,
// and "x" is appended if it does not end with alphanumeric.
//
// The result matches `^[A-Za-z0-9][-A-Za-z0-9_.]*[A-Za-z0-9]$`
// (or is a single alphanumeric), or is empty for empty value.
// Results longer than 63 characters are truncated.
func LabelValue(value string) string {
	if value == "" {
		return ""
	}
	label := reNotInLabelValue.ReplaceAllString(value, "_")
	if !isAlnum(label[0]) {
		label = "x" + label
	}
	if !isAlnum(label[len(label)-1]) {
		label += "x"
	}
	if maxLabelLength < len(label) {
		label = label[:maxLabelLength]
		if !isAlnum(label[len(label)-1]) {
			label = label[:maxLabelLength-1] + "x"
		}
	}
	return label
}

// ContainerName makes a container name from a destination id.
//
// Characters other than `[-a-z0-9]` are replaced with "-",
// and it is wrapped with "x" when it starts or ends with "-".
// Empty id gives "job-container".
func ContainerName(id string) string {
	if id == "" {
		return "job-container"
	}
	name := reNotInContainerName.ReplaceAllString(id, "-")
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		name = "x" + name + "x"
	}
	return name
}

// TLSSecretName makes a secret name for the host:
// characters other than `[a-z0-9-]` are replaced with "-".
func TLSSecretName(host string) string {
	return reNotInSecretName.ReplaceAllString(host, "-")
}

// DNSLabel makes a DNS-1123 label from value
// (lower alphanumerics and "-", starting and ending with alphanumerics, up to 63 characters).
func DNSLabel(value string) string {
	label := reNotInDNSLabel.ReplaceAllString(strings.ToLower(value), "-")
	label = strings.Trim(label, "-")
	if maxLabelLength < len(label) {
		label = strings.TrimRight(label[:maxLabelLength], "-")
	}
	return label
}
