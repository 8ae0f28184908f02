package cluster

import (
	"fmt"
	"sort"
	"strings"
)

const (
	LabelName      = "app.kubernetes.io/name"
	LabelInstance  = "app.kubernetes.io/instance"
	LabelVersion   = "app.kubernetes.io/version"
	LabelComponent = "app.kubernetes.io/component"
	LabelPartOf    = "app.kubernetes.io/part-of"
	LabelManagedBy = "app.kubernetes.io/managed-by"

	LabelJobId       = "jobrunner/job-id"
	LabelHandler     = "jobrunner/handler"
	LabelDestination = "jobrunner/destination"

	AnnotationToolId = "jobrunner/tool-id"

	// label put on pods by the job controller.
	LabelControllerJobName = "job-name"

	ManagedBy = "jobrunner"

	ComponentTool = "tool"
)

// SelectorElement is a requirement for a label value.
type SelectorElement interface {
	QueryString(key string) string
	Equal(SelectorElement) bool
}

// LabelSelector maps label keys to requirements.
type LabelSelector map[string]SelectorElement

// QueryString formats the selector as comma separated requirements, sorted by key.
func (ls LabelSelector) QueryString() string {
	keys := make([]string, 0, len(ls))
	for k := range ls {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	query := make([]string, 0, len(keys))
	for _, k := range keys {
		query = append(query, ls[k].QueryString(k))
	}
	return strings.Join(query, ",")
}

// EqualityBased is a selector element "=value", "==value" or "!=value".
//
// A value without operator means equality.
type EqualityBased string

func (e EqualityBased) split() (op string, value string) {
	s := string(e)
	switch {
	case strings.HasPrefix(s, "!="):
		return "!=", s[2:]
	case strings.HasPrefix(s, "=="):
		return "=", s[2:]
	case strings.HasPrefix(s, "="):
		return "=", s[1:]
	default:
		return "=", s
	}
}

func (e EqualityBased) QueryString(key string) string {
	op, value := e.split()
	return fmt.Sprintf("%s%s%s", key, op, value)
}

func (e EqualityBased) Equal(other SelectorElement) bool {
	o, ok := other.(EqualityBased)
	if !ok {
		return false
	}
	eop, evalue := e.split()
	oop, ovalue := o.split()
	return eop == oop && evalue == ovalue
}

// LabelsToSelector makes a selector requiring all of labels.
func LabelsToSelector(labels map[string]string) LabelSelector {
	ls := LabelSelector{}
	for k, v := range labels {
		ls[k] = EqualityBased(v)
	}
	return ls
}

// JobSelector selects Jobs created by the runner instance denoted with prefix.
func JobSelector(prefix string) LabelSelector {
	return LabelSelector{
		LabelInstance:  EqualityBased(prefix),
		LabelManagedBy: EqualityBased(ManagedBy),
	}
}

// PodSelector selects Pods owned by the Job named jobName.
func PodSelector(jobName string) LabelSelector {
	return LabelSelector{
		LabelControllerJobName: EqualityBased(jobName),
	}
}
