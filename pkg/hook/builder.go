package hook

import (
	"net/url"

	"github.com/opst/jobrunner/pkg/configs/runner"
)

// Build makes webhooks for T from the configuration. Responses are discarded.
//
// With no URLs, it returns None.
func Build[T any](conf *runner.HooksConfig) Hook[T, struct{}] {
	before, after := conf.Before(), conf.After()
	if len(before) == 0 && len(after) == 0 {
		return None[T]{}
	}
	return Web[T, struct{}]{
		BeforeURL: append([]*url.URL{}, before...),
		AfterURL:  append([]*url.URL{}, after...),
		Merge:     func(struct{}, struct{}) struct{} { return struct{}{} },
	}
}
