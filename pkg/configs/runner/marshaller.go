package runner

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrMisconfigured = errors.New("runner config is misconfigured")

// load runner config from a file.
//
// args:
//   - filepath: filepath refers a config file.
//
// returns *RunnerConfig, error:
//
//	When loading success, returns `(*RunnerConfig, nil)`.
//	Otherwise, returns `(nil, error)`.
func Load(filepath string) (*RunnerConfig, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

// Unmarshal parses and seals config.
//
// Misconfigurations are reported as errors wrapping ErrMisconfigured.
func Unmarshal(conf []byte) (out *RunnerConfig, err error) {
	var _out *RunnerConfigMarshall
	if err := yaml.Unmarshal(conf, &_out); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrMisconfigured, r)
		}
	}()
	out = TrySeal(_out)
	return out, nil
}
