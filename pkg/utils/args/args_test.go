package args_test

import (
	"errors"
	"flag"
	"io"
	"strconv"
	"testing"

	"github.com/opst/jobrunner/pkg/utils/args"
)

type Even int

func AsEven(s string) (Even, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if v%2 != 0 {
		return 0, errors.New("odd number!")
	}
	return Even(v), nil
}

func (e Even) String() string {
	return strconv.Itoa(int(e))
}

func TestArgs(t *testing.T) {
	t.Run("when it is not set, it has default value", func(t *testing.T) {
		testee := args.Parser(AsEven, Even(8))
		if testee.IsSet() {
			t.Error("it is set, unexpectedly")
		}
		if testee.Value() != Even(8) {
			t.Errorf("unexpected default: %d", testee.Value())
		}
		if testee.String() != "" {
			t.Errorf("unexpected String(): %s", testee.String())
		}
	})

	t.Run("when it parses an acceptable value, parsing success", func(t *testing.T) {
		testee := args.Parser(AsEven, Even(0))

		f := flag.NewFlagSet("test", flag.ContinueOnError)
		f.Var(testee, "arg", "")
		if err := f.Parse([]string{"-arg", "12"}); err != nil {
			t.Fatal(err)
		}

		if !testee.IsSet() {
			t.Error("it is not set")
		}
		if testee.Value() != Even(12) {
			t.Errorf("unmatch: Value(): (actual, expected) = (%d, %d)", testee.Value(), 12)
		}
	})

	t.Run("when it parses an unacceptable value, parsing fails", func(t *testing.T) {
		testee := args.Parser(AsEven, Even(0))

		f := flag.NewFlagSet("test", flag.ContinueOnError)
		f.SetOutput(io.Discard)
		f.Var(testee, "arg", "")
		if err := f.Parse([]string{"-arg", "13"}); err == nil {
			t.Fatal("expected error is not returned")
		}
		if testee.IsSet() {
			t.Error("it is set, unexpectedly")
		}
	})
}
