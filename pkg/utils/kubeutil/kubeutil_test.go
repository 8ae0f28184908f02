package kubeutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opst/jobrunner/pkg/utils/kubeutil"
)

func TestFindKubeconfig(t *testing.T) {
	t.Run("search path wins over KUBECONFIG", func(t *testing.T) {
		dir := t.TempDir()
		fromEnv := filepath.Join(dir, "env-config")
		fromArg := filepath.Join(dir, "arg-config")
		for _, f := range []string{fromEnv, fromArg} {
			if err := os.WriteFile(f, []byte{}, 0600); err != nil {
				t.Fatal(err)
			}
		}
		t.Setenv("KUBECONFIG", fromEnv)

		if actual := kubeutil.FindKubeconfig(filepath.Join(dir, "missing"), fromArg); actual != fromArg {
			t.Errorf("unexpected kubeconfig: %s", actual)
		}
		if actual := kubeutil.FindKubeconfig(); actual != fromEnv {
			t.Errorf("unexpected kubeconfig: %s", actual)
		}
	})

	t.Run("directories are not kubeconfig", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("KUBECONFIG", dir)
		t.Setenv("HOME", dir)
		if actual := kubeutil.FindKubeconfig(dir); actual != "" {
			t.Errorf("unexpected kubeconfig: %s", actual)
		}
	})
}
