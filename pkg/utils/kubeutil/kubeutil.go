package kubeutil

import (
	"os"
	"path/filepath"

	xe "github.com/opst/jobrunner/pkg/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// FindKubeconfig returns the path of kubeconfig to be used.
//
// It searches, from the least priority,
//
// - `~/.kube/config`
//
// - environmental variable `KUBECONFIG`
//
// - the file found first in searchPath
//
// It returns "" when nothing is found. Then in-cluster config should be used.
func FindKubeconfig(searchPath ...string) string {
	kubeconfig := ""

	if home := homedir.HomeDir(); home != "" {
		if p := filepath.Join(home, ".kube", "config"); isFile(p) {
			kubeconfig = p
		}
	}

	if k := os.Getenv("KUBECONFIG"); k != "" && isFile(k) {
		kubeconfig = k
	}

	for _, sp := range searchPath {
		if sp != "" && isFile(sp) {
			kubeconfig = sp
			break
		}
	}
	return kubeconfig
}

func isFile(p string) bool {
	s, err := os.Stat(p)
	return err == nil && !s.IsDir()
}

// ConnectToK8s builds a clientset from a kubeconfig found by FindKubeconfig,
// falling back to in-cluster config.
func ConnectToK8s(kubeconfigSearchPath ...string) (*kubernetes.Clientset, error) {
	var config *rest.Config
	var err error
	if kubeconfig := FindKubeconfig(kubeconfigSearchPath...); kubeconfig == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, xe.WrapWithNote("loading kubeconfig", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return clientset, nil
}
