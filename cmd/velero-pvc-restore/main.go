package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Vikaspogu/velero-pvc-restore/pkg/coordinator"
	"github.com/Vikaspogu/velero-pvc-restore/pkg/engine"
	"github.com/Vikaspogu/velero-pvc-restore/pkg/logging"

	flag "github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	velerov1 "github.com/vmware-tanzu/velero/pkg/apis/velero/v1"
)

func main() {
	var (
		cfg             coordinator.Config
		veleroNamespace string
		kubeconfig      string
		verbose         bool
	)

	flag.StringVarP(&cfg.BackupName, "backup", "b", "", "Velero backup to restore from (required)")
	flag.StringVarP(&cfg.Namespace, "namespace", "n", "", "Namespace to restore")
	flag.StringVarP(&cfg.ClaimName, "claim", "c", "", "Restore a single claim (requires --namespace)")
	flag.BoolVarP(&cfg.AllNamespaces, "all-namespaces", "A", false, "Restore every namespace the backup covers")
	flag.StringVar(&cfg.RestoreName, "restore-name", "", "Restore name (default: <backup>-<timestamp>)")
	flag.BoolVarP(&cfg.AutoConfirm, "yes", "y", false, "Delete workloads without prompting")
	flag.BoolVarP(&cfg.Wait, "wait", "w", false, "Wait for the restore to complete and report its outcome")
	flag.BoolVar(&cfg.DryRun, "dry-run", false, "Show the teardown plan without changing anything")
	flag.BoolVar(&cfg.ListBackups, "list-backups", false, "List available backups and exit")
	flag.StringVar(&veleroNamespace, "velero-namespace", velerov1.DefaultNamespace, "Namespace Velero is installed in")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig (default: in-cluster or ~/.kube/config)")
	flag.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	log := logging.New(verbose)
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	restConfig, err := buildRESTConfig(kubeconfig)
	if err != nil {
		log.Fatalf("building client config: %v", err)
	}
	kube, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		log.Fatalf("creating Kubernetes client: %v", err)
	}
	velero, err := engine.NewClient(restConfig)
	if err != nil {
		log.Fatalf("creating Velero client: %v", err)
	}

	eng := engine.New(velero, veleroNamespace, log)
	if err := coordinator.New(kube, eng, cfg, log).Run(ctx); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func buildRESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}

	// Try in-cluster first, then fall back to the default kubeconfig
	config, err := rest.InClusterConfig()
	if err == nil {
		return config, nil
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	configOverrides := &clientcmd.ConfigOverrides{}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides).ClientConfig()
}
