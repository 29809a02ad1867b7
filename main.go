package main

import (
	"flag"
	"os"
	"strconv"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	operatorv1 "github.com/forkspacer/forkspacer/api/v1"
	"github.com/forkspacer/forkspacer/controllers"
	"github.com/forkspacer/forkspacer/internal/backend"
	"github.com/forkspacer/forkspacer/internal/chart"
	"github.com/forkspacer/forkspacer/internal/connection"
	"github.com/forkspacer/forkspacer/internal/fork"
	"github.com/forkspacer/forkspacer/internal/hibernation"
	"github.com/forkspacer/forkspacer/internal/manifest"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(operatorv1.AddToScheme(scheme))
}

// maxInstallRetriesFromEnv reads the per-generation install attempt ceiling.
func maxInstallRetriesFromEnv() int32 {
	raw := os.Getenv("FORKSPACER_MAX_INSTALL_RETRIES")
	if raw == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || parsed <= 0 {
		setupLog.Info("ignoring invalid FORKSPACER_MAX_INSTALL_RETRIES", "value", raw)
		return 0
	}
	return int32(parsed)
}

func main() {
	var metricsAddr string
	var probeAddr string
	var enableLeaderElection bool
	var helmBin string

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false, "Enable leader election for controller manager.")
	flag.StringVar(&helmBin, "helm-binary", "helm", "Path to the helm binary used for chart operations.")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "operator.forkspacer.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	fetcher := &manifest.Fetcher{Client: mgr.GetClient()}
	resolver := &connection.Resolver{
		Reader: mgr.GetClient(),
		Scheme: scheme,
		InClusterConfig: func() (*rest.Config, error) {
			return mgr.GetConfig(), nil
		},
	}
	builder := &backend.Builder{
		Operator: mgr.GetClient(),
		Driver:   &chart.ExecDriver{Client: mgr.GetClient(), HelmBin: helmBin},
		Values:   &chart.ValuesResolver{Client: mgr.GetClient()},
	}
	forker := &fork.Forker{Client: mgr.GetClient()}

	if err := (&controllers.ModuleReconciler{
		Client:      mgr.GetClient(),
		Scheme:      mgr.GetScheme(),
		Recorder:    mgr.GetEventRecorderFor("Module"),
		Fetcher:     fetcher,
		Connections: resolver,
		Backends:    builder,
		MaxRetries:  maxInstallRetriesFromEnv(),
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Module")
		os.Exit(1)
	}

	if err := (&controllers.WorkspaceReconciler{
		Client:      mgr.GetClient(),
		Scheme:      mgr.GetScheme(),
		Recorder:    mgr.GetEventRecorderFor("Workspace"),
		Connections: resolver,
		Scheduler:   hibernation.NewScheduler(),
		Forker:      forker,
		Copier:      fork.SecretConfigMapCopier{},
		Fetcher:     fetcher,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Workspace")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
