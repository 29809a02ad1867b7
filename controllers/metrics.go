package controllers

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	forkspacerControllerReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkspacer_controller_reconcile_total",
			Help: "Number of reconciliations by controller.",
		},
		[]string{"controller"},
	)
	forkspacerControllerReconcileErrorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkspacer_controller_reconcile_error_total",
			Help: "Number of reconciliation errors by controller.",
		},
		[]string{"controller"},
	)

	moduleInstallTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkspacer_module_install_total",
			Help: "Total number of module install attempts by outcome.",
		},
		[]string{"outcome"},
	)

	moduleInstallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forkspacer_module_install_duration_seconds",
			Help:    "Time taken by backend install calls.",
			Buckets: prometheus.DefBuckets,
		},
	)

	workspaceHibernationTransitionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkspacer_workspace_hibernation_transition_total",
			Help: "Workspace hibernate/wake transitions by trigger.",
		},
		[]string{"action", "trigger"},
	)

	workspaceForkTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkspacer_workspace_fork_total",
			Help: "Completed workspace forks by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		forkspacerControllerReconcileTotal,
		forkspacerControllerReconcileErrorTotal,
		moduleInstallTotal,
		moduleInstallDuration,
		workspaceHibernationTransitionTotal,
		workspaceForkTotal,
	)
}
