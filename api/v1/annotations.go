package v1

// Finalizers and annotation keys shared by the controllers. All state that
// must survive controller restarts (release names, pre-sleep replica counts,
// fork/auto-hibernation markers) is persisted here rather than in memory.
const (
	WorkspaceFinalizer = "operator.forkspacer.io/workspace-cleanup"
	ModuleFinalizer    = "operator.forkspacer.io/module-cleanup"

	// AnnotationReleaseName pins the helm release name assigned to a Module
	// at first install. Never regenerated.
	AnnotationReleaseName = "operator.forkspacer.io/release-name"

	// AnnotationReplicaState records pre-sleep replica counts as JSON so
	// Resume can restore them.
	AnnotationReplicaState = "operator.forkspacer.io/previous-replicas"

	// AnnotationForkCompleted marks a forked Workspace whose fork protocol
	// already ran, making repeated reconciles idempotent.
	AnnotationForkCompleted = "operator.forkspacer.io/fork-completed"

	// AnnotationAutoHibernationState is the hibernation state last applied by
	// the auto-hibernation scheduler ("true"/"false").
	AnnotationAutoHibernationState = "operator.forkspacer.io/auto-hibernation-state"

	// AnnotationAutoHibernationAt is the RFC3339 time of the last
	// scheduler-applied transition.
	AnnotationAutoHibernationAt = "operator.forkspacer.io/auto-hibernation-at"

	// AnnotationManualHibernationAt is the RFC3339 time a manual
	// spec.hibernated change was first observed. Cron boundaries that fired
	// before it are ignored.
	AnnotationManualHibernationAt = "operator.forkspacer.io/manual-hibernation-at"

	// AnnotationObservedHibernated is the spec.hibernated value last observed
	// by the workspace controller. A mismatch against the live spec is what
	// identifies a manual change.
	AnnotationObservedHibernated = "operator.forkspacer.io/observed-hibernated"

	// AnnotationMigrationSourceHibernated records, on the forked workspace,
	// the fork source's hibernation state before the data migration bracket.
	// A crash mid-copy restores the source from it on the next reconcile.
	AnnotationMigrationSourceHibernated = "operator.forkspacer.io/migration-source-hibernated"

	// AnnotationMigrationDestHibernated records the forked workspace's own
	// hibernation state before the data migration bracket. Both sides sleep
	// for the duration of the copy and are restored from these markers.
	AnnotationMigrationDestHibernated = "operator.forkspacer.io/migration-destination-hibernated"
)
