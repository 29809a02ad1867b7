package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// +kubebuilder:validation:Enum=ready;hibernated;failed;terminating
type WorkspacePhase string

const (
	WorkspacePhaseReady       WorkspacePhase = "ready"
	WorkspacePhaseHibernated  WorkspacePhase = "hibernated"
	WorkspacePhaseFailed      WorkspacePhase = "failed"
	WorkspacePhaseTerminating WorkspacePhase = "terminating"
)

// +kubebuilder:validation:Enum=kubernetes
type WorkspaceType string

const (
	WorkspaceTypeKubernetes WorkspaceType = "kubernetes"
)

// +kubebuilder:validation:Enum=local;in-cluster;kubeconfig
type WorkspaceConnectionType string

const (
	WorkspaceConnectionTypeLocal      WorkspaceConnectionType = "local"
	WorkspaceConnectionTypeInCluster  WorkspaceConnectionType = "in-cluster"
	WorkspaceConnectionTypeKubeconfig WorkspaceConnectionType = "kubeconfig"
)

type WorkspaceConnectionSecretReference struct {
	// +required
	// +kubebuilder:validation:MinLength=1
	// +kubebuilder:validation:MaxLength=253
	Name string `json:"name"`

	// Namespace of the secret. Defaults to the Workspace's own namespace.
	// +optional
	// +kubebuilder:validation:MaxLength=63
	Namespace string `json:"namespace,omitempty"`

	// Key in the secret to retrieve. Defaults to "kubeconfig".
	// +optional
	// +kubebuilder:default=kubeconfig
	// +kubebuilder:validation:MinLength=1
	Key string `json:"key,omitempty"`
}

type WorkspaceConnection struct {
	// +kubebuilder:default=in-cluster
	Type WorkspaceConnectionType `json:"type"`

	// +optional
	SecretReference *WorkspaceConnectionSecretReference `json:"secretReference,omitempty"`
}

type WorkspaceAutoHibernation struct {
	// +kubebuilder:default=false
	Enabled bool `json:"enabled"`

	// Schedule is a 5- or 6-field (optional leading seconds) cron expression
	// describing when the workspace goes to sleep.
	// +required
	// +kubebuilder:validation:MinLength=0
	Schedule string `json:"schedule"`

	// WakeSchedule describes when the workspace wakes up again. If absent the
	// workspace sleeps on schedule and must be woken manually.
	// +optional
	// +kubebuilder:validation:MinLength=0
	WakeSchedule *string `json:"wakeSchedule,omitempty"`
}

// WorkspaceFromReference points at the source Workspace of a fork.
// It is immutable after creation.
type WorkspaceFromReference struct {
	// +required
	// +kubebuilder:validation:MinLength=1
	// +kubebuilder:validation:MaxLength=253
	Name string `json:"name"`

	// +kubebuilder:default=default
	// +kubebuilder:validation:MinLength=1
	// +kubebuilder:validation:MaxLength=63
	Namespace string `json:"namespace"`

	// +kubebuilder:default=false
	MigrateData bool `json:"migrateData"`
}

// WorkspaceSpec defines the desired state of Workspace
type WorkspaceSpec struct {
	// +kubebuilder:default=kubernetes
	Type WorkspaceType `json:"type"`

	// +optional
	From *WorkspaceFromReference `json:"from,omitempty"`

	// +kubebuilder:default=false
	Hibernated bool `json:"hibernated"`

	// +kubebuilder:default={type: "in-cluster"}
	Connection WorkspaceConnection `json:"connection"`

	// +optional
	AutoHibernation *WorkspaceAutoHibernation `json:"autoHibernation,omitempty"`
}

// WorkspaceStatus defines the observed state of Workspace.
type WorkspaceStatus struct {
	// conditions represent the current state of the Workspace resource.
	// +listType=map
	// +listMapKey=type
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	Phase WorkspacePhase `json:"phase"`

	// +kubebuilder:default=false
	Ready bool `json:"ready"`

	// +optional
	LastActivity *metav1.Time `json:"lastActivity,omitempty"`

	// +optional
	HibernatedAt *metav1.Time `json:"hibernatedAt,omitempty"`

	// +optional
	Message *string `json:"message,omitempty"`

	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// Workspace is an isolated target environment that Modules install into.
//
// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=ws
// +kubebuilder:printcolumn:JSONPath=".status.phase",name=Phase,type=string
// +kubebuilder:printcolumn:JSONPath=".status.ready",name=Ready,type=boolean
// +kubebuilder:printcolumn:JSONPath=".status.lastActivity",name=Last Activity,type=string,format=date-time
// +kubebuilder:printcolumn:JSONPath=".status.hibernatedAt",name=Hibernated At,type=string,format=date-time
// +kubebuilder:printcolumn:JSONPath=".status.message",name=Message,type=string
type Workspace struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   WorkspaceSpec   `json:"spec"`
	Status WorkspaceStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true
type WorkspaceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Workspace `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Workspace{}, &WorkspaceList{})
}
