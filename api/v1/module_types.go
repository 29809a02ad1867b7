package v1

import (
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// +kubebuilder:validation:Enum=installing;ready;sleeping;sleeped;resuming;uninstalling;failed
type ModulePhase string

const (
	ModulePhaseInstalling   ModulePhase = "installing"
	ModulePhaseReady        ModulePhase = "ready"
	ModulePhaseSleeping     ModulePhase = "sleeping"
	ModulePhaseSleeped      ModulePhase = "sleeped"
	ModulePhaseResuming     ModulePhase = "resuming"
	ModulePhaseUninstalling ModulePhase = "uninstalling"
	ModulePhaseFailed       ModulePhase = "failed"
)

// +kubebuilder:validation:Enum=helm;custom
type ModuleSourceKind string

const (
	ModuleSourceKindHelm   ModuleSourceKind = "helm"
	ModuleSourceKindCustom ModuleSourceKind = "custom"
)

type ModuleWorkspaceReference struct {
	// +required
	// +kubebuilder:validation:MinLength=1
	// +kubebuilder:validation:MaxLength=253
	Name string `json:"name"`

	// +kubebuilder:default=default
	// +kubebuilder:validation:MinLength=1
	// +kubebuilder:validation:MaxLength=63
	Namespace string `json:"namespace"`
}

type ConfigMapReference struct {
	// +required
	// +kubebuilder:validation:MinLength=1
	// +kubebuilder:validation:MaxLength=253
	Name string `json:"name"`

	// +optional
	// +kubebuilder:validation:MaxLength=63
	Namespace string `json:"namespace,omitempty"`

	// +optional
	// +kubebuilder:default=manifest
	// +kubebuilder:validation:MinLength=1
	Key string `json:"key,omitempty"`
}

// ModuleSource locates the module manifest document. Exactly one of the
// fields must be set.
// +kubebuilder:validation:MaxProperties=1
type ModuleSource struct {
	// Raw embeds the manifest document inline.
	// +optional
	Raw *apiextensionsv1.JSON `json:"raw,omitempty"`

	// +optional
	ConfigMap *ConfigMapReference `json:"configMap,omitempty"`

	// +optional
	HTTPURL *string `json:"httpURL,omitempty"`
}

// ModuleSpec defines the desired state of Module
type ModuleSpec struct {
	// +required
	Workspace ModuleWorkspaceReference `json:"workspace"`

	// +required
	Source ModuleSource `json:"source"`

	// Config holds user-supplied values for the manifest's config schema.
	// +optional
	Config *apiextensionsv1.JSON `json:"config,omitempty"`

	// +kubebuilder:default=false
	Hibernated bool `json:"hibernated"`
}

// ModuleStatus defines the observed state of Module.
type ModuleStatus struct {
	// +listType=map
	// +listMapKey=type
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	Phase ModulePhase `json:"phase"`

	// +optional
	LastActivity *metav1.Time `json:"lastActivity,omitempty"`

	// +optional
	Message *string `json:"message,omitempty"`

	// Source reports which installation backend kind is active.
	// +optional
	Source ModuleSourceKind `json:"source,omitempty"`

	// Retries counts failed install attempts for the current generation.
	// +optional
	Retries int32 `json:"retries,omitempty"`

	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// Module is one installable application unit bound to a Workspace.
//
// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=mod
// +kubebuilder:printcolumn:JSONPath=".status.phase",name=Phase,type=string
// +kubebuilder:printcolumn:JSONPath=".spec.workspace.name",name=Workspace,type=string
// +kubebuilder:printcolumn:JSONPath=".status.source",name=Source,type=string
// +kubebuilder:printcolumn:JSONPath=".status.lastActivity",name=Last Activity,type=string,format=date-time
// +kubebuilder:printcolumn:JSONPath=".status.message",name=Message,type=string
type Module struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ModuleSpec   `json:"spec"`
	Status ModuleStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true
type ModuleList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Module `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Module{}, &ModuleList{})
}
