package controllers

import (
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	operatorv1 "github.com/forkspacer/forkspacer/api/v1"
)

const (
	ConditionAvailable   = "Available"
	ConditionProgressing = "Progressing"
	ConditionDegraded    = "Degraded"
)

func setWorkspaceCondition(workspace *operatorv1.Workspace, condition metav1.Condition) {
	if workspace == nil {
		return
	}
	condition.ObservedGeneration = workspace.Generation
	meta.SetStatusCondition(&workspace.Status.Conditions, condition)
}

func setModuleCondition(module *operatorv1.Module, condition metav1.Condition) {
	if module == nil {
		return
	}
	condition.ObservedGeneration = module.Generation
	meta.SetStatusCondition(&module.Status.Conditions, condition)
}

func degraded(reason, message string) metav1.Condition {
	return metav1.Condition{
		Type:    ConditionDegraded,
		Status:  metav1.ConditionTrue,
		Reason:  reason,
		Message: message,
	}
}

func notDegraded(reason string) metav1.Condition {
	return metav1.Condition{
		Type:   ConditionDegraded,
		Status: metav1.ConditionFalse,
		Reason: reason,
	}
}

func available(status metav1.ConditionStatus, reason, message string) metav1.Condition {
	return metav1.Condition{
		Type:    ConditionAvailable,
		Status:  status,
		Reason:  reason,
		Message: message,
	}
}

func progressing(status metav1.ConditionStatus, reason, message string) metav1.Condition {
	return metav1.Condition{
		Type:    ConditionProgressing,
		Status:  status,
		Reason:  reason,
		Message: message,
	}
}
