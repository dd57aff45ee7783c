/*
Copyright 2024 The Orbit Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// MatchOperator is an operator used by pod selector match expressions.
type MatchOperator string

const (
	// MatchOperatorExists matches when the label key is present.
	MatchOperatorExists MatchOperator = "Exists"
	// MatchOperatorNotExists matches when the label key is absent.
	MatchOperatorNotExists MatchOperator = "NotExists"
	// MatchOperatorIn matches when the label value is in Values.
	MatchOperatorIn MatchOperator = "In"
	// MatchOperatorNotIn matches when the label value is not in Values.
	MatchOperatorNotIn MatchOperator = "NotIn"
)

// PodSelectorRequirement is a single match expression evaluated against a
// pod's labels.
type PodSelectorRequirement struct {
	Key string `json:"key"`

	// +kubebuilder:validation:Enum=Exists;NotExists;In;NotIn
	Operator MatchOperator `json:"operator"`

	// Values is consulted only by the In and NotIn operators.
	Values []string `json:"values,omitempty"`
}

// PodSelector scopes a PodSetting to pods by label. A pod matches when every
// matchLabels entry equals the pod's label value and every matchExpressions
// entry evaluates true.
type PodSelector struct {
	MatchLabels      map[string]string        `json:"matchLabels,omitempty"`
	MatchExpressions []PodSelectorRequirement `json:"matchExpressions,omitempty"`
}

// ContainerSelector picks the containers within a matched pod that receive
// container-level overrides. Exactly one of Regex or JSONPath is expected.
type ContainerSelector struct {
	// Regex matches container names from the start of the name. The special
	// value "*" selects every container.
	Regex string `json:"regex,omitempty"`

	// JSONPath is evaluated against the pod document; its results are the
	// names of the containers to select.
	JSONPath string `json:"jsonpath,omitempty"`
}

// PodSettingSpec declares the overrides a PodSetting applies to matching
// pods. Pointer and nil-slice distinctions matter: an absent field is left
// untouched on the pod, a present one is merged per its field strategy.
type PodSettingSpec struct {
	PodSelector       PodSelector       `json:"podSelector"`
	ContainerSelector ContainerSelector `json:"containerSelector,omitempty"`

	// Pod-level overrides.
	ServiceAccountName *string                     `json:"serviceAccountName,omitempty"`
	Labels             map[string]string           `json:"labels,omitempty"`
	Annotations        map[string]string           `json:"annotations,omitempty"`
	NodeSelector       map[string]string           `json:"nodeSelector,omitempty"`
	SecurityContext    *corev1.PodSecurityContext  `json:"securityContext,omitempty"`
	Volumes            []corev1.Volume             `json:"volumes,omitempty"`

	// Container-level overrides, applied to every selected container.
	Image           *string                `json:"image,omitempty"`
	ImagePullPolicy *corev1.PullPolicy     `json:"imagePullPolicy,omitempty"`
	Lifecycle       *corev1.Lifecycle      `json:"lifecycle,omitempty"`
	Command         []string               `json:"command,omitempty"`
	Args            []string               `json:"args,omitempty"`
	Env             []corev1.EnvVar        `json:"env,omitempty"`
	EnvFrom         []corev1.EnvFromSource `json:"envFrom,omitempty"`
	VolumeMounts    []corev1.VolumeMount   `json:"volumeMounts,omitempty"`

	// InjectUserContext synthesizes USERNAME and USEREMAIL env entries from
	// the pod namespace's NamespaceSetting before the env merge runs.
	InjectUserContext bool `json:"injectUserContext,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:resource:scope=Namespaced,shortName=ps

// PodSetting declares pod overrides scoped by a label selector. Settings
// live in team namespaces and are treated as immutable snapshots once
// fetched by the webhook.
type PodSetting struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec PodSettingSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// PodSettingList contains a list of PodSetting. The list order is the
// application order; the webhook must not resort it.
type PodSettingList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []PodSetting `json:"items"`
}

// NamespaceSettingSpec identifies the team that owns a namespace and the
// user it was provisioned for.
type NamespaceSettingSpec struct {
	Team  string `json:"team"`
	User  string `json:"user,omitempty"`
	Email string `json:"email,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:resource:scope=Namespaced,shortName=nss

// NamespaceSetting maps a target namespace to its team and user context.
// One per target namespace, named after it, living in the system namespace.
type NamespaceSetting struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec NamespaceSettingSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// NamespaceSettingList contains a list of NamespaceSetting.
type NamespaceSettingList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []NamespaceSetting `json:"items"`
}

func init() {
	SchemeBuilder.Register(
		&PodSetting{}, &PodSettingList{},
		&NamespaceSetting{}, &NamespaceSettingList{},
	)
}
