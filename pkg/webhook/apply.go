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

package webhook

import (
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"

	orbitv1 "github.com/chamcca/aws-orbit-workbench/pkg/apis/orbit/v1"
)

// Env entries synthesized by injectUserContext.
const (
	envUserName  = "USERNAME"
	envUserEmail = "USEREMAIL"
)

// applyPodSetting merges one PodSetting's overrides into the pod copy.
// Field strategies: serviceAccountName replace; labels/annotations/
// nodeSelector key-merge with new values winning; securityContext shallow
// merge; volumes name-keyed replace-or-append. Container-level overrides
// go to every container picked by the containerSelector, independently
// over init containers and regular containers. Applying the same setting
// twice is idempotent. The cached setting itself is never mutated.
func applyPodSetting(setting *orbitv1.PodSetting, nsSetting *orbitv1.NamespaceSetting, pod *corev1.Pod) error {
	spec := &setting.Spec

	if spec.ServiceAccountName != nil {
		pod.Spec.ServiceAccountName = *spec.ServiceAccountName
	}
	if spec.Labels != nil {
		pod.Labels = mergeStringMap(pod.Labels, spec.Labels)
	}
	if spec.Annotations != nil {
		pod.Annotations = mergeStringMap(pod.Annotations, spec.Annotations)
	}
	if spec.NodeSelector != nil {
		pod.Spec.NodeSelector = mergeStringMap(pod.Spec.NodeSelector, spec.NodeSelector)
	}
	if spec.SecurityContext != nil {
		merged := &corev1.PodSecurityContext{}
		if pod.Spec.SecurityContext != nil {
			merged = pod.Spec.SecurityContext.DeepCopy()
		}
		if err := shallowMerge(merged, spec.SecurityContext); err != nil {
			return fmt.Errorf("failed to merge securityContext: %w", err)
		}
		pod.Spec.SecurityContext = merged
	}
	if spec.Volumes != nil {
		pod.Spec.Volumes = mergeByName(pod.Spec.Volumes, spec.Volumes,
			func(v corev1.Volume) string { return v.Name })
	}

	env := effectiveEnv(spec, nsSetting)

	initSelected, err := selectContainers(spec.ContainerSelector, pod, pod.Spec.InitContainers)
	if err != nil {
		return err
	}
	selected, err := selectContainers(spec.ContainerSelector, pod, pod.Spec.Containers)
	if err != nil {
		return err
	}
	for _, container := range initSelected {
		if err := applyContainerSettings(spec, env, container); err != nil {
			return err
		}
	}
	for _, container := range selected {
		if err := applyContainerSettings(spec, env, container); err != nil {
			return err
		}
	}
	return nil
}

// applyContainerSettings merges the container-level overrides into one
// selected container. Strategies: image/imagePullPolicy replace; lifecycle
// shallow merge; command/args whole-list replace; env name-keyed
// replace-or-append; envFrom append without dedup; volumeMounts name-keyed
// replace-or-append.
func applyContainerSettings(spec *orbitv1.PodSettingSpec, env []corev1.EnvVar, container *corev1.Container) error {
	if spec.Image != nil {
		container.Image = *spec.Image
	}
	if spec.ImagePullPolicy != nil {
		container.ImagePullPolicy = *spec.ImagePullPolicy
	}
	if spec.Lifecycle != nil {
		merged := &corev1.Lifecycle{}
		if container.Lifecycle != nil {
			merged = container.Lifecycle.DeepCopy()
		}
		if err := shallowMerge(merged, spec.Lifecycle); err != nil {
			return fmt.Errorf("failed to merge lifecycle: %w", err)
		}
		container.Lifecycle = merged
	}
	if spec.Command != nil {
		container.Command = append([]string(nil), spec.Command...)
	}
	if spec.Args != nil {
		container.Args = append([]string(nil), spec.Args...)
	}
	if env != nil {
		container.Env = mergeByName(container.Env, env,
			func(e corev1.EnvVar) string { return e.Name })
	}
	if spec.EnvFrom != nil {
		container.EnvFrom = append(container.EnvFrom, spec.EnvFrom...)
	}
	if spec.VolumeMounts != nil {
		container.VolumeMounts = mergeByName(container.VolumeMounts, spec.VolumeMounts,
			func(m corev1.VolumeMount) string { return m.Name })
	}
	return nil
}

// effectiveEnv computes the env entries a setting contributes to selected
// containers. With injectUserContext the USERNAME and USEREMAIL entries are
// synthesized from the namespace setting, overriding any same-named entries
// the setting declares. The cached spec is left untouched.
func effectiveEnv(spec *orbitv1.PodSettingSpec, nsSetting *orbitv1.NamespaceSetting) []corev1.EnvVar {
	if !spec.InjectUserContext || nsSetting == nil {
		return spec.Env
	}

	env := make([]corev1.EnvVar, 0, len(spec.Env)+2)
	for _, e := range spec.Env {
		if e.Name == envUserName || e.Name == envUserEmail {
			continue
		}
		env = append(env, e)
	}
	return append(env,
		corev1.EnvVar{Name: envUserName, Value: nsSetting.Spec.User},
		corev1.EnvVar{Name: envUserEmail, Value: nsSetting.Spec.Email},
	)
}

// mergeByName implements the name-keyed replace-or-append strategy:
// existing entries whose name collides with an incoming one are removed,
// then all incoming entries are appended. The result never holds duplicate
// names the incoming slice didn't already hold.
func mergeByName[T any](existing, incoming []T, name func(T) string) []T {
	if len(incoming) == 0 {
		return existing
	}

	replaced := make(map[string]bool, len(incoming))
	for _, item := range incoming {
		replaced[name(item)] = true
	}

	merged := make([]T, 0, len(existing)+len(incoming))
	for _, item := range existing {
		if !replaced[name(item)] {
			merged = append(merged, item)
		}
	}
	return append(merged, incoming...)
}

// mergeStringMap key-merges src into dst with src values winning.
func mergeStringMap(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// shallowMerge overlays src's top-level fields onto dst through their JSON
// representation, matching the merge depth of the declarative override
// format: a field set on src wholly replaces the same field on dst.
func shallowMerge(dst, src any) error {
	dstRaw, err := json.Marshal(dst)
	if err != nil {
		return err
	}
	srcRaw, err := json.Marshal(src)
	if err != nil {
		return err
	}

	base := map[string]json.RawMessage{}
	if err := json.Unmarshal(dstRaw, &base); err != nil {
		return err
	}
	overlay := map[string]json.RawMessage{}
	if err := json.Unmarshal(srcRaw, &overlay); err != nil {
		return err
	}
	for k, v := range overlay {
		base[k] = v
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, dst)
}
