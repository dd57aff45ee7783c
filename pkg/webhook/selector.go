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
	"fmt"
	"regexp"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/util/jsonpath"

	orbitv1 "github.com/chamcca/aws-orbit-workbench/pkg/apis/orbit/v1"
)

// podSelectorMatches reports whether a pod's labels satisfy the selector:
// every matchLabels entry must equal the pod's label value and every match
// expression must evaluate true. Any unsatisfied entry excludes the
// setting.
func podSelectorMatches(selector orbitv1.PodSelector, podLabels map[string]string) bool {
	for key, value := range selector.MatchLabels {
		if podLabels[key] != value {
			return false
		}
	}

	for _, expr := range selector.MatchExpressions {
		value, exists := podLabels[expr.Key]
		switch expr.Operator {
		case orbitv1.MatchOperatorExists:
			if !exists {
				return false
			}
		case orbitv1.MatchOperatorNotExists:
			if exists {
				return false
			}
		case orbitv1.MatchOperatorIn:
			if !exists || !contains(expr.Values, value) {
				return false
			}
		case orbitv1.MatchOperatorNotIn:
			if exists && contains(expr.Values, value) {
				return false
			}
		default:
			// Unknown operators never match.
			return false
		}
	}
	return true
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// selectContainers returns pointers into the given container slice for the
// containers picked by the selector. A regex selector matches container
// names from the start of the name, with "*" meaning match-all; a jsonpath
// selector is evaluated against the pod document and yields the names of
// the containers to pick. An empty selector picks nothing.
func selectContainers(selector orbitv1.ContainerSelector, pod *corev1.Pod, containers []corev1.Container) ([]*corev1.Container, error) {
	switch {
	case selector.Regex != "":
		return selectContainersByRegex(selector.Regex, containers)
	case selector.JSONPath != "":
		return selectContainersByJSONPath(selector.JSONPath, pod, containers)
	default:
		return nil, nil
	}
}

func selectContainersByRegex(expr string, containers []corev1.Container) ([]*corev1.Container, error) {
	if expr == "*" {
		expr = ".*"
	}
	re, err := regexp.Compile("^(?:" + expr + ")")
	if err != nil {
		return nil, fmt.Errorf("invalid container selector regex %q: %w", expr, err)
	}

	var selected []*corev1.Container
	for i := range containers {
		if re.MatchString(containers[i].Name) {
			selected = append(selected, &containers[i])
		}
	}
	return selected, nil
}

func selectContainersByJSONPath(expr string, pod *corev1.Pod, containers []corev1.Container) ([]*corev1.Container, error) {
	jp := jsonpath.New("containerSelector")
	jp.AllowMissingKeys(true)
	if err := jp.Parse(wrapJSONPath(expr)); err != nil {
		return nil, fmt.Errorf("invalid container selector jsonpath %q: %w", expr, err)
	}

	doc, err := runtime.DefaultUnstructuredConverter.ToUnstructured(pod)
	if err != nil {
		return nil, fmt.Errorf("failed to convert pod for jsonpath evaluation: %w", err)
	}

	results, err := jp.FindResults(doc)
	if err != nil {
		return nil, fmt.Errorf("container selector jsonpath %q failed: %w", expr, err)
	}

	names := map[string]bool{}
	for _, group := range results {
		for _, value := range group {
			if name, ok := value.Interface().(string); ok {
				names[name] = true
			}
		}
	}

	var selected []*corev1.Container
	for i := range containers {
		if names[containers[i].Name] {
			selected = append(selected, &containers[i])
		}
	}
	return selected, nil
}

// wrapJSONPath accepts the bare expression form stored in the custom
// resource (e.g. ".spec.containers[*].name") and wraps it into the
// template form the evaluator expects.
func wrapJSONPath(expr string) string {
	if strings.Contains(expr, "{") {
		return expr
	}
	if !strings.HasPrefix(expr, ".") && !strings.HasPrefix(expr, "$") {
		expr = "." + expr
	}
	return "{" + expr + "}"
}
