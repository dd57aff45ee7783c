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
	"context"
	"encoding/json"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	jsonpatch "gomodules.xyz/jsonpatch/v2"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	orbitv1 "github.com/chamcca/aws-orbit-workbench/pkg/apis/orbit/v1"
)

// countingReader wraps a client.Reader and counts API reads.
type countingReader struct {
	client.Reader
	reads int64
}

func (c *countingReader) Get(ctx context.Context, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
	atomic.AddInt64(&c.reads, 1)
	return c.Reader.Get(ctx, key, obj, opts...)
}

func (c *countingReader) List(ctx context.Context, list client.ObjectList, opts ...client.ListOption) error {
	atomic.AddInt64(&c.reads, 1)
	return c.Reader.List(ctx, list, opts...)
}

// panickyReader blows up on every read.
type panickyReader struct {
	client.Reader
}

func (p *panickyReader) Get(context.Context, client.ObjectKey, client.Object, ...client.GetOption) error {
	panic("reader exploded")
}

var _ = Describe("MutationHandler", func() {
	var (
		scheme *runtime.Scheme
		ctx    context.Context
	)

	newScheme := func() *runtime.Scheme {
		s := runtime.NewScheme()
		Expect(corev1.AddToScheme(s)).To(Succeed())
		Expect(orbitv1.AddToScheme(s)).To(Succeed())
		return s
	}

	namespaceSetting := func(name, team, user, email string) *orbitv1.NamespaceSetting {
		return &orbitv1.NamespaceSetting{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: "orbit-system",
			},
			Spec: orbitv1.NamespaceSettingSpec{
				Team:  team,
				User:  user,
				Email: email,
			},
		}
	}

	podRequest := func(pod *corev1.Pod) admission.Request {
		raw, err := json.Marshal(pod)
		Expect(err).To(BeNil())
		return admission.Request{
			AdmissionRequest: admissionv1.AdmissionRequest{
				UID:       types.UID("test-uid"),
				Kind:      metav1.GroupVersionKind{Kind: "Pod", Version: "v1"},
				Namespace: pod.Namespace,
				Name:      pod.Name,
				Operation: admissionv1.Create,
				Object:    runtime.RawExtension{Raw: raw},
			},
		}
	}

	simplePod := func(namespace string, labels map[string]string) *corev1.Pod {
		return &corev1.Pod{
			TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
			ObjectMeta: metav1.ObjectMeta{
				Name:      "test-pod",
				Namespace: namespace,
				Labels:    labels,
			},
			Spec: corev1.PodSpec{
				Containers: []corev1.Container{
					{Name: "main", Image: "jupyter:latest"},
				},
			},
		}
	}

	BeforeEach(func() {
		scheme = newScheme()
		ctx = context.Background()
	})

	Context("with unsupported resource kinds", func() {
		It("should allow ConfigMaps unmodified", func() {
			fakeClient := fake.NewClientBuilder().WithScheme(scheme).Build()
			handler := NewMutationHandler(fakeClient, scheme, "orbit-system", 0)

			resp := handler.Handle(ctx, admission.Request{
				AdmissionRequest: admissionv1.AdmissionRequest{
					Kind: metav1.GroupVersionKind{Kind: "ConfigMap"},
				},
			})
			Expect(resp.Allowed).To(BeTrue())
			Expect(resp.Result.Message).To(ContainSubstring("unsupported resource kind"))
			Expect(resp.Patches).To(BeEmpty())
		})
	})

	Context("when the pod namespace has no namespace setting", func() {
		It("should allow the pod without patches", func() {
			fakeClient := fake.NewClientBuilder().WithScheme(scheme).Build()
			handler := NewMutationHandler(fakeClient, scheme, "orbit-system", 0)

			resp := handler.Handle(ctx, podRequest(simplePod("ns-stranger", nil)))
			Expect(resp.Allowed).To(BeTrue())
			Expect(resp.Result.Message).To(ContainSubstring("namespace not managed"))
			Expect(resp.Patches).To(BeEmpty())
		})
	})

	Context("with dry run requests", func() {
		It("should answer without touching the API server", func() {
			fakeClient := fake.NewClientBuilder().WithScheme(scheme).Build()
			counter := &countingReader{Reader: fakeClient}
			handler := NewMutationHandler(counter, scheme, "orbit-system", 0)

			req := podRequest(simplePod("ns-user1", nil))
			dryRun := true
			req.DryRun = &dryRun

			resp := handler.Handle(ctx, req)
			Expect(resp.Allowed).To(BeTrue())
			Expect(resp.Patches).To(BeEmpty())
			Expect(atomic.LoadInt64(&counter.reads)).To(BeZero())
		})
	})

	Context("with an undecodable pod", func() {
		It("should allow unmodified", func() {
			fakeClient := fake.NewClientBuilder().WithScheme(scheme).Build()
			handler := NewMutationHandler(fakeClient, scheme, "orbit-system", 0)

			resp := handler.Handle(ctx, admission.Request{
				AdmissionRequest: admissionv1.AdmissionRequest{
					Kind:      metav1.GroupVersionKind{Kind: "Pod", Version: "v1"},
					Namespace: "ns-user1",
					Object:    runtime.RawExtension{Raw: []byte(`{not json`)},
				},
			})
			Expect(resp.Allowed).To(BeTrue())
			Expect(resp.Result.Message).To(ContainSubstring("undecodable"))
		})
	})

	Context("when the settings lookup panics", func() {
		It("should recover and allow unmodified", func() {
			fakeClient := fake.NewClientBuilder().WithScheme(scheme).Build()
			handler := NewMutationHandler(&panickyReader{Reader: fakeClient}, scheme, "orbit-system", 0)

			resp := handler.Handle(ctx, podRequest(simplePod("ns-user1", nil)))
			Expect(resp.Allowed).To(BeTrue())
			Expect(resp.Result.Message).To(ContainSubstring("internal error"))
		})
	})

	Context("with a managed namespace and matching settings", func() {
		var (
			handler *MutationHandler
			setting *orbitv1.PodSetting
		)

		BeforeEach(func() {
			setting = &orbitv1.PodSetting{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "ml-defaults",
					Namespace: "team-a",
				},
				Spec: orbitv1.PodSettingSpec{
					PodSelector: orbitv1.PodSelector{
						MatchLabels: map[string]string{"app": "ml"},
					},
					ContainerSelector: orbitv1.ContainerSelector{Regex: "*"},
					Env: []corev1.EnvVar{
						{Name: "FOO", Value: "1"},
					},
					InjectUserContext: true,
				},
			}
			fakeClient := fake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(
					namespaceSetting("ns-user1", "team-a", "user1", "user1@example.com"),
					setting,
				).
				Build()
			handler = NewMutationHandler(fakeClient, scheme, "orbit-system", 0)
		})

		It("should patch env and inject the user context", func() {
			resp := handler.Handle(ctx, podRequest(simplePod("ns-user1", map[string]string{"app": "ml"})))
			Expect(resp.Allowed).To(BeTrue())
			Expect(resp.Patches).NotTo(BeEmpty())

			envPatch := findPatch(resp.Patches, "/spec/containers/0/env")
			Expect(envPatch).NotTo(BeNil())
			Expect(envPatch.Operation).To(Equal("add"))

			raw, err := json.Marshal(envPatch.Value)
			Expect(err).To(BeNil())
			Expect(string(raw)).To(ContainSubstring("FOO"))
			Expect(string(raw)).To(ContainSubstring("USERNAME"))
			Expect(string(raw)).To(ContainSubstring("user1@example.com"))
		})

		It("should not patch pods whose labels do not match", func() {
			resp := handler.Handle(ctx, podRequest(simplePod("ns-user1", map[string]string{"app": "web"})))
			Expect(resp.Allowed).To(BeTrue())
			Expect(resp.Result.Message).To(ContainSubstring("no matching pod settings"))
			Expect(resp.Patches).To(BeEmpty())
		})

		It("should be idempotent for already-mutated pods", func() {
			pod := simplePod("ns-user1", map[string]string{"app": "ml"})
			pod.Spec.Containers[0].Env = []corev1.EnvVar{
				{Name: "FOO", Value: "1"},
				{Name: "USERNAME", Value: "user1"},
				{Name: "USEREMAIL", Value: "user1@example.com"},
			}

			resp := handler.Handle(ctx, podRequest(pod))
			Expect(resp.Allowed).To(BeTrue())
			Expect(resp.Patches).To(BeEmpty())
		})
	})

	Context("with matchExpressions", func() {
		It("should exclude settings whose expressions do not hold", func() {
			setting := &orbitv1.PodSetting{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "gold-only",
					Namespace: "team-a",
				},
				Spec: orbitv1.PodSettingSpec{
					PodSelector: orbitv1.PodSelector{
						MatchExpressions: []orbitv1.PodSelectorRequirement{
							{Key: "tier", Operator: orbitv1.MatchOperatorIn, Values: []string{"gold"}},
						},
					},
					ContainerSelector: orbitv1.ContainerSelector{Regex: "*"},
					Env: []corev1.EnvVar{
						{Name: "TIER", Value: "gold"},
					},
				},
			}
			fakeClient := fake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(namespaceSetting("ns-user1", "team-a", "user1", "user1@example.com"), setting).
				Build()
			handler := NewMutationHandler(fakeClient, scheme, "orbit-system", 0)

			resp := handler.Handle(ctx, podRequest(simplePod("ns-user1", map[string]string{"app": "ml"})))
			Expect(resp.Allowed).To(BeTrue())
			Expect(resp.Patches).To(BeEmpty())
		})
	})

	Context("with a jsonpath container selector matching nothing", func() {
		It("should leave the containers untouched", func() {
			setting := &orbitv1.PodSetting{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "sidecar-image",
					Namespace: "team-a",
				},
				Spec: orbitv1.PodSettingSpec{
					PodSelector: orbitv1.PodSelector{
						MatchLabels: map[string]string{"app": "ml"},
					},
					ContainerSelector: orbitv1.ContainerSelector{
						JSONPath: ".spec.ephemeralContainers[*].name",
					},
					Image: ptrTo("sidecar:v2"),
				},
			}
			fakeClient := fake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(namespaceSetting("ns-user1", "team-a", "user1", "user1@example.com"), setting).
				Build()
			handler := NewMutationHandler(fakeClient, scheme, "orbit-system", 0)

			resp := handler.Handle(ctx, podRequest(simplePod("ns-user1", map[string]string{"app": "ml"})))
			Expect(resp.Allowed).To(BeTrue())
			Expect(resp.Patches).To(BeEmpty())
		})
	})

	Context("with settings from another team's namespace", func() {
		It("should not apply them", func() {
			foreign := &orbitv1.PodSetting{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "other-team",
					Namespace: "team-b",
				},
				Spec: orbitv1.PodSettingSpec{
					PodSelector: orbitv1.PodSelector{
						MatchLabels: map[string]string{"app": "ml"},
					},
					ContainerSelector: orbitv1.ContainerSelector{Regex: "*"},
					Env: []corev1.EnvVar{
						{Name: "LEAKED", Value: "yes"},
					},
				},
			}
			fakeClient := fake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(namespaceSetting("ns-user1", "team-a", "user1", "user1@example.com"), foreign).
				Build()
			handler := NewMutationHandler(fakeClient, scheme, "orbit-system", 0)

			resp := handler.Handle(ctx, podRequest(simplePod("ns-user1", map[string]string{"app": "ml"})))
			Expect(resp.Allowed).To(BeTrue())
			Expect(resp.Patches).To(BeEmpty())
		})
	})
})

func ptrTo[T any](v T) *T {
	return &v
}

// findPatch returns the first patch operation touching the given path.
func findPatch(patches []jsonpatch.JsonPatchOperation, path string) *jsonpatch.JsonPatchOperation {
	for i := range patches {
		if patches[i].Path == path {
			return &patches[i]
		}
	}
	return nil
}
