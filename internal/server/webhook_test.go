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

package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	orbitv1 "github.com/chamcca/aws-orbit-workbench/pkg/apis/orbit/v1"
	"github.com/chamcca/aws-orbit-workbench/pkg/webhook"
)

var _ = Describe("WebhookServer", func() {
	var (
		engine *gin.Engine
		scheme *runtime.Scheme
	)

	newAdmissionReview := func(pod *corev1.Pod) admissionv1.AdmissionReview {
		raw, err := json.Marshal(pod)
		Expect(err).NotTo(HaveOccurred())
		return admissionv1.AdmissionReview{
			TypeMeta: metav1.TypeMeta{
				APIVersion: "admission.k8s.io/v1",
				Kind:       "AdmissionReview",
			},
			Request: &admissionv1.AdmissionRequest{
				UID:       types.UID("test-uid"),
				Kind:      metav1.GroupVersionKind{Version: "v1", Kind: "Pod"},
				Namespace: pod.Namespace,
				Operation: admissionv1.Create,
				Object:    runtime.RawExtension{Raw: raw},
			},
		}
	}

	BeforeEach(func() {
		scheme = runtime.NewScheme()
		Expect(corev1.AddToScheme(scheme)).To(Succeed())
		Expect(admissionv1.AddToScheme(scheme)).To(Succeed())
		Expect(orbitv1.AddToScheme(scheme)).To(Succeed())

		fakeClient := fake.NewClientBuilder().WithScheme(scheme).Build()
		handler := webhook.NewMutationHandler(fakeClient, scheme, "orbit-system", 0)

		engine = createTestEngine()
		NewWebhookServer(handler, scheme).SetupRoutes(engine)
	})

	Describe("POST /mutate", func() {
		It("should answer an allowed AdmissionReview", func() {
			pod := &corev1.Pod{
				TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
				ObjectMeta: metav1.ObjectMeta{Name: "test-pod", Namespace: "ns-user1"},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "main", Image: "jupyter:latest"}},
				},
			}

			response := performRequest(engine, "POST", "/mutate", newAdmissionReview(pod))
			Expect(response.Code).To(Equal(http.StatusOK))

			var review admissionv1.AdmissionReview
			Expect(json.Unmarshal(response.Body.Bytes(), &review)).To(Succeed())
			Expect(review.Response).NotTo(BeNil())
			Expect(review.Response.Allowed).To(BeTrue())
			Expect(review.Response.UID).To(Equal(types.UID("test-uid")))
		})

		It("should reject an unreadable body", func() {
			response := performRawRequest(engine, "POST", "/mutate", []byte("{not json"))
			Expect(response.Code).To(Equal(http.StatusBadRequest))
		})

		It("should reject a review without a request", func() {
			review := admissionv1.AdmissionReview{
				TypeMeta: metav1.TypeMeta{
					APIVersion: "admission.k8s.io/v1",
					Kind:       "AdmissionReview",
				},
			}
			response := performRequest(engine, "POST", "/mutate", review)
			Expect(response.Code).To(Equal(http.StatusBadRequest))

			var body map[string]interface{}
			Expect(json.Unmarshal(response.Body.Bytes(), &body)).To(Succeed())
			Expect(body["code"]).To(Equal("EMPTY_ADMISSION_REQUEST"))
		})
	})
})
