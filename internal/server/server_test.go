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
	"context"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	orbitv1 "github.com/chamcca/aws-orbit-workbench/pkg/apis/orbit/v1"
	"github.com/chamcca/aws-orbit-workbench/pkg/metrics"
	"github.com/chamcca/aws-orbit-workbench/pkg/webhook"
)

var _ = Describe("Server", func() {
	var srv *Server

	BeforeEach(func() {
		scheme := runtime.NewScheme()
		Expect(corev1.AddToScheme(scheme)).To(Succeed())
		Expect(admissionv1.AddToScheme(scheme)).To(Succeed())
		Expect(orbitv1.AddToScheme(scheme)).To(Succeed())

		fakeClient := fake.NewClientBuilder().WithScheme(scheme).Build()
		handler := webhook.NewMutationHandler(fakeClient, scheme, "orbit-system", 0)

		srv = NewServer(Config{BindAddress: "127.0.0.1:0"},
			NewWebhookServer(handler, scheme),
			NewHealthChecker(nil),
			NewMetricsServer(metrics.NewCollector()))
	})

	It("should mount all endpoints on one engine", func() {
		Expect(performRequest(srv.Engine(), "GET", "/healthz", nil).Code).To(Equal(http.StatusOK))
		Expect(performRequest(srv.Engine(), "GET", "/readyz", nil).Code).To(Equal(http.StatusOK))
		Expect(performRequest(srv.Engine(), "GET", "/metrics", nil).Code).To(Equal(http.StatusOK))
		// POST with no body is a transport-level rejection, not a 404.
		Expect(performRequest(srv.Engine(), "POST", "/mutate", nil).Code).To(Equal(http.StatusBadRequest))
	})

	It("should shut down when the context is canceled", func() {
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() { done <- srv.Run(ctx) }()

		// Give the listener a moment, then stop it.
		time.Sleep(50 * time.Millisecond)
		cancel()

		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})
})
