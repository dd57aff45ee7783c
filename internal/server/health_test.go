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
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("HealthChecker", func() {
	var (
		healthChecker *HealthChecker
		engine        *gin.Engine
	)

	BeforeEach(func() {
		// A nil kube client skips the API server ping; readiness then
		// reflects only the controller's own state.
		healthChecker = NewHealthChecker(nil)
		engine = createTestEngine()
		engine.GET("/healthz", healthChecker.HealthzHandler)
		engine.GET("/readyz", healthChecker.ReadyzHandler)
	})

	Describe("NewHealthChecker", func() {
		It("should record the start time", func() {
			checker := NewHealthChecker(nil)
			Expect(checker.startTime).To(BeTemporally("~", time.Now(), time.Second))
		})
	})

	Describe("HealthzHandler", func() {
		It("should always return 200 OK", func() {
			response := performRequest(engine, "GET", "/healthz", nil)
			Expect(response.Code).To(Equal(http.StatusOK))

			var body map[string]interface{}
			Expect(json.Unmarshal(response.Body.Bytes(), &body)).To(Succeed())
			Expect(body["status"]).To(Equal("healthy"))
			Expect(body).To(HaveKey("uptime"))
		})

		It("should return 200 even when not ready", func() {
			healthChecker.SetNotReady("watchers starting")
			response := performRequest(engine, "GET", "/healthz", nil)
			Expect(response.Code).To(Equal(http.StatusOK))
		})
	})

	Describe("ReadyzHandler", func() {
		It("should return 200 when ready", func() {
			response := performRequest(engine, "GET", "/readyz", nil)
			Expect(response.Code).To(Equal(http.StatusOK))

			var body map[string]interface{}
			Expect(json.Unmarshal(response.Body.Bytes(), &body)).To(Succeed())
			Expect(body["status"]).To(Equal("ready"))
		})

		It("should return 503 with the reason when not ready", func() {
			healthChecker.SetNotReady("watchers starting")

			response := performRequest(engine, "GET", "/readyz", nil)
			Expect(response.Code).To(Equal(http.StatusServiceUnavailable))

			var body map[string]interface{}
			Expect(json.Unmarshal(response.Body.Bytes(), &body)).To(Succeed())
			Expect(body["reason"]).To(Equal("watchers starting"))
		})

		It("should recover when the reason is cleared", func() {
			healthChecker.SetNotReady("watchers starting")
			healthChecker.SetNotReady("")

			response := performRequest(engine, "GET", "/readyz", nil)
			Expect(response.Code).To(Equal(http.StatusOK))
		})
	})
})
