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
	"net/http"

	"github.com/gin-gonic/gin"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"
)

// WebhookServer serves AdmissionReview requests over HTTP, bridging the
// transport envelope to the decision engine. Transport-level failures
// (malformed bodies) are the only non-allow answers it produces; the
// engine itself always allows.
type WebhookServer struct {
	handler admission.Handler
	codecs  serializer.CodecFactory
}

// NewWebhookServer creates a webhook server delegating to the given
// handler. The scheme must know the admission and pod types.
func NewWebhookServer(handler admission.Handler, scheme *runtime.Scheme) *WebhookServer {
	return &WebhookServer{
		handler: handler,
		codecs:  serializer.NewCodecFactory(scheme),
	}
}

// MutateHandler implements the /mutate endpoint.
func (w *WebhookServer) MutateHandler(c *gin.Context) {
	log := ctrl.Log.WithName("webhook-server")

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "failed to read request body",
			"code":  "INVALID_REQUEST_BODY",
		})
		return
	}

	var review admissionv1.AdmissionReview
	if _, _, err := w.codecs.UniversalDeserializer().Decode(body, nil, &review); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "failed to deserialize admission review",
			"code":    "INVALID_ADMISSION_REQUEST",
			"details": err.Error(),
		})
		return
	}
	if review.Request == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "admission review has no request",
			"code":  "EMPTY_ADMISSION_REQUEST",
		})
		return
	}

	req := admission.Request{AdmissionRequest: *review.Request}
	resp := w.handler.Handle(c.Request.Context(), req)
	if err := resp.Complete(req); err != nil {
		// Encoding the patch failed; degrade to fail-open allow.
		log.Error(err, "Failed to encode admission response, allowing unmodified")
		resp = admission.Allowed("patch encoding failed")
		_ = resp.Complete(req)
	}

	c.Header("Content-Type", "application/json")
	c.JSON(http.StatusOK, admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "admission.k8s.io/v1",
			Kind:       "AdmissionReview",
		},
		Response: &resp.AdmissionResponse,
	})
}

// SetupRoutes mounts the webhook endpoint on the router.
func (w *WebhookServer) SetupRoutes(router *gin.Engine) {
	router.POST("/mutate", w.MutateHandler)
}
