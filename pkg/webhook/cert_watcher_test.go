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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("CertificateWatcher", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		tempDir  string
		certPath string
		keyPath  string
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())

		var err error
		tempDir, err = os.MkdirTemp("", "cert-watcher-test-*")
		Expect(err).NotTo(HaveOccurred())

		certPath = filepath.Join(tempDir, "tls.crt")
		keyPath = filepath.Join(tempDir, "tls.key")

		Expect(writeTestKeyPair(certPath, keyPath, "orbit-webhook")).To(Succeed())
	})

	AfterEach(func() {
		if cancel != nil {
			cancel()
		}
		if tempDir != "" {
			os.RemoveAll(tempDir)
		}
	})

	Describe("NewCertificateWatcher", func() {
		It("should load the initial key pair", func() {
			watcher, err := NewCertificateWatcher(certPath, keyPath)

			Expect(err).NotTo(HaveOccurred())
			Expect(watcher).NotTo(BeNil())

			cert, err := watcher.GetCertificate(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(cert).NotTo(BeNil())
		})

		It("should fail when the certificate file is missing", func() {
			Expect(os.Remove(certPath)).To(Succeed())

			watcher, err := NewCertificateWatcher(certPath, keyPath)
			Expect(err).To(HaveOccurred())
			Expect(watcher).To(BeNil())
		})

		It("should fail on malformed certificate content", func() {
			Expect(os.WriteFile(certPath, []byte("not a certificate"), 0o644)).To(Succeed())

			_, err := NewCertificateWatcher(certPath, keyPath)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Start", func() {
		It("should stop when the context is cancelled", func() {
			watcher, err := NewCertificateWatcher(certPath, keyPath)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan error, 1)
			go func() {
				done <- watcher.Start(ctx)
			}()

			time.Sleep(50 * time.Millisecond)
			cancel()

			Eventually(done, 2*time.Second).Should(Receive(BeNil()))
		})

		It("should return an error for a non-existent directory", func() {
			missing := filepath.Join(tempDir, "nonexistent", "tls.crt")
			watcher := &CertificateWatcher{certPath: missing, keyPath: keyPath}

			Expect(watcher.Start(ctx)).To(HaveOccurred())
		})

		It("should pick up a rotated key pair", func() {
			watcher, err := NewCertificateWatcher(certPath, keyPath)
			Expect(err).NotTo(HaveOccurred())

			initial, err := watcher.GetCertificate(nil)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan error, 1)
			go func() {
				done <- watcher.Start(ctx)
			}()
			time.Sleep(50 * time.Millisecond)

			Expect(writeTestKeyPair(certPath, keyPath, "orbit-webhook-rotated")).To(Succeed())

			Eventually(func() bool {
				current, err := watcher.GetCertificate(nil)
				if err != nil || current == nil {
					return false
				}
				return string(current.Certificate[0]) != string(initial.Certificate[0])
			}, 3*time.Second, 50*time.Millisecond).Should(BeTrue())

			cancel()
			Eventually(done, 2*time.Second).Should(Receive(BeNil()))
		})

		It("should keep the previous pair when a reload fails", func() {
			watcher, err := NewCertificateWatcher(certPath, keyPath)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan error, 1)
			go func() {
				done <- watcher.Start(ctx)
			}()
			time.Sleep(50 * time.Millisecond)

			Expect(os.WriteFile(certPath, []byte("garbage"), 0o644)).To(Succeed())
			time.Sleep(300 * time.Millisecond)

			cert, err := watcher.GetCertificate(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(cert).NotTo(BeNil())

			cancel()
			Eventually(done, 2*time.Second).Should(Receive(BeNil()))
		})
	})
})

// writeTestKeyPair generates a short-lived self-signed certificate so the
// watcher can exercise real PEM parsing.
func writeTestKeyPair(certPath, keyPath, commonName string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, keyPEM, 0o600)
}
