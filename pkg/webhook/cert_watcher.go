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
	"crypto/tls"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	ctrl "sigs.k8s.io/controller-runtime"
)

// CertificateWatcher reloads the serving key pair when the mounted
// certificate files change, so certificate rotation does not require a
// restart. GetCertificate plugs into tls.Config.
type CertificateWatcher struct {
	certPath string
	keyPath  string

	mu      sync.RWMutex
	current *tls.Certificate
}

// NewCertificateWatcher loads the initial key pair from the given paths.
func NewCertificateWatcher(certPath, keyPath string) (*CertificateWatcher, error) {
	cw := &CertificateWatcher{certPath: certPath, keyPath: keyPath}
	if err := cw.reload(); err != nil {
		return nil, err
	}
	return cw, nil
}

// GetCertificate returns the current serving certificate. It matches the
// tls.Config.GetCertificate signature.
func (cw *CertificateWatcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.current, nil
}

// Start watches the certificate directory until the context ends. Secret
// volume mounts rotate via symlink swaps, so any event in the directory
// triggers a reload attempt; a failed reload keeps the previous pair.
func (cw *CertificateWatcher) Start(ctx context.Context) error {
	log := ctrl.Log.WithName("cert-watcher")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(cw.certPath)); err != nil {
		return err
	}
	log.Info("Started certificate watcher", "cert-path", cw.certPath, "key-path", cw.keyPath)

	for {
		select {
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Give the kubelet a moment to finish the atomic swap.
			time.Sleep(100 * time.Millisecond)
			if err := cw.reload(); err != nil {
				log.Error(err, "Failed to reload certificate, keeping previous")
				continue
			}
			log.Info("Reloaded serving certificate")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error(err, "Certificate watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}

func (cw *CertificateWatcher) reload() error {
	cert, err := tls.LoadX509KeyPair(cw.certPath, cw.keyPath)
	if err != nil {
		return err
	}
	cw.mu.Lock()
	cw.current = &cert
	cw.mu.Unlock()
	return nil
}
