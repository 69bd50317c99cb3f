// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package testing provides helpers for tests that need package stores,
// fixture packages and signing identities.
package testing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kraklabs/pkgd/pkg/pack"
)

// Store is a throw-away on-disk package store layout for one test.
type Store struct {
	// InstallationDir holds installed packages.
	InstallationDir string

	// DocumentDir holds per-package document directories.
	DocumentDir string

	// BuiltInDir holds built-in package manifests.
	BuiltInDir string
}

// SetupStore creates the three store directories under a test temp dir.
//
// Example:
//
//	func TestInstall(t *testing.T) {
//	    store := testing.SetupStore(t)
//	    reg, err := registry.New(registry.Config{
//	        InstallationDir: store.InstallationDir,
//	        ...
//	    })
//	}
func SetupStore(t *testing.T) *Store {
	t.Helper()

	base := t.TempDir()
	s := &Store{
		InstallationDir: filepath.Join(base, "installed"),
		DocumentDir:     filepath.Join(base, "docs"),
		BuiltInDir:      filepath.Join(base, "builtin"),
	}
	for _, dir := range []string{s.InstallationDir, s.DocumentDir, s.BuiltInDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("failed to create store directory %s: %v", dir, err)
		}
	}
	return s
}

// WriteBuiltIn places a built-in package manifest into the store.
func (s *Store) WriteBuiltIn(t *testing.T, id, version string) {
	t.Helper()

	dir := filepath.Join(s.BuiltInDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create built-in directory: %v", err)
	}
	manifest := manifestYAML(id, version)
	if err := os.WriteFile(filepath.Join(dir, "info.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("failed to write built-in manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "icon.png"), []byte("builtin-icon"), 0o644); err != nil {
		t.Fatalf("failed to write built-in icon: %v", err)
	}
}

// BuildPackage creates a package archive from the given payload files and
// returns its path. The manifest and a small icon are generated.
func BuildPackage(t *testing.T, id, version string, payload map[string]string, opts pack.CreateOptions) string {
	t.Helper()

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "info.yaml"), []byte(manifestYAML(id, version)), 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "icon.png"), []byte("icon-data"), 0o644); err != nil {
		t.Fatalf("failed to write icon: %v", err)
	}
	for name, content := range payload {
		path := filepath.Join(src, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("failed to create payload directory: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write payload file %s: %v", name, err)
		}
	}

	pkgPath := filepath.Join(t.TempDir(), id+".ampkg")
	if _, err := pack.CreateFile(src, pkgPath, opts); err != nil {
		t.Fatalf("failed to create package: %v", err)
	}
	return pkgPath
}

func manifestYAML(id, version string) string {
	return fmt.Sprintf(`formatType: am-package
formatVersion: 1
---
id: %s
version: '%s'
icon: icon.png
name:
  en: Test Package
applications:
  - id: %s.app
    code: app.qml
    runtime: qml
intents:
  - id: %s.open
    handledBy: %s.app
`, id, version, id, id, id)
}

// SigningIdentity is a self-signed certificate plus its private key, both
// PEM-encoded, for signature tests.
type SigningIdentity struct {
	CertPEM []byte
	KeyPEM  []byte
}

// NewSigningIdentity generates a fresh RSA signing identity.
func NewSigningIdentity(t *testing.T) *SigningIdentity {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate signing key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pkgd-test-ca"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	return &SigningIdentity{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
	}
}
