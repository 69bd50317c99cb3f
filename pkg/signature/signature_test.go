// Copyright 2025 KrakLabs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package signature

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSigned builds a self-signed certificate plus the matching private key
// in PEM form.
func selfSigned(t *testing.T, useECDSA bool) (certPEM, keyPEM []byte) {
	t.Helper()

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pkgd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}

	var pub any
	var keyBlock *pem.Block
	if useECDSA {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)
		keyBlock = &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
		pub = &key.PublicKey

		certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, key)
		require.NoError(t, err)
		certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	} else {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		keyBlock = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
		pub = &key.PublicKey

		certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, key)
		require.NoError(t, err)
		certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	}

	return certPEM, pem.EncodeToMemory(keyBlock)
}

func TestCreateAndVerify_RSA(t *testing.T) {
	certPEM, keyPEM := selfSigned(t, false)
	digest := []byte("some-package-digest")

	sig, err := Create(digest, keyPEM)
	require.NoError(t, err)

	require.NoError(t, Verify(digest, sig, [][]byte{certPEM}))
	assert.Error(t, Verify([]byte("other-digest"), sig, [][]byte{certPEM}))
}

func TestCreateAndVerify_ECDSA(t *testing.T) {
	certPEM, keyPEM := selfSigned(t, true)
	digest := []byte("some-package-digest")

	sig, err := Create(digest, keyPEM)
	require.NoError(t, err)

	require.NoError(t, Verify(digest, sig, [][]byte{certPEM}))
	assert.Error(t, Verify(digest, []byte("garbage"), [][]byte{certPEM}))
}

func TestVerify_AnyCertInChainSuffices(t *testing.T) {
	wrongCert, _ := selfSigned(t, false)
	rightCert, keyPEM := selfSigned(t, false)
	digest := []byte("digest")

	sig, err := Create(digest, keyPEM)
	require.NoError(t, err)

	require.NoError(t, Verify(digest, sig, [][]byte{wrongCert, rightCert}))
}

func TestVerify_EmptyInputs(t *testing.T) {
	certPEM, keyPEM := selfSigned(t, false)
	sig, err := Create([]byte("digest"), keyPEM)
	require.NoError(t, err)

	assert.Error(t, Verify(nil, sig, [][]byte{certPEM}))
	assert.Error(t, Verify([]byte("digest"), nil, [][]byte{certPEM}))
	assert.Error(t, Verify([]byte("digest"), sig, nil))
}

func TestStoreSignatureUsesHardwareID(t *testing.T) {
	certPEM, keyPEM := selfSigned(t, false)
	digest := []byte("digest")
	const hwid = "serial-1234"

	// the store signs the derived digest, the device verifies it
	sig, err := Create(StoreDigest(digest, hwid), keyPEM)
	require.NoError(t, err)

	require.NoError(t, VerifyStore(digest, sig, [][]byte{certPEM}, hwid))
	assert.Error(t, VerifyStore(digest, sig, [][]byte{certPEM}, "other-device"))
	assert.Error(t, Verify(digest, sig, [][]byte{certPEM}))
}
