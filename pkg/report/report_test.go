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

package report

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReport() *Report {
	return &Report{
		PackageID:          "com.pelagicore.test",
		DiskSpaceUsed:      4242,
		Digest:             []byte{0xde, 0xad, 0xbe, 0xef},
		DeveloperSignature: []byte("dev-signature"),
		Files:              []string{"info.yaml", "icon.png", "test", "tëst"},
		ExtraMetaData:      map[string]any{"store": "demo"},
		ExtraSignedMetaData: map[string]any{
			"expiry": "2027-01-01",
		},
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	r := testReport()

	data, err := r.Serialize()
	require.NoError(t, err)

	loaded, err := Load(data)
	require.NoError(t, err)

	assert.Equal(t, r.PackageID, loaded.PackageID)
	assert.Equal(t, r.DiskSpaceUsed, loaded.DiskSpaceUsed)
	assert.Equal(t, r.Digest, loaded.Digest)
	assert.Equal(t, r.DeveloperSignature, loaded.DeveloperSignature)
	assert.Empty(t, loaded.StoreSignature)
	assert.Equal(t, r.Files, loaded.Files)
	assert.Equal(t, "demo", loaded.ExtraMetaData["store"])
	assert.Equal(t, "2027-01-01", loaded.ExtraSignedMetaData["expiry"])

	// serialize(load(serialize(r))) is byte-identical
	again, err := loaded.Serialize()
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestSerializeRequiresCompleteReport(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Report)
	}{
		{"empty-id", func(r *Report) { r.PackageID = "" }},
		{"invalid-id", func(r *Report) { r.PackageID = "Not.Valid" }},
		{"empty-digest", func(r *Report) { r.Digest = nil }},
		{"no-files", func(r *Report) { r.Files = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testReport()
			tt.mutate(r)
			_, err := r.Serialize()
			assert.Error(t, err)
		})
	}
}

func TestLoadDetectsTampering(t *testing.T) {
	r := testReport()
	data, err := r.Serialize()
	require.NoError(t, err)

	// flipping any byte of the signed documents must break the MAC
	for _, pos := range []int{10, len(data) / 3, len(data) / 2} {
		tampered := append([]byte(nil), data...)
		tampered[pos] ^= 0x01

		_, err := Load(tampered)
		require.Error(t, err, "byte %d", pos)
		assert.True(t, errors.Is(err, ErrMalformedReport))
	}
}

func TestLoadRejectsBadShape(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"not-yaml", "\t\t{{{"},
		{"two-docs", "formatVersion: 1\nformatType: am-installation-report\n---\npackageId: a.b\n"},
		{"wrong-type", "formatVersion: 1\nformatType: am-other\n---\na: 1\n---\nhmac: '00'\n"},
		{"wrong-version", "formatVersion: 2\nformatType: am-installation-report\n---\na: 1\n---\nhmac: '00'\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedReport))
		})
	}
}

func TestWriteAndLoadFile(t *testing.T) {
	dir := t.TempDir()
	r := testReport()

	require.NoError(t, r.WriteFile(dir))

	loaded, err := LoadFile(dir)
	require.NoError(t, err)
	assert.Equal(t, r.PackageID, loaded.PackageID)
}
