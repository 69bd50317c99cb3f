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

package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validManifest = `formatType: am-package
formatVersion: 1
---
id: com.pelagicore.test
version: '1.2.1'
icon: icon.png
name:
  en: Test Package
  de: Testpaket
description: A test package
categories: [test, demo]
applications:
  - id: com.pelagicore.test.app
    code: main.qml
    runtime: qml
    capabilities: [locationAccess]
intents:
  - id: open-document
    handledBy: com.pelagicore.test.app
    visibility: public
`

func TestFromYAML(t *testing.T) {
	pi, err := FromYAML([]byte(validManifest))
	require.NoError(t, err)

	assert.Equal(t, "com.pelagicore.test", pi.ID)
	assert.Equal(t, "1.2.1", pi.Version)
	assert.Equal(t, "icon.png", pi.Icon)
	assert.Equal(t, "Test Package", pi.Names["en"])
	assert.Equal(t, "Testpaket", pi.Names["de"])
	assert.Equal(t, "A test package", pi.Descriptions["en"])
	assert.Equal(t, []string{"test", "demo"}, pi.Categories)

	require.Len(t, pi.Applications, 1)
	assert.Equal(t, "com.pelagicore.test.app", pi.Applications[0].ID)
	assert.Equal(t, []string{"locationAccess"}, pi.Applications[0].Capabilities)

	require.Len(t, pi.Intents, 1)
	assert.Equal(t, "open-document", pi.Intents[0].ID)
	assert.Equal(t, "com.pelagicore.test.app", pi.Intents[0].HandlingApplicationID)
}

func TestFromYAML_ScalarName(t *testing.T) {
	pi, err := FromYAML([]byte("formatType: am-package\nformatVersion: 1\n---\nid: c.p.t\nversion: '1'\nicon: i.png\nname: Plain\n"))
	require.NoError(t, err)
	assert.Equal(t, "Plain", pi.Names["en"])
	assert.Equal(t, "Plain", pi.Name("en"))
	assert.Equal(t, "Plain", pi.Name("de")) // falls back to English
}

func TestFromYAML_Failures(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"wrong-header", "formatType: am-other\nformatVersion: 1\n---\nid: c.p.t\nicon: i\n"},
		{"wrong-version", "formatType: am-package\nformatVersion: 9\n---\nid: c.p.t\nicon: i\n"},
		{"missing-content", "formatType: am-package\nformatVersion: 1\n"},
		{"invalid-id", "formatType: am-package\nformatVersion: 1\n---\nid: Not.A.Valid.ID\nicon: i.png\n"},
		{"missing-icon", "formatType: am-package\nformatVersion: 1\n---\nid: c.p.t\nversion: '1'\n"},
		{"icon-with-path", "formatType: am-package\nformatVersion: 1\n---\nid: c.p.t\nicon: sub/i.png\n"},
		{"duplicate-app", "formatType: am-package\nformatVersion: 1\n---\nid: c.p.t\nicon: i.png\napplications: [{id: c.p.t.a}, {id: c.p.t.a}]\n"},
		{"unknown-intent-handler", "formatType: am-package\nformatVersion: 1\n---\nid: c.p.t\nicon: i.png\nintents: [{id: x, handledBy: c.p.t.missing}]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestFromManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "info.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validManifest), 0o644))

	pi, err := FromManifest(path)
	require.NoError(t, err)
	assert.Equal(t, dir, pi.BaseDir)
	assert.False(t, pi.BuiltIn)
}

func TestToYAMLRoundTrip(t *testing.T) {
	pi, err := FromYAML([]byte(validManifest))
	require.NoError(t, err)

	data, err := pi.ToYAML()
	require.NoError(t, err)

	again, err := FromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, pi.ID, again.ID)
	assert.Equal(t, pi.Version, again.Version)
	assert.Equal(t, pi.Names, again.Names)
	assert.Equal(t, pi.Applications, again.Applications)
	assert.Equal(t, pi.Intents, again.Intents)
}
