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

// Package manifest parses and validates package manifests (info.yaml).
//
// A manifest is a two-document YAML file: a format header
// ({formatType: am-package, formatVersion: 1}) followed by the package
// description (id, version, localized names, icon, categories, application
// and intent descriptors).
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/pkgd/pkg/ids"
	"github.com/kraklabs/pkgd/pkg/report"
)

const (
	// FormatType identifies a package manifest header document.
	FormatType = "am-package"

	// FormatVersion is the supported manifest format version.
	FormatVersion = 1

	// maxManifestBytes caps how much of an info.yaml file is read.
	maxManifestBytes = 1 * 1024 * 1024
)

// LocalizedText maps language tags to localized strings. A plain scalar in
// the manifest is treated as English text.
type LocalizedText map[string]string

// UnmarshalYAML accepts either a plain string or a language-tag mapping.
func (l *LocalizedText) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = LocalizedText{"en": s}
		return nil
	case yaml.MappingNode:
		m := map[string]string{}
		if err := node.Decode(&m); err != nil {
			return err
		}
		*l = m
		return nil
	default:
		return fmt.Errorf("expected a string or a language mapping, got %s", nodeKind(node.Kind))
	}
}

func nodeKind(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "a list"
	case yaml.MappingNode:
		return "a mapping"
	case yaml.ScalarNode:
		return "a scalar"
	default:
		return "an unsupported node"
	}
}

// ApplicationInfo describes one application contained in a package.
type ApplicationInfo struct {
	ID           string        `yaml:"id"`
	Code         string        `yaml:"code"`
	Runtime      string        `yaml:"runtime"`
	Names        LocalizedText `yaml:"name,omitempty"`
	Capabilities []string      `yaml:"capabilities,omitempty"`
}

// IntentInfo describes one intent handled by an application of a package.
type IntentInfo struct {
	ID                    string   `yaml:"id"`
	HandlingApplicationID string   `yaml:"handledBy,omitempty"`
	Visibility            string   `yaml:"visibility,omitempty"`
	Categories            []string `yaml:"categories,omitempty"`
}

// formatHeader is the first YAML document of a manifest.
type formatHeader struct {
	FormatType    string `yaml:"formatType"`
	FormatVersion int    `yaml:"formatVersion"`
}

// PackageInfo is the parsed form of one info.yaml.
//
// BaseDir, BuiltIn and InstallationReport are not part of the YAML document;
// they are attached by the package database depending on where the manifest
// was found.
type PackageInfo struct {
	ID           string            `yaml:"id"`
	Version      string            `yaml:"version"`
	Icon         string            `yaml:"icon"`
	Names        LocalizedText     `yaml:"name,omitempty"`
	Descriptions LocalizedText     `yaml:"description,omitempty"`
	Categories   []string          `yaml:"categories,omitempty"`
	Applications []ApplicationInfo `yaml:"applications,omitempty"`
	Intents      []IntentInfo      `yaml:"intents,omitempty"`

	// BaseDir is the directory this manifest was loaded from.
	BaseDir string `yaml:"-"`

	// BuiltIn is true when the manifest came from a read-only built-in
	// location.
	BuiltIn bool `yaml:"-"`

	// InstallationReport is attached for installed packages.
	InstallationReport *report.Report `yaml:"-"`
}

// FromYAML parses a two-document manifest.
func FromYAML(data []byte) (*PackageInfo, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var header formatHeader
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("parse manifest header: %w", err)
	}
	if header.FormatType != FormatType || header.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("manifest header is not '%s' version %d (got '%s' version %d)",
			FormatType, FormatVersion, header.FormatType, header.FormatVersion)
	}

	var pi PackageInfo
	if err := dec.Decode(&pi); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("manifest is missing its content document")
		}
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if err := pi.Validate(); err != nil {
		return nil, err
	}
	return &pi, nil
}

// FromManifest loads and parses the manifest at path. The returned
// PackageInfo has BaseDir set to the manifest's directory.
func FromManifest(path string) (*PackageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	pi, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	pi.BaseDir = filepath.Dir(path)
	return pi, nil
}

// Validate checks the structural invariants of the manifest.
func (pi *PackageInfo) Validate() error {
	if err := ids.ValidatePackageID(pi.ID); err != nil {
		return fmt.Errorf("the manifest id '%s' is not a valid package id: %w", pi.ID, err)
	}
	if pi.Icon == "" {
		return fmt.Errorf("the 'icon' field in info.yaml cannot be empty or absent")
	}
	if pi.Icon != filepath.Base(pi.Icon) {
		return fmt.Errorf("the 'icon' field must name a file in the package root (got '%s')", pi.Icon)
	}

	seenApps := map[string]bool{}
	for _, app := range pi.Applications {
		if err := ids.ValidatePackageID(app.ID); err != nil {
			return fmt.Errorf("the application id '%s' is not valid: %w", app.ID, err)
		}
		if seenApps[app.ID] {
			return fmt.Errorf("duplicate application id '%s'", app.ID)
		}
		seenApps[app.ID] = true
	}

	seenIntents := map[string]bool{}
	for _, intent := range pi.Intents {
		if intent.ID == "" {
			return fmt.Errorf("intent ids cannot be empty")
		}
		if seenIntents[intent.ID] {
			return fmt.Errorf("duplicate intent id '%s'", intent.ID)
		}
		seenIntents[intent.ID] = true
		if intent.HandlingApplicationID != "" && !seenApps[intent.HandlingApplicationID] {
			return fmt.Errorf("intent '%s' is handled by unknown application '%s'",
				intent.ID, intent.HandlingApplicationID)
		}
	}
	return nil
}

// Name returns the best human-readable name for the given language,
// falling back to English and then to any entry.
func (pi *PackageInfo) Name(lang string) string {
	if n, ok := pi.Names[lang]; ok {
		return n
	}
	if n, ok := pi.Names["en"]; ok {
		return n
	}
	for _, n := range pi.Names {
		return n
	}
	return pi.ID
}

// ToYAML serializes the manifest back into its two-document form.
func (pi *PackageInfo) ToYAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(formatHeader{FormatType: FormatType, FormatVersion: FormatVersion}); err != nil {
		return nil, err
	}
	if err := enc.Encode(pi); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
