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

// Package pack implements the package archive format: a gzip-compressed tar
// stream framed by two pseudo-entries.
//
// The stream layout is, in order:
//
//  1. --PACKAGE-HEADER--   YAML: format id, package id, size, metadata
//  2. info.yaml            the package manifest
//  3. <icon>               the icon file named by the manifest
//  4. ...                  payload files
//  5. --PACKAGE-FOOTER--   YAML: digest and signatures
//
// The digest is a SHA-256 over the content entries as the recipient sees
// them, seeded with the identity data of the header, so that packages are
// reproducible and their digests can be signed.
package pack

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"gopkg.in/yaml.v3"
)

// Pseudo-entry names framing the content of a package archive. Both are
// invalid package file names, so they can never collide with payload.
const (
	HeaderEntryName = "--PACKAGE-HEADER--"
	FooterEntryName = "--PACKAGE-FOOTER--"
)

const (
	// HeaderFormatType identifies the header document.
	HeaderFormatType = "am-package-header"

	// FooterFormatType identifies the footer document.
	FooterFormatType = "am-package-footer"

	// FormatVersion is the supported archive format version.
	FormatVersion = 2
)

// Error kinds reported by the extractor. Callers match with errors.Is and
// map them onto task failure codes.
var (
	// ErrCanceled is returned when Cancel interrupted the extraction.
	ErrCanceled = errors.New("canceled")

	// ErrMalformedPackage is wrapped when the archive layout or its
	// documents violate the format contract.
	ErrMalformedPackage = errors.New("malformed package")

	// ErrDigestMismatch is returned when the computed digest does not
	// match the digest stored in the footer.
	ErrDigestMismatch = errors.New("package digest mismatch")
)

// Header is the YAML document stored in the --PACKAGE-HEADER-- entry.
type Header struct {
	FormatType          string         `yaml:"formatType"`
	FormatVersion       int            `yaml:"formatVersion"`
	PackageID           string         `yaml:"packageId"`
	DiskSpaceUsed       uint64         `yaml:"diskSpaceUsed"`
	ExtraMetaData       map[string]any `yaml:"extraMetaData,omitempty"`
	ExtraSignedMetaData map[string]any `yaml:"extraSignedMetaData,omitempty"`
}

// Footer is the YAML document stored in the --PACKAGE-FOOTER-- entry.
type Footer struct {
	FormatType         string `yaml:"formatType"`
	FormatVersion      int    `yaml:"formatVersion"`
	Digest             string `yaml:"digest"`
	DeveloperSignature string `yaml:"developerSignature,omitempty"`
	StoreSignature     string `yaml:"storeSignature,omitempty"`
}

// digester computes the package digest. The creator and the extractor feed
// it identically: once with the header identity, then per content entry with
// the entry's path and size followed by the content bytes.
type digester struct {
	h hash.Hash
}

func newDigester(hdr *Header) (*digester, error) {
	d := &digester{h: sha256.New()}
	d.h.Write([]byte(hdr.PackageID))
	d.h.Write([]byte{0})
	if len(hdr.ExtraSignedMetaData) > 0 {
		// canonical form: yaml.v3 emits map keys sorted
		canonical, err := yaml.Marshal(hdr.ExtraSignedMetaData)
		if err != nil {
			return nil, fmt.Errorf("digest extraSignedMetaData: %w", err)
		}
		d.h.Write(canonical)
	}
	return d, nil
}

// addEntry mixes the identity of a content entry into the digest.
func (d *digester) addEntry(path string, size uint64) {
	d.h.Write([]byte(path))
	d.h.Write([]byte{0})
	var sz [8]byte
	binary.BigEndian.PutUint64(sz[:], size)
	d.h.Write(sz[:])
}

// Write mixes content bytes into the digest.
func (d *digester) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

func (d *digester) sum() []byte {
	return d.h.Sum(nil)
}

// validateHeader checks the fixed fields of a package header.
func validateHeader(hdr *Header) error {
	if hdr.FormatType != HeaderFormatType || hdr.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: header is not '%s' version %d (got '%s' version %d)",
			ErrMalformedPackage, HeaderFormatType, FormatVersion, hdr.FormatType, hdr.FormatVersion)
	}
	if hdr.PackageID == "" {
		return fmt.Errorf("%w: the header is missing the packageId", ErrMalformedPackage)
	}
	return nil
}

// validateFooter checks the fixed fields of a package footer.
func validateFooter(ftr *Footer) error {
	if ftr.FormatType != FooterFormatType || ftr.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: footer is not '%s' version %d (got '%s' version %d)",
			ErrMalformedPackage, FooterFormatType, FormatVersion, ftr.FormatType, ftr.FormatVersion)
	}
	if ftr.Digest == "" {
		return fmt.Errorf("%w: the footer is missing the digest", ErrMalformedPackage)
	}
	return nil
}
