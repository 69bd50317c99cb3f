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

// Package report implements the per-package installation report.
//
// A report is persisted as .installation-report.yaml inside every installed
// package directory. It is a three-document YAML file: a format header, the
// report body, and a trailing keyed MAC over the serialized header+body that
// detects local tampering. The MAC key is compiled in; it is a tamper
// detector, not a security boundary.
//
// Reports round-trip: Load(Serialize(r)) yields a report equal to r.
package report

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/pkgd/internal/contract"
	"github.com/kraklabs/pkgd/pkg/ids"
)

const (
	// FormatType identifies an installation report header document.
	FormatType = "am-installation-report"

	// FormatVersion is the supported report format version.
	FormatVersion = 1

	// FileName is the name a report is stored under inside an installed
	// package directory.
	FileName = ".installation-report.yaml"
)

// ErrMalformedReport is wrapped by every Load failure: wrong document shape,
// missing required fields, or a MAC that does not verify.
var ErrMalformedReport = errors.New("malformed installation report")

// macKey is the compiled-in HMAC-SHA256 key. Regenerate with:
//
//	xxd -i <(dd if=/dev/urandom bs=64 count=1)
var macKey = []byte{
	0x2f, 0x1a, 0x9c, 0x04, 0x5e, 0xd1, 0x88, 0x3b, 0x7a, 0xe2, 0x4d, 0x90,
	0x11, 0xc6, 0x5f, 0x2b, 0x83, 0x0e, 0xaa, 0x67, 0x34, 0xf8, 0x02, 0x9d,
	0x46, 0xbb, 0x71, 0x28, 0xe5, 0x1c, 0xd0, 0x99, 0x6a, 0x03, 0xb7, 0x52,
	0xc8, 0x3d, 0xee, 0x15, 0x80, 0x49, 0xa6, 0xf2, 0x0b, 0xd4, 0x67, 0x91,
	0x3e, 0xcc, 0x58, 0x07, 0xb1, 0x6d, 0xfa, 0x22, 0x95, 0x40, 0xe8, 0x1f,
	0x73, 0xa9, 0x0c, 0xd6,
}

// Report summarizes one installed package: identity, digest, file list,
// signatures and free-form metadata from the package header.
type Report struct {
	PackageID           string
	DiskSpaceUsed       uint64
	Digest              []byte
	DeveloperSignature  []byte
	StoreSignature      []byte
	Files               []string
	ExtraMetaData       map[string]any
	ExtraSignedMetaData map[string]any
}

// formatHeader is the first YAML document of a report.
type formatHeader struct {
	FormatVersion int    `yaml:"formatVersion"`
	FormatType    string `yaml:"formatType"`
}

// reportBody is the second YAML document of a report.
type reportBody struct {
	PackageID           string         `yaml:"packageId"`
	DiskSpaceUsed       uint64         `yaml:"diskSpaceUsed"`
	Digest              string         `yaml:"digest"`
	DeveloperSignature  string         `yaml:"developerSignature,omitempty"`
	StoreSignature      string         `yaml:"storeSignature,omitempty"`
	ExtraMetaData       map[string]any `yaml:"extraMetaData,omitempty"`
	ExtraSignedMetaData map[string]any `yaml:"extraSignedMetaData,omitempty"`
	Files               []string       `yaml:"files"`
}

// reportFooter is the third YAML document, holding the MAC as hex.
type reportFooter struct {
	HMAC string `yaml:"hmac"`
}

// IsValid reports whether the report can be serialized: a valid package id,
// a non-empty digest and a non-empty file list.
func (r *Report) IsValid() bool {
	return ids.ValidatePackageID(r.PackageID) == nil && len(r.Digest) > 0 && len(r.Files) > 0
}

// AddFile appends a relative file path to the report.
func (r *Report) AddFile(file string) {
	r.Files = append(r.Files, file)
}

// Serialize encodes the report as header+body+MAC. It fails if the report
// is not valid (see IsValid).
func (r *Report) Serialize() ([]byte, error) {
	if !r.IsValid() {
		return nil, fmt.Errorf("cannot serialize an incomplete installation report (id, digest and files are required)")
	}

	body := reportBody{
		PackageID:           r.PackageID,
		DiskSpaceUsed:       r.DiskSpaceUsed,
		Digest:              hex.EncodeToString(r.Digest),
		ExtraMetaData:       r.ExtraMetaData,
		ExtraSignedMetaData: r.ExtraSignedMetaData,
		Files:               r.Files,
	}
	if len(r.DeveloperSignature) > 0 {
		body.DeveloperSignature = base64.StdEncoding.EncodeToString(r.DeveloperSignature)
	}
	if len(r.StoreSignature) > 0 {
		body.StoreSignature = base64.StdEncoding.EncodeToString(r.StoreSignature)
	}

	signedPart, err := encodeDocs(
		formatHeader{FormatVersion: FormatVersion, FormatType: FormatType},
		body,
	)
	if err != nil {
		return nil, fmt.Errorf("serialize installation report: %w", err)
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write(signedPart)

	footer, err := encodeDocs(reportFooter{HMAC: hex.EncodeToString(mac.Sum(nil))})
	if err != nil {
		return nil, fmt.Errorf("serialize installation report footer: %w", err)
	}

	var out bytes.Buffer
	out.Write(signedPart)
	out.WriteString("---\n")
	out.Write(footer)
	return out.Bytes(), nil
}

// WriteFile serializes the report into dir under FileName.
func (r *Report) WriteFile(dir string) error {
	data, err := r.Serialize()
	if err != nil {
		return err
	}
	path := dir + string(os.PathSeparator) + FileName
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write installation report: %w", err)
	}
	return nil
}

// Load parses and verifies a serialized report. Any shape violation, missing
// required field, or MAC mismatch yields an error wrapping
// ErrMalformedReport.
func Load(data []byte) (*Report, error) {
	if len(data) > contract.ReportMaxBytes {
		return nil, fmt.Errorf("%w: file larger than %d bytes", ErrMalformedReport, contract.ReportMaxBytes)
	}

	docs, raws, err := splitDocs(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	if len(docs) != 3 {
		return nil, fmt.Errorf("%w: expected 3 documents, found %d", ErrMalformedReport, len(docs))
	}

	var header formatHeader
	if err := docs[0].Decode(&header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	if header.FormatType != FormatType || header.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: header is not '%s' version %d", ErrMalformedReport, FormatType, FormatVersion)
	}

	var body reportBody
	if err := docs[1].Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	var footer reportFooter
	if err := docs[2].Decode(&footer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}

	// the MAC covers exactly the first two documents as stored on disk
	storedMAC, err := hex.DecodeString(footer.HMAC)
	if err != nil || len(storedMAC) == 0 {
		return nil, fmt.Errorf("%w: missing or invalid hmac", ErrMalformedReport)
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(raws[0])
	mac.Write(raws[1])
	if !hmac.Equal(storedMAC, mac.Sum(nil)) {
		return nil, fmt.Errorf("%w: the hmac does not verify, the report has been tampered with", ErrMalformedReport)
	}

	r := &Report{
		PackageID:           body.PackageID,
		DiskSpaceUsed:       body.DiskSpaceUsed,
		Files:               body.Files,
		ExtraMetaData:       body.ExtraMetaData,
		ExtraSignedMetaData: body.ExtraSignedMetaData,
	}
	if r.PackageID == "" {
		return nil, fmt.Errorf("%w: packageId is missing", ErrMalformedReport)
	}
	if body.DiskSpaceUsed == 0 {
		return nil, fmt.Errorf("%w: diskSpaceUsed must be greater than zero", ErrMalformedReport)
	}
	if r.Digest, err = hex.DecodeString(body.Digest); err != nil || len(r.Digest) == 0 {
		return nil, fmt.Errorf("%w: digest is missing or not valid hex", ErrMalformedReport)
	}
	if len(r.Files) == 0 {
		return nil, fmt.Errorf("%w: the file list is empty", ErrMalformedReport)
	}
	if body.DeveloperSignature != "" {
		if r.DeveloperSignature, err = base64.StdEncoding.DecodeString(body.DeveloperSignature); err != nil || len(r.DeveloperSignature) == 0 {
			return nil, fmt.Errorf("%w: developerSignature is not valid base64", ErrMalformedReport)
		}
	}
	if body.StoreSignature != "" {
		if r.StoreSignature, err = base64.StdEncoding.DecodeString(body.StoreSignature); err != nil || len(r.StoreSignature) == 0 {
			return nil, fmt.Errorf("%w: storeSignature is not valid base64", ErrMalformedReport)
		}
	}
	return r, nil
}

// LoadFile reads and verifies the report stored in dir under FileName.
func LoadFile(dir string) (*Report, error) {
	f, err := os.Open(dir + string(os.PathSeparator) + FileName)
	if err != nil {
		return nil, fmt.Errorf("open installation report: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, contract.ReportMaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read installation report: %w", err)
	}
	return Load(data)
}

// encodeDocs yaml-encodes the given values as a multi-document stream.
func encodeDocs(docs ...any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// splitDocs splits a YAML stream into its documents, returning both the
// parsed nodes and the raw byte ranges. The raw ranges are needed because
// the MAC is computed over the on-disk encoding, not a re-serialization.
func splitDocs(data []byte) ([]*yaml.Node, [][]byte, error) {
	var nodes []*yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, err
		}
		nodes = append(nodes, &node)
	}

	// split the raw bytes on document separators; the separator line stays
	// with the document it introduces
	var raws [][]byte
	start := 0
	for i := 0; i <= len(data); {
		if i == len(data) {
			if start < i {
				raws = append(raws, data[start:i])
			}
			break
		}
		if atLineStart(data, i) && bytes.HasPrefix(data[i:], []byte("---")) && i > start {
			raws = append(raws, data[start:i])
			start = i
		}
		i++
	}
	if len(raws) != len(nodes) {
		return nil, nil, fmt.Errorf("inconsistent document structure")
	}
	return nodes, raws, nil
}

func atLineStart(data []byte, i int) bool {
	return i == 0 || data[i-1] == '\n'
}
