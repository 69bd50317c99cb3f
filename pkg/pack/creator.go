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

package pack

import (
	"archive/tar"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"

	"github.com/kraklabs/pkgd/internal/contract"
	"github.com/kraklabs/pkgd/pkg/manifest"
	"github.com/kraklabs/pkgd/pkg/signature"
)

// CreateOptions configures package creation.
type CreateOptions struct {
	// ExtraMetaData is attached to the package header unverified.
	ExtraMetaData map[string]any

	// ExtraSignedMetaData is attached to the package header and covered
	// by the package digest.
	ExtraSignedMetaData map[string]any

	// DeveloperKeyPEM, when set, produces a developer signature over the
	// digest.
	DeveloperKeyPEM []byte

	// StoreKeyPEM, when set together with StoreHardwareID, produces a
	// store signature over the hardware-id-keyed digest.
	StoreKeyPEM []byte

	// StoreHardwareID is the hardware id of the target device for store
	// signing.
	StoreHardwareID string
}

// Create builds a package archive from sourceDir and writes it to w.
//
// sourceDir must contain an info.yaml manifest and the icon file it names.
// Payload files are emitted in lexicographic order so that packages built
// from the same tree are byte-identical and their digests reproducible.
// It returns the computed package digest.
func Create(sourceDir string, w io.Writer, opts CreateOptions) ([]byte, error) {
	pi, err := manifest.FromManifest(filepath.Join(sourceDir, "info.yaml"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPackage, err)
	}

	iconInfo, err := os.Stat(filepath.Join(sourceDir, pi.Icon))
	if err != nil {
		return nil, fmt.Errorf("%w: the icon '%s' named in info.yaml does not exist", ErrMalformedPackage, pi.Icon)
	}
	if iconInfo.Size() > contract.IconMaxBytes() {
		return nil, fmt.Errorf("%w: the size of %s is too large (max. %d bytes)",
			ErrMalformedPackage, pi.Icon, contract.IconMaxBytes())
	}

	entries, totalSize, err := collectPayload(sourceDir, pi.Icon)
	if err != nil {
		return nil, err
	}
	totalSize += uint64(iconInfo.Size())
	infoSize, err := fileSize(filepath.Join(sourceDir, "info.yaml"))
	if err != nil {
		return nil, err
	}
	totalSize += infoSize

	hdr := &Header{
		FormatType:          HeaderFormatType,
		FormatVersion:       FormatVersion,
		PackageID:           pi.ID,
		DiskSpaceUsed:       totalSize,
		ExtraMetaData:       opts.ExtraMetaData,
		ExtraSignedMetaData: opts.ExtraSignedMetaData,
	}

	dig, err := newDigester(hdr)
	if err != nil {
		return nil, err
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	if err := writeYAMLEntry(tw, HeaderEntryName, hdr); err != nil {
		return nil, err
	}

	// content order is part of the format: manifest, icon, then payload
	ordered := append([]string{"info.yaml", pi.Icon}, entries...)
	for _, rel := range ordered {
		if err := writeFileEntry(tw, dig, sourceDir, rel); err != nil {
			return nil, err
		}
	}

	digest := dig.sum()
	ftr := &Footer{
		FormatType:    FooterFormatType,
		FormatVersion: FormatVersion,
		Digest:        hex.EncodeToString(digest),
	}
	if len(opts.DeveloperKeyPEM) > 0 {
		sig, err := signature.Create(digest, opts.DeveloperKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("sign package: %w", err)
		}
		ftr.DeveloperSignature = base64.StdEncoding.EncodeToString(sig)
	}
	if len(opts.StoreKeyPEM) > 0 {
		sig, err := signature.Create(signature.StoreDigest(digest, opts.StoreHardwareID), opts.StoreKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("store-sign package: %w", err)
		}
		ftr.StoreSignature = base64.StdEncoding.EncodeToString(sig)
	}

	if err := writeYAMLEntry(tw, FooterEntryName, ftr); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finish package archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("finish package compression: %w", err)
	}
	return digest, nil
}

// CreateFile is a convenience wrapper around Create writing to path.
func CreateFile(sourceDir, path string, opts CreateOptions) ([]byte, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create package file: %w", err)
	}
	digest, err := Create(sourceDir, f, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close package file: %w", cerr)
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return digest, nil
}

// collectPayload lists the payload files of sourceDir (everything except
// info.yaml and the icon) in lexicographic order, plus their total size.
func collectPayload(sourceDir, icon string) ([]string, uint64, error) {
	var entries []string
	var total uint64

	err := filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("%w: '%s' is neither a regular file nor a directory", ErrMalformedPackage, p)
		}
		rel, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "info.yaml" || rel == icon {
			return nil
		}
		if strings.HasPrefix(filepath.Base(rel), "--PACKAGE-") {
			return fmt.Errorf("%w: '%s' collides with a reserved entry name", ErrMalformedPackage, rel)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += uint64(fi.Size())
		entries = append(entries, rel)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Strings(entries)
	return entries, total, nil
}

func fileSize(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}

// writeYAMLEntry writes a pseudo-entry holding a YAML document.
func writeYAMLEntry(tw *tar.Writer, name string, doc any) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := tw.WriteHeader(deterministicHeader(name, int64(len(data)))); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// writeFileEntry streams one content file into the archive, feeding the
// digest the same way the extractor will.
func writeFileEntry(tw *tar.Writer, dig *digester, sourceDir, rel string) error {
	path := filepath.Join(sourceDir, rel)
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}

	if err := tw.WriteHeader(deterministicHeader(rel, fi.Size())); err != nil {
		return fmt.Errorf("write entry %s: %w", rel, err)
	}

	dig.addEntry(rel, uint64(fi.Size()))

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	if _, err := io.Copy(io.MultiWriter(tw, dig), f); err != nil {
		return fmt.Errorf("archive %s: %w", rel, err)
	}
	return nil
}

// deterministicHeader builds a tar header carrying no host-specific data,
// so that identical trees produce identical archives.
func deterministicHeader(name string, size int64) *tar.Header {
	return &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     0o644,
		Format:   tar.FormatPAX,
	}
}
