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
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"

	"github.com/kraklabs/pkgd/internal/contract"
	"github.com/kraklabs/pkgd/pkg/report"
)

// FileExtractedFunc is invoked after a file has been fully written and
// closed. Returning an error aborts the extraction.
type FileExtractedFunc func(relPath string) error

// ProgressFunc receives extraction progress in [0,1].
type ProgressFunc func(progress float64)

// Extractor streams one package archive into a destination directory,
// maintaining an incremental digest over the byte stream, dispatching
// per-file callbacks and honoring cancellation.
//
// An Extractor is single-use: create one per Extract call. Cancel and
// SetDestinationDirectory may be called from other goroutines while Extract
// runs.
type Extractor struct {
	sourceURL string
	logger    *slog.Logger

	mu       sync.Mutex
	destDir  string
	onFile   FileExtractedFunc
	progress ProgressFunc

	canceled atomic.Bool

	hdr *Header
	rpt report.Report
}

// NewExtractor creates an extractor streaming sourceURL into destDir.
// sourceURL may be an http(s) URL, a file:// URL or a plain filesystem path.
func NewExtractor(sourceURL, destDir string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		sourceURL: sourceURL,
		destDir:   destDir,
		logger:    logger,
	}
}

// SetFileExtractedCallback installs (or, with nil, detaches) the per-file
// callback.
func (e *Extractor) SetFileExtractedCallback(cb FileExtractedFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFile = cb
}

// SetProgressCallback installs the progress callback.
func (e *Extractor) SetProgressCallback(cb ProgressFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = cb
}

// DestinationDirectory returns the directory entries are currently being
// extracted to.
func (e *Extractor) DestinationDirectory() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destDir
}

// SetDestinationDirectory redirects all subsequent entries into dir.
func (e *Extractor) SetDestinationDirectory(dir string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destDir = dir
}

// Cancel requests cancellation. It is safe to call from any goroutine; the
// in-flight Extract returns ErrCanceled as soon as the current chunk has
// been written. No partial files are promised to remain.
func (e *Extractor) Cancel() {
	e.canceled.Store(true)
}

// Report returns the installation report built during extraction. It is
// only complete after Extract returned nil.
func (e *Extractor) Report() *report.Report {
	return &e.rpt
}

// Header returns the package header. It is available from the moment the
// first file callback fires.
func (e *Extractor) Header() *Header {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hdr
}

// Extract runs the extraction to completion. On success the returned report
// carries the package id, digest, signatures, file list and disk usage from
// the stream.
func (e *Extractor) Extract() (*report.Report, error) {
	src, err := e.openSource()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	gz, err := gzip.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("%w: not a gzip compressed stream: %v", ErrMalformedPackage, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	hdr, err := e.readHeader(tr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.hdr = hdr
	e.rpt.PackageID = hdr.PackageID
	e.mu.Unlock()

	dig, err := newDigester(hdr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPackage, err)
	}

	var totalWritten uint64
	for {
		entry, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: the stream ended without a package footer", ErrMalformedPackage)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPackage, err)
		}

		if entry.Name == FooterEntryName {
			return e.finish(tr, hdr, dig, totalWritten)
		}

		switch entry.Typeflag {
		case tar.TypeDir:
			relPath, err := e.safeRelPath(entry.Name)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Join(e.DestinationDirectory(), relPath), 0o755); err != nil {
				return nil, fmt.Errorf("create directory %s: %w", relPath, err)
			}
		case tar.TypeReg:
			written, err := e.extractFile(tr, entry, dig, hdr.DiskSpaceUsed, totalWritten)
			if err != nil {
				return nil, err
			}
			totalWritten += written
		default:
			return nil, fmt.Errorf("%w: entry '%s' has unsupported type %d",
				ErrMalformedPackage, entry.Name, entry.Typeflag)
		}
	}
}

// openSource opens the package stream.
func (e *Extractor) openSource() (io.ReadCloser, error) {
	url := e.sourceURL
	switch {
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		resp, err := http.Get(url)
		if err != nil {
			return nil, fmt.Errorf("download package: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("download package: unexpected status %s", resp.Status)
		}
		return resp.Body, nil
	case strings.HasPrefix(url, "file://"):
		url = strings.TrimPrefix(url, "file://")
		fallthrough
	default:
		f, err := os.Open(url)
		if err != nil {
			return nil, fmt.Errorf("open package: %w", err)
		}
		return f, nil
	}
}

// readHeader consumes and validates the --PACKAGE-HEADER-- entry.
func (e *Extractor) readHeader(tr *tar.Reader) (*Header, error) {
	entry, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read the package header: %v", ErrMalformedPackage, err)
	}
	if entry.Name != HeaderEntryName {
		return nil, fmt.Errorf("%w: the first entry must be '%s' (got '%s')",
			ErrMalformedPackage, HeaderEntryName, entry.Name)
	}

	data, err := io.ReadAll(io.LimitReader(tr, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPackage, err)
	}

	var hdr Header
	if err := yaml.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: invalid package header: %v", ErrMalformedPackage, err)
	}
	if err := validateHeader(&hdr); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// extractFile streams one regular file entry to disk, feeding the digest
// and checking for cancellation once per chunk.
func (e *Extractor) extractFile(tr *tar.Reader, entry *tar.Header, dig *digester,
	reportedSize, writtenSoFar uint64) (uint64, error) {

	relPath, err := e.safeRelPath(entry.Name)
	if err != nil {
		return 0, err
	}

	destDir := e.DestinationDirectory()
	destPath := filepath.Join(destDir, relPath)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("create directory for %s: %w", relPath, err)
	}

	dig.addEntry(relPath, uint64(entry.Size))

	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", relPath, err)
	}

	var written uint64
	buf := make([]byte, contract.ExtractChunkBytes)
	for {
		if e.canceled.Load() {
			f.Close()
			return written, ErrCanceled
		}

		n, readErr := tr.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				f.Close()
				return written, fmt.Errorf("write %s: %w", relPath, err)
			}
			dig.Write(buf[:n])
			written += uint64(n)
			e.reportProgress(writtenSoFar+written, reportedSize)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			f.Close()
			return written, fmt.Errorf("%w: %v", ErrMalformedPackage, readErr)
		}
	}

	if err := f.Close(); err != nil {
		return written, fmt.Errorf("close %s: %w", relPath, err)
	}

	e.rpt.AddFile(relPath)

	e.mu.Lock()
	cb := e.onFile
	e.mu.Unlock()
	if cb != nil {
		if err := cb(relPath); err != nil {
			return written, err
		}
	}
	return written, nil
}

// finish reads the footer, verifies the digest and completes the report.
func (e *Extractor) finish(tr *tar.Reader, hdr *Header, dig *digester, totalWritten uint64) (*report.Report, error) {
	data, err := io.ReadAll(io.LimitReader(tr, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPackage, err)
	}

	var ftr Footer
	if err := yaml.Unmarshal(data, &ftr); err != nil {
		return nil, fmt.Errorf("%w: invalid package footer: %v", ErrMalformedPackage, err)
	}
	if err := validateFooter(&ftr); err != nil {
		return nil, err
	}

	// nothing may follow the footer
	if _, err := tr.Next(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: unexpected entries after the package footer", ErrMalformedPackage)
	}

	wantDigest, err := hex.DecodeString(ftr.Digest)
	if err != nil || len(wantDigest) == 0 {
		return nil, fmt.Errorf("%w: the footer digest is not valid hex", ErrMalformedPackage)
	}
	gotDigest := dig.sum()
	if !bytes.Equal(wantDigest, gotDigest) {
		return nil, fmt.Errorf("%w: computed %x, footer says %x", ErrDigestMismatch, gotDigest, wantDigest)
	}

	e.rpt.PackageID = hdr.PackageID
	e.rpt.Digest = gotDigest
	e.rpt.DiskSpaceUsed = totalWritten
	if e.rpt.DiskSpaceUsed == 0 {
		e.rpt.DiskSpaceUsed = 1 // an installed package always occupies space
	}
	e.rpt.ExtraMetaData = hdr.ExtraMetaData
	e.rpt.ExtraSignedMetaData = hdr.ExtraSignedMetaData

	if ftr.DeveloperSignature != "" {
		sig, err := base64.StdEncoding.DecodeString(ftr.DeveloperSignature)
		if err != nil {
			return nil, fmt.Errorf("%w: developerSignature is not valid base64", ErrMalformedPackage)
		}
		e.rpt.DeveloperSignature = sig
	}
	if ftr.StoreSignature != "" {
		sig, err := base64.StdEncoding.DecodeString(ftr.StoreSignature)
		if err != nil {
			return nil, fmt.Errorf("%w: storeSignature is not valid base64", ErrMalformedPackage)
		}
		e.rpt.StoreSignature = sig
	}

	e.reportProgress(1, 1)
	e.logger.Debug("pack.extract.done",
		"package", e.rpt.PackageID, "files", len(e.rpt.Files), "bytes", totalWritten)
	return &e.rpt, nil
}

// safeRelPath cleans an entry name and rejects anything that would resolve
// outside the destination directory.
func (e *Extractor) safeRelPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: entry with empty name", ErrMalformedPackage)
	}
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry '%s' escapes the destination directory", ErrMalformedPackage, name)
	}
	return clean, nil
}

func (e *Extractor) reportProgress(done, total uint64) {
	e.mu.Lock()
	cb := e.progress
	e.mu.Unlock()
	if cb == nil || total == 0 {
		return
	}
	p := float64(done) / float64(total)
	if p > 1 {
		p = 1
	}
	cb(p)
}
