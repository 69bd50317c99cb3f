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

package pack

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSourceTree builds a minimal package source directory.
func writeSourceTree(t *testing.T, id string, payload map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	info := fmt.Sprintf("formatType: am-package\nformatVersion: 1\n---\nid: %s\nversion: '1.0'\nicon: icon.png\nname: Test\n", id)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "info.yaml"), []byte(info), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "icon.png"), []byte("png"), 0o644))

	for name, content := range payload {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func createPackage(t *testing.T, src string, opts CreateOptions) (string, []byte) {
	t.Helper()
	pkgPath := filepath.Join(t.TempDir(), "pkg.ampkg")
	digest, err := CreateFile(src, pkgPath, opts)
	require.NoError(t, err)
	return pkgPath, digest
}

func TestCreateAndExtract(t *testing.T) {
	src := writeSourceTree(t, "com.pelagicore.test", map[string]string{
		"test": "test\n",
		"tëst": "test\n",
	})
	pkgPath, digest := createPackage(t, src, CreateOptions{})

	dest := t.TempDir()
	ex := NewExtractor(pkgPath, dest, nil)

	var seen []string
	ex.SetFileExtractedCallback(func(rel string) error {
		seen = append(seen, rel)
		return nil
	})

	rpt, err := ex.Extract()
	require.NoError(t, err)

	assert.Equal(t, "com.pelagicore.test", rpt.PackageID)
	assert.Equal(t, digest, rpt.Digest)
	assert.Equal(t, []string{"info.yaml", "icon.png", "test", "tëst"}, seen)
	assert.Equal(t, seen, rpt.Files)
	assert.Greater(t, rpt.DiskSpaceUsed, uint64(0))

	data, err := os.ReadFile(filepath.Join(dest, "test"))
	require.NoError(t, err)
	assert.Equal(t, "test\n", string(data))
}

func TestCreateIsDeterministic(t *testing.T) {
	src := writeSourceTree(t, "com.pelagicore.test", map[string]string{"a": "1", "b/c": "2"})

	var buf1, buf2 bytes.Buffer
	d1, err := Create(src, &buf1, CreateOptions{})
	require.NoError(t, err)
	d2, err := Create(src, &buf2, CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Equal(t, buf1.Bytes(), buf2.Bytes())
}

func TestExtract_DigestMismatch(t *testing.T) {
	src := writeSourceTree(t, "com.pelagicore.test", map[string]string{"test": "test\n"})
	pkgPath, _ := createPackage(t, src, CreateOptions{})

	// rebuild the archive with one payload byte flipped but the original
	// footer kept
	tampered := tamperPayload(t, pkgPath, "test", []byte("tampered"))

	ex := NewExtractor(tampered, t.TempDir(), nil)
	_, err := ex.Extract()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDigestMismatch), "got: %v", err)
}

// tamperPayload rewrites the archive, replacing the content of one entry
// while keeping everything else (including the footer digest) intact.
func tamperPayload(t *testing.T, pkgPath, victim string, content []byte) string {
	t.Helper()

	in, err := os.Open(pkgPath)
	require.NoError(t, err)
	defer in.Close()
	gzr, err := gzip.NewReader(in)
	require.NoError(t, err)
	tr := tar.NewReader(gzr)

	outPath := filepath.Join(t.TempDir(), "tampered.ampkg")
	out, err := os.Create(outPath)
	require.NoError(t, err)
	defer out.Close()
	gzw := gzip.NewWriter(out)
	tw := tar.NewWriter(gzw)

	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		var body bytes.Buffer
		_, err = body.ReadFrom(tr)
		require.NoError(t, err)

		data := body.Bytes()
		if hdr.Name == victim {
			data = content
		}
		hdr.Size = int64(len(data))
		require.NoError(t, tw.WriteHeader(hdr))
		_, err = tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
	return outPath
}

func TestExtract_RejectsEscapingPaths(t *testing.T) {
	// hand-build a package whose payload tries to escape the destination
	outPath := filepath.Join(t.TempDir(), "evil.ampkg")
	out, err := os.Create(outPath)
	require.NoError(t, err)
	gzw := gzip.NewWriter(out)
	tw := tar.NewWriter(gzw)

	hdr := "formatType: am-package-header\nformatVersion: 2\npackageId: com.evil.pkg\ndiskSpaceUsed: 10\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: HeaderEntryName, Size: int64(len(hdr)), Mode: 0o644, Typeflag: tar.TypeReg}))
	_, err = tw.Write([]byte(hdr))
	require.NoError(t, err)

	evil := "../escape"
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: evil, Size: 1, Mode: 0o644, Typeflag: tar.TypeReg}))
	_, err = tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
	require.NoError(t, out.Close())

	ex := NewExtractor(outPath, t.TempDir(), nil)
	_, err = ex.Extract()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedPackage), "got: %v", err)
}

func TestExtract_MissingFooter(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "trunc.ampkg")
	out, err := os.Create(outPath)
	require.NoError(t, err)
	gzw := gzip.NewWriter(out)
	tw := tar.NewWriter(gzw)

	hdr := "formatType: am-package-header\nformatVersion: 2\npackageId: com.pelagicore.test\ndiskSpaceUsed: 1\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: HeaderEntryName, Size: int64(len(hdr)), Mode: 0o644, Typeflag: tar.TypeReg}))
	_, err = tw.Write([]byte(hdr))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
	require.NoError(t, out.Close())

	ex := NewExtractor(outPath, t.TempDir(), nil)
	_, err = ex.Extract()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedPackage))
}

func TestExtract_CancelBeforeStart(t *testing.T) {
	src := writeSourceTree(t, "com.pelagicore.test", map[string]string{"test": "test\n"})
	pkgPath, _ := createPackage(t, src, CreateOptions{})

	ex := NewExtractor(pkgPath, t.TempDir(), nil)
	ex.Cancel()
	_, err := ex.Extract()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCanceled), "got: %v", err)
}

func TestExtract_CancelFromCallback(t *testing.T) {
	src := writeSourceTree(t, "com.pelagicore.test", map[string]string{"test": "test\n"})
	pkgPath, _ := createPackage(t, src, CreateOptions{})

	ex := NewExtractor(pkgPath, t.TempDir(), nil)
	ex.SetFileExtractedCallback(func(rel string) error {
		ex.Cancel()
		return nil
	})

	_, err := ex.Extract()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCanceled), "got: %v", err)
}

func TestExtract_FileCallbackErrorAborts(t *testing.T) {
	src := writeSourceTree(t, "com.pelagicore.test", map[string]string{"test": "test\n"})
	pkgPath, _ := createPackage(t, src, CreateOptions{})

	boom := errors.New("boom")
	ex := NewExtractor(pkgPath, t.TempDir(), nil)
	ex.SetFileExtractedCallback(func(rel string) error {
		return boom
	})

	_, err := ex.Extract()
	assert.True(t, errors.Is(err, boom))
}

func TestExtract_SwitchDestinationDirectory(t *testing.T) {
	src := writeSourceTree(t, "com.pelagicore.test", map[string]string{"test": "test\n"})
	pkgPath, _ := createPackage(t, src, CreateOptions{})

	first := t.TempDir()
	second := t.TempDir()

	ex := NewExtractor(pkgPath, first, nil)
	ex.SetFileExtractedCallback(func(rel string) error {
		if rel == "icon.png" {
			ex.SetDestinationDirectory(second)
		}
		return nil
	})

	_, err := ex.Extract()
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(first, "info.yaml"))
	assert.FileExists(t, filepath.Join(first, "icon.png"))
	assert.FileExists(t, filepath.Join(second, "test"))
}

func TestExtract_ReportsProgress(t *testing.T) {
	src := writeSourceTree(t, "com.pelagicore.test", map[string]string{"test": "test\n"})
	pkgPath, _ := createPackage(t, src, CreateOptions{})

	var values []float64
	ex := NewExtractor(pkgPath, t.TempDir(), nil)
	ex.SetProgressCallback(func(p float64) {
		values = append(values, p)
	})

	_, err := ex.Extract()
	require.NoError(t, err)

	require.NotEmpty(t, values)
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1])
	}
	assert.Equal(t, 1.0, values[len(values)-1])
}
