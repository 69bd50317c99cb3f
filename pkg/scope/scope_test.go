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

package scope

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkdirWithFile(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte(content), 0o644))
}

func readMarker(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "marker"))
	require.NoError(t, err)
	return string(data)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestDirCreator_CleanupRemoves(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "pkg")

	dc := NewDirCreator(nil)
	require.NoError(t, dc.Create(path, false))
	assert.True(t, exists(path))

	dc.Cleanup()
	assert.False(t, exists(path))
}

func TestDirCreator_TakeCommits(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "pkg")

	dc := NewDirCreator(nil)
	require.NoError(t, dc.Create(path, false))
	dc.Take()
	dc.Cleanup()
	assert.True(t, exists(path))
}

func TestDirCreator_ReplaceExisting(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "pkg")
	mkdirWithFile(t, path, "old")

	dc := NewDirCreator(nil)
	require.NoError(t, dc.Create(path, true))
	assert.True(t, exists(path))
	assert.False(t, exists(filepath.Join(path, "marker")))
}

func TestFileCreator(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "report.yaml")

	fc := NewFileCreator(nil)
	require.NoError(t, fc.Create(path))
	_, err := fc.File().WriteString("data")
	require.NoError(t, err)
	require.NoError(t, fc.Take())
	fc.Cleanup()
	assert.True(t, exists(path))

	// without Take the file is rolled back
	fc2 := NewFileCreator(nil)
	require.NoError(t, fc2.Create(filepath.Join(base, "tmp.yaml")))
	fc2.Cleanup()
	assert.False(t, exists(filepath.Join(base, "tmp.yaml")))
}

func TestRenamer_PromoteOnly(t *testing.T) {
	base := t.TempDir()
	pkg := filepath.Join(base, "com.example.app")
	mkdirWithFile(t, pkg+"+", "new")

	rn := NewRenamer(nil)
	require.NoError(t, rn.Rename(pkg, NamePlusToName))
	assert.Equal(t, "new", readMarker(t, pkg))
	assert.False(t, exists(pkg+"+"))

	rn.Take()
	rn.Cleanup()
	assert.Equal(t, "new", readMarker(t, pkg))
}

func TestRenamer_BackupAndPromote(t *testing.T) {
	base := t.TempDir()
	pkg := filepath.Join(base, "com.example.app")
	mkdirWithFile(t, pkg, "old")
	mkdirWithFile(t, pkg+"+", "new")

	rn := NewRenamer(nil)
	require.NoError(t, rn.Rename(pkg, NamePlusToName|NameToNameMinus))
	assert.Equal(t, "new", readMarker(t, pkg))
	assert.Equal(t, "old", readMarker(t, pkg+"-"))
	assert.True(t, rn.IsRenamed(NamePlusToName))
	assert.True(t, rn.IsRenamed(NameToNameMinus))
}

func TestRenamer_CleanupUndoesInReverseOrder(t *testing.T) {
	base := t.TempDir()
	pkg := filepath.Join(base, "com.example.app")
	mkdirWithFile(t, pkg, "old")
	mkdirWithFile(t, pkg+"+", "new")

	rn := NewRenamer(nil)
	require.NoError(t, rn.Rename(pkg, NamePlusToName|NameToNameMinus))

	rn.Cleanup()
	assert.Equal(t, "old", readMarker(t, pkg))
	assert.Equal(t, "new", readMarker(t, pkg+"+"))
	assert.False(t, exists(pkg+"-"))
}

func TestRenamer_PromoteFailureUndoesBackup(t *testing.T) {
	base := t.TempDir()
	pkg := filepath.Join(base, "com.example.app")
	mkdirWithFile(t, pkg, "old")
	// no pkg+ directory: the promote must fail

	rn := NewRenamer(nil)
	err := rn.Rename(pkg, NamePlusToName|NameToNameMinus)
	require.Error(t, err)

	// original state is intact
	assert.Equal(t, "old", readMarker(t, pkg))
	assert.False(t, exists(pkg+"-"))
}

func TestRenamer_BackupOnly(t *testing.T) {
	base := t.TempDir()
	pkg := filepath.Join(base, "com.example.app")
	mkdirWithFile(t, pkg, "old")

	rn := NewRenamer(nil)
	require.NoError(t, rn.Rename(pkg, NameToNameMinus))
	assert.False(t, exists(pkg))
	assert.Equal(t, "old", readMarker(t, pkg+"-"))

	rn.Take()
	rn.Cleanup()
	assert.Equal(t, "old", readMarker(t, pkg+"-"))
}

func TestRenamer_PromoteOverExistingDirectory(t *testing.T) {
	base := t.TempDir()
	pkg := filepath.Join(base, "com.example.app")
	mkdirWithFile(t, pkg, "old")
	mkdirWithFile(t, pkg+"+", "new")

	// promote without backup: the existing destination is cleared first
	rn := NewRenamer(nil)
	require.NoError(t, rn.Rename(pkg, NamePlusToName))
	assert.Equal(t, "new", readMarker(t, pkg))
}
