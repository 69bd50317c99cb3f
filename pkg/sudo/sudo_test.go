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

package sudo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortCircuit_RemoveRecursive(t *testing.T) {
	dir := t.TempDir()
	tree := filepath.Join(dir, "pkg")
	require.NoError(t, os.MkdirAll(filepath.Join(tree, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tree, "sub", "f"), []byte("x"), 0o644))

	var c Client = ShortCircuit{}
	require.NoError(t, c.RemoveRecursive(tree))

	_, err := os.Stat(tree)
	assert.True(t, os.IsNotExist(err))
}

func TestShortCircuit_SetOwnerAndPermissions(t *testing.T) {
	dir := t.TempDir()
	tree := filepath.Join(dir, "pkg")
	require.NoError(t, os.MkdirAll(filepath.Join(tree, "sub"), 0o755))
	file := filepath.Join(tree, "sub", "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	// changing to our own uid/gid is always permitted
	var c Client = ShortCircuit{}
	require.NoError(t, c.SetOwnerAndPermissionsRecursive(tree, os.Getuid(), os.Getgid(), 0o640))

	fi, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())

	// directories get the matching search bits
	di, err := os.Stat(filepath.Join(tree, "sub"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), di.Mode().Perm())

	// restore so TempDir cleanup can do its job
	require.NoError(t, c.SetOwnerAndPermissionsRecursive(tree, os.Getuid(), os.Getgid(), 0o600))
}

func TestDirectoryMode(t *testing.T) {
	tests := []struct {
		in, want os.FileMode
	}{
		{0o600, 0o700},
		{0o640, 0o750},
		{0o644, 0o755},
		{0o440, 0o550},
		{0o000, 0o000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, directoryMode(tt.in), "mode %04o", tt.in)
	}
}

func TestDenier(t *testing.T) {
	var c Client = Denier{}
	assert.Error(t, c.RemoveRecursive("/tmp/x"))
	assert.Error(t, c.SetOwnerAndPermissionsRecursive("/tmp/x", 0, 0, 0o644))
}
