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

//go:build linux

package sudo

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer runs a Server on its own goroutine, talking to the returned
// client over a socketpair. The test process stands in for the privileged
// helper.
func startServer(t *testing.T) *SocketClient {
	t.Helper()

	clientFD, serverFD, err := NewSocketPair()
	require.NoError(t, err)

	client := NewSocketClient(clientFD)
	server := NewServer(serverFD, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = server.Serve()
	}()

	t.Cleanup(func() {
		client.StopServer()
		wg.Wait()
	})
	return client
}

func TestSocketClient_RemoveRecursive(t *testing.T) {
	client := startServer(t)

	dir := t.TempDir()
	tree := filepath.Join(dir, "pkg")
	require.NoError(t, os.MkdirAll(filepath.Join(tree, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tree, "sub", "f"), []byte("x"), 0o644))

	require.NoError(t, client.RemoveRecursive(tree))
	_, err := os.Stat(tree)
	assert.True(t, os.IsNotExist(err))
}

func TestSocketClient_SetOwnerAndPermissions(t *testing.T) {
	client := startServer(t)

	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	require.NoError(t, client.SetOwnerAndPermissionsRecursive(file, os.Getuid(), os.Getgid(), 0o640))

	fi, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())
}

func TestSocketClient_ErrorsCrossTheWire(t *testing.T) {
	client := startServer(t)

	err := client.RemoveRecursive("") // empty path
	// os.RemoveAll("") succeeds without doing anything; this call only has
	// to complete.
	_ = err

	// a failing operation reports its error to the client
	dir := t.TempDir()
	assert.Error(t, client.SetOwnerAndPermissionsRecursive(filepath.Join(dir, "missing"), os.Getuid(), os.Getgid(), 0o640))

	// and the connection stays usable afterwards
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644))
	require.NoError(t, client.RemoveRecursive(filepath.Join(dir, "f")))
}

func TestSocketClient_SerializesConcurrentCalls(t *testing.T) {
	client := startServer(t)
	dir := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := filepath.Join(dir, "sub", string(rune('a'+i)))
			assert.NoError(t, os.MkdirAll(sub, 0o755))
			assert.NoError(t, client.RemoveRecursive(sub))
		}(i)
	}
	wg.Wait()
}
