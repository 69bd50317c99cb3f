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

package main

import (
	"os"
	"testing"

	"github.com/mattn/go-isatty"
)

func TestNewProgressConfig(t *testing.T) {
	isTTY := isatty.IsTerminal(os.Stderr.Fd())

	tests := []struct {
		name    string
		globals GlobalFlags
		enabled bool
	}{
		{name: "default", globals: GlobalFlags{}, enabled: isTTY},
		{name: "quiet", globals: GlobalFlags{Quiet: true}, enabled: false},
		{name: "json-implies-quiet", globals: GlobalFlags{JSON: true, Quiet: true}, enabled: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewProgressConfig(tt.globals)
			if cfg.Enabled != tt.enabled {
				t.Errorf("Enabled = %v, want %v", cfg.Enabled, tt.enabled)
			}
			if cfg.Writer != os.Stderr {
				t.Error("progress must go to stderr")
			}
		})
	}
}

func TestNewProgressBar_DisabledReturnsNil(t *testing.T) {
	cfg := ProgressConfig{Enabled: false}
	if bar := NewProgressBar(cfg, 100, "x"); bar != nil {
		t.Error("disabled progress config must yield a nil bar")
	}
	if sp := NewSpinner(cfg, "x"); sp != nil {
		t.Error("disabled progress config must yield a nil spinner")
	}
}
