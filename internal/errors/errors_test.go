// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestUserError_Error(t *testing.T) {
	ue := NewPackageError("install failed", "bad manifest", "repack", nil)
	if got := ue.Error(); got != "install failed" {
		t.Errorf("Error() = %q, want %q", got, "install failed")
	}

	wrapped := NewIOError("rename failed", "", "", fmt.Errorf("permission denied"))
	if got := wrapped.Error(); got != "rename failed: permission denied" {
		t.Errorf("Error() = %q", got)
	}
}

func TestUserError_Unwrap(t *testing.T) {
	underlying := fmt.Errorf("disk full")
	ue := NewIOError("cannot write report", "no space left", "free disk space", underlying)

	if !errors.Is(ue, underlying) {
		t.Error("errors.Is should find the wrapped error")
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *UserError
		want int
	}{
		{"config", NewConfigError("m", "c", "f", nil), ExitConfig},
		{"package", NewPackageError("m", "c", "f", nil), ExitPackage},
		{"io", NewIOError("m", "c", "f", nil), ExitIO},
		{"input", NewInputError("m", "c", "f"), ExitInput},
		{"signature", NewSignatureError("m", "c", "f", nil), ExitSignature},
		{"not-installed", NewNotInstalledError("m", "c", "f"), ExitNotInstalled},
		{"internal", NewInternalError("m", "c", "f", nil), ExitInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.ExitCode != tt.want {
				t.Errorf("ExitCode = %d, want %d", tt.err.ExitCode, tt.want)
			}
		})
	}
}

func TestFormat_NoColor(t *testing.T) {
	ue := NewPackageError("bad package", "digest mismatch", "re-download the package", nil)
	out := ue.Format(true)

	for _, want := range []string{"Error: bad package", "Cause: digest mismatch", "Fix:   re-download the package"} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() missing %q in:\n%s", want, out)
		}
	}
}

func TestFormat_OmitsEmptySections(t *testing.T) {
	ue := NewNotInstalledError("package not installed", "", "")
	out := ue.Format(true)

	if strings.Contains(out, "Cause:") || strings.Contains(out, "Fix:") {
		t.Errorf("Format() should omit empty sections:\n%s", out)
	}
}

func TestToJSON(t *testing.T) {
	ue := NewSignatureError("unverifiable signature", "no matching certificate", "", nil)
	j := ue.ToJSON()

	if j.Error != "unverifiable signature" || j.Cause != "no matching certificate" || j.ExitCode != ExitSignature {
		t.Errorf("ToJSON() = %+v", j)
	}
}
