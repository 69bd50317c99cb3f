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

package ids

import (
	"strings"
	"testing"
)

func TestValidateDNSName(t *testing.T) {
	tests := []struct {
		name    string
		dnsName string
		valid   bool
	}{
		{"normal", "com.pelagicore.test", true},
		{"shortest", "c.p.t", true},
		{"valid-chars", "1-2.c-d.3.z", true},
		{"longest-part", "com.012345678901234567890123456789012345678901234567890123456789012.test", true},
		{"max-part-cnt", "a.b.c.d.e.f.g.h.i.j.k.l.m.n.o.p.q.r.s.t.u.v.w.x.y.z.0.1.2.3.4.5.6.7.8.9.a.b.c.d.e.f.g.h.i.j.k.l.m.n.o.p.q.r.s.t.u.v.w.x.y.z.0.1.2.3.4.5.6.7.8.9.a.0.12", true},

		{"too-few-parts", "com.pelagicore", false},
		{"empty-part", "com..test", false},
		{"empty", "", false},
		{"dot-only", ".", false},
		{"invalid-char1", "com.pelagi_core.test", false},
		{"invalid-char2", "com.pelagi#core.test", false},
		{"invalid-char3", "com.pelagi$core.test", false},
		{"invalid-char4", "com.pelagi@core.test", false},
		{"unicode-char", "cöm.pelagicore.test", false},
		{"upper-case", "com.Pelagicore.test", false},
		{"dash-at-start", "com.-pelagicore.test", false},
		{"dash-at-end", "com.pelagicore-.test", false},
		{"part-too-long", "com.x012345678901234567890123456789012345678901234567890123456789012.test", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDNSName(tt.dnsName, 3)
			if got := err == nil; got != tt.valid {
				t.Errorf("ValidateDNSName(%q, 3) valid = %v, want %v (err: %v)", tt.dnsName, got, tt.valid, err)
			}
		})
	}
}

func TestValidatePackageID(t *testing.T) {
	if err := ValidatePackageID("built-in.x"); err != nil {
		t.Errorf("two-part ids are valid package ids: %v", err)
	}
	if err := ValidatePackageID("com.pelagicore.test"); err != nil {
		t.Errorf("ValidatePackageID: %v", err)
	}
	if err := ValidatePackageID(""); err == nil {
		t.Error("empty id must be rejected")
	}

	// ids can never contain the reserved directory suffixes or
	// filesystem-reserved characters
	for _, bad := range []string{
		"com.test+", "com.test-", "com/test", "com\\test", "com:test",
		"com*test", "com?test", "com\"test", "com<test", "com>test", "com|test",
	} {
		if err := ValidatePackageID(bad); err == nil {
			t.Errorf("ValidatePackageID(%q) should fail", bad)
		}
	}

	// 150 characters is the limit
	longPart := strings.Repeat("a.", 74) + "aa" // 150 chars
	if err := ValidatePackageID(longPart); err != nil {
		t.Errorf("150-char id should be valid: %v", err)
	}
	if err := ValidatePackageID(longPart + "a"); err == nil {
		t.Error("151-char id must be rejected")
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		v1, v2 string
		want   int
	}{
		{"", "", 0},
		{"0", "0", 0},
		{"foo", "foo", 0},
		{"1foo", "1foo", 0},
		{"foo1", "foo1", 0},
		{"13.403.51-alpha2+git", "13.403.51-alpha2+git", 0},
		{"1", "2", -1},
		{"2", "1", 1},
		{"1.0", "2.0", -1},
		{"1.99", "2.0", -1},
		{"1.9", "11", -1},
		{"9", "10", -1},
		{"9a", "10", -1},
		{"9-a", "10", -1},
		{"13.403.51-alpha2+gi", "13.403.51-alpha2+git", -1},
		{"13.403.51-alpha1+git", "13.403.51-alpha2+git", -1},
		{"13.403.51-alpha2+git", "13.403.51-beta1+git", -1},
		{"13.403.51-alpha2+git", "13.403.52", -1},
		{"13.403.51-alpha2+git", "13.403.52-alpha2+git", -1},
		{"13.403.51-alpha2+git", "13.404", -1},
		{"13.402", "13.403.51-alpha2+git", -1},
		{"12.403.51-alpha2+git", "13.403.51-alpha2+git", -1},
	}

	for _, tt := range tests {
		t.Run(tt.v1+"_vs_"+tt.v2, func(t *testing.T) {
			if got := CompareVersions(tt.v1, tt.v2); got != tt.want {
				t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.v1, tt.v2, got, tt.want)
			}
			// antisymmetry
			if got := CompareVersions(tt.v2, tt.v1); got != -tt.want {
				t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.v2, tt.v1, got, -tt.want)
			}
		})
	}
}
