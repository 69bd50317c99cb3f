// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package output

import (
	"bytes"
	"strings"
	"testing"
)

func TestJSONTo(t *testing.T) {
	var buf bytes.Buffer
	err := JSONTo(&buf, map[string]string{"package_id": "com.example.app"})
	if err != nil {
		t.Fatalf("JSONTo failed: %v", err)
	}
	if !strings.Contains(buf.String(), "\"package_id\": \"com.example.app\"") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestJSONCompactTo(t *testing.T) {
	var buf bytes.Buffer
	err := JSONCompactTo(&buf, map[string]int{"count": 3})
	if err != nil {
		t.Fatalf("JSONCompactTo failed: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != `{"count":3}` {
		t.Errorf("unexpected output: %s", got)
	}
}

func TestJSONTo_UnencodableValue(t *testing.T) {
	var buf bytes.Buffer
	if err := JSONTo(&buf, make(chan int)); err == nil {
		t.Error("expected an error for unencodable values")
	}
}
