// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/bureau-foundation/pushmatrix/lib/ref"
)

func TestSignedDeviceKeysVerify(t *testing.T) {
	material, err := GenerateDeviceKeys("DEVICE")
	if err != nil {
		t.Fatalf("GenerateDeviceKeys failed: %v", err)
	}
	user := ref.MustParseUserID("@bot:local")
	keys, err := material.SignedDeviceKeys(user)
	if err != nil {
		t.Fatalf("SignedDeviceKeys failed: %v", err)
	}

	if keys.Keys["ed25519:DEVICE"] != material.Ed25519() {
		t.Error("ed25519 key mismatch")
	}
	identity, _ := material.Curve25519()
	if keys.Keys["curve25519:DEVICE"] != identity {
		t.Error("curve25519 key mismatch")
	}
	if strings.HasSuffix(identity, "=") {
		t.Error("keys must be unpadded base64")
	}
	if err := VerifyDeviceKeys(*keys); err != nil {
		t.Fatalf("VerifyDeviceKeys failed: %v", err)
	}

	t.Run("unsigned fields are excluded from the signature", func(t *testing.T) {
		withUnsigned := *keys
		withUnsigned.Unsigned = map[string]any{"device_display_name": "laptop"}
		if err := VerifyDeviceKeys(withUnsigned); err != nil {
			t.Errorf("unsigned data should not affect verification: %v", err)
		}
	})

	t.Run("tampered key fails", func(t *testing.T) {
		tampered := *keys
		tampered.Keys = map[string]string{
			"ed25519:DEVICE":    keys.Keys["ed25519:DEVICE"],
			"curve25519:DEVICE": base64.RawStdEncoding.EncodeToString(make([]byte, 32)),
		}
		if err := VerifyDeviceKeys(tampered); err == nil {
			t.Error("expected verification failure")
		}
	})

	t.Run("missing signature fails", func(t *testing.T) {
		unsigned := *keys
		unsigned.Signatures = nil
		if err := VerifyDeviceKeys(unsigned); err == nil {
			t.Error("expected verification failure")
		}
	})
}

func TestGenerateOneTimeKeys(t *testing.T) {
	material, err := GenerateDeviceKeys("DEVICE")
	if err != nil {
		t.Fatalf("GenerateDeviceKeys failed: %v", err)
	}
	user := ref.MustParseUserID("@bot:local")

	first, err := material.GenerateOneTimeKeys(user, 3)
	if err != nil {
		t.Fatalf("GenerateOneTimeKeys failed: %v", err)
	}
	second, err := material.GenerateOneTimeKeys(user, 2)
	if err != nil {
		t.Fatalf("GenerateOneTimeKeys failed: %v", err)
	}
	if len(first) != 3 || len(second) != 2 {
		t.Fatalf("generated %d and %d keys", len(first), len(second))
	}
	for name := range second {
		if _, reused := first[name]; reused {
			t.Errorf("key ID %s reused", name)
		}
		if !strings.HasPrefix(name, SignedCurve25519+":") {
			t.Errorf("key name %s lacks algorithm prefix", name)
		}
	}
	if len(material.OneTimeKeys) != 5 {
		t.Errorf("private halves recorded = %d, want 5", len(material.OneTimeKeys))
	}
	if material.NextKeyID != 6 {
		t.Errorf("NextKeyID = %d, want 6", material.NextKeyID)
	}
	if _, ok := first[SignedCurve25519+":AAAAAQ"]; !ok {
		t.Errorf("first key ID should encode counter 1: %v", first)
	}
}

func TestCanonicalJSON(t *testing.T) {
	value := map[string]any{
		"b":          1,
		"a":          "<tag>",
		"signatures": map[string]any{"x": "y"},
		"unsigned":   map[string]any{"age": 5},
	}
	canonical, err := canonicalJSON(value)
	if err != nil {
		t.Fatalf("canonicalJSON failed: %v", err)
	}
	if string(canonical) != `{"a":"<tag>","b":1}` {
		t.Errorf("canonical = %s", canonical)
	}
}
