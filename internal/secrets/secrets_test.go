/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package secrets

import (
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("failed to generate master key: %v", err)
	}
	s, err := NewStore(key, 1000)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestNewStore(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		iterations int
		wantErr    bool
	}{
		{"valid key", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", 1000, false},
		{"not base64", "not-base64!!!", 1000, true},
		{"wrong length", "AAAA", 1000, true},
		{"zero iterations", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore(tt.key, tt.iterations)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewStore() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple password", "hunter2"},
		{"empty string", ""},
		{"unicode", "pässwörd-日本語"},
		{"long", strings.Repeat("x", 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := s.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if ct == tt.plaintext && tt.plaintext != "" {
				t.Error("ciphertext equals plaintext")
			}
			pt, err := s.Decrypt(ct)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if pt != tt.plaintext {
				t.Errorf("round trip = %q, want %q", pt, tt.plaintext)
			}
		})
	}
}

func TestEncryptIsNotDeterministic(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := s.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if a == b {
		t.Error("expected distinct ciphertexts for repeated encryption")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name string
		ct   string
	}{
		{"not base64", "%%%%"},
		{"too short", "AAAA"},
		{"tampered", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Decrypt(tt.ct); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestDeriveRepositoryKeyIsStable(t *testing.T) {
	s := newTestStore(t)

	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt() error = %v", err)
	}
	if len(salt) != SaltSize {
		t.Fatalf("salt length = %d, want %d", len(salt), SaltSize)
	}

	k1 := s.DeriveRepositoryKey("device-pass", salt)
	k2 := s.DeriveRepositoryKey("device-pass", salt)
	if k1 != k2 {
		t.Error("same password and salt yielded different keys")
	}
	if len(k1) != KeySize*2 {
		t.Errorf("key hex length = %d, want %d", len(k1), KeySize*2)
	}

	other, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt() error = %v", err)
	}
	if s.DeriveRepositoryKey("device-pass", other) == k1 {
		t.Error("different salt yielded the same key")
	}
	if s.DeriveRepositoryKey("other-pass", salt) == k1 {
		t.Error("different password yielded the same key")
	}
}
