package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"msd/internal/registry/envelope"
)

type fixture struct {
	dir     string
	payload string
	cert    string
	key     string
}

func newFixture(t *testing.T, payload []byte, sign []byte) fixture {
	t.Helper()
	dir := t.TempDir()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}

	f := fixture{
		dir:     dir,
		payload: filepath.Join(dir, "payload.json"),
		cert:    filepath.Join(dir, "payload.sig"),
		key:     filepath.Join(dir, "registry.pem"),
	}
	write := func(path string, data []byte) {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	write(f.payload, payload)
	write(f.cert, ed25519.Sign(priv, sign))
	write(f.key, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return f
}

func TestPack(t *testing.T) {
	payload := []byte(`{"version":9,"records":[]}`)
	f := newFixture(t, payload, payload)
	out := filepath.Join(f.dir, "registry.json")

	version, err := pack(f.payload, f.cert, f.key, out)
	if err != nil {
		t.Fatalf("pack() error = %v", err)
	}
	if version != 9 {
		t.Errorf("version = %d, want 9", version)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	res, err := envelope.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Version != 9 || string(res.Payload) != string(payload) {
		t.Errorf("unexpected envelope %+v", res)
	}

	entries, _ := os.ReadDir(f.dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".envelope-") {
			t.Errorf("temporary file %s left behind", e.Name())
		}
	}
}

func TestPack_Errors(t *testing.T) {
	payload := []byte(`{"version":2,"records":[]}`)

	tests := []struct {
		name    string
		payload []byte
		signed  []byte
		useKey  bool
	}{
		{name: "signature over other bytes", payload: payload, signed: []byte("other"), useKey: true},
		{name: "payload not json", payload: []byte("nope"), signed: []byte("nope")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.payload, tt.signed)
			key := ""
			if tt.useKey {
				key = f.key
			}
			out := filepath.Join(f.dir, "registry.json")
			if _, err := pack(f.payload, f.cert, key, out); err == nil {
				t.Fatal("pack() succeeded, want error")
			}
			if _, err := os.Stat(out); !os.IsNotExist(err) {
				t.Errorf("envelope written despite error")
			}
		})
	}
}
