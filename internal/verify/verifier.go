// Package verify checks that fetched registry state is certified by its network.
package verify

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"

	"msd/internal/config"
	"msd/internal/core"
	"msd/pkg/errors"
)

// Ed25519Verifier accepts data whose certificate is an ed25519 signature by the network key
type Ed25519Verifier struct {
	PublicKey ed25519.PublicKey
}

// NewEd25519Verifier creates a verifier from raw public key bytes
func NewEd25519Verifier(pubKeyBytes []byte) (*Ed25519Verifier, error) {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(pubKeyBytes))
	}
	return &Ed25519Verifier{PublicKey: ed25519.PublicKey(pubKeyBytes)}, nil
}

// Verify reports whether certificate is a valid signature over data
func (v *Ed25519Verifier) Verify(data, certificate []byte) bool {
	if len(certificate) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.PublicKey, data, certificate)
}

// InsecureVerifier trusts everything. Only built when an instance opts out explicitly.
type InsecureVerifier struct{}

// Verify always returns true
func (InsecureVerifier) Verify(_, _ []byte) bool {
	return true
}

// FromConfig builds the verifier for an instance
func FromConfig(inst config.Instance, logger *slog.Logger) (core.Verifier, error) {
	switch {
	case inst.Insecure:
		logger.Warn("Registry certification disabled, fetched state is trusted as-is", "instance", inst.Name)
		return InsecureVerifier{}, nil

	case inst.PublicKey != "":
		raw, err := hex.DecodeString(inst.PublicKey)
		if err != nil {
			return nil, errors.NewError(errors.ErrorTypeConfig, "invalid public key").
				WithCause(err).WithDetail("instance", inst.Name)
		}
		v, err := NewEd25519Verifier(raw)
		if err != nil {
			return nil, errors.NewError(errors.ErrorTypeConfig, "invalid public key").
				WithCause(err).WithDetail("instance", inst.Name)
		}
		return v, nil

	case inst.PublicKeyFile != "":
		key, err := LoadPublicKeyFile(inst.PublicKeyFile)
		if err != nil {
			return nil, errors.NewError(errors.ErrorTypeConfig, "invalid public key file").
				WithCause(err).WithDetail("instance", inst.Name)
		}
		return &Ed25519Verifier{PublicKey: key}, nil
	}

	return nil, errors.NewError(errors.ErrorTypeConfig, "no trust parameters").WithDetail("instance", inst.Name)
}

// LoadPublicKeyFile reads a PEM encoded PKIX ed25519 public key
func LoadPublicKeyFile(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	key, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: expected ed25519 key, got %T", path, pub)
	}
	return key, nil
}
