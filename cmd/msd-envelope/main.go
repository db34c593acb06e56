// Command msd-envelope packs a certified payload and its signature into the
// envelope served by file and kubernetes registries.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"msd/internal/core"
	"msd/internal/registry/envelope"
	"msd/internal/targets"
	"msd/internal/verify"
)

var (
	payloadFile     = flag.String("payload", "", "certified payload file")
	certificateFile = flag.String("certificate", "", "raw ed25519 signature over the payload")
	publicKeyFile   = flag.String("public-key-file", "", "PEM public key; when set the signature is checked before writing")
	outFile         = flag.String("out", "", "envelope file to write")
)

func main() {
	flag.Parse()

	if *payloadFile == "" || *certificateFile == "" || *outFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	version, err := pack(*payloadFile, *certificateFile, *publicKeyFile, *outFile)
	if err != nil {
		slog.Error("Failed to write envelope", "error", err)
		os.Exit(1)
	}
	slog.Info("Wrote envelope", "path", *outFile, "version", version)
}

// pack builds the envelope and replaces out in one rename, so a watching
// file registry never reads a partial file.
func pack(payloadPath, certPath, keyPath, out string) (uint64, error) {
	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		return 0, err
	}
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return 0, err
	}

	var p targets.Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, fmt.Errorf("%s: %w", payloadPath, err)
	}

	if keyPath != "" {
		key, err := verify.LoadPublicKeyFile(keyPath)
		if err != nil {
			return 0, err
		}
		v, err := verify.NewEd25519Verifier(key)
		if err != nil {
			return 0, err
		}
		if !v.Verify(payload, cert) {
			return 0, fmt.Errorf("%s: signature does not match %s", certPath, payloadPath)
		}
	}

	data, err := envelope.Encode(&core.FetchResult{
		Version:     p.Version,
		Payload:     payload,
		Certificate: cert,
	})
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(out), ".envelope-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return 0, err
	}
	return p.Version, nil
}
