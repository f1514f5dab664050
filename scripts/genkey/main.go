// genkey writes an Ed25519 key pair for signing tapedeck controller tokens.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey [-dir data]
//
// Point TAPEDECK_JWT_PRIVATE_KEY and TAPEDECK_JWT_PUBLIC_KEY at the written
// files. Without them the daemon signs with an ephemeral key and every token
// dies with the process.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateName = "jwt_private.pem"
	publicName  = "jwt_public.pem"
)

func main() {
	dir := flag.String("dir", "data", "Directory to write the key pair into")
	flag.Parse()

	privPath, pubPath, err := generate(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	fmt.Printf("export TAPEDECK_JWT_PRIVATE_KEY=%s TAPEDECK_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
}

// generate writes a fresh PKCS#8 private key and PKIX public key into dir.
// Existing keys are never overwritten: rotating them invalidates every
// outstanding token.
func generate(dir string) (privPath, pubPath string, err error) {
	privPath = filepath.Join(dir, privateName)
	pubPath = filepath.Join(dir, publicName)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create %s: %w", dir, err)
	}
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return "", "", fmt.Errorf("%s already exists; delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return "", "", err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
