// cmd/keygen generates a provider's Ed25519 signing keypair and prints its
// key id. The key id is what consumers see in x-nooterra-provider-key-id and
// in the published keyset, so it is worth recording alongside the files.
//
// Usage:
//
//	go run ./cmd/keygen/ --out ./keys --name provider
//
// writes ./keys/provider.pub.pem and ./keys/provider.key.pem.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nooterra-labs/paygate/internal/keys"
)

func main() {
	out := flag.String("out", ".", "directory to write the PEM files into")
	name := flag.String("name", "provider", "base name for the PEM files")
	force := flag.Bool("force", false, "overwrite existing key files")
	flag.Parse()

	pubPath := filepath.Join(*out, *name+".pub.pem")
	keyPath := filepath.Join(*out, *name+".key.pem")

	if !*force {
		for _, p := range []string{pubPath, keyPath} {
			if _, err := os.Stat(p); err == nil {
				fatalf("%s already exists (use --force to overwrite)", p)
			}
		}
	}

	kp, err := keys.Generate()
	if err != nil {
		fatalf("generate keypair: %v", err)
	}
	kid, err := kp.KeyID()
	if err != nil {
		fatalf("derive key id: %v", err)
	}

	if err := os.MkdirAll(*out, 0o700); err != nil {
		fatalf("create %s: %v", *out, err)
	}
	if err := os.WriteFile(pubPath, []byte(kp.PublicKeyPEM), 0o644); err != nil {
		fatalf("write public key: %v", err)
	}
	if err := os.WriteFile(keyPath, []byte(kp.PrivateKeyPEM), 0o600); err != nil {
		fatalf("write private key: %v", err)
	}

	fmt.Printf("keyId:   %s\n", kid)
	fmt.Printf("public:  %s\n", pubPath)
	fmt.Printf("private: %s\n", keyPath)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
