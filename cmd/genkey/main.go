package main

import (
	"fmt"
	"os"

	"github.com/meshlink-protocol/meshlink/internal/crypto"
)

func main() {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Key generation failed: %v\n", err)
		os.Exit(1)
	}

	priv, err := crypto.MarshalPrivateKey(kp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode private key: %v\n", err)
		os.Exit(1)
	}
	pub, err := crypto.MarshalPublicKey(kp.Public())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode public key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("P-384 key pair generated.")
	fmt.Println()
	fmt.Printf("Private key (keep secret, use as ISSUER_KEY or entity key):\n%s\n", priv)
	fmt.Println()
	fmt.Printf("Public key (share for certificate issuance):\n%s\n", pub)
}
