package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/crypto"
)

func main() {
	issuerKeyB64 := flag.String("issuer-key", "", "Base64-encoded PKCS#8 issuer private key")
	issuerName := flag.String("issuer", "meshlink-root", "Issuer name recorded in the certificate")
	entityID := flag.String("entity", "", "Entity id the certificate binds")
	pubKeyB64 := flag.String("pubkey", "", "Base64-encoded PKIX subject public key")
	days := flag.Int("days", 30, "Validity period in days")
	flag.Parse()

	if *issuerKeyB64 == "" || *entityID == "" || *pubKeyB64 == "" {
		fmt.Fprintln(os.Stderr, "Usage: certify -issuer-key <key-base64> -entity <id> -pubkey <key-base64> [-issuer <name>] [-days <n>]")
		os.Exit(1)
	}

	keys, err := crypto.ParsePrivateKey(*issuerKeyB64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid issuer key: %v\n", err)
		os.Exit(1)
	}
	pub, err := crypto.ParsePublicKey(*pubKeyB64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid subject public key: %v\n", err)
		os.Exit(1)
	}

	authority := cert.NewAuthority(*issuerName, keys)
	c, err := authority.Issue(*entityID, pub, time.Duration(*days)*24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Issuance failed: %v\n", err)
		os.Exit(1)
	}

	armored, err := c.Encode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encoding failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Issued serial %d for %q, valid until %s\n",
		c.SerialNumber, c.EntityID, time.Unix(c.ValidUntil, 0).UTC().Format(time.RFC3339))
	fmt.Println(armored)
}
