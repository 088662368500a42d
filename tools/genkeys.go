// Standalone keypair generator for the run journal. Writes nothing to
// disk; paste the output wherever the keys need to live.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

func main() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen error: %v\n", err)
		os.Exit(2)
	}

	fmt.Println("# ======= Ed25519 keypair (hex) =======")
	fmt.Println()
	fmt.Println("PRIVATE_KEY_HEX:")
	fmt.Println(hex.EncodeToString(priv))
	fmt.Println()
	fmt.Println("PUBLIC_KEY_HEX:")
	fmt.Println(hex.EncodeToString(pub))
}
