package main

import (
	"log"

	"loop/cmd/internal/passphrase"
	"loop/services/eligibilityd"
)

func main() {
	prompt := func(envVar string) (string, error) {
		return passphrase.NewSource(envVar, "signer keystore passphrase").Get()
	}
	if err := eligibilityd.Main(prompt); err != nil {
		log.Fatalf("eligibilityd: %v", err)
	}
}
