package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/formats"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/keys"
)

var outputPrefix string

var rootCmd = &cobra.Command{
	Use:   "olaf-keygen",
	Short: "Generate a neighbourhood identity key pair",
	Long: `olaf-keygen generates a 2048-bit RSA identity key pair for a
neighbourhood server or client.

The private key is written as PEM PKCS#8, the public key as PEM
SubjectPublicKeyInfo. The public file is what peers list in their
neighbour configuration.`,
	Example: `  # Write server.key and server.pub
  olaf-keygen --out server`,
	RunE: runGenerate,
}

func init() {
	rootCmd.Flags().StringVarP(&outputPrefix, "out", "o", "identity", "Output file prefix")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runGenerate(cmd *cobra.Command, args []string) error {
	keyPair, err := keys.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}

	privatePEM, err := formats.EncodePrivateKey(keyPair.PrivateKey())
	if err != nil {
		return err
	}
	publicPEM, err := formats.EncodePublicKey(keyPair.PublicKey())
	if err != nil {
		return err
	}

	privateFile := outputPrefix + ".key"
	publicFile := outputPrefix + ".pub"
	if err := os.WriteFile(privateFile, privatePEM, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", privateFile, err)
	}
	if err := os.WriteFile(publicFile, []byte(publicPEM), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", publicFile, err)
	}

	fmt.Printf("wrote %s and %s\nfingerprint: %s\n", privateFile, publicFile, keyPair.Fingerprint())
	return nil
}
