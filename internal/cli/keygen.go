package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Account-Link/dstack-semiproprietary-modules/crypto/ecies"
	"github.com/Account-Link/dstack-semiproprietary-modules/crypto/keystore"
)

var keygenKeyID string

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keygenKeyID, "key-id", "", "Key ID to store the identity key under (required)")
	_ = keygenCmd.MarkFlagRequired("key-id")
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an executor identity key in the OS keyring",
	Long: "Generates a fresh X25519 key pair, stores the private scalar in the OS\n" +
		"keyring under the given key ID, and prints the public key. The public key\n" +
		"identifies this executor in attestation report data.",
	RunE: runKeygen,
}

func runKeygen(cmd *cobra.Command, args []string) error {
	ks, err := keystore.NewKeyringKeystore()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	pub, priv, err := ecies.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}
	if err := ks.SetIdentityKey(keygenKeyID, priv); err != nil {
		return fmt.Errorf("failed to store identity key: %w", err)
	}

	fmt.Printf("Stored identity key %q\n", keygenKeyID)
	fmt.Printf("Public key: %s\n", hex.EncodeToString(pub[:]))
	return nil
}
