package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Account-Link/dstack-semiproprietary-modules/crypto/ecies"
	"github.com/Account-Link/dstack-semiproprietary-modules/crypto/keystore"
)

func init() {
	rootCmd.AddCommand(listkeysCmd)
}

var listkeysCmd = &cobra.Command{
	Use:   "listkeys",
	Short: "List executor identity keys in the OS keyring",
	RunE:  runListkeys,
}

func runListkeys(cmd *cobra.Command, args []string) error {
	ks, err := keystore.NewKeyringKeystore()
	if err != nil {
		return err
	}
	ids, err := ks.ListKeys()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No identity keys stored.")
		return nil
	}
	for _, id := range ids {
		priv, err := ks.GetIdentityKey(id)
		if err != nil {
			fmt.Printf("%s  (unreadable: %v)\n", id, err)
			continue
		}
		pub, err := ecies.PublicKeyFromPrivate(priv)
		if err != nil {
			fmt.Printf("%s  (invalid: %v)\n", id, err)
			continue
		}
		fmt.Printf("%s  %s\n", id, hex.EncodeToString(pub[:]))
	}
	return nil
}
