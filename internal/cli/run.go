package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Account-Link/dstack-semiproprietary-modules/crypto/ecies"
	"github.com/Account-Link/dstack-semiproprietary-modules/crypto/keystore"
	"github.com/Account-Link/dstack-semiproprietary-modules/executor"
	"github.com/Account-Link/dstack-semiproprietary-modules/policy"
)

var (
	runExport       string
	runArgsFile     string
	runPaymentProof string
	runKeyID        string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runExport, "export", "solveSudoku", "Exported function to invoke")
	runCmd.Flags().StringVar(&runArgsFile, "args", "", "Path to a JSON array of arguments")
	runCmd.Flags().StringVar(&runPaymentProof, "payment-proof", "", "Payment proof presented to the policy gate")
	runCmd.Flags().StringVar(&runKeyID, "key-id", "", "Identity key ID; its public key is bound into the attestation report data")
}

var runCmd = &cobra.Command{
	Use:   "run <cid>",
	Short: "Load a published module and invoke one of its exports",
	Long: "Runs the load path end to end: policy gate, key derivation, decryption,\n" +
		"source-hash check, re-verification, isolated load, known-answer probe,\n" +
		"then a single call to the named export.",
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	pkg, err := s.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	capability, err := capabilityFromFlags()
	if err != nil {
		return err
	}

	var callArgs []any
	if runArgsFile != "" {
		raw, err := os.ReadFile(runArgsFile)
		if err != nil {
			return fmt.Errorf("failed to read args: %w", err)
		}
		if err := json.Unmarshal(raw, &callArgs); err != nil {
			return fmt.Errorf("args must be a JSON array: %w", err)
		}
	}

	request := policy.RequestPolicy{PaymentProof: runPaymentProof}
	if runKeyID != "" {
		ks, err := keystore.NewKeyringKeystore()
		if err != nil {
			return err
		}
		priv, err := ks.GetIdentityKey(runKeyID)
		if err != nil {
			return err
		}
		pub, err := ecies.PublicKeyFromPrivate(priv)
		if err != nil {
			return err
		}
		request.AttestationContext = pub[:]
	}

	result, err := executor.ExecuteModule(cmd.Context(), &executor.ExecuteModuleRequest{
		LoadModuleRequest: executor.LoadModuleRequest{
			Package:       pkg,
			RequestPolicy: request,
			Capability:    capability,
			Anchor:        anchorFromFlags(),
		},
		Export: runExport,
		Args:   callArgs,
	})
	if err != nil {
		return err
	}

	output, err := json.MarshalIndent(result.Output, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(output))

	fmt.Fprintf(os.Stderr, "package: %s\n", result.Load.Hashes.PackageCID)
	fmt.Fprintf(os.Stderr, "source:  %s\n", result.Load.Hashes.SourceHash)
	fmt.Fprintf(os.Stderr, "quote:   %s\n", result.Load.Hashes.QuoteHash)
	return nil
}
