package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Account-Link/dstack-semiproprietary-modules/verifier"
)

var verifyJSON bool

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the full verdict as JSON")
}

var verifyCmd = &cobra.Command{
	Use:   "verify <source.js>",
	Short: "Statically verify module source against the capability policy",
	Long: "Parses the module source and checks it against the capability policy:\n" +
		"no external facility access, required export surface present, structural\n" +
		"signals exhibited, complexity within bounds. Exits non-zero on rejection\n" +
		"with the complete ordered violation list.",
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}
	capability, err := capabilityFromFlags()
	if err != nil {
		return err
	}

	result := verifier.Verify(string(source), capability)

	if verifyJSON {
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	} else {
		fmt.Printf("accepted: %v\n", result.Accepted)
		fmt.Printf("exports:  %v\n", result.Exports)
		fmt.Printf("signals:  %v\n", result.StructuralSignals)
		for _, v := range result.Violations {
			fmt.Printf("violation: %s\n", v)
		}
	}

	if !result.Accepted {
		return result.Err()
	}
	return nil
}
