package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Account-Link/dstack-semiproprietary-modules/policy"
	"github.com/Account-Link/dstack-semiproprietary-modules/publisher"
)

var (
	publishModuleID string
	publishAuthor   string
	publishVersion  string
	publishPrice    string
	publishCurrency string
	publishPaid     bool
	publishValidFor time.Duration
)

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVar(&publishModuleID, "module-id", "", "Module ID (default: freshly minted UUID)")
	publishCmd.Flags().StringVar(&publishAuthor, "author", "", "Author identifier recorded in the access policy (required)")
	publishCmd.Flags().StringVar(&publishVersion, "module-version", "1.0.0", "Module version recorded in the access policy")
	publishCmd.Flags().StringVar(&publishPrice, "price", "", "Price for access (implies payment required)")
	publishCmd.Flags().StringVar(&publishCurrency, "currency", "USD", "Currency for the price")
	publishCmd.Flags().BoolVar(&publishPaid, "requires-payment", false, "Require a payment proof at load time")
	publishCmd.Flags().DurationVar(&publishValidFor, "valid-for", 0, "Validity window from now (0 = no expiry)")
	_ = publishCmd.MarkFlagRequired("author")
}

var publishCmd = &cobra.Command{
	Use:   "publish <source.js>",
	Short: "Verify, encrypt, and publish a module to the registry",
	Long: "Runs the publish path end to end: verifies the source against the\n" +
		"capability policy, derives the module- and policy-scoped key from the\n" +
		"trust anchor, seals the source, and writes the package to the registry.\n" +
		"A module the verifier rejects is never encrypted.",
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

func runPublish(cmd *cobra.Command, args []string) error {
	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}
	capability, err := capabilityFromFlags()
	if err != nil {
		return err
	}

	access := policy.AccessPolicy{
		RequiresPayment: publishPaid || publishPrice != "",
		Price:           publishPrice,
		Currency:        publishCurrency,
		Author:          publishAuthor,
		Version:         publishVersion,
	}
	if publishValidFor > 0 {
		until := time.Now().Add(publishValidFor).UTC()
		access.ValidUntil = &until
	}

	result, err := publisher.Publish(cmd.Context(), &publisher.PublishRequest{
		Source:       source,
		ModuleID:     publishModuleID,
		AccessPolicy: access,
		Capability:   capability,
		Anchor:       anchorFromFlags(),
	})
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	id, err := s.Put(cmd.Context(), result.Package)
	if err != nil {
		return fmt.Errorf("failed to publish package: %w", err)
	}

	fmt.Printf("Published module %s version %s\n", result.Package.Metadata.ModuleID, access.Version)
	fmt.Printf("CID:             %s\n", id)
	fmt.Printf("Source hash:     %s\n", result.Package.Metadata.SourceHash)
	fmt.Printf("Ciphertext hash: %s\n", result.CiphertextHash)
	fmt.Printf("Provenance:      %d signature(s)\n", result.ProvenanceDepth)
	return nil
}
