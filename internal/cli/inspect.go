package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Account-Link/dstack-semiproprietary-modules/bundle"
)

var (
	inspectModuleID string
	inspectVersion  string
)

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectModuleID, "module-id", "", "Look up by module ID and version instead of CID")
	inspectCmd.Flags().StringVar(&inspectVersion, "module-version", "", "Version to look up with --module-id")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [cid]",
	Short: "Show a published package's metadata, or list the registry",
	Long: "With a CID or --module-id/--module-version, prints the package's metadata\n" +
		"and content address. With no arguments, lists every published package.",
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if len(args) == 0 && inspectModuleID == "" {
		entries, err := s.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  %s  %s\n", e.CID, e.ModuleID, e.Version, e.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	}

	var pkg *bundle.Package
	switch {
	case len(args) == 1:
		pkg, err = s.Get(cmd.Context(), args[0])
	case inspectVersion != "":
		pkg, err = s.GetByModule(cmd.Context(), inspectModuleID, inspectVersion)
	default:
		return errors.New("--module-version is required with --module-id")
	}
	if err != nil {
		return err
	}

	id, err := pkg.CID()
	if err != nil {
		return err
	}
	meta, err := json.MarshalIndent(pkg.Metadata, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("CID: %s\n", id)
	fmt.Printf("Ciphertext: %d bytes\n", len(pkg.Ciphertext))
	fmt.Println(string(meta))
	return nil
}
