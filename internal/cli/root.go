// Package cli implements the semimod command line: the operator surface over
// the publish and load paths. Library packages stay silent; all logging and
// exit-code policy lives here.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Account-Link/dstack-semiproprietary-modules/policy"
	"github.com/Account-Link/dstack-semiproprietary-modules/store"
	"github.com/Account-Link/dstack-semiproprietary-modules/trustanchor"
)

// version is set by ldflags at build time.
var version = "dev"

var (
	anchorSocket string
	simulateSeed string
	storePath    string
	policyPath   string
)

var rootCmd = &cobra.Command{
	Use:     "semimod",
	Short:   "Publish and run semiproprietary modules",
	Long:    "Verifies untrusted module source against a capability policy, seals accepted\nmodules to policy-scoped keys derived from a trust anchor, and loads published\npackages back into an isolated runtime behind a policy gate.",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&anchorSocket, "anchor-socket", trustanchor.DefaultSocketPath, "Path to the trust anchor's unix socket")
	rootCmd.PersistentFlags().StringVar(&simulateSeed, "simulate", "", "Use a simulated trust anchor with this seed instead of the socket (development only)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "semimod.db", "Path to the package registry database")
	rootCmd.PersistentFlags().StringVar(&policyPath, "capability-policy", "", "Path to a capability policy YAML file (default: compiled-in policy)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// anchorFromFlags builds the trust anchor the flags select. The simulator is
// only ever chosen by an explicit flag, never by probing for the socket.
func anchorFromFlags() trustanchor.TrustAnchor {
	if simulateSeed != "" {
		return trustanchor.NewSimulator([]byte(simulateSeed))
	}
	return trustanchor.NewGuestAgent(anchorSocket)
}

// capabilityFromFlags loads the capability policy file if one was given, or
// falls back to the compiled-in default.
func capabilityFromFlags() (policy.CapabilityPolicy, error) {
	if policyPath == "" {
		return policy.DefaultCapabilityPolicy(), nil
	}
	return policy.LoadCapabilityPolicy(policyPath)
}

func openStore() (*store.Store, error) {
	return store.Open(storePath)
}
