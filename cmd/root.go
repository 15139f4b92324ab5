package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ca-engine",
	Short: "A CLI for intent-based cross-chain bridging and swaps",
	Long: `ca-engine moves value across chains by signing a request for funds that
solvers fulfil on the destination chain, and swaps any token into any other
through each chain's common denominator token.

Examples:
  ca-engine plan 100 USDC to base
  ca-engine bridge 100 USDC to base --gas 0.001
  ca-engine swap 50 USDC to WETH on base
  ca-engine status <request-id> --watch
  ca-engine tokens --chain base`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command, cancelling work when ctx ends
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Add global flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolP("yes", "y", false, "Skip confirmation prompts")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
}

func printError(err error) {
	fmt.Printf("\nError: %v\n\n", err)
}

func printSuccess(message string) {
	fmt.Printf("\n%s\n\n", message)
}
