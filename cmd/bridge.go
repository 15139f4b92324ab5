package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge <amount> <token> to <chain>",
	Short: "Bridge a token to another chain",
	Long: `Bridge a token to another chain. The engine picks the cheapest holdings
across every configured chain, grants the vault any missing allowances, signs
and submits the request, sends the deposits it needs and waits until a solver
fulfils it on the destination chain.

Examples:
  ca-engine bridge 100 USDC to base
  ca-engine bridge 100 USDC to base --gas 0.001
  ca-engine bridge 25 USDC to arbitrum --recipient 0x123... --yes`,
	Args: cobra.MinimumNArgs(1),
	Run:  runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)

	addTargetFlags(bridgeCmd)
}

func runBridge(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	skipConfirm, _ := cmd.Flags().GetBool("yes")
	ctx := cmd.Context()

	rt, err := newRuntime(ctx, cmd, stepPrinter(!jsonOutput))
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer rt.close()

	target, err := parseTarget(rt, args)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if !jsonOutput {
		preview, err := rt.engine.Plan(ctx, target, rt.wallets)
		if err != nil {
			printError(describeError(err))
			os.Exit(1)
		}
		displayIntent(rt, preview)
		if preview.IsAvailableBalanceInsufficient {
			os.Exit(1)
		}
		if !skipConfirm && !confirm("Proceed with bridge?") {
			fmt.Println("\nBridge cancelled.")
			os.Exit(0)
		}
		fmt.Println()
	}

	start := time.Now()
	res, err := rt.engine.Bridge(ctx, target, rt.wallets)
	if err != nil {
		if res != nil && res.Handle != nil && !jsonOutput {
			color.Yellow("\nRequest %s was submitted. Track it with:", res.Handle.ID)
			color.Cyan("  ca-engine status %s\n", res.Handle.ID)
		}
		printError(describeError(err))
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"request_id":   res.Handle.ID,
			"request_hash": res.Handle.Hash.Hex(),
			"record_id":    res.RecordID,
			"arm":          string(res.Outcome.Arm),
			"elapsed_sec":  res.Outcome.Elapsed.Seconds(),
			"intent":       intentSummary(rt, res.Handle.Intent),
		})
		return
	}

	color.Green("\n✓ Bridge complete in %s", time.Since(start).Round(time.Second))
	fmt.Printf("  Request ID:   %s\n", color.CyanString(res.Handle.ID))
	fmt.Printf("  Request Hash: %s\n", color.HiBlackString(res.Handle.Hash.Hex()))
	printSuccess(fmt.Sprintf("Delivered %s %s on %s.", res.Handle.Intent.Destination.Amount,
		res.Handle.Intent.Destination.Token.Symbol, chainName(rt, res.Handle.Intent.Destination.ChainID)))
}
