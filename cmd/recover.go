package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover <record-id>",
	Short: "Return funds left in a swap's ephemeral account",
	Long: `Rebuild the ephemeral account of a journaled swap from your EVM key and
sweep whatever it still holds back to you. Use it when a swap was interrupted
before its own sweep ran. Recovery waits until the swap's bridge request has
settled.

Examples:
  ca-engine status
  ca-engine recover 5f2c1e0a-...`,
	Args: cobra.ExactArgs(1),
	Run:  runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	skipConfirm, _ := cmd.Flags().GetBool("yes")
	ctx := cmd.Context()

	rt, err := newRuntime(ctx, cmd, stepPrinter(!jsonOutput))
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer rt.close()

	rec, err := rt.journal.Get(args[0])
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	if !jsonOutput {
		fmt.Printf("\n  Swap:      %s %s on %s\n", rec.Amount, rec.DestinationToken, chainName(rt, rec.DestinationChain))
		fmt.Printf("  Ephemeral: %s\n", color.CyanString(rec.Ephemeral))
		fmt.Printf("  Status:    %s\n\n", getStatusColor(rec.Status))
		if !skipConfirm && !confirm("Sweep this account back to your wallet?") {
			fmt.Println("\nRecovery cancelled.")
			os.Exit(0)
		}
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Sweeping ephemeral balances..."
		s.Start()
	}
	swept, err := rt.engine.Recover(ctx, rec.ID, rt.wallets)
	if !jsonOutput {
		s.Stop()
	}

	if jsonOutput {
		txs := make(map[string]string, len(swept))
		for chainID, tx := range swept {
			txs[chainName(rt, chainID)] = tx.Hex()
		}
		out := map[string]interface{}{"record_id": rec.ID, "sweeps": txs}
		if err != nil {
			out["error"] = err.Error()
		}
		printJSON(out)
		if err != nil {
			os.Exit(1)
		}
		return
	}

	chains := make([]uint64, 0, len(swept))
	for chainID := range swept {
		chains = append(chains, chainID)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	for _, chainID := range chains {
		fmt.Printf("  Swept (%s): %s\n", chainName(rt, chainID), color.HiBlackString(swept[chainID].Hex()))
	}
	if err != nil {
		printError(describeError(err))
		os.Exit(1)
	}
	if len(swept) == 0 {
		fmt.Println("Nothing left to recover.")
		return
	}
	color.Green("\n✓ Ephemeral account swept")
	fmt.Println()
}
