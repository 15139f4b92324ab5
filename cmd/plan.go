package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ca-engine/pkg/errs"
	"ca-engine/pkg/parser"
	"ca-engine/pkg/plan"
	"ca-engine/pkg/types"
)

var (
	targetGas       string
	targetRecipient string
)

var planCmd = &cobra.Command{
	Use:   "plan <amount> <token> to <chain>",
	Short: "Preview which holdings would fund a bridge",
	Long: `Plan a bridge without signing or sending anything. Shows the selected
sources, every fee component and whether the available balance covers the
request.

Examples:
  ca-engine plan 100 USDC to base
  ca-engine plan 0.5 ETH to arbitrum --gas 0.001
  ca-engine plan 100 USDC to base --json`,
	Args: cobra.MinimumNArgs(1),
	Run:  runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)

	addTargetFlags(planCmd)
}

func addTargetFlags(c *cobra.Command) {
	c.Flags().StringVar(&targetGas, "gas", "", "Native gas to deliver alongside the amount (e.g. 0.001)")
	c.Flags().StringVar(&targetRecipient, "recipient", "", "Recipient on the destination chain (defaults to your own address)")
}

// parseTarget turns a bridge command into the target it asks for
func parseTarget(rt *runtime, args []string) (types.Target, error) {
	command, err := parser.ParseCommand(strings.Join(args, " "))
	if err != nil {
		return types.Target{}, err
	}
	chain, symbol, err := command.Destination(rt.registry)
	if err != nil {
		return types.Target{}, err
	}
	if symbol != command.Token {
		return types.Target{}, fmt.Errorf("%s to %s changes the asset; use 'ca-engine swap' instead", command.Token, symbol)
	}
	token, err := rt.registry.Token(chain.ID, symbol)
	if err != nil {
		return types.Target{}, err
	}

	target := types.Target{ChainID: chain.ID, Token: token, Amount: command.Amount}
	if targetGas != "" {
		gas, err := decimal.NewFromString(targetGas)
		if err != nil || gas.IsNegative() {
			return types.Target{}, fmt.Errorf("invalid gas amount %q", targetGas)
		}
		target.Gas = gas
	}

	if targetRecipient != "" {
		target.Recipient, err = types.ParseAddress(chain.Universe, targetRecipient)
		if err != nil {
			return types.Target{}, err
		}
		return target, nil
	}
	signer, ok := rt.wallets.Signers[chain.Universe]
	if !ok {
		return types.Target{}, fmt.Errorf("no %s key configured; pass --recipient", chain.Universe)
	}
	target.Recipient = signer.Address()
	return target, nil
}

func runPlan(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := cmd.Context()

	rt, err := newRuntime(ctx, cmd, nil)
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

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Reading balances and fees..."
		s.Start()
	}
	intent, err := rt.engine.Plan(ctx, target, rt.wallets)
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(intentSummary(rt, intent))
		return
	}
	displayIntent(rt, intent)
}

func intentSummary(rt *runtime, intent *types.Intent) map[string]interface{} {
	sources := make([]map[string]string, 0, len(intent.Sources))
	for _, src := range intent.Sources {
		sources = append(sources, map[string]string{
			"chain":  chainName(rt, src.ChainID),
			"token":  src.Token.Symbol,
			"amount": src.Amount.String(),
			"holder": src.Holder.Format(src.Universe),
		})
	}
	dst := intent.Destination
	return map[string]interface{}{
		"cycle_id":     intent.CycleID,
		"destination":  chainName(rt, dst.ChainID),
		"token":        dst.Token.Symbol,
		"amount":       dst.Amount.String(),
		"gas":          dst.Gas.String(),
		"recipient":    dst.Recipient.Format(dst.Universe),
		"sources":      sources,
		"fees":         intent.Fees.Strings(),
		"required":     intent.Required.String(),
		"insufficient": intent.IsAvailableBalanceInsufficient,
	}
}

func displayIntent(rt *runtime, intent *types.Intent) {
	dst := intent.Destination

	fmt.Println("\n" + strings.Repeat("=", 70))
	color.Green("                          BRIDGE PLAN")
	fmt.Println(strings.Repeat("=", 70))

	fmt.Printf("\n  Receive:     %s %s on %s\n", dst.Amount, color.YellowString(dst.Token.Symbol), chainName(rt, dst.ChainID))
	if dst.Gas.IsPositive() {
		fmt.Printf("  Gas:         %s native\n", dst.Gas)
	}
	fmt.Printf("  Recipient:   %s\n", color.CyanString(dst.Recipient.Format(dst.Universe)))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\n  CHAIN\tTOKEN\tAMOUNT\tHOLDER")
	for _, src := range intent.Sources {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", chainName(rt, src.ChainID), src.Token.Symbol, src.Amount, truncateString(src.Holder.Format(src.Universe), 20))
	}
	w.Flush()

	f := intent.Fees
	fmt.Println()
	fmt.Printf("  Collection:  %s\n", f.Collection)
	fmt.Printf("  Fulfilment:  %s\n", f.Fulfilment)
	fmt.Printf("  Protocol:    %s\n", f.Protocol)
	fmt.Printf("  Solver:      %s\n", f.Solver)
	if f.GasSupplied.IsPositive() {
		fmt.Printf("  Gas (token): %s\n", f.GasSupplied)
	}
	fmt.Printf("  Total fees:  %s %s\n", color.YellowString(f.Total().String()), dst.Token.Symbol)
	fmt.Printf("  Required:    %s %s\n", intent.Required, dst.Token.Symbol)

	if intent.IsAvailableBalanceInsufficient {
		color.Red("\n  Available balance is short by %s %s", intent.Required.Sub(intent.SourcesTotal()), dst.Token.Symbol)
	}
	fmt.Println("\n" + strings.Repeat("=", 70) + "\n")
}

func chainName(rt *runtime, chainID uint64) string {
	if c, err := rt.registry.Chain(chainID); err == nil {
		return c.Name
	}
	return fmt.Sprintf("%d", chainID)
}

func printJSON(v interface{}) {
	jsonData, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(jsonData))
}

// describeError adds a hint for the error kinds a user can act on
func describeError(err error) error {
	switch errs.KindOf(err) {
	case errs.KindInsufficientBalance:
		return fmt.Errorf("%w (run 'ca-engine plan' to see available sources)", err)
	case errs.KindUserRejected:
		return fmt.Errorf("cancelled: %w", err)
	case errs.KindLiquidityTimeout:
		return fmt.Errorf("%w (the request may still be fulfilled; check 'ca-engine status')", err)
	default:
		return err
	}
}

func getStatusColor(status plan.RecordStatus) string {
	switch status {
	case plan.StatusFulfilled:
		return color.GreenString(string(status))
	case plan.StatusSubmitted, plan.StatusDeposited:
		return color.YellowString(string(status))
	case plan.StatusExpired, plan.StatusRefunded:
		return color.MagentaString(string(status))
	case plan.StatusFailed:
		return color.RedString(string(status))
	default:
		return string(status)
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
