package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ca-engine/pkg/parser"
	"ca-engine/pkg/swaproute"
	"ca-engine/pkg/types"
)

var (
	swapFrom      string
	toChain       string
	swapRecipient string
	exactOut      bool
	dryRun        bool
)

var swapCmd = &cobra.Command{
	Use:   "swap <amount> <token> to <token> [on <chain>]",
	Short: "Swap tokens, across chains if needed",
	Long: `Swap tokens using your holdings on any configured chain. Holdings are
swapped into each chain's common denominator token, bridged to the destination
chain and swapped into the requested token there. Every batch runs from a
fresh ephemeral account; funds left in it after a failure are swept back.

By default the amount is what you spend. With --exact-out the amount is what you
receive, the command names the destination token, and --from picks the tokens
that may fund it.

Examples:
  # Spend 50 USDC for WETH on base
  ca-engine swap 50 USDC to WETH on base

  # Receive exactly 0.1 WETH on base, paid from USDC and USDT holdings
  ca-engine swap 0.1 WETH to base --exact-out --from USDC,USDT

  # Preview the route only
  ca-engine swap 50 USDC to WETH --to-chain base --dry-run`,
	Args: cobra.MinimumNArgs(1),
	Run:  runSwap,
}

func init() {
	rootCmd.AddCommand(swapCmd)

	swapCmd.Flags().StringVar(&swapFrom, "from", "", "Comma separated tokens that may fund an --exact-out swap (defaults to the destination chain's COT)")
	swapCmd.Flags().StringVar(&toChain, "to-chain", "", "Destination blockchain")
	swapCmd.Flags().StringVar(&swapRecipient, "recipient", "", "Recipient address (defaults to your own address)")
	swapCmd.Flags().BoolVar(&exactOut, "exact-out", false, "Treat the amount as the output to receive")
	swapCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Plan the route without executing it")
}

// parseSwap turns the command line into a swap request for the owner's holdings
func parseSwap(ctx context.Context, rt *runtime, args []string) (swaproute.Request, error) {
	owner, err := rt.owner()
	if err != nil {
		return swaproute.Request{}, err
	}
	command, err := parser.ParseCommand(strings.Join(args, " "))
	if err != nil {
		return swaproute.Request{}, err
	}
	if command.Chain == "" && toChain != "" {
		command.Chain = strings.ToLower(toChain)
	}
	chain, symbol, err := command.Destination(rt.registry)
	if err != nil {
		return swaproute.Request{}, err
	}
	dst, err := rt.registry.Token(chain.ID, symbol)
	if err != nil {
		return swaproute.Request{}, err
	}

	req := swaproute.Request{
		Mode:        swaproute.ExactIn,
		Destination: dst,
		Amount:      command.Amount,
		Recipient:   owner,
	}
	if swapRecipient != "" {
		if !common.IsHexAddress(swapRecipient) {
			return swaproute.Request{}, fmt.Errorf("invalid recipient address: %s", swapRecipient)
		}
		req.Recipient = common.HexToAddress(swapRecipient)
	}

	sources := []string{command.Token}
	if exactOut {
		if symbol != command.Token {
			return swaproute.Request{}, fmt.Errorf("with --exact-out name the token you receive: '<amount> <token> to <chain>', and pick sources with --from")
		}
		req.Mode = swaproute.ExactOut
		sources = []string{chain.COT}
		if swapFrom != "" {
			sources = nil
			for _, s := range strings.Split(swapFrom, ",") {
				if s = parser.NormalizeTokenSymbol(s); s != "" {
					sources = append(sources, s)
				}
			}
		}
	}

	holders := map[types.Universe]types.Address{types.UniverseEVM: types.AddressFromEVM(owner)}
	for _, s := range sources {
		balances, err := rt.holdings.Holdings(ctx, s, holders)
		if err != nil {
			return swaproute.Request{}, fmt.Errorf("read %s balances: %w", s, err)
		}
		req.Holdings = append(req.Holdings, balances...)
	}
	if len(req.Holdings) == 0 {
		return swaproute.Request{}, fmt.Errorf("no %s holdings found on any configured chain", strings.Join(sources, " or "))
	}
	return req, nil
}

func runSwap(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	skipConfirm, _ := cmd.Flags().GetBool("yes")
	ctx := cmd.Context()

	rt, err := newRuntime(ctx, cmd, stepPrinter(!jsonOutput && !dryRun))
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer rt.close()

	if err := rt.cfg.RequireOneClick(); err != nil {
		printError(err)
		os.Exit(1)
	}

	req, err := parseSwap(ctx, rt, args)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Fetching quotes..."
		s.Start()
	}
	route, err := rt.engine.PlanSwap(ctx, req, rt.wallets)
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		printError(describeError(err))
		os.Exit(1)
	}

	if dryRun {
		if jsonOutput {
			printJSON(routeSummary(rt, route))
		} else {
			displayRoute(rt, route)
		}
		return
	}
	if !jsonOutput {
		displayRoute(rt, route)
		if !skipConfirm && !confirm("Proceed with swap?") {
			fmt.Println("\nSwap cancelled.")
			os.Exit(0)
		}
		fmt.Println()
	}

	result, err := rt.engine.Swap(ctx, req, rt.wallets)
	if err != nil {
		printError(describeError(err))
		if !jsonOutput {
			fmt.Println("\nIf funds are still held by the ephemeral account, find the swap with")
			color.Cyan("  ca-engine status")
			fmt.Println("and return them with")
			color.Cyan("  ca-engine recover <record-id>\n")
		}
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(resultSummary(rt, result))
		return
	}
	displaySwapResult(rt, result)
}

func routeSummary(rt *runtime, route *swaproute.Route) map[string]interface{} {
	legs := make([]map[string]string, 0, len(route.Source.Legs))
	for _, l := range route.Source.Legs {
		leg := map[string]string{
			"chain":   chainName(rt, l.Holding.Token.ChainID),
			"token":   l.Holding.Token.Symbol,
			"amount":  l.Amount.String(),
			"cot_out": l.COTOut().String(),
		}
		if l.Swap != nil && l.Swap.Ref != "" {
			leg["deposit_address"] = l.Swap.Ref
		}
		legs = append(legs, leg)
	}
	out := map[string]interface{}{
		"mode":          route.Mode.String(),
		"ephemeral":     route.Ephemeral.Hex(),
		"legs":          legs,
		"cot_available": route.Destination.COTAvailable.String(),
	}
	if route.Bridge != nil {
		out["bridge"] = intentSummary(rt, route.Bridge)
	}
	if q := route.Destination.Swap; q != nil {
		out["destination_swap"] = map[string]string{
			"amount_in":  q.AmountIn.String(),
			"amount_out": q.AmountOut.String(),
			"token":      q.Request.TokenOut.Symbol,
		}
	}
	return out
}

func displayRoute(rt *runtime, route *swaproute.Route) {
	req := route.Request

	fmt.Println("\n" + strings.Repeat("=", 70))
	color.Green("                          SWAP ROUTE")
	fmt.Println(strings.Repeat("=", 70))

	fmt.Printf("\n  Mode:        %s\n", route.Mode)
	fmt.Printf("  Destination: %s on %s\n", color.YellowString(req.Destination.Symbol), chainName(rt, req.Destination.ChainID))
	fmt.Printf("  Recipient:   %s\n", color.CyanString(req.Recipient.Hex()))
	fmt.Printf("  Ephemeral:   %s\n", color.HiBlackString(route.Ephemeral.Hex()))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\n  CHAIN\tSPEND\tCOT OUT\tVIA")
	for _, l := range route.Source.Legs {
		via := "held"
		if l.Swap != nil {
			via = "swap"
			if l.Swap.Ref != "" {
				via = "deposit " + truncateString(l.Swap.Ref, 16)
			}
		}
		fmt.Fprintf(w, "  %s\t%s %s\t%s\t%s\n", chainName(rt, l.Holding.Token.ChainID), l.Amount, l.Holding.Token.Symbol, l.COTOut(), via)
	}
	w.Flush()

	if route.Bridge != nil {
		b := route.Bridge
		fmt.Printf("\n  Bridge:      %s %s to %s (fees %s)\n", b.Destination.Amount, b.Destination.Token.Symbol,
			chainName(rt, b.Destination.ChainID), b.Fees.Total())
	}

	d := route.Destination
	switch {
	case d.Swap != nil:
		fmt.Printf("  Final swap:  %s %s -> ~%s %s\n", d.Swap.AmountIn, d.COT.Symbol,
			color.GreenString(d.Swap.AmountOut.String()), d.Swap.Request.TokenOut.Symbol)
		if d.Band != nil {
			fmt.Printf("  Requote band: %s - %s %s\n", d.Band.Min, d.Band.Max, d.COT.Symbol)
		}
	default:
		fmt.Printf("  Final step:  transfer %s %s\n", color.GreenString(d.COTAvailable.String()), d.COT.Symbol)
	}
	fmt.Println("\n" + strings.Repeat("=", 70) + "\n")
}

func resultSummary(rt *runtime, result *swaproute.Result) map[string]interface{} {
	txs := make(map[string]string, len(result.SourceTxs))
	for chainID, tx := range result.SourceTxs {
		txs[chainName(rt, chainID)] = tx.Hex()
	}
	out := map[string]interface{}{
		"source_txs":     txs,
		"destination_tx": result.DestinationTx.Hex(),
		"delivered_cot":  result.Delivered.String(),
	}
	if result.Bridge != nil {
		out["request_id"] = result.Bridge.ID
	}
	if result.Swap != nil {
		out["amount_out"] = result.Swap.AmountOut.String()
		if result.Swap.Ref != "" {
			out["deposit_address"] = result.Swap.Ref
		}
	}
	return out
}

func displaySwapResult(rt *runtime, result *swaproute.Result) {
	color.Green("\n✓ Swap complete")

	chains := make([]uint64, 0, len(result.SourceTxs))
	for chainID := range result.SourceTxs {
		chains = append(chains, chainID)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	for _, chainID := range chains {
		fmt.Printf("  Source Tx (%s): %s\n", chainName(rt, chainID), color.HiBlackString(result.SourceTxs[chainID].Hex()))
	}
	if result.Bridge != nil {
		fmt.Printf("  Bridge Request: %s\n", color.CyanString(result.Bridge.ID))
	}
	if result.DestinationTx != (common.Hash{}) {
		fmt.Printf("  Final Tx:       %s\n", color.HiBlackString(result.DestinationTx.Hex()))
	}
	if result.Swap != nil {
		fmt.Printf("  Output:         ~%s %s\n", result.Swap.AmountOut, result.Swap.Request.TokenOut.Symbol)
		if result.Swap.Ref != "" {
			fmt.Println("\nThe final swap settles asynchronously. Monitor it with:")
			color.Cyan("  ca-engine status %s\n", result.Swap.Ref)
		}
	} else {
		fmt.Printf("  Delivered:      %s\n", result.Delivered)
	}
	fmt.Println()
}
