package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	oneclick "github.com/defuse-protocol/one-click-sdk-go"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ca-engine/pkg/client"
	"ca-engine/pkg/plan"
	"ca-engine/pkg/types"
)

var (
	watchStatus   bool
	watchInterval int
)

var statusCmd = &cobra.Command{
	Use:   "status [request-id | deposit-address]",
	Short: "Check the status of a bridge or swap",
	Long: `Check the status of a bridge request by its id, or of a destination swap
by its 1Click deposit address. Without an argument, refreshes every pending
request in the local journal and lists them all.

Examples:
  ca-engine status
  ca-engine status rff-1234
  ca-engine status rff-1234 --watch
  ca-engine status 0x1234...abcd --watch --interval 10`,
	Args: cobra.MaximumNArgs(1),
	Run:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVarP(&watchStatus, "watch", "w", false, "Watch status updates until the request settles")
	statusCmd.Flags().IntVar(&watchInterval, "interval", 5, "Polling interval in seconds (when watching)")
}

func runStatus(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if watchStatus && jsonOutput {
		fmt.Println(`{"error": "watch mode not supported with JSON output"}`)
		os.Exit(1)
	}
	if watchInterval <= 0 {
		watchInterval = 5
	}

	switch {
	case len(args) == 0:
		runJournal(cmd, jsonOutput)
	case common.IsHexAddress(args[0]):
		runSwapStatus(cmd, args[0], jsonOutput)
	default:
		runRequestStatus(cmd, args[0], jsonOutput)
	}
}

// watch calls check every interval until it reports done or ctx ends
func watch(ctx context.Context, label string, check func() bool) {
	fmt.Printf("\nWatching %s\n", color.CyanString(label))
	fmt.Printf("Checking every %d seconds. Press Ctrl+C to stop.\n\n", watchInterval)

	ticker := time.NewTicker(time.Duration(watchInterval) * time.Second)
	defer ticker.Stop()

	for !check() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runRequestStatus(cmd *cobra.Command, id string, jsonOutput bool) {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, cmd, nil)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer rt.close()

	if watchStatus {
		watch(ctx, "request "+id, func() bool {
			st, err := rt.engine.Status(ctx, id)
			if err != nil {
				color.Red("Error: %v", err)
				return false
			}
			displayRequestStatus(rt, st)
			return st.State.Terminal()
		})
		return
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Checking request status..."
		s.Start()
	}
	st, err := rt.engine.Status(ctx, id)
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if jsonOutput {
		out := map[string]interface{}{
			"id":         st.ID,
			"hash":       st.Hash,
			"state":      string(st.State),
			"message":    st.Message,
			"tx_hash":    st.TxHash,
			"updated_at": st.UpdatedAt,
		}
		if r, err := rt.journal.Get(id); err == nil {
			out["record"] = r
		}
		printJSON(out)
		return
	}
	displayRequestStatus(rt, st)
}

func displayRequestStatus(rt *runtime, st types.RequestStatus) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	color.Green("                       REQUEST STATUS")
	fmt.Println(strings.Repeat("=", 70))

	fmt.Printf("\n  Request ID:      %s\n", color.CyanString(st.ID))
	if st.Hash != "" {
		fmt.Printf("  Request Hash:    %s\n", color.HiBlackString(st.Hash))
	}
	fmt.Printf("  State:           %s\n", getRequestStateColor(st.State))
	if !st.UpdatedAt.IsZero() {
		fmt.Printf("  Last Updated:    %s\n", st.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	if st.TxHash != "" {
		fmt.Printf("  Fulfilment Tx:   %s\n", color.HiBlackString(st.TxHash))
	}
	if st.Message != "" {
		fmt.Printf("  Message:         %s\n", st.Message)
	}

	if r, err := rt.journal.Get(st.ID); err == nil {
		fmt.Printf("  Destination:     %s %s on %s\n", r.Amount, r.DestinationToken, chainName(rt, r.DestinationChain))
		for _, src := range r.Sources {
			fmt.Printf("  Source:          %s %s on %s\n", src.Amount, src.Token, chainName(rt, src.ChainID))
		}
	}
	fmt.Println("\n" + strings.Repeat("=", 70) + "\n")
}

func getRequestStateColor(state types.RequestState) string {
	s := string(state)
	switch state {
	case types.RequestFulfilled:
		return color.GreenString(s)
	case types.RequestPending, types.RequestDeposited:
		return color.YellowString(s)
	case types.RequestExpired, types.RequestRefunded:
		return color.RedString(s)
	default:
		return s
	}
}

func runJournal(cmd *cobra.Command, jsonOutput bool) {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, cmd, nil)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer rt.close()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Refreshing pending requests..."
		s.Start()
	}
	_, err = rt.engine.Reconcile(ctx)
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	records := rt.journal.List()
	if jsonOutput {
		printJSON(records)
		return
	}
	displayRecords(rt, records)
}

func displayRecords(rt *runtime, records []*plan.Record) {
	if len(records) == 0 {
		fmt.Println("\nNo requests recorded yet.")
		fmt.Printf("Journal: %s\n\n", rt.journal.Path())
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 100))
	color.Green("                                       REQUESTS")
	fmt.Println(strings.Repeat("=", 100))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nKIND\tREQUEST\tDESTINATION\tSTATUS\tUPDATED")
	for _, r := range records {
		id := r.RequestID
		if id == "" {
			id = r.ID
		}
		fmt.Fprintf(w, "%s\t%s\t%s %s on %s\t%s\t%s\n",
			r.Kind,
			truncateString(id, 24),
			r.Amount, r.DestinationToken, chainName(rt, r.DestinationChain),
			getStatusColor(r.Status),
			r.LastUpdated.Format("2006-01-02 15:04"))
	}
	w.Flush()

	fmt.Println("\n" + strings.Repeat("=", 100))
	fmt.Printf("\nTotal: %d requests (%s)\n\n", len(records), rt.journal.Path())
}

// runSwapStatus reads a 1Click deposit address. It needs no keys and no chain
// connections.
func runSwapStatus(cmd *cobra.Command, depositAddress string, jsonOutput bool) {
	ctx := cmd.Context()
	apiClient, err := newOneClickOnly(cmd)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if watchStatus {
		watch(ctx, "deposit address "+depositAddress, func() bool {
			status, err := apiClient.GetSwapStatus(ctx, depositAddress)
			if err != nil {
				color.Red("Error: %v", err)
				return false
			}
			displaySwapStatus(status, depositAddress)
			return swapSettled(status.GetStatus())
		})
		return
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Checking swap status..."
		s.Start()
	}
	status, err := apiClient.GetSwapStatus(ctx, depositAddress)
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(status)
		return
	}
	displaySwapStatus(status, depositAddress)
}

// newOneClickOnly builds a 1Click client from configuration alone
func newOneClickOnly(cmd *cobra.Command) (*client.OneClickClient, error) {
	log, err := newLogger(cmd)
	if err != nil {
		return nil, err
	}
	cfg, registry, err := loadRegistry()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireOneClick(); err != nil {
		return nil, err
	}
	return client.NewOneClickClient(cfg.JWTToken, registry, registry.OneClickAssets(), log), nil
}

func swapSettled(status string) bool {
	switch strings.ToUpper(status) {
	case "SUCCESS", "FAILED", "REFUNDED":
		return true
	default:
		return false
	}
}

func displaySwapStatus(status *oneclick.GetExecutionStatusResponse, depositAddress string) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	color.Green("                        SWAP STATUS")
	fmt.Println(strings.Repeat("=", 70))

	fmt.Printf("\n  Deposit Address: %s\n", color.CyanString(depositAddress))
	fmt.Printf("  Status:          %s\n", getColoredStatus(status.GetStatus()))
	fmt.Printf("  Last Updated:    %s\n", status.GetUpdatedAt().Format("2006-01-02 15:04:05"))

	details := status.GetSwapDetails()
	for _, tx := range details.GetOriginChainTxHashes() {
		if hash := tx.GetHash(); hash != "" {
			fmt.Printf("  Deposit Tx:      %s\n", color.HiBlackString(hash))
		}
	}
	for _, tx := range details.GetDestinationChainTxHashes() {
		if hash := tx.GetHash(); hash != "" {
			fmt.Printf("  Withdrawal Tx:   %s\n", color.HiBlackString(hash))
		}
	}

	if details.HasAmountInFormatted() {
		fmt.Printf("  Amount In:       %s\n", details.GetAmountInFormatted())
	}
	if details.HasAmountOutFormatted() {
		fmt.Printf("  Amount Out:      %s\n", details.GetAmountOutFormatted())
	}

	fmt.Println("\n" + strings.Repeat("=", 70) + "\n")
}

func getColoredStatus(status string) string {
	status = strings.ToUpper(status)

	switch status {
	case "SUCCESS", "COMPLETED":
		return color.GreenString(status)
	case "PENDING_DEPOSIT", "PENDING", "PROCESSING", "KNOWN_DEPOSIT_TX":
		return color.YellowString(status)
	case "FAILED", "REFUNDED":
		return color.RedString(status)
	case "INCOMPLETE_DEPOSIT":
		return color.MagentaString(status)
	default:
		return status
	}
}
