package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	oneclick "github.com/defuse-protocol/one-click-sdk-go"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ca-engine/config"
	"ca-engine/pkg/types"
)

var (
	filterChain  string
	filterSymbol string
	remoteTokens bool
)

var tokensCmd = &cobra.Command{
	Use:     "list-tokens",
	Aliases: []string{"tokens", "ls"},
	Short:   "List configured tokens",
	Long: `List the tokens configured on every chain, marking each chain's common
denominator token (COT). With --remote, list the tokens the 1Click swap API
supports instead.

Examples:
  ca-engine list-tokens
  ca-engine list-tokens --chain base
  ca-engine list-tokens --symbol USDC --remote`,
	Run: runListTokens,
}

func init() {
	rootCmd.AddCommand(tokensCmd)

	tokensCmd.Flags().StringVar(&filterChain, "chain", "", "Filter by blockchain")
	tokensCmd.Flags().StringVar(&filterSymbol, "symbol", "", "Filter by token symbol")
	tokensCmd.Flags().BoolVar(&remoteTokens, "remote", false, "List tokens supported by the 1Click API")
}

// loadRegistry reads the configuration without dialing chains or loading keys
func loadRegistry() (*config.Config, *config.Registry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	registry, err := config.NewRegistry(cfg.Chains, cfg.Tokens)
	if err != nil {
		return nil, nil, err
	}
	return cfg, registry, nil
}

func runListTokens(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if remoteTokens {
		runRemoteTokens(cmd, jsonOutput)
		return
	}

	_, registry, err := loadRegistry()
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	var chains []types.Chain
	for _, chain := range registry.Chains() {
		if filterChain == "" || strings.EqualFold(chain.Name, filterChain) {
			chains = append(chains, chain)
		}
	}

	byChain := make(map[uint64][]types.Token)
	total := 0
	for _, chain := range chains {
		for _, token := range registry.Tokens(chain.ID) {
			if filterSymbol != "" && !strings.Contains(token.Symbol, strings.ToUpper(filterSymbol)) {
				continue
			}
			byChain[chain.ID] = append(byChain[chain.ID], token)
			total++
		}
	}

	if jsonOutput {
		out := make([]map[string]interface{}, 0, total)
		for _, chain := range chains {
			for _, token := range byChain[chain.ID] {
				out = append(out, map[string]interface{}{
					"chain":    chain.Name,
					"chain_id": chain.ID,
					"symbol":   token.Symbol,
					"address":  token.Address.Format(chain.Universe),
					"decimals": token.Decimals,
					"permit":   token.Permit.String(),
					"cot":      token.Symbol == chain.COT,
				})
			}
		}
		printJSON(out)
		return
	}
	displayConfiguredTokens(chains, byChain, total)
}

func displayConfiguredTokens(chains []types.Chain, byChain map[uint64][]types.Token, total int) {
	if total == 0 {
		fmt.Println("\nNo tokens found matching the criteria.")
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 90))
	color.Green("                           CONFIGURED TOKENS")
	fmt.Println(strings.Repeat("=", 90))

	shown := 0
	for _, chain := range chains {
		tokens := byChain[chain.ID]
		if len(tokens) == 0 {
			continue
		}
		shown++
		color.Cyan("\n%s (%d, %s)", strings.ToUpper(chain.Name), chain.ID, chain.Universe)
		fmt.Println(strings.Repeat("-", 90))

		for _, token := range tokens {
			address := token.Address.Format(chain.Universe)
			if token.Native {
				address = "native"
			}
			address = truncateString(address, 44)

			mark := ""
			if token.Symbol == chain.COT {
				mark = color.GreenString(" COT")
			}
			fmt.Printf("  %-10s  %2d decimals  %-8s %s%s\n",
				color.YellowString(token.Symbol),
				token.Decimals,
				token.Permit,
				color.HiBlackString(address),
				mark)
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 90))
	fmt.Printf("\nTotal: %d tokens across %d chains\n\n", total, shown)
}

func runRemoteTokens(cmd *cobra.Command, jsonOutput bool) {
	apiClient, err := newOneClickOnly(cmd)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Fetching supported tokens..."
		s.Start()
	}
	tokens, err := apiClient.GetSupportedTokens(cmd.Context())
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	var filtered []oneclick.TokenResponse
	for _, token := range tokens {
		if filterChain != "" && !strings.EqualFold(token.GetBlockchain(), filterChain) {
			continue
		}
		if filterSymbol != "" && !strings.Contains(strings.ToUpper(token.GetSymbol()), strings.ToUpper(filterSymbol)) {
			continue
		}
		filtered = append(filtered, token)
	}

	if jsonOutput {
		printJSON(filtered)
		return
	}
	displayRemoteTokens(filtered)
}

func displayRemoteTokens(tokens []oneclick.TokenResponse) {
	if len(tokens) == 0 {
		fmt.Println("\nNo tokens found matching the criteria.")
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 90))
	color.Green("                         1CLICK SUPPORTED TOKENS")
	fmt.Println(strings.Repeat("=", 90))

	tokensByChain := make(map[string][]oneclick.TokenResponse)
	for _, token := range tokens {
		chain := token.GetBlockchain()
		tokensByChain[chain] = append(tokensByChain[chain], token)
	}

	chains := make([]string, 0, len(tokensByChain))
	for chain := range tokensByChain {
		chains = append(chains, chain)
	}
	sort.Strings(chains)

	for _, chain := range chains {
		color.Cyan("\n%s", strings.ToUpper(chain))
		fmt.Println(strings.Repeat("-", 90))

		for _, token := range tokensByChain[chain] {
			fmt.Printf("  %-10s  %2.0f decimals  %s\n",
				color.YellowString(token.GetSymbol()),
				token.GetDecimals(),
				color.HiBlackString(truncateString(token.GetContractAddress(), 40)))
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 90))
	fmt.Printf("\nTotal: %d tokens across %d blockchains\n\n", len(tokens), len(chains))
}
