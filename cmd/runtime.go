package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/fatih/color"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ca-engine/config"
	"ca-engine/pkg/chain/evm"
	"ca-engine/pkg/client"
	"ca-engine/pkg/deposit"
	"ca-engine/pkg/engine"
	"ca-engine/pkg/errs"
	"ca-engine/pkg/fulfillment"
	"ca-engine/pkg/logging"
	"ca-engine/pkg/metrics"
	"ca-engine/pkg/plan"
	"ca-engine/pkg/rff"
	"ca-engine/pkg/sbc"
	"ca-engine/pkg/signer"
	"ca-engine/pkg/steps"
	"ca-engine/pkg/swaproute"
	"ca-engine/pkg/types"
)

// runtime is everything a command needs, built from the loaded configuration
type runtime struct {
	cfg        *config.Config
	log        *logrus.Logger
	registry   *config.Registry
	clients    *evm.Clients
	settlement *client.SettlementClient
	oneClick   *client.OneClickClient
	holdings   *engine.ChainHoldings
	journal    *plan.Journal
	engine     *engine.Engine
	wallets    engine.Wallets
	evmWallet  *signer.EVMWallet
}

func newLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose && level == "warn" {
		level = "debug"
	}
	return logging.New(level, format)
}

// newRuntime dials every configured chain and assembles the engine. sink
// receives lifecycle steps and may be nil.
func newRuntime(ctx context.Context, cmd *cobra.Command, sink steps.Sink) (*runtime, error) {
	log, err := newLogger(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireSettlement(); err != nil {
		return nil, err
	}
	registry, err := config.NewRegistry(cfg.Chains, cfg.Tokens)
	if err != nil {
		return nil, err
	}

	metrics.Register(log)
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = cfg.MetricsAddr
	}
	if addr != "" {
		metrics.Serve(ctx, addr, log)
	}

	rt := &runtime{cfg: cfg, log: log, registry: registry, clients: evm.NewClients()}
	for _, chain := range registry.Chains() {
		if chain.Universe != types.UniverseEVM {
			continue
		}
		ep, _ := registry.Endpoint(chain.ID)
		url := ep.WSURL
		if url == "" {
			url = ep.RPCURL
		}
		c, err := evm.Dial(ctx, chain.ID, url, log)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("chain %s: %w", chain.Name, err)
		}
		rt.clients.Add(c)
	}

	rt.settlement = client.NewSettlementClient(cfg.SettlementURL, cfg.SettlementAPIKey, log)
	if cfg.JWTToken != "" {
		rt.oneClick = client.NewOneClickClient(cfg.JWTToken, registry, registry.OneClickAssets(), log)
	}
	rt.journal, err = plan.NewJournal(cfg.JournalPath)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.holdings = engine.NewChainHoldings(registry, func(chainID uint64) (engine.BalanceReader, error) {
		c, err := rt.clients.Get(chainID)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, log)

	skip, _ := cmd.Flags().GetBool("yes")
	depositors, err := rt.loadWallets(promptApprover(skip))
	if err != nil {
		rt.close()
		return nil, err
	}

	executors := make(map[uint64]common.Address)
	for _, chain := range registry.Chains() {
		if chain.Universe == types.UniverseEVM && !chain.Executor.IsZero() {
			executors[chain.ID] = chain.Executor.EVM()
		}
	}
	batches := sbc.NewExecutor(func(chainID uint64) (sbc.Chain, error) {
		c, err := rt.clients.Get(chainID)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, rt.settlement, sbc.Options{Executors: executors}, sink, log)

	deps := engine.Deps{
		Registry:   registry,
		Settlement: rt.settlement,
		Fees:       rt.settlement,
		Holdings:   rt.holdings,
		Readers:    rt.clients,
		Chains:     rt.chain,
		Subscriber: rt.clients,
		Depositors: depositors.Depositors(),
		Batches:    batches,
		Journal:    rt.journal,
		Sink:       sink,
		Log:        log,
	}
	if rt.oneClick != nil {
		deps.Oracle = rt.oneClick
		deps.Aggregator = rt.oneClick
		deps.Notifier = rt.oneClick
	}
	rt.engine = engine.New(deps, engine.Options{
		RFF: rff.Options{
			TTL:                 cfg.RequestTTL,
			DoubleCheckAttempts: cfg.DoubleCheckAttempts,
		},
		Fulfilment: fulfillment.Options{
			PollInterval: cfg.PollInterval,
			Timeout:      cfg.FulfilmentTimeout,
		},
		Swap: swaproute.Options{
			Slippage:       cfg.Slippage,
			QuoteFreshness: cfg.QuoteFreshness,
		},
	})
	return rt, nil
}

func (rt *runtime) chain(chainID uint64) (swaproute.Chain, error) {
	c, err := rt.clients.Get(chainID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// loadWallets builds a signer for every configured key and the depositors of
// the universes that push funds
func (rt *runtime) loadWallets(approver signer.Approver) (*deposit.Manager, error) {
	depositors := deposit.NewManager()
	rt.wallets = engine.Wallets{
		Signers: make(rff.Signers),
		NewEphemeral: func(salt string) (swaproute.Ephemeral, error) {
			if rt.evmWallet == nil {
				return nil, fmt.Errorf("swaps need an EVM key")
			}
			w, err := rt.evmWallet.DeriveEphemeral(salt)
			if err != nil {
				return nil, err
			}
			return w, nil
		},
	}

	if rt.cfg.EVMKey != "" {
		w, err := signer.NewEVMWallet(rt.cfg.EVMKey, rt.clients, approver)
		if err != nil {
			return nil, fmt.Errorf("evm key: %w", err)
		}
		rt.evmWallet = w
		rt.wallets.Signers[types.UniverseEVM] = w
		rt.wallets.Owner = w
		depositors.Register(types.UniverseEVM, deposit.NewEVMDepositor(rt.registry, w, rt.waitMined, rt.log))
	}
	if rt.cfg.TronKey != "" {
		w, err := signer.NewTronWallet(rt.cfg.TronKey, approver)
		if err != nil {
			return nil, fmt.Errorf("tron key: %w", err)
		}
		rt.wallets.Signers[types.UniverseTron] = w
	}
	if rt.cfg.SolanaKey != "" {
		w, err := signer.NewSolanaWallet(rt.cfg.SolanaKey, approver)
		if err != nil {
			return nil, fmt.Errorf("solana key: %w", err)
		}
		rt.wallets.Signers[types.UniverseSolana] = w
		sol := rpc.New(rt.cfg.SolanaRPCURL)
		depositors.Register(types.UniverseSolana, deposit.NewSolanaDepositor(rt.registry, sol, w.PrivateKey(), deposit.SolanaConfig{}, rt.log))
	}
	if len(rt.wallets.Signers) == 0 {
		return nil, fmt.Errorf("no keys configured. Set CA_ENGINE_EVM_PRIVATE_KEY, CA_ENGINE_TRON_PRIVATE_KEY or CA_ENGINE_SOLANA_PRIVATE_KEY")
	}
	return depositors, nil
}

func (rt *runtime) waitMined(ctx context.Context, chainID uint64, hash common.Hash, timeout time.Duration) error {
	c, err := rt.clients.Get(chainID)
	if err != nil {
		return err
	}
	receipt, err := c.WaitMined(ctx, hash, timeout)
	if err != nil {
		return err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return errs.Reverted(chainID, hash.Hex())
	}
	return nil
}

func (rt *runtime) close() {
	rt.clients.Close()
}

// owner returns the EVM address that holds swap funds
func (rt *runtime) owner() (common.Address, error) {
	if rt.evmWallet == nil {
		return common.Address{}, fmt.Errorf("an EVM key is required. Set CA_ENGINE_EVM_PRIVATE_KEY")
	}
	return rt.evmWallet.EVMAddress(), nil
}

// promptApprover asks on stdin before each signature unless skip is set
func promptApprover(skip bool) signer.Approver {
	if skip {
		return signer.AutoApprove
	}
	var mu sync.Mutex
	return func(ctx context.Context, action string) bool {
		mu.Lock()
		defer mu.Unlock()
		return confirm(fmt.Sprintf("Approve %s?", action))
	}
}

func confirm(question string) bool {
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("\n%s (y/N): ", question)

	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

// stepPrinter prints lifecycle steps as they happen
func stepPrinter(enabled bool) steps.Sink {
	if !enabled {
		return steps.Discard
	}
	return steps.SinkFunc(func(s steps.Step) {
		line := fmt.Sprintf("  %s %s", color.GreenString("✓"), stepLabel(s.Kind))
		if s.ChainID != 0 {
			line += color.HiBlackString(" chain %d", s.ChainID)
		}
		if s.RequestID != "" {
			line += color.HiBlackString(" request %s", s.RequestID)
		}
		if s.TxHash != "" {
			line += " " + color.CyanString(s.TxHash)
		}
		fmt.Println(line)
	})
}

func stepLabel(k steps.Kind) string {
	switch k {
	case steps.IntentPlanned:
		return "Intent planned"
	case steps.AllowanceRequested:
		return "Approval sent"
	case steps.AllowanceMined:
		return "Approval confirmed"
	case steps.AllowanceComplete:
		return "Allowances ready"
	case steps.IntentSigned:
		return "Request signed"
	case steps.IntentSubmitted:
		return "Request submitted"
	case steps.IntentRebuilt:
		return "Fees changed, request rebuilt"
	case steps.DepositSent:
		return "Deposit sent"
	case steps.DepositsComplete:
		return "Deposits complete"
	case steps.IntentFulfilled:
		return "Request fulfilled"
	case steps.DelegationAuthorized:
		return "Delegation authorized"
	case steps.BatchSubmitted:
		return "Batch submitted"
	case steps.BatchConfirmed:
		return "Batch confirmed"
	case steps.SourceSwapsComplete:
		return "Source swaps complete"
	case steps.SourceSwapRetried:
		return "Source swap retried"
	case steps.DestinationRequoted:
		return "Destination swap requoted"
	case steps.DestinationSwapDone:
		return "Destination swap complete"
	case steps.FundsSwept:
		return "Funds swept back"
	case steps.SwapComplete:
		return "Swap complete"
	default:
		return string(k)
	}
}
