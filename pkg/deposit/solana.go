package deposit

import (
	"context"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"

	"ca-engine/pkg/rff"
	"ca-engine/pkg/types"
)

// SolanaRPC is the part of the Solana JSON-RPC client a deposit needs
type SolanaRPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
}

// SolanaConfig tunes transaction submission
type SolanaConfig struct {
	SkipPreflight bool
	Commitment    string
}

// SolanaDepositor transfers SOL or SPL tokens to the vault of the source chain
type SolanaDepositor struct {
	registry   types.Registry
	client     SolanaRPC
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	config     SolanaConfig
	log        logrus.FieldLogger
}

// NewSolanaDepositor creates a depositor paying from privateKey
func NewSolanaDepositor(registry types.Registry, client SolanaRPC, privateKey solana.PrivateKey, cfg SolanaConfig, log logrus.FieldLogger) *SolanaDepositor {
	return &SolanaDepositor{
		registry:   registry,
		client:     client,
		privateKey: privateKey,
		publicKey:  privateKey.PublicKey(),
		config:     cfg,
		log:        log.WithField("component", "deposit"),
	}
}

// Deposit implements rff.Depositor
func (s *SolanaDepositor) Deposit(ctx context.Context, h *rff.Handle, index int) (string, error) {
	src, err := source(h, index)
	if err != nil {
		return "", err
	}
	if src.Universe != types.UniverseSolana {
		return "", fmt.Errorf("solana depositor cannot handle %s source", src.Universe)
	}
	if src.Holder != types.Address(s.publicKey) {
		return "", fmt.Errorf("source on chain %d is held by %s, not by the depositing wallet", src.ChainID, src.Holder.Format(types.UniverseSolana))
	}
	chain, err := s.registry.Chain(src.ChainID)
	if err != nil {
		return "", err
	}
	if chain.Vault.IsZero() {
		return "", fmt.Errorf("no vault configured for chain %d", src.ChainID)
	}
	vault := solana.PublicKeyFromBytes(chain.Vault[:])

	value := h.Request.Sources[index].Value
	if !value.IsUint64() {
		return "", fmt.Errorf("deposit amount %s does not fit a solana transfer", value)
	}
	amount := value.Uint64()

	var instructions []solana.Instruction
	if src.Token.Native {
		instructions = append(instructions, system.NewTransferInstruction(amount, s.publicKey, vault).Build())
	} else {
		mint := solana.PublicKeyFromBytes(src.Token.Address[:])
		ixs, err := s.splTransfer(ctx, vault, mint, amount)
		if err != nil {
			return "", err
		}
		instructions = append(instructions, ixs...)
	}

	sig, err := s.send(ctx, instructions)
	if err != nil {
		return "", err
	}
	s.log.WithFields(logrus.Fields{
		"chain_id":  src.ChainID,
		"signature": sig.String(),
		"amount":    src.Amount.String(),
		"token":     src.Token.Symbol,
	}).Debug("Deposit broadcast")
	return sig.String(), nil
}

// splTransfer moves amount of mint to the vault's associated token account,
// creating that account first when it does not exist
func (s *SolanaDepositor) splTransfer(ctx context.Context, vault, mint solana.PublicKey, amount uint64) ([]solana.Instruction, error) {
	sourceTokenAccount, _, err := solana.FindAssociatedTokenAddress(s.publicKey, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source token account: %w", err)
	}
	destTokenAccount, _, err := solana.FindAssociatedTokenAddress(vault, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive vault token account: %w", err)
	}
	exists, err := s.accountExists(ctx, destTokenAccount)
	if err != nil {
		return nil, fmt.Errorf("failed to check vault token account: %w", err)
	}

	var instructions []solana.Instruction
	if !exists {
		instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(s.publicKey, vault, mint).Build())
	}
	instructions = append(instructions, token.NewTransferInstruction(
		amount,
		sourceTokenAccount,
		destTokenAccount,
		s.publicKey,
		[]solana.PublicKey{},
	).Build())
	return instructions, nil
}

func (s *SolanaDepositor) send(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to get recent blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(s.publicKey))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to create transaction: %w", err)
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.publicKey) {
			return &s.privateKey
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       s.config.SkipPreflight,
		PreflightCommitment: s.commitment(),
	}
	sig, err := s.client.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

func (s *SolanaDepositor) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	info, err := s.client.GetAccountInfo(ctx, account)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return false, nil
		}
		return false, err
	}
	return info != nil && info.Value != nil, nil
}

func (s *SolanaDepositor) commitment() rpc.CommitmentType {
	switch strings.ToLower(s.config.Commitment) {
	case "finalized":
		return rpc.CommitmentFinalized
	case "processed":
		return rpc.CommitmentProcessed
	default:
		return rpc.CommitmentConfirmed
	}
}
