package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"ca-engine/pkg/chain/evm"
	"ca-engine/pkg/types"
)

// EVMWallet signs with a local secp256k1 key and can send transactions through
// the configured RPC clients
type EVMWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	clients *evm.Clients
	approve Approver
}

// NewEVMWallet parses a hex private key
func NewEVMWallet(hexKey string, clients *evm.Clients, approver Approver) (*EVMWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewEVMWalletFromKey(key, clients, approver), nil
}

// NewEVMWalletFromKey wraps an existing key
func NewEVMWalletFromKey(key *ecdsa.PrivateKey, clients *evm.Clients, approver Approver) *EVMWallet {
	return &EVMWallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		clients: clients,
		approve: approver,
	}
}

// GenerateEVMWallet creates a fresh throwaway key
func GenerateEVMWallet(clients *evm.Clients) (*EVMWallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewEVMWalletFromKey(key, clients, AutoApprove), nil
}

// ephemeralTag keeps derived keys apart from any other use of the owner key
const ephemeralTag = "ca-engine/ephemeral/v1"

// DeriveEphemeral returns the throwaway account of salt. The same owner key and
// salt always give the same account.
func (w *EVMWallet) DeriveEphemeral(salt string) (*EVMWallet, error) {
	if salt == "" {
		return nil, fmt.Errorf("ephemeral salt is required")
	}
	seed := crypto.Keccak256(crypto.FromECDSA(w.key), []byte(ephemeralTag), []byte(salt))
	key, err := crypto.ToECDSA(seed)
	if err != nil {
		return nil, fmt.Errorf("derive ephemeral key: %w", err)
	}
	return NewEVMWalletFromKey(key, w.clients, AutoApprove), nil
}

func (w *EVMWallet) Universe() types.Universe {
	return types.UniverseEVM
}

func (w *EVMWallet) Address() types.Address {
	return types.AddressFromEVM(w.address)
}

func (w *EVMWallet) EVMAddress() common.Address {
	return w.address
}

// SignMessage produces an EIP-191 personal signature with v in {27, 28}
func (w *EVMWallet) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if err := approve(ctx, w.approve, "sign message"); err != nil {
		return nil, err
	}
	return signWithRecoveryOffset(accounts.TextHash(msg), w.key)
}

// SignTypedData signs an EIP-712 payload
func (w *EVMWallet) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	if err := approve(ctx, w.approve, "sign "+td.PrimaryType); err != nil {
		return nil, err
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return signWithRecoveryOffset(hash, w.key)
}

// SignAuthorization signs an EIP-7702 delegation
func (w *EVMWallet) SignAuthorization(ctx context.Context, auth gethtypes.SetCodeAuthorization) (gethtypes.SetCodeAuthorization, error) {
	if err := approve(ctx, w.approve, "authorize delegation to "+auth.Address.Hex()); err != nil {
		return gethtypes.SetCodeAuthorization{}, err
	}
	return gethtypes.SignSetCode(w.key, auth)
}

// SendTransaction signs and broadcasts call on chainID
func (w *EVMWallet) SendTransaction(ctx context.Context, chainID uint64, call evm.Call) (common.Hash, error) {
	if w.clients == nil {
		return common.Hash{}, fmt.Errorf("wallet has no rpc clients")
	}
	if err := approve(ctx, w.approve, fmt.Sprintf("send transaction to %s on chain %d", call.To.Hex(), chainID)); err != nil {
		return common.Hash{}, err
	}
	c, err := w.clients.Get(chainID)
	if err != nil {
		return common.Hash{}, err
	}
	return c.Send(ctx, w.key, call)
}

func signWithRecoveryOffset(hash []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// RecoverEIP191 returns the address that produced an EIP-191 signature over msg
func RecoverEIP191(msg, sig []byte) (common.Address, error) {
	return recoverPrefixed(accounts.TextHash(msg), sig)
}

func recoverPrefixed(hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
