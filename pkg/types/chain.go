package types

// Chain is the static description of a supported chain
type Chain struct {
	ID             uint64
	Name           string
	Universe       Universe
	NativeSymbol   string
	NativeDecimals uint8
	// Vault is the settlement contract that collects sources and pays out fulfilments
	Vault Address
	// Executor is the delegation target for batched calls on this chain
	Executor Address
	// COT is the symbol of the chain's common denominator token
	COT string
}

// Registry resolves chains and tokens. Implementations return errs.ChainNotFound
// or errs.TokenNotFound for unknown entries.
type Registry interface {
	Chain(id uint64) (Chain, error)
	ChainByName(name string) (Chain, error)
	Chains() []Chain
	Token(chainID uint64, symbol string) (Token, error)
	TokenByAddress(chainID uint64, addr Address) (Token, error)
	COT(chainID uint64) (Token, error)
}
