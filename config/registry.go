package config

import (
	"fmt"
	"sort"
	"strings"

	"ca-engine/pkg/errs"
	"ca-engine/pkg/types"
)

// Registry is the static chain and token table of the config file
type Registry struct {
	chains   map[uint64]types.Chain
	byName   map[string]uint64
	tokens   map[uint64]map[string]types.Token
	byAddr   map[types.TokenKey]types.Token
	rpc      map[uint64]ChainConfig
	oneClick map[types.TokenKey]string
}

// NewRegistry validates the configured chains and tokens
func NewRegistry(chains []ChainConfig, tokens []TokenConfig) (*Registry, error) {
	r := &Registry{
		chains:   make(map[uint64]types.Chain),
		byName:   make(map[string]uint64),
		tokens:   make(map[uint64]map[string]types.Token),
		byAddr:   make(map[types.TokenKey]types.Token),
		rpc:      make(map[uint64]ChainConfig),
		oneClick: make(map[types.TokenKey]string),
	}

	for _, cc := range chains {
		if cc.ID == 0 || cc.Name == "" {
			return nil, fmt.Errorf("chain entries need an id and a name")
		}
		if _, dup := r.chains[cc.ID]; dup {
			return nil, fmt.Errorf("chain %d configured twice", cc.ID)
		}
		u, err := types.ParseUniverse(cc.Universe)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", cc.Name, err)
		}
		chain := types.Chain{
			ID:             cc.ID,
			Name:           strings.ToLower(cc.Name),
			Universe:       u,
			NativeSymbol:   strings.ToUpper(cc.NativeSymbol),
			NativeDecimals: cc.NativeDecimals,
			COT:            strings.ToUpper(cc.COT),
		}
		if chain.NativeDecimals == 0 {
			chain.NativeDecimals = defaultNativeDecimals(u)
		}
		if cc.Vault != "" {
			if chain.Vault, err = types.ParseAddress(u, cc.Vault); err != nil {
				return nil, fmt.Errorf("chain %s vault: %w", cc.Name, err)
			}
		}
		if cc.Executor != "" {
			if chain.Executor, err = types.ParseAddress(u, cc.Executor); err != nil {
				return nil, fmt.Errorf("chain %s executor: %w", cc.Name, err)
			}
		}
		r.chains[cc.ID] = chain
		r.byName[chain.Name] = cc.ID
		r.rpc[cc.ID] = cc
		r.tokens[cc.ID] = make(map[string]types.Token)
	}

	for _, tc := range tokens {
		chain, ok := r.chains[tc.ChainID]
		if !ok {
			return nil, fmt.Errorf("token %s references unknown chain %d", tc.Symbol, tc.ChainID)
		}
		permit, err := types.ParsePermitVariant(strings.ToLower(tc.Permit))
		if err != nil {
			return nil, fmt.Errorf("token %s on %s: %w", tc.Symbol, chain.Name, err)
		}
		token := types.Token{
			ChainID:  chain.ID,
			Universe: chain.Universe,
			Symbol:   strings.ToUpper(tc.Symbol),
			Decimals: tc.Decimals,
			Native:   tc.Native,
			Permit:   permit,
		}
		if tc.Native {
			token.Permit = types.PermitNone
			if token.Decimals == 0 {
				token.Decimals = chain.NativeDecimals
			}
		} else {
			if token.Address, err = types.ParseAddress(chain.Universe, tc.Address); err != nil {
				return nil, fmt.Errorf("token %s on %s: %w", tc.Symbol, chain.Name, err)
			}
		}
		if _, dup := r.tokens[chain.ID][token.Symbol]; dup {
			return nil, fmt.Errorf("token %s configured twice on %s", token.Symbol, chain.Name)
		}
		r.tokens[chain.ID][token.Symbol] = token
		r.byAddr[token.Key()] = token
		if tc.OneClickAssetID != "" {
			r.oneClick[token.Key()] = tc.OneClickAssetID
		}
	}

	for _, chain := range r.chains {
		if chain.COT == "" {
			continue
		}
		if _, ok := r.tokens[chain.ID][chain.COT]; !ok {
			return nil, fmt.Errorf("chain %s names COT %s but the token is not configured", chain.Name, chain.COT)
		}
	}
	return r, nil
}

func defaultNativeDecimals(u types.Universe) uint8 {
	switch u {
	case types.UniverseSolana:
		return 9
	case types.UniverseTron:
		return 6
	default:
		return 18
	}
}

func (r *Registry) Chain(id uint64) (types.Chain, error) {
	c, ok := r.chains[id]
	if !ok {
		return types.Chain{}, errs.ChainNotFound(id)
	}
	return c, nil
}

// ChainByName matches names case-insensitively
func (r *Registry) ChainByName(name string) (types.Chain, error) {
	id, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return types.Chain{}, errs.New(errs.KindChainNotFound, "lookup chain", fmt.Errorf("unknown chain %q", name))
	}
	return r.chains[id], nil
}

// Chains returns every chain ordered by id
func (r *Registry) Chains() []types.Chain {
	out := make([]types.Chain, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Token(chainID uint64, symbol string) (types.Token, error) {
	t, ok := r.tokens[chainID][strings.ToUpper(symbol)]
	if !ok {
		return types.Token{}, errs.TokenNotFound(chainID, symbol)
	}
	return t, nil
}

func (r *Registry) TokenByAddress(chainID uint64, addr types.Address) (types.Token, error) {
	t, ok := r.byAddr[types.TokenKey{ChainID: chainID, Address: addr}]
	if !ok {
		return types.Token{}, errs.TokenNotFound(chainID, addr.Hex())
	}
	return t, nil
}

func (r *Registry) COT(chainID uint64) (types.Token, error) {
	c, err := r.Chain(chainID)
	if err != nil {
		return types.Token{}, err
	}
	if c.COT == "" {
		return types.Token{}, errs.New(errs.KindUnsupported, "cot", fmt.Errorf("chain %s has no COT", c.Name))
	}
	return r.Token(chainID, c.COT)
}

// Tokens returns the tokens of chainID ordered by symbol
func (r *Registry) Tokens(chainID uint64) []types.Token {
	out := make([]types.Token, 0, len(r.tokens[chainID]))
	for _, t := range r.tokens[chainID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Endpoint returns the configured RPC settings of chainID
func (r *Registry) Endpoint(chainID uint64) (ChainConfig, bool) {
	cc, ok := r.rpc[chainID]
	return cc, ok
}

// OneClickAssets returns the configured 1Click asset ids by token
func (r *Registry) OneClickAssets() map[types.TokenKey]string {
	out := make(map[types.TokenKey]string, len(r.oneClick))
	for k, v := range r.oneClick {
		out[k] = v
	}
	return out
}
