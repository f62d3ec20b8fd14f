package id

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

const MonadTestnetChainID int64 = 10143

type Chain struct {
	Name       string
	Slug       string
	CAIP2      string
	EVMChainID int64
}

type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int
}

var chainBySlug = map[string]Chain{
	"monad-testnet": {Name: "Monad Testnet", Slug: "monad-testnet", CAIP2: "eip155:10143", EVMChainID: MonadTestnetChainID},
	"monad":         {Name: "Monad Testnet", Slug: "monad-testnet", CAIP2: "eip155:10143", EVMChainID: MonadTestnetChainID},
}

var chainByID = map[int64]Chain{
	MonadTestnetChainID: chainBySlug["monad-testnet"],
}

// Tokens the engine moves between positions. Native MON has no address and is
// carried as transaction value instead.
var tokenRegistry = map[int64][]Token{
	MonadTestnetChainID: {
		{Symbol: "WMON", Address: common.HexToAddress("0x760AfE86e5de5fa0Ee542fc7B7B713e1c5425701"), Decimals: 18},
		{Symbol: "GMON", Address: common.HexToAddress("0xaEef2f6B429Cb59C9B2D7bB2141ADa993E8571c3"), Decimals: 18},
		{Symbol: "SMON", Address: common.HexToAddress("0xe1d2439b75fb9746E7Bc6cB777Ae10AA7f7ef9c5"), Decimals: 18},
		{Symbol: "USDC", Address: common.HexToAddress("0xf817257fed379853cDe0fa4F97AB987181B1E5Ea"), Decimals: 6},
	},
}

func ParseChain(input string) (Chain, error) {
	raw := strings.ToLower(strings.TrimSpace(input))
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	if chain, ok := chainBySlug[raw]; ok {
		return chain, nil
	}
	if eip155ChainPattern.MatchString(raw) {
		raw = strings.TrimPrefix(raw, "eip155:")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
	}
	if chain, ok := chainByID[id]; ok {
		return chain, nil
	}
	return Chain{Name: fmt.Sprintf("EVM-%d", id), Slug: fmt.Sprintf("evm-%d", id), CAIP2: fmt.Sprintf("eip155:%d", id), EVMChainID: id}, nil
}

// ParseAddress validates a 0x-prefixed EVM address. The zero address is rejected.
func ParseAddress(field, input string) (common.Address, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s is required", field))
	}
	if !evmAddressPattern.MatchString(raw) {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s must be a valid EVM address", field))
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s must not be the zero address", field))
	}
	return addr, nil
}

// ParseToken resolves a registry symbol or a raw address. Unknown addresses
// default to 18 decimals.
func ParseToken(input string, chainID int64) (Token, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Token{}, clierr.New(clierr.CodeUsage, "token is required")
	}
	if evmAddressPattern.MatchString(raw) {
		addr := common.HexToAddress(raw)
		if token, ok := LookupByAddress(chainID, addr); ok {
			return token, nil
		}
		return Token{Address: addr, Decimals: 18}, nil
	}
	if token, ok := KnownToken(chainID, raw); ok {
		return token, nil
	}
	return Token{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("token %s not found in registry for chain %d", input, chainID))
}

func KnownToken(chainID int64, symbol string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Symbol, strings.TrimSpace(symbol)) {
			return t, true
		}
	}
	return Token{}, false
}

func LookupByAddress(chainID int64, address common.Address) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if t.Address == address {
			return t, true
		}
	}
	return Token{}, false
}
