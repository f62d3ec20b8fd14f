package registry

import "github.com/ethereum/go-ethereum/common"

// Contracts is the set of canonical deployments the engine targets on a chain.
type Contracts struct {
	MagmaStaking      common.Address `json:"magma_staking"`
	GMON              common.Address `json:"gmon"`
	KintsuStakedMonad common.Address `json:"kintsu_staked_monad"`
	WMON              common.Address `json:"wmon"`
	Permit2           common.Address `json:"permit2"`
	UniversalRouter   common.Address `json:"universal_router"`
	DelegationManager common.Address `json:"delegation_manager"`
	EntryPoint        common.Address `json:"entry_point"`
}

// Today this map includes the Monad testnet deployments and can be extended chain-by-chain.
var contractsByChainID = map[int64]Contracts{
	10143: {
		MagmaStaking:      common.HexToAddress("0x2c9C959516e9AAEdB2C748224a41249202ca8BE7"),
		GMON:              common.HexToAddress("0xaEef2f6B429Cb59C9B2D7bB2141ADa993E8571c3"),
		KintsuStakedMonad: common.HexToAddress("0xe1d2439b75fb9746E7Bc6cB777Ae10AA7f7ef9c5"),
		WMON:              common.HexToAddress("0x760AfE86e5de5fa0Ee542fc7B7B713e1c5425701"),
		Permit2:           common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3"),
		UniversalRouter:   common.HexToAddress("0x3aE6D8A282D67893e17AA70ebFFb33EE5aa65893"),
		DelegationManager: common.HexToAddress("0xdb9B1e94B5b69Df7e401DDbedE43491141047dB3"),
		EntryPoint:        common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032"),
	},
}

func ContractsForChain(chainID int64) (Contracts, bool) {
	contracts, ok := contractsByChainID[chainID]
	return contracts, ok
}

// WithOverrides replaces every non-empty override address.
func (c Contracts) WithOverrides(overrides map[string]string) Contracts {
	out := c
	set := func(key string, dst *common.Address) {
		if v, ok := overrides[key]; ok && common.IsHexAddress(v) {
			*dst = common.HexToAddress(v)
		}
	}
	set("magma_staking", &out.MagmaStaking)
	set("gmon", &out.GMON)
	set("kintsu_staked_monad", &out.KintsuStakedMonad)
	set("wmon", &out.WMON)
	set("permit2", &out.Permit2)
	set("universal_router", &out.UniversalRouter)
	set("delegation_manager", &out.DelegationManager)
	set("entry_point", &out.EntryPoint)
	return out
}
