package registry

// ABI fragments used by the call encoder, allowance resolver and ledger reads.
const (
	ERC20MinimalABI = `[
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`

	WrappedNativeABI = `[
		{"name":"deposit","type":"function","stateMutability":"payable","inputs":[],"outputs":[]},
		{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"wad","type":"uint256"}],"outputs":[]}
	]`

	MagmaStakingABI = `[
		{"name":"depositMon","type":"function","stateMutability":"payable","inputs":[],"outputs":[]},
		{"name":"withdrawMon","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]}
	]`

	KintsuStakedMonadABI = `[
		{"name":"deposit","type":"function","stateMutability":"payable","inputs":[{"name":"minShares","type":"uint96"},{"name":"receiver","type":"address"}],"outputs":[{"name":"shares","type":"uint96"}]},
		{"name":"requestUnlock","type":"function","stateMutability":"nonpayable","inputs":[{"name":"shares","type":"uint96"},{"name":"minSpotValue","type":"uint96"}],"outputs":[{"name":"unlockIndex","type":"uint256"}]},
		{"name":"redeem","type":"function","stateMutability":"nonpayable","inputs":[{"name":"unlockIndex","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[{"name":"assets","type":"uint96"}]}
	]`

	Permit2ABI = `[
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"amount","type":"uint160"},{"name":"expiration","type":"uint48"},{"name":"nonce","type":"uint48"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"spender","type":"address"},{"name":"amount","type":"uint160"},{"name":"expiration","type":"uint48"}],"outputs":[]}
	]`

	UniversalRouterABI = `[
		{"name":"execute","type":"function","stateMutability":"payable","inputs":[{"name":"commands","type":"bytes"},{"name":"inputs","type":"bytes[]"},{"name":"deadline","type":"uint256"}],"outputs":[]}
	]`

	DelegationManagerABI = `[
		{"name":"redeemDelegations","type":"function","stateMutability":"nonpayable","inputs":[{"name":"_permissionContexts","type":"bytes[]"},{"name":"_modes","type":"bytes32[]"},{"name":"_executionCallDatas","type":"bytes[]"}],"outputs":[]}
	]`

	SmartAccountABI = `[
		{"name":"execute","type":"function","stateMutability":"payable","inputs":[{"name":"mode","type":"bytes32"},{"name":"executionCalldata","type":"bytes"}],"outputs":[]}
	]`

	EntryPointABI = `[
		{"name":"getNonce","type":"function","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
	]`
)
