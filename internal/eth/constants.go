package eth

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Token addresses, Ethereum mainnet
var (
	WETHAddress = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	USDCAddress = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	USDTAddress = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	DAIAddress  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	WBTCAddress = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
)

const (
	WETHDecimals = 18
	USDCDecimals = 6
	USDTDecimals = 6
	DAIDecimals  = 18
	WBTCDecimals = 8
)

// TokenInfo bundles address + decimals for easy lookup
type TokenInfo struct {
	Address  common.Address
	Decimals int
	Symbol   string
}

// KnownTokens: lookup by symbol string
var KnownTokens = map[string]TokenInfo{
	"WETH": {WETHAddress, WETHDecimals, "WETH"},
	"USDC": {USDCAddress, USDCDecimals, "USDC"},
	"USDT": {USDTAddress, USDTDecimals, "USDT"},
	"DAI":  {DAIAddress, DAIDecimals, "DAI"},
	"WBTC": {WBTCAddress, WBTCDecimals, "WBTC"},
}

// TokenBySymbolOrAddress resolves a config value like "USDC" or "0xA0b8...".
// Unknown addresses come back with zero decimals.
func TokenBySymbolOrAddress(s string) (TokenInfo, bool) {
	if t, ok := KnownTokens[strings.ToUpper(s)]; ok {
		return t, true
	}
	if !common.IsHexAddress(s) {
		return TokenInfo{}, false
	}
	addr := common.HexToAddress(s)
	for _, t := range KnownTokens {
		if t.Address == addr {
			return t, true
		}
	}
	return TokenInfo{Address: addr}, true
}

// DEXConfig: factory + init code hash is all you need to derive ANY pair address
type DEXConfig struct {
	Name         string
	Factory      common.Address
	InitCodeHash [32]byte
	FeeBps       uint32
	// factory deployment block, where PairCreated scans start
	StartBlock uint64
}

// KnownDEXes: all tracked Uniswap V2 forks on Ethereum mainnet
var KnownDEXes = []DEXConfig{
	{
		Name:         "uniswap",
		Factory:      common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"),
		InitCodeHash: hexToBytes32("96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f"),
		FeeBps:       30,
		StartBlock:   10000835,
	},
	{
		Name:         "sushiswap",
		Factory:      common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac"),
		InitCodeHash: hexToBytes32("e18a34eb0e04b04f7a0ac29a6e80748dca96319b42c54d679cb821dca90c6303"),
		FeeBps:       30,
		StartBlock:   10794229,
	},
	{
		Name:         "shibaswap",
		Factory:      common.HexToAddress("0x115934131916C8b277DD010Ee02de363c09d037c"),
		InitCodeHash: hexToBytes32("65d1a3b1e46c6e4f1be1ad5f99ef14dc488ae0549dc97db9b30afe2241ce1c7a"),
		FeeBps:       30,
		StartBlock:   12771526,
	},
}

// DEXByName returns the known DEX with the given name
func DEXByName(name string) (DEXConfig, bool) {
	for _, d := range KnownDEXes {
		if d.Name == name {
			return d, true
		}
	}
	return DEXConfig{}, false
}

func hexToBytes32(s string) [32]byte {
	var b [32]byte
	copy(b[:], common.FromHex(s))
	return b
}

// Event topics
var (
	// Sync(uint112 reserve0, uint112 reserve1)
	SyncTopic = common.HexToHash("0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1")
	// PairCreated(address indexed token0, address indexed token1, address pair, uint256)
	PairCreatedTopic = common.HexToHash("0x0d3648bd0f6ba80134a33ba9275ac585d9d315f0ad8355cddefde31afa28d0e9")
)

// Uniswap V2 Pair ABI: reserves, tokens and the low level swap
const UniswapV2PairABI = `[
	{
		"constant": true,
		"inputs": [],
		"name": "getReserves",
		"outputs": [
			{"internalType": "uint112", "name": "reserve0", "type": "uint112"},
			{"internalType": "uint112", "name": "reserve1", "type": "uint112"},
			{"internalType": "uint32",  "name": "blockTimestampLast", "type": "uint32"}
		],
		"payable": false,
		"stateMutability": "view",
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "token0",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"payable": false,
		"stateMutability": "view",
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "token1",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"payable": false,
		"stateMutability": "view",
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"internalType": "uint256", "name": "amount0Out", "type": "uint256"},
			{"internalType": "uint256", "name": "amount1Out", "type": "uint256"},
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "bytes",   "name": "data", "type": "bytes"}
		],
		"name": "swap",
		"outputs": [],
		"payable": false,
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "internalType": "uint112", "name": "reserve0", "type": "uint112"},
			{"indexed": false, "internalType": "uint112", "name": "reserve1", "type": "uint112"}
		],
		"name": "Sync",
		"type": "event"
	}
]`

// Uniswap V2 Factory ABI: PairCreated only
const UniswapV2FactoryABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true,  "internalType": "address", "name": "token0", "type": "address"},
			{"indexed": true,  "internalType": "address", "name": "token1", "type": "address"},
			{"indexed": false, "internalType": "address", "name": "pair", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "", "type": "uint256"}
		],
		"name": "PairCreated",
		"type": "event"
	}
]`

// ERC20 ABI: metadata reads and transfer
const ERC20ABI = `[
	{
		"constant": false,
		"inputs": [
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"payable": false,
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "decimals",
		"outputs": [{"internalType": "uint8", "name": "", "type": "uint8"}],
		"payable": false,
		"stateMutability": "view",
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "symbol",
		"outputs": [{"internalType": "string", "name": "", "type": "string"}],
		"payable": false,
		"stateMutability": "view",
		"type": "function"
	}
]`
