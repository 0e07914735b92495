package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
)

// Caller is satisfied by *eth.Client
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// LogFilterer is satisfied by *eth.Client
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// ErrNotToken marks a contract that answered a call but does not behave
// like an ERC20: the call reverted or returned data that does not decode.
var ErrNotToken = errors.New("not an erc20 token")

var (
	pairABI    = mustParseABI(eth.UniswapV2PairABI)
	factoryABI = mustParseABI(eth.UniswapV2FactoryABI)
	erc20ABI   = mustParseABI(eth.ERC20ABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

func call(ctx context.Context, c Caller, contract abi.ABI, to common.Address, method string, block *big.Int) ([]byte, error) {
	data, err := contract.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	result, err := c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	return result, nil
}

// fetchreserves gets reserves for a pool at a specific block
func FetchReserves(ctx context.Context, c Caller, pool common.Address, block *big.Int) (reserve0, reserve1 *big.Int, err error) {
	result, err := call(ctx, c, pairABI, pool, "getReserves", block)
	if err != nil {
		return nil, nil, err
	}

	unpacked, err := pairABI.Unpack("getReserves", result)
	if err != nil {
		return nil, nil, fmt.Errorf("unpack reserves: %w", err)
	}
	if len(unpacked) < 2 {
		return nil, nil, fmt.Errorf("unexpected unpack result length: %d", len(unpacked))
	}

	reserve0, ok := unpacked[0].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("reserve0 type assertion failed")
	}
	reserve1, ok = unpacked[1].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("reserve1 type assertion failed")
	}
	return reserve0, reserve1, nil
}

// fetchTokens gets token0 and token1 addresses for a pool
func FetchTokens(ctx context.Context, c Caller, pool common.Address, block *big.Int) (token0, token1 common.Address, err error) {
	result0, err := call(ctx, c, pairABI, pool, "token0", block)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	result1, err := call(ctx, c, pairABI, pool, "token1", block)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return common.BytesToAddress(result0), common.BytesToAddress(result1), nil
}

func FetchDecimals(ctx context.Context, c Caller, token common.Address) (int, error) {
	result, err := call(ctx, c, erc20ABI, token, "decimals", nil)
	if err != nil {
		if reverted(err) {
			return 0, fmt.Errorf("%w: %w", ErrNotToken, err)
		}
		return 0, err
	}
	unpacked, err := erc20ABI.Unpack("decimals", result)
	if err != nil {
		return 0, fmt.Errorf("%w: unpack decimals: %w", ErrNotToken, err)
	}
	dec, ok := unpacked[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals type assertion failed", ErrNotToken)
	}
	return int(dec), nil
}

// reverted tells a call the node executed and rejected apart from a call
// that never reached it.
func reverted(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}

// FetchSymbol reads symbol(). Tokens that return bytes32 instead of a
// string are decoded by trimming the padding.
func FetchSymbol(ctx context.Context, c Caller, token common.Address) (string, error) {
	result, err := call(ctx, c, erc20ABI, token, "symbol", nil)
	if err != nil {
		return "", err
	}
	unpacked, err := erc20ABI.Unpack("symbol", result)
	if err == nil {
		if s, ok := unpacked[0].(string); ok {
			return s, nil
		}
	}
	if len(result) == 32 {
		return strings.TrimRight(string(result), "\x00"), nil
	}
	return "", fmt.Errorf("unpack symbol of %s: %v", token.Hex(), err)
}

// TokenResolver caches token metadata; the well known tokens are preloaded.
type TokenResolver struct {
	caller Caller
	mu     sync.Mutex
	cache  map[common.Address]arbitrage.Token
}

func NewTokenResolver(c Caller) *TokenResolver {
	r := &TokenResolver{caller: c, cache: make(map[common.Address]arbitrage.Token)}
	for _, t := range eth.KnownTokens {
		r.cache[t.Address] = arbitrage.Token{Address: t.Address, Decimals: t.Decimals, Symbol: t.Symbol}
	}
	return r
}

func (r *TokenResolver) Resolve(ctx context.Context, addr common.Address) (arbitrage.Token, error) {
	r.mu.Lock()
	t, ok := r.cache[addr]
	r.mu.Unlock()
	if ok {
		return t, nil
	}

	dec, err := FetchDecimals(ctx, r.caller, addr)
	if err != nil {
		return arbitrage.Token{}, fmt.Errorf("resolve token %s: %w", addr.Hex(), err)
	}
	// symbol is cosmetic
	sym, _ := FetchSymbol(ctx, r.caller, addr)

	t = arbitrage.Token{Address: addr, Decimals: dec, Symbol: sym}
	r.mu.Lock()
	r.cache[addr] = t
	r.mu.Unlock()
	return t, nil
}

// loadpool fetches complete pool state at a block
func LoadPool(ctx context.Context, c Caller, tokens *TokenResolver, pool common.Address, dex eth.DEXConfig, block *big.Int) (*arbitrage.Pool, error) {
	token0, token1, err := FetchTokens(ctx, c, pool, block)
	if err != nil {
		return nil, fmt.Errorf("fetch tokens: %w", err)
	}
	t0, err := tokens.Resolve(ctx, token0)
	if err != nil {
		return nil, err
	}
	t1, err := tokens.Resolve(ctx, token1)
	if err != nil {
		return nil, err
	}

	reserve0, reserve1, err := FetchReserves(ctx, c, pool, block)
	if err != nil {
		return nil, fmt.Errorf("fetch reserves: %w", err)
	}

	return &arbitrage.Pool{
		Address:  pool,
		DEX:      dex.Name,
		Variant:  arbitrage.VariantConstantProductV2,
		Token0:   t0,
		Token1:   t1,
		FeeBps:   dex.FeeBps,
		Reserve0: reserve0,
		Reserve1: reserve1,
	}, nil
}
