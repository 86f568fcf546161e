package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"txwatch/internal/model"
)

const (
	erc20ABIJSON = `[
{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"},
{"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

	erc20Bytes32ABIJSON = `[
{"inputs":[],"name":"symbol","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view","type":"function"}
]`

	defaultLookbackBlocks = 5000
)

var (
	erc20ABI        abi.ABI
	erc20Bytes32ABI abi.ABI
	transferTopic   common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
	transferTopic = parsed.Events["Transfer"].ID

	parsed, err = abi.JSON(strings.NewReader(erc20Bytes32ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 bytes32 ABI: " + err.Error())
	}
	erc20Bytes32ABI = parsed
}

// ethBackend is the subset of ethclient.Client the ERC-20 fetcher needs.
type ethBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ERC20Options parameterise the token transfer fetcher.
type ERC20Options struct {
	RPCURL string
	// Tokens are the ERC-20 contracts whose Transfer events are watched.
	Tokens []string
	// LookbackBlocks bounds the log query window below the chain head.
	LookbackBlocks uint64
	MaxResults     int
	Timeout        time.Duration
}

type tokenMeta struct {
	symbol   string
	decimals int32
}

// ERC20 lists incoming ERC-20 token transfers from Transfer event logs over JSON-RPC.
type ERC20 struct {
	opts   ERC20Options
	tokens []common.Address
	logger zerolog.Logger

	clientMux sync.Mutex
	client    ethBackend

	metaMux sync.Mutex
	meta    map[common.Address]tokenMeta
}

// NewERC20 builds a token transfer fetcher. Invalid token addresses are rejected.
func NewERC20(opts ERC20Options, logger zerolog.Logger) (*ERC20, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaultMaxResults
	}
	if opts.LookbackBlocks == 0 {
		opts.LookbackBlocks = defaultLookbackBlocks
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	tokens := make([]common.Address, 0, len(opts.Tokens))
	for _, raw := range opts.Tokens {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid erc20 token address %q", raw)
		}
		tokens = append(tokens, common.HexToAddress(raw))
	}

	return &ERC20{
		opts:   opts,
		tokens: tokens,
		logger: logger.With().Str("component", "erc20_fetcher").Logger(),
		meta:   make(map[common.Address]tokenMeta),
	}, nil
}

// FetchRecent returns the newest token transfers received by address within the
// lookback window. Logs removed by a reorg are ignored.
func (e *ERC20) FetchRecent(ctx context.Context, address string) ([]model.Transfer, error) {
	if len(e.tokens) == 0 {
		return nil, nil
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid ethereum address %q", address)
	}
	watched := common.HexToAddress(address)

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("erc20 block number: %w", err)
	}
	from := uint64(0)
	if head > e.opts.LookbackBlocks {
		from = head - e.opts.LookbackBlocks
	}

	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: e.tokens,
		Topics:    [][]common.Hash{{transferTopic}, nil, {common.BytesToHash(watched.Bytes())}},
	})
	if err != nil {
		return nil, fmt.Errorf("erc20 filter logs: %w", err)
	}

	blockTimes := make(map[uint64]time.Time)
	out := make([]model.Transfer, 0, e.opts.MaxResults)
	for i := len(logs) - 1; i >= 0 && len(out) < e.opts.MaxResults; i-- {
		lg := logs[i]
		if lg.Removed {
			continue
		}

		meta, err := e.tokenMeta(ctx, client, lg.Address)
		if err != nil {
			e.logger.Warn().Err(err).Str("token", lg.Address.Hex()).Str("tx", lg.TxHash.Hex()).Msg("skip transfer with unreadable token metadata")
			continue
		}

		tr, err := decodeTransferLog(lg, meta)
		if err != nil {
			e.logger.Warn().Err(err).Str("tx", lg.TxHash.Hex()).Msg("skip malformed transfer log")
			continue
		}
		if !strings.EqualFold(tr.Destination, watched.Hex()) || !tr.Amount.IsPositive() {
			continue
		}

		at, ok := blockTimes[lg.BlockNumber]
		if !ok {
			header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
			if err != nil {
				return nil, fmt.Errorf("erc20 block header %d: %w", lg.BlockNumber, err)
			}
			at = time.Unix(int64(header.Time), 0).UTC()
			blockTimes[lg.BlockNumber] = at
		}
		tr.ObservedAt = at
		out = append(out, tr)
	}
	return out, nil
}

// decodeTransferLog converts a Transfer event into a normalized transfer; the
// transfer ID is "<tx hash>:<log index>" so several transfers in one transaction
// stay distinct.
func decodeTransferLog(lg types.Log, meta tokenMeta) (model.Transfer, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
		return model.Transfer{}, errors.New("not an erc20 transfer log")
	}

	values, err := erc20ABI.Unpack("Transfer", lg.Data)
	if err != nil {
		return model.Transfer{}, fmt.Errorf("unpack transfer value: %w", err)
	}
	if len(values) != 1 {
		return model.Transfer{}, errors.New("unexpected transfer payload")
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return model.Transfer{}, errors.New("failed to decode transfer value")
	}

	return model.Transfer{
		ID:           fmt.Sprintf("%s:%d", lg.TxHash.Hex(), lg.Index),
		Network:      model.Ethereum,
		Counterparty: common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		Destination:  common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Amount:       decimal.NewFromBigInt(value, -meta.decimals),
		Symbol:       meta.symbol,
		Confirmed:    true,
	}, nil
}

func (e *ERC20) tokenMeta(ctx context.Context, client ethBackend, token common.Address) (tokenMeta, error) {
	e.metaMux.Lock()
	defer e.metaMux.Unlock()

	if meta, ok := e.meta[token]; ok {
		return meta, nil
	}

	raw, err := e.call(ctx, client, token, "symbol")
	if err != nil {
		return tokenMeta{}, err
	}
	symbol, err := decodeSymbol(raw)
	if err != nil {
		return tokenMeta{}, fmt.Errorf("token %s: %w", token.Hex(), err)
	}

	raw, err = e.call(ctx, client, token, "decimals")
	if err != nil {
		return tokenMeta{}, err
	}
	outputs, err := erc20ABI.Unpack("decimals", raw)
	if err != nil {
		return tokenMeta{}, fmt.Errorf("token %s decimals: %w", token.Hex(), err)
	}
	decimals, ok := outputs[0].(uint8)
	if !ok {
		return tokenMeta{}, fmt.Errorf("token %s: failed to decode decimals", token.Hex())
	}

	meta := tokenMeta{symbol: strings.ToUpper(symbol), decimals: int32(decimals)}
	e.meta[token] = meta
	return meta, nil
}

// decodeSymbol accepts both the standard string return and the bytes32 form used
// by early tokens such as MKR and SAI.
func decodeSymbol(raw []byte) (string, error) {
	if values, err := erc20ABI.Unpack("symbol", raw); err == nil {
		symbol, ok := values[0].(string)
		if !ok || symbol == "" {
			return "", errors.New("failed to decode symbol")
		}
		return symbol, nil
	}
	values, err := erc20Bytes32ABI.Unpack("symbol", raw)
	if err != nil {
		return "", fmt.Errorf("decode symbol: %w", err)
	}
	symbol, ok := bytes32ToString(values[0])
	if !ok || symbol == "" {
		return "", errors.New("failed to decode symbol")
	}
	return symbol, nil
}

func bytes32ToString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case [32]byte:
		return string(bytes.TrimRight(v[:], "\x00")), true
	case []byte:
		return string(bytes.TrimRight(v, "\x00")), true
	default:
		return "", false
	}
}

// call issues an eth_call for a no-argument method and returns the raw result.
func (e *ERC20) call(ctx context.Context, client ethBackend, token common.Address, method string) ([]byte, error) {
	payload, err := erc20ABI.Pack(method)
	if err != nil {
		return nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("token %s %s: %w", token.Hex(), method, err)
	}
	return res, nil
}

func (e *ERC20) getClient(ctx context.Context) (ethBackend, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}
	if e.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

var _ TransferFetcher = (*ERC20)(nil)
