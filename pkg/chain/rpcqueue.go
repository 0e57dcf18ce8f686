package chain

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

// RPCQueue is the HTTP JSON-RPC RequestQueue implementation (§6), built
// on ethclient for the well-typed calls and a raw rpc.Client for
// debug_traceBlockByHash, which ethclient does not expose. Rate limiting
// uses golang.org/x/time/rate rather than the teacher's hand-rolled
// time.Ticker, giving burst capacity instead of a fixed-cadence drip.
type RPCQueue struct {
	chainID *big.Int
	eth     *ethclient.Client
	rpc     *rpc.Client
	limiter *rate.Limiter
}

// NewRPCQueue dials rpcURL and wraps it as a RequestQueue, limited to
// requestsPerSecond with the given burst allowance.
func NewRPCQueue(rpcURL string, chainID int64, requestsPerSecond float64, burst int) (*RPCQueue, error) {
	rpcClient, err := rpc.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing rpc %s: %w", rpcURL, err)
	}
	return &RPCQueue{
		chainID: big.NewInt(chainID),
		eth:     ethclient.NewClient(rpcClient),
		rpc:     rpcClient,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}, nil
}

// Close releases the underlying RPC connection.
func (q *RPCQueue) Close() {
	q.rpc.Close()
}

func (q *RPCQueue) wait(ctx context.Context) error {
	return q.limiter.Wait(ctx)
}

// GetBlockByNumber implements RequestQueue.
func (q *RPCQueue) GetBlockByNumber(ctx context.Context, tagOrNumber string) (*RawBlock, error) {
	if err := q.wait(ctx); err != nil {
		return nil, err
	}

	var number *big.Int
	if tagOrNumber != BlockTagLatest {
		n, err := strconv.ParseUint(tagOrNumber, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid block number %q: %w", tagOrNumber, err)
		}
		number = new(big.Int).SetUint64(n)
	}

	block, err := q.eth.BlockByNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("getBlockByNumber(%s): %w", tagOrNumber, err)
	}
	return q.toRawBlock(block)
}

// GetBlockByHash implements RequestQueue.
func (q *RPCQueue) GetBlockByHash(ctx context.Context, hash string) (*RawBlock, error) {
	if err := q.wait(ctx); err != nil {
		return nil, err
	}
	block, err := q.eth.BlockByHash(ctx, common.HexToHash(hash))
	if err != nil {
		return nil, fmt.Errorf("getBlockByHash(%s): %w", hash, err)
	}
	return q.toRawBlock(block)
}

func (q *RPCQueue) toRawBlock(block *types.Block) (*RawBlock, error) {
	signer := types.LatestSignerForChainID(q.chainID)

	txs := make([]RawTransaction, len(block.Transactions()))
	for i, tx := range block.Transactions() {
		from, err := types.Sender(signer, tx)
		if err != nil {
			return nil, fmt.Errorf("recovering sender for tx %s: %w", tx.Hash().Hex(), err)
		}
		var to *string
		if tx.To() != nil {
			s := tx.To().Hex()
			to = &s
		}
		txs[i] = RawTransaction{
			Hash:  tx.Hash().Hex(),
			From:  from.Hex(),
			To:    to,
			Index: uint(i),
			Input: tx.Data(),
		}
	}

	return &RawBlock{
		Header: Header{
			Number:     block.NumberU64(),
			Hash:       block.Hash().Hex(),
			ParentHash: block.ParentHash().Hex(),
			Timestamp:  block.Time(),
			LogsBloom:  block.Bloom(),
		},
		Transactions: txs,
	}, nil
}

// GetLogs implements RequestQueue.
func (q *RPCQueue) GetLogs(ctx context.Context, blockHash string) ([]RawLog, error) {
	if err := q.wait(ctx); err != nil {
		return nil, err
	}
	h := common.HexToHash(blockHash)
	logs, err := q.eth.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: &h})
	if err != nil {
		return nil, fmt.Errorf("getLogs(%s): %w", blockHash, err)
	}

	out := make([]RawLog, len(logs))
	for i, l := range logs {
		topics := make([]string, len(l.Topics))
		for j, t := range l.Topics {
			topics[j] = t.Hex()
		}
		out[i] = RawLog{
			Address:     l.Address.Hex(),
			Topics:      topics,
			Data:        l.Data,
			BlockHash:   l.BlockHash.Hex(),
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash.Hex(),
			TxIndex:     l.TxIndex,
			LogIndex:    l.Index,
		}
	}
	return out, nil
}

// callFrameJSON mirrors the callTracer's JSON shape.
type callFrameJSON struct {
	From  string          `json:"from"`
	To    string          `json:"to"`
	Type  string          `json:"type"`
	Input string          `json:"input"`
	Value string          `json:"value"`
	Calls []callFrameJSON `json:"calls"`
}

type txTraceJSON struct {
	TxHash string        `json:"txHash"`
	Result callFrameJSON `json:"result"`
}

// DebugTraceBlockByHash implements RequestQueue via the raw debug
// namespace — ethclient has no typed wrapper for it.
func (q *RPCQueue) DebugTraceBlockByHash(ctx context.Context, hash string, cfg TracerConfig) ([]TxTrace, error) {
	if err := q.wait(ctx); err != nil {
		return nil, err
	}

	var result []txTraceJSON
	tracerArg := map[string]interface{}{
		"tracer": cfg.Tracer,
		"tracerConfig": map[string]interface{}{
			"onlyTopCall": cfg.OnlyTopCall,
		},
	}
	if err := q.rpc.CallContext(ctx, &result, "debug_traceBlockByHash", hash, tracerArg); err != nil {
		return nil, fmt.Errorf("debugTraceBlockByHash(%s): %w", hash, err)
	}

	out := make([]TxTrace, len(result))
	for i, r := range result {
		out[i] = TxTrace{TxHash: r.TxHash, Root: toCallFrame(r.Result)}
	}
	return out, nil
}

func toCallFrame(f callFrameJSON) CallFrame {
	var value *big.Int
	if f.Value != "" {
		value = new(big.Int)
		value.SetString(trimHexPrefix(f.Value), 16)
	}
	calls := make([]CallFrame, len(f.Calls))
	for i, c := range f.Calls {
		calls[i] = toCallFrame(c)
	}
	return CallFrame{
		From:  f.From,
		To:    f.To,
		Type:  f.Type,
		Input: common.FromHex(f.Input),
		Value: value,
		Calls: calls,
	}
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// GetTransactionReceipt implements RequestQueue.
func (q *RPCQueue) GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	if err := q.wait(ctx); err != nil {
		return nil, err
	}
	r, err := q.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("getTransactionReceipt(%s): %w", txHash, err)
	}
	return &Receipt{TxHash: txHash, Status: r.Status}, nil
}
