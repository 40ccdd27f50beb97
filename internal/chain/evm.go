package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/atmx/auction-relay/internal/config"
)

// ErrNoRelayerKey is returned by Submit when no relayer key is configured.
var ErrNoRelayerKey = errors.New("chain: relayer private key not configured")

// EVMExecutor simulates calls with eth_call and submits them as EIP-1559
// transactions signed by the relayer key.
type EVMExecutor struct {
	client  *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey // nil when the relayer cannot submit
	from    common.Address

	// Serializes nonce allocation across concurrent rounds on this chain.
	mu sync.Mutex
}

// DialEVM connects to the chain's RPC endpoint.
func DialEVM(ctx context.Context, cfg config.ChainConfig) (*EVMExecutor, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.ID, err)
	}
	e := &EVMExecutor{
		client:  client,
		chainID: new(big.Int).SetUint64(cfg.NetworkID),
	}
	if cfg.RelayerPrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.RelayerPrivateKey, "0x"))
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("chain %s: relayer key: %w", cfg.ID, err)
		}
		e.key = key
		e.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return e, nil
}

// Close releases the RPC connection.
func (e *EVMExecutor) Close() {
	e.client.Close()
}

// Relayer returns the address transactions are sent from.
func (e *EVMExecutor) Relayer() common.Address {
	return e.from
}

// Simulate runs the call against the latest block.
func (e *EVMExecutor) Simulate(ctx context.Context, call Call) error {
	msg := ethereum.CallMsg{
		From:  e.from,
		To:    &call.To,
		Data:  call.Data,
		Value: call.Value,
	}
	_, err := e.client.CallContract(ctx, msg, nil)
	return classify(err)
}

// Submit signs and broadcasts the call, returning the transaction hash.
func (e *EVMExecutor) Submit(ctx context.Context, call Call) (common.Hash, error) {
	if e.key == nil {
		return common.Hash{}, ErrNoRelayerKey
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.from,
		To:    &call.To,
		Data:  call.Data,
		Value: call.Value,
	})
	if err != nil {
		return common.Hash{}, classify(err)
	}
	tip, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &call.To,
		Value:     call.Value,
		Data:      call.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash(), nil
}

// classify wraps revert errors with ErrReverted and leaves transport
// errors untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) || strings.Contains(err.Error(), "execution reverted") {
		return fmt.Errorf("%w: %v", ErrReverted, err)
	}
	return err
}
