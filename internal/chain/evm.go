package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const nativeTransferGas = 21000

// ERC-20 function selectors.
var (
	erc20TransferSelector  = []byte{0xa9, 0x05, 0x9c, 0xbb}
	erc20BalanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}
)

// EVMAsset describes one asset served on an EVM chain. An empty contract
// address means the chain's native asset.
type EVMAsset struct {
	Contract string
	Decimals int32
}

// EVMAdapter submits transfers on account-model EVM chains. One instance
// serves one chain with one custodial signing key; the mutex serializes
// nonce acquisition and broadcast so concurrent payouts on the same chain
// cannot collide on nonces.
type EVMAdapter struct {
	chain   string
	client  *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
	assets  map[string]EVMAsset
	logger  *zap.Logger

	mu sync.Mutex
}

// NewEVMAdapter dials the RPC endpoint and loads the custodial signing key.
// The key hex comes from secret configuration and is never logged.
func NewEVMAdapter(chainName, rpcURL, signingKeyHex string, chainID int64, assets map[string]EVMAsset, logger *zap.Logger) (*EVMAdapter, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", chainName, err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(signingKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse %s signing key: %w", chainName, err)
	}
	for currency, asset := range assets {
		if asset.Contract != "" && !common.IsHexAddress(asset.Contract) {
			return nil, fmt.Errorf("invalid contract address for %s on %s", currency, chainName)
		}
	}
	return &EVMAdapter{
		chain:   chainName,
		client:  client,
		chainID: big.NewInt(chainID),
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		assets:  assets,
		logger:  logger.With(zap.String("chain", chainName)),
	}, nil
}

func (e *EVMAdapter) Chain() string { return e.chain }

func (e *EVMAdapter) SourceAddress() string { return e.from.Hex() }

func (e *EVMAdapter) ValidateAddress(address string) bool {
	return common.IsHexAddress(address)
}

// Submit signs and broadcasts a native or ERC-20 transfer and returns the
// transaction hash once the node accepts the broadcast.
func (e *EVMAdapter) Submit(ctx context.Context, destination string, amount decimal.Decimal, currency string) (string, error) {
	asset, ok := e.assets[currency]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrUnsupportedAsset, currency, e.chain)
	}
	if !common.IsHexAddress(destination) {
		return "", fmt.Errorf("%w: %s", ErrInvalidDestination, destination)
	}
	units, err := ToBaseUnits(amount, asset.Decimals)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}
	to := common.HexToAddress(destination)

	e.mu.Lock()
	defer e.mu.Unlock()

	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return "", fmt.Errorf("%w: pending nonce: %v", ErrNetworkError, err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: suggest gas price: %v", ErrNetworkError, err)
	}

	var tx *types.Transaction
	if asset.Contract == "" {
		if err := e.checkNativeBalance(ctx, nativeCost(units, gasPrice, nativeTransferGas)); err != nil {
			return "", err
		}
		tx = types.NewTransaction(nonce, to, units, nativeTransferGas, gasPrice, nil)
	} else {
		if err := e.checkTokenBalance(ctx, asset, units); err != nil {
			return "", err
		}
		contract := common.HexToAddress(asset.Contract)
		data := transferCalldata(to, units)
		gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
			From: e.from,
			To:   &contract,
			Data: data,
		})
		if err != nil {
			return "", fmt.Errorf("%w: estimate gas: %v", ErrNetworkError, err)
		}
		if err := e.checkNativeBalance(ctx, nativeCost(big.NewInt(0), gasPrice, gasLimit)); err != nil {
			return "", err
		}
		tx = types.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	}

	signed, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		if isTransportError(err) {
			return "", fmt.Errorf("%w: broadcast: %v", ErrNetworkError, err)
		}
		return "", fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}

	ref := signed.Hash().Hex()
	e.logger.Info("broadcast transfer",
		zap.String("tx_ref", ref),
		zap.String("currency", currency),
		zap.String("amount", amount.String()),
		zap.Uint64("nonce", nonce))
	return ref, nil
}

// nativeCost is the native balance a transfer needs: the transferred value
// plus gas at the suggested price.
func nativeCost(value, gasPrice *big.Int, gasLimit uint64) *big.Int {
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	return cost.Add(cost, value)
}

// checkNativeBalance verifies the signing wallet covers value plus gas
// before broadcasting anything, so a short wallet surfaces as a top-up
// alert rather than a broadcast rejection.
func (e *EVMAdapter) checkNativeBalance(ctx context.Context, required *big.Int) error {
	bal, err := e.client.BalanceAt(ctx, e.from, nil)
	if err != nil {
		return fmt.Errorf("%w: balance check: %v", ErrNetworkError, err)
	}
	if bal.Cmp(required) < 0 {
		return fmt.Errorf("%w: have %s, need %s including gas", ErrInsufficientFunds, bal, required)
	}
	return nil
}

func (e *EVMAdapter) checkTokenBalance(ctx context.Context, asset EVMAsset, units *big.Int) error {
	contract := common.HexToAddress(asset.Contract)
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{
		To:   &contract,
		Data: balanceOfCalldata(e.from),
	}, nil)
	if err != nil {
		return fmt.Errorf("%w: token balance check: %v", ErrNetworkError, err)
	}
	bal := new(big.Int).SetBytes(out)
	if bal.Cmp(units) < 0 {
		return fmt.Errorf("%w: token balance %s below %s", ErrInsufficientFunds, bal, units)
	}
	return nil
}

// TxStatus polls the inclusion receipt. A missing receipt for a known
// pending transaction is Pending; a transaction the node has never seen is
// NotFound, which the tracker escalates after repeated polls.
func (e *EVMAdapter) TxStatus(ctx context.Context, ref string) (TxStatus, error) {
	hash := common.HexToHash(ref)
	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if err == nil {
		if receipt.Status == types.ReceiptStatusSuccessful {
			return StatusConfirmed, nil
		}
		return StatusReverted, nil
	}
	if err != ethereum.NotFound {
		return StatusPending, fmt.Errorf("%w: receipt lookup: %v", ErrNetworkError, err)
	}
	if _, _, err := e.client.TransactionByHash(ctx, hash); err != nil {
		if err == ethereum.NotFound {
			return StatusNotFound, nil
		}
		return StatusPending, fmt.Errorf("%w: transaction lookup: %v", ErrNetworkError, err)
	}
	return StatusPending, nil
}

// UnsignedPreview describes the transfer without touching the network.
func (e *EVMAdapter) UnsignedPreview(destination string, amount decimal.Decimal, currency string) (*TxPreview, error) {
	asset, ok := e.assets[currency]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedAsset, currency, e.chain)
	}
	units, err := ToBaseUnits(amount, asset.Decimals)
	if err != nil {
		return nil, err
	}
	return &TxPreview{
		Chain:       e.chain,
		From:        e.from.Hex(),
		To:          destination,
		Currency:    currency,
		Amount:      amount.String(),
		AmountUnits: units.String(),
	}, nil
}

func transferCalldata(to common.Address, units *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, erc20TransferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(units.Bytes(), 32)...)
	return data
}

func balanceOfCalldata(owner common.Address) []byte {
	data := make([]byte, 0, 4+32)
	data = append(data, erc20BalanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
	return data
}
