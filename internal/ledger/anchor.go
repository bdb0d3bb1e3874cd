// Package ledger anchors prescription fingerprints on an EVM chain. The
// anchor is a zero-value EIP-1559 transaction whose data field carries the
// UTF-8 payload "SRM|sha256|<hash>|rx:<id>".
package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/srm-health/rxchain/internal/config"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds to anchor")
	ErrAnchorFailed      = errors.New("anchoring failed")
)

// Static floors substituted when the fee-market query fails or returns
// incomplete data, and the gas fallback when estimation is unavailable.
var (
	fallbackTipWei    = big.NewInt(1_000_000_000)  // 1 gwei
	fallbackMaxFeeWei = big.NewInt(30_000_000_000) // 30 gwei
)

const fallbackGasLimit = uint64(80_000)

type AnchorResult struct {
	Network     string `json:"network"`
	Txid        string `json:"txid"`
	BlockNumber uint64 `json:"blockNumber"`
}

// ResolvedTx is a previously submitted anchor fetched back for
// re-verification. Status/BlockNumber stay nil while the receipt is not yet
// available; Payload is empty when the transaction is unknown.
type ResolvedTx struct {
	Payload     string
	Status      *uint64
	BlockNumber *uint64
}

type Client struct {
	eth             *ethclient.Client
	key             *ecdsa.PrivateKey
	from            common.Address
	to              *common.Address
	networkOverride string
	log             *zap.Logger
}

func Dial(cfg config.LedgerConfig, log *zap.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("ledger: RPC URL is not configured")
	}

	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dialing ledger RPC: %w", err)
	}

	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing funding private key: %w", err)
	}

	c := &Client{
		eth:             eth,
		key:             key,
		from:            gethcrypto.PubkeyToAddress(key.PublicKey),
		networkOverride: cfg.NetworkOverride,
		log:             log,
	}
	if cfg.ToAddress != "" {
		if !common.IsHexAddress(cfg.ToAddress) {
			return nil, fmt.Errorf("invalid anchor destination address %q", cfg.ToAddress)
		}
		to := common.HexToAddress(cfg.ToAddress)
		c.to = &to
	}
	return c, nil
}

// EncodePayload builds the fixed-format anchor payload.
func EncodePayload(hash, rxID string) []byte {
	return []byte(fmt.Sprintf("SRM|sha256|%s|rx:%s", hash, rxID))
}

// DecodePayloadHex reverses the hex encoding of a transaction data field
// back to UTF-8. Malformed input yields "", never an error.
func DecodePayloadHex(dataHex string) string {
	raw, err := hex.DecodeString(strings.TrimPrefix(dataHex, "0x"))
	if err != nil {
		return ""
	}
	return string(raw)
}

// NetworkName maps a chain id to its short name, falling back to the
// numeric id for unrecognized networks.
func NetworkName(chainID *big.Int) string {
	switch chainID.Int64() {
	case 11155111:
		return "sepolia"
	case 80002:
		return "polygon-amoy"
	case 84532:
		return "base-sepolia"
	default:
		return chainID.String()
	}
}

// AnchorHash submits the fingerprint and blocks until one confirmation.
// Fee and gas estimation failures fall back to static values and are never
// surfaced; balance, submission, and confirmation failures propagate.
func (c *Client) AnchorHash(ctx context.Context, hash, rxID string) (*AnchorResult, error) {
	to := c.from // self-send by default
	if c.to != nil {
		to = *c.to
	}
	data := EncodePayload(hash, rxID)

	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil || tip == nil || tip.Sign() <= 0 {
		c.log.Debug("tip estimation unavailable, using floor", zap.Error(err))
		tip = new(big.Int).Set(fallbackTipWei)
	}

	maxFee := new(big.Int).Set(fallbackMaxFeeWei)
	if head, err := c.eth.HeaderByNumber(ctx, nil); err == nil && head.BaseFee != nil {
		maxFee = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	} else {
		c.log.Debug("base fee unavailable, using floor", zap.Error(err))
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:      c.from,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
		GasFeeCap: maxFee,
		GasTipCap: tip,
	})
	if err != nil || gasLimit == 0 {
		c.log.Warn("gas estimation failed, using fallback limit",
			zap.Uint64("fallback", fallbackGasLimit), zap.Error(err))
		gasLimit = fallbackGasLimit
	}

	balance, err := c.eth.BalanceAt(ctx, c.from, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: querying balance: %v", ErrAnchorFailed, err)
	}
	worstCase := new(big.Int).Mul(maxFee, new(big.Int).SetUint64(gasLimit))
	if balance.Cmp(worstCase) < 0 {
		return nil, fmt.Errorf("%w: balance=%s wei, worst-case cost=%s wei",
			ErrInsufficientFunds, balance, worstCase)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching nonce: %v", ErrAnchorFailed, err)
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching chain id: %v", ErrAnchorFailed, err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       gasLimit,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: signing transaction: %v", ErrAnchorFailed, err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%w: submitting transaction: %v", ErrAnchorFailed, err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for confirmation of %s: %v",
			ErrAnchorFailed, signed.Hash().Hex(), err)
	}

	network := c.networkOverride
	if network == "" {
		network = NetworkName(chainID)
	}

	c.log.Info("prescription anchored",
		zap.String("rx_id", rxID),
		zap.String("txid", signed.Hash().Hex()),
		zap.String("network", network),
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
	)

	return &AnchorResult{
		Network:     network,
		Txid:        signed.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// Resolve fetches a submitted anchor and decodes its payload. An unknown
// transaction resolves to an empty payload so the caller reports a mismatch
// instead of an error; only provider failures propagate.
func (c *Client) Resolve(ctx context.Context, txid string) (*ResolvedTx, error) {
	txHash := common.HexToHash(txid)

	tx, _, err := c.eth.TransactionByHash(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return &ResolvedTx{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching transaction %s: %w", txid, err)
	}

	res := &ResolvedTx{Payload: string(tx.Data())}
	if receipt, err := c.eth.TransactionReceipt(ctx, txHash); err == nil {
		status := receipt.Status
		block := receipt.BlockNumber.Uint64()
		res.Status = &status
		res.BlockNumber = &block
	}
	return res, nil
}
