package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"mercury/internal/config"
	"mercury/pkg/types"
)

// ClaimBackend redeems a resolved position's winning tokens for collateral.
// The dry-run implementation returns a synthetic receipt with no on-chain
// side effect; the chain implementation submits a CTF redeemPositions
// transaction and waits for its receipt.
type ClaimBackend interface {
	Claim(ctx context.Context, positionID, conditionID string) (types.TxReceipt, error)
}

// Polygon mainnet addresses.
const (
	usdcAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	ctfAddress  = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
)

const ctfRedeemABI = `[{"inputs":[
	{"internalType":"address","name":"collateralToken","type":"address"},
	{"internalType":"bytes32","name":"parentCollectionId","type":"bytes32"},
	{"internalType":"bytes32","name":"conditionId","type":"bytes32"},
	{"internalType":"uint256[]","name":"indexSets","type":"uint256[]"}],
	"name":"redeemPositions","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// DryRunClaimer simulates claims. Used whenever mercury.dry_run is set.
type DryRunClaimer struct {
	logger *slog.Logger
}

// NewDryRunClaimer creates a claim backend that never touches the chain.
func NewDryRunClaimer(logger *slog.Logger) *DryRunClaimer {
	return &DryRunClaimer{logger: logger.With("component", "claim_backend")}
}

// Claim returns a synthetic receipt.
func (d *DryRunClaimer) Claim(_ context.Context, positionID, conditionID string) (types.TxReceipt, error) {
	d.logger.Info("DRY-RUN: simulated claim", "position_id", positionID, "condition_id", conditionID)
	return types.TxReceipt{
		TxHash: fmt.Sprintf("dry-run-claim-%s", positionID),
		DryRun: true,
	}, nil
}

// ChainClaimer redeems positions on chain via the CTF contract.
type ChainClaimer struct {
	client *ethclient.Client
	auth   *Auth
	abi    abi.ABI
	logger *slog.Logger
}

// NewChainClaimer dials the RPC endpoint and prepares the redeem call.
func NewChainClaimer(cfg config.Config, auth *Auth, logger *slog.Logger) (*ChainClaimer, error) {
	client, err := ethclient.Dial(cfg.API.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(ctfRedeemABI))
	if err != nil {
		return nil, fmt.Errorf("parse ctf abi: %w", err)
	}
	return &ChainClaimer{
		client: client,
		auth:   auth,
		abi:    parsed,
		logger: logger.With("component", "claim_backend"),
	}, nil
}

// Claim submits redeemPositions for both index sets of the condition and
// waits for the transaction receipt.
func (c *ChainClaimer) Claim(ctx context.Context, positionID, conditionID string) (types.TxReceipt, error) {
	calldata, err := c.abi.Pack("redeemPositions",
		common.HexToAddress(usdcAddress),
		[32]byte{}, // root collection
		common.HexToHash(conditionID),
		[]*big.Int{big.NewInt(1), big.NewInt(2)}, // YES and NO index sets
	)
	if err != nil {
		return types.TxReceipt{}, wrapErr("claim", KindValidation, err)
	}

	from := c.auth.Address()
	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return types.TxReceipt{}, wrapErr("claim", KindNetwork, err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return types.TxReceipt{}, wrapErr("claim", KindNetwork, err)
	}

	to := common.HexToAddress(ctfAddress)
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from, To: &to, Data: calldata, GasPrice: gasPrice,
	})
	if err != nil {
		return types.TxReceipt{}, wrapErr("claim", KindRejected, err)
	}

	tx := ethtypes.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, calldata)
	signer := ethtypes.LatestSignerForChainID(c.auth.ChainID())
	signed, err := ethtypes.SignTx(tx, signer, c.auth.privateKey)
	if err != nil {
		return types.TxReceipt{}, wrapErr("claim", KindAuth, err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return types.TxReceipt{}, wrapErr("claim", KindNetwork, err)
	}

	c.logger.Info("claim transaction submitted",
		"position_id", positionID, "tx", signed.Hash().Hex())

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return types.TxReceipt{}, err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return types.TxReceipt{}, wrapErr("claim", KindRejected,
			fmt.Errorf("transaction %s reverted", signed.Hash().Hex()))
	}

	return types.TxReceipt{
		TxHash:  signed.Hash().Hex(),
		GasUsed: receipt.GasUsed,
	}, nil
}

func (c *ChainClaimer) waitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, wrapErr("claim", KindTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close releases the RPC connection.
func (c *ChainClaimer) Close() {
	c.client.Close()
}
