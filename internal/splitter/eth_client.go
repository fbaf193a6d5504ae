package splitter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"paysplit/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const defaultPollInterval = 2 * time.Second

// Backend is the JSON-RPC surface EthClient needs. Both *ethclient.Client and
// the ethclient/simulated client satisfy it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// EthClient drives PaymentSplitterFactory over JSON-RPC.
type EthClient struct {
	backend      Backend
	closer       func()
	log          *zap.Logger
	chainID      *big.Int
	sender       common.Address
	transacts    *bind.TransactOpts
	pollInterval time.Duration

	// factory and token carry no bytecode unless an artifact was loaded.
	factory     contracts.Artifact
	token       contracts.Artifact
	splitterABI abi.ABI
}

type EthClientConfig struct {
	RPCURL        string
	PrivateKeyHex string
	// ArtifactsDir holds brownie build files. Without them the client can
	// still drive an already deployed factory.
	ArtifactsDir string
	PollInterval time.Duration
	Logger       *zap.Logger
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	c, err := NewEthClientWithBackend(ctx, cli, cfg)
	if err != nil {
		cli.Close()
		return nil, err
	}
	c.closer = cli.Close
	return c, nil
}

// NewEthClientWithBackend wires the client to an existing backend.
func NewEthClientWithBackend(ctx context.Context, backend Backend, cfg EthClientConfig) (*EthClient, error) {
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting transactions")
	}
	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	c := &EthClient{
		backend:      backend,
		log:          logger,
		chainID:      chainID,
		sender:       txOpts.From,
		transacts:    txOpts,
		pollInterval: poll,
		factory:      contracts.Artifact{Name: contracts.FactoryName, ABI: contracts.MustParseABI(contracts.FactoryABI)},
		token:        contracts.Artifact{Name: contracts.TokenName, ABI: contracts.MustParseABI(contracts.TokenABI)},
		splitterABI:  contracts.MustParseABI(contracts.SplitterABI),
	}
	if cfg.ArtifactsDir != "" {
		if err := c.loadArtifacts(cfg.ArtifactsDir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *EthClient) loadArtifacts(dir string) error {
	load := func(name string) (*contracts.Artifact, error) {
		art, err := contracts.LoadArtifact(dir, name)
		if errors.Is(err, os.ErrNotExist) {
			c.log.Debug("artifact not found, using embedded abi", zap.String("contract", name))
			return nil, nil
		}
		return art, err
	}

	factory, err := load(contracts.FactoryName)
	if err != nil {
		return err
	}
	if factory != nil {
		c.factory = *factory
	}

	splitter, err := load(contracts.SplitterName)
	if err != nil {
		return err
	}
	if splitter != nil {
		c.splitterABI = splitter.ABI
	}

	token, err := load(contracts.TokenName)
	if err != nil {
		return err
	}
	if token != nil {
		c.token = *token
	}
	return nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Close releases the RPC connection if this client dialed it.
func (c *EthClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *EthClient) Sender() common.Address {
	return c.sender
}

func (c *EthClient) opts(ctx context.Context, value *big.Int) *bind.TransactOpts {
	opts := *c.transacts
	opts.Context = ctx
	opts.Value = value
	return &opts
}

func (c *EthClient) bound(address common.Address, parsed abi.ABI) *bind.BoundContract {
	return bind.NewBoundContract(address, parsed, c.backend, c.backend, c.backend)
}

func (c *EthClient) DeployFactory(ctx context.Context) (common.Address, common.Hash, error) {
	return c.deploy(ctx, c.factory)
}

func (c *EthClient) DeployToken(ctx context.Context) (common.Address, common.Hash, error) {
	return c.deploy(ctx, c.token)
}

func (c *EthClient) deploy(ctx context.Context, art contracts.Artifact) (common.Address, common.Hash, error) {
	if err := art.Deployable(); err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("deploy: %w", err)
	}
	addr, tx, _, err := bind.DeployContract(c.opts(ctx, nil), art.ABI, art.Bytecode, c.backend)
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("deploy %s: %w", art.Name, classify(err))
	}
	c.log.Debug("contract deployment sent",
		zap.String("contract", art.Name),
		zap.String("address", addr.Hex()),
		zap.String("tx", tx.Hash().Hex()))
	return addr, tx.Hash(), nil
}

// NewSplitter simulates newSplitter with eth_call to learn the clone address,
// then submits the same call. The prediction holds as long as nothing else
// creates a clone from the factory in between.
func (c *EthClient) NewSplitter(ctx context.Context, factory common.Address, payees []common.Address, shares []*big.Int, value *big.Int) (common.Address, common.Hash, error) {
	input, err := c.factory.ABI.Pack("newSplitter", payees, shares)
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("pack newSplitter: %w", err)
	}

	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{
		From:  c.sender,
		To:    &factory,
		Value: value,
		Data:  input,
	}, nil)
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("simulate newSplitter: %w", classify(err))
	}
	out, err := c.factory.ABI.Unpack("newSplitter", raw)
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("decode newSplitter result: %w", err)
	}
	if len(out) == 0 {
		return common.Address{}, common.Hash{}, fmt.Errorf("decode newSplitter result: no return value")
	}
	predicted, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, common.Hash{}, fmt.Errorf("unexpected newSplitter result %T", out[0])
	}

	tx, err := c.bound(factory, c.factory.ABI).Transact(c.opts(ctx, value), "newSplitter", payees, shares)
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("newSplitter tx: %w", classify(err))
	}
	return predicted, tx.Hash(), nil
}

func (c *EthClient) ReleaseAll(ctx context.Context, factory, splitter common.Address) (common.Hash, error) {
	tx, err := c.bound(factory, c.factory.ABI).Transact(c.opts(ctx, nil), "releaseAll", splitter)
	if err != nil {
		return common.Hash{}, fmt.Errorf("releaseAll tx: %w", classify(err))
	}
	return tx.Hash(), nil
}

func (c *EthClient) ReleaseAllTokens(ctx context.Context, factory, token, splitter common.Address) (common.Hash, error) {
	tx, err := c.bound(factory, c.factory.ABI).Transact(c.opts(ctx, nil), "releaseAllTokens", token, splitter)
	if err != nil {
		return common.Hash{}, fmt.Errorf("releaseAllTokens tx: %w", classify(err))
	}
	return tx.Hash(), nil
}

func (c *EthClient) Mint(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	tx, err := c.bound(token, c.token.ABI).Transact(c.opts(ctx, nil), "mint", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("mint tx: %w", classify(err))
	}
	return tx.Hash(), nil
}

func (c *EthClient) TransferToken(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	tx, err := c.bound(token, c.token.ABI).Transact(c.opts(ctx, nil), "transfer", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("token transfer tx: %w", classify(err))
	}
	return tx.Hash(), nil
}

// Transfer sends plain value. It builds the transaction by hand because
// BoundContract refuses to estimate gas against accounts without code.
func (c *EthClient) Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.sender, To: &to, Value: amount})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate transfer gas: %w", classify(err))
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch head: %w", err)
	}

	var unsigned *types.Transaction
	if head.BaseFee != nil {
		tip, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		unsigned = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     amount,
		})
	} else {
		price, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
		}
		unsigned = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &to,
			Value:    amount,
		})
	}

	signed, err := c.transacts.Signer(c.sender, unsigned)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transfer: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transfer: %w", classify(err))
	}
	return signed.Hash(), nil
}

// WaitConfirmations blocks until the transaction is mined and the chain head
// is confirmations-1 blocks past it. There is no timeout beyond ctx.
func (c *EthClient) WaitConfirmations(ctx context.Context, hash common.Hash, confirmations uint64) (*Receipt, error) {
	if confirmations == 0 {
		confirmations = 1
	}
	receipt, err := WaitForReceipt(ctx, c.backend, hash, c.pollInterval, c.log)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("tx %s: %w", hash.Hex(), ErrReverted)
	}

	mined := receipt.BlockNumber.Uint64()
	target := mined + confirmations - 1
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		head, err := c.backend.BlockNumber(ctx)
		if err == nil && head >= target {
			break
		}
		if err != nil {
			c.log.Debug("fetch head", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return &Receipt{TxHash: hash, BlockNumber: mined, GasUsed: receipt.GasUsed}, nil
}

func (c *EthClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.backend.BalanceAt(ctx, account, nil)
}

func (c *EthClient) HasCode(ctx context.Context, account common.Address) (bool, error) {
	code, err := c.backend.CodeAt(ctx, account, nil)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

func (c *EthClient) TokenBalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	return c.callBig(ctx, token, c.token.ABI, "balanceOf", holder)
}

func (c *EthClient) TotalShares(ctx context.Context, splitter common.Address) (*big.Int, error) {
	return c.callBig(ctx, splitter, c.splitterABI, "totalShares")
}

func (c *EthClient) TotalReleased(ctx context.Context, splitter common.Address) (*big.Int, error) {
	return c.callBig(ctx, splitter, c.splitterABI, "totalReleased")
}

func (c *EthClient) Shares(ctx context.Context, splitter, payee common.Address) (*big.Int, error) {
	return c.callBig(ctx, splitter, c.splitterABI, "shares", payee)
}

func (c *EthClient) Released(ctx context.Context, splitter, payee common.Address) (*big.Int, error) {
	return c.callBig(ctx, splitter, c.splitterABI, "released", payee)
}

func (c *EthClient) callBig(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	var out []interface{}
	err := c.bound(contract, parsed).Call(&bind.CallOpts{Context: ctx, From: c.sender}, &out, method, args...)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, classify(err))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("call %s: unexpected result %T", method, out[0])
	}
	return v, nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.backend == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.backend.BlockNumber(ctx)
	return err
}

// WaitForReceipt polls until the transaction is mined or ctx is cancelled.
// Fetch errors keep the loop going: nodes answer unmined or not yet indexed
// transactions with NotFound or "transaction indexing is in progress".
func WaitForReceipt(ctx context.Context, backend bind.DeployBackend, hash common.Hash, interval time.Duration, log *zap.Logger) (*types.Receipt, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.Debug("receipt not available yet", zap.String("tx", hash.Hex()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// classify maps node error strings onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%w: %v", ErrReverted, err)
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case errors.Is(err, bind.ErrNoCode):
		return fmt.Errorf("%w: %v", ErrUnknownContract, err)
	}
	return err
}
