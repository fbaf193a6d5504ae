package splitter

import (
	"context"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"paysplit/internal/contracts"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBytecode deploys a contract whose runtime is a single STOP, so it
// accepts plain value transfers.
const stubBytecode = "6001600c60003960016000f300"

// echoAddress is returned by echoBytecode for every call.
var echoAddress = common.HexToAddress("0x000000000000000000000000000000000000beef")

// echoBytecode deploys a contract that answers any call with echoAddress
// ABI-encoded in one word, so it decodes both as an address and a uint256.
var echoBytecode = "601d600c600039601d6000f3" + "73" + hex.EncodeToString(echoAddress.Bytes()) + "60005260206000f3"

type simChain struct {
	backend *simulated.Backend
	client  *EthClient
	sender  common.Address
}

// newSimChain writes factory and token artifacts with the given creation
// code, or none when code is empty.
func newSimChain(t *testing.T, code string) *simChain {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	backend := simulated.NewBackend(types.GenesisAlloc{
		sender: {Balance: ether(100)},
	})
	t.Cleanup(func() { _ = backend.Close() })

	dir := ""
	if code != "" {
		dir = t.TempDir()
		for name, abiDoc := range map[string]string{contracts.FactoryName: contracts.FactoryABI, contracts.TokenName: contracts.TokenABI} {
			doc := `{"contractName":"` + name + `","abi":` + abiDoc + `,"bytecode":"` + code + `"}`
			require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(doc), 0o600))
		}
	}

	client, err := NewEthClientWithBackend(context.Background(), backend.Client(), EthClientConfig{
		PrivateKeyHex: "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
		ArtifactsDir:  dir,
		PollInterval:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	return &simChain{backend: backend, client: client, sender: sender}
}

func TestEthClientDeployFundAndConfirm(t *testing.T) {
	ctx := context.Background()
	chain := newSimChain(t, stubBytecode)
	assert.Equal(t, chain.sender, chain.client.Sender())

	factory, tx, err := chain.client.DeployFactory(ctx)
	require.NoError(t, err)
	chain.backend.Commit()

	receipt, err := chain.client.WaitConfirmations(ctx, tx, 1)
	require.NoError(t, err)
	assert.Equal(t, tx, receipt.TxHash)
	assert.NotZero(t, receipt.GasUsed)

	hasCode, err := chain.client.HasCode(ctx, factory)
	require.NoError(t, err)
	assert.True(t, hasCode)

	tx, err = chain.client.Transfer(ctx, factory, ether(4))
	require.NoError(t, err)
	chain.backend.Commit()
	chain.backend.Commit()

	receipt, err = chain.client.WaitConfirmations(ctx, tx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), receipt.BlockNumber)

	bal, err := chain.client.BalanceAt(ctx, factory)
	require.NoError(t, err)
	assert.Equal(t, ether(4), bal)
}

func TestEthClientTransferToAccount(t *testing.T) {
	ctx := context.Background()
	chain := newSimChain(t, "")
	payee := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	tx, err := chain.client.Transfer(ctx, payee, ether(1))
	require.NoError(t, err)
	chain.backend.Commit()

	_, err = chain.client.WaitConfirmations(ctx, tx, 1)
	require.NoError(t, err)

	bal, err := chain.client.BalanceAt(ctx, payee)
	require.NoError(t, err)
	assert.Equal(t, ether(1), bal)

	hasCode, err := chain.client.HasCode(ctx, payee)
	require.NoError(t, err)
	assert.False(t, hasCode)
}

// mined commits the pending block and waits for the transaction.
func (c *simChain) mined(t *testing.T, tx common.Hash) *Receipt {
	t.Helper()
	c.backend.Commit()
	receipt, err := c.client.WaitConfirmations(context.Background(), tx, 1)
	require.NoError(t, err)
	return receipt
}

func TestEthClientWaitsForLaterBlock(t *testing.T) {
	ctx := context.Background()
	chain := newSimChain(t, "")
	payee := common.HexToAddress("0x00000000000000000000000000000000000000ab")

	tx, err := chain.client.Transfer(ctx, payee, ether(1))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		chain.backend.Commit()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	receipt, err := chain.client.WaitConfirmations(waitCtx, tx, 1)
	<-done
	require.NoError(t, err)
	assert.Equal(t, tx, receipt.TxHash)
	assert.Equal(t, uint64(1), receipt.BlockNumber)
}

func TestEthClientFactoryCalls(t *testing.T) {
	ctx := context.Background()
	chain := newSimChain(t, echoBytecode)

	factory, tx, err := chain.client.DeployFactory(ctx)
	require.NoError(t, err)
	chain.mined(t, tx)

	payees := []common.Address{
		common.HexToAddress("0x0000000000000000000000000000000000000001"),
		common.HexToAddress("0x0000000000000000000000000000000000000002"),
	}
	splitterAddr, tx, err := chain.client.NewSplitter(ctx, factory, payees, bigs(1, 1), ether(1))
	require.NoError(t, err)
	assert.Equal(t, echoAddress, splitterAddr)
	chain.mined(t, tx)

	bal, err := chain.client.BalanceAt(ctx, factory)
	require.NoError(t, err)
	assert.Equal(t, ether(1), bal, "creation value goes to the factory call")

	tx, err = chain.client.ReleaseAll(ctx, factory, splitterAddr)
	require.NoError(t, err)
	receipt := chain.mined(t, tx)
	assert.Equal(t, uint64(3), receipt.BlockNumber)

	echoed := new(big.Int).SetBytes(echoAddress.Bytes())
	total, err := chain.client.TotalShares(ctx, factory)
	require.NoError(t, err)
	assert.Zero(t, echoed.Cmp(total))

	released, err := chain.client.Released(ctx, factory, payees[0])
	require.NoError(t, err)
	assert.Zero(t, echoed.Cmp(released))
}

func TestEthClientTokenCalls(t *testing.T) {
	ctx := context.Background()
	chain := newSimChain(t, echoBytecode)

	token, tx, err := chain.client.DeployToken(ctx)
	require.NoError(t, err)
	chain.mined(t, tx)

	factory, tx, err := chain.client.DeployFactory(ctx)
	require.NoError(t, err)
	chain.mined(t, tx)

	tx, err = chain.client.Mint(ctx, token, chain.sender, ether(4))
	require.NoError(t, err)
	chain.mined(t, tx)

	tx, err = chain.client.TransferToken(ctx, token, echoAddress, ether(4))
	require.NoError(t, err)
	chain.mined(t, tx)

	tx, err = chain.client.ReleaseAllTokens(ctx, factory, token, echoAddress)
	require.NoError(t, err)
	chain.mined(t, tx)

	bal, err := chain.client.TokenBalanceOf(ctx, token, chain.sender)
	require.NoError(t, err)
	assert.Zero(t, new(big.Int).SetBytes(echoAddress.Bytes()).Cmp(bal))
}

func TestEthClientNewSplitterWithoutReturnData(t *testing.T) {
	ctx := context.Background()
	chain := newSimChain(t, stubBytecode)

	factory, tx, err := chain.client.DeployFactory(ctx)
	require.NoError(t, err)
	chain.mined(t, tx)

	_, _, err = chain.client.NewSplitter(ctx, factory, []common.Address{echoAddress}, bigs(1), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode newSplitter result")
	assert.NotContains(t, err.Error(), "<nil>")
}

func TestEthClientWaitHonoursContext(t *testing.T) {
	chain := newSimChain(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := chain.client.WaitConfirmations(ctx, common.HexToHash("0x1234"), 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEthClientDeployWithoutArtifact(t *testing.T) {
	chain := newSimChain(t, "")
	_, _, err := chain.client.DeployToken(context.Background())
	assert.ErrorIs(t, err, contracts.ErrNoBytecode)
}

func TestEthClientTransferInsufficientFunds(t *testing.T) {
	chain := newSimChain(t, "")
	_, err := chain.client.Transfer(context.Background(), common.HexToAddress("0x01"), ether(1000))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestEthClientPing(t *testing.T) {
	chain := newSimChain(t, "")
	assert.NoError(t, chain.client.Ping(context.Background()))
}

func TestNewEthClientRequiresKey(t *testing.T) {
	_, err := NewEthClientWithBackend(context.Background(), nil, EthClientConfig{})
	assert.Error(t, err)

	_, err = NewEthClient(context.Background(), EthClientConfig{})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(errString("execution reverted: nope")), ErrReverted)
	assert.ErrorIs(t, classify(errString("insufficient funds for gas * price + value")), ErrInsufficientFunds)
	assert.Nil(t, classify(nil))
	plain := errString("boom")
	assert.Equal(t, plain, classify(plain))
}

type errString string

func (e errString) Error() string { return string(e) }
