package smoke

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"paysplit/internal/splitter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	deployer = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	payees   = []common.Address{
		common.HexToAddress("0x0000000000000000000000000000000000000011"),
		common.HexToAddress("0x0000000000000000000000000000000000000012"),
		common.HexToAddress("0x0000000000000000000000000000000000000013"),
		common.HexToAddress("0x0000000000000000000000000000000000000014"),
	}
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func equalShares() []*big.Int {
	return []*big.Int{big.NewInt(1), big.NewInt(1), big.NewInt(1), big.NewInt(1)}
}

func baseScenario() Scenario {
	return Scenario{
		Payees:        payees,
		Shares:        equalShares(),
		FundAmount:    ether(4),
		Confirmations: 1,
	}
}

func newFake() *splitter.FakeClient {
	return splitter.NewFakeClient(deployer, map[common.Address]*big.Int{deployer: ether(100)})
}

type recordingObserver struct {
	mu       sync.Mutex
	steps    []string
	failed   []string
	retries  int
	released *big.Int
}

func (o *recordingObserver) StepFinished(step string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.failed = append(o.failed, step)
		return
	}
	o.steps = append(o.steps, step)
}

func (o *recordingObserver) WaitRetried(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func (o *recordingObserver) Released(wei *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released = wei
}

func TestRunEqualSharesPaysOneEtherEach(t *testing.T) {
	obs := &recordingObserver{}
	runner := NewRunner(newFake(),
		WithLogger(zap.NewNop()),
		WithObserver(obs),
		WithIDGenerator(func() string { return "run-1" }))

	report, err := runner.Run(context.Background(), baseScenario())
	require.NoError(t, err)

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, deployer, report.Sender)
	assert.NotEqual(t, common.Address{}, report.Factory)
	assert.NotEqual(t, common.Address{}, report.Splitter)
	require.Len(t, report.Payees, 4)
	for _, p := range report.Payees {
		assert.Equal(t, ether(1), p.Delta, p.Address.Hex())
		assert.Equal(t, ether(1), p.Released)
	}
	assert.Equal(t, big.NewInt(4), report.TotalShares)
	assert.Equal(t, ether(4), report.TotalReleased)

	var steps []string
	for _, tx := range report.Transactions {
		steps = append(steps, tx.Step)
	}
	want := []string{StepDeployFactory, StepNewSplitter, StepFund, StepReleaseAll}
	assert.Equal(t, want, steps)
	assert.Equal(t, want, obs.steps)
	assert.Equal(t, ether(4), obs.released)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))

	var out bytes.Buffer
	require.NoError(t, report.Print(&out))
	assert.Contains(t, out.String(), "Balance of PAYEE1:  1000000000000000000\n")
	assert.Contains(t, out.String(), "Balance of PAYEE4:  1000000000000000000\n")
	assert.Contains(t, out.String(), "delta=1 ether")
}

func TestRunWithCreationValue(t *testing.T) {
	sc := baseScenario()
	sc.CreationValue = ether(1)

	report, err := NewRunner(newFake()).Run(context.Background(), sc)
	require.NoError(t, err)

	want, _ := new(big.Int).SetString("1250000000000000000", 10)
	for _, p := range report.Payees {
		assert.Equal(t, want, p.Delta)
	}
}

func TestRunRejectsInvalidScenarioBeforeSending(t *testing.T) {
	fake := newFake()
	sc := baseScenario()
	sc.Shares = sc.Shares[:2]

	_, err := NewRunner(fake).Run(context.Background(), sc)
	assert.ErrorIs(t, err, ErrInvalidScenario)
	assert.Zero(t, fake.BlockNumber())
}

func TestRunReusesFactory(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	factory, _, err := fake.DeployFactory(ctx)
	require.NoError(t, err)

	sc := baseScenario()
	sc.Factory = factory
	report, err := NewRunner(fake).Run(ctx, sc)
	require.NoError(t, err)

	assert.Equal(t, factory, report.Factory)
	assert.Equal(t, StepNewSplitter, report.Transactions[0].Step)

	sc.Factory = common.HexToAddress("0xfeed")
	_, err = NewRunner(fake).Run(ctx, sc)
	assert.ErrorIs(t, err, splitter.ErrUnknownContract)
}

func TestRunTokenPayout(t *testing.T) {
	sc := baseScenario()
	sc.Token = &TokenScenario{Amount: big.NewInt(4)}

	report, err := NewRunner(newFake()).Run(context.Background(), sc)
	require.NoError(t, err)
	require.NotNil(t, report.Token)
	require.Len(t, report.Token.Balances, 4)
	for _, bal := range report.Token.Balances {
		assert.Equal(t, big.NewInt(1), bal)
	}

	var out bytes.Buffer
	require.NoError(t, report.Print(&out))
	assert.Contains(t, out.String(), "Token balance of PAYEE2:  1\n")
}

// bareClient hides the optional interfaces of the wrapped client.
type bareClient struct {
	splitter.Client
}

func TestRunTokenPayoutNeedsTokenClient(t *testing.T) {
	sc := baseScenario()
	sc.Token = &TokenScenario{Amount: big.NewInt(4)}

	report, err := NewRunner(bareClient{newFake()}).Run(context.Background(), sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support tokens")
	// the ether path completed and views were skipped
	assert.Nil(t, report.TotalShares)
	assert.Equal(t, ether(1), report.Payees[0].Delta)
}

type flakyClient struct {
	*splitter.FakeClient
	failures int
	err      error
	calls    int
}

func (c *flakyClient) WaitConfirmations(ctx context.Context, hash common.Hash, n uint64) (*splitter.Receipt, error) {
	c.calls++
	if c.failures > 0 {
		c.failures--
		return nil, c.err
	}
	return c.FakeClient.WaitConfirmations(ctx, hash, n)
}

func TestRunRetriesTransientWaitFailures(t *testing.T) {
	client := &flakyClient{FakeClient: newFake(), failures: 2, err: errors.New("connection reset")}
	obs := &recordingObserver{}
	runner := NewRunner(client,
		WithObserver(obs),
		WithRetry(RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffMultiplier: 2}))

	_, err := runner.Run(context.Background(), baseScenario())
	require.NoError(t, err)
	assert.Equal(t, 2, obs.retries)
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	client := &flakyClient{FakeClient: newFake(), failures: 5, err: errors.New("connection reset")}
	runner := NewRunner(client,
		WithRetry(RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond}))

	_, err := runner.Run(context.Background(), baseScenario())
	require.Error(t, err)
	assert.Contains(t, err.Error(), StepDeployFactory)
	assert.Equal(t, 2, client.calls)
}

func TestRunDoesNotRetryReverts(t *testing.T) {
	client := &flakyClient{FakeClient: newFake(), failures: 1, err: splitter.ErrReverted}
	obs := &recordingObserver{}
	runner := NewRunner(client,
		WithObserver(obs),
		WithRetry(RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond}))

	report, err := runner.Run(context.Background(), baseScenario())
	assert.ErrorIs(t, err, splitter.ErrReverted)
	assert.Equal(t, 1, client.calls)
	assert.Zero(t, obs.retries)
	assert.Equal(t, []string{StepDeployFactory}, obs.failed)
	assert.Empty(t, report.Transactions)
}

type revertingRelease struct {
	*splitter.FakeClient
}

func (revertingRelease) ReleaseAll(context.Context, common.Address, common.Address) (common.Hash, error) {
	return common.Hash{}, splitter.ErrReverted
}

func TestRunAbortsOnFailedRelease(t *testing.T) {
	report, err := NewRunner(revertingRelease{newFake()}).Run(context.Background(), baseScenario())
	require.Error(t, err)
	assert.ErrorIs(t, err, splitter.ErrReverted)
	assert.Contains(t, err.Error(), StepReleaseAll)
	assert.Len(t, report.Transactions, 3)
	assert.Nil(t, report.Payees[0].BalanceAfter)
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(newFake()).Run(ctx, baseScenario())
	assert.ErrorIs(t, err, context.Canceled)
}
