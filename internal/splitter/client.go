package splitter

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrReverted marks a transaction the chain refused to execute.
	ErrReverted = errors.New("execution reverted")
	// ErrInsufficientFunds is returned when the sender cannot cover value.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrUnknownContract is returned when no contract lives at an address.
	ErrUnknownContract = errors.New("unknown contract")
)

// Receipt is the subset of a mined transaction the smoke run reports.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Client abstracts the payment splitter factory and the ledger it runs on.
// Methods that submit a transaction return its hash without waiting; callers
// block with WaitConfirmations.
type Client interface {
	Sender() common.Address
	DeployFactory(ctx context.Context) (common.Address, common.Hash, error)
	NewSplitter(ctx context.Context, factory common.Address, payees []common.Address, shares []*big.Int, value *big.Int) (common.Address, common.Hash, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
	ReleaseAll(ctx context.Context, factory, splitter common.Address) (common.Hash, error)
	WaitConfirmations(ctx context.Context, tx common.Hash, confirmations uint64) (*Receipt, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	HasCode(ctx context.Context, account common.Address) (bool, error)
}

// TokenClient drives the ERC-20 payout path.
type TokenClient interface {
	DeployToken(ctx context.Context) (common.Address, common.Hash, error)
	Mint(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error)
	TransferToken(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error)
	ReleaseAllTokens(ctx context.Context, factory, token, splitter common.Address) (common.Hash, error)
	TokenBalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
}

// SplitterViewer reads splitter bookkeeping.
type SplitterViewer interface {
	TotalShares(ctx context.Context, splitter common.Address) (*big.Int, error)
	TotalReleased(ctx context.Context, splitter common.Address) (*big.Int, error)
	Shares(ctx context.Context, splitter, payee common.Address) (*big.Int, error)
	Released(ctx context.Context, splitter, payee common.Address) (*big.Int, error)
}

// HealthChecker is implemented by clients that can probe their backend.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
