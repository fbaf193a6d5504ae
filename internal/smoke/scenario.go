package smoke

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidScenario is returned before any transaction is sent.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario describes one smoke run.
type Scenario struct {
	Payees []common.Address
	// Shares is parallel to Payees.
	Shares []*big.Int
	// CreationValue is attached to the newSplitter call. May be nil.
	CreationValue *big.Int
	FundAmount    *big.Int
	Confirmations uint64
	// Factory reuses a deployed factory instead of deploying one.
	Factory common.Address
	Token   *TokenScenario
}

// TokenScenario enables the ERC-20 payout path.
type TokenScenario struct {
	// Address reuses a deployed token instead of deploying one.
	Address common.Address
	Amount  *big.Int
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidScenario, fmt.Sprintf(format, args...))
}

// Validate checks the scenario without touching the chain.
func (s Scenario) Validate() error {
	if len(s.Payees) == 0 {
		return invalid("at least one payee is required")
	}
	if len(s.Payees) != len(s.Shares) {
		return invalid("%d payees but %d shares", len(s.Payees), len(s.Shares))
	}
	seen := make(map[common.Address]struct{}, len(s.Payees))
	for i, p := range s.Payees {
		if p == (common.Address{}) {
			return invalid("payee %d is the zero address", i+1)
		}
		if _, dup := seen[p]; dup {
			return invalid("payee %s listed twice", p.Hex())
		}
		seen[p] = struct{}{}
		if s.Shares[i] == nil || s.Shares[i].Sign() <= 0 {
			return invalid("payee %d has no shares", i+1)
		}
	}
	if s.FundAmount == nil || s.FundAmount.Sign() <= 0 {
		return invalid("fund amount must be positive")
	}
	if s.CreationValue != nil && s.CreationValue.Sign() < 0 {
		return invalid("creation value is negative")
	}
	if s.Confirmations == 0 {
		return invalid("confirmations must be at least 1")
	}
	if s.Token != nil && (s.Token.Amount == nil || s.Token.Amount.Sign() <= 0) {
		return invalid("token amount must be positive")
	}
	return nil
}
