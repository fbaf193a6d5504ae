package smoke

import (
	"fmt"
	"io"
	"math/big"
	"time"

	"paysplit/internal/units"

	"github.com/ethereum/go-ethereum/common"
)

// Report is the outcome of a smoke run. A failed run returns the part that
// completed.
type Report struct {
	RunID         string         `json:"runId"`
	Sender        common.Address `json:"sender"`
	Factory       common.Address `json:"factory"`
	Splitter      common.Address `json:"splitter"`
	Payees        []PayeeReport  `json:"payees"`
	TotalShares   *big.Int       `json:"totalShares,omitempty"`
	TotalReleased *big.Int       `json:"totalReleased,omitempty"`
	Token         *TokenReport   `json:"token,omitempty"`
	Transactions  []TxRecord     `json:"transactions"`
	StartedAt     time.Time      `json:"startedAt"`
	FinishedAt    time.Time      `json:"finishedAt"`
}

type PayeeReport struct {
	Address       common.Address `json:"address"`
	Shares        *big.Int       `json:"shares"`
	Released      *big.Int       `json:"released,omitempty"`
	BalanceBefore *big.Int       `json:"balanceBefore"`
	BalanceAfter  *big.Int       `json:"balanceAfter,omitempty"`
	Delta         *big.Int       `json:"delta,omitempty"`
}

type TokenReport struct {
	Address  common.Address `json:"address"`
	Amount   *big.Int       `json:"amount"`
	Balances []*big.Int     `json:"balances"`
}

type TxRecord struct {
	Step    string      `json:"step"`
	Hash    common.Hash `json:"hash"`
	Block   uint64      `json:"block"`
	GasUsed uint64      `json:"gasUsed,omitempty"`
}

// Print writes one "Balance of PAYEE<n>" line per payee, as the brownie
// script did, followed by a short summary.
func (r *Report) Print(w io.Writer) error {
	for i, p := range r.Payees {
		if _, err := fmt.Fprintf(w, "Balance of PAYEE%d:  %s\n", i+1, orZero(p.BalanceAfter)); err != nil {
			return err
		}
	}
	if r.Token != nil {
		for i, bal := range r.Token.Balances {
			if _, err := fmt.Fprintf(w, "Token balance of PAYEE%d:  %s\n", i+1, orZero(bal)); err != nil {
				return err
			}
		}
	}

	_, err := fmt.Fprintf(w, "\nrun %s: factory %s splitter %s\n", r.RunID, r.Factory.Hex(), r.Splitter.Hex())
	if err != nil {
		return err
	}
	for i, p := range r.Payees {
		_, err := fmt.Fprintf(w, "  PAYEE%d %s shares=%s delta=%s ether\n",
			i+1, p.Address.Hex(), orZero(p.Shares), units.FormatEther(p.Delta))
		if err != nil {
			return err
		}
	}
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
