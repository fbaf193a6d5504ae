package splitter

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// FakeClient is an in-memory chain for offline runs and tests. Every
// transaction mines its own block and gas is free. Splitters follow the
// OpenZeppelin PaymentSplitter release rule.
type FakeClient struct {
	mu sync.Mutex

	sender   common.Address
	block    uint64
	nonces   map[common.Address]uint64
	balances map[common.Address]*big.Int
	receipts map[common.Hash]uint64

	factories map[common.Address]bool
	splitters map[common.Address]*fakeSplitter
	tokens    map[common.Address]map[common.Address]*big.Int
}

type fakeSplitter struct {
	payees        []common.Address
	shares        map[common.Address]*big.Int
	totalShares   *big.Int
	released      map[common.Address]*big.Int
	totalReleased *big.Int

	tokenReleased      map[common.Address]map[common.Address]*big.Int
	tokenTotalReleased map[common.Address]*big.Int
}

// NewFakeClient creates a chain where sender signs every transaction and
// genesis seeds the initial balances.
func NewFakeClient(sender common.Address, genesis map[common.Address]*big.Int) *FakeClient {
	f := &FakeClient{
		sender:    sender,
		nonces:    make(map[common.Address]uint64),
		balances:  make(map[common.Address]*big.Int),
		receipts:  make(map[common.Hash]uint64),
		factories: make(map[common.Address]bool),
		splitters: make(map[common.Address]*fakeSplitter),
		tokens:    make(map[common.Address]map[common.Address]*big.Int),
	}
	for addr, bal := range genesis {
		f.balances[addr] = new(big.Int).Set(bal)
	}
	return f
}

func (f *FakeClient) Sender() common.Address {
	return f.sender
}

func (f *FakeClient) balance(addr common.Address) *big.Int {
	if b, ok := f.balances[addr]; ok {
		return b
	}
	b := new(big.Int)
	f.balances[addr] = b
	return b
}

func (f *FakeClient) move(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	src := f.balance(from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), src, amount)
	}
	src.Sub(src, amount)
	dst := f.balance(to)
	dst.Add(dst, amount)
	return nil
}

// mine records a transaction from the sender in a fresh block.
func (f *FakeClient) mine() common.Hash {
	nonce := f.nonces[f.sender]
	f.nonces[f.sender] = nonce + 1
	f.block++

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	hash := crypto.Keccak256Hash(f.sender.Bytes(), buf[:])
	f.receipts[hash] = f.block
	return hash
}

// nextAddress returns the CREATE address for the creator's next nonce.
// Contract nonces start at 1 (EIP-161).
func (f *FakeClient) nextAddress(creator common.Address, contract bool) common.Address {
	nonce, ok := f.nonces[creator]
	if !ok && contract {
		nonce = 1
	}
	f.nonces[creator] = nonce + 1
	return crypto.CreateAddress(creator, nonce)
}

func reverted(method, reason string) error {
	return fmt.Errorf("%s: %w: %s", method, ErrReverted, reason)
}

func (f *FakeClient) DeployFactory(_ context.Context) (common.Address, common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr := crypto.CreateAddress(f.sender, f.nonces[f.sender])
	f.factories[addr] = true
	return addr, f.mine(), nil
}

func (f *FakeClient) NewSplitter(_ context.Context, factory common.Address, payees []common.Address, shares []*big.Int, value *big.Int) (common.Address, common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.factories[factory] {
		return common.Address{}, common.Hash{}, fmt.Errorf("newSplitter %s: %w", factory.Hex(), ErrUnknownContract)
	}
	if len(payees) != len(shares) {
		return common.Address{}, common.Hash{}, reverted("newSplitter", "payees and shares length mismatch")
	}
	if len(payees) == 0 {
		return common.Address{}, common.Hash{}, reverted("newSplitter", "no payees")
	}

	sp := &fakeSplitter{
		shares:             make(map[common.Address]*big.Int),
		totalShares:        new(big.Int),
		released:           make(map[common.Address]*big.Int),
		totalReleased:      new(big.Int),
		tokenReleased:      make(map[common.Address]map[common.Address]*big.Int),
		tokenTotalReleased: make(map[common.Address]*big.Int),
	}
	for i, payee := range payees {
		switch {
		case payee == (common.Address{}):
			return common.Address{}, common.Hash{}, reverted("newSplitter", "account is the zero address")
		case shares[i] == nil || shares[i].Sign() <= 0:
			return common.Address{}, common.Hash{}, reverted("newSplitter", "shares are 0")
		case sp.shares[payee] != nil:
			return common.Address{}, common.Hash{}, reverted("newSplitter", "account already has shares")
		}
		sp.payees = append(sp.payees, payee)
		sp.shares[payee] = new(big.Int).Set(shares[i])
		sp.totalShares.Add(sp.totalShares, shares[i])
	}
	if value != nil && f.balance(f.sender).Cmp(value) < 0 {
		return common.Address{}, common.Hash{}, fmt.Errorf("newSplitter: %w", ErrInsufficientFunds)
	}

	addr := f.nextAddress(factory, true)
	f.splitters[addr] = sp
	if err := f.move(f.sender, addr, value); err != nil {
		return common.Address{}, common.Hash{}, err
	}
	return addr, f.mine(), nil
}

func (f *FakeClient) Transfer(_ context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.factories[to] {
		return common.Hash{}, reverted("transfer", "factory does not accept value")
	}
	if err := f.move(f.sender, to, amount); err != nil {
		return common.Hash{}, fmt.Errorf("transfer: %w", err)
	}
	return f.mine(), nil
}

// pending is (received * shares / totalShares) - alreadyReleased with
// received = balance + totalReleased.
func (sp *fakeSplitter) pending(payee common.Address, balance, totalReleased, alreadyReleased *big.Int) *big.Int {
	received := new(big.Int).Add(balance, totalReleased)
	due := new(big.Int).Mul(received, sp.shares[payee])
	due.Quo(due, sp.totalShares)
	return due.Sub(due, alreadyReleased)
}

func (f *FakeClient) ReleaseAll(_ context.Context, factory, splitter common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sp, err := f.lookup(factory, splitter)
	if err != nil {
		return common.Hash{}, fmt.Errorf("releaseAll: %w", err)
	}
	for _, payee := range sp.payees {
		released := sp.released[payee]
		if released == nil {
			released = new(big.Int)
			sp.released[payee] = released
		}
		due := sp.pending(payee, f.balance(splitter), sp.totalReleased, released)
		if due.Sign() <= 0 {
			continue
		}
		if err := f.move(splitter, payee, due); err != nil {
			return common.Hash{}, fmt.Errorf("releaseAll: %w", err)
		}
		released.Add(released, due)
		sp.totalReleased.Add(sp.totalReleased, due)
	}
	return f.mine(), nil
}

func (f *FakeClient) lookup(factory, splitter common.Address) (*fakeSplitter, error) {
	if !f.factories[factory] {
		return nil, fmt.Errorf("factory %s: %w", factory.Hex(), ErrUnknownContract)
	}
	sp, ok := f.splitters[splitter]
	if !ok {
		return nil, fmt.Errorf("splitter %s: %w", splitter.Hex(), ErrUnknownContract)
	}
	return sp, nil
}

func (f *FakeClient) WaitConfirmations(ctx context.Context, hash common.Hash, confirmations uint64) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	mined, ok := f.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("tx %s: %w", hash.Hex(), ethereum.NotFound)
	}
	if confirmations == 0 {
		confirmations = 1
	}
	// Mine empty blocks until the requested depth is reached.
	if target := mined + confirmations - 1; f.block < target {
		f.block = target
	}
	return &Receipt{TxHash: hash, BlockNumber: mined}, nil
}

func (f *FakeClient) BalanceAt(_ context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance(account)), nil
}

func (f *FakeClient) HasCode(_ context.Context, account common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, isSplitter := f.splitters[account]
	_, isToken := f.tokens[account]
	return f.factories[account] || isSplitter || isToken, nil
}

// BlockNumber reports the height of the simulated chain.
func (f *FakeClient) BlockNumber() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block
}

func (f *FakeClient) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (f *FakeClient) DeployToken(_ context.Context) (common.Address, common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr := crypto.CreateAddress(f.sender, f.nonces[f.sender])
	f.tokens[addr] = make(map[common.Address]*big.Int)
	return addr, f.mine(), nil
}

func (f *FakeClient) tokenBalance(token, holder common.Address) *big.Int {
	ledger := f.tokens[token]
	if b, ok := ledger[holder]; ok {
		return b
	}
	b := new(big.Int)
	ledger[holder] = b
	return b
}

func (f *FakeClient) moveToken(token, from, to common.Address, amount *big.Int) error {
	src := f.tokenBalance(token, from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: transfer amount exceeds balance", ErrReverted)
	}
	src.Sub(src, amount)
	dst := f.tokenBalance(token, to)
	dst.Add(dst, amount)
	return nil
}

func (f *FakeClient) Mint(_ context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[token]; !ok {
		return common.Hash{}, fmt.Errorf("mint %s: %w", token.Hex(), ErrUnknownContract)
	}
	b := f.tokenBalance(token, to)
	b.Add(b, amount)
	return f.mine(), nil
}

func (f *FakeClient) TransferToken(_ context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[token]; !ok {
		return common.Hash{}, fmt.Errorf("token transfer %s: %w", token.Hex(), ErrUnknownContract)
	}
	if err := f.moveToken(token, f.sender, to, amount); err != nil {
		return common.Hash{}, fmt.Errorf("token transfer: %w", err)
	}
	return f.mine(), nil
}

func (f *FakeClient) ReleaseAllTokens(_ context.Context, factory, token, splitter common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sp, err := f.lookup(factory, splitter)
	if err != nil {
		return common.Hash{}, fmt.Errorf("releaseAllTokens: %w", err)
	}
	if _, ok := f.tokens[token]; !ok {
		return common.Hash{}, fmt.Errorf("releaseAllTokens %s: %w", token.Hex(), ErrUnknownContract)
	}

	released := sp.tokenReleased[token]
	if released == nil {
		released = make(map[common.Address]*big.Int)
		sp.tokenReleased[token] = released
	}
	total := sp.tokenTotalReleased[token]
	if total == nil {
		total = new(big.Int)
		sp.tokenTotalReleased[token] = total
	}

	for _, payee := range sp.payees {
		already := released[payee]
		if already == nil {
			already = new(big.Int)
			released[payee] = already
		}
		due := sp.pending(payee, f.tokenBalance(token, splitter), total, already)
		if due.Sign() <= 0 {
			continue
		}
		if err := f.moveToken(token, splitter, payee, due); err != nil {
			return common.Hash{}, fmt.Errorf("releaseAllTokens: %w", err)
		}
		already.Add(already, due)
		total.Add(total, due)
	}
	return f.mine(), nil
}

func (f *FakeClient) TokenBalanceOf(_ context.Context, token, holder common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[token]; !ok {
		return nil, fmt.Errorf("balanceOf %s: %w", token.Hex(), ErrUnknownContract)
	}
	return new(big.Int).Set(f.tokenBalance(token, holder)), nil
}

func (f *FakeClient) splitter(addr common.Address) (*fakeSplitter, error) {
	sp, ok := f.splitters[addr]
	if !ok {
		return nil, fmt.Errorf("splitter %s: %w", addr.Hex(), ErrUnknownContract)
	}
	return sp, nil
}

func (f *FakeClient) TotalShares(_ context.Context, splitter common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sp, err := f.splitter(splitter)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(sp.totalShares), nil
}

func (f *FakeClient) TotalReleased(_ context.Context, splitter common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sp, err := f.splitter(splitter)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(sp.totalReleased), nil
}

func (f *FakeClient) Shares(_ context.Context, splitter, payee common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sp, err := f.splitter(splitter)
	if err != nil {
		return nil, err
	}
	if s, ok := sp.shares[payee]; ok {
		return new(big.Int).Set(s), nil
	}
	return new(big.Int), nil
}

func (f *FakeClient) Released(_ context.Context, splitter, payee common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sp, err := f.splitter(splitter)
	if err != nil {
		return nil, err
	}
	if r, ok := sp.released[payee]; ok {
		return new(big.Int).Set(r), nil
	}
	return new(big.Int), nil
}
