package smoke

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"paysplit/internal/splitter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Step names, used in reports, logs and metrics.
const (
	StepDeployFactory = "deploy_factory"
	StepNewSplitter   = "new_splitter"
	StepFund          = "fund"
	StepReleaseAll    = "release_all"
	StepDeployToken   = "deploy_token"
	StepMintToken     = "mint_token"
	StepFundToken     = "fund_token"
	StepReleaseTokens = "release_tokens"
)

// RetryPolicy bounds how often a confirmation wait is retried after a
// transient RPC failure. Submissions are never retried.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// Observer receives run telemetry.
type Observer interface {
	StepFinished(step string, took time.Duration, err error)
	WaitRetried(step string)
	Released(wei *big.Int)
}

type Runner struct {
	client   splitter.Client
	log      *zap.Logger
	retry    RetryPolicy
	observer Observer
	newID    func() string
}

type Option func(*Runner)

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.log = l }
}

func WithRetry(p RetryPolicy) Option {
	return func(r *Runner) { r.retry = p }
}

func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

func WithIDGenerator(fn func() string) Option {
	return func(r *Runner) { r.newID = fn }
}

func NewRunner(client splitter.Client, opts ...Option) *Runner {
	r := &Runner{
		client: client,
		log:    zap.NewNop(),
		retry:  RetryPolicy{MaxAttempts: 1},
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run deploys (or reuses) the factory, creates a splitter, funds it,
// releases it and records every payee balance. Steps run strictly in order
// and any failure aborts the run.
func (r *Runner) Run(ctx context.Context, sc Scenario) (*Report, error) {
	report := &Report{
		RunID:     r.newID(),
		Sender:    r.client.Sender(),
		StartedAt: time.Now().UTC(),
	}
	log := r.log.With(zap.String("run", report.RunID))

	if err := sc.Validate(); err != nil {
		return report, err
	}

	report.Payees = make([]PayeeReport, len(sc.Payees))
	for i, payee := range sc.Payees {
		bal, err := r.client.BalanceAt(ctx, payee)
		if err != nil {
			return report, fmt.Errorf("balance of %s: %w", payee.Hex(), err)
		}
		report.Payees[i] = PayeeReport{
			Address:       payee,
			Shares:        new(big.Int).Set(sc.Shares[i]),
			BalanceBefore: bal,
		}
	}

	factory := sc.Factory
	if factory == (common.Address{}) {
		err := r.step(ctx, log, report, StepDeployFactory, 1, func() (common.Hash, error) {
			addr, tx, err := r.client.DeployFactory(ctx)
			factory = addr
			return tx, err
		})
		if err != nil {
			return report, err
		}
	} else if err := r.requireCode(ctx, factory, "factory"); err != nil {
		return report, err
	}
	report.Factory = factory
	log.Info("factory ready", zap.String("factory", factory.Hex()))

	var instance common.Address
	err := r.step(ctx, log, report, StepNewSplitter, 1, func() (common.Hash, error) {
		addr, tx, err := r.client.NewSplitter(ctx, factory, sc.Payees, sc.Shares, sc.CreationValue)
		instance = addr
		return tx, err
	})
	if err != nil {
		return report, err
	}
	if err := r.requireCode(ctx, instance, "splitter"); err != nil {
		return report, err
	}
	report.Splitter = instance
	log.Info("splitter created", zap.String("splitter", instance.Hex()))

	err = r.step(ctx, log, report, StepFund, sc.Confirmations, func() (common.Hash, error) {
		return r.client.Transfer(ctx, instance, sc.FundAmount)
	})
	if err != nil {
		return report, err
	}

	err = r.step(ctx, log, report, StepReleaseAll, sc.Confirmations, func() (common.Hash, error) {
		return r.client.ReleaseAll(ctx, factory, instance)
	})
	if err != nil {
		return report, err
	}

	released := new(big.Int)
	for i := range report.Payees {
		p := &report.Payees[i]
		bal, err := r.client.BalanceAt(ctx, p.Address)
		if err != nil {
			return report, fmt.Errorf("balance of %s: %w", p.Address.Hex(), err)
		}
		p.BalanceAfter = bal
		p.Delta = new(big.Int).Sub(bal, p.BalanceBefore)
		if p.Delta.Sign() > 0 {
			released.Add(released, p.Delta)
		}
	}

	if viewer, ok := r.client.(splitter.SplitterViewer); ok {
		r.readViews(ctx, log, viewer, report)
		if report.TotalReleased != nil {
			released = report.TotalReleased
		}
	}
	if r.observer != nil {
		r.observer.Released(released)
	}

	if sc.Token != nil {
		if err := r.runToken(ctx, log, report, factory, sc); err != nil {
			return report, err
		}
	}

	report.FinishedAt = time.Now().UTC()
	log.Info("smoke run finished",
		zap.String("splitter", instance.Hex()),
		zap.Int("transactions", len(report.Transactions)),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

func (r *Runner) runToken(ctx context.Context, log *zap.Logger, report *Report, factory common.Address, sc Scenario) error {
	tokens, ok := r.client.(splitter.TokenClient)
	if !ok {
		return fmt.Errorf("token payout: client %T does not support tokens", r.client)
	}

	token := sc.Token.Address
	if token == (common.Address{}) {
		err := r.step(ctx, log, report, StepDeployToken, 1, func() (common.Hash, error) {
			addr, tx, err := tokens.DeployToken(ctx)
			token = addr
			return tx, err
		})
		if err != nil {
			return err
		}
	} else if err := r.requireCode(ctx, token, "token"); err != nil {
		return err
	}
	report.Token = &TokenReport{Address: token, Amount: new(big.Int).Set(sc.Token.Amount)}

	err := r.step(ctx, log, report, StepMintToken, 1, func() (common.Hash, error) {
		return tokens.Mint(ctx, token, r.client.Sender(), sc.Token.Amount)
	})
	if err != nil {
		return err
	}
	err = r.step(ctx, log, report, StepFundToken, 1, func() (common.Hash, error) {
		return tokens.TransferToken(ctx, token, report.Splitter, sc.Token.Amount)
	})
	if err != nil {
		return err
	}
	err = r.step(ctx, log, report, StepReleaseTokens, sc.Confirmations, func() (common.Hash, error) {
		return tokens.ReleaseAllTokens(ctx, factory, token, report.Splitter)
	})
	if err != nil {
		return err
	}

	for _, p := range report.Payees {
		bal, err := tokens.TokenBalanceOf(ctx, token, p.Address)
		if err != nil {
			return fmt.Errorf("token balance of %s: %w", p.Address.Hex(), err)
		}
		report.Token.Balances = append(report.Token.Balances, bal)
	}
	return nil
}

// readViews fills splitter bookkeeping. The views are informational, so
// failures are logged and skipped.
func (r *Runner) readViews(ctx context.Context, log *zap.Logger, viewer splitter.SplitterViewer, report *Report) {
	total, err := viewer.TotalShares(ctx, report.Splitter)
	if err != nil {
		log.Warn("read totalShares", zap.Error(err))
		return
	}
	report.TotalShares = total

	if released, err := viewer.TotalReleased(ctx, report.Splitter); err == nil {
		report.TotalReleased = released
	} else {
		log.Warn("read totalReleased", zap.Error(err))
	}

	for i := range report.Payees {
		p := &report.Payees[i]
		if released, err := viewer.Released(ctx, report.Splitter, p.Address); err == nil {
			p.Released = released
		} else {
			log.Warn("read released", zap.String("payee", p.Address.Hex()), zap.Error(err))
		}
	}
}

func (r *Runner) requireCode(ctx context.Context, addr common.Address, what string) error {
	ok, err := r.client.HasCode(ctx, addr)
	if err != nil {
		return fmt.Errorf("check %s code: %w", what, err)
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", what, addr.Hex(), splitter.ErrUnknownContract)
	}
	return nil
}

// step submits one transaction and blocks until it has the requested
// confirmations.
func (r *Runner) step(ctx context.Context, log *zap.Logger, report *Report, name string, confirmations uint64, send func() (common.Hash, error)) error {
	start := time.Now()
	hash, err := send()
	var receipt *splitter.Receipt
	if err == nil {
		log.Debug("transaction sent", zap.String("step", name), zap.String("tx", hash.Hex()))
		receipt, err = r.wait(ctx, log, name, hash, confirmations)
	}
	if r.observer != nil {
		r.observer.StepFinished(name, time.Since(start), err)
	}
	if err != nil {
		log.Error("step failed", zap.String("step", name), zap.Error(err))
		return fmt.Errorf("%s: %w", name, err)
	}

	report.Transactions = append(report.Transactions, TxRecord{
		Step:    name,
		Hash:    hash,
		Block:   receipt.BlockNumber,
		GasUsed: receipt.GasUsed,
	})
	log.Info("step confirmed",
		zap.String("step", name),
		zap.String("tx", hash.Hex()),
		zap.Uint64("block", receipt.BlockNumber),
		zap.Uint64("confirmations", confirmations))
	return nil
}

func (r *Runner) wait(ctx context.Context, log *zap.Logger, name string, hash common.Hash, confirmations uint64) (*splitter.Receipt, error) {
	attempts := r.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := r.retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	for i := 1; ; i++ {
		receipt, err := r.client.WaitConfirmations(ctx, hash, confirmations)
		if err == nil {
			return receipt, nil
		}
		if !isRetryable(err) || i >= attempts {
			return nil, err
		}

		if r.observer != nil {
			r.observer.WaitRetried(name)
		}
		sleep := backoff
		if r.retry.MaxBackoff > 0 && sleep > r.retry.MaxBackoff {
			sleep = r.retry.MaxBackoff
		}
		log.Warn("confirmation wait failed, retrying",
			zap.String("step", name), zap.Int("attempt", i), zap.Duration("backoff", sleep), zap.Error(err))
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if r.retry.BackoffMultiplier > 1 {
			backoff *= time.Duration(r.retry.BackoffMultiplier)
		}
	}
}

func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, splitter.ErrReverted),
		errors.Is(err, splitter.ErrUnknownContract),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
