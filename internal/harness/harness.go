// Package harness drives the ledger from many concurrent callers and checks
// the results, the way a customer-emulator test bench would.
package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sheikh-saqib/account-ledger-system/internal/ledger"
	"github.com/sheikh-saqib/account-ledger-system/internal/models"
)

// Bank is the ledger surface the harness exercises.
type Bank interface {
	Reset(ctx context.Context) error
	CreateAccount(ctx context.Context, number int64) error
	GetBalance(ctx context.Context, number int64) (decimal.Decimal, error)
	Credit(ctx context.Context, number int64, amount decimal.Decimal) (decimal.Decimal, error)
	Transfer(ctx context.Context, from, to int64, amount decimal.Decimal) error
	GetOperations(ctx context.Context, number int64, from, to time.Time) ([]models.LedgerEntry, error)
}

type Options struct {
	Accounts  int // accounts created for the single-user phase
	Customers int // concurrent customer emulators
	Storm     int // transfers per direction in the storm phase
}

func DefaultOptions() Options {
	return Options{Accounts: 10, Customers: 5, Storm: 200}
}

// minAccounts is the number of accounts the single-user scenarios touch.
const minAccounts = 5

// Validate rejects options the phases cannot run with.
func (o Options) Validate() error {
	switch {
	case o.Accounts < minAccounts:
		return errors.Errorf("accounts must be at least %d, got %d", minAccounts, o.Accounts)
	case o.Customers < 0:
		return errors.Errorf("customers must not be negative, got %d", o.Customers)
	case o.Storm < 0:
		return errors.Errorf("storm must not be negative, got %d", o.Storm)
	}
	return nil
}

// customerAccountBase spaces customer account numbers so no two customers
// touch the same account.
const customerAccountBase = 1000

type Runner struct {
	bank Bank
	log  *zap.Logger
	out  io.Writer

	outMu sync.Mutex // serialises task output blocks
}

func NewRunner(bank Bank, log *zap.Logger, out io.Writer) *Runner {
	if out == nil {
		out = io.Discard
	}
	return &Runner{bank: bank, log: log, out: out}
}

// Run executes the single-user, multi-customer and storm phases and
// returns the merged report. The error is only set when a phase could not
// be set up at all.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	total := newReport(nil)

	r.println("Starting single user tests...")
	single, err := r.singleUser(ctx, opts.Accounts)
	if err != nil {
		return nil, errors.Wrap(err, "single user phase")
	}
	total.Merge(single)
	r.println("...end of single user tests")

	r.println("Preparing database for multi user tests...")
	if err := r.bank.Reset(ctx); err != nil {
		return nil, errors.Wrap(err, "reset before multi user phase")
	}
	r.println("Starting multi user tests...")
	multi, err := r.multiUser(ctx, opts.Customers)
	if err != nil {
		return nil, errors.Wrap(err, "multi user phase")
	}
	total.Merge(multi)

	if opts.Storm > 0 {
		r.println("Starting transfer storm...")
		if err := r.bank.Reset(ctx); err != nil {
			return nil, errors.Wrap(err, "reset before storm phase")
		}
		storm, err := r.storm(ctx, opts.Storm)
		if err != nil {
			return nil, errors.Wrap(err, "storm phase")
		}
		total.Merge(storm)
	}

	r.println(total.Summary())
	r.log.Info("harness finished",
		zap.Int("total", total.Total),
		zap.Int("ok", total.OK),
		zap.Strings("failures", total.Failures))
	return total, nil
}

func (r *Runner) singleUser(ctx context.Context, accounts int) (*Report, error) {
	if err := r.bank.Reset(ctx); err != nil {
		return nil, err
	}
	for i := 1; i <= accounts; i++ {
		if err := r.bank.CreateAccount(ctx, int64(i)); err != nil {
			return nil, errors.Wrapf(err, "create account %d", i)
		}
	}

	rep := newReport(r.out)
	r.scenarioA(ctx, rep, "", 1, 2)

	b, err := r.bank.Credit(ctx, 2, decimal.NewFromInt(500))
	rep.Check("addBalance-2", err == nil && b.Equal(decimal.NewFromInt(750)))

	rep.CheckErr("transfer-4", r.bank.Transfer(ctx, 1, 3, decimal.NewFromInt(250)))
	r.checkBalance(ctx, rep, "transfer-5", 1, 500)
	r.checkBalance(ctx, rep, "transfer-6", 3, 250)
	r.checkOperations(ctx, rep, "getOperations-3", 1, 3)
	r.checkOperations(ctx, rep, "getOperations-4", 2, 2)
	r.checkOperations(ctx, rep, "getOperations-5", 3, 1)

	// Scenario B: a refused transfer leaves balances and logs untouched.
	err = r.bank.Transfer(ctx, 1, 2, decimal.NewFromInt(10000))
	rep.Check("transfer-insufficient", errors.Is(err, ledger.ErrInsufficientFunds))
	r.checkBalance(ctx, rep, "transfer-insufficient-from", 1, 500)
	r.checkBalance(ctx, rep, "transfer-insufficient-to", 2, 750)
	r.checkOperations(ctx, rep, "getOperations-insufficient-from", 1, 3)
	r.checkOperations(ctx, rep, "getOperations-insufficient-to", 2, 2)

	// Scenario C: creating an existing account fails and changes nothing.
	err = r.bank.CreateAccount(ctx, 5)
	rep.Check("createAccount-duplicate", errors.Is(err, ledger.ErrAccountAlreadyExists))
	r.checkBalance(ctx, rep, "createAccount-duplicate-balance", 5, 0)

	return rep, nil
}

// scenarioA credits 1000 to a, moves 250 to b and checks balances and logs.
func (r *Runner) scenarioA(ctx context.Context, rep *Report, suffix string, a, b int64) {
	bal, err := r.bank.Credit(ctx, a, decimal.NewFromInt(1000))
	rep.Check("addBalance"+suffix, err == nil && bal.Equal(decimal.NewFromInt(1000)))

	rep.CheckErr("transfer-1"+suffix, r.bank.Transfer(ctx, a, b, decimal.NewFromInt(250)))
	r.checkBalance(ctx, rep, "transfer-2"+suffix, a, 750)
	r.checkBalance(ctx, rep, "transfer-3"+suffix, b, 250)
	r.checkOperations(ctx, rep, "getOperations-1"+suffix, a, 2)
	r.checkOperations(ctx, rep, "getOperations-2"+suffix, b, 1)
}

func (r *Runner) multiUser(ctx context.Context, customers int) (*Report, error) {
	reports := make([]*Report, customers)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < customers; i++ {
		g.Go(func() error {
			name := fmt.Sprintf("multi-customer%d", i)
			a := int64(customerAccountBase*(i+1) + 1)
			b := a + 1

			var buf bytes.Buffer
			rep := newReport(&buf)
			fmt.Fprintf(&buf, "%s: starting\n", name)
			if err := r.bank.CreateAccount(gctx, a); err != nil {
				return errors.Wrapf(err, "%s: create account %d", name, a)
			}
			if err := r.bank.CreateAccount(gctx, b); err != nil {
				return errors.Wrapf(err, "%s: create account %d", name, b)
			}
			r.scenarioA(gctx, rep, " for "+name, a, b)
			fmt.Fprintf(&buf, "%s: exiting\n", name)

			reports[i] = rep
			r.flush(&buf)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := newReport(nil)
	for _, rep := range reports {
		merged.Merge(rep)
	}
	return merged, nil
}

// storm runs n transfers in each direction over the pairs {1,2} and {3,4}
// concurrently, then checks that balances stayed non-negative, money was
// conserved and every balance equals the sum of its log.
func (r *Runner) storm(ctx context.Context, n int) (*Report, error) {
	const start = 1000
	accounts := []int64{1, 2, 3, 4}
	for _, a := range accounts {
		if err := r.bank.CreateAccount(ctx, a); err != nil {
			return nil, err
		}
		if _, err := r.bank.Credit(ctx, a, decimal.NewFromInt(start)); err != nil {
			return nil, err
		}
	}

	pairs := [][2]int64{{1, 2}, {2, 1}, {3, 4}, {4, 3}}
	g, gctx := errgroup.WithContext(ctx)
	for _, pair := range pairs {
		for i := 0; i < n; i++ {
			g.Go(func() error {
				if err := r.bank.Transfer(gctx, pair[0], pair[1], decimal.NewFromInt(1)); err != nil {
					r.log.Warn("storm transfer failed",
						zap.Int64("from", pair[0]), zap.Int64("to", pair[1]), zap.Error(err))
					return errors.Wrapf(err, "transfer %d->%d", pair[0], pair[1])
				}
				return nil
			})
		}
	}
	stormErr := g.Wait()

	rep := newReport(r.out)
	rep.CheckErr("storm-transfers", stormErr)

	total := decimal.Zero
	now := time.Now()
	for _, a := range accounts {
		bal, err := r.bank.GetBalance(ctx, a)
		if !rep.CheckErr(fmt.Sprintf("storm-balance-%d", a), err) {
			continue
		}
		rep.Check(fmt.Sprintf("storm-non-negative-%d", a), !bal.IsNegative())
		total = total.Add(bal)

		ops, err := r.bank.GetOperations(ctx, a, time.Time{}, now)
		if !rep.CheckErr(fmt.Sprintf("storm-operations-%d", a), err) {
			continue
		}
		sum := decimal.Zero
		for _, op := range ops {
			sum = sum.Add(op.Amount)
		}
		rep.Check(fmt.Sprintf("storm-log-matches-balance-%d", a), sum.Equal(bal))
	}
	rep.Check("storm-conserved", total.Equal(decimal.NewFromInt(start*int64(len(accounts)))))
	return rep, nil
}

func (r *Runner) checkBalance(ctx context.Context, rep *Report, name string, number int64, want int64) {
	bal, err := r.bank.GetBalance(ctx, number)
	rep.Check(name, err == nil && bal.Equal(decimal.NewFromInt(want)))
}

func (r *Runner) checkOperations(ctx context.Context, rep *Report, name string, number int64, want int) {
	now := time.Now()
	ops, err := r.bank.GetOperations(ctx, number, now.Add(-24*time.Hour), now)
	rep.Check(name, err == nil && len(ops) == want)
}

func (r *Runner) println(s string) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintln(r.out, s)
}

func (r *Runner) flush(buf *bytes.Buffer) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	_, _ = r.out.Write(buf.Bytes())
}
