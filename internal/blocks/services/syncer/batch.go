package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haukened/blockmirror/internal/blocks/common/log"
	"github.com/haukened/blockmirror/internal/blocks/domain"
)

const (
	DefaultConcurrency  = 5
	DefaultBatchDelay   = 500 * time.Millisecond
	DefaultShortTimeout = 30 * time.Second
	DefaultLongTimeout  = 90 * time.Second

	errAccountFailed = "account %s: %v"
)

// sleep waits for d or until ctx is done. Swapped in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	Syncer AccountSyncer
	// KnownHeavy reports accounts that get the long budget up front.
	KnownHeavy func(did string) bool

	Concurrency  int
	BatchDelay   time.Duration
	ShortTimeout time.Duration
	LongTimeout  time.Duration
	Logger       log.Logger
}

// Processor runs AccountSyncer over many accounts in fixed-size groups.
type Processor struct {
	syncer      AccountSyncer
	knownHeavy  func(string) bool
	concurrency int
	delay       time.Duration
	short, long time.Duration
	logger      log.Logger
}

func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.Syncer == nil {
		return nil, fmt.Errorf("account syncer is required")
	}
	if opts.KnownHeavy == nil {
		opts.KnownHeavy = func(string) bool { return false }
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.BatchDelay < 0 {
		opts.BatchDelay = DefaultBatchDelay
	}
	if opts.ShortTimeout <= 0 {
		opts.ShortTimeout = DefaultShortTimeout
	}
	if opts.LongTimeout < opts.ShortTimeout {
		opts.LongTimeout = max(DefaultLongTimeout, opts.ShortTimeout)
	}
	return &Processor{
		syncer:      opts.Syncer,
		knownHeavy:  opts.KnownHeavy,
		concurrency: opts.Concurrency,
		delay:       opts.BatchDelay,
		short:       opts.ShortTimeout,
		long:        opts.LongTimeout,
		logger:      log.With(opts.Logger, map[string]any{"component": "batch"}),
	}, nil
}

// Checked is an account that was synced or skipped.
type Checked struct {
	Account domain.FollowedAccount
	Outcome Outcome
}

// Result is the outcome of Process.
type Result struct {
	domain.BatchStats
	Checked []Checked
}

// ProgressFunc is called after each account with the running totals.
type ProgressFunc func(done, total int, stats domain.BatchStats)

// Process syncs accounts in groups of Concurrency, pausing BatchDelay
// between groups. Per-account failures are recorded and never stop the
// batch. Only cancellation of ctx ends it early, in which case ctx.Err()
// is returned along with what completed.
func (p *Processor) Process(ctx context.Context, accounts []domain.FollowedAccount, onProgress ProgressFunc) (Result, error) {
	var (
		mu   sync.Mutex
		res  = Result{BatchStats: domain.BatchStats{Errors: []string{}}}
		done int
	)
	record := func(acct domain.FollowedAccount, out Outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		done++
		switch {
		case err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf(errAccountFailed, acct.Label(), err))
		case out.Skipped:
			res.Skipped++
			res.Checked = append(res.Checked, Checked{Account: acct, Outcome: out})
		default:
			res.Synced++
			res.Checked = append(res.Checked, Checked{Account: acct, Outcome: out})
		}
		if onProgress != nil {
			onProgress(done, len(accounts), res.BatchStats)
		}
	}

	for start := 0; start < len(accounts); start += p.concurrency {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+p.concurrency, len(accounts))

		var g errgroup.Group
		for _, acct := range accounts[start:end] {
			g.Go(func() error {
				out, err := p.runAccount(ctx, acct)
				if err != nil && ctx.Err() == nil {
					p.logger.Warn(map[string]any{"did": acct.DID, "handle": acct.Handle, "error": err}, "account sync failed")
				}
				record(acct, out, err)
				return nil
			})
		}
		_ = g.Wait()

		if end < len(accounts) {
			if err := sleep(ctx, p.delay); err != nil {
				return res, err
			}
		}
	}
	return res, ctx.Err()
}

// runAccount applies the timeout budget: long straight away for known heavy
// accounts, otherwise short and one long retry only on a timeout.
func (p *Processor) runAccount(ctx context.Context, acct domain.FollowedAccount) (Outcome, error) {
	if p.knownHeavy(acct.DID) {
		return p.attempt(ctx, acct, p.long)
	}
	out, err := p.attempt(ctx, acct, p.short)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		p.logger.Debug(map[string]any{"did": acct.DID, "budget": p.long.String()}, "short budget exceeded, retrying")
		return p.attempt(ctx, acct, p.long)
	}
	return out, err
}

func (p *Processor) attempt(ctx context.Context, acct domain.FollowedAccount, budget time.Duration) (Outcome, error) {
	actx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return p.syncer.Sync(actx, acct)
}
