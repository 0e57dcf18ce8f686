// Package poller implements the Poller (§4.7): a periodic task that
// fetches the chain head and enqueues it on a Pipeline, sharing the
// Supervisor's error-budget schedule but never injecting its own
// failures into the pipeline.
package poller

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"chainsync/internal/supervisor"
	"chainsync/pkg/chain"
)

// Poller periodically fetches blockTag=latest and enqueues it. It also
// accepts out-of-band wake-ups (§3 supplemented push path) from a
// WSHeadSubscriber so a new head is fetched as soon as it's announced
// rather than waiting out the rest of the polling interval.
type Poller struct {
	chainID  int64
	interval time.Duration
	rpc      chain.RequestQueue
	enqueue  func(*chain.RawBlock)
	sup      *supervisor.Supervisor
	wake     chan struct{}
}

// New constructs a Poller. onFatalError is invoked at most once if the
// poller's own consecutive-failure count reaches the fatal threshold
// (§4.7: "the poller has its own error budget ... poll failures do not
// inject into the pipeline").
func New(chainID int64, interval time.Duration, rpc chain.RequestQueue, enqueue func(*chain.RawBlock), onFatalError func(error)) *Poller {
	return &Poller{
		chainID:  chainID,
		interval: interval,
		rpc:      rpc,
		enqueue:  enqueue,
		sup:      supervisor.New(onFatalError),
		wake:     make(chan struct{}, 1),
	}
}

// WakeUp schedules an immediate poll, short-circuiting the rest of the
// current interval. Safe to call from another goroutine (e.g. a
// WSHeadSubscriber's onHead callback); a pending wake-up already queued
// is coalesced rather than blocking the caller.
func (p *Poller) WakeUp() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run starts the polling loop, blocking until ctx is canceled or the
// poller's own supervisor promotes to fatal.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Info().Int64("chainId", p.chainID).Dur("interval", p.interval).Msg("starting poller")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.wake:
			ticker.Reset(p.interval)
		}

		if err := p.pollOnce(ctx); err != nil {
			log.Warn().Err(err).Int64("chainId", p.chainID).Msg("poll failed")
			wait, ok := p.sup.RecordError(err)
			if !ok {
				return err
			}
			if werr := supervisor.Sleep(ctx, wait); werr != nil {
				return werr
			}
			continue
		}
		p.sup.Success()
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	block, err := p.rpc.GetBlockByNumber(ctx, chain.BlockTagLatest)
	if err != nil {
		return err
	}
	p.enqueue(block)
	return nil
}
