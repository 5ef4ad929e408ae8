package worker

import (
	"context"
	"sync"
	"time"

	appPayment "github.com/openstall/marketplace-payments/internal/application/payment"
	"github.com/openstall/marketplace-payments/internal/domain/suborder"
	"github.com/openstall/marketplace-payments/internal/observability"
)

const (
	defaultPollInterval = time.Minute
	defaultBatchSize    = 50
)

// RetryPoller periodically picks up failed sub-orders whose scheduled retry
// time has passed and re-runs authorization for them. The authorize use case
// is idempotent, so a sub-order retried twice costs one gateway call.
type RetryPoller struct {
	subOrders suborder.Repository
	authorize *appPayment.AuthorizeUseCase
	interval  time.Duration
	batchSize int
	now       func() time.Time

	log observability.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewRetryPoller(
	subOrders suborder.Repository,
	authorize *appPayment.AuthorizeUseCase,
	interval time.Duration,
	batchSize int,
	tel observability.Observability,
) *RetryPoller {
	if tel == nil {
		tel = observability.Nop()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &RetryPoller{
		subOrders: subOrders,
		authorize: authorize,
		interval:  interval,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
		log:       tel.Logger().With(observability.F("component", "retry-poller")),
		done:      make(chan struct{}),
	}
}

func (p *RetryPoller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		bg, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		go p.loop(bg)
		p.log.Info("retry_poller_started",
			observability.F("interval", p.interval.String()),
			observability.F("batch_size", p.batchSize),
		)
	})
}

func (p *RetryPoller) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		select {
		case <-p.done:
		case <-ctx.Done():
		}
		p.log.Info("retry_poller_stopped")
	})
}

func (p *RetryPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

// runOnce drains one batch of due retries.
func (p *RetryPoller) runOnce(ctx context.Context) {
	due, err := p.subOrders.FindDueForRetry(ctx, p.now(), p.batchSize)
	if err != nil {
		p.log.Error("retry_scan_failed", observability.F("error", err.Error()))
		return
	}
	if len(due) == 0 {
		return
	}

	p.log.Info("retry_batch_picked_up", observability.F("count", len(due)))

	for _, so := range due {
		if ctx.Err() != nil {
			return
		}
		res, err := p.authorize.Execute(ctx, appPayment.AuthorizeInput{SubOrderID: so.ID})
		if err != nil {
			p.log.Error("retry_authorization_errored",
				observability.F("sub_order_id", so.ID),
				observability.F("error", err.Error()),
			)
			continue
		}
		p.log.Info("retry_authorization_done",
			observability.F("sub_order_id", so.ID),
			observability.F("success", res.Success),
			observability.F("retryable", res.Retryable),
		)
	}
}
