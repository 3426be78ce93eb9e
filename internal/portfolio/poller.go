package portfolio

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/trustedstake/stake-engine/internal/account"
)

// Poller refreshes a fixed set of addresses on an interval.
type Poller struct {
	svc       *Service
	addresses []string
	interval  time.Duration
	timeout   time.Duration
}

// NewPoller creates a poller. Each refresh gets at most timeout to finish;
// zero means interval.
func NewPoller(svc *Service, addresses []string, interval, timeout time.Duration) *Poller {
	if timeout <= 0 {
		timeout = interval
	}
	return &Poller{
		svc:       svc,
		addresses: append([]string(nil), addresses...),
		interval:  interval,
		timeout:   timeout,
	}
}

// Run refreshes every address immediately and then once per interval
// until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.addresses) == 0 {
		slog.Info("poller idle, no watch addresses")
		<-ctx.Done()
		return ctx.Err()
	}
	slog.Info("poller started", "addresses", len(p.addresses), "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.Tick(ctx)
		select {
		case <-ctx.Done():
			slog.Info("poller stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick refreshes every address once, sequentially, and returns how many
// refreshes succeeded.
func (p *Poller) Tick(ctx context.Context) int {
	ok := 0
	for _, addr := range p.addresses {
		if ctx.Err() != nil {
			break
		}
		rctx, cancel := context.WithTimeout(ctx, p.timeout)
		_, err := p.svc.Refresh(rctx, addr)
		cancel()
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrStale), errors.Is(err, context.Canceled):
		default:
			slog.Warn("scheduled refresh failed", "owner", account.Truncate(addr), "err", err)
		}
	}
	return ok
}
