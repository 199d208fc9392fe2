// Package reaper runs a periodic sweep that releases seats left claimed
// by a proxy whose ProxyStore record has gone terminal (Stopped,
// Stopping) or vanished entirely without going through
// Dispatcher.StopProxy — e.g. the admission layer crashed between
// claiming a seat and installing the retargeted snapshot.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/seatshare/internal/bus"
	"github.com/basket/seatshare/internal/model"
	"github.com/basket/seatshare/internal/seatstore"
)

var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ProxyStore is the subset of internal/proxystore.Store the reaper needs.
type ProxyStore interface {
	Get(id string) (model.Proxy, bool)
}

// Config holds the reaper's dependencies and schedule.
type Config struct {
	Seats    *seatstore.Store
	Proxies  ProxyStore
	Bus      *bus.Bus
	Schedule string // 5-field cron expression or descriptor; defaults to "@every 1m"
	Logger   *slog.Logger
}

// Reaper periodically sweeps the SeatStore for orphaned claims.
type Reaper struct {
	seats    *seatstore.Store
	proxies  ProxyStore
	eventBus *bus.Bus
	schedule cronlib.Schedule
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Reaper from cfg. Returns an error if cfg.Schedule does
// not parse as a cron expression.
func New(cfg Config) (*Reaper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "@every 1m"
	}
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		seats:    cfg.Seats,
		proxies:  cfg.Proxies,
		eventBus: cfg.Bus,
		schedule: sched,
		logger:   logger,
	}, nil
}

// Start begins the sweep loop in the background until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("seat reaper started")
}

// Stop cancels the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("seat reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	next := r.schedule.Next(time.Now())
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.Sweep()
			next = r.schedule.Next(time.Now())
		}
	}
}

// Sweep releases every claimed seat whose claimant proxy is absent from
// the ProxyStore, or recorded as Stopping/Stopped there. Returns the
// number of seats released.
func (r *Reaper) Sweep() int {
	released := 0
	for _, seat := range r.seats.ListClaimed() {
		if seat.ClaimantProxyID == "" {
			continue
		}
		proxy, ok := r.proxies.Get(seat.ClaimantProxyID)
		if ok && !proxy.Status.Terminal() {
			continue
		}

		r.seats.ReleaseSeat(seat.ID)
		released++
		if r.eventBus != nil {
			r.eventBus.Publish(bus.TopicSeatReleased, bus.SeatReleasedEvent{
				SpecID:  seat.SpecID,
				SeatID:  seat.ID,
				ProxyID: seat.ClaimantProxyID,
				Reason:  "reaper: orphaned claim",
			})
		}
		r.logger.Warn("reaper: released orphaned seat",
			"seat_id", seat.ID, "proxy_id", seat.ClaimantProxyID, "spec_id", seat.SpecID)
	}
	if released > 0 {
		r.logger.Info("reaper: sweep reconciled seat counts",
			"released", released,
			"claimed", r.seats.GetNumClaimedSeats(),
			"free", r.seats.GetNumUnclaimedSeats())
	}
	return released
}
