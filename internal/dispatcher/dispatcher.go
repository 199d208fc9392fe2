// Package dispatcher implements the ProxySharing Dispatcher: one
// instance per ProxySpec, claiming seats for newly-arriving proxies
// (waiting and retrying as needed), retargeting them onto a delegate
// workload, and releasing their seat on stop. The wait loop
// subscribes to seat-available events and rechecks the claim on every
// wake, rather than blocking on a single notification.
package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/basket/seatshare/internal/audit"
	"github.com/basket/seatshare/internal/bus"
	"github.com/basket/seatshare/internal/dockerdelegate"
	"github.com/basket/seatshare/internal/model"
	"github.com/basket/seatshare/internal/pendingclaim"
)

// Sentinel errors, distinguished by kind so callers can branch on them.
var (
	// ErrUnsupported is returned by pauseProxy/resumeProxy: fatal for the
	// requested operation, not for the dispatcher itself.
	ErrUnsupported = errors.New("dispatcher: unsupported operation")
	// ErrProxyFailedToStart is returned when no seat could be claimed
	// within the attempt budget, or the delegate lookup failed after claim.
	ErrProxyFailedToStart = errors.New("dispatcher: proxy failed to start")
)

// Config holds the Dispatcher's tunable wait parameters.
type Config struct {
	WaitUnit time.Duration
	MaxAttempts int
	PendingTTL time.Duration
}

// DefaultConfig returns the default tunables: 3s wait unit, 600
// attempts (30 min total), 10 min pending-claim TTL.
func DefaultConfig() Config {
	return Config{
		WaitUnit: 3 * time.Second,
		MaxAttempts: 600,
		PendingTTL: 10 * time.Minute,
	}
}

// MetricsSink records seat-wait latency per spec.
type MetricsSink interface {
	ObserveSeatWait(specID string, d time.Duration)
}

// DelegateProxyStore resolves a claimed seat's delegate to its current
// target endpoints.
type DelegateProxyStore interface {
	GetDelegateProxy(ctx context.Context, delegateID string) (model.DelegateProxy, error)
}

// SeatStore is the slice of the seat inventory the dispatcher needs:
// the linearizable claim/release pair.
type SeatStore interface {
	ClaimSeat(claimantProxyID string) (model.Seat, bool)
	ReleaseSeat(seatID string)
}

// ProxyStore returns the authoritative latest snapshot for a proxy,
// including status changes made by unrelated control paths. The
// dispatcher polls it to detect cancellation mid-wait.
type ProxyStore interface {
	Get(id string) (model.Proxy, bool)
}

// Dispatcher is the per-spec seat scheduler.
type Dispatcher struct {
	spec model.ProxySpec
	seats SeatStore
	delegates DelegateProxyStore
	proxies ProxyStore
	claims *pendingclaim.Table
	eventBus *bus.Bus
	cfg Config
	metrics MetricsSink

	sub *bus.Subscription
}

// New creates a Dispatcher for spec, wiring its own PendingClaimTable
// and subscribing to seat-availability events; events for other specs
// are dropped in onSeatAvailableEvent.
func New(spec model.ProxySpec, seats SeatStore, delegates DelegateProxyStore, proxies ProxyStore, eventBus *bus.Bus, cfg Config, metrics MetricsSink) *Dispatcher {
	if cfg.WaitUnit <= 0 {
		cfg.WaitUnit = DefaultConfig().WaitUnit
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	d := &Dispatcher{
		spec: spec,
		seats: seats,
		delegates: delegates,
		proxies: proxies,
		claims: pendingclaim.New(cfg.PendingTTL),
		eventBus: eventBus,
		cfg: cfg,
		metrics: metrics,
	}
	if eventBus != nil {
		d.sub = eventBus.Subscribe(bus.TopicSeatAvailable)
		go d.runEventLoop()
	}
	return d
}

// Close stops the dispatcher's background event loop.
func (d *Dispatcher) Close() {
	if d.sub != nil {
		d.eventBus.Unsubscribe(d.sub)
	}
}

func (d *Dispatcher) runEventLoop() {
	for evt := range d.sub.Ch() {
		sa, ok := evt.Payload.(bus.SeatAvailableEvent)
		if !ok {
			continue
		}
		d.onSeatAvailableEvent(sa)
	}
}

// onSeatAvailableEvent filters by spec id,
// and if the event names a specific waiter, wake only that one.
// Otherwise this is a no-op; unaddressed waiters self-heal on their own
// per-attempt timeout.
func (d *Dispatcher) onSeatAvailableEvent(evt bus.SeatAvailableEvent) {
	if evt.SpecID != d.spec.ID {
		return
	}
	if evt.IntendedProxyID == "" {
		return
	}
	d.claims.CompleteAndRemove(evt.IntendedProxyID, pendingclaim.Completed)
}

// StartProxy claims a seat for proxy, waiting and retrying if none is
// free, then retargets proxy onto the claimed seat's delegate.
func (d *Dispatcher) StartProxy(ctx context.Context, proxy model.Proxy) (model.Proxy, error) {
	startTime := time.Now()

	seat, ok := d.seats.ClaimSeat(proxy.ID)
	if !ok {
		var err error
		seat, ok, err = d.waitForSeat(ctx, proxy)
		if err != nil {
			return model.Proxy{}, err
		}
		if !ok {
			// Cancellation was observed out-of-band; return input unchanged.
			return proxy, nil
		}
	}

	if d.eventBus != nil {
		d.eventBus.Publish(bus.TopicSeatClaimed, bus.SeatClaimedEvent{SpecID: d.spec.ID, ProxyID: proxy.ID})
	}
	if d.metrics != nil {
		d.metrics.ObserveSeatWait(d.spec.ID, time.Since(startTime))
	}

	delegate, err := d.delegates.GetDelegateProxy(ctx, seat.DelegateProxyID)
	if err != nil {
		d.seats.ReleaseSeat(seat.ID)
		if errors.Is(err, dockerdelegate.ErrDelegateMissing) {
			audit.Record("denied", d.spec.ID, proxy.ID, seat.ID, "delegate missing after claim")
			if d.eventBus != nil {
				d.eventBus.Publish(bus.TopicOpsAlert, bus.OpsAlert{
					SpecID:  d.spec.ID,
					ProxyID: proxy.ID,
					Reason:  "ProxyFailedToStart",
					Message: fmt.Sprintf("delegate %s missing after claim", seat.DelegateProxyID),
				})
			}
			return model.Proxy{}, fmt.Errorf("%w: delegate %s missing after claim", ErrProxyFailedToStart, seat.DelegateProxyID)
		}
		audit.Record("denied", d.spec.ID, proxy.ID, seat.ID, err.Error())
		return model.Proxy{}, fmt.Errorf("%w: %v", ErrProxyFailedToStart, err)
	}

	audit.Record("claimed", d.spec.ID, proxy.ID, seat.ID, "")
	return retarget(proxy, seat, delegate), nil
}

// waitForSeat runs the bounded wait-and-retry loop.
// Returns (seat, true, nil) on success, (zero, false, nil) if
// cancellation was observed (caller must return the input proxy
// unchanged), or a non-nil error: ProxyFailedToStart, or ctx.Err()
// when ctx is cancelled before an attempt starts.
func (d *Dispatcher) waitForSeat(ctx context.Context, proxy model.Proxy) (model.Seat, bool, error) {
	pc := d.claims.Insert(proxy.ID)
	defer d.claims.Invalidate(proxy.ID)

	if d.eventBus != nil {
		d.eventBus.Publish(bus.TopicPendingProxy, bus.PendingProxyEvent{SpecID: d.spec.ID, ProxyID: proxy.ID})
	}

	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return model.Seat{}, false, ctx.Err()
		default:
		}

		outcome := pendingclaim.Wait(pc, d.cfg.WaitUnit)
		if outcome == pendingclaim.Cancelled {
			return model.Seat{}, false, nil
		}
		// Completed and TimedOut both fall through to a re-attempt; every
		// wake is a hint, never a guarantee.

		if d.isCancelledOutOfBand(proxy.ID) {
			return model.Seat{}, false, nil
		}

		if seat, ok := d.seats.ClaimSeat(proxy.ID); ok {
			return seat, true, nil
		}
	}

	audit.Record("timed_out", d.spec.ID, proxy.ID, "", fmt.Sprintf("exhausted %d attempts", d.cfg.MaxAttempts))
	if d.eventBus != nil {
		d.eventBus.Publish(bus.TopicOpsAlert, bus.OpsAlert{
			SpecID:  d.spec.ID,
			ProxyID: proxy.ID,
			Reason:  "ProxyFailedToStart",
			Message: fmt.Sprintf("no seat claimable after %d attempts", d.cfg.MaxAttempts),
		})
	}
	return model.Seat{}, false, fmt.Errorf("%w: exhausted %d attempts", ErrProxyFailedToStart, d.cfg.MaxAttempts)
}

func (d *Dispatcher) isCancelledOutOfBand(proxyID string) bool {
	if d.proxies == nil {
		return false
	}
	current, ok := d.proxies.Get(proxyID)
	if !ok {
		return true
	}
	return current.Status == model.ProxyStopping || current.Status == model.ProxyStopped
}

// retarget produces a new immutable
// Proxy snapshot pointed at the claimed delegate.
func retarget(proxy model.Proxy, seat model.Seat, delegate model.DelegateProxy) model.Proxy {
	builder := model.NewProxyBuilder(proxy).
		AppendTargets(delegate.Targets...).
		SetRuntimeValue(model.KeyTargetID, delegate.ID).
		SetRuntimeValue(model.KeySeatID, seat.ID).
		SetContainerID(newContainerID())

	if _, ok := proxy.Get(model.KeyPublicPath); ok {
		builder = builder.ReplaceRuntimeValueSubstring(model.KeyPublicPath, proxy.ID, delegate.ID)
	}

	return builder.Build()
}

func newContainerID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// StopProxy releases proxy's claimed seat, if any. Releasing an unheld
// seat and cancelling a nonexistent pending claim are both no-ops, so
// stopping twice is safe.
func (d *Dispatcher) StopProxy(proxy model.Proxy, reason string) {
	if seatID, ok := proxy.Get(model.KeySeatID); ok {
		id, _ := seatID.(string)
		if id != "" {
			d.seats.ReleaseSeat(id)
			audit.Record("released", d.spec.ID, proxy.ID, id, reason)
			if d.eventBus != nil {
				d.eventBus.Publish(bus.TopicSeatReleased, bus.SeatReleasedEvent{
				SpecID:  d.spec.ID,
				SeatID:  id,
				ProxyID: proxy.ID,
				Reason:  reason,
			})
			}
		}
	}

	d.claims.CompleteAndRemove(proxy.ID, pendingclaim.Cancelled)
}

// PauseProxy always fails: sharing does not support pausing a proxy
// while its seat may be reassigned.
func (d *Dispatcher) PauseProxy(model.Proxy) (model.Proxy, error) {
	return model.Proxy{}, ErrUnsupported
}

// ResumeProxy always fails, mirroring PauseProxy.
func (d *Dispatcher) ResumeProxy(model.Proxy) (model.Proxy, error) {
	return model.Proxy{}, ErrUnsupported
}

// SupportsPause reports whether this dispatcher can pause proxies. It
// never can.
func (d *Dispatcher) SupportsPause() bool { return false }

// AddRuntimeValuesBeforeSpel is a pass-through hook point: this
// dispatcher precomputes nothing ahead of policy evaluation.
func (d *Dispatcher) AddRuntimeValuesBeforeSpel(proxy model.Proxy) model.Proxy {
	return proxy
}

// SupportsSharing reports whether this dispatcher's spec opts into
// seat sharing.
func (d *Dispatcher) SupportsSharing() bool {
	return model.SupportsSharing(d.spec)
}
