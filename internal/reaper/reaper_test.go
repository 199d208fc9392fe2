package reaper

import (
	"testing"
	"time"

	"github.com/basket/seatshare/internal/bus"
	"github.com/basket/seatshare/internal/model"
	"github.com/basket/seatshare/internal/seatstore"
)

type fakeProxyStore struct {
	proxies map[string]model.Proxy
}

func (f *fakeProxyStore) Get(id string) (model.Proxy, bool) {
	p, ok := f.proxies[id]
	return p, ok
}

func TestSweepReleasesOrphanedClaims(t *testing.T) {
	b := bus.New()
	seats := seatstore.New(b)
	seats.RegisterSeat("s1", "spec1", "d1")
	seats.RegisterSeat("s2", "spec1", "d1")

	if _, ok := seats.ClaimSeat("orphan-proxy"); !ok {
		t.Fatal("expected to claim s1 or s2")
	}
	claimed, ok := seats.ClaimSeat("live-proxy")
	if !ok {
		t.Fatal("expected to claim remaining seat")
	}

	proxies := &fakeProxyStore{proxies: map[string]model.Proxy{
		"live-proxy": {ID: "live-proxy", Status: model.ProxyUp},
	}}

	r, err := New(Config{Seats: seats, Proxies: proxies, Bus: b, Schedule: "@every 1m"})
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}

	released := r.Sweep()
	if released != 1 {
		t.Fatalf("expected 1 seat released, got %d", released)
	}
	if seats.GetNumUnclaimedSeats() != 1 {
		t.Fatalf("expected 1 free seat after sweep, got %d", seats.GetNumUnclaimedSeats())
	}
	if got, _ := seats.GetSeat(claimed.ID); !got.Claimed {
		t.Fatalf("expected live proxy's seat to remain claimed")
	}
}

func TestSweepIgnoresLiveClaims(t *testing.T) {
	b := bus.New()
	seats := seatstore.New(b)
	seats.RegisterSeat("s1", "spec1", "d1")
	seat, _ := seats.ClaimSeat("p1")

	proxies := &fakeProxyStore{proxies: map[string]model.Proxy{
		"p1": {ID: "p1", Status: model.ProxyStarting},
	}}
	r, err := New(Config{Seats: seats, Proxies: proxies, Schedule: "@every 1m"})
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}
	if released := r.Sweep(); released != 0 {
		t.Fatalf("expected 0 released, got %d", released)
	}
	if got, _ := seats.GetSeat(seat.ID); !got.Claimed {
		t.Fatalf("expected seat to remain claimed")
	}
}

func TestStartStop(t *testing.T) {
	b := bus.New()
	seats := seatstore.New(b)
	proxies := &fakeProxyStore{proxies: map[string]model.Proxy{}}
	r, err := New(Config{Seats: seats, Proxies: proxies, Schedule: "@every 10ms"})
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}
	r.Start(t.Context())
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}
