package doctor

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/seatshare/internal/bus"
	"github.com/basket/seatshare/internal/config"
	"github.com/basket/seatshare/internal/dockerdelegate"
	"github.com/basket/seatshare/internal/proxystore"
	"github.com/basket/seatshare/internal/seatstore"
)

func TestCheckConfig_Nil(t *testing.T) {
	result := checkConfig(Deps{})
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckSpecs_NoneConfigured(t *testing.T) {
	result := checkSpecs(Deps{Config: &config.Config{}})
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for no specs, got %s", result.Status)
	}
}

func TestCheckSpecs_CountsSharingEnabled(t *testing.T) {
	min := 2
	cfg := &config.Config{}
	cfg.Proxy.Specs = []config.SpecConfig{
		{ID: "a"},
		{ID: "b"},
	}
	cfg.Proxy.Specs[1].Sharing.MinimumSeatsAvailable = &min

	result := checkSpecs(Deps{Config: cfg})
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckProxyStore_Nil(t *testing.T) {
	result := checkProxyStore(Deps{})
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil proxy store, got %s", result.Status)
	}
}

func TestCheckProxyStore_Present(t *testing.T) {
	store := proxystore.OpenInMemory()
	defer store.Close()
	result := checkProxyStore(Deps{Proxies: store})
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s", result.Status)
	}
}

type fakeDiscoverer struct {
	discovered []dockerdelegate.Discovered
	err        error
}

func (f *fakeDiscoverer) DiscoverDelegates(context.Context, string) ([]dockerdelegate.Discovered, error) {
	return f.discovered, f.err
}

func TestCheckSeatCounts_Nil(t *testing.T) {
	result := checkSeatCounts(context.Background(), Deps{})
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil seat store, got %s", result.Status)
	}
}

func TestCheckSeatCounts_NoDelegateRegistry(t *testing.T) {
	b := bus.New()
	seats := seatstore.New(b)
	seats.RegisterSeat("seat1", "spec1", "delegate1")
	seats.ClaimSeat("proxy1")

	result := checkSeatCounts(context.Background(), Deps{Seats: seats})
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s", result.Status)
	}
}

func TestCheckSeatCounts_MatchesDelegateCapacity(t *testing.T) {
	seats := seatstore.New(nil)
	seats.RegisterSeat("seat1", "spec1", "delegate1")
	seats.RegisterSeat("seat2", "spec1", "delegate1")
	seats.ClaimSeat("proxy1")

	deps := Deps{Seats: seats, Delegates: &fakeDiscoverer{
		discovered: []dockerdelegate.Discovered{{DelegateID: "delegate1", SpecID: "spec1", Seats: 2}},
	}}
	result := checkSeatCounts(context.Background(), deps)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS when counts match capacity, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckSeatCounts_DriftFromDelegateCapacityFails(t *testing.T) {
	seats := seatstore.New(nil)
	seats.RegisterSeat("seat1", "spec1", "delegate-gone")

	deps := Deps{Seats: seats, Delegates: &fakeDiscoverer{
		discovered: []dockerdelegate.Discovered{{DelegateID: "delegate1", SpecID: "spec1", Seats: 3}},
	}}
	result := checkSeatCounts(context.Background(), deps)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL on seat/capacity drift, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckSeatCounts_DiscoveryErrorWarns(t *testing.T) {
	seats := seatstore.New(nil)
	deps := Deps{Seats: seats, Delegates: &fakeDiscoverer{err: errors.New("daemon unreachable")}}
	result := checkSeatCounts(context.Background(), deps)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN when capacity cannot be resolved, got %s", result.Status)
	}
}

func TestRun_AggregatesAllChecks(t *testing.T) {
	diag := Run(context.Background(), Deps{}, "test-version")
	if diag.System.Version != "test-version" {
		t.Fatalf("expected version test-version, got %s", diag.System.Version)
	}
	if len(diag.Results) == 0 {
		t.Fatal("expected at least one check result")
	}
}
