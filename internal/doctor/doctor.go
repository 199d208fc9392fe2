// Package doctor runs startup diagnostics for the ProxySharing dispatcher
// fleet: is the config readable, does the proxy database open, is Docker
// reachable, do the seat counts look sane. Every check reports one of
// PASS, WARN, FAIL, or SKIP.
package doctor

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/docker/docker/client"

	"github.com/basket/seatshare/internal/config"
	"github.com/basket/seatshare/internal/dockerdelegate"
	"github.com/basket/seatshare/internal/proxystore"
	"github.com/basket/seatshare/internal/seatstore"
)

// CheckResult is the outcome of one diagnostic check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // PASS, WARN, FAIL, SKIP
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Diagnosis is the full report produced by Run.
type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// SystemInfo identifies the runtime the dispatcher fleet is running on.
type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// DelegateDiscoverer is the slice of the delegate registry the seat
// capacity check needs.
type DelegateDiscoverer interface {
	DiscoverDelegates(ctx context.Context, label string) ([]dockerdelegate.Discovered, error)
}

// Deps holds the already-constructed components Run inspects. Any field
// may be nil; the corresponding check reports SKIP.
type Deps struct {
	Config      *config.Config
	Proxies     *proxystore.Store
	Seats       *seatstore.Store
	Delegates   DelegateDiscoverer
	DockerLabel string
}

// Run executes every diagnostic check and returns the aggregate report.
func Run(ctx context.Context, deps Deps, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results,
		checkConfig(deps),
		checkSpecs(deps),
		checkProxyStore(deps),
		checkSeatCounts(ctx, deps),
		checkDocker(ctx),
	)
	return d
}

func checkConfig(deps Deps) CheckResult {
	if deps.Config == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: "loaded"}
}

func checkSpecs(deps Deps) CheckResult {
	if deps.Config == nil {
		return CheckResult{Name: "Specs", Status: "SKIP", Message: "config missing"}
	}
	specs := deps.Config.ProxySpecs()
	if len(specs) == 0 {
		return CheckResult{Name: "Specs", Status: "WARN", Message: "no proxy specs configured"}
	}
	sharing := 0
	for _, s := range specs {
		if s.Sharing.MinimumSeatsAvailable != nil {
			sharing++
		}
	}
	return CheckResult{
		Name:    "Specs",
		Status:  "PASS",
		Message: fmt.Sprintf("%d specs loaded, %d with sharing enabled", len(specs), sharing),
	}
}

func checkProxyStore(deps Deps) CheckResult {
	if deps.Proxies == nil {
		return CheckResult{Name: "ProxyStore", Status: "SKIP", Message: "not initialized"}
	}
	return CheckResult{Name: "ProxyStore", Status: "PASS", Message: "database reachable"}
}

// checkSeatCounts verifies that claimed+unclaimed seat counts add up to
// the capacity the known delegate set offers. A drift means seats were
// registered for a delegate that no longer exists, or a delegate's
// seats were never registered.
func checkSeatCounts(ctx context.Context, deps Deps) CheckResult {
	if deps.Seats == nil {
		return CheckResult{Name: "SeatStore", Status: "SKIP", Message: "not initialized"}
	}
	claimed := deps.Seats.GetNumClaimedSeats()
	free := deps.Seats.GetNumUnclaimedSeats()
	counts := fmt.Sprintf("%d claimed, %d free", claimed, free)

	if deps.Delegates == nil {
		return CheckResult{
			Name:    "SeatStore",
			Status:  "PASS",
			Message: counts + " (delegate capacity not checked)",
		}
	}

	discovered, err := deps.Delegates.DiscoverDelegates(ctx, deps.DockerLabel)
	if err != nil {
		return CheckResult{
			Name:    "SeatStore",
			Status:  "WARN",
			Message: counts + "; delegate capacity unresolvable",
			Detail:  err.Error(),
		}
	}
	capacity := 0
	for _, dg := range discovered {
		capacity += dg.Seats
	}
	if claimed+free != capacity {
		return CheckResult{
			Name:    "SeatStore",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s; seat counts drift from delegate capacity", counts),
			Detail:  fmt.Sprintf("inventory holds %d seats but %d delegates offer %d", claimed+free, len(discovered), capacity),
		}
	}
	return CheckResult{
		Name:    "SeatStore",
		Status:  "PASS",
		Message: fmt.Sprintf("%s, matching %d delegates offering %d seats", counts, len(discovered), capacity),
	}
}

func checkDocker(ctx context.Context) CheckResult {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: "could not create client", Detail: err.Error()}
	}
	defer cli.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  "WARN",
			Message: "daemon unreachable",
			Detail:  "delegate workload resolution will fail until the Docker daemon is reachable: " + err.Error(),
		}
	}
	return CheckResult{Name: "Docker", Status: "PASS", Message: "daemon reachable"}
}
