// Package dockerdelegate implements the DelegateProxyStore by
// resolving delegate workloads to their live target endpoints
// through read-only Docker container inspection. It never creates,
// starts, or kills containers: delegate workloads are provisioned by a
// separate scaler (out of scope), this package only answers
// "where does delegate X currently point?"
package dockerdelegate

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/basket/seatshare/internal/model"
)

// Container labels read off a delegate workload during discovery. The
// scaler that provisions delegates stamps these when it creates the
// container.
const (
	LabelDelegate   = "seatshare.delegate"    // presence marks a delegate candidate
	LabelDelegateID = "seatshare.delegate-id" // optional stable id; container id prefix otherwise
	LabelSpecID     = "seatshare.spec-id"     // spec whose seats this delegate hosts
	LabelSeats      = "seatshare.seats"       // seat count; defaults to 1
)

// ErrDelegateMissing is returned when the delegate was retired between
// claim and read.
var ErrDelegateMissing = fmt.Errorf("dockerdelegate: delegate missing")

// Store resolves delegateId -> model.DelegateProxy by inspecting the
// container Docker reports for that delegate, and caches the
// delegate->containerID mapping registered at seat-registration time so
// a lookup does not have to list all containers on every call.
type Store struct {
	cli *client.Client

	mu sync.RWMutex
	containerOf map[string]string // delegateId -> container id
	specOf map[string]string // delegateId -> specId
}

// New creates a Store backed by the Docker daemon at host, or the
// ambient daemon (DOCKER_HOST / platform default socket) when host is
// empty.
func New(host string) (*Store, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Store{
		cli: cli,
		containerOf: make(map[string]string),
		specOf: make(map[string]string),
	}, nil
}

// RegisterDelegate associates a delegate id with the spec it serves and
// the container that backs it. Called by DiscoverDelegates for each
// delegate container it finds.
func (s *Store) RegisterDelegate(delegateID, specID, containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containerOf[delegateID] = containerID
	s.specOf[delegateID] = specID
}

// ForgetDelegate removes a delegate from the resolvable set, e.g. once
// its container is retired.
func (s *Store) ForgetDelegate(delegateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containerOf, delegateID)
	delete(s.specOf, delegateID)
}

// Discovered describes one delegate workload found on the daemon.
type Discovered struct {
	DelegateID string
	SpecID     string
	Seats      int
}

// DiscoverDelegates lists running containers carrying label (default
// LabelDelegate) and registers each as a delegate. A container is also
// required to declare itself a delegate, either through the label value
// or the SHINYPROXY_DELEGATE_PROXYS=true environment marker its
// provisioner set on it. The returned slice tells the caller how many
// seats to register per delegate.
func (s *Store) DiscoverDelegates(ctx context.Context, label string) ([]Discovered, error) {
	if label == "" {
		label = LabelDelegate
	}
	list, err := s.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, fmt.Errorf("list delegate containers: %w", err)
	}

	envMarker := model.KeyDelegateProxy.EnvVar + "=true"
	var found []Discovered
	for _, c := range list {
		inspect, err := s.cli.ContainerInspect(ctx, c.ID)
		if err != nil || inspect.State == nil || !inspect.State.Running {
			continue
		}
		hasEnvMarker := inspect.Config != nil && slices.Contains(inspect.Config.Env, envMarker)
		if c.Labels[label] != "true" && !hasEnvMarker {
			continue
		}
		d, ok := delegateFromLabels(c.ID, c.Labels)
		if !ok {
			continue
		}
		s.RegisterDelegate(d.DelegateID, d.SpecID, c.ID)
		found = append(found, d)
	}
	return found, nil
}

// delegateFromLabels derives the delegate identity and seat count from a
// container's labels. Returns false if the container does not name the
// spec it serves.
func delegateFromLabels(containerID string, labels map[string]string) (Discovered, bool) {
	specID := labels[LabelSpecID]
	if specID == "" {
		return Discovered{}, false
	}
	delegateID := labels[LabelDelegateID]
	if delegateID == "" {
		delegateID = containerID
		if len(delegateID) > 12 {
			delegateID = delegateID[:12]
		}
	}
	seats := 1
	if v := labels[LabelSeats]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Discovered{}, false
		}
		seats = n
	}
	return Discovered{DelegateID: delegateID, SpecID: specID, Seats: seats}, true
}

// GetDelegateProxy resolves the current target endpoints for a
// delegate. Returns ErrDelegateMissing if the delegate was never
// registered or its container has since disappeared.
func (s *Store) GetDelegateProxy(ctx context.Context, delegateID string) (model.DelegateProxy, error) {
	s.mu.RLock()
	containerID, ok := s.containerOf[delegateID]
	specID := s.specOf[delegateID]
	s.mu.RUnlock()
	if !ok {
		return model.DelegateProxy{}, ErrDelegateMissing
	}

	inspect, err := s.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			s.ForgetDelegate(delegateID)
			return model.DelegateProxy{}, ErrDelegateMissing
		}
		return model.DelegateProxy{}, fmt.Errorf("inspect delegate %s: %w", delegateID, err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return model.DelegateProxy{}, ErrDelegateMissing
	}

	targets := targetsFromPorts(inspect.NetworkSettings.Ports)
	if len(targets) == 0 {
		return model.DelegateProxy{}, ErrDelegateMissing
	}

	return model.DelegateProxy{ID: delegateID, SpecID: specID, Targets: targets, Ready: true}, nil
}

func targetsFromPorts(ports nat.PortMap) []string {
	var targets []string
	for _, bindings := range ports {
		for _, b := range bindings {
			host := b.HostIP
			if host == "" || host == "0.0.0.0" {
				host = "127.0.0.1"
			}
			targets = append(targets, fmt.Sprintf("http://%s", net.JoinHostPort(host, b.HostPort)))
		}
	}
	return targets
}

// Close releases the underlying Docker client.
func (s *Store) Close() error {
	return s.cli.Close()
}
