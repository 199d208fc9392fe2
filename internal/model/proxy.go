package model

import (
	"strings"
	"time"
)

// ProxyStatus is the lifecycle status of a user-facing Proxy.
type ProxyStatus string

const (
	ProxyNew ProxyStatus = "New"
	ProxyStarting ProxyStatus = "Starting"
	ProxyUp ProxyStatus = "Up"
	ProxyStopping ProxyStatus = "Stopping"
	ProxyStopped ProxyStatus = "Stopped"
	ProxyPaused ProxyStatus = "Paused"
)

// Terminal reports whether status means the proxy is no longer claimable
// or waitable on — the dispatcher must treat these as cancellation.
func (s ProxyStatus) Terminal() bool {
	return s == ProxyStopping || s == ProxyStopped
}

// Container is the proxy's single logical container slot. Non-goals
// exclude multi-container proxies.
type Container struct {
	ID string
	Image string
}

// RuntimeValueHolder is the capability interface for "anything that
// carries typed runtime values" (design note: replacing the abstract
// runtime-value base class with a capability interface).
type RuntimeValueHolder interface {
	RuntimeValues() map[string]any
	Get(key *RuntimeValueKey) (any, bool)
	GetOrNil(key *RuntimeValueKey) any
}

// Proxy is the user-facing session object. It is an immutable value;
// mutations go through ProxyBuilder and produce a new snapshot.
type Proxy struct {
	ID string
	SpecID string
	UserID string
	DisplayName string
	Status ProxyStatus
	CreatedTS time.Time
	StartupTS time.Time
	Containers [1]Container
	Targets []string

	runtimeValues map[string]any
}

// NewProxy constructs a freshly-admitted Proxy in status New.
func NewProxy(id, specID, userID string, containerID, image string, now time.Time) Proxy {
	p := Proxy{
		ID: id,
		SpecID: specID,
		UserID: userID,
		Status: ProxyNew,
		CreatedTS: now,
	}
	p.Containers[0] = Container{ID: containerID, Image: image}
	p.runtimeValues = map[string]any{}
	return p
}

// RuntimeValues returns the full runtime value map (keyed by RuntimeValueKey.Name).
func (p Proxy) RuntimeValues() map[string]any {
	return p.runtimeValues
}

// Get returns the value for key and whether it was present.
func (p Proxy) Get(key *RuntimeValueKey) (any, bool) {
	v, ok := p.runtimeValues[key.Name]
	return v, ok
}

// GetOrNil returns the value for key, or nil if absent.
func (p Proxy) GetOrNil(key *RuntimeValueKey) any {
	return p.runtimeValues[key.Name]
}

// clone returns a deep-enough copy of p for use as a builder's base:
// the runtime value map is copied so mutating the builder never aliases
// the original snapshot's map.
func (p Proxy) clone() Proxy {
	cp := p
	cp.runtimeValues = make(map[string]any, len(p.runtimeValues))
	for k, v := range p.runtimeValues {
		cp.runtimeValues[k] = v
	}
	cp.Targets = append([]string(nil), p.Targets...)
	return cp
}

// WithRuntimeValues returns a copy of p with its entire runtime value map
// replaced verbatim, bypassing per-key codec validation. MarshalJSON only
// surfaces IncludeInAPI keys (SeatId, notably, is not); a durable store
// that needs every value back after a restart reconstructs a Proxy
// through this instead of through the public JSON codec.
func (p Proxy) WithRuntimeValues(values map[string]any) Proxy {
	cp := p.clone()
	cp.runtimeValues = make(map[string]any, len(values))
	for k, v := range values {
		cp.runtimeValues[k] = v
	}
	return cp
}

var _ RuntimeValueHolder = Proxy{}

// ProxyBuilder constructs a new Proxy snapshot from an existing one.
// (design note: "Replacing shared-state deep copy" — copy becomes
// construct-a-new-snapshot-from-an-old-one.)
type ProxyBuilder struct {
	next Proxy
}

// NewProxyBuilder starts a builder seeded from base; base is never mutated.
func NewProxyBuilder(base Proxy) *ProxyBuilder {
	return &ProxyBuilder{next: base.clone()}
}

func (b *ProxyBuilder) SetStatus(s ProxyStatus) *ProxyBuilder {
	b.next.Status = s
	return b
}

func (b *ProxyBuilder) SetStartupTS(t time.Time) *ProxyBuilder {
	b.next.StartupTS = t
	return b
}

func (b *ProxyBuilder) AppendTargets(targets ...string) *ProxyBuilder {
	b.next.Targets = append(b.next.Targets, targets...)
	return b
}

func (b *ProxyBuilder) SetContainerID(id string) *ProxyBuilder {
	b.next.Containers[0].ID = id
	return b
}

// SetRuntimeValue sets a typed runtime value by key, validating it against
// the key's codec. An invalid value for the key's type is a programmer fault.
func (b *ProxyBuilder) SetRuntimeValue(key *RuntimeValueKey, value any) *ProxyBuilder {
	if _, err := key.EncodeString(value); err != nil {
		panic("model: " + err.Error())
	}
	b.next.runtimeValues[key.Name] = value
	return b
}

// ReplaceRuntimeValueSubstring replaces every occurrence of old with new
// inside the string runtime value at key, if present. Raw substring
// replacement is intentional: collateral
// replacement is a known, preserved risk, not a bug to fix here.
func (b *ProxyBuilder) ReplaceRuntimeValueSubstring(key *RuntimeValueKey, old, new string) *ProxyBuilder {
	v, ok := b.next.runtimeValues[key.Name]
	if !ok {
		return b
	}
	s, ok := v.(string)
	if !ok {
		return b
	}
	b.next.runtimeValues[key.Name] = strings.ReplaceAll(s, old, new)
	return b
}

// Build returns the finished immutable Proxy snapshot.
func (b *ProxyBuilder) Build() Proxy {
	return b.next
}
