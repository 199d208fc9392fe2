package model

import (
	"encoding/json"
	"time"
)

// proxyWire is the JSON wire shape of a Proxy. Only runtime values whose
// key has IncludeInAPI=true are surfaced;
// the rest are dropped by design, not an oversight.
type proxyWire struct {
	ID string `json:"id"`
	SpecID string `json:"specId"`
	UserID string `json:"userId"`
	DisplayName string `json:"displayName"`
	Status ProxyStatus `json:"status"`
	CreatedTS time.Time `json:"createdTimestamp"`
	StartupTS time.Time `json:"startupTimestamp"`
	Containers []Container `json:"containers"`
	Targets []string `json:"targets,omitempty"`
	RuntimeValues map[string]any `json:"runtimeValues,omitempty"`
}

// MarshalJSON serializes the public API view of a Proxy.
func (p Proxy) MarshalJSON() ([]byte, error) {
	rv := make(map[string]any)
	for name, v := range p.runtimeValues {
		key, err := LookupRuntimeValueKey(name)
		if err != nil {
			continue // unregistered keys never reach runtimeValues in practice
		}
		if key.IncludeInAPI {
			rv[name] = v
		}
	}
	w := proxyWire{
		ID: p.ID,
		SpecID: p.SpecID,
		UserID: p.UserID,
		DisplayName: p.DisplayName,
		Status: p.Status,
		CreatedTS: p.CreatedTS,
		StartupTS: p.StartupTS,
		Containers: p.Containers[:],
		Targets: p.Targets,
		RuntimeValues: rv,
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire shape produced by MarshalJSON. Runtime
// values not present on the wire (IncludeInAPI=false) are simply absent
// from the round-tripped value, matching the by-design drop on marshal.
func (p *Proxy) UnmarshalJSON(data []byte) error {
	var w proxyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.ID = w.ID
	p.SpecID = w.SpecID
	p.UserID = w.UserID
	p.DisplayName = w.DisplayName
	p.Status = w.Status
	p.CreatedTS = w.CreatedTS
	p.StartupTS = w.StartupTS
	if len(w.Containers) > 0 {
		p.Containers[0] = w.Containers[0]
	}
	p.Targets = w.Targets
	p.runtimeValues = make(map[string]any, len(w.RuntimeValues))
	for k, v := range w.RuntimeValues {
		p.runtimeValues[k] = v
	}
	return nil
}
