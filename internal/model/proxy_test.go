package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestProxyBuilderImmutableSnapshot(t *testing.T) {
	now := time.Now()
	base := NewProxy("p1", "spec1", "user1", "orig-container", "img", now)
	base = NewProxyBuilder(base).SetRuntimeValue(KeyPublicPath, "/app/p1/").Build()

	next := NewProxyBuilder(base).
		SetStatus(ProxyUp).
		SetContainerID("fresh-container").
		AppendTargets("http://t1").
		SetRuntimeValue(KeyTargetID, "d1").
		SetRuntimeValue(KeySeatID, "s1").
		ReplaceRuntimeValueSubstring(KeyPublicPath, "p1", "d1").
		Build()

	if base.Containers[0].ID != "orig-container" {
		t.Fatalf("base mutated: %+v", base.Containers[0])
	}
	if next.Containers[0].ID != "fresh-container" {
		t.Fatalf("expected fresh container id, got %q", next.Containers[0].ID)
	}
	if v, _ := next.Get(KeyPublicPath); v != "/app/d1/" {
		t.Fatalf("expected retargeted PublicPath, got %v", v)
	}
	if _, ok := base.Get(KeyTargetID); ok {
		t.Fatalf("base must not see TargetId set on next")
	}
}

func TestProxyJSONRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	p := NewProxy("p2", "spec2", "user2", "c1", "img", now)
	p.DisplayName = "my session"
	p.Status = ProxyUp
	p.StartupTS = now.Add(time.Second)
	p = NewProxyBuilder(p).
		SetRuntimeValue(KeyTargetID, "d9").
		SetRuntimeValue(KeyPublicPath, "/app/d9/").
		SetRuntimeValue(KeySeatID, "s9"). // IncludeInAPI=false, must be dropped
		Build()

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var round Proxy
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if round.ID != p.ID || round.SpecID != p.SpecID || round.UserID != p.UserID ||
		round.DisplayName != p.DisplayName || round.Status != p.Status {
		t.Fatalf("core fields not preserved: %+v vs %+v", round, p)
	}
	if !round.CreatedTS.Equal(p.CreatedTS) || !round.StartupTS.Equal(p.StartupTS) {
		t.Fatalf("timestamps not preserved")
	}
	if round.Containers[0] != p.Containers[0] {
		t.Fatalf("containers not preserved")
	}
	if v, ok := round.Get(KeyTargetID); !ok || v != "d9" {
		t.Fatalf("TargetId (includeInApi=true) must survive round trip, got %v ok=%v", v, ok)
	}
	if _, ok := round.Get(KeySeatID); ok {
		t.Fatalf("SeatId (includeInApi=false) must be dropped on the wire")
	}
}
