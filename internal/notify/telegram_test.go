package notify

import (
	"strings"
	"testing"

	"github.com/basket/seatshare/internal/bus"
)

func TestFormat(t *testing.T) {
	tg := New("token", 42, bus.New(), nil)

	cases := []struct {
		name    string
		evt     bus.Event
		wantSub string
	}{
		{"released non-nominal", bus.Event{Payload: bus.SeatReleasedEvent{SpecID: "s1", SeatID: "seat1", ProxyID: "p1", Reason: "reaper: orphaned claim"}}, "seat1"},
		{"released nominal", bus.Event{Payload: bus.SeatReleasedEvent{SpecID: "s1", SeatID: "seat1", ProxyID: "p1", Reason: "requested"}}, ""},
		{"released user requested", bus.Event{Payload: bus.SeatReleasedEvent{SpecID: "s1", SeatID: "seat1", ProxyID: "p1", Reason: "user requested"}}, ""},
		{"ops alert", bus.Event{Payload: bus.OpsAlert{SpecID: "s1", ProxyID: "p1", Reason: "ProxyFailedToStart", Message: "no seat"}}, "failed"},
		{"pending is routine traffic", bus.Event{Payload: bus.PendingProxyEvent{SpecID: "s1", ProxyID: "p1"}}, ""},
		{"claimed is routine traffic", bus.Event{Payload: bus.SeatClaimedEvent{SpecID: "s1", ProxyID: "p1"}}, ""},
		{"unknown", bus.Event{Payload: "not an event"}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tg.format(tc.evt)
			if tc.wantSub == "" {
				if got != "" {
					t.Fatalf("expected empty string for unrecognized payload, got %q", got)
				}
				return
			}
			if !strings.Contains(got, tc.wantSub) {
				t.Fatalf("expected %q to contain %q", got, tc.wantSub)
			}
		})
	}
}

func TestStopWithoutStartIsSafe(t *testing.T) {
	tg := New("token", 42, bus.New(), nil)
	tg.Stop() // must not panic when Start was never called
}
