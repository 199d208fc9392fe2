package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/seatshare/internal/bus"
	"github.com/basket/seatshare/internal/config"
	"github.com/basket/seatshare/internal/dispatcher"
	"github.com/basket/seatshare/internal/model"
	"github.com/basket/seatshare/internal/proxystore"
	"github.com/basket/seatshare/internal/seatstore"
)

type fakeDelegates struct{ delegates map[string]model.DelegateProxy }

func (f *fakeDelegates) GetDelegateProxy(_ context.Context, id string) (model.DelegateProxy, error) {
	d, ok := f.delegates[id]
	if !ok {
		return model.DelegateProxy{}, errors.New("missing")
	}
	return d, nil
}

func newTestServer(t *testing.T) (*Server, *proxystore.Store) {
	t.Helper()
	b := bus.New()
	seats := seatstore.New(b)
	seats.RegisterSeat("seat1", "spec1", "delegate1")
	delegates := &fakeDelegates{delegates: map[string]model.DelegateProxy{
		"delegate1": {ID: "delegate1", SpecID: "spec1", Targets: []string{"http://10.0.0.1:8080"}, Ready: true},
	}}
	proxies := proxystore.OpenInMemory()
	spec := model.ProxySpec{ID: "spec1"}
	// A short wait budget keeps the no-seat tests from running the full
	// 600x3s default before reporting failure.
	cfg := dispatcher.Config{WaitUnit: 20 * time.Millisecond, MaxAttempts: 3}
	d := dispatcher.New(spec, seats, delegates, proxies, b, cfg, nil)
	t.Cleanup(d.Close)

	registry := dispatcher.NewRegistry()
	registry.Register(d)

	srv := New(Config{
		Dispatchers: registry,
		Proxies:     proxies,
		Bus:         b,
		RateLimit:   config.RateLimitConfig{},
		CORS:        config.CORSConfig{},
	})
	t.Cleanup(srv.Close)
	return srv, proxies
}

// pollProxy polls GET /proxies/{id} until it stops returning 202, or fails
// the test once deadline elapses. Returns the final response's status and
// decoded body.
func pollProxy(t *testing.T, baseURL, id string) (int, model.Proxy) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(baseURL + "/proxies/" + id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var proxy model.Proxy
		_ = json.NewDecoder(resp.Body).Decode(&proxy)
		resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			return resp.StatusCode, proxy
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for proxy %s to resolve", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleStartProxy_ImmediateClaim(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := `{"proxyId":"p1","userId":"u1","image":"myimage:latest"}`
	resp, err := http.Post(ts.URL+"/specs/spec1/proxies", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/proxies/p1" {
		t.Fatalf("expected Location /proxies/p1, got %q", loc)
	}

	status, proxy := pollProxy(t, ts.URL, "p1")
	if status != http.StatusOK {
		t.Fatalf("expected 200 once resolved, got %d", status)
	}
	if proxy.Status != model.ProxyUp {
		t.Fatalf("expected status Up, got %s", proxy.Status)
	}
	targetID, ok := proxy.Get(model.KeyTargetID)
	if !ok || targetID != "delegate1" {
		t.Fatalf("expected targetId delegate1, got %v", targetID)
	}
}

func TestHandleStartProxy_UnknownSpec(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := `{"proxyId":"p2","userId":"u1","image":"img"}`
	resp, err := http.Post(ts.URL+"/specs/unknown-spec/proxies", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown spec, got %d", resp.StatusCode)
	}
}

func TestHandleStartProxy_FailureReportedAs409(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Claim the only seat so a second admission for the same spec has none
	// left and its wait loop exhausts after the short test budget.
	body1 := `{"proxyId":"p1","userId":"u1","image":"img"}`
	if _, err := http.Post(ts.URL+"/specs/spec1/proxies", "application/json", strings.NewReader(body1)); err != nil {
		t.Fatalf("post 1: %v", err)
	}

	body2 := `{"proxyId":"p2","userId":"u1","image":"img"}`
	resp, err := http.Post(ts.URL+"/specs/spec1/proxies", "application/json", strings.NewReader(body2))
	if err != nil {
		t.Fatalf("post 2: %v", err)
	}
	resp.Body.Close()

	status, _ := pollProxy(t, ts.URL, "p2")
	if status != http.StatusConflict {
		t.Fatalf("expected 409 once the wait loop exhausts, got %d", status)
	}
}

func TestHandleStopProxy_DuringWaitStaysAuthoritative(t *testing.T) {
	b := bus.New()
	seats := seatstore.New(b)
	seats.RegisterSeat("seat1", "spec1", "delegate1")
	delegates := &fakeDelegates{delegates: map[string]model.DelegateProxy{
		"delegate1": {ID: "delegate1", SpecID: "spec1", Targets: []string{"http://10.0.0.1:8080"}, Ready: true},
	}}
	proxies := proxystore.OpenInMemory()
	// A long budget so the stop below always lands while p2 is waiting.
	cfg := dispatcher.Config{WaitUnit: 20 * time.Millisecond, MaxAttempts: 100}
	d := dispatcher.New(model.ProxySpec{ID: "spec1"}, seats, delegates, proxies, b, cfg, nil)
	t.Cleanup(d.Close)
	registry := dispatcher.NewRegistry()
	registry.Register(d)
	srv := New(Config{Dispatchers: registry, Proxies: proxies, Bus: b})
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// p1 takes the only seat; p2 enters the wait loop.
	body1 := `{"proxyId":"p1","userId":"u1","image":"img"}`
	if _, err := http.Post(ts.URL+"/specs/spec1/proxies", "application/json", strings.NewReader(body1)); err != nil {
		t.Fatalf("post 1: %v", err)
	}
	pollProxy(t, ts.URL, "p1")
	body2 := `{"proxyId":"p2","userId":"u1","image":"img"}`
	if _, err := http.Post(ts.URL+"/specs/spec1/proxies", "application/json", strings.NewReader(body2)); err != nil {
		t.Fatalf("post 2: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/proxies/p2", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()

	status, got := pollProxy(t, ts.URL, "p2")
	if status != http.StatusOK {
		t.Fatalf("expected 200 once the cancelled admission resolves, got %d", status)
	}
	if got.Status != model.ProxyStopped {
		t.Fatalf("expected the stop path to stay authoritative (Stopped), got %s", got.Status)
	}
	if _, ok := got.Get(model.KeySeatID); ok {
		t.Fatal("cancelled proxy must not hold a seat")
	}
}

func TestHandleStopProxy(t *testing.T) {
	srv, proxies := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := `{"proxyId":"p1","userId":"u1","image":"img"}`
	if _, err := http.Post(ts.URL+"/specs/spec1/proxies", "application/json", strings.NewReader(body)); err != nil {
		t.Fatalf("start: %v", err)
	}
	pollProxy(t, ts.URL, "p1")

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/proxies/p1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	stored, ok := proxies.Get("p1")
	if !ok || stored.Status != model.ProxyStopped {
		t.Fatalf("expected proxy stopped, got %+v ok=%v", stored, ok)
	}
}

func TestHandleStartProxy_Unauthorized(t *testing.T) {
	b := bus.New()
	registry := dispatcher.NewRegistry()
	proxies := proxystore.OpenInMemory()
	srv := New(Config{Dispatchers: registry, Proxies: proxies, Bus: b, AuthToken: "secret"})
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/specs/spec1/proxies", "application/json", strings.NewReader(`{"proxyId":"p1","userId":"u"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHandleGetProxy_Unauthorized(t *testing.T) {
	b := bus.New()
	registry := dispatcher.NewRegistry()
	proxies := proxystore.OpenInMemory()
	srv := New(Config{Dispatchers: registry, Proxies: proxies, Bus: b, AuthToken: "secret"})
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/proxies/p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
