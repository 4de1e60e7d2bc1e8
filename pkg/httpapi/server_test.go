package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/modoterra/kclbridge/pkg/core"
	"github.com/modoterra/kclbridge/pkg/leases"
	"github.com/modoterra/kclbridge/pkg/metrics"
	"github.com/modoterra/kclbridge/pkg/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixedSource []session.Status

func (f fixedSource) Snapshot() []session.Status { return f }

func running(stream string) session.Status {
	return session.Status{
		Stream:  stream,
		AppName: stream + "-app",
		Process: core.ProcessState{Status: core.StatusRunning, PID: 100},
		Records: 12,
	}
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal %s: %v", path, err)
		}
	}
	return w, body
}

func TestHealthOK(t *testing.T) {
	h := NewServer("", fixedSource{running("orders")}, Options{}).Handler()
	w, body := get(t, h, "/api/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["sessions"] != float64(1) {
		t.Errorf("sessions = %v, want 1", body["sessions"])
	}
}

func TestHealthDegraded(t *testing.T) {
	stopped := running("clicks")
	stopped.Process.Status = core.StatusExited
	h := NewServer("", fixedSource{running("orders"), stopped}, Options{}).Handler()

	w, body := get(t, h, "/api/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	down, _ := body["down"].([]any)
	if len(down) != 1 || down[0] != "clicks" {
		t.Errorf("down = %v, want [clicks]", body["down"])
	}
}

func TestSessions(t *testing.T) {
	h := NewServer("", fixedSource{running("orders"), running("clicks")}, Options{}).Handler()
	_, body := get(t, h, "/api/sessions")
	list, _ := body["sessions"].([]any)
	if len(list) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list))
	}

	w, one := get(t, h, "/api/sessions/clicks")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if one["stream"] != "clicks" || one["records"] != float64(12) {
		t.Errorf("unexpected session body %v", one)
	}

	w, _ = get(t, h, "/api/sessions/nope")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", w.Code)
	}
}

func TestLeases(t *testing.T) {
	lister := func(_ context.Context, stream string) ([]leases.Lease, error) {
		switch stream {
		case "orders":
			return []leases.Lease{
				{ShardID: "shardId-0", Owner: "w1"},
				{ShardID: "shardId-1", Owner: "w1"},
			}, nil
		case "fresh":
			return nil, fmt.Errorf("fresh-app: %w", leases.ErrNoTable)
		default:
			return nil, errors.New("boom")
		}
	}
	h := NewServer("", fixedSource{running("orders"), running("fresh"), running("broken")}, Options{Leases: lister}).Handler()

	w, body := get(t, h, "/api/sessions/orders/leases")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if list, _ := body["leases"].([]any); len(list) != 2 {
		t.Errorf("leases = %v", body["leases"])
	}
	if owners, _ := body["owners"].(map[string]any); owners["w1"] != float64(2) {
		t.Errorf("owners = %v", body["owners"])
	}

	w, body = get(t, h, "/api/sessions/fresh/leases")
	if w.Code != http.StatusOK {
		t.Errorf("missing table status = %d, want 200", w.Code)
	}
	if list, _ := body["leases"].([]any); len(list) != 0 {
		t.Errorf("leases = %v, want empty", body["leases"])
	}

	w, _ = get(t, h, "/api/sessions/broken/leases")
	if w.Code != http.StatusBadGateway {
		t.Errorf("failing lookup status = %d, want 502", w.Code)
	}
}

func TestLeasesNotConfigured(t *testing.T) {
	h := NewServer("", fixedSource{running("orders")}, Options{}).Handler()
	w, _ := get(t, h, "/api/sessions/orders/leases")
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	src := fixedSource{running("orders")}
	h := NewServer("", src, Options{Gatherer: metrics.NewRegistry(src)}).Handler()

	w, _ := get(t, h, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `kclbridge_records_total{stream="orders"} 12`) {
		t.Errorf("metrics output missing records counter:\n%s", w.Body.String())
	}
}

func TestStartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", fixedSource{}, Options{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	resp, err := http.Get("http://" + srv.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := srv.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
