package statusapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jape-engine/japenet/internal/instances"
	"github.com/jape-engine/japenet/internal/metrics"
	netmanager "github.com/jape-engine/japenet/internal/netManager"
	"github.com/jape-engine/japenet/internal/world"
)

func TestRoutes(t *testing.T) {
	w := world.NewMemory("main")
	w.AddPrefab("Box")
	m := netmanager.New(netmanager.DefaultSettings(), w, testr.New(t), nil)
	if _, err := m.Instances.Spawn("A1", "Box", instances.SpawnOptions{}); err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	metrics.New(reg).SetSyncedInstances(1)
	srv := httptest.NewServer(NewRouter(m, reg, testr.New(t)))
	defer srv.Close()

	var st netmanager.Status
	getJSON(t, srv.URL+"/status", &st)
	if st.Mode != "offline" || st.SyncedInstances != 1 || st.Scene != "main" {
		t.Fatalf("status = %+v", st)
	}

	var infos []instances.Info
	getJSON(t, srv.URL+"/instances", &infos)
	if len(infos) != 1 || infos[0].Key != "A1" || infos[0].State != "spawned" {
		t.Fatalf("instances = %+v", infos)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "japenet_synced_instances 1") {
		t.Fatalf("metrics body:\n%s", body)
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestServeShutdown(t *testing.T) {
	s, err := Listen("127.0.0.1:0", http.NotFoundHandler(), testr.New(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	resp, err := http.Get("http://" + s.Addr() + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %s", resp.Status)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
