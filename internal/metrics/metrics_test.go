package metrics

import (
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpersNoopBeforeRegister(t *testing.T) {
	if regOK.Load() {
		t.Skip("metrics already registered by another test")
	}
	// must not panic
	IncStart("a")
	IncStop("a", "graceful")
	ObserveRPC("s", "tools/call", "ok", 0.1)
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	IncStart("calc")
	IncRestart("calc")
	IncStop("calc", "killed")
	RecordStateTransition("calc", "running", "stopping")
	ObserveRPC("calc", "tools/call", "ok", 0.02)
	IncReconnect("remote")
	SetComponents("tools", 4)
	IncConflict("tools", "prefix")
	IncCompositionError("broken")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"mcp_compose_process_starts_total":            false,
		"mcp_compose_process_restarts_total":          false,
		"mcp_compose_process_stops_total":             false,
		"mcp_compose_process_state_transitions_total": false,
		"mcp_compose_process_current_state":           false,
		"mcp_compose_rpc_requests_total":              false,
		"mcp_compose_rpc_request_duration_seconds":    false,
		"mcp_compose_transport_reconnects_total":      false,
		"mcp_compose_composition_components":          false,
		"mcp_compose_composition_conflicts_total":     false,
		"mcp_compose_composition_server_errors_total": false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = len(mf.GetMetric()) > 0
		}
	}
	for n, ok := range want {
		assert.True(t, ok, "expected samples for %s", n)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "go_goroutines") {
		t.Fatalf("metrics output missing default collectors")
	}
}

func TestSampleUsageSelf(t *testing.T) {
	u, err := SampleUsage(os.Getpid())
	require.NoError(t, err)
	assert.Greater(t, u.MemoryRSS, uint64(0))
	assert.False(t, u.SampledAt.IsZero())
}

func TestSampleUsageInvalidPID(t *testing.T) {
	_, err := SampleUsage(0)
	assert.Error(t, err)
}
