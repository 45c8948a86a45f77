package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tunsocks/pkg/core"
	"github.com/irctrakz/tunsocks/pkg/relay"
)

type fakeRelay struct {
	m     core.RelayMetrics
	flows []relay.FlowInfo
}

func (f *fakeRelay) Metrics() core.RelayMetrics { return f.m }
func (f *fakeRelay) ActiveFlows() int           { return len(f.flows) }
func (f *fakeRelay) Flows() []relay.FlowInfo    { return f.flows }

func TestStatusEndpoints(t *testing.T) {
	r := &fakeRelay{
		m: core.RelayMetrics{FlowsOpened: 3, BytesSent: 1200, DNSTimeouts: 1},
		flows: []relay.FlowInfo{{
			Key:    "10.0.0.2:40000-93.184.216.34:443",
			Target: "93.184.216.34:443",
			State:  "established",
		}},
	}
	srv := httptest.NewServer(statusHandler(r))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	var snap metricsSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, 1, snap.ActiveFlows)
	assert.Equal(t, uint64(3), snap.Relay["flows_opened"])
	assert.Equal(t, uint64(1200), snap.Relay["bytes_sent"])
	assert.Equal(t, uint64(1), snap.DNS["timeouts"])
	assert.NotZero(t, snap.RT["goroutines"])

	resp, err = http.Get(srv.URL + "/flows")
	require.NoError(t, err)
	var flows []relay.FlowInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&flows))
	resp.Body.Close()
	assert.Equal(t, r.flows, flows)
}

func TestReadPortRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "range")
	require.NoError(t, os.WriteFile(path, []byte("32768\t60999\n"), 0644))
	lo, hi, ok := readPortRange(path)
	require.True(t, ok)
	assert.Equal(t, uint64(32768), lo)
	assert.Equal(t, uint64(60999), hi)

	_, _, ok = readPortRange(filepath.Join(t.TempDir(), "missing"))
	assert.False(t, ok)
}
