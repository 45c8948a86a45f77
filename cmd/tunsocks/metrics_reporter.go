package main

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tunsocks/pkg/logging"
)

type metricsSnapshot struct {
	Timestamp   string            `json:"ts"`
	ActiveFlows int               `json:"active_flows"`
	Relay       map[string]uint64 `json:"relay"`
	DNS         map[string]uint64 `json:"dns"`
	RT          map[string]uint64 `json:"rt"`
	Limits      map[string]uint64 `json:"limits"`
}

func snapshot(r relayStatus) metricsSnapshot {
	m := r.Metrics()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return metricsSnapshot{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		ActiveFlows: r.ActiveFlows(),
		Relay: map[string]uint64{
			"pkts_in":            m.PacketsIn,
			"pkts_out":           m.PacketsOut,
			"pkts_dropped":       m.PacketsDropped,
			"flows_opened":       m.FlowsOpened,
			"flows_closed":       m.FlowsClosed,
			"handshake_failures": m.HandshakeFailures,
			"bytes_sent":         m.BytesSent,
			"bytes_recv":         m.BytesReceived,
			"errors":             m.Errors,
		},
		DNS: map[string]uint64{
			"queries":  m.DNSQueries,
			"answers":  m.DNSAnswers,
			"timeouts": m.DNSTimeouts,
		},
		RT: map[string]uint64{
			"goroutines":  uint64(runtime.NumGoroutine()),
			"heap_alloc":  ms.HeapAlloc,
			"heap_inuse":  ms.HeapInuse,
			"num_gc":      uint64(ms.NumGC),
			"pause_total": ms.PauseTotalNs,
		},
		Limits: processLimits(),
	}
}

// runMetricsReporter logs a snapshot every interval until stop is closed.
func runMetricsReporter(r relayStatus, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	prev := snapshot(r)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cur := snapshot(r)
			logMetrics(prev, cur)
			prev = cur
		}
	}
}

// logMetrics logs cumulative relay counters with their change since prev.
func logMetrics(prev, s metricsSnapshot) {
	fields := logrus.Fields{"active_flows": s.ActiveFlows}
	for k, v := range s.Relay {
		fields[k] = v
		fields[k+"_delta"] = v - prev.Relay[k]
	}
	for k, v := range s.DNS {
		fields["dns_"+k] = v
	}
	fields["goroutines"] = s.RT["goroutines"]
	if v, ok := s.Limits["fd_util_pct"]; ok {
		fields["fd_util_pct"] = v
	}
	logging.InfoWithFields(fields, "metrics")
}

// processLimits reports descriptor usage; every flow holds one proxy socket.
func processLimits() map[string]uint64 {
	out := map[string]uint64{}
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err == nil {
		out["nofile_soft"] = uint64(rl.Cur)
		out["nofile_hard"] = uint64(rl.Max)
	}
	if ents, err := os.ReadDir("/proc/self/fd"); err == nil {
		out["open_fds"] = uint64(len(ents))
		if soft := out["nofile_soft"]; soft > 0 {
			out["fd_util_pct"] = (out["open_fds"] * 100) / soft
		}
	}
	if low, high, ok := readPortRange("/proc/sys/net/ipv4/ip_local_port_range"); ok && high > low {
		out["eph_low"] = low
		out["eph_high"] = high
	}
	return out
}

func readPortRange(path string) (low, high uint64, ok bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false
	}
	f := strings.Fields(string(b))
	if len(f) < 2 {
		return 0, 0, false
	}
	lo, err1 := strconv.ParseUint(f[0], 10, 64)
	hi, err2 := strconv.ParseUint(f[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lo, hi, true
}
