package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/irctrakz/tunsocks/pkg/core"
	"github.com/irctrakz/tunsocks/pkg/logging"
	"github.com/irctrakz/tunsocks/pkg/relay"
)

// relayStatus is what the status endpoint needs from the engine.
type relayStatus interface {
	Metrics() core.RelayMetrics
	ActiveFlows() int
	Flows() []relay.FlowInfo
}

type statusServer struct {
	srv *http.Server
}

func newStatusServer(addr string, r relayStatus) *statusServer {
	return &statusServer{srv: &http.Server{
		Addr:              addr,
		Handler:           statusHandler(r),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

func statusHandler(r relayStatus) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, snapshot(r))
	})
	mux.HandleFunc("/flows", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, r.Flows())
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logging.Debugf("status: encode: %v", err)
	}
}

func (s *statusServer) Start() {
	go func() {
		logging.Infof("status: listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warnf("status: %v", err)
		}
	}()
}

func (s *statusServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}
