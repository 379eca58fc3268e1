package app

import (
	"net/http"

	"github.com/novelbytelabs/arqonbus/cmd/internal/bus"
	"github.com/novelbytelabs/arqonbus/cmd/internal/history"
	"github.com/novelbytelabs/arqonbus/cmd/internal/metrics"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	gw *bus.Gateway,
	store history.Store,
	m *metrics.Metrics,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireHistory && store != nil && !store.Healthy(r.Context()) {
			log.Info("readyz.history.not_ready", "backend", store.Backend())
			http.Error(w, "history backend not ready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", m.Handler())

	mux.HandleFunc("/ws", gw.HandleWS)
}
