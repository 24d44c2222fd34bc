package health

import (
	"encoding/json"
	"net/http"
)

// Handler exposes liveness, readiness and detailed health endpoints.
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		// liveness: the process is running and serving
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		overall := m.Check(r.Context())
		if !overall.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		overall := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !overall.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(overall)
	})
	return mux
}
