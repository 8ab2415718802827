package main

import "net/http"

func newMux(server *apiServer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", server.handleHealthz)
	mux.HandleFunc("/readyz", server.handleReadyz)
	mux.HandleFunc("/metrics", server.handleMetrics)
	mux.HandleFunc("/v1/migrations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			server.handleSubmit(w, r)
		case http.MethodGet:
			server.handleList(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
		}
	})
	mux.HandleFunc("/v1/migrations/", server.handleMigration)
	mux.HandleFunc("/ui", server.handleUI)
	return mux
}
