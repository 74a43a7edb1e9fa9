package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/dps_backup/src/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type fileResponse struct {
	Name       string `json:"name"`
	Size       uint64 `json:"size"`
	StoredSize uint64 `json:"stored_size"`
	Blake3     string `json:"blake3"`
	StoredAt   string `json:"stored_at"`
}

// adminRouter serves /metrics and a read-only view of the store.
func adminRouter(st *store.Store, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	r.Get("/clients/{id}/files", handleListFiles(st))
	return r
}

func handleListFiles(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
		if err != nil {
			http.Error(w, "invalid client id", http.StatusBadRequest)
			return
		}
		names, err := st.List(uint32(id))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		entries := make([]fileResponse, 0, len(names))
		for _, name := range names {
			md, err := st.Stat(uint32(id), name)
			if err != nil {
				continue
			}
			entries = append(entries, fileResponse{
				Name:       md.FileName,
				Size:       md.Size,
				StoredSize: md.StoredSize,
				Blake3:     md.Blake3,
				StoredAt:   md.StoredTime().UTC().Format(time.RFC3339),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entries)
	}
}
