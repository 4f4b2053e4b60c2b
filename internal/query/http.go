package query

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/capgar/adsb-clickhouse/internal/position"
	"github.com/capgar/adsb-clickhouse/internal/store"
)

const (
	queryTimeout         = 30 * time.Second
	defaultLatestWindow  = time.Minute
	defaultHistoryWindow = time.Hour
)

// Handler exposes the router over HTTP.
//
//	GET /api/history?from=RFC3339&to=RFC3339&source=local&aircraft_id=abc123
//	GET /api/latest?window=30s
//	GET /healthz
func Handler(r *Router) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/history", r.handleHistory)
	mux.HandleFunc("GET /api/latest", r.handleLatest)
	mux.HandleFunc("GET /healthz", handleHealthz)
	return mux
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), queryTimeout)
	defer cancel()

	q := req.URL.Query()
	f := store.Filter{
		AircraftID: q.Get("aircraft_id"),
	}

	if src := q.Get("source"); src != "" {
		f.Source = position.Source(src)
		if !f.Source.Valid() {
			http.Error(w, "unknown source", http.StatusBadRequest)
			return
		}
	}

	now := time.Now().UTC()
	f.From = now.Add(-defaultHistoryWindow)
	f.To = now
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
		f.To = t
	}

	res, err := r.Historical(ctx, f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), queryTimeout)
	defer cancel()

	window := defaultLatestWindow
	if v := req.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "invalid recency window", http.StatusBadRequest)
			return
		}
		window = d
	}

	res, err := r.Latest(ctx, window)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
