package frontdoor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/banksean/tenement"
	"github.com/banksean/tenement/logbuffer"
	"github.com/banksean/tenement/logstore"
)

// writeJSON and writeJSONError follow the teacher daemon's response helper
// shape: one place that sets the content type and encodes the body.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, s.hv.Metrics().Export())
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.hv.List())
}

// handleInstanceStorage serves GET /api/instances/{service:id}/storage.
func (s *Server) handleInstanceStorage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := instancePathParam(r.URL.Path)
	id, err := tenement.ParseInstanceId(key)
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	usage, err := s.hv.Storage(id.Service, id.ID)
	if err != nil {
		writeJSONError(w, err, http.StatusNotFound)
		return
	}
	writeJSON(w, usage)
}

// instancePathParam extracts "service:id" from "/api/instances/service:id/storage".
func instancePathParam(path string) string {
	const prefix = "/api/instances/"
	const suffix = "/storage"
	if len(path) < len(prefix)+len(suffix) {
		return ""
	}
	return path[len(prefix) : len(path)-len(suffix)]
}

func parseLogQuery(r *http.Request) logstore.Query {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 200
	}
	return logstore.Query{
		Service:    q.Get("process"),
		InstanceID: q.Get("id"),
		Level:      logbuffer.Level(q.Get("level")),
		Search:     q.Get("search"),
		Limit:      limit,
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries, err := s.store.Query(r.Context(), parseLogQuery(r))
	if err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

// handleLogsStream serves a live tail via server-sent events: one JSON
// object per ring-buffer entry pushed after subscription. No replay.
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	service := q.Get("process")
	instanceID := q.Get("id")
	level := logbuffer.Level(q.Get("level"))
	search := q.Get("search")

	sub := s.hv.Logs().Subscribe()
	defer s.hv.Logs().Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Lagged():
			fmt.Fprintf(w, "event: lagged\ndata: {}\n\n")
			flusher.Flush()
		case entry, ok := <-sub.C():
			if !ok {
				return
			}
			if service != "" && entry.Service != service {
				continue
			}
			if instanceID != "" && entry.InstanceID != instanceID {
				continue
			}
			if level != "" && entry.Level != level {
				continue
			}
			if search != "" && !strings.Contains(entry.Message, search) {
				continue
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

