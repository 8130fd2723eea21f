// Package syncserver is the reference ingestion endpoint for device queues.
// It answers 201 for a newly recorded event and 200 for a replayed key, which
// is all a drain pass needs to distinguish.
package syncserver

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/dosetap/dt/internal/dose"
	"github.com/dosetap/dt/internal/transport"
)

const maxBodyBytes = 64 * 1024

// Server holds handler dependencies.
type Server struct {
	store   Store
	apiKeys map[string]struct{}
}

// New builds a server over st. keys may be empty to disable auth.
func New(st Store, keys []string) *Server {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			allowed[k] = struct{}{}
		}
	}
	return &Server{store: st, apiKeys: allowed}
}

func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ready(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "not ready", "database not reachable", nil)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	defer drainBody(r)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var it transport.Item
	if err := decodeStrict(r, &it); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}

	errs := map[string][]string{}
	if it.IdempotencyKey == "" {
		errs["idempotency_key"] = append(errs["idempotency_key"], "is required")
	}
	if hdr := r.Header.Get("Idempotency-Key"); hdr != "" && hdr != it.IdempotencyKey {
		errs["idempotency_key"] = append(errs["idempotency_key"], "header and body disagree")
	}
	if _, err := dose.ParseType(it.EventType); err != nil {
		errs["event_type"] = append(errs["event_type"], "unknown event type")
	}
	if it.OccurredAtUTC.IsZero() {
		errs["occurred_at_utc"] = append(errs["occurred_at_utc"], "is required")
	}
	if len(errs) > 0 {
		writeProblem(w, http.StatusBadRequest, "validation failed", "one or more fields are invalid", errs)
		return
	}

	inserted, err := s.store.InsertEvent(r.Context(), EventRecord{
		IdempotencyKey:     it.IdempotencyKey,
		EventType:          it.EventType,
		Subtype:            it.Subtype,
		OccurredAt:         it.OccurredAtUTC,
		LocalOffsetSeconds: it.LocalOffsetSeconds,
		Metadata:           it.Metadata,
	})
	if err != nil {
		log.Printf("[syncserver] insert %s: %v", it.IdempotencyKey, err)
		writeProblem(w, http.StatusServiceUnavailable, "storage error", "could not record event, retry later", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !inserted {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"duplicate"}`))
		return
	}
	log.Printf("[syncserver] recorded event type=%s key=%s", it.EventType, it.IdempotencyKey)
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"status":"delivered"}`))
}

// Router wires routes and middleware.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)

	var postEvent http.Handler = http.HandlerFunc(s.handlePostEvent)
	postEvent = bodyLimit(maxBodyBytes)(postEvent)
	postEvent = requireJSON(postEvent)
	postEvent = bearerAuth(s.apiKeys)(postEvent)
	mux.Handle("/v1/events", postEvent)

	return mux
}
