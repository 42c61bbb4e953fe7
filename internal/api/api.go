// Package api exposes the work-queue coordinator over an HTTP/JSON RPC
// surface: POST /work/request, POST /work/report-failure, GET /stats,
// GET /health. It is grounded on api.go's APIServer: the same
// CORS-middleware-plus-metrics-middleware composition and mux.HandleFunc
// routing. This package builds the handler only; the http.Server and its
// read/write/idle timeouts are configured by cmd/newscrawl.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"

	"newscrawl/internal/metrics"
	"newscrawl/internal/queue"
)

// Coordinator is the narrow slice of *queue.Coordinator the HTTP layer
// needs.
type Coordinator interface {
	RequestWork(ctx context.Context, workerID string, batchSize, maxPerDomain int) (queue.RequestWorkResult, error)
	ReportFailure(workerID, domain string)
	Stats() queue.Stats
}

// Pinger is the narrow slice of the store the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CORSConfig mirrors SecurityConfig in config.Config.
type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

// Server serves the coordinator RPC surface.
type Server struct {
	coordinator Coordinator
	store       Pinger
	metrics     *metrics.Metrics
	cors        CORSConfig
}

// New constructs a Server. store may be nil, in which case /health always
// reports healthy.
func New(coordinator Coordinator, store Pinger, m *metrics.Metrics, cors CORSConfig) *Server {
	return &Server{coordinator: coordinator, store: store, metrics: m, cors: cors}
}

// Handler builds the routed mux, matching api.go's Start method minus the
// actual ListenAndServe call so callers (cmd/newscrawl, tests) control the
// server lifecycle.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	cors := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", s.cors.AllowedOrigins)
			w.Header().Set("Access-Control-Allow-Methods", s.cors.AllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", s.cors.AllowedHeaders)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	withMetrics := func(route string, h http.HandlerFunc) http.HandlerFunc {
		if s.metrics == nil {
			return h
		}
		return s.metrics.HTTPMiddleware(route, h)
	}

	mux.HandleFunc("/work/request", cors(withMetrics("/work/request", s.handleRequestWork)))
	mux.HandleFunc("/work/report-failure", cors(withMetrics("/work/report-failure", s.handleReportFailure)))
	mux.HandleFunc("/stats", cors(withMetrics("/stats", s.handleStats)))
	mux.HandleFunc("/health", cors(withMetrics("/health", s.handleHealth)))

	return mux
}

// requestWorkBody is the POST /work/request body shape.
type requestWorkBody struct {
	WorkerID               string `json:"worker_id"`
	BatchSize              int    `json:"batch_size"`
	MaxArticlesPerDomain   int    `json:"max_articles_per_domain"`
}

// workItem is one entry of the response's "items" array.
type workItem struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Source        string `json:"source"`
	CanonicalName string `json:"canonical_name"`
}

type requestWorkResponse struct {
	Items         []workItem `json:"items"`
	WorkerDomains []string   `json:"worker_domains"`
}

func (s *Server) handleRequestWork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body requestWorkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.WorkerID == "" {
		http.Error(w, "worker_id is required", http.StatusBadRequest)
		return
	}
	if body.BatchSize <= 0 {
		body.BatchSize = 10
	}
	if body.MaxArticlesPerDomain <= 0 {
		body.MaxArticlesPerDomain = 3
	}

	result, err := s.coordinator.RequestWork(r.Context(), body.WorkerID, body.BatchSize, body.MaxArticlesPerDomain)
	if err != nil {
		log.Printf("work/request failed for worker %s: %v", body.WorkerID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := requestWorkResponse{WorkerDomains: result.WorkerDomains}
	for _, item := range result.Items {
		resp.Items = append(resp.Items, workItem{
			ID:            item.ID.String(),
			URL:           item.URL,
			Source:        item.SourceID.String(),
			CanonicalName: hostOf(item.URL),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type reportFailureBody struct {
	WorkerID string `json:"worker_id"`
	Domain   string `json:"domain"`
}

func (s *Server) handleReportFailure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body reportFailureBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.WorkerID == "" || body.Domain == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error"})
		return
	}
	s.coordinator.ReportFailure(body.WorkerID, body.Domain)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type statsResponse struct {
	TotalAvailable    int                 `json:"total_available"`
	TotalPaused       int                 `json:"total_paused"`
	DomainsAvailable  []string            `json:"domains_available"`
	DomainsPaused     []string            `json:"domains_paused"`
	WorkerAssignments map[string][]string `json:"worker_assignments"`
	DomainCooldowns   map[string]float64  `json:"domain_cooldowns"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := s.coordinator.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		TotalAvailable:    st.TotalAvailable,
		TotalPaused:       st.TotalPaused,
		DomainsAvailable:  st.DomainsAvailable,
		DomainsPaused:     st.DomainsPaused,
		WorkerAssignments: st.WorkerAssignments,
		DomainCooldowns:   st.DomainCooldowns,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			if s.metrics != nil {
				s.metrics.StorePingFailuresTotal.Inc()
			}
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.ToLower(u.Host)
}
