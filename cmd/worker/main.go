// Command worker runs an independent extraction worker process: it talks
// to the coordinator's HTTP RPC surface for work_request and
// report_failure. When COORDINATOR_URL is unset it instead claims directly
// through Store.BatchClaimForExtraction, with no cross-worker coordination.
// When a configured coordinator cannot be reached, the worker counts the
// failure, sleeps and asks the coordinator again; it does not switch to
// direct store claiming. Wiring follows main.go's load-config/open-db/construct/run/
// shutdown shape.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"newscrawl/config"
	"newscrawl/internal/metrics"
	"newscrawl/internal/model"
	"newscrawl/internal/notifier"
	"newscrawl/internal/queue"
	"newscrawl/internal/store"
	"newscrawl/internal/worker"
)

func main() {
	cfg := config.Load()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("worker-%s-%d", host, os.Getpid())
	}
	coordinatorURL := os.Getenv("COORDINATOR_URL")

	log.Printf("Starting extraction worker %s (coordinator=%q)", workerID, coordinatorURL)

	m := metrics.New()

	db, err := sql.Open("postgres", cfg.GetConnectionString())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(context.Background()); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	st := store.New(db)

	var coordinator worker.Coordinator
	if coordinatorURL != "" {
		coordinator = newRemoteCoordinator(coordinatorURL, &http.Client{Timeout: cfg.API.Timeout}, m)
	} else {
		log.Println("COORDINATOR_URL unset; falling back to direct store claiming")
		m.CoordinatorUnreachableTotal.Inc()
		coordinator = directStoreCoordinator{store: st, cfg: cfg}
	}

	notif := notifier.New(cfg.Notifier.WebhookURL, cfg.Notifier.Timeout, cfg.Notifier.MaxRetries, m)

	pool := worker.New(coordinator, st, nil, &http.Client{Timeout: cfg.Performance.FetchTimeout}, m, notif, worker.Config{
		WorkerID:              workerID,
		BatchSize:             10,
		MaxPerDomain:          cfg.Queue.MaxDomainsPerWorker,
		BatchSleepMulti:       cfg.Queue.BatchSleepMulti,
		BatchSleepSingle:      cfg.Queue.BatchSleepSingle,
		InterRequestMinMulti:  cfg.Queue.InterRequestMinMulti,
		InterRequestMaxMulti:  cfg.Queue.InterRequestMaxMulti,
		InterRequestMinSingle: cfg.Queue.InterRequestMinSingle,
		InterRequestMaxSingle: cfg.Queue.InterRequestMaxSingle,
		CaptchaBackoffBase:    cfg.Queue.CaptchaBackoffBase,
		CaptchaBackoffCap:     cfg.Queue.CaptchaBackoffCap,
		ClaimTTL:              cfg.Queue.WorkerTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	select {
	case <-sigChan:
		log.Println("Shutdown signal received, stopping worker...")
		cancel()
		<-done
	case err := <-done:
		if err != nil && err != context.Canceled {
			log.Printf("Worker stopped: %v", err)
		}
	}
	log.Println("Worker stopped")
}

// remoteCoordinator implements worker.Coordinator over the coordinator's HTTP
// RPC surface, the client-side counterpart of internal/api.
type remoteCoordinator struct {
	baseURL    string
	httpClient *http.Client
	metrics    *metrics.Metrics
}

func newRemoteCoordinator(baseURL string, httpClient *http.Client, m *metrics.Metrics) *remoteCoordinator {
	return &remoteCoordinator{baseURL: baseURL, httpClient: httpClient, metrics: m}
}

func (r *remoteCoordinator) RequestWork(ctx context.Context, workerID string, batchSize, maxPerDomain int) (queue.RequestWorkResult, error) {
	reqBody, _ := json.Marshal(map[string]interface{}{
		"worker_id":               workerID,
		"batch_size":              batchSize,
		"max_articles_per_domain": maxPerDomain,
	})
	var resp struct {
		Items []struct {
			ID     string `json:"id"`
			URL    string `json:"url"`
			Source string `json:"source"`
		} `json:"items"`
		WorkerDomains []string `json:"worker_domains"`
	}
	if err := r.post(ctx, "/work/request", reqBody, &resp); err != nil {
		if r.metrics != nil {
			r.metrics.CoordinatorUnreachableTotal.Inc()
		}
		return queue.RequestWorkResult{}, fmt.Errorf("request_work: %w", err)
	}

	out := queue.RequestWorkResult{WorkerDomains: resp.WorkerDomains}
	for _, item := range resp.Items {
		id, err := uuid.Parse(item.ID)
		if err != nil {
			continue
		}
		sourceID, _ := uuid.Parse(item.Source)
		out.Items = append(out.Items, model.CandidateLink{ID: id, URL: item.URL, SourceID: sourceID, Status: model.CandidateArticle})
	}
	return out, nil
}

func (r *remoteCoordinator) ReportFailure(workerID, domain string) {
	body, _ := json.Marshal(map[string]string{"worker_id": workerID, "domain": domain})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.post(ctx, "/work/report-failure", body, nil); err != nil {
		log.Printf("report_failure: %v", err)
	}
}

func (r *remoteCoordinator) post(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// directStoreCoordinator implements worker.Coordinator by claiming
// directly from the store. This is the degraded-mode fallback for when
// the coordinator process is unreachable: it skips domain leasing/pacing
// entirely and claims across every known source host.
type directStoreCoordinator struct {
	store *store.Store
	cfg   *config.Config
}

func (d directStoreCoordinator) RequestWork(ctx context.Context, workerID string, batchSize, maxPerDomain int) (queue.RequestWorkResult, error) {
	sources, err := d.store.ListSources(ctx)
	if err != nil {
		return queue.RequestWorkResult{}, err
	}
	seen := make(map[string]bool, len(sources))
	var domains []string
	for _, s := range sources {
		if !seen[s.Host] {
			seen[s.Host] = true
			domains = append(domains, s.Host)
		}
	}
	items, err := d.store.BatchClaimForExtraction(ctx, domains, batchSize, maxPerDomain, d.cfg.Queue.WorkerTimeout, workerID)
	if err != nil {
		return queue.RequestWorkResult{}, err
	}
	return queue.RequestWorkResult{Items: items}, nil
}

func (d directStoreCoordinator) ReportFailure(workerID, domain string) {
	log.Printf("direct-mode worker %s reported failure for domain %s (no coordinator to notify)", workerID, domain)
}
