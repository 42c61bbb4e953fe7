// Package queue implements the work queue coordinator — the domain-aware
// lease/cooldown/pause state machine that hands out extraction batches to
// workers. It is grounded on circuit_breaker.go's CircuitBreakerManager
// idiom (a map of named, independently-evolving state behind one mutex,
// lazily registered by name) generalized from circuit names to domain
// names: every operation here holds the Coordinator's single lock for its
// own duration, except that RequestWork releases it around its
// Store.BatchClaimForExtraction call.
package queue

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"newscrawl/internal/metrics"
	"newscrawl/internal/model"
)

// Store is the narrow slice of the store contract the coordinator needs.
type Store interface {
	BatchClaimForExtraction(ctx context.Context, domains []string, limit, maxPerDomain int, claimTTL time.Duration, workerID string) ([]model.CandidateLink, error)
}

// Config tunes the coordinator's pacing knobs.
type Config struct {
	DomainCooldown      time.Duration
	MaxDomainFailures   int
	DomainPause         time.Duration
	WorkerTimeout       time.Duration
	MinDomainsPerWorker int
	MaxDomainsPerWorker int
}

type domainState struct {
	leasedBy      string
	lastRequestAt time.Time
	failureCount  int
	cooldownUntil time.Time
	pausedUntil   time.Time
}

func (ds *domainState) availableLocked(now time.Time) bool {
	if ds.pausedUntil.After(now) {
		return false
	}
	return ds.leasedBy == ""
}

type workerLease struct {
	domains  []string
	lastSeen time.Time
}

// Coordinator holds all work-queue state. All exported methods acquire mu
// for their own duration; there are no other suspension points inside the
// lock except the single Store.BatchClaimForExtraction call in
// RequestWork, which runs with the lock released.
type Coordinator struct {
	mu      sync.Mutex
	workers map[string]*workerLease
	domains map[string]*domainState

	store   Store
	metrics *metrics.Metrics
	cfg     Config

	nowFn func() time.Time
}

// New constructs an empty Coordinator.
func New(store Store, m *metrics.Metrics, cfg Config) *Coordinator {
	if cfg.MinDomainsPerWorker <= 0 {
		cfg.MinDomainsPerWorker = 3
	}
	if cfg.MaxDomainsPerWorker <= 0 {
		cfg.MaxDomainsPerWorker = 5
	}
	if cfg.DomainCooldown <= 0 {
		cfg.DomainCooldown = 60 * time.Second
	}
	if cfg.MaxDomainFailures <= 0 {
		cfg.MaxDomainFailures = 3
	}
	if cfg.DomainPause <= 0 {
		cfg.DomainPause = 30 * time.Minute
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 10 * time.Minute
	}
	return &Coordinator{
		workers: make(map[string]*workerLease),
		domains: make(map[string]*domainState),
		store:   store,
		metrics: m,
		cfg:     cfg,
		nowFn:   time.Now,
	}
}

// Seed registers domains as known to the coordinator (e.g. every distinct
// host in the pending candidate pool) without leasing them. Safe to call
// repeatedly; existing state for an already-known domain is untouched.
func (c *Coordinator) Seed(domains ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range domains {
		if _, ok := c.domains[d]; !ok {
			c.domains[d] = &domainState{}
		}
	}
}

// RequestWorkResult is request_work's return value, matching the
// POST /work/request response shape the coordinator's HTTP surface exposes.
type RequestWorkResult struct {
	Items         []model.CandidateLink
	WorkerDomains []string
}

// RequestWork grants a worker its lease of domains, or tops up an existing
// lease when free domains allow, and claims a batch of extraction
// candidates from whichever of those domains are currently off cooldown
// and unpaused.
func (c *Coordinator) RequestWork(ctx context.Context, workerID string, batchSize, maxPerDomain int) (RequestWorkResult, error) {
	c.mu.Lock()
	now := c.nowFn()
	c.reclaimStaleLocked(now)
	if c.metrics != nil {
		c.metrics.QueuePausedDomainsGauge.Set(float64(c.countPausedLocked(now)))
	}

	lease, ok := c.workers[workerID]
	if !ok {
		lease = &workerLease{}
		c.workers[workerID] = lease
	}
	c.growLeaseLocked(workerID, lease, now)
	lease.lastSeen = now

	var readyDomains []string
	for _, d := range lease.domains {
		ds := c.domains[d]
		if ds == nil || ds.leasedBy != workerID {
			continue
		}
		if ds.pausedUntil.After(now) || ds.cooldownUntil.After(now) {
			continue
		}
		if !ds.lastRequestAt.IsZero() && now.Sub(ds.lastRequestAt) < c.cfg.DomainCooldown {
			continue
		}
		readyDomains = append(readyDomains, d)
	}
	workerDomains := append([]string(nil), lease.domains...)
	c.mu.Unlock()

	if len(readyDomains) == 0 {
		if c.metrics != nil {
			c.metrics.QueueCooldownSkipsTotal.Inc()
			c.metrics.QueueRequestsServedTotal.WithLabelValues("false").Inc()
		}
		return RequestWorkResult{WorkerDomains: workerDomains}, nil
	}

	items, err := c.store.BatchClaimForExtraction(ctx, readyDomains, batchSize, maxPerDomain, c.cfg.WorkerTimeout, workerID)
	if err != nil {
		return RequestWorkResult{}, fmt.Errorf("batch_claim_for_extraction: %w", err)
	}

	c.mu.Lock()
	served := make(map[string]bool)
	for _, item := range items {
		served[hostOf(item.URL)] = true
	}
	for d := range served {
		if ds := c.domains[d]; ds != nil {
			ds.lastRequestAt = now
		}
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.QueueRequestsServedTotal.WithLabelValues(fmt.Sprintf("%t", len(items) > 0)).Inc()
	}
	c.recordLeasedGauge()
	return RequestWorkResult{Items: items, WorkerDomains: workerDomains}, nil
}

// recordLeasedGauge reports the current count of leased domains. Called
// outside the lock after any operation that can change leases.
func (c *Coordinator) recordLeasedGauge() {
	if c.metrics == nil {
		return
	}
	c.mu.Lock()
	leased := 0
	for _, ds := range c.domains {
		if ds.leasedBy != "" {
			leased++
		}
	}
	c.mu.Unlock()
	c.metrics.QueueLeasedDomainsGauge.Set(float64(leased))
}

// ReportFailure applies the escalating cooldown/pause schedule for a
// domain: 60s / 120s cooldown, then a 30-minute pause with the failure
// counter zeroed.
func (c *Coordinator) ReportFailure(workerID, domain string) {
	c.mu.Lock()
	now := c.nowFn()
	ds := c.domains[domain]
	if ds == nil {
		ds = &domainState{}
		c.domains[domain] = ds
	}
	ds.failureCount++
	switch ds.failureCount {
	case 1:
		ds.cooldownUntil = now.Add(60 * time.Second)
	case 2:
		ds.cooldownUntil = now.Add(120 * time.Second)
	default:
		ds.pausedUntil = now.Add(c.cfg.DomainPause)
		ds.failureCount = 0
		ds.leasedBy = ""
		c.releaseDomainFromWorkersLocked(domain)
	}
	if c.metrics != nil {
		c.metrics.QueuePausedDomainsGauge.Set(float64(c.countPausedLocked(now)))
	}
	c.mu.Unlock()
	c.recordLeasedGauge()
}

// Stats is a snapshot of coordinator state, matching the GET /stats RPC
// shape.
type Stats struct {
	TotalAvailable    int
	TotalPaused       int
	DomainsAvailable  []string
	DomainsPaused     []string
	WorkerAssignments map[string][]string
	DomainCooldowns   map[string]float64
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFn()

	stats := Stats{WorkerAssignments: make(map[string][]string), DomainCooldowns: make(map[string]float64)}
	for d, ds := range c.domains {
		if ds.pausedUntil.After(now) {
			stats.DomainsPaused = append(stats.DomainsPaused, d)
			stats.TotalPaused++
			continue
		}
		if ds.leasedBy == "" {
			stats.DomainsAvailable = append(stats.DomainsAvailable, d)
			stats.TotalAvailable++
		}
		if remaining := ds.cooldownUntil.Sub(now); remaining > 0 {
			stats.DomainCooldowns[d] = remaining.Seconds()
		}
	}
	for w, lease := range c.workers {
		stats.WorkerAssignments[w] = append([]string(nil), lease.domains...)
	}
	sort.Strings(stats.DomainsAvailable)
	sort.Strings(stats.DomainsPaused)
	return stats
}

// ReclaimStaleWorkers releases the domains leased to workers that haven't
// been seen within WorkerTimeout. Callers wire this to a periodic ticker;
// RequestWork also reclaims inline so
// a stale lease never outlives the next call for any worker by more than
// one sweep interval.
func (c *Coordinator) ReclaimStaleWorkers(now time.Time) int {
	c.mu.Lock()
	n := c.reclaimStaleLocked(now)
	c.mu.Unlock()
	c.recordLeasedGauge()
	return n
}

func (c *Coordinator) reclaimStaleLocked(now time.Time) int {
	reclaimed := 0
	for id, lease := range c.workers {
		if lease.lastSeen.IsZero() || now.Sub(lease.lastSeen) <= c.cfg.WorkerTimeout {
			continue
		}
		for _, d := range lease.domains {
			if ds := c.domains[d]; ds != nil {
				ds.leasedBy = ""
			}
		}
		delete(c.workers, id)
		reclaimed += len(lease.domains)
	}
	if reclaimed > 0 && c.metrics != nil {
		c.metrics.QueueWorkerReclaimsTotal.Add(float64(reclaimed))
	}
	return reclaimed
}

// growLeaseLocked grants or extends a worker's domain lease, in
// lexicographic order of the available pool. The grab is capped toward
// MinDomainsPerWorker whenever more than MaxDomainsPerWorker domains
// remain free, so a burst of simultaneously-joining workers splits the
// pool instead of the first caller exhausting it and starving the rest
// (see RequestWork's per-worker lease assignment). Once the free pool
// shrinks to MaxDomainsPerWorker or fewer there is nothing left worth
// reserving for a hypothetical late joiner, so the remainder is granted
// in full — which is also what lets an already-leased worker top itself
// up toward Max on a later call once contention has eased. Must be
// called with mu held.
func (c *Coordinator) growLeaseLocked(workerID string, lease *workerLease, now time.Time) {
	have := len(lease.domains)
	if have >= c.cfg.MaxDomainsPerWorker {
		return
	}

	var available []string
	for d, ds := range c.domains {
		if ds.availableLocked(now) {
			available = append(available, d)
		}
	}
	sort.Strings(available)

	want := c.cfg.MaxDomainsPerWorker
	if len(available) > want {
		want = c.cfg.MinDomainsPerWorker
	}
	if have >= want {
		return
	}

	need := want - have
	if need > len(available) {
		need = len(available)
	}
	for i := 0; i < need; i++ {
		d := available[i]
		c.domains[d].leasedBy = workerID
		lease.domains = append(lease.domains, d)
	}
}

func (c *Coordinator) releaseDomainFromWorkersLocked(domain string) {
	for _, lease := range c.workers {
		for i, d := range lease.domains {
			if d == domain {
				lease.domains = append(lease.domains[:i], lease.domains[i+1:]...)
				break
			}
		}
	}
}

func (c *Coordinator) countPausedLocked(now time.Time) int {
	n := 0
	for _, ds := range c.domains {
		if ds.pausedUntil.After(now) {
			n++
		}
	}
	return n
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.ToLower(u.Host)
}
