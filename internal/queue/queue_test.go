package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"newscrawl/internal/model"
)

type fakeStore struct {
	items []model.CandidateLink
}

func (f *fakeStore) BatchClaimForExtraction(_ context.Context, domains []string, limit, maxPerDomain int, _ time.Duration, _ string) ([]model.CandidateLink, error) {
	var out []model.CandidateLink
	perDomain := make(map[string]int)
	allowed := make(map[string]bool, len(domains))
	for _, d := range domains {
		allowed[d] = true
	}
	for _, it := range f.items {
		d := hostOf(it.URL)
		if !allowed[d] || perDomain[d] >= maxPerDomain || len(out) >= limit {
			continue
		}
		perDomain[d]++
		out = append(out, it)
	}
	return out, nil
}

func TestRequestWorkAssignsDomainsAndClaims(t *testing.T) {
	store := &fakeStore{items: []model.CandidateLink{
		{URL: "https://a.com/1"}, {URL: "https://b.com/1"},
	}}
	c := New(store, nil, Config{MinDomainsPerWorker: 1, MaxDomainsPerWorker: 2})
	c.Seed("a.com", "b.com")

	result, err := c.RequestWork(context.Background(), "w1", 10, 5)
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	require.ElementsMatch(t, []string{"a.com", "b.com"}, result.WorkerDomains)
}

func TestRequestWorkHonorsCooldown(t *testing.T) {
	store := &fakeStore{items: []model.CandidateLink{{URL: "https://a.com/1"}}}
	c := New(store, nil, Config{MinDomainsPerWorker: 1, MaxDomainsPerWorker: 1, DomainCooldown: time.Hour})
	c.Seed("a.com")

	first, err := c.RequestWork(context.Background(), "w1", 10, 5)
	require.NoError(t, err)
	require.Len(t, first.Items, 1)

	second, err := c.RequestWork(context.Background(), "w1", 10, 5)
	require.NoError(t, err)
	require.Empty(t, second.Items)
}

func TestReportFailureEscalatesToCooldownThenPause(t *testing.T) {
	c := New(&fakeStore{}, nil, Config{DomainPause: time.Minute})
	c.Seed("a.com")

	c.ReportFailure("w1", "a.com")
	stats := c.Stats()
	require.Contains(t, stats.DomainCooldowns, "a.com")

	c.ReportFailure("w1", "a.com")
	stats = c.Stats()
	require.Contains(t, stats.DomainCooldowns, "a.com")

	c.ReportFailure("w1", "a.com")
	stats = c.Stats()
	require.Equal(t, 1, stats.TotalPaused)
	require.Contains(t, stats.DomainsPaused, "a.com")
}

func TestReclaimStaleWorkersFreesDomains(t *testing.T) {
	store := &fakeStore{items: []model.CandidateLink{{URL: "https://a.com/1"}}}
	c := New(store, nil, Config{MinDomainsPerWorker: 1, MaxDomainsPerWorker: 1, WorkerTimeout: time.Minute})
	c.Seed("a.com")

	_, err := c.RequestWork(context.Background(), "w1", 10, 5)
	require.NoError(t, err)

	stale := time.Now().Add(2 * time.Minute)
	reclaimed := c.ReclaimStaleWorkers(stale)
	require.Equal(t, 1, reclaimed)

	stats := c.Stats()
	require.Contains(t, stats.DomainsAvailable, "a.com")
}

func TestRequestWorkSpreadsDomainsAcrossContendingWorkers(t *testing.T) {
	c := New(&fakeStore{}, nil, Config{MinDomainsPerWorker: 3, MaxDomainsPerWorker: 5})
	c.Seed("a.com", "b.com", "c.com", "d.com", "e.com", "f.com", "g.com", "h.com", "i.com", "j.com")

	seen := make(map[string]string)
	total := 0
	for _, workerID := range []string{"w1", "w2", "w3"} {
		result, err := c.RequestWork(context.Background(), workerID, 5, 3)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(result.WorkerDomains), 3, "worker %s starved", workerID)
		require.LessOrEqual(t, len(result.WorkerDomains), 5)
		for _, d := range result.WorkerDomains {
			require.NotContains(t, seen, d, "domain %s double-leased to %s and %s", d, seen[d], workerID)
			seen[d] = workerID
		}
		total += len(result.WorkerDomains)
	}
	require.GreaterOrEqual(t, total, 9)
	require.LessOrEqual(t, total, 10)
}

func TestStatsReportsAvailableAndPaused(t *testing.T) {
	c := New(&fakeStore{}, nil, Config{DomainPause: time.Minute})
	c.Seed("a.com", "b.com")
	c.ReportFailure("w1", "a.com")
	c.ReportFailure("w1", "a.com")
	c.ReportFailure("w1", "a.com")

	stats := c.Stats()
	require.Equal(t, 1, stats.TotalPaused)
	require.Equal(t, 1, stats.TotalAvailable)
	require.Equal(t, []string{"b.com"}, stats.DomainsAvailable)
}
