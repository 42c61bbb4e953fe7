// Package discovery implements a three-method discovery engine:
// RSS/Atom feed parsing (gofeed, grounded on monitor.go), template-based
// anchor extraction and a closed-form URL-shape classifier (both goquery,
// grounded on fetchFullContent's selector-list style), with RSS failure
// bookkeeping on the source's metadata.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"newscrawl/internal/circuitbreaker"
	"newscrawl/internal/metrics"
	"newscrawl/internal/model"
)

// Store is the narrow slice of the store contract discovery needs.
type Store interface {
	UpsertCandidate(ctx context.Context, rawURL string, sourceID uuid.UUID, method model.DiscoveryMethod) (uuid.UUID, bool, error)
	UpdateSourceMeta(ctx context.Context, sourceID uuid.UUID, patch func(*model.SourceMetadata)) error
	UpsertDiscoveryEffectiveness(ctx context.Context, sourceID uuid.UUID, method model.DiscoveryMethod, outcome model.DiscoveryOutcomeStatus, articlesFound int, responseTime time.Duration, statusCode int, errMsg string) error
	InsertDiscoveryOutcome(ctx context.Context, o model.DiscoveryOutcome) error
}

// Config tunes the engine's RSS bookkeeping thresholds.
type Config struct {
	RSSMissingThreshold   int
	RSSTransientThreshold int
	RSSTransientWindow    time.Duration
	FeedCandidatePaths    []string
	MaxConcurrentSources  int
}

// Engine runs the three discovery methods for one source at a time and
// fans out across sources with errgroup, grounded on RSSMonitor's
// semaphore-bounded fetchAllFeeds in monitor.go.
type Engine struct {
	httpClient *http.Client
	feedParser *gofeed.Parser
	breakers   *circuitbreaker.Manager
	metrics    *metrics.Metrics
	store      Store
	cfg        Config
}

// New constructs an Engine. metrics may be nil in tests.
func New(httpClient *http.Client, breakers *circuitbreaker.Manager, m *metrics.Metrics, store Store, cfg Config) *Engine {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if len(cfg.FeedCandidatePaths) == 0 {
		cfg.FeedCandidatePaths = []string{"/feed", "/rss", "/rss.xml", "/feed.xml", "/atom.xml"}
	}
	return &Engine{httpClient: httpClient, feedParser: gofeed.NewParser(), breakers: breakers, metrics: m, store: store, cfg: cfg}
}

// DiscoverAll runs Discover for every source, bounded to cfg.MaxConcurrentSources
// in flight at once via errgroup, matching the pack's fan-out idiom
// (Tsuchiya2-catchup-feed-backend uses errgroup for this shape).
func (e *Engine) DiscoverAll(ctx context.Context, sources []model.Source, skipRSS map[uuid.UUID]bool) error {
	limit := e.cfg.MaxConcurrentSources
	if limit <= 0 {
		limit = 10
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			_, _, err := e.Discover(gctx, src, skipRSS[src.ID])
			return err
		})
	}
	return g.Wait()
}

// Discover attempts RSS, then template parsing, then the homepage
// classifier, short-circuiting on the first method that yields candidate
// URLs. Every attempt (success or failure) writes a telemetry row.
func (e *Engine) Discover(ctx context.Context, src model.Source, skipRSS bool) ([]string, model.DiscoveryMethod, error) {
	if !skipRSS {
		urls, outcome, code, elapsed, attemptErr := e.attemptRSS(ctx, src)
		e.record(ctx, src, model.MethodRSSFeed, outcome, len(urls), elapsed, code, errString(attemptErr))
		e.applyRSSBookkeeping(ctx, src, outcome, code)
		if outcome == model.OutcomeSuccess && len(urls) > 0 {
			e.persistCandidates(ctx, src, urls, model.MethodRSSFeed)
			return urls, model.MethodRSSFeed, nil
		}
	}

	urls, outcome, code, elapsed, attemptErr := e.attemptTemplate(ctx, src)
	e.record(ctx, src, model.MethodTemplateParser, outcome, len(urls), elapsed, code, errString(attemptErr))
	if outcome == model.OutcomeSuccess && len(urls) > 0 {
		e.persistCandidates(ctx, src, urls, model.MethodTemplateParser)
		return urls, model.MethodTemplateParser, nil
	}

	urls, outcome, code, elapsed, attemptErr = e.attemptHomepageClassifier(ctx, src)
	e.record(ctx, src, model.MethodHomepageClassifier, outcome, len(urls), elapsed, code, errString(attemptErr))
	if outcome == model.OutcomeSuccess && len(urls) > 0 {
		e.persistCandidates(ctx, src, urls, model.MethodHomepageClassifier)
		return urls, model.MethodHomepageClassifier, nil
	}

	return nil, "", nil
}

func (e *Engine) record(ctx context.Context, src model.Source, method model.DiscoveryMethod, outcome model.DiscoveryOutcomeStatus, found int, elapsed time.Duration, code int, errMsg string) {
	if e.metrics != nil {
		e.metrics.DiscoveryAttemptsTotal.WithLabelValues(string(method), string(outcome)).Inc()
		e.metrics.DiscoveryArticlesFound.WithLabelValues(string(method)).Add(float64(found))
		e.metrics.DiscoveryResponseSeconds.WithLabelValues(string(method)).Observe(elapsed.Seconds())
	}
	if err := e.store.UpsertDiscoveryEffectiveness(ctx, src.ID, method, outcome, found, elapsed, code, errMsg); err != nil {
		return
	}
	_ = e.store.InsertDiscoveryOutcome(ctx, model.DiscoveryOutcome{
		SourceID: src.ID, Method: method, Status: outcome, ArticlesFound: found, ResponseTime: elapsed,
	})
}

func (e *Engine) persistCandidates(ctx context.Context, src model.Source, rawURLs []string, method model.DiscoveryMethod) {
	seen := make(map[string]bool)
	for _, raw := range rawURLs {
		n := Normalize(raw)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		if _, _, err := e.store.UpsertCandidate(ctx, n, src.ID, method); err != nil {
			continue
		}
	}
}

// attemptRSS tries each feed candidate path under the source's host in
// turn, the first that parses as a feed wins.
func (e *Engine) attemptRSS(ctx context.Context, src model.Source) ([]string, model.DiscoveryOutcomeStatus, int, time.Duration, error) {
	start := time.Now()
	for _, path := range e.cfg.FeedCandidatePaths {
		feedURL := "https://" + strings.TrimSuffix(src.Host, "/") + path
		body, code, err := e.fetch(ctx, src.Host, feedURL)
		if err != nil {
			continue
		}
		feed, parseErr := e.feedParser.ParseString(body)
		if parseErr != nil || feed == nil {
			continue
		}
		urls := make([]string, 0, len(feed.Items))
		for _, item := range feed.Items {
			if item.Link != "" {
				urls = append(urls, item.Link)
			}
		}
		return urls, model.OutcomeSuccess, code, time.Since(start), nil
	}
	// None of the candidate paths produced a usable feed: try the first
	// path once more to classify why, for telemetry purposes.
	feedURL := "https://" + strings.TrimSuffix(src.Host, "/") + e.cfg.FeedCandidatePaths[0]
	_, code, err := e.fetch(ctx, src.Host, feedURL)
	return nil, classifyOutcome(code, err), code, time.Since(start), err
}

// attemptTemplate looks for anchors nested in known article-index
// containers on the homepage — the "known index pages for anchor
// patterns" method, grounded on fetchFullContent's selector list.
var templateSelectors = []string{
	"article a[href]",
	".post-title a[href]",
	".entry-title a[href]",
	".headline a[href]",
	"h2 a[href]", "h3 a[href]",
}

func (e *Engine) attemptTemplate(ctx context.Context, src model.Source) ([]string, model.DiscoveryOutcomeStatus, int, time.Duration, error) {
	start := time.Now()
	homepage := "https://" + strings.TrimSuffix(src.Host, "/") + "/"
	body, code, err := e.fetch(ctx, src.Host, homepage)
	if err != nil {
		return nil, classifyOutcome(code, err), code, time.Since(start), err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, model.OutcomeParseError, code, time.Since(start), err
	}

	var urls []string
	for _, sel := range templateSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if href, ok := s.Attr("href"); ok {
				if abs := resolve(homepage, href); abs != "" {
					urls = append(urls, abs)
				}
			}
		})
	}
	if len(urls) == 0 {
		return nil, model.OutcomeNoFeed, code, time.Since(start), nil
	}
	return urls, model.OutcomeSuccess, code, time.Since(start), nil
}

// attemptHomepageClassifier feeds every homepage anchor through a
// closed-form URL-shape scorer (path segment count, trailing numeric/slug
// segment, absence of known non-article prefixes) rather than a real ML
// model — training and serving a real classifier is out of scope here.
func (e *Engine) attemptHomepageClassifier(ctx context.Context, src model.Source) ([]string, model.DiscoveryOutcomeStatus, int, time.Duration, error) {
	start := time.Now()
	homepage := "https://" + strings.TrimSuffix(src.Host, "/") + "/"
	body, code, err := e.fetch(ctx, src.Host, homepage)
	if err != nil {
		return nil, classifyOutcome(code, err), code, time.Since(start), err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, model.OutcomeParseError, code, time.Since(start), err
	}

	var urls []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		abs := resolve(homepage, href)
		if abs != "" && looksLikeArticle(abs) {
			urls = append(urls, abs)
		}
	})
	if len(urls) == 0 {
		return nil, model.OutcomeNoFeed, code, time.Since(start), nil
	}
	return urls, model.OutcomeSuccess, code, time.Since(start), nil
}

var nonArticlePrefixes = []string{"/tag/", "/tags/", "/category/", "/categories/", "/author/", "/about", "/contact", "/privacy", "/search", "/login", "/subscribe"}

// looksLikeArticle is the closed-form URL-shape scorer: article URLs
// tend to have two or more path segments and a trailing slug or numeric
// id, and avoid known section/listing prefixes.
func looksLikeArticle(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return false
	}
	lower := "/" + strings.ToLower(path)
	for _, prefix := range nonArticlePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return false
		}
	}
	segments := strings.Split(path, "/")
	if len(segments) < 2 {
		return false
	}
	last := segments[len(segments)-1]
	hasSlugShape := strings.Contains(last, "-") && len(last) > 8
	hasNumericTail := len(last) > 0 && last[len(last)-1] >= '0' && last[len(last)-1] <= '9'
	return hasSlugShape || hasNumericTail
}

func resolve(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	h, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return b.ResolveReference(h).String()
}

func (e *Engine) fetch(ctx context.Context, host, target string) (string, int, error) {
	var body string
	var code int
	do := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		resp, err := e.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		code = resp.StatusCode
		if resp.StatusCode >= 400 {
			return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, target)
		}
		b, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
		if err != nil {
			return err
		}
		body = string(b)
		return nil
	}
	if e.breakers == nil {
		return body, code, do(ctx)
	}
	return body, code, e.breakers.Execute(ctx, host, circuitbreaker.DefaultConfig, do)
}

func classifyOutcome(code int, err error) model.DiscoveryOutcomeStatus {
	if err == nil {
		return model.OutcomeSuccess
	}
	switch {
	case code == 429 || code == 403:
		return model.OutcomeBlocked
	case code >= 500:
		return model.OutcomeServerError
	case code == 404:
		return model.OutcomeNoFeed
	case code != 0:
		return model.OutcomeServerError
	}
	if isTimeout(err) {
		return model.OutcomeTimeout
	}
	return model.OutcomeConnectionError
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	if t, ok := err.(timeout); ok {
		return t.Timeout()
	}
	return strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline exceeded")
}

// applyRSSBookkeeping implements the RSS failure bookkeeping table:
// non-network failures increment a consecutive counter, transient
// failures append to a rolling window, pure network failures touch only
// rss_last_failed, and success resets everything.
func (e *Engine) applyRSSBookkeeping(ctx context.Context, src model.Source, outcome model.DiscoveryOutcomeStatus, code int) {
	now := time.Now()
	_ = e.store.UpdateSourceMeta(ctx, src.ID, func(meta *model.SourceMetadata) {
		switch {
		case outcome == model.OutcomeSuccess:
			meta.RSSMissing = nil
			meta.RSSConsecutiveFailures = 0
			meta.RSSTransientFailures = nil
			meta.RSSLastFailed = nil
			meta.LastSuccessfulMethod = model.MethodRSSFeed
		case code == 404 || outcome == model.OutcomeParseError:
			meta.RSSConsecutiveFailures++
			if meta.RSSConsecutiveFailures >= defaultInt(e.cfg.RSSMissingThreshold, 3) && meta.RSSMissing == nil {
				meta.RSSMissing = &now
			}
		case code == 429 || code == 403 || code >= 500:
			meta.RSSTransientFailures = appendTransient(meta.RSSTransientFailures, now, code, windowOrDefault(e.cfg.RSSTransientWindow))
			if len(meta.RSSTransientFailures) >= defaultInt(e.cfg.RSSTransientThreshold, 5) && meta.RSSMissing == nil {
				meta.RSSMissing = &now
			}
		case outcome == model.OutcomeTimeout || outcome == model.OutcomeConnectionError:
			meta.RSSLastFailed = &now
		}
		meta.LastDiscoveredAt = &now
		meta.AttemptCount++
	})
}

func appendTransient(existing []model.TransientFailure, now time.Time, code int, window time.Duration) []model.TransientFailure {
	cutoff := now.Add(-window)
	kept := existing[:0]
	for _, f := range existing {
		if f.Timestamp.After(cutoff) {
			kept = append(kept, f)
		}
	}
	return append(kept, model.TransientFailure{Timestamp: now, Code: code})
}

func windowOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 7 * 24 * time.Hour
	}
	return d
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Normalize applies the duplicate-suppression rules: lowercase host,
// strip trailing slash, strip utm_*/fbclid query params, drop fragment.
func Normalize(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cleaned := url.Values{}
	for _, k := range keys {
		if strings.HasPrefix(k, "utm_") || k == "fbclid" {
			continue
		}
		cleaned[k] = q[k]
	}
	u.RawQuery = cleaned.Encode()
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
