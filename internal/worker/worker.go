// Package worker implements the extraction worker pool that turns a
// claimed batch of candidate links into article rows. It is grounded on
// monitor.go's RSSMonitor fetch loop for the per-item HTTP shape and on
// discord_webhook.go's retry/backoff idiom for the domain-level
// bot-protection reaction, generalized from a Discord post to a content
// fetch.
//
// The HTML-parsing and content-extraction engines themselves are out of
// scope: Extractor is the seam a real trafilatura-style parser or
// headless browser plugs into. The one concrete method this package
// implements, MethodContentParse, is a goquery-based reader extraction
// good enough to exercise the pipeline end to end; the other two named
// methods are left as named-but-unimplemented stages so the priority
// order below is visible even though their engines are external
// collaborators.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"newscrawl/internal/metrics"
	"newscrawl/internal/model"
	"newscrawl/internal/notifier"
	"newscrawl/internal/queue"
)

// ExtractionMethod names the three extraction strategies attempted in
// order: cached snapshot, then trafilatura-style parse, then
// headless-browser rendering.
type ExtractionMethod string

const (
	MethodCachedSnapshot  ExtractionMethod = "cached_snapshot"
	MethodContentParse    ExtractionMethod = "content_parse"
	MethodHeadlessBrowser ExtractionMethod = "headless_browser"
)

// ErrMethodUnavailable signals that a given extraction method has no
// engine wired in this process; the worker falls through to the next
// method in priority order.
var ErrMethodUnavailable = errors.New("extraction method unavailable")

// ExtractedContent is what a successful extraction method produces.
type ExtractedContent struct {
	Title       string
	Text        string
	Authors     []string
	PublishDate *time.Time
}

// Extractor is the seam the real content-extraction engines plug into.
// Methods other than MethodContentParse are expected to return
// ErrMethodUnavailable until a real engine is wired.
type Extractor interface {
	Extract(ctx context.Context, method ExtractionMethod, rawURL string) (ExtractedContent, error)
}

// Store is the narrow slice of the store contract the worker needs.
type Store interface {
	PromoteStatus(ctx context.Context, candidateID uuid.UUID, from, to model.CandidateStatus) (bool, error)
	InsertArticleIfAbsent(ctx context.Context, a model.Article) (uuid.UUID, bool, error)
	GetArticleByID(ctx context.Context, id uuid.UUID) (*model.Article, error)
	InsertHTTPStatus(ctx context.Context, t model.HTTPStatusTracking) error
	BatchClaimForExtraction(ctx context.Context, domains []string, limit, maxPerDomain int, claimTTL time.Duration, workerID string) ([]model.CandidateLink, error)
}

// Coordinator is the narrow slice of the work-queue coordinator contract
// a worker talks to. A remote worker process implements this over the
// coordinator's HTTP RPC surface; an in-process worker can wrap
// *queue.Coordinator directly, which also satisfies this interface.
type Coordinator interface {
	RequestWork(ctx context.Context, workerID string, batchSize, maxPerDomain int) (queue.RequestWorkResult, error)
	ReportFailure(workerID, domain string)
}

// Config tunes one worker's behavior. The Single variants are floors
// applied when the claimed batch (or the worker's leased domain set, if
// the batch is empty) spans exactly one distinct domain; see
// effectivePacing.
type Config struct {
	WorkerID              string
	BatchSize             int
	MaxPerDomain          int
	BatchSleepMulti       time.Duration
	BatchSleepSingle      time.Duration
	InterRequestMinMulti  time.Duration
	InterRequestMaxMulti  time.Duration
	InterRequestMinSingle time.Duration
	InterRequestMaxSingle time.Duration
	CaptchaBackoffBase    time.Duration
	CaptchaBackoffCap     time.Duration
	ClaimTTL              time.Duration
}

// Pool runs a single logical worker's request/process/sleep loop. Run
// blocks in that loop; a caller that wants several workers in one process
// runs each Pool in its own goroutine, and each worker is treated as
// independent regardless of how many run in a given process.
type Pool struct {
	coordinator Coordinator
	store       Store
	extractor   Extractor
	httpClient  *http.Client
	metrics     *metrics.Metrics
	notifier    *notifier.Notifier
	cfg         Config

	mu             sync.Mutex
	captchaUntil   map[string]time.Time
	captchaStrikes map[string]int
}

// New constructs a Pool. extractor may be nil, in which case a
// goquery-based default (MethodContentParse only) is used. notif may be
// nil, in which case a successfully extracted article is never announced
// downstream.
func New(coordinator Coordinator, store Store, extractor Extractor, httpClient *http.Client, m *metrics.Metrics, notif *notifier.Notifier, cfg Config) *Pool {
	if extractor == nil {
		extractor = defaultExtractor{client: httpClient}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxPerDomain <= 0 {
		cfg.MaxPerDomain = 3
	}
	if cfg.BatchSleepMulti <= 0 {
		cfg.BatchSleepMulti = 30 * time.Second
	}
	if cfg.BatchSleepSingle <= 0 {
		cfg.BatchSleepSingle = 300 * time.Second
	}
	if cfg.InterRequestMinMulti <= 0 {
		cfg.InterRequestMinMulti = 10 * time.Second
	}
	if cfg.InterRequestMaxMulti <= 0 || cfg.InterRequestMaxMulti < cfg.InterRequestMinMulti {
		cfg.InterRequestMaxMulti = 30 * time.Second
	}
	if cfg.InterRequestMinSingle <= 0 {
		cfg.InterRequestMinSingle = 90 * time.Second
	}
	if cfg.InterRequestMaxSingle <= 0 || cfg.InterRequestMaxSingle < cfg.InterRequestMinSingle {
		cfg.InterRequestMaxSingle = 180 * time.Second
	}
	if cfg.CaptchaBackoffBase <= 0 {
		cfg.CaptchaBackoffBase = 30 * time.Minute
	}
	if cfg.CaptchaBackoffCap <= 0 {
		cfg.CaptchaBackoffCap = 2 * time.Hour
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	return &Pool{
		coordinator:    coordinator,
		store:          store,
		extractor:      extractor,
		httpClient:     httpClient,
		metrics:        m,
		notifier:       notif,
		cfg:            cfg,
		captchaUntil:   make(map[string]time.Time),
		captchaStrikes: make(map[string]int),
	}
}

// Run loops request_work -> process -> sleep until ctx is canceled,
// matching RSSMonitor.Start's ticker-driven loop in monitor.go.
func (p *Pool) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := p.coordinator.RequestWork(ctx, p.cfg.WorkerID, p.cfg.BatchSize, p.cfg.MaxPerDomain)
		if err != nil {
			if sleepErr := p.sleep(ctx, p.cfg.BatchSleepMulti); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		batchSleep, interMin, interMax := p.effectivePacing(result)

		if len(result.Items) == 0 {
			if err := p.sleep(ctx, batchSleep); err != nil {
				return err
			}
			continue
		}

		p.processBatch(ctx, result.Items, interMin, interMax)
		if err := p.sleep(ctx, batchSleep); err != nil {
			return err
		}
	}
}

// effectivePacing detects the single-domain-dataset case: when the
// claimed batch (or, for an idle poll, the worker's leased domain set)
// spans exactly one distinct domain, BATCH_SLEEP and INTER_REQUEST_MIN/MAX
// are floored to the configured single-domain values and a warning is
// logged whenever that floor raises the batch sleep or the inter-request
// minimum above the multi-domain values (raising only the maximum is not
// logged).
func (p *Pool) effectivePacing(result queue.RequestWorkResult) (batchSleep, interMin, interMax time.Duration) {
	single := false
	if len(result.Items) > 0 {
		single = singleDomainDataset(result.Items)
	} else {
		single = singleDomainSet(result.WorkerDomains)
	}

	batchSleep, interMin, interMax = p.cfg.BatchSleepMulti, p.cfg.InterRequestMinMulti, p.cfg.InterRequestMaxMulti
	if !single {
		return batchSleep, interMin, interMax
	}

	clamped := false
	if batchSleep < p.cfg.BatchSleepSingle {
		batchSleep = p.cfg.BatchSleepSingle
		clamped = true
	}
	if interMin < p.cfg.InterRequestMinSingle {
		interMin = p.cfg.InterRequestMinSingle
		clamped = true
	}
	if interMax < p.cfg.InterRequestMaxSingle {
		interMax = p.cfg.InterRequestMaxSingle
	}
	if clamped {
		log.Printf("worker %s: single-domain dataset detected, clamping batch sleep to %s and inter-request minimum to %s", p.cfg.WorkerID, batchSleep, interMin)
	}
	return batchSleep, interMin, interMax
}

// processBatch groups claimed items by domain and processes domains
// concurrently; items belonging to the same domain are serialized by the
// worker, paced by a jittered delay in [interMin, interMax] between items.
func (p *Pool) processBatch(ctx context.Context, items []model.CandidateLink, interMin, interMax time.Duration) {
	byDomain := make(map[string][]model.CandidateLink)
	for _, item := range items {
		d := hostOf(item.URL)
		byDomain[d] = append(byDomain[d], item)
	}

	g, gctx := errgroup.WithContext(ctx)
	for domain, domainItems := range byDomain {
		domain, domainItems := domain, domainItems
		g.Go(func() error {
			p.processDomain(gctx, domain, domainItems, interMin, interMax)
			return nil
		})
	}
	_ = g.Wait()
}

// processDomain processes one domain's items in order, pausing a jittered
// delay between requests, and aborting the rest of the domain's batch on a
// bot-protection signal.
func (p *Pool) processDomain(ctx context.Context, domain string, items []model.CandidateLink, interMin, interMax time.Duration) {
	if until, ok := p.captchaBackoffUntil(domain); ok && time.Now().Before(until) {
		return
	}
	for i, item := range items {
		if i > 0 {
			if err := p.sleep(ctx, jitterDelay(interMin, interMax)); err != nil {
				return
			}
		}
		outcome := p.processItem(ctx, item)
		if outcome == outcomeBotProtection {
			p.coordinator.ReportFailure(p.cfg.WorkerID, domain)
			p.extendCaptchaBackoff(domain)
			return
		}
	}
}

type itemOutcome string

const (
	outcomeExtracted     itemOutcome = "extracted"
	outcomeFailed        itemOutcome = "failed"
	outcomeSilentCommit  itemOutcome = "silent_commit"
	outcomeBotProtection itemOutcome = "bot_protection"
)

// processItem attempts extraction methods in priority order, persists the
// result, and performs a post-commit verification read as a defense
// against silent-commit driver bugs.
func (p *Pool) processItem(ctx context.Context, item model.CandidateLink) itemOutcome {
	methods := []ExtractionMethod{MethodCachedSnapshot, MethodContentParse, MethodHeadlessBrowser}

	var content ExtractedContent
	var method ExtractionMethod
	var extractErr error
	extracted := false
	for _, m := range methods {
		content, extractErr = p.extractor.Extract(ctx, m, item.URL)
		if extractErr == nil {
			method = m
			extracted = true
			break
		}
		if botProtectionError(extractErr) {
			return outcomeBotProtection
		}
	}
	if !extracted {
		p.recordOutcome("failed")
		return outcomeFailed
	}

	article := model.Article{
		CandidateLinkID:  item.ID,
		URL:              item.URL,
		Title:            content.Title,
		Authors:          content.Authors,
		PublishDate:      content.PublishDate,
		ExtractionMethod: string(method),
	}
	if content.Text != "" {
		article.Text = &content.Text
	}

	id, inserted, err := p.store.InsertArticleIfAbsent(ctx, article)
	if err != nil {
		p.recordOutcome("failed")
		return outcomeFailed
	}
	if !inserted {
		// Already present from a prior run; treat the candidate as settled.
		p.recordOutcome("duplicate")
		return outcomeExtracted
	}

	got, err := p.store.GetArticleByID(ctx, id)
	if err != nil || got == nil {
		// Silent-commit scenario: the insert reported success but the row
		// isn't readable back. Leave the candidate's status untouched so
		// it remains claimable on a subsequent run.
		if p.metrics != nil {
			p.metrics.ExtractionSilentCommitTotal.Inc()
		}
		p.recordOutcome("silent_commit")
		return outcomeSilentCommit
	}

	if _, err := p.store.PromoteStatus(ctx, item.ID, model.CandidateArticle, model.CandidateExtracted); err != nil {
		p.recordOutcome("failed")
		return outcomeFailed
	}
	p.notify(ctx, *got, hostOf(item.URL))
	p.recordOutcome("extracted")
	return outcomeExtracted
}

// notify announces a freshly extracted article to the downstream
// enrichment endpoint. Fire-and-forget: a dropped notification never
// blocks extraction — enrichment is an external collaborator outside this
// system's delivery guarantees.
func (p *Pool) notify(ctx context.Context, a model.Article, sourceHost string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, notifier.FromArticle(a, sourceHost)); err != nil {
		log.Printf("worker: enrichment notify failed for %s: %v", a.URL, err)
	}
}

func (p *Pool) recordOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.ExtractionOutcomesTotal.WithLabelValues(outcome).Inc()
	}
}

// extendCaptchaBackoff doubles the local CAPTCHA cooldown for domain up
// to CaptchaBackoffCap on repeated CAPTCHA signals.
func (p *Pool) extendCaptchaBackoff(domain string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captchaStrikes[domain]++
	backoff := p.cfg.CaptchaBackoffBase * time.Duration(1<<uint(p.captchaStrikes[domain]-1))
	if backoff > p.cfg.CaptchaBackoffCap {
		backoff = p.cfg.CaptchaBackoffCap
	}
	p.captchaUntil[domain] = time.Now().Add(backoff)
}

func (p *Pool) captchaBackoffUntil(domain string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.captchaUntil[domain]
	return until, ok
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// singleDomainDataset reports whether a claimed batch contains exactly one
// distinct domain.
func singleDomainDataset(items []model.CandidateLink) bool {
	if len(items) == 0 {
		return false
	}
	seen := make(map[string]bool)
	for _, it := range items {
		seen[hostOf(it.URL)] = true
		if len(seen) > 1 {
			return false
		}
	}
	return true
}

// singleDomainSet reports whether domains (e.g. a worker's leased domain
// set from queue.RequestWorkResult.WorkerDomains) contains exactly one
// distinct entry. Used as the idle-poll fallback for effectivePacing, when
// there's no claimed batch to inspect.
func singleDomainSet(domains []string) bool {
	if len(domains) == 0 {
		return false
	}
	seen := make(map[string]bool)
	for _, d := range domains {
		seen[d] = true
		if len(seen) > 1 {
			return false
		}
	}
	return true
}

// jitterDelay picks a uniform random delay in [min, max], matching the
// verifier's rand.Float64 jitter idiom. Returns 0 if max <= 0 (pacing
// disabled) or max < min.
func jitterDelay(min, max time.Duration) time.Duration {
	if max <= 0 || max < min {
		return 0
	}
	if max == min {
		return min
	}
	return min + time.Duration(rand.Float64()*float64(max-min))
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.ToLower(u.Host)
}

// botProtectionError reports whether err represents a 429/503/CAPTCHA
// signal the coordinator needs to hear about.
func botProtectionError(err error) bool {
	if err == nil {
		return false
	}
	var he *httpStatusError
	if errors.As(err, &he) {
		return he.code == http.StatusTooManyRequests || he.code == http.StatusServiceUnavailable || he.captcha
	}
	return false
}

type httpStatusError struct {
	code    int
	captcha bool
}

func (e *httpStatusError) Error() string {
	if e.captcha {
		return fmt.Sprintf("captcha challenge (status %d)", e.code)
	}
	return fmt.Sprintf("unexpected status %d", e.code)
}

// defaultExtractor implements MethodContentParse with a goquery-based
// reader extraction (grabs <title> and paragraph text from <article> or
// <main>, falling back to all <p> tags), matching fetchFullContent's
// selector-list idiom in monitor.go. The other two methods report
// ErrMethodUnavailable since their engines are external collaborators
// outside this package's scope.
type defaultExtractor struct {
	client *http.Client
}

func (d defaultExtractor) Extract(ctx context.Context, method ExtractionMethod, rawURL string) (ExtractedContent, error) {
	if method != MethodContentParse {
		return ExtractedContent{}, ErrMethodUnavailable
	}
	client := d.client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ExtractedContent{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return ExtractedContent{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return ExtractedContent{}, &httpStatusError{code: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		return ExtractedContent{}, &httpStatusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return ExtractedContent{}, err
	}
	if looksLikeCaptcha(body) {
		return ExtractedContent{}, &httpStatusError{code: resp.StatusCode, captcha: true}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return ExtractedContent{}, err
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	var paragraphs []string
	container := doc.Find("article")
	if container.Length() == 0 {
		container = doc.Find("main")
	}
	if container.Length() == 0 {
		container = doc.Selection
	}
	container.Find("p").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})

	return ExtractedContent{
		Title: title,
		Text:  strings.Join(paragraphs, "\n\n"),
	}, nil
}

var captchaMarkers = []string{"captcha", "are you a human", "cf-challenge", "verify you are human"}

func looksLikeCaptcha(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range captchaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
