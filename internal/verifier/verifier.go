// Package verifier probes each discovered candidate with a HEAD (falling
// back to GET on 403/405), classifies the result by HTTP status code alone
// (the URL's shape is not considered), and promotes or retries with exponential backoff plus jitter. It is grounded
// on monitor.go's HTTP-fetch style and generalized with
// golang.org/x/time/rate to pace outbound probes across a batch.
package verifier

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"newscrawl/internal/metrics"
	"newscrawl/internal/model"
)

// Store is the narrow slice of the store contract the verifier needs.
type Store interface {
	PromoteStatus(ctx context.Context, candidateID uuid.UUID, from, to model.CandidateStatus) (bool, error)
	InsertHTTPStatus(ctx context.Context, t model.HTTPStatusTracking) error
}

// Config tunes the retry policy ("max 3 attempts with
// exponential backoff 1s/4s/16s + ±25% jitter").
type Config struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	JitterFraction float64
	FetchDeadline  time.Duration

	// RequestsPerSecond caps the aggregate rate of outbound probes across
	// all candidates, independent of the per-candidate backoff/jitter
	// above — it protects hosts from a burst of HEAD/GET requests when a
	// large batch is claimed at once.
	RequestsPerSecond float64
	Burst             int
}

// Verifier probes candidate URLs and promotes their status.
type Verifier struct {
	httpClient *http.Client
	store      Store
	metrics    *metrics.Metrics
	cfg        Config
	limiter    *rate.Limiter
}

// New constructs a Verifier. metrics may be nil in tests.
func New(httpClient *http.Client, store Store, m *metrics.Metrics, cfg Config) *Verifier {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.JitterFraction <= 0 {
		cfg.JitterFraction = 0.25
	}
	if cfg.FetchDeadline <= 0 {
		cfg.FetchDeadline = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
	}
	return &Verifier{
		httpClient: httpClient,
		store:      store,
		metrics:    m,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// Outcome is the result of verifying one candidate.
type Outcome string

const (
	OutcomeArticle      Outcome = "article"
	OutcomeNotArticle   Outcome = "not_article"
	OutcomeVerifyFailed Outcome = "verify_failed"
)

// Verify probes a single candidate. Ordering within one candidate
// (HEAD -> GET fallback -> retries) is sequential; there is no ordering
// guarantee between candidates, so callers are expected to parallelize
// across them.
func (v *Verifier) Verify(ctx context.Context, c model.CandidateLink) (Outcome, error) {
	var lastCode int
	var lastErr error

	for attempt := 1; attempt <= v.cfg.MaxAttempts; attempt++ {
		if err := v.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("verifier rate limiter: %w", err)
		}

		start := time.Now()
		code, classification, err := v.probe(ctx, c.URL)
		lastCode = code
		lastErr = err

		if v.metrics != nil {
			v.metrics.VerifierAttemptsTotal.WithLabelValues(string(classification)).Inc()
			v.metrics.VerifierResponseSeconds.Observe(time.Since(start).Seconds())
		}
		_ = v.store.InsertHTTPStatus(ctx, model.HTTPStatusTracking{SourceID: c.SourceID, StatusCode: code, Stage: "verify"})

		switch classification {
		case probeArticle:
			if _, err := v.store.PromoteStatus(ctx, c.ID, model.CandidateDiscovered, model.CandidateArticle); err != nil {
				return "", fmt.Errorf("promote %s to article: %w", c.ID, err)
			}
			return OutcomeArticle, nil
		case probeNotArticle:
			if _, err := v.store.PromoteStatus(ctx, c.ID, model.CandidateDiscovered, model.CandidateNotArticle); err != nil {
				return "", fmt.Errorf("promote %s to not_article: %w", c.ID, err)
			}
			return OutcomeNotArticle, nil
		case probeRetryable:
			if attempt == v.cfg.MaxAttempts {
				// Last attempt exhausted; fall through to verify_failed below.
				break
			}
			if err := v.sleepBackoff(ctx, attempt); err != nil {
				return "", err
			}
		}
	}

	if _, err := v.store.PromoteStatus(ctx, c.ID, model.CandidateDiscovered, model.CandidateVerifyFailed); err != nil {
		return "", fmt.Errorf("promote %s to verify_failed: %w", c.ID, err)
	}
	_ = lastCode
	_ = lastErr
	return OutcomeVerifyFailed, nil
}

type probeResult string

const (
	probeArticle    probeResult = "article"
	probeNotArticle probeResult = "not_article"
	probeRetryable  probeResult = "retryable"
)

// probe issues a HEAD, falling back to GET on 403/405, and classifies the
// response by status code only; the URL's shape plays no part.
func (v *Verifier) probe(ctx context.Context, rawURL string) (int, probeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.FetchDeadline)
	defer cancel()

	code, err := v.doRequest(ctx, http.MethodHead, rawURL)
	if err == nil && (code == http.StatusForbidden || code == http.StatusMethodNotAllowed) {
		code, err = v.doRequest(ctx, http.MethodGet, rawURL)
	}
	if err != nil {
		return 0, probeRetryable, err
	}

	switch {
	case code >= 200 && code < 300:
		return code, probeArticle, nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return code, probeNotArticle, nil
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable || code >= 500:
		return code, probeRetryable, nil
	default:
		return code, probeNotArticle, nil
	}
}

func (v *Verifier) doRequest(ctx context.Context, method, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// sleepBackoff waits base*4^(attempt-1) (1s/4s/16s for base=1s) with
// ±jitterFraction jitter.
func (v *Verifier) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := time.Duration(float64(v.cfg.BaseBackoff) * math.Pow(4, float64(attempt-1)))
	jitter := 1 + (rand.Float64()*2-1)*v.cfg.JitterFraction
	wait := time.Duration(float64(backoff) * jitter)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
