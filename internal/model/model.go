// Package model holds the shared data shapes for the crawl pipeline: the
// durable entities Store owns (Source, CandidateLink, Article) and the
// telemetry rows fed by discovery and verification. Nothing in this
// package talks to a database or a network — it is the vocabulary every
// other package imports.
package model

import (
	"time"

	"github.com/google/uuid"
)

// CandidateStatus is the status enum for candidate_links, per the
// candidate-link status transition diagram.
type CandidateStatus string

const (
	CandidateDiscovered  CandidateStatus = "discovered"
	CandidateArticle     CandidateStatus = "article"
	CandidateExtracted   CandidateStatus = "extracted"
	CandidateNotArticle  CandidateStatus = "not_article"
	CandidateVerifyFailed CandidateStatus = "verify_failed"
	CandidatePaused      CandidateStatus = "paused"
)

// ArticleStatus is the status enum for articles.
type ArticleStatus string

const (
	ArticleExtracted ArticleStatus = "extracted"
	ArticleCleaned   ArticleStatus = "cleaned"
	ArticleLocal     ArticleStatus = "local"
	ArticleWire      ArticleStatus = "wire"
	ArticleLabeled   ArticleStatus = "labeled"
	ArticlePaused    ArticleStatus = "paused"
)

// PauseReasonNullText is the reason recorded on an article paused by the
// housekeeper because its extracted text came back empty.
const PauseReasonNullText = "null_text"

// DiscoveryMethod names the three discovery strategies, attempted in this
// priority order by the discovery engine.
type DiscoveryMethod string

const (
	MethodRSSFeed            DiscoveryMethod = "rss_feed"
	MethodTemplateParser     DiscoveryMethod = "template_parser"
	MethodHomepageClassifier DiscoveryMethod = "homepage_classifier"
)

// DiscoveryOutcomeStatus enumerates the outcome of a single discovery
// method attempt, persisted to discovery_method_effectiveness.
type DiscoveryOutcomeStatus string

const (
	OutcomeSuccess         DiscoveryOutcomeStatus = "success"
	OutcomeNoFeed          DiscoveryOutcomeStatus = "no_feed"
	OutcomeTimeout         DiscoveryOutcomeStatus = "timeout"
	OutcomeConnectionError DiscoveryOutcomeStatus = "connection_error"
	OutcomeParseError      DiscoveryOutcomeStatus = "parse_error"
	OutcomeBlocked         DiscoveryOutcomeStatus = "blocked"
	OutcomeServerError     DiscoveryOutcomeStatus = "server_error"
	OutcomeSkipped         DiscoveryOutcomeStatus = "skipped"
)

// Source is a configured news source the pipeline discovers candidate
// links from. Metadata carries the mutable scheduling hints and RSS
// failure-bookkeeping fields the discovery engine maintains.
type Source struct {
	ID          uuid.UUID
	Host        string
	DisplayName string
	DatasetTag  string
	Metadata    SourceMetadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SourceMetadata is the mutable JSON metadata column on sources.
type SourceMetadata struct {
	CadenceHours          float64               `json:"cadence_hours,omitempty"`
	SingleDomainDataset    bool                  `json:"single_domain_dataset,omitempty"`
	RSSMissing            *time.Time            `json:"rss_missing,omitempty"`
	RSSConsecutiveFailures int                   `json:"rss_consecutive_failures,omitempty"`
	RSSTransientFailures   []TransientFailure    `json:"rss_transient_failures,omitempty"`
	RSSLastFailed         *time.Time            `json:"rss_last_failed,omitempty"`
	LastSuccessfulMethod  DiscoveryMethod       `json:"last_successful_method,omitempty"`
	LastDiscoveredAt      *time.Time            `json:"last_discovered_at,omitempty"`
	AttemptCount          int                   `json:"attempt_count,omitempty"`
}

// TransientFailure is one entry in the bounded rss_transient_failures list.
type TransientFailure struct {
	Timestamp time.Time `json:"timestamp"`
	Code      int       `json:"code"`
}

// CandidateLink is a discovered URL awaiting verification/extraction.
type CandidateLink struct {
	ID                uuid.UUID
	SourceID          uuid.UUID
	URL               string
	Status            CandidateStatus
	DiscoveredAt      time.Time
	VerifiedAt        *time.Time
	ClaimedAt         *time.Time
	ClaimedBy         string
	ErrorCount        int
	DiscoveryMethod   DiscoveryMethod
}

// Article is a verified, extracted record. It exists only once the
// candidate link reaches CandidateArticle/CandidateExtracted.
type Article struct {
	ID              uuid.UUID
	CandidateLinkID uuid.UUID
	URL             string
	Title           string
	Text            *string
	Authors         []string
	PublishDate     *time.Time
	Status          ArticleStatus
	ExtractedAt     *time.Time
	ExtractionMethod string
	ProxyStatus     *string
	PauseReason     *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DiscoveryMethodEffectiveness is the per (source, method) telemetry row.
// It maps the 19 columns of the discovery_method_effectiveness table, one
// per field below; status-code history is kept in the single JSON
// recent_status_codes column, and the table has no 32-column layout.
type DiscoveryMethodEffectiveness struct {
	ID               uuid.UUID
	SourceID         uuid.UUID
	Method           DiscoveryMethod
	Status           DiscoveryOutcomeStatus
	ArticlesFound    int
	SuccessRate      float64
	AttemptCount     int
	SuccessCount     int
	FailureCount     int
	AvgResponseTimeMs float64
	LastResponseTimeMs int
	RecentStatusCodes []int
	LastStatusCode    int
	LastErrorMessage  string
	ConsecutiveFailures int
	FirstAttemptedAt  time.Time
	LastAttemptedAt   time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HTTPStatusTracking records one HTTP response observed anywhere in the
// pipeline (discovery, verification, extraction) for operator visibility.
type HTTPStatusTracking struct {
	ID         uuid.UUID
	SourceID   uuid.UUID
	Domain     string
	StatusCode int
	Stage      string // discovery|verify|extract
	CreatedAt  time.Time
}

// DiscoveryOutcome is one row per discovery attempt, independent of the
// per-method rollup in DiscoveryMethodEffectiveness — it is the raw event
// log the rollup is computed from.
type DiscoveryOutcome struct {
	ID            uuid.UUID
	SourceID      uuid.UUID
	Method        DiscoveryMethod
	Status        DiscoveryOutcomeStatus
	ArticlesFound int
	ResponseTime  time.Duration
	CreatedAt     time.Time
}

// IsTerminal reports whether a candidate status accepts no further
// transitions.
func (s CandidateStatus) IsTerminal() bool {
	switch s {
	case CandidateNotArticle, CandidateVerifyFailed, CandidatePaused:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether an article status accepts no further
// transitions.
func (s ArticleStatus) IsTerminal() bool {
	switch s {
	case ArticlePaused, ArticleLabeled:
		return true
	default:
		return false
	}
}
