// Package store is the sole owner of durable pipeline state. It wraps
// *sql.DB the way database_ops.go wraps it: one struct, narrow
// transactional methods, and INSERT ... ON CONFLICT for idempotent writes
// rather than check-then-act.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"newscrawl/internal/model"
	"newscrawl/internal/statemachine"
)

// Store is the Postgres-backed implementation of the pipeline's storage
// contract.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened *sql.DB. Callers own the connection pool's
// lifecycle (Open/Close/Ping), matching main.go's initDatabase split.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping checks the underlying connection, used by the coordinator's
// /health route.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateTables runs the full DDL. Idempotent: every statement is
// CREATE ... IF NOT EXISTS.
func (s *Store) CreateTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createTables)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// UpsertSource inserts a source by host if absent, returning its ID either
// way. Hosts are the natural key, mirroring UNIQUE(articles.url) in
// database_ops.go's schema.
func (s *Store) UpsertSource(ctx context.Context, host, displayName, datasetTag string) (uuid.UUID, error) {
	id := uuid.New()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sources (id, host, display_name, dataset_tag, metadata)
		VALUES ($1, $2, $3, $4, '{}'::jsonb)
		ON CONFLICT (host) DO UPDATE SET updated_at = now()
		RETURNING id
	`, id, host, displayName, datasetTag)
	var gotID uuid.UUID
	if err := row.Scan(&gotID); err != nil {
		return uuid.Nil, fmt.Errorf("upsert source %s: %w", host, err)
	}
	return gotID, nil
}

// ListSources returns every source, for the scheduler's due-decision pass.
func (s *Store) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host, display_name, dataset_tag, metadata, created_at, updated_at
		FROM sources
	`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		var metaBytes []byte
		if err := rows.Scan(&src.ID, &src.Host, &src.DisplayName, &src.DatasetTag, &metaBytes, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		if len(metaBytes) > 0 {
			if err := json.Unmarshal(metaBytes, &src.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", src.Host, err)
			}
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// UpdateSourceMeta applies patch to the source's metadata under a
// row lock, a read-modify-write shape that avoids a lost update under
// concurrent callers.
func (s *Store) UpdateSourceMeta(ctx context.Context, sourceID uuid.UUID, patch func(*model.SourceMetadata)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update_source_meta: %w", err)
	}
	defer tx.Rollback()

	var metaBytes []byte
	if err := tx.QueryRowContext(ctx, `SELECT metadata FROM sources WHERE id = $1 FOR UPDATE`, sourceID).Scan(&metaBytes); err != nil {
		return fmt.Errorf("select source %s for update: %w", sourceID, err)
	}
	var meta model.SourceMetadata
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
	}
	patch(&meta)

	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sources SET metadata = $1, updated_at = now() WHERE id = $2`, encoded, sourceID); err != nil {
		return fmt.Errorf("update source metadata: %w", err)
	}
	return tx.Commit()
}

// UpsertCandidate is idempotent on URL: repeated calls for the same URL
// return the same ID with inserted=false after the first.
func (s *Store) UpsertCandidate(ctx context.Context, rawURL string, sourceID uuid.UUID, method model.DiscoveryMethod) (uuid.UUID, bool, error) {
	id := uuid.New()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO candidate_links (id, source_id, url, status, discovered_at, discovery_method)
		VALUES ($1, $2, $3, $4, now(), $5)
		ON CONFLICT (url) DO UPDATE SET url = EXCLUDED.url
		RETURNING id, (xmax = 0) AS inserted
	`, id, sourceID, rawURL, model.CandidateDiscovered, string(method))
	var gotID uuid.UUID
	var inserted bool
	if err := row.Scan(&gotID, &inserted); err != nil {
		return uuid.Nil, false, fmt.Errorf("upsert candidate %s: %w", rawURL, err)
	}
	return gotID, inserted, nil
}

// PromoteStatus performs a compare-and-swap status transition: every
// transition is validated against the statemachine table before being
// attempted, and
// the UPDATE's WHERE clause re-checks "from" so concurrent promoters never
// double-apply a transition.
func (s *Store) PromoteStatus(ctx context.Context, candidateID uuid.UUID, from, to model.CandidateStatus) (bool, error) {
	if err := statemachine.ValidateCandidateTransition(from, to); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE candidate_links SET status = $1, verified_at = CASE WHEN $1 IN ('article','not_article','verify_failed') THEN now() ELSE verified_at END
		WHERE id = $2 AND status = $3
	`, string(to), candidateID, string(from))
	if err != nil {
		return false, fmt.Errorf("promote candidate %s: %w", candidateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// PromoteArticleStatus is PromoteStatus's Article-side counterpart.
func (s *Store) PromoteArticleStatus(ctx context.Context, articleID uuid.UUID, from, to model.ArticleStatus) (bool, error) {
	if err := statemachine.ValidateArticleTransition(from, to); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE articles SET status = $1, updated_at = now() WHERE id = $2 AND status = $3
	`, string(to), articleID, string(from))
	if err != nil {
		return false, fmt.Errorf("promote article %s: %w", articleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// BatchClaimForExtraction claims candidates with row-level exclusion and
// skip-over-locked semantics: it claims
// candidates whose source host is in domains, biased toward the oldest
// discovered_at first, never returning more than maxPerDomain per domain.
// The transaction holds the row locks for its own duration only — there is
// no persisted "claimed" status; claimed_at is a lease marker that expires
// on its own if the claiming transaction never commits a promotion.
func (s *Store) BatchClaimForExtraction(ctx context.Context, domains []string, limit, maxPerDomain int, claimTTL time.Duration, workerID string) ([]model.CandidateLink, error) {
	if len(domains) == 0 || limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch_claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT cl.id, cl.source_id, cl.url, cl.status, cl.discovered_at, cl.verified_at, cl.claimed_at, cl.error_count, cl.discovery_method, s.host
		FROM candidate_links cl
		JOIN sources s ON s.id = cl.source_id
		WHERE cl.status = $1
		  AND s.host = ANY($2)
		  AND (cl.claimed_at IS NULL OR cl.claimed_at < now() - $3::interval)
		ORDER BY cl.discovered_at ASC
		FOR UPDATE OF cl SKIP LOCKED
	`, string(model.CandidateArticle), pq.Array(domains), claimTTL.String())
	if err != nil {
		return nil, fmt.Errorf("select for claim: %w", err)
	}

	perDomain := make(map[string]int)
	var claimed []model.CandidateLink
	var ids []uuid.UUID
	for rows.Next() {
		var cl model.CandidateLink
		var host string
		var methodStr string
		if err := rows.Scan(&cl.ID, &cl.SourceID, &cl.URL, &cl.Status, &cl.DiscoveredAt, &cl.VerifiedAt, &cl.ClaimedAt, &cl.ErrorCount, &methodStr, &host); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claim candidate: %w", err)
		}
		cl.DiscoveryMethod = model.DiscoveryMethod(methodStr)
		if perDomain[host] >= maxPerDomain {
			continue
		}
		if len(claimed) >= limit {
			break
		}
		perDomain[host]++
		claimed = append(claimed, cl)
		ids = append(ids, cl.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim rows: %w", err)
	}

	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE candidate_links SET claimed_at = now(), claimed_by = $1 WHERE id = ANY($2)
		`, workerID, pq.Array(ids)); err != nil {
			return nil, fmt.Errorf("mark claimed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch_claim: %w", err)
	}
	return claimed, nil
}

// ClaimCandidatesForVerification selects candidates awaiting verification
// (status discovered) the same row-lease way BatchClaimForExtraction does,
// but with no domain grouping: the verifier runs across all due
// candidates with no inter-candidate ordering guarantee.
func (s *Store) ClaimCandidatesForVerification(ctx context.Context, limit int, claimTTL time.Duration, workerID string) ([]model.CandidateLink, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim_for_verification: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, source_id, url, status, discovered_at, verified_at, claimed_at, error_count, discovery_method
		FROM candidate_links
		WHERE status = $1
		  AND (claimed_at IS NULL OR claimed_at < now() - $2::interval)
		ORDER BY discovered_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, string(model.CandidateDiscovered), claimTTL.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("select for claim_for_verification: %w", err)
	}

	var claimed []model.CandidateLink
	var ids []uuid.UUID
	for rows.Next() {
		var cl model.CandidateLink
		var methodStr string
		if err := rows.Scan(&cl.ID, &cl.SourceID, &cl.URL, &cl.Status, &cl.DiscoveredAt, &cl.VerifiedAt, &cl.ClaimedAt, &cl.ErrorCount, &methodStr); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claim_for_verification candidate: %w", err)
		}
		cl.DiscoveryMethod = model.DiscoveryMethod(methodStr)
		claimed = append(claimed, cl)
		ids = append(ids, cl.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim_for_verification rows: %w", err)
	}

	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE candidate_links SET claimed_at = now(), claimed_by = $1 WHERE id = ANY($2)
		`, workerID, pq.Array(ids)); err != nil {
			return nil, fmt.Errorf("mark claimed for verification: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim_for_verification: %w", err)
	}
	return claimed, nil
}

// InsertArticleIfAbsent is unique on URL and silently no-ops on conflict
// mirroring UpsertArticle's ON CONFLICT DO NOTHING variant
// in database_ops.go.
func (s *Store) InsertArticleIfAbsent(ctx context.Context, a model.Article) (uuid.UUID, bool, error) {
	id := uuid.New()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO articles (id, candidate_link_id, url, title, text, authors, publish_date, status, extracted_at, extraction_method, proxy_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), $9, $10)
		ON CONFLICT (url) DO NOTHING
		RETURNING id
	`, id, a.CandidateLinkID, a.URL, a.Title, a.Text, pq.Array(a.Authors), a.PublishDate, model.ArticleExtracted, a.ExtractionMethod, a.ProxyStatus)
	var gotID uuid.UUID
	if err := row.Scan(&gotID); err != nil {
		if err == sql.ErrNoRows {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("insert article %s: %w", a.URL, err)
	}
	return gotID, true, nil
}

// GetArticleByID performs the post-commit verification read required
// after every insert: a row absent here even right after a
// reported-successful insert is the silent-commit failure mode.
func (s *Store) GetArticleByID(ctx context.Context, id uuid.UUID) (*model.Article, error) {
	var a model.Article
	row := s.db.QueryRowContext(ctx, `
		SELECT id, candidate_link_id, url, title, text, authors, publish_date, status, extracted_at, extraction_method, proxy_status, pause_reason, created_at, updated_at
		FROM articles WHERE id = $1
	`, id)
	if err := row.Scan(&a.ID, &a.CandidateLinkID, &a.URL, &a.Title, &a.Text, pq.Array(&a.Authors), &a.PublishDate, &a.Status, &a.ExtractedAt, &a.ExtractionMethod, &a.ProxyStatus, &a.PauseReason, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get article %s: %w", id, err)
	}
	return &a, nil
}

// UpsertDiscoveryEffectiveness rolls a single attempt's outcome into the
// per (source, method) DiscoveryMethodEffectiveness telemetry row;
// recent_status_codes keeps the last 10 status codes, oldest first.
func (s *Store) UpsertDiscoveryEffectiveness(ctx context.Context, sourceID uuid.UUID, method model.DiscoveryMethod, outcome model.DiscoveryOutcomeStatus, articlesFound int, responseTime time.Duration, statusCode int, errMsg string) error {
	success := 0
	failure := 0
	if outcome == model.OutcomeSuccess {
		success = 1
	} else {
		failure = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discovery_method_effectiveness
			(id, source_id, method, status, articles_found, success_rate, attempt_count, success_count, failure_count,
			 avg_response_time_ms, last_response_time_ms, recent_status_codes, last_status_code, last_error_message,
			 consecutive_failures, first_attempted_at, last_attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8, $9, $9, $10::jsonb, $11, $12, $13, now(), now())
		ON CONFLICT (source_id, method) DO UPDATE SET
			status = EXCLUDED.status,
			articles_found = discovery_method_effectiveness.articles_found + EXCLUDED.articles_found,
			attempt_count = discovery_method_effectiveness.attempt_count + 1,
			success_count = discovery_method_effectiveness.success_count + $7,
			failure_count = discovery_method_effectiveness.failure_count + $8,
			success_rate = (discovery_method_effectiveness.success_count + $7)::float / (discovery_method_effectiveness.attempt_count + 1),
			avg_response_time_ms = ((discovery_method_effectiveness.avg_response_time_ms * discovery_method_effectiveness.attempt_count) + $9) / (discovery_method_effectiveness.attempt_count + 1),
			last_response_time_ms = $9,
			recent_status_codes = (SELECT COALESCE(jsonb_agg(c ORDER BY i), '[]'::jsonb)
				FROM jsonb_array_elements(discovery_method_effectiveness.recent_status_codes || EXCLUDED.recent_status_codes) WITH ORDINALITY AS t(c, i)
				WHERE i > jsonb_array_length(discovery_method_effectiveness.recent_status_codes) + 1 - 10),
			last_status_code = $11,
			last_error_message = $12,
			consecutive_failures = CASE WHEN $8 = 1 THEN discovery_method_effectiveness.consecutive_failures + 1 ELSE 0 END,
			last_attempted_at = now(),
			updated_at = now()
	`, uuid.New(), sourceID, string(method), string(outcome), articlesFound, boolToRate(outcome == model.OutcomeSuccess), success, failure, responseTime.Milliseconds(), mustJSON([]int{statusCode}), statusCode, errMsg, failure)
	if err != nil {
		return fmt.Errorf("upsert discovery effectiveness %s/%s: %w", sourceID, method, err)
	}
	return nil
}

// InsertDiscoveryOutcome appends a raw event row, independent of the
// per-method rollup above.
func (s *Store) InsertDiscoveryOutcome(ctx context.Context, o model.DiscoveryOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discovery_outcomes (id, source_id, method, status, articles_found, response_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, uuid.New(), o.SourceID, string(o.Method), string(o.Status), o.ArticlesFound, o.ResponseTime.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert discovery outcome: %w", err)
	}
	return nil
}

// InsertHTTPStatus records one HTTP response for operator visibility.
func (s *Store) InsertHTTPStatus(ctx context.Context, t model.HTTPStatusTracking) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO http_status_tracking (id, source_id, domain, status_code, stage, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, uuid.New(), t.SourceID, t.Domain, t.StatusCode, t.Stage)
	if err != nil {
		return fmt.Errorf("insert http status: %w", err)
	}
	return nil
}

// ExpireStuckCandidates moves candidates in `article` status older than
// expiration to terminal `paused`. dryRun computes the same count without
// writing.
func (s *Store) ExpireStuckCandidates(ctx context.Context, olderThan time.Duration, dryRun bool) (int, error) {
	if dryRun {
		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT count(*) FROM candidate_links WHERE status = $1 AND discovered_at < now() - $2::interval
		`, string(model.CandidateArticle), olderThan.String()).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("count stuck candidates: %w", err)
		}
		return n, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE candidate_links SET status = $1 WHERE status = $2 AND discovered_at < now() - $3::interval
	`, string(model.CandidatePaused), string(model.CandidateArticle), olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("expire stuck candidates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// PauseNullTextArticles moves articles `extracted` with null text to
// terminal `paused`.
func (s *Store) PauseNullTextArticles(ctx context.Context, dryRun bool) (int, error) {
	if dryRun {
		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT count(*) FROM articles WHERE status = $1 AND text IS NULL
		`, string(model.ArticleExtracted)).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("count null-text articles: %w", err)
		}
		return n, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE articles SET status = $1, pause_reason = $2, updated_at = now() WHERE status = $3 AND text IS NULL
	`, string(model.ArticlePaused), model.PauseReasonNullText, string(model.ArticleExtracted))
	if err != nil {
		return 0, fmt.Errorf("pause null-text articles: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// WarnStuckRows reports rows stuck past threshold in a non-terminal
// intermediate stage, but never writes to them, so the housekeeper can
// log a warning without interfering with an in-flight worker.
func (s *Store) WarnStuckRows(ctx context.Context, threshold time.Duration) (articlesStuck, candidatesStuck int, err error) {
	if err = s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM articles WHERE status IN ($1, $2) AND updated_at < now() - $3::interval
	`, string(model.ArticleExtracted), string(model.ArticleCleaned), threshold.String()).Scan(&articlesStuck); err != nil {
		return 0, 0, fmt.Errorf("count stuck articles: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM candidate_links WHERE status = $1 AND discovered_at < now() - $2::interval
	`, string(model.CandidateDiscovered), threshold.String()).Scan(&candidatesStuck); err != nil {
		return 0, 0, fmt.Errorf("count stuck candidates: %w", err)
	}
	return articlesStuck, candidatesStuck, nil
}

func boolToRate(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("[]")
	}
	return b
}
