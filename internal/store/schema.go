package store

// createTables generalizes main.go's createTables into the three-table
// three-entity pipeline data model plus the telemetry tables of the
// layout. Status columns are CHECK-constrained against the enum values
// statemachine.go accepts, since Postgres has no native enum-with-ALTER
// story as forgiving as a CHECK constraint during iteration.
const createTables = `
CREATE TABLE IF NOT EXISTS sources (
	id UUID PRIMARY KEY,
	host TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	dataset_tag TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS candidate_links (
	id UUID PRIMARY KEY,
	source_id UUID NOT NULL REFERENCES sources(id),
	url TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL CHECK (status IN ('discovered','article','extracted','not_article','verify_failed','paused')),
	discovered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	verified_at TIMESTAMPTZ,
	claimed_at TIMESTAMPTZ,
	claimed_by TEXT NOT NULL DEFAULT '',
	error_count INTEGER NOT NULL DEFAULT 0,
	discovery_method TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_candidate_links_status_discovered ON candidate_links (status, discovered_at);
CREATE INDEX IF NOT EXISTS idx_candidate_links_claim ON candidate_links (status, claimed_at);

CREATE TABLE IF NOT EXISTS articles (
	id UUID PRIMARY KEY,
	candidate_link_id UUID NOT NULL REFERENCES candidate_links(id),
	url TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	text TEXT,
	authors TEXT[] NOT NULL DEFAULT '{}',
	publish_date TIMESTAMPTZ,
	status TEXT NOT NULL CHECK (status IN ('extracted','cleaned','local','wire','labeled','paused')),
	extracted_at TIMESTAMPTZ,
	extraction_method TEXT NOT NULL DEFAULT '',
	proxy_status TEXT,
	pause_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_articles_status_extracted ON articles (status, extracted_at);

CREATE TABLE IF NOT EXISTS discovery_method_effectiveness (
	id UUID PRIMARY KEY,
	source_id UUID NOT NULL REFERENCES sources(id),
	method TEXT NOT NULL,
	status TEXT NOT NULL,
	articles_found INTEGER NOT NULL DEFAULT 0,
	success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	avg_response_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_response_time_ms INTEGER NOT NULL DEFAULT 0,
	recent_status_codes JSONB NOT NULL DEFAULT '[]'::jsonb,
	last_status_code INTEGER NOT NULL DEFAULT 0,
	last_error_message TEXT NOT NULL DEFAULT '',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	first_attempted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_attempted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_id, method)
);

CREATE TABLE IF NOT EXISTS http_status_tracking (
	id UUID PRIMARY KEY,
	source_id UUID NOT NULL REFERENCES sources(id),
	domain TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	stage TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_http_status_tracking_domain ON http_status_tracking (domain, created_at);

CREATE TABLE IF NOT EXISTS discovery_outcomes (
	id UUID PRIMARY KEY,
	source_id UUID NOT NULL REFERENCES sources(id),
	method TEXT NOT NULL,
	status TEXT NOT NULL,
	articles_found INTEGER NOT NULL DEFAULT 0,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_discovery_outcomes_source ON discovery_outcomes (source_id, created_at);
`
