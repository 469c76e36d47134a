package postgres

// Schema DDL, applied idempotently at startup. Waves own everything
// scoped by wave_id through cascading deletes; pages are shared across
// waves and collected when the last referencing wave goes away.
const schema = `
CREATE TABLE IF NOT EXISTS pages (
	page_id  BIGINT PRIMARY KEY,
	page_url TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS waves (
	wave_id    SERIAL PRIMARY KEY,
	wave_name  TEXT NOT NULL UNIQUE,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS status (
	wave_id       INTEGER NOT NULL REFERENCES waves ON DELETE CASCADE,
	page_id       BIGINT NOT NULL REFERENCES pages,
	search_status TEXT NOT NULL DEFAULT 'open'
		CHECK (search_status IN ('open', 'taken', 'closed', 'error')),
	status_code   INTEGER,
	depth         SMALLINT NOT NULL,
	taken_at      TIMESTAMPTZ,
	PRIMARY KEY (wave_id, page_id),
	CHECK (status_code IS NULL OR search_status IN ('closed', 'error'))
);

CREATE INDEX IF NOT EXISTS status_open_by_depth
	ON status (wave_id, depth) WHERE search_status = 'open';

CREATE TABLE IF NOT EXISTS linkage (
	wave_id      INTEGER NOT NULL REFERENCES waves ON DELETE CASCADE,
	from_page_id BIGINT NOT NULL REFERENCES pages,
	to_page_id   BIGINT NOT NULL REFERENCES pages,
	reason       TEXT NOT NULL CHECK (reason IN
		('ahref', 'redirect', 'canonical', 'ext_ahref', 'ext_ahref_no_follow')),
	PRIMARY KEY (wave_id, from_page_id, to_page_id, reason)
);

CREATE UNIQUE INDEX IF NOT EXISTS linkage_one_redirect_per_page
	ON linkage (wave_id, from_page_id) WHERE reason = 'redirect';

CREATE TABLE IF NOT EXISTS analyses (
	wave_id       INTEGER NOT NULL REFERENCES waves ON DELETE CASCADE,
	analysis_name TEXT NOT NULL,
	result_type   TEXT NOT NULL,
	PRIMARY KEY (wave_id, analysis_name)
);

CREATE TABLE IF NOT EXISTS analysis_results (
	wave_id       INTEGER NOT NULL REFERENCES waves ON DELETE CASCADE,
	page_id       BIGINT NOT NULL REFERENCES pages,
	analysis_name TEXT NOT NULL,
	result        JSONB,
	PRIMARY KEY (wave_id, page_id, analysis_name)
);

CREATE TABLE IF NOT EXISTS page_rank (
	wave_id INTEGER NOT NULL REFERENCES waves ON DELETE CASCADE,
	page_id BIGINT NOT NULL REFERENCES pages,
	rank    DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (wave_id, page_id)
);
`
