package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bridge_tasks (
	id BIGSERIAL PRIMARY KEY,
	kind SMALLINT NOT NULL,
	key TEXT NOT NULL,
	status SMALLINT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT kind_range CHECK (kind >= 1 AND kind <= 4),
	CONSTRAINT status_range CHECK (status >= 1 AND status <= 4),
	CONSTRAINT attempts_nonneg CHECK (attempts >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS bridge_tasks_active_uniq
	ON bridge_tasks (kind, key) WHERE status IN (1, 2);
CREATE INDEX IF NOT EXISTS bridge_tasks_kind_key_idx ON bridge_tasks (kind, key, id DESC);
CREATE INDEX IF NOT EXISTS bridge_tasks_finished_idx ON bridge_tasks (updated_at DESC) WHERE status IN (3, 4);
`
