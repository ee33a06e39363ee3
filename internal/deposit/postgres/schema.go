package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS deposits (
	signature TEXT PRIMARY KEY,
	slot BIGINT NOT NULL,
	account TEXT NOT NULL,
	amount BIGINT NOT NULL,

	status SMALLINT NOT NULL,
	fail_reason TEXT NOT NULL DEFAULT '',
	mint_block_index BIGINT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT slot_nonneg CHECK (slot >= 0),
	CONSTRAINT amount_pos CHECK (amount > 0),
	CONSTRAINT status_range CHECK (status >= 1 AND status <= 3),
	CONSTRAINT minted_has_index CHECK (status <> 2 OR mint_block_index IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS deposits_status_idx ON deposits (status, created_at);

CREATE TABLE IF NOT EXISTS deposit_invalid_transactions (
	signature TEXT PRIMARY KEY,
	slot BIGINT NOT NULL,
	reason TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deposit_checkpoints (
	contract_address TEXT PRIMARY KEY,
	signature TEXT NOT NULL,
	slot BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT checkpoint_slot_nonneg CHECK (slot >= 0)
);
`
