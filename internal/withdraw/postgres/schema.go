package postgres

const schemaSQL = `
CREATE SEQUENCE IF NOT EXISTS withdraw_burn_id_seq AS BIGINT MINVALUE 0 START WITH 0;

CREATE TABLE IF NOT EXISTS withdraw_burns (
	burn_id BIGINT PRIMARY KEY DEFAULT nextval('withdraw_burn_id_seq'),
	account TEXT NOT NULL,
	to_address TEXT NOT NULL,
	amount BIGINT NOT NULL,
	burn_block_index BIGINT NOT NULL,
	request_id BYTEA NOT NULL,
	created_at_ns BIGINT NOT NULL,

	status SMALLINT NOT NULL,
	fail_reason TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT account_nonempty CHECK (account <> ''),
	CONSTRAINT to_address_nonempty CHECK (to_address <> ''),
	CONSTRAINT amount_positive CHECK (amount > 0),
	CONSTRAINT burn_block_index_nonneg CHECK (burn_block_index >= 0),
	CONSTRAINT request_id_len CHECK (octet_length(request_id) = 32),
	CONSTRAINT status_range CHECK (status >= 1 AND status <= 3)
);

CREATE INDEX IF NOT EXISTS withdraw_burns_account_idx ON withdraw_burns (account, burn_id);
CREATE INDEX IF NOT EXISTS withdraw_burns_status_idx ON withdraw_burns (status, burn_id);

CREATE TABLE IF NOT EXISTS withdraw_coupons (
	burn_id BIGINT PRIMARY KEY REFERENCES withdraw_burns (burn_id),
	format TEXT NOT NULL,
	message TEXT NOT NULL,
	message_hash TEXT NOT NULL,
	signature_hex TEXT NOT NULL,
	public_key_hex TEXT NOT NULL,
	recovery_id SMALLINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT recovery_id_range CHECK (recovery_id IN (0, 1))
);
`
