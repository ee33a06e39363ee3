package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS controller_options (
	id SMALLINT PRIMARY KEY DEFAULT 1,
	key_name TEXT NOT NULL,
	solana_rpc_url TEXT NOT NULL,
	contract_address TEXT NOT NULL,
	initial_signature TEXT NOT NULL,
	minimum_withdrawal_amount BIGINT NOT NULL,
	ledger_id TEXT NOT NULL,
	controller_account TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT single_row CHECK (id = 1),
	CONSTRAINT minimum_positive CHECK (minimum_withdrawal_amount > 0)
);
`
