package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_processed_events (
	chain_id BIGINT NOT NULL,
	tx_hash BYTEA NOT NULL,
	log_index BIGINT NOT NULL,
	block_number BIGINT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (chain_id, tx_hash, log_index),
	CONSTRAINT processed_tx_hash_len CHECK (octet_length(tx_hash) = 32)
);

CREATE TABLE IF NOT EXISTS ledger_cursors (
	chain_id BIGINT PRIMARY KEY,
	block_number BIGINT NOT NULL,
	log_index BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_accounts (
	address BYTEA PRIMARY KEY,
	first_seen_at BIGINT NOT NULL,

	CONSTRAINT account_address_len CHECK (octet_length(address) = 20)
);

CREATE TABLE IF NOT EXISTS ledger_allocators (
	address BYTEA PRIMARY KEY,
	first_seen_at BIGINT NOT NULL,

	CONSTRAINT allocator_address_len CHECK (octet_length(address) = 20)
);

CREATE TABLE IF NOT EXISTS ledger_allocator_registrations (
	id BIGSERIAL PRIMARY KEY,
	allocator BYTEA NOT NULL,
	chain_id BIGINT NOT NULL,
	allocator_id BYTEA NOT NULL,
	registered_at BIGINT NOT NULL,
	block_number BIGINT NOT NULL,
	tx_hash BYTEA NOT NULL,
	log_index BIGINT NOT NULL,

	CONSTRAINT registration_allocator_len CHECK (octet_length(allocator) = 20),
	CONSTRAINT registration_allocator_id_len CHECK (octet_length(allocator_id) = 12),
	CONSTRAINT registration_tx_hash_len CHECK (octet_length(tx_hash) = 32)
);

CREATE INDEX IF NOT EXISTS ledger_allocator_registrations_allocator_idx ON ledger_allocator_registrations (allocator, chain_id);

CREATE TABLE IF NOT EXISTS ledger_allocator_ids (
	chain_id BIGINT NOT NULL,
	allocator_id BYTEA NOT NULL,
	allocator BYTEA NOT NULL,

	PRIMARY KEY (chain_id, allocator_id),
	CONSTRAINT allocator_ids_id_len CHECK (octet_length(allocator_id) = 12),
	CONSTRAINT allocator_ids_allocator_len CHECK (octet_length(allocator) = 20)
);

CREATE TABLE IF NOT EXISTS ledger_deposited_tokens (
	token BYTEA NOT NULL,
	chain_id BIGINT NOT NULL,
	first_seen_at BIGINT NOT NULL,
	total_supply NUMERIC(78,0) NOT NULL,

	PRIMARY KEY (token, chain_id),
	CONSTRAINT deposited_token_len CHECK (octet_length(token) = 20),
	CONSTRAINT deposited_token_supply_nonneg CHECK (total_supply >= 0)
);

CREATE TABLE IF NOT EXISTS ledger_resource_locks (
	lock_id BYTEA NOT NULL,
	chain_id BIGINT NOT NULL,
	token BYTEA NOT NULL,
	allocator BYTEA NOT NULL,
	allocator_id BYTEA NOT NULL,
	reset_period SMALLINT NOT NULL,
	is_multichain BOOLEAN NOT NULL,
	minted_at BIGINT NOT NULL,
	total_supply NUMERIC(78,0) NOT NULL,

	PRIMARY KEY (lock_id, chain_id),
	CONSTRAINT resource_lock_id_len CHECK (octet_length(lock_id) = 32),
	CONSTRAINT resource_lock_token_len CHECK (octet_length(token) = 20),
	CONSTRAINT resource_lock_allocator_len CHECK (octet_length(allocator) = 20),
	CONSTRAINT resource_lock_allocator_id_len CHECK (octet_length(allocator_id) = 12),
	CONSTRAINT resource_lock_reset_period_range CHECK (reset_period >= 0 AND reset_period <= 7),
	CONSTRAINT resource_lock_supply_nonneg CHECK (total_supply >= 0)
);

CREATE INDEX IF NOT EXISTS ledger_resource_locks_token_idx ON ledger_resource_locks (token, chain_id);

CREATE TABLE IF NOT EXISTS ledger_account_token_balances (
	account BYTEA NOT NULL,
	token BYTEA NOT NULL,
	chain_id BIGINT NOT NULL,
	balance NUMERIC(78,0) NOT NULL,
	last_updated_at BIGINT NOT NULL,

	PRIMARY KEY (account, token, chain_id),
	CONSTRAINT token_balance_account_len CHECK (octet_length(account) = 20),
	CONSTRAINT token_balance_token_len CHECK (octet_length(token) = 20),
	CONSTRAINT token_balance_nonneg CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS ledger_account_lock_balances (
	account BYTEA NOT NULL,
	lock_id BYTEA NOT NULL,
	chain_id BIGINT NOT NULL,
	token BYTEA NOT NULL,
	balance NUMERIC(78,0) NOT NULL,
	withdrawal_status SMALLINT NOT NULL,
	withdrawable_at BIGINT NOT NULL,
	last_updated_at BIGINT NOT NULL,

	PRIMARY KEY (account, lock_id, chain_id),
	CONSTRAINT lock_balance_account_len CHECK (octet_length(account) = 20),
	CONSTRAINT lock_balance_lock_id_len CHECK (octet_length(lock_id) = 32),
	CONSTRAINT lock_balance_token_len CHECK (octet_length(token) = 20),
	CONSTRAINT lock_balance_nonneg CHECK (balance >= 0),
	CONSTRAINT lock_balance_status_range CHECK (withdrawal_status >= 0 AND withdrawal_status <= 2)
);

CREATE INDEX IF NOT EXISTS ledger_account_lock_balances_lock_idx ON ledger_account_lock_balances (lock_id, chain_id);

CREATE TABLE IF NOT EXISTS ledger_claims (
	claim_hash BYTEA NOT NULL,
	chain_id BIGINT NOT NULL,
	sponsor BYTEA NOT NULL,
	allocator BYTEA NOT NULL,
	arbiter BYTEA NOT NULL,
	claimed_at BIGINT NOT NULL,
	block_number BIGINT NOT NULL,

	PRIMARY KEY (claim_hash, chain_id),
	CONSTRAINT claim_hash_len CHECK (octet_length(claim_hash) = 32)
);

CREATE TABLE IF NOT EXISTS ledger_registered_compacts (
	claim_hash BYTEA NOT NULL,
	chain_id BIGINT NOT NULL,
	sponsor BYTEA NOT NULL,
	typehash BYTEA NOT NULL,
	expires BIGINT NOT NULL,
	registered_at BIGINT NOT NULL,
	block_number BIGINT NOT NULL,

	PRIMARY KEY (claim_hash, chain_id),
	CONSTRAINT compact_claim_hash_len CHECK (octet_length(claim_hash) = 32),
	CONSTRAINT compact_typehash_len CHECK (octet_length(typehash) = 32)
);

CREATE TABLE IF NOT EXISTS ledger_account_deltas (
	id BIGSERIAL PRIMARY KEY,
	account BYTEA NOT NULL,
	counterparty BYTEA NOT NULL,
	token BYTEA NOT NULL,
	lock_id BYTEA NOT NULL,
	chain_id BIGINT NOT NULL,
	delta NUMERIC(79,0) NOT NULL,
	block_number BIGINT NOT NULL,
	block_timestamp BIGINT NOT NULL,
	tx_hash BYTEA NOT NULL,
	log_index BIGINT NOT NULL,

	CONSTRAINT delta_account_len CHECK (octet_length(account) = 20),
	CONSTRAINT delta_lock_id_len CHECK (octet_length(lock_id) = 32)
);

CREATE INDEX IF NOT EXISTS ledger_account_deltas_account_idx ON ledger_account_deltas (account, chain_id, lock_id);
`
