package store

import (
	"context"
	"fmt"
	"strings"
)

// Money is stored as TEXT so no precision is lost on either driver.
const schema = `
CREATE TABLE IF NOT EXISTS members (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL UNIQUE,
	first_name TEXT NOT NULL,
	last_name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL,
	phone TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	joined_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS loan_products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	interest_rate TEXT NOT NULL,
	interest_method TEXT NOT NULL,
	processing_fee_percentage TEXT NOT NULL DEFAULT '0',
	min_amount TEXT NOT NULL DEFAULT '0',
	max_amount TEXT NOT NULL DEFAULT '0',
	min_tenure_months INTEGER NOT NULL DEFAULT 0,
	max_tenure_months INTEGER NOT NULL DEFAULT 0,
	min_membership_months INTEGER NOT NULL DEFAULT 0,
	max_active_loans INTEGER NOT NULL DEFAULT 0,
	required_documents TEXT NOT NULL DEFAULT '[]',
	active BOOLEAN NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS loans (
	id TEXT PRIMARY KEY,
	member_id TEXT NOT NULL REFERENCES members(id),
	product_id TEXT NOT NULL REFERENCES loan_products(id),
	amount TEXT NOT NULL,
	interest_rate TEXT NOT NULL,
	duration_months INTEGER NOT NULL,
	type TEXT NOT NULL,
	purpose TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	monthly_payment TEXT NOT NULL,
	total_amount TEXT NOT NULL,
	interest_amount TEXT NOT NULL,
	processing_fee TEXT NOT NULL,
	employment_status TEXT NOT NULL DEFAULT '',
	employer_name TEXT NOT NULL DEFAULT '',
	guarantor_name TEXT NOT NULL DEFAULT '',
	guarantor_phone TEXT NOT NULL DEFAULT '',
	application_date TIMESTAMP NOT NULL,
	approved_at TIMESTAMP,
	approved_by TEXT NOT NULL DEFAULT '',
	rejected_at TIMESTAMP,
	rejected_by TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	completed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_loans_member ON loans(member_id);
CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	reference TEXT NOT NULL UNIQUE,
	member_id TEXT NOT NULL REFERENCES members(id),
	amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	method TEXT NOT NULL,
	gateway TEXT NOT NULL DEFAULT '',
	gateway_reference TEXT NOT NULL DEFAULT '',
	bank_account_id TEXT NOT NULL DEFAULT '',
	evidence_url TEXT NOT NULL DEFAULT '',
	purpose_kind TEXT NOT NULL,
	purpose_target TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	failure_reason TEXT NOT NULL DEFAULT '',
	completed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payments_gateway_ref ON payments(gateway, gateway_reference);
CREATE TABLE IF NOT EXISTS loan_repayments (
	id TEXT PRIMARY KEY,
	loan_id TEXT NOT NULL REFERENCES loans(id),
	payment_id TEXT NOT NULL REFERENCES payments(id),
	amount TEXT NOT NULL,
	principal_paid TEXT NOT NULL,
	interest_paid TEXT NOT NULL,
	due_date TIMESTAMP NOT NULL,
	paid_at TIMESTAMP NOT NULL,
	payment_method TEXT NOT NULL,
	status TEXT NOT NULL,
	reference TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_repayments_loan ON loan_repayments(loan_id);
CREATE TABLE IF NOT EXISTS wallets (
	id TEXT PRIMARY KEY,
	member_id TEXT NOT NULL REFERENCES members(id),
	currency TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (member_id, currency)
);
CREATE TABLE IF NOT EXISTS wallet_transactions (
	id TEXT PRIMARY KEY,
	wallet_id TEXT NOT NULL REFERENCES wallets(id),
	type TEXT NOT NULL,
	amount TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	reference TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wallet_transactions_wallet ON wallet_transactions(wallet_id);
CREATE TABLE IF NOT EXISTS statutory_charge_types (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	amount TEXT NOT NULL,
	frequency TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS statutory_charges (
	id TEXT PRIMARY KEY,
	member_id TEXT NOT NULL REFERENCES members(id),
	type_id TEXT NOT NULL REFERENCES statutory_charge_types(id),
	amount TEXT NOT NULL,
	due_date TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	paid_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_charges_member ON statutory_charges(member_id);
CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	recipient TEXT NOT NULL,
	kind TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	read_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient);
`

// addedColumns were introduced after the first release. Databases created
// before then get them on open.
var addedColumns = map[string][]string{
	"loans":    {"completed_at TIMESTAMP"},
	"payments": {"failure_reason TEXT NOT NULL DEFAULT ''"},
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	if _, err := s.exec(ctx, schema); err != nil {
		return err
	}

	for table, columns := range addedColumns {
		for _, col := range columns {
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, col)
			if s.driver == DriverPostgres {
				stmt = fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", table, col)
			}
			if _, err := s.exec(ctx, stmt); err != nil && !isDuplicateColumnError(err) {
				return fmt.Errorf("failed to add column %s.%s: %w", table, col, err)
			}
		}
	}
	return nil
}

func isDuplicateColumnError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "duplicate column name")
}
