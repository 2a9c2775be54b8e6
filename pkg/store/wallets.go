package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/shopspring/decimal"
)

// CreateWallet inserts a wallet. One wallet per member and currency.
func (s *SQLStore) CreateWallet(ctx context.Context, w *models.Wallet) error {
	_, err := s.exec(ctx,
		`INSERT INTO wallets (id, member_id, currency, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		w.ID, w.MemberID, w.Currency, w.CreatedAt.UTC(), w.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s wallet for member %s %w", w.Currency, w.MemberID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

// GetWallet retrieves a wallet with its balance folded from the ledger.
func (s *SQLStore) GetWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	return s.loadWallet(ctx, s.queryRow(ctx,
		`SELECT id, member_id, currency, created_at, updated_at FROM wallets WHERE id = ?`, id))
}

// GetWalletByMember retrieves a member's wallet in the given currency.
func (s *SQLStore) GetWalletByMember(ctx context.Context, memberID uuid.UUID, currency string) (*models.Wallet, error) {
	return s.loadWallet(ctx, s.queryRow(ctx,
		`SELECT id, member_id, currency, created_at, updated_at FROM wallets WHERE member_id = ? AND currency = ?`,
		memberID, currency))
}

func (s *SQLStore) loadWallet(ctx context.Context, row rowScanner) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.ID, &w.MemberID, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan wallet: %w", err)
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()

	balance, err := s.WalletBalance(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	w.Balance = balance
	return &w, nil
}

// LockWallet touches the wallet row so concurrent debits serialize.
func (s *SQLStore) LockWallet(ctx context.Context, id uuid.UUID) error {
	if !s.inTx {
		return errors.New("LockWallet requires a transaction")
	}
	err := s.execOne(ctx, ErrWalletNotFound, `UPDATE wallets SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to lock wallet: %w", err)
	}
	return err
}

// WalletBalance is the signed sum of the wallet's transactions.
func (s *SQLStore) WalletBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	rows, err := s.query(ctx, `SELECT type, amount FROM wallet_transactions WHERE wallet_id = ?`, id)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read wallet ledger: %w", err)
	}
	defer rows.Close()

	balance := decimal.Zero
	for rows.Next() {
		var txn models.WalletTransaction
		if err := rows.Scan(&txn.Type, &txn.Amount); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan wallet transaction: %w", err)
		}
		balance = balance.Add(txn.Signed())
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("error during rows iteration: %w", err)
	}
	return balance, nil
}

// CreateWalletTransaction appends to the wallet ledger.
func (s *SQLStore) CreateWalletTransaction(ctx context.Context, t *models.WalletTransaction) error {
	_, err := s.exec(ctx,
		`INSERT INTO wallet_transactions (id, wallet_id, type, amount, balance_after, reference, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WalletID, t.Type, t.Amount, t.BalanceAfter, t.Reference, t.Description, t.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create wallet transaction: %w", err)
	}
	return nil
}

// ListWalletTransactions retrieves a wallet's ledger, oldest first.
func (s *SQLStore) ListWalletTransactions(ctx context.Context, walletID uuid.UUID) ([]*models.WalletTransaction, error) {
	rows, err := s.query(ctx,
		`SELECT id, wallet_id, type, amount, balance_after, reference, description, created_at
		FROM wallet_transactions WHERE wallet_id = ? ORDER BY created_at ASC`, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for wallet %s: %w", walletID, err)
	}
	defer rows.Close()

	var txns []*models.WalletTransaction
	for rows.Next() {
		var t models.WalletTransaction
		if err := rows.Scan(&t.ID, &t.WalletID, &t.Type, &t.Amount, &t.BalanceAfter, &t.Reference,
			&t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet transaction: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		txns = append(txns, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for wallet transactions: %w", err)
	}
	return txns, nil
}
