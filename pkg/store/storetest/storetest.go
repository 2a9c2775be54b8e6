// Package storetest opens throwaway SQLite stores and seeds common rows for
// tests in other packages.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/shopspring/decimal"
)

// New opens a fresh SQLite database under t.TempDir and closes it on cleanup.
func New(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Member inserts an active member who joined joinedMonthsAgo months ago.
func Member(t *testing.T, s store.Storage, joinedMonthsAgo int) *models.Member {
	t.Helper()
	now := time.Now().UTC()
	m := &models.Member{
		ID:        uuid.New(),
		UserID:    "user-" + uuid.NewString(),
		FirstName: "Ada",
		LastName:  "Obi",
		Email:     "ada@example.com",
		Status:    models.MemberStatusActive,
		JoinedAt:  now.AddDate(0, -joinedMonthsAgo, 0),
		CreatedAt: now,
	}
	if err := s.CreateMember(context.Background(), m); err != nil {
		t.Fatalf("Failed to create member: %v", err)
	}
	return m
}

// Product inserts an active reducing-balance product at 12% with a 1% fee.
func Product(t *testing.T, s store.Storage, name string) *models.LoanProduct {
	t.Helper()
	p := &models.LoanProduct{
		ID:                      uuid.New(),
		Name:                    name,
		InterestRate:            decimal.NewFromInt(12),
		InterestMethod:          models.InterestReducingBalance,
		ProcessingFeePercentage: decimal.NewFromInt(1),
		MinAmount:               decimal.NewFromInt(1000),
		MaxAmount:               decimal.NewFromInt(5000000),
		MinTenureMonths:         1,
		MaxTenureMonths:         60,
		MinMembershipMonths:     3,
		MaxActiveLoans:          2,
		Active:                  true,
		CreatedAt:               time.Now().UTC(),
	}
	if err := s.CreateLoanProduct(context.Background(), p); err != nil {
		t.Fatalf("Failed to create product: %v", err)
	}
	return p
}
