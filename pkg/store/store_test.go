package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/mcclellann/coopledger/pkg/store/storetest"
	"github.com/shopspring/decimal"
)

func newLoan(memberID, productID uuid.UUID) *models.Loan {
	now := time.Now().UTC()
	return &models.Loan{
		ID:              uuid.New(),
		MemberID:        memberID,
		ProductID:       productID,
		Amount:          decimal.NewFromFloat(2000.0),
		InterestRate:    decimal.NewFromInt(12),
		DurationMonths:  6,
		Type:            models.LoanTypePersonal,
		Status:          models.LoanStatusPending,
		MonthlyPayment:  decimal.RequireFromString("345.10"),
		TotalAmount:     decimal.RequireFromString("2070.60"),
		InterestAmount:  decimal.RequireFromString("70.60"),
		ProcessingFee:   decimal.NewFromInt(20),
		ApplicationDate: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestSQLStore_CreateAndGetLoan(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	member := storetest.Member(t, s, 12)
	product := storetest.Product(t, s, "Personal")

	loan := newLoan(member.ID, product.ID)
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	fetched, err := s.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	if fetched.MemberID != member.ID {
		t.Errorf("Expected MemberID %s, got %s", member.ID, fetched.MemberID)
	}
	if !fetched.TotalAmount.Equal(loan.TotalAmount) {
		t.Errorf("Expected TotalAmount %s, got %s", loan.TotalAmount, fetched.TotalAmount)
	}
	if fetched.ApprovedAt != nil {
		t.Errorf("Expected nil ApprovedAt, got %v", fetched.ApprovedAt)
	}

	approved := time.Now().UTC()
	fetched.Status = models.LoanStatusApproved
	fetched.ApprovedAt = &approved
	fetched.ApprovedBy = "admin-1"
	if err := s.UpdateLoan(ctx, fetched); err != nil {
		t.Fatalf("Failed to update loan: %v", err)
	}
	again, _ := s.GetLoan(ctx, loan.ID)
	if again.Status != models.LoanStatusApproved || again.ApprovedAt == nil || again.ApprovedBy != "admin-1" {
		t.Errorf("Update not persisted: %+v", again)
	}

	if _, err := s.GetLoan(ctx, uuid.New()); !errors.Is(err, store.ErrLoanNotFound) {
		t.Errorf("Expected ErrLoanNotFound, got %v", err)
	}
}

func TestSQLStore_ListAndCountLoans(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	member := storetest.Member(t, s, 12)
	other := storetest.Member(t, s, 12)
	product := storetest.Product(t, s, "Personal")

	for i := 0; i < 2; i++ {
		s.CreateLoan(ctx, newLoan(member.ID, product.ID))
	}
	rejected := newLoan(member.ID, product.ID)
	rejected.Status = models.LoanStatusRejected
	s.CreateLoan(ctx, rejected)
	s.CreateLoan(ctx, newLoan(other.ID, product.ID))

	loans, err := s.ListLoans(ctx, store.LoanFilter{MemberID: member.ID})
	if err != nil {
		t.Fatalf("ListLoans failed: %v", err)
	}
	if len(loans) != 3 {
		t.Errorf("Expected 3 loans for member, got %d", len(loans))
	}

	n, err := s.CountOpenLoans(ctx, member.ID)
	if err != nil {
		t.Fatalf("CountOpenLoans failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 open loans, got %d", n)
	}
}

func TestSQLStore_RepaymentLedger(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	member := storetest.Member(t, s, 12)
	product := storetest.Product(t, s, "Personal")
	loan := newLoan(member.ID, product.ID)
	s.CreateLoan(ctx, loan)

	for _, amount := range []string{"345.10", "100.05"} {
		now := time.Now().UTC()
		payment := &models.Payment{
			ID:        uuid.New(),
			Reference: models.NewReference("LRP"),
			MemberID:  member.ID,
			Amount:    decimal.RequireFromString(amount),
			Currency:  "NGN",
			Status:    models.PaymentStatusCompleted,
			Method:    models.PaymentMethodWallet,
			Purpose:   models.LoanRepaymentPurpose(loan.ID),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreatePayment(ctx, payment); err != nil {
			t.Fatalf("Failed to create payment: %v", err)
		}
		err := s.CreateRepayment(ctx, &models.LoanRepayment{
			ID:            uuid.New(),
			LoanID:        loan.ID,
			PaymentID:     payment.ID,
			Amount:        payment.Amount,
			PrincipalPaid: payment.Amount,
			InterestPaid:  decimal.Zero,
			DueDate:       now,
			PaidAt:        now,
			PaymentMethod: models.PaymentMethodWallet,
			Status:        models.RepaymentStatusPaid,
			Reference:     payment.Reference,
			CreatedAt:     now,
		})
		if err != nil {
			t.Fatalf("Failed to create repayment: %v", err)
		}
	}

	sum, err := s.SumRepayments(ctx, loan.ID)
	if err != nil {
		t.Fatalf("SumRepayments failed: %v", err)
	}
	if !sum.Equal(decimal.RequireFromString("445.15")) {
		t.Errorf("Expected sum 445.15, got %s", sum)
	}

	reps, _ := s.ListRepayments(ctx, loan.ID)
	if len(reps) != 2 {
		t.Errorf("Expected 2 repayments, got %d", len(reps))
	}
}

func TestSQLStore_PaymentPurposeRoundTrip(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	member := storetest.Member(t, s, 1)
	walletID := uuid.New()
	now := time.Now().UTC()

	p := &models.Payment{
		ID:        uuid.New(),
		Reference: models.NewReference("TOP"),
		MemberID:  member.ID,
		Amount:    decimal.NewFromInt(5000),
		Currency:  "NGN",
		Status:    models.PaymentStatusPending,
		Method:    models.PaymentMethodCard,
		Purpose:   models.WalletTopUpPurpose(walletID),
		Metadata:  map[string]string{"channel": "web"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreatePayment(ctx, p); err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}
	if err := s.CreatePayment(ctx, p); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for reused reference, got %v", err)
	}

	p.Gateway = "paystack"
	p.GatewayReference = "ps_123"
	p.UpdatedAt = time.Now().UTC()
	if err := s.UpdatePayment(ctx, p); err != nil {
		t.Fatalf("UpdatePayment failed: %v", err)
	}

	got, err := s.GetPaymentByGatewayReference(ctx, "paystack", "ps_123")
	if err != nil {
		t.Fatalf("GetPaymentByGatewayReference failed: %v", err)
	}
	if got.Purpose.Kind != models.PurposeWalletTopUp || got.Purpose.TargetID != walletID {
		t.Errorf("Purpose not preserved: %+v", got.Purpose)
	}
	if got.Metadata["channel"] != "web" {
		t.Errorf("Metadata not preserved: %v", got.Metadata)
	}

	completedAt := time.Now().UTC()
	p.Status = models.PaymentStatusCompleted
	p.CompletedAt = &completedAt
	if err := s.TransitionPayment(ctx, p, models.PaymentStatusPending); err != nil {
		t.Fatalf("TransitionPayment failed: %v", err)
	}
	if err := s.TransitionPayment(ctx, p, models.PaymentStatusPending); !errors.Is(err, store.ErrStatusChanged) {
		t.Errorf("Expected ErrStatusChanged on second transition, got %v", err)
	}

	bad := *p
	bad.ID = uuid.New()
	bad.Reference = "other"
	bad.Purpose = models.PaymentPurpose{Kind: "mystery", TargetID: walletID}
	if err := s.CreatePayment(ctx, &bad); !errors.Is(err, models.ErrInvalidPurpose) {
		t.Errorf("Expected ErrInvalidPurpose, got %v", err)
	}
}

func TestSQLStore_WalletBalanceIsLedgerSum(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	member := storetest.Member(t, s, 1)
	now := time.Now().UTC()
	w := &models.Wallet{ID: uuid.New(), MemberID: member.ID, Currency: "NGN", CreatedAt: now, UpdatedAt: now}
	if err := s.CreateWallet(ctx, w); err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}

	entries := []struct {
		typ    models.WalletTransactionType
		amount string
	}{
		{models.WalletCredit, "1000"},
		{models.WalletDebit, "250.50"},
		{models.WalletCredit, "10"},
	}
	for _, e := range entries {
		s.CreateWalletTransaction(ctx, &models.WalletTransaction{
			ID:        uuid.New(),
			WalletID:  w.ID,
			Type:      e.typ,
			Amount:    decimal.RequireFromString(e.amount),
			Reference: uuid.NewString(),
			CreatedAt: time.Now().UTC(),
		})
	}

	got, err := s.GetWallet(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if !got.Balance.Equal(decimal.RequireFromString("759.50")) {
		t.Errorf("Expected balance 759.50, got %s", got.Balance)
	}

	dup := *w
	dup.ID = uuid.New()
	if err := s.CreateWallet(ctx, &dup); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for second NGN wallet, got %v", err)
	}
}

func TestSQLStore_WithTxRollsBack(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	member := storetest.Member(t, s, 1)
	product := storetest.Product(t, s, "Personal")
	loan := newLoan(member.ID, product.ID)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Storage) error {
		if err := tx.CreateLoan(ctx, loan); err != nil {
			return err
		}
		if err := tx.LockLoan(ctx, loan.ID); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if _, err := s.GetLoan(ctx, loan.ID); !errors.Is(err, store.ErrLoanNotFound) {
		t.Errorf("Expected loan to be rolled back, got %v", err)
	}

	if err := s.LockLoan(ctx, loan.ID); err == nil {
		t.Error("Expected LockLoan outside a transaction to fail")
	}
}

func TestSQLStore_ConcurrentTransactionsSerialize(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	member := storetest.Member(t, s, 1)
	now := time.Now().UTC()
	w := &models.Wallet{ID: uuid.New(), MemberID: member.ID, Currency: "NGN", CreatedAt: now, UpdatedAt: now}
	s.CreateWallet(ctx, w)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithTx(ctx, func(tx store.Storage) error {
				if err := tx.LockWallet(ctx, w.ID); err != nil {
					return err
				}
				bal, err := tx.WalletBalance(ctx, w.ID)
				if err != nil {
					return err
				}
				amount := decimal.NewFromInt(10)
				return tx.CreateWalletTransaction(ctx, &models.WalletTransaction{
					ID:           uuid.New(),
					WalletID:     w.ID,
					Type:         models.WalletCredit,
					Amount:       amount,
					BalanceAfter: bal.Add(amount),
					Reference:    uuid.NewString(),
					CreatedAt:    time.Now().UTC(),
				})
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("transaction failed: %v", err)
		}
	}

	txns, _ := s.ListWalletTransactions(ctx, w.ID)
	seen := map[string]bool{}
	for _, txn := range txns {
		key := txn.BalanceAfter.String()
		if seen[key] {
			t.Errorf("Two transactions observed the same running balance %s", key)
		}
		seen[key] = true
	}
	bal, _ := s.WalletBalance(ctx, w.ID)
	if !bal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected balance 100, got %s", bal)
	}
}
