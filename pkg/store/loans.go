package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/shopspring/decimal"
)

const loanColumns = `id, member_id, product_id, amount, interest_rate, duration_months, type, purpose, status,
	monthly_payment, total_amount, interest_amount, processing_fee, employment_status, employer_name,
	guarantor_name, guarantor_phone, application_date, approved_at, approved_by, rejected_at, rejected_by,
	rejection_reason, completed_at, created_at, updated_at`

// CreateLoan inserts a new loan into the database.
func (s *SQLStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := s.exec(ctx,
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID, loan.MemberID, loan.ProductID, loan.Amount, loan.InterestRate, loan.DurationMonths, loan.Type,
		loan.Purpose, loan.Status, loan.MonthlyPayment, loan.TotalAmount, loan.InterestAmount, loan.ProcessingFee,
		loan.EmploymentStatus, loan.EmployerName, loan.GuarantorName, loan.GuarantorPhone,
		loan.ApplicationDate.UTC(), utcPtr(loan.ApprovedAt), loan.ApprovedBy, utcPtr(loan.RejectedAt), loan.RejectedBy,
		loan.RejectionReason, utcPtr(loan.CompletedAt), loan.CreatedAt.UTC(), loan.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return scanLoan(s.queryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id))
}

// UpdateLoan writes the mutable fields of a loan. Financial terms are fixed
// at application and never rewritten.
func (s *SQLStore) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	err := s.execOne(ctx, ErrLoanNotFound,
		`UPDATE loans SET status = ?, approved_at = ?, approved_by = ?, rejected_at = ?, rejected_by = ?,
		rejection_reason = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		loan.Status, utcPtr(loan.ApprovedAt), loan.ApprovedBy, utcPtr(loan.RejectedAt), loan.RejectedBy,
		loan.RejectionReason, utcPtr(loan.CompletedAt), loan.UpdatedAt.UTC(), loan.ID,
	)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return err
}

// DeleteLoan removes a loan and its repayments from the database within a transaction.
func (s *SQLStore) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	return s.WithTx(ctx, func(tx Storage) error {
		ts := tx.(*SQLStore)
		if _, err := ts.exec(ctx, `DELETE FROM loan_repayments WHERE loan_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete associated repayments: %w", err)
		}
		err := ts.execOne(ctx, ErrLoanNotFound, `DELETE FROM loans WHERE id = ?`, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to delete loan: %w", err)
		}
		return err
	})
}

// ListLoans retrieves loans matching the filter, newest first.
func (s *SQLStore) ListLoans(ctx context.Context, filter LoanFilter) ([]*models.Loan, error) {
	var where []string
	var args []any
	if filter.MemberID != uuid.Nil {
		where = append(where, "member_id = ?")
		args = append(args, filter.MemberID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	q := `SELECT ` + loanColumns + ` FROM loans`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY application_date DESC`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// CountOpenLoans counts a member's pending and approved loans.
func (s *SQLStore) CountOpenLoans(ctx context.Context, memberID uuid.UUID) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM loans WHERE member_id = ? AND status IN (?, ?)`,
		memberID, models.LoanStatusPending, models.LoanStatusApproved).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open loans: %w", err)
	}
	return n, nil
}

// LockLoan touches the loan row. On Postgres this takes the row lock; on
// SQLite the transaction already holds the database write lock.
func (s *SQLStore) LockLoan(ctx context.Context, id uuid.UUID) error {
	if !s.inTx {
		return errors.New("LockLoan requires a transaction")
	}
	err := s.execOne(ctx, ErrLoanNotFound, `UPDATE loans SET updated_at = updated_at WHERE id = ?`, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to lock loan: %w", err)
	}
	return err
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var approvedAt, rejectedAt, completedAt sql.NullTime
	err := row.Scan(&loan.ID, &loan.MemberID, &loan.ProductID, &loan.Amount, &loan.InterestRate,
		&loan.DurationMonths, &loan.Type, &loan.Purpose, &loan.Status, &loan.MonthlyPayment, &loan.TotalAmount,
		&loan.InterestAmount, &loan.ProcessingFee, &loan.EmploymentStatus, &loan.EmployerName,
		&loan.GuarantorName, &loan.GuarantorPhone, &loan.ApplicationDate, &approvedAt, &loan.ApprovedBy,
		&rejectedAt, &loan.RejectedBy, &loan.RejectionReason, &completedAt, &loan.CreatedAt, &loan.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan loan row: %w", err)
	}
	loan.ApplicationDate = loan.ApplicationDate.UTC()
	loan.CreatedAt = loan.CreatedAt.UTC()
	loan.UpdatedAt = loan.UpdatedAt.UTC()
	loan.ApprovedAt = nullTime(approvedAt)
	loan.RejectedAt = nullTime(rejectedAt)
	loan.CompletedAt = nullTime(completedAt)
	return &loan, nil
}

const repaymentColumns = `id, loan_id, payment_id, amount, principal_paid, interest_paid, due_date, paid_at,
	payment_method, status, reference, created_at`

// CreateRepayment appends a row to the repayment ledger.
func (s *SQLStore) CreateRepayment(ctx context.Context, r *models.LoanRepayment) error {
	_, err := s.exec(ctx,
		`INSERT INTO loan_repayments (`+repaymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.LoanID, r.PaymentID, r.Amount, r.PrincipalPaid, r.InterestPaid, r.DueDate.UTC(), r.PaidAt.UTC(),
		r.PaymentMethod, r.Status, r.Reference, r.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("repayment %s %w", r.Reference, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create repayment: %w", err)
	}
	return nil
}

// ListRepayments retrieves the repayment ledger of a loan in payment order.
func (s *SQLStore) ListRepayments(ctx context.Context, loanID uuid.UUID) ([]*models.LoanRepayment, error) {
	rows, err := s.query(ctx,
		`SELECT `+repaymentColumns+` FROM loan_repayments WHERE loan_id = ? ORDER BY paid_at ASC, created_at ASC`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get repayments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var repayments []*models.LoanRepayment
	for rows.Next() {
		var r models.LoanRepayment
		var dueDate, paidAt, createdAt time.Time
		if err := rows.Scan(&r.ID, &r.LoanID, &r.PaymentID, &r.Amount, &r.PrincipalPaid, &r.InterestPaid,
			&dueDate, &paidAt, &r.PaymentMethod, &r.Status, &r.Reference, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan repayment row: %w", err)
		}
		r.DueDate = dueDate.UTC()
		r.PaidAt = paidAt.UTC()
		r.CreatedAt = createdAt.UTC()
		repayments = append(repayments, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan repayments: %w", err)
	}
	return repayments, nil
}

// SumRepayments folds the ledger in Go; amounts are TEXT and cannot be
// summed exactly in SQL.
func (s *SQLStore) SumRepayments(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, error) {
	rows, err := s.query(ctx, `SELECT amount FROM loan_repayments WHERE loan_id = ?`, loanID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum repayments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan repayment amount: %w", err)
		}
		total = total.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("error during rows iteration: %w", err)
	}
	return total, nil
}
