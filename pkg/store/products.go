package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/models"
)

const productColumns = `id, name, type, interest_rate, interest_method, processing_fee_percentage, min_amount, max_amount,
	min_tenure_months, max_tenure_months, min_membership_months, max_active_loans, required_documents, active, created_at`

// CreateLoanProduct inserts a new loan product.
func (s *SQLStore) CreateLoanProduct(ctx context.Context, p *models.LoanProduct) error {
	docs, err := encodeJSON(p.RequiredDocuments)
	if err != nil {
		return fmt.Errorf("failed to encode required documents: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO loan_products (`+productColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Type, p.InterestRate, p.InterestMethod, p.ProcessingFeePercentage, p.MinAmount, p.MaxAmount,
		p.MinTenureMonths, p.MaxTenureMonths, p.MinMembershipMonths, p.MaxActiveLoans, docs, p.Active, p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create loan product: %w", err)
	}
	return nil
}

// GetLoanProduct retrieves a loan product by its ID.
func (s *SQLStore) GetLoanProduct(ctx context.Context, id uuid.UUID) (*models.LoanProduct, error) {
	return scanProduct(s.queryRow(ctx, `SELECT `+productColumns+` FROM loan_products WHERE id = ?`, id))
}

// ListLoanProducts retrieves all loan products.
func (s *SQLStore) ListLoanProducts(ctx context.Context) ([]*models.LoanProduct, error) {
	rows, err := s.query(ctx, `SELECT `+productColumns+` FROM loan_products ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list loan products: %w", err)
	}
	defer rows.Close()

	var products []*models.LoanProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return products, nil
}

func scanProduct(row rowScanner) (*models.LoanProduct, error) {
	var p models.LoanProduct
	var docs string
	err := row.Scan(&p.ID, &p.Name, &p.Type, &p.InterestRate, &p.InterestMethod, &p.ProcessingFeePercentage,
		&p.MinAmount, &p.MaxAmount, &p.MinTenureMonths, &p.MaxTenureMonths, &p.MinMembershipMonths,
		&p.MaxActiveLoans, &docs, &p.Active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan loan product: %w", err)
	}
	if err := decodeJSON(docs, &p.RequiredDocuments); err != nil {
		return nil, fmt.Errorf("failed to decode required documents: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}
