package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/auth"
	"github.com/mcclellann/coopledger/pkg/ledger"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/shopspring/decimal"
)

func (s *Server) createProduct(w http.ResponseWriter, r *http.Request, svc *services, _ *auth.Claims) error {
	var req struct {
		models.LoanProduct
		Active *bool `json:"active"` // Defaults to true
	}
	if err := decode(r, &req); err != nil {
		return err
	}
	p := req.LoanProduct
	p.ID = uuid.Nil
	p.Active = req.Active == nil || *req.Active
	if err := svc.ledger.CreateProduct(r.Context(), &p); err != nil {
		return err
	}
	writeSuccess(w, http.StatusCreated, "loan product created", &p)
	return nil
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request, svc *services, _ *auth.Claims) error {
	products, err := svc.ledger.ListProducts(r.Context())
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", products)
	return nil
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request, svc *services, _ *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	p, err := svc.ledger.GetProduct(r.Context(), id)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", p)
	return nil
}

// actingMember picks the member a request is made for: the given id when the
// caller may act for it, otherwise the caller's own profile.
func actingMember(caller *auth.Claims, requested uuid.UUID) (uuid.UUID, error) {
	if requested == uuid.Nil {
		id, ok := caller.Member()
		if !ok {
			return uuid.Nil, invalid("member_id is required")
		}
		return id, nil
	}
	if !caller.CanActFor(requested) {
		return uuid.Nil, auth.ErrForbidden
	}
	return requested, nil
}

// loanFor loads a loan the caller may see.
func loanFor(ctx context.Context, svc *services, caller *auth.Claims, id uuid.UUID) (*models.Loan, error) {
	loan, err := svc.ledger.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanActFor(loan.MemberID) {
		return nil, auth.ErrForbidden
	}
	return loan, nil
}

func (s *Server) applyForLoan(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	var app ledger.Application
	if err := decode(r, &app); err != nil {
		return err
	}
	memberID, err := actingMember(caller, app.MemberID)
	if err != nil {
		return err
	}
	app.MemberID = memberID
	if app.ProductID == uuid.Nil {
		return invalid("product_id is required")
	}
	if !app.Amount.IsPositive() || app.DurationMonths <= 0 {
		return invalid("amount and duration_months must be greater than zero")
	}

	loan, err := svc.ledger.Apply(r.Context(), app)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusCreated, "loan application submitted", loan)
	return nil
}

func (s *Server) checkEligibility(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	var req struct {
		MemberID       uuid.UUID       `json:"member_id"`
		ProductID      uuid.UUID       `json:"product_id"`
		Amount         decimal.Decimal `json:"amount"`
		DurationMonths int             `json:"duration_months"`
	}
	if err := decode(r, &req); err != nil {
		return err
	}
	memberID, err := actingMember(caller, req.MemberID)
	if err != nil {
		return err
	}
	if req.ProductID == uuid.Nil {
		return invalid("product_id is required")
	}
	result, err := svc.ledger.CheckEligibility(r.Context(), memberID, req.ProductID, req.Amount, req.DurationMonths)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", result)
	return nil
}

func (s *Server) listLoans(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	q := r.URL.Query()
	filter := store.LoanFilter{Status: models.LoanStatus(q.Get("status"))}
	if raw := q.Get("member_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return invalid("invalid member_id")
		}
		filter.MemberID = id
	}
	if !caller.IsAdmin() {
		id, err := actingMember(caller, filter.MemberID)
		if err != nil {
			return err
		}
		filter.MemberID = id
	}

	loans, err := svc.ledger.ListLoans(r.Context(), filter)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", loans)
	return nil
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	loan, err := loanFor(r.Context(), svc, caller, id)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", loan)
	return nil
}

func (s *Server) deleteLoan(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if _, err := loanFor(r.Context(), svc, caller, id); err != nil {
		return err
	}
	if err := svc.ledger.DeleteLoan(r.Context(), id); err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "loan application deleted", nil)
	return nil
}

func (s *Server) approveLoan(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	loan, err := svc.ledger.Approve(r.Context(), id, caller.Subject)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "loan approved", loan)
	return nil
}

func (s *Server) rejectLoan(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return invalid("reason is required")
	}
	loan, err := svc.ledger.Reject(r.Context(), id, caller.Subject, req.Reason)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "loan rejected", loan)
	return nil
}

func (s *Server) loanSchedule(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if _, err := loanFor(r.Context(), svc, caller, id); err != nil {
		return err
	}
	schedule, err := svc.ledger.Schedule(r.Context(), id)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", schedule)
	return nil
}

func (s *Server) loanSummary(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if _, err := loanFor(r.Context(), svc, caller, id); err != nil {
		return err
	}
	summary, err := svc.ledger.Summary(r.Context(), id)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", summary)
	return nil
}

// paymentRequest is the body of every endpoint that takes money in.
type paymentRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	BankAccountID string          `json:"bank_account_id"`
	EvidenceURL   string          `json:"evidence_url"`
}

func (s *Server) repayLoan(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req paymentRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	method, err := parseMethod(req.Method)
	if err != nil {
		return err
	}
	if _, err := loanFor(r.Context(), svc, caller, id); err != nil {
		return err
	}

	res, err := svc.ledger.Repay(r.Context(), ledger.RepayRequest{
		LoanID:        id,
		Amount:        req.Amount,
		Method:        method,
		BankAccountID: req.BankAccountID,
		EvidenceURL:   req.EvidenceURL,
	})
	if err != nil {
		return err
	}

	switch {
	case res.Completed:
		writeSuccess(w, http.StatusCreated, "loan fully repaid", res)
	case res.Repayment != nil:
		writeSuccess(w, http.StatusCreated, "repayment recorded", res)
	case res.Checkout != nil:
		writeSuccess(w, http.StatusAccepted, "complete the payment at the checkout url", res)
	default:
		writeSuccess(w, http.StatusAccepted, "transfer submitted for approval", res)
	}
	return nil
}

func (s *Server) listRepayments(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if _, err := loanFor(r.Context(), svc, caller, id); err != nil {
		return err
	}
	repayments, err := svc.ledger.Repayments(r.Context(), id)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", repayments)
	return nil
}
