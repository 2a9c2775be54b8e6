package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/auth"
	"github.com/mcclellann/coopledger/pkg/charges"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/shopspring/decimal"
)

func (s *Server) createChargeType(w http.ResponseWriter, r *http.Request, svc *services, _ *auth.Claims) error {
	var req struct {
		Name      string                 `json:"name"`
		Amount    decimal.Decimal        `json:"amount"`
		Frequency models.ChargeFrequency `json:"frequency"`
	}
	if err := decode(r, &req); err != nil {
		return err
	}
	ct, err := svc.charges.CreateType(r.Context(), strings.TrimSpace(req.Name), req.Amount, req.Frequency)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusCreated, "charge type created", ct)
	return nil
}

// assignCharge expands a charge type into a member's payment schedule.
func (s *Server) assignCharge(w http.ResponseWriter, r *http.Request, svc *services, _ *auth.Claims) error {
	typeID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req struct {
		MemberID  uuid.UUID  `json:"member_id"`
		StartDate *time.Time `json:"start_date"` // Defaults to now
	}
	if err := decode(r, &req); err != nil {
		return err
	}
	if req.MemberID == uuid.Nil {
		return invalid("member_id is required")
	}
	start := time.Now().UTC()
	if req.StartDate != nil {
		start = req.StartDate.UTC()
	}

	rows, err := svc.charges.Assign(r.Context(), typeID, req.MemberID, start)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusCreated, "charge schedule created", rows)
	return nil
}

func (s *Server) listMemberCharges(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	memberID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if !caller.CanActFor(memberID) {
		return auth.ErrForbidden
	}
	rows, err := svc.charges.ListForMember(r.Context(), memberID)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", rows)
	return nil
}

func (s *Server) payCharge(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req struct {
		Method        string `json:"method"`
		BankAccountID string `json:"bank_account_id"`
		EvidenceURL   string `json:"evidence_url"`
	}
	if err := decode(r, &req); err != nil {
		return err
	}
	method, err := parseMethod(req.Method)
	if err != nil {
		return err
	}
	charge, err := svc.charges.Get(r.Context(), id)
	if err != nil {
		return err
	}
	if !caller.CanActFor(charge.MemberID) {
		return auth.ErrForbidden
	}

	res, err := svc.charges.Pay(r.Context(), charges.PayRequest{
		ChargeID:      id,
		MemberID:      charge.MemberID,
		Method:        method,
		BankAccountID: req.BankAccountID,
		EvidenceURL:   req.EvidenceURL,
	})
	if err != nil {
		return err
	}
	if method == models.PaymentMethodWallet {
		writeSuccess(w, http.StatusOK, "charge paid", res)
	} else {
		writeSuccess(w, http.StatusAccepted, "payment pending", res)
	}
	return nil
}
