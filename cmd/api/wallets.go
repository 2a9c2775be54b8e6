package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/auth"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/wallet"
	"github.com/shopspring/decimal"
)

// walletFor loads a wallet the caller may use.
func walletFor(ctx context.Context, svc *services, caller *auth.Claims, id uuid.UUID) (*models.Wallet, error) {
	wal, err := svc.wallets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanActFor(wal.MemberID) {
		return nil, auth.ErrForbidden
	}
	return wal, nil
}

func (s *Server) createWallet(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	var req struct {
		MemberID uuid.UUID `json:"member_id"`
		Currency string    `json:"currency"`
	}
	if err := decode(r, &req); err != nil {
		return err
	}
	memberID, err := actingMember(caller, req.MemberID)
	if err != nil {
		return err
	}
	wal, err := svc.wallets.Create(r.Context(), memberID, strings.ToUpper(strings.TrimSpace(req.Currency)))
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusCreated, "wallet created", wal)
	return nil
}

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	wal, err := walletFor(r.Context(), svc, caller, id)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", wal)
	return nil
}

func (s *Server) walletTransactions(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if _, err := walletFor(r.Context(), svc, caller, id); err != nil {
		return err
	}
	txns, err := svc.wallets.Transactions(r.Context(), id)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusOK, "", txns)
	return nil
}

func (s *Server) topUp(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
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
	if _, err := walletFor(r.Context(), svc, caller, id); err != nil {
		return err
	}

	res, err := svc.wallets.TopUp(r.Context(), wallet.TopUpRequest{
		WalletID:      id,
		Amount:        req.Amount,
		Method:        method,
		BankAccountID: req.BankAccountID,
		EvidenceURL:   req.EvidenceURL,
	})
	if err != nil {
		return err
	}
	if res.Checkout != nil {
		writeSuccess(w, http.StatusAccepted, "complete the payment at the checkout url", res)
	} else {
		writeSuccess(w, http.StatusAccepted, "transfer submitted for approval", res)
	}
	return nil
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req struct {
		Amount      decimal.Decimal `json:"amount"`
		Description string          `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		return err
	}
	if _, err := walletFor(r.Context(), svc, caller, id); err != nil {
		return err
	}
	txn, err := svc.wallets.Withdraw(r.Context(), id, req.Amount, req.Description)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusCreated, "withdrawal recorded", txn)
	return nil
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request, svc *services, caller *auth.Claims) error {
	var req struct {
		FromWalletID uuid.UUID       `json:"from_wallet_id"`
		ToWalletID   uuid.UUID       `json:"to_wallet_id"`
		Amount       decimal.Decimal `json:"amount"`
		Description  string          `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		return err
	}
	if req.FromWalletID == uuid.Nil || req.ToWalletID == uuid.Nil {
		return invalid("from_wallet_id and to_wallet_id are required")
	}
	if _, err := walletFor(r.Context(), svc, caller, req.FromWalletID); err != nil {
		return err
	}
	debit, credit, err := svc.wallets.Transfer(r.Context(), req.FromWalletID, req.ToWalletID, req.Amount, req.Description)
	if err != nil {
		return err
	}
	writeSuccess(w, http.StatusCreated, "transfer completed", map[string]any{
		"debit":  debit,
		"credit": credit,
	})
	return nil
}
