package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/auth"
	"github.com/mcclellann/coopledger/pkg/ledger"
	"github.com/mcclellann/coopledger/pkg/logging"
	promcollector "github.com/mcclellann/coopledger/pkg/metrics/prometheus"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/payments"
	"github.com/mcclellann/coopledger/pkg/settlement"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/mcclellann/coopledger/pkg/tenancy"
	"github.com/mcclellann/coopledger/pkg/wallet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const testSecret = "test-signing-secret-0123456789"

type testAPI struct {
	t       *testing.T
	handler http.Handler
	authn   *auth.Authenticator
}

func setupTestServer(t *testing.T) *testAPI {
	t.Helper()
	logger := logging.NewNoOpLogger()

	tenants, err := tenancy.NewRegistry([]tenancy.Tenant{
		{
			Slug:     "acme",
			Currency: "NGN",
			Payments: payments.ManualConfig{Accounts: []models.BankAccount{
				{ID: "gtb", BankName: "GTBank", AccountName: "Acme Housing", AccountNumber: "0123456789", Primary: true},
			}},
		},
		{Slug: "delta", Currency: "NGN"},
	}, tenancy.DSNOpener("sqlite3", filepath.Join(t.TempDir(), "{tenant}.db")), logger)
	if err != nil {
		t.Fatalf("tenants: %v", err)
	}
	t.Cleanup(func() { tenants.Close() })

	authn, err := auth.New(auth.Config{Secret: testSecret, Issuer: "coopledger", TTL: time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	collector := promcollector.NewPrometheusCollector("coopledger")
	registry := prometheus.NewRegistry()
	if err := collector.Register(registry); err != nil {
		t.Fatalf("register metrics: %v", err)
	}

	server := NewServer(Deps{
		Tenants:  tenants,
		Auth:     authn,
		Gateways: payments.NewRegistry(""),
		Secrets:  settlement.WebhookSecrets{Paystack: "sk_test_webhook"},
		EventTTL: time.Hour,
		Metrics:  collector,
		Gatherer: registry,
		Logger:   logger,
	})
	return &testAPI{t: t, handler: server.Router(), authn: authn}
}

func (a *testAPI) token(role auth.Role, memberID uuid.UUID, tenant string) string {
	a.t.Helper()
	tok, err := a.authn.Issue("user-"+string(role), role, memberID, tenant)
	if err != nil {
		a.t.Fatalf("issue token: %v", err)
	}
	return tok
}

type response struct {
	Status  int
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a *testAPI) do(method, path, tenant, token string, body any) response {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(tenancy.HeaderName, tenant)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)

	res := response{Status: rr.Code}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
			a.t.Fatalf("%s %s: decode response %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return res
}

func (a *testAPI) expect(res response, status int) {
	a.t.Helper()
	if res.Status != status {
		a.t.Fatalf("expected status %d, got %d (%s)", status, res.Status, res.Message)
	}
}

func (r response) into(t *testing.T, v any) {
	t.Helper()
	if len(r.Data) == 0 {
		return
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		t.Fatalf("decode data %s: %v", r.Data, err)
	}
}

// seed creates a member who joined a year ago and a flat-rate product.
func (a *testAPI) seed(tenant string) (memberID, productID uuid.UUID, adminToken string) {
	a.t.Helper()
	adminToken = a.token(auth.RoleAdmin, uuid.Nil, tenant)

	res := a.do(http.MethodPost, "/api/members", tenant, adminToken, map[string]any{
		"user_id":    "u-" + uuid.NewString(),
		"first_name": "Ada",
		"last_name":  "Obi",
		"email":      "ada@example.com",
		"joined_at":  time.Now().UTC().AddDate(-1, 0, 0),
	})
	a.expect(res, http.StatusCreated)
	var member models.Member
	res.into(a.t, &member)

	res = a.do(http.MethodPost, "/api/loan-products", tenant, adminToken, map[string]any{
		"name":              "Housing Loan",
		"interest_rate":     "12",
		"interest_method":   "flat",
		"min_amount":        "100",
		"max_amount":        "5000",
		"min_tenure_months": 1,
		"max_tenure_months": 24,
	})
	a.expect(res, http.StatusCreated)
	var product models.LoanProduct
	res.into(a.t, &product)
	if !product.Active {
		a.t.Fatal("product should default to active")
	}
	return member.ID, product.ID, adminToken
}

func TestAPI_Health(t *testing.T) {
	api := setupTestServer(t)
	res := api.do(http.MethodGet, "/health", "", "", nil)
	api.expect(res, http.StatusOK)
	if !res.Success {
		t.Error("health should report success")
	}
}

func TestAPI_Authentication(t *testing.T) {
	api := setupTestServer(t)

	res := api.do(http.MethodGet, "/api/loan-products", "acme", "", nil)
	api.expect(res, http.StatusUnauthorized)
	if res.Success {
		t.Error("error envelope should not report success")
	}

	deltaAdmin := api.token(auth.RoleAdmin, uuid.Nil, "delta")
	api.expect(api.do(http.MethodGet, "/api/loan-products", "acme", deltaAdmin, nil), http.StatusForbidden)

	api.expect(api.do(http.MethodGet, "/api/loan-products", "nowhere", deltaAdmin, nil), http.StatusNotFound)

	api.expect(api.do(http.MethodGet, "/api/loan-products", "delta", deltaAdmin, nil), http.StatusOK)
}

func TestAPI_LoanLifecycle(t *testing.T) {
	api := setupTestServer(t)
	memberID, productID, adminToken := api.seed("acme")
	memberToken := api.token(auth.RoleMember, memberID, "acme")

	res := api.do(http.MethodPost, "/api/loans", "acme", memberToken, map[string]any{
		"product_id":      productID,
		"amount":          "1000",
		"duration_months": 12,
		"purpose":         "roof repairs",
	})
	api.expect(res, http.StatusCreated)
	var loan models.Loan
	res.into(t, &loan)
	if loan.Status != models.LoanStatusPending || loan.MemberID != memberID {
		t.Fatalf("unexpected loan: %+v", loan)
	}
	if !loan.TotalAmount.Equal(decimal.NewFromInt(1120)) {
		t.Fatalf("expected total 1120, got %s", loan.TotalAmount)
	}

	loanPath := "/api/loans/" + loan.ID.String()
	api.expect(api.do(http.MethodPost, loanPath+"/approve", "acme", memberToken, nil), http.StatusForbidden)
	api.expect(api.do(http.MethodPost, loanPath+"/approve", "acme", adminToken, nil), http.StatusOK)
	api.expect(api.do(http.MethodPost, loanPath+"/approve", "acme", adminToken, nil), http.StatusBadRequest)

	res = api.do(http.MethodGet, loanPath+"/schedule", "acme", memberToken, nil)
	api.expect(res, http.StatusOK)
	var schedule []ledger.Installment
	res.into(t, &schedule)
	if len(schedule) != 12 {
		t.Fatalf("expected 12 installments, got %d", len(schedule))
	}

	// Fund the wallet by bank transfer, confirmed by an administrator.
	res = api.do(http.MethodPost, "/api/wallets", "acme", memberToken, map[string]any{})
	api.expect(res, http.StatusCreated)
	var wal models.Wallet
	res.into(t, &wal)
	walletPath := "/api/wallets/" + wal.ID.String()

	res = api.do(http.MethodPost, walletPath+"/topup", "acme", memberToken, map[string]any{
		"amount":       "1120",
		"method":       "bank_transfer",
		"evidence_url": "https://files.example/receipt.pdf",
	})
	api.expect(res, http.StatusAccepted)
	var topUp wallet.TopUpResult
	res.into(t, &topUp)
	if topUp.Instructions == nil || topUp.Instructions.Account.ID != "gtb" {
		t.Fatalf("expected transfer instructions for the primary account, got %+v", topUp.Instructions)
	}

	paymentPath := "/api/payments/" + topUp.Payment.Reference
	api.expect(api.do(http.MethodPost, paymentPath+"/approve", "acme", memberToken, nil), http.StatusForbidden)
	api.expect(api.do(http.MethodPost, paymentPath+"/approve", "acme", adminToken, nil), http.StatusOK)
	api.expect(api.do(http.MethodPost, paymentPath+"/approve", "acme", adminToken, nil), http.StatusBadRequest)

	res = api.do(http.MethodGet, walletPath, "acme", memberToken, nil)
	api.expect(res, http.StatusOK)
	res.into(t, &wal)
	if !wal.Balance.Equal(decimal.NewFromInt(1120)) {
		t.Fatalf("expected balance 1120, got %s", wal.Balance)
	}

	// Overpaying is refused; paying the balance from the wallet closes the loan.
	api.expect(api.do(http.MethodPost, loanPath+"/repayments", "acme", memberToken, map[string]any{
		"amount": "2000", "method": "wallet",
	}), http.StatusBadRequest)

	res = api.do(http.MethodPost, loanPath+"/repayments", "acme", memberToken, map[string]any{
		"amount": "1120", "method": "wallet",
	})
	api.expect(res, http.StatusCreated)
	var repaid ledger.RepaymentResult
	res.into(t, &repaid)
	if !repaid.Completed {
		t.Fatal("full repayment should complete the loan")
	}

	res = api.do(http.MethodGet, loanPath+"/summary", "acme", memberToken, nil)
	api.expect(res, http.StatusOK)
	var summary ledger.Summary
	res.into(t, &summary)
	if summary.Status != models.LoanStatusCompleted || !summary.Remaining.IsZero() {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	res = api.do(http.MethodGet, walletPath, "acme", memberToken, nil)
	res.into(t, &wal)
	if !wal.Balance.IsZero() {
		t.Errorf("expected empty wallet, got %s", wal.Balance)
	}

	res = api.do(http.MethodGet, "/api/notifications", "acme", memberToken, nil)
	api.expect(res, http.StatusOK)
	var inbox []models.Notification
	res.into(t, &inbox)
	var completed bool
	for _, n := range inbox {
		if n.Kind == "loan_completed" {
			completed = true
		}
	}
	if !completed {
		t.Errorf("expected a loan_completed notification, got %d notifications", len(inbox))
	}
}

func TestAPI_MembersOnlySeeTheirOwnRecords(t *testing.T) {
	api := setupTestServer(t)
	memberID, productID, _ := api.seed("acme")
	owner := api.token(auth.RoleMember, memberID, "acme")
	stranger := api.token(auth.RoleMember, uuid.New(), "acme")

	res := api.do(http.MethodPost, "/api/loans", "acme", owner, map[string]any{
		"product_id": productID, "amount": "500", "duration_months": 6,
	})
	api.expect(res, http.StatusCreated)
	var loan models.Loan
	res.into(t, &loan)

	api.expect(api.do(http.MethodGet, "/api/loans/"+loan.ID.String(), "acme", stranger, nil), http.StatusForbidden)
	api.expect(api.do(http.MethodGet, "/api/members/"+memberID.String(), "acme", stranger, nil), http.StatusForbidden)
	api.expect(api.do(http.MethodGet, "/api/members", "acme", owner, nil), http.StatusForbidden)

	res = api.do(http.MethodGet, "/api/loans", "acme", stranger, nil)
	api.expect(res, http.StatusOK)
	var loans []models.Loan
	res.into(t, &loans)
	if len(loans) != 0 {
		t.Errorf("stranger should see no loans, got %d", len(loans))
	}

	res = api.do(http.MethodGet, "/api/loans?member_id="+memberID.String(), "acme", stranger, nil)
	api.expect(res, http.StatusForbidden)
}

func TestAPI_ValidationAndEligibility(t *testing.T) {
	api := setupTestServer(t)
	memberID, productID, adminToken := api.seed("acme")
	memberToken := api.token(auth.RoleMember, memberID, "acme")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing product", map[string]any{"amount": "500", "duration_months": 6}},
		{"zero amount", map[string]any{"product_id": productID, "amount": "0", "duration_months": 6}},
		{"unknown field", map[string]any{"product_id": productID, "amount": "500", "duration_months": 6, "rate": 1}},
		{"fraction of a kobo", map[string]any{"product_id": productID, "amount": "500.005", "duration_months": 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api.expect(api.do(http.MethodPost, "/api/loans", "acme", memberToken, tt.body), http.StatusUnprocessableEntity)
		})
	}

	res := api.do(http.MethodPost, "/api/loans", "acme", memberToken, map[string]any{
		"product_id": productID, "amount": "99999", "duration_months": 6,
	})
	api.expect(res, http.StatusBadRequest)
	var details struct {
		Reasons []string `json:"reasons"`
	}
	res.into(t, &details)
	if len(details.Reasons) == 0 {
		t.Error("eligibility failure should list its reasons")
	}

	res = api.do(http.MethodPost, "/api/loans/eligibility", "acme", adminToken, map[string]any{
		"member_id": memberID, "product_id": productID, "amount": "1000", "duration_months": 12,
	})
	api.expect(res, http.StatusOK)
	var result ledger.Eligibility
	res.into(t, &result)
	if !result.Eligible {
		t.Errorf("expected eligible, got reasons %v", result.Reasons)
	}

	api.expect(api.do(http.MethodPost, "/api/loans/"+uuid.NewString()+"/reject", "acme", adminToken, map[string]any{}), http.StatusUnprocessableEntity)
	api.expect(api.do(http.MethodGet, "/api/loans/not-a-uuid", "acme", adminToken, nil), http.StatusUnprocessableEntity)
}

func TestAPI_TenantIsolation(t *testing.T) {
	api := setupTestServer(t)
	memberID, productID, _ := api.seed("acme")
	memberToken := api.token(auth.RoleMember, memberID, "acme")

	res := api.do(http.MethodPost, "/api/loans", "acme", memberToken, map[string]any{
		"product_id": productID, "amount": "500", "duration_months": 6,
	})
	api.expect(res, http.StatusCreated)
	var loan models.Loan
	res.into(t, &loan)

	deltaAdmin := api.token(auth.RoleAdmin, uuid.Nil, "delta")
	api.expect(api.do(http.MethodGet, "/api/loans/"+loan.ID.String(), "delta", deltaAdmin, nil), http.StatusNotFound)

	res = api.do(http.MethodGet, "/api/loan-products", "delta", deltaAdmin, nil)
	api.expect(res, http.StatusOK)
	var products []models.LoanProduct
	res.into(t, &products)
	if len(products) != 0 {
		t.Errorf("delta should not see acme's products, got %d", len(products))
	}
}

func TestAPI_Webhooks(t *testing.T) {
	api := setupTestServer(t)

	api.expect(api.do(http.MethodPost, "/webhooks/unknown", "acme", "", map[string]any{}), http.StatusNotFound)
	api.expect(api.do(http.MethodPost, "/webhooks/stripe", "acme", "", map[string]any{}), http.StatusNotFound)
	api.expect(api.do(http.MethodPost, "/webhooks/paystack", "acme", "", map[string]any{"event": "charge.success"}), http.StatusUnauthorized)
	api.expect(api.do(http.MethodPost, "/webhooks/paystack", "nowhere", "", map[string]any{}), http.StatusNotFound)
}

func TestAPI_Metrics(t *testing.T) {
	api := setupTestServer(t)
	api.do(http.MethodGet, "/health", "", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	api.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "coopledger_http_requests_total") {
		t.Error("expected request counter in metrics output")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{invalid("bad"), http.StatusUnprocessableEntity},
		{wallet.ErrInvalidAmount, http.StatusUnprocessableEntity},
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{fmt.Errorf("wrapped: %w", auth.ErrWrongTenant), http.StatusForbidden},
		{store.ErrNotFound, http.StatusNotFound},
		{tenancy.ErrUnknownTenant, http.StatusNotFound},
		{store.ErrDuplicate, http.StatusConflict},
		{wallet.ErrInsufficientFunds, http.StatusBadRequest},
		{&ledger.EligibilityError{Reasons: []string{"x"}}, http.StatusBadRequest},
		{payments.ErrGatewayUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestScheduleCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"schedule", "--amount", "1200", "--rate", "0", "--months", "12", "--start", "2025-01-01"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "Monthly payment: 100.00") {
		t.Errorf("unexpected output:\n%s", text)
	}
	if strings.Count(text, "\n") < 14 {
		t.Errorf("expected a row per month:\n%s", text)
	}

	cmd = rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"schedule", "--amount=-5", "--rate=10"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected an error for a negative amount")
	}
}

func TestLoadConfig_DevLogging(t *testing.T) {
	cfg, err := (&flags{dev: true}).loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Log != logging.DevelopmentConfig() {
		t.Errorf("Expected development logging, got %+v", cfg.Log)
	}

	cfg, err = (&flags{}).loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Log.Development {
		t.Error("Expected production logging without --dev")
	}
}
