package settlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcclellann/coopledger/pkg/charges"
	"github.com/mcclellann/coopledger/pkg/ledger"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/notify"
	"github.com/mcclellann/coopledger/pkg/notify/notifytest"
	"github.com/mcclellann/coopledger/pkg/payments"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/mcclellann/coopledger/pkg/store/storetest"
	"github.com/mcclellann/coopledger/pkg/wallet"
	"github.com/shopspring/decimal"
)

const paystackSecret = "sk_test_secret"

type fakeGateway struct {
	mu       sync.Mutex
	verdict  payments.VerifyResult
	verifies atomic.Int32
}

func (f *fakeGateway) Name() string { return payments.PaystackName }

func (f *fakeGateway) Initialize(ctx context.Context, req payments.InitRequest) (*payments.InitResult, error) {
	return &payments.InitResult{AuthorizationURL: "https://checkout.example/" + req.Reference, GatewayReference: "gw-" + req.Reference}, nil
}

func (f *fakeGateway) Verify(ctx context.Context, ref string) (*payments.VerifyResult, error) {
	f.verifies.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.verdict
	v.GatewayReference = ref
	return &v, nil
}

func (f *fakeGateway) set(status payments.VerifyStatus, amount int64) {
	f.mu.Lock()
	f.verdict = payments.VerifyResult{Status: status, Amount: decimal.NewFromInt(amount)}
	f.mu.Unlock()
}

type fixture struct {
	settler *Settler
	store   store.Storage
	gateway *fakeGateway
	rec     *notifytest.Recorder
	ledger  *ledger.Ledger
	wallets *wallet.Service
	charges *charges.Service
	member  *models.Member
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storetest.New(t)
	f := &fixture{store: s, gateway: &fakeGateway{}, rec: &notifytest.Recorder{}}

	registry := payments.NewRegistry(payments.PaystackName, f.gateway)
	initiator := payments.NewInitiator(registry, "https://coop.example/payments/callback", nil)
	manual := payments.ManualConfig{
		Accounts:        []models.BankAccount{{ID: "main", BankName: "Coop Bank", AccountNumber: "0123456789", Primary: true}},
		RequireEvidence: true,
	}

	f.ledger = ledger.NewLedger(s, ledger.Options{Currency: "NGN", Notifier: f.rec, Initiator: initiator, Manual: manual})
	f.wallets = wallet.NewService(s, wallet.Options{Currency: "NGN", Notifier: f.rec, Initiator: initiator, Manual: manual})
	f.charges = charges.NewService(s, charges.Options{Currency: "NGN", Notifier: f.rec, Initiator: initiator, Manual: manual})
	f.settler = NewSettler(s, Options{
		Ledger:   f.ledger,
		Wallets:  f.wallets,
		Charges:  f.charges,
		Verifier: payments.NewVerifier(registry),
		Secrets:  WebhookSecrets{Paystack: paystackSecret},
		Notifier: f.rec,
	})
	f.member = storetest.Member(t, s, 12)
	return f
}

func (f *fixture) cardTopUp(t *testing.T, amount int64) (*models.Wallet, *models.Payment) {
	t.Helper()
	ctx := context.Background()
	w, err := f.wallets.Create(ctx, f.member.ID, "")
	if err != nil {
		t.Fatalf("Failed to create wallet: %v", err)
	}
	res, err := f.wallets.TopUp(ctx, wallet.TopUpRequest{WalletID: w.ID, Amount: decimal.NewFromInt(amount), Method: models.PaymentMethodCard})
	if err != nil {
		t.Fatalf("TopUp failed: %v", err)
	}
	if res.Checkout == nil || res.Payment.GatewayReference == "" {
		t.Fatalf("Expected a checkout, got %+v", res)
	}
	return w, res.Payment
}

func (f *fixture) oneTimeCharge(t *testing.T, amount int64) *models.StatutoryCharge {
	t.Helper()
	ctx := context.Background()
	ct, err := f.charges.CreateType(ctx, "Development levy", decimal.NewFromInt(amount), models.FrequencyOneTime)
	if err != nil {
		t.Fatalf("CreateType failed: %v", err)
	}
	rows, err := f.charges.Assign(ctx, ct.ID, f.member.ID, time.Now())
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	return rows[0]
}

func (f *fixture) approvedLoan(t *testing.T) *models.Loan {
	t.Helper()
	ctx := context.Background()
	product := storetest.Product(t, f.store, "Personal Loan")
	loan, err := f.ledger.Apply(ctx, ledger.Application{MemberID: f.member.ID, ProductID: product.ID, Amount: decimal.NewFromInt(12000), DurationMonths: 12})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	loan, err = f.ledger.Approve(ctx, loan.ID, "admin-1")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	return loan
}

func paystackDelivery(eventID int, event, gatewayRef string, kobo int64) ([]byte, http.Header) {
	body := []byte(fmt.Sprintf(`{"event":%q,"data":{"id":%d,"reference":%q,"amount":%d,"status":"success"}}`, event, eventID, gatewayRef, kobo))
	mac := hmac.New(sha512.New, []byte(paystackSecret))
	mac.Write(body)
	header := http.Header{}
	header.Set("x-paystack-signature", hex.EncodeToString(mac.Sum(nil)))
	return body, header
}

func (f *fixture) balance(t *testing.T, w *models.Wallet) decimal.Decimal {
	t.Helper()
	got, err := f.wallets.Get(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Failed to read wallet: %v", err)
	}
	return got.Balance
}

func TestSettler_PaystackWebhookCreditsWalletOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, payment := f.cardTopUp(t, 5000)
	f.gateway.set(payments.VerifySuccess, 5000)

	body, header := paystackDelivery(42, "charge.success", payment.GatewayReference, 500000)
	outcomes, err := f.settler.ProcessWebhook(ctx, payments.PaystackName, body, header)
	if err != nil {
		t.Fatalf("ProcessWebhook failed: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Result != ResultSettled {
		t.Fatalf("Expected one settled outcome, got %+v", outcomes)
	}
	if got := f.balance(t, w); !got.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("Expected balance 5000, got %s", got)
	}
	if f.rec.Count(notify.KindWalletCredited) != 1 {
		t.Error("Expected the member to be told about the credit")
	}

	// The same delivery again is dropped before reaching the gateway.
	outcomes, err = f.settler.ProcessWebhook(ctx, payments.PaystackName, body, header)
	if err != nil || outcomes[0].Result != ResultDuplicate {
		t.Errorf("Expected a duplicate, got %+v, %v", outcomes, err)
	}
	if n := f.gateway.verifies.Load(); n != 1 {
		t.Errorf("Expected 1 verification, got %d", n)
	}

	// A different event for a settled payment changes nothing.
	body, header = paystackDelivery(43, "charge.success", payment.GatewayReference, 500000)
	outcomes, err = f.settler.ProcessWebhook(ctx, payments.PaystackName, body, header)
	if err != nil || outcomes[0].Result != ResultDuplicate {
		t.Errorf("Expected a duplicate, got %+v, %v", outcomes, err)
	}
	if got := f.balance(t, w); !got.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("Expected balance to stay 5000, got %s", got)
	}

	stored, _ := f.settler.Get(ctx, payment.Reference)
	if stored.Status != models.PaymentStatusCompleted || stored.CompletedAt == nil {
		t.Errorf("Expected completed payment, got %s", stored.Status)
	}
}

func TestSettler_WebhookRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body, _ := paystackDelivery(1, "charge.success", "gw-x", 100)
	header := http.Header{}
	header.Set("x-paystack-signature", "deadbeef")
	if _, err := f.settler.ProcessWebhook(ctx, payments.PaystackName, body, header); !errors.Is(err, payments.ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature, got %v", err)
	}
	if _, err := f.settler.ProcessWebhook(ctx, "flutterwave", body, header); !errors.Is(err, payments.ErrUnknownGateway) {
		t.Errorf("Expected ErrUnknownGateway, got %v", err)
	}

	body, header = paystackDelivery(2, "transfer.success", "gw-x", 100)
	outcomes, err := f.settler.ProcessWebhook(ctx, payments.PaystackName, body, header)
	if err != nil || outcomes[0].Result != ResultIgnored {
		t.Errorf("Expected the event to be ignored, got %+v, %v", outcomes, err)
	}

	body, header = paystackDelivery(3, "charge.success", "gw-nobody", 100)
	outcomes, err = f.settler.ProcessWebhook(ctx, payments.PaystackName, body, header)
	if err != nil || outcomes[0].Result != ResultUnknown {
		t.Errorf("Expected an unknown reference, got %+v, %v", outcomes, err)
	}
}

func TestSettler_DeclinedCardPaymentFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	charge := f.oneTimeCharge(t, 2500)

	res, err := f.charges.Pay(ctx, charges.PayRequest{ChargeID: charge.ID, MemberID: f.member.ID, Method: models.PaymentMethodCard})
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	f.gateway.set(payments.VerifyFailed, 0)

	body, header := paystackDelivery(7, "charge.failed", res.Payment.GatewayReference, 250000)
	outcomes, err := f.settler.ProcessWebhook(ctx, payments.PaystackName, body, header)
	if err != nil {
		t.Fatalf("ProcessWebhook failed: %v", err)
	}
	if outcomes[0].Result != ResultFailed || outcomes[0].Payment.Status != models.PaymentStatusFailed {
		t.Errorf("Expected a failed payment, got %+v", outcomes[0])
	}
	still, _ := f.charges.Get(ctx, charge.ID)
	if still.Status != models.ChargeStatusApproved {
		t.Errorf("Expected the charge to stay approved, got %s", still.Status)
	}
	if n := f.rec.Count(notify.KindPaymentFailed); n != 1 {
		t.Errorf("Expected only the member to be told, got %d notifications", n)
	}
}

func TestSettler_VerifyCardRepayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.approvedLoan(t)

	res, err := f.ledger.Repay(ctx, ledger.RepayRequest{LoanID: loan.ID, Amount: decimal.NewFromInt(3000), Method: models.PaymentMethodCard})
	if err != nil {
		t.Fatalf("Repay failed: %v", err)
	}
	if res.Checkout == nil || res.Repayment != nil {
		t.Fatalf("Expected a checkout and no repayment yet, got %+v", res)
	}

	f.gateway.set(payments.VerifyPending, 0)
	out, err := f.settler.Verify(ctx, res.Payment.Reference)
	if err != nil || out.Result != ResultPending {
		t.Fatalf("Expected pending, got %+v, %v", out, err)
	}

	f.gateway.set(payments.VerifySuccess, 3000)
	out, err = f.settler.Verify(ctx, res.Payment.Reference)
	if err != nil || out.Result != ResultSettled {
		t.Fatalf("Expected settled, got %+v, %v", out, err)
	}

	repayments, _ := f.ledger.Repayments(ctx, loan.ID)
	if len(repayments) != 1 || repayments[0].Reference != res.Payment.Reference {
		t.Fatalf("Expected one repayment for %s, got %+v", res.Payment.Reference, repayments)
	}
	if repayments[0].PaymentMethod != models.PaymentMethodCard {
		t.Errorf("Expected card repayment, got %s", repayments[0].PaymentMethod)
	}
	if f.rec.Count(notify.KindRepaymentPartial) != 1 {
		t.Error("Expected a partial repayment notification")
	}

	out, err = f.settler.Verify(ctx, res.Payment.Reference)
	if err != nil || out.Result != ResultDuplicate {
		t.Errorf("Expected a settled payment to be left alone, got %+v, %v", out, err)
	}
}

func TestSettler_ShortGatewayAmountFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, payment := f.cardTopUp(t, 5000)
	f.gateway.set(payments.VerifySuccess, 4000)

	out, err := f.settler.Verify(ctx, payment.Reference)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if out.Result != ResultFailed {
		t.Errorf("Expected failure on amount mismatch, got %+v", out)
	}
	if got := f.balance(t, w); !got.IsZero() {
		t.Errorf("Expected nothing credited, got %s", got)
	}
}

func TestSettler_ApproveBankTransferRepayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.approvedLoan(t)

	res, err := f.ledger.Repay(ctx, ledger.RepayRequest{
		LoanID:      loan.ID,
		Amount:      decimal.NewFromInt(2000),
		Method:      models.PaymentMethodBankTransfer,
		EvidenceURL: "https://files.example/teller.png",
	})
	if err != nil {
		t.Fatalf("Repay failed: %v", err)
	}

	out, err := f.settler.Approve(ctx, res.Payment.Reference, "admin-1")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if out.Result != ResultSettled || out.Payment.Status != models.PaymentStatusCompleted {
		t.Errorf("Unexpected outcome %+v", out)
	}
	summary, _ := f.ledger.Summary(ctx, loan.ID)
	if !summary.AmountPaid.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("Expected 2000 repaid, got %s", summary.AmountPaid)
	}

	if _, err := f.settler.Approve(ctx, res.Payment.Reference, "admin-1"); !errors.Is(err, ErrNotAwaitingApproval) {
		t.Errorf("Expected ErrNotAwaitingApproval, got %v", err)
	}
	if _, err := f.settler.Approve(ctx, "RPY_missing", "admin-1"); !errors.Is(err, store.ErrPaymentNotFound) {
		t.Errorf("Expected ErrPaymentNotFound, got %v", err)
	}
}

func TestSettler_ApproveUnapplicablePaymentFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	charge := f.oneTimeCharge(t, 2500)

	pay := func() *models.Payment {
		res, err := f.charges.Pay(ctx, charges.PayRequest{
			ChargeID:    charge.ID,
			MemberID:    f.member.ID,
			Method:      models.PaymentMethodBankTransfer,
			EvidenceURL: "https://files.example/receipt.pdf",
		})
		if err != nil {
			t.Fatalf("Pay failed: %v", err)
		}
		return res.Payment
	}
	first, second := pay(), pay()

	if _, err := f.settler.Approve(ctx, first.Reference, "admin-1"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	paid, _ := f.charges.Get(ctx, charge.ID)
	if paid.Status != models.ChargeStatusPaid {
		t.Fatalf("Expected paid charge, got %s", paid.Status)
	}
	if f.rec.Count(notify.KindChargePaid) != 1 {
		t.Error("Expected a charge paid notification")
	}

	out, err := f.settler.Approve(ctx, second.Reference, "admin-1")
	if !errors.Is(err, ErrNotApplied) {
		t.Fatalf("Expected ErrNotApplied, got %v", err)
	}
	if out.Payment.Status != models.PaymentStatusFailed || out.Reason == "" {
		t.Errorf("Expected a failed payment with a reason, got %+v", out.Payment)
	}
	last, _ := f.rec.Last()
	if last.Recipient != models.AdminRecipient || last.Message.Kind != notify.KindPaymentFailed {
		t.Errorf("Expected admins to be asked to reconcile, got %+v", last)
	}
}

func TestSettler_RejectBankTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, err := f.wallets.Create(ctx, f.member.ID, "")
	if err != nil {
		t.Fatalf("Failed to create wallet: %v", err)
	}
	res, err := f.wallets.TopUp(ctx, wallet.TopUpRequest{
		WalletID:    w.ID,
		Amount:      decimal.NewFromInt(1000),
		Method:      models.PaymentMethodBankTransfer,
		EvidenceURL: "https://files.example/slip.jpg",
	})
	if err != nil {
		t.Fatalf("TopUp failed: %v", err)
	}

	out, err := f.settler.Reject(ctx, res.Payment.Reference, "admin-1", "no matching credit")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if out.Payment.Status != models.PaymentStatusRejected || out.Payment.FailureReason != "no matching credit" {
		t.Errorf("Unexpected outcome %+v", out.Payment)
	}
	if f.rec.Count(notify.KindPaymentRejected) != 1 {
		t.Error("Expected the member to be told")
	}
	if got := f.balance(t, w); !got.IsZero() {
		t.Errorf("Expected nothing credited, got %s", got)
	}
	if _, err := f.settler.Reject(ctx, res.Payment.Reference, "admin-1", ""); !errors.Is(err, ErrNotAwaitingApproval) {
		t.Errorf("Expected ErrNotAwaitingApproval, got %v", err)
	}
	if _, err := f.settler.Approve(ctx, res.Payment.Reference, "admin-1"); !errors.Is(err, ErrNotAwaitingApproval) {
		t.Errorf("Expected ErrNotAwaitingApproval approving a rejected payment, got %v", err)
	}
}

func TestSettler_ConcurrentDeliveriesSettleOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, payment := f.cardTopUp(t, 5000)
	f.gateway.set(payments.VerifySuccess, 5000)

	var wg sync.WaitGroup
	var settled atomic.Int32
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			body, header := paystackDelivery(100+id, "charge.success", payment.GatewayReference, 500000)
			outcomes, err := f.settler.ProcessWebhook(ctx, payments.PaystackName, body, header)
			if err != nil {
				t.Errorf("ProcessWebhook failed: %v", err)
				return
			}
			if outcomes[0].Result == ResultSettled {
				settled.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if n := settled.Load(); n != 1 {
		t.Errorf("Expected exactly one settlement, got %d", n)
	}
	if got := f.balance(t, w); !got.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("Expected balance 5000, got %s", got)
	}
}
