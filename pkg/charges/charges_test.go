package charges

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/notify"
	"github.com/mcclellann/coopledger/pkg/notify/notifytest"
	"github.com/mcclellann/coopledger/pkg/payments"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/mcclellann/coopledger/pkg/store/storetest"
	"github.com/mcclellann/coopledger/pkg/wallet"
	"github.com/shopspring/decimal"
)

var start = time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

func TestExpand_Quarterly(t *testing.T) {
	ct := &models.StatutoryChargeType{ID: uuid.New(), Amount: decimal.NewFromInt(5000), Frequency: models.FrequencyQuarterly}
	rows, err := Expand(ct, uuid.New(), start, start)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("Expected 4 rows, got %d", len(rows))
	}
	for i, row := range rows {
		want := start.AddDate(0, 3*(i+1), 0)
		if !row.DueDate.Equal(want) {
			t.Errorf("Row %d: expected due %s, got %s", i, want.Format("2006-01-02"), row.DueDate.Format("2006-01-02"))
		}
		wantStatus := models.ChargeStatusPending
		if i == 0 {
			wantStatus = models.ChargeStatusApproved
		}
		if row.Status != wantStatus {
			t.Errorf("Row %d: expected status %s, got %s", i, wantStatus, row.Status)
		}
		if !row.Amount.Equal(decimal.NewFromInt(5000)) {
			t.Errorf("Row %d: expected amount 5000, got %s", i, row.Amount)
		}
	}
}

func TestExpand_Frequencies(t *testing.T) {
	tests := []struct {
		frequency models.ChargeFrequency
		count     int
		lastDue   time.Time
	}{
		{models.FrequencyMonthly, 12, start.AddDate(0, 12, 0)},
		{models.FrequencyBiAnnually, 2, start.AddDate(0, 12, 0)},
		{models.FrequencyAnnually, 3, start.AddDate(3, 0, 0)},
		{models.FrequencyOneTime, 1, start},
	}
	for _, tt := range tests {
		t.Run(string(tt.frequency), func(t *testing.T) {
			ct := &models.StatutoryChargeType{ID: uuid.New(), Amount: decimal.NewFromInt(100), Frequency: tt.frequency}
			rows, err := Expand(ct, uuid.New(), start, start)
			if err != nil {
				t.Fatalf("Expand failed: %v", err)
			}
			if len(rows) != tt.count {
				t.Fatalf("Expected %d rows, got %d", tt.count, len(rows))
			}
			if last := rows[len(rows)-1].DueDate; !last.Equal(tt.lastDue) {
				t.Errorf("Expected last due %s, got %s", tt.lastDue.Format("2006-01-02"), last.Format("2006-01-02"))
			}
		})
	}

	_, err := Expand(&models.StatutoryChargeType{Frequency: "fortnightly"}, uuid.New(), start, start)
	if !errors.Is(err, ErrUnknownFrequency) {
		t.Errorf("Expected ErrUnknownFrequency, got %v", err)
	}
}

type fixture struct {
	svc     *Service
	store   store.Storage
	wallets *wallet.Service
	rec     *notifytest.Recorder
	member  *models.Member
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storetest.New(t)
	f := &fixture{store: s, rec: &notifytest.Recorder{}, clock: start}
	f.svc = NewService(s, Options{
		Currency: "NGN",
		Notifier: f.rec,
		Manual:   payments.ManualConfig{Accounts: []models.BankAccount{{ID: "main"}}},
	})
	f.svc.now = func() time.Time { return f.clock }
	f.wallets = wallet.NewService(s, wallet.Options{Currency: "NGN"})
	f.member = storetest.Member(t, s, 12)
	return f
}

func (f *fixture) assign(t *testing.T, frequency models.ChargeFrequency, amount int64) []*models.StatutoryCharge {
	t.Helper()
	ctx := context.Background()
	ct, err := f.svc.CreateType(ctx, "Service charge", decimal.NewFromInt(amount), frequency)
	if err != nil {
		t.Fatalf("CreateType failed: %v", err)
	}
	rows, err := f.svc.Assign(ctx, ct.ID, f.member.ID, start)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	return rows
}

func (f *fixture) fundWallet(t *testing.T, amount int64) *models.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := f.wallets.Create(ctx, f.member.ID, "")
	if err != nil {
		t.Fatalf("Failed to create wallet: %v", err)
	}
	if amount > 0 {
		err = f.store.WithTx(ctx, func(tx store.Storage) error {
			_, err := wallet.Post(ctx, tx, wallet.Entry{WalletID: w.ID, Type: models.WalletCredit, Amount: decimal.NewFromInt(amount), Reference: "seed"}, start)
			return err
		})
		if err != nil {
			t.Fatalf("Failed to fund wallet: %v", err)
		}
	}
	return w
}

func TestService_AssignPersistsSchedule(t *testing.T) {
	f := newFixture(t)
	f.assign(t, models.FrequencyQuarterly, 5000)

	stored, err := f.svc.ListForMember(context.Background(), f.member.ID)
	if err != nil {
		t.Fatalf("ListForMember failed: %v", err)
	}
	if len(stored) != 4 {
		t.Fatalf("Expected 4 stored charges, got %d", len(stored))
	}
	if stored[0].Status != models.ChargeStatusApproved || stored[3].Status != models.ChargeStatusPending {
		t.Errorf("Unexpected statuses %s..%s", stored[0].Status, stored[3].Status)
	}
	if f.rec.Count(notify.KindChargeDue) != 1 {
		t.Errorf("Expected one due notification, got %d", f.rec.Count(notify.KindChargeDue))
	}

	if _, err := f.svc.CreateType(context.Background(), "Levy", decimal.NewFromInt(10), "weekly"); !errors.Is(err, ErrUnknownFrequency) {
		t.Errorf("Expected ErrUnknownFrequency, got %v", err)
	}
	if _, err := f.svc.CreateType(context.Background(), "Levy", decimal.RequireFromString("10.005"), models.FrequencyMonthly); !errors.Is(err, ErrInvalidChargeType) {
		t.Errorf("Expected ErrInvalidChargeType, got %v", err)
	}
	if _, err := f.svc.Assign(context.Background(), uuid.New(), f.member.ID, start); !errors.Is(err, store.ErrChargeTypeNotFound) {
		t.Errorf("Expected ErrChargeTypeNotFound, got %v", err)
	}
}

func TestService_ActivateDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.assign(t, models.FrequencyQuarterly, 5000)

	f.clock = start.AddDate(0, 6, 1)
	n, err := f.svc.ActivateDue(ctx)
	if err != nil {
		t.Fatalf("ActivateDue failed: %v", err)
	}
	// The +6 month row is now due; +3 was approved at assignment.
	if n != 1 {
		t.Errorf("Expected 1 activation, got %d", n)
	}
	if n, _ := f.svc.ActivateDue(ctx); n != 0 {
		t.Errorf("Expected no further activations, got %d", n)
	}
}

func TestService_PayFromWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rows := f.assign(t, models.FrequencyQuarterly, 5000)
	f.fundWallet(t, 4000)

	_, err := f.svc.Pay(ctx, PayRequest{ChargeID: rows[0].ID, MemberID: f.member.ID, Method: models.PaymentMethodWallet})
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	unchanged, _ := f.svc.Get(ctx, rows[0].ID)
	if unchanged.Status != models.ChargeStatusApproved {
		t.Errorf("Expected charge still approved, got %s", unchanged.Status)
	}

	w, _ := f.wallets.ForMember(ctx, f.member.ID)
	f.store.WithTx(ctx, func(tx store.Storage) error {
		_, err := wallet.Post(ctx, tx, wallet.Entry{WalletID: w.ID, Type: models.WalletCredit, Amount: decimal.NewFromInt(1000), Reference: "seed-2"}, start)
		return err
	})

	res, err := f.svc.Pay(ctx, PayRequest{ChargeID: rows[0].ID, MemberID: f.member.ID, Method: models.PaymentMethodWallet})
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	if res.Payment.Status != models.PaymentStatusCompleted || res.Charge.Status != models.ChargeStatusPaid {
		t.Errorf("Unexpected result: payment %s, charge %s", res.Payment.Status, res.Charge.Status)
	}
	w, _ = f.wallets.Get(ctx, w.ID)
	if !w.Balance.IsZero() {
		t.Errorf("Expected empty wallet, got %s", w.Balance)
	}

	if _, err := f.svc.Pay(ctx, PayRequest{ChargeID: rows[0].ID, MemberID: f.member.ID, Method: models.PaymentMethodWallet}); !errors.Is(err, ErrAlreadyPaid) {
		t.Errorf("Expected ErrAlreadyPaid, got %v", err)
	}
	if _, err := f.svc.Pay(ctx, PayRequest{ChargeID: rows[1].ID, MemberID: f.member.ID, Method: models.PaymentMethodWallet}); !errors.Is(err, ErrNotPayable) {
		t.Errorf("Expected ErrNotPayable for a pending charge, got %v", err)
	}
	if _, err := f.svc.Pay(ctx, PayRequest{ChargeID: rows[0].ID, MemberID: uuid.New(), Method: models.PaymentMethodWallet}); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Expected ErrNotOwner, got %v", err)
	}
}

func TestService_BankTransferSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rows := f.assign(t, models.FrequencyOneTime, 2500)

	res, err := f.svc.Pay(ctx, PayRequest{ChargeID: rows[0].ID, MemberID: f.member.ID, Method: models.PaymentMethodBankTransfer})
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	if res.Payment.Status != models.PaymentStatusPendingApproval || res.Instructions == nil {
		t.Fatalf("Expected pending bank transfer with instructions, got %+v", res)
	}

	err = f.store.WithTx(ctx, func(tx store.Storage) error {
		_, err := f.svc.SettlePayment(ctx, tx, res.Payment)
		return err
	})
	if err != nil {
		t.Fatalf("SettlePayment failed: %v", err)
	}
	paid, _ := f.svc.Get(ctx, rows[0].ID)
	if paid.Status != models.ChargeStatusPaid || paid.PaidAt == nil {
		t.Errorf("Expected paid charge, got %s", paid.Status)
	}

	err = f.store.WithTx(ctx, func(tx store.Storage) error {
		_, err := f.svc.SettlePayment(ctx, tx, res.Payment)
		return err
	})
	if !errors.Is(err, ErrAlreadyPaid) {
		t.Errorf("Expected ErrAlreadyPaid on second settlement, got %v", err)
	}
}
