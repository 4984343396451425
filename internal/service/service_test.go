package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pharmaweb/backend/internal/basket"
	"pharmaweb/backend/internal/checkout"
	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/events"
	"pharmaweb/backend/internal/store"
	"pharmaweb/backend/internal/store/memory"
)

const testManagerPIN = "864209"

type testEnv struct {
	svc      *Service
	repo     *memory.Store
	sessions *basket.MemorySessionStore
	events   *events.Recorder
}

func newTestEnv() testEnv {
	repo := memory.NewSeeded()
	sessions := basket.NewMemorySessionStore()
	recorder := &events.Recorder{}
	svc := New(repo, Dependencies{
		Baskets:   basket.NewManager(repo, sessions, time.Hour),
		Events:    recorder,
		VerifyPIN: func(pin string) bool { return pin == testManagerPIN },
	})
	return testEnv{svc: svc, repo: repo, sessions: sessions, events: recorder}
}

func actorCtx(role string) context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username:    role + "-user",
		DisplayName: strings.ToUpper(role[:1]) + role[1:] + " User",
		Role:        role,
		SessionID:   "sess-" + role,
	})
}

func createMedication(t *testing.T, svc *Service, code string, stock int, price string) domain.Medication {
	t.Helper()
	med, err := svc.CreateMedication(actorCtx(domain.RoleAdmin), domain.MedicationCreateRequest{
		Code:        code,
		Name:        "Test " + code,
		StockOnHand: stock,
		SalePrice:   decimal.RequireFromString(price),
	})
	if err != nil {
		t.Fatalf("create medication %s: %v", code, err)
	}
	return med
}

func stockOf(t *testing.T, repo *memory.Store, id string) int {
	t.Helper()
	med, err := repo.GetMedication(context.Background(), id)
	if err != nil {
		t.Fatalf("get medication: %v", err)
	}
	return med.StockOnHand
}

func TestCommitSaleDecrementsStockAndClearsBasket(t *testing.T) {
	env := newTestEnv()
	ctx := actorCtx(domain.RoleCashier)
	med := createMedication(t, env.svc, "PARA-10", 10, "2.50")

	if _, err := env.svc.AddToBasket(ctx, "sale", basket.Request{MedicationID: med.ID, Quantity: 4}); err != nil {
		t.Fatalf("add 4: %v", err)
	}
	b, err := env.svc.AddToBasket(ctx, "sale", basket.Request{MedicationID: med.ID, Quantity: 3})
	if err != nil {
		t.Fatalf("add 3: %v", err)
	}
	if len(b.Lines) != 1 || b.Lines[0].Quantity != 7 {
		t.Fatalf("expected one line of 7, got %+v", b.Lines)
	}

	resp, err := env.svc.CommitSale(ctx, domain.CommitSaleRequest{
		PaymentMethod:  "cash",
		AmountTendered: decimal.RequireFromString("20"),
	})
	if err != nil {
		t.Fatalf("commit sale: %v", err)
	}
	if !resp.Sale.TotalAmount.Equal(decimal.RequireFromString("17.50")) {
		t.Fatalf("expected total 17.50, got %s", resp.Sale.TotalAmount)
	}
	if !resp.Sale.ChangeDue.Equal(decimal.RequireFromString("2.50")) {
		t.Fatalf("expected change 2.50, got %s", resp.Sale.ChangeDue)
	}
	if resp.Receipt.TicketNumber != resp.Sale.TicketNumber || resp.Receipt.Placeholder {
		t.Fatalf("receipt should carry ticket %s, got %+v", resp.Sale.TicketNumber, resp.Receipt)
	}
	if resp.Receipt.Operator != "Cashier User" {
		t.Fatalf("expected operator display name on receipt, got %q", resp.Receipt.Operator)
	}
	if got := stockOf(t, env.repo, med.ID); got != 3 {
		t.Fatalf("expected stock 3 after sale, got %d", got)
	}

	after, err := env.svc.GetBasket(ctx, "sale")
	if err != nil {
		t.Fatalf("get basket: %v", err)
	}
	if !after.Empty() || !after.Total().IsZero() {
		t.Fatalf("expected empty basket after commit, got %+v", after)
	}

	published := env.events.Events()
	if len(published) != 1 || published[0].Type != events.SaleCommitted || published[0].EntityID != resp.Sale.ID {
		t.Fatalf("expected one sale.committed event, got %+v", published)
	}

	logs, err := env.svc.ListAuditLogs(actorCtx(domain.RoleAdmin), "", 100)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "sale_created" && entry.EntityID == resp.Sale.ID && entry.ActorUsername == "cashier-user" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected sale_created audit entry")
	}
}

func TestAddBeyondStockLeavesBasketEmpty(t *testing.T) {
	env := newTestEnv()
	ctx := actorCtx(domain.RoleCashier)
	med := createMedication(t, env.svc, "LOW-2", 2, "1.00")

	_, err := env.svc.AddToBasket(ctx, "sale", basket.Request{MedicationID: med.ID, Quantity: 3})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	b, err := env.svc.GetBasket(ctx, "sale")
	if err != nil {
		t.Fatalf("get basket: %v", err)
	}
	if !b.Empty() {
		t.Fatalf("expected empty basket, got %+v", b.Lines)
	}
}

func TestCommitSaleKeepsBasketWhenPaymentIsShort(t *testing.T) {
	env := newTestEnv()
	ctx := actorCtx(domain.RoleCashier)
	med := createMedication(t, env.svc, "SHORT-1", 10, "5.00")

	if _, err := env.svc.AddToBasket(ctx, "sale", basket.Request{MedicationID: med.ID, Quantity: 2}); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := env.svc.CommitSale(ctx, domain.CommitSaleRequest{AmountTendered: decimal.RequireFromString("9.99")})
	if !errors.Is(err, checkout.ErrPaymentInsufficient) {
		t.Fatalf("expected payment insufficient, got %v", err)
	}

	b, err := env.svc.GetBasket(ctx, "sale")
	if err != nil {
		t.Fatalf("get basket: %v", err)
	}
	if len(b.Lines) != 1 || b.Lines[0].Quantity != 2 {
		t.Fatalf("expected basket to be kept, got %+v", b.Lines)
	}
	if got := stockOf(t, env.repo, med.ID); got != 10 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
	if len(env.events.Events()) != 0 {
		t.Fatalf("expected no events for a rejected sale")
	}
}

func TestCommitSaleRejectsEmptyBasket(t *testing.T) {
	env := newTestEnv()

	_, err := env.svc.CommitSale(actorCtx(domain.RoleCashier), domain.CommitSaleRequest{AmountTendered: decimal.NewFromInt(100)})
	if !errors.Is(err, checkout.ErrEmptyBasket) {
		t.Fatalf("expected empty basket error, got %v", err)
	}
}

func TestCapabilitiesGateOperations(t *testing.T) {
	env := newTestEnv()

	if _, err := env.svc.AddToBasket(actorCtx(domain.RolePreparer), "sale", basket.Request{MedicationID: "x", Quantity: 1}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("preparer must not sell, got %v", err)
	}
	if _, err := env.svc.CreateMedication(actorCtx(domain.RoleCashier), domain.MedicationCreateRequest{Code: "X", Name: "X"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cashier must not edit the catalog, got %v", err)
	}
	if _, err := env.svc.DailyReport(actorCtx(domain.RolePharmacist), ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("pharmacist must not read reports, got %v", err)
	}
	if _, err := env.svc.ListMedications(context.Background(), domain.MedicationFilter{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("anonymous caller must be rejected, got %v", err)
	}
	if _, err := env.svc.ListMedications(actorCtx(domain.RolePreparer), domain.MedicationFilter{}); err != nil {
		t.Fatalf("preparer should read the catalog: %v", err)
	}
}

func TestCancelSaleNeedsManagerPINAndRestocks(t *testing.T) {
	env := newTestEnv()
	cashier := actorCtx(domain.RoleCashier)
	admin := actorCtx(domain.RoleAdmin)
	med := createMedication(t, env.svc, "CANCEL-1", 6, "3.00")

	if _, err := env.svc.AddToBasket(cashier, "sale", basket.Request{MedicationID: med.ID, Quantity: 5}); err != nil {
		t.Fatalf("add: %v", err)
	}
	resp, err := env.svc.CommitSale(cashier, domain.CommitSaleRequest{PaymentMethod: "card", AmountTendered: decimal.NewFromInt(15)})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := env.svc.CancelSale(cashier, resp.Sale.ID, domain.CancelSaleRequest{Reason: "wrong item", ManagerPIN: testManagerPIN}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cashier must not cancel, got %v", err)
	}
	if _, err := env.svc.CancelSale(admin, resp.Sale.ID, domain.CancelSaleRequest{Reason: "wrong item", ManagerPIN: "000000"}); !errors.Is(err, ErrInvalidManagerPIN) {
		t.Fatalf("expected invalid pin, got %v", err)
	}
	if _, err := env.svc.CancelSale(admin, resp.Sale.ID, domain.CancelSaleRequest{ManagerPIN: testManagerPIN}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected missing reason to be rejected, got %v", err)
	}

	cancelled, err := env.svc.CancelSale(admin, resp.Sale.TicketNumber, domain.CancelSaleRequest{Reason: "wrong item", ManagerPIN: testManagerPIN})
	if err != nil {
		t.Fatalf("cancel by ticket: %v", err)
	}
	if _, err := env.svc.CancelSale(admin, resp.Sale.ID, domain.CancelSaleRequest{Reason: "again", ManagerPIN: testManagerPIN}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected second cancel to be refused, got %v", err)
	}
	if cancelled.Status != domain.SaleStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", cancelled.Status)
	}
	if got := stockOf(t, env.repo, med.ID); got != 6 {
		t.Fatalf("expected stock restored to 6, got %d", got)
	}

	published := env.events.Events()
	if last := published[len(published)-1]; last.Type != events.SaleCancelled {
		t.Fatalf("expected sale.cancelled event last, got %+v", published)
	}

	report, err := env.svc.DailyReport(admin, "")
	if err != nil {
		t.Fatalf("daily report: %v", err)
	}
	if report.Sales != 0 || report.CancelledSales != 1 || !report.GrossTotal.IsZero() {
		t.Fatalf("unexpected report after cancel: %+v", report)
	}
}

func TestGetSaleAcceptsTicketNumber(t *testing.T) {
	env := newTestEnv()
	ctx := actorCtx(domain.RoleCashier)
	med := createMedication(t, env.svc, "TICKET-1", 4, "1.25")

	if _, err := env.svc.AddToBasket(ctx, "sale", basket.Request{MedicationID: med.ID, Quantity: 2}); err != nil {
		t.Fatalf("add: %v", err)
	}
	resp, err := env.svc.CommitSale(ctx, domain.CommitSaleRequest{AmountTendered: decimal.RequireFromString("2.50")})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	byTicket, err := env.svc.GetSale(ctx, resp.Sale.TicketNumber)
	if err != nil {
		t.Fatalf("get by ticket: %v", err)
	}
	if byTicket.ID != resp.Sale.ID {
		t.Fatalf("expected sale %s, got %s", resp.Sale.ID, byTicket.ID)
	}

	printable, err := env.svc.PrintableSaleReceipt(ctx, resp.Sale.ID)
	if err != nil {
		t.Fatalf("printable receipt: %v", err)
	}
	if printable.EscposBase64 == "" || !strings.Contains(printable.PreviewText, resp.Sale.TicketNumber) {
		t.Fatalf("unexpected printable receipt: %+v", printable)
	}

	sales, err := env.svc.ListSales(ctx, "", 0)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 1 {
		t.Fatalf("expected one sale today, got %d", len(sales))
	}
	if _, err := env.svc.ListSales(ctx, "18-10-2026", 0); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid date error, got %v", err)
	}
}

func TestPrescriptionWorkflowEndsDeliveredBySale(t *testing.T) {
	env := newTestEnv()
	pharmacist := actorCtx(domain.RolePharmacist)
	preparer := actorCtx(domain.RolePreparer)
	cashier := actorCtx(domain.RoleCashier)
	med := createMedication(t, env.svc, "RX-1", 20, "4.00")

	patient, err := env.svc.CreatePatient(cashier, domain.PatientCreateRequest{LastName: "Mbala", FirstName: "Grace"})
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	rx, err := env.svc.CreatePrescription(pharmacist, domain.PrescriptionCreateRequest{
		PatientID:  patient.ID,
		Prescriber: "Dr Ilunga",
		Lines:      []domain.PrescriptionLine{{MedicationID: med.ID, Quantity: 3, Dosage: "1 tablet 3x/day", DurationDays: 5}},
	})
	if err != nil {
		t.Fatalf("create prescription: %v", err)
	}
	if rx.Status != domain.PrescriptionPending || !strings.HasPrefix(rx.Number, "ORD-") {
		t.Fatalf("unexpected prescription header: %+v", rx)
	}

	if _, err := env.svc.DispensePrescription(cashier, rx.ID); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("pending prescription must not be dispensed, got %v", err)
	}
	if _, err := env.svc.UpdatePrescriptionStatus(pharmacist, rx.ID, domain.PrescriptionPrepared); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("pending cannot jump to prepared, got %v", err)
	}
	if _, err := env.svc.UpdatePrescriptionStatus(preparer, rx.ID, domain.PrescriptionValidated); !errors.Is(err, ErrForbidden) {
		t.Fatalf("preparer must not validate, got %v", err)
	}
	if _, err := env.svc.UpdatePrescriptionStatus(pharmacist, rx.ID, domain.PrescriptionValidated); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := env.svc.UpdatePrescriptionStatus(preparer, rx.ID, domain.PrescriptionPrepared); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	b, err := env.svc.DispensePrescription(cashier, rx.ID)
	if err != nil {
		t.Fatalf("dispense: %v", err)
	}
	if len(b.Lines) != 1 || b.Lines[0].Quantity != 3 {
		t.Fatalf("expected prescribed quantity in basket, got %+v", b.Lines)
	}

	resp, err := env.svc.CommitSale(cashier, domain.CommitSaleRequest{
		PrescriptionID: rx.ID,
		AmountTendered: decimal.RequireFromString("12"),
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if resp.Sale.PatientID != patient.ID || resp.Sale.PrescriptionID != rx.ID {
		t.Fatalf("sale should reference patient and prescription, got %+v", resp.Sale)
	}

	delivered, err := env.svc.GetPrescription(cashier, rx.ID)
	if err != nil {
		t.Fatalf("get prescription: %v", err)
	}
	if delivered.Status != domain.PrescriptionDelivered {
		t.Fatalf("expected delivered, got %s", delivered.Status)
	}
	if _, err := env.svc.UpdatePrescriptionStatus(pharmacist, rx.ID, domain.PrescriptionCancelled); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("delivered prescription must not be cancelled, got %v", err)
	}
}

func TestCommitSaleRejectsUnknownPatient(t *testing.T) {
	env := newTestEnv()
	ctx := actorCtx(domain.RoleCashier)
	med := createMedication(t, env.svc, "PAT-1", 5, "1.00")

	if _, err := env.svc.AddToBasket(ctx, "sale", basket.Request{MedicationID: med.ID, Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := env.svc.CommitSale(ctx, domain.CommitSaleRequest{PatientID: "pat_missing", AmountTendered: decimal.NewFromInt(1)})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	b, _ := env.svc.GetBasket(ctx, "sale")
	if b.Empty() {
		t.Fatalf("basket must survive a rejected commit")
	}
}

func TestPatientCodeSkipsTakenSequence(t *testing.T) {
	env := newTestEnv()
	ctx := actorCtx(domain.RoleCashier)

	if _, err := env.repo.CreatePatient(context.Background(), domain.Patient{Code: "KABJEA002", LastName: "Other", FirstName: "Person"}); err != nil {
		t.Fatalf("seed patient: %v", err)
	}

	patient, err := env.svc.CreatePatient(ctx, domain.PatientCreateRequest{LastName: "Kabila", FirstName: "Jean", BirthDate: "1990-04-12", Sex: "m"})
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	if patient.Code != "KABJEA003" {
		t.Fatalf("expected KABJEA003, got %s", patient.Code)
	}
	if patient.Sex != "M" || patient.BirthDate == nil {
		t.Fatalf("expected normalized sex and birth date, got %+v", patient)
	}

	if _, err := env.svc.CreatePatient(ctx, domain.PatientCreateRequest{LastName: "Li", FirstName: "Wu", BirthDate: "12/04/1990"}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid birth date, got %v", err)
	}

	found, err := env.svc.ListPatients(ctx, "kabila", 0)
	if err != nil {
		t.Fatalf("list patients: %v", err)
	}
	if len(found) != 1 || found[0].ID != patient.ID {
		t.Fatalf("expected search to find the patient, got %+v", found)
	}
}

func TestSaveProformaClearsBasketWithoutTouchingStock(t *testing.T) {
	env := newTestEnv()
	ctx := actorCtx(domain.RoleCashier)
	med := createMedication(t, env.svc, "QUOTE-1", 8, "6.00")

	if _, err := env.svc.SaveProforma(ctx, domain.SaveProformaRequest{ClientName: "Clinic"}); !errors.Is(err, checkout.ErrEmptyBasket) {
		t.Fatalf("expected empty basket error, got %v", err)
	}
	if _, err := env.svc.AddToBasket(ctx, "proforma", basket.Request{MedicationID: med.ID, Quantity: 5}); err != nil {
		t.Fatalf("add: %v", err)
	}

	quote, err := env.svc.SaveProforma(ctx, domain.SaveProformaRequest{ClientName: "Clinic Saint Luc"})
	if err != nil {
		t.Fatalf("save proforma: %v", err)
	}
	if !strings.HasPrefix(quote.Reference, "PRO-") || !quote.TotalAmount.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected quote: %+v", quote)
	}
	if days := quote.ValidUntil.Sub(quote.CreatedAt).Hours() / 24; days != defaultValidityDays {
		t.Fatalf("expected %d days validity, got %v", defaultValidityDays, days)
	}
	if got := stockOf(t, env.repo, med.ID); got != 8 {
		t.Fatalf("proforma must not touch stock, got %d", got)
	}

	b, err := env.svc.GetBasket(ctx, "proforma")
	if err != nil {
		t.Fatalf("get basket: %v", err)
	}
	if !b.Empty() {
		t.Fatalf("expected proforma basket cleared")
	}

	r, err := env.svc.ProformaReceipt(ctx, quote.ID)
	if err != nil {
		t.Fatalf("proforma receipt: %v", err)
	}
	if r.TicketNumber != quote.Reference || len(r.Lines) != 1 {
		t.Fatalf("unexpected proforma receipt: %+v", r)
	}
}

func TestPreviewReceiptToleratesMalformedBasket(t *testing.T) {
	env := newTestEnv()
	ctx := actorCtx(domain.RoleCashier)

	doc := []byte(`{"lines":{"b":{"name":"Syrup","price":"4.00","qty":2},"a":"junk"},"total":"oops"}`)
	if err := env.sessions.Set(context.Background(), "basket:sale:sess-cashier", doc, time.Hour); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	r, err := env.svc.PreviewReceipt(ctx, "sale")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !r.Placeholder || !strings.HasPrefix(r.TicketNumber, "TMP-") {
		t.Fatalf("expected placeholder ticket, got %s", r.TicketNumber)
	}
	if len(r.Lines) != 1 || r.Lines[0].Name != "Syrup" || r.Lines[0].ID != "b" {
		t.Fatalf("expected the one coercible line, got %+v", r.Lines)
	}
	if !r.Total.Equal(decimal.RequireFromString("8")) {
		t.Fatalf("expected fallback total 8, got %s", r.Total)
	}

	empty, err := env.svc.PreviewReceipt(actorCtx(domain.RolePharmacist), "proforma")
	if err != nil {
		t.Fatalf("preview empty: %v", err)
	}
	if len(empty.Lines) != 0 || !empty.Total.IsZero() {
		t.Fatalf("expected empty receipt, got %+v", empty)
	}
}

func TestAdjustStockInvalidatesAlerts(t *testing.T) {
	env := newTestEnv()
	admin := actorCtx(domain.RoleAdmin)
	med := createMedication(t, env.svc, "ALERT-1", 0, "1.00")

	alerts, err := env.svc.StockAlerts(admin)
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if !hasAlert(alerts, med.ID, domain.AlertOutOfStock) {
		t.Fatalf("expected out of stock alert for %s", med.Code)
	}

	movement, err := env.svc.AdjustStock(admin, med.ID, domain.StockAdjustmentRequest{Type: domain.MovementEntry, Quantity: 50, Reason: "delivery"})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if movement.Direction != domain.MovementDirectionIn || movement.StockAfter != 50 {
		t.Fatalf("unexpected movement: %+v", movement)
	}
	if _, err := env.svc.AdjustStock(admin, med.ID, domain.StockAdjustmentRequest{Type: domain.MovementAdjustment, Quantity: -60, Reason: "breakage"}); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected negative stock to be refused, got %v", err)
	}
	if _, err := env.svc.AdjustStock(admin, med.ID, domain.StockAdjustmentRequest{Type: domain.MovementInventory, Quantity: 42}); err != nil {
		t.Fatalf("inventory: %v", err)
	}

	alerts, err = env.svc.StockAlerts(admin)
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if hasAlert(alerts, med.ID, domain.AlertOutOfStock) {
		t.Fatalf("alert should clear after restock")
	}

	movements, err := env.svc.ListStockMovements(admin, med.ID, 0)
	if err != nil {
		t.Fatalf("movements: %v", err)
	}
	if len(movements) != 2 || movements[0].Type != domain.MovementInventory || movements[0].Direction != domain.MovementDirectionOut {
		t.Fatalf("unexpected movements: %+v", movements)
	}
}

func hasAlert(alerts []domain.StockAlert, medicationID string, kind string) bool {
	for _, alert := range alerts {
		if alert.MedicationID == medicationID && alert.Kind == kind {
			return true
		}
	}
	return false
}

func TestImportAndExportCatalog(t *testing.T) {
	env := newTestEnv()
	admin := actorCtx(domain.RoleAdmin)

	csvData := strings.Join([]string{
		"code,name,sale_price,stock_on_hand,expiry_date",
		"3400930000011,Paracetamol duplicate,9.99,1,",
		"NEW-001,Zinc 20mg,1.75,30,2027-06-30",
		",Missing code,1.00,1,",
		"NEW-002,Bad price,abc,1,",
	}, "\n")

	result, err := env.svc.ImportCatalog(admin, strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Imported != 1 || result.Skipped != 1 || result.Invalid != 2 {
		t.Fatalf("unexpected import result: %+v", result)
	}

	zinc, err := env.svc.SearchMedications(admin, "zinc", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(zinc) != 1 || zinc[0].StockOnHand != 30 || zinc[0].ExpiryDate == nil {
		t.Fatalf("unexpected imported medication: %+v", zinc)
	}

	var out bytes.Buffer
	if err := env.svc.ExportCatalog(admin, &out); err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out.String(), "NEW-001") || !strings.HasPrefix(out.String(), "code,name") {
		t.Fatalf("unexpected export: %s", out.String())
	}
}

func TestUsersAndSettingsAreAdminOnly(t *testing.T) {
	env := newTestEnv()
	admin := actorCtx(domain.RoleAdmin)

	if _, err := env.svc.CreateUser(actorCtx(domain.RolePharmacist), domain.UserCreateRequest{Username: "prep1", Password: "secret1"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("pharmacist must not manage users, got %v", err)
	}
	user, err := env.svc.CreateUser(admin, domain.UserCreateRequest{Username: "Prep01", Password: "secret1", Role: domain.RolePreparer, DisplayName: "Prep One"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if user.Username != "prep01" || user.Role != domain.RolePreparer {
		t.Fatalf("unexpected user: %+v", user)
	}
	if _, err := env.svc.CreateUser(admin, domain.UserCreateRequest{Username: "prep01", Password: "secret1"}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate username, got %v", err)
	}
	if _, err := env.svc.CreateUser(admin, domain.UserCreateRequest{Username: "boss", Password: "secret1", Role: "owner"}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected unknown role to fail, got %v", err)
	}

	settings, err := env.svc.SaveSettings(admin, domain.PharmacySettings{Name: "Pharmacie du Fleuve", Address: "Av. du Commerce 12"})
	if err != nil {
		t.Fatalf("save settings: %v", err)
	}
	if settings.Currency != "Fc" || settings.ReceiptFooter == "" {
		t.Fatalf("expected defaults to fill currency and footer, got %+v", settings)
	}

	med := createMedication(t, env.svc, "SET-1", 3, "2.00")
	cashier := actorCtx(domain.RoleCashier)
	if _, err := env.svc.AddToBasket(cashier, "sale", basket.Request{MedicationID: med.ID, Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	r, err := env.svc.PreviewReceipt(cashier, "sale")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if r.PharmacyName != "Pharmacie du Fleuve" {
		t.Fatalf("receipt should use saved settings, got %q", r.PharmacyName)
	}
}

func TestDashboardCountsTodayActivity(t *testing.T) {
	env := newTestEnv()
	cashier := actorCtx(domain.RoleCashier)
	med := createMedication(t, env.svc, "DASH-1", 10, "2.00")

	if _, err := env.svc.AddToBasket(cashier, "sale", basket.Request{MedicationID: med.ID, Quantity: 2}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := env.svc.CommitSale(cashier, domain.CommitSaleRequest{AmountTendered: decimal.NewFromInt(4)}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	summary, err := env.svc.Dashboard(actorCtx(domain.RolePreparer))
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if summary.SalesToday != 1 || !summary.RevenueToday.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("unexpected dashboard: %+v", summary)
	}
	if summary.Alerts == 0 {
		t.Fatalf("seeded catalog has a low stock item, expected alerts")
	}
}
