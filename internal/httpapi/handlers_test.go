package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/service"
	"pharmaweb/backend/internal/store/memory"
)

// newTestAPI wires the real AuthManager and Service over a seeded memory
// store so handler tests cover the whole request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)
	svc := service.New(repo, service.Dependencies{VerifyPIN: auth.ValidateManagerPIN})

	return New(svc, auth, Options{AllowedOrigin: "*"})
}

type testClient struct {
	t       *testing.T
	handler http.Handler
	token   string
	csrf    string
}

func newTestClient(t *testing.T, api *API, username string, password string) *testClient {
	t.Helper()
	handler := api.Handler()
	c := &testClient{t: t, handler: handler}
	c.token = login(t, handler, username, password)
	c.csrf = fetchCSRFToken(t, handler)
	return c
}

func (c *testClient) do(method string, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.csrf != "" {
		req.Header.Set("X-CSRF-Token", c.csrf)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (status %d)", err, rec.Code)
	}
}

func (c *testClient) findMedication(query string) domain.Medication {
	c.t.Helper()
	rec := c.do(http.MethodGet, "/api/v1/medications/search?q="+query, nil)
	if rec.Code != http.StatusOK {
		c.t.Fatalf("search %q: status %d (%s)", query, rec.Code, rec.Body.String())
	}
	var body struct {
		Medications []domain.Medication `json:"medications"`
	}
	decodeBody(c.t, rec, &body)
	if len(body.Medications) == 0 {
		c.t.Fatalf("no medication matches %q", query)
	}
	return body.Medications[0]
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	decodeBody(t, rec, &resp)
	if resp.AccessToken == "" {
		t.Fatal("expected non-empty access_token")
	}
	if resp.Role != domain.RoleAdmin {
		t.Fatalf("expected role admin, got %s", resp.Role)
	}
}

func TestHandleLogin_InvalidPassword(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrong-password",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMedicationsRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/medications", nil)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMeReturnsSessionActor(t *testing.T) {
	c := newTestClient(t, newTestAPI(t), "cashier", "cashier123")

	rec := c.do(http.MethodGet, "/api/v1/auth/me", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		User domain.Actor `json:"user"`
	}
	decodeBody(t, rec, &body)
	if body.User.Username != "cashier" || body.User.SessionID == "" {
		t.Fatalf("unexpected actor %+v", body.User)
	}
}

func TestSaleFlowOverHTTP(t *testing.T) {
	c := newTestClient(t, newTestAPI(t), "cashier", "cashier123")
	para := c.findMedication("paracetamol")

	rec := c.do(http.MethodPost, "/api/v1/baskets/sale/lines", map[string]any{"medication_id": para.ID, "quantity": 4})
	if rec.Code != http.StatusOK {
		t.Fatalf("add line: status %d (%s)", rec.Code, rec.Body.String())
	}

	rec = c.do(http.MethodGet, "/api/v1/baskets/sale/receipt", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("preview: status %d", rec.Code)
	}
	var preview struct {
		Receipt domain.Receipt `json:"receipt"`
	}
	decodeBody(t, rec, &preview)
	if !preview.Receipt.Placeholder || !preview.Receipt.Total.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("unexpected preview %+v", preview.Receipt)
	}

	rec = c.do(http.MethodPost, "/api/v1/sales", map[string]any{"payment_method": "cash", "amount_tendered": "20"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("commit: status %d (%s)", rec.Code, rec.Body.String())
	}
	var sold domain.SaleResponse
	decodeBody(t, rec, &sold)
	if !sold.Sale.TotalAmount.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("expected total 10, got %s", sold.Sale.TotalAmount)
	}
	if !sold.Sale.ChangeDue.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("expected change 10, got %s", sold.Sale.ChangeDue)
	}
	if sold.Receipt.TicketNumber != sold.Sale.TicketNumber || sold.Receipt.Placeholder {
		t.Fatalf("expected committed receipt for ticket %s, got %+v", sold.Sale.TicketNumber, sold.Receipt)
	}

	rec = c.do(http.MethodGet, "/api/v1/baskets/sale", nil)
	var current struct {
		Basket struct {
			Lines []any `json:"lines"`
		} `json:"basket"`
	}
	decodeBody(t, rec, &current)
	if len(current.Basket.Lines) != 0 {
		t.Fatalf("expected basket cleared after commit, got %d lines", len(current.Basket.Lines))
	}

	rec = c.do(http.MethodGet, "/api/v1/sales/"+sold.Sale.TicketNumber+"/receipt/escpos", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("escpos: status %d", rec.Code)
	}
	var printable domain.PrintableReceipt
	decodeBody(t, rec, &printable)
	if printable.EscposBase64 == "" || !strings.Contains(printable.PreviewText, "Paracetamol") {
		t.Fatalf("unexpected printable receipt %+v", printable)
	}

	rec = c.do(http.MethodGet, "/api/v1/medications/"+para.ID, nil)
	var after struct {
		Medication domain.Medication `json:"medication"`
	}
	decodeBody(t, rec, &after)
	if after.Medication.StockOnHand != para.StockOnHand-4 {
		t.Fatalf("expected stock %d, got %d", para.StockOnHand-4, after.Medication.StockOnHand)
	}

	rec = c.do(http.MethodPost, "/api/v1/sales/"+sold.Sale.ID+"/cancel", map[string]string{"reason": "x", "manager_pin": "123456"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected cashier cancel to be forbidden, got %d", rec.Code)
	}
}

func TestCommitStatusCodes(t *testing.T) {
	c := newTestClient(t, newTestAPI(t), "cashier", "cashier123")

	rec := c.do(http.MethodPost, "/api/v1/sales", map[string]any{"payment_method": "cash", "amount_tendered": "5"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty basket: expected 400, got %d", rec.Code)
	}

	syrup := c.findMedication("syrup")
	rec = c.do(http.MethodPost, "/api/v1/baskets/sale/lines", map[string]any{"medication_id": syrup.ID, "quantity": syrup.StockOnHand + 1})
	if rec.Code != http.StatusConflict {
		t.Fatalf("beyond stock: expected 409, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = c.do(http.MethodPost, "/api/v1/baskets/sale/lines", map[string]any{"medication_id": syrup.ID, "quantity": 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("add line: status %d", rec.Code)
	}
	rec = c.do(http.MethodPost, "/api/v1/sales", map[string]any{"payment_method": "cash", "amount_tendered": "1"})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("short payment: expected 402, got %d", rec.Code)
	}

	rec = c.do(http.MethodGet, "/api/v1/baskets/layaway", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind: expected 400, got %d", rec.Code)
	}

	rec = c.do(http.MethodGet, "/api/v1/sales/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing sale: expected 404, got %d", rec.Code)
	}
}

func TestProformaOverHTTP(t *testing.T) {
	c := newTestClient(t, newTestAPI(t), "cashier", "cashier123")
	mask := c.findMedication("mask")

	rec := c.do(http.MethodPost, "/api/v1/baskets/proforma/lines", map[string]any{"medication_id": mask.ID, "quantity": 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("add line: status %d", rec.Code)
	}
	rec = c.do(http.MethodPost, "/api/v1/proformas", map[string]any{"client_name": "Clinique Espoir"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("save proforma: status %d (%s)", rec.Code, rec.Body.String())
	}
	var saved struct {
		Proforma domain.ProformaQuote `json:"proforma"`
	}
	decodeBody(t, rec, &saved)
	if !strings.HasPrefix(saved.Proforma.Reference, "PRO-") {
		t.Fatalf("unexpected reference %q", saved.Proforma.Reference)
	}

	rec = c.do(http.MethodGet, "/api/v1/proformas/"+saved.Proforma.ID+"/receipt", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("proforma receipt: status %d", rec.Code)
	}
}

func TestAdminReportsAndExport(t *testing.T) {
	c := newTestClient(t, newTestAPI(t), "admin", "admin123")

	rec := c.do(http.MethodGet, "/api/v1/reports/daily?format=csv", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("csv report: status %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "section,key,value") {
		t.Fatalf("unexpected csv report %q", rec.Body.String())
	}

	rec = c.do(http.MethodGet, "/api/v1/reports/daily?format=html", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Daily Report") {
		t.Fatalf("printable report: status %d", rec.Code)
	}

	rec = c.do(http.MethodGet, "/api/v1/reports/daily?date=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date: expected 400, got %d", rec.Code)
	}

	rec = c.do(http.MethodGet, "/api/v1/medications/export", nil)
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "code,name") {
		t.Fatalf("export: status %d body %q", rec.Code, rec.Body.String())
	}

	rec = c.do(http.MethodGet, "/api/v1/dashboard", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard: status %d", rec.Code)
	}
}

func TestReportsForbiddenForCashier(t *testing.T) {
	c := newTestClient(t, newTestAPI(t), "cashier", "cashier123")

	rec := c.do(http.MethodGet, "/api/v1/reports/daily", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestImportCatalogRawCSV(t *testing.T) {
	api := newTestAPI(t)
	c := newTestClient(t, api, "admin", "admin123")

	csvBody := "code,name,sale_price,stock_on_hand\nNEW-001,Zinc 20mg,1.50,30\n"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/medications/import", strings.NewReader(csvBody))
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-CSRF-Token", c.csrf)
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("import: status %d (%s)", rec.Code, rec.Body.String())
	}
	var result domain.ImportResult
	decodeBody(t, rec, &result)
	if result.Imported != 1 {
		t.Fatalf("expected 1 imported, got %+v", result)
	}
}
