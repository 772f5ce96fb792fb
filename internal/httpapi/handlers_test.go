package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/service"
	"qrcheckout/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, service.Config{
		BankAccount: "0123456789",
		BankName:    "Vietcombank",
	})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)
	return New(svc, auth, "*")
}

type requestOptions struct {
	token   string
	csrf    string
	headers map[string]string
	remote  string
}

func doJSON(t *testing.T, h http.Handler, method, path string, payload any, opts requestOptions) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	switch p := payload.(type) {
	case nil:
		body = bytes.NewReader(nil)
	case string:
		body = bytes.NewReader([]byte(p))
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if opts.token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.token)
	}
	if opts.csrf != "" {
		req.Header.Set("X-CSRF-Token", opts.csrf)
	}
	for k, v := range opts.headers {
		req.Header.Set(k, v)
	}
	if opts.remote != "" {
		req.RemoteAddr = opts.remote
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (raw %q)", err, rec.Body.String())
	}
	return out
}

func checkoutPayload(method domain.PaymentMethod) map[string]any {
	return map[string]any{
		"items": []map[string]any{
			{"productRef": "ao-khoac", "productName": "Ao khoac", "quantity": 2, "unitPrice": 900000},
		},
		"customer": map[string]any{
			"fullName":      "Nguyen Van A",
			"phone":         "0901234567",
			"city":          "Ho Chi Minh",
			"district":      "Quan 1",
			"ward":          "Ben Nghe",
			"streetAddress": "12 Le Loi",
		},
		"paymentMethod": method,
		"finalAmount":   "1",
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/healthz", nil, requestOptions{})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestTransferCheckoutEndToEnd(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, h, http.MethodPost, "/orders", checkoutPayload(domain.PaymentMethodTransfer), requestOptions{csrf: csrf})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	created := decodeBody[domain.CreateOrderResponse](t, rec)
	if created.FinalAmount != 1_850_000 {
		t.Fatalf("server must recompute the total, got %d", created.FinalAmount)
	}

	rec = doJSON(t, h, http.MethodPost, "/payment/sessions", domain.PaymentSessionRequest{
		OrderID:     created.OrderID,
		Amount:      created.FinalAmount,
		OrderCode:   created.OrderCode,
		Description: created.OrderCode,
	}, requestOptions{csrf: csrf})
	if rec.Code != http.StatusOK {
		t.Fatalf("issue session: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	session := decodeBody[domain.PaymentSession](t, rec)
	if !strings.Contains(session.QRURL, "amount=1850000") || !strings.HasSuffix(session.QRURL, "des="+created.OrderCode) {
		t.Fatalf("unexpected qr url %s", session.QRURL)
	}

	rec = doJSON(t, h, http.MethodGet, "/payment/status?orderCode="+created.OrderCode, nil, requestOptions{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store, no-cache, must-revalidate" {
		t.Fatalf("unexpected Cache-Control %q", got)
	}
	if rec.Header().Get("Pragma") != "no-cache" || rec.Header().Get("Expires") != "0" {
		t.Fatalf("missing no-cache headers: %v", rec.Header())
	}
	status := decodeBody[domain.PaymentStatusResponse](t, rec)
	if status.PaymentStatus != domain.PaymentStatusUnpaid {
		t.Fatalf("expected unpaid, got %s", status.PaymentStatus)
	}

	feedToken := login(t, api, "bank-feed", "settlement123")
	rec = doJSON(t, h, http.MethodPost, "/settlements/webhook", map[string]any{
		"id":              92704,
		"gateway":         "Vietcombank",
		"transactionDate": "2026-10-17 10:15:00",
		"accountNumber":   "0123456789",
		"content":         "MBVCB.1234 " + created.OrderCode + " CHUYEN TIEN",
		"transferType":    "in",
		"transferAmount":  created.FinalAmount,
		"referenceCode":   "FT26290123",
	}, requestOptions{token: feedToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/payment/status?orderCode="+created.OrderCode, nil, requestOptions{})
	status = decodeBody[domain.PaymentStatusResponse](t, rec)
	if status.PaymentStatus != domain.PaymentStatusPaid || status.Order == nil || status.Order.OrderCode != created.OrderCode {
		t.Fatalf("expected paid status for %s, got %+v", created.OrderCode, status)
	}

	rec = doJSON(t, h, http.MethodGet, "/orders/"+created.OrderCode, nil, requestOptions{})
	if rec.Code != http.StatusOK {
		t.Fatalf("order summary: expected 200, got %d", rec.Code)
	}
	summary := decodeBody[map[string]any](t, rec)
	if _, leaked := summary["orderId"]; leaked {
		t.Fatalf("summary must not expose the internal id: %v", summary)
	}
	if summary["paymentStatus"] != string(domain.PaymentStatusPaid) {
		t.Fatalf("expected paid summary, got %v", summary)
	}
}

func TestCreateOrderHonorsIdempotencyHeader(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()
	csrf := fetchCSRFToken(t, api)
	opts := requestOptions{csrf: csrf, headers: map[string]string{IdempotencyKeyHeader: "attempt-7f3a"}}

	first := doJSON(t, h, http.MethodPost, "/orders", checkoutPayload(domain.PaymentMethodCOD), opts)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", first.Code, first.Body.String())
	}
	second := doJSON(t, h, http.MethodPost, "/orders", checkoutPayload(domain.PaymentMethodCOD), opts)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 for replay, got %d", second.Code)
	}

	a := decodeBody[domain.CreateOrderResponse](t, first)
	b := decodeBody[domain.CreateOrderResponse](t, second)
	if !b.Duplicate || a.OrderCode != b.OrderCode {
		t.Fatalf("expected replay of %s, got %+v", a.OrderCode, b)
	}
}

func TestCreateOrderValidationReportsField(t *testing.T) {
	api := newTestAPI(t)
	csrf := fetchCSRFToken(t, api)

	payload := checkoutPayload(domain.PaymentMethodTransfer)
	payload["customer"].(map[string]any)["phone"] = "  "
	rec := doJSON(t, api.Handler(), http.MethodPost, "/orders", payload, requestOptions{csrf: csrf})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["code"] != codeValidation || body["field"] != "phone" {
		t.Fatalf("expected phone validation error, got %v", body)
	}

	payload = checkoutPayload(domain.PaymentMethodTransfer)
	payload["items"] = []map[string]any{}
	rec = doJSON(t, api.Handler(), http.MethodPost, "/orders", payload, requestOptions{csrf: csrf})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty selection, got %d", rec.Code)
	}
}

func TestPaymentStatusErrors(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()

	rec := doJSON(t, h, http.MethodGet, "/payment/status?orderCode=abc", nil, requestOptions{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed code, got %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") == "" {
		t.Fatalf("error responses must also carry no-cache headers")
	}

	rec = doJSON(t, h, http.MethodGet, "/payment/status?orderCode=DH01JB3K9Q2ZX4T7PA", nil, requestOptions{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown code, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["success"] != false {
		t.Fatalf("expected success=false, got %v", body)
	}
}

func TestIssueSessionForCODConflicts(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, h, http.MethodPost, "/orders", checkoutPayload(domain.PaymentMethodCOD), requestOptions{csrf: csrf})
	created := decodeBody[domain.CreateOrderResponse](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/payment/sessions", domain.PaymentSessionRequest{OrderID: created.OrderID}, requestOptions{csrf: csrf})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["code"] != codeInvalidState {
		t.Fatalf("expected invalid_order_state code, got %v", body)
	}
}

func TestSettlementWebhookRequiresSettlementRole(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()
	payload := map[string]any{"id": 1, "gateway": "Vietcombank", "transferType": "in", "transferAmount": 1000}

	if rec := doJSON(t, h, http.MethodPost, "/settlements/webhook", payload, requestOptions{}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	adminToken := login(t, api, "admin", "admin123")
	if rec := doJSON(t, h, http.MethodPost, "/settlements/webhook", payload, requestOptions{token: adminToken}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for admin role, got %d", rec.Code)
	}
}

func TestSettlementWebhookToleratesUnknownFields(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "bank-feed", "settlement123")

	rec := doJSON(t, api.Handler(), http.MethodPost, "/settlements/webhook",
		`{"id":55,"gateway":"MBBank","accountNumber":"0123456789","transferType":"in","transferAmount":5000,"content":"hello","bankBranch":"HN"}`,
		requestOptions{token: token})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	body := decodeBody[struct {
		Settlement domain.SettlementResponse `json:"settlement"`
	}](t, rec)
	if body.Settlement.Outcome != domain.SettlementUnmatched {
		t.Fatalf("expected unmatched, got %s", body.Settlement.Outcome)
	}
}

func TestManualSettlementNeedsManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()
	csrf := fetchCSRFToken(t, api)
	token := login(t, api, "admin", "admin123")

	rec := doJSON(t, h, http.MethodPost, "/orders", checkoutPayload(domain.PaymentMethodTransfer), requestOptions{csrf: csrf})
	created := decodeBody[domain.CreateOrderResponse](t, rec)

	req := domain.ManualSettlementRequest{OrderCode: created.OrderCode, Reference: "FT26290999", ManagerPIN: "000000"}
	rec = doJSON(t, h, http.MethodPost, "/admin/settlements", req, requestOptions{token: token, csrf: csrf})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong PIN, got %d", rec.Code)
	}

	req.ManagerPIN = "123456"
	rec = doJSON(t, h, http.MethodPost, "/admin/settlements", req, requestOptions{token: token, csrf: csrf})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/admin/orders/"+created.OrderCode+"/settlements", nil, requestOptions{token: token})
	if rec.Code != http.StatusOK {
		t.Fatalf("list settlements: expected 200, got %d", rec.Code)
	}
	list := decodeBody[struct {
		Settlements []domain.Settlement `json:"settlements"`
	}](t, rec)
	if len(list.Settlements) != 1 || list.Settlements[0].Outcome != domain.SettlementApplied || list.Settlements[0].RecordedBy != "admin" {
		t.Fatalf("unexpected settlements %+v", list.Settlements)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()

	if rec := doJSON(t, h, http.MethodGet, "/nope", nil, requestOptions{}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodDelete, "/orders", nil, requestOptions{}); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
