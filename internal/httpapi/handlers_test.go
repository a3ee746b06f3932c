package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"martpos/backend/internal/cache"
	"martpos/backend/internal/service"
	"martpos/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopCatalogCache{}, time.Minute)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func loginToken(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d (body: %s)", username, rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("expected access_token for %s", username)
	}
	return token
}

func doJSON(handler http.Handler, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	var req *http.Request
	if payload != nil {
		encoded, _ := json.Marshal(payload)
		req = httptest.NewRequest(method, path, bytes.NewReader(encoded))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "clerk1",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_RateLimit(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	// The limiter allows 5 attempts per minute per client IP; httptest uses
	// a fixed RemoteAddr, so the sixth call must be rejected.
	var last int
	for i := 0; i < 6; i++ {
		rec := doJSON(handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": "clerk1",
			"password": "badpass",
		})
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on sixth attempt, got %d", last)
	}
}

func TestItemsRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(handler, http.MethodGet, "/api/v1/items", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestCommitSaleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "clerk1", "clerk123")

	rec := doJSON(handler, http.MethodPost, "/api/v1/transactions", token, map[string]any{
		"items": []map[string]any{{"code": "ITM001", "quantity": "5"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Transaction struct {
			SerialNumber string `json:"serial_number"`
			TotalAmount  string `json:"total_amount"`
			ClerkID      string `json:"clerk_id"`
			Items        []struct {
				ItemPrice string `json:"item_price"`
			} `json:"items"`
		} `json:"transaction"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Transaction.SerialNumber != "TXN000001" {
		t.Fatalf("expected serial TXN000001, got %s", body.Transaction.SerialNumber)
	}
	if body.Transaction.TotalAmount != "750" {
		t.Fatalf("expected total 750, got %s", body.Transaction.TotalAmount)
	}
	if body.Transaction.ClerkID != "clerk1" {
		t.Fatalf("expected clerk1, got %s", body.Transaction.ClerkID)
	}
	if len(body.Transaction.Items) != 1 || body.Transaction.Items[0].ItemPrice != "750" {
		t.Fatalf("unexpected sale lines: %+v", body.Transaction.Items)
	}

	lookup := doJSON(handler, http.MethodGet, "/api/v1/transactions/TXN000001", token, nil)
	if lookup.Code != http.StatusOK {
		t.Fatalf("expected 200 on lookup, got %d", lookup.Code)
	}
}

func TestCommitSaleOversellConflict(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "clerk1", "clerk123")

	rec := doJSON(handler, http.MethodPost, "/api/v1/transactions", token, map[string]any{
		"items": []map[string]any{{"code": "ITM002", "quantity": "31"}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversell, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCommitSaleUnknownCodeNotFound(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "clerk1", "clerk123")

	rec := doJSON(handler, http.MethodPost, "/api/v1/transactions", token, map[string]any{
		"items": []map[string]any{{"code": "ITM999", "quantity": "1"}},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown code, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCommitSaleForbiddenForEmployee(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "employee1", "emp123")

	rec := doJSON(handler, http.MethodPost, "/api/v1/transactions", token, map[string]any{
		"items": []map[string]any{{"code": "ITM001", "quantity": "1"}},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for employee checkout, got %d", rec.Code)
	}
}

func TestStatisticsManagerOnly(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	clerkToken := loginToken(t, handler, "clerk1", "clerk123")
	managerToken := loginToken(t, handler, "manager", "manager123")

	if rec := doJSON(handler, http.MethodPost, "/api/v1/transactions", clerkToken, map[string]any{
		"items": []map[string]any{{"code": "ITM001", "quantity": "5"}},
	}); rec.Code != http.StatusCreated {
		t.Fatalf("commit failed: %d", rec.Code)
	}

	if rec := doJSON(handler, http.MethodGet, "/api/v1/statistics?start_date=2026-01-01&end_date=2026-01-02", clerkToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk statistics, got %d", rec.Code)
	}

	today := time.Now().UTC().Format("2006-01-02")
	rec := doJSON(handler, http.MethodGet, "/api/v1/statistics?start_date="+today+"&end_date="+today, managerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Statistics []struct {
			Code          string `json:"code"`
			QuantitySold  string `json:"quantity_sold"`
			PriceRealized string `json:"price_realized"`
			Profit        string `json:"profit"`
		} `json:"statistics"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Statistics) != 1 || body.Statistics[0].Code != "ITM001" {
		t.Fatalf("unexpected statistics: %+v", body.Statistics)
	}
	if body.Statistics[0].Profit != "250" {
		t.Fatalf("expected profit 250, got %s", body.Statistics[0].Profit)
	}

	bad := doJSON(handler, http.MethodGet, "/api/v1/statistics?start_date=2026-02-02&end_date=2026-02-01", managerToken, nil)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", bad.Code)
	}
}

func TestInventoryAdjustmentRoles(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	employeeToken := loginToken(t, handler, "employee1", "emp123")
	clerkToken := loginToken(t, handler, "clerk1", "clerk123")

	rec := doJSON(handler, http.MethodPatch, "/api/v1/items/ITM004/inventory", employeeToken, map[string]any{
		"delta": "25",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Item struct {
			Quantity string `json:"quantity"`
		} `json:"item"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Item.Quantity != "100" {
		t.Fatalf("expected quantity 100 after +25 on 75, got %s", body.Item.Quantity)
	}

	if rec := doJSON(handler, http.MethodPatch, "/api/v1/items/ITM004/inventory", clerkToken, map[string]any{
		"delta": "5",
	}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk inventory adjust, got %d", rec.Code)
	}

	if rec := doJSON(handler, http.MethodPatch, "/api/v1/items/ITM004/inventory", employeeToken, map[string]any{
		"delta": "-500",
	}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for below-zero adjustment, got %d", rec.Code)
	}
}

func TestPriceUpdateManagerOnly(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	managerToken := loginToken(t, handler, "manager", "manager123")
	employeeToken := loginToken(t, handler, "employee1", "emp123")

	rec := doJSON(handler, http.MethodPatch, "/api/v1/items/ITM002/price", managerToken, map[string]any{
		"unit_price": "95",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	if rec := doJSON(handler, http.MethodPatch, "/api/v1/items/ITM002/price", employeeToken, map[string]any{
		"unit_price": "99",
	}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for employee price update, got %d", rec.Code)
	}

	history := doJSON(handler, http.MethodGet, "/api/v1/items/ITM002/price-history", managerToken, nil)
	if history.Code != http.StatusOK {
		t.Fatalf("expected 200 price history, got %d", history.Code)
	}
	var historyBody struct {
		History []struct {
			OldUnitPrice string `json:"old_unit_price"`
			NewUnitPrice string `json:"new_unit_price"`
		} `json:"history"`
	}
	if err := json.NewDecoder(history.Body).Decode(&historyBody); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(historyBody.History) != 1 || historyBody.History[0].NewUnitPrice != "95" {
		t.Fatalf("unexpected history: %+v", historyBody.History)
	}
}

func TestCreateItemManagerOnly(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	managerToken := loginToken(t, handler, "manager", "manager123")
	clerkToken := loginToken(t, handler, "clerk1", "clerk123")

	payload := map[string]any{
		"code":       "ITM006",
		"name":       "Eggs",
		"unit_price": "12",
		"cost_price": "8",
		"quantity":   "120",
		"unit":       "pieces",
	}

	if rec := doJSON(handler, http.MethodPost, "/api/v1/items", clerkToken, payload); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk item create, got %d", rec.Code)
	}

	rec := doJSON(handler, http.MethodPost, "/api/v1/items", managerToken, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	list := doJSON(handler, http.MethodGet, "/api/v1/items", clerkToken, nil)
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200 item list, got %d", list.Code)
	}
	var listBody struct {
		Items []struct {
			Code string `json:"code"`
		} `json:"items"`
	}
	if err := json.NewDecoder(list.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listBody.Items) != 6 {
		t.Fatalf("expected 6 items after create, got %d", len(listBody.Items))
	}
}

func TestAuditLogsManagerOnly(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	managerToken := loginToken(t, handler, "manager", "manager123")
	clerkToken := loginToken(t, handler, "clerk1", "clerk123")

	if rec := doJSON(handler, http.MethodPost, "/api/v1/transactions", clerkToken, map[string]any{
		"items": []map[string]any{{"code": "ITM005", "quantity": "2"}},
	}); rec.Code != http.StatusCreated {
		t.Fatalf("commit failed: %d", rec.Code)
	}

	if rec := doJSON(handler, http.MethodGet, "/api/v1/audit-logs", clerkToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk audit logs, got %d", rec.Code)
	}

	rec := doJSON(handler, http.MethodGet, "/api/v1/audit-logs", managerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Logs []struct {
			Action string `json:"action"`
		} `json:"logs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Logs) == 0 {
		t.Fatalf("expected at least one audit entry")
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(handler, http.MethodGet, "/healthz", "", nil)
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected nosniff header, got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected DENY frame options, got %q", got)
	}
}
