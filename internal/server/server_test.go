package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/paygoback/streampay/internal/config"
	"github.com/paygoback/streampay/internal/zcash"
	"github.com/shopspring/decimal"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const custodialWallet = "t1PoolPoolPoolPoolPoolPoolPoolPoolP"

// fakeChain implements ChainGateway for testing
type fakeChain struct {
	funded map[string]decimal.Decimal
}

func newFakeChain() *fakeChain {
	return &fakeChain{funded: make(map[string]decimal.Decimal)}
}

func (f *fakeChain) fund(wallet string, amount string) {
	f.funded[wallet] = decimal.RequireFromString(amount)
}

func (f *fakeChain) ValidateAddress(ctx context.Context, addr string) (bool, error) {
	return strings.HasPrefix(addr, "t1") && len(addr) == 35, nil
}

func (f *fakeChain) CheckPaymentReceived(ctx context.Context, from, to string) (decimal.Decimal, error) {
	return f.funded[from], nil
}

func (f *fakeChain) GetBalance(ctx context.Context, addr string) (*zcash.Balance, error) {
	bal := f.funded[addr]
	return &zcash.Balance{Transparent: bal, Total: bal}, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Host:                   "127.0.0.1",
		Port:                   "0",
		Env:                    "development",
		LogLevel:               "error",
		LogFmt:                 "text",
		ZcashServiceWallet:     custodialWallet,
		ZcashMinConfirmations:  1,
		BillingIntervalSeconds: 60,
		DefaultDurationDays:    30,
	}
}

// newTestServer creates a server with a fake chain gateway
func newTestServer(t *testing.T) (*Server, *fakeChain) {
	t.Helper()
	chain := newFakeChain()
	s, err := New(testConfig(), WithChainGateway(chain))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s, chain
}

func postJSON(s *Server, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)
	return w
}

func getJSON(t *testing.T, s *Server, path string, wantCode int) map[string]interface{} {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, nil)
	s.router.ServeHTTP(w, req)

	if w.Code != wantCode {
		t.Fatalf("GET %s: expected %d, got %d: %s", path, wantCode, w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	return resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	resp := getJSON(t, s, "/health", http.StatusOK)

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
	if resp["version"] == "" {
		t.Error("Expected a version in the health response")
	}
	// In-memory mode registers no checks, so the checks map is omitted.
	if _, present := resp["checks"]; present {
		t.Errorf("Expected no checks without a database, got %v", resp["checks"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestPermissionRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	routes := s.router.Routes()
	permissionRoutes := map[string]bool{
		"POST:/v1/permissions":                false,
		"POST:/v1/permissions/:id/verify":     false,
		"GET:/v1/permissions/:id":             false,
		"POST:/v1/permissions/:id/revoke":     false,
		"GET:/v1/permissions/wallet/:address": false,
		"GET:/v1/balance/:address":            false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := permissionRoutes[key]; ok {
			permissionRoutes[key] = true
		}
	}

	for route, found := range permissionRoutes {
		if !found {
			t.Errorf("Permission route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws/events",
		"POST:/v1/sessions",
		"POST:/v1/sessions/activate",
		"POST:/v1/sessions/end",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Info endpoint tests
// ---------------------------------------------------------------------------

func TestInfoEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	resp := getJSON(t, s, "/", http.StatusOK)

	if resp["name"] != "StreamPay" {
		t.Errorf("Expected name 'StreamPay', got %v", resp["name"])
	}
	if resp["currency"] != "ZEC" {
		t.Errorf("Expected currency 'ZEC', got %v", resp["currency"])
	}
}

func TestPlatformEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	resp := getJSON(t, s, "/platform", http.StatusOK)

	platform, ok := resp["platform"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected platform object, got %T", resp["platform"])
	}
	if platform["custodial_wallet"] != custodialWallet {
		t.Errorf("Expected custodial wallet %s, got %v", custodialWallet, platform["custodial_wallet"])
	}
	if platform["fallback_enabled"] != false {
		t.Errorf("Expected fallback_enabled false, got %v", platform["fallback_enabled"])
	}
}

// ---------------------------------------------------------------------------
// Permission purchase flow
// ---------------------------------------------------------------------------

func TestPermissionPurchaseFlow(t *testing.T) {
	s, chain := newTestServer(t)
	userWallet := "t1UserUserUserUserUserUserUserUserU"

	// Purchase: returns funding instructions
	body := fmt.Sprintf(`{"user_wallet_address":%q,"requested_amount":"25.00","rate_per_hour":"5.00"}`, userWallet)
	w := postJSON(s, "/v1/permissions", body)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created struct {
		PermissionID   string `json:"permission_id"`
		PaymentAddress string `json:"payment_address"`
		AmountToPay    string `json:"amount_to_pay"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if created.PermissionID == "" {
		t.Fatal("Expected permission_id in response")
	}
	if created.PaymentAddress != custodialWallet {
		t.Errorf("Expected payment address %s, got %s", custodialWallet, created.PaymentAddress)
	}

	// Verify before funding fails
	w = postJSON(s, "/v1/permissions/"+created.PermissionID+"/verify", "")
	if w.Code == http.StatusOK {
		t.Fatal("Expected verify to fail before funding")
	}

	// Fund the custodial wallet and verify again
	chain.fund(userWallet, "25.00")
	w = postJSON(s, "/v1/permissions/"+created.PermissionID+"/verify", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 after funding, got %d: %s", w.Code, w.Body.String())
	}

	var verified struct {
		Permission struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"permission"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &verified); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if verified.Permission.Status != "active" {
		t.Errorf("Expected active permission, got %s", verified.Permission.Status)
	}

	// Wallet lookup resolves the active permission
	resp := getJSON(t, s, "/v1/permissions/wallet/"+userWallet, http.StatusOK)
	perm, ok := resp["permission"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected permission object, got %T", resp["permission"])
	}
	if perm["id"] != created.PermissionID {
		t.Errorf("Expected permission %s, got %v", created.PermissionID, perm["id"])
	}
}

// ---------------------------------------------------------------------------
// Session flow through the full stack
// ---------------------------------------------------------------------------

func TestSessionRequiresActivePermission(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"user_wallet_address":"t1UserUserUserUserUserUserUserUserU","vendor_id":"demo-video"}`
	w := postJSON(s, "/v1/sessions", body)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["error"] != "no_active_permission" {
		t.Errorf("Expected no_active_permission, got %v", resp["error"])
	}
}

func TestSessionFlowWithDemoVendor(t *testing.T) {
	s, chain := newTestServer(t)
	userWallet := "t1UserUserUserUserUserUserUserUserU"

	// Buy and fund a permission
	body := fmt.Sprintf(`{"user_wallet_address":%q,"requested_amount":"25.00","rate_per_hour":"10.00"}`, userWallet)
	w := postJSON(s, "/v1/permissions", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		PermissionID string `json:"permission_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	chain.fund(userWallet, "25.00")
	if w = postJSON(s, "/v1/permissions/"+created.PermissionID+"/verify", ""); w.Code != http.StatusOK {
		t.Fatalf("Expected 200 verify, got %d: %s", w.Code, w.Body.String())
	}

	// Create a session against the static demo vendor
	body = fmt.Sprintf(`{"user_wallet_address":%q,"vendor_id":"demo-video"}`, userWallet)
	w = postJSON(s, "/v1/sessions", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var session struct {
		SessionCode string `json:"session_code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &session); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if session.SessionCode == "" {
		t.Fatal("Expected session_code in response")
	}

	// Activate by code
	w = postJSON(s, "/v1/sessions/activate", fmt.Sprintf(`{"session_code":%q}`, session.SessionCode))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 activate, got %d: %s", w.Code, w.Body.String())
	}
	var activated struct {
		Status   string `json:"status"`
		VendorID string `json:"vendor_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &activated); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if activated.Status != "active" {
		t.Errorf("Expected active session, got %s", activated.Status)
	}
	if activated.VendorID != "demo-video" {
		t.Errorf("Expected demo-video vendor, got %s", activated.VendorID)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
