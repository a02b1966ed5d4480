package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"

	"github.com/MarkoPoloResearchLab/creditgate/internal/catalog"
	"github.com/MarkoPoloResearchLab/creditgate/internal/metrics"
	"github.com/MarkoPoloResearchLab/creditgate/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/notify"
)

const testSigningKey = "secret-key"

type testEnvironment struct {
	server  *httptest.Server
	service *ledger.Service
	hub     *notify.Hub
}

func testConfig() Config {
	cfg := Config{
		AllowedOrigins:    []string{"http://localhost:8000"},
		SessionSigningKey: testSigningKey,
		RequestTimeout:    2 * time.Second,
		StreamKeepAlive:   time.Minute,
	}
	return cfg
}

// claimsMiddleware stands in for the session validator and trusts the X-Test-User header.
func claimsMiddleware(ctx *gin.Context) {
	if userID := ctx.GetHeader("X-Test-User"); userID != "" {
		ctx.Set(claimsContextKey, &sessionvalidator.Claims{UserID: userID})
	}
	ctx.Next()
}

func startServer(test *testing.T, authMiddleware gin.HandlerFunc, options ...ledger.ServiceOption) *testEnvironment {
	test.Helper()
	cfg := testConfig()
	hub := notify.NewHub()
	var clock atomic.Int64
	clock.Store(1700000000)
	options = append(options, ledger.WithPublisher(hub))
	service, err := ledger.NewService(memstore.New(), func() int64 { return clock.Add(1) }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	prices, err := catalog.ParseStatic(catalog.DefaultPrices)
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}
	handler, err := NewHandler(cfg, service, prices, hub, nil)
	if err != nil {
		test.Fatalf("handler: %v", err)
	}
	if authMiddleware == nil {
		authMiddleware = claimsMiddleware
	}
	server := httptest.NewServer(NewRouter(handler, authMiddleware, metrics.NewCollector().Handler()))
	test.Cleanup(func() {
		server.Close()
		_ = hub.Close()
	})
	return &testEnvironment{server: server, service: service, hub: hub}
}

func (environment *testEnvironment) grant(test *testing.T, owner string, amount int64) {
	test.Helper()
	ownerID, err := ledger.NewOwnerID(owner)
	if err != nil {
		test.Fatalf("owner: %v", err)
	}
	credits, err := ledger.NewPositiveCredits(amount)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	grantKey, err := ledger.NewGrantKey("seed-" + owner)
	if err != nil {
		test.Fatalf("grant key: %v", err)
	}
	if _, err := environment.service.Grant(context.Background(), ownerID, credits, grantKey, "seed"); err != nil {
		test.Fatalf("grant failed: %v", err)
	}
}

func (environment *testEnvironment) do(test *testing.T, method string, path string, user string, payload any) (int, map[string]any) {
	test.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			test.Fatalf("encode: %v", err)
		}
	}
	request, err := http.NewRequest(method, environment.server.URL+path, &body)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if user != "" {
		request.Header.Set("X-Test-User", user)
	}
	response, err := environment.server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	decoded := map[string]any{}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		test.Fatalf("decode failed: %v", err)
	}
	return response.StatusCode, decoded
}

func errorCode(test *testing.T, body map[string]any) string {
	test.Helper()
	envelope, ok := body["error"].(map[string]any)
	if !ok {
		test.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := envelope["code"].(string)
	return code
}

func TestPurchaseUnlocksOnceAndDebitsCatalogPrice(test *testing.T) {
	test.Parallel()
	environment := startServer(test, nil)
	environment.grant(test, "user-1", 12)

	payload := map[string]any{"item_id": "wb-42", "item_type": "WORKBOOK", "metadata": map[string]any{"source": "test"}}
	status, body := environment.do(test, http.MethodPost, "/api/purchases", "user-1", payload)
	if status != http.StatusOK {
		test.Fatalf("purchase status=%d body=%v", status, body)
	}
	if body["new_balance"] != float64(7) || body["already_owned"] != false || body["cost"] != float64(5) {
		test.Fatalf("unexpected purchase body %v", body)
	}

	status, body = environment.do(test, http.MethodPost, "/api/purchases", "user-1", payload)
	if status != http.StatusOK || body["already_owned"] != true || body["new_balance"] != float64(7) {
		test.Fatalf("unexpected repeat status=%d body=%v", status, body)
	}

	status, body = environment.do(test, http.MethodGet, "/api/purchases/workbook/wb-42", "user-1", nil)
	if status != http.StatusOK || body["purchased"] != true {
		test.Fatalf("unexpected ownership status=%d body=%v", status, body)
	}

	status, body = environment.do(test, http.MethodGet, "/api/purchases", "user-1", nil)
	if status != http.StatusOK {
		test.Fatalf("list status=%d", status)
	}
	purchases, _ := body["purchases"].([]any)
	if len(purchases) != 1 {
		test.Fatalf("expected one purchase, got %v", body)
	}

	status, body = environment.do(test, http.MethodGet, "/api/transactions", "user-1", nil)
	if status != http.StatusOK {
		test.Fatalf("history status=%d", status)
	}
	transactions, _ := body["transactions"].([]any)
	if len(transactions) != 2 {
		test.Fatalf("expected grant and purchase in history, got %v", body)
	}

	status, body = environment.do(test, http.MethodGet, "/api/transactions?limit=1", "user-1", nil)
	firstPage, _ := body["transactions"].([]any)
	if status != http.StatusOK || len(firstPage) != 1 {
		test.Fatalf("unexpected first page status=%d body=%v", status, body)
	}
	newest, _ := firstPage[0].(map[string]any)
	nextPath := fmt.Sprintf("/api/transactions?limit=1&before=%d&before_sequence=%d",
		int64(newest["created_unix_utc"].(float64)), int64(newest["sequence"].(float64)))
	status, body = environment.do(test, http.MethodGet, nextPath, "user-1", nil)
	secondPage, _ := body["transactions"].([]any)
	if status != http.StatusOK || len(secondPage) != 1 {
		test.Fatalf("unexpected second page status=%d body=%v", status, body)
	}
	if older, _ := secondPage[0].(map[string]any); older["reason"] != ledger.ReasonGrant {
		test.Fatalf("expected the grant on the second page, got %v", older)
	}
}

func TestPurchaseErrorsMapToStatusCodes(test *testing.T) {
	test.Parallel()
	environment := startServer(test, nil)
	environment.grant(test, "user-2", 3)

	testCases := []struct {
		name       string
		user       string
		payload    map[string]any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "insufficient credit",
			user:       "user-2",
			payload:    map[string]any{"item_id": "wb-1", "item_type": "WORKBOOK"},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   string(ledger.KindInsufficientCredit),
		},
		{
			name:       "unknown item type",
			user:       "user-2",
			payload:    map[string]any{"item_id": "wb-1", "item_type": "VIDEO"},
			wantStatus: http.StatusBadRequest,
			wantCode:   string(ledger.KindInvalidArgument),
		},
		{
			name:       "missing item id",
			user:       "user-2",
			payload:    map[string]any{"item_type": "PROMPT"},
			wantStatus: http.StatusBadRequest,
			wantCode:   string(ledger.KindInvalidArgument),
		},
		{
			name:       "missing session",
			payload:    map[string]any{"item_id": "wb-1", "item_type": "WORKBOOK"},
			wantStatus: http.StatusUnauthorized,
			wantCode:   errorCodeUnauthorized,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			status, body := environment.do(test, http.MethodPost, "/api/purchases", testCase.user, testCase.payload)
			if status != testCase.wantStatus {
				test.Fatalf("status=%d want %d body=%v", status, testCase.wantStatus, body)
			}
			if code := errorCode(test, body); code != testCase.wantCode {
				test.Fatalf("code=%s want %s", code, testCase.wantCode)
			}
		})
	}

	status, body := environment.do(test, http.MethodPost, "/api/purchases", "user-2", map[string]any{"item_id": "wb-1", "item_type": "WORKBOOK"})
	if status != http.StatusPaymentRequired || body["required"] != float64(5) || body["available"] != float64(3) {
		test.Fatalf("expected amounts on insufficient credit, got status=%d body=%v", status, body)
	}
	status, body = environment.do(test, http.MethodGet, "/api/balance", "user-2", nil)
	if status != http.StatusOK || body["balance"] != float64(3) {
		test.Fatalf("balance changed after rejected purchase: status=%d body=%v", status, body)
	}
}

type denyAllDirectory struct{}

func (denyAllDirectory) OwnerExists(context.Context, ledger.OwnerID) (bool, error) {
	return false, nil
}

func TestUnknownOwnerIsForbidden(test *testing.T) {
	test.Parallel()
	environment := startServer(test, nil, ledger.WithOwnerDirectory(denyAllDirectory{}))
	status, body := environment.do(test, http.MethodGet, "/api/balance", "ghost", nil)
	if status != http.StatusForbidden || errorCode(test, body) != string(ledger.KindUnknownOwner) {
		test.Fatalf("unexpected status=%d body=%v", status, body)
	}
}

func TestSessionCookieResolvesOwner(test *testing.T) {
	test.Parallel()
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		test.Fatalf("config: %v", err)
	}
	sessionMiddleware, err := NewSessionMiddleware(cfg)
	if err != nil {
		test.Fatalf("session middleware: %v", err)
	}
	environment := startServer(test, sessionMiddleware)
	environment.grant(test, "demo-user", 9)

	claims := &sessionvalidator.Claims{
		UserID:          "demo-user",
		UserEmail:       "demo@example.com",
		UserDisplayName: "Demo",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}

	request, err := http.NewRequest(http.MethodGet, environment.server.URL+"/api/balance", nil)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	request.AddCookie(&http.Cookie{Name: cfg.SessionCookieName, Value: signed})
	response, err := environment.server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	var payload balancePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		test.Fatalf("decode failed: %v", err)
	}
	if response.StatusCode != http.StatusOK || payload.Balance != 9 || payload.Owner != "demo-user" {
		test.Fatalf("unexpected status=%d payload=%+v", response.StatusCode, payload)
	}

	anonymous, err := environment.server.Client().Get(environment.server.URL + "/api/balance")
	if err != nil {
		test.Fatalf("anonymous request failed: %v", err)
	}
	defer anonymous.Body.Close()
	if anonymous.StatusCode != http.StatusUnauthorized {
		test.Fatalf("expected 401 without a session, got %d", anonymous.StatusCode)
	}
}

func TestBalanceStreamPushesSnapshotAndChanges(test *testing.T) {
	test.Parallel()
	environment := startServer(test, nil)
	environment.grant(test, "user-3", 12)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, environment.server.URL+"/api/balance/stream", nil)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	request.Header.Set("X-Test-User", "user-3")
	response, err := environment.server.Client().Do(request)
	if err != nil {
		test.Fatalf("stream request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		test.Fatalf("stream status=%d", response.StatusCode)
	}

	reader := bufio.NewReader(response.Body)
	snapshot := readBalanceEvent(test, reader)
	if snapshot.Balance != 12 {
		test.Fatalf("expected snapshot 12, got %+v", snapshot)
	}

	status, body := environment.do(test, http.MethodPost, "/api/purchases", "user-3", map[string]any{"item_id": "p-1", "item_type": "PROMPT"})
	if status != http.StatusOK {
		test.Fatalf("purchase status=%d body=%v", status, body)
	}
	update := readBalanceEvent(test, reader)
	if update.Balance != 11 || update.Reason != ledger.ReasonPurchase {
		test.Fatalf("unexpected update %+v", update)
	}
}

func readBalanceEvent(test *testing.T, reader *bufio.Reader) balancePayload {
	test.Helper()
	currentEvent := ""
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			test.Fatalf("stream read failed: %v", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event:"):
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:") && currentEvent == eventBalance:
			var payload balancePayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				test.Fatalf("event decode failed: %v", err)
			}
			return payload
		}
	}
}

func TestHealthAndMetricsArePublic(test *testing.T) {
	test.Parallel()
	environment := startServer(test, nil)
	for _, path := range []string{"/healthz", "/metrics"} {
		response, err := environment.server.Client().Get(environment.server.URL + path)
		if err != nil {
			test.Fatalf("%s request failed: %v", path, err)
		}
		_ = response.Body.Close()
		if response.StatusCode != http.StatusOK {
			test.Fatalf("%s status=%d", path, response.StatusCode)
		}
	}
}

func TestNewHandlerAppliesConfigDefaults(test *testing.T) {
	test.Parallel()
	service, err := ledger.NewService(memstore.New(), func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	prices, err := catalog.ParseStatic(catalog.DefaultPrices)
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}

	if _, err := NewHandler(Config{}, service, prices, nil, nil); err == nil {
		test.Fatalf("expected missing signing key to be rejected")
	}
	handler, err := NewHandler(Config{SessionSigningKey: testSigningKey}, service, prices, nil, nil)
	if err != nil {
		test.Fatalf("handler: %v", err)
	}
	if handler.cfg.RequestTimeout != defaultRequestTimeout || handler.cfg.StreamKeepAlive != defaultStreamKeepAlive {
		test.Fatalf("expected default timeouts, got %+v", handler.cfg)
	}
	if len(handler.cfg.AllowedOrigins) != 1 || handler.cfg.AllowedOrigins[0] != defaultAllowedOrigin {
		test.Fatalf("expected default origin, got %v", handler.cfg.AllowedOrigins)
	}
	if NewRouter(handler, claimsMiddleware, nil) == nil {
		test.Fatalf("expected a router")
	}
}

func TestConfigValidate(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		test.Fatalf("expected missing signing key to fail")
	}
	cfg = Config{SessionSigningKey: "k"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if cfg.SessionCookieName != defaultSessionCookie || cfg.RequestTimeout != defaultRequestTimeout || len(cfg.AllowedOrigins) != 1 {
		test.Fatalf("defaults not applied: %+v", cfg)
	}
	origins := ParseAllowedOrigins(" http://a.test , ,http://b.test")
	if len(origins) != 2 || origins[0] != "http://a.test" || origins[1] != "http://b.test" {
		test.Fatalf("unexpected origins %v", origins)
	}
}
