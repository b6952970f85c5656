package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gatehouse.dev/internal/auth"
)

const (
	adminEmail    = "root@example.com"
	adminPassword = "Sup3r!secret"
	testSecret    = "0123456789abcdef0123456789abcdef"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *auth.MemoryStore
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	ctx := context.Background()

	store := auth.NewMemoryStore()
	catalog, err := auth.DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog: %v", err)
	}
	if _, err := auth.Bootstrap(ctx, store, catalog, auth.AdminSeed{Email: adminEmail, Password: adminPassword}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	tokens, err := auth.NewTokenManager(store, testSecret, auth.WithTokenTTL(time.Hour))
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	invitations, err := auth.NewInvitationEngine(store)
	if err != nil {
		t.Fatalf("NewInvitationEngine: %v", err)
	}
	rbac, err := auth.NewRBACService(store, time.Second)
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}

	api := New(Deps{
		Version:       "test",
		Gateway:       auth.NewGateway(tokens),
		Tokens:        tokens,
		Invitations:   invitations,
		RBAC:          rbac,
		RateBurst:     100,
		RatePerSecond: 100,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), store: store, t: t}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) expect(resp *http.Response, code int) map[string]any {
	c.t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != code {
		var body bytes.Buffer
		_, _ = body.ReadFrom(resp.Body)
		c.t.Fatalf("%s %s: expected %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, code, resp.StatusCode, body.String())
	}
	out := map[string]any{}
	if code != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			c.t.Fatalf("decode response: %v", err)
		}
	}
	return out
}

func (c *apiClient) obtainToken(email, password string) string {
	c.t.Helper()
	body := c.expect(c.do(http.MethodPost, "/v1/auth/token", map[string]any{
		"email":    email,
		"password": password,
	}, ""), http.StatusOK)
	token, _ := body["access_token"].(string)
	if token == "" {
		c.t.Fatalf("empty token issued: %v", body)
	}
	if body["token_type"] != "Bearer" {
		c.t.Fatalf("unexpected token type: %v", body["token_type"])
	}
	return token
}

func (c *apiClient) roleID(token, name string) string {
	c.t.Helper()
	body := c.expect(c.do(http.MethodGet, "/v1/roles", nil, token), http.StatusOK)
	roles, _ := body["roles"].([]any)
	for _, raw := range roles {
		role := raw.(map[string]any)
		if role["name"] == name {
			return role["id"].(string)
		}
	}
	c.t.Fatalf("role %q not found", name)
	return ""
}

func stringList(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, item.(string))
	}
	return out
}

func TestInvitationFlow(t *testing.T) {
	c := newTestAPI(t)
	admin := c.obtainToken(adminEmail, adminPassword)
	basic := c.roleID(admin, "Basic User")

	created := c.expect(c.do(http.MethodPost, "/v1/invitations", map[string]any{
		"email":    "new@example.com",
		"role_ids": []string{basic},
	}, admin), http.StatusCreated)
	code, _ := created["code"].(string)
	if code == "" || created["status"] != "pending" {
		t.Fatalf("unexpected invitation: %v", created)
	}
	id := created["id"].(string)

	detail := c.expect(c.do(http.MethodGet, "/v1/invitations/"+id, nil, admin), http.StatusOK)
	if _, leaked := detail["code"]; leaked {
		t.Fatalf("detail must not expose the code: %v", detail)
	}

	lookup := c.expect(c.do(http.MethodGet, "/v1/invitations/code/"+code, nil, ""), http.StatusOK)
	if lookup["valid"] != true || lookup["email"] != "new@example.com" {
		t.Fatalf("unexpected lookup: %v", lookup)
	}

	registration := map[string]any{
		"email":                 "other@example.com",
		"password":              "N3w!password",
		"password_confirmation": "N3w!password",
		"full_name":             "New Member",
	}
	mismatch := c.expect(c.do(http.MethodPost, "/v1/invitations/redeem", map[string]any{
		"invitation_code": code,
		"registration":    registration,
	}, ""), http.StatusBadRequest)
	if _, ok := mismatch["fields"].(map[string]any)["email"]; !ok {
		t.Fatalf("expected email field error: %v", mismatch)
	}

	registration["email"] = "New@Example.com"
	redeemed := c.expect(c.do(http.MethodPost, "/v1/invitations/redeem", map[string]any{
		"invitation_code": code,
		"registration":    registration,
	}, ""), http.StatusCreated)
	user := redeemed["user"].(map[string]any)
	if user["status"] != "active" || user["email"] != "new@example.com" {
		t.Fatalf("unexpected user: %v", user)
	}
	if _, leaked := user["password_hash"]; leaked {
		t.Fatal("password hash must not be serialized")
	}

	again := c.expect(c.do(http.MethodPost, "/v1/invitations/redeem", map[string]any{
		"invitation_code": code,
		"registration":    registration,
	}, ""), http.StatusPreconditionFailed)
	if again["error"] != "invitation_not_pending" {
		t.Fatalf("unexpected second redeem: %v", again)
	}

	member := c.obtainToken("new@example.com", "N3w!password")
	perms := c.expect(c.do(http.MethodGet, "/v1/authz/permissions", nil, member), http.StatusOK)
	got := stringList(perms["permissions"])
	if len(got) != 2 || got[0] != auth.PermPermissionList || got[1] != auth.PermRoleList {
		t.Fatalf("unexpected permissions: %v", got)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	c := newTestAPI(t)

	for _, token := range []string{"", "garbage", "eyJhbGciOiJIUzI1NiJ9.e30.sig"} {
		body := c.expect(c.do(http.MethodGet, "/v1/roles", nil, token), http.StatusUnauthorized)
		if body["error"] != "unauthenticated" {
			t.Fatalf("unexpected 401 body: %v", body)
		}
	}

	c.expect(c.do(http.MethodGet, "/healthz", nil, ""), http.StatusOK)
	c.expect(c.do(http.MethodGet, "/readyz", nil, ""), http.StatusOK)
	c.expect(c.do(http.MethodGet, "/v1/invitations/code/UNKNOWN", nil, ""), http.StatusNotFound)
}

func TestTokenEndpointValidation(t *testing.T) {
	c := newTestAPI(t)

	c.expect(c.do(http.MethodPost, "/v1/auth/token", map[string]any{"email": adminEmail}, ""), http.StatusBadRequest)
	c.expect(c.do(http.MethodPost, "/v1/auth/token", map[string]any{"email": adminEmail, "password": "wrong"}, ""), http.StatusUnauthorized)
	c.expect(c.do(http.MethodPost, "/v1/auth/token", map[string]any{"email": "ghost@example.com", "password": "wrong"}, ""), http.StatusUnauthorized)
	c.expect(c.do(http.MethodPost, "/v1/auth/token", map[string]any{"email": adminEmail, "password": adminPassword, "extra": 1}, ""), http.StatusBadRequest)

	resp := c.do(http.MethodGet, "/v1/auth/token", nil, "")
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow header, got %q", resp.Header.Get("Allow"))
	}
	c.expect(resp, http.StatusMethodNotAllowed)
}

func (c *apiClient) createMember(admin, email, password string) string {
	c.t.Helper()
	basic := c.roleID(admin, "Basic User")
	c.expect(c.do(http.MethodPost, "/v1/users", map[string]any{
		"email":    email,
		"password": password,
		"role_ids": []string{basic},
	}, admin), http.StatusCreated)
	return c.obtainToken(email, password)
}

func TestAuthzCheckReportsMissing(t *testing.T) {
	c := newTestAPI(t)
	admin := c.obtainToken(adminEmail, adminPassword)
	member := c.createMember(admin, "member@example.com", "M3mber!pass")

	granted := c.expect(c.do(http.MethodPost, "/v1/authz/check", map[string]any{
		"operation":            "reports.export",
		"method":               "get",
		"required_permissions": []string{auth.PermRoleList},
	}, member), http.StatusOK)
	if granted["authorized"] != true || granted["method"] != "GET" {
		t.Fatalf("unexpected decision: %v", granted)
	}

	denied := c.expect(c.do(http.MethodPost, "/v1/authz/check", map[string]any{
		"operation":            "billing.refund",
		"required_permissions": []string{auth.PermRoleList, "billing.refund", "billing.refund"},
	}, member), http.StatusOK)
	if denied["authorized"] != false {
		t.Fatalf("expected denial: %v", denied)
	}
	if missing := stringList(denied["missing_permissions"]); len(missing) != 1 || missing[0] != "billing.refund" {
		t.Fatalf("unexpected missing set: %v", missing)
	}
}

func TestForbiddenCarriesMissingPermissions(t *testing.T) {
	c := newTestAPI(t)
	admin := c.obtainToken(adminEmail, adminPassword)
	member := c.createMember(admin, "member@example.com", "M3mber!pass")

	body := c.expect(c.do(http.MethodPost, "/v1/roles", map[string]any{"name": "Ops"}, member), http.StatusForbidden)
	if missing := stringList(body["missing_permissions"]); len(missing) != 1 || missing[0] != auth.PermRoleCreate {
		t.Fatalf("unexpected 403 body: %v", body)
	}
}

func TestLogoutAndRefresh(t *testing.T) {
	c := newTestAPI(t)
	first := c.obtainToken(adminEmail, adminPassword)

	refreshed := c.expect(c.do(http.MethodPost, "/v1/auth/refresh", nil, first), http.StatusOK)
	second, _ := refreshed["access_token"].(string)
	if second == "" || second == first {
		t.Fatalf("refresh must mint a new token: %v", refreshed)
	}
	c.expect(c.do(http.MethodGet, "/v1/authz/permissions", nil, first), http.StatusUnauthorized)

	c.expect(c.do(http.MethodPost, "/v1/auth/logout", nil, second), http.StatusNoContent)
	c.expect(c.do(http.MethodGet, "/v1/authz/permissions", nil, second), http.StatusUnauthorized)
}

func TestMeReturnsOwnAccount(t *testing.T) {
	c := newTestAPI(t)
	admin := c.obtainToken(adminEmail, adminPassword)
	member := c.createMember(admin, "member@example.com", "M3mber!pass")

	me := c.expect(c.do(http.MethodGet, "/v1/auth/me", nil, member), http.StatusOK)
	if me["email"] != "member@example.com" || me["status"] != "active" {
		t.Fatalf("unexpected account: %v", me)
	}
	if _, leaked := me["password_hash"]; leaked {
		t.Fatalf("password hash exposed: %v", me)
	}
	perms := stringList(me["permissions"])
	if len(perms) != 2 || perms[0] != auth.PermPermissionList || perms[1] != auth.PermRoleList {
		t.Fatalf("unexpected permissions: %v", perms)
	}

	c.expect(c.do(http.MethodGet, "/v1/auth/me", nil, ""), http.StatusUnauthorized)
	c.expect(c.do(http.MethodPost, "/v1/auth/me", nil, member), http.StatusMethodNotAllowed)

	c.expect(c.do(http.MethodDelete, "/v1/users/"+me["id"].(string), nil, admin), http.StatusOK)
	c.expect(c.do(http.MethodGet, "/v1/auth/me", nil, member), http.StatusUnauthorized)
}

func TestChangePassword(t *testing.T) {
	c := newTestAPI(t)
	admin := c.obtainToken(adminEmail, adminPassword)
	member := c.createMember(admin, "member@example.com", "M3mber!pass")

	wrong := c.expect(c.do(http.MethodPost, "/v1/auth/change-password", map[string]any{
		"current_password":          "Wr0ng!pass",
		"new_password":              "N3w!secret",
		"new_password_confirmation": "N3w!secret",
	}, member), http.StatusBadRequest)
	if _, ok := wrong["fields"].(map[string]any)["current_password"]; !ok {
		t.Fatalf("expected current_password field error: %v", wrong)
	}

	weak := c.expect(c.do(http.MethodPost, "/v1/auth/change-password", map[string]any{
		"current_password":          "M3mber!pass",
		"new_password":              "password",
		"new_password_confirmation": "password",
	}, member), http.StatusBadRequest)
	if _, ok := weak["fields"].(map[string]any)["new_password"]; !ok {
		t.Fatalf("expected new_password field error: %v", weak)
	}

	c.expect(c.do(http.MethodPost, "/v1/auth/change-password", map[string]any{
		"current_password":          "M3mber!pass",
		"new_password":              "N3w!secret",
		"new_password_confirmation": "N3w!secret",
	}, ""), http.StatusUnauthorized)

	c.expect(c.do(http.MethodPost, "/v1/auth/change-password", map[string]any{
		"current_password":          "M3mber!pass",
		"new_password":              "N3w!secret",
		"new_password_confirmation": "N3w!secret",
	}, member), http.StatusNoContent)

	c.expect(c.do(http.MethodPost, "/v1/auth/token", map[string]any{
		"email":    "member@example.com",
		"password": "M3mber!pass",
	}, ""), http.StatusUnauthorized)
	c.obtainToken("member@example.com", "N3w!secret")
}
