package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"gatekeep.org/internal/auth"
	"gatekeep.org/internal/denylist"
	"gatekeep.org/internal/store/memory"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	store *memory.Store
	svc   *auth.Service
	rbac  *auth.RBACService
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	store := memory.New()
	dl := denylist.NewMemory(denylist.WithLogger(quietLogger()))
	authority, err := auth.NewAuthority("test-secret", auth.WithAccessTTL(time.Minute), auth.WithRefreshTTL(time.Hour))
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	svc, err := auth.NewService(store, authority, dl, auth.WithBcryptCost(4), auth.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	rbac, err := auth.NewRBACService(store, quietLogger())
	if err != nil {
		t.Fatalf("rbac: %v", err)
	}

	opts = append([]Option{WithRateLimit(1000, 1000)}, opts...)
	api := New(ReadyProbe{Store: store, Denylist: dl}, "test", svc, rbac, opts...)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		store:   store,
		svc:     svc,
		rbac:    rbac,
	}
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func (c *apiClient) signup(login, password string) string {
	c.t.Helper()
	resp := c.post("/api/v1/auth/signup", map[string]any{"login": login, "password": password}, nil)
	expectStatus(c.t, resp, http.StatusCreated)
	body := decode[map[string]string](c.t, resp)
	if body["id"] == "" {
		c.t.Fatalf("signup returned no id")
	}
	return body["id"]
}

func (c *apiClient) login(login, password string) auth.TokenPair {
	c.t.Helper()
	resp := c.post("/api/v1/auth/login", map[string]any{"login": login, "password": password}, nil)
	expectStatus(c.t, resp, http.StatusOK)
	pair := decode[auth.TokenPair](c.t, resp)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		c.t.Fatalf("empty token pair issued")
	}
	return pair
}

// grant creates a role with access and assigns it to userID directly through the service.
func (c *apiClient) grant(userID, name, access string) {
	c.t.Helper()
	ctx := context.Background()
	role, err := c.rbac.CreateRole(ctx, name, access)
	if err != nil {
		c.t.Fatalf("create role: %v", err)
	}
	if _, err := c.rbac.AddRoleToUser(ctx, userID, role.ID); err != nil {
		c.t.Fatalf("assign role: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, raw)
	}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAPISessionFlow(t *testing.T) {
	api := newTestAPI(t)
	api.signup("alice", "secret-1")

	pair := api.login("alice", "secret-1")
	authHeader := bearerHeader(pair.AccessToken)

	resp := api.post("/api/v1/users/check-permission", []string{}, authHeader)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = api.post("/api/v1/auth/refresh", nil, bearerHeader(pair.RefreshToken))
	expectStatus(t, resp, http.StatusOK)
	refreshed := decode[map[string]string](t, resp)
	if refreshed["access_token"] == "" {
		t.Fatalf("refresh returned no access token")
	}

	resp = api.get("/api/v1/auth/history", url.Values{"descending": []string{"true"}}, authHeader)
	expectStatus(t, resp, http.StatusOK)
	events := decode[[]historyEntry](t, resp)
	if len(events) != 1 || events[0].Event != auth.EventLoggedIn {
		t.Fatalf("unexpected history: %+v", events)
	}

	resp = api.post("/api/v1/auth/logout", nil, authHeader)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.post("/api/v1/users/check-permission", []string{}, authHeader)
	expectStatus(t, resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	resp.Body.Close()

	resp = api.post("/api/v1/auth/refresh", nil, bearerHeader(pair.RefreshToken))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestAPIChangeCredentials(t *testing.T) {
	api := newTestAPI(t)
	api.signup("alice", "secret-1")
	pair := api.login("alice", "secret-1")

	resp := api.post("/api/v1/auth/change", map[string]any{
		"old_password": "wrong",
		"new_login":    "alice2",
		"new_password": "secret-2",
	}, bearerHeader(pair.AccessToken))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.post("/api/v1/auth/change", map[string]any{
		"old_password": "secret-1",
		"new_login":    "alice2",
		"new_password": "secret-2",
	}, bearerHeader(pair.AccessToken))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	api.login("alice2", "secret-2")
}

func TestAPISignupValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/api/v1/auth/signup", map[string]any{"login": "ab", "password": "secret"}, nil)
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()

	resp = api.post("/api/v1/auth/signup", map[string]any{"login": "alice", "password": "secret", "role": "admin"}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	api.signup("alice", "secret")
	resp = api.post("/api/v1/auth/signup", map[string]any{"login": "alice", "password": "other"}, nil)
	expectStatus(t, resp, http.StatusConflict)
	body := decode[map[string]any](t, resp)
	if body["error"] == "" || body["request_id"] == "" {
		t.Fatalf("expected error and request_id, got %v", body)
	}
}

func TestAPILoginHidesReason(t *testing.T) {
	api := newTestAPI(t)
	api.signup("alice", "secret")

	unknown := api.post("/api/v1/auth/login", map[string]any{"login": "bob", "password": "secret"}, nil)
	wrong := api.post("/api/v1/auth/login", map[string]any{"login": "alice", "password": "nope"}, nil)
	expectStatus(t, unknown, http.StatusUnauthorized)
	expectStatus(t, wrong, http.StatusUnauthorized)
	a := decode[map[string]any](t, unknown)
	b := decode[map[string]any](t, wrong)
	if a["error"] != b["error"] {
		t.Fatalf("login failures differ: %q vs %q", a["error"], b["error"])
	}
}

func TestAPICheckPermissionScope(t *testing.T) {
	api := newTestAPI(t)
	id := api.signup("alice", "secret")
	api.grant(id, "editor", "read,write")
	pair := api.login("alice", "secret")

	resp := api.post("/api/v1/users/check-permission", []string{"read", "write"}, bearerHeader(pair.AccessToken))
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = api.post("/api/v1/users/check-permission", []string{"delete"}, bearerHeader(pair.AccessToken))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/api/v1/users/check-permission", []string{"read"}, bearerHeader(pair.RefreshToken))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestAPIHistoryQueryValidation(t *testing.T) {
	api := newTestAPI(t)
	api.signup("alice", "secret")
	pair := api.login("alice", "secret")

	resp := api.get("/api/v1/auth/history", url.Values{"page_size": []string{"x"}}, bearerHeader(pair.AccessToken))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.get("/api/v1/auth/history", url.Values{"page_size": []string{"0"}, "page_number": []string{"1"}}, bearerHeader(pair.AccessToken))
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/api/v1/auth/logout", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestAPIMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/api/v1/auth/login", nil, nil)
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("unexpected Allow header %q", resp.Header.Get("Allow"))
	}
	resp.Body.Close()
}

func TestHealthAndReadiness(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/readyz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyProbeReportsFailingDependency(t *testing.T) {
	rp := ReadyProbe{Store: memory.New(), Denylist: failingPinger{}}
	err := rp.Check(context.Background())
	if err == nil {
		t.Fatal("expected readiness failure")
	}
	if got := err.Error(); got != "denylist: connection refused" {
		t.Fatalf("unexpected error %q", got)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{auth.ErrUnauthorized, http.StatusUnauthorized},
		{auth.ErrPermissionDenied, http.StatusForbidden},
		{auth.ErrNotFound, http.StatusNotFound},
		{auth.ErrAlreadyExists, http.StatusConflict},
		{auth.ErrRoleNotAssigned, http.StatusUnprocessableEntity},
		{auth.ErrUserRoleAction, http.StatusUnprocessableEntity},
		{auth.ErrInvalidInput, http.StatusUnprocessableEntity},
		{auth.ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
