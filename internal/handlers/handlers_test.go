package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"pushi/internal/adapters"
	"pushi/internal/broker"
	"pushi/internal/models"
	"pushi/internal/repository"
	"pushi/pkg/auth"
	"pushi/pkg/logging"
)

var testSecret = []byte("test-jwt-secret")

type fixture struct {
	router *gin.Engine
	repo   *repository.Memory
	broker *broker.Broker
	app    models.App
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("ADMIN_USERNAME", "admin")
	t.Setenv("ADMIN_PASSWORD", "hunter2")

	repo := repository.NewMemory()
	logger := logging.NewLogger()
	b := broker.New(repo, logger, nil)

	app := models.NewApp("fixture")
	app.VapidPub = "public-key"
	if err := repo.CreateApp(context.Background(), app); err != nil {
		t.Fatalf("create app: %v", err)
	}
	b.RegisterApp(app)

	webhook := adapters.NewWebhook(repo, b, logger)
	h := New(repo, b, []Adapter{webhook}, nil, nil, testSecret, logger)

	return &fixture{router: h.Router(), repo: repo, broker: b, app: app}
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := auth.GenerateJWT("admin", "admin", testSecret)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return token
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, decorate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if decorate != nil {
		decorate(req)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func asAdmin(t *testing.T) func(*http.Request) {
	token := adminToken(t)
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func asApp(app models.App) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("X-Pushi-App-Id", app.ID)
		req.Header.Set("X-Pushi-App-Key", app.Key)
		req.Header.Set("X-Pushi-App-Secret", app.Secret)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/login", gin.H{"username": "admin", "password": "hunter2"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("no token in response: %s", rec.Body)
	}

	rec = f.do(t, http.MethodPost, "/login", gin.H{"username": "admin", "password": "wrong"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password accepted: %d", rec.Code)
	}
}

func TestCreateAppAdminOnly(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/apps", gin.H{"name": "shop"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create: %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/apps", gin.H{"name": "shop"}, asApp(f.app))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("app credentials allowed to create apps: %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/apps", gin.H{"name": "shop"}, asAdmin(t))
	if rec.Code != http.StatusCreated {
		t.Fatalf("admin create: %d %s", rec.Code, rec.Body)
	}
	var created models.App
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(created.Key) != 64 || created.Secret == "" {
		t.Fatalf("credentials not returned on create: %+v", created)
	}
	if created.VapidKey == "" || created.VapidPub == "" {
		t.Fatal("VAPID keys not generated")
	}
}

func TestShowAppHidesSecret(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/apps/"+f.app.ID, nil, asAdmin(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("show: %d %s", rec.Code, rec.Body)
	}
	var got models.App
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Secret != "" {
		t.Fatal("secret leaked on read endpoint")
	}
}

func TestAppCredentialIsolation(t *testing.T) {
	f := newFixture(t)

	other := models.NewApp("other")
	if err := f.repo.CreateApp(context.Background(), other); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.broker.RegisterApp(other)

	// One app may not publish into another.
	rec := f.do(t, http.MethodPost, "/apps/"+other.ID+"/events",
		gin.H{"event": "x", "data": "y"}, asApp(f.app))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-app publish: %d", rec.Code)
	}
}

func TestPublish(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/apps/"+f.app.ID+"/events",
		gin.H{"event": "deploy", "data": gin.H{"v": 1}, "channels": []string{"updates"}}, asApp(f.app))
	if rec.Code != http.StatusOK {
		t.Fatalf("publish: %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodPost, "/apps/"+f.app.ID+"/events",
		gin.H{"event": "bad name!", "data": "x"}, asApp(f.app))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid event name accepted: %d", rec.Code)
	}
}

func TestPing(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/apps/"+f.app.ID+"/ping", nil, asApp(f.app))
	if rec.Code != http.StatusOK {
		t.Fatalf("ping: %d %s", rec.Code, rec.Body)
	}
}

func TestVapidKey(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/apps/vapid_key", nil, asApp(f.app))
	if rec.Code != http.StatusOK {
		t.Fatalf("vapid_key: %d %s", rec.Code, rec.Body)
	}
	var resp struct {
		VapidKey string `json:"vapid_key"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.VapidKey != "public-key" {
		t.Fatalf("unexpected response %s", rec.Body)
	}
}

func TestSubscriptionEndpoints(t *testing.T) {
	f := newFixture(t)
	path := "/apps/" + f.app.ID + "/subscriptions/webhook"

	// Restricted event requires a signed token.
	rec := f.do(t, http.MethodPost, path,
		gin.H{"target": "http://x", "event": "private-chat"}, asApp(f.app))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("restricted subscribe without auth: %d", rec.Code)
	}

	token := auth.Token(f.app.Key, f.app.Secret, "s1", "private-chat")
	rec = f.do(t, http.MethodPost, path,
		gin.H{"target": "http://x", "event": "private-chat", "socket_id": "s1", "auth": token}, asApp(f.app))
	if rec.Code != http.StatusCreated {
		t.Fatalf("signed subscribe: %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodPost, path,
		gin.H{"target": "http://x", "event": "orders"}, asApp(f.app))
	if rec.Code != http.StatusCreated {
		t.Fatalf("public subscribe: %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodGet, path, nil, asApp(f.app))
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var recs []models.Subscription
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %v", recs)
	}

	rec = f.do(t, http.MethodDelete, path, gin.H{"target": "http://x"}, asApp(f.app))
	if rec.Code != http.StatusOK {
		t.Fatalf("unsubscribe: %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, path, nil, asApp(f.app))
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("unscoped unsubscribe left records: %v", recs)
	}
}

func TestUnknownAdapter(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/apps/"+f.app.ID+"/subscriptions/telegraph", nil, asAdmin(t))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown adapter: %d", rec.Code)
	}
}

func TestPersonalEndpoints(t *testing.T) {
	f := newFixture(t)
	path := "/apps/" + f.app.ID + "/personal"

	rec := f.do(t, http.MethodPost, path, gin.H{"user_id": "alice", "event": "orders"}, asApp(f.app))
	if rec.Code != http.StatusCreated {
		t.Fatalf("add personal: %d %s", rec.Code, rec.Body)
	}

	aliases := f.broker.Aliases(f.app.ID, "personal-alice")
	if len(aliases) != 1 || aliases[0] != "orders" {
		t.Fatalf("alias map not updated: %v", aliases)
	}

	rec = f.do(t, http.MethodDelete, path, gin.H{"user_id": "alice"}, asApp(f.app))
	if rec.Code != http.StatusOK {
		t.Fatalf("remove personal: %d %s", rec.Code, rec.Body)
	}
	if aliases := f.broker.Aliases(f.app.ID, "personal-alice"); len(aliases) != 0 {
		t.Fatalf("alias map not cleared: %v", aliases)
	}
}
