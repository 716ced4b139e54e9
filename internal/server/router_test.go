package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"livechat/internal/app"
	"livechat/internal/auth"
	"livechat/internal/config"
	"livechat/internal/models"
	"livechat/internal/mw"
	"livechat/internal/store"
	"livechat/internal/ws"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const secret = "secret"

func setup(t *testing.T) (*gin.Engine, *app.RegistryContext) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{Port: "0", Env: "dev", JWTSecret: secret, ChatPage: "/chat", WSEventRate: 100, WSEventBurst: 100}
	rc := app.New(cfg, store.NewMemory())
	return SetupRouter(rc, ws.NewGateway(rc), mw.NewRateLimiter(rate.Inf, 1, time.Minute)), rc
}

func token(t *testing.T, username, role string) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(username, role, secret, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func do(t *testing.T, r http.Handler, method, path, tok string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := setup(t)
	w := do(t, r, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	r, _ := setup(t)
	if w := do(t, r, http.MethodGet, "/api/v1/notifications", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestNotificationsLifecycle(t *testing.T) {
	r, rc := setup(t)
	ctx := context.Background()
	tok := token(t, "bob", "")

	n, err := rc.Notifications.NotifyMessage(ctx, "bob", "alice", "hello")
	if err != nil || n == nil {
		t.Fatalf("NotifyMessage() = %v, %v", n, err)
	}
	if _, err := rc.Notifications.NotifyMessage(ctx, "carol", "alice", "not yours"); err != nil {
		t.Fatal(err)
	}

	w := do(t, r, http.MethodGet, "/api/v1/notifications?unread=true", tok, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d %s", w.Code, w.Body)
	}
	var page struct {
		Items []models.Notification `json:"items"`
		Total int64                 `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Items[0].Username != "bob" {
		t.Fatalf("page = %+v", page)
	}

	id := strconv.FormatUint(uint64(n.ID), 10)
	if w := do(t, r, http.MethodPost, "/api/v1/notifications/"+id+"/read", tok, ""); w.Code != http.StatusOK {
		t.Errorf("read: %d", w.Code)
	}
	w = do(t, r, http.MethodGet, "/api/v1/notifications/unread-count", tok, "")
	if !strings.Contains(w.Body.String(), `"count":0`) {
		t.Errorf("unread-count body = %s", w.Body)
	}

	carol := token(t, "carol", "")
	if w := do(t, r, http.MethodDelete, "/api/v1/notifications/"+id, carol, ""); w.Code != http.StatusNotFound {
		t.Errorf("foreign delete: %d, want 404", w.Code)
	}
	if w := do(t, r, http.MethodDelete, "/api/v1/notifications/"+id, tok, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete: %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/api/v1/notifications/abc/read", tok, ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/api/v1/notifications/read-all", carol, ""); !strings.Contains(w.Body.String(), `"updated":1`) {
		t.Errorf("read-all body = %s", w.Body)
	}
}

func TestPreferences(t *testing.T) {
	r, _ := setup(t)
	tok := token(t, "bob", "")

	w := do(t, r, http.MethodPut, "/api/v1/notifications/preferences", tok, `{"preferences":{"chat":false}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put: %d %s", w.Code, w.Body)
	}
	var got struct {
		Preferences map[string]bool `json:"preferences"`
	}
	w = do(t, r, http.MethodGet, "/api/v1/notifications/preferences", tok, "")
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Preferences["chat"] || !got.Preferences["mention"] {
		t.Errorf("preferences = %v", got.Preferences)
	}

	w = do(t, r, http.MethodPut, "/api/v1/notifications/preferences", tok, `{"preferences":{"weather":true}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown category: %d, want 400", w.Code)
	}
}

func TestAdminBroadcast(t *testing.T) {
	r, rc := setup(t)
	ctx := context.Background()
	for _, u := range []string{"root", "alice", "bob"} {
		if err := rc.Notifications.TouchUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	body := `{"title":"Maintenance","body":"tonight","data":{"window":"22:00"}}`

	if w := do(t, r, http.MethodPost, "/api/v1/admin/broadcast", token(t, "alice", ""), body); w.Code != http.StatusForbidden {
		t.Errorf("non-admin: %d, want 403", w.Code)
	}
	w := do(t, r, http.MethodPost, "/api/v1/admin/broadcast", token(t, "root", auth.RoleAdmin), body)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"delivered":2`) {
		t.Fatalf("broadcast: %d %s", w.Code, w.Body)
	}
	if n, _ := rc.Notifications.UnreadCount(ctx, "root"); n != 0 {
		t.Errorf("sender received own broadcast")
	}
	if w := do(t, r, http.MethodPost, "/api/v1/admin/broadcast", token(t, "root", auth.RoleAdmin), `{"title":"  "}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty title: %d", w.Code)
	}
}

func TestPresenceEndpoints(t *testing.T) {
	r, rc := setup(t)
	for i, u := range []string{"ahmet", "ali", "zeynep"} {
		if err := rc.Presence.Join(u, "c"+strconv.Itoa(i), "/"); err != nil {
			t.Fatal(err)
		}
	}
	tok := token(t, "ali", "")

	w := do(t, r, http.MethodGet, "/api/v1/presence/online", tok, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"zeynep"`) {
		t.Errorf("online: %d %s", w.Code, w.Body)
	}
	w = do(t, r, http.MethodGet, "/api/v1/presence/suggest?q=@A", tok, "")
	if w.Body.String() != `{"users":["ahmet"]}` {
		t.Errorf("suggest body = %s", w.Body)
	}
}
