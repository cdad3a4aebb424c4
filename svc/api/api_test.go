package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"snipbin/cfg"
	"snipbin/pkg/domain"
	"snipbin/svc/auth"
	"snipbin/svc/cache"
	"snipbin/svc/db"
	"snipbin/svc/lim"
	"snipbin/svc/svc"
	"strings"
	"sync"
	"testing"
	"time"
)

type testEnv struct {
	srv   *Server
	store *db.SQLite
}

func newTestEnv(t *testing.T, createLimit int) *testEnv {
	t.Helper()
	c := &cfg.Cfg{
		Port:              "0",
		Environment:       "development",
		MaxCharContent:    cfg.DefaultMaxCharContent,
		DefaultExpiration: cfg.DefaultExpiration,
		CacheTTL:          time.Minute,
		ContextTimeout:    5 * time.Second,
		UsernameMaxLen:    8,
	}
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	lru, err := cache.NewLRU(100)
	if err != nil {
		t.Fatal(err)
	}
	pastes := svc.NewPaste(store, lru, nil, c)
	hasher, err := auth.NewHasher(1, 8*1024, 1, []byte(strings.Repeat("p", 32)))
	if err != nil {
		t.Fatal(err)
	}
	if err := hasher.Start(1); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(hasher.Stop)
	sessions, err := auth.NewSessions([]byte(strings.Repeat("s", 32)), time.Hour, cache.NewRevoked(100, time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(Deps{
		Cfg:      c,
		Paste:    pastes,
		Accounts: auth.NewAccounts(store, pastes, hasher, c.UsernameMaxLen),
		Sessions: sessions,
		Window:   lim.NewWindow(createLimit, time.Minute, false),
		Reads:    lim.NewReadLimiter(1000, 1000),
		DB:       store,
	})
	return &testEnv{srv: srv, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, contentType, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, user, pass string) *http.Cookie {
	t.Helper()
	creds := `{"username":"` + user + `","password":"` + pass + `"}`
	if rec := e.do(t, http.MethodPost, "/register", "application/json", creds); rec.Code != http.StatusOK {
		t.Fatalf("register %s: %d %s", user, rec.Code, rec.Body)
	}
	rec := e.do(t, http.MethodPost, "/login", "application/json", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", user, rec.Code, rec.Body)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName {
			if !c.HttpOnly {
				t.Error("session cookie is not HttpOnly")
			}
			return c
		}
	}
	t.Fatal("login set no session cookie")
	return nil
}

func createTitle(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var resp CreateResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Title
}

func TestCreateAndFetchRawText(t *testing.T) {
	e := newTestEnv(t, 10)
	title := createTitle(t, e.do(t, http.MethodPost, "/paste", "text/plain", "hello"))
	if len(title) != 4 {
		t.Fatalf("title %q is not 4 letters", title)
	}
	rec := e.do(t, http.MethodGet, "/paste/"+title, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body)
	}
	var p domain.Payload
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Content != "hello" || p.Visibility != "Public" || p.IsEncrypted || p.Title != title {
		t.Fatalf("payload = %+v", p)
	}
	if p.Expiration == nil || !strings.HasSuffix(*p.Expiration, "Z") {
		t.Fatalf("expiration = %v", p.Expiration)
	}
}

func TestCreateJSONBody(t *testing.T) {
	e := newTestEnv(t, 10)
	body := `{"content":"secret","visibility":"Unlisted","expiration":"never","isEncrypted":true}`
	title := createTitle(t, e.do(t, http.MethodPut, "/paste", "application/json", body))
	rec := e.do(t, http.MethodGet, "/paste/"+title, "", "")
	var p domain.Payload
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Visibility != "Unlisted" || !p.IsEncrypted || p.Expiration != nil {
		t.Fatalf("payload = %+v", p)
	}
}

func TestCreateRejections(t *testing.T) {
	e := newTestEnv(t, 100)
	tests := []struct {
		name, ct, body string
		want           int
		msg            string
	}{
		{"bad json", "application/json", "{nope", http.StatusBadRequest, "Request body not compatible JSON format"},
		{"blank", "text/plain", "   \n ", http.StatusBadRequest, domain.ErrContentInvalid.Msg},
		{"visibility", "application/json", `{"content":"x","visibility":"public"}`, http.StatusBadRequest, "Invalid visibility"},
		{"expiration", "application/json", `{"content":"x","expiration":"1d"}`, http.StatusBadRequest, "Invalid expiration value"},
		{"oversize", "text/plain", strings.Repeat("a", cfg.DefaultMaxCharContent+1), http.StatusBadRequest, domain.ErrContentInvalid.Msg},
	}
	for _, tt := range tests {
		rec := e.do(t, http.MethodPost, "/paste", tt.ct, tt.body)
		if rec.Code != tt.want {
			t.Errorf("%s: status %d, want %d (%s)", tt.name, rec.Code, tt.want, rec.Body)
			continue
		}
		var resp map[string]string
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp["message"] != tt.msg {
			t.Errorf("%s: message %q, want %q", tt.name, resp["message"], tt.msg)
		}
		if resp["request_id"] == "" {
			t.Errorf("%s: missing request_id", tt.name)
		}
	}
	if rec := e.do(t, http.MethodGet, "/pastes", "", ""); strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("rejected creates left rows: %s", rec.Body)
	}
}

func TestCreateRateLimited(t *testing.T) {
	e := newTestEnv(t, 2)
	for i := 0; i < 2; i++ {
		createTitle(t, e.do(t, http.MethodPost, "/paste", "text/plain", "x"))
	}
	rec := e.do(t, http.MethodPost, "/paste", "text/plain", "x")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third create: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestSignedInCallerHasOwnBudget(t *testing.T) {
	e := newTestEnv(t, 1)
	// register and login draw from their own scopes
	cookie := e.login(t, "alice", "pw")
	createTitle(t, e.do(t, http.MethodPost, "/paste", "text/plain", "anon"))
	if rec := e.do(t, http.MethodPost, "/paste", "text/plain", "anon"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("anonymous second create: %d", rec.Code)
	}
	createTitle(t, e.do(t, http.MethodPost, "/paste", "text/plain", "mine", cookie))
}

func TestGetUnknownAndHTML(t *testing.T) {
	e := newTestEnv(t, 10)
	rec := e.do(t, http.MethodGet, "/paste/ZZZZ", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown title: %d", rec.Code)
	}
	title := createTitle(t, e.do(t, http.MethodPost, "/paste", "text/plain", "<script>alert(1)</script>"))
	req := httptest.NewRequest(http.MethodGet, "/paste/"+title, nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	hrec := httptest.NewRecorder()
	e.srv.ServeHTTP(hrec, req)
	if !strings.HasPrefix(hrec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("content type %q", hrec.Header().Get("Content-Type"))
	}
	body := hrec.Body.String()
	if strings.Contains(body, "<script>") {
		t.Fatal("content rendered unescaped")
	}
	if !strings.Contains(body, "&lt;script&gt;") || !strings.Contains(body, "expires in 23 hours") {
		t.Fatalf("unexpected view:\n%s", body)
	}
}

func TestListSearch(t *testing.T) {
	e := newTestEnv(t, 10)
	createTitle(t, e.do(t, http.MethodPost, "/paste", "text/plain", "needle here"))
	createTitle(t, e.do(t, http.MethodPost, "/paste", "application/json", `{"content":"needle hidden","visibility":"Private"}`))
	createTitle(t, e.do(t, http.MethodPost, "/paste", "text/plain", "haystack"))
	rec := e.do(t, http.MethodGet, "/pastes?search=needle", "", "")
	var list []domain.Payload
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Content != "needle here" {
		t.Fatalf("list = %+v", list)
	}
}

func TestDeleteRequiresOwner(t *testing.T) {
	e := newTestEnv(t, 10)
	alice := e.login(t, "alice", "pw")
	bob := e.login(t, "bob", "pw")
	title := createTitle(t, e.do(t, http.MethodPost, "/paste", "text/plain", "alice's", alice))

	if rec := e.do(t, http.MethodDelete, "/paste/"+title, "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous delete: %d", rec.Code)
	}
	if rec := e.do(t, http.MethodDelete, "/paste/"+title, "", "", bob); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign delete: %d", rec.Code)
	}
	rec := e.do(t, http.MethodDelete, "/paste/"+title, "", "", alice)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Paste deleted") {
		t.Fatalf("owner delete: %d %s", rec.Code, rec.Body)
	}
	if rec := e.do(t, http.MethodDelete, "/paste/"+title, "", "", alice); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/paste/"+title, "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("deleted paste still served: %d", rec.Code)
	}
}

func TestUserPastesAndAccountDelete(t *testing.T) {
	e := newTestEnv(t, 10)
	cookie := e.login(t, "carol", "pw")
	title := createTitle(t, e.do(t, http.MethodPost, "/paste", "text/plain", "owned", cookie))
	createTitle(t, e.do(t, http.MethodPost, "/paste", "text/plain", "anonymous"))

	if rec := e.do(t, http.MethodGet, "/user/pastes", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous /user/pastes: %d", rec.Code)
	}
	rec := e.do(t, http.MethodGet, "/user/pastes", "", "", cookie)
	var owned []domain.OwnerPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &owned); err != nil {
		t.Fatal(err)
	}
	if len(owned) != 1 || owned[0].Title != title {
		t.Fatalf("owned = %+v", owned)
	}

	rec = e.do(t, http.MethodDelete, "/delete-account", "", "", cookie)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "account deleted") {
		t.Fatalf("delete account: %d %s", rec.Code, rec.Body)
	}
	if rec := e.do(t, http.MethodGet, "/paste/"+title, "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("owned paste survived account delete: %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/user/pastes", "", "", cookie); rec.Code != http.StatusUnauthorized {
		t.Fatalf("session survived account delete: %d", rec.Code)
	}
}

func TestLoginFailuresAndLogout(t *testing.T) {
	e := newTestEnv(t, 10)
	cookie := e.login(t, "dave", "right")
	if rec := e.do(t, http.MethodPost, "/login", "application/json", `{"username":"dave","password":"wrong"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/register", "application/json", `{"username":"dave","password":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate register: %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/register", "application/json", `{"username":"ninechars","password":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("long username: %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/logout", "", "", cookie); rec.Code != http.StatusOK {
		t.Fatalf("logout: %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/user/pastes", "", "", cookie); rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session accepted: %d", rec.Code)
	}
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	e := newTestEnv(t, 10)
	rec := e.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"db_status":"ok"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body)
	}
	rec = e.do(t, http.MethodGet, "/ready", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"cache":"unavailable"`) {
		t.Fatalf("ready: %d %s", rec.Code, rec.Body)
	}
	rec = e.do(t, http.MethodGet, "/pastes", "", "")
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("headers = %v", rec.Header())
	}
}

func TestInjectionPayloadsStoredVerbatim(t *testing.T) {
	e := newTestEnv(t, 100)
	payloads := []string{
		"'; DROP TABLE pastes; --",
		"' OR '1'='1",
		"1' UNION SELECT * FROM users--",
		"%' OR title LIKE '%",
	}
	for _, payload := range payloads {
		body, _ := json.Marshal(CreateReq{Content: payload})
		title := createTitle(t, e.do(t, http.MethodPost, "/paste", "application/json", string(body)))
		rec := e.do(t, http.MethodGet, "/paste/"+title, "", "")
		var p domain.Payload
		if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
			t.Fatal(err)
		}
		if p.Content != payload {
			t.Errorf("stored %q, want %q", p.Content, payload)
		}
	}
	rec := e.do(t, http.MethodGet, "/pastes?search="+url.QueryEscape("%' OR title LIKE '%"), "", "")
	var list []domain.Payload
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Fatalf("search matched %d pastes, want the one literal match", len(list))
	}
	if rec := e.do(t, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("health after injection attempts: %d", rec.Code)
	}
}

func TestConcurrentCreatesGetDistinctTitles(t *testing.T) {
	e := newTestEnv(t, 1000)
	const n = 40
	titles := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/paste", strings.NewReader("concurrent"))
			req.Header.Set("Content-Type", "text/plain")
			rec := httptest.NewRecorder()
			e.srv.ServeHTTP(rec, req)
			var resp CreateResp
			if rec.Code == http.StatusOK && json.Unmarshal(rec.Body.Bytes(), &resp) == nil {
				titles <- resp.Title
			}
		}()
	}
	wg.Wait()
	close(titles)
	seen := make(map[string]bool)
	for title := range titles {
		if seen[title] {
			t.Fatalf("title %q handed out twice", title)
		}
		seen[title] = true
	}
	if len(seen) != n {
		t.Fatalf("%d of %d creates succeeded", len(seen), n)
	}
}

func TestSpoofedForwardedForDoesNotResetBudget(t *testing.T) {
	e := newTestEnv(t, 1)
	for i, xff := range []string{"1.1.1.1", "2.2.2.2"} {
		req := httptest.NewRequest(http.MethodPost, "/paste", strings.NewReader("x"))
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		e.srv.ServeHTTP(rec, req)
		want := http.StatusOK
		if i == 1 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Fatalf("create %d with XFF %s: %d, want %d", i, xff, rec.Code, want)
		}
	}
}
