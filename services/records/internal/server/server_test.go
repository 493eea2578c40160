package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"recordkeeper/internal/ratelimit"
	"recordkeeper/pkg/auth"
	"recordkeeper/pkg/domain"
	"recordkeeper/pkg/metrics"
	"recordkeeper/pkg/queue"
	"recordkeeper/pkg/snapshot"
	"recordkeeper/pkg/store"
	"recordkeeper/services/records/internal/app"
)

type testEnv struct {
	handler   http.Handler
	delivered chan domain.Notification
	release   chan struct{}
	snapshot  *snapshot.FileBackend
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	backend, err := snapshot.NewFileBackend(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	env := &testEnv{
		delivered: make(chan domain.Notification, 8),
		release:   make(chan struct{}),
		snapshot:  backend,
	}
	dispatcher := queue.NewMemoryDispatcher(queue.MemoryDispatcherConfig{QueueSize: 8})
	dispatcher.Start(context.Background(), queue.DelivererFunc(func(ctx context.Context, n domain.Notification) error {
		select {
		case <-env.release:
		case <-ctx.Done():
			return ctx.Err()
		}
		env.delivered <- n
		return nil
	}))
	t.Cleanup(dispatcher.Abort)

	recorder := metrics.NewRecorder()
	a, err := app.New(app.Config{
		Store:     store.NewMemoryStore(),
		Snapshots: backend,
		Notifier:  dispatcher,
		Metrics:   recorder,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg := Config{App: a, Metrics: recorder}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env.handler = srv.Router()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestWelcomeAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / = %d", rec.Code)
	}
	if got := decodeBody[map[string]string](t, rec)["message"]; got != "Welcome to the Employee Review System!" {
		t.Fatalf("welcome message = %q", got)
	}
	if rec := env.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("GET /nope = %d, want 404", rec.Code)
	}
}

func TestBookReviewScenario(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/books/", `{"title":"Dune","author":"Herbert","publication_year":1965}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create book = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[map[string]any](t, rec)
	if created["message"] != "Book added successfully" || created["book_id"] != float64(0) {
		t.Fatalf("unexpected create book response %v", created)
	}

	rec = env.do(t, http.MethodPost, "/reviews/", `{"book_id":0,"text":"great","rating":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create review = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[map[string]any](t, rec)["message"]; got != "Review added successfully" {
		t.Fatalf("review message = %v", got)
	}

	rec = env.do(t, http.MethodPost, "/reviews/", `{"book_id":1,"text":"x","rating":1}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("review for missing book = %d, want 404", rec.Code)
	}
	errBody := decodeBody[errorResponse](t, rec)
	if errBody.Error != "Book not found" || errBody.Code != "BOOK_NOT_FOUND" || errBody.RequestID == "" {
		t.Fatalf("unexpected error body %+v", errBody)
	}

	rec = env.do(t, http.MethodGet, "/books/?author=Herbert", "")
	books := decodeBody[[]domain.Book](t, rec)
	if len(books) != 1 || books[0].Title != "Dune" || books[0].PublicationYear != 1965 {
		t.Fatalf("books by author = %+v", books)
	}

	rec = env.do(t, http.MethodGet, "/reviews/0", "")
	reviews := decodeBody[[]domain.Review](t, rec)
	if len(reviews) != 1 || reviews[0].Text != "great" {
		t.Fatalf("reviews = %+v", reviews)
	}

	rec = env.do(t, http.MethodGet, "/reviews/42", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("reviews for unknown book = %d %q, want 200 []", rec.Code, rec.Body.String())
	}
}

func TestCollectionsWithoutTrailingSlash(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/books", `{"title":"Dune","author":"Herbert","publication_year":1965}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /books = %d: %s", rec.Code, rec.Body.String())
	}
	if id := decodeBody[map[string]any](t, rec)["book_id"]; id != float64(0) {
		t.Fatalf("book_id = %v, want 0", id)
	}
	if rec := env.do(t, http.MethodPost, "/reviews", `{"book_id":0,"text":"great","rating":5}`); rec.Code != http.StatusOK {
		t.Fatalf("POST /reviews = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/submit_review", `{"email":"a@example.com","message":"m"}`); rec.Code != http.StatusOK {
		t.Fatalf("POST /submit_review = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/departments", `{"dept_id":1,"name":"Engineering"}`); rec.Code != http.StatusOK {
		t.Fatalf("POST /departments = %d: %s", rec.Code, rec.Body.String())
	}

	books := decodeBody[[]domain.Book](t, env.do(t, http.MethodGet, "/books?author=Herbert", ""))
	if len(books) != 1 || books[0].Title != "Dune" {
		t.Fatalf("GET /books = %+v", books)
	}
	depts := decodeBody[[]domain.Department](t, env.do(t, http.MethodGet, "/departments", ""))
	if len(depts) != 1 || depts[0].DeptID != 1 {
		t.Fatalf("GET /departments = %+v", depts)
	}
	if rec := env.do(t, http.MethodPost, "/books/extra", `{}`); rec.Code != http.StatusNotFound {
		t.Fatalf("POST /books/extra = %d, want 404", rec.Code)
	}
}

func TestListBooksFilterPrecedence(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, body := range []string{
		`{"title":"Dune","author":"Herbert","publication_year":1965}`,
		`{"title":"Emma","author":"Austen","publication_year":1815}`,
		`{"title":"Children","author":"Herbert","publication_year":1976}`,
	} {
		if rec := env.do(t, http.MethodPost, "/books/", body); rec.Code != http.StatusOK {
			t.Fatalf("create book = %d", rec.Code)
		}
	}

	books := decodeBody[[]domain.Book](t, env.do(t, http.MethodGet, "/books/?author=Herbert&publication_year=1815", ""))
	if len(books) != 2 {
		t.Fatalf("author must win over year, got %+v", books)
	}
	books = decodeBody[[]domain.Book](t, env.do(t, http.MethodGet, "/books/?publication_year=1815", ""))
	if len(books) != 1 || books[0].Title != "Emma" {
		t.Fatalf("year filter = %+v", books)
	}
	books = decodeBody[[]domain.Book](t, env.do(t, http.MethodGet, "/books/", ""))
	if len(books) != 3 {
		t.Fatalf("no filter = %+v", books)
	}
	if rec := env.do(t, http.MethodGet, "/books/?publication_year=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad year = %d, want 400", rec.Code)
	}
}

func TestCreateRequestsValidated(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []struct {
		path string
		body string
	}{
		{"/books/", `{"title":"Dune"}`},
		{"/books/", `{"title":"","author":"Herbert","publication_year":1965}`},
		{"/books/", `{not json`},
		{"/reviews/", `{"text":"x","rating":1}`},
		{"/submit_review/", `{"message":"hi"}`},
		{"/departments/", `{"name":"Ops"}`},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, tc.path, tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("POST %s %s = %d, want 400", tc.path, tc.body, rec.Code)
		}
		if code := decodeBody[errorResponse](t, rec).Code; code != "RECORDS_INVALID_REQUEST" {
			t.Fatalf("POST %s error code = %q", tc.path, code)
		}
	}
	if rec := env.do(t, http.MethodDelete, "/books/", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE /books/ = %d, want 405", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/reviews/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("GET /reviews/abc = %d, want 400", rec.Code)
	}
}

func TestSubmitReviewReturnsBeforeDelivery(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/submit_review/", `{"email":"test@example.com","message":"This is a test review."}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit review = %d: %s", rec.Code, rec.Body.String())
	}
	want := "Review submitted successfully. Confirmation email will be sent shortly."
	if got := decodeBody[map[string]string](t, rec)["message"]; got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
	select {
	case n := <-env.delivered:
		t.Fatalf("delivery happened before response: %+v", n)
	default:
	}

	close(env.release)
	select {
	case n := <-env.delivered:
		if n.Recipient != "test@example.com" || n.Message != "This is a test review." {
			t.Fatalf("unexpected delivery %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("notification was not delivered")
	}
}

func TestSubmitReviewQueueFull(t *testing.T) {
	env := newTestEnv(t, nil)
	// one notification is held by the worker, eight fill the buffer
	var last *httptest.ResponseRecorder
	for i := 0; i < 12; i++ {
		last = env.do(t, http.MethodPost, "/submit_review/", `{"email":"a@example.com","message":"m"}`)
		if last.Code == http.StatusServiceUnavailable {
			break
		}
	}
	if last.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once the queue is full, last = %d", last.Code)
	}
	if code := decodeBody[errorResponse](t, last).Code; code != "NOTIFY_QUEUE_FULL" {
		t.Fatalf("error code = %q", code)
	}
}

func TestDepartmentsAndSave(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(t, http.MethodPost, "/departments/", `{"dept_id":1,"name":"Engineering"}`); rec.Code != http.StatusOK {
		t.Fatalf("create department = %d: %s", rec.Code, rec.Body.String())
	}
	rec := env.do(t, http.MethodPost, "/departments/", `{"dept_id":1,"name":"Again"}`)
	if rec.Code != http.StatusConflict || decodeBody[errorResponse](t, rec).Code != "DEPARTMENT_CONFLICT" {
		t.Fatalf("duplicate department = %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/departments/1/employees/", `{"emp_id":101,"name":"John Doe"}`); rec.Code != http.StatusOK {
		t.Fatalf("add employee = %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/departments/9/employees/", `{"emp_id":1,"name":"Nobody"}`)
	if rec.Code != http.StatusNotFound || decodeBody[errorResponse](t, rec).Code != "DEPARTMENT_NOT_FOUND" {
		t.Fatalf("employee for missing department = %d %s", rec.Code, rec.Body.String())
	}

	emps := decodeBody[[]domain.Employee](t, env.do(t, http.MethodGet, "/departments/1/employees", ""))
	if len(emps) != 1 || emps[0].Name != "John Doe" || emps[0].DepartmentID != 1 {
		t.Fatalf("employees = %+v", emps)
	}
	depts := decodeBody[[]domain.Department](t, env.do(t, http.MethodGet, "/departments/", ""))
	if len(depts) != 1 || len(depts[0].Employees) != 1 {
		t.Fatalf("departments = %+v", depts)
	}

	rec = env.do(t, http.MethodPost, "/departments/save", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("save = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[map[string]any](t, rec)["departments"]; got != float64(1) {
		t.Fatalf("saved departments = %v", got)
	}
	data, err := env.snapshot.Read(context.Background())
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	saved, err := snapshot.Decode(data)
	if err != nil || len(saved) != 1 || saved[0].Employees[0].EmpID != 101 {
		t.Fatalf("saved snapshot = %+v err=%v", saved, err)
	}
	if rec := env.do(t, http.MethodGet, "/departments/save", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET save = %d, want 405", rec.Code)
	}
}

func TestAuthorizerRejects(t *testing.T) {
	hash, err := auth.HashPassword("Str0ng#Password!")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users, err := auth.NewStaticUsers(map[string]string{"admin": hash})
	if err != nil {
		t.Fatalf("static users: %v", err)
	}
	env := newTestEnv(t, func(c *Config) { c.Authorizer = users })

	rec := env.do(t, http.MethodGet, "/books/", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected basic auth challenge")
	}

	req := httptest.NewRequest(http.MethodGet, "/books/", nil)
	req.SetBasicAuth("admin", "Str0ng#Password!")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorized = %d, want 200", rec.Code)
	}

	if rec := env.do(t, http.MethodGet, "/", ""); rec.Code != http.StatusOK {
		t.Fatalf("welcome must stay public, got %d", rec.Code)
	}
}

func TestLogoutRevokesBearerToken(t *testing.T) {
	jwtAuth, err := auth.NewJWTAuthorizer(auth.JWTConfig{
		Secret:  "0123456789abcdef0123456789abcdef",
		Revoker: auth.NewMemoryRevoker(),
	})
	if err != nil {
		t.Fatalf("jwt authorizer: %v", err)
	}
	token, err := jwtAuth.Issue("operator", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	env := newTestEnv(t, func(c *Config) { c.Authorizer = jwtAuth })

	withToken := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}
	if rec := withToken(http.MethodGet, "/books/"); rec.Code != http.StatusOK {
		t.Fatalf("before logout = %d, want 200", rec.Code)
	}
	if rec := withToken(http.MethodPost, "/auth/logout"); rec.Code != http.StatusOK {
		t.Fatalf("logout = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := withToken(http.MethodGet, "/books/"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("after logout = %d, want 401", rec.Code)
	}
}

func TestLogoutWithoutBearerAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/auth/logout", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("logout without jwt = %d, want 400", rec.Code)
	}
}

func TestRateLimitedWrites(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redisSrv.Addr(), "", "test:ratelimit", 1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, func(c *Config) { c.Limiter = limiter })

	body := `{"title":"Dune","author":"Herbert","publication_year":1965}`
	if rec := env.do(t, http.MethodPost, "/books/", body); rec.Code != http.StatusOK {
		t.Fatalf("first write = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/books/", body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second write = %d, want 429", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/books/", ""); rec.Code != http.StatusOK {
		t.Fatalf("reads are not limited, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/books/", `{"title":"Dune","author":"Herbert","publication_year":1965}`)

	rec := env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `records_store_writes_total{entity="book",outcome="ok"} 1`) {
		t.Fatalf("metrics missing book write counter:\n%s", rec.Body.String())
	}
}
