package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"recordkeeper/internal/ratelimit"
	"recordkeeper/internal/util"
	"recordkeeper/pkg/auth"
	"recordkeeper/pkg/domain"
	"recordkeeper/pkg/metrics"
	"recordkeeper/pkg/queue"
	"recordkeeper/pkg/store"
	"recordkeeper/services/records/internal/app"
)

const (
	welcomeMessage       = "Welcome to the Employee Review System!"
	reviewSubmittedReply = "Review submitted successfully. Confirmation email will be sent shortly."
	defaultMaxBodyBytes  = 1 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Authorizer     auth.Authorizer
	Metrics        *metrics.Recorder
	Limiter        ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	MaxBodyBytes   int64
}

// Server exposes HTTP endpoints for the records service.
type Server struct {
	app          *app.App
	authorizer   auth.Authorizer
	metrics      *metrics.Recorder
	limiter      ratelimit.Limiter
	trusted      *util.TrustedProxies
	mux          *http.ServeMux
	maxBodyBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = auth.AllowAll{}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	s := &Server{
		app:          cfg.App,
		authorizer:   authorizer,
		metrics:      cfg.Metrics,
		limiter:      cfg.Limiter,
		trusted:      cfg.TrustedProxies,
		mux:          http.NewServeMux(),
		maxBodyBytes: maxBody,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	if s.limiter != nil {
		h = ratelimit.Middleware(s.limiter, s.trusted, h)
	}
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.instrument(h)))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/{$}", s.handleRoot)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	// books
	s.handleCollection("/books/", s.withAuth(s.handleBooks))
	s.handleCollection("/reviews/", s.withAuth(s.handleReviews))
	s.handleCollection("/submit_review/", s.withAuth(s.handleSubmitReview))

	// departments
	s.handleCollection("/departments/", s.withAuth(s.handleDepartments))

	s.mux.Handle("/auth/logout", s.withAuth(s.handleLogout))
}

// handleCollection serves prefix both with and without its trailing slash;
// the bare form is rewritten rather than redirected.
func (s *Server) handleCollection(prefix string, h http.Handler) {
	s.mux.Handle(prefix, h)
	s.mux.Handle(strings.TrimSuffix(prefix, "/"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r2 := new(http.Request)
		*r2 = *r
		u := *r.URL
		u.Path = prefix
		u.RawPath = ""
		r2.URL = &u
		h.ServeHTTP(w, r2)
	}))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": welcomeMessage})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.authorizer.Authorize(r.Context(), auth.CredentialsFromRequest(r))
		if err != nil {
			util.LoggerFromContext(r.Context()).Debug("request rejected by authorizer", "err", err)
			if _, basic := s.authorizer.(*auth.StaticUsers); basic {
				w.Header().Set("WWW-Authenticate", `Basic realm="records"`)
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}

type tokenRevoker interface {
	Revoke(ctx context.Context, token string) error
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	revoker, ok := s.authorizer.(tokenRevoker)
	token := auth.CredentialsFromRequest(r).BearerToken
	if !ok || token == "" {
		writeError(w, http.StatusBadRequest, "logout requires a bearer token")
		return
	}
	if err := revoker.Revoke(r.Context(), token); err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		util.LoggerFromContext(r.Context()).Error("revoke token failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.metrics.HTTPRequest(routeLabel(r.URL.Path), fmt.Sprintf("%dxx", sw.status/100))
	})
}

// routeLabel keeps metric cardinality bounded by using the first path segment.
func routeLabel(path string) string {
	seg := strings.Trim(path, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	switch seg {
	case "":
		return "root"
	case "books", "reviews", "submit_review", "departments", "auth", "healthz", "metrics":
		return seg
	default:
		return "other"
	}
}

// books

type createBookRequest struct {
	Title           *string `json:"title"`
	Author          *string `json:"author"`
	PublicationYear *int    `json:"publication_year"`
}

type createReviewRequest struct {
	BookID *int    `json:"book_id"`
	Text   *string `json:"text"`
	Rating *int    `json:"rating"`
}

type submitReviewRequest struct {
	Email   *string `json:"email"`
	Message *string `json:"message"`
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/books/" {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleCreateBook(w, r)
	case http.MethodGet:
		s.handleListBooks(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var req createBookRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Title == nil || req.Author == nil || req.PublicationYear == nil {
		writeError(w, http.StatusBadRequest, "title, author and publication_year are required")
		return
	}
	book, err := s.app.AddBook(r.Context(), domain.Book{
		Title:           *req.Title,
		Author:          *req.Author,
		PublicationYear: *req.PublicationYear,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Book added successfully",
		"book_id": book.ID,
	})
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BookFilter{Author: q.Get("author")}
	if raw := strings.TrimSpace(q.Get("publication_year")); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "publication_year must be an integer")
			return
		}
		filter.PublicationYear = year
	}
	books, err := s.app.ListBooks(r.Context(), filter)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/reviews/")
	if rest == "" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleCreateReview(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	bookID, err := strconv.Atoi(strings.TrimSuffix(rest, "/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "book_id must be an integer")
		return
	}
	reviews, err := s.app.ListReviews(r.Context(), bookID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reviews)
}

func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	var req createReviewRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.BookID == nil || req.Text == nil || req.Rating == nil {
		writeError(w, http.StatusBadRequest, "book_id, text and rating are required")
		return
	}
	review, err := s.app.AddReview(r.Context(), domain.Review{
		BookID: *req.BookID,
		Text:   *req.Text,
		Rating: *req.Rating,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Review added successfully",
		"review_id": review.ID,
	})
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/submit_review/" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req submitReviewRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Email == nil || strings.TrimSpace(*req.Email) == "" || req.Message == nil {
		writeError(w, http.StatusBadRequest, "email and message are required")
		return
	}
	if _, err := s.app.SubmitReview(r.Context(), *req.Email, *req.Message); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": reviewSubmittedReply})
}

// departments

type createDepartmentRequest struct {
	DeptID *int    `json:"dept_id"`
	Name   *string `json:"name"`
}

type createEmployeeRequest struct {
	EmpID *int    `json:"emp_id"`
	Name  *string `json:"name"`
}

func (s *Server) handleDepartments(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/departments/"), "/")
	switch {
	case rest == "":
		switch r.Method {
		case http.MethodPost:
			s.handleCreateDepartment(w, r)
		case http.MethodGet:
			s.handleListDepartments(w, r)
		default:
			methodNotAllowed(w)
		}
	case rest == "save":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleSave(w, r)
	default:
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[1] != "employees" {
			notFound(w, "not found")
			return
		}
		deptID, err := strconv.Atoi(parts[0])
		if err != nil {
			writeError(w, http.StatusBadRequest, "dept_id must be an integer")
			return
		}
		switch r.Method {
		case http.MethodPost:
			s.handleCreateEmployee(w, r, deptID)
		case http.MethodGet:
			s.handleListEmployees(w, r, deptID)
		default:
			methodNotAllowed(w)
		}
	}
}

func (s *Server) handleCreateDepartment(w http.ResponseWriter, r *http.Request) {
	var req createDepartmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.DeptID == nil || req.Name == nil {
		writeError(w, http.StatusBadRequest, "dept_id and name are required")
		return
	}
	dept, err := s.app.AddDepartment(r.Context(), *req.DeptID, *req.Name)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Department added successfully",
		"department": dept,
	})
}

func (s *Server) handleListDepartments(w http.ResponseWriter, r *http.Request) {
	depts, err := s.app.ListDepartments(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depts)
}

func (s *Server) handleCreateEmployee(w http.ResponseWriter, r *http.Request, deptID int) {
	var req createEmployeeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.EmpID == nil || req.Name == nil {
		writeError(w, http.StatusBadRequest, "emp_id and name are required")
		return
	}
	emp, err := s.app.AddEmployee(r.Context(), deptID, *req.EmpID, *req.Name)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Employee added successfully",
		"employee": emp,
	})
}

func (s *Server) handleListEmployees(w http.ResponseWriter, r *http.Request, deptID int) {
	emps, err := s.app.ListEmployees(r.Context(), deptID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emps)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	n, err := s.app.SaveDepartments(r.Context())
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("save departments failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save data")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "Data saved",
		"departments": n,
	})
}

// helpers

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidBook):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrBookNotFound):
		notFound(w, "Book not found")
	case errors.Is(err, app.ErrDeptNotFound):
		notFound(w, "department not found")
	case errors.Is(err, app.ErrDeptConflict):
		writeError(w, http.StatusConflict, "department already exists")
	case errors.Is(err, queue.ErrRecipientMissing):
		writeError(w, http.StatusBadRequest, "email and message are required")
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrDispatcherClosed):
		writeError(w, http.StatusServiceUnavailable, "notification queue full")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForRecords(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

func errorCodeForRecords(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_UNAUTHORIZED"
	case message == "book not found":
		return "BOOK_NOT_FOUND"
	case message == "department not found":
		return "DEPARTMENT_NOT_FOUND"
	case message == "department already exists":
		return "DEPARTMENT_CONFLICT"
	case message == "notification queue full":
		return "NOTIFY_QUEUE_FULL"
	case message == "failed to save data":
		return "SNAPSHOT_SAVE_FAILED"
	case message == "request body too large":
		return "RECORDS_BODY_TOO_LARGE"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "RECORDS_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_UNAUTHORIZED"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
