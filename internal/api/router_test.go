package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membershiphub/esign/internal/auth"
	"github.com/membershiphub/esign/internal/config"
	"github.com/membershiphub/esign/internal/db/models"
	"github.com/membershiphub/esign/internal/middleware"
	"github.com/membershiphub/esign/internal/signing"
	"github.com/membershiphub/esign/internal/storage"
)

const testContractID = "1b4e28ba-2fa1-11d2-883f-0016d3cca427"

func init() {
	gin.SetMode(gin.TestMode)
}

// memStorage is a storage.Storage holding objects in memory.
type memStorage struct {
	objects   map[string][]byte
	existsErr error
}

func (m *memStorage) Name() string { return "memory" }
func (m *memStorage) Upload(_ context.Context, p string, r io.Reader, _ int64, _ string) (*storage.UploadResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.objects[p] = data
	return &storage.UploadResult{Path: p, Size: int64(len(data))}, nil
}
func (m *memStorage) Download(_ context.Context, p string) (io.ReadCloser, error) {
	data, ok := m.objects[p]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
func (m *memStorage) Delete(_ context.Context, p string) error { delete(m.objects, p); return nil }
func (m *memStorage) GetURL(_ context.Context, p string, _ time.Duration) (string, error) {
	return "/files/" + p, nil
}
func (m *memStorage) Exists(_ context.Context, p string) (bool, error) {
	if m.existsErr != nil {
		return false, m.existsErr
	}
	_, ok := m.objects[p]
	return ok, nil
}

// fakeContracts answers every workflow call with a fixed contract.
type fakeContracts struct{ signed []signing.SignRequest }

func (f *fakeContracts) Create(_ context.Context, req signing.CreateRequest) (*models.Contract, error) {
	return &models.Contract{ID: testContractID, Title: req.Title, Status: models.ContractStatusDraft}, nil
}
func (f *fakeContracts) Get(_ context.Context, id string) (*signing.ContractDetail, error) {
	return &signing.ContractDetail{Contract: &models.Contract{ID: id, Status: models.ContractStatusSent}}, nil
}
func (f *fakeContracts) Activity(context.Context, string, int, int) ([]*models.ActivityLog, int, error) {
	return nil, 0, nil
}
func (f *fakeContracts) Send(_ context.Context, req signing.SendRequest) (*signing.SendResult, error) {
	return &signing.SendResult{ContractID: req.ContractID, Status: models.ContractStatusSent}, nil
}
func (f *fakeContracts) Sign(_ context.Context, req signing.SignRequest) (*signing.SignResult, error) {
	f.signed = append(f.signed, req)
	return &signing.SignResult{ContractID: req.ContractID, SignatureID: "sig-1", Role: models.SignerRoleFirst,
		Status: models.ContractStatusPartiallySigned, DateSigned: "March 3, 2025"}, nil
}
func (f *fakeContracts) Void(_ context.Context, req signing.VoidRequest) (*models.Contract, error) {
	return &models.Contract{ID: req.ContractID, Status: models.ContractStatusVoid}, nil
}

// linkAuthorizer accepts the token "sgn_ok" for testContractID.
type linkAuthorizer struct{}

func (linkAuthorizer) AuthorizeSigningToken(_ context.Context, contractID, token string) (*models.ContractRecipient, error) {
	if contractID == testContractID && token == "sgn_ok" {
		return &models.ContractRecipient{ID: "rec-1", ContractID: contractID, RecipientEmail: "member@example.com"}, nil
	}
	return nil, signing.ErrInvalidSigningToken
}

func newHealthDB(t *testing.T, pingOK bool) *sql.DB {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	if pingOK {
		mock.ExpectPing()
	} else {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	return db
}

func getJSON(t *testing.T, h http.Handler, method, path string, headers map[string]string, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var out map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func bearer(t *testing.T, scopes ...string) map[string]string {
	t.Helper()
	token, err := auth.GenerateJWT("member-1", "member@example.com", scopes, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

// ---------------------------------------------------------------------------
// probes
// ---------------------------------------------------------------------------

func TestHealthCheckHandler(t *testing.T) {
	for _, ok := range []bool{true, false} {
		r := gin.New()
		r.GET("/health", healthCheckHandler(newHealthDB(t, ok)))
		w, body := getJSON(t, r, http.MethodGet, "/health", nil, "")

		if ok {
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "healthy", body["status"])
		} else {
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
			assert.Equal(t, "database connection failed", body["error"])
		}
	}
}

func TestReadinessHandler(t *testing.T) {
	r := gin.New()
	r.GET("/ready", readinessHandler(newHealthDB(t, true), &memStorage{objects: map[string][]byte{}}))
	w, body := getJSON(t, r, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ready"])

	r = gin.New()
	r.GET("/ready", readinessHandler(newHealthDB(t, true), &memStorage{existsErr: errors.New("403 forbidden")}))
	w, body = getJSON(t, r, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "storage backend not ready", body["error"])

	r = gin.New()
	r.GET("/ready", readinessHandler(newHealthDB(t, false), &memStorage{objects: map[string][]byte{}}))
	w, body = getJSON(t, r, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "database not ready", body["error"])
}

func TestVersionHandler(t *testing.T) {
	r := gin.New()
	r.GET("/version", versionHandler())
	w, body := getJSON(t, r, http.MethodGet, "/version", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, "v1", body["api_version"])
}

// ---------------------------------------------------------------------------
// NewRouter
// ---------------------------------------------------------------------------

func newTestRouter(t *testing.T, mutate func(*config.Config, *Deps)) (*gin.Engine, *fakeContracts, *memStorage) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Storage.DefaultBackend = "local"
	cfg.Storage.Local.ServeDirectly = true
	cfg.Security.CORS.AllowedOrigins = []string{"https://members.example"}

	svc := &fakeContracts{}
	store := &memStorage{objects: map[string][]byte{}}
	deps := Deps{
		DB:        newHealthDB(t, true),
		Storage:   store,
		Contracts: svc,
		Signer:    linkAuthorizer{},
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	return NewRouter(cfg, deps), svc, store
}

func TestNewRouter_RequiresAuthentication(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w, body := getJSON(t, r, http.MethodGet, "/api/v1/contracts/"+testContractID, nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Missing authorization header", body["error"])
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestNewRouter_ScopesAreEnforced(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	w, _ := getJSON(t, r, http.MethodPost, "/api/v1/contracts", bearer(t, "contracts:sign"), `{"title":"t","content":"c"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = getJSON(t, r, http.MethodPost, "/api/v1/contracts", bearer(t, "contracts:manage"), `{"title":"t","content":"c"}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	w, _ = getJSON(t, r, http.MethodPost, "/api/v1/contracts/"+testContractID+"/sign", bearer(t, "contracts:read"),
		`{"signatureData":"data:image/png;base64,AAAA"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestNewRouter_SigningLink(t *testing.T) {
	r, svc, _ := newTestRouter(t, nil)

	w, body := getJSON(t, r, http.MethodPost, "/api/v1/contracts/"+testContractID+"/sign?token=sgn_ok", nil,
		`{"signatureData":"data:image/png;base64,AAAA"}`)
	require.Equal(t, http.StatusOK, w.Code, "body: %v", body)
	assert.Equal(t, true, body["success"])
	require.Len(t, svc.signed, 1)
	assert.Equal(t, models.SignerRoleFirst, svc.signed[0].Role)
	assert.Equal(t, "member@example.com", svc.signed[0].RecipientEmail)

	w, _ = getJSON(t, r, http.MethodGet, "/api/v1/contracts/"+testContractID, map[string]string{middleware.SigningTokenHeader: "sgn_ok"}, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = getJSON(t, r, http.MethodPost, "/api/v1/contracts/"+testContractID+"/sign?token=sgn_bad", nil,
		`{"signatureData":"data:image/png;base64,AAAA"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Signing links never reach management routes.
	w, _ = getJSON(t, r, http.MethodPost, "/api/v1/contracts/"+testContractID+"/void?token=sgn_ok", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = getJSON(t, r, http.MethodGet, "/api/v1/contracts/"+testContractID+"/activity?token=sgn_ok", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNewRouter_RateLimiting(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{RequestsPerMinute: 1, BurstSize: 1, CleanupInterval: time.Hour})
	t.Cleanup(limiter.Stop)

	r, _, _ := newTestRouter(t, func(cfg *config.Config, d *Deps) {
		cfg.Security.RateLimiting.Enabled = true
		d.Limiter = limiter
	})

	headers := bearer(t, "contracts:read")
	w, _ := getJSON(t, r, http.MethodGet, "/api/v1/contracts/"+testContractID, headers, "")
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = getJSON(t, r, http.MethodGet, "/api/v1/contracts/"+testContractID, headers, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestNewRouter_ServesLocalFiles(t *testing.T) {
	r, _, store := newTestRouter(t, nil)
	store.objects["contracts/"+testContractID+"/signed.pdf"] = []byte("%PDF-1.4")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/files/contracts/"+testContractID+"/signed.pdf", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, "SAMEORIGIN", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "%PDF-1.4", w.Body.String())

	for _, p := range []string{"/files/contracts/missing.pdf", "/files/../etc/passwd", "/files/contracts/notes.txt"} {
		w = httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, p)
	}
}

func TestNewRouter_NoFileRouteForCloudBackends(t *testing.T) {
	r, _, _ := newTestRouter(t, func(cfg *config.Config, _ *Deps) {
		cfg.Storage.DefaultBackend = "s3"
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/files/contracts/x.pdf", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// LoggerMiddleware / CORSMiddleware
// ---------------------------------------------------------------------------

func TestLoggerMiddleware_PassesThrough(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		cfg := &config.Config{}
		cfg.Logging.Format = format

		r := gin.New()
		r.Use(LoggerMiddleware(cfg))
		r.GET("/", func(c *gin.Context) { c.Status(http.StatusTeapot) })

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?token=secret", nil))
		assert.Equal(t, http.StatusTeapot, w.Code)
	}
}

func newCORSRouter(origins ...string) *gin.Engine {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = origins
	r := gin.New()
	r.Use(CORSMiddleware(cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func corsRequest(r *gin.Engine, method, origin string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, "/", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestCORSMiddleware(t *testing.T) {
	w := corsRequest(newCORSRouter("https://members.example"), http.MethodGet, "https://members.example")
	assert.Equal(t, "https://members.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), middleware.SigningTokenHeader)

	w = corsRequest(newCORSRouter("https://members.example"), http.MethodGet, "https://evil.example")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = corsRequest(newCORSRouter("*"), http.MethodGet, "https://anything.example")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))

	w = corsRequest(newCORSRouter("*"), http.MethodOptions, "https://members.example")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCORSMiddleware_ConfiguredMethods(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"*"}
	cfg.Security.CORS.AllowedMethods = []string{"GET", "POST"}
	r := gin.New()
	r.Use(CORSMiddleware(cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := corsRequest(r, http.MethodGet, "https://members.example")
	assert.Equal(t, "GET, POST", w.Header().Get("Access-Control-Allow-Methods"))
}
