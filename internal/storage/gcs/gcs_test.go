package gcs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/api/option"

	appconfig "github.com/membershiphub/esign/internal/config"
)

// ---------------------------------------------------------------------------
// New() - constructor validation (no GCS connection required)
// ---------------------------------------------------------------------------

func TestNew_MissingBucket(t *testing.T) {
	if _, err := New(&appconfig.GCSStorageConfig{}); err == nil {
		t.Error("New() = nil error, want error for missing bucket")
	}
}

func TestNew_ServiceAccountNoCredentials(t *testing.T) {
	cfg := &appconfig.GCSStorageConfig{
		Bucket:     "signed-artifacts",
		AuthMethod: "service_account",
	}
	if _, err := New(cfg); err == nil {
		t.Error("New() = nil error, want error for service_account without credentials")
	}
}

func TestNew_UnsupportedAuthMethod(t *testing.T) {
	cfg := &appconfig.GCSStorageConfig{
		Bucket:     "signed-artifacts",
		AuthMethod: "workload_identity",
	}
	if _, err := New(cfg); err == nil {
		t.Error("New() = nil error, want error for unsupported auth_method")
	}
}

// ---------------------------------------------------------------------------
// Object metadata lookups against a fake JSON API
// ---------------------------------------------------------------------------

func newFakeGCS(t *testing.T) *GCSStorage {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/o/present.pdf"):
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"bucket":"signed-artifacts","name":"present.pdf","size":"3"}`))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":404,"message":"No such object"}}`))
		}
	}))
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.GCSStorageConfig{
		Bucket:   "signed-artifacts",
		Endpoint: srv.URL + "/storage/v1/",
	}, option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExists(t *testing.T) {
	s := newFakeGCS(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "present.pdf")
	if err != nil || !ok {
		t.Fatalf("Exists(present) = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.Exists(ctx, "absent.pdf")
	if err != nil || ok {
		t.Fatalf("Exists(absent) = %v, %v; want false, nil", ok, err)
	}
}

func TestDelete_MissingObjectIsNotAnError(t *testing.T) {
	s := newFakeGCS(t)
	if err := s.Delete(context.Background(), "absent.pdf"); err != nil {
		t.Fatalf("Delete(absent) = %v, want nil", err)
	}
}

func TestUpload_RejectsTraversal(t *testing.T) {
	s := &GCSStorage{bucket: "signed-artifacts"}
	if _, err := s.Upload(context.Background(), "../escape.pdf", strings.NewReader("x"), 1, "application/pdf"); err == nil {
		t.Fatal("Upload with traversal path should fail")
	}
}
