package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testStore(t *testing.T, handler http.Handler, prefix string) *S3Store {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := NewS3Store(context.Background(), S3Config{
		Bucket:          "mailroom-test",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		KeyPrefix:       prefix,
	})
	if err != nil {
		t.Fatalf("NewS3Store() error = %v", err)
	}
	return store
}

func TestPut(t *testing.T) {
	var gotPath, gotContentType string
	var gotBody []byte
	store := testStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"abc"`)
	}), "")

	err := store.Put(context.Background(), "u1/m1/100_report.pdf", "application/pdf", []byte("%PDF"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if gotPath != "/mailroom-test/u1/m1/100_report.pdf" {
		t.Errorf("path = %q, want %q", gotPath, "/mailroom-test/u1/m1/100_report.pdf")
	}
	if gotContentType != "application/pdf" {
		t.Errorf("Content-Type = %q, want %q", gotContentType, "application/pdf")
	}
	if string(gotBody) != "%PDF" {
		t.Errorf("body = %q, want %q", gotBody, "%PDF")
	}
}

func TestPutWithPrefix(t *testing.T) {
	var gotPath string
	store := testStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}), "/attachments/")

	if err := store.Put(context.Background(), "u1/m1/1_a.txt", "text/plain", []byte("x")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if gotPath != "/mailroom-test/attachments/u1/m1/1_a.txt" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestPutServerError(t *testing.T) {
	store := testStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}), "")

	if err := store.Put(context.Background(), "k", "text/plain", []byte("x")); err == nil {
		t.Fatal("Put() error = nil, want error on 403")
	}
}

func TestSignedURL(t *testing.T) {
	// Presigning computes a URL locally without hitting the endpoint.
	store := testStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("presign should not call the server")
	}), "")

	url, err := store.SignedURL(context.Background(), "u1/m1/100_report.pdf", time.Hour)
	if err != nil {
		t.Fatalf("SignedURL() error = %v", err)
	}
	if !strings.Contains(url, "u1/m1/100_report.pdf") {
		t.Errorf("url %q does not reference the object key", url)
	}
	if !strings.Contains(url, "X-Amz-Expires=3600") {
		t.Errorf("url %q does not carry the one hour expiry", url)
	}
	if !strings.Contains(url, "X-Amz-Signature=") {
		t.Errorf("url %q is not signed", url)
	}
}

func TestSignedURLDefaultExpiry(t *testing.T) {
	store := testStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), "")

	url, err := store.SignedURL(context.Background(), "k", 0)
	if err != nil {
		t.Fatalf("SignedURL() error = %v", err)
	}
	if !strings.Contains(url, "X-Amz-Expires=3600") {
		t.Errorf("url %q, want default one hour expiry", url)
	}
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{Region: "us-east-1"})
	if err == nil {
		t.Fatal("NewS3Store() without bucket should fail")
	}
}
