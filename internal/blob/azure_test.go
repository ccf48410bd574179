package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) { return string(s), nil }

func TestAzureUploadAndDelete(t *testing.T) {
	var uploaded string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer aad" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("x-ms-version") == "" {
			t.Errorf("missing x-ms-version")
		}
		switch r.Method {
		case http.MethodPut:
			if r.Header.Get("x-ms-blob-type") != "BlockBlob" {
				t.Errorf("blob type = %q", r.Header.Get("x-ms-blob-type"))
			}
			body, _ := io.ReadAll(r.Body)
			if string(body) != "png-bytes" {
				t.Errorf("body = %q", body)
			}
			uploaded = r.URL.Path
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			if r.URL.Path != uploaded {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer server.Close()

	store := NewAzureStoreWithTokens(AzureConfig{
		Account:   "acct",
		Container: "media",
		Endpoint:  server.URL,
		PublicURL: "https://cdn.example.com",
	}, staticTokens("aad"))

	obj, err := store.Upload(context.Background(), []byte("png-bytes"), "image/png", "generations/u1/r1")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(obj.FileID, "generations/u1/r1/") || !strings.HasSuffix(obj.FileID, ".png") {
		t.Fatalf("file id = %q", obj.FileID)
	}
	if !strings.HasPrefix(obj.URL, "https://cdn.example.com/media/generations/u1/r1/") {
		t.Fatalf("url = %q", obj.URL)
	}
	if uploaded != "/media/"+obj.FileID {
		t.Fatalf("uploaded to %q", uploaded)
	}

	if err := store.Delete(context.Background(), obj.FileID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(context.Background(), "missing.png"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore("")
	obj, err := store.Upload(context.Background(), []byte("x"), "image/webp", "a/b")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if data, mimeType, ok := store.Get(obj.FileID); !ok || string(data) != "x" || mimeType != "image/webp" {
		t.Fatalf("get: %q %q %v", data, mimeType, ok)
	}
	if err := store.Delete(context.Background(), obj.FileID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(context.Background(), obj.FileID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}
