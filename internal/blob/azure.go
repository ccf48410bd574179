package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/inkframe/backend/internal/httputil"
)

const azureAPIVersion = "2021-08-06"

// AzureConfig configures the Azure Blob Storage client.
type AzureConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Account      string
	Container    string
	// Endpoint overrides https://{account}.blob.core.windows.net.
	Endpoint string
	// PublicURL, when set, replaces the endpoint in returned URLs.
	PublicURL  string
	HTTPClient *http.Client
}

// TokenSource yields bearer tokens for storage requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// AzureStore talks to the Blob REST API with an AAD bearer token.
type AzureStore struct {
	http      *http.Client
	tokens    TokenSource
	container string
	endpoint  string
	publicURL string
}

var _ Store = (*AzureStore)(nil)

// NewAzureStore builds a store authenticated with a client secret.
func NewAzureStore(cfg AzureConfig) (*AzureStore, error) {
	if cfg.Account == "" || cfg.Container == "" {
		return nil, errors.New("azure blob: account and container are required")
	}
	cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("azure blob credential: %w", err)
	}
	return NewAzureStoreWithTokens(cfg, NewTokenCache(cred, 0)), nil
}

// NewAzureStoreWithTokens builds a store over an existing token source.
func NewAzureStoreWithTokens(cfg AzureConfig, tokens TokenSource) *AzureStore {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: time.Minute}
	}
	public := cfg.PublicURL
	if public == "" {
		public = endpoint
	}
	return &AzureStore{
		http:      hc,
		tokens:    tokens,
		container: cfg.Container,
		endpoint:  strings.TrimRight(endpoint, "/"),
		publicURL: strings.TrimRight(public, "/"),
	}
}

func (s *AzureStore) objectURL(base, name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return base + "/" + url.PathEscape(s.container) + "/" + strings.Join(parts, "/")
}

func (s *AzureStore) newRequest(ctx context.Context, method, name string, body []byte) (*http.Request, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, s.objectURL(s.endpoint, name), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-ms-version", azureAPIVersion)
	req.Header.Set("x-ms-date", time.Now().UTC().Format(http.TimeFormat))
	return req, nil
}

// Upload writes data as a block blob under a unique name below pathHint.
func (s *AzureStore) Upload(ctx context.Context, data []byte, mimeType, pathHint string) (Object, error) {
	name := ObjectName(pathHint, mimeType)
	req, err := s.newRequest(ctx, http.MethodPut, name, data)
	if err != nil {
		return Object{}, err
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("x-ms-blob-type", "BlockBlob")
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
		req.Header.Set("x-ms-blob-content-type", mimeType)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", name, err)
	}
	if _, err := httputil.ReadResponse(resp, 1<<20); err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", name, err)
	}
	return Object{FileID: name, URL: s.objectURL(s.publicURL, name)}, nil
}

// Delete removes the blob named fileID.
func (s *AzureStore) Delete(ctx context.Context, fileID string) error {
	req, err := s.newRequest(ctx, http.MethodDelete, fileID, nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", fileID, err)
	}
	_, err = httputil.ReadResponse(resp, 1<<20)
	var statusErr *httputil.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", fileID, err)
	}
	return nil
}
