// Package remote is the REST client for the document server.
//
// Every request carries a bearer token obtained from the configured token
// function. An empty token means the device is signed out; calls then fail
// with ErrUnauthenticated before touching the network.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/scanvault/docsync/internal/schema"
)

var (
	// ErrUnauthenticated is returned when no token is available.
	ErrUnauthenticated = errors.New("no auth token: local-only mode")

	// ErrNotFound is returned for a 404 response.
	ErrNotFound = errors.New("not found on server")

	// ErrInvalidManifest is returned when a manifest entry cannot be used.
	ErrInvalidManifest = errors.New("invalid manifest")
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRejection reports whether the server refused the request itself (4xx),
// as opposed to failing to handle it. 408 and 429 are not rejections.
func (e *HTTPError) IsRejection() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusUnauthorized:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Is lets errors.Is(err, ErrNotFound) match a 404.
func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// IsTransient reports whether err is worth retrying on a later trigger:
// network failures, timeouts, 5xx, 408, 429 and 401 (the token may be
// refreshed by then).
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrUnauthenticated) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return !he.IsRejection()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// TokenFunc returns the current bearer token, or "" when signed out.
type TokenFunc func(ctx context.Context) (string, error)

// Config configures a Client.
type Config struct {
	// HTTP is the underlying client (default: http.DefaultTransport, no global timeout)
	HTTP *http.Client

	// RequestTimeout bounds each individual call (default: 10s)
	RequestTimeout time.Duration

	// Logger for request failures (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP:           &http.Client{},
		RequestTimeout: 10 * time.Second,
		Logger:         log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// Client talks to the document server.
type Client struct {
	baseURL string
	token   TokenFunc
	config  *Config
	logger  *log.Logger
}

// New creates a client for baseURL.
func New(baseURL string, token TokenFunc, config *Config) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("server url cannot be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if token == nil {
		return nil, fmt.Errorf("token function cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.HTTP == nil {
		config.HTTP = &http.Client{}
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		config:  config,
		logger:  config.Logger,
	}, nil
}

// Authenticated reports whether a token is currently available.
func (c *Client) Authenticated(ctx context.Context) bool {
	tok, err := c.token(ctx)
	return err == nil && tok != ""
}

// Ping checks that the server is reachable. Any HTTP response counts.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.config.HTTP.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends one request with its own timeout and decodes a JSON response
// into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	tok, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	if tok == "" {
		return ErrUnauthenticated
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.config.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// ManifestResponse is the body of GET /documents/manifest.
type ManifestResponse struct {
	Documents  []schema.ManifestEntry `json:"documents"`
	ServerTime time.Time              `json:"server_time"`
}

// FetchManifest returns the server's manifest and its clock reading.
//
// Any entry that fails validation fails the whole fetch with
// ErrInvalidManifest; a missing entry would read as a server-side delete.
func (c *Client) FetchManifest(ctx context.Context) (schema.Manifest, time.Time, error) {
	var resp ManifestResponse
	if err := c.do(ctx, http.MethodGet, "/documents/manifest", nil, &resp); err != nil {
		return nil, time.Time{}, err
	}

	for i, e := range resp.Documents {
		if err := e.Validate(); err != nil {
			return nil, time.Time{}, fmt.Errorf("%w: entry %d: %v", ErrInvalidManifest, i, err)
		}
	}
	return schema.NewManifest(resp.Documents), resp.ServerTime, nil
}

// FetchBatch fetches several documents in one request.
func (c *Client) FetchBatch(ctx context.Context, ids []string) ([]*schema.Document, error) {
	var docs []*schema.Document
	body := map[string][]string{"document_ids": ids}
	if err := c.do(ctx, http.MethodPost, "/documents/batch", body, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// FetchDocument fetches one document.
func (c *Client) FetchDocument(ctx context.Context, id string) (*schema.Document, error) {
	var doc schema.Document
	if err := c.do(ctx, http.MethodGet, "/documents/"+url.PathEscape(id), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// UploadPage is a page as sent to the server: local images travel inline.
type UploadPage struct {
	schema.Page
	ImageData    []byte `json:"image_data,omitempty"`
	OriginalData []byte `json:"original_data,omitempty"`
}

// DocumentUpload is the body of POST /documents and PUT /documents/{id}.
// Nil fields are left unchanged by an update.
type DocumentUpload struct {
	Name      *string       `json:"name,omitempty"`
	FolderID  *string       `json:"folder_id,omitempty"`
	Tags      *[]string     `json:"tags,omitempty"`
	Pages     *[]UploadPage `json:"pages,omitempty"`
	Type      *string       `json:"document_type,omitempty"`
	Protected *bool         `json:"is_protected,omitempty"`
	CreatedAt *time.Time    `json:"created_at,omitempty"`
	UpdatedAt *time.Time    `json:"updated_at,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

// CreateDocument creates a document and returns the server-issued id.
func (c *Client) CreateDocument(ctx context.Context, doc DocumentUpload) (string, error) {
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/documents", doc, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create response carried no id")
	}
	return resp.ID, nil
}

// UpdateDocument applies a partial update.
func (c *Client) UpdateDocument(ctx context.Context, id string, doc DocumentUpload) error {
	return c.do(ctx, http.MethodPut, "/documents/"+url.PathEscape(id), doc, nil)
}

// DeleteDocument deletes a document.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/documents/"+url.PathEscape(id), nil, nil)
}

// FolderUpload is the body of POST /folders and PUT /folders/{id}.
type FolderUpload struct {
	Name      *string `json:"name,omitempty"`
	Color     *string `json:"color,omitempty"`
	ParentID  *string `json:"parent_id,omitempty"`
	Protected *bool   `json:"is_protected,omitempty"`
}

// CreateFolder creates a folder and returns the server-issued id.
func (c *Client) CreateFolder(ctx context.Context, f FolderUpload) (string, error) {
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/folders", f, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create response carried no id")
	}
	return resp.ID, nil
}

// UpdateFolder applies a partial folder update.
func (c *Client) UpdateFolder(ctx context.Context, id string, f FolderUpload) error {
	return c.do(ctx, http.MethodPut, "/folders/"+url.PathEscape(id), f, nil)
}

// DeleteFolder deletes a folder.
func (c *Client) DeleteFolder(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/folders/"+url.PathEscape(id), nil, nil)
}
