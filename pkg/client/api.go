package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

// Default REST paths. HistoryPath contains an {id} placeholder.
const (
	DefaultUploadPath   = "/api/upload"
	DefaultHistoryPath  = "/api/sessions/{id}/messages"
	DefaultSessionsPath = "/api/sessions"
)

// ErrHTTPStatus matches every *StatusError.
var ErrHTTPStatus = errors.New("unexpected http status")

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("failed to %s: %s: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("failed to %s: %s", e.Op, e.Status)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrHTTPStatus
}

// APIOptions configures the REST client.
type APIOptions struct {
	// BaseURL is the server URL (e.g. "http://localhost:8420").
	BaseURL string
	// Token, if set, is sent as a bearer token.
	Token string
	// Timeout for HTTP requests (default: 60s).
	Timeout time.Duration
	// Endpoint paths relative to BaseURL.
	UploadPath   string
	HistoryPath  string
	SessionsPath string
	// Fs is used to read files for upload (default: the OS filesystem).
	Fs afero.Fs
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// API calls the REST endpoints of the backend.
type API struct {
	opts       APIOptions
	httpClient *http.Client
	fs         afero.Fs
}

// NewAPI creates a REST client.
func NewAPI(opts APIOptions) *API {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UploadPath == "" {
		opts.UploadPath = DefaultUploadPath
	}
	if opts.HistoryPath == "" {
		opts.HistoryPath = DefaultHistoryPath
	}
	if opts.SessionsPath == "" {
		opts.SessionsPath = DefaultSessionsPath
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")

	a := &API{opts: opts, httpClient: opts.HTTPClient, fs: opts.Fs}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: opts.Timeout}
	}
	if a.fs == nil {
		a.fs = afero.NewOsFs()
	}
	return a
}

// UploadFile reads path from the configured filesystem and uploads it.
func (a *API) UploadFile(ctx context.Context, path string) (*protocol.Attachment, error) {
	f, err := a.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return a.Upload(ctx, filepath.Base(path), f)
}

// Upload sends one file as the multipart field "file" and returns the
// attachment metadata assigned by the server.
func (a *API) Upload(ctx context.Context, filename string, r io.Reader) (*protocol.Attachment, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreatePart(filePartHeader(filename, detectMimeType(filename, content)))
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := a.newRequest(ctx, http.MethodPost, a.opts.UploadPath, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var att protocol.Attachment
	if err := a.do(req, "upload file", &att); err != nil {
		return nil, err
	}
	if att.Filename == "" {
		att.Filename = filename
	}
	if att.Size == 0 {
		att.Size = int64(len(content))
	}
	return &att, nil
}

// SessionHistory reads the stored transcript of a session.
func (a *API) SessionHistory(ctx context.Context, sessionID string) ([]protocol.HistoryMessage, error) {
	if sessionID == "" {
		return nil, errors.New("failed to load session history: empty session id")
	}
	path := strings.ReplaceAll(a.opts.HistoryPath, "{id}", url.PathEscape(sessionID))
	req, err := a.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result protocol.SessionHistory
	if err := a.do(req, "load session history", &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// ListSessions lists the sessions stored by the backend.
func (a *API) ListSessions(ctx context.Context) ([]protocol.SessionSummary, error) {
	req, err := a.newRequest(ctx, http.MethodGet, a.opts.SessionsPath, nil)
	if err != nil {
		return nil, err
	}

	var result protocol.ListSessionsResponse
	if err := a.do(req, "list sessions", &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

func (a *API) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.opts.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if a.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.opts.Token)
	}
	return req, nil
}

func (a *API) do(req *http.Request, op string, out any) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func filePartHeader(filename, mimeType string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     "file",
		"filename": filename,
	}))
	h.Set("Content-Type", mimeType)
	return h
}

func detectMimeType(filename string, content []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); t != "" {
		return t
	}
	return http.DetectContentType(content)
}
