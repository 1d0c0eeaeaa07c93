// Package restapi is the HTTP client for the conversation mutation
// endpoints: message edit, message delete, and attachment upload. The
// realtime stream itself lives in pkg/session; these are the out-of-band
// collaborators behind it.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/evidentia-ai/consult/pkg/models"
)

var (
	// ErrNotFound indicates the message or conversation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the credential was rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	AccessToken() string
}

// Client talks to the backend's REST endpoints. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	log        *slog.Logger
}

// NewClient creates a REST client. baseURL is the API root, e.g.
// "http://localhost:8085".
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		tokens:     tokens,
		log:        slog.Default(),
	}
}

// EditMessage replaces a message's content and returns the server's version
// of the message.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, content string) (models.Message, error) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return models.Message{}, fmt.Errorf("encode edit request: %w", err)
	}

	target := fmt.Sprintf("%s/api/v1/conversations/%s/messages/%s", c.baseURL, conversationID, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return models.Message{}, fmt.Errorf("create edit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Message{}, fmt.Errorf("edit message: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return models.Message{}, err
	}

	var updated models.Message
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		return models.Message{}, fmt.Errorf("decode edited message: %w", err)
	}
	return updated, nil
}

// DeleteMessage removes a message server-side.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	target := fmt.Sprintf("%s/api/v1/conversations/%s/messages/%s", c.baseURL, conversationID, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return statusError(resp)
}

// UploadAttachment uploads one file for an already-sent message and returns
// its attachment reference.
func (c *Client) UploadAttachment(ctx context.Context, messageID string, file models.Upload) (models.AttachmentRef, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", file.Filename)
	if err != nil {
		return models.AttachmentRef{}, fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return models.AttachmentRef{}, fmt.Errorf("write upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return models.AttachmentRef{}, fmt.Errorf("finalize upload form: %w", err)
	}

	target := fmt.Sprintf("%s/api/v1/messages/%s/attachments", c.baseURL, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &buf)
	if err != nil {
		return models.AttachmentRef{}, fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.AttachmentRef{}, fmt.Errorf("upload attachment: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return models.AttachmentRef{}, err
	}

	var ref models.AttachmentRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return models.AttachmentRef{}, fmt.Errorf("decode attachment reference: %w", err)
	}
	return ref, nil
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.tokens == nil {
		return
	}
	if token := c.tokens.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// statusError maps a non-2xx response to a client error.
func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	default:
		return fmt.Errorf("backend returned HTTP %d", resp.StatusCode)
	}
}
