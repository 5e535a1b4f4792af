package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type HTTPConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// HTTPClient calls the provider REST API. Every request waits on a shared
// token bucket so launches and the processor stay under the provider's rate
// limit together.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (c *HTTPClient) Lookup(ctx context.Context, accountID, providerID string) (*Profile, error) {
	q := url.Values{"account_id": {accountID}, "provider_id": {providerID}}
	return c.getProfile(ctx, "/api/v1/users/profile?"+q.Encode())
}

func (c *HTTPClient) LookupSlug(ctx context.Context, accountID, slug string) (*Profile, error) {
	q := url.Values{"account_id": {accountID}}
	return c.getProfile(ctx, "/api/v1/users/"+url.PathEscape(slug)+"?"+q.Encode())
}

func (c *HTTPClient) getProfile(ctx context.Context, path string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create lookup request: %w", err)
	}

	var p Profile
	if err := c.do(req, &p); err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Send starts (or reuses) a chat with the attendee and posts text.
func (c *HTTPClient) Send(ctx context.Context, accountID, providerID, text string) (*SendResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range map[string]string{
		"account_id":    accountID,
		"attendees_ids": providerID,
		"text":          text,
	} {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write form field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/chats", &body)
	if err != nil {
		return nil, fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var res struct {
		ID        string `json:"id"`
		ChatID    string `json:"chat_id"`
		MessageID string `json:"message_id"`
	}
	if err := c.do(req, &res); err != nil {
		return nil, err
	}

	chatID := res.ChatID
	if chatID == "" {
		chatID = res.ID
	}
	return &SendResult{RemoteMessageID: res.MessageID, ChatID: chatID}, nil
}

func (c *HTTPClient) Invite(ctx context.Context, accountID, providerID, note string) (*SendResult, error) {
	payload, err := json.Marshal(map[string]string{
		"account_id":  accountID,
		"provider_id": providerID,
		"message":     TruncateNote(note),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal invite: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/users/invite", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create invite request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var res struct {
		InvitationID string `json:"invitation_id"`
	}
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	return &SendResult{RemoteMessageID: res.InvitationID}, nil
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("wait for rate limiter: %w", err)
	}

	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	c.logger.Debug("provider request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

// errorMessage pulls a readable message out of a provider error body.
func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Title   string `json:"title"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil {
		for _, s := range []string{e.Message, e.Detail, e.Title} {
			if s != "" {
				return s
			}
		}
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return strings.TrimSpace(string(body))
}
