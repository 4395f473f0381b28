// Package cloudapi sends template and text messages through the WhatsApp Cloud API.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/acme/outbound-followup-engine/internal/config"
	"github.com/acme/outbound-followup-engine/internal/provider"
)

// Client implements provider.Provider over HTTPS.
type Client struct {
	baseURL       string
	version       string
	phoneNumberID string
	token         string
	http          *http.Client
}

// New constructs a Cloud API client.
func New(cfg config.ProviderConfig, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		version:       cfg.APIVersion,
		phoneNumberID: cfg.PhoneNumberID,
		token:         cfg.AccessToken,
		http:          &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Template         *templateRef `json:"template,omitempty"`
	Text             *textBody    `json:"text,omitempty"`
}

type templateRef struct {
	Name       string               `json:"name"`
	Language   languageRef          `json:"language"`
	Components []provider.Component `json:"components,omitempty"`
}

type languageRef struct {
	Code string `json:"code"`
}

type textBody struct {
	Body string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send posts one message. 4xx responses other than 429 are returned as
// *provider.RejectedError; everything else that fails is a transport error.
func (c *Client) Send(ctx context.Context, msg provider.Message) (provider.Result, error) {
	payload := sendRequest{MessagingProduct: "whatsapp", To: msg.To}
	if msg.TemplateName != "" {
		payload.Type = "template"
		payload.Template = &templateRef{
			Name:       msg.TemplateName,
			Language:   languageRef{Code: msg.LanguageCode},
			Components: msg.Components,
		}
	} else {
		payload.Type = "text"
		payload.Text = &textBody{Body: msg.Text}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return provider.Result{}, fmt.Errorf("cloudapi: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.version, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return provider.Result{}, fmt.Errorf("cloudapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.Result{}, fmt.Errorf("cloudapi: send: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return provider.Result{}, fmt.Errorf("cloudapi: read response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return provider.Result{}, rejection(resp.StatusCode, raw)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return provider.Result{}, fmt.Errorf("cloudapi: status %d: %s", resp.StatusCode, truncate(raw))
	}

	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return provider.Result{}, fmt.Errorf("cloudapi: decode response: %w", err)
	}
	result := provider.Result{}
	if len(out.Messages) > 0 {
		result.MessageID = out.Messages[0].ID
	}
	return result, nil
}

func rejection(status int, raw []byte) *provider.RejectedError {
	var e errorResponse
	if err := json.Unmarshal(raw, &e); err == nil && e.Error.Code != 0 {
		return &provider.RejectedError{Code: strconv.Itoa(e.Error.Code), Message: e.Error.Message}
	}
	return &provider.RejectedError{Code: "http_" + strconv.Itoa(status), Message: truncate(raw)}
}

func truncate(raw []byte) string {
	const max = 256
	if len(raw) > max {
		return string(raw[:max])
	}
	return string(raw)
}
