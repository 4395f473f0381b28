package cloudapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/acme/outbound-followup-engine/internal/config"
	"github.com/acme/outbound-followup-engine/internal/provider"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.ProviderConfig{
		BaseURL:       srv.URL,
		APIVersion:    "v19.0",
		PhoneNumberID: "1055",
		AccessToken:   "secret",
	}, 0)
}

func TestSendTemplateAccepted(t *testing.T) {
	var got sendRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v19.0/1055/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	})

	res, err := client.Send(context.Background(), provider.Message{
		To:           "5215550001",
		TemplateName: "promo",
		LanguageCode: "es_MX",
		Components: []provider.Component{{
			Type:       "header",
			Parameters: []provider.Parameter{{Type: "image", Image: &provider.Media{Link: "https://cdn.example.com/a.png"}}},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.MessageID != "wamid.1" {
		t.Fatalf("expected message id wamid.1, got %q", res.MessageID)
	}
	if got.Type != "template" || got.Template == nil || got.Template.Name != "promo" || got.Template.Language.Code != "es_MX" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestSendTextMessage(t *testing.T) {
	var got sendRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.2"}]}`))
	})

	if _, err := client.Send(context.Background(), provider.Message{To: "1", Text: "hola"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Type != "text" || got.Text == nil || got.Text.Body != "hola" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestSendRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Template name does not exist","type":"OAuthException","code":132001}}`))
	})

	_, err := client.Send(context.Background(), provider.Message{To: "1", TemplateName: "missing"})
	rej, ok := provider.IsRejected(err)
	if !ok {
		t.Fatalf("expected rejection, got %v", err)
	}
	if rej.Reason() != "132001" {
		t.Fatalf("expected reason 132001, got %q", rej.Reason())
	}
}

func TestSendServerErrorIsTransport(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusTooManyRequests} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		_, err := client.Send(context.Background(), provider.Message{To: "1", Text: "x"})
		if err == nil {
			t.Fatalf("status %d: expected error", status)
		}
		if _, ok := provider.IsRejected(err); ok {
			t.Fatalf("status %d: expected transport error, got rejection", status)
		}
	}
}
