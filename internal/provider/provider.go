package provider

import (
	"context"
	"errors"
	"fmt"
)

// Message is one outbound provider call.
type Message struct {
	To           string
	TemplateName string
	LanguageCode string
	Components   []Component
	// Text is sent as a plain text message when TemplateName is empty.
	Text string
}

// Component is one parameterised template block in the provider payload.
type Component struct {
	Type       string      `json:"type"`
	Parameters []Parameter `json:"parameters"`
}

// Parameter is a single template parameter.
type Parameter struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image *Media `json:"image,omitempty"`
}

// Media references a hosted media object.
type Media struct {
	Link string `json:"link"`
}

// Result captures an accepted provider call.
type Result struct {
	MessageID string
}

// Provider abstracts the outbound messaging integration.
type Provider interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// RejectedError is a terminal refusal from the provider.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider rejected: %s", e.Code)
	}
	return fmt.Sprintf("provider rejected: %s: %s", e.Code, e.Message)
}

// Reason returns the machine-readable rejection reason.
func (e *RejectedError) Reason() string {
	return e.Code
}

// IsRejected reports whether err is a terminal provider refusal. Any other
// error is treated as a transport failure.
func IsRejected(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
