// Package directory maps chatbot identifiers to their webhook configuration.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotFound is returned when no webhook is configured for a chatbot.
var ErrNotFound = errors.New("directory: webhook not found")

// ErrInvalid wraps every validation failure of a chatbot id or webhook.
var ErrInvalid = errors.New("directory: invalid webhook")

// Webhook is the per-chatbot delivery configuration.
type Webhook struct {
	Webhook string `json:"webhook"`
	Name    string `json:"name,omitempty"`
}

// Validate checks that the webhook carries an absolute http(s) URL and a name.
func (w Webhook) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	u, err := url.Parse(strings.TrimSpace(w.Webhook))
	if err != nil {
		return fmt.Errorf("%w: url: %v", ErrInvalid, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be absolute http(s)", ErrInvalid)
	}
	return nil
}

// Resolver is the only capability the aggregation engine needs.
type Resolver interface {
	Resolve(ctx context.Context, chatbotID string) (string, error)
}

// Directory adds the maintenance operations used by the admin routes and CLI.
type Directory interface {
	Resolver
	List(ctx context.Context) (map[string]Webhook, error)
	Put(ctx context.Context, chatbotID string, hook Webhook) error
	Delete(ctx context.Context, chatbotID string) error
}

func validChatbotID(chatbotID string) error {
	chatbotID = strings.TrimSpace(chatbotID)
	if chatbotID == "" {
		return fmt.Errorf("%w: chatbot id is required", ErrInvalid)
	}
	if strings.ContainsAny(chatbotID, "/ ") {
		return fmt.Errorf("%w: chatbot id must not contain '/' or spaces", ErrInvalid)
	}
	return nil
}
