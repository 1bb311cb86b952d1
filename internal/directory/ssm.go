package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"message-aggregator/internal/integrations/paramstore"
)

// ParamStore is the subset of paramstore.Client used by SSM.
type ParamStore interface {
	GetParameter(ctx context.Context, name string) (string, error)
	GetParametersByPath(ctx context.Context, path string) (map[string]string, error)
	PutParameter(ctx context.Context, name, value string) error
	DeleteParameter(ctx context.Context, name string) error
}

// SSM keeps one JSON parameter per chatbot under <prefix>/webhooks/<chatbotId>.
type SSM struct {
	params ParamStore
	path   string
}

var _ Directory = (*SSM)(nil)

func NewSSM(params ParamStore, paramPrefix string) (*SSM, error) {
	if params == nil {
		return nil, errors.New("directory: param store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("directory: parameter prefix must not be empty")
	}
	return &SSM{params: params, path: paramPrefix + "/webhooks"}, nil
}

func (s *SSM) paramName(chatbotID string) string {
	return s.path + "/" + strings.TrimSpace(chatbotID)
}

func (s *SSM) Resolve(ctx context.Context, chatbotID string) (string, error) {
	if err := validChatbotID(chatbotID); err != nil {
		return "", err
	}
	raw, err := s.params.GetParameter(ctx, s.paramName(chatbotID))
	if errors.Is(err, paramstore.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, chatbotID)
	}
	if err != nil {
		return "", fmt.Errorf("directory: resolve %q: %w", chatbotID, err)
	}
	var hook Webhook
	if err := json.Unmarshal([]byte(raw), &hook); err != nil {
		return "", fmt.Errorf("directory: decode webhook for %q: %w", chatbotID, err)
	}
	if strings.TrimSpace(hook.Webhook) == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, chatbotID)
	}
	return hook.Webhook, nil
}

func (s *SSM) List(ctx context.Context) (map[string]Webhook, error) {
	params, err := s.params.GetParametersByPath(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("directory: list: %w", err)
	}
	hooks := make(map[string]Webhook, len(params))
	for name, raw := range params {
		var hook Webhook
		if err := json.Unmarshal([]byte(raw), &hook); err != nil {
			// one bad parameter must not hide the rest
			continue
		}
		hooks[strings.TrimPrefix(name, s.path+"/")] = hook
	}
	return hooks, nil
}

func (s *SSM) Put(ctx context.Context, chatbotID string, hook Webhook) error {
	if err := validChatbotID(chatbotID); err != nil {
		return err
	}
	if err := hook.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(hook)
	if err != nil {
		return fmt.Errorf("directory: encode webhook: %w", err)
	}
	if err := s.params.PutParameter(ctx, s.paramName(chatbotID), string(raw)); err != nil {
		return fmt.Errorf("directory: put %q: %w", chatbotID, err)
	}
	return nil
}

func (s *SSM) Delete(ctx context.Context, chatbotID string) error {
	if err := validChatbotID(chatbotID); err != nil {
		return err
	}
	err := s.params.DeleteParameter(ctx, s.paramName(chatbotID))
	if errors.Is(err, paramstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, chatbotID)
	}
	if err != nil {
		return fmt.Errorf("directory: delete %q: %w", chatbotID, err)
	}
	return nil
}
