package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// File keeps the whole directory in one JSON document of the form
// {"<chatbotId>": {"webhook": "...", "name": "..."}}. The file is re-read on
// every call so edits made outside the process are picked up.
type File struct {
	path string
	mu   sync.Mutex
}

var _ Directory = (*File)(nil)

func NewFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("directory: config path must not be empty")
	}
	return &File{path: path}, nil
}

func (f *File) load() (map[string]Webhook, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Webhook{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directory: read %s: %w", f.path, err)
	}
	hooks := map[string]Webhook{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return hooks, nil
	}
	if err := json.Unmarshal(raw, &hooks); err != nil {
		return nil, fmt.Errorf("directory: decode %s: %w", f.path, err)
	}
	return hooks, nil
}

// save writes through a temp file in the same directory and renames it into place.
func (f *File) save(hooks map[string]Webhook) error {
	raw, err := json.MarshalIndent(hooks, "", "  ")
	if err != nil {
		return fmt.Errorf("directory: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".webhooks-*.json")
	if err != nil {
		return fmt.Errorf("directory: create temp: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("directory: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("directory: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("directory: replace %s: %w", f.path, err)
	}
	return nil
}

func (f *File) Resolve(_ context.Context, chatbotID string) (string, error) {
	if err := validChatbotID(chatbotID); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	hooks, err := f.load()
	if err != nil {
		return "", err
	}
	hook, ok := hooks[chatbotID]
	if !ok || strings.TrimSpace(hook.Webhook) == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, chatbotID)
	}
	return hook.Webhook, nil
}

func (f *File) List(_ context.Context) (map[string]Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *File) Put(_ context.Context, chatbotID string, hook Webhook) error {
	if err := validChatbotID(chatbotID); err != nil {
		return err
	}
	if err := hook.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	hooks, err := f.load()
	if err != nil {
		return err
	}
	hooks[chatbotID] = hook
	return f.save(hooks)
}

func (f *File) Delete(_ context.Context, chatbotID string) error {
	if err := validChatbotID(chatbotID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	hooks, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := hooks[chatbotID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, chatbotID)
	}
	delete(hooks, chatbotID)
	return f.save(hooks)
}
