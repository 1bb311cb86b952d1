package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"message-aggregator/internal/directory"
	"message-aggregator/internal/domain"
	"message-aggregator/internal/integrations/webhook"
	"message-aggregator/internal/keystore"
)

const (
	defaultWindow        = 20 * time.Second
	defaultLockTTL       = 60 * time.Second
	defaultLockWait      = 45 * time.Second
	defaultDeadLetterTTL = 7 * 24 * time.Hour
)

// Dispatcher delivers one aggregated batch. *webhook.Client satisfies it.
type Dispatcher interface {
	Deliver(ctx context.Context, url string, batch domain.AggregatedBatch) (webhook.Result, error)
}

// Metrics receives engine events. *metrics.Recorder satisfies it.
type Metrics interface {
	MessageIngested(armed bool)
	FlushCompleted(outcome string, messages int, elapsed time.Duration)
	MediaStored(size int)
	SweepRedriven(count int)
}

type noopMetrics struct{}

func (noopMetrics) MessageIngested(bool)                      {}
func (noopMetrics) FlushCompleted(string, int, time.Duration) {}
func (noopMetrics) MediaStored(int)                           {}
func (noopMetrics) SweepRedriven(int)                         {}

// EngineConfig tunes the aggregation protocol. Zero values take defaults.
type EngineConfig struct {
	// Window is how long messages are buffered before a flush.
	Window time.Duration
	// LockTTL bounds how long a crashed holder can block a conversation.
	// It must exceed the longest flush, dispatcher retries included.
	LockTTL time.Duration
	// LockWait is how long Ingest and Flush wait for a busy conversation.
	LockWait      time.Duration
	DeadLetterTTL time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	if c.LockWait <= 0 {
		c.LockWait = defaultLockWait
	}
	if c.DeadLetterTTL <= 0 {
		c.DeadLetterTTL = defaultDeadLetterTTL
	}
	return c
}

type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// Engine buffers inbound messages per conversation in the shared store and
// delivers them as one batch when the aggregation window closes.
//
// The flush trigger is an in-process timer armed by whichever Ingest created
// the store timer record. That timer does not survive a restart; Sweeper
// re-drives queues whose window has passed without a flush.
type Engine struct {
	store      keystore.Store
	resolver   directory.Resolver
	dispatcher Dispatcher
	log        *slog.Logger
	metrics    Metrics
	cfg        EngineConfig
	now        func() time.Time

	mu       sync.Mutex
	closed   bool
	nextID   uint64
	timers   map[uint64]*time.Timer
	inflight sync.WaitGroup
}

type IngestInput struct {
	Message        json.RawMessage
	ChatbotID      string
	UserID         string
	ConversationID string
}

type IngestOutput struct {
	// Queued is the queue length after this message was appended.
	Queued int
	// Armed is true when this call scheduled the flush for the window.
	Armed bool
}

// DispatchResult reports one flush. Failures are also returned as *Error.
type DispatchResult struct {
	Success    bool
	Messages   int
	Delivered  int
	StatusCode int
	Attempts   int
	Body       string
}

func NewEngine(store keystore.Store, resolver directory.Resolver, dispatcher Dispatcher, log *slog.Logger, cfg EngineConfig, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if resolver == nil {
		return nil, errors.New("usecase: webhook resolver must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		log:        log,
		metrics:    noopMetrics{},
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		timers:     make(map[uint64]*time.Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Window returns the configured aggregation window.
func (e *Engine) Window() time.Duration {
	return e.cfg.Window
}

// timerTTL is the store expiry of a timer record: the window rounded up to
// whole seconds.
func (e *Engine) timerTTL() time.Duration {
	return time.Duration(math.Ceil(e.cfg.Window.Seconds())) * time.Second
}

// Ingest appends the message to its conversation queue and, if no flush is
// scheduled yet, arms one. It never waits on delivery.
func (e *Engine) Ingest(ctx context.Context, in IngestInput) (IngestOutput, error) {
	key := domain.ConversationKey{
		ChatbotID:      in.ChatbotID,
		UserID:         in.UserID,
		ConversationID: in.ConversationID,
	}
	if !key.Valid() {
		return IngestOutput{}, newError(ErrorInvalidInput, "missing_identifiers", nil)
	}
	if !validMessage(in.Message) {
		return IngestOutput{}, newError(ErrorInvalidInput, "missing_message", nil)
	}

	release, err := e.acquire(ctx, key)
	if err != nil {
		return IngestOutput{}, err
	}
	defer release()

	timerKey := key.TimerKey()
	_, err = e.store.Get(ctx, timerKey)
	scheduled := err == nil
	if err != nil && !errors.Is(err, keystore.ErrNotFound) {
		return IngestOutput{}, newError(ErrorStoreUnavailable, "timer_read_error", err)
	}

	queued, err := e.store.Append(ctx, key.QueueKey(), string(in.Message))
	if err != nil {
		return IngestOutput{}, newError(ErrorStoreUnavailable, "queue_append_error", err)
	}
	e.log.Debug("message queued", "conversation", key.String(), "queued", queued)

	out := IngestOutput{Queued: queued}
	if !scheduled {
		token := newTimerToken(e.now().Add(e.cfg.Window))
		armed, err := e.store.SetNX(ctx, timerKey, token, e.timerTTL())
		if err != nil {
			// The message is already queued; the sweeper will flush it.
			return IngestOutput{}, newError(ErrorStoreUnavailable, "timer_write_error", err)
		}
		if armed {
			e.schedule(key, token)
			out.Armed = true
			e.log.Info("aggregation timer armed",
				"conversation", key.String(), "window_ms", e.cfg.Window.Milliseconds())
		}
	}
	e.metrics.MessageIngested(out.Armed)
	return out, nil
}

func validMessage(raw json.RawMessage) bool {
	if len(raw) == 0 || !json.Valid(raw) {
		return false
	}
	switch string(raw) {
	case "null", `""`:
		return false
	}
	return true
}

// newTimerToken is the timer record value: the due time in unix ms plus a
// suffix unique to this arming.
var newTimerToken = func(dueAt time.Time) string {
	return strconv.FormatInt(dueAt.UnixMilli(), 10) + "/" + uuid.NewString()
}

// schedule arms the in-process callback that flushes key after the window.
// The callback only flushes while token is still the stored timer value.
func (e *Engine) schedule(key domain.ConversationKey, token string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.nextID++
	id := e.nextID
	e.timers[id] = time.AfterFunc(e.cfg.Window, func() {
		e.fire(id, key, token)
	})
}

func (e *Engine) fire(id uint64, key domain.ConversationKey, token string) {
	e.mu.Lock()
	delete(e.timers, id)
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LockWait+e.cfg.LockTTL)
	defer cancel()
	if _, err := e.flush(ctx, key, token); err != nil {
		e.log.Error("scheduled flush failed", "conversation", key.String(), "err", err)
	}
}

// Close stops pending timers and waits for running flushes. Queues stay in
// the store for the sweeper.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.inflight.Wait()
}

// Flush drains the conversation queue and delivers it as one batch. An empty
// queue is a successful no-op. When the webhook cannot be resolved or an
// entry cannot be parsed, the queue and timer are left for a later retry.
func (e *Engine) Flush(ctx context.Context, chatbotID, userID, conversationID string) (DispatchResult, error) {
	key := domain.ConversationKey{ChatbotID: chatbotID, UserID: userID, ConversationID: conversationID}
	if !key.Valid() {
		return DispatchResult{}, newError(ErrorInvalidInput, "missing_identifiers", nil)
	}
	return e.flush(ctx, key, "")
}

// flush is Flush for a validated key. A non-empty armedToken makes the flush
// conditional: it is skipped when the timer record now holds another token,
// meaning the window it was armed for already flushed and a new one began.
func (e *Engine) flush(ctx context.Context, key domain.ConversationKey, armedToken string) (DispatchResult, error) {
	started := e.now()

	release, err := e.acquire(ctx, key)
	if err != nil {
		return DispatchResult{}, err
	}
	defer release()

	if armedToken != "" {
		current, err := e.store.Get(ctx, key.TimerKey())
		switch {
		case err == nil && current != armedToken:
			e.log.Debug("stale timer skipped", "conversation", key.String())
			e.metrics.FlushCompleted("superseded", 0, e.now().Sub(started))
			return DispatchResult{Success: true}, nil
		case err != nil && !errors.Is(err, keystore.ErrNotFound):
			return DispatchResult{}, newError(ErrorStoreUnavailable, "timer_read_error", err)
		}
	}

	raw, err := e.store.Range(ctx, key.QueueKey())
	if err != nil {
		return DispatchResult{}, newError(ErrorStoreUnavailable, "queue_read_error", err)
	}
	if len(raw) == 0 {
		if err := e.store.Delete(context.WithoutCancel(ctx), key.TimerKey()); err != nil {
			e.log.Warn("clear timer failed", "conversation", key.String(), "err", err)
		}
		e.log.Debug("flush found empty queue", "conversation", key.String())
		e.metrics.FlushCompleted("empty", 0, e.now().Sub(started))
		return DispatchResult{Success: true}, nil
	}

	messages, err := parseQueue(raw)
	if err != nil {
		e.metrics.FlushCompleted("parse_error", len(raw), e.now().Sub(started))
		return DispatchResult{Messages: len(raw)}, newError(ErrorParse, "malformed_queue_entry", err)
	}

	url, err := e.resolver.Resolve(ctx, key.ChatbotID)
	if err != nil {
		reason := "directory_error"
		if errors.Is(err, directory.ErrNotFound) {
			reason = "webhook_not_found"
		}
		e.log.Warn("webhook unresolved, queue kept",
			"conversation", key.String(), "messages", len(messages), "err", err)
		e.metrics.FlushCompleted("unresolved", len(messages), e.now().Sub(started))
		return DispatchResult{Messages: len(messages)}, newError(ErrorWebhookUnresolved, reason, err)
	}

	batch := domain.AggregatedBatch{
		UserID:         key.UserID,
		ConversationID: key.ConversationID,
		ChatbotID:      key.ChatbotID,
		Timestamp:      e.now().UnixMilli(),
		Messages:       messages,
	}
	res, dispatchErr := e.dispatcher.Deliver(ctx, url, batch)

	cleanupCtx := context.WithoutCancel(ctx)
	if dispatchErr != nil {
		e.deadLetter(cleanupCtx, key, batch, res, dispatchErr)
	}
	if err := e.store.Delete(cleanupCtx, key.QueueKey(), key.TimerKey()); err != nil {
		// Delivery already happened; a leftover queue means the sweeper
		// may deliver these messages again.
		e.log.Error("clear queue after dispatch failed", "conversation", key.String(), "err", err)
	}

	result := DispatchResult{
		Success:    dispatchErr == nil,
		Messages:   len(messages),
		StatusCode: res.StatusCode,
		Attempts:   res.Attempts,
		Body:       res.Body,
	}
	if dispatchErr != nil {
		e.metrics.FlushCompleted("dispatch_failed", len(messages), e.now().Sub(started))
		return result, newError(ErrorDispatchFailed, dispatchReason(dispatchErr), dispatchErr)
	}
	result.Delivered = len(messages)
	e.metrics.FlushCompleted("delivered", len(messages), e.now().Sub(started))
	e.log.Info("aggregated batch delivered",
		"conversation", key.String(), "messages", len(messages),
		"status", res.StatusCode, "attempts", res.Attempts)
	return result, nil
}

func parseQueue(raw []string) ([]json.RawMessage, error) {
	messages := make([]json.RawMessage, 0, len(raw))
	for i, entry := range raw {
		var msg json.RawMessage
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func dispatchReason(err error) string {
	var statusErr *webhook.HTTPStatusError
	if errors.As(err, &statusErr) {
		return "webhook_status_" + strconv.Itoa(statusErr.StatusCode)
	}
	var unreachable *webhook.UnreachableError
	if errors.As(err, &unreachable) {
		return "webhook_unreachable"
	}
	return "webhook_error"
}
