// Package handler exposes the aggregation service over API Gateway events
// and plain net/http.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"message-aggregator/internal/directory"
	"message-aggregator/internal/domain"
	"message-aggregator/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

const defaultMaxBodyBytes = 1 << 20

type Aggregator interface {
	Ingest(ctx context.Context, in usecase.IngestInput) (usecase.IngestOutput, error)
	Flush(ctx context.Context, chatbotID, userID, conversationID string) (usecase.DispatchResult, error)
}

type MediaStore interface {
	Store(ctx context.Context, in usecase.StoreMediaInput) (string, error)
	Retrieve(ctx context.Context, mediaID string) (domain.MediaAsset, error)
}

type Webhooks interface {
	List(ctx context.Context) (map[string]directory.Webhook, error)
	Put(ctx context.Context, chatbotID string, hook directory.Webhook) error
	Delete(ctx context.Context, chatbotID string) error
}

type Sweeper interface {
	Sweep(ctx context.Context) (usecase.SweepReport, error)
}

type Handler struct {
	aggregator   Aggregator
	media        MediaStore
	webhooks     Webhooks
	sweeper      Sweeper
	log          *slog.Logger
	now          func() time.Time
	maxBodyBytes int64
}

type Option func(*Handler)

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithSweeper enables the scheduled-event path of HandleEvent.
func WithSweeper(s Sweeper) Option {
	return func(h *Handler) { h.sweeper = s }
}

func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

func NewHandler(aggregator Aggregator, media MediaStore, webhooks Webhooks, opts ...Option) (*Handler, error) {
	if aggregator == nil {
		return nil, errors.New("handler: aggregator must not be nil")
	}
	if media == nil {
		return nil, errors.New("handler: media store must not be nil")
	}
	if webhooks == nil {
		return nil, errors.New("handler: webhooks must not be nil")
	}
	h := &Handler{
		aggregator:   aggregator,
		media:        media,
		webhooks:     webhooks,
		log:          slog.Default(),
		now:          time.Now,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// request is the transport-neutral view of one inbound call. Header keys
// are lower-cased.
type request struct {
	method        string
	path          string
	query         map[string]string
	headers       map[string]string
	body          []byte
	correlationID string
}

type response struct {
	status int
	body   any
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
}

// Handle serves one API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, ev events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	headers := make(map[string]string, len(ev.Headers))
	for k, v := range ev.Headers {
		headers[strings.ToLower(k)] = v
	}
	req := request{
		method:        strings.ToUpper(ev.HTTPMethod),
		path:          ev.Path,
		query:         ev.QueryStringParameters,
		headers:       headers,
		correlationID: correlationID(headers),
	}

	var resp response
	body, err := eventBody(ev)
	switch {
	case err != nil:
		resp = failure(http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_body_encoding")
	case int64(len(body)) > h.maxBodyBytes:
		resp = failure(http.StatusRequestEntityTooLarge, usecase.ErrorInvalidInput, "body_too_large")
	default:
		req.body = body
		resp = h.serve(ctx, req)
	}

	status, payload := h.encode(req, resp)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: req.correlationID,
		},
		Body: string(payload),
	}, nil
}

func eventBody(ev events.APIGatewayProxyRequest) ([]byte, error) {
	if !ev.IsBase64Encoded {
		return []byte(ev.Body), nil
	}
	return base64.StdEncoding.DecodeString(ev.Body)
}

// HandleEvent is the Lambda entry point. It accepts API Gateway proxy
// requests and EventBridge scheduled events; the latter run a recovery sweep.
func (h *Handler) HandleEvent(ctx context.Context, raw json.RawMessage) (any, error) {
	var probe struct {
		Source     string `json:"source"`
		DetailType string `json:"detail-type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("handler: decode event: %w", err)
	}
	if probe.Source == "aws.events" || probe.DetailType == "Scheduled Event" {
		return h.handleScheduled(ctx)
	}

	var ev events.APIGatewayProxyRequest
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("handler: decode api gateway request: %w", err)
	}
	return h.Handle(ctx, ev)
}

func (h *Handler) handleScheduled(ctx context.Context) (usecase.SweepReport, error) {
	if h.sweeper == nil {
		return usecase.SweepReport{}, errors.New("handler: scheduled event received but no sweeper configured")
	}
	report, err := h.sweeper.Sweep(ctx)
	if err != nil {
		h.log.Error("scheduled sweep failed", "err", err)
		return report, err
	}
	return report, nil
}

// serve routes the request and logs the outcome.
func (h *Handler) serve(ctx context.Context, req request) response {
	start := h.now()
	resp := h.route(ctx, req)

	attrs := []any{
		"correlation_id", req.correlationID,
		"method", req.method,
		"path", req.path,
		"status", resp.status,
		"duration_ms", h.now().Sub(start).Milliseconds(),
	}
	if resp.status >= http.StatusInternalServerError {
		h.log.Error("api.request", attrs...)
	} else {
		h.log.Info("api.request", attrs...)
	}
	return resp
}

func (h *Handler) encode(req request, resp response) (int, []byte) {
	payload, err := json.Marshal(resp.body)
	if err != nil {
		h.log.Error("encode response failed", "correlation_id", req.correlationID, "err", err)
		payload, _ = json.Marshal(errorResponse{Error: string(usecase.ErrorInternal), Reason: "encode_error"})
		return http.StatusInternalServerError, payload
	}
	return resp.status, payload
}

func correlationID(headers map[string]string) string {
	if id := strings.TrimSpace(headers[strings.ToLower(correlationHeader)]); id != "" {
		return id
	}
	return uuid.NewString()
}

func ok(body any) response {
	return response{status: http.StatusOK, body: body}
}

func failure(status int, code usecase.ErrorCode, reason string) response {
	return response{status: status, body: errorResponse{Error: string(code), Reason: reason}}
}

// fromError maps a service error to its HTTP status and body.
func fromError(err error) response {
	var uerr *usecase.Error
	if !errors.As(err, &uerr) {
		return failure(http.StatusInternalServerError, usecase.ErrorInternal, "unexpected_error")
	}
	status := http.StatusInternalServerError
	switch uerr.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorNotFound:
		status = http.StatusNotFound
	case usecase.ErrorConversationBusy:
		status = http.StatusConflict
	case usecase.ErrorStoreUnavailable:
		status = http.StatusServiceUnavailable
	case usecase.ErrorWebhookUnresolved:
		status = http.StatusUnprocessableEntity
	case usecase.ErrorDispatchFailed:
		status = http.StatusBadGateway
	}
	return failure(status, uerr.Code, uerr.Reason)
}
