package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"message-aggregator/internal/directory"
	"message-aggregator/internal/domain"
	"message-aggregator/internal/usecase"
)

type statusResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type messageRequest struct {
	Message        json.RawMessage `json:"message"`
	ChatbotID      string          `json:"chatbotId"`
	UserID         string          `json:"userId"`
	ConversationID string          `json:"conversationId"`
}

type messageResponse struct {
	Success bool `json:"success"`
	Queued  int  `json:"queued"`
	Armed   bool `json:"armed"`
}

type flushRequest struct {
	ChatbotID      string `json:"chatbotId"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type flushResponse struct {
	Success    bool   `json:"success"`
	Messages   int    `json:"messages"`
	Delivered  int    `json:"delivered"`
	StatusCode int    `json:"statusCode,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Response   string `json:"response,omitempty"`
}

type mediaUploadResponse struct {
	Success bool   `json:"success"`
	MediaID string `json:"mediaId"`
}

type mediaResponse struct {
	Success bool              `json:"success"`
	Media   domain.MediaAsset `json:"media"`
}

type webhooksResponse struct {
	Success  bool                         `json:"success"`
	Webhooks map[string]directory.Webhook `json:"webhooks"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func (h *Handler) route(ctx context.Context, req request) response {
	path := strings.TrimSuffix(req.path, "/")

	switch {
	case path == "/api/status":
		if req.method != http.MethodGet {
			return methodNotAllowed()
		}
		return ok(statusResponse{Status: "online", Timestamp: h.now().UTC().Format(time.RFC3339Nano)})

	case path == "/api/messages":
		if req.method != http.MethodPost {
			return methodNotAllowed()
		}
		return h.ingest(ctx, req)

	case path == "/api/flush":
		if req.method != http.MethodPost {
			return methodNotAllowed()
		}
		return h.flush(ctx, req)

	case path == "/api/media":
		if req.method != http.MethodPost {
			return methodNotAllowed()
		}
		return h.uploadMedia(ctx, req)

	case strings.HasPrefix(path, "/api/media/"):
		if req.method != http.MethodGet {
			return methodNotAllowed()
		}
		return h.getMedia(ctx, strings.TrimPrefix(path, "/api/media/"))

	case path == "/api/webhooks":
		if req.method != http.MethodGet {
			return methodNotAllowed()
		}
		return h.listWebhooks(ctx)

	case strings.HasPrefix(path, "/api/webhooks/"):
		chatbotID := strings.TrimPrefix(path, "/api/webhooks/")
		switch req.method {
		case http.MethodPost, http.MethodPut:
			return h.putWebhook(ctx, chatbotID, req)
		case http.MethodDelete:
			return h.deleteWebhook(ctx, chatbotID)
		}
		return methodNotAllowed()
	}
	return failure(http.StatusNotFound, usecase.ErrorNotFound, "route_not_found")
}

func methodNotAllowed() response {
	return failure(http.StatusMethodNotAllowed, usecase.ErrorInvalidInput, "method_not_allowed")
}

func invalidBody() response {
	return failure(http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_body")
}

func (h *Handler) ingest(ctx context.Context, req request) response {
	var in messageRequest
	if err := json.Unmarshal(req.body, &in); err != nil {
		return invalidBody()
	}
	out, err := h.aggregator.Ingest(ctx, usecase.IngestInput{
		Message:        in.Message,
		ChatbotID:      strings.TrimSpace(in.ChatbotID),
		UserID:         strings.TrimSpace(in.UserID),
		ConversationID: strings.TrimSpace(in.ConversationID),
	})
	if err != nil {
		return h.fail(req, err)
	}
	return ok(messageResponse{Success: true, Queued: out.Queued, Armed: out.Armed})
}

func (h *Handler) flush(ctx context.Context, req request) response {
	var in flushRequest
	if err := json.Unmarshal(req.body, &in); err != nil {
		return invalidBody()
	}
	res, err := h.aggregator.Flush(ctx,
		strings.TrimSpace(in.ChatbotID),
		strings.TrimSpace(in.UserID),
		strings.TrimSpace(in.ConversationID))
	if err != nil {
		return h.fail(req, err)
	}
	return ok(flushResponse{
		Success:    res.Success,
		Messages:   res.Messages,
		Delivered:  res.Delivered,
		StatusCode: res.StatusCode,
		Attempts:   res.Attempts,
		Response:   res.Body,
	})
}

func (h *Handler) uploadMedia(ctx context.Context, req request) response {
	id, err := h.media.Store(ctx, usecase.StoreMediaInput{
		Data:     req.body,
		FileType: req.query["fileType"],
		FileName: req.query["fileName"],
	})
	if err != nil {
		return h.fail(req, err)
	}
	return ok(mediaUploadResponse{Success: true, MediaID: id})
}

func (h *Handler) getMedia(ctx context.Context, mediaID string) response {
	asset, err := h.media.Retrieve(ctx, mediaID)
	if err != nil {
		return fromError(err)
	}
	return ok(mediaResponse{Success: true, Media: asset})
}

func (h *Handler) listWebhooks(ctx context.Context) response {
	hooks, err := h.webhooks.List(ctx)
	if err != nil {
		h.log.Error("list webhooks failed", "err", err)
		return failure(http.StatusServiceUnavailable, usecase.ErrorStoreUnavailable, "directory_error")
	}
	return ok(webhooksResponse{Success: true, Webhooks: hooks})
}

func (h *Handler) putWebhook(ctx context.Context, chatbotID string, req request) response {
	var hook directory.Webhook
	if err := json.Unmarshal(req.body, &hook); err != nil {
		return invalidBody()
	}
	err := h.webhooks.Put(ctx, chatbotID, hook)
	if errors.Is(err, directory.ErrInvalid) {
		return failure(http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_webhook")
	}
	if err != nil {
		h.log.Error("put webhook failed", "chatbot_id", chatbotID, "err", err)
		return failure(http.StatusServiceUnavailable, usecase.ErrorStoreUnavailable, "directory_error")
	}
	h.log.Info("webhook updated", "chatbot_id", chatbotID, "correlation_id", req.correlationID)
	return ok(successResponse{Success: true})
}

func (h *Handler) deleteWebhook(ctx context.Context, chatbotID string) response {
	err := h.webhooks.Delete(ctx, chatbotID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return failure(http.StatusNotFound, usecase.ErrorNotFound, "webhook_not_found")
	case errors.Is(err, directory.ErrInvalid):
		return failure(http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_chatbot_id")
	case err != nil:
		h.log.Error("delete webhook failed", "chatbot_id", chatbotID, "err", err)
		return failure(http.StatusServiceUnavailable, usecase.ErrorStoreUnavailable, "directory_error")
	}
	return ok(successResponse{Success: true})
}

// fail maps err and logs server-side failures with their cause.
func (h *Handler) fail(req request, err error) response {
	resp := fromError(err)
	if resp.status >= http.StatusInternalServerError {
		h.log.Warn("request failed", "correlation_id", req.correlationID, "path", req.path, "err", err)
	}
	return resp
}
