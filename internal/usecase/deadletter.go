package usecase

import (
	"context"
	"crypto/rand"
	"encoding/json"

	"github.com/oklog/ulid/v2"

	"message-aggregator/internal/domain"
	"message-aggregator/internal/integrations/webhook"
)

type deadLetterRecord struct {
	Batch      domain.AggregatedBatch `json:"batch"`
	Error      string                 `json:"error"`
	StatusCode int                    `json:"statusCode,omitempty"`
	Attempts   int                    `json:"attempts"`
	FailedAt   int64                  `json:"failedAt"`
}

// deadLetter logs the full batch and parks it in the store so a failed
// delivery is never silent. Both steps are best effort.
func (e *Engine) deadLetter(ctx context.Context, key domain.ConversationKey, batch domain.AggregatedBatch, res webhook.Result, cause error) {
	now := e.now()
	record := deadLetterRecord{
		Batch:      batch,
		Error:      cause.Error(),
		StatusCode: res.StatusCode,
		Attempts:   res.Attempts,
		FailedAt:   now.UnixMilli(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		e.log.Error("encode dead letter failed", "conversation", key.String(), "err", err)
		return
	}
	e.log.Error("aggregated batch delivery failed",
		"conversation", key.String(),
		"status", res.StatusCode,
		"attempts", res.Attempts,
		"batch", string(raw),
		"err", cause)

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		e.log.Error("dead letter id failed", "conversation", key.String(), "err", err)
		return
	}
	if err := e.store.Set(ctx, key.DeadLetterKey(id.String()), string(raw), e.cfg.DeadLetterTTL); err != nil {
		e.log.Error("store dead letter failed", "conversation", key.String(), "err", err)
	}
}
