package usecase

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"message-aggregator/internal/domain"
	"message-aggregator/internal/keystore"
)

const (
	mediaKeyPrefix  = "media:"
	mediaIDPrefix   = "media_"
	defaultMediaTTL = time.Hour

	// DynamoDB caps an item at 400 KB; base64 inflates by a third.
	defaultMediaMaxBytes = 280 << 10
)

type MediaConfig struct {
	TTL      time.Duration
	MaxBytes int
}

// MediaService keeps short-lived binary attachments in the shared store so any
// instance can serve them back by id.
type MediaService struct {
	store   keystore.Store
	log     *slog.Logger
	metrics Metrics
	cfg     MediaConfig
	now     func() time.Time
}

type MediaOption func(*MediaService)

func WithMediaClock(now func() time.Time) MediaOption {
	return func(s *MediaService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMediaMetrics(m Metrics) MediaOption {
	return func(s *MediaService) {
		if m != nil {
			s.metrics = m
		}
	}
}

func NewMediaService(store keystore.Store, log *slog.Logger, cfg MediaConfig, opts ...MediaOption) (*MediaService, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultMediaTTL
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMediaMaxBytes
	}
	s := &MediaService{
		store:   store,
		log:     log,
		metrics: noopMetrics{},
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type StoreMediaInput struct {
	Data     []byte
	FileType string
	FileName string
}

// Store saves the payload and returns its media id.
func (s *MediaService) Store(ctx context.Context, in StoreMediaInput) (string, error) {
	if len(in.Data) == 0 {
		return "", newError(ErrorInvalidInput, "empty_payload", nil)
	}
	if len(in.Data) > s.cfg.MaxBytes {
		return "", newError(ErrorInvalidInput, "payload_too_large",
			fmt.Errorf("%d bytes exceeds limit of %d", len(in.Data), s.cfg.MaxBytes))
	}

	id, err := ulid.New(ulid.Timestamp(s.now()), rand.Reader)
	if err != nil {
		return "", newError(ErrorInternal, "id_generation_error", err)
	}
	asset := domain.MediaAsset{
		ID:   mediaIDPrefix + id.String(),
		Type: orDefault(in.FileType, "unknown"),
		Name: orDefault(in.FileName, "unnamed"),
		Data: base64.StdEncoding.EncodeToString(in.Data),
	}
	raw, err := json.Marshal(asset)
	if err != nil {
		return "", newError(ErrorInternal, "encode_error", err)
	}
	if err := s.store.Set(ctx, mediaKeyPrefix+asset.ID, string(raw), s.cfg.TTL); err != nil {
		return "", newError(ErrorStoreUnavailable, "media_write_error", err)
	}

	s.metrics.MediaStored(len(in.Data))
	s.log.Info("media stored", "media_id", asset.ID, "type", asset.Type, "bytes", len(in.Data))
	return asset.ID, nil
}

// Retrieve returns the asset while it is retained.
func (s *MediaService) Retrieve(ctx context.Context, mediaID string) (domain.MediaAsset, error) {
	if !strings.HasPrefix(mediaID, mediaIDPrefix) || len(mediaID) == len(mediaIDPrefix) {
		return domain.MediaAsset{}, newError(ErrorNotFound, "media_not_found", nil)
	}
	raw, err := s.store.Get(ctx, mediaKeyPrefix+mediaID)
	if errors.Is(err, keystore.ErrNotFound) {
		return domain.MediaAsset{}, newError(ErrorNotFound, "media_not_found", err)
	}
	if err != nil {
		return domain.MediaAsset{}, newError(ErrorStoreUnavailable, "media_read_error", err)
	}

	var asset domain.MediaAsset
	if err := json.Unmarshal([]byte(raw), &asset); err != nil {
		return domain.MediaAsset{}, newError(ErrorInternal, "media_decode_error", err)
	}
	return asset, nil
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
