package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"message-aggregator/internal/domain"
	"message-aggregator/internal/keystore"
)

const (
	defaultSweepGrace       = 10 * time.Second
	defaultSweepConcurrency = 4
	defaultSweepRate        = 20
)

type SweepConfig struct {
	// Grace is added to the window before a queue counts as orphaned.
	Grace       time.Duration
	Concurrency int
	// Rate caps flushes started per second.
	Rate float64
}

// SweepReport summarizes one pass. Overdue counts the orphaned queues that
// were handed to a flush.
type SweepReport struct {
	Scanned int
	Overdue int
	Flushed int
	Failed  int
}

// Sweeper re-drives queues whose flush never ran: the arming instance died,
// or the webhook could not be resolved at the time.
type Sweeper struct {
	engine  *Engine
	log     *slog.Logger
	cfg     SweepConfig
	limiter *rate.Limiter
}

func NewSweeper(engine *Engine, log *slog.Logger, cfg SweepConfig) (*Sweeper, error) {
	if engine == nil {
		return nil, errors.New("usecase: engine must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultSweepGrace
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultSweepConcurrency
	}
	if cfg.Rate <= 0 {
		cfg.Rate = defaultSweepRate
	}
	return &Sweeper{
		engine:  engine,
		log:     log,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Concurrency),
	}, nil
}

// Sweep flushes every overdue queue once. Individual flush failures are
// counted and logged; only a failed scan returns an error.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	entries, err := s.engine.store.ScanPrefix(ctx, domain.QueueKeyPrefix())
	if err != nil {
		return SweepReport{}, newError(ErrorStoreUnavailable, "scan_error", err)
	}

	report := SweepReport{Scanned: len(entries)}
	cutoff := s.engine.now().Add(-(s.engine.cfg.Window + s.cfg.Grace))
	var flushed, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, entry := range entries {
		key, ok := domain.ParseQueueKey(entry.Key)
		if !ok {
			s.log.Warn("sweep skipped unparseable queue key", "key", entry.Key)
			continue
		}
		if !entry.CreatedAt.IsZero() && entry.CreatedAt.After(cutoff) {
			continue
		}
		if s.timerLive(gctx, key) {
			continue
		}
		if err := s.limiter.Wait(gctx); err != nil {
			break
		}
		report.Overdue++
		g.Go(func() error {
			if _, err := s.engine.Flush(gctx, key.ChatbotID, key.UserID, key.ConversationID); err != nil {
				failed.Add(1)
				s.log.Warn("sweep flush failed", "conversation", key.String(), "err", err)
				return nil
			}
			flushed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report.Flushed = int(flushed.Load())
	report.Failed = int(failed.Load())
	s.engine.metrics.SweepRedriven(report.Flushed)
	if report.Overdue > 0 {
		s.log.Info("sweep finished",
			"scanned", report.Scanned, "overdue", report.Overdue,
			"flushed", report.Flushed, "failed", report.Failed)
	}
	return report, ctx.Err()
}

// timerLive reports whether a flush is still scheduled for key. Lookup
// errors count as not live so the queue is not stranded.
func (s *Sweeper) timerLive(ctx context.Context, key domain.ConversationKey) bool {
	_, err := s.engine.store.Get(ctx, key.TimerKey())
	if err == nil {
		return true
	}
	if !errors.Is(err, keystore.ErrNotFound) {
		s.log.Warn("sweep timer lookup failed", "conversation", key.String(), "err", err)
	}
	return false
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sweep failed", "err", err)
			}
		}
	}
}
