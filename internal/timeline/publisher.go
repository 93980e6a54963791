package timeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ArcadePulseLabs/arena/backend/internal/svcerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opPublisherNew = "timeline.publisher.new"
	opPublish      = "timeline.publish"

	reasonMissingDatabase = "missing_database"
	reasonMissingSession  = "missing_session_id"
	reasonEmptyBatch      = "empty_batch"
	reasonUpsertFailed    = "upsert_failed"

	defaultFanoutTimeout = 5 * time.Second
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingSession  = errors.New("session identifier is required")
	errEmptyBatch      = errors.New("event batch is empty")
	noOpLogger         = zap.NewNop()
)

// PublisherConfig wires the timeline publisher.
type PublisherConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	Logger        *zap.Logger
	Dispatcher    *Dispatcher
	Webhook       *WebhookSender
	ChannelPrefix string
	FanoutTimeout time.Duration
}

// Publisher persists timeline events idempotently and fans them out to the
// realtime channel and the external webhook. Fan-out is fire-and-forget
// relative to the caller: once the row is durable, delivery failures are
// logged and never surfaced.
type Publisher struct {
	db            *gorm.DB
	clock         func() time.Time
	logger        *zap.Logger
	dispatcher    *Dispatcher
	webhook       *WebhookSender
	channelPrefix string
	fanoutTimeout time.Duration

	inflight sync.WaitGroup
}

// NewPublisher constructs a Publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opPublisherNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	timeout := cfg.FanoutTimeout
	if timeout <= 0 {
		timeout = defaultFanoutTimeout
	}
	return &Publisher{
		db:            cfg.Database,
		clock:         clock,
		logger:        logger,
		dispatcher:    cfg.Dispatcher,
		webhook:       cfg.Webhook,
		channelPrefix: cfg.ChannelPrefix,
		fanoutTimeout: timeout,
	}, nil
}

// PublishResult reports how many rows were stored versus already present.
type PublishResult struct {
	Stored     int
	Duplicates int
}

// Publish upserts the batch and schedules the two best-effort fan-outs.
func (p *Publisher) Publish(ctx context.Context, sessionID string, events []Event) (PublishResult, error) {
	if sessionID == "" {
		return PublishResult{}, svcerr.New(opPublish, reasonMissingSession, errMissingSession)
	}
	if len(events) == 0 {
		return PublishResult{}, svcerr.New(opPublish, reasonEmptyBatch, errEmptyBatch)
	}

	now := p.clock().UTC().Unix()
	batch := make([]Event, len(events))
	copy(batch, events)
	for index := range batch {
		batch[index].SessionID = sessionID
		if batch[index].TimestampSeconds == 0 {
			batch[index].TimestampSeconds = now
		}
		if batch[index].EventID == "" {
			batch[index].EventID = DeriveEventID(
				batch[index].Type,
				batch[index].OwnerID,
				batch[index].Turn,
				batch[index].TimestampSeconds,
			)
		}
		batch[index].CreatedAtSeconds = now
	}

	result := PublishResult{}
	txErr := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range batch {
			insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&batch[index])
			if insert.Error != nil {
				p.logError(opPublish, reasonUpsertFailed, insert.Error,
					zap.String("session_id", sessionID),
					zap.String("event_id", batch[index].EventID))
				return svcerr.New(opPublish, reasonUpsertFailed, insert.Error)
			}
			if insert.RowsAffected == 0 {
				result.Duplicates++
			} else {
				result.Stored++
			}
		}
		return nil
	})
	if txErr != nil {
		return PublishResult{}, txErr
	}

	p.scheduleFanout(ctx, sessionID, batch)
	return result, nil
}

// Flush blocks until all scheduled fan-outs have finished. Used by tests
// and graceful shutdown.
func (p *Publisher) Flush() {
	p.inflight.Wait()
}

// scheduleFanout runs realtime and webhook delivery detached from the
// request lifecycle, each pass bounded by one shared deadline. A timed-out
// delivery is abandoned and logged.
func (p *Publisher) scheduleFanout(ctx context.Context, sessionID string, batch []Event) {
	fanoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fanoutTimeout)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer cancel()

		group, groupCtx := errgroup.WithContext(fanoutCtx)
		group.Go(func() error {
			if p.dispatcher == nil {
				return nil
			}
			p.dispatcher.Publish(RealtimeMessage{
				Channel:   p.channelName(sessionID),
				SessionID: sessionID,
				Events:    batch,
				Timestamp: p.clock().UTC(),
			})
			return nil
		})
		group.Go(func() error {
			if !p.webhook.Configured() {
				return nil
			}
			return p.webhook.Send(groupCtx, sessionID, batch)
		})
		if err := group.Wait(); err != nil {
			p.logger.Warn("timeline fan-out delivery failed",
				zap.String("session_id", sessionID),
				zap.Int("events", len(batch)),
				zap.Error(err))
		}
	}()
}

func (p *Publisher) channelName(sessionID string) string {
	if p.channelPrefix == "" {
		return sessionID
	}
	return p.channelPrefix + ":" + sessionID
}

// ChannelName exposes the realtime channel naming for subscribers.
func (p *Publisher) ChannelName(sessionID string) string {
	return p.channelName(sessionID)
}

func (p *Publisher) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("timeline publisher error", attrs...)
}
