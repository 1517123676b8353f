// Package repository persists chat messages and mute records.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/database"
	"chatgate/internal/models"
	"chatgate/internal/observability"

	"github.com/google/uuid"
)

// ErrMessageNotFound is returned when a message id does not exist.
var ErrMessageNotFound = errors.New("message not found")

// MessageStore is the durable side of the chat.
type MessageStore interface {
	Append(ctx context.Context, msg *models.ChatMessage) error
	SoftDelete(ctx context.Context, id string) error
	GetMessage(ctx context.Context, id string) (*models.ChatMessage, error)
	// ListRecent returns non-deleted messages, newest first.
	ListRecent(ctx context.Context, limit, offset int) ([]*models.ChatMessage, error)
	// GetMuteRecord returns nil without error when the sender has no record.
	GetMuteRecord(ctx context.Context, address string) (*models.MuteRecord, error)
	UpsertMuteRecord(ctx context.Context, rec *models.MuteRecord) error
	DeleteMuteRecord(ctx context.Context, address string) error
	PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeExpiredMutes(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// NewMessageID returns a time-ordered message id.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Open builds the store selected by STORE_DRIVER, wrapped with timeouts,
// latency metrics and logging.
func Open(cfg *config.Config) (MessageStore, error) {
	var store MessageStore

	switch cfg.StoreDriver {
	case config.StoreDriverFile:
		fs, err := NewFileStore(cfg.StoreFilePath)
		if err != nil {
			return nil, err
		}
		store = fs
	case config.StoreDriverPostgres, config.StoreDriverSQLite:
		db, err := database.Connect(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect message store: %w", err)
		}
		store = NewChatRepository(db)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	slog.Info("message store ready", slog.String("driver", cfg.StoreDriver))
	return NewInstrumentedStore(store, cfg.StoreDriver, cfg.StoreTimeout), nil
}

// instrumentedStore bounds each call by a timeout and records latency and
// failures per operation.
type instrumentedStore struct {
	next    MessageStore
	driver  string
	timeout time.Duration
	log     *observability.RepoLogger
}

// NewInstrumentedStore wraps next. A zero timeout leaves the caller's context alone.
func NewInstrumentedStore(next MessageStore, driver string, timeout time.Duration) MessageStore {
	return &instrumentedStore{
		next:    next,
		driver:  driver,
		timeout: timeout,
		log:     observability.NewRepoLogger(driver),
	}
}

func (s *instrumentedStore) call(ctx context.Context, op string, fn func(context.Context) error) error {
	defer observability.TrackStore(s.driver, op)()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	err := fn(ctx)
	if err != nil && !errors.Is(err, ErrMessageNotFound) {
		observability.StoreFailures.WithLabelValues(s.driver, op).Inc()
		s.log.LogError(ctx, err, op)
	}
	return err
}

func (s *instrumentedStore) Append(ctx context.Context, msg *models.ChatMessage) error {
	err := s.call(ctx, "append", func(ctx context.Context) error {
		return s.next.Append(ctx, msg)
	})
	if err == nil {
		s.log.LogWrite(ctx, "append", slog.String("message_id", msg.ID))
	}
	return err
}

func (s *instrumentedStore) SoftDelete(ctx context.Context, id string) error {
	err := s.call(ctx, "soft_delete", func(ctx context.Context) error {
		return s.next.SoftDelete(ctx, id)
	})
	if err == nil {
		s.log.LogWrite(ctx, "soft_delete", slog.String("message_id", id))
	}
	return err
}

func (s *instrumentedStore) GetMessage(ctx context.Context, id string) (*models.ChatMessage, error) {
	var msg *models.ChatMessage
	err := s.call(ctx, "get_message", func(ctx context.Context) error {
		var err error
		msg, err = s.next.GetMessage(ctx, id)
		return err
	})
	return msg, err
}

func (s *instrumentedStore) ListRecent(ctx context.Context, limit, offset int) ([]*models.ChatMessage, error) {
	var msgs []*models.ChatMessage
	err := s.call(ctx, "list_recent", func(ctx context.Context) error {
		var err error
		msgs, err = s.next.ListRecent(ctx, limit, offset)
		return err
	})
	return msgs, err
}

func (s *instrumentedStore) GetMuteRecord(ctx context.Context, address string) (*models.MuteRecord, error) {
	var rec *models.MuteRecord
	err := s.call(ctx, "get_mute", func(ctx context.Context) error {
		var err error
		rec, err = s.next.GetMuteRecord(ctx, address)
		return err
	})
	return rec, err
}

func (s *instrumentedStore) UpsertMuteRecord(ctx context.Context, rec *models.MuteRecord) error {
	err := s.call(ctx, "upsert_mute", func(ctx context.Context) error {
		return s.next.UpsertMuteRecord(ctx, rec)
	})
	if err == nil {
		s.log.LogWrite(ctx, "upsert_mute",
			slog.String("target", rec.SenderAddress),
			slog.String("kind", rec.Kind),
			slog.Time("until", rec.MutedUntil),
		)
	}
	return err
}

func (s *instrumentedStore) DeleteMuteRecord(ctx context.Context, address string) error {
	return s.call(ctx, "delete_mute", func(ctx context.Context) error {
		return s.next.DeleteMuteRecord(ctx, address)
	})
}

func (s *instrumentedStore) PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.call(ctx, "purge_messages", func(ctx context.Context) error {
		var err error
		n, err = s.next.PurgeMessagesBefore(ctx, cutoff)
		return err
	})
	return n, err
}

func (s *instrumentedStore) PurgeExpiredMutes(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.call(ctx, "purge_mutes", func(ctx context.Context) error {
		var err error
		n, err = s.next.PurgeExpiredMutes(ctx, now)
		return err
	})
	return n, err
}

func (s *instrumentedStore) Ping(ctx context.Context) error {
	return s.call(ctx, "ping", s.next.Ping)
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}
