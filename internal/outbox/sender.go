// Package outbox drains queued outgoing messages through the REST API.
// Queued sends survive a daemon restart; the reconciler keeps the
// optimistic message entry in step with each outbox transition.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lumechat/lume/internal/api"
	"github.com/lumechat/lume/internal/store"
	"go.uber.org/zap"
)

// MessageSender posts a message to the server. *api.Client satisfies it.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, clientTempID, body, mediaURL string) (*api.SendResult, error)
}

// Reconciler is the slice of the state reconciler the sender drives:
// optimistic insert on queue, confirm/fail on completion.
type Reconciler interface {
	ApplyLocalSend(chatID, clientTempID, body, mediaURL string, ts int64)
	ConfirmSend(chatID, clientTempID, serverID string, ts int64)
	FailSend(chatID, clientTempID string)
	MarkSending(chatID, clientTempID string)
}

// Sender polls the durable outbox and sends queued messages.
type Sender struct {
	db     *store.DB
	api    MessageSender
	rec    Reconciler
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSender creates a new outbox sender. The logger may be nil.
func NewSender(db *store.DB, sender MessageSender, rec Reconciler, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{db: db, api: sender, rec: rec, logger: logger}
}

// Queue persists an outgoing message and inserts the optimistic entry,
// visible immediately with status sending. Returns the generated client
// temp id.
func (s *Sender) Queue(chatID, body, mediaURL string) (string, error) {
	clientTempID := "tmp-" + uuid.NewString()
	if err := s.db.QueueOutbox(clientTempID, chatID, body, mediaURL); err != nil {
		return "", err
	}
	s.rec.ApplyLocalSend(chatID, clientTempID, body, mediaURL, time.Now().UnixMilli())
	return clientTempID, nil
}

// Retry requeues a failed send under its original client temp id, so the
// errored message entry flips back to sending instead of duplicating.
func (s *Sender) Retry(chatID, clientTempID string) error {
	if err := s.db.RequeueOutbox(clientTempID); err != nil {
		return err
	}
	s.rec.MarkSending(chatID, clientTempID)
	return nil
}

// Start begins polling the outbox for queued messages. Entries left in
// 'sending' by a previous run crashed mid-send; they are requeued first,
// which is safe because the server reconciles resends by client temp id.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RequeueStaleSending(); err != nil {
		s.logger.Error("failed to requeue stale sends", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientTempID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_temp_id", entry.ClientTempID))
			continue
		}

		res, err := s.api.SendMessage(ctx, entry.ChatID, entry.ClientTempID, entry.Body, entry.MediaURL)
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_temp_id", entry.ClientTempID))
			_ = s.db.MarkOutboxFailed(entry.ClientTempID, err.Error())
			s.rec.FailSend(entry.ChatID, entry.ClientTempID)
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientTempID, res.ID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_temp_id", entry.ClientTempID))
		}
		s.rec.ConfirmSend(entry.ChatID, entry.ClientTempID, res.ID, res.Timestamp)
		s.logger.Info("message sent",
			zap.String("client_temp_id", entry.ClientTempID),
			zap.String("server_msg_id", res.ID))
	}
}
