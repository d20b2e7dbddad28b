package sync

import (
	"time"

	"github.com/lumechat/lume/internal/bus"
	"github.com/lumechat/lume/internal/store"
	"go.uber.org/zap"
)

// ApplyLocalSend inserts the optimistic entry for a message the user just
// sent (or retried): visible immediately with status sending, keyed by the
// client temp id until the server assigns a real id.
func (r *Reconciler) ApplyLocalSend(chatID, clientTempID, body, mediaURL string, ts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.upsertMessageLocked(&store.Message{
		ChatID:       chatID,
		MsgID:        clientTempID,
		ClientTempID: clientTempID,
		SenderID:     r.selfID,
		Body:         body,
		MediaURL:     mediaURL,
		Status:       store.StatusSending,
		Timestamp:    ts,
	})

	if i := r.chatIndexLocked(chatID); i >= 0 {
		c := &r.chats[i]
		c.LastMessagePreview = truncate(body, 100)
		c.LastMessageAt = ts
		if ts > c.UpdatedAt {
			c.UpdatedAt = ts
		}
		r.sortAndPersistLocked()
	}
}

// ConfirmSend reconciles the pending entry with the server-confirmed id.
// The confirmed id overwrites the optimistic entry, never duplicates it;
// if the socket event for the message arrived first, the pending entry is
// simply dropped.
func (r *Reconciler) ConfirmSend(chatID, clientTempID, serverID string, ts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	page := r.messages[chatID]
	for i := range page {
		if page[i].MsgID == serverID {
			// Already reconciled via the socket event; drop the pending
			// entry if it still exists separately.
			for j := range page {
				if j != i && page[j].ClientTempID == clientTempID {
					r.messages[chatID] = append(page[:j], page[j+1:]...)
					if err := r.db.DeleteMessage(chatID, clientTempID); err != nil {
						r.logger.Error("failed to drop pending message", zap.Error(err))
					}
					break
				}
			}
			return
		}
	}

	for i := range page {
		if page[i].ClientTempID == clientTempID {
			m := page[i]
			if err := r.db.DeleteMessage(chatID, m.MsgID); err != nil {
				r.logger.Error("failed to drop pending message", zap.Error(err))
			}
			m.MsgID = serverID
			m.Status = store.StatusSent
			if ts > 0 {
				m.Timestamp = ts
			}
			page[i] = m
			if err := r.db.UpsertMessage(&m); err != nil {
				r.logger.Error("failed to persist confirmed message", zap.Error(err))
			}
			return
		}
	}
}

// FailSend marks the pending entry as errored, surfacing a manual retry.
func (r *Reconciler) FailSend(chatID, clientTempID string) {
	r.setPendingStatus(chatID, clientTempID, store.StatusError)
}

// MarkSending returns an errored entry to the sending state for a retry,
// reusing the same client temp id.
func (r *Reconciler) MarkSending(chatID, clientTempID string) {
	r.setPendingStatus(chatID, clientTempID, store.StatusSending)
}

func (r *Reconciler) setPendingStatus(chatID, clientTempID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	page := r.messages[chatID]
	for i := range page {
		if page[i].ClientTempID == clientTempID && page[i].MsgID == clientTempID {
			page[i].Status = status
			m := page[i]
			if err := r.db.UpsertMessage(&m); err != nil {
				r.logger.Error("failed to persist message status", zap.Error(err))
			}
			r.bus.Publish(bus.Event{
				Kind:      "message.upserted",
				Timestamp: time.Now(),
				Payload:   map[string]string{"chat_id": chatID, "msg_id": clientTempID},
			})
			return
		}
	}
}
