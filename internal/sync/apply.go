package sync

import (
	"time"

	"github.com/lumechat/lume/internal/bus"
	"github.com/lumechat/lume/internal/store"
	"github.com/lumechat/lume/internal/wire"
	"go.uber.org/zap"
)

func (r *Reconciler) handleEvent(evt bus.Event) {
	we, ok := evt.Payload.(*wire.Event)
	if !ok {
		return
	}

	switch p := we.Payload.(type) {
	case *wire.ConnectionEstablished:
		r.applyConnectionEstablished(p)
	case *wire.Message:
		switch we.Kind {
		case wire.KindMessageNew:
			r.applyNewMessage(p)
		case wire.KindMessageUpdated:
			r.applyUpdatedMessage(p)
		}
	case *wire.MessageDeleted:
		r.applyMessageDeleted(p)
	case *wire.Receipt:
		r.applyReceipt(p, we.Kind == wire.KindReceiptRead)
	case *wire.ChatRead:
		r.applyChatRead(p)
	case *wire.Typing:
		r.typing.MarkTyping(p.ChatID, p.UserID)
	case *wire.Presence:
		r.presence.SetLive(p.UserID, we.Kind == wire.KindPresenceOnline)
	case *wire.Membership:
		r.applyMembership(we.Kind, p)
	case *wire.ChatChange:
		r.applyChatChange(we.Kind, p)
	case *wire.UserDeleted:
		r.applyUserDeleted(p)
	}
}

func (r *Reconciler) applyConnectionEstablished(p *wire.ConnectionEstablished) {
	r.mu.Lock()
	r.selfID = p.UserID
	r.mu.Unlock()

	// Presence events missed while disconnected are gone for good; drop
	// the live signal and refresh everything from the server.
	r.presence.ResetLive()
	r.refresh()

	r.bus.Publish(bus.Event{Kind: "sync.connected", Timestamp: time.Now(), Payload: p.UserID})
}

func (r *Reconciler) applyNewMessage(p *wire.Message) {
	r.mu.Lock()
	i := r.chatIndexLocked(p.ChatID)
	if i < 0 {
		r.mu.Unlock()
		// A brand-new conversation: a single message event does not carry
		// enough chat metadata, so refetch the list instead of fabricating
		// a partial chat entry.
		r.refresh()
		return
	}
	defer r.mu.Unlock()

	status := store.StatusSent
	if p.SenderID != r.selfID {
		status = store.StatusDelivered
	}
	inserted := r.upsertMessageLocked(&store.Message{
		ChatID:       p.ChatID,
		MsgID:        p.ID,
		ClientTempID: p.ClientTempID,
		SenderID:     p.SenderID,
		SenderName:   p.SenderName,
		Body:         p.Body,
		MediaURL:     p.MediaURL,
		Status:       status,
		Timestamp:    p.Timestamp,
	})
	if !inserted {
		// Duplicate delivery: the first application already bumped the
		// chat summary and unread count.
		return
	}

	c := &r.chats[i]
	// Events are not ordered across chats; a late older message must not
	// regress the preview.
	if p.Timestamp >= c.LastMessageAt {
		c.LastMessagePreview = truncate(p.Body, 100)
		c.LastMessageAt = p.Timestamp
	}
	if p.Timestamp > c.UpdatedAt {
		c.UpdatedAt = p.Timestamp
	}
	if p.SenderID != r.selfID && p.ChatID != r.activeChatID {
		c.UnreadCount++
	}

	r.sortAndPersistLocked()
}

func (r *Reconciler) applyUpdatedMessage(p *wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.getMessageLocked(p.ChatID, p.ID)
	if err != nil || existing == nil {
		return
	}
	existing.Body = p.Body
	if p.MediaURL != "" {
		existing.MediaURL = p.MediaURL
	}
	r.upsertMessageLocked(existing)
}

func (r *Reconciler) applyMessageDeleted(p *wire.MessageDeleted) {
	r.mu.Lock()
	defer r.mu.Unlock()

	page := r.messages[p.ChatID]
	for i := range page {
		if page[i].MsgID == p.MessageID {
			r.messages[p.ChatID] = append(page[:i], page[i+1:]...)
			break
		}
	}
	if err := r.db.DeleteMessage(p.ChatID, p.MessageID); err != nil {
		r.logger.Error("failed to delete message", zap.Error(err), zap.String("msg_id", p.MessageID))
	}
}

// applyReceipt advances a message's status and grows its readBy set. Both
// operations are idempotent, so duplicate delivery of the same receipt is
// a no-op.
func (r *Reconciler) applyReceipt(p *wire.Receipt, read bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.getMessageLocked(p.ChatID, p.MessageID)
	if err != nil || m == nil {
		return
	}

	changed := false
	target := store.StatusDelivered
	if read {
		target = store.StatusRead
		before := len(m.ReadBy)
		m.ReadBy = unionStrings(m.ReadBy, []string{p.UserID})
		changed = len(m.ReadBy) != before
	}
	if statusRank(target) > statusRank(m.Status) {
		m.Status = target
		changed = true
	}
	if changed {
		r.upsertMessageLocked(m)
	}
}

// applyChatRead marks every message of the chat at or before the receipt
// timestamp as read by the user.
func (r *Reconciler) applyChatRead(p *wire.ChatRead) {
	r.mu.Lock()
	defer r.mu.Unlock()

	page := r.messages[p.ChatID]
	for i := range page {
		m := &page[i]
		if p.Timestamp > 0 && m.Timestamp > p.Timestamp {
			continue
		}
		before := len(m.ReadBy)
		m.ReadBy = unionStrings(m.ReadBy, []string{p.UserID})
		advanced := statusRank(store.StatusRead) > statusRank(m.Status)
		if advanced {
			m.Status = store.StatusRead
		}
		if len(m.ReadBy) != before || advanced {
			updated := *m
			r.upsertMessageLocked(&updated)
		}
	}
}

func (r *Reconciler) applyMembership(kind wire.Kind, p *wire.Membership) {
	// Being removed from a chat drops it locally with no confirmation
	// round trip.
	if kind == wire.KindMemberRemoved && p.UserID != "" && p.UserID == r.SelfID() {
		r.removeChat(p.ChatID)
		return
	}

	r.mu.Lock()
	i := r.chatIndexLocked(p.ChatID)
	if i < 0 {
		r.mu.Unlock()
		r.refresh()
		return
	}

	c := &r.chats[i]
	applied := false
	switch kind {
	case wire.KindMemberAdded:
		if p.MemberCount > 0 {
			c.MemberCount = p.MemberCount
			if p.UserID != "" {
				c.Participants = unionStrings(c.Participants, []string{p.UserID})
			}
			applied = true
		}
	case wire.KindMemberRemoved, wire.KindMemberLeft:
		if p.MemberCount > 0 {
			c.MemberCount = p.MemberCount
			if p.UserID != "" {
				c.Participants = removeString(c.Participants, p.UserID)
			}
			applied = true
		}
	case wire.KindMemberRoleChanged:
		// Roles are not tracked per participant locally; details come
		// from a refetch.
	case wire.KindOwnerChanged:
		if p.UserID != "" {
			c.OwnerID = p.UserID
			applied = true
		}
	}

	if applied {
		r.sortAndPersistLocked()
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	// Not enough information in the event payload; refetch the chat
	// rather than guessing.
	r.refreshChat(p.ChatID)
}

func (r *Reconciler) applyChatChange(kind wire.Kind, p *wire.ChatChange) {
	switch kind {
	case wire.KindChatDeleted:
		r.removeChat(p.ChatID)
	case wire.KindChatCreated:
		r.refresh()
	case wire.KindChatUpdated:
		r.mu.Lock()
		i := r.chatIndexLocked(p.ChatID)
		if i < 0 {
			r.mu.Unlock()
			r.refresh()
			return
		}
		if p.Name != "" {
			r.chats[i].Name = p.Name
			r.sortAndPersistLocked()
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		r.refreshChat(p.ChatID)
	}
}

func (r *Reconciler) applyUserDeleted(p *wire.UserDeleted) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	kept := r.chats[:0]
	for _, c := range r.chats {
		if c.Kind == store.ChatPrivate && containsString(c.Participants, p.UserID) {
			removed = append(removed, c.ID)
			continue
		}
		kept = append(kept, c)
	}
	r.chats = kept
	for _, id := range removed {
		delete(r.messages, id)
		if err := r.db.DeleteChat(id); err != nil {
			r.logger.Error("failed to delete chat", zap.Error(err), zap.String("chat_id", id))
		}
	}
	if len(removed) > 0 {
		r.sortAndPersistLocked()
	}
}

// removeChat filters the chat out of the local list and persists
// immediately.
func (r *Reconciler) removeChat(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.chatIndexLocked(chatID)
	if i < 0 {
		return
	}
	r.chats = append(r.chats[:i], r.chats[i+1:]...)
	delete(r.messages, chatID)
	if err := r.db.DeleteChat(chatID); err != nil {
		r.logger.Error("failed to delete chat", zap.Error(err), zap.String("chat_id", chatID))
	}
	r.sortAndPersistLocked()
}

// getMessageLocked finds a message in the in-memory page, falling back to
// the durable cache for messages outside the loaded window.
func (r *Reconciler) getMessageLocked(chatID, msgID string) (*store.Message, error) {
	for i := range r.messages[chatID] {
		if r.messages[chatID][i].MsgID == msgID {
			m := r.messages[chatID][i]
			return &m, nil
		}
	}
	return r.db.GetMessage(chatID, msgID)
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
