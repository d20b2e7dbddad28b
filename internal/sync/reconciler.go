// Package sync owns the in-memory chat list and reconciles it against
// local optimistic mutations and server-pushed domain events. Every list
// mutation funnels through one sort+dedup+persist step, so the durable
// cache and the in-memory view cannot diverge after a successful apply.
package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/lumechat/lume/internal/api"
	"github.com/lumechat/lume/internal/bus"
	"github.com/lumechat/lume/internal/presence"
	"github.com/lumechat/lume/internal/store"
	"go.uber.org/zap"
)

// Fetcher is the REST surface the reconciler needs for fallback refreshes
// and initial hydration. *api.Client satisfies it.
type Fetcher interface {
	ListChats(ctx context.Context, cursor string, limit int) (*api.ChatPage, error)
	GetChat(ctx context.Context, chatID string) (*api.ChatSummary, error)
	ListMessages(ctx context.Context, chatID, cursor string, limit int) (*api.MessagePage, error)
	PresenceSnapshot(ctx context.Context) ([]string, error)
}

// Reconciler applies (current state, incoming change) -> next state against
// the chat list and per-chat message pages, persisting after each
// successful transition. All event application is idempotent: duplicate
// delivery of any event yields the same state as applying it once.
type Reconciler struct {
	db       *store.DB
	bus      *bus.Bus
	api      Fetcher
	presence *presence.Tracker
	typing   *presence.TypingRegistry
	logger   *zap.Logger

	mu           sync.Mutex
	selfID       string
	activeChatID string
	chats        []store.Chat
	messages     map[string][]store.Message
	unsub        func()
}

// NewReconciler creates a reconciler. The logger may be nil.
func NewReconciler(db *store.DB, b *bus.Bus, f Fetcher, tracker *presence.Tracker, typing *presence.TypingRegistry, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		db:       db,
		bus:      b,
		api:      f,
		presence: tracker,
		typing:   typing,
		logger:   logger,
		messages: make(map[string][]store.Message),
	}
}

// Start loads cached state and subscribes to inbound domain events.
func (r *Reconciler) Start() error {
	chats, err := r.db.ListChats(0, 0)
	if err != nil {
		return fmt.Errorf("load cached chats: %w", err)
	}
	r.mu.Lock()
	r.chats = chats
	r.mu.Unlock()

	r.unsub = r.bus.Subscribe("event.", r.handleEvent)
	return nil
}

// Stop unsubscribes from the bus.
func (r *Reconciler) Stop() {
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
}

// SelfID returns the server-confirmed id of the local user, empty before
// the first connection is established.
func (r *Reconciler) SelfID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selfID
}

// SetActiveChat marks the chat currently focused by the user. New messages
// for the active chat do not increment its unread count; focusing a chat
// clears it.
func (r *Reconciler) SetActiveChat(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeChatID = chatID
	if chatID == "" {
		return
	}
	for i := range r.chats {
		if r.chats[i].ID == chatID && r.chats[i].UnreadCount != 0 {
			r.chats[i].UnreadCount = 0
			r.persistLocked()
			return
		}
	}
}

// Chats returns a snapshot of the chat list, sorted by updatedAt descending.
func (r *Reconciler) Chats() []store.Chat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.Chat, len(r.chats))
	copy(out, r.chats)
	return out
}

// Messages returns a snapshot of a chat's in-memory message page, oldest
// first.
func (r *Reconciler) Messages(chatID string) []store.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	page := r.messages[chatID]
	out := make([]store.Message, len(page))
	copy(out, page)
	return out
}

// Hydrate replaces the chat list with the server's view and refreshes the
// polled presence snapshot. Called on connection established and whenever
// an event lacks enough information to apply incrementally.
func (r *Reconciler) Hydrate(ctx context.Context) error {
	var all []store.Chat
	cursor := ""
	for {
		page, err := r.api.ListChats(ctx, cursor, 100)
		if err != nil {
			return fmt.Errorf("list chats: %w", err)
		}
		for i := range page.Chats {
			all = append(all, chatFromSummary(&page.Chats[i]))
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	r.mu.Lock()
	r.chats = all
	r.sortAndPersistLocked()
	r.mu.Unlock()

	if online, err := r.api.PresenceSnapshot(ctx); err == nil {
		r.presence.SetSnapshot(online)
	} else {
		r.logger.Warn("presence snapshot failed", zap.Error(err))
	}
	return nil
}

// LoadMessages fetches one page of a chat's history from the server and
// merges it into the in-memory page and the durable cache.
func (r *Reconciler) LoadMessages(ctx context.Context, chatID, cursor string, limit int) (string, error) {
	page, err := r.api.ListMessages(ctx, chatID, cursor, limit)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range page.Messages {
		rm := &page.Messages[i]
		m := store.Message{
			ChatID:    chatID,
			MsgID:     rm.ID,
			SenderID:  rm.SenderID,
			Body:      rm.Body,
			MediaURL:  rm.MediaURL,
			Status:    rm.Status,
			ReadBy:    rm.ReadBy,
			Timestamp: rm.Timestamp,
		}
		r.upsertMessageLocked(&m)
	}
	return page.NextCursor, nil
}

// refresh re-hydrates in the background. Used when an event cannot be
// applied incrementally; fabricating state from a partial payload would
// leave the cache wrong until the next full sync.
func (r *Reconciler) refresh() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Hydrate(ctx); err != nil {
			r.logger.Warn("fallback refresh failed", zap.Error(err))
		}
	}()
}

// refreshChat refetches one chat's details in the background.
func (r *Reconciler) refreshChat(chatID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		summary, err := r.api.GetChat(ctx, chatID)
		if err != nil {
			r.logger.Warn("chat refetch failed", zap.String("chat_id", chatID), zap.Error(err))
			return
		}
		c := chatFromSummary(summary)
		r.mu.Lock()
		defer r.mu.Unlock()
		if i := r.chatIndexLocked(chatID); i >= 0 {
			c.UnreadCount = r.chats[i].UnreadCount
			r.chats[i] = c
		} else {
			r.chats = append(r.chats, c)
		}
		r.sortAndPersistLocked()
	}()
}

func (r *Reconciler) chatIndexLocked(chatID string) int {
	for i := range r.chats {
		if r.chats[i].ID == chatID {
			return i
		}
	}
	return -1
}

// sortAndPersistLocked is the single funnel for chat list mutations:
// dedup by id, sort by updatedAt descending, write through to the cache.
func (r *Reconciler) sortAndPersistLocked() {
	seen := make(map[string]bool, len(r.chats))
	dedup := r.chats[:0]
	for _, c := range r.chats {
		if !seen[c.ID] {
			seen[c.ID] = true
			dedup = append(dedup, c)
		}
	}
	r.chats = dedup
	sort.SliceStable(r.chats, func(i, j int) bool {
		return r.chats[i].UpdatedAt > r.chats[j].UpdatedAt
	})
	r.persistLocked()
}

func (r *Reconciler) persistLocked() {
	if err := r.db.ReplaceChats(r.chats); err != nil {
		r.logger.Error("failed to persist chat list", zap.Error(err))
		return
	}
	r.bus.Publish(bus.Event{Kind: "sync.chats_updated", Timestamp: time.Now()})
}

// upsertMessageLocked merges a message into the chat's in-memory page
// (unique by msg id, matching pending entries by client temp id) and
// writes it through to the cache. Returns true when the message was not
// present before, so callers can apply first-delivery side effects
// exactly once.
func (r *Reconciler) upsertMessageLocked(m *store.Message) bool {
	page := r.messages[m.ChatID]
	replaced := false
	for i := range page {
		if page[i].MsgID == m.MsgID ||
			(m.ClientTempID != "" && page[i].ClientTempID == m.ClientTempID) {
			if page[i].MsgID != m.MsgID {
				// Server id supersedes the optimistic entry.
				if err := r.db.DeleteMessage(m.ChatID, page[i].MsgID); err != nil {
					r.logger.Error("failed to drop pending message", zap.Error(err))
				}
			}
			m.ReadBy = unionStrings(page[i].ReadBy, m.ReadBy)
			if statusRank(m.Status) < statusRank(page[i].Status) {
				m.Status = page[i].Status
			}
			page[i] = *m
			replaced = true
			break
		}
	}
	if !replaced {
		page = append(page, *m)
		sort.SliceStable(page, func(i, j int) bool {
			return page[i].Timestamp < page[j].Timestamp
		})
	}
	r.messages[m.ChatID] = page

	if err := r.db.UpsertMessage(m); err != nil {
		r.logger.Error("failed to persist message", zap.Error(err), zap.String("msg_id", m.MsgID))
		return !replaced
	}
	r.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": m.ChatID, "msg_id": m.MsgID},
	})
	return !replaced
}

func chatFromSummary(s *api.ChatSummary) store.Chat {
	return store.Chat{
		ID:                 s.ID,
		Kind:               s.Kind,
		Name:               s.Name,
		Participants:       s.Participants,
		MemberCount:        s.MemberCount,
		OwnerID:            s.OwnerID,
		UnreadCount:        s.UnreadCount,
		LastMessagePreview: s.LastMessagePreview,
		LastMessageAt:      s.LastMessageAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

// statusRank orders message statuses; status never moves backward through
// sent -> delivered -> read. Sending and error sit below sent so a server
// confirmation always advances them.
func statusRank(status string) int {
	switch status {
	case store.StatusSending, store.StatusError:
		return 0
	case store.StatusSent:
		return 1
	case store.StatusDelivered:
		return 2
	case store.StatusRead:
		return 3
	default:
		return 0
	}
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, v := range a {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// truncate cuts s to at most maxLen bytes, backing off to the previous
// rune boundary so a multi-byte character is never split.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
