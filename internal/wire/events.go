// Package wire decodes raw socket frames into typed domain events.
// The wire format is JSON text frames: {"type": <tag>, "payload"|"data": <fields>}.
// Older server builds put the fields under "data" or flat on the frame itself;
// Decode normalizes all three shapes before typed decoding.
package wire

// Kind identifies a domain event variant. The set is closed: unrecognized
// tags never produce an event.
type Kind string

const (
	KindConnectionEstablished Kind = "connection_established"

	KindMessageNew     Kind = "message_new"
	KindMessageUpdated Kind = "message_updated"
	KindMessageDeleted Kind = "message_deleted"

	KindReceiptDelivered Kind = "receipt_delivered"
	KindReceiptRead      Kind = "receipt_read"
	KindChatRead         Kind = "chat_read"

	KindTypingStart     Kind = "typing_start"
	KindPresenceOnline  Kind = "presence_online"
	KindPresenceOffline Kind = "presence_offline"

	KindMemberAdded       Kind = "member_added"
	KindMemberRemoved     Kind = "member_removed"
	KindMemberLeft        Kind = "member_left"
	KindMemberRoleChanged Kind = "member_role_changed"
	KindOwnerChanged      Kind = "owner_changed"

	KindChatCreated Kind = "chat_created"
	KindChatUpdated Kind = "chat_updated"
	KindChatDeleted Kind = "chat_deleted"
	KindUserDeleted Kind = "user_deleted"

	KindPong Kind = "pong"
)

// Event is a decoded domain event. Payload holds the typed payload struct
// for the Kind, or nil for payload-less kinds (e.g. pong).
type Event struct {
	Kind    Kind
	Payload any
}

// ConnectionEstablished carries the server-confirmed identity of the
// connected user. Consumers use it to trigger a fresh hydration, since
// presence events before (re)connection are not retroactively delivered.
type ConnectionEstablished struct {
	UserID string `json:"userId"`
}

// Message is the wire shape of a new or updated message. ClientTempID is
// echoed back for the sender's own messages so the optimistic local entry
// can be reconciled with the server-confirmed one.
type Message struct {
	ID           string `json:"id"`
	ClientTempID string `json:"clientTempId"`
	ChatID       string `json:"chatId"`
	SenderID     string `json:"senderId"`
	SenderName   string `json:"senderName"`
	Body         string `json:"body"`
	MediaURL     string `json:"mediaUrl"`
	Timestamp    int64  `json:"timestamp"`
}

// MessageDeleted identifies a message removed server-side.
type MessageDeleted struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// Receipt is a per-message delivery or read receipt.
type Receipt struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// ChatRead is a per-chat read receipt: the user has read everything in the
// chat up to Timestamp.
type ChatRead struct {
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// Typing signals that a user started typing in a chat.
type Typing struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// Presence signals an online/offline transition for a user.
type Presence struct {
	UserID   string `json:"userId"`
	LastSeen int64  `json:"lastSeen"`
}

// Membership describes a group membership change. MemberCount is the chat's
// member count after the change; zero means the server omitted it and the
// consumer must refetch chat details instead of guessing.
type Membership struct {
	ChatID      string `json:"chatId"`
	UserID      string `json:"userId"`
	Role        string `json:"role"`
	MemberCount int    `json:"memberCount"`
}

// ChatChange identifies a chat that was created, updated, or deleted.
type ChatChange struct {
	ChatID string `json:"chatId"`
	Name   string `json:"name"`
}

// UserDeleted identifies a deleted user account.
type UserDeleted struct {
	UserID string `json:"userId"`
}
