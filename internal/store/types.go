package store

// Chat kinds.
const (
	ChatPrivate = "private"
	ChatGroup   = "group"
)

// Message statuses. Status only moves forward through sent → delivered →
// read; error is reachable from sending and returns to sending on retry.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusError     = "error"
)

// Chat represents a chat summary in the local cache.
type Chat struct {
	ID                 string
	Kind               string
	Name               string
	Participants       []string
	UnreadCount        int
	MemberCount        int
	OwnerID            string
	LastMessagePreview string
	LastMessageAt      int64
	UpdatedAt          int64
}

// Message represents a cached message. MsgID is the server id once
// confirmed; while a send is pending it holds the client temp id.
type Message struct {
	ID           int64
	ChatID       string
	MsgID        string
	ClientTempID string
	SenderID     string
	SenderName   string
	Body         string
	MediaURL     string
	Status       string
	ReadBy       []string
	Timestamp    int64
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientTempID string
	ChatID       string
	Body         string
	MediaURL     string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}

// UploadSession is a persisted checkpoint of a resumable upload.
type UploadSession struct {
	SessionID      string
	FileName       string
	FileSize       int64
	TotalChunks    int
	UploadedChunks []int
	Category       string
	SourcePath     string
	CreatedAt      int64
}

// MediaEntry is one manifest row of the media cache.
type MediaEntry struct {
	URLKey    string
	URL       string
	LocalPath string
	SizeBytes int64
	CreatedAt int64
}
