package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// ChatSummary is the server's chat list entry.
type ChatSummary struct {
	ID                 string   `json:"id"`
	Kind               string   `json:"kind"`
	Name               string   `json:"name"`
	Participants       []string `json:"participants"`
	MemberCount        int      `json:"memberCount"`
	OwnerID            string   `json:"ownerId"`
	UnreadCount        int      `json:"unreadCount"`
	LastMessagePreview string   `json:"lastMessagePreview"`
	LastMessageAt      int64    `json:"lastMessageAt"`
	UpdatedAt          int64    `json:"updatedAt"`
}

// ChatPage is one cursor-paginated page of the chat list.
type ChatPage struct {
	Chats      []ChatSummary `json:"chats"`
	NextCursor string        `json:"nextCursor"`
}

// RemoteMessage is the server's message record.
type RemoteMessage struct {
	ID        string   `json:"id"`
	ChatID    string   `json:"chatId"`
	SenderID  string   `json:"senderId"`
	Body      string   `json:"body"`
	MediaURL  string   `json:"mediaUrl"`
	Status    string   `json:"status"`
	ReadBy    []string `json:"readBy"`
	Timestamp int64    `json:"timestamp"`
}

// MessagePage is one cursor-paginated page of a chat's history.
type MessagePage struct {
	Messages   []RemoteMessage `json:"messages"`
	NextCursor string          `json:"nextCursor"`
}

// SendResult is the server's acknowledgement of a sent message.
type SendResult struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// ListChats fetches one page of the chat list.
func (c *Client) ListChats(ctx context.Context, cursor string, limit int) (*ChatPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page ChatPage
	if err := c.doJSON(ctx, http.MethodGet, "/v1/chats?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetChat fetches full details for one chat.
func (c *Client) GetChat(ctx context.Context, chatID string) (*ChatSummary, error) {
	var chat ChatSummary
	if err := c.doJSON(ctx, http.MethodGet, "/v1/chats/"+url.PathEscape(chatID), nil, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// ListMessages fetches one page of a chat's message history.
func (c *Client) ListMessages(ctx context.Context, chatID, cursor string, limit int) (*MessagePage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page MessagePage
	path := fmt.Sprintf("/v1/chats/%s/messages?%s", url.PathEscape(chatID), q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage posts a new message. The client temp id is echoed back by
// the server's socket event so the optimistic entry can be reconciled.
func (c *Client) SendMessage(ctx context.Context, chatID, clientTempID, body, mediaURL string) (*SendResult, error) {
	req := map[string]string{
		"clientTempId": clientTempID,
		"body":         body,
	}
	if mediaURL != "" {
		req["mediaUrl"] = mediaURL
	}
	var res SendResult
	path := fmt.Sprintf("/v1/chats/%s/messages", url.PathEscape(chatID))
	if err := c.doJSON(ctx, http.MethodPost, path, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PresenceSnapshot fetches the polled set of currently online user ids.
func (c *Client) PresenceSnapshot(ctx context.Context) ([]string, error) {
	var res struct {
		Online []string `json:"online"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/presence", nil, &res); err != nil {
		return nil, err
	}
	return res.Online, nil
}
