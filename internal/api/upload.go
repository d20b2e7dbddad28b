package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
)

// InitUploadRequest starts a new resumable upload session.
type InitUploadRequest struct {
	Filename string `json:"filename"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
	Category string `json:"category"`
}

// InitUpload requests a new upload session from the server.
func (c *Client) InitUpload(ctx context.Context, req InitUploadRequest) (string, error) {
	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/upload/init", req, &res); err != nil {
		return "", err
	}
	if res.SessionID == "" {
		return "", fmt.Errorf("upload init: server returned empty sessionId")
	}
	return res.SessionID, nil
}

// UploadChunk sends one base64-encoded chunk by index.
func (c *Client) UploadChunk(ctx context.Context, sessionID string, index int, data []byte) error {
	req := map[string]string{
		"chunkData": base64.StdEncoding.EncodeToString(data),
	}
	path := fmt.Sprintf("/v1/upload/chunk/%s/%d", url.PathEscape(sessionID), index)
	return c.doJSON(ctx, http.MethodPost, path, req, nil)
}

// UploadStatus asks the server which chunk indices it has already received.
// On resume the server's answer is authoritative over the local checkpoint.
func (c *Client) UploadStatus(ctx context.Context, sessionID string) ([]int, error) {
	var res struct {
		UploadedChunks []int `json:"uploadedChunks"`
	}
	path := "/v1/upload/status/" + url.PathEscape(sessionID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.UploadedChunks, nil
}

// CompleteUpload finalizes the object server-side and returns its URL.
func (c *Client) CompleteUpload(ctx context.Context, sessionID string) (string, error) {
	var res struct {
		ObjectPath string `json:"objectPath"`
		URL        string `json:"url"`
	}
	path := "/v1/upload/complete/" + url.PathEscape(sessionID)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &res); err != nil {
		return "", err
	}
	if res.URL != "" {
		return res.URL, nil
	}
	return res.ObjectPath, nil
}
